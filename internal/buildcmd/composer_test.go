package buildcmd

import (
	"reflect"
	"strings"
	"testing"
)

func baseSpec() Spec {
	return Spec{
		Image: ImageRef{
			Repository: "localhost:5000",
			Name:       "base",
			Tags:       []string{"latest"},
		},
		Cache: CacheSpec{
			BranchTag:  "main",
			PrimaryTag: "latest",
		},
		ContextDir: ".",
	}
}

func TestCompose_Deterministic(t *testing.T) {
	spec := baseSpec()
	spec.Platforms = []string{"linux/amd64", "linux/arm64"}
	spec.Cache.Registry.ImportEnabled = true
	spec.Cache.Registry.ExportEnabled = true
	spec.Cache.Registry.Mode = "max"
	spec.Cache.Registry.TagPrefix = "cache-"
	spec.Push = true

	first, _ := Compose(spec)
	second, _ := Compose(spec)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("compose not deterministic:\n%v\n%v", first, second)
	}
}

func TestCompose_ImportOnlyEmitsNoExport(t *testing.T) {
	spec := baseSpec()
	spec.Cache.Inline.ImportEnabled = true
	spec.Cache.Registry.ImportEnabled = true
	spec.Cache.Registry.TagPrefix = "cache-"
	spec.Cache.Local.ImportEnabled = true
	spec.Cache.Local.Dir = "/tmp/cache"
	spec.Cache.S3.ImportEnabled = true
	spec.Cache.S3.Region = "us-east-1"
	spec.Cache.S3.Bucket = "b"
	spec.Cache.S3.Name = "base"

	args, skipped := Compose(spec)
	if len(skipped) != 0 {
		t.Fatalf("skipped=%v, want none", skipped)
	}
	for _, arg := range args {
		if arg == "--cache-to" {
			t.Fatalf("import-only spec emitted --cache-to: %v", args)
		}
	}
	if countFlag(args, "--cache-from") == 0 {
		t.Fatalf("no --cache-from emitted: %v", args)
	}
}

func TestCompose_ExportOnlyEmitsNoImport(t *testing.T) {
	spec := baseSpec()
	spec.Cache.Local.ExportEnabled = true
	spec.Cache.Local.Dir = "/tmp/cache"
	spec.Cache.Local.Mode = "max"

	args, _ := Compose(spec)
	if countFlag(args, "--cache-from") != 0 {
		t.Fatalf("export-only spec emitted --cache-from: %v", args)
	}
	if countFlag(args, "--cache-to") != 1 {
		t.Fatalf("want one --cache-to, got: %v", args)
	}
}

func TestCompose_ImportIncludesTrunkFallback(t *testing.T) {
	spec := baseSpec()
	spec.Cache.BranchTag = "feature-x"
	spec.Cache.PrimaryTag = "latest"
	spec.Cache.Registry.ImportEnabled = true
	spec.Cache.Registry.TagPrefix = "cache-"

	args, _ := Compose(spec)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "cache-feature-x") {
		t.Fatalf("branch cache ref missing: %v", args)
	}
	if !strings.Contains(joined, "cache-latest") {
		t.Fatalf("trunk fallback ref missing: %v", args)
	}
}

func TestCompose_RegistryExportSkippedWithoutCreds(t *testing.T) {
	spec := baseSpec()
	spec.Cache.Registry.ExportEnabled = true
	spec.Cache.Registry.Mode = "max"
	spec.Cache.Registry.Repository = "registry.example.com/org"
	spec.Cache.HaveRegistryCreds = false

	args, skipped := Compose(spec)
	if countFlag(args, "--cache-to") != 0 {
		t.Fatalf("credential-less export emitted --cache-to: %v", args)
	}
	if !reflect.DeepEqual(skipped, []string{"registry"}) {
		t.Fatalf("skipped=%v, want [registry]", skipped)
	}
}

func TestCompose_GHASkippedWithoutTokenPair(t *testing.T) {
	spec := baseSpec()
	spec.Cache.GHA.ImportEnabled = true
	spec.Cache.GHA.ExportEnabled = true
	spec.Cache.GHA.Mode = "min"

	args, skipped := Compose(spec)
	if strings.Contains(strings.Join(args, " "), "type=gha") {
		t.Fatalf("gha directives emitted without credentials: %v", args)
	}
	if !reflect.DeepEqual(skipped, []string{"gha"}) {
		t.Fatalf("skipped=%v, want [gha]", skipped)
	}
}

func TestCompose_PushAndLoadOutputs(t *testing.T) {
	push := baseSpec()
	push.Push = true
	args, _ := Compose(push)
	if got := flagValue(args, "--output"); got != "type=image,push=true" {
		t.Fatalf("push output=%q", got)
	}

	load := baseSpec()
	load.Load = true
	args, _ = Compose(load)
	if got := flagValue(args, "--output"); got != "type=docker" {
		t.Fatalf("load output=%q", got)
	}

	neither := baseSpec()
	args, _ = Compose(neither)
	if got := flagValue(args, "--output"); got != "type=image,push=false" {
		t.Fatalf("default output=%q", got)
	}
	if countFlag(args, "--output") != 1 {
		t.Fatalf("want exactly one --output: %v", args)
	}
}

func TestCompose_Ordering(t *testing.T) {
	spec := baseSpec()
	spec.Platforms = []string{"linux/amd64"}
	spec.Cache.Inline.ImportEnabled = true
	spec.Cache.Local.ExportEnabled = true
	spec.Cache.Local.Dir = "/tmp/c"
	spec.Cache.Local.Mode = "min"
	spec.MetadataFile = "/tmp/meta.json"

	args, _ := Compose(spec)
	platform := indexOf(args, "--platform")
	cacheFrom := indexOf(args, "--cache-from")
	cacheTo := indexOf(args, "--cache-to")
	output := indexOf(args, "--output")
	if !(platform < cacheFrom && cacheFrom < cacheTo && cacheTo < output) {
		t.Fatalf("flag ordering broken: %v", args)
	}
	if args[len(args)-1] != "." {
		t.Fatalf("context dir must be last: %v", args)
	}
}

func TestCompose_CompressionParameters(t *testing.T) {
	spec := baseSpec()
	spec.Cache.S3.ExportEnabled = true
	spec.Cache.S3.Mode = "max"
	spec.Cache.S3.Region = "us-east-1"
	spec.Cache.S3.Bucket = "b"
	spec.Cache.S3.Name = "base"
	spec.Cache.S3.AccessKey = "k"
	spec.Cache.S3.SecretKey = "s"
	spec.Cache.S3.Compression = "zstd"
	spec.Cache.S3.CompressionLevel = 3

	args, _ := Compose(spec)
	directive := flagValue(args, "--cache-to")
	if !strings.Contains(directive, "compression=zstd") || !strings.Contains(directive, "compression-level=3") {
		t.Fatalf("compression parameters missing: %q", directive)
	}
}

func TestImageRefRefs(t *testing.T) {
	ref := ImageRef{Repository: "localhost:5000", Name: "base", Tags: []string{"2.3.1", "latest"}}
	want := []string{"localhost:5000/base:2.3.1", "localhost:5000/base:latest"}
	if got := ref.Refs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("refs=%v, want %v", got, want)
	}
}

func countFlag(args []string, flag string) int {
	n := 0
	for _, a := range args {
		if a == flag {
			n++
		}
	}
	return n
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return len(args)
}
