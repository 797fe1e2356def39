package buildcmd

import (
	"fmt"
	"strings"

	"kiln/internal/infra"
)

// ImageRef addresses the image a build produces.
type ImageRef struct {
	Repository string
	Name       string
	Tags       []string
}

// Refs returns the fully-qualified pullable references, one per tag.
func (r ImageRef) Refs() []string {
	refs := make([]string, 0, len(r.Tags))
	for _, tag := range r.Tags {
		refs = append(refs, fmt.Sprintf("%s/%s:%s", r.Repository, r.Name, tag))
	}
	return refs
}

// CacheSpec carries the cache backend configuration plus the addressing
// context the directives need.
type CacheSpec struct {
	Inline   infra.CacheBackendConfig
	Registry infra.RegistryCacheConfig
	Local    infra.LocalCacheConfig
	GHA      infra.GHACacheConfig
	S3       infra.S3CacheConfig

	// BranchTag addresses the current branch's cache; PrimaryTag is the
	// trunk fallback imported alongside it so new branches hit the trunk
	// cache on their first build.
	BranchTag  string
	PrimaryTag string

	// HaveRegistryCreds gates cache export to a remote registry.
	HaveRegistryCreds bool
}

// Spec is the full input of one composition. Compose is pure: identical
// specs produce byte-identical argument lists.
type Spec struct {
	Image        ImageRef
	Cache        CacheSpec
	Platforms    []string
	Push         bool
	Load         bool
	Dockerfile   string
	MetadataFile string
	ContextDir   string
}

// Compose builds the ordered buildx argument list. Directives whose backend
// credentials are absent are omitted rather than emitted invalid — export
// for the registry and s3 backends, both directions for gha; the affected
// backend names are returned in skipped so the caller can log the
// degradation.
func Compose(spec Spec) (args []string, skipped []string) {
	args = []string{"build"}

	if spec.Dockerfile != "" {
		args = append(args, "--file", spec.Dockerfile)
	}
	if len(spec.Platforms) > 0 {
		args = append(args, "--platform", strings.Join(spec.Platforms, ","))
	}

	// Cache flags in fixed backend order: inline, registry, local, gha, s3.
	args = append(args, inlineFlags(spec)...)

	registryArgs, registrySkipped := registryFlags(spec)
	args = append(args, registryArgs...)
	if registrySkipped {
		skipped = append(skipped, "registry")
	}

	args = append(args, localFlags(spec)...)

	ghaArgs, ghaSkipped := ghaFlags(spec)
	args = append(args, ghaArgs...)
	if ghaSkipped {
		skipped = append(skipped, "gha")
	}

	s3Args, s3Skipped := s3Flags(spec)
	args = append(args, s3Args...)
	if s3Skipped {
		skipped = append(skipped, "s3")
	}

	for _, ref := range spec.Image.Refs() {
		args = append(args, "--tag", ref)
	}
	if spec.MetadataFile != "" {
		args = append(args, "--metadata-file", spec.MetadataFile)
	}

	// Pushing and loading cannot be combined by the builder; the config
	// layer rejects that combination before composition.
	if spec.Load {
		args = append(args, "--output", "type=docker")
	} else {
		args = append(args, "--output", fmt.Sprintf("type=image,push=%t", spec.Push))
	}

	args = append(args, spec.ContextDir)
	return args, skipped
}

// inlineFlags emits the inline backend's directives. Inline cache is read
// back from the published image itself.
func inlineFlags(spec Spec) []string {
	var args []string
	if spec.Cache.Inline.ImportEnabled {
		base := fmt.Sprintf("%s/%s", spec.Image.Repository, spec.Image.Name)
		args = append(args,
			"--cache-from", fmt.Sprintf("type=registry,ref=%s:%s", base, spec.Cache.BranchTag),
			"--cache-from", fmt.Sprintf("type=registry,ref=%s:%s", base, spec.Cache.PrimaryTag),
		)
	}
	if spec.Cache.Inline.ExportEnabled {
		args = append(args, "--cache-to", "type=inline")
	}
	return args
}

func registryFlags(spec Spec) (args []string, skipped bool) {
	cfg := spec.Cache.Registry
	repo := cfg.Repository
	if repo == "" {
		repo = spec.Image.Repository
	}
	base := fmt.Sprintf("%s/%s", repo, spec.Image.Name)
	if cfg.ImportEnabled {
		args = append(args,
			"--cache-from", fmt.Sprintf("type=registry,ref=%s:%s%s", base, cfg.TagPrefix, spec.Cache.BranchTag),
			"--cache-from", fmt.Sprintf("type=registry,ref=%s:%s%s", base, cfg.TagPrefix, spec.Cache.PrimaryTag),
		)
	}
	if cfg.ExportEnabled {
		if !spec.Cache.HaveRegistryCreds && !isLocalRef(repo) {
			return args, true
		}
		directive := fmt.Sprintf("type=registry,ref=%s:%s%s,mode=%s",
			base, cfg.TagPrefix, spec.Cache.BranchTag, cfg.Mode)
		directive += compressionSuffix(cfg.CacheBackendConfig)
		args = append(args, "--cache-to", directive)
	}
	return args, false
}

func localFlags(spec Spec) []string {
	cfg := spec.Cache.Local
	var args []string
	if cfg.ImportEnabled {
		args = append(args, "--cache-from", fmt.Sprintf("type=local,src=%s", cfg.Dir))
	}
	if cfg.ExportEnabled {
		directive := fmt.Sprintf("type=local,dest=%s,mode=%s", cfg.Dir, cfg.Mode)
		directive += compressionSuffix(cfg.CacheBackendConfig)
		args = append(args, "--cache-to", directive)
	}
	return args
}

// ghaFlags emits the CI-native backend. Both directions need the cache
// endpoint and token the CI runner exposes.
func ghaFlags(spec Spec) (args []string, skipped bool) {
	cfg := spec.Cache.GHA
	if !cfg.ImportEnabled && !cfg.ExportEnabled {
		return nil, false
	}
	if cfg.URL == "" || cfg.Token == "" {
		return nil, true
	}
	addr := fmt.Sprintf("url=%s,token=%s", cfg.URL, cfg.Token)
	if cfg.ImportEnabled {
		args = append(args,
			"--cache-from", fmt.Sprintf("type=gha,%s,scope=%s-%s", addr, spec.Image.Name, spec.Cache.BranchTag),
			"--cache-from", fmt.Sprintf("type=gha,%s,scope=%s-%s", addr, spec.Image.Name, spec.Cache.PrimaryTag),
		)
	}
	if cfg.ExportEnabled {
		args = append(args, "--cache-to",
			fmt.Sprintf("type=gha,%s,scope=%s-%s,mode=%s", addr, spec.Image.Name, spec.Cache.BranchTag, cfg.Mode))
	}
	return args, false
}

func s3Flags(spec Spec) (args []string, skipped bool) {
	cfg := spec.Cache.S3
	addr := fmt.Sprintf("region=%s,bucket=%s,name=%s", cfg.Region, cfg.Bucket, cfg.Name)
	if cfg.Endpoint != "" {
		addr += fmt.Sprintf(",endpoint_url=%s", cfg.Endpoint)
	}
	if cfg.ImportEnabled {
		args = append(args, "--cache-from", fmt.Sprintf("type=s3,%s", addr))
	}
	if cfg.ExportEnabled {
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return args, true
		}
		directive := fmt.Sprintf("type=s3,%s,mode=%s", addr, cfg.Mode)
		directive += compressionSuffix(cfg.CacheBackendConfig)
		args = append(args, "--cache-to", directive)
	}
	return args, false
}

func compressionSuffix(cfg infra.CacheBackendConfig) string {
	var s string
	if cfg.Compression != "" {
		s += fmt.Sprintf(",compression=%s", cfg.Compression)
	}
	if cfg.CompressionLevel > 0 {
		s += fmt.Sprintf(",compression-level=%d", cfg.CompressionLevel)
	}
	return s
}

func isLocalRef(repository string) bool {
	return strings.HasPrefix(repository, "localhost") || strings.HasPrefix(repository, "127.0.0.1")
}
