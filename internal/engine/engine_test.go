package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"kiln/internal/identity"
	"kiln/internal/infra"
	"kiln/internal/vcs"
)

// fakeAPI implements the full engine surface for a dry run: registry
// resources always exist, images appear when the fake runner "builds" them.
// ops is the shared operation log: API-side removals and runner invocations
// land in one slice so cross-fake ordering is observable.
type fakeAPI struct {
	mu         sync.Mutex
	images     map[string]types.ImageInspect
	exitCodes  map[string]int
	waitStatus int64
	ops        []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		images:    map[string]types.ImageInspect{},
		exitCodes: map[string]int{},
	}
}

func (f *fakeAPI) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeAPI) addImage(ref, id string, layers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inspect := types.ImageInspect{ID: id}
	inspect.RootFS.Layers = layers
	f.images[ref] = inspect
}

func (f *fakeAPI) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inspect, ok := f.images[ref]
	if !ok {
		return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image: " + ref))
	}
	return inspect, nil, nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := &types.ContainerState{Running: true}
	if code, ok := f.exitCodes[id]; ok {
		state = &types.ContainerState{ExitCode: code}
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{
		State: state,
	}}, nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: name}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.record("container-remove:" + id)
	return nil
}

func (f *fakeAPI) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.waitStatus}
	return statusCh, make(chan error, 1)
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeAPI) NetworkInspect(ctx context.Context, id string, options network.InspectOptions) (network.Inspect, error) {
	return network.Inspect{}, nil
}

func (f *fakeAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	return network.CreateResponse{ID: name}, nil
}

func (f *fakeAPI) NetworkRemove(ctx context.Context, id string) error { return nil }

func (f *fakeAPI) VolumeInspect(ctx context.Context, id string) (volume.Volume, error) {
	return volume.Volume{Name: id}, nil
}

func (f *fakeAPI) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	return volume.Volume{Name: options.Name}, nil
}

func (f *fakeAPI) VolumeRemove(ctx context.Context, id string, force bool) error { return nil }

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeAPI) DiskUsage(ctx context.Context, options types.DiskUsageOptions) (types.DiskUsage, error) {
	return types.DiskUsage{}, nil
}

func (f *fakeAPI) BuildCachePrune(ctx context.Context, opts types.BuildCachePruneOptions) (*types.BuildCachePruneReport, error) {
	return &types.BuildCachePruneReport{}, nil
}

// fakeCmd simulates the docker and scanner CLIs. A buildx build writes the
// metadata record and registers the image with the fake API. Compose
// subcommands report the services set on the fake, one compose-managed
// container per service named cid-<service>.
type fakeCmd struct {
	api *fakeAPI

	mu          sync.Mutex
	invocations []string
	builders    map[string]bool
	buildOrder  []string
	services    string // compose config --services output
	logStream   string // written to every followed log
}

func newFakeCmd(api *fakeAPI) *fakeCmd {
	return &fakeCmd{api: api, builders: map[string]bool{}}
}

func (f *fakeCmd) Run(ctx context.Context, dir string, extraEnv []string, name string, args ...string) ([]byte, error) {
	joined := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.invocations = append(f.invocations, joined)
	f.mu.Unlock()
	f.api.record(joined)

	switch {
	case strings.Contains(joined, " config --services"):
		return []byte(f.services), nil
	case strings.Contains(joined, " ps -a -q "):
		return []byte("cid-" + args[len(args)-1] + "\n"), nil
	case strings.HasPrefix(joined, "docker buildx inspect "):
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.builders[args[2]] {
			return nil, nil
		}
		return nil, errors.New("no such builder")
	case strings.HasPrefix(joined, "docker buildx create"):
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, a := range args {
			if a == "--name" {
				f.builders[args[i+1]] = true
			}
		}
		return nil, nil
	case strings.HasPrefix(joined, "docker buildx build"):
		return nil, f.simulateBuild(args)
	case strings.HasPrefix(joined, "grype db status"):
		return []byte("Status: valid\n"), nil
	}
	return nil, nil
}

func (f *fakeCmd) simulateBuild(args []string) error {
	var metadataPath, firstTag string
	for i, a := range args {
		switch a {
		case "--metadata-file":
			metadataPath = args[i+1]
		case "--tag":
			if firstTag == "" {
				firstTag = args[i+1]
			}
		}
	}
	record := map[string]string{identity.FieldImageDigest: "sha256:result-" + firstTag}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(metadataPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(metadataPath, data, 0o644); err != nil {
		return err
	}
	f.api.addImage(firstTag, "sha256:cfg-"+firstTag, []string{"sha256:layer-" + firstTag})

	f.mu.Lock()
	f.buildOrder = append(f.buildOrder, firstTag)
	f.mu.Unlock()
	return nil
}

func (f *fakeCmd) Start(ctx context.Context, dir string, out io.Writer, name string, args ...string) (func(), error) {
	joined := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.invocations = append(f.invocations, joined)
	stream := f.logStream
	f.mu.Unlock()
	if stream != "" {
		out.Write([]byte(stream))
	}
	return func() {}, nil
}

func writeProject(t *testing.T, root, name, definition string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(definition), 0o644); err != nil {
		t.Fatal(err)
	}
}

func engineConfig(root string) *infra.Config {
	return &infra.Config{
		Registry: infra.RegistryConfig{
			Repository:   "localhost:5000",
			LocalImage:   "registry:2",
			LocalName:    "kiln-registry",
			LocalPort:    5000,
			LocalNetwork: "kiln",
			LocalVolume:  "kiln-registry-data",
		},
		Builder: infra.BuilderConfig{
			Driver:  "container",
			Name:    "kiln-builder",
			Load:    true,
			Timeout: time.Minute,
		},
		Scan: infra.ScanConfig{Format: "json"},
		Test: infra.TestConfig{Timeout: time.Minute},

		StateDir:      filepath.Join(root, ".kiln"),
		PrimaryBranch: "latest",
		LogLevel:      "info",
	}
}

func engineRepo() *vcs.RepoInfo {
	return &vcs.RepoInfo{
		Branch:     "main",
		CommitSHA:  "abc123",
		CommitTime: time.Unix(1700000000, 0),
	}
}

func newTestEngine(t *testing.T, root string) (*Engine, *fakeAPI, *fakeCmd) {
	t.Helper()
	api := newFakeAPI()
	cmd := newFakeCmd(api)
	e, err := New(root, engineConfig(root), engineRepo(), api, cmd, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, api, cmd
}

func TestBuild_OrdersUpstreamFirst(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")
	writeProject(t, root, "child", "FROM ${repository}/base:latest\n")

	e, _, cmd := newTestEngine(t, root)
	if err := e.Build(context.Background(), []string{"child"}); err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(cmd.buildOrder) != 2 {
		t.Fatalf("buildOrder=%v, want base then child", cmd.buildOrder)
	}
	if !strings.Contains(cmd.buildOrder[0], "/base:") || !strings.Contains(cmd.buildOrder[1], "/child:") {
		t.Fatalf("buildOrder=%v, want base then child", cmd.buildOrder)
	}
}

func TestBuild_BuilderCreatedBeforeFirstBuild(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	e, _, cmd := newTestEngine(t, root)
	if err := e.Build(context.Background(), nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	createIdx, buildIdx := -1, -1
	for i, inv := range cmd.invocations {
		if strings.HasPrefix(inv, "docker buildx create") && createIdx == -1 {
			createIdx = i
		}
		if strings.HasPrefix(inv, "docker buildx build") && buildIdx == -1 {
			buildIdx = i
		}
	}
	if createIdx == -1 || buildIdx == -1 || createIdx > buildIdx {
		t.Fatalf("builder not provisioned before building: %v", cmd.invocations)
	}
}

func TestBuild_SecondRunIsUpToDate(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	e, api, cmd := newTestEngine(t, root)
	if err := e.Build(context.Background(), nil); err != nil {
		t.Fatalf("first build: %v", err)
	}
	builds := len(cmd.buildOrder)

	// A fresh engine, same state dir and unchanged images: nothing rebuilds.
	e2, err := New(root, engineConfig(root), engineRepo(), api, cmd, zap.NewNop())
	if err != nil {
		t.Fatalf("second engine: %v", err)
	}
	if err := e2.Build(context.Background(), nil); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if len(cmd.buildOrder) != builds {
		t.Fatalf("unchanged project rebuilt: %v", cmd.buildOrder)
	}
}

func TestBuild_UnknownProject(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	e, _, _ := newTestEngine(t, root)
	if err := e.Build(context.Background(), []string{"ghost"}); err == nil {
		t.Fatal("expected unknown project error")
	}
}

func TestClean_DestroysWithoutCreating(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	e, _, cmd := newTestEngine(t, root)
	if err := e.Clean(context.Background()); err != nil {
		t.Fatalf("clean: %v", err)
	}
	for _, inv := range cmd.invocations {
		if strings.HasPrefix(inv, "docker buildx create") || strings.HasPrefix(inv, "docker buildx build") {
			t.Fatalf("clean provisioned resources: %v", cmd.invocations)
		}
	}
}

func TestScan_GeneratesSBOMAndReport(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	e, _, cmd := newTestEngine(t, root)
	if err := e.Scan(context.Background(), []string{"base"}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var sawSyft, sawGrype bool
	for _, inv := range cmd.invocations {
		if strings.HasPrefix(inv, "syft ") {
			sawSyft = true
		}
		if strings.HasPrefix(inv, "grype sbom:") {
			sawGrype = true
		}
	}
	if !sawSyft || !sawGrype {
		t.Fatalf("scan pipeline incomplete: syft=%v grype=%v", sawSyft, sawGrype)
	}
}

func TestTest_SkipsProjectWithoutComposition(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	e, _, cmd := newTestEngine(t, root)
	if err := e.Test(context.Background(), nil); err != nil {
		t.Fatalf("test: %v", err)
	}
	for _, inv := range cmd.invocations {
		if strings.Contains(inv, "compose") {
			t.Fatalf("composition ran without a composition file: %v", cmd.invocations)
		}
	}
}

func TestTest_SingleContainerCommand(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	api := newFakeAPI()
	cmd := newFakeCmd(api)
	cfg := engineConfig(root)
	cfg.Test.Command = []string{"/healthcheck"}
	e, err := New(root, cfg, engineRepo(), api, cmd, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Test(context.Background(), []string{"base"}); err != nil {
		t.Fatalf("test: %v", err)
	}
	e.Cleanup().Close()
}

func TestTest_SingleContainerNonZeroExit(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	api := newFakeAPI()
	api.waitStatus = 2
	cmd := newFakeCmd(api)
	cfg := engineConfig(root)
	cfg.Test.Command = []string{"/healthcheck"}
	e, err := New(root, cfg, engineRepo(), api, cmd, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	err = e.Test(context.Background(), []string{"base"})
	if err == nil || !strings.Contains(err.Error(), "expected exit code 0, actual 2") {
		t.Fatalf("err=%v, want exit code mismatch detail", err)
	}
	e.Cleanup().Close()
}

func writeComposition(t *testing.T, root, project, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, project, "tests.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTest_CompositionExitCodeMismatch(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")
	writeComposition(t, root, "base", "services:\n  job:\n    image: busybox\n")

	e, api, cmd := newTestEngine(t, root)
	cmd.services = "job\n"
	api.exitCodes["cid-job"] = 3

	err := e.Test(context.Background(), []string{"base"})
	if err == nil || !strings.Contains(err.Error(), "service job: expected exit code 0, actual 3") {
		t.Fatalf("err=%v, want job's mismatch detail", err)
	}
}

func TestTest_CompositionConfiguredExitCodeHonored(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")
	writeComposition(t, root, "base", "services:\n  job:\n    image: busybox\n")

	api := newFakeAPI()
	api.exitCodes["cid-job"] = 3
	cmd := newFakeCmd(api)
	cmd.services = "job\n"
	cfg := engineConfig(root)
	cfg.Test.ExpectedExitCodes = map[string]int{"job": 3}
	e, err := New(root, cfg, engineRepo(), api, cmd, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Test(context.Background(), []string{"base"}); err != nil {
		t.Fatalf("test: %v", err)
	}
}

func TestTest_CompositionConfiguredLogPattern(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")
	writeComposition(t, root, "base", "services:\n  job:\n    image: busybox\n")

	api := newFakeAPI()
	// Long-lived services stopped by teardown exit non-zero; the watcher
	// verdict must stand regardless.
	api.exitCodes["cid-job"] = 137
	cmd := newFakeCmd(api)
	cmd.services = "job\n"
	cmd.logStream = "job is ready\n"
	cfg := engineConfig(root)
	cfg.Test.LogPatterns = map[string]string{"job": "ready"}
	e, err := New(root, cfg, engineRepo(), api, cmd, zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Test(context.Background(), []string{"base"}); err != nil {
		t.Fatalf("test: %v", err)
	}

	followed := false
	for _, inv := range cmd.invocations {
		if strings.Contains(inv, "logs -f --no-color job") {
			followed = true
		}
	}
	if !followed {
		t.Fatalf("no log watcher followed the service: %v", cmd.invocations)
	}
}

func TestClean_BuilderRemovedBeforeRegistry(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "base", "FROM alpine:3.20\n")

	e, api, cmd := newTestEngine(t, root)
	cmd.builders["kiln-builder"] = true
	if err := e.Clean(context.Background()); err != nil {
		t.Fatalf("clean: %v", err)
	}

	builderRm, registryRm := -1, -1
	for i, op := range api.ops {
		if strings.HasPrefix(op, "docker buildx rm ") && builderRm == -1 {
			builderRm = i
		}
		if op == "container-remove:kiln-registry" && registryRm == -1 {
			registryRm = i
		}
	}
	if builderRm == -1 || registryRm == -1 || builderRm > registryRm {
		t.Fatalf("builder not removed before the registry: %v", api.ops)
	}
}
