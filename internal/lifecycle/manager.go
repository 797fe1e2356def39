package lifecycle

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"kiln/internal/domain"
	"kiln/internal/execx"
	"kiln/internal/infra"
)

// EngineClient is the slice of the container engine API the lifecycle
// manager drives.
type EngineClient interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	DiskUsage(ctx context.Context, options types.DiskUsageOptions) (types.DiskUsage, error)
	BuildCachePrune(ctx context.Context, opts types.BuildCachePruneOptions) (*types.BuildCachePruneReport, error)
}

// RegistryHandle describes the ephemeral local registry resources.
type RegistryHandle struct {
	Address string
	Name    string
	Network string
	Volume  string
}

// BuilderHandle names the builder instance subsequent builds target. Name
// is empty for the local driver.
type BuilderHandle struct {
	Name   string
	Driver string
}

// Manager provisions and tears down the shared registry and builder
// resources. All its ensure operations are idempotent: calling one twice
// has the same observable effect as once.
type Manager struct {
	client EngineClient
	runner execx.Runner
	cfg    *infra.Config
	logger *zap.Logger

	binfmtInstalled bool
}

// NewManager creates a lifecycle manager.
func NewManager(engineClient EngineClient, runner execx.Runner, cfg *infra.Config, logger *zap.Logger) *Manager {
	return &Manager{
		client: engineClient,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// EnsureRegistry creates the registry volume, network and container when
// absent and starts the container when stopped.
func (m *Manager) EnsureRegistry(ctx context.Context) (*RegistryHandle, error) {
	reg := m.cfg.Registry
	handle := &RegistryHandle{
		Address: fmt.Sprintf("localhost:%d", reg.LocalPort),
		Name:    reg.LocalName,
		Network: reg.LocalNetwork,
		Volume:  reg.LocalVolume,
	}

	if err := m.ensureVolume(ctx, reg.LocalVolume); err != nil {
		return nil, err
	}
	if err := m.ensureNetwork(ctx, reg.LocalNetwork); err != nil {
		return nil, err
	}
	if err := m.ensureRegistryContainer(ctx, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

func (m *Manager) ensureVolume(ctx context.Context, name string) error {
	if _, err := m.client.VolumeInspect(ctx, name); err == nil {
		m.logger.Debug("Volume exists", zap.String("volume", name))
		return nil
	}
	if _, err := m.client.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	m.logger.Info("Created volume", zap.String("volume", name))
	return nil
}

func (m *Manager) ensureNetwork(ctx context.Context, name string) error {
	if _, err := m.client.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		m.logger.Debug("Network exists", zap.String("network", name))
		return nil
	}
	if _, err := m.client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	m.logger.Info("Created network", zap.String("network", name))
	return nil
}

func (m *Manager) ensureRegistryContainer(ctx context.Context, handle *RegistryHandle) error {
	inspect, err := m.client.ContainerInspect(ctx, handle.Name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			m.logger.Debug("Registry already running", zap.String("container", handle.Name))
			return nil
		}
		if err := m.client.ContainerStart(ctx, handle.Name, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start registry container: %w", err)
		}
		m.logger.Info("Started existing registry container", zap.String("container", handle.Name))
		return nil
	}

	if reader, err := m.client.ImagePull(ctx, m.cfg.Registry.LocalImage, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	port := nat.Port("5000/tcp")
	containerConfig := &container.Config{
		Image:        m.cfg.Registry.LocalImage,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", m.cfg.Registry.LocalPort)}},
		},
		Binds:         []string{handle.Volume + ":/var/lib/registry"},
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			handle.Network: {},
		},
	}

	createResp, err := m.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, handle.Name)
	if err != nil {
		return fmt.Errorf("failed to create registry container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		m.client.ContainerRemove(ctx, createResp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start registry container: %w", err)
	}
	m.logger.Info("Registry started",
		zap.String("container", handle.Name),
		zap.String("address", handle.Address),
	)
	return nil
}

// DestroyRegistry tears the registry down. The container must go before
// its network and volume: the engine refuses to remove resources a live
// container still references.
func (m *Manager) DestroyRegistry(ctx context.Context) error {
	reg := m.cfg.Registry

	if _, err := m.client.ContainerInspect(ctx, reg.LocalName); err == nil {
		if err := m.client.ContainerStop(ctx, reg.LocalName, container.StopOptions{}); err != nil {
			m.logger.Warn("Failed to stop registry container", zap.Error(err))
		}
		if err := m.client.ContainerRemove(ctx, reg.LocalName, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove registry container: %w", err)
		}
	}

	if _, err := m.client.NetworkInspect(ctx, reg.LocalNetwork, network.InspectOptions{}); err == nil {
		if err := m.client.NetworkRemove(ctx, reg.LocalNetwork); err != nil {
			return fmt.Errorf("failed to remove network %s: %w", reg.LocalNetwork, err)
		}
	}

	if _, err := m.client.VolumeInspect(ctx, reg.LocalVolume); err == nil {
		if err := m.client.VolumeRemove(ctx, reg.LocalVolume, true); err != nil {
			return fmt.Errorf("failed to remove volume %s: %w", reg.LocalVolume, err)
		}
	}

	m.logger.Info("Registry destroyed", zap.String("container", reg.LocalName))
	return nil
}

// EnsureBuilder provisions the builder instance for the configured driver.
func (m *Manager) EnsureBuilder(ctx context.Context, registry *RegistryHandle) (*BuilderHandle, error) {
	driver := m.cfg.Builder.Driver
	switch driver {
	case "local":
		// The local engine builds directly; no dedicated instance exists
		// and only the host platform is available.
		return &BuilderHandle{Driver: driver}, nil
	case "container":
		if err := m.ensureEmulation(ctx); err != nil {
			return nil, err
		}
		name := m.cfg.Builder.Name
		if m.builderExists(ctx, name) {
			return &BuilderHandle{Name: name, Driver: driver}, nil
		}
		args := []string{"buildx", "create",
			"--name", name,
			"--driver", "docker-container",
		}
		if registry != nil {
			// Binding the builder to the registry network lets plain image
			// names resolve without a fully-qualified host.
			args = append(args, "--driver-opt", "network="+registry.Network)
		}
		if output, err := m.runner.Run(ctx, "", nil, "docker", args...); err != nil {
			return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
				fmt.Sprintf("failed to create builder %s: %s", name, strings.TrimSpace(string(output))), err)
		}
		m.logger.Info("Builder created", zap.String("builder", name), zap.String("driver", driver))
		return &BuilderHandle{Name: name, Driver: driver}, nil
	case "remote":
		name := m.cfg.Builder.Name
		if m.builderExists(ctx, name) {
			return &BuilderHandle{Name: name, Driver: driver}, nil
		}
		if output, err := m.runner.Run(ctx, "", nil, "docker", "buildx", "create",
			"--name", name,
			"--driver", "remote",
			m.cfg.Builder.RemoteAddr,
		); err != nil {
			return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
				fmt.Sprintf("failed to create remote builder %s: %s", name, strings.TrimSpace(string(output))), err)
		}
		m.logger.Info("Builder created", zap.String("builder", name), zap.String("driver", driver))
		return &BuilderHandle{Name: name, Driver: driver}, nil
	default:
		return nil, domain.NewError(domain.ErrCodeConfig, fmt.Sprintf("unknown builder driver %q", driver))
	}
}

// DestroyBuilder removes the named builder instance; a builder that never
// existed is not an error.
func (m *Manager) DestroyBuilder(ctx context.Context) error {
	if m.cfg.Builder.Driver == "local" {
		return nil
	}
	name := m.cfg.Builder.Name
	if !m.builderExists(ctx, name) {
		return nil
	}
	if output, err := m.runner.Run(ctx, "", nil, "docker", "buildx", "rm", name); err != nil {
		return domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to remove builder %s: %s", name, strings.TrimSpace(string(output))), err)
	}
	m.logger.Info("Builder removed", zap.String("builder", name))
	return nil
}

func (m *Manager) builderExists(ctx context.Context, name string) bool {
	_, err := m.runner.Run(ctx, "", nil, "docker", "buildx", "inspect", name)
	return err == nil
}

// ensureEmulation installs cross-architecture emulation once per host.
// Linux/x86_64 hosts need the binfmt handlers installed; desktop engines
// bundle them.
func (m *Manager) ensureEmulation(ctx context.Context) error {
	if m.binfmtInstalled || len(m.cfg.Builder.Platforms) == 0 {
		return nil
	}
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		return nil
	}
	crossPlatform := false
	for _, p := range m.cfg.Builder.Platforms {
		if p != "linux/amd64" {
			crossPlatform = true
			break
		}
	}
	if !crossPlatform {
		return nil
	}
	output, err := m.runner.Run(ctx, "", nil, "docker", "run", "--privileged", "--rm",
		"tonistiigi/binfmt", "--install", "all")
	if err != nil {
		return domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to install emulation support: %s", strings.TrimSpace(string(output))), err)
	}
	m.binfmtInstalled = true
	m.logger.Info("Installed cross-architecture emulation")
	return nil
}

// DiskUsage reports engine-wide storage plus the builder's cache usage.
func (m *Manager) DiskUsage(ctx context.Context) (string, error) {
	usage, err := m.client.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		return "", domain.NewErrorWithCause(domain.ErrCodeEnvironment, "failed to query engine disk usage", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "layers: %d MB\n", usage.LayersSize/(1024*1024))
	var buildCache int64
	for _, entry := range usage.BuildCache {
		if !entry.Shared {
			buildCache += entry.Size
		}
	}
	fmt.Fprintf(&b, "build cache: %d MB\n", buildCache/(1024*1024))

	if m.cfg.Builder.Driver != "local" {
		args := []string{"buildx", "du", "--builder", m.cfg.Builder.Name}
		if output, err := m.runner.Run(ctx, "", nil, "docker", args...); err == nil {
			b.WriteString(string(output))
		}
	}
	return b.String(), nil
}

// Prune reclaims builder cache storage.
func (m *Manager) Prune(ctx context.Context) (string, error) {
	report, err := m.client.BuildCachePrune(ctx, types.BuildCachePruneOptions{All: m.cfg.CI})
	if err != nil {
		return "", domain.NewErrorWithCause(domain.ErrCodeEnvironment, "failed to prune build cache", err)
	}
	result := fmt.Sprintf("reclaimed %d MB\n", report.SpaceReclaimed/(1024*1024))

	if m.cfg.Builder.Driver != "local" {
		args := []string{"buildx", "prune", "--force", "--builder", m.cfg.Builder.Name}
		if output, err := m.runner.Run(ctx, "", nil, "docker", args...); err == nil {
			result += string(output)
		}
	}
	return result, nil
}

var _ EngineClient = (*client.Client)(nil)
