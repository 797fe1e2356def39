package testrun

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"kiln/internal/domain"
	"kiln/pkg/graceful"
)

// ContainerClient is the engine API slice needed to run one container to
// completion.
type ContainerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// ContainerRun describes one single-container test invocation.
type ContainerRun struct {
	Image   string
	Name    string
	Cmd     []string
	Env     []string
	Pull    bool // pull the image first; locally-built images skip this
	Timeout time.Duration
	LogPath string
}

// ContainerRunRecord is the outcome of a single-container run.
type ContainerRunRecord struct {
	ContainerID string
	ExitCode    int
	LogPath     string
}

// ContainerRunner runs one container to completion with a bounded wait and
// guaranteed removal.
type ContainerRunner struct {
	client  ContainerClient
	cleanup *graceful.CleanupScope
	logger  *zap.Logger
}

// NewContainerRunner creates a single-container test runner. Removal of
// every container it starts is registered with cleanup so an aborted run
// leaves nothing behind.
func NewContainerRunner(client ContainerClient, cleanup *graceful.CleanupScope, logger *zap.Logger) *ContainerRunner {
	return &ContainerRunner{client: client, cleanup: cleanup, logger: logger}
}

// Run creates, starts and waits for the container, then captures its logs
// and removes it.
func (r *ContainerRunner) Run(ctx context.Context, run *ContainerRun) (*ContainerRunRecord, error) {
	timeout := run.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	if run.Pull {
		reader, err := r.client.ImagePull(ctx, run.Image, image.PullOptions{})
		if err != nil {
			return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
				fmt.Sprintf("failed to pull image %s", run.Image), err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	createResp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image: run.Image,
		Cmd:   run.Cmd,
		Env:   run.Env,
	}, nil, nil, nil, run.Name)
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to create container from %s", run.Image), err)
	}
	containerID := createResp.ID

	r.cleanup.Register("container "+containerID, func() error {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return r.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	})

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to start container %s", containerID), err)
	}

	record := &ContainerRunRecord{ContainerID: containerID, LogPath: run.LogPath}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	statusCh, errCh := r.client.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		record.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		if waitCtx.Err() == context.DeadlineExceeded {
			return record, domain.NewError(domain.ErrCodeTimeout,
				fmt.Sprintf("container %s did not finish within %s", containerID, timeout))
		}
		return record, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to wait for container %s", containerID), err)
	}

	if run.LogPath != "" {
		r.captureLogs(ctx, containerID, run.LogPath)
	}

	return record, nil
}

func (r *ContainerRunner) captureLogs(ctx context.Context, containerID, path string) {
	reader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		r.logger.Warn("Failed to read container logs",
			zap.String("container_id", containerID),
			zap.Error(err))
		return
	}
	defer reader.Close()

	file, err := os.Create(path)
	if err != nil {
		r.logger.Warn("Failed to create log file", zap.String("path", path), zap.Error(err))
		return
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		r.logger.Warn("Failed to write log file", zap.String("path", path), zap.Error(err))
	}
}
