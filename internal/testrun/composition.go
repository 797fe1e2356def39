package testrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"kiln/internal/domain"
	"kiln/internal/execx"
)

// CompositionService is one service entry in a composition file. Image may
// contain a ${VAR:-default} placeholder.
type CompositionService struct {
	Image string `yaml:"image"`
}

// Composition is the parsed service-composition file.
type Composition struct {
	Services map[string]CompositionService `yaml:"services"`
}

// ParseComposition reads and parses the composition file at path.
func ParseComposition(path string) (*Composition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeConfig,
			fmt.Sprintf("failed to read composition file %s", path), err)
	}
	var comp Composition
	if err := yaml.Unmarshal(data, &comp); err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeConfig,
			fmt.Sprintf("failed to parse composition file %s", path), err)
	}
	return &comp, nil
}

var placeholderPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*):-(.*)\}$`)

// Resolution maps placeholder variables to locally-built image references
// and lists the services whose images must come from a registry instead.
type Resolution struct {
	Env      []string // VAR=ref overrides for placeholder-templated services
	External []string // services not backed by a local project; pulled before up
}

// ResolveImages decides, per service, whether its image comes from a
// locally-built project or from its configured default. A placeholder whose
// service name matches a local project resolves to that project's image
// reference; everything else keeps the literal default and is treated as
// external.
func (c *Composition) ResolveImages(localImages map[string]string) Resolution {
	var res Resolution
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc := c.Services[name]
		match := placeholderPattern.FindStringSubmatch(strings.TrimSpace(svc.Image))
		if match == nil {
			res.External = append(res.External, name)
			continue
		}
		ref, ok := localImages[name]
		if !ok {
			res.External = append(res.External, name)
			continue
		}
		res.Env = append(res.Env, match[1]+"="+ref)
	}
	return res
}

// ContainerInspector is the engine API slice needed to read exit codes.
type ContainerInspector interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// CompositionRun describes one composition test invocation.
type CompositionRun struct {
	Dir         string // directory holding the composition file
	File        string // composition file name, relative to Dir
	ProjectName string
	Env         []string // image placeholder overrides
	Timeout     time.Duration

	// ExternalServices are pulled before up; locally-built images are
	// supplied via Env instead.
	ExternalServices []string

	// LogPatterns maps service name to a substring whose appearance in the
	// service's log marks that watcher successful. If any pattern is set,
	// run success is determined by the watchers alone and the overall exit
	// wait is skipped.
	LogPatterns map[string]string

	// ExpectedExitCodes overrides the default expectation of 0 per service.
	ExpectedExitCodes map[string]int

	// LogPath receives the combined composition logs on every exit path.
	LogPath string
}

// CompositionResult carries the observed per-service exit codes.
type CompositionResult struct {
	ExitCodes map[string]int
	LogPath   string
}

// CompositionRunner brings a multi-service composition up, monitors it,
// verifies exit codes and tears everything down.
type CompositionRunner struct {
	runner execx.Runner
	client ContainerInspector
	logger *zap.Logger
}

// NewCompositionRunner creates a composition test runner.
func NewCompositionRunner(runner execx.Runner, client ContainerInspector, logger *zap.Logger) *CompositionRunner {
	return &CompositionRunner{runner: runner, client: client, logger: logger}
}

func (r *CompositionRunner) composeArgs(run *CompositionRun, sub ...string) []string {
	args := []string{"compose", "-f", run.File, "-p", run.ProjectName}
	return append(args, sub...)
}

// Run executes one composition test. Teardown runs on every exit path.
func (r *CompositionRunner) Run(ctx context.Context, run *CompositionRun) (*CompositionResult, error) {
	timeout := run.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	comp := r.serviceNames(ctx, run)

	if len(run.ExternalServices) > 0 {
		pullArgs := r.composeArgs(run, append([]string{"pull"}, run.ExternalServices...)...)
		if output, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", pullArgs...); err != nil {
			return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
				fmt.Sprintf("failed to pull external services: %s", strings.TrimSpace(string(output))), err)
		}
	}

	if output, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", r.composeArgs(run, "up", "-d")...); err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to start composition: %s", strings.TrimSpace(string(output))), err)
	}

	monitorErr := r.monitor(ctx, run, timeout)

	result, teardownErr := r.teardown(ctx, run, comp)
	if monitorErr != nil {
		return result, monitorErr
	}
	if teardownErr != nil {
		return result, teardownErr
	}

	return result, r.verifyExitCodes(run, result)
}

// monitor waits for completion: log-pattern watchers when any are
// configured, otherwise an overall exit wait bounded by the timeout.
func (r *CompositionRunner) monitor(ctx context.Context, run *CompositionRun, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(run.LogPatterns) > 0 {
		return r.watchPatterns(waitCtx, run)
	}

	if output, err := r.runner.Run(waitCtx, run.Dir, run.Env, "docker", r.composeArgs(run, "wait")...); err != nil {
		if waitCtx.Err() == context.DeadlineExceeded {
			r.kill(ctx, run)
			return domain.NewError(domain.ErrCodeTimeout,
				fmt.Sprintf("composition did not finish within %s", timeout))
		}
		// Non-zero service exit codes surface through the wait command;
		// the per-service inspection during teardown reports them.
		r.logger.Debug("Composition wait returned non-zero",
			zap.String("output", strings.TrimSpace(string(output))))
	}
	return nil
}

// watchPatterns tails each configured service's log until its substring
// appears. Each watcher cancels its own follow subprocess on match; the
// shared deadline kills the rest on timeout.
func (r *CompositionRunner) watchPatterns(ctx context.Context, run *CompositionRun) error {
	group, groupCtx := errgroup.WithContext(ctx)

	services := make([]string, 0, len(run.LogPatterns))
	for svc := range run.LogPatterns {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		pattern := run.LogPatterns[svc]
		group.Go(func() error {
			matcher := newPatternMatcher(pattern)
			args := r.composeArgs(run, "logs", "-f", "--no-color", svc)
			stop, err := r.runner.Start(groupCtx, run.Dir, matcher, "docker", args...)
			if err != nil {
				return domain.NewErrorWithCause(domain.ErrCodeEnvironment,
					fmt.Sprintf("failed to follow logs for service %s", svc), err)
			}
			defer stop()

			select {
			case <-matcher.matched:
				r.logger.Info("Log pattern matched",
					zap.String("service", svc),
					zap.String("pattern", pattern))
				return nil
			case <-groupCtx.Done():
				return domain.NewError(domain.ErrCodeTimeout,
					fmt.Sprintf("service %s never logged %q within the timeout", svc, pattern))
			}
		})
	}
	return group.Wait()
}

func (r *CompositionRunner) kill(ctx context.Context, run *CompositionRun) {
	if _, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", r.composeArgs(run, "kill")...); err != nil {
		r.logger.Warn("Failed to kill composition", zap.Error(err))
	}
}

// serviceNames lists the composition's services via compose config.
func (r *CompositionRunner) serviceNames(ctx context.Context, run *CompositionRun) []string {
	output, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", r.composeArgs(run, "config", "--services")...)
	if err != nil {
		r.logger.Warn("Failed to list composition services", zap.Error(err))
		return nil
	}
	var services []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			services = append(services, line)
		}
	}
	sort.Strings(services)
	return services
}

// teardown stops the composition, captures logs, collects per-service exit
// codes and brings everything down including volumes.
func (r *CompositionRunner) teardown(ctx context.Context, run *CompositionRun, services []string) (*CompositionResult, error) {
	if output, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", r.composeArgs(run, "stop")...); err != nil {
		r.logger.Warn("Failed to stop composition",
			zap.String("output", strings.TrimSpace(string(output))),
			zap.Error(err))
	}

	if run.LogPath != "" {
		r.captureLogs(ctx, run)
	}

	result := &CompositionResult{ExitCodes: map[string]int{}, LogPath: run.LogPath}
	var errs *multierror.Error
	for _, svc := range services {
		code, err := r.serviceExitCode(ctx, run, svc)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		result.ExitCodes[svc] = code
	}

	if output, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", r.composeArgs(run, "down", "--volumes")...); err != nil {
		errs = multierror.Append(errs, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to tear down composition: %s", strings.TrimSpace(string(output))), err))
	}

	return result, errs.ErrorOrNil()
}

func (r *CompositionRunner) captureLogs(ctx context.Context, run *CompositionRun) {
	output, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", r.composeArgs(run, "logs", "--no-color")...)
	if err != nil {
		r.logger.Warn("Failed to capture composition logs", zap.Error(err))
		return
	}
	if err := os.WriteFile(run.LogPath, output, 0o644); err != nil {
		r.logger.Warn("Failed to write composition log file",
			zap.String("path", run.LogPath),
			zap.Error(err))
	}
}

func (r *CompositionRunner) serviceExitCode(ctx context.Context, run *CompositionRun, svc string) (int, error) {
	output, err := r.runner.Run(ctx, run.Dir, run.Env, "docker", r.composeArgs(run, "ps", "-a", "-q", svc)...)
	if err != nil {
		return 0, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to locate container for service %s", svc), err)
	}
	containerID := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	if containerID == "" {
		return 0, domain.NewError(domain.ErrCodeEnvironment,
			fmt.Sprintf("no container found for service %s", svc))
	}
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to inspect container for service %s", svc), err)
	}
	if inspect.State == nil {
		return 0, domain.NewError(domain.ErrCodeEnvironment,
			fmt.Sprintf("container for service %s has no state", svc))
	}
	return inspect.State.ExitCode, nil
}

// verifyExitCodes compares observed codes against expectations, default 0.
// All mismatches are reported together.
func (r *CompositionRunner) verifyExitCodes(run *CompositionRun, result *CompositionResult) error {
	if len(run.LogPatterns) > 0 {
		// Pattern runs are long-lived services stopped by teardown; their
		// exit codes carry no verdict.
		return nil
	}

	services := make([]string, 0, len(result.ExitCodes))
	for svc := range result.ExitCodes {
		services = append(services, svc)
	}
	sort.Strings(services)

	var errs *multierror.Error
	for _, svc := range services {
		expected := run.ExpectedExitCodes[svc]
		actual := result.ExitCodes[svc]
		if actual != expected {
			errs = multierror.Append(errs, domain.NewError(domain.ErrCodeVerification,
				fmt.Sprintf("service %s: expected exit code %d, actual %d", svc, expected, actual)))
		}
	}
	return errs.ErrorOrNil()
}

// patternMatcher is an io.Writer that closes matched the first time the
// substring appears in the stream, across write boundaries.
type patternMatcher struct {
	pattern string

	mu      sync.Mutex
	tail    []byte
	done    bool
	matched chan struct{}
}

func newPatternMatcher(pattern string) *patternMatcher {
	return &patternMatcher{pattern: pattern, matched: make(chan struct{})}
}

func (m *patternMatcher) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return len(p), nil
	}
	m.tail = append(m.tail, p...)
	if bytes.Contains(m.tail, []byte(m.pattern)) {
		m.done = true
		close(m.matched)
		m.tail = nil
		return len(p), nil
	}
	// Keep only enough to match a pattern split across writes.
	if keep := len(m.pattern) - 1; len(m.tail) > keep {
		m.tail = m.tail[len(m.tail)-keep:]
	}
	return len(p), nil
}
