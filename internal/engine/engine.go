package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/docker/client"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"kiln/internal/builder"
	"kiln/internal/domain"
	"kiln/internal/execx"
	"kiln/internal/graph"
	"kiln/internal/identity"
	"kiln/internal/infra"
	"kiln/internal/lifecycle"
	"kiln/internal/runner"
	"kiln/internal/scan"
	"kiln/internal/testrun"
	"kiln/internal/vcs"
	"kiln/pkg/graceful"
)

// Well-known file names looked up in every project directory.
const (
	definitionFile  = "Dockerfile"
	compositionFile = "tests.yml"
)

// Task name suffixes and shared lifecycle task names.
const (
	taskRegistryDestroy = "registry:destroy"
	taskRegistryUp      = "registry:up"
	taskBuilderDestroy  = "builder:destroy"
	taskBuilderUp       = "builder:up"
	taskScanDBUpdate    = "scan:db-update"
)

// EngineAPI is the container engine surface the orchestrator needs. The
// overlapping embeds share identical signatures.
type EngineAPI interface {
	lifecycle.EngineClient
	identity.ImageInspector
	testrun.ContainerClient
}

var _ EngineAPI = (*client.Client)(nil)

// Engine wires discovery, the dependency graph, build steps, test runs and
// scans into one task schedule per invocation.
type Engine struct {
	cfg    *infra.Config
	repo   *vcs.RepoInfo
	api    EngineAPI
	cmd    execx.Runner
	logger *zap.Logger

	cleanup  *graceful.CleanupScope
	manager  *lifecycle.Manager
	tracker  *identity.Tracker
	pipeline *scan.Pipeline

	graph *graph.Graph
	tasks *runner.Runner

	registry *lifecycle.RegistryHandle
}

// New assembles an engine for one orchestration run rooted at root.
// Projects are the subdirectories carrying an image-definition file.
func New(root string, cfg *infra.Config, repo *vcs.RepoInfo, api EngineAPI, cmd execx.Runner, logger *zap.Logger) (*Engine, error) {
	projects, err := graph.Discover(root, definitionFile)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(projects)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to create state directory %s", cfg.StateDir), err)
	}

	e := &Engine{
		cfg:      cfg,
		repo:     repo,
		api:      api,
		cmd:      cmd,
		logger:   logger,
		cleanup:  graceful.NewCleanupScope(logger),
		manager:  lifecycle.NewManager(api, cmd, cfg, logger),
		tracker:  identity.NewTracker(api, cfg.StateDir, logger),
		pipeline: scan.NewPipeline(cmd, cfg.Scan, logger),
		graph:    g,
		tasks:    runner.New(logger),
	}
	if err := e.registerTasks(); err != nil {
		return nil, err
	}
	return e, nil
}

// Cleanup is the scope that force-removes leftover run resources. The
// caller owns triggering Close on every exit path, signals included.
func (e *Engine) Cleanup() *graceful.CleanupScope {
	return e.cleanup
}

// Projects returns the discovered project names, sorted.
func (e *Engine) Projects() []string {
	names := make([]string, 0, len(e.graph.Projects))
	for name := range e.graph.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) registerTasks() error {
	if err := e.registerLifecycleTasks(); err != nil {
		return err
	}
	if err := e.tasks.Register(runner.Task{
		Name:   taskScanDBUpdate,
		Action: e.pipeline.EnsureDB,
	}); err != nil {
		return err
	}
	for name := range e.graph.Projects {
		if err := e.registerProjectTasks(e.graph.Projects[name]); err != nil {
			return err
		}
	}
	return nil
}

// registerLifecycleTasks declares the shared registry and builder tasks.
// Create is ordered after destroy on the same resource, so a clean-then-up
// schedule never races on the named container, network or volume.
func (e *Engine) registerLifecycleTasks() error {
	// The container-driver builder is attached to the registry network, so
	// the builder must be gone before the registry teardown removes it.
	if err := e.tasks.Register(runner.Task{
		Name:         taskRegistryDestroy,
		MustRunAfter: []string{taskBuilderDestroy},
		Action:       e.manager.DestroyRegistry,
	}); err != nil {
		return err
	}
	if err := e.tasks.Register(runner.Task{
		Name:         taskRegistryUp,
		MustRunAfter: []string{taskRegistryDestroy},
		Action: func(ctx context.Context) error {
			handle, err := e.manager.EnsureRegistry(ctx)
			if err != nil {
				return err
			}
			e.registry = handle
			return nil
		},
	}); err != nil {
		return err
	}
	if err := e.tasks.Register(runner.Task{
		Name:   taskBuilderDestroy,
		Action: e.manager.DestroyBuilder,
	}); err != nil {
		return err
	}

	builderDeps := []string{}
	if e.needsRegistry() {
		builderDeps = append(builderDeps, taskRegistryUp)
	}
	return e.tasks.Register(runner.Task{
		Name:         taskBuilderUp,
		Deps:         builderDeps,
		MustRunAfter: []string{taskBuilderDestroy},
		Action: func(ctx context.Context) error {
			_, err := e.manager.EnsureBuilder(ctx, e.registry)
			return err
		},
	})
}

// needsRegistry reports whether this run targets the ephemeral loopback
// registry at all.
func (e *Engine) needsRegistry() bool {
	return infra.IsLocalRegistry(e.cfg.Registry.Repository)
}

func (e *Engine) registerProjectTasks(project *graph.Project) error {
	// The local driver builds on the default builder; no instance name is
	// exported to the build subprocess.
	builderName := e.cfg.Builder.Name
	if e.cfg.Builder.Driver == "local" {
		builderName = ""
	}
	step := builder.NewStep(project, e.cfg, e.repo, e.tracker, e.cmd, builderName, e.logger)

	buildDeps := append(builder.RequiredBuildTasks(e.graph, project.Name), taskBuilderUp)
	if err := e.tasks.Register(runner.Task{
		Name:     builder.BuildTaskName(project.Name),
		Deps:     buildDeps,
		UpToDate: step.UpToDate,
		Action:   step.Run,
	}); err != nil {
		return err
	}

	if err := e.tasks.Register(runner.Task{
		Name: testTaskName(project.Name),
		Deps: []string{builder.BuildTaskName(project.Name)},
		UpToDate: func(ctx context.Context) (bool, error) {
			// Without a composition file or a configured single-container
			// command the project has nothing to run.
			if _, err := os.Stat(filepath.Join(project.Dir, compositionFile)); err == nil {
				return false, nil
			}
			return len(e.cfg.Test.Command) == 0, nil
		},
		Action: func(ctx context.Context) error {
			if _, err := os.Stat(filepath.Join(project.Dir, compositionFile)); err == nil {
				return e.runCompositionTest(ctx, project, step)
			}
			return e.runContainerTest(ctx, project, step)
		},
	}); err != nil {
		return err
	}

	return e.tasks.Register(runner.Task{
		Name: scanTaskName(project.Name),
		Deps: []string{builder.BuildTaskName(project.Name), taskScanDBUpdate},
		Action: func(ctx context.Context) error {
			return e.runScan(ctx, project, step)
		},
	})
}

func testTaskName(project string) string { return project + ":test" }
func scanTaskName(project string) string { return project + ":scan" }

// runCompositionTest executes the project's declared composition with the
// locally-built image substituted for its placeholder.
func (e *Engine) runCompositionTest(ctx context.Context, project *graph.Project, step *builder.Step) error {
	path := filepath.Join(project.Dir, compositionFile)
	comp, err := testrun.ParseComposition(path)
	if err != nil {
		return err
	}

	local := map[string]string{}
	for name := range e.graph.Projects {
		local[name] = buildcmdRef(e.cfg.Registry.Repository, name, step.ImageRef().Tags[0])
	}
	res := comp.ResolveImages(local)

	projectName := e.cfg.Test.ProjectName
	if projectName == "" {
		projectName = "kiln-" + project.Name
	}

	tester := testrun.NewCompositionRunner(e.cmd, e.api, e.logger)
	_, err = tester.Run(ctx, &testrun.CompositionRun{
		Dir:               project.Dir,
		File:              compositionFile,
		ProjectName:       projectName,
		Env:               res.Env,
		ExternalServices:  res.External,
		Timeout:           e.cfg.Test.Timeout,
		LogPatterns:       e.cfg.Test.LogPatterns,
		ExpectedExitCodes: e.cfg.Test.ExpectedExitCodes,
		LogPath:           filepath.Join(e.cfg.StateDir, project.Name+".test.log"),
	})
	return err
}

func buildcmdRef(repository, name, tag string) string {
	return fmt.Sprintf("%s/%s:%s", repository, name, tag)
}

// runContainerTest runs the configured command once inside the built image
// and expects exit code 0.
func (e *Engine) runContainerTest(ctx context.Context, project *graph.Project, step *builder.Step) error {
	tester := testrun.NewContainerRunner(e.api, e.cleanup, e.logger)
	record, err := tester.Run(ctx, &testrun.ContainerRun{
		Image:   step.ImageRef().Refs()[0],
		Name:    "kiln-test-" + project.Name,
		Cmd:     e.cfg.Test.Command,
		Timeout: e.cfg.Test.Timeout,
		LogPath: filepath.Join(e.cfg.StateDir, project.Name+".test.log"),
	})
	if err != nil {
		return err
	}
	if record.ExitCode != 0 {
		return domain.NewError(domain.ErrCodeVerification,
			fmt.Sprintf("test container for %s: expected exit code 0, actual %d", project.Name, record.ExitCode))
	}
	return nil
}

// runScan generates the SBOM for the project's primary image reference and
// matches it against the vulnerability database.
func (e *Engine) runScan(ctx context.Context, project *graph.Project, step *builder.Step) error {
	ref := step.ImageRef().Refs()[0]
	sbomPath := filepath.Join(e.cfg.StateDir, project.Name+".sbom.json")
	if err := e.pipeline.GenerateSBOM(ctx, ref, sbomPath); err != nil {
		return err
	}

	record, err := identity.LoadMetadata(e.tracker.MetadataPath(project.Name))
	if err != nil {
		return err
	}
	_, err = e.pipeline.Report(ctx, sbomPath, record.Field(identity.FieldImageDigest))
	return err
}

// run schedules the named targets and converts any task failure into one
// aggregated error, the process exit verdict.
func (e *Engine) run(ctx context.Context, targets []string) error {
	results, err := e.tasks.Run(ctx, targets)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, result := range results {
		if result.State == runner.TaskFailed {
			errs = multierror.Append(errs, result.Err)
		}
	}
	return errs.ErrorOrNil()
}

func (e *Engine) projectTargets(projects []string, taskName func(string) string) ([]string, error) {
	if len(projects) == 0 {
		projects = e.Projects()
	}
	targets := make([]string, 0, len(projects))
	for _, p := range projects {
		if _, ok := e.graph.Projects[p]; !ok {
			return nil, domain.NewError(domain.ErrCodeConfig, fmt.Sprintf("unknown project %q", p))
		}
		targets = append(targets, taskName(p))
	}
	return targets, nil
}

// Build builds the named projects and their upstream dependencies. An
// empty list means every discovered project.
func (e *Engine) Build(ctx context.Context, projects []string) error {
	targets, err := e.projectTargets(projects, builder.BuildTaskName)
	if err != nil {
		return err
	}
	return e.run(ctx, targets)
}

// Test builds and then runs the composition tests of the named projects.
func (e *Engine) Test(ctx context.Context, projects []string) error {
	targets, err := e.projectTargets(projects, testTaskName)
	if err != nil {
		return err
	}
	return e.run(ctx, targets)
}

// Scan builds and then scans the named projects.
func (e *Engine) Scan(ctx context.Context, projects []string) error {
	targets, err := e.projectTargets(projects, scanTaskName)
	if err != nil {
		return err
	}
	return e.run(ctx, targets)
}

// UpdateScanDB refreshes the vulnerability database when stale.
func (e *Engine) UpdateScanDB(ctx context.Context) error {
	return e.run(ctx, []string{taskScanDBUpdate})
}

// Clean tears down the builder, registry, network and volume.
func (e *Engine) Clean(ctx context.Context) error {
	return e.run(ctx, []string{taskBuilderDestroy, taskRegistryDestroy})
}

// DiskUsage reports engine and builder cache storage. Output is meant for
// stdout at default verbosity.
func (e *Engine) DiskUsage(ctx context.Context) (string, error) {
	return e.manager.DiskUsage(ctx)
}

// Prune reclaims builder cache storage.
func (e *Engine) Prune(ctx context.Context) (string, error) {
	return e.manager.Prune(ctx)
}
