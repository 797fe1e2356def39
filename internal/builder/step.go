package builder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"kiln/internal/buildcmd"
	"kiln/internal/domain"
	"kiln/internal/execx"
	"kiln/internal/graph"
	"kiln/internal/identity"
	"kiln/internal/infra"
	"kiln/internal/vcs"
)

// State is one build step's position in its lifecycle.
type State string

const (
	StateIdle            State = "Idle"
	StateContextPrepared State = "ContextPrepared"
	StateComposed        State = "Composed"
	StateBuilding        State = "Building"
	StateVerifying       State = "Verifying"
	StateUpToDate        State = "UpToDate"
	StateBuilt           State = "Built"
	StateFailed          State = "Failed"
)

// Step orchestrates one image build: context preparation, command
// composition, builder invocation, verification and identity persistence.
type Step struct {
	project     *graph.Project
	cfg         *infra.Config
	repo        *vcs.RepoInfo
	tracker     *identity.Tracker
	runner      execx.Runner
	builderName string
	logger      *zap.Logger

	state State
}

// NewStep creates a build step for one project. builderName is empty for
// the local driver.
func NewStep(project *graph.Project, cfg *infra.Config, repo *vcs.RepoInfo, tracker *identity.Tracker, runner execx.Runner, builderName string, logger *zap.Logger) *Step {
	return &Step{
		project:     project,
		cfg:         cfg,
		repo:        repo,
		tracker:     tracker,
		runner:      runner,
		builderName: builderName,
		logger:      logger.With(zap.String("project", project.Name)),
		state:       StateIdle,
	}
}

// State returns the step's current lifecycle state.
func (s *Step) State() State {
	return s.state
}

// ImageRef is the descriptor this step builds, derived fresh per
// invocation. The tag set is never empty: without an explicit override it
// falls back to the version-control derivation.
func (s *Step) ImageRef() buildcmd.ImageRef {
	tags := s.cfg.Registry.Tags
	if len(tags) == 0 {
		tags = s.repo.DefaultTags()
	}
	return buildcmd.ImageRef{
		Repository: s.cfg.Registry.Repository,
		Name:       s.project.Name,
		Tags:       tags,
	}
}

// primaryRef is the reference checked for identity: first tag wins.
func (s *Step) primaryRef() string {
	return s.ImageRef().Refs()[0]
}

// UpToDate is the task-level skip predicate, checked before any subprocess
// starts: the metadata record must exist and the engine's current digest
// must equal the persisted one. An image the engine has never seen simply
// means not up to date.
func (s *Step) UpToDate(ctx context.Context) (bool, error) {
	record, err := identity.LoadMetadata(s.tracker.MetadataPath(s.project.Name))
	if err != nil {
		return false, err
	}
	if !record.Exists() {
		return false, nil
	}

	previous, err := s.tracker.LoadDigest(s.project.Name)
	if err != nil {
		return false, err
	}
	if previous == nil {
		return false, nil
	}

	current, err := s.tracker.ComputeApproximateDigest(ctx, s.primaryRef())
	if err != nil {
		if errors.Is(err, domain.ErrImageNotFound) {
			return false, nil
		}
		return false, err
	}

	if identity.IsUpToDate(previous, current) {
		s.state = StateUpToDate
		return true, nil
	}
	return false, nil
}

// Run drives the step to Built or Failed.
func (s *Step) Run(ctx context.Context) error {
	buildContext, err := s.prepareContext()
	if err != nil {
		return s.fail(err)
	}

	args, err := s.composeArgs(buildContext)
	if err != nil {
		return s.fail(err)
	}

	if err := s.build(ctx, buildContext, args); err != nil {
		return s.fail(err)
	}

	if err := s.verify(ctx); err != nil {
		return s.fail(err)
	}

	s.state = StateBuilt
	s.logger.Info("Image built", zap.String("ref", s.primaryRef()))
	return nil
}

func (s *Step) fail(err error) error {
	s.state = StateFailed
	return fmt.Errorf("build step %s failed: %w", s.project.Name, err)
}

func (s *Step) prepareContext() (*Context, error) {
	buildContext, err := PrepareContext(s.project.Dir, s.project.DefinitionPath)
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment, "failed to prepare build context", err)
	}
	s.state = StateContextPrepared
	s.logger.Debug("Build context prepared",
		zap.String("dir", buildContext.Dir),
		zap.Int("ignore_patterns", len(buildContext.IgnorePatterns)),
	)
	return buildContext, nil
}

func (s *Step) composeArgs(buildContext *Context) ([]string, error) {
	spec := buildcmd.Spec{
		Image: s.ImageRef(),
		Cache: buildcmd.CacheSpec{
			Inline:            s.cfg.Cache.Inline,
			Registry:          s.cfg.Cache.Registry,
			Local:             s.cfg.Cache.Local,
			GHA:               s.cfg.Cache.GHA,
			S3:                s.cfg.Cache.S3,
			BranchTag:         vcs.SanitizeRef(s.repo.Branch),
			PrimaryTag:        vcs.SanitizeRef(s.cfg.PrimaryBranch),
			HaveRegistryCreds: s.cfg.Registry.User != "",
		},
		Platforms:    s.cfg.Builder.Platforms,
		Push:         s.cfg.Builder.Push,
		Load:         s.cfg.Builder.Load,
		Dockerfile:   buildContext.DockerfilePath,
		MetadataFile: s.tracker.MetadataPath(s.project.Name),
		ContextDir:   buildContext.Dir,
	}

	args, skipped := buildcmd.Compose(spec)
	for _, backend := range skipped {
		s.logger.Warn("Cache backend skipped: credentials absent",
			zap.String("backend", backend),
		)
	}
	s.state = StateComposed
	return args, nil
}

func (s *Step) build(ctx context.Context, buildContext *Context, args []string) error {
	s.state = StateBuilding

	buildCtx, cancel := context.WithTimeout(ctx, s.cfg.Builder.Timeout)
	defer cancel()

	// SOURCE_DATE_EPOCH pins build timestamps to the commit time so outputs
	// are reproducible across machines for the same revision.
	env := []string{
		"SOURCE_DATE_EPOCH=" + strconv.FormatInt(s.repo.CommitTime.Unix(), 10),
	}
	if s.builderName != "" {
		env = append(env, "BUILDX_BUILDER="+s.builderName)
	}

	start := time.Now()
	output, err := s.runner.Run(buildCtx, buildContext.Dir, env, "docker", append([]string{"buildx"}, args...)...)
	if err != nil {
		s.logger.Error("Builder invocation failed",
			zap.Error(err),
			zap.ByteString("output", output),
		)
		return err
	}
	s.logger.Info("Builder invocation completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Step) verify(ctx context.Context) error {
	s.state = StateVerifying

	record, err := identity.LoadMetadata(s.tracker.MetadataPath(s.project.Name))
	if err != nil {
		return err
	}
	resultDigest := record.Field(identity.FieldImageDigest)
	if resultDigest == "" {
		return domain.NewError(domain.ErrCodeVerification,
			fmt.Sprintf("metadata record for %s is missing the image digest", s.project.Name))
	}
	s.logger.Debug("Build metadata recorded", zap.String("digest", resultDigest))

	current, err := s.tracker.ComputeApproximateDigest(ctx, s.primaryRef())
	if err != nil {
		if errors.Is(err, domain.ErrImageNotFound) {
			// In load mode downstream steps pull from the local engine, so
			// the image must actually be there; a silent miss would fail
			// them later.
			if s.cfg.Builder.Load {
				return domain.NewErrorWithCause(domain.ErrCodeVerification,
					fmt.Sprintf("image %s not present in engine after load-mode build", s.primaryRef()), err)
			}
			// Push-only builds leave nothing in the local engine; the
			// metadata digest is the identity record then.
			return nil
		}
		return err
	}
	return s.tracker.PersistDigest(s.project.Name, current)
}

// RequiredBuildTasks maps the project's resolved upstream dependencies onto
// the task names declared to the runner, making the graph build in
// topological order without a scheduler of its own.
func RequiredBuildTasks(g *graph.Graph, project string) []string {
	deps := g.Deps[project]
	tasks := make([]string, 0, len(deps))
	for _, dep := range deps {
		tasks = append(tasks, BuildTaskName(dep))
	}
	return tasks
}

// BuildTaskName is the runner task name of one project's build step.
func BuildTaskName(project string) string {
	return project + ":build"
}
