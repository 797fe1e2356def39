package runner

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"kiln/internal/domain"
)

// TaskState is the lifecycle state of one registered task.
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskUpToDate TaskState = "UP-TO-DATE"
	TaskDone     TaskState = "DONE"
	TaskFailed   TaskState = "FAILED"
	TaskSkipped  TaskState = "SKIPPED"
)

// Task is one unit of work declared to the runner. Deps are hard precedence
// edges: the task runs only after every dependency succeeded. MustRunAfter
// is ordering-only: the task waits for the named tasks if they are
// registered, but does not require their success and does not pull them in.
type Task struct {
	Name         string
	Deps         []string
	MustRunAfter []string

	// UpToDate, when set, is consulted before Action; a true result
	// short-circuits the task without running it.
	UpToDate func(ctx context.Context) (bool, error)

	Action func(ctx context.Context) error
}

// Result is the outcome of one task in a run.
type Result struct {
	Name  string
	State TaskState
	Err   error
}

// Runner executes registered tasks in dependency order. Execution within
// one run is serial; concurrency across unrelated work belongs to the
// invoking environment, not here.
type Runner struct {
	logger *zap.Logger
	tasks  map[string]*Task
}

// New creates an empty runner.
func New(logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger,
		tasks:  make(map[string]*Task),
	}
}

// Register declares a task. Re-registering a name is a programming error.
func (r *Runner) Register(task Task) error {
	if task.Name == "" {
		return domain.NewError(domain.ErrCodeInternal, "task must have a name")
	}
	if _, dup := r.tasks[task.Name]; dup {
		return domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("task %q registered twice", task.Name))
	}
	t := task
	r.tasks[task.Name] = &t
	return nil
}

// Run executes the targets and their transitive dependencies. A failed task
// marks its transitive dependents skipped; unrelated tasks still run. The
// returned results cover every scheduled task in execution order.
func (r *Runner) Run(ctx context.Context, targets []string) ([]Result, error) {
	scheduled, err := r.collect(targets)
	if err != nil {
		return nil, err
	}

	order, err := r.topoOrder(scheduled)
	if err != nil {
		return nil, err
	}

	state := make(map[string]TaskState, len(order))
	for _, name := range order {
		state[name] = TaskPending
	}

	var results []Result
	record := func(name string, st TaskState, err error) {
		state[name] = st
		results = append(results, Result{Name: name, State: st, Err: err})
	}

	for _, name := range order {
		task := r.tasks[name]

		blocked := ""
		for _, dep := range task.Deps {
			if st := state[dep]; st != TaskDone && st != TaskUpToDate {
				blocked = dep
				break
			}
		}
		if blocked != "" {
			r.logger.Warn("Skipping task: dependency did not succeed",
				zap.String("task", name),
				zap.String("dependency", blocked),
			)
			record(name, TaskSkipped, fmt.Errorf("dependency %s did not succeed", blocked))
			continue
		}

		if task.UpToDate != nil {
			upToDate, err := task.UpToDate(ctx)
			if err != nil {
				r.logger.Error("Task up-to-date check failed", zap.String("task", name), zap.Error(err))
				record(name, TaskFailed, err)
				continue
			}
			if upToDate {
				r.logger.Info("Task up to date", zap.String("task", name))
				record(name, TaskUpToDate, nil)
				continue
			}
		}

		r.logger.Info("Running task", zap.String("task", name))
		if err := task.Action(ctx); err != nil {
			r.logger.Error("Task failed", zap.String("task", name), zap.Error(err))
			record(name, TaskFailed, err)
			continue
		}
		record(name, TaskDone, nil)
	}

	return results, nil
}

// Failed reports whether any result is a failure. Skipped dependents do not
// count separately; their root cause is the failed task.
func Failed(results []Result) bool {
	for _, res := range results {
		if res.State == TaskFailed {
			return true
		}
	}
	return false
}

// collect gathers targets plus transitive dependencies.
func (r *Runner) collect(targets []string) (map[string]bool, error) {
	scheduled := make(map[string]bool)
	var add func(name string) error
	add = func(name string) error {
		if scheduled[name] {
			return nil
		}
		task, ok := r.tasks[name]
		if !ok {
			return domain.NewError(domain.ErrCodeConfig, fmt.Sprintf("unknown task %q", name))
		}
		scheduled[name] = true
		for _, dep := range task.Deps {
			if err := add(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, target := range targets {
		if err := add(target); err != nil {
			return nil, err
		}
	}
	return scheduled, nil
}

// topoOrder orders scheduled tasks so that every dependency and
// must-run-after predecessor comes first. Ties break by name for
// deterministic runs.
func (r *Runner) topoOrder(scheduled map[string]bool) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(scheduled))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return domain.NewError(domain.ErrCodeConfig, fmt.Sprintf("task dependency cycle involving %q", name))
		}
		state[name] = visiting
		task := r.tasks[name]
		preds := append(append([]string{}, task.Deps...), task.MustRunAfter...)
		sort.Strings(preds)
		for _, pred := range preds {
			if !scheduled[pred] {
				continue
			}
			if err := visit(pred); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(scheduled))
	for name := range scheduled {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
