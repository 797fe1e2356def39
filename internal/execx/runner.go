package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"kiln/internal/domain"
)

// Runner executes external commands. It exists so that every component
// driving a subprocess (buildx, compose, syft, grype) can be tested against
// a fake without spawning processes.
type Runner interface {
	// Run executes name with args in dir, with extraEnv appended to the
	// ambient environment, and returns the combined stdout+stderr.
	Run(ctx context.Context, dir string, extraEnv []string, name string, args ...string) ([]byte, error)

	// Start launches a long-lived command (e.g. a log follow) whose stdout
	// is streamed to out. The returned stop function kills the process.
	Start(ctx context.Context, dir string, out io.Writer, name string, args ...string) (stop func(), err error)
}

// CommandError carries the identity and captured output of a failed command.
type CommandError struct {
	Argv   []string
	Output []byte
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed: %v", strings.Join(e.Argv, " "), e.Err)
	if len(e.Output) > 0 {
		msg += "\noutput: " + strings.TrimSpace(string(e.Output))
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates a new exec-backed runner.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, dir string, extraEnv []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	r.logger.Debug("Executing command",
		zap.String("command", name),
		zap.Strings("args", args),
		zap.String("dir", dir),
	)

	err := cmd.Run()
	if err != nil {
		argv := append([]string{name}, args...)
		cmdErr := &CommandError{Argv: argv, Output: buf.Bytes(), Err: err}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return buf.Bytes(), domain.NewErrorWithCause(domain.ErrCodeTimeout, "command timed out", cmdErr)
		}
		return buf.Bytes(), cmdErr
	}
	return buf.Bytes(), nil
}

func (r *ExecRunner) Start(ctx context.Context, dir string, out io.Writer, name string, args ...string) (func(), error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	done := make(chan struct{})
	go func() {
		// Reap the process; its exit status is irrelevant for follows.
		_ = cmd.Wait()
		close(done)
	}()

	stop := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
	return stop, nil
}
