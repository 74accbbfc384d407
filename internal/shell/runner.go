package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/imyashkale/sitedeploy/internal/logger"
)

// ErrNotInstalled is returned when the requested binary is not on PATH
var ErrNotInstalled = errors.New("executable not found")

// Command describes one external process invocation
type Command struct {
	Dir  string
	Env  []string
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external commands and returns their combined output
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec, bounded by a timeout
type ExecRunner struct {
	timeout time.Duration
}

// NewExecRunner creates a runner; a zero timeout means no limit beyond ctx
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{timeout: timeout}
}

// LookPath resolves name on PATH
func (r *ExecRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	return path, nil
}

// Run executes cmd and returns stdout and stderr combined
func (r *ExecRunner) Run(ctx context.Context, c Command) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	fields := map[string]interface{}{
		"command":  c.String(),
		"dir":      c.Dir,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return string(output), fmt.Errorf("%w: %s", ErrNotInstalled, c.Name)
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
		fields["error"] = err.Error()
		logger.WithFields(fields).Debug("Command failed")
		return string(output), fmt.Errorf("command %q failed: %w", c.String(), err)
	}

	logger.WithFields(fields).Debug("Command finished")
	return string(output), nil
}
