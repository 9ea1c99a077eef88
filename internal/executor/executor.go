// Package executor runs external build tools with process-group cleanup on
// cancellation and optional idle scheduling priority.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"archr/internal/builderr"
	"archr/internal/logging"
)

// Command describes one external process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the current environment
	Stdin io.Reader

	// Quiet suppresses streaming to Executor.Stream; output is still captured.
	Quiet bool
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a command that was started.
type Result struct {
	ExitCode int
	Output   []byte
}

// Runner executes commands. Implementations must honour ctx cancellation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) { return f(ctx, cmd) }

// Executor is the production Runner.
type Executor struct {
	IdlePriority bool      // wrap every command in nice -n 19
	Stream       io.Writer // receives combined output as it is produced
	Logger       *slog.Logger
}

// Run starts cmd in its own process group and kills the whole group when ctx
// is cancelled. A non-zero exit is returned as an error alongside the Result.
func (e *Executor) Run(ctx context.Context, cmd Command) (Result, error) {
	logger := logging.Ensure(e.Logger)

	path, args := cmd.Name, cmd.Args
	if e.IdlePriority {
		args = append([]string{"-n", "19", path}, args...)
		path = "nice"
	}

	c := exec.Command(path, args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = cmd.Stdin

	var buf bytes.Buffer
	var out io.Writer = &buf
	if e.Stream != nil && !cmd.Quiet {
		out = io.MultiWriter(&buf, e.Stream)
	}
	c.Stdout = out
	c.Stderr = out
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Debug("exec", "cmd", cmd.String(), "dir", cmd.Dir)
	if err := c.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	pgid := c.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	waitErr := c.Wait()
	res := Result{ExitCode: c.ProcessState.ExitCode(), Output: buf.Bytes()}
	if waitErr != nil {
		if ctx.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return res, fmt.Errorf("%s aborted: %w", cmd.Name, ctx.Err())
		}
		return res, &ExitError{Command: cmd.String(), Code: res.ExitCode, Tail: tail(buf.Bytes(), 20)}
	}
	return res, nil
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Tail    string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	if e.Tail != "" {
		msg += "\n" + e.Tail
	}
	return msg
}

// IsExit reports whether err is a non-zero exit of a started command.
func IsExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

func tail(b []byte, lines int) string {
	s := strings.TrimRight(string(b), "\n")
	parts := strings.Split(s, "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}

var geteuid = os.Geteuid

// RequirePrivilege fails fast with a PermissionError when the process is not
// running as root. Mount, loop and chroot operations are gated by it.
func RequirePrivilege(operation string) error {
	if geteuid() == 0 {
		return nil
	}
	return &builderr.PermissionError{Operation: operation, Hint: "re-run with sudo -E"}
}
