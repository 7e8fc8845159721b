// Package runner runs external processes on behalf of the task loop.
package runner

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// CommandRunner abstracts running external commands so tests can inject fakes.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (exitCode int, err error)
}

// ErrNoCommand is returned when argv is empty.
var ErrNoCommand = errors.New("no command")

// RealCommandRunner runs commands using os/exec. When ctx ends the direct
// child is killed; its descendants are only killed when KillProcessGroup is set.
type RealCommandRunner struct {
	KillProcessGroup bool
	// WaitDelay bounds how long Run waits for output pipes after the child
	// was killed. Zero means two seconds.
	WaitDelay time.Duration
}

func (r *RealCommandRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, ErrNoCommand
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	if r.KillProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	err := cmd.Run()
	// derive exit code if possible
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Exited() {
			return status.ExitStatus(), err
		}
	}
	// could be context cancellation or other failures
	return -1, err
}
