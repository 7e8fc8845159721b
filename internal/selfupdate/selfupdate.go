// Package selfupdate replaces the program file with a new payload and
// re-executes the process in place.
package selfupdate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var ErrDisabled = errors.New("self-update disabled")

// Config names the script a payload replaces and the interpreter that runs
// it. Both must be set; a payload is never written over the running binary.
type Config struct {
	Disabled    bool
	Program     string
	Interpreter string
}

type Updater struct {
	cfg    Config
	logger *zap.Logger

	now        func() time.Time
	executable func() (string, error)
	lookPath   func(string) (string, error)
	exec       func(argv0 string, argv []string, envv []string) error
	args       func() []string
}

func New(cfg Config, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		executable: os.Executable,
		lookPath:   exec.LookPath,
		exec:       syscall.Exec,
		args:       func() []string { return os.Args },
	}
}

// SetExec overrides the process replacement call.
func (u *Updater) SetExec(fn func(argv0 string, argv []string, envv []string) error) {
	u.exec = fn
}

func (u *Updater) program() (string, error) {
	if u.cfg.Disabled {
		return "", ErrDisabled
	}
	if u.cfg.Program == "" || u.cfg.Interpreter == "" {
		return "", fmt.Errorf("%w: self_update.program and self_update.interpreter must both be set", ErrDisabled)
	}
	program, err := filepath.Abs(u.cfg.Program)
	if err != nil {
		return "", err
	}
	if self, err := u.executable(); err == nil && sameFile(self, program) {
		return "", fmt.Errorf("%w: %s is the running executable", ErrDisabled, program)
	}
	return program, nil
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// Apply backs the program up to <program>.bak.<unix seconds> and replaces it
// with payload. It returns the backup path.
func (u *Updater) Apply(payload string) (string, error) {
	program, err := u.program()
	if err != nil {
		return "", err
	}
	info, err := os.Stat(program)
	if err != nil {
		return "", fmt.Errorf("stat program: %w", err)
	}

	backup := fmt.Sprintf("%s.bak.%d", program, u.now().Unix())
	if err := copyFile(program, backup, info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("backup program: %w", err)
	}

	if err := install(program, []byte(payload)); err != nil {
		return backup, fmt.Errorf("install update: %w", err)
	}
	u.logger.Info("program replaced", zap.String("program", program), zap.String("backup", backup))
	return backup, nil
}

// Rollback puts backup back in place of the program.
func (u *Updater) Rollback(backup string) error {
	program, err := u.program()
	if err != nil {
		return err
	}
	b, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := install(program, b); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}
	u.logger.Warn("program restored from backup", zap.String("program", program), zap.String("backup", backup))
	return nil
}

// install writes content beside program and renames it over program, so a
// failed write never leaves a truncated file.
func install(program string, content []byte) error {
	tmp := program + ".new"
	if err := os.WriteFile(tmp, content, 0o755); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, program); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Restart replaces the current process with the interpreter running the
// program, keeping the remaining arguments and environment. On success it
// does not return.
func (u *Updater) Restart() error {
	program, err := u.program()
	if err != nil {
		return err
	}
	args := u.args()
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	interp, err := u.lookPath(u.cfg.Interpreter)
	if err != nil {
		return fmt.Errorf("interpreter %s: %w", u.cfg.Interpreter, err)
	}
	argv := append([]string{u.cfg.Interpreter, program}, rest...)
	u.logger.Info("restarting", zap.Strings("argv", argv))
	if err := u.exec(interp, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", interp, err)
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
