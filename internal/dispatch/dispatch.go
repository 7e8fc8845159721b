// Package dispatch executes accepted directives: shell commands, scripts and
// the built-in functions a model may call.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/directive"
	"github.com/throw-if-null/prime/internal/runner"
)

type Config struct {
	Shell             string
	ScriptInterpreter string
	ScriptExtension   string
	// ScriptDir holds the temporary files scripts are written to.
	ScriptDir string
	// WorkDir is the working directory of every command. Empty means the
	// daemon's own.
	WorkDir   string
	Timeout   time.Duration
	ReadLimit int
	MaxWait   time.Duration
}

// Environment captures host snapshots and answers command lookups.
type Environment interface {
	Capture(ctx context.Context) (*api.Environment, error)
	CommandAvailable(ctx context.Context, name string) bool
}

// StatusLookup resolves the status of any known task.
type StatusLookup interface {
	TaskStatus(id int64) (api.TaskStatus, bool)
}

type Dispatcher struct {
	cfg    Config
	runner runner.CommandRunner
	env    Environment
	status StatusLookup
	logger *zap.Logger
}

func New(cfg Config, r runner.CommandRunner, env Environment, status StatusLookup, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.ScriptExtension == "" {
		cfg.ScriptExtension = ".py"
	}
	return &Dispatcher{cfg: cfg, runner: r, env: env, status: status, logger: logger.Named("dispatch")}
}

// Run executes an accepted code block and returns its combined output.
// Failures are reported in the returned text; the loop feeds them back to
// the model rather than aborting.
func (d *Dispatcher) Run(ctx context.Context, kind directive.Kind, body string) string {
	if kind == directive.Script {
		return d.RunScript(ctx, body)
	}
	return d.RunShell(ctx, body)
}

func (d *Dispatcher) RunShell(ctx context.Context, command string) string {
	return d.exec(ctx, []string{d.cfg.Shell, "-c", CleanCode(command)})
}

// RunScript writes code to a temporary file and runs it with the script
// interpreter. A syntax error caused by leftover markdown quoting triggers
// one more run with the quoting stripped.
func (d *Dispatcher) RunScript(ctx context.Context, code string) string {
	code = CleanCode(code)
	out := d.runScriptOnce(ctx, code)
	if strings.Contains(out, "SyntaxError") && (strings.Contains(code, "`") || strings.Contains(out, "`")) {
		if stripped := StripQuoting(code); stripped != code && stripped != "" {
			d.logger.Info("retrying script without markdown quoting")
			out = d.runScriptOnce(ctx, stripped)
		}
	}
	return out
}

func (d *Dispatcher) runScriptOnce(ctx context.Context, code string) string {
	if err := os.MkdirAll(d.cfg.ScriptDir, 0o755); err != nil {
		return "ERROR: " + err.Error()
	}
	path := filepath.Join(d.cfg.ScriptDir, "tmp_"+uuid.NewString()+d.cfg.ScriptExtension)
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		return "ERROR: " + err.Error()
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("remove script", zap.String("path", path), zap.Error(err))
		}
	}()
	return d.exec(ctx, []string{d.cfg.ScriptInterpreter, path})
}

func (d *Dispatcher) exec(ctx context.Context, argv []string) string {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	code, err := d.runner.Run(ctx, d.cfg.WorkDir, argv, nil, &stdout, &stderr)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.logger.Warn("command timed out", zap.Duration("timeout", d.cfg.Timeout))
		return fmt.Sprintf("ERROR: Command timed out after %d seconds", int(d.cfg.Timeout/time.Second))
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += stderr.String()
	}
	if err != nil && code < 0 {
		return "ERROR: " + err.Error()
	}
	if code != 0 {
		return fmt.Sprintf("[Exit code: %d]\n%s", code, out)
	}
	return out
}

// CleanCode drops a dangling trailing backtick and any line that starts with
// a backtick, which are left behind when a model mangles a fence.
func CleanCode(code string) string {
	code = strings.TrimSpace(code)
	if strings.HasSuffix(code, "`") && strings.Count(code, "`")%2 == 1 {
		code = strings.TrimSpace(code[:len(code)-1])
	}
	lines := strings.Split(code, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "`") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var (
	fencedRe = regexp.MustCompile("(?s)```.*?```")
	inlineRe = regexp.MustCompile("`[^`]*`")
)

// StripQuoting removes fenced and inline markdown code spans entirely.
func StripQuoting(code string) string {
	code = fencedRe.ReplaceAllString(code, "")
	code = inlineRe.ReplaceAllString(code, "")
	return strings.TrimSpace(strings.ReplaceAll(code, "`", ""))
}
