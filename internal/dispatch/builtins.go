package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/throw-if-null/prime/internal/directive"
	"github.com/throw-if-null/prime/internal/hostenv"
	"github.com/throw-if-null/prime/internal/truncate"
)

// Built-in function names a model may call with #CALL.
const (
	FuncReadFile       = "read_file"
	FuncListDirectory  = "list_directory"
	FuncCheckStatus    = "check_status"
	FuncWait           = "wait"
	FuncCheckCommand   = "check_command"
	FuncGetEnvironment = "get_environment"
)

// Batch is the outcome of one #CALL batch.
type Batch struct {
	Results []string
	// Paused is set when a wait call ended the batch early; Wait is the
	// clamped pause the caller must observe before continuing.
	Paused bool
	Wait   time.Duration
}

// Call runs calls in order on behalf of taskID. A successful wait stops the
// batch; the remaining calls are not executed.
func (d *Dispatcher) Call(ctx context.Context, taskID int64, calls []directive.Call) Batch {
	var b Batch
	for _, c := range calls {
		d.logger.Info("function call", zap.Int64("task_id", taskID), zap.String("name", c.Name))
		if c.Name == FuncWait {
			wait, ok := d.parseWait(c.Args)
			if !ok {
				b.Results = append(b.Results, fmt.Sprintf("Invalid wait duration: %s. Please provide a number of seconds.", c.Args))
				continue
			}
			b.Results = append(b.Results, fmt.Sprintf("Waiting for %d seconds...", int(wait/time.Second)))
			b.Paused = true
			b.Wait = wait
			return b
		}
		b.Results = append(b.Results, d.call(ctx, taskID, c))
	}
	return b
}

func (d *Dispatcher) call(ctx context.Context, taskID int64, c directive.Call) string {
	arg := unquote(c.Args)
	switch c.Name {
	case FuncReadFile:
		return d.readFile(arg)
	case FuncListDirectory:
		return d.listDirectory(ctx, arg)
	case FuncCheckStatus:
		return d.checkStatus(taskID, arg)
	case FuncCheckCommand:
		if arg == "" {
			return "No command specified for check_command"
		}
		if d.env.CommandAvailable(ctx, arg) {
			return fmt.Sprintf("Command '%s' is available", arg)
		}
		return fmt.Sprintf("Command '%s' is not available", arg)
	case FuncGetEnvironment:
		env, err := d.env.Capture(ctx)
		if err != nil {
			return "Error getting environment: " + err.Error()
		}
		return hostenv.Report(env)
	}
	return "Unknown function: " + c.Name
}

// parseWait clamps the requested pause to [0, MaxWait].
func (d *Dispatcher) parseWait(args string) (time.Duration, bool) {
	n, err := strconv.Atoi(unquote(args))
	if err != nil {
		return 0, false
	}
	wait := time.Duration(max(n, 0)) * time.Second
	if d.cfg.MaxWait > 0 && wait > d.cfg.MaxWait {
		wait = d.cfg.MaxWait
	}
	return wait, true
}

func (d *Dispatcher) readFile(path string) string {
	if path == "" {
		return "Error: No file path specified for read_file"
	}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "Error: File not found: " + path
	case errors.Is(err, fs.ErrPermission):
		return "Error: Permission denied when reading " + path
	case err != nil:
		return fmt.Sprintf("Error reading file %s: %v", path, err)
	}

	content, err := decode(b)
	if err != nil {
		return fmt.Sprintf("Error reading file %s: %v", path, err)
	}
	content = truncate.HeadTail(content, d.cfg.ReadLimit, func(total int) string {
		return fmt.Sprintf("\n...[content truncated, showing %d/%d]...\n", d.cfg.ReadLimit, total)
	})
	return fmt.Sprintf("#FILE_CONTENT from %s\n%s\n#END_FILE_CONTENT", path, content)
}

// decode returns b as UTF-8, falling back to latin-1 for other bytes.
func decode(b []byte) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (d *Dispatcher) listDirectory(ctx context.Context, path string) string {
	if path == "" {
		path = "."
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	var stdout, stderr bytes.Buffer
	code, err := d.runner.Run(ctx, "", []string{"ls", "-la", "--", path}, nil, &stdout, &stderr)
	if err != nil && code < 0 {
		return fmt.Sprintf("Error listing directory %s: %v", path, err)
	}
	out := stdout.String()
	if code != 0 {
		out = fmt.Sprintf("[Exit code: %d]\n%s%s", code, out, stderr.String())
	}
	return fmt.Sprintf("Directory listing for %s:\n%s", path, out)
}

func (d *Dispatcher) checkStatus(current int64, arg string) string {
	id := current
	if arg != "" {
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid task id: %s", arg)
		}
		id = v
	}
	if d.status == nil {
		return fmt.Sprintf("Task %d not found", id)
	}
	status, ok := d.status.TaskStatus(id)
	if !ok {
		return fmt.Sprintf("Task %d not found", id)
	}
	return fmt.Sprintf("Task %d status: %s", id, status)
}

func (d *Dispatcher) timeout() time.Duration {
	if d.cfg.Timeout > 0 {
		return d.cfg.Timeout
	}
	return 30 * time.Second
}

// unquote trims whitespace and one pair of matching surrounding quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
