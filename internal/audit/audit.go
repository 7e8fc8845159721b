// Package audit records the execution log of a task. Each entry is stored in
// the database and mirrored to a markdown file under the task's log dir.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/paths"
)

type Kind string

const (
	UserToSystem         Kind = "user_to_system"
	SystemToLLM          Kind = "system_to_llm"
	LLMToSystem          Kind = "llm_to_system"
	ShellExecution       Kind = "system_shell_execution"
	ShellOutput          Kind = "system_shell_output"
	FunctionExecution    Kind = "system_function_execution"
	SystemError          Kind = "system_error"
	TaskComplete         Kind = "system_task_complete"
	SelfUpdate           Kind = "system_selfupdate"
	SelfUpdateRejected   Kind = "system_selfupdate_rejected"
	CodeValidationFailed Kind = "system_code_validation_failed"
	TaskCancel           Kind = "system_task_cancel"
)

const fileTimestamp = "20060102150405.000000"

// Store is the persistence the recorder needs.
type Store interface {
	AppendAudit(ctx context.Context, e api.AuditEntry) (int64, error)
}

type Recorder struct {
	store  Store
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// New returns a recorder writing files below root. An empty root disables
// the file mirror.
func New(store Store, root string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		root:   root,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

// Record appends one entry. Failures are logged, never returned: an audit
// problem must not stop the task loop.
func (r *Recorder) Record(ctx context.Context, taskID int64, kind Kind, content string) {
	ts := r.now()
	e := api.AuditEntry{TaskID: taskID, Kind: string(kind), Content: content, CreatedAt: ts.UTC().Format(time.RFC3339Nano)}

	if r.root != "" {
		name, err := r.writeFile(taskID, kind, content, ts)
		if err != nil {
			r.logger.Warn("write audit file", zap.Int64("task_id", taskID), zap.String("kind", string(kind)), zap.Error(err))
		} else {
			e.Filename = name
		}
	}
	if _, err := r.store.AppendAudit(ctx, e); err != nil {
		r.logger.Warn("append audit", zap.Int64("task_id", taskID), zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	r.logger.Debug("audit", zap.Int64("task_id", taskID), zap.String("kind", string(kind)), zap.String("file", e.Filename))
}

func (r *Recorder) writeFile(taskID int64, kind Kind, content string, ts time.Time) (string, error) {
	dir := filepath.Join(r.root, filepath.FromSlash(paths.TaskLogDir(taskID)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d_%s_%s.md", taskID, ts.Format(fileTimestamp), kind)

	var b strings.Builder
	fmt.Fprintf(&b, "# Task %d - %s\n\n", taskID, cases.Title(language.English).String(strings.ReplaceAll(string(kind), "_", " ")))
	fmt.Fprintf(&b, "Timestamp: %s\n\n", ts.Format("2006-01-02 15:04:05"))
	b.WriteString("```\n")
	b.WriteString(content)
	b.WriteString("\n```\n")
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// ReadFile returns a mirrored audit file of a task. name is validated and
// joined safely below the task's log dir.
func ReadFile(root string, taskID int64, name string) ([]byte, error) {
	if err := paths.ValidateLogName(name); err != nil {
		return nil, err
	}
	dir, err := paths.SafeJoin(root, paths.TaskLogDir(taskID))
	if err != nil {
		return nil, err
	}
	p, err := paths.SafeJoin(dir, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}
