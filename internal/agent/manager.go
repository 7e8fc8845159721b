// Package agent drives tasks through the directive loop: ask the model,
// parse its reply, screen and execute what it asked for, then compose the
// next prompt. Each step runs as its own unit of work on a worker pool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/audit"
	"github.com/throw-if-null/prime/internal/directive"
	"github.com/throw-if-null/prime/internal/dispatch"
	"github.com/throw-if-null/prime/internal/notify"
	"github.com/throw-if-null/prime/internal/prompt"
	"github.com/throw-if-null/prime/internal/safety"
)

var (
	ErrEmptyGoal = errors.New("goal is required")
	ErrNotActive = errors.New("task not found or not active")
)

const (
	notInMemoryNote = "Task data not in memory. Check logs for details."
	planningOutput  = "Analyzing goal and creating execution plan..."
)

type Store interface {
	CreateTask(ctx context.Context, requestedID int64, goal string, status api.TaskStatus) (*api.Task, error)
	GetTask(ctx context.Context, id int64) (*api.Task, error)
	UpdateTask(ctx context.Context, t api.Task) error
	ListTurns(ctx context.Context, taskID int64) ([]api.Turn, error)
	SaveHistory(ctx context.Context, e api.HistoryEntry) (int64, error)
}

// Asker sends a conversation to the model. It always returns a reply.
type Asker interface {
	Ask(ctx context.Context, taskID int64, msgs []api.Message) string
}

type Validator interface {
	Validate(kind directive.Kind, body string) safety.Verdict
}

type Executor interface {
	Run(ctx context.Context, kind directive.Kind, body string) string
	Call(ctx context.Context, taskID int64, calls []directive.Call) dispatch.Batch
}

type EnvCapturer interface {
	Capture(ctx context.Context) (*api.Environment, error)
}

type Updater interface {
	Apply(payload string) (string, error)
	Restart() error
	Rollback(backup string) error
}

type Notifier interface {
	Publish(ev api.Event)
}

type Auditor interface {
	Record(ctx context.Context, taskID int64, kind audit.Kind, content string)
}

type Deps struct {
	Store     Store
	Registry  *Registry
	Gateway   Asker
	Composer  *prompt.Composer
	Validator Validator
	Executor  Executor
	Env       EnvCapturer
	Updater   Updater
	Notifier  Notifier
	Audit     Auditor
	Logger    *zap.Logger
	// Workers bounds concurrent model requests. Commands and waits do not
	// count against it.
	Workers int
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

type Manager struct {
	store     Store
	reg       *Registry
	gateway   Asker
	composer  *prompt.Composer
	validator Validator
	exec      Executor
	env       EnvCapturer
	updater   Updater
	notifier  Notifier
	audit     Auditor
	logger    *zap.Logger
	tracer    trace.Tracer
	pool      *Pool
	llmSlots  *semaphore.Weighted

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.TracerProvider == nil {
		d.TracerProvider = otel.GetTracerProvider()
	}
	m := &Manager{
		store:     d.Store,
		reg:       d.Registry,
		gateway:   d.Gateway,
		composer:  d.Composer,
		validator: d.Validator,
		exec:      d.Executor,
		env:       d.Env,
		updater:   d.Updater,
		notifier:  d.Notifier,
		audit:     d.Audit,
		logger:    d.Logger.Named("agent"),
		tracer:    d.TracerProvider.Tracer("prime"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	if d.Workers <= 0 {
		d.Workers = 1
	}
	m.llmSlots = semaphore.NewWeighted(int64(d.Workers))
	m.pool = NewPool(m.work)
	return m
}

func (m *Manager) Registry() *Registry { return m.reg }

// Run drives scheduled steps until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.pool.Run(ctx)
}

// Submit registers a new task, captures the host environment and schedules
// the first step. A task whose environment cannot be captured is failed and
// recorded; that is reported in the response, not as an error.
func (m *Manager) Submit(ctx context.Context, req api.CreateTaskRequest) (api.CreateTaskResponse, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return api.CreateTaskResponse{}, ErrEmptyGoal
	}
	t, err := m.store.CreateTask(ctx, req.TaskID, goal, api.StatusStarting)
	if err != nil {
		return api.CreateTaskResponse{}, err
	}
	m.reg.Put(*t, m.now())
	m.logger.Info("task submitted", zap.Int64("task_id", t.ID))
	m.audit.Record(ctx, t.ID, audit.UserToSystem, goal)

	env, err := m.env.Capture(ctx)
	if err != nil {
		msg := fmt.Sprintf("Failed to capture environment: %v", err)
		m.logger.Error("task registration failed", zap.Int64("task_id", t.ID), zap.Error(err))
		m.audit.Record(ctx, t.ID, audit.SystemError, msg)
		failed, _ := m.transition(ctx, t.ID, func(t *api.Task) {
			t.Status = api.StatusFailed
			t.Output = msg
		})
		m.saveHistory(ctx, failed)
		return api.CreateTaskResponse{ID: t.ID, Status: api.StatusFailed, Error: msg}, nil
	}

	initial := m.composer.Initial(goal, env)
	if _, ok := m.transition(ctx, t.ID, func(t *api.Task) {
		t.Environment = env
		t.Status = api.StatusPrompting
		t.Output = planningOutput
	}); !ok {
		return api.CreateTaskResponse{ID: t.ID, Status: api.StatusCancelled}, nil
	}
	m.reg.SetPrompt(t.ID, initial)
	m.pool.Schedule(t.ID)
	return api.CreateTaskResponse{ID: t.ID, Status: api.StatusPrompting}, nil
}

// Cancel stops scheduling further steps of a task. A step already running
// finishes, but its result is discarded.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	t, ok := m.transition(ctx, id, func(t *api.Task) {
		t.Status = api.StatusCancelled
		t.Output += "\nTask cancelled by user."
	})
	if !ok {
		return ErrNotActive
	}
	m.logger.Info("task cancelled", zap.Int64("task_id", id))
	m.audit.Record(ctx, id, audit.TaskCancel, "Task cancelled by user")
	m.saveHistory(ctx, t)
	return nil
}

// Get returns the in-memory view of a task, or the durable record with a
// note when this process does not hold it.
func (m *Manager) Get(ctx context.Context, id int64) (api.TaskView, error) {
	if t, ok := m.reg.Get(id); ok {
		return api.TaskView{Task: t, Active: true}, nil
	}
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return api.TaskView{}, err
	}
	return api.TaskView{Task: *t, Note: notInMemoryNote}, nil
}

func (m *Manager) List() []api.Task {
	return m.reg.List()
}

// Active counts tasks still being driven by this process.
func (m *Manager) Active() int {
	return m.reg.Active()
}

func (m *Manager) work(ctx context.Context, id int64) {
	if !m.reg.Claim(id) {
		m.logger.Debug("step already in flight", zap.Int64("task_id", id))
		return
	}
	again := m.step(ctx, id)
	m.reg.Release(id)
	if again {
		m.pool.Schedule(id)
	}
}

// step runs one exchange with the model and acts on the reply. It reports
// whether another step should be scheduled.
func (m *Manager) step(ctx context.Context, id int64) bool {
	t, ok := m.reg.Get(id)
	if !ok || t.Status.Terminal() {
		return false
	}
	ctx, span := m.tracer.Start(ctx, "prime.step", trace.WithAttributes(
		attribute.Int64("task.id", id),
		attribute.Int("task.step", t.Step),
	))
	defer span.End()

	turns, err := m.store.ListTurns(ctx, id)
	if err != nil {
		m.logger.Warn("load turns", zap.Int64("task_id", id), zap.Error(err))
	}
	if err := m.llmSlots.Acquire(ctx, 1); err != nil {
		return false
	}
	reply := m.gateway.Ask(ctx, id, m.composer.Messages(turns, m.reg.Prompt(id)))
	m.llmSlots.Release(1)
	if ctx.Err() != nil {
		return false
	}
	if cur, ok := m.reg.Get(id); !ok || cur.Status.Terminal() {
		return false
	}

	d := directive.Parse(reply)
	span.SetAttributes(attribute.String("directive", d.Type.String()))
	span.AddEvent("directive.parsed", trace.WithAttributes(attribute.String("type", d.Type.String())))
	m.logger.Debug("directive", zap.Int64("task_id", id), zap.Stringer("type", d.Type))

	var next string
	switch d.Type {
	case directive.Done:
		m.complete(ctx, id)
		return false
	case directive.SelfUpdate:
		next, ok = m.selfUpdate(ctx, id, d.Code)
	case directive.FunctionCalls:
		next, ok = m.functions(ctx, id, d.Calls)
	case directive.CodeBlock:
		next, ok = m.code(ctx, id, d.Kind, d.Body)
	default:
		next, ok = m.noDirective(ctx, id, reply)
	}
	if !ok || ctx.Err() != nil {
		return false
	}
	if !m.reg.SetPrompt(id, next) {
		return false
	}
	span.SetStatus(codes.Ok, "")
	return true
}

func (m *Manager) complete(ctx context.Context, id int64) {
	t, ok := m.transition(ctx, id, func(t *api.Task) {
		t.Status = api.StatusCompleted
		t.Output += "\nGoal completed successfully."
	})
	if !ok {
		return
	}
	m.logger.Info("task completed", zap.Int64("task_id", id), zap.Int("step", t.Step))
	m.audit.Record(ctx, id, audit.TaskComplete, fmt.Sprintf("Task completed successfully after %d steps.\n\nGoal: %s", t.Step, t.Goal))
	m.saveHistory(ctx, t)
}

func (m *Manager) code(ctx context.Context, id int64, kind directive.Kind, body string) (string, bool) {
	v := m.validator.Validate(kind, body)
	if !v.Accepted {
		t, ok := m.transition(ctx, id, func(t *api.Task) {
			t.Output += "\nCode validation failed: " + v.Reason
		})
		if !ok {
			return "", false
		}
		m.logger.Warn("code rejected", zap.Int64("task_id", id), zap.String("reason", v.Reason))
		m.audit.Record(ctx, id, audit.CodeValidationFailed, fmt.Sprintf("Reason: %s\n\nCode:\n%s", v.Reason, body))
		return prompt.ValidationFailed(t.Goal, v.Reason), true
	}

	t, ok := m.transition(ctx, id, func(t *api.Task) {
		t.Step++
		t.Status = api.StatusRunning
		t.Output += fmt.Sprintf("\n--- Step %d (%s) ---\n%s", t.Step, kind, body)
	})
	if !ok {
		return "", false
	}
	m.audit.Record(ctx, id, audit.ShellExecution, fmt.Sprintf("Step %d (%s):\n\n%s", t.Step, kind, body))

	out := m.exec.Run(ctx, kind, body)
	m.audit.Record(ctx, id, audit.ShellOutput, out)
	if ctx.Err() != nil {
		return "", false
	}

	env, err := m.env.Capture(ctx)
	if err != nil {
		m.logger.Warn("capture environment", zap.Int64("task_id", id), zap.Error(err))
		env = nil
	}
	t, ok = m.transition(ctx, id, func(t *api.Task) {
		t.Output += "\n--- Output ---\n" + out
		if env != nil {
			t.Environment = env
		}
	})
	if !ok {
		return "", false
	}
	return m.composer.StepResult(t.Goal, t.Step, kind, out, t.Environment), true
}

func (m *Manager) functions(ctx context.Context, id int64, calls []directive.Call) (string, bool) {
	batch := m.exec.Call(ctx, id, calls)
	results := strings.Join(batch.Results, "\n")
	t, ok := m.transition(ctx, id, func(t *api.Task) {
		t.Step++
		t.Status = api.StatusRunning
		t.Output += fmt.Sprintf("\n--- Function Results (Step %d) ---\n%s", t.Step, results)
	})
	if !ok {
		return "", false
	}
	m.audit.Record(ctx, id, audit.FunctionExecution, fmt.Sprintf("Step %d function calls:\n\n%s", t.Step, results))

	if !batch.Paused {
		return prompt.FunctionResults(t.Goal, batch.Results), true
	}

	secs := int(batch.Wait / time.Second)
	if _, ok := m.transition(ctx, id, func(t *api.Task) {
		t.Status = api.StatusWaiting
		t.WaitSeconds = secs
	}); !ok {
		return "", false
	}
	if err := m.sleep(ctx, batch.Wait); err != nil {
		return "", false
	}
	t, ok = m.transition(ctx, id, func(t *api.Task) {
		t.Status = api.StatusRunning
		t.WaitSeconds = 0
	})
	if !ok {
		return "", false
	}
	return prompt.WaitElapsed(t.Goal, secs), true
}

func (m *Manager) selfUpdate(ctx context.Context, id int64, code string) (string, bool) {
	v := m.validator.Validate(directive.Script, code)
	if !v.Accepted {
		t, ok := m.transition(ctx, id, func(t *api.Task) {
			t.Output += "\nSelf-update rejected: " + v.Reason
		})
		if !ok {
			return "", false
		}
		m.audit.Record(ctx, id, audit.SelfUpdateRejected, fmt.Sprintf("Reason: %s\n\nCode:\n%s", v.Reason, code))
		return prompt.SelfUpdateRejected(t.Goal, v.Reason), true
	}

	backup, err := m.updater.Apply(code)
	if err != nil {
		m.logger.Error("self-update failed", zap.Int64("task_id", id), zap.Error(err))
		t, ok := m.transition(ctx, id, func(t *api.Task) {
			t.Output += fmt.Sprintf("\nSelf-update failed: %v", err)
		})
		if !ok {
			return "", false
		}
		m.audit.Record(ctx, id, audit.SystemError, fmt.Sprintf("Self-update failed: %v", err))
		return prompt.SelfUpdateFailed(t.Goal, err), true
	}

	t, ok := m.transition(ctx, id, func(t *api.Task) {
		t.Status = api.StatusRestarting
		t.Output += "\nSelf-update applied. Restarting agent..."
	})
	if !ok {
		return "", false
	}
	// Everything durable must be written before the process image goes away.
	m.saveHistory(ctx, t)
	m.audit.Record(ctx, id, audit.SelfUpdate, fmt.Sprintf("Backup: %s\n\n%s", backup, code))
	m.logger.Info("restarting after self-update", zap.Int64("task_id", id), zap.String("backup", backup))
	err = m.updater.Restart()
	if err == nil {
		return "", false
	}
	m.logger.Error("restart failed", zap.Int64("task_id", id), zap.Error(err))
	if rerr := m.updater.Rollback(backup); rerr != nil {
		m.logger.Error("rollback failed", zap.Int64("task_id", id), zap.Error(rerr))
		err = errors.Join(err, rerr)
	}
	m.audit.Record(ctx, id, audit.SystemError, fmt.Sprintf("Restart after self-update failed: %v", err))
	t, ok = m.update(ctx, id, func(s api.TaskStatus) bool { return s == api.StatusRestarting }, func(t *api.Task) {
		t.Status = api.StatusRunning
		t.Output += fmt.Sprintf("\nSelf-update failed: %v", err)
	})
	if !ok {
		return "", false
	}
	return prompt.SelfUpdateFailed(t.Goal, err), true
}

func (m *Manager) noDirective(ctx context.Context, id int64, reply string) (string, bool) {
	t, ok := m.transition(ctx, id, func(t *api.Task) {
		t.Status = api.StatusAwaitingCode
		t.Output += "\nNo executable code or function calls detected. Requesting a valid directive."
	})
	if !ok {
		return "", false
	}
	m.audit.Record(ctx, id, audit.SystemError, "No valid directive found in reply:\n\n"+reply)
	return prompt.NoDirective(t.Goal), true
}

// transition applies fn to a non-terminal task, persists the result and
// notifies subscribers. It fails for unknown and terminal tasks.
func (m *Manager) transition(ctx context.Context, id int64, fn func(t *api.Task)) (api.Task, bool) {
	return m.update(ctx, id, func(s api.TaskStatus) bool { return !s.Terminal() }, fn)
}

// update is transition with a caller-chosen guard on the current status.
func (m *Manager) update(ctx context.Context, id int64, allow func(api.TaskStatus) bool, fn func(t *api.Task)) (api.Task, bool) {
	ts := m.now().UTC().Format(time.RFC3339Nano)
	t, ok := m.reg.Update(id, func(t *api.Task) bool {
		if !allow(t.Status) {
			return false
		}
		fn(t)
		t.UpdatedAt = ts
		return true
	})
	if !ok {
		return t, false
	}
	if err := m.store.UpdateTask(context.WithoutCancel(ctx), t); err != nil {
		m.logger.Warn("persist task", zap.Int64("task_id", id), zap.String("status", string(t.Status)), zap.Error(err))
	}
	if m.notifier != nil {
		m.notifier.Publish(notify.TaskEvent(t))
	}
	return t, true
}

func (m *Manager) saveHistory(ctx context.Context, t api.Task) {
	var secs int64
	if started, ok := m.reg.Started(t.ID); ok {
		secs = int64(m.now().Sub(started) / time.Second)
	}
	if _, err := m.store.SaveHistory(context.WithoutCancel(ctx), api.HistoryEntry{
		TaskID:          t.ID,
		Goal:            t.Goal,
		Status:          t.Status,
		Output:          t.Output,
		DurationSeconds: secs,
	}); err != nil {
		m.logger.Warn("save history", zap.Int64("task_id", t.ID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
