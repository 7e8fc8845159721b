package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/audit"
	"github.com/throw-if-null/prime/internal/dispatch"
	"github.com/throw-if-null/prime/internal/llm"
	"github.com/throw-if-null/prime/internal/notify"
	"github.com/throw-if-null/prime/internal/prompt"
	"github.com/throw-if-null/prime/internal/safety"
	"github.com/throw-if-null/prime/internal/store"
)

// scriptedModel replies from a fixed script, then with #DONE. If gate is
// set, the first call waits for it to be closed.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	seen    [][]api.Message
	gate    chan struct{}
	entered chan struct{}
}

func (s *scriptedModel) Name() string { return "scripted" }

func (s *scriptedModel) Chat(ctx context.Context, msgs []api.Message) (string, error) {
	s.mu.Lock()
	first := len(s.seen) == 0
	s.seen = append(s.seen, msgs)
	reply := "#DONE"
	if len(s.replies) > 0 {
		reply, s.replies = s.replies[0], s.replies[1:]
	}
	s.mu.Unlock()
	if first && s.gate != nil {
		close(s.entered)
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, nil
}

func (s *scriptedModel) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *scriptedModel) request(i int) []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[i]
}

// lastPrompt returns the final user message of request i.
func (s *scriptedModel) lastPrompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.seen[i]
	return msgs[len(msgs)-1].Content
}

type fakeRunner struct {
	mu    sync.Mutex
	argvs [][]string
	out   string
}

func (f *fakeRunner) Run(_ context.Context, _ string, argv []string, _ []string, stdout, _ io.Writer) (int, error) {
	f.mu.Lock()
	f.argvs = append(f.argvs, argv)
	f.mu.Unlock()
	_, _ = io.WriteString(stdout, f.out)
	return 0, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.argvs)
}

type fakeEnv struct {
	err error
}

func (f *fakeEnv) Capture(context.Context) (*api.Environment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &api.Environment{User: "root", IsRoot: true, OSInfo: "Debian", Commands: map[string]bool{"python": true}}, nil
}

func (f *fakeEnv) CommandAvailable(context.Context, string) bool { return true }

type fakeUpdater struct {
	mu         sync.Mutex
	applied    []string
	restarts   int
	rollbacks  []string
	err        error
	restartErr error
}

func (f *fakeUpdater) Apply(payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.applied = append(f.applied, payload)
	return "/srv/primed.bak.1", nil
}

func (f *fakeUpdater) Restart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

func (f *fakeUpdater) Rollback(backup string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, backup)
	return nil
}

type harness struct {
	m       *Manager
	store   *store.Store
	model   *scriptedModel
	runner  *fakeRunner
	updater *fakeUpdater
	hub     *notify.Hub
	spans   *tracetest.SpanRecorder

	sleepMu sync.Mutex
	slept   []time.Duration
	hold    chan struct{}
}

func newHarness(t *testing.T, model *scriptedModel, env *fakeEnv) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "prime.db"))
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Init())
	t.Cleanup(func() { _ = db.Close() })

	if env == nil {
		env = &fakeEnv{}
	}
	logger := zap.NewNop()
	reg := NewRegistry()
	r := &fakeRunner{out: "a.txt\nb.txt\n"}
	rec := audit.New(st, dir, logger)
	disp := dispatch.New(dispatch.Config{
		Shell:             "/bin/sh",
		ScriptInterpreter: "python3",
		ScriptDir:         dir,
		Timeout:           5 * time.Second,
		ReadLimit:         4000,
		MaxWait:           60 * time.Second,
	}, r, env, NewStatusResolver(reg, st), logger)
	gw := llm.NewGateway(model, st, rec, llm.RetryPolicy{MaxAttempts: 1}, logger)
	sr := tracetest.NewSpanRecorder()
	hub := notify.NewHub(256)
	upd := &fakeUpdater{}

	h := &harness{store: st, model: model, runner: r, updater: upd, hub: hub, spans: sr}
	h.m = New(Deps{
		Store:          st,
		Registry:       reg,
		Gateway:        gw,
		Composer:       prompt.New(4000, 4000),
		Validator:      safety.New(logger),
		Executor:       disp,
		Env:            env,
		Updater:        upd,
		Notifier:       hub,
		Audit:          rec,
		Logger:         logger,
		Workers:        2,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)),
	})
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleepMu.Lock()
		h.slept = append(h.slept, d)
		hold := h.hold
		h.sleepMu.Unlock()
		if hold == nil {
			return nil
		}
		select {
		case <-hold:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
	})
	return h
}

// holdSleeps makes waits block until the returned func is called.
func (h *harness) holdSleeps() func() {
	hold := make(chan struct{})
	h.sleepMu.Lock()
	h.hold = hold
	h.sleepMu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

func (h *harness) submit(t *testing.T, goal string) int64 {
	t.Helper()
	resp, err := h.m.Submit(context.Background(), api.CreateTaskRequest{Goal: goal})
	require.NoError(t, err)
	return resp.ID
}

func (h *harness) waitStatus(t *testing.T, id int64, want api.TaskStatus) api.Task {
	t.Helper()
	var got api.TaskView
	require.Eventually(t, func() bool {
		v, err := h.m.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = v
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %d never reached %s", id, want)
	return got.Task
}

func (h *harness) waitHistory(t *testing.T, n int) []api.HistoryEntry {
	t.Helper()
	var hist []api.HistoryEntry
	require.Eventually(t, func() bool {
		var err error
		hist, err = h.store.ListHistory(context.Background(), 10, 0)
		return err == nil && len(hist) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return hist
}

func TestListFilesScenario(t *testing.T) {
	model := &scriptedModel{replies: []string{"```bash\n#SH\nls /tmp\n```", "#DONE"}}
	h := newHarness(t, model, nil)

	id := h.submit(t, "list files in /tmp")
	assert.Equal(t, store.DefaultBaseID, id)
	task := h.waitStatus(t, id, api.StatusCompleted)

	assert.Equal(t, 1, task.Step)
	assert.Contains(t, task.Output, "--- Step 1 (SH) ---\nls /tmp")
	assert.Contains(t, task.Output, "a.txt")
	assert.True(t, strings.HasSuffix(task.Output, "Goal completed successfully."))

	require.Equal(t, 2, model.calls())
	assert.Contains(t, model.lastPrompt(0), "GOAL: list files in /tmp")
	next := model.lastPrompt(1)
	assert.Contains(t, next, "Output from step 1 (SH)")
	assert.Contains(t, next, "a.txt")

	// the second request replays the first exchange in order
	second := model.request(1)
	require.GreaterOrEqual(t, len(second), 4)
	assert.Equal(t, api.RoleSystem, second[0].Role)
	assert.Equal(t, api.RoleUser, second[1].Role)
	assert.Equal(t, api.RoleAssistant, second[2].Role)
	assert.Contains(t, second[2].Content, "ls /tmp")

	hist := h.waitHistory(t, 1)
	assert.Equal(t, "list files in /tmp", hist[0].Goal)
	assert.Equal(t, api.StatusCompleted, hist[0].Status)

	persisted, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, persisted.Status)
	assert.NotNil(t, persisted.Environment)

	audits, err := h.store.ListAudit(context.Background(), id, 0)
	require.NoError(t, err)
	var kinds []string
	for _, a := range audits {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []string{
		string(audit.UserToSystem),
		string(audit.SystemToLLM),
		string(audit.LLMToSystem),
		string(audit.ShellExecution),
		string(audit.ShellOutput),
		string(audit.SystemToLLM),
		string(audit.LLMToSystem),
		string(audit.TaskComplete),
	}, kinds)
}

func TestRejectedCodeKeepsStep(t *testing.T) {
	model := &scriptedModel{replies: []string{"#SH\nrm -rf /", "#DONE"}}
	h := newHarness(t, model, nil)

	id := h.submit(t, "clean up")
	task := h.waitStatus(t, id, api.StatusCompleted)

	assert.Equal(t, 0, task.Step)
	assert.Equal(t, 0, h.runner.count())
	assert.Contains(t, task.Output, "Code validation failed: dangerous recursive deletion of root directory")
	assert.Contains(t, model.lastPrompt(1), "recursive deletion")
}

func TestWaitPausesThenContinues(t *testing.T) {
	model := &scriptedModel{replies: []string{"#CALL wait(9999)\n#CALL read_file(/etc/hostname)", "#DONE"}}
	h := newHarness(t, model, nil)
	sub := h.hub.Subscribe()
	defer sub.Close()

	id := h.submit(t, "wait a bit")
	task := h.waitStatus(t, id, api.StatusCompleted)

	h.sleepMu.Lock()
	assert.Equal(t, []time.Duration{60 * time.Second}, h.slept)
	h.sleepMu.Unlock()
	assert.Equal(t, 1, task.Step)
	assert.Contains(t, task.Output, "Waiting for 60 seconds...")
	assert.NotContains(t, task.Output, "/etc/hostname")
	assert.Contains(t, model.lastPrompt(1), "The wait period of 60 seconds has completed.")

	var statuses []api.TaskStatus
	require.Eventually(t, func() bool {
		for len(sub.Events()) > 0 {
			statuses = append(statuses, (<-sub.Events()).Status)
		}
		return len(statuses) > 0 && statuses[len(statuses)-1] == api.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, statuses, api.StatusWaiting)
}

func TestWaitingTasksDoNotStallOthers(t *testing.T) {
	model := &scriptedModel{replies: []string{"#CALL wait(30)", "#CALL wait(30)"}}
	h := newHarness(t, model, nil)
	release := h.holdSleeps()
	defer release()

	a := h.submit(t, "wait a")
	h.waitStatus(t, a, api.StatusWaiting)
	b := h.submit(t, "wait b")
	h.waitStatus(t, b, api.StatusWaiting)

	// Both model slots are free again while a and b sleep.
	c := h.submit(t, "quick")
	h.waitStatus(t, c, api.StatusCompleted)

	v, err := h.m.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, api.StatusWaiting, v.Status)

	release()
	h.waitStatus(t, a, api.StatusCompleted)
	h.waitStatus(t, b, api.StatusCompleted)
}

func TestCancelWhileWaiting(t *testing.T) {
	model := &scriptedModel{replies: []string{"#CALL wait(30)"}}
	h := newHarness(t, model, nil)
	release := h.holdSleeps()
	defer release()

	id := h.submit(t, "wait then stop")
	h.waitStatus(t, id, api.StatusWaiting)
	require.NoError(t, h.m.Cancel(context.Background(), id))
	release()

	assert.Never(t, func() bool { return model.calls() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	v, err := h.m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCancelled, v.Status)
}

func TestNoDirectiveReprompts(t *testing.T) {
	model := &scriptedModel{replies: []string{"I am not sure what to do.", "#DONE"}}
	h := newHarness(t, model, nil)

	id := h.submit(t, "something vague")
	task := h.waitStatus(t, id, api.StatusCompleted)
	assert.Equal(t, 0, task.Step)
	assert.Contains(t, model.lastPrompt(1), "couldn't find any valid code blocks")
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	model := &scriptedModel{
		replies: []string{"#SH\nls"},
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	h := newHarness(t, model, nil)

	id := h.submit(t, "long job")
	<-model.entered
	require.NoError(t, h.m.Cancel(context.Background(), id))
	close(model.gate)

	assert.Never(t, func() bool { return model.calls() > 1 || h.runner.count() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	v, err := h.m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCancelled, v.Status)
	assert.True(t, strings.HasSuffix(v.Output, "Task cancelled by user."))

	assert.ErrorIs(t, h.m.Cancel(context.Background(), id), ErrNotActive)
	assert.ErrorIs(t, h.m.Cancel(context.Background(), 42), ErrNotActive)
}

func TestConcurrentSubmissionsGetDistinctIDs(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, nil)

	const n = 8
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.m.Submit(context.Background(), api.CreateTaskRequest{Goal: fmt.Sprintf("goal %d", i)})
			if err == nil {
				ids <- resp.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
	for i := int64(0); i < n; i++ {
		assert.True(t, seen[store.DefaultBaseID+i])
	}
	for id := range seen {
		h.waitStatus(t, id, api.StatusCompleted)
	}
}

func TestSubmit_RejectsEmptyGoalAndTakenID(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, nil)

	_, err := h.m.Submit(context.Background(), api.CreateTaskRequest{Goal: "   "})
	assert.ErrorIs(t, err, ErrEmptyGoal)

	resp, err := h.m.Submit(context.Background(), api.CreateTaskRequest{TaskID: 500, Goal: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), resp.ID)
	_, err = h.m.Submit(context.Background(), api.CreateTaskRequest{TaskID: 500, Goal: "y"})
	assert.ErrorIs(t, err, store.ErrExists)
}

func TestSubmit_EnvironmentFailureFailsTask(t *testing.T) {
	model := &scriptedModel{}
	h := newHarness(t, model, &fakeEnv{err: errors.New("probe exploded")})

	resp, err := h.m.Submit(context.Background(), api.CreateTaskRequest{Goal: "x"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "probe exploded")

	hist, err := h.store.ListHistory(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, api.StatusFailed, hist[0].Status)
	assert.Equal(t, 0, model.calls())
}

func TestSelfUpdateAppliesAndRestarts(t *testing.T) {
	model := &scriptedModel{replies: []string{"#SELFUPDATE\nprint('v2')"}}
	h := newHarness(t, model, nil)

	id := h.submit(t, "upgrade yourself")
	task := h.waitStatus(t, id, api.StatusRestarting)

	require.Eventually(t, func() bool {
		h.updater.mu.Lock()
		defer h.updater.mu.Unlock()
		return h.updater.restarts == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"print('v2')"}, h.updater.applied)
	assert.Contains(t, task.Output, "Restarting agent")

	hist, err := h.store.ListHistory(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, api.StatusRestarting, hist[0].Status)
}

func TestSelfUpdateApplyFailureContinues(t *testing.T) {
	model := &scriptedModel{replies: []string{"#SELFUPDATE\nprint('v2')", "#DONE"}}
	h := newHarness(t, model, nil)
	h.updater.mu.Lock()
	h.updater.err = errors.New("self-update disabled")
	h.updater.mu.Unlock()

	id := h.submit(t, "upgrade yourself")
	task := h.waitStatus(t, id, api.StatusCompleted)

	assert.Contains(t, task.Output, "Self-update failed: self-update disabled")
	assert.Contains(t, model.lastPrompt(1), "Self-update failed: self-update disabled")

	h.updater.mu.Lock()
	assert.Zero(t, h.updater.restarts)
	h.updater.mu.Unlock()

	entries, err := h.store.ListAudit(context.Background(), id, 0)
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, string(audit.SystemError))
	assert.NotContains(t, kinds, string(audit.SelfUpdate))
}

func TestSelfUpdateRestartFailureRollsBack(t *testing.T) {
	model := &scriptedModel{replies: []string{"#SELFUPDATE\nprint('v2')", "#DONE"}}
	h := newHarness(t, model, nil)
	h.updater.mu.Lock()
	h.updater.restartErr = errors.New("exec format error")
	h.updater.mu.Unlock()
	sub := h.hub.Subscribe()
	defer sub.Close()

	id := h.submit(t, "upgrade yourself")
	task := h.waitStatus(t, id, api.StatusCompleted)

	h.updater.mu.Lock()
	assert.Equal(t, 1, h.updater.restarts)
	assert.Equal(t, []string{"/srv/primed.bak.1"}, h.updater.rollbacks)
	h.updater.mu.Unlock()
	assert.Contains(t, task.Output, "Restarting agent")
	assert.Contains(t, task.Output, "Self-update failed: exec format error")
	assert.Contains(t, model.lastPrompt(1), "Self-update failed: exec format error")

	var statuses []api.TaskStatus
	require.Eventually(t, func() bool {
		for len(sub.Events()) > 0 {
			statuses = append(statuses, (<-sub.Events()).Status)
		}
		return len(statuses) > 0 && statuses[len(statuses)-1] == api.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, statuses, api.StatusRestarting)
	assert.Contains(t, statuses, api.StatusRunning)

	hist := h.waitHistory(t, 2)
	assert.Equal(t, api.StatusCompleted, hist[0].Status)
}

func TestSelfUpdateRejected(t *testing.T) {
	model := &scriptedModel{replies: []string{"#SELFUPDATE\n__import__('os').system('reboot')", "#DONE"}}
	h := newHarness(t, model, nil)

	id := h.submit(t, "upgrade yourself")
	h.waitStatus(t, id, api.StatusCompleted)
	assert.Empty(t, h.updater.applied)
	assert.Contains(t, model.lastPrompt(1), "Self-update was rejected: indirect os.system call")
}

func TestStepSpans(t *testing.T) {
	model := &scriptedModel{replies: []string{"#SH\nls", "#DONE"}}
	h := newHarness(t, model, nil)

	id := h.submit(t, "trace me")
	h.waitStatus(t, id, api.StatusCompleted)

	require.Eventually(t, func() bool { return len(h.spans.Ended()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	for _, s := range h.spans.Ended() {
		assert.Equal(t, "prime.step", s.Name())
		found := false
		for _, kv := range s.Attributes() {
			if string(kv.Key) == "task.id" {
				found = true
				assert.Equal(t, id, kv.Value.AsInt64())
			}
		}
		assert.True(t, found)
		require.NotEmpty(t, s.Events())
		assert.Equal(t, "directive.parsed", s.Events()[0].Name)
	}
}

func TestGet_FallsBackToStore(t *testing.T) {
	h := newHarness(t, &scriptedModel{}, nil)

	created, err := h.store.CreateTask(context.Background(), 0, "from an earlier run", api.StatusFailed)
	require.NoError(t, err)

	v, err := h.m.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, v.Active)
	assert.Equal(t, notInMemoryNote, v.Note)

	_, err = h.m.Get(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
