package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/throw-if-null/prime/internal/agent"
	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/llm"
	"github.com/throw-if-null/prime/internal/paths"
	"github.com/throw-if-null/prime/internal/server"
	"github.com/throw-if-null/prime/internal/store"
)

type fakeTasks struct {
	mu        sync.Mutex
	tasks     map[int64]api.Task
	submitted []api.CreateTaskRequest
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: map[int64]api.Task{
		100000001: {ID: 100000001, Goal: "list", Status: api.StatusRunning, Step: 1},
	}}
}

func (f *fakeTasks) Submit(_ context.Context, req api.CreateTaskRequest) (api.CreateTaskResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(req.Goal) == "" {
		return api.CreateTaskResponse{}, agent.ErrEmptyGoal
	}
	if _, ok := f.tasks[req.TaskID]; ok {
		return api.CreateTaskResponse{}, store.ErrExists
	}
	f.submitted = append(f.submitted, req)
	return api.CreateTaskResponse{ID: 100000002, Status: api.StatusPrompting}, nil
}

func (f *fakeTasks) Cancel(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status.Terminal() {
		return agent.ErrNotActive
	}
	t.Status = api.StatusCancelled
	f.tasks[id] = t
	return nil
}

func (f *fakeTasks) Get(_ context.Context, id int64) (api.TaskView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return api.TaskView{}, store.ErrNotFound
	}
	return api.TaskView{Task: t, Active: true}, nil
}

func (f *fakeTasks) List() []api.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeTasks) Active() int { return 1 }

type fakeStore struct {
	tail int
}

func (f *fakeStore) ListAudit(_ context.Context, taskID int64, tail int) ([]api.AuditEntry, error) {
	f.tail = tail
	return []api.AuditEntry{{ID: 1, TaskID: taskID, Kind: "user_to_system", Content: "list"}}, nil
}

func (f *fakeStore) ListHistory(_ context.Context, limit, offset int) ([]api.HistoryEntry, error) {
	if offset > 0 {
		return nil, nil
	}
	return []api.HistoryEntry{{ID: 1, TaskID: 100000001, Goal: "list", Status: api.StatusCompleted}}, nil
}

func newTestServer(t *testing.T, provider llm.Provider) (*httptest.Server, *fakeTasks, *fakeStore, string) {
	t.Helper()
	root := t.TempDir()
	tasks := newFakeTasks()
	st := &fakeStore{}
	srv := server.New(tasks, st, provider, "gemma3", nil, root, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tasks, st, root
}

func TestSubmitGoal(t *testing.T) {
	ts, tasks, _, _ := newTestServer(t, nil)

	res, err := http.Post(ts.URL+"/v1/goals", "application/json", strings.NewReader(`{"goal":"install nginx"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %v", res.Status)
	}
	var resp api.CreateTaskResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != 100000002 || resp.Status != api.StatusPrompting {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(tasks.submitted) != 1 || tasks.submitted[0].Goal != "install nginx" {
		t.Fatalf("submitted = %+v", tasks.submitted)
	}
}

func TestSubmitGoal_Validation(t *testing.T) {
	ts, _, _, _ := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty goal", `{"goal":"  "}`, http.StatusBadRequest},
		{"negative id", `{"goal":"x","task_id":-4}`, http.StatusBadRequest},
		{"taken id", `{"goal":"x","task_id":100000001}`, http.StatusConflict},
	}
	for _, tc := range cases {
		res, err := http.Post(ts.URL+"/v1/goals", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: post: %v", tc.name, err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, res.StatusCode, tc.want)
		}
	}
}

func TestGetAndCancelTask(t *testing.T) {
	ts, _, _, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/tasks/100000001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var v api.TaskView
	_ = json.NewDecoder(res.Body).Decode(&v)
	res.Body.Close()
	if v.ID != 100000001 || !v.Active {
		t.Fatalf("unexpected task: %+v", v)
	}

	for path, want := range map[string]int{
		"/v1/tasks/abc":       http.StatusBadRequest,
		"/v1/tasks/999999999": http.StatusNotFound,
	} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Fatalf("%s: status = %d, want %d", path, res.StatusCode, want)
		}
	}

	res, err = http.Post(ts.URL+"/v1/tasks/100000001/cancel", "", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %v", res.Status)
	}

	res, err = http.Post(ts.URL+"/v1/tasks/100000001/cancel", "", nil)
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel status = %v", res.Status)
	}
}

func TestListTasks(t *testing.T) {
	ts, _, _, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	var tasks []api.Task
	if err := json.NewDecoder(res.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestTaskLogs(t *testing.T) {
	ts, _, st, root := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/tasks/100000001/logs?tail=5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var entries []api.AuditEntry
	_ = json.NewDecoder(res.Body).Decode(&entries)
	res.Body.Close()
	if len(entries) != 1 || st.tail != 5 {
		t.Fatalf("entries=%+v tail=%d", entries, st.tail)
	}

	res, err = http.Get(ts.URL + "/v1/tasks/100000001/logs?tail=-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative tail status = %v", res.Status)
	}

	dir := filepath.Join(root, filepath.FromSlash(paths.TaskLogDir(100000001)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	name := "100000001_20240101000000.000000_user_to_system.md"
	if err := os.WriteFile(filepath.Join(dir, name), []byte("# Task 100000001 - User To System\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err = http.Get(ts.URL + "/v1/tasks/100000001/logs/" + name)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || !bytes.HasPrefix(body, []byte("# Task 100000001")) {
		t.Fatalf("status=%v body=%q", res.Status, body)
	}

	res, err = http.Get(ts.URL + "/v1/tasks/100000001/logs/missing.md")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing file status = %v", res.Status)
	}

	res, err = http.Get(ts.URL + "/v1/tasks/100000001/logs/bad%20name")
	if err != nil {
		t.Fatalf("get bad: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad name status = %v", res.Status)
	}
}

func TestHistory(t *testing.T) {
	ts, _, _, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/history?limit=10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var hist []api.HistoryEntry
	_ = json.NewDecoder(res.Body).Decode(&hist)
	res.Body.Close()
	if len(hist) != 1 || hist[0].Status != api.StatusCompleted {
		t.Fatalf("history = %+v", hist)
	}

	res, err = http.Get(ts.URL + "/v1/history?offset=5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}

	res, err = http.Get(ts.URL + "/v1/history?limit=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %v", res.Status)
	}
}

func TestStatus(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"gemma3"}]}`))
	}))
	defer ollama.Close()

	ts, _, _, _ := newTestServer(t, llm.NewOllama(ollama.URL, "gemma3", 0))
	res, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	var st api.StatusResponse
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Reachable || st.Provider != "ollama" || len(st.Models) != 1 || st.ActiveTasks != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestHealthz(t *testing.T) {
	ts, _, _, _ := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %v", res.Status)
	}
}
