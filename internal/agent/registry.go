package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/throw-if-null/prime/internal/api"
)

type entry struct {
	task    api.Task
	started time.Time
	// prompt is the next message to send to the model.
	prompt string
	// inflight is set while a worker runs a step of the task.
	inflight bool
}

// Registry holds the tasks this process is driving. Readers get copies;
// every mutation goes through the registry lock.
type Registry struct {
	mu    sync.RWMutex
	tasks map[int64]*entry
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[int64]*entry)}
}

func (r *Registry) Put(t api.Task, started time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = &entry{task: t, started: started}
}

func (r *Registry) Get(id int64) (api.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return api.Task{}, false
	}
	return e.task, true
}

func (r *Registry) Started(id int64) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return e.started, true
}

// Update applies fn to the task under the lock. fn reports whether it
// changed anything; the returned task is a copy of the result.
func (r *Registry) Update(id int64, fn func(t *api.Task) bool) (api.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return api.Task{}, false
	}
	changed := fn(&e.task)
	return e.task, changed
}

// SetPrompt stores the next prompt. It fails once the task is terminal.
func (r *Registry) SetPrompt(id int64, prompt string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok || e.task.Status.Terminal() {
		return false
	}
	e.prompt = prompt
	return true
}

func (r *Registry) Prompt(id int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tasks[id]; ok {
		return e.prompt
	}
	return ""
}

// Claim marks a step of the task in flight. It fails if one already is.
func (r *Registry) Claim(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok || e.inflight {
		return false
	}
	e.inflight = true
	return true
}

func (r *Registry) Release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tasks[id]; ok {
		e.inflight = false
	}
}

// List returns every registered task ordered by id.
func (r *Registry) List() []api.Task {
	r.mu.RLock()
	out := make([]api.Task, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.task)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active counts registered tasks that have not reached a terminal status.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.tasks {
		if !e.task.Status.Terminal() {
			n++
		}
	}
	return n
}

// TaskGetter reads a task from durable storage.
type TaskGetter interface {
	GetTask(ctx context.Context, id int64) (*api.Task, error)
}

// StatusResolver answers status lookups from the registry first and from
// the store for tasks this process no longer holds.
type StatusResolver struct {
	reg   *Registry
	store TaskGetter
}

func NewStatusResolver(reg *Registry, s TaskGetter) *StatusResolver {
	return &StatusResolver{reg: reg, store: s}
}

func (s *StatusResolver) TaskStatus(id int64) (api.TaskStatus, bool) {
	if t, ok := s.reg.Get(id); ok {
		return t.Status, true
	}
	if s.store == nil {
		return "", false
	}
	t, err := s.store.GetTask(context.Background(), id)
	if err != nil {
		return "", false
	}
	return t.Status, true
}
