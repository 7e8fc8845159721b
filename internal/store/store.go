package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/truncate"

	_ "modernc.org/sqlite"
)

const (
	DefaultBaseID     int64 = 100000001
	DefaultHistoryCap       = 100000

	crashNote = "crash recovery: daemon restart"
)

type Store struct {
	db *sql.DB

	// mu serializes id allocation so concurrent submissions never race
	// between reading MAX(id) and inserting.
	mu         sync.Mutex
	baseID     int64
	historyCap int
}

var ErrNotFound = errors.New("not found")

var ErrExists = errors.New("already exists")

type Option func(*Store)

// WithBaseID sets the id given to the first task of an empty store.
func WithBaseID(id int64) Option {
	return func(s *Store) {
		if id > 0 {
			s.baseID = id
		}
	}
}

// WithHistoryCap sets the character cap applied to history output.
func WithHistoryCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, baseID: DefaultBaseID, historyCap: DefaultHistoryCap}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens the sqlite database at path, creating its directory. The pool
// is limited to one connection; never call s.db while a tx is open.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	stmts := []string{`
CREATE TABLE IF NOT EXISTS tasks (
  id INTEGER PRIMARY KEY,
  goal TEXT NOT NULL,
  status TEXT NOT NULL,
  step INTEGER NOT NULL DEFAULT 0,
  output TEXT NOT NULL DEFAULT '',
  environment TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL REFERENCES tasks(id),
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TEXT NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS turns_task ON turns(task_id, id);`, `
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL,
  kind TEXT NOT NULL,
  content TEXT NOT NULL,
  filename TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS audit_task ON audit_log(task_id, id);`, `
CREATE TABLE IF NOT EXISTS history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL,
  goal TEXT NOT NULL,
  status TEXT NOT NULL,
  output TEXT NOT NULL,
  duration_seconds INTEGER NOT NULL,
  created_at TEXT NOT NULL
);`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateTask inserts a new task. A positive requestedID is used as is and
// fails with ErrExists when taken; otherwise the next sequential id is
// allocated: the base id for an empty store, else MAX(id)+1.
func (s *Store) CreateTask(ctx context.Context, requestedID int64, goal string, status api.TaskStatus) (*api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	id := requestedID
	if id <= 0 {
		if id, err = s.nextID(ctx, tx); err != nil {
			return nil, err
		}
	}

	ts := now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, goal, status, step, output, created_at, updated_at) VALUES (?, ?, ?, 0, '', ?, ?)`,
		id, goal, string(status), ts, ts,
	); err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("task %d: %w", id, ErrExists)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &api.Task{ID: id, Goal: goal, Status: status, StartedAt: ts, UpdatedAt: ts}, nil
}

// NextTaskID returns the id the next unassigned submission would receive.
func (s *Store) NextTaskID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID(ctx, s.db)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) nextID(ctx context.Context, q querier) (int64, error) {
	var maxID sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(id) FROM tasks`).Scan(&maxID); err != nil {
		return 0, err
	}
	if !maxID.Valid || maxID.Int64 < s.baseID {
		return s.baseID, nil
	}
	return maxID.Int64 + 1, nil
}

const taskColumns = `id, goal, status, step, output, COALESCE(environment, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*api.Task, error) {
	var t api.Task
	var status, env string
	if err := row.Scan(&t.ID, &t.Goal, &status, &t.Step, &t.Output, &env, &t.StartedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = api.TaskStatus(status)
	if env != "" {
		var e api.Environment
		if err := json.Unmarshal([]byte(env), &e); err == nil {
			t.Environment = &e
		}
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*api.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks ordered newest first. If limit <= 0, return all.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*api.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks ORDER BY id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		q = q + ` LIMIT ?`
		rows, err = s.db.QueryContext(ctx, q, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask persists status, step, output and environment of t.
func (s *Store) UpdateTask(ctx context.Context, t api.Task) error {
	var env any
	if t.Environment != nil {
		b, err := json.Marshal(t.Environment)
		if err != nil {
			return err
		}
		env = string(b)
	}
	return s.execRetry(ctx,
		`UPDATE tasks SET status = ?, step = ?, output = ?, environment = COALESCE(?, environment), updated_at = ? WHERE id = ?`,
		string(t.Status), t.Step, t.Output, env, now(), t.ID,
	)
}

// execRetry retries on SQLITE_BUSY to avoid transient contention dropping
// a state change.
func (s *Store) execRetry(ctx context.Context, q string, args ...any) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err == nil {
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
			return nil
		}
		lastErr = err
		if isSqliteBusy(err) {
			time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

func (s *Store) AppendTurn(ctx context.Context, taskID int64, role api.Role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (task_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		taskID, string(role), content, now())
	return err
}

// ListTurns returns a task's turns in insertion order.
func (s *Store) ListTurns(ctx context.Context, taskID int64) ([]api.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, role, content, created_at FROM turns WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Turn
	for rows.Next() {
		var t api.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.TaskID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = api.Role(role)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, e api.AuditEntry) (int64, error) {
	if e.CreatedAt == "" {
		e.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (task_id, kind, content, filename, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, e.Kind, e.Content, e.Filename, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAudit returns a task's audit entries oldest first. When tail > 0 only
// the last tail entries are returned.
func (s *Store) ListAudit(ctx context.Context, taskID int64, tail int) ([]api.AuditEntry, error) {
	q := `SELECT id, task_id, kind, content, filename, created_at FROM audit_log WHERE task_id = ? ORDER BY id DESC`
	args := []any{taskID}
	if tail > 0 {
		q += ` LIMIT ?`
		args = append(args, tail)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.AuditEntry
	for rows.Next() {
		var e api.AuditEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Content, &e.Filename, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveHistory records a finished task. Output above the history cap keeps
// its head and tail.
func (s *Store) SaveHistory(ctx context.Context, e api.HistoryEntry) (int64, error) {
	e.Output = truncate.HeadTail(e.Output, s.historyCap, func(int) string { return "\n...[truncated]...\n" })
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (task_id, goal, status, output, duration_seconds, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Goal, string(e.Status), e.Output, e.DurationSeconds, now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListHistory returns history newest first.
func (s *Store) ListHistory(ctx context.Context, limit, offset int) ([]api.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, goal, status, output, duration_seconds, created_at FROM history ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEntry
	for rows.Next() {
		var e api.HistoryEntry
		var status string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Goal, &status, &e.Output, &e.DurationSeconds, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = api.TaskStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReconcileInFlight marks tasks left mid-loop by a daemon crash as failed.
// Restarting tasks are left alone: they ended with a deliberate re-exec.
// It is safe to run multiple times and returns the ids it changed.
func (s *Store) ReconcileInFlight(ctx context.Context) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inflight := []any{
		string(api.StatusStarting), string(api.StatusPrompting), string(api.StatusRunning),
		string(api.StatusWaiting), string(api.StatusAwaitingCode),
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(inflight)), ", ")
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN (`+marks+`) ORDER BY id`, inflight...)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ts := now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, output = output || ?, updated_at = ? WHERE id = ?`,
			string(api.StatusFailed), "\n"+crashNote, ts, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%p)", s)
}
