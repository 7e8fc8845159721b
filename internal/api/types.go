package api

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8000
)

type TaskStatus string

const (
	StatusStarting     TaskStatus = "starting"
	StatusPrompting    TaskStatus = "prompting"
	StatusRunning      TaskStatus = "running"
	StatusWaiting      TaskStatus = "waiting"
	StatusAwaitingCode TaskStatus = "awaiting_code"
	StatusRestarting   TaskStatus = "restarting"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether no further steps may be scheduled for a task in
// this status. Restarting counts as terminal: the process image is replaced.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRestarting:
		return true
	}
	return false
}

type Task struct {
	ID          int64        `json:"id"`
	Goal        string       `json:"goal"`
	Status      TaskStatus   `json:"status"`
	Step        int          `json:"step"`
	WaitSeconds int          `json:"wait_seconds,omitempty"`
	Output      string       `json:"output"`
	Environment *Environment `json:"environment,omitempty"`
	StartedAt   string       `json:"started_at"`
	UpdatedAt   string       `json:"updated_at"`
}

// TaskView is what task queries return. Note is set when the task is not
// held in memory and only durable data could be served.
type TaskView struct {
	Task
	Active bool   `json:"active"`
	Note   string `json:"note,omitempty"`
}

type CreateTaskRequest struct {
	TaskID int64  `json:"task_id,omitempty"`
	Goal   string `json:"goal"`
}

type CreateTaskResponse struct {
	ID     int64      `json:"id"`
	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Environment is a point-in-time snapshot of host facts.
type Environment struct {
	User          string          `json:"user"`
	IsRoot        bool            `json:"is_root"`
	OSInfo        string          `json:"os_info"`
	Kernel        string          `json:"kernel"`
	FreeDisk      string          `json:"free_disk_space"`
	Memory        string          `json:"memory"`
	CPU           string          `json:"cpu"`
	Commands      map[string]bool `json:"available_commands"`
	WorkingDir    string          `json:"working_dir"`
	DockerStatus  string          `json:"docker_status"`
	DockerRunning string          `json:"docker_running,omitempty"`
	DockerVersion string          `json:"docker_version,omitempty"`
	IPAddress     string          `json:"ip_address"`
	Hostname      string          `json:"hostname"`
	CapturedAt    string          `json:"captured_at"`
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged chat message sent to the language model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turn is one persisted prompt or reply in a task's conversation.
type Turn struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type HistoryEntry struct {
	ID              int64      `json:"id"`
	TaskID          int64      `json:"task_id"`
	Goal            string     `json:"goal"`
	Status          TaskStatus `json:"status"`
	Output          string     `json:"output"`
	DurationSeconds int64      `json:"duration_seconds"`
	CreatedAt       string     `json:"created_at"`
}

type AuditEntry struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Filename  string `json:"filename,omitempty"`
	CreatedAt string `json:"created_at"`
}

type EventType string

const (
	EventTaskUpdate   EventType = "task_update"
	EventTaskComplete EventType = "task_complete"
)

// Event is pushed to live-update subscribers on every task state change.
type Event struct {
	Type   EventType  `json:"type"`
	ID     int64      `json:"id"`
	Status TaskStatus `json:"status"`
	Output string     `json:"output"`
	Step   int        `json:"step"`
}

type StatusResponse struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Reachable   bool     `json:"reachable"`
	Models      []string `json:"models,omitempty"`
	Error       string   `json:"error,omitempty"`
	ActiveTasks int      `json:"active_tasks"`
}
