package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DataDirName is the per-root directory holding the database, config and logs.
const DataDirName = ".prime"

var (
	// ErrInvalidTaskID returned when task id fails validation
	ErrInvalidTaskID = errors.New("invalid task id")
	// ErrInvalidLogName returned when an audit log file name fails validation
	ErrInvalidLogName = errors.New("invalid log file name")
)

const maxLogNameLen = 128

var logNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxLogNameLen) + `}$`)

// ParseTaskID parses a decimal task id. Ids are positive.
func ParseTaskID(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty task id: %w", ErrInvalidTaskID)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("task id %q: %w", s, ErrInvalidTaskID)
	}
	return id, nil
}

// ValidateLogName returns nil for allowed audit log file names.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 128.
// - Disallow any ".." substring to avoid traversal attempts.
func ValidateLogName(name string) error {
	if name == "" {
		return fmt.Errorf("empty log name: %w", ErrInvalidLogName)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("log name contains disallowed '..': %w", ErrInvalidLogName)
	}
	if !logNameRe.MatchString(name) {
		return fmt.Errorf("log name contains invalid characters: %w", ErrInvalidLogName)
	}
	return nil
}

func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

func DBPath(root string) string {
	return filepath.Join(root, DataDirName, "prime.db")
}

func ConfigPath(root string) string {
	return filepath.Join(root, DataDirName, "config.toml")
}

func EnvPath(root string) string {
	return filepath.Join(root, ".env")
}

// TaskLogDir returns the relative audit log directory for a task (e.g. ".prime/logs/tasks/<id>").
func TaskLogDir(taskID int64) string {
	return filepath.ToSlash(filepath.Join(DataDirName, "logs", "tasks", strconv.FormatInt(taskID, 10)))
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if inputs are absolute in unexpected ways.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	// If rel is absolute, joining will return rel; treat absolute rel as disallowed.
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	cleaned := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
