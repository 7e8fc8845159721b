package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/paths"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	LLM         LLMConfig         `toml:"llm"`
	Tasks       TasksConfig       `toml:"tasks"`
	Exec        ExecConfig        `toml:"exec"`
	SelfUpdate  SelfUpdateConfig  `toml:"self_update"`
	Environment EnvironmentConfig `toml:"environment"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type LLMConfig struct {
	// Provider is "ollama" or any provider name understood by gollm
	// (openai, anthropic, groq, mistral, ...).
	Provider              string `toml:"provider"`
	BaseURL               string `toml:"base_url"`
	Model                 string `toml:"model"`
	APIKey                string `toml:"api_key"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	MaxAttempts           int    `toml:"max_attempts"`
	RetryDelaySeconds     int    `toml:"retry_delay_seconds"`
	MaxContextTokens      int    `toml:"max_context_tokens"`
	MaxTokens             int    `toml:"max_tokens"`
}

type TasksConfig struct {
	BaseID     int64 `toml:"base_id"`
	// Workers bounds how many tasks may be waiting on the model at once.
	Workers    int   `toml:"workers"`
	HistoryCap int   `toml:"history_cap"`
}

type ExecConfig struct {
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	Shell             string `toml:"shell"`
	ScriptInterpreter string `toml:"script_interpreter"`
	ScriptExtension   string `toml:"script_extension"`
	WorkDir           string `toml:"work_dir"`
	OutputLimit       int    `toml:"output_limit"`
	ReadLimit         int    `toml:"read_limit"`
	MaxWaitSeconds    int    `toml:"max_wait_seconds"`
	// KillProcessGroup kills every descendant of a timed-out command,
	// not only the direct child.
	KillProcessGroup bool `toml:"kill_process_group"`
}

type SelfUpdateConfig struct {
	Disabled bool `toml:"disabled"`
	// Program is the script replaced by a self-update payload and
	// Interpreter runs it on restart. Self-update stays off until both are
	// set.
	Program     string `toml:"program"`
	Interpreter string `toml:"interpreter"`
}

type EnvironmentConfig struct {
	ProbeCommands []string `toml:"probe_commands"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Host: api.DefaultHost, Port: api.DefaultPort},
		LLM: LLMConfig{
			Provider:              "ollama",
			BaseURL:               "http://127.0.0.1:11434",
			Model:                 "gemma3",
			RequestTimeoutSeconds: 600,
			MaxAttempts:           3,
			RetryDelaySeconds:     5,
			MaxContextTokens:      4000,
			MaxTokens:             4096,
		},
		Tasks: TasksConfig{BaseID: 100000001, Workers: 4, HistoryCap: 100000},
		Exec: ExecConfig{
			TimeoutSeconds:    300,
			Shell:             "/bin/sh",
			ScriptInterpreter: "python3",
			ScriptExtension:   ".py",
			OutputLimit:       4000,
			ReadLimit:         4000,
			MaxWaitSeconds:    60,
		},
		Environment: EnvironmentConfig{ProbeCommands: []string{"apt", "apt-get", "yum", "dnf", "pip", "python", "docker", "sudo"}},
		Logging:     LoggingConfig{Level: "info", Format: "console"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

func Load(root string) LoadResult {
	res := LoadResult{Config: withRoot(Default(), root)}
	path := paths.ConfigPath(root)
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = withRoot(merge(Default(), parsed), root)
	return res
}

// withRoot resolves relative paths in cfg against root.
func withRoot(cfg Config, root string) Config {
	if cfg.Exec.WorkDir == "" {
		cfg.Exec.WorkDir = paths.DataDir(root)
	} else if !filepath.IsAbs(cfg.Exec.WorkDir) {
		cfg.Exec.WorkDir = filepath.Join(root, cfg.Exec.WorkDir)
	}
	return cfg
}

// ApplyEnv overlays the process environment onto cfg. Unparseable numeric
// values are reported and leave the configured value untouched.
func ApplyEnv(cfg Config, getenv func(string) string) (Config, error) {
	var errs []error
	if v := getenv("OLLAMA_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := getenv("OLLAMA_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := getenv("PRIME_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := getenv("PRIME_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv("PRIME_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := getenv("PRIME_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%w: PRIME_PORT=%q", ErrInvalid, v))
		} else {
			cfg.Server.Port = p
		}
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	return cfg, errors.Join(errs...)
}

func (c LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c LLMConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c ExecConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ExecConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	// LLM
	if cfg.LLM.Provider != "" {
		def.LLM.Provider = cfg.LLM.Provider
	}
	if cfg.LLM.BaseURL != "" {
		def.LLM.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.Model != "" {
		def.LLM.Model = cfg.LLM.Model
	}
	if cfg.LLM.APIKey != "" {
		def.LLM.APIKey = cfg.LLM.APIKey
	}
	if cfg.LLM.RequestTimeoutSeconds != 0 {
		def.LLM.RequestTimeoutSeconds = cfg.LLM.RequestTimeoutSeconds
	}
	if cfg.LLM.MaxAttempts != 0 {
		def.LLM.MaxAttempts = cfg.LLM.MaxAttempts
	}
	if cfg.LLM.RetryDelaySeconds != 0 {
		def.LLM.RetryDelaySeconds = cfg.LLM.RetryDelaySeconds
	}
	if cfg.LLM.MaxContextTokens != 0 {
		def.LLM.MaxContextTokens = cfg.LLM.MaxContextTokens
	}
	if cfg.LLM.MaxTokens != 0 {
		def.LLM.MaxTokens = cfg.LLM.MaxTokens
	}
	// Tasks
	if cfg.Tasks.BaseID != 0 {
		def.Tasks.BaseID = cfg.Tasks.BaseID
	}
	if cfg.Tasks.Workers != 0 {
		def.Tasks.Workers = cfg.Tasks.Workers
	}
	if cfg.Tasks.HistoryCap != 0 {
		def.Tasks.HistoryCap = cfg.Tasks.HistoryCap
	}
	// Exec
	if cfg.Exec.TimeoutSeconds != 0 {
		def.Exec.TimeoutSeconds = cfg.Exec.TimeoutSeconds
	}
	if cfg.Exec.Shell != "" {
		def.Exec.Shell = cfg.Exec.Shell
	}
	if cfg.Exec.ScriptInterpreter != "" {
		def.Exec.ScriptInterpreter = cfg.Exec.ScriptInterpreter
	}
	if cfg.Exec.ScriptExtension != "" {
		def.Exec.ScriptExtension = cfg.Exec.ScriptExtension
	}
	if cfg.Exec.WorkDir != "" {
		def.Exec.WorkDir = cfg.Exec.WorkDir
	}
	if cfg.Exec.OutputLimit != 0 {
		def.Exec.OutputLimit = cfg.Exec.OutputLimit
	}
	if cfg.Exec.ReadLimit != 0 {
		def.Exec.ReadLimit = cfg.Exec.ReadLimit
	}
	if cfg.Exec.MaxWaitSeconds != 0 {
		def.Exec.MaxWaitSeconds = cfg.Exec.MaxWaitSeconds
	}
	def.Exec.KillProcessGroup = cfg.Exec.KillProcessGroup
	// SelfUpdate
	def.SelfUpdate.Disabled = cfg.SelfUpdate.Disabled
	if cfg.SelfUpdate.Program != "" {
		def.SelfUpdate.Program = cfg.SelfUpdate.Program
	}
	if cfg.SelfUpdate.Interpreter != "" {
		def.SelfUpdate.Interpreter = cfg.SelfUpdate.Interpreter
	}
	// Environment
	if len(cfg.Environment.ProbeCommands) != 0 {
		def.Environment.ProbeCommands = cfg.Environment.ProbeCommands
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	// Logging
	if cfg.Logging.Level != "" {
		def.Logging.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		def.Logging.Format = cfg.Logging.Format
	}
	return def
}
