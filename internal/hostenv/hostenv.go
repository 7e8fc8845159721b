// Package hostenv captures point-in-time facts about the host the agent
// runs on.
package hostenv

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/runner"
)

const probeTimeout = 10 * time.Second

// Prober captures environment snapshots. Fields that cannot be determined
// are reported as "unknown" rather than failing the capture.
type Prober struct {
	runner   runner.CommandRunner
	commands []string
	logger   *zap.Logger

	// overridable in tests
	getwd     func() (string, error)
	hostname  func() (string, error)
	geteuid   func() int
	osRelease string
	cpuInfo   string
	now       func() time.Time
}

func NewProber(r runner.CommandRunner, commands []string, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		runner:    r,
		commands:  commands,
		logger:    logger.Named("hostenv"),
		getwd:     os.Getwd,
		hostname:  os.Hostname,
		geteuid:   os.Geteuid,
		osRelease: "/etc/os-release",
		cpuInfo:   "/proc/cpuinfo",
		now:       time.Now,
	}
}

// Capture returns a fresh snapshot. It fails only when ctx is done.
func (p *Prober) Capture(ctx context.Context) (*api.Environment, error) {
	env := &api.Environment{
		User:       p.userName(),
		IsRoot:     p.geteuid() == 0,
		OSInfo:     p.osInfo(),
		Kernel:     p.probe(ctx, "uname -r", firstLine),
		FreeDisk:   p.probe(ctx, "df -h /", lastLine),
		Memory:     p.probe(ctx, "free -h", memLine),
		CPU:        p.cpuModel(),
		Commands:   make(map[string]bool, len(p.commands)),
		WorkingDir: unknownOnError(p.getwd()),
		IPAddress:  ipAddress(),
		Hostname:   unknownOnError(p.hostname()),
		CapturedAt: p.now().UTC().Format(time.RFC3339Nano),
	}
	for _, c := range p.commands {
		env.Commands[c] = p.CommandAvailable(ctx, c)
	}

	env.DockerStatus = "not installed"
	docker, probed := env.Commands["docker"]
	if !probed {
		docker = p.CommandAvailable(ctx, "docker")
	}
	if docker {
		env.DockerStatus = "installed"
		env.DockerRunning = "no"
		if p.succeeds(ctx, "docker info") {
			env.DockerRunning = "yes"
		}
		env.DockerVersion = p.probe(ctx, "docker --version", firstLine)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture environment: %w", err)
	}
	return env, nil
}

// CommandAvailable reports whether name resolves in the shell, including
// shell builtins and functions.
func (p *Prober) CommandAvailable(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var out bytes.Buffer
	code, err := p.runner.Run(ctx, "", []string{"sh", "-c", `command -v "$1"`, "sh", name}, nil, &out, &out)
	return err == nil && code == 0
}

func (p *Prober) succeeds(ctx context.Context, script string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var out bytes.Buffer
	code, err := p.runner.Run(ctx, "", []string{"sh", "-c", script}, nil, &out, &out)
	return err == nil && code == 0
}

func (p *Prober) probe(ctx context.Context, script string, pick func(string) string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code, err := p.runner.Run(ctx, "", []string{"sh", "-c", script}, nil, &stdout, &stderr)
	if err != nil || code != 0 {
		p.logger.Debug("probe failed", zap.String("script", script), zap.Int("exit_code", code), zap.Error(err))
		return "unknown"
	}
	if v := pick(stdout.String()); v != "" {
		return v
	}
	return "unknown"
}

func (p *Prober) userName() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}

func (p *Prober) osInfo() string {
	b, err := os.ReadFile(p.osRelease)
	if err == nil {
		sc := bufio.NewScanner(bytes.NewReader(b))
		for sc.Scan() {
			if v, ok := strings.CutPrefix(sc.Text(), "PRETTY_NAME="); ok {
				if uq, err := strconv.Unquote(v); err == nil {
					return uq
				}
				return strings.Trim(v, `"'`)
			}
		}
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}

func (p *Prober) cpuModel() string {
	b, err := os.ReadFile(p.cpuInfo)
	if err != nil {
		return fmt.Sprintf("%d cpus", runtime.NumCPU())
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.TrimSpace(k) == "model name" {
			return fmt.Sprintf("%s (%d cpus)", strings.TrimSpace(v), runtime.NumCPU())
		}
	}
	return fmt.Sprintf("%d cpus", runtime.NumCPU())
}

func ipAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() || ipn.IP.To4() == nil {
			continue
		}
		return ipn.IP.String()
	}
	return "unknown"
}

func unknownOnError(v string, err error) string {
	if err != nil || v == "" {
		return "unknown"
	}
	return v
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.Join(strings.Fields(s), " ")
}

func memLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "Mem:") {
			return strings.Join(strings.Fields(line), " ")
		}
	}
	return ""
}

// Split returns the probed commands partitioned by availability, each sorted.
func Split(env *api.Environment) (available, unavailable []string) {
	if env == nil {
		return nil, nil
	}
	for c, ok := range env.Commands {
		if ok {
			available = append(available, c)
		} else {
			unavailable = append(unavailable, c)
		}
	}
	sort.Strings(available)
	sort.Strings(unavailable)
	return available, unavailable
}

// Report renders env as the text returned by the get_environment built-in.
func Report(env *api.Environment) string {
	if env == nil {
		return "Environment Information: unavailable"
	}
	var b strings.Builder
	b.WriteString("Environment Information:\n")
	line := func(k, v string) { fmt.Fprintf(&b, "- %s: %s\n", k, v) }
	line("user", env.User)
	line("is_root", strconv.FormatBool(env.IsRoot))
	line("os_info", env.OSInfo)
	line("kernel", env.Kernel)
	line("free_disk_space", env.FreeDisk)
	line("memory", env.Memory)
	line("cpu", env.CPU)
	b.WriteString("- available_commands:\n")
	names := make([]string, 0, len(env.Commands))
	for c := range env.Commands {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		status := "not available"
		if env.Commands[c] {
			status = "available"
		}
		fmt.Fprintf(&b, "  - %s: %s\n", c, status)
	}
	line("working_dir", env.WorkingDir)
	line("docker_status", env.DockerStatus)
	if env.DockerStatus == "installed" {
		line("docker_running", env.DockerRunning)
		line("docker_version", env.DockerVersion)
	}
	line("ip_address", env.IPAddress)
	line("hostname", env.Hostname)
	return strings.TrimRight(b.String(), "\n")
}
