// Package prompt builds the text sent to the language model at each step of
// a task and trims replayed history to fit the context window.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/directive"
	"github.com/throw-if-null/prime/internal/hostenv"
	"github.com/throw-if-null/prime/internal/truncate"
)

// SystemInstruction is sent as the first message of every request.
const SystemInstruction = `You are an autonomous, root-capable agent running on a Linux system.
Return exactly one code block starting with #SH or #PY, or #DONE when finished,
or #SELFUPDATE followed by python code to replace the running agent program.
You can also use #CALL function_name(args) to call special functions.`

// TruncationNote is prepended to history that had to be shortened.
const TruncationNote = "Note: Earlier conversation history was truncated due to length."

const functionDirectory = `Available functions:
- #CALL read_file(path) - Read file content
- #CALL list_directory(path) - List directory contents
- #CALL check_status(task_id) - Check the status of a task
- #CALL wait(seconds) - Wait before continuing
- #CALL check_command(cmd) - Check if a command is available
- #CALL get_environment() - Get complete environment information`

const nextActions = `You can:
1. Execute another step with #SH or #PY
2. Call a function with #CALL
3. Finish with #DONE when complete`

// Composer renders prompts. OutputLimit caps the step output quoted back to
// the model; MaxContextTokens is the history ceiling.
type Composer struct {
	OutputLimit      int
	MaxContextTokens int
}

func New(outputLimit, maxContextTokens int) *Composer {
	return &Composer{OutputLimit: outputLimit, MaxContextTokens: maxContextTokens}
}

// Initial is the first prompt of a task.
func (c *Composer) Initial(goal string, env *api.Environment) string {
	available, unavailable := hostenv.Split(env)
	e := envOrUnknown(env)

	var b strings.Builder
	b.WriteString("I am an autonomous agent on a Linux system.\n\n")
	fmt.Fprintf(&b, "GOAL: %s\n\n", goal)
	b.WriteString("CURRENT ENVIRONMENT:\n")
	fmt.Fprintf(&b, "- User: %s\n", e.User)
	fmt.Fprintf(&b, "- Root privileges: %t\n", e.IsRoot)
	fmt.Fprintf(&b, "- OS: %s\n", e.OSInfo)
	fmt.Fprintf(&b, "- Working directory: %s\n", e.WorkingDir)
	fmt.Fprintf(&b, "- Available commands: %s\n", strings.Join(available, ", "))
	if len(unavailable) > 0 {
		fmt.Fprintf(&b, "- Unavailable commands: %s\n", strings.Join(unavailable, ", "))
	}
	if e.DockerStatus != "" {
		fmt.Fprintf(&b, "- Docker: %s\n", e.DockerStatus)
	}

	b.WriteString("\nCRITICAL INSTRUCTIONS:\n")
	if e.IsRoot {
		b.WriteString("1. YOU ARE RUNNING AS ROOT - NEVER USE SUDO!\n")
	} else {
		b.WriteString("1. Use sudo for privileged operations\n")
	}
	b.WriteString("2. Always verify commands exist before using them\n")
	b.WriteString("3. Return ONE code block per step, starting with:\n")
	b.WriteString("   - #SH for shell commands, OR\n")
	b.WriteString("   - #PY for Python code\n")
	b.WriteString("4. You can call special functions:\n")
	b.WriteString("   - #CALL read_file(path) - Read file content\n")
	b.WriteString("   - #CALL list_directory(path) - List directory contents (use quotes around path)\n")
	b.WriteString("   - #CALL check_status(task_id) - Check the status of a task\n")
	b.WriteString("   - #CALL wait(seconds) - Pause execution for a specified time\n")
	b.WriteString("   - #CALL check_command(cmd) - Check if a command exists\n")
	b.WriteString("   - #CALL get_environment() - Get detailed environment information\n")
	b.WriteString("5. Return #DONE when the goal is completed\n\n")
	b.WriteString("First, analyze the goal and break it down into executable steps.\n")
	return b.String()
}

// StepResult is the continuation prompt after a code block ran.
func (c *Composer) StepResult(goal string, step int, kind directive.Kind, output string, env *api.Environment) string {
	quoted := truncate.HeadTail(output, c.OutputLimit, func(total int) string {
		return fmt.Sprintf("\n...[output truncated, %d characters total]...\n", total)
	})
	return fmt.Sprintf("Output from step %d (%s):\n\n%s\n\nCurrent environment:\n%s\n\nContinue with the goal: %s\n\n%s\n\n%s\n",
		step, kind, quoted, EnvironmentSummary(env), goal, functionDirectory, nextActions)
}

func FunctionResults(goal string, results []string) string {
	return fmt.Sprintf("Function call results:\n%s\n\nContinue with the goal: %s\n\n%s\n\nUse #DONE when the goal is complete.\n",
		strings.Join(results, "\n"), goal, functionDirectory)
}

func WaitElapsed(goal string, seconds int) string {
	return fmt.Sprintf("The wait period of %d seconds has completed.\nPlease continue with the goal: %s\n\n%s\n\nUse #DONE when the goal is complete.\n",
		seconds, goal, functionDirectory)
}

func ValidationFailed(goal, reason string) string {
	return fmt.Sprintf("Code validation failed: %s\nPlease revise your approach and provide a safer solution.\n\nGoal: %s\n\n%s\n",
		reason, goal, functionDirectory)
}

func NoDirective(goal string) string {
	return fmt.Sprintf("I couldn't find any valid code blocks or function calls in your response.\n\n"+
		"Please provide a valid code block starting with #SH or #PY, or use #CALL to call a function.\n\nGoal: %s\n\n%s\n",
		goal, functionDirectory)
}

func SelfUpdateRejected(goal, reason string) string {
	return fmt.Sprintf("Self-update was rejected: %s\nPlease continue with the goal using standard code blocks instead of self-update.\n\nGoal: %s\n",
		reason, goal)
}

func SelfUpdateFailed(goal string, err error) string {
	return fmt.Sprintf("Self-update failed: %v\nPlease continue with the goal using standard code blocks instead of self-update.\n\nGoal: %s\n",
		err, goal)
}

// EnvironmentSummary is the short environment block of continuation prompts.
func EnvironmentSummary(env *api.Environment) string {
	e := envOrUnknown(env)
	lines := []string{
		"- user: " + e.User,
		fmt.Sprintf("- is_root: %t", e.IsRoot),
		"- os_info: " + e.OSInfo,
		"- working_dir: " + e.WorkingDir,
		"- docker_status: " + e.DockerStatus,
	}
	available, unavailable := hostenv.Split(env)
	if len(available) > 0 {
		lines = append(lines, "- Available commands: "+strings.Join(available, ", "))
	}
	if len(unavailable) > 0 {
		lines = append(lines, "- Unavailable commands: "+strings.Join(unavailable, ", "))
	}
	if e.DockerStatus == "installed" {
		lines = append(lines, "- Docker running: "+e.DockerRunning, "- Docker version: "+e.DockerVersion)
	}
	return strings.Join(lines, "\n")
}

func envOrUnknown(env *api.Environment) api.Environment {
	if env == nil {
		return api.Environment{User: "unknown", OSInfo: "unknown", WorkingDir: "unknown", DockerStatus: "unknown"}
	}
	return *env
}

// Messages converts persisted turns into chat history, trims it to the
// context ceiling and appends the new user prompt.
func (c *Composer) Messages(turns []api.Turn, next string) []api.Message {
	history := make([]api.Message, 0, len(turns)+2)
	for _, t := range turns {
		history = append(history, api.Message{Role: t.Role, Content: t.Content})
	}
	history, _ = TrimHistory(history, c.MaxContextTokens)
	return append(history, api.Message{Role: api.RoleUser, Content: next})
}

// EstimateTokens approximates the token count of msgs as characters / 4.
func EstimateTokens(msgs []api.Message) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Content)
	}
	return n / 4
}

// TrimHistory drops the oldest turns once msgs exceeds ceiling tokens, until
// the estimate is under 80% of the ceiling. The first turn is dropped
// only if the rest is already gone. The returned bool reports truncation.
func TrimHistory(msgs []api.Message, ceiling int) ([]api.Message, bool) {
	if ceiling <= 0 || EstimateTokens(msgs) <= ceiling {
		return msgs, false
	}
	target := ceiling * 8 / 10
	kept := append([]api.Message(nil), msgs...)
	for len(kept) > 1 && EstimateTokens(kept) >= target {
		kept = append(kept[:1], kept[2:]...)
	}
	if EstimateTokens(kept) >= target {
		kept = kept[:0]
	}
	return append([]api.Message{{Role: api.RoleSystem, Content: TruncationNote}}, kept...), true
}
