// Package directive recognizes the instructions a language model can embed
// in a reply: completion, self-update, built-in function calls and code blocks.
//
// Parsing is a tolerant, regex-driven front end. Callers only see Directive,
// so a stricter grammar can replace Parse without touching them.
package directive

import (
	"regexp"
	"strings"
)

// Type tags the variant held by a Directive.
type Type int

const (
	None Type = iota
	Done
	SelfUpdate
	FunctionCalls
	CodeBlock
)

func (t Type) String() string {
	switch t {
	case Done:
		return "done"
	case SelfUpdate:
		return "self_update"
	case FunctionCalls:
		return "function_calls"
	case CodeBlock:
		return "code_block"
	}
	return "none"
}

// Kind is the interpreter a code block targets.
type Kind string

const (
	Shell  Kind = "SH"
	Script Kind = "PY"
)

// Markers recognized in model replies.
const (
	DoneMarker       = "#DONE"
	SelfUpdateMarker = "#SELFUPDATE"
	CallMarker       = "#CALL"
)

// Call is one built-in function invocation. Args is the verbatim text
// between the parentheses, trimmed of surrounding whitespace.
type Call struct {
	Name string
	Args string
}

// Directive is the single parsed intent of one reply. Only the fields
// belonging to Type are set.
type Directive struct {
	Type  Type
	Code  string // SelfUpdate payload
	Calls []Call // FunctionCalls
	Kind  Kind   // CodeBlock
	Body  string // CodeBlock
}

var (
	doneRe       = regexp.MustCompile(`(?i)` + DoneMarker)
	selfUpdateRe = regexp.MustCompile(`(?is)` + SelfUpdateMarker + `(.*)`)
	callRe       = regexp.MustCompile(`(?s)#CALL\s+(\w+)\s*\((.*?)\)`)

	// Tried in order. The legacy form matches anything the fenced forms
	// match, so it must come last.
	blockRes = []*regexp.Regexp{
		regexp.MustCompile("(?s)```(?:python|py|bash|shell|sh)\\s*#(SH|PY)[ \\t]*\\r?\\n(.*?)```"),
		regexp.MustCompile("(?s)```\\s*#(SH|PY)[ \\t]*\\r?\\n(.*?)```"),
		regexp.MustCompile(`(?s)#(SH|PY)[ \t]*\r?\n(.*)`),
	}
)

// Parse returns the directive carried by reply. Precedence is completion,
// then self-update, then function calls, then code blocks.
func Parse(reply string) Directive {
	if doneRe.MatchString(reply) {
		return Directive{Type: Done}
	}
	if m := selfUpdateRe.FindStringSubmatch(reply); m != nil {
		return Directive{Type: SelfUpdate, Code: strings.TrimSpace(m[1])}
	}
	if calls := parseCalls(reply); len(calls) > 0 {
		return Directive{Type: FunctionCalls, Calls: calls}
	}
	if kind, body, ok := parseBlock(reply); ok {
		return Directive{Type: CodeBlock, Kind: kind, Body: body}
	}
	return Directive{Type: None}
}

func parseCalls(reply string) []Call {
	matches := callRe.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return nil
	}
	calls := make([]Call, 0, len(matches))
	for _, m := range matches {
		calls = append(calls, Call{Name: m[1], Args: strings.TrimSpace(m[2])})
	}
	return calls
}

func parseBlock(reply string) (Kind, string, bool) {
	for _, re := range blockRes {
		m := re.FindStringSubmatch(reply)
		if m == nil {
			continue
		}
		return Kind(m[1]), normalize(m[2]), true
	}
	return "", "", false
}

// normalize dedents a captured body and drops blank lines at either end, so
// fenced and unfenced spellings of the same code compare equal.
func normalize(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.TrimRight(strings.Trim(Dedent(body), "\n"), " \t\n")
}

// Dedent removes the longest run of leading whitespace common to every
// non-blank line. Whitespace-only lines are emptied.
func Dedent(text string) string {
	lines := strings.Split(text, "\n")
	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix = indent
			first = false
			continue
		}
		prefix = commonPrefix(prefix, indent)
		if prefix == "" {
			break
		}
	}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

func commonPrefix(a, b string) string {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}
