// Package safety screens model-authored code against a deny-list before it
// is executed. It is pattern based and is not a sandbox.
package safety

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/throw-if-null/prime/internal/directive"
)

const (
	ReasonEmpty    = "empty code block"
	ReasonAccepted = "code passed validation"
)

// Verdict is the outcome of screening one code body.
type Verdict struct {
	Accepted   bool
	Reason     string
	Advisories []string
}

type rule struct {
	re     *regexp.Regexp
	reason string
}

// Checked in order; the first match decides.
var dangerous = []rule{
	{regexp.MustCompile(`\brm\s+(-[\w-]+\s+)*-[\w-]*[rR][\w-]*\s+(-[\w-]+\s+)*/(\s|\*|$|['";&|)])`), "dangerous recursive deletion of root directory"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "filesystem formatting command detected"},
	{regexp.MustCompile(`dd\s+if=.*\s+of=/dev/(sd|hd|nvme|xvd|vd|mmcblk)`), "disk overwrite operation detected"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "fork bomb detected"},
	{regexp.MustCompile(`>>?\s*/etc/(passwd|shadow)\b`), "modifying system password file"},
	{regexp.MustCompile(`chmod\s+(-[a-zA-Z]+\s+)*0?777\s+/(\s|$|bin|boot|etc|lib|root|sbin|usr|var)`), "setting dangerous permissions on system directories"},
	{regexp.MustCompile(`(wget|curl)\b.*\|\s*(sudo\s+)?(ba|z|da)?sh\b`), "piping web content directly to a shell"},
}

var scriptDangerous = []rule{
	{regexp.MustCompile(`__import__\(\s*['"]os['"]\s*\).*system`), "indirect os.system call"},
	{regexp.MustCompile(`exec\s*\(.*input`), "executing user input"},
	{regexp.MustCompile(`eval\s*\(.*input`), "evaluating user input"},
}

var scriptAdvisory = []rule{
	{regexp.MustCompile(`import\s+subprocess|from\s+subprocess\s+import`), "script imports subprocess"},
}

var shellAdvisory = []rule{
	{regexp.MustCompile(`\b(shred|fdisk|sfdisk|parted|wipefs)\b`), "shell uses a destructive disk utility"},
}

// Validator applies the deny-list. Advisories are logged and returned but
// never reject code.
type Validator struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger.Named("safety")}
}

// Validate screens body as code of the given kind. It never executes anything.
func (v *Validator) Validate(kind directive.Kind, body string) Verdict {
	if strings.TrimSpace(body) == "" {
		return Verdict{Reason: ReasonEmpty}
	}
	if r, ok := firstMatch(dangerous, body); ok {
		return Verdict{Reason: r}
	}

	var advisory []rule
	switch kind {
	case directive.Script:
		if r, ok := firstMatch(scriptDangerous, body); ok {
			return Verdict{Reason: r}
		}
		advisory = scriptAdvisory
	case directive.Shell:
		advisory = shellAdvisory
	}

	verdict := Verdict{Accepted: true, Reason: ReasonAccepted}
	for _, a := range advisory {
		if a.re.MatchString(body) {
			verdict.Advisories = append(verdict.Advisories, a.reason)
			v.logger.Warn("advisory", zap.String("kind", string(kind)), zap.String("reason", a.reason))
		}
	}
	return verdict
}

func firstMatch(rules []rule, body string) (string, bool) {
	for _, r := range rules {
		if r.re.MatchString(body) {
			return r.reason, true
		}
	}
	return "", false
}
