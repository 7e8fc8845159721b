package directive_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/prime/internal/directive"
)

func TestParse_DoneTakesPrecedence(t *testing.T) {
	replies := []string{
		"#DONE",
		"all good, #done",
		"```bash\n#SH\nls /tmp\n```\n#DONE",
		"#CALL wait(5)\n#Done",
		"#SELFUPDATE\nprint('x')\n#DONE",
	}
	for _, r := range replies {
		d := directive.Parse(r)
		assert.Equal(t, directive.Done, d.Type, "reply %q", r)
	}
}

func TestParse_CodeBlockSpellingsAgree(t *testing.T) {
	body := "    for f in /tmp/*; do\n        echo \"$f\"\n    done\n"
	spellings := map[string]string{
		"fenced with hint":    "Here you go:\n```bash\n#SH\n" + body + "```\n",
		"fenced without hint": "```\n#SH\n" + body + "```",
		"legacy":              "#SH\n" + body,
	}
	want := "for f in /tmp/*; do\n    echo \"$f\"\ndone"
	for name, reply := range spellings {
		d := directive.Parse(reply)
		require.Equal(t, directive.CodeBlock, d.Type, name)
		assert.Equal(t, directive.Shell, d.Kind, name)
		assert.Equal(t, want, d.Body, name)
	}
}

func TestParse_ScriptBlock(t *testing.T) {
	d := directive.Parse("```python\n#PY\nimport os\nprint(os.getcwd())\n```")
	require.Equal(t, directive.CodeBlock, d.Type)
	assert.Equal(t, directive.Script, d.Kind)
	assert.Equal(t, "import os\nprint(os.getcwd())", d.Body)
}

func TestParse_FencedPreferredOverLegacy(t *testing.T) {
	// The legacy pattern would swallow the closing fence and the trailing prose.
	d := directive.Parse("```sh\n#SH\necho one\n```\nthen I will check the result")
	require.Equal(t, directive.CodeBlock, d.Type)
	assert.Equal(t, "echo one", d.Body)
}

func TestParse_FunctionCalls(t *testing.T) {
	d := directive.Parse("Let me look.\n#CALL read_file( \"/etc/hostname\" )\n#CALL list_directory(/var/log)\n#CALL get_environment()")
	require.Equal(t, directive.FunctionCalls, d.Type)
	want := []directive.Call{
		{Name: "read_file", Args: `"/etc/hostname"`},
		{Name: "list_directory", Args: "/var/log"},
		{Name: "get_environment", Args: ""},
	}
	if diff := cmp.Diff(want, d.Calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_CallsBeatCodeBlocks(t *testing.T) {
	d := directive.Parse("#CALL wait(15)\n```bash\n#SH\nls\n```")
	require.Equal(t, directive.FunctionCalls, d.Type)
	assert.Len(t, d.Calls, 1)
}

func TestParse_SelfUpdate(t *testing.T) {
	d := directive.Parse("Upgrading myself.\n#SELFUPDATE\n#!/usr/bin/env python3\nprint('v2')\n")
	require.Equal(t, directive.SelfUpdate, d.Type)
	assert.Equal(t, "#!/usr/bin/env python3\nprint('v2')", d.Code)

	d = directive.Parse("#selfupdate print('lower')")
	require.Equal(t, directive.SelfUpdate, d.Type)
	assert.Equal(t, "print('lower')", d.Code)
}

func TestParse_SelfUpdateAfterCaseChangingText(t *testing.T) {
	// ɐ upper-cases to a rune of a different byte length.
	d := directive.Parse("ɐɐɐɐ note\n#SELFUPDATE\nprint('v2')")
	require.Equal(t, directive.SelfUpdate, d.Type)
	assert.Equal(t, "print('v2')", d.Code)
}

func TestParse_InvalidUTF8DoesNotPanic(t *testing.T) {
	bad := strings.Repeat("\xff", 12)
	assert.NotPanics(t, func() {
		d := directive.Parse(bad + "#SELFUPDATE")
		assert.Equal(t, directive.SelfUpdate, d.Type)
		assert.Empty(t, d.Code)

		d = directive.Parse(bad + "#selfupdate\nprint(1)" + bad)
		assert.Equal(t, directive.SelfUpdate, d.Type)
		assert.Equal(t, "print(1)"+bad, d.Code)

		assert.Equal(t, directive.Done, directive.Parse(bad+"#done").Type)
		assert.Equal(t, directive.None, directive.Parse(bad).Type)
	})
}

func TestParse_None(t *testing.T) {
	for _, r := range []string{"", "I think we should list files.", "```\nls\n```", "#SHELL\nls"} {
		assert.Equal(t, directive.None, directive.Parse(r).Type, "reply %q", r)
	}
}

func TestDedent(t *testing.T) {
	in := "  a\n\n    b\n  c\n   \n"
	assert.Equal(t, "a\n\n  b\nc\n\n", directive.Dedent(in))
	assert.Equal(t, "x\n y", directive.Dedent("x\n y"))
	assert.Equal(t, "a\nb", directive.Dedent("\ta\n\tb"))
}
