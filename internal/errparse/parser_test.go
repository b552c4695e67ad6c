package errparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_GoCompileErrors(t *testing.T) {
	out := `# patchsmith/internal/loop
internal/loop/loop.go:42:15: undefined: frobnicate
internal/loop/loop.go:88:2: missing return
`
	reports := NewParser(nil).Parse("go", out)
	require.Len(t, reports, 2)

	assert.Equal(t, "internal/loop/loop.go", reports[0].Path)
	assert.Equal(t, 42, reports[0].Line)
	assert.Equal(t, 15, reports[0].Column)
	assert.Equal(t, "undefined: frobnicate", reports[0].Message)
	assert.Equal(t, 88, reports[1].Line)
}

func TestParse_ValidationScenario(t *testing.T) {
	// Validating step exits 2 with this stderr; the loop needs the exact
	// location to steer the next attempt.
	reports := NewParser(nil).Parse("", "a.txt:3: syntax error")
	require.Len(t, reports, 1)
	assert.Equal(t, "a.txt", reports[0].Path)
	assert.Equal(t, 3, reports[0].Line)
	assert.Equal(t, "syntax error", reports[0].Message)
}

func TestParse_PythonTraceback(t *testing.T) {
	out := `Traceback (most recent call last):
  File "app.py", line 12, in main
    run()
  File "runner.py", line 7, in run
    raise ValueError("boom")
ValueError: boom
`
	reports := NewParser(nil).Parse("python", out)
	require.Len(t, reports, 2)
	assert.Equal(t, "app.py", reports[0].Path)
	assert.Equal(t, 12, reports[0].Line)
	assert.Equal(t, "runner.py", reports[1].Path)
	// Trailing lines fold into the last report's message.
	assert.Contains(t, reports[1].Message, "ValueError: boom")
}

func TestParse_NodeStackTrace(t *testing.T) {
	out := `ReferenceError: undefinedVariable is not defined
    at Object.<anonymous> (/app/index.js:2:13)
    at Module._compile (node:internal/modules/cjs/loader:1105:14)
    at Module.load (node:internal/modules/cjs/loader:1119:32)
`
	reports := NewParser(nil).Parse("", out)
	require.Len(t, reports, 1)
	assert.Equal(t, "node", reports[0].Tool)
	assert.Equal(t, "/app/index.js", reports[0].Path)
	assert.Equal(t, 2, reports[0].Line)
	assert.Equal(t, 13, reports[0].Column)
	assert.Contains(t, reports[0].Message, "undefinedVariable is not defined")
}

func TestParse_NodeSyntaxHeader(t *testing.T) {
	// Syntax failures print the bare location header before the message.
	out := `/app/index.js:2
console.log(foo;
               ^

SyntaxError: missing ) after argument list
`
	reports := NewParser(nil).Parse("node", out)
	require.NotEmpty(t, reports)
	assert.Equal(t, "/app/index.js", reports[0].Path)
	assert.Equal(t, 2, reports[0].Line)
}

func TestParse_MultilineContinuation(t *testing.T) {
	out := `main.go:5:1: cannot use x
	have int
	want string
`
	reports := NewParser(nil).Parse("go", out)
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Message, "cannot use x")
	assert.Contains(t, reports[0].Message, "have int")
	assert.Contains(t, reports[0].Message, "want string")
}

func TestParse_UnmatchedOutputNeverFails(t *testing.T) {
	cases := []string{
		"total garbage with no structure",
		"",
		"   \n\n\t  ",
		strings.Repeat("noise ", 10000),
	}

	for _, out := range cases {
		reports := NewParser(nil).Parse("", out)
		require.Len(t, reports, 1, "input %q", out[:min(len(out), 30)])
		assert.Empty(t, reports[0].Path)
		if strings.TrimSpace(out) != "" {
			assert.NotEmpty(t, reports[0].Message)
		}
	}
}

func TestParse_MessageCap(t *testing.T) {
	reports := NewParser(nil).Parse("", strings.Repeat("x", 100000))
	require.Len(t, reports, 1)
	assert.LessOrEqual(t, len(reports[0].Message), maxMessageBytes)
	assert.LessOrEqual(t, len(reports[0].Raw), maxRawBytes)
}

func TestParse_HintSelectsRule(t *testing.T) {
	// Output that both the go and generic rules could claim: the hint wins.
	out := "pkg/file.go:9: something odd"
	reports := NewParser(nil).Parse("go", out)
	require.Len(t, reports, 1)
	assert.Equal(t, "go", reports[0].Tool)
}

func TestParse_ProbingFindsRust(t *testing.T) {
	out := `error[E0308]: mismatched types
  --> src/main.rs:4:9
`
	reports := NewParser(nil).Parse("", out)
	require.NotEmpty(t, reports)

	var located *Report
	for i := range reports {
		if reports[i].Path != "" {
			located = &reports[i]
		}
	}
	require.NotNil(t, located)
	assert.Equal(t, "src/main.rs", located.Path)
	assert.Equal(t, 4, located.Line)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
