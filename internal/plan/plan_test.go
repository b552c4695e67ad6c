package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ValidPlan(t *testing.T) {
	raw := []byte(`{"steps":[
		{"op":"write","path":"a.txt","content":"def foo(): return 1"},
		{"op":"delete","path":"old/junk.txt"},
		{"op":"run","argv":["go","build","./..."],"cwd":"src"}
	]}`)

	p, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)
	assert.Equal(t, OpWrite, p.Steps[0].Op)
	assert.Equal(t, "a.txt", p.Steps[0].Path)
	assert.Equal(t, OpRun, p.Steps[2].Op)
	assert.Equal(t, []string{"go", "build", "./..."}, p.Steps[2].Argv)
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown op", `{"steps":[{"op":"chmod","path":"a"}]}`},
		{"empty steps", `{"steps":[]}`},
		{"write without path", `{"steps":[{"op":"write","content":"x"}]}`},
		{"run without argv", `{"steps":[{"op":"run"}]}`},
		{"delete with content", `{"steps":[{"op":"delete","path":"a","content":"x"}]}`},
		{"absolute path", `{"steps":[{"op":"write","path":"/etc/passwd","content":"x"}]}`},
		{"escaping path", `{"steps":[{"op":"write","path":"../secrets","content":"x"}]}`},
		{"unknown field", `{"steps":[{"op":"write","path":"a","content":"x","mode":"755"}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			var malformed *MalformedError
			require.Error(t, err)
			assert.True(t, errors.As(err, &malformed), "expected MalformedError, got %T", err)
		})
	}
}

func TestValidate_DuplicateFileTargetsRejected(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Op: OpWrite, Path: "a.txt", Content: "one"},
		{Op: OpWrite, Path: "./a.txt", Content: "two"},
	}}

	err := p.Validate()
	var malformed *MalformedError
	require.Error(t, err)
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Reason, "duplicate file target")
}

func TestValidate_RunStepsMayRepeat(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Op: OpRun, Argv: []string{"make", "generate"}},
		{Op: OpRun, Argv: []string{"make", "generate"}},
	}}
	assert.NoError(t, p.Validate())
}
