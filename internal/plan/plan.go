// Package plan defines the ordered change operations a backend proposes
// for one instruction, and the schema validation applied before anything
// touches the filesystem.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Op discriminates the step variants on the wire.
type Op string

const (
	OpWrite  Op = "write"
	OpDelete Op = "delete"
	OpRun    Op = "run"
)

// Step is one operation in a plan. Exactly the fields for its Op are set.
type Step struct {
	Op Op `json:"op"`

	// write / delete
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// run
	Argv []string `json:"argv,omitempty"`
	Cwd  string   `json:"cwd,omitempty"`

	// BestEffort lets execution continue past this step's failure.
	BestEffort bool `json:"best_effort,omitempty"`
}

// Plan is an ordered sequence of steps. Steps execute in listed order.
type Plan struct {
	Steps []Step `json:"steps"`
}

// MalformedError reports a response that does not parse into a valid plan.
// It is not retryable without a new backend request.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed plan: " + e.Reason
}

// Decode parses raw JSON into a validated Plan. Any schema violation
// yields a MalformedError.
func Decode(raw []byte) (*Plan, error) {
	var p Plan
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every step against its variant's schema.
//
// Plans whose write/delete steps target the same path more than once are
// rejected outright: duplicate targets make the intended final state
// ambiguous, and rejecting forces the backend to restate the plan.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return &MalformedError{Reason: "plan has no steps"}
	}

	fileTargets := make(map[string]int)
	for i, s := range p.Steps {
		switch s.Op {
		case OpWrite:
			if err := validPath(s.Path); err != nil {
				return &MalformedError{Reason: fmt.Sprintf("step %d: %v", i, err)}
			}
			if len(s.Argv) > 0 {
				return &MalformedError{Reason: fmt.Sprintf("step %d: write step carries argv", i)}
			}
			fileTargets[path.Clean(s.Path)]++
		case OpDelete:
			if err := validPath(s.Path); err != nil {
				return &MalformedError{Reason: fmt.Sprintf("step %d: %v", i, err)}
			}
			if s.Content != "" {
				return &MalformedError{Reason: fmt.Sprintf("step %d: delete step carries content", i)}
			}
			fileTargets[path.Clean(s.Path)]++
		case OpRun:
			if len(s.Argv) == 0 {
				return &MalformedError{Reason: fmt.Sprintf("step %d: run step has empty argv", i)}
			}
			if s.Path != "" || s.Content != "" {
				return &MalformedError{Reason: fmt.Sprintf("step %d: run step carries file payload", i)}
			}
			if s.Cwd != "" {
				if err := validPath(s.Cwd); err != nil {
					return &MalformedError{Reason: fmt.Sprintf("step %d: cwd: %v", i, err)}
				}
			}
		default:
			return &MalformedError{Reason: fmt.Sprintf("step %d: unknown op %q", i, s.Op)}
		}
	}

	for target, n := range fileTargets {
		if n > 1 {
			return &MalformedError{Reason: fmt.Sprintf("duplicate file target %q (%d steps)", target, n)}
		}
	}
	return nil
}

// validPath rejects absolute paths and escapes above the repository root.
func validPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("path must be relative with forward slashes: %q", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes repository root: %q", p)
	}
	return nil
}

// String renders a short human summary, one step per line.
func (p *Plan) String() string {
	var sb strings.Builder
	for i, s := range p.Steps {
		switch s.Op {
		case OpWrite:
			fmt.Fprintf(&sb, "%d. write %s (%d bytes)\n", i+1, s.Path, len(s.Content))
		case OpDelete:
			fmt.Fprintf(&sb, "%d. delete %s\n", i+1, s.Path)
		case OpRun:
			fmt.Fprintf(&sb, "%d. run %s\n", i+1, strings.Join(s.Argv, " "))
		}
	}
	return sb.String()
}
