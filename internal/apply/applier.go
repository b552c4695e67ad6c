// Package apply executes a plan's steps against the filesystem, recording
// prior state into the change ledger before every mutation. It is the
// only component permitted to write tracked paths.
package apply

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"patchsmith/internal/ledger"
	"patchsmith/internal/plan"
)

// Defaults for command steps; overridable per applier.
const (
	DefaultCommandTimeout = 5 * time.Minute
	DefaultMaxOutputBytes = 1 << 20
)

// PathNotFoundError reports a delete step whose target does not exist.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return "path not found: " + e.Path
}

// StepError describes the step at which execution stopped. Output carries
// any captured command output for error parsing.
type StepError struct {
	Index  int
	Step   plan.Step
	Output string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s %s): %v", e.Index+1, e.Step.Op, e.stepTarget(), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) stepTarget() string {
	if e.Step.Op == plan.OpRun {
		return strings.Join(e.Step.Argv, " ")
	}
	return e.Step.Path
}

// Applier executes plans rooted at one repository.
type Applier struct {
	root           string
	commandTimeout time.Duration
	maxOutputBytes int
	log            *zap.Logger
}

// NewApplier creates an applier for the repository at root.
func NewApplier(root string, commandTimeout time.Duration, log *zap.Logger) *Applier {
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{
		root:           root,
		commandTimeout: commandTimeout,
		maxOutputBytes: DefaultMaxOutputBytes,
		log:            log,
	}
}

// Apply executes the plan's steps in order, recording each mutated path
// into a fresh change set before touching it. Execution stops at the
// first failed step unless it is marked best-effort; either way the open
// change set is returned so the caller decides commit versus revert.
func (a *Applier) Apply(ctx context.Context, p *plan.Plan, led *ledger.Ledger) (*ledger.ChangeSet, error) {
	cs, err := led.Begin(fmt.Sprintf("apply plan (%d steps)", len(p.Steps)))
	if err != nil {
		return nil, err
	}

	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return cs, &StepError{Index: i, Step: step, Err: err}
		}

		stepErr := a.applyStep(ctx, i, step, cs)
		if stepErr != nil {
			if step.BestEffort {
				a.log.Warn("best-effort step failed, continuing",
					zap.Int("step", i+1),
					zap.Error(stepErr))
				continue
			}
			return cs, stepErr
		}
	}

	return cs, nil
}

func (a *Applier) applyStep(ctx context.Context, index int, step plan.Step, cs *ledger.ChangeSet) error {
	switch step.Op {
	case plan.OpWrite:
		if err := a.writeFile(step, cs); err != nil {
			return &StepError{Index: index, Step: step, Err: err}
		}
	case plan.OpDelete:
		if err := a.deleteFile(step, cs); err != nil {
			return &StepError{Index: index, Step: step, Err: err}
		}
	case plan.OpRun:
		result, err := runCommand(ctx, step.Argv, a.resolveCwd(step.Cwd), a.commandTimeout, a.maxOutputBytes, a.log)
		if err != nil {
			return &StepError{Index: index, Step: step, Output: result.Combined(), Err: err}
		}
		if result.ExitCode != 0 {
			return &StepError{
				Index:  index,
				Step:   step,
				Output: result.Combined(),
				Err:    fmt.Errorf("command exited %d", result.ExitCode),
			}
		}
		a.log.Debug("command step succeeded",
			zap.Int("step", index+1),
			zap.Duration("duration", result.Duration))
	default:
		return &StepError{Index: index, Step: step, Err: fmt.Errorf("unknown op %q", step.Op)}
	}
	return nil
}

// writeFile records prior state, then creates parent directories as
// needed and writes the content.
func (a *Applier) writeFile(step plan.Step, cs *ledger.ChangeSet) error {
	if err := cs.Record(step.Path); err != nil {
		return err
	}

	full := filepath.Join(a.root, filepath.FromSlash(step.Path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(step.Content), 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}

	a.log.Debug("wrote file", zap.String("path", step.Path), zap.Int("bytes", len(step.Content)))
	return nil
}

// deleteFile records prior state, then removes the file. A missing target
// fails the step; the absence record already taken stays a harmless no-op
// in the ledger.
func (a *Applier) deleteFile(step plan.Step, cs *ledger.ChangeSet) error {
	if err := cs.Record(step.Path); err != nil {
		return err
	}

	full := filepath.Join(a.root, filepath.FromSlash(step.Path))
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return &PathNotFoundError{Path: step.Path}
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}

	a.log.Debug("deleted file", zap.String("path", step.Path))
	return nil
}

func (a *Applier) resolveCwd(cwd string) string {
	if cwd == "" {
		return a.root
	}
	return filepath.Join(a.root, filepath.FromSlash(cwd))
}

// RunValidation executes the configured validation command against the
// repository and returns the captured result. A nil result means no
// command was configured.
func (a *Applier) RunValidation(ctx context.Context, argv []string, timeout time.Duration) (*RunResult, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = a.commandTimeout
	}
	return runCommand(ctx, argv, a.root, timeout, a.maxOutputBytes, a.log)
}
