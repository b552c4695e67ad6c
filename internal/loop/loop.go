// Package loop drives the plan, apply, validate, fix cycle for one
// instruction. The cycle is an explicit state machine with a hard attempt
// bound; errors inside one transition become data steering the next state
// rather than unwinding the run, except for the non-retryable backend
// failures, which terminate immediately.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"patchsmith/internal/apply"
	"patchsmith/internal/backend"
	"patchsmith/internal/compress"
	"patchsmith/internal/errparse"
	"patchsmith/internal/ledger"
	"patchsmith/internal/plan"
	"patchsmith/internal/snapshot"
	"patchsmith/internal/task"
)

// State is one phase of the orchestration cycle.
type State string

const (
	StatePlanning   State = "planning"
	StateApplying   State = "applying"
	StateValidating State = "validating"
	StateFixing     State = "fixing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// terminal reports whether the loop is done.
func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Transition records one state change for inspection and tests.
type Transition struct {
	From State
	To   State
	At   time.Time
	Note string
}

// Config tunes one loop run.
type Config struct {
	BudgetBytes       int
	MaxAttempts       int
	IncludePatterns   []string
	ExcludePatterns   []string
	ValidationArgv    []string
	ValidationTimeout time.Duration
	ValidationTool    string // parser hint for validation output
	WatchExternal     bool   // detect edits not made by the applier
}

// DefaultMaxAttempts bounds planning cycles when the config leaves it zero.
const DefaultMaxAttempts = 3

// Outcome is what one run returns to the caller.
type Outcome struct {
	State    State
	Attempts int

	// LastReport is the error report from the final failed iteration,
	// nil on clean success.
	LastReport *errparse.Report

	// Pending is the final change set, left open for the caller's commit
	// or revert decision. Nil when nothing was applied or when all
	// progress was already committed on the way to Failed.
	Pending *ledger.ChangeSet

	// CommittedSets lists change sets committed mid-run: partial progress
	// kept so later fix attempts could build on it.
	CommittedSets []string

	// ExternalEdits are paths modified during validation by something
	// other than the applier.
	ExternalEdits []string

	// Err is the terminal error for Failed outcomes.
	Err error
}

// Loop owns the state machine for one instruction.
type Loop struct {
	mu sync.Mutex

	root   string
	instr  task.Instruction
	cfg    Config
	client backend.Client
	comp   *compress.Compressor
	app    *apply.Applier
	led    *ledger.Ledger
	parser *errparse.Parser
	log    *zap.Logger

	state    State
	attempt  int
	report   *errparse.Report
	plan     *plan.Plan
	current  *ledger.ChangeSet
	history  []Transition
	outcome  Outcome
	terminal error
}

// New wires a loop from its collaborators.
func New(root string, instr task.Instruction, cfg Config, client backend.Client, led *ledger.Ledger, log *zap.Logger) *Loop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		root:   root,
		instr:  instr,
		cfg:    cfg,
		client: client,
		comp:   compress.NewCompressor(log),
		app:    apply.NewApplier(root, cfg.ValidationTimeout, log),
		led:    led,
		parser: errparse.NewParser(log),
		log:    log,
		state:  StatePlanning,
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempts returns the number of completed planning attempts.
func (l *Loop) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempt
}

// History returns the transitions taken so far.
func (l *Loop) History() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition{}, l.history...)
}

// transition moves to a new state, recording the step.
func (l *Loop) transition(to State, note string) {
	l.history = append(l.history, Transition{From: l.state, To: to, At: time.Now(), Note: note})
	l.log.Debug("state transition",
		zap.String("from", string(l.state)),
		zap.String("to", string(to)),
		zap.String("note", note))
	l.state = to
}

// Run drives the machine to a terminal state and returns the outcome.
func (l *Loop) Run(ctx context.Context) (*Outcome, error) {
	for {
		if l.State().terminal() {
			break
		}
		if err := l.Step(ctx); err != nil {
			return l.finish(), err
		}
	}
	return l.finish(), nil
}

// Step executes exactly one state action. Exposed so tests can single-
// step the machine from an injected state.
func (l *Loop) Step(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StatePlanning:
		return l.stepPlanning(ctx)
	case StateApplying:
		return l.stepApplying(ctx)
	case StateValidating:
		return l.stepValidating(ctx)
	case StateFixing:
		return l.stepFixing(ctx)
	case StateSucceeded, StateFailed:
		return nil
	default:
		return fmt.Errorf("unknown state %q", l.state)
	}
}

// stepPlanning rebuilds the snapshot and context, then requests a plan.
// Backend failures terminate the run: malformed or rejected responses are
// not retryable by re-planning blindly, and transport failures are
// retryable only at the invocation level, not within one run.
func (l *Loop) stepPlanning(ctx context.Context) error {
	snap, err := snapshot.Capture(ctx, l.root, l.cfg.IncludePatterns, l.cfg.ExcludePatterns, l.log)
	if err != nil {
		l.fail(fmt.Errorf("capturing snapshot: %w", err))
		return nil
	}

	bundle, err := l.comp.Compress(snap, l.instr, l.report, l.cfg.BudgetBytes)
	if err != nil {
		l.fail(fmt.Errorf("compressing context: %w", err))
		return nil
	}

	p, err := l.client.RequestPlan(ctx, backend.Request{
		Instruction: l.instr,
		Context:     bundle,
		Report:      l.report,
		Attempt:     l.attempt,
	})
	if err != nil {
		var malformed *plan.MalformedError
		if errors.As(err, &malformed) || errors.Is(err, backend.ErrRejected) {
			l.log.Error("backend refused the request, not retryable", zap.Error(err))
		} else {
			l.log.Error("backend unavailable, retryable at the invocation level", zap.Error(err))
		}
		l.fail(err)
		return nil
	}

	l.plan = p
	l.transition(StateApplying, fmt.Sprintf("plan with %d steps", len(p.Steps)))
	return nil
}

// stepApplying executes the plan. A failed apply keeps the partial
// progress (committed, so later fix attempts build on it) and folds the
// failure into an error report for Fixing.
func (l *Loop) stepApplying(ctx context.Context) error {
	cs, err := l.app.Apply(ctx, l.plan, l.led)
	if err == nil {
		l.current = cs
		l.transition(StateValidating, "applied cleanly")
		return nil
	}

	// Cancellation must not leave an open handle behind.
	if ctx.Err() != nil {
		if cs != nil {
			if revertErr := l.led.Revert(cs); revertErr != nil {
				l.log.Error("revert on cancellation failed", zap.Error(revertErr))
			}
		}
		l.fail(ctx.Err())
		return nil
	}

	if cs != nil {
		l.commitProgress(cs)
	}
	l.report = l.applyFailureReport(err)
	l.transition(StateFixing, "apply failed: "+err.Error())
	return nil
}

// applyFailureReport converts an apply failure into an error report,
// parsing any captured command output for structure.
func (l *Loop) applyFailureReport(err error) *errparse.Report {
	var stepErr *apply.StepError
	if errors.As(err, &stepErr) && stepErr.Output != "" {
		reports := l.parser.Parse("", stepErr.Output)
		r := pickReport(reports)
		r.Message = fmt.Sprintf("%s (%s)", r.Message, stepErr.Error())
		return r
	}

	return &errparse.Report{
		Tool:    "apply",
		Message: err.Error(),
	}
}

// stepValidating runs the configured validation command. No command means
// immediate success. Non-zero exit feeds parsed output to Fixing.
func (l *Loop) stepValidating(ctx context.Context) error {
	if len(l.cfg.ValidationArgv) == 0 {
		l.succeed()
		return nil
	}

	var watcher *editWatcher
	if l.cfg.WatchExternal {
		var err error
		watcher, err = newEditWatcher(l.root, l.log)
		if err != nil {
			l.log.Warn("external edit watcher unavailable", zap.Error(err))
		}
	}

	result, err := l.app.RunValidation(ctx, l.cfg.ValidationArgv, l.cfg.ValidationTimeout)

	if watcher != nil {
		edits := watcher.Stop()
		edits = l.filterOwnWrites(edits)
		if len(edits) > 0 {
			l.outcome.ExternalEdits = append(l.outcome.ExternalEdits, edits...)
			l.log.Warn("repository modified externally during validation",
				zap.Strings("paths", edits))
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			l.revertCurrentOnCancel()
			l.fail(ctx.Err())
			return nil
		}
		// Timeout and spawn failures are ordinary Fixing-eligible failures.
		l.report = &errparse.Report{
			Tool:    l.cfg.ValidationTool,
			Message: fmt.Sprintf("validation command failed to complete: %v", err),
		}
		l.commitCurrent()
		l.transition(StateFixing, "validation did not complete")
		return nil
	}

	if result.ExitCode == 0 {
		l.succeed()
		return nil
	}

	reports := l.parser.Parse(l.cfg.ValidationTool, result.Combined())
	l.report = pickReport(reports)
	l.commitCurrent()
	l.transition(StateFixing, fmt.Sprintf("validation exited %d", result.ExitCode))
	return nil
}

// stepFixing increments the attempt count and either gives up or loops
// back to Planning with a fresh snapshot carrying the error report.
func (l *Loop) stepFixing(_ context.Context) error {
	l.attempt++
	if l.attempt >= l.cfg.MaxAttempts {
		l.fail(fmt.Errorf("giving up after %d attempts: %s", l.attempt, l.reportSummary()))
		return nil
	}
	l.transition(StatePlanning, fmt.Sprintf("retry %d of %d", l.attempt+1, l.cfg.MaxAttempts))
	return nil
}

// succeed terminates the run leaving the final change set pending for the
// caller's commit-or-revert decision.
func (l *Loop) succeed() {
	l.outcome.Pending = l.current
	l.current = nil
	l.transition(StateSucceeded, "validation passed")
}

// fail terminates the run. Any still-open change set stays pending so the
// caller can inspect or revert it.
func (l *Loop) fail(err error) {
	l.terminal = err
	l.outcome.Pending = l.current
	l.current = nil
	l.transition(StateFailed, err.Error())
}

// commitCurrent commits the iteration's change set: partial progress is
// kept, not reverted, since later fix attempts build on it.
func (l *Loop) commitCurrent() {
	if l.current == nil {
		return
	}
	l.commitProgress(l.current)
	l.current = nil
}

func (l *Loop) commitProgress(cs *ledger.ChangeSet) {
	if err := l.led.Commit(cs); err != nil {
		l.log.Error("committing partial progress failed", zap.String("id", cs.ID), zap.Error(err))
		return
	}
	l.outcome.CommittedSets = append(l.outcome.CommittedSets, cs.ID)
}

// revertCurrentOnCancel honors the cancellation contract: no handle is
// left uncommitted-and-unreverted across a cancellation boundary.
func (l *Loop) revertCurrentOnCancel() {
	if l.current == nil {
		return
	}
	if err := l.led.Revert(l.current); err != nil {
		l.log.Error("revert on cancellation failed", zap.Error(err))
	}
	l.current = nil
}

// filterOwnWrites drops paths the applier itself touched this iteration.
func (l *Loop) filterOwnWrites(paths []string) []string {
	if l.current == nil {
		return paths
	}
	own := make(map[string]bool)
	for _, p := range l.current.Paths() {
		own[p] = true
	}
	var out []string
	for _, p := range paths {
		if !own[p] {
			out = append(out, p)
		}
	}
	return out
}

func (l *Loop) reportSummary() string {
	if l.report == nil {
		return "no error report"
	}
	return l.report.String()
}

// finish snapshots the outcome once the machine is terminal.
func (l *Loop) finish() *Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outcome.State = l.state
	l.outcome.Attempts = l.attempt
	l.outcome.LastReport = l.report
	l.outcome.Err = l.terminal
	return &l.outcome
}

// pickReport chooses the report to steer the next attempt: the first one
// with a file location, else the first.
func pickReport(reports []errparse.Report) *errparse.Report {
	if len(reports) == 0 {
		return &errparse.Report{Tool: "unknown", Message: "no output"}
	}
	for i := range reports {
		if reports[i].Path != "" {
			r := reports[i]
			return &r
		}
	}
	r := reports[0]
	return &r
}
