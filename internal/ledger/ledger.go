// Package ledger records pre-change state for every mutated path so the
// changes applied for one plan can be exactly reverted. The ledger is the
// exclusive owner of prior-state records; discipline is record-before-
// mutate, enforced by the applier calling Record ahead of every write.
package ledger

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status tracks a change set through its lifecycle. A set is committed or
// reverted, never both.
type Status string

const (
	StatusOpen      Status = "open"
	StatusCommitted Status = "committed"
	StatusReverted  Status = "reverted"
)

// Record captures one path's state immediately before its first mutation.
type Record struct {
	Path       string // slash-separated, relative to the root
	Existed    bool
	Prior      []byte
	PriorMode  fs.FileMode
	RecordedAt time.Time
}

// ChangeSet is the ordered collection of records produced while applying
// one plan. It is the unit of commit and revert.
type ChangeSet struct {
	ID          string
	Description string
	StartedAt   time.Time

	mu       sync.Mutex
	root     string
	status   Status
	records  []Record
	recorded map[string]bool
	log      *zap.Logger
}

// PartialRevertError reports a revert that could not restore every path.
// The unrestored records remain in the change set for a manual follow-up.
type PartialRevertError struct {
	ChangeSetID string
	Failed      []string
	Causes      []error
}

func (e *PartialRevertError) Error() string {
	return fmt.Sprintf("revert of %s incomplete: %d paths not restored (%s)",
		e.ChangeSetID, len(e.Failed), strings.Join(e.Failed, ", "))
}

// Ledger creates change sets rooted at one repository.
type Ledger struct {
	mu      sync.Mutex
	root    string
	active  *ChangeSet
	journal *Journal
	log     *zap.Logger
}

// New creates a ledger for the repository at root.
func New(root string, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{root: root, log: log}
}

// SetJournal attaches a durable journal. Without one, records live only
// in process memory and revert is possible only while the set is live.
func (l *Ledger) SetJournal(j *Journal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = j
}

// Begin opens a new change set. Only one set may be open at a time.
func (l *Ledger) Begin(description string) (*ChangeSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil {
		return nil, fmt.Errorf("change set already open: %s", l.active.ID)
	}

	cs := &ChangeSet{
		ID:          uuid.NewString(),
		Description: description,
		StartedAt:   time.Now(),
		root:        l.root,
		status:      StatusOpen,
		recorded:    make(map[string]bool),
		log:         l.log,
	}
	l.active = cs

	l.log.Debug("change set opened",
		zap.String("id", cs.ID),
		zap.String("description", description))

	return cs, nil
}

// release clears the active set after commit or revert.
func (l *Ledger) release(cs *ChangeSet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == cs {
		l.active = nil
	}
}

// Commit makes the set's changes permanent and discards revert ability
// (unless a journal is attached, which keeps the records durably for
// inspection). The set must still be open.
func (l *Ledger) Commit(cs *ChangeSet) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status != StatusOpen {
		return fmt.Errorf("change set %s is %s, cannot commit", cs.ID, cs.status)
	}
	cs.status = StatusCommitted

	if l.journal != nil {
		if err := l.journal.Save(cs); err != nil {
			l.log.Warn("journal save failed", zap.String("id", cs.ID), zap.Error(err))
		}
	}
	l.release(cs)

	l.log.Debug("change set committed",
		zap.String("id", cs.ID),
		zap.Int("records", len(cs.records)))
	return nil
}

// Revert replays the set's records in reverse order, restoring each path
// to its prior content or deleting it if it was absent before. If any
// restoration fails the remaining failures are reported together as a
// PartialRevertError and the failed records stay in the set.
func (l *Ledger) Revert(cs *ChangeSet) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status != StatusOpen {
		return fmt.Errorf("change set %s is %s, cannot revert", cs.ID, cs.status)
	}

	var failed []Record
	var failedPaths []string
	var causes []error

	for i := len(cs.records) - 1; i >= 0; i-- {
		rec := cs.records[i]
		if err := restore(cs.root, rec); err != nil {
			failed = append([]Record{rec}, failed...)
			failedPaths = append([]string{rec.Path}, failedPaths...)
			causes = append(causes, err)
		}
	}

	if len(failed) > 0 {
		cs.records = failed
		return &PartialRevertError{ChangeSetID: cs.ID, Failed: failedPaths, Causes: causes}
	}

	cs.status = StatusReverted
	if l.journal != nil {
		if err := l.journal.Save(cs); err != nil {
			l.log.Warn("journal save failed", zap.String("id", cs.ID), zap.Error(err))
		}
	}
	l.release(cs)

	l.log.Debug("change set reverted", zap.String("id", cs.ID))
	return nil
}

// restore puts one path back to its recorded prior state.
func restore(root string, rec Record) error {
	full := filepath.Join(root, filepath.FromSlash(rec.Path))
	if !rec.Existed {
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", rec.Path, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("restoring parent of %s: %w", rec.Path, err)
	}
	mode := rec.PriorMode
	if mode == 0 {
		mode = 0644
	}
	if err := os.WriteFile(full, rec.Prior, mode.Perm()); err != nil {
		return fmt.Errorf("restoring %s: %w", rec.Path, err)
	}
	return nil
}

// Record captures path's current content or absence before a mutation.
// The first record for a path wins; later mutations of the same path in
// one set keep the original prior state.
func (cs *ChangeSet) Record(path string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status != StatusOpen {
		return fmt.Errorf("change set %s is %s, cannot record", cs.ID, cs.status)
	}
	path = filepath.ToSlash(path)
	if cs.recorded[path] {
		return nil
	}

	rec := Record{Path: path, RecordedAt: time.Now()}
	full := filepath.Join(cs.root, filepath.FromSlash(path))
	info, err := os.Stat(full)
	switch {
	case err == nil:
		content, readErr := os.ReadFile(full)
		if readErr != nil {
			return fmt.Errorf("recording prior state of %s: %w", path, readErr)
		}
		rec.Existed = true
		rec.Prior = content
		rec.PriorMode = info.Mode()
	case os.IsNotExist(err):
		rec.Existed = false
	default:
		return fmt.Errorf("recording prior state of %s: %w", path, err)
	}

	cs.records = append(cs.records, rec)
	cs.recorded[path] = true
	return nil
}

// Records returns a copy of the recorded prior states in record order.
func (cs *ChangeSet) Records() []Record {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Record{}, cs.records...)
}

// Status returns the set's lifecycle state.
func (cs *ChangeSet) Status() Status {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.status
}

// Paths returns the sorted set of paths touched by this change set.
func (cs *ChangeSet) Paths() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	paths := make([]string, 0, len(cs.recorded))
	for p := range cs.recorded {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
