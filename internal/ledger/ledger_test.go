package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_BeginOnlyOneOpenSet(t *testing.T) {
	l := New(t.TempDir(), nil)

	cs, err := l.Begin("first")
	require.NoError(t, err)
	require.NotEmpty(t, cs.ID)

	_, err = l.Begin("second")
	assert.Error(t, err, "second Begin while one set is open must fail")

	require.NoError(t, l.Commit(cs))

	_, err = l.Begin("third")
	assert.NoError(t, err, "Begin after commit should succeed")
}

func TestChangeSet_RecordCapturesPriorContent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("def foo(): pass"), 0644))

	l := New(root, nil)
	cs, err := l.Begin("edit a.txt")
	require.NoError(t, err)

	require.NoError(t, cs.Record("a.txt"))

	recs := cs.Records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Existed)
	assert.Equal(t, "def foo(): pass", string(recs[0].Prior))

	// A second record of the same path keeps the original prior state.
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("mutated"), 0644))
	require.NoError(t, cs.Record("a.txt"))
	assert.Len(t, cs.Records(), 1)
}

func TestChangeSet_RecordAbsence(t *testing.T) {
	l := New(t.TempDir(), nil)
	cs, err := l.Begin("create file")
	require.NoError(t, err)

	require.NoError(t, cs.Record("brand/new.txt"))

	recs := cs.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Existed)
}

func TestRevert_RestoresWritesAndDeletes(t *testing.T) {
	root := t.TempDir()
	original := []byte("original bytes \x00\x01\x02")
	require.NoError(t, os.WriteFile(filepath.Join(root, "kept.bin"), original, 0644))

	l := New(root, nil)
	cs, err := l.Begin("mixed changes")
	require.NoError(t, err)

	// Simulate an applier: record, then mutate.
	require.NoError(t, cs.Record("kept.bin"))
	require.NoError(t, os.Remove(filepath.Join(root, "kept.bin")))

	require.NoError(t, cs.Record("made/dir/new.txt"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "made", "dir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "made", "dir", "new.txt"), []byte("created"), 0644))

	require.NoError(t, l.Revert(cs))

	// Deleted file restored byte-for-byte.
	got, err := os.ReadFile(filepath.Join(root, "kept.bin"))
	require.NoError(t, err)
	assert.Equal(t, original, got)

	// Created file removed.
	_, err = os.Stat(filepath.Join(root, "made", "dir", "new.txt"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, StatusReverted, cs.Status())
}

func TestCommitThenRevertRejected(t *testing.T) {
	l := New(t.TempDir(), nil)
	cs, err := l.Begin("x")
	require.NoError(t, err)
	require.NoError(t, l.Commit(cs))

	assert.Error(t, l.Revert(cs), "a committed set must not be revertible")
	assert.Error(t, l.Commit(cs), "double commit must fail")
	assert.Error(t, cs.Record("late.txt"), "record after commit must fail")
}

func TestRevert_PartialFailureListsPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "good.txt"), []byte("good"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad.txt"), []byte("bad"), 0644))

	l := New(root, nil)
	cs, err := l.Begin("partial")
	require.NoError(t, err)
	require.NoError(t, cs.Record("good.txt"))
	require.NoError(t, cs.Record("bad.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(root, "good.txt"), []byte("changed"), 0644))

	// Make bad.txt unrestorable: replace it with a directory of that name.
	require.NoError(t, os.Remove(filepath.Join(root, "bad.txt")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bad.txt", "sub"), 0755))

	err = l.Revert(cs)
	var partial *PartialRevertError
	require.Error(t, err)
	require.True(t, errors.As(err, &partial), "expected PartialRevertError, got %T", err)
	assert.Equal(t, []string{"bad.txt"}, partial.Failed)

	// The successful path was still restored.
	got, readErr := os.ReadFile(filepath.Join(root, "good.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "good", string(got))

	// The failed record stays for manual follow-up.
	recs := cs.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "bad.txt", recs[0].Path)
}

func TestJournal_SaveAndLoad(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "j.txt"), []byte("before"), 0644))

	j, err := OpenJournal(filepath.Join(root, ".patchsmith", "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	l := New(root, nil)
	l.SetJournal(j)

	cs, err := l.Begin("journaled change")
	require.NoError(t, err)
	require.NoError(t, cs.Record("j.txt"))
	require.NoError(t, cs.Record("ghost.txt"))
	require.NoError(t, l.Commit(cs))

	sets, err := j.List()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, cs.ID, sets[0].ID)
	assert.Equal(t, StatusCommitted, sets[0].Status)
	assert.Equal(t, 2, sets[0].Records)

	recs, err := j.LoadRecords(cs.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "j.txt", recs[0].Path)
	assert.True(t, recs[0].Existed)
	assert.Equal(t, "before", string(recs[0].Prior))
	assert.False(t, recs[1].Existed)
}
