package apply

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"patchsmith/internal/ledger"
	"patchsmith/internal/plan"
	"patchsmith/internal/snapshot"
)

// TestApplyRevert_RandomPlans is the round-trip law over generated plans:
// for any applied-then-reverted change set, the captured tree equals the
// pre-apply capture.
func TestApplyRevert_RandomPlans(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 10; trial++ {
		root := t.TempDir()

		// Seed a small tree.
		existing := make([]string, 0, 6)
		for i := 0; i < 3+rng.Intn(4); i++ {
			p := fmt.Sprintf("dir%d/file%d.txt", rng.Intn(3), i)
			full := filepath.Join(root, filepath.FromSlash(p))
			require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
			require.NoError(t, os.WriteFile(full, []byte(strings.Repeat("v", rng.Intn(200))), 0644))
			existing = append(existing, p)
		}

		before, err := snapshot.Capture(context.Background(), root, nil, nil, nil)
		require.NoError(t, err)

		// Generate a plan mixing overwrites, deletes and creations with
		// unique targets.
		var steps []plan.Step
		used := map[string]bool{}
		for _, p := range existing {
			if used[p] {
				continue
			}
			used[p] = true
			if rng.Intn(2) == 0 {
				steps = append(steps, plan.Step{Op: plan.OpWrite, Path: p, Content: "rewritten"})
			} else {
				steps = append(steps, plan.Step{Op: plan.OpDelete, Path: p})
			}
		}
		for i := 0; i < 1+rng.Intn(3); i++ {
			p := fmt.Sprintf("created/sub%d/new%d.txt", rng.Intn(2), i)
			if used[p] {
				continue
			}
			used[p] = true
			steps = append(steps, plan.Step{Op: plan.OpWrite, Path: p, Content: "fresh"})
		}
		pl := &plan.Plan{Steps: steps}
		require.NoError(t, pl.Validate())

		led := ledger.New(root, nil)
		cs, err := NewApplier(root, 0, nil).Apply(context.Background(), pl, led)
		require.NoError(t, err, "trial %d", trial)
		require.NoError(t, led.Revert(cs), "trial %d", trial)

		after, err := snapshot.Capture(context.Background(), root, nil, nil, nil)
		require.NoError(t, err)

		diff := cmp.Diff(before.Files(), after.Files(),
			cmpopts.IgnoreFields(snapshot.File{}, "ModTime"))
		require.Empty(t, diff, "trial %d: tree differs after revert", trial)
	}
}
