// internal/knowledge/store_test.go
package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
)

var testLogger *zap.Logger

func TestMain(m *testing.M) {
	testLogger = zap.NewNop()
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledge.json.br")
	store, err := NewFileStore(path, testLogger)
	require.NoError(t, err)
	return store
}

func deltaA(visits int) schemas.KnowledgeRecord {
	return schemas.KnowledgeRecord{
		Fingerprint:  "fp-a",
		Activity:     "MainActivity",
		Visits:       visits,
		TriedActions: map[string]int{"tap Login": 1},
		FirstSeen:    time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		LastSeen:     time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestMergeDeltasCommutative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setA := []schemas.KnowledgeRecord{
		{Fingerprint: "fp-a", Activity: "Main", Visits: 2, TriedActions: map[string]int{"tap X": 2}, DeadEnd: true,
			FirstSeen: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), LastSeen: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
		{Fingerprint: "fp-b", Activity: "Detail", Visits: 1, Annotation: "short note",
			FirstSeen: time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC), LastSeen: time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)},
	}
	setB := []schemas.KnowledgeRecord{
		{Fingerprint: "fp-a", Activity: "Main", Visits: 3, TriedActions: map[string]int{"tap X": 1, "swipe list up": 4}, CrashTrigger: true,
			FirstSeen: time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC), LastSeen: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		{Fingerprint: "fp-b", Activity: "Detail", Visits: 2, Annotation: "a considerably longer note",
			FirstSeen: time.Date(2026, 8, 2, 8, 0, 0, 0, time.UTC), LastSeen: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)},
	}

	ab := newTestStore(t)
	require.NoError(t, ab.MergeDeltas(ctx, setA))
	require.NoError(t, ab.MergeDeltas(ctx, setB))

	ba := newTestStore(t)
	require.NoError(t, ba.MergeDeltas(ctx, setB))
	require.NoError(t, ba.MergeDeltas(ctx, setA))

	snapAB, err := ab.Snapshot(ctx)
	require.NoError(t, err)
	snapBA, err := ba.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(snapAB, snapBA), "merge order must not change the final state")

	merged := snapAB["fp-a"]
	assert.Equal(t, 5, merged.Visits, "visit counts from both sessions sum")
	assert.Equal(t, 3, merged.TriedActions["tap X"])
	assert.Equal(t, 4, merged.TriedActions["swipe list up"])
	assert.True(t, merged.DeadEnd)
	assert.True(t, merged.CrashTrigger)
	assert.Equal(t, time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC), merged.FirstSeen)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), merged.LastSeen)

	assert.Equal(t, "a considerably longer note", snapAB["fp-b"].Annotation)
}

func TestMergeConflictLastWriterWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.MergeDeltas(ctx, []schemas.KnowledgeRecord{
		{Fingerprint: "fp-a", Activity: "MainActivity", Visits: 1},
	}))
	// Same fingerprint, different activity name. Should never happen, must
	// not crash.
	require.NoError(t, store.MergeDeltas(ctx, []schemas.KnowledgeRecord{
		{Fingerprint: "fp-a", Activity: "RenamedActivity", Visits: 1},
	}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RenamedActivity", snap["fp-a"].Activity)
	assert.Equal(t, 2, snap["fp-a"].Visits)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.MergeDeltas(ctx, []schemas.KnowledgeRecord{deltaA(1)}))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	snap["fp-a"].TriedActions["tap Login"] = 99

	fresh, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh["fp-a"].TriedActions["tap Login"], "mutating a snapshot must not leak into the store")
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "knowledge.json.br")

	store, err := NewFileStore(path, testLogger)
	require.NoError(t, err)
	require.NoError(t, store.Load(ctx), "missing file starts empty")
	require.NoError(t, store.MergeDeltas(ctx, []schemas.KnowledgeRecord{deltaA(3)}))
	require.NoError(t, store.Flush(ctx))

	reloaded, err := NewFileStore(path, testLogger)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))

	snap, err := reloaded.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap, schemas.Fingerprint("fp-a"))
	assert.Equal(t, 3, snap["fp-a"].Visits)
	assert.Equal(t, map[string]int{"tap Login": 1}, snap["fp-a"].TriedActions)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "knowledge.json.br")
	require.NoError(t, os.WriteFile(path, []byte("not brotli at all"), 0o644))

	store, err := NewFileStore(path, testLogger)
	require.NoError(t, err)
	assert.Error(t, store.Load(context.Background()))
}
