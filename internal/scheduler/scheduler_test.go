// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
	"github.com/xkilldash9x/droidprowl/internal/knowledge"
)

var testLogger *zap.Logger

func TestMain(m *testing.M) {
	testLogger = zap.NewNop()
	os.Exit(m.Run())
}

func testConfig(devices ...string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Driver.Devices = nil
	for _, serial := range devices {
		cfg.Driver.Devices = append(cfg.Driver.Devices, config.DeviceConfig{
			Serial: serial, ServerURL: "http://127.0.0.1:6790",
		})
	}
	cfg.Scheduler.WallClockCeiling = 30 * time.Second
	cfg.Scheduler.CheckpointInterval = 0
	return cfg
}

func fileStore(t *testing.T) *knowledge.FileStore {
	t.Helper()
	store, err := knowledge.NewFileStore(filepath.Join(t.TempDir(), "knowledge.json.br"), testLogger)
	require.NoError(t, err)
	return store
}

func jobSpecs(n int) []schemas.JobSpec {
	jobs := make([]schemas.JobSpec, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, schemas.JobSpec{
			ID: string(rune('a' + i)), AppPackage: "com.app", StepBudget: 5,
		})
	}
	return jobs
}

// countingRunner records which device ran which job and returns one delta per
// session so merge accounting can be asserted.
func countingRunner(mu *sync.Mutex, ran map[string][]string) SessionRunner {
	return func(ctx context.Context, job schemas.JobSpec, device config.DeviceConfig,
		know map[schemas.Fingerprint]schemas.KnowledgeRecord) (schemas.SessionResult, []schemas.KnowledgeRecord) {
		mu.Lock()
		ran[device.Serial] = append(ran[device.Serial], job.ID)
		mu.Unlock()
		return schemas.SessionResult{
				JobID:    job.ID,
				DeviceID: device.Serial,
				Terminal: schemas.TerminalStatus{Kind: schemas.TerminalDone, Reason: "test"},
			}, []schemas.KnowledgeRecord{
				{Fingerprint: "fp-shared", Activity: "Main", Visits: 1},
			}
	}
}

func TestSchedulerRunsAllJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig("dev-1", "dev-2")
	store := fileStore(t)

	var mu sync.Mutex
	ran := make(map[string][]string)
	sched, err := New(cfg, store, countingRunner(&mu, ran), testLogger)
	require.NoError(t, err)

	jobs := jobSpecs(5)
	summary, err := sched.Run(context.Background(), jobs, 2)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.JobsAccepted)
	assert.Equal(t, 2, summary.JobsSkipped)
	require.Len(t, summary.Results, 5)

	// Every job ran exactly once, across both devices.
	var all []string
	for _, ids := range ran {
		all = append(all, ids...)
	}
	sort.Strings(all)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, all)

	// Five sessions each contributed one visit to the shared screen.
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap["fp-shared"].Visits, "deltas merge in completion order without loss")
}

func TestSchedulerDeviceSelector(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig("dev-1", "dev-2")
	store := fileStore(t)

	var mu sync.Mutex
	ran := make(map[string][]string)
	sched, err := New(cfg, store, countingRunner(&mu, ran), testLogger)
	require.NoError(t, err)

	jobs := []schemas.JobSpec{
		{ID: "pinned", AppPackage: "com.app", DeviceSelector: "dev-2"},
		{ID: "free", AppPackage: "com.app"},
	}
	_, err = sched.Run(context.Background(), jobs, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"pinned"}, ran["dev-2"][:1], "pinned job must run on its selected device")
}

func TestSchedulerUnmatchedSelectorReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig("dev-1")
	store := fileStore(t)

	var mu sync.Mutex
	ran := make(map[string][]string)
	sched, err := New(cfg, store, countingRunner(&mu, ran), testLogger)
	require.NoError(t, err)

	jobs := []schemas.JobSpec{
		{ID: "runnable", AppPackage: "com.app"},
		{ID: "orphan", AppPackage: "com.app", DeviceSelector: "dev-404"},
	}
	summary, err := sched.Run(context.Background(), jobs, 0)
	require.NoError(t, err)

	// The unmatched job still appears in the summary, as a failure.
	require.Len(t, summary.Results, 2)
	byID := make(map[string]schemas.SessionResult)
	for _, r := range summary.Results {
		byID[r.JobID] = r
	}
	assert.Equal(t, schemas.TerminalDone, byID["runnable"].Terminal.Kind)
	assert.Equal(t, schemas.TerminalFailed, byID["orphan"].Terminal.Kind)
	assert.Contains(t, byID["orphan"].Terminal.Reason, "dev-404")
	assert.Empty(t, ran["dev-404"], "no session ever ran for the orphan job")
}

func TestSchedulerGracefulCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig("dev-1")
	cfg.Scheduler.WallClockCeiling = 50 * time.Millisecond
	store := fileStore(t)

	// The runner honors cancellation the way a real session does: it returns
	// at the next step boundary with whatever it has.
	runner := func(ctx context.Context, job schemas.JobSpec, device config.DeviceConfig,
		know map[schemas.Fingerprint]schemas.KnowledgeRecord) (schemas.SessionResult, []schemas.KnowledgeRecord) {
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
		}
		return schemas.SessionResult{
				JobID: job.ID, DeviceID: device.Serial,
				Terminal: schemas.TerminalStatus{Kind: schemas.TerminalDone, Reason: "stopped"},
			}, []schemas.KnowledgeRecord{
				{Fingerprint: "fp-partial", Activity: "Main", Visits: 1},
			}
	}

	sched, err := New(cfg, store, runner, testLogger)
	require.NoError(t, err)

	start := time.Now()
	summary, err := sched.Run(context.Background(), jobSpecs(1), 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "ceiling must cut the run short")
	require.Len(t, summary.Results, 1)

	// Partial knowledge from the interrupted session still merged and flushed.
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap["fp-partial"].Visits)
}

func TestSchedulerRequiresDevices(t *testing.T) {
	cfg := testConfig()
	_, err := New(cfg, fileStore(t), nil, testLogger)
	assert.Error(t, err)
}
