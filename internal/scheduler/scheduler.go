// internal/scheduler/scheduler.go

// Package scheduler assigns exploration jobs to a bounded device pool. Each
// device runs at most one session at a time; results and knowledge deltas
// merge in completion order, which is safe because the store's merges are
// commutative.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
)

// SessionRunner executes one job on one device and returns the result plus
// the session's knowledge deltas. Production wiring builds a driver, an
// executor, and a session behind this; tests substitute fakes.
type SessionRunner func(ctx context.Context, job schemas.JobSpec, device config.DeviceConfig,
	knowledge map[schemas.Fingerprint]schemas.KnowledgeRecord) (schemas.SessionResult, []schemas.KnowledgeRecord)

// Scheduler runs a set of jobs across the configured devices.
type Scheduler struct {
	cfg    *config.Config
	store  schemas.KnowledgeStore
	runner SessionRunner
	logger *zap.Logger

	mu      sync.Mutex
	pending []schemas.JobSpec
	results []schemas.SessionResult
}

// New creates a scheduler.
func New(cfg *config.Config, store schemas.KnowledgeStore, runner SessionRunner, logger *zap.Logger) (*Scheduler, error) {
	if len(cfg.Driver.Devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		runner: runner,
		logger: logger.Named("scheduler"),
	}, nil
}

// Run executes all jobs and returns the merged summary. The wall-clock
// ceiling cancels the run context; sessions notice at their next step
// boundary and finish gracefully, and their partial knowledge still merges.
func (s *Scheduler) Run(ctx context.Context, jobs []schemas.JobSpec, skipped int) (schemas.RunSummary, error) {
	started := time.Now().UTC()
	s.pending = append([]schemas.JobSpec(nil), jobs...)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.WallClockCeiling)
	defer cancel()

	if err := s.store.Load(runCtx); err != nil {
		return schemas.RunSummary{}, fmt.Errorf("failed to load knowledge: %w", err)
	}

	checkpointDone := s.startCheckpoints(runCtx)

	g, groupCtx := errgroup.WithContext(runCtx)
	for _, device := range s.cfg.Driver.Devices {
		device := device
		g.Go(func() error {
			s.deviceWorker(groupCtx, device)
			return nil
		})
	}

	// Workers never return errors; failed sessions are results, not faults.
	_ = g.Wait()
	cancel()
	<-checkpointDone

	s.reportUnrun()

	// Final flush happens on a fresh context: the run context may already be
	// past its ceiling, and losing the merged knowledge at the finish line
	// would defeat the whole run.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	if err := s.store.Flush(flushCtx); err != nil {
		return schemas.RunSummary{}, fmt.Errorf("failed to flush knowledge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	summary := schemas.RunSummary{
		Results:      append([]schemas.SessionResult(nil), s.results...),
		JobsAccepted: len(jobs),
		JobsSkipped:  skipped,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	s.logger.Info("Run complete",
		zap.Int("jobs", summary.JobsAccepted),
		zap.Int("sessions", len(summary.Results)),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))
	return summary, nil
}

// deviceWorker drains jobs matching this device until none remain or the run
// context ends.
func (s *Scheduler) deviceWorker(ctx context.Context, device config.DeviceConfig) {
	logger := s.logger.With(zap.String("device", device.Serial))
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := s.claimJob(device.Serial)
		if !ok {
			return
		}
		logger.Info("Starting session", zap.String("job_id", job.ID))

		knowledge, err := s.store.Snapshot(ctx)
		if err != nil {
			logger.Error("Failed to snapshot knowledge, starting without hints", zap.Error(err))
			knowledge = nil
		}

		result, deltas := s.runner(ctx, job, device, knowledge)

		if err := s.store.MergeDeltas(ctx, deltas); err != nil {
			logger.Error("Failed to merge session knowledge", zap.Error(err))
		}
		s.mu.Lock()
		s.results = append(s.results, result)
		s.mu.Unlock()

		logger.Info("Session merged",
			zap.String("job_id", job.ID),
			zap.String("terminal", string(result.Terminal.Kind)),
			zap.Int("deltas", len(deltas)))
	}
}

// claimJob removes and returns the first pending job this device may run:
// either unconstrained or selecting this serial.
func (s *Scheduler) claimJob(serial string) (schemas.JobSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.pending {
		if job.DeviceSelector == "" || job.DeviceSelector == serial {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return job, true
		}
	}
	return schemas.JobSpec{}, false
}

// reportUnrun converts jobs still pending after the pool drained into failed
// results so nothing vanishes from the summary: either the selector matched
// no configured device, or the run ended before a device got to the job.
func (s *Scheduler) reportUnrun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.pending {
		reason := "run ended before the job could start"
		if job.DeviceSelector != "" && !s.deviceConfigured(job.DeviceSelector) {
			reason = fmt.Sprintf("no configured device matches selector %q", job.DeviceSelector)
		}
		s.logger.Warn("Job not run",
			zap.String("job_id", job.ID),
			zap.String("selector", job.DeviceSelector),
			zap.String("reason", reason))
		s.results = append(s.results, schemas.SessionResult{
			JobID:    job.ID,
			DeviceID: job.DeviceSelector,
			Terminal: schemas.TerminalStatus{Kind: schemas.TerminalFailed, Reason: reason},
		})
	}
	s.pending = nil
}

func (s *Scheduler) deviceConfigured(serial string) bool {
	for _, device := range s.cfg.Driver.Devices {
		if device.Serial == serial {
			return true
		}
	}
	return false
}

// startCheckpoints flushes merged knowledge periodically so a mid-run crash
// loses at most one interval. Returns a channel closed when the loop exits.
func (s *Scheduler) startCheckpoints(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if s.cfg.Scheduler.CheckpointInterval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Scheduler.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.Flush(ctx); err != nil {
					s.logger.Warn("Checkpoint flush failed", zap.Error(err))
				} else {
					s.logger.Debug("Knowledge checkpoint flushed")
				}
			}
		}
	}()
	return done
}
