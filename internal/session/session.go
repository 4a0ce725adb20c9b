// internal/session/session.go

// Package session runs the exploration loop for one device: observe the
// screen, decide a step, act, record the transition, repeat. A session owns
// its driver, its activity graph, and nothing shared; everything cross-session
// flows through knowledge deltas returned at the end.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
	"github.com/xkilldash9x/droidprowl/internal/executor"
	"github.com/xkilldash9x/droidprowl/internal/fingerprint"
	"github.com/xkilldash9x/droidprowl/internal/graph"
	"github.com/xkilldash9x/droidprowl/internal/oracle"
)

// phase names the state machine positions. Transitions are explicit: each
// phase returns the next one, and recovery paths are ordinary transitions
// rather than unwinding errors.
type phase int

const (
	phaseObserving phase = iota
	phaseDeciding
	phaseActing
	phaseRecording
	phaseDone
	phaseFailed
)

// descriptorForcedBack is the edge label for the automatic back press on
// screens with nothing actionable; descriptorBack labels the fallback back
// press toward the frontier. Neither is bound to an element.
const (
	descriptorForcedBack = "no action can be taken"
	descriptorBack       = "back"
)

// Session drives one device through one job.
type Session struct {
	id       string
	job      schemas.JobSpec
	driver   schemas.Driver
	fp       *fingerprint.Fingerprinter
	graph    *graph.Graph
	oracle   *oracle.Oracle
	exec     *executor.Executor
	cfg      config.ExploreConfig
	knowHint map[schemas.Fingerprint]schemas.KnowledgeRecord
	logger   *zap.Logger

	// loop state
	current     schemas.ScreenState
	currentNode *graph.Node
	decision    schemas.Decision
	descriptor  string
	outcome     schemas.StepOutcome
	steps       int
	terminal    schemas.TerminalStatus

	deltas map[schemas.Fingerprint]*schemas.KnowledgeRecord
}

// New creates a session. knowledgeSnapshot is the store's read snapshot taken
// at session start; it is only read, never written.
func New(job schemas.JobSpec, driver schemas.Driver, fp *fingerprint.Fingerprinter,
	o *oracle.Oracle, exec *executor.Executor, cfg config.ExploreConfig,
	knowledgeSnapshot map[schemas.Fingerprint]schemas.KnowledgeRecord, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		job:      job,
		driver:   driver,
		fp:       fp,
		graph:    graph.New(cfg.DeadEndRetries, logger),
		oracle:   o,
		exec:     exec,
		cfg:      cfg,
		knowHint: knowledgeSnapshot,
		logger: logger.Named("session").With(
			zap.String("session_id", id[:8]),
			zap.String("job_id", job.ID),
			zap.String("device", driver.DeviceID())),
		deltas: make(map[schemas.Fingerprint]*schemas.KnowledgeRecord),
	}
}

// Run executes the loop until a terminal state. It always returns a result
// and whatever knowledge the session gathered, even on failure: a failed
// exploration still teaches which actions not to retry.
func (s *Session) Run(ctx context.Context) (schemas.SessionResult, []schemas.KnowledgeRecord) {
	started := time.Now().UTC()
	s.logger.Info("Session starting",
		zap.String("package", s.job.AppPackage),
		zap.Int("step_budget", s.budget()))

	if s.job.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.job.TimeBudget)
		defer cancel()
	}

	if err := s.exec.RestartApp(ctx); err != nil {
		s.terminal = schemas.TerminalStatus{Kind: schemas.TerminalFailed,
			Reason: fmt.Sprintf("failed to launch app: %v", err)}
	} else {
		s.runLoop(ctx)
	}

	result := schemas.SessionResult{
		SessionID:    s.id,
		JobID:        s.job.ID,
		DeviceID:     s.driver.DeviceID(),
		NodesVisited: s.graph.NodeCount(),
		StepsTaken:   s.steps,
		Edges:        s.graph.Edges(),
		Terminal:     s.terminal,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	s.logger.Info("Session finished",
		zap.String("terminal", string(s.terminal.Kind)),
		zap.String("reason", s.terminal.Reason),
		zap.Int("steps", s.steps),
		zap.Int("nodes", result.NodesVisited))
	return result, s.collectDeltas()
}

// runLoop walks the state machine until a terminal phase.
func (s *Session) runLoop(ctx context.Context) {
	p := phaseObserving
	for {
		switch p {
		case phaseObserving:
			p = s.observe(ctx)
		case phaseDeciding:
			p = s.decide(ctx)
		case phaseActing:
			p = s.act(ctx)
		case phaseRecording:
			p = s.record(ctx)
		case phaseDone, phaseFailed:
			return
		}
	}
}

// observe seeds the loop: it captures and fingerprints the entry screen,
// retrying transient capture failures up to the cap. It runs exactly once;
// the steady-state dest observation happens inside record.
func (s *Session) observe(ctx context.Context) phase {
	if err := ctx.Err(); err != nil {
		return s.stopRequested()
	}

	state, snap, err := s.observeWithRetries(ctx)
	if err != nil {
		return s.fail(fmt.Sprintf("capture failed after %d attempts: %v", s.cfg.CaptureRetries+1, err))
	}

	if escaped := s.handleEscape(ctx, snap); escaped != nil {
		state = *escaped
	}

	s.current = state
	s.currentNode = s.graph.LookupOrCreate(state.Fingerprint, state.Activity, 0)
	s.noteVisit(state)
	return phaseDeciding
}

// decide picks the next step: a forced back on empty screens, otherwise the
// oracle with the fallback policy behind it.
func (s *Session) decide(ctx context.Context) phase {
	if err := ctx.Err(); err != nil {
		return s.stopRequested()
	}
	if s.steps >= s.budget() {
		return s.done(schemas.VerdictBudgetExhausted, "step budget reached")
	}

	s.graph.SetAvailableActions(s.current.Fingerprint, s.availableDescriptors())

	if len(s.current.Elements) == 0 {
		// Nothing actionable. Back out rather than stalling.
		s.decision = schemas.Decision{Kind: schemas.DecisionAction,
			Action: &schemas.PlannedAction{Interaction: schemas.InteractionBack}}
		s.descriptor = descriptorForcedBack
		return phaseActing
	}

	decision, err := s.oracle.Decide(ctx, s.oracleInput())
	fellBack := false
	if err != nil {
		// Cancellation can surface wrapped by the oracle's error types, so
		// the chain check comes first: a graceful stop is not a failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return s.stopRequested()
		}
		var unavailable *oracle.UnavailableError
		if errors.As(err, &unavailable) {
			return s.fail(fmt.Sprintf("oracle unavailable: %v", unavailable.Err))
		}
		// Parse/invalid retries exhausted. Fall back to the frontier policy.
		s.logger.Warn("Oracle retries exhausted, using fallback policy", zap.Error(err))
		decision = s.fallbackDecision()
		fellBack = true
	}

	if decision.Kind == schemas.DecisionStop {
		detail := "oracle verdict"
		if fellBack {
			detail = "no untried actions remain anywhere"
		}
		return s.done(decision.Verdict, detail)
	}

	s.decision = decision
	if decision.Action.Interaction == schemas.InteractionBack {
		s.descriptor = descriptorBack
	} else {
		element, _ := s.current.Element(decision.Action.ElementIndex)
		s.descriptor = decision.Action.Descriptor(element)
	}
	return phaseActing
}

// act executes the decided action. Crash recovery happens inside the
// executor; whatever the outcome, the step proceeds to recording.
func (s *Session) act(ctx context.Context) phase {
	if err := ctx.Err(); err != nil {
		return s.stopRequested()
	}

	var result executor.Result
	if s.decision.Action.Interaction == schemas.InteractionBack {
		result = s.exec.PressBack(ctx)
	} else {
		result = s.exec.Execute(ctx, s.current, *s.decision.Action)
	}
	s.outcome = result.Outcome
	if result.Err != nil {
		s.logger.Debug("Step did not succeed",
			zap.String("action", s.descriptor),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(result.Err))
	}
	return phaseRecording
}

// record observes the destination screen and appends exactly one edge for
// this iteration, then loops back to deciding on the new screen.
func (s *Session) record(ctx context.Context) phase {
	state, snap, err := s.observeWithRetries(ctx)
	if err != nil {
		return s.fail(fmt.Sprintf("capture failed after action %q: %v", s.descriptor, err))
	}
	if escaped := s.handleEscape(ctx, snap); escaped != nil {
		state = *escaped
		s.outcome = schemas.OutcomeFailure
	}

	source := s.current.Fingerprint
	destNode := s.graph.LookupOrCreate(state.Fingerprint, state.Activity, s.currentNode.Depth+1)
	s.noteVisit(state)
	s.graph.RecordEdge(source, s.descriptor, state.Fingerprint, s.outcome, s.steps+1)
	s.steps++
	s.noteTried(source, s.descriptor, s.outcome)

	s.current = state
	s.currentNode = destNode

	if s.steps >= s.budget() {
		return s.done(schemas.VerdictBudgetExhausted, "step budget reached")
	}
	if s.cfg.StepPause > 0 {
		select {
		case <-time.After(s.cfg.StepPause):
		case <-ctx.Done():
			return s.stopRequested()
		}
	}
	return phaseDeciding
}

// observeWithRetries captures and fingerprints, treating CaptureError and
// driver failures as transient up to the cap.
func (s *Session) observeWithRetries(ctx context.Context) (schemas.ScreenState, schemas.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.CaptureRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return schemas.ScreenState{}, schemas.Snapshot{}, err
		}
		snap, err := s.driver.CaptureSnapshot(ctx)
		if err == nil {
			state, ferr := s.fp.Compute(snap)
			if ferr == nil {
				return state, snap, nil
			}
			err = ferr
		}
		lastErr = err
		s.logger.Warn("Observation failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.cfg.CaptureRetries+1),
			zap.Error(err))
	}
	return schemas.ScreenState{}, schemas.Snapshot{}, lastErr
}

// handleEscape restarts the app when the foreground package left the target
// and is not whitelisted, then re-observes the restored screen. Returns the
// restored state, or nil when no escape happened.
func (s *Session) handleEscape(ctx context.Context, snap schemas.Snapshot) *schemas.ScreenState {
	if snap.Package == "" || snap.Package == s.job.AppPackage {
		return nil
	}
	for _, allowed := range s.cfg.ForegroundWhitelist {
		if snap.Package == allowed {
			return nil
		}
	}

	s.logger.Warn("Foreground left the target app, restarting",
		zap.String("escaped_to", snap.Package))
	if err := s.exec.RestartApp(ctx); err != nil {
		s.logger.Error("Failed to recover from package escape", zap.Error(err))
		return nil
	}
	state, _, err := s.observeWithRetries(ctx)
	if err != nil {
		s.logger.Error("Failed to observe after package escape recovery", zap.Error(err))
		return nil
	}
	return &state
}

// fallbackDecision is the frontier policy: the first untried action on the
// current screen, otherwise a back press toward the shallowest frontier node
// that still has untried actions. With the frontier empty everywhere, the
// exploration is exhausted and the session stops cleanly.
func (s *Session) fallbackDecision() schemas.Decision {
	untried := s.graph.UntriedActions(s.current.Fingerprint)
	if len(untried) > 0 {
		want := untried[0]
		for _, el := range s.current.Elements {
			for _, in := range el.Interactions {
				candidate := schemas.PlannedAction{ElementIndex: el.Index, Interaction: in, Rationale: "fallback policy"}
				if in == schemas.InteractionSwipe {
					candidate.Direction = schemas.SwipeUp
				}
				if in == schemas.InteractionTypeText {
					candidate.Text = "test"
				}
				if candidate.Descriptor(el) == want {
					return schemas.Decision{Kind: schemas.DecisionAction, Action: &candidate}
				}
			}
		}
	}

	frontier := s.graph.Frontier()
	if len(frontier) == 0 {
		return schemas.Decision{Kind: schemas.DecisionStop, Verdict: schemas.VerdictOracleDone}
	}
	s.logger.Debug("Backing out toward the frontier",
		zap.String("toward", frontier[0].Activity),
		zap.Int("depth", frontier[0].Depth))
	return schemas.Decision{Kind: schemas.DecisionAction,
		Action: &schemas.PlannedAction{Interaction: schemas.InteractionBack, Rationale: "fallback policy"}}
}

// oracleInput assembles the prompt material for the current screen.
func (s *Session) oracleInput() oracle.Input {
	tried := make(map[string]int)
	for _, desc := range s.availableDescriptors() {
		if n := s.graph.TriedCount(s.current.Fingerprint, desc); n > 0 {
			tried[desc] = n
		}
	}
	in := oracle.Input{
		State: oracle.ScreenContext{
			State:       s.current,
			Visits:      s.currentNode.Visits,
			TriedCounts: tried,
		},
		History: s.graph.RecentHistory(s.cfg.HistorySteps),
	}
	if rec, ok := s.knowHint[s.current.Fingerprint]; ok {
		in.Knowledge = &rec
	}
	return in
}

// availableDescriptors enumerates the action descriptors the current screen
// offers, one per element-interaction pair.
func (s *Session) availableDescriptors() []string {
	var descriptors []string
	for _, el := range s.current.Elements {
		for _, in := range el.Interactions {
			action := schemas.PlannedAction{Interaction: in}
			if in == schemas.InteractionSwipe {
				action.Direction = schemas.SwipeUp
			}
			descriptors = append(descriptors, action.Descriptor(el))
		}
	}
	return descriptors
}

// noteVisit accumulates the visit delta for a screen.
func (s *Session) noteVisit(state schemas.ScreenState) {
	now := time.Now().UTC()
	delta := s.delta(state.Fingerprint, state.Activity)
	delta.Visits++
	if delta.FirstSeen.IsZero() {
		delta.FirstSeen = now
	}
	delta.LastSeen = now
}

// noteTried accumulates the attempt delta for one action.
func (s *Session) noteTried(fp schemas.Fingerprint, descriptor string, outcome schemas.StepOutcome) {
	delta := s.delta(fp, "")
	if delta.TriedActions == nil {
		delta.TriedActions = make(map[string]int)
	}
	delta.TriedActions[descriptor]++
	if outcome == schemas.OutcomeAppCrashed {
		delta.CrashTrigger = true
	}
}

func (s *Session) delta(fp schemas.Fingerprint, activity string) *schemas.KnowledgeRecord {
	if d, ok := s.deltas[fp]; ok {
		if d.Activity == "" {
			d.Activity = activity
		}
		return d
	}
	d := &schemas.KnowledgeRecord{Fingerprint: fp, Activity: activity}
	s.deltas[fp] = d
	return d
}

// collectDeltas finalizes the session's knowledge contribution, marking
// screens the graph proved to be dead ends.
func (s *Session) collectDeltas() []schemas.KnowledgeRecord {
	out := make([]schemas.KnowledgeRecord, 0, len(s.deltas))
	for fp, delta := range s.deltas {
		if s.graph.IsDeadEnd(fp) {
			delta.DeadEnd = true
		}
		out = append(out, *delta)
	}
	return out
}

func (s *Session) budget() int {
	if s.job.StepBudget > 0 {
		return s.job.StepBudget
	}
	return s.cfg.StepBudget
}

func (s *Session) done(verdict schemas.StopVerdict, detail string) phase {
	s.terminal = schemas.TerminalStatus{Kind: schemas.TerminalDone,
		Reason: fmt.Sprintf("%s (%s)", verdict, detail)}
	return phaseDone
}

func (s *Session) fail(reason string) phase {
	s.terminal = schemas.TerminalStatus{Kind: schemas.TerminalFailed, Reason: reason}
	return phaseFailed
}

func (s *Session) stopRequested() phase {
	s.terminal = schemas.TerminalStatus{Kind: schemas.TerminalDone,
		Reason: "stopped before completion at a step boundary"}
	return phaseDone
}
