// api/schemas/schemas.go
package schemas

import "time"

// Fingerprint is the stable identity of one logical screen: a hex encoded
// SHA-256 over the canonicalized UI hierarchy plus the activity name.
// Immutable once computed.
type Fingerprint string

// ElementRole is a coarse, natural language classification of a UI element,
// derived from its Android widget class. The oracle prompt uses it so the
// model reasons about "a button" rather than "android.widget.AppCompatButton".
type ElementRole string

const (
	RoleButton    ElementRole = "button"
	RoleTextField ElementRole = "text field"
	RoleCheckbox  ElementRole = "checkbox"
	RoleListItem  ElementRole = "list item"
	RoleContainer ElementRole = "container"
	RoleGeneric   ElementRole = "element"
)

// Interaction identifies one gesture the driver can perform on an element.
type Interaction string

const (
	InteractionTap       Interaction = "tap"
	InteractionLongPress Interaction = "long-press"
	InteractionTypeText  Interaction = "type-text"
	InteractionSwipe     Interaction = "swipe"
	// InteractionBack is the hardware back key. It is not bound to an element;
	// the session issues it when a screen exposes nothing actionable.
	InteractionBack Interaction = "back"
)

// SwipeDirection parameterizes InteractionSwipe.
type SwipeDirection string

const (
	SwipeUp    SwipeDirection = "up"
	SwipeDown  SwipeDirection = "down"
	SwipeLeft  SwipeDirection = "left"
	SwipeRight SwipeDirection = "right"
)

// Bounds is an element's on-screen rectangle, parsed from the Android
// "[x1,y1][x2,y2]" bounds attribute.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the midpoint of the bounds, the default gesture target.
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Empty reports whether the rectangle has no area.
func (b Bounds) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// ActionableElement is a UI element reachable from the current screen.
// Its lifetime is a single observation; indices are only meaningful against
// the ScreenState that produced them and are never persisted.
type ActionableElement struct {
	Index        int           `json:"index"`
	Role         ElementRole   `json:"role"`
	Class        string        `json:"class"`
	Label        string        `json:"label"`
	XPath        string        `json:"xpath"`
	Bounds       Bounds        `json:"bounds"`
	Interactions []Interaction `json:"interactions"`
}

// Supports reports whether the element advertises the given interaction.
func (e ActionableElement) Supports(in Interaction) bool {
	for _, candidate := range e.Interactions {
		if candidate == in {
			return true
		}
	}
	return false
}

// Snapshot is a raw capture from the automation driver: the page source XML
// plus screen metadata. The fingerprinter reduces it to a ScreenState.
type Snapshot struct {
	DeviceID string    `json:"device_id"`
	Package  string    `json:"package"`
	Activity string    `json:"activity"`
	XML      string    `json:"xml"`
	TakenAt  time.Time `json:"taken_at"`
}

// ScreenState is the normalized form of one observation: a stable fingerprint
// and the deterministically ordered actionable element set. Two captures of
// the same logical screen yield equal fingerprints and enumerate their
// elements in the same order, which the oracle depends on for reproducible
// prompts.
type ScreenState struct {
	Fingerprint Fingerprint         `json:"fingerprint"`
	Activity    string              `json:"activity"`
	Elements    []ActionableElement `json:"elements"`
}

// Element resolves an element index against this state.
func (s ScreenState) Element(index int) (ActionableElement, bool) {
	if index < 0 || index >= len(s.Elements) {
		return ActionableElement{}, false
	}
	return s.Elements[index], true
}

// StopVerdict is a terminal decision from the oracle or the session itself.
type StopVerdict string

const (
	VerdictGoalReached     StopVerdict = "goal-reached"
	VerdictBudgetExhausted StopVerdict = "budget-exhausted"
	VerdictOracleDone      StopVerdict = "oracle-done"
)

// DecisionKind tags the Decision variant.
type DecisionKind string

const (
	DecisionAction DecisionKind = "action"
	DecisionStop   DecisionKind = "stop"
)

// PlannedAction references one ActionableElement by index plus the
// interaction parameters the driver needs.
type PlannedAction struct {
	ElementIndex int            `json:"element_index"`
	Interaction  Interaction    `json:"interaction"`
	Text         string         `json:"text,omitempty"`
	Direction    SwipeDirection `json:"direction,omitempty"`
	Rationale    string         `json:"rationale,omitempty"`
}

// Descriptor is a stable, persistence-friendly identity for the action,
// independent of this observation's element indices.
func (a PlannedAction) Descriptor(element ActionableElement) string {
	desc := string(a.Interaction) + " " + element.Label
	if a.Direction != "" {
		desc += " " + string(a.Direction)
	}
	return desc
}

// Decision is the oracle's validated output: either an action to perform or a
// terminal verdict. Produced fresh each step, never retained.
type Decision struct {
	Kind    DecisionKind   `json:"kind"`
	Action  *PlannedAction `json:"action,omitempty"`
	Verdict StopVerdict    `json:"verdict,omitempty"`
}

// StepOutcome classifies what happened when an action was executed.
type StepOutcome string

const (
	OutcomeSuccess      StepOutcome = "success"
	OutcomeFailure      StepOutcome = "failure"
	OutcomeElementStale StepOutcome = "element-stale"
	OutcomeAppCrashed   StepOutcome = "app-crashed"
	OutcomeTimeout      StepOutcome = "driver-timeout"
)

// EdgeRecord is one attempted transition in the activity graph. Append-only;
// multiple records may share source and action when outcomes differ across
// runs. Non-determinism is expected and recorded, not deduplicated.
type EdgeRecord struct {
	ID      string      `json:"id"`
	Source  Fingerprint `json:"source"`
	Action  string      `json:"action"`
	Dest    Fingerprint `json:"dest"`
	Outcome StepOutcome `json:"outcome"`
	Step    int         `json:"step"`
	At      time.Time   `json:"at"`
}

// TerminalKind distinguishes a clean finish from a failed session.
type TerminalKind string

const (
	TerminalDone   TerminalKind = "done"
	TerminalFailed TerminalKind = "failed"
)

// TerminalStatus is the final state of one session with a human-readable reason.
type TerminalStatus struct {
	Kind   TerminalKind `json:"kind"`
	Reason string       `json:"reason"`
}

// SessionResult is the final record for one device run. Owned by the
// scheduler once the session ends.
type SessionResult struct {
	SessionID    string         `json:"session_id"`
	JobID        string         `json:"job_id"`
	DeviceID     string         `json:"device_id"`
	NodesVisited int            `json:"nodes_visited"`
	StepsTaken   int            `json:"steps_taken"`
	Edges        []EdgeRecord   `json:"edges"`
	Terminal     TerminalStatus `json:"terminal"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// RunSummary aggregates a whole scheduler run.
type RunSummary struct {
	Results      []SessionResult `json:"results"`
	JobsAccepted int             `json:"jobs_accepted"`
	JobsSkipped  int             `json:"jobs_skipped"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// JobSpec describes one exploration job from a job file.
type JobSpec struct {
	ID             string        `json:"id"`
	AppPackage     string        `json:"app_package"`
	EntryActivity  string        `json:"entry_activity,omitempty"`
	DeviceSelector string        `json:"device_selector,omitempty"`
	StepBudget     int           `json:"step_budget"`
	TimeBudget     time.Duration `json:"time_budget,omitempty"`
}

// KnowledgeRecord is the durable, cross-session aggregate for one
// fingerprint. Owned exclusively by the knowledge store; sessions read a
// snapshot at start and submit deltas at end, never mutating records
// directly.
type KnowledgeRecord struct {
	Fingerprint  Fingerprint    `json:"fingerprint"`
	Activity     string         `json:"activity"`
	Visits       int            `json:"visits"`
	TriedActions map[string]int `json:"tried_actions,omitempty"`
	DeadEnd      bool           `json:"dead_end,omitempty"`
	CrashTrigger bool           `json:"crash_trigger,omitempty"`
	Annotation   string         `json:"annotation,omitempty"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
}

// Merge folds another record for the same fingerprint into this one.
// The operation is commutative and associative for any set of deltas:
// counts sum, flags OR, FirstSeen takes the minimum, LastSeen the maximum,
// and the annotation resolves to the longest value with a lexicographic
// tiebreak so merge order never changes the result.
func (r *KnowledgeRecord) Merge(other KnowledgeRecord) {
	if r.Fingerprint == "" {
		r.Fingerprint = other.Fingerprint
	}
	if r.Activity == "" {
		r.Activity = other.Activity
	}
	r.Visits += other.Visits
	if len(other.TriedActions) > 0 && r.TriedActions == nil {
		r.TriedActions = make(map[string]int, len(other.TriedActions))
	}
	for action, count := range other.TriedActions {
		r.TriedActions[action] += count
	}
	r.DeadEnd = r.DeadEnd || other.DeadEnd
	r.CrashTrigger = r.CrashTrigger || other.CrashTrigger
	if betterAnnotation(other.Annotation, r.Annotation) {
		r.Annotation = other.Annotation
	}
	if r.FirstSeen.IsZero() || (!other.FirstSeen.IsZero() && other.FirstSeen.Before(r.FirstSeen)) {
		r.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(r.LastSeen) {
		r.LastSeen = other.LastSeen
	}
}

// betterAnnotation picks a deterministic winner regardless of merge order.
func betterAnnotation(candidate, current string) bool {
	if len(candidate) != len(current) {
		return len(candidate) > len(current)
	}
	return candidate > current
}
