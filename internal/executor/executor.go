// internal/executor/executor.go

// Package executor translates validated decisions into driver gestures and
// classifies what happened. Each failure class has its own recovery: stale
// elements get one re-resolution against a fresh observation, crashes restart
// the app, timeouts retry a bounded number of times. The session only ever
// sees an outcome tag.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/fingerprint"
)

// ActionExecutionError carries the outcome classification alongside the
// underlying driver error.
type ActionExecutionError struct {
	Outcome schemas.StepOutcome
	Err     error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action execution failed (%s): %v", e.Outcome, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// Result is the executor's report for one step.
type Result struct {
	Outcome schemas.StepOutcome
	// Err is set for non-success outcomes when a driver error caused them.
	Err error
}

// Executor performs planned actions on one device.
type Executor struct {
	driver         schemas.Driver
	fp             *fingerprint.Fingerprinter
	watcher        *CrashWatcher
	appPackage     string
	entryActivity  string
	timeoutRetries int
	logger         *zap.Logger
}

// New creates an executor bound to one driver and one target app.
func New(driver schemas.Driver, fp *fingerprint.Fingerprinter, watcher *CrashWatcher,
	appPackage, entryActivity string, timeoutRetries int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeoutRetries < 0 {
		timeoutRetries = 0
	}
	return &Executor{
		driver:         driver,
		fp:             fp,
		watcher:        watcher,
		appPackage:     appPackage,
		entryActivity:  entryActivity,
		timeoutRetries: timeoutRetries,
		logger:         logger.Named("executor"),
	}
}

// Execute performs the action against the screen the decision was made on.
// The UI is re-observed first: if the screen changed since the decision, the
// element is stale and gets exactly one re-resolution attempt against the
// fresh state before the step gives up.
func (e *Executor) Execute(ctx context.Context, observed schemas.ScreenState, action schemas.PlannedAction) Result {
	element, ok := observed.Element(action.ElementIndex)
	if !ok {
		return Result{Outcome: schemas.OutcomeFailure,
			Err: fmt.Errorf("element index %d not present in observed state", action.ElementIndex)}
	}

	target, result := e.resolveTarget(ctx, observed, element)
	if result != nil {
		return *result
	}

	if err := e.perform(ctx, target, action); err != nil {
		return e.classify(ctx, err)
	}

	if e.watcher != nil && e.watcher.Crashed() {
		return e.recoverFromCrash(ctx, fmt.Errorf("fatal exception in logcat: %s", e.watcher.LastLine()))
	}
	return Result{Outcome: schemas.OutcomeSuccess}
}

// resolveTarget re-observes the screen and locates the element the decision
// referenced. Returns the element to act on, or a final Result when the step
// cannot proceed.
func (e *Executor) resolveTarget(ctx context.Context, observed schemas.ScreenState, element schemas.ActionableElement) (schemas.ActionableElement, *Result) {
	snap, err := e.driver.CaptureSnapshot(ctx)
	if err != nil {
		res := e.classify(ctx, fmt.Errorf("pre-action observation failed: %w", err))
		return schemas.ActionableElement{}, &res
	}
	fresh, err := e.fp.Compute(snap)
	if err != nil {
		res := Result{Outcome: schemas.OutcomeElementStale, Err: err}
		return schemas.ActionableElement{}, &res
	}

	if fresh.Fingerprint == observed.Fingerprint {
		// Same logical screen. Bounds are volatile, so act on the fresh copy
		// of the same element rather than the possibly shifted original.
		if current, ok := fresh.Element(element.Index); ok && current.XPath == element.XPath {
			return current, nil
		}
	}

	// Screen changed under the decision. One re-resolution attempt: match by
	// structural path with positional indices stripped, then by label.
	e.logger.Debug("Element stale, attempting re-resolution",
		zap.String("label", element.Label),
		zap.String("xpath", element.XPath))

	if match, ok := reResolve(fresh, element); ok {
		e.logger.Debug("Re-resolved stale element", zap.String("label", match.Label))
		return match, nil
	}

	res := Result{Outcome: schemas.OutcomeElementStale,
		Err: &ActionExecutionError{
			Outcome: schemas.OutcomeElementStale,
			Err:     fmt.Errorf("element %q no longer present after UI change", element.Label),
		}}
	return schemas.ActionableElement{}, &res
}

// reResolve searches the fresh state for the same logical element.
func reResolve(fresh schemas.ScreenState, stale schemas.ActionableElement) (schemas.ActionableElement, bool) {
	want := fingerprint.StripXPathIndices(stale.XPath)
	for _, candidate := range fresh.Elements {
		if fingerprint.StripXPathIndices(candidate.XPath) == want && candidate.Label == stale.Label {
			return candidate, true
		}
	}
	for _, candidate := range fresh.Elements {
		if candidate.Label == stale.Label && candidate.Label != "" && candidate.Class == stale.Class {
			return candidate, true
		}
	}
	return schemas.ActionableElement{}, false
}

// perform issues the gesture, retrying driver timeouts up to the cap.
func (e *Executor) perform(ctx context.Context, element schemas.ActionableElement, action schemas.PlannedAction) error {
	var err error
	for attempt := 0; attempt <= e.timeoutRetries; attempt++ {
		err = e.gesture(ctx, element, action)
		if err == nil || !isTimeout(err) {
			return err
		}
		e.logger.Warn("Driver timeout, retrying gesture",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.timeoutRetries+1),
			zap.Error(err))
	}
	return err
}

func (e *Executor) gesture(ctx context.Context, element schemas.ActionableElement, action schemas.PlannedAction) error {
	switch action.Interaction {
	case schemas.InteractionTap:
		return e.driver.Tap(ctx, element.Bounds)
	case schemas.InteractionLongPress:
		return e.driver.LongPress(ctx, element.Bounds)
	case schemas.InteractionTypeText:
		return e.driver.TypeText(ctx, element.Bounds, action.Text)
	case schemas.InteractionSwipe:
		return e.driver.Swipe(ctx, element.Bounds, action.Direction)
	case schemas.InteractionBack:
		return e.driver.PressBack(ctx)
	default:
		return fmt.Errorf("unknown interaction %q", action.Interaction)
	}
}

// PressBack issues the hardware back key with the same classification as a
// regular step. The session uses it for screens with nothing actionable.
func (e *Executor) PressBack(ctx context.Context) Result {
	if err := e.driver.PressBack(ctx); err != nil {
		return e.classify(ctx, err)
	}
	if e.watcher != nil && e.watcher.Crashed() {
		return e.recoverFromCrash(ctx, errors.New("fatal exception after back press"))
	}
	return Result{Outcome: schemas.OutcomeSuccess}
}

// RestartApp relaunches the target app, used for package-escape recovery.
func (e *Executor) RestartApp(ctx context.Context) error {
	return e.driver.RestartApp(ctx, e.appPackage, e.entryActivity)
}

// classify maps a driver error to an outcome, checking the crash watcher
// first: an HTTP failure often just means the process died mid-request.
func (e *Executor) classify(ctx context.Context, err error) Result {
	if e.watcher != nil && e.watcher.Crashed() {
		return e.recoverFromCrash(ctx, err)
	}
	if isTimeout(err) {
		return Result{Outcome: schemas.OutcomeTimeout,
			Err: &ActionExecutionError{Outcome: schemas.OutcomeTimeout, Err: err}}
	}
	return Result{Outcome: schemas.OutcomeFailure,
		Err: &ActionExecutionError{Outcome: schemas.OutcomeFailure, Err: err}}
}

// recoverFromCrash restarts the app and reports the crash outcome. The
// session records the edge and continues from the restored entry screen.
func (e *Executor) recoverFromCrash(ctx context.Context, cause error) Result {
	e.logger.Warn("App crashed, restarting", zap.Error(cause))
	if e.watcher != nil {
		e.watcher.Reset()
	}
	if err := e.driver.RestartApp(ctx, e.appPackage, e.entryActivity); err != nil {
		return Result{Outcome: schemas.OutcomeAppCrashed,
			Err: &ActionExecutionError{
				Outcome: schemas.OutcomeAppCrashed,
				Err:     fmt.Errorf("crash recovery restart failed: %w (crash: %v)", err, cause),
			}}
	}
	return Result{Outcome: schemas.OutcomeAppCrashed,
		Err: &ActionExecutionError{Outcome: schemas.OutcomeAppCrashed, Err: cause}}
}

// isTimeout reports whether the error chain contains a timeout.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
