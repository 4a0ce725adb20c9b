// api/schemas/interfaces.go
package schemas

import "context"

// Driver is the automation driver boundary. Implementations translate these
// calls into device protocol requests (uiautomator2 server over HTTP plus adb
// for lifecycle). Every call may block and must honor the context.
type Driver interface {
	// DeviceID identifies the device/emulator this driver is bound to.
	DeviceID() string

	// CaptureSnapshot captures the current UI hierarchy and screen metadata.
	CaptureSnapshot(ctx context.Context) (Snapshot, error)

	// Tap taps the center of the given bounds.
	Tap(ctx context.Context, b Bounds) error

	// LongPress presses and holds at the center of the given bounds.
	LongPress(ctx context.Context, b Bounds) error

	// TypeText taps the element to focus it, then types the text.
	TypeText(ctx context.Context, b Bounds, text string) error

	// Swipe performs a directional swipe anchored on the given bounds.
	Swipe(ctx context.Context, b Bounds, direction SwipeDirection) error

	// PressBack presses the hardware back key.
	PressBack(ctx context.Context) error

	// RestartApp force-stops the target package and relaunches its entry
	// activity. Used for crash recovery and package-escape recovery.
	RestartApp(ctx context.Context, appPackage, entryActivity string) error
}

// GenerationOptions tune a single LLM call.
type GenerationOptions struct {
	Temperature     float32 `json:"temperature"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
	ForceJSONFormat bool    `json:"force_json_format"`
}

// GenerationRequest is the provider-agnostic LLM request envelope.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient is the inference endpoint boundary: prompt in, raw text out.
// Parsing and validation of the response belong to the oracle.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// KnowledgeStore is the only cross-session shared resource. Reads take a
// snapshot; writes are submitted as deltas and merged under a single
// serialization point so concurrent session completions cannot lose updates.
type KnowledgeStore interface {
	// Load reads previously persisted knowledge. Missing storage is not an
	// error; the store simply starts empty.
	Load(ctx context.Context) error

	// Snapshot returns a deep copy of the current records, safe for a
	// session to read without further synchronization.
	Snapshot(ctx context.Context) (map[Fingerprint]KnowledgeRecord, error)

	// MergeDeltas folds a session's deltas into the store. Merges are
	// commutative: completion order never changes the final state for a
	// given set of deltas.
	MergeDeltas(ctx context.Context, deltas []KnowledgeRecord) error

	// Flush persists the merged state. Writes are all-or-nothing.
	Flush(ctx context.Context) error
}
