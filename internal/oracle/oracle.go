// internal/oracle/oracle.go

// Package oracle turns screen observations into step decisions. It builds a
// deterministic prompt from the current state, asks the inference endpoint,
// and validates the reply against the observed element set. Malformed or
// invalid replies trigger a bounded correction loop; a reply that survives
// validation becomes a Decision.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonBlockRegex extracts a JSON object from a reply that may wrap it in
// markdown fences or prose.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```|(\\{.*\\})")

// ParseError reports a reply that could not be decoded into a decision.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("oracle reply is not a valid decision: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// InvalidActionError reports a well-formed decision that references an
// element or interaction the current screen does not offer.
type InvalidActionError struct {
	Reason string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("oracle chose an impossible action: %s", e.Reason)
}

// UnavailableError means the inference endpoint stayed unreachable past its
// retry budget. The session fails rather than exploring blind.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("inference endpoint unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

const systemPrompt = `You are an expert Android UI explorer driving an app through its screens.
Each turn you receive the current screen's actionable elements, your recent steps, and notes about screens seen in past runs.
Your goal is to discover as many distinct screens as possible. Prefer elements you have not tried, avoid repeating actions that led nowhere, and back out of dead ends.

Reply with a single JSON object and nothing else. Either:
  {"kind": "action", "action": {"element_index": <int>, "interaction": "<tap|long-press|type-text|swipe>", "text": "<only for type-text>", "direction": "<only for swipe: up|down|left|right>", "rationale": "<one short sentence>"}}
or, when every avenue is exhausted:
  {"kind": "stop", "verdict": "oracle-done"}

The element_index must be one of the indices listed, and the interaction must be one the element supports.`

// Input is everything one decision is based on.
type Input struct {
	State ScreenContext
	// History is the last few edges, oldest first.
	History []schemas.EdgeRecord
	// Knowledge summarizes what past runs learned about the current screen.
	Knowledge *schemas.KnowledgeRecord
}

// ScreenContext pairs the observed state with the session's per-node stats.
type ScreenContext struct {
	State schemas.ScreenState
	// Visits is how many times this session has seen the screen.
	Visits int
	// TriedCounts maps action descriptors to attempt counts within the session.
	TriedCounts map[string]int
}

// Oracle is the decision component. One Oracle is shared by all sessions of a
// run; the rate limiter spans them so a device pool cannot stampede the
// endpoint.
type Oracle struct {
	client  schemas.LLMClient
	limiter *rate.Limiter
	cfg     config.LLMConfig
	retries int
	logger  *zap.Logger
}

// New creates an Oracle. retries is the correction-prompt cap per decision.
func New(client schemas.LLMClient, llmCfg config.LLMConfig, retries int, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpm := llmCfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &Oracle{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rpm/60.0), 1),
		cfg:     llmCfg,
		retries: retries,
		logger:  logger.Named("oracle"),
	}
}

// Decide produces the next decision for the given input. Replies that fail to
// parse or reference impossible actions are retried with a correction prompt
// up to the configured cap; endpoint failures surface as UnavailableError.
func (o *Oracle) Decide(ctx context.Context, in Input) (schemas.Decision, error) {
	userPrompt := o.buildUserPrompt(in)

	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		prompt := userPrompt
		if lastErr != nil {
			prompt = userPrompt + "\n\n" + correctionSuffix(lastErr)
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return schemas.Decision{}, fmt.Errorf("rate limit wait aborted: %w", err)
		}

		raw, err := o.client.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: systemPrompt,
			UserPrompt:   prompt,
			Options: schemas.GenerationOptions{
				Temperature:     o.cfg.Temperature,
				MaxTokens:       o.cfg.MaxTokens,
				ForceJSONFormat: true,
			},
		})
		if err != nil {
			// The client already retried transient failures against its
			// backoff budget; anything surfacing here is terminal.
			return schemas.Decision{}, &UnavailableError{Err: err}
		}

		decision, err := parseDecision(raw)
		if err == nil {
			err = validateDecision(decision, in.State.State)
		}
		if err == nil {
			o.logger.Debug("Oracle decided",
				zap.String("kind", string(decision.Kind)),
				zap.Int("attempt", attempt+1))
			return decision, nil
		}

		lastErr = err
		o.logger.Warn("Oracle reply rejected, sending correction prompt",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", o.retries+1),
			zap.Error(err))
	}

	return schemas.Decision{}, lastErr
}

// correctionSuffix tells the model what was wrong with its previous reply.
func correctionSuffix(err error) string {
	return fmt.Sprintf("Your previous reply was rejected: %v.\nReply again with exactly one valid JSON object in the required format.", err)
}

// parseDecision extracts and decodes the JSON decision from a raw reply.
func parseDecision(raw string) (schemas.Decision, error) {
	matches := jsonBlockRegex.FindStringSubmatch(raw)
	if matches == nil {
		return schemas.Decision{}, &ParseError{Raw: raw, Err: errors.New("no JSON object found")}
	}
	block := matches[1]
	if block == "" {
		block = matches[2]
	}

	var decision schemas.Decision
	if err := json.UnmarshalFromString(block, &decision); err != nil {
		return schemas.Decision{}, &ParseError{Raw: raw, Err: err}
	}
	return decision, nil
}

// validateDecision checks the tagged variant against the observed screen.
func validateDecision(d schemas.Decision, state schemas.ScreenState) error {
	switch d.Kind {
	case schemas.DecisionStop:
		if d.Verdict == "" {
			return &ParseError{Err: errors.New("stop decision is missing a verdict")}
		}
		return nil

	case schemas.DecisionAction:
		if d.Action == nil {
			return &ParseError{Err: errors.New("action decision is missing the action body")}
		}
		element, ok := state.Element(d.Action.ElementIndex)
		if !ok {
			return &InvalidActionError{Reason: fmt.Sprintf(
				"element_index %d is out of range, the screen has %d elements",
				d.Action.ElementIndex, len(state.Elements))}
		}
		if !element.Supports(d.Action.Interaction) {
			return &InvalidActionError{Reason: fmt.Sprintf(
				"element %d (%s) does not support %q", d.Action.ElementIndex, element.Label, d.Action.Interaction)}
		}
		if d.Action.Interaction == schemas.InteractionTypeText && strings.TrimSpace(d.Action.Text) == "" {
			return &InvalidActionError{Reason: "type-text requires non-empty text"}
		}
		if d.Action.Interaction == schemas.InteractionSwipe {
			switch d.Action.Direction {
			case schemas.SwipeUp, schemas.SwipeDown, schemas.SwipeLeft, schemas.SwipeRight:
			default:
				return &InvalidActionError{Reason: fmt.Sprintf("swipe requires a direction, got %q", d.Action.Direction)}
			}
		}
		return nil

	default:
		return &ParseError{Err: fmt.Errorf("unknown decision kind %q", d.Kind)}
	}
}

// buildUserPrompt renders the observation deterministically: same input, same
// prompt, byte for byte.
func (o *Oracle) buildUserPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Current screen\nActivity: %s\nVisits this session: %d\n\n", in.State.State.Activity, in.State.Visits)

	if len(in.State.State.Elements) == 0 {
		b.WriteString("No actionable elements are visible.\n")
	} else {
		b.WriteString("### Actionable elements\n")
		for _, el := range in.State.State.Elements {
			interactions := make([]string, 0, len(el.Interactions))
			for _, i := range el.Interactions {
				interactions = append(interactions, string(i))
			}
			fmt.Fprintf(&b, "[%d] %s %q supports: %s", el.Index, el.Role, el.Label, strings.Join(interactions, ", "))
			if tried := in.State.TriedCounts[triedKey(el)]; tried > 0 {
				fmt.Fprintf(&b, " (tried %dx this session)", tried)
			}
			b.WriteString("\n")
		}
	}

	if len(in.History) > 0 {
		b.WriteString("\n### Recent steps (oldest first)\n")
		for _, edge := range in.History {
			fmt.Fprintf(&b, "step %d: %s -> %s\n", edge.Step, edge.Action, edge.Outcome)
		}
	}

	if in.Knowledge != nil {
		b.WriteString("\n### Known from past runs\n")
		fmt.Fprintf(&b, "This screen was visited %d time(s) before.\n", in.Knowledge.Visits)
		if len(in.Knowledge.TriedActions) > 0 {
			descriptors := make([]string, 0, len(in.Knowledge.TriedActions))
			for descriptor := range in.Knowledge.TriedActions {
				descriptors = append(descriptors, descriptor)
			}
			sort.Strings(descriptors)
			b.WriteString("Previously tried from this screen:\n")
			for _, descriptor := range descriptors {
				fmt.Fprintf(&b, "- %s (%dx)\n", descriptor, in.Knowledge.TriedActions[descriptor])
			}
		}
		if in.Knowledge.DeadEnd {
			b.WriteString("It was marked as a dead end: nothing here led anywhere new.\n")
		}
		if in.Knowledge.CrashTrigger {
			b.WriteString("An action on this screen previously crashed the app.\n")
		}
		if in.Knowledge.Annotation != "" {
			fmt.Fprintf(&b, "Note: %s\n", in.Knowledge.Annotation)
		}
	}

	b.WriteString("\nChoose the next step.")
	return b.String()
}

// triedKey is the prompt-side approximation of the action descriptor: the
// primary interaction plus the label. Good enough to warn the model off
// repeats without enumerating every direction variant.
func triedKey(el schemas.ActionableElement) string {
	if len(el.Interactions) == 0 {
		return el.Label
	}
	return string(el.Interactions[0]) + " " + el.Label
}
