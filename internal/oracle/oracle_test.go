// internal/oracle/oracle_test.go
package oracle

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
)

var testLogger *zap.Logger

func TestMain(m *testing.M) {
	testLogger = zap.NewNop()
	os.Exit(m.Run())
}

// scriptedClient replays canned replies and records the prompts it saw.
type scriptedClient struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (c *scriptedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	i := c.calls
	c.calls++
	c.prompts = append(c.prompts, req.UserPrompt)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.replies) {
		return c.replies[i], nil
	}
	return "", errors.New("no scripted reply left")
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:          "gemini",
		Temperature:       0.2,
		MaxTokens:         1024,
		RequestsPerMinute: 6000, // effectively unlimited in tests
	}
}

func testState() ScreenContext {
	return ScreenContext{
		State: schemas.ScreenState{
			Fingerprint: "fp-a",
			Activity:    "LoginActivity",
			Elements: []schemas.ActionableElement{
				{Index: 0, Role: schemas.RoleTextField, Label: "Username",
					Interactions: []schemas.Interaction{schemas.InteractionTap, schemas.InteractionTypeText}},
				{Index: 1, Role: schemas.RoleButton, Label: "Sign in",
					Interactions: []schemas.Interaction{schemas.InteractionTap}},
			},
		},
		Visits: 1,
	}
}

func TestDecideParsesAction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		reply string
	}{
		{"bare json", `{"kind":"action","action":{"element_index":1,"interaction":"tap","rationale":"log in"}}`},
		{"fenced json", "Here is my choice:\n```json\n{\"kind\":\"action\",\"action\":{\"element_index\":1,\"interaction\":\"tap\"}}\n```"},
		{"json with prose around it", "I think we should proceed. {\"kind\":\"action\",\"action\":{\"element_index\":1,\"interaction\":\"tap\"}} Good luck."},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client := &scriptedClient{replies: []string{tc.reply}}
			o := New(client, testLLMConfig(), 3, testLogger)

			decision, err := o.Decide(context.Background(), Input{State: testState()})
			require.NoError(t, err)
			assert.Equal(t, schemas.DecisionAction, decision.Kind)
			require.NotNil(t, decision.Action)
			assert.Equal(t, 1, decision.Action.ElementIndex)
			assert.Equal(t, schemas.InteractionTap, decision.Action.Interaction)
			assert.Equal(t, 1, client.calls)
		})
	}
}

func TestDecideParsesStop(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{replies: []string{`{"kind":"stop","verdict":"oracle-done"}`}}
	o := New(client, testLLMConfig(), 3, testLogger)

	decision, err := o.Decide(context.Background(), Input{State: testState()})
	require.NoError(t, err)
	assert.Equal(t, schemas.DecisionStop, decision.Kind)
	assert.Equal(t, schemas.VerdictOracleDone, decision.Verdict)
}

func TestDecideCorrectionRetry(t *testing.T) {
	t.Parallel()

	t.Run("malformed reply retried with correction prompt", func(t *testing.T) {
		t.Parallel()
		client := &scriptedClient{replies: []string{
			"sure, I will tap the button!",
			`{"kind":"action","action":{"element_index":1,"interaction":"tap"}}`,
		}}
		o := New(client, testLLMConfig(), 3, testLogger)

		decision, err := o.Decide(context.Background(), Input{State: testState()})
		require.NoError(t, err)
		assert.Equal(t, schemas.DecisionAction, decision.Kind)
		require.Equal(t, 2, client.calls)
		assert.NotContains(t, client.prompts[0], "previous reply was rejected")
		assert.Contains(t, client.prompts[1], "previous reply was rejected")
	})

	t.Run("out of range element retried", func(t *testing.T) {
		t.Parallel()
		client := &scriptedClient{replies: []string{
			`{"kind":"action","action":{"element_index":7,"interaction":"tap"}}`,
			`{"kind":"action","action":{"element_index":0,"interaction":"type-text","text":"alice"}}`,
		}}
		o := New(client, testLLMConfig(), 3, testLogger)

		decision, err := o.Decide(context.Background(), Input{State: testState()})
		require.NoError(t, err)
		assert.Equal(t, 0, decision.Action.ElementIndex)
		assert.Equal(t, 2, client.calls)
	})

	t.Run("retries exhausted returns the last validation error", func(t *testing.T) {
		t.Parallel()
		bad := `{"kind":"action","action":{"element_index":1,"interaction":"type-text","text":"x"}}`
		client := &scriptedClient{replies: []string{bad, bad, bad}}
		o := New(client, testLLMConfig(), 2, testLogger)

		_, err := o.Decide(context.Background(), Input{State: testState()})
		require.Error(t, err)
		var invalid *InvalidActionError
		assert.True(t, errors.As(err, &invalid))
		assert.Equal(t, 3, client.calls, "initial attempt plus two corrections")
	})
}

func TestDecideValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		reply string
	}{
		{"unsupported interaction", `{"kind":"action","action":{"element_index":1,"interaction":"swipe","direction":"up"}}`},
		{"type-text without text", `{"kind":"action","action":{"element_index":0,"interaction":"type-text"}}`},
		{"stop without verdict", `{"kind":"stop"}`},
		{"unknown kind", `{"kind":"ponder"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client := &scriptedClient{replies: []string{tc.reply}}
			o := New(client, testLLMConfig(), 0, testLogger)
			_, err := o.Decide(context.Background(), Input{State: testState()})
			assert.Error(t, err)
		})
	}
}

func TestDecideUnavailable(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{errs: []error{errors.New("connection reset by peer")}}
	o := New(client, testLLMConfig(), 3, testLogger)

	_, err := o.Decide(context.Background(), Input{State: testState()})
	require.Error(t, err)
	var unavailable *UnavailableError
	assert.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 1, client.calls, "endpoint failures are not correction-retried")
}

func TestPromptDeterministic(t *testing.T) {
	t.Parallel()
	o := New(&scriptedClient{}, testLLMConfig(), 0, testLogger)

	in := Input{
		State:   testState(),
		History: []schemas.EdgeRecord{{Step: 1, Action: "tap Sign in", Outcome: schemas.OutcomeFailure}},
		Knowledge: &schemas.KnowledgeRecord{
			Visits: 3, DeadEnd: true, Annotation: "login screen, needs credentials",
			TriedActions: map[string]int{"tap Sign in": 7, "type-text Username": 2},
		},
	}
	a := o.buildUserPrompt(in)
	b := o.buildUserPrompt(in)
	assert.Equal(t, a, b)

	assert.Contains(t, a, "[0] text field \"Username\"")
	assert.Contains(t, a, "[1] button \"Sign in\"")
	assert.Contains(t, a, "tap Sign in -> failure")
	assert.Contains(t, a, "visited 3 time(s) before")
	assert.Contains(t, a, "dead end")
	assert.Contains(t, a, "login screen, needs credentials")
	assert.True(t, strings.HasSuffix(a, "Choose the next step."))
}

func TestPromptCarriesPastRunTriedActions(t *testing.T) {
	t.Parallel()
	o := New(&scriptedClient{}, testLLMConfig(), 0, testLogger)

	in := Input{
		State: testState(),
		Knowledge: &schemas.KnowledgeRecord{
			Visits:       4,
			TriedActions: map[string]int{"tap Sign in": 7, "type-text Username": 2},
		},
	}
	prompt := o.buildUserPrompt(in)

	assert.Contains(t, prompt, "Previously tried from this screen:")
	assert.Contains(t, prompt, "- tap Sign in (7x)")
	assert.Contains(t, prompt, "- type-text Username (2x)")
	// Deterministic ordering regardless of map iteration.
	assert.Less(t,
		strings.Index(prompt, "- tap Sign in (7x)"),
		strings.Index(prompt, "- type-text Username (2x)"))

	// Without knowledge the section is absent entirely.
	bare := o.buildUserPrompt(Input{State: testState()})
	assert.NotContains(t, bare, "Previously tried")
}
