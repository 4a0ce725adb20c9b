// api/schemas/schemas_test.go
package schemas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBounds(t *testing.T) {
	t.Parallel()

	t.Run("center is the midpoint", func(t *testing.T) {
		t.Parallel()
		x, y := Bounds{X: 100, Y: 200, Width: 400, Height: 100}.Center()
		assert.Equal(t, 300, x)
		assert.Equal(t, 250, y)
	})

	t.Run("empty detects degenerate rectangles", func(t *testing.T) {
		t.Parallel()
		assert.True(t, Bounds{Width: 0, Height: 50}.Empty())
		assert.True(t, Bounds{Width: 50, Height: -1}.Empty())
		assert.False(t, Bounds{Width: 1, Height: 1}.Empty())
	})
}

func TestActionableElementSupports(t *testing.T) {
	t.Parallel()
	el := ActionableElement{Interactions: []Interaction{InteractionTap, InteractionLongPress}}
	assert.True(t, el.Supports(InteractionTap))
	assert.False(t, el.Supports(InteractionTypeText))
}

func TestScreenStateElement(t *testing.T) {
	t.Parallel()
	state := ScreenState{Elements: []ActionableElement{{Index: 0, Label: "Next"}}}

	el, ok := state.Element(0)
	assert.True(t, ok)
	assert.Equal(t, "Next", el.Label)

	_, ok = state.Element(1)
	assert.False(t, ok)
	_, ok = state.Element(-1)
	assert.False(t, ok)
}

func TestPlannedActionDescriptor(t *testing.T) {
	t.Parallel()
	el := ActionableElement{Label: "Submit"}

	tap := PlannedAction{Interaction: InteractionTap}
	assert.Equal(t, "tap Submit", tap.Descriptor(el))

	swipe := PlannedAction{Interaction: InteractionSwipe, Direction: SwipeUp}
	assert.Equal(t, "swipe Submit up", swipe.Descriptor(el))
}

func TestKnowledgeRecordMerge(t *testing.T) {
	t.Parallel()

	early := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	a := KnowledgeRecord{
		Fingerprint:  "fp-1",
		Activity:     "Main",
		Visits:       2,
		TriedActions: map[string]int{"tap Next": 2},
		DeadEnd:      true,
		Annotation:   "short",
		FirstSeen:    late,
		LastSeen:     late,
	}
	b := KnowledgeRecord{
		Fingerprint:  "fp-1",
		Activity:     "Main",
		Visits:       3,
		TriedActions: map[string]int{"tap Next": 1, "swipe list up": 4},
		CrashTrigger: true,
		Annotation:   "a much longer note",
		FirstSeen:    early,
		LastSeen:     early,
	}

	t.Run("counts sum and flags accumulate", func(t *testing.T) {
		t.Parallel()
		merged := a
		merged.TriedActions = map[string]int{"tap Next": 2}
		merged.Merge(b)

		assert.Equal(t, 5, merged.Visits)
		assert.Equal(t, 3, merged.TriedActions["tap Next"])
		assert.Equal(t, 4, merged.TriedActions["swipe list up"])
		assert.True(t, merged.DeadEnd)
		assert.True(t, merged.CrashTrigger)
		assert.Equal(t, "a much longer note", merged.Annotation)
		assert.Equal(t, early, merged.FirstSeen)
		assert.Equal(t, late, merged.LastSeen)
	})

	t.Run("merge into a zero record adopts identity", func(t *testing.T) {
		t.Parallel()
		var merged KnowledgeRecord
		merged.Merge(b)
		assert.Equal(t, Fingerprint("fp-1"), merged.Fingerprint)
		assert.Equal(t, "Main", merged.Activity)
		assert.Equal(t, 3, merged.Visits)
	})

	t.Run("order never changes the result", func(t *testing.T) {
		t.Parallel()
		ab := KnowledgeRecord{}
		ab.Merge(a)
		ab.Merge(b)

		ba := KnowledgeRecord{}
		ba.Merge(b)
		ba.Merge(a)

		assert.Equal(t, ab, ba)
	})

	t.Run("equal length annotations break ties lexicographically", func(t *testing.T) {
		t.Parallel()
		x := KnowledgeRecord{Annotation: "aaa"}
		y := KnowledgeRecord{Annotation: "bbb"}

		xy := KnowledgeRecord{}
		xy.Merge(x)
		xy.Merge(y)
		yx := KnowledgeRecord{}
		yx.Merge(y)
		yx.Merge(x)

		assert.Equal(t, "bbb", xy.Annotation)
		assert.Equal(t, xy.Annotation, yx.Annotation)
	})
}
