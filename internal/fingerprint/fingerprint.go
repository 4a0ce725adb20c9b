// internal/fingerprint/fingerprint.go
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
)

// CaptureError reports an empty or malformed UI snapshot. The session treats
// it as a transient step failure, not a crash.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capture error: %s", e.Reason)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// canonicalAttributes are the hierarchy attributes that identify a logical
// screen. Everything else (bounds, index, focus, selection, free text) is
// volatile: it varies with animation frames, scroll position, or dynamic
// content, and must not change the fingerprint.
var canonicalAttributes = []string{
	"class",
	"resource-id",
	"package",
	"content-desc",
	"checkable",
	"clickable",
	"long-clickable",
	"scrollable",
	"enabled",
	"password",
}

// classToRole maps Android widget classes to the coarse roles the oracle
// prompt speaks in.
var classToRole = map[string]schemas.ElementRole{
	"Button":         schemas.RoleButton,
	"ImageButton":    schemas.RoleButton,
	"EditText":       schemas.RoleTextField,
	"AutoComplete":   schemas.RoleTextField,
	"CheckBox":       schemas.RoleCheckbox,
	"Switch":         schemas.RoleCheckbox,
	"RadioButton":    schemas.RoleCheckbox,
	"RecyclerView":   schemas.RoleListItem,
	"ListView":       schemas.RoleListItem,
	"RelativeLayout": schemas.RoleContainer,
	"LinearLayout":   schemas.RoleContainer,
	"FrameLayout":    schemas.RoleContainer,
	"ViewGroup":      schemas.RoleContainer,
}

// Fingerprinter reduces raw UI snapshots to stable screen identities plus a
// normalized actionable element set.
type Fingerprinter struct {
	logger *zap.Logger
}

// New creates a Fingerprinter.
func New(logger *zap.Logger) *Fingerprinter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fingerprinter{logger: logger.Named("fingerprint")}
}

// Compute canonicalizes the snapshot's hierarchy, hashes it together with the
// activity name, and extracts the actionable elements in deterministic
// depth-first, document order. The same logical screen always enumerates its
// elements in the same order.
func (f *Fingerprinter) Compute(snap schemas.Snapshot) (schemas.ScreenState, error) {
	if strings.TrimSpace(snap.XML) == "" {
		return schemas.ScreenState{}, &CaptureError{Reason: "empty snapshot"}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(snap.XML); err != nil {
		return schemas.ScreenState{}, &CaptureError{Reason: "malformed hierarchy XML", Err: err}
	}

	root := doc.SelectElement("hierarchy")
	if root == nil {
		// uiautomator dumps always wrap the tree in <hierarchy>; anything
		// else is a truncated or garbage capture.
		return schemas.ScreenState{}, &CaptureError{Reason: "no hierarchy element in snapshot"}
	}
	if len(root.ChildElements()) == 0 {
		return schemas.ScreenState{}, &CaptureError{Reason: "blank screen: hierarchy has no nodes"}
	}

	var canonical strings.Builder
	var elements []schemas.ActionableElement
	for _, child := range root.ChildElements() {
		f.walk(child, "", 0, &canonical, &elements)
	}

	sum := sha256.Sum256([]byte(snap.Activity + "\n" + canonical.String()))

	state := schemas.ScreenState{
		Fingerprint: schemas.Fingerprint(hex.EncodeToString(sum[:])),
		Activity:    snap.Activity,
		Elements:    elements,
	}
	f.logger.Debug("Computed screen state",
		zap.String("activity", snap.Activity),
		zap.String("fingerprint", string(state.Fingerprint[:12])),
		zap.Int("actionable", len(elements)))
	return state, nil
}

// walk performs the depth-first canonicalization pass. It serializes stable
// attributes of every node into the canonical buffer and appends actionable
// elements as it encounters them, so canonical form and element order are
// derived from the same traversal.
func (f *Fingerprinter) walk(el *etree.Element, parentPath string, depth int, canonical *strings.Builder, elements *[]schemas.ActionableElement) {
	xpath := parentPath + "/" + nodeName(el) + "[" + strconv.Itoa(siblingOrdinal(el)) + "]"

	canonical.WriteString(strings.Repeat(" ", depth))
	canonical.WriteString(nodeName(el))
	for _, key := range canonicalAttributes {
		if value := el.SelectAttrValue(key, ""); value != "" {
			canonical.WriteString("|" + key + "=" + value)
		}
	}
	canonical.WriteString("\n")

	if elem, ok := f.extractActionable(el, xpath); ok {
		elem.Index = len(*elements)
		*elements = append(*elements, elem)
	}

	for _, child := range el.ChildElements() {
		f.walk(child, xpath, depth+1, canonical, elements)
	}
}

// extractActionable decides whether a node is interactable and, if so,
// normalizes it.
func (f *Fingerprinter) extractActionable(el *etree.Element, xpath string) (schemas.ActionableElement, bool) {
	if el.SelectAttrValue("enabled", "true") == "false" {
		return schemas.ActionableElement{}, false
	}
	if el.SelectAttrValue("displayed", "true") == "false" {
		return schemas.ActionableElement{}, false
	}

	class := el.SelectAttrValue("class", nodeName(el))

	var interactions []schemas.Interaction
	if el.SelectAttrValue("clickable", "") == "true" || el.SelectAttrValue("checkable", "") == "true" {
		interactions = append(interactions, schemas.InteractionTap)
	}
	if el.SelectAttrValue("long-clickable", "") == "true" {
		interactions = append(interactions, schemas.InteractionLongPress)
	}
	if isTextInput(class) {
		interactions = append(interactions, schemas.InteractionTypeText)
	}
	if el.SelectAttrValue("scrollable", "") == "true" {
		interactions = append(interactions, schemas.InteractionSwipe)
	}
	if len(interactions) == 0 {
		return schemas.ActionableElement{}, false
	}

	bounds := ParseBounds(el.SelectAttrValue("bounds", ""))
	if bounds.Empty() {
		return schemas.ActionableElement{}, false
	}

	return schemas.ActionableElement{
		Role:         roleFor(class, interactions),
		Class:        class,
		Label:        elementLabel(el),
		XPath:        xpath,
		Bounds:       bounds,
		Interactions: interactions,
	}, true
}

// elementLabel builds a human meaningful description for the element from
// its text attributes, falling back through content-desc, hint, and the short
// resource id.
func elementLabel(el *etree.Element) string {
	for _, key := range []string{"text", "content-desc", "hint"} {
		if value := strings.TrimSpace(el.SelectAttrValue(key, "")); value != "" && isPrintable(value) {
			return value
		}
	}
	if id := el.SelectAttrValue("resource-id", ""); id != "" {
		if slash := strings.LastIndex(id, "/"); slash >= 0 && slash+1 < len(id) {
			return id[slash+1:]
		}
		return id
	}
	return "an element without text"
}

// roleFor picks the coarse role from the widget class, preferring the
// interaction set when the class is unknown.
func roleFor(class string, interactions []schemas.Interaction) schemas.ElementRole {
	for suffix, role := range classToRole {
		if strings.Contains(class, suffix) {
			return role
		}
	}
	for _, in := range interactions {
		if in == schemas.InteractionTypeText {
			return schemas.RoleTextField
		}
	}
	return schemas.RoleGeneric
}

// isTextInput reports whether the class is an editable text widget.
func isTextInput(class string) bool {
	return strings.Contains(class, "EditText") || strings.Contains(class, "AutoComplete")
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r >= 32 && r != 127 {
			return true
		}
	}
	return false
}

// nodeName returns the node's class-ish tag name. uiautomator dumps use
// <node class="...">, appium-style dumps use the class as the element tag.
func nodeName(el *etree.Element) string {
	if el.Tag == "node" {
		if class := el.SelectAttrValue("class", ""); class != "" {
			return class
		}
	}
	return el.Tag
}

// siblingOrdinal returns the 1-based position of el among same-named
// siblings, for xpath construction.
func siblingOrdinal(el *etree.Element) int {
	parent := el.Parent()
	if parent == nil {
		return 1
	}
	ordinal := 1
	for _, sibling := range parent.ChildElements() {
		if sibling == el {
			return ordinal
		}
		if nodeName(sibling) == nodeName(el) {
			ordinal++
		}
	}
	return ordinal
}

// ParseBounds parses the Android "[x1,y1][x2,y2]" bounds attribute. Returns
// the zero Bounds for anything unparseable.
func ParseBounds(s string) schemas.Bounds {
	s = strings.ReplaceAll(s, "][", ",")
	s = strings.Trim(s, "[]")
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return schemas.Bounds{}
	}

	coords := make([]int, 4)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return schemas.Bounds{}
		}
		coords[i] = n
	}

	return schemas.Bounds{
		X:      coords[0],
		Y:      coords[1],
		Width:  coords[2] - coords[0],
		Height: coords[3] - coords[1],
	}
}

// StripXPathIndices removes the positional predicates from an xpath so two
// observations of the same element compare equal even when list positions
// shifted. Used by the executor's stale-element re-resolution.
func StripXPathIndices(xpath string) string {
	var b strings.Builder
	skip := false
	for _, r := range xpath {
		switch {
		case r == '[':
			skip = true
		case r == ']':
			skip = false
		case !skip:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SortedInteractions returns a stable ordering of interaction names, used in
// prompts and tests.
func SortedInteractions(ins []schemas.Interaction) []string {
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, string(in))
	}
	sort.Strings(names)
	return names
}
