// Package rendered holds the client-side materialization of a server render
// tree: static segments interleaved with positional dynamic slots, merged
// in place as diffs arrive and linearized back to markup on demand.
package rendered

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoFingerprint reports a partial diff arriving before any full render.
// The first tree a view receives must carry its static segments.
var ErrNoFingerprint = errors.New("rendered: diff received before a full fingerprint")

// Tree - one render node with positional dynamics, mirroring the wire shape
// the server emits: {"s": [...], "0": ..., "1": ..., "d": [[...], ...]}.
type Tree struct {
	// Static segments - present only on a fresh fingerprint (full render).
	// Invariant for leaves: len(Statics) == number of dynamic slots + 1.
	Statics []string

	// Hash of statics for cache validation, opaque to the client.
	Hash string

	// Dynamic values by position ("0", "1", ...). A value is either a
	// literal or a nested *Tree.
	Dynamics map[string]any

	// Instances holds comprehension rows: one dynamic tuple per repeated
	// instance, each rendered against the shared Statics.
	Instances [][]any
}

// HasStatics returns true if the tree carries a fresh fingerprint.
func (t *Tree) HasStatics() bool {
	return t != nil && t.Statics != nil
}

// IsComprehension returns true if the node repeats its statics per instance.
func (t *Tree) IsComprehension() bool {
	return t != nil && t.Instances != nil
}

// IsEmpty returns true if the tree contains no changes at all.
func (t *Tree) IsEmpty() bool {
	return t == nil || (len(t.Statics) == 0 && len(t.Dynamics) == 0 && len(t.Instances) == 0)
}

// Merge overlays diff onto prev and returns the resulting tree.
//
// A diff carrying statics is a fresh fingerprint and replaces prev verbatim.
// Otherwise keys present in the diff overwrite or recursively merge into the
// corresponding slots of prev; sibling slots absent from the diff are kept.
// If prev was a comprehension and the diff is not, the stale instance rows
// are discarded before merging so repeated-instance data never leaks into a
// now-scalar slot.
func Merge(prev, diff *Tree) (*Tree, error) {
	if diff.IsEmpty() {
		return prev, nil
	}
	if diff.HasStatics() {
		return diff, nil
	}
	if prev == nil {
		return nil, ErrNoFingerprint
	}

	if prev.IsComprehension() && !diff.IsComprehension() && len(diff.Dynamics) > 0 {
		prev.Instances = nil
	}
	if diff.Instances != nil {
		prev.Instances = diff.Instances
	}
	if diff.Hash != "" {
		prev.Hash = diff.Hash
	}

	for key, dv := range diff.Dynamics {
		sub, ok := dv.(*Tree)
		if !ok {
			// Literal slot value - plain overwrite.
			if prev.Dynamics == nil {
				prev.Dynamics = make(map[string]any)
			}
			prev.Dynamics[key] = dv
			continue
		}
		prevVal, exists := prev.Dynamics[key]
		prevSub, isTree := prevVal.(*Tree)
		if !exists || !isTree {
			if !sub.HasStatics() {
				return nil, fmt.Errorf("rendered: slot %q: %w", key, ErrNoFingerprint)
			}
			if prev.Dynamics == nil {
				prev.Dynamics = make(map[string]any)
			}
			prev.Dynamics[key] = sub
			continue
		}
		merged, err := Merge(prevSub, sub)
		if err != nil {
			return nil, fmt.Errorf("rendered: slot %q: %w", key, err)
		}
		prev.Dynamics[key] = merged
	}
	return prev, nil
}

// HTML linearizes the tree to markup: statics[0], slot 0, statics[1], ...
// A comprehension repeats the interpolation once per instance row in order.
// Pure function of the tree, no side effects.
func (t *Tree) HTML() (string, error) {
	if t == nil {
		return "", ErrNoFingerprint
	}
	var b strings.Builder
	if err := t.render(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (t *Tree) render(b *strings.Builder) error {
	if t.IsComprehension() {
		for row, instance := range t.Instances {
			if len(instance) != len(t.Statics)-1 {
				return fmt.Errorf("rendered: comprehension row %d has %d values for %d statics", row, len(instance), len(t.Statics))
			}
			for i, s := range t.Statics {
				b.WriteString(s)
				if i < len(instance) {
					if err := renderSlot(b, instance[i]); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	for i, s := range t.Statics {
		b.WriteString(s)
		if i == len(t.Statics)-1 {
			break
		}
		val, ok := t.Dynamics[strconv.Itoa(i)]
		if !ok {
			return fmt.Errorf("rendered: missing dynamic slot %d", i)
		}
		if err := renderSlot(b, val); err != nil {
			return err
		}
	}
	return nil
}

func renderSlot(b *strings.Builder, val any) error {
	switch v := val.(type) {
	case nil:
		return nil
	case string:
		b.WriteString(v)
		return nil
	case *Tree:
		return v.render(b)
	default:
		fmt.Fprintf(b, "%v", v)
		return nil
	}
}

// MarshalJSON emits the flat positional structure: statics under "s",
// comprehension rows under "d", dynamics directly at root level.
func (t *Tree) MarshalJSON() ([]byte, error) {
	result := make(map[string]any)
	if t.Statics != nil {
		result["s"] = t.Statics
	}
	if t.Hash != "" {
		result["h"] = t.Hash
	}
	if t.Instances != nil {
		result["d"] = t.Instances
	}
	for k, v := range t.Dynamics {
		result[k] = v
	}
	return json.Marshal(result)
}

// UnmarshalJSON parses the flat positional structure. The verbose key
// aliases "static" and "dynamics" used by older servers are accepted and
// normalized to the short form.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, rv := range raw {
		switch key {
		case "s", "static":
			if err := json.Unmarshal(rv, &t.Statics); err != nil {
				return fmt.Errorf("rendered: statics: %w", err)
			}
		case "h":
			if err := json.Unmarshal(rv, &t.Hash); err != nil {
				return fmt.Errorf("rendered: hash: %w", err)
			}
		case "d", "dynamics":
			instances, err := decodeInstances(rv)
			if err != nil {
				return err
			}
			t.Instances = instances
		default:
			if _, err := strconv.Atoi(key); err != nil {
				// Unknown non-positional keys are ignored rather than
				// rejected so newer servers stay compatible.
				continue
			}
			val, err := decodeSlot(rv)
			if err != nil {
				return fmt.Errorf("rendered: slot %q: %w", key, err)
			}
			if t.Dynamics == nil {
				t.Dynamics = make(map[string]any)
			}
			t.Dynamics[key] = val
		}
	}
	return nil
}

// decodeSlot turns one raw dynamic value into a literal or a nested *Tree.
// JSON objects are always nested render nodes on this wire format.
func decodeSlot(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		sub := &Tree{}
		if err := json.Unmarshal(raw, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, err
	}
	return val, nil
}

func decodeInstances(raw json.RawMessage) ([][]any, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("rendered: instances: %w", err)
	}
	instances := make([][]any, len(rows))
	for i, row := range rows {
		var cells []json.RawMessage
		if err := json.Unmarshal(row, &cells); err != nil {
			return nil, fmt.Errorf("rendered: instance %d: %w", i, err)
		}
		instance := make([]any, len(cells))
		for j, cell := range cells {
			val, err := decodeSlot(cell)
			if err != nil {
				return nil, fmt.Errorf("rendered: instance %d value %d: %w", i, j, err)
			}
			instance[j] = val
		}
		instances[i] = instance
	}
	return instances, nil
}

// String provides a readable representation for trace logging.
func (t *Tree) String() string {
	if t.IsEmpty() {
		return "Tree: <empty - no changes>"
	}
	var parts []string
	if t.HasStatics() {
		parts = append(parts, fmt.Sprintf("Statics[%d]", len(t.Statics)))
	}
	if len(t.Dynamics) > 0 {
		parts = append(parts, fmt.Sprintf("Dynamics[%d]", len(t.Dynamics)))
	}
	if t.IsComprehension() {
		parts = append(parts, fmt.Sprintf("Instances[%d]", len(t.Instances)))
	}
	if t.Hash != "" {
		parts = append(parts, "Hash: "+t.Hash)
	}
	return strings.Join(parts, " ")
}
