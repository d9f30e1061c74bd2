// Package patch computes and applies RFC 6902 JSON Patch documents over
// document content.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// ErrPatch is wrapped by every failure to apply a patch.
var ErrPatch = errors.New("patch error")

// OpKind names a JSON Patch operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
	OpTest    OpKind = "test"
	OpRemove  OpKind = "remove"
	OpMove    OpKind = "move"
	OpCopy    OpKind = "copy"
)

// Operation is one JSON-Pointer addressed change.
type Operation struct {
	Op    OpKind `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Patch is an ordered sequence of operations.
type Patch []Operation

func (o Operation) hasValue() bool {
	return o.Op == OpAdd || o.Op == OpReplace || o.Op == OpTest
}

// MarshalJSON keeps "value" for add/replace/test even when it is null and
// drops it for the other kinds.
func (o Operation) MarshalJSON() ([]byte, error) {
	m := map[string]any{"op": o.Op, "path": o.Path}
	if o.From != "" {
		m["from"] = o.From
	}
	if o.hasValue() {
		m["value"] = o.Value
	}
	return json.Marshal(m)
}

// Validate checks that the operation kind is known and carries the fields it needs.
func (o Operation) Validate() error {
	switch o.Op {
	case OpAdd, OpReplace, OpTest, OpRemove:
	case OpMove, OpCopy:
		if o.From == "" {
			return fmt.Errorf("%w: %s operation requires from", ErrPatch, o.Op)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrPatch, o.Op)
	}
	return nil
}

// Diff returns the operations that transform before into after. Equal
// inputs yield an empty patch.
func Diff(before, after map[string]any) (Patch, error) {
	if before == nil {
		before = map[string]any{}
	}
	if after == nil {
		after = map[string]any{}
	}
	ops, err := jsondiff.Compare(before, after)
	if err != nil {
		return nil, fmt.Errorf("%w: diff: %v", ErrPatch, err)
	}
	p := make(Patch, 0, len(ops))
	for _, op := range ops {
		p = append(p, Operation{
			Op:    OpKind(op.Type),
			Path:  op.Path,
			From:  op.From,
			Value: op.Value,
		})
	}
	return p, nil
}

// Apply applies p to a copy of target. The target is never modified.
func Apply(target map[string]any, p Patch) (map[string]any, error) {
	if target == nil {
		target = map[string]any{}
	}
	for _, op := range p {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}
	doc, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("%w: encode target: %v", ErrPatch, err)
	}
	if len(p) == 0 {
		return decodeObject(doc)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: encode operations: %v", ErrPatch, err)
	}
	decoded, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatch, err)
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatch, err)
	}
	return decodeObject(out)
}

// Normalize round-trips content through JSON so numbers and nested values
// have the same Go types they would have after storage.
func Normalize(content map[string]any) (map[string]any, error) {
	if content == nil {
		return nil, nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return decodeObject(b)
}

// Parse decodes a stored patch.
func Parse(raw []byte) (Patch, error) {
	if len(raw) == 0 {
		return Patch{}, nil
	}
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatch, err)
	}
	if p == nil {
		p = Patch{}
	}
	return p, nil
}

func decodeObject(b []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: result is not an object: %v", ErrPatch, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
