package cojson

import (
	"encoding/json"
	"fmt"
)

// List operation kinds.
const (
	OpApp = "app"
	OpPre = "pre"
	OpDel = "del"
)

// List anchors that are not op IDs.
const (
	AnchorStart = "start"
	AnchorEnd   = "end"
)

// ListOp is one list change. Anchor is the "after" target of an append, the
// "before" target of a prepend, or the deleted insertion.
type ListOp struct {
	Op     string
	Value  json.RawMessage
	Anchor string
}

type listOpObject struct {
	Op        string          `json:"op"`
	Value     json.RawMessage `json:"value,omitempty"`
	After     string          `json:"after,omitempty"`
	Before    string          `json:"before,omitempty"`
	Insertion string          `json:"insertion,omitempty"`
	Compacted bool            `json:"compacted,omitempty"`
}

// MarshalJSON encodes the op in object form.
func (o ListOp) MarshalJSON() ([]byte, error) {
	obj := listOpObject{Op: o.Op}
	switch o.Op {
	case OpApp:
		obj.Value, obj.After = orNull(o.Value), o.Anchor
	case OpPre:
		obj.Value, obj.Before = orNull(o.Value), o.Anchor
	case OpDel:
		obj.Insertion = o.Anchor
	default:
		return nil, fmt.Errorf("unknown list op %q", o.Op)
	}
	return json.Marshal(obj)
}

// UnmarshalJSON accepts the object form.
func (o *ListOp) UnmarshalJSON(data []byte) error {
	var obj listOpObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	switch obj.Op {
	case OpApp:
		*o = ListOp{Op: OpApp, Value: orNull(obj.Value), Anchor: obj.After}
	case OpPre:
		*o = ListOp{Op: OpPre, Value: orNull(obj.Value), Anchor: obj.Before}
	case OpDel:
		*o = ListOp{Op: OpDel, Anchor: obj.Insertion}
	default:
		return fmt.Errorf("unknown list op %q", obj.Op)
	}
	return nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// anchorOp resolves the anchor as an op ID.
func (o ListOp) anchorOp() (OpID, bool) {
	if o.Anchor == AnchorStart || o.Anchor == AnchorEnd {
		return OpID{}, false
	}
	id, err := ParseOpID(o.Anchor)
	if err != nil {
		return OpID{}, false
	}
	return id, true
}
