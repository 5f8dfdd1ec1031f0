package cojson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Opcodes in packed tuples. The app opcode is left out unless the tuple is
// the head of a compacted run.
const (
	opcodeApp = 0
	opcodePre = 1
	opcodeDel = 2
)

// PackListOps encodes list ops as tuples [value, anchor, opcode?, compacted?].
// Two or more appends sharing one anchor collapse into
// [[v0, anchor, 0, true], v1, v2, ...].
func PackListOps(ops []ListOp) ([]json.RawMessage, error) {
	if len(ops) == 0 {
		return []json.RawMessage{}, nil
	}
	if len(ops) > 1 && compactable(ops) {
		head, err := json.Marshal([]any{orNull(ops[0].Value), ops[0].Anchor, opcodeApp, true})
		if err != nil {
			return nil, err
		}
		out := make([]json.RawMessage, 0, len(ops))
		out = append(out, head)
		for _, op := range ops[1:] {
			out = append(out, orNull(op.Value))
		}
		return out, nil
	}

	out := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		t, err := packTuple(op)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func compactable(ops []ListOp) bool {
	first := ops[0]
	if first.Op != OpApp {
		return false
	}
	for _, op := range ops {
		if op.Op != OpApp || op.Anchor != first.Anchor {
			return false
		}
	}
	return true
}

func packTuple(op ListOp) (json.RawMessage, error) {
	switch op.Op {
	case OpApp:
		return json.Marshal([]any{orNull(op.Value), op.Anchor})
	case OpPre:
		return json.Marshal([]any{orNull(op.Value), op.Anchor, opcodePre})
	case OpDel:
		return json.Marshal([]any{nil, op.Anchor, opcodeDel})
	}
	return nil, fmt.Errorf("unknown list op %q", op.Op)
}

// UnpackListOps reverses PackListOps. Changes in object form are accepted
// as well.
func UnpackListOps(changes []json.RawMessage) ([]ListOp, error) {
	if len(changes) == 0 {
		return []ListOp{}, nil
	}
	if !isArray(changes[0]) {
		out := make([]ListOp, 0, len(changes))
		for i, raw := range changes {
			var op ListOp
			if err := json.Unmarshal(raw, &op); err != nil {
				return nil, fmt.Errorf("list change %d: %w", i, err)
			}
			out = append(out, op)
		}
		return out, nil
	}

	first, compacted, err := unpackTuple(changes[0])
	if err != nil {
		return nil, fmt.Errorf("list change 0: %w", err)
	}
	out := make([]ListOp, 0, len(changes))
	out = append(out, first)
	if compacted && first.Op == OpApp {
		for _, v := range changes[1:] {
			out = append(out, ListOp{Op: OpApp, Value: v, Anchor: first.Anchor})
		}
		return out, nil
	}
	for i, raw := range changes[1:] {
		op, _, err := unpackTuple(raw)
		if err != nil {
			return nil, fmt.Errorf("list change %d: %w", i+1, err)
		}
		out = append(out, op)
	}
	return out, nil
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimLeft(raw, " \t\r\n")
	return len(t) > 0 && t[0] == '['
}

func unpackTuple(raw json.RawMessage) (ListOp, bool, error) {
	var t []json.RawMessage
	if err := json.Unmarshal(raw, &t); err != nil {
		return ListOp{}, false, err
	}
	if len(t) < 2 {
		return ListOp{}, false, fmt.Errorf("tuple too short")
	}
	var anchor string
	if err := json.Unmarshal(t[1], &anchor); err != nil {
		return ListOp{}, false, fmt.Errorf("anchor: %w", err)
	}
	opcode := opcodeApp
	if len(t) >= 3 && string(t[2]) != "null" {
		if err := json.Unmarshal(t[2], &opcode); err != nil {
			return ListOp{}, false, fmt.Errorf("opcode: %w", err)
		}
	}
	var compacted bool
	if len(t) >= 4 {
		_ = json.Unmarshal(t[3], &compacted)
	}
	switch opcode {
	case opcodeApp:
		return ListOp{Op: OpApp, Value: t[0], Anchor: anchor}, compacted, nil
	case opcodePre:
		return ListOp{Op: OpPre, Value: t[0], Anchor: anchor}, compacted, nil
	case opcodeDel:
		return ListOp{Op: OpDel, Anchor: anchor}, false, nil
	}
	return ListOp{}, false, fmt.Errorf("unknown opcode %d", opcode)
}
