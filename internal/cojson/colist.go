package cojson

import (
	"encoding/json"
	"fmt"
	"sort"
)

type listRef struct {
	op     OpID
	madeAt int64
}

func (r listRef) less(o listRef) bool {
	if c := compareTx(r.madeAt, r.op.TxID(), o.madeAt, o.op.TxID()); c != 0 {
		return c < 0
	}
	return r.op.ChangeIdx < o.op.ChangeIdx
}

type listEntry struct {
	value        json.RawMessage
	parsed       bool
	predecessors []listRef
	successors   []listRef
}

// listState is the RGA fold of list operations. Every insertion hangs off
// its anchor; siblings on one anchor are ordered by (madeAt, session,
// txIndex, changeIdx) and the newest successor lands right after it.
type listState struct {
	insertions map[OpID]*listEntry
	deleted    map[OpID]bool
	afterStart []listRef
	beforeEnd  []listRef
	hidden     bool

	values []json.RawMessage
	ids    []OpID
}

func newListState(txs []decryptedTx) *listState {
	l := &listState{insertions: map[OpID]*listEntry{}, deleted: map[OpID]bool{}}
	for _, tx := range txs {
		l.applyTx(tx)
	}
	sortRefs(l.afterStart)
	sortRefs(l.beforeEnd)
	for _, e := range l.insertions {
		sortRefs(e.predecessors)
		sortRefs(e.successors)
	}
	l.build()
	return l
}

func sortRefs(refs []listRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].less(refs[j]) })
}

func (l *listState) entry(op OpID) *listEntry {
	e := l.insertions[op]
	if e == nil {
		e = &listEntry{}
		l.insertions[op] = e
	}
	return e
}

func (l *listState) applyTx(tx decryptedTx) {
	if tx.unavailable {
		l.hidden = true
		return
	}
	ops, err := UnpackListOps(tx.changes)
	if err != nil {
		logger.Debugf("skip malformed list transaction %s: %v", tx.id, err)
		return
	}
	for i, op := range ops {
		id := OpID{SessionID: tx.id.SessionID, TxIndex: tx.id.TxIndex, ChangeIdx: i}
		ref := listRef{op: id, madeAt: tx.madeAt}
		switch op.Op {
		case OpApp, OpPre:
			e := l.entry(id)
			if e.parsed {
				continue
			}
			e.value, e.parsed = op.Value, true
			anchor, isOp := op.anchorOp()
			switch {
			case op.Op == OpApp && op.Anchor == AnchorStart:
				l.afterStart = append(l.afterStart, ref)
			case op.Op == OpPre && op.Anchor == AnchorEnd:
				l.beforeEnd = append(l.beforeEnd, ref)
			case !isOp:
				logger.Debugf("skip list op %s with anchor %q", id, op.Anchor)
			case op.Op == OpApp:
				a := l.entry(anchor)
				a.successors = append(a.successors, ref)
			default:
				a := l.entry(anchor)
				a.predecessors = append(a.predecessors, ref)
			}
		case OpDel:
			if target, ok := op.anchorOp(); ok {
				l.deleted[target] = true
			}
		}
	}
}

func (l *listState) build() {
	for _, r := range l.afterStart {
		l.fill(r.op)
	}
	for _, r := range l.beforeEnd {
		l.fill(r.op)
	}
}

// fill walks the subtree rooted at root depth first: predecessors before
// the op, successors after it, each sibling list pushed in order so the
// last one is visited first.
func (l *listState) fill(root OpID) {
	type todo struct {
		op                  OpID
		predecessorsVisited bool
	}
	stack := []todo{{op: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		e := l.insertions[top.op]
		if len(e.predecessors) > 0 && !top.predecessorsVisited {
			top.predecessorsVisited = true
			for _, p := range e.predecessors {
				stack = append(stack, todo{op: p.op})
			}
			continue
		}
		op := top.op
		stack = stack[:len(stack)-1]
		if !l.deleted[op] {
			l.values = append(l.values, e.value)
			l.ids = append(l.ids, op)
		}
		for _, s := range e.successors {
			stack = append(stack, todo{op: s.op})
		}
	}
}

// ListView is a read-only snapshot of a list.
type ListView struct {
	state *listState
}

// Items returns the current items in order.
func (v *ListView) Items() []json.RawMessage {
	if v == nil {
		return nil
	}
	return append([]json.RawMessage(nil), v.state.values...)
}

// Len is the number of visible items.
func (v *ListView) Len() int {
	if v == nil {
		return 0
	}
	return len(v.state.values)
}

// Get returns the item at idx.
func (v *ListView) Get(idx int) (json.RawMessage, bool) {
	if v == nil || idx < 0 || idx >= len(v.state.values) {
		return nil, false
	}
	return v.state.values[idx], true
}

// OpIDs returns the insertion op of every visible item.
func (v *ListView) OpIDs() []OpID {
	if v == nil {
		return nil
	}
	return append([]OpID(nil), v.state.ids...)
}

// Incomplete reports whether some transactions could not be decrypted, so
// items may be missing.
func (v *ListView) Incomplete() bool {
	return v != nil && v.state.hidden
}

// MarshalJSON encodes the items as an array.
func (v *ListView) MarshalJSON() ([]byte, error) {
	items := v.Items()
	if items == nil {
		items = []json.RawMessage{}
	}
	return json.Marshal(items)
}

// List is a handle for reading and editing a colist.
type List struct {
	node *Node
	id   CoID
}

func (l *List) ID() CoID { return l.id }

// View returns the current snapshot.
func (l *List) View() *ListView {
	return l.node.Get(l.id).List
}

func (l *List) Items() []json.RawMessage { return l.View().Items() }
func (l *List) OpIDs() []OpID            { return l.View().OpIDs() }
func (l *List) Len() int                 { return l.View().Len() }

func (l *List) Get(idx int) (json.RawMessage, bool) {
	return l.View().Get(idx)
}

// Append inserts item after the item at index after; a negative index means
// after the last item.
func (l *List) Append(item any, after int, privacy Privacy) error {
	return l.AppendItems([]any{item}, after, privacy)
}

// AppendItems inserts items, in order, after the item at index after.
func (l *List) AppendItems(items []any, after int, privacy Privacy) error {
	ids := l.OpIDs()
	anchor := AnchorStart
	if len(ids) > 0 {
		if after < 0 {
			after = len(ids) - 1
		}
		if after >= len(ids) {
			return fmt.Errorf("%w: %d", ErrInvalidIndex, after)
		}
		anchor = ids[after].String()
	} else if after > 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, after)
	}

	ops := make([]ListOp, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item: %w", err)
		}
		ops = append(ops, ListOp{Op: OpApp, Value: raw, Anchor: anchor})
	}
	if anchor != AnchorStart {
		// Successors of one anchor are visited newest first.
		for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
			ops[i], ops[j] = ops[j], ops[i]
		}
	}
	return l.write(ops, privacy)
}

// Prepend inserts item before the item at index before; before == Len()
// inserts at the end.
func (l *List) Prepend(item any, before int, privacy Privacy) error {
	ids := l.OpIDs()
	anchor := AnchorEnd
	switch {
	case before >= 0 && before < len(ids):
		anchor = ids[before].String()
	case before == len(ids):
	default:
		return fmt.Errorf("%w: %d", ErrInvalidIndex, before)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	return l.write([]ListOp{{Op: OpPre, Value: raw, Anchor: anchor}}, privacy)
}

// Delete removes the item at index at.
func (l *List) Delete(at int, privacy Privacy) error {
	ids := l.OpIDs()
	if at < 0 || at >= len(ids) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, at)
	}
	return l.write([]ListOp{{Op: OpDel, Anchor: ids[at].String()}}, privacy)
}

// Replace swaps the item at index at for item in one transaction.
func (l *List) Replace(at int, item any, privacy Privacy) error {
	ids := l.OpIDs()
	if at < 0 || at >= len(ids) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, at)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	return l.write([]ListOp{
		{Op: OpApp, Value: raw, Anchor: ids[at].String()},
		{Op: OpDel, Anchor: ids[at].String()},
	}, privacy)
}

func (l *List) write(ops []ListOp, privacy Privacy) error {
	packed, err := PackListOps(ops)
	if err != nil {
		return err
	}
	changes := make([]any, len(packed))
	for i, p := range packed {
		changes[i] = p
	}
	_, err = l.node.AddTransaction(l.id, changes, privacy, nil)
	return err
}

// Subscribe calls fn with a fresh view after every change.
func (l *List) Subscribe(fn func(*ListView)) (unsubscribe func()) {
	return l.node.Subscribe(l.id, func(v View) { fn(v.List) })
}
