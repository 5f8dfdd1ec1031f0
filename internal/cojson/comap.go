package cojson

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Status describes what a map knows about one key.
type Status int

const (
	// NeverSet means no valid transaction touched the key.
	NeverSet Status = iota
	// Present means the winning op is a set.
	Present
	// Deleted means the winning op is a delete.
	Deleted
	// Unavailable means a transaction that could outrank the winner cannot be decrypted.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Present:
		return "present"
	case Deleted:
		return "deleted"
	case Unavailable:
		return "unavailable"
	}
	return "never-set"
}

type mapChange struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type mapOp struct {
	value     json.RawMessage
	deleted   bool
	madeAt    int64
	txID      TransactionID
	changeIdx int
}

func (o mapOp) less(p mapOp) bool {
	if c := compareTx(o.madeAt, o.txID, p.madeAt, p.txID); c != 0 {
		return c < 0
	}
	return o.changeIdx < p.changeIdx
}

// mapState folds map changes. Ops per key are kept sorted so any point in
// time can be read back.
type mapState struct {
	ops map[string][]mapOp

	// hidden holds every transaction whose changes could not be read, in
	// op order.
	hidden []mapOp
}

func newMapState() *mapState {
	return &mapState{ops: map[string][]mapOp{}}
}

func (m *mapState) applyTx(tx decryptedTx) {
	if tx.unavailable {
		m.hidden = insertOp(m.hidden, mapOp{madeAt: tx.madeAt, txID: tx.id, changeIdx: math.MaxInt})
		return
	}
	for i, raw := range tx.changes {
		var ch mapChange
		if err := json.Unmarshal(raw, &ch); err != nil {
			logger.Debugf("skip malformed map change in %s: %v", tx.id, err)
			continue
		}
		op := mapOp{madeAt: tx.madeAt, txID: tx.id, changeIdx: i}
		switch ch.Op {
		case "set":
			op.value = ch.Value
			if op.value == nil {
				op.value = json.RawMessage("null")
			}
		case "del":
			op.deleted = true
		default:
			logger.Debugf("skip unknown map op %q in %s", ch.Op, tx.id)
			continue
		}
		m.insert(ch.Key, op)
	}
}

func (m *mapState) insert(key string, op mapOp) {
	m.ops[key] = insertOp(m.ops[key], op)
}

func insertOp(list []mapOp, op mapOp) []mapOp {
	i := sort.Search(len(list), func(i int) bool { return op.less(list[i]) })
	list = append(list, mapOp{})
	copy(list[i+1:], list[i:])
	list[i] = op
	return list
}

// lastAt returns the greatest op of a sorted list made at or before at.
func lastAt(list []mapOp, at int64) (mapOp, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].madeAt > at })
	if i == 0 {
		return mapOp{}, false
	}
	return list[i-1], true
}

// latest returns the winning op for key among ops made at or before at.
func (m *mapState) latest(key string, at int64) (mapOp, bool) {
	return lastAt(m.ops[key], at)
}

func (m *mapState) get(key string, at int64) (json.RawMessage, Status) {
	op, ok := m.latest(key, at)
	h, hidden := lastAt(m.hidden, at)
	switch {
	case !ok && hidden:
		return nil, Unavailable
	case !ok:
		return nil, NeverSet
	case hidden && op.less(h):
		return op.value, Unavailable
	case op.deleted:
		return nil, Deleted
	}
	return op.value, Present
}

func (m *mapState) keys(at int64) []string {
	var out []string
	for k := range m.ops {
		if op, ok := m.latest(k, at); ok && !op.deleted {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *mapState) keysWithPrefix(prefix string, at int64) []string {
	var out []string
	for _, k := range m.keys(at) {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out
}

func (m *mapState) stringAt(key string, at int64) (string, mapOp, bool) {
	op, ok := m.latest(key, at)
	if !ok || op.deleted {
		return "", mapOp{}, false
	}
	var s string
	if err := json.Unmarshal(op.value, &s); err != nil {
		return "", mapOp{}, false
	}
	return s, op, true
}

const latestTime = int64(math.MaxInt64)

// MapView is a read-only snapshot of a map, optionally as of a past time.
type MapView struct {
	state *mapState
	at    int64
}

// Get returns the value of key and how it was resolved.
func (v *MapView) Get(key string) (json.RawMessage, Status) {
	if v == nil {
		return nil, NeverSet
	}
	return v.state.get(key, v.at)
}

// GetInto decodes the value of key into dst. It returns the key status;
// dst is left untouched unless the status is Present.
func (v *MapView) GetInto(key string, dst any) (Status, error) {
	raw, st := v.Get(key)
	if st != Present {
		return st, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return st, fmt.Errorf("decode %q: %w", key, err)
	}
	return st, nil
}

// Keys returns the keys that currently hold a value, sorted.
func (v *MapView) Keys() []string {
	if v == nil {
		return nil
	}
	return v.state.keys(v.at)
}

// Entries returns every present key with its value.
func (v *MapView) Entries() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for _, k := range v.Keys() {
		if raw, st := v.Get(k); st == Present {
			out[k] = raw
		}
	}
	return out
}

// AtTime returns the map as it was at t (unix milliseconds).
func (v *MapView) AtTime(t int64) *MapView {
	if v == nil {
		return nil
	}
	return &MapView{state: v.state, at: t}
}

// MarshalJSON encodes the present entries as an object.
func (v *MapView) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Entries())
}

// Map is a handle for reading and editing a comap.
type Map struct {
	node *Node
	id   CoID
}

func (m *Map) ID() CoID { return m.id }

// Set writes one key.
func (m *Map) Set(key string, value any, privacy Privacy) error {
	return m.SetMany(map[string]any{key: value}, privacy)
}

// SetMany writes several keys in one transaction. Keys are written in
// sorted order so the transaction is deterministic.
func (m *Map) SetMany(values map[string]any, privacy Privacy) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	changes := make([]any, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(values[k])
		if err != nil {
			return fmt.Errorf("encode %q: %w", k, err)
		}
		changes = append(changes, mapChange{Op: "set", Key: k, Value: raw})
	}
	_, err := m.node.AddTransaction(m.id, changes, privacy, nil)
	return err
}

// Delete writes a tombstone for key.
func (m *Map) Delete(key string, privacy Privacy) error {
	_, err := m.node.AddTransaction(m.id, []any{mapChange{Op: "del", Key: key}}, privacy, nil)
	return err
}

// View returns the current snapshot.
func (m *Map) View() *MapView {
	return m.node.Get(m.id).Map
}

// Get is shorthand for View().Get(key).
func (m *Map) Get(key string) (json.RawMessage, Status) {
	return m.View().Get(key)
}

// Keys is shorthand for View().Keys().
func (m *Map) Keys() []string {
	return m.View().Keys()
}

// Entries is shorthand for View().Entries().
func (m *Map) Entries() map[string]json.RawMessage {
	return m.View().Entries()
}

// AtTime is shorthand for View().AtTime(t).
func (m *Map) AtTime(t int64) *MapView {
	return m.View().AtTime(t)
}

// Subscribe calls fn with a fresh view after every change.
func (m *Map) Subscribe(fn func(*MapView)) (unsubscribe func()) {
	return m.node.Subscribe(m.id, func(v View) { fn(v.Map) })
}
