package cojson

import (
	"encoding/json"
	"sort"
)

// StreamItem is one pushed value with its origin.
type StreamItem struct {
	Value  json.RawMessage `json:"value"`
	By     SessionID       `json:"by"`
	TxID   TransactionID   `json:"tx"`
	MadeAt int64           `json:"madeAt"`
}

type streamState struct {
	items  []StreamItem
	hidden bool
}

func newStreamState(txs []decryptedTx) *streamState {
	s := &streamState{}
	for _, tx := range txs {
		if tx.unavailable {
			s.hidden = true
			continue
		}
		for _, raw := range tx.changes {
			s.items = append(s.items, StreamItem{Value: raw, By: tx.id.SessionID, TxID: tx.id, MadeAt: tx.madeAt})
		}
	}
	// Items of one transaction keep their push order.
	sort.SliceStable(s.items, func(i, j int) bool {
		a, b := s.items[i], s.items[j]
		return compareTx(a.MadeAt, a.TxID, b.MadeAt, b.TxID) < 0
	})
	return s
}

// StreamView is a read-only snapshot of a costream.
type StreamView struct {
	state *streamState
}

// Items returns every item from every session in transaction order.
func (v *StreamView) Items() []StreamItem {
	if v == nil {
		return nil
	}
	return append([]StreamItem(nil), v.state.items...)
}

// BySession returns the items pushed from one session.
func (v *StreamView) BySession(s SessionID) []StreamItem {
	var out []StreamItem
	for _, it := range v.Items() {
		if it.By == s {
			out = append(out, it)
		}
	}
	return out
}

// LastBySession returns the newest item of each session.
func (v *StreamView) LastBySession() map[SessionID]StreamItem {
	out := map[SessionID]StreamItem{}
	for _, it := range v.Items() {
		out[it.By] = it
	}
	return out
}

// Incomplete reports whether some transactions could not be decrypted.
func (v *StreamView) Incomplete() bool {
	return v != nil && v.state.hidden
}

// Stream is a handle for a costream.
type Stream struct {
	node *Node
	id   CoID
}

func (s *Stream) ID() CoID { return s.id }

// Push appends item to the local session's feed.
func (s *Stream) Push(item any, privacy Privacy) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = s.node.AddTransaction(s.id, []any{json.RawMessage(raw)}, privacy, nil)
	return err
}

// View returns the current snapshot.
func (s *Stream) View() *StreamView {
	return s.node.Get(s.id).Stream
}

func (s *Stream) Items() []StreamItem                    { return s.View().Items() }
func (s *Stream) LastBySession() map[SessionID]StreamItem { return s.View().LastBySession() }

// Subscribe calls fn with a fresh view after every change.
func (s *Stream) Subscribe(fn func(*StreamView)) (unsubscribe func()) {
	return s.node.Subscribe(s.id, func(v View) { fn(v.Stream) })
}
