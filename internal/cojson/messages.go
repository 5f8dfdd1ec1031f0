package cojson

import (
	"encoding/json"
	"fmt"
)

// Sync message actions.
const (
	ActionLoad    = "load"
	ActionKnown   = "known"
	ActionContent = "content"
	ActionDone    = "done"
)

// Message is the envelope for every sync message. Which fields are used
// depends on Action:
//
//	load, known: Known (header flag and session counts), IsCorrection
//	content:     Header (only when the receiver may lack it), New, ExpectContentUntil
//	done:        ID only
type Message struct {
	Action string
	ID     CoID

	Known        KnownState
	IsCorrection bool

	Header             *Header
	New                map[SessionID]SessionContent
	ExpectContentUntil map[SessionID]int
}

type wireMessage struct {
	Action             string                       `json:"action"`
	ID                 CoID                         `json:"id"`
	Header             json.RawMessage              `json:"header,omitempty"`
	Sessions           map[SessionID]int            `json:"sessions,omitempty"`
	IsCorrection       bool                         `json:"isCorrection,omitempty"`
	New                map[SessionID]SessionContent `json:"new,omitempty"`
	ExpectContentUntil map[SessionID]int            `json:"expectContentUntil,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Action: m.Action, ID: m.ID}
	switch m.Action {
	case ActionLoad, ActionKnown:
		w.Header = json.RawMessage("false")
		if m.Known.Header {
			w.Header = json.RawMessage("true")
		}
		w.Sessions = m.Known.Sessions
		if w.Sessions == nil {
			w.Sessions = map[SessionID]int{}
		}
		w.IsCorrection = m.IsCorrection
	case ActionContent:
		if m.Header != nil {
			raw, err := json.Marshal(m.Header)
			if err != nil {
				return nil, err
			}
			w.Header = raw
		}
		w.New = m.New
		if w.New == nil {
			w.New = map[SessionID]SessionContent{}
		}
		w.ExpectContentUntil = m.ExpectContentUntil
	case ActionDone:
	default:
		return nil, fmt.Errorf("unknown action %q", m.Action)
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{Action: w.Action, ID: w.ID}
	switch w.Action {
	case ActionLoad, ActionKnown:
		var has bool
		if len(w.Header) > 0 {
			if err := json.Unmarshal(w.Header, &has); err != nil {
				return fmt.Errorf("%s header flag: %w", w.Action, err)
			}
		}
		m.Known = KnownState{ID: w.ID, Header: has, Sessions: w.Sessions}
		if m.Known.Sessions == nil {
			m.Known.Sessions = map[SessionID]int{}
		}
		m.IsCorrection = w.IsCorrection
	case ActionContent:
		if len(w.Header) > 0 && string(w.Header) != "null" {
			var h Header
			if err := json.Unmarshal(w.Header, &h); err != nil {
				return fmt.Errorf("content header: %w", err)
			}
			m.Header = &h
		}
		m.New = w.New
		m.ExpectContentUntil = w.ExpectContentUntil
	case ActionDone:
	default:
		return fmt.Errorf("unknown action %q", w.Action)
	}
	return nil
}

// Validate checks the message shape before it reaches the node.
func (m Message) Validate() error {
	if !IsCoID(string(m.ID)) {
		return fmt.Errorf("invalid covalue id %q", m.ID)
	}
	for s, c := range m.New {
		if c.After < 0 {
			return fmt.Errorf("session %s: negative after", s)
		}
		if len(c.NewTransactions) > 0 && c.LastSignature == "" {
			return fmt.Errorf("session %s: missing signature", s)
		}
	}
	return nil
}

// knownFromContent returns the state a content message brings the receiver to,
// assuming it held everything before each run.
func (m Message) knownFromContent() KnownState {
	k := emptyKnownState(m.ID)
	k.Header = m.Header != nil
	for s, c := range m.New {
		k.Sessions[s] = c.After + len(c.NewTransactions)
	}
	return k
}

func loadMessage(k KnownState) Message {
	return Message{Action: ActionLoad, ID: k.ID, Known: k}
}

// KnownMessage reports k to a peer. A correction replaces what the peer
// believed we hold instead of adding to it.
func KnownMessage(k KnownState, correction bool) Message {
	return Message{Action: ActionKnown, ID: k.ID, Known: k, IsCorrection: correction}
}

func (m Message) contentSize() int {
	var n int
	for _, c := range m.New {
		for _, tx := range c.NewTransactions {
			n += tx.size()
		}
	}
	return n
}
