package cojson

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// CoID identifies a CoValue: "co_z" followed by the base58 short hash of its header.
type CoID string

// IsCoID reports whether s has the CoID shape.
func IsCoID(s string) bool {
	return strings.HasPrefix(s, "co_z") && len(s) > len("co_z")
}

// SessionID is "<agentID>_session_z<random>".
type SessionID string

const sessionInfix = "_session_"

// NewSessionID creates a fresh session for agent.
func NewSessionID(agent crypto.AgentID) SessionID {
	return SessionID(string(agent) + sessionInfix + crypto.RandomZ(8))
}

// Agent returns the agent that owns the session.
func (s SessionID) Agent() (crypto.AgentID, error) {
	i := strings.LastIndex(string(s), sessionInfix)
	if i <= 0 {
		return "", fmt.Errorf("malformed session id %q", s)
	}
	agent := string(s)[:i]
	if !crypto.IsAgentID(agent) {
		return "", fmt.Errorf("malformed session id %q", s)
	}
	return crypto.AgentID(agent), nil
}

// TransactionID addresses one transaction in one session.
type TransactionID struct {
	SessionID SessionID `json:"sessionID"`
	TxIndex   int       `json:"txIndex"`
}

func (t TransactionID) String() string {
	return string(t.SessionID) + ":" + strconv.Itoa(t.TxIndex)
}

// OpID addresses one change inside a transaction. It is the stable identity
// of a list insertion.
type OpID struct {
	SessionID SessionID
	TxIndex   int
	ChangeIdx int
}

func (o OpID) String() string {
	return string(o.SessionID) + ":" + strconv.Itoa(o.TxIndex) + ":" + strconv.Itoa(o.ChangeIdx)
}

// TxID returns the transaction the op belongs to.
func (o OpID) TxID() TransactionID {
	return TransactionID{SessionID: o.SessionID, TxIndex: o.TxIndex}
}

// ParseOpID is the inverse of OpID.String.
func ParseOpID(s string) (OpID, error) {
	last := strings.LastIndexByte(s, ':')
	if last <= 0 {
		return OpID{}, fmt.Errorf("malformed op id %q", s)
	}
	mid := strings.LastIndexByte(s[:last], ':')
	if mid <= 0 {
		return OpID{}, fmt.Errorf("malformed op id %q", s)
	}
	tx, err := strconv.Atoi(s[mid+1 : last])
	if err != nil {
		return OpID{}, fmt.Errorf("malformed op id %q: %w", s, err)
	}
	ch, err := strconv.Atoi(s[last+1:])
	if err != nil {
		return OpID{}, fmt.Errorf("malformed op id %q: %w", s, err)
	}
	return OpID{SessionID: SessionID(s[:mid]), TxIndex: tx, ChangeIdx: ch}, nil
}

// Group map key helpers.

const (
	everyoneKey    = "everyone"
	readKeyKey     = "readKey"
	parentPrefix   = "parent_"
	childPrefix    = "child_"
	writeKeyPrefix = "writeKeyFor_"
	forInfix       = "_for_"
)

func keyRevealKey(key crypto.KeyID, to string) string {
	return string(key) + forInfix + to
}

func splitKeyReveal(k string) (crypto.KeyID, string, bool) {
	if !crypto.IsKeyID(k) {
		return "", "", false
	}
	i := strings.Index(k, forInfix)
	if i < 0 {
		return "", "", false
	}
	return crypto.KeyID(k[:i]), k[i+len(forInfix):], true
}
