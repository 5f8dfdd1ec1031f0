package cojson

import (
	"encoding/json"
	"fmt"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// Privacy selects whether a transaction's changes are encrypted.
type Privacy string

const (
	Private  Privacy = "private"
	Trusting Privacy = "trusting"
)

// Transaction is one signed, hash-chained entry of a session log. Changes
// and Meta hold JSON text so the hashed bytes are exactly what was sent.
type Transaction struct {
	Privacy          Privacy          `json:"privacy"`
	MadeAt           int64            `json:"madeAt"`
	KeyUsed          crypto.KeyID     `json:"keyUsed,omitempty"`
	EncryptedChanges crypto.Encrypted `json:"encryptedChanges,omitempty"`
	Changes          string           `json:"changes,omitempty"`
	Meta             string           `json:"meta,omitempty"`
}

func (tx Transaction) size() int {
	return len(tx.EncryptedChanges) + len(tx.Changes) + len(tx.Meta)
}

// SessionContent is the wire form of a run of transactions from one session.
type SessionContent struct {
	After           int              `json:"after"`
	NewTransactions []Transaction    `json:"newTransactions"`
	LastSignature   crypto.Signature `json:"lastSignature"`
}

// sessionLog is the verified transaction log of one session.
type sessionLog struct {
	txs    []Transaction
	chain  []crypto.ChainHash // chain head after each transaction
	sigs   map[int]crypto.Signature
	last   crypto.Signature
	signer crypto.SignerID

	sinceCheckpoint int
}

func newSessionLog(id SessionID) (*sessionLog, error) {
	agent, err := id.Agent()
	if err != nil {
		return nil, err
	}
	signer, err := agent.SignerID()
	if err != nil {
		return nil, err
	}
	return &sessionLog{signer: signer, sigs: map[int]crypto.Signature{}}, nil
}

func (l *sessionLog) len() int { return len(l.txs) }

func (l *sessionLog) headAt(n int) crypto.ChainHash {
	if n == 0 {
		return crypto.ChainHash{}
	}
	return l.chain[n-1]
}

func chainOver(prev crypto.ChainHash, txs []Transaction) ([]crypto.ChainHash, error) {
	out := make([]crypto.ChainHash, 0, len(txs))
	h := prev
	for _, tx := range txs {
		var err error
		h, err = h.Append(tx)
		if err != nil {
			return nil, fmt.Errorf("hash transaction: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// add verifies txs as a continuation starting at index after, signed by sig
// over the resulting chain head, and appends the part that is new. The end of
// every accepted run becomes a checkpoint.
func (l *sessionLog) add(after int, txs []Transaction, sig crypto.Signature) (int, error) {
	if after > l.len() {
		return 0, ErrMissingPredecessor
	}
	hashes, err := chainOver(l.headAt(after), txs)
	if err != nil {
		return 0, err
	}
	overlap := l.len() - after
	if overlap > len(txs) {
		overlap = len(txs)
	}
	for i := 0; i < overlap; i++ {
		if hashes[i].String() != l.chain[after+i].String() {
			return 0, fmt.Errorf("%w: transaction %d differs", ErrHashChainBroken, after+i)
		}
	}
	if overlap == len(txs) {
		return 0, nil
	}

	head := hashes[len(hashes)-1]
	if err := l.signer.Verify([]byte(head.String()), sig); err != nil {
		return 0, fmt.Errorf("%w: session log", ErrInvalidSignature)
	}

	fresh := txs[overlap:]
	l.txs = append(l.txs, fresh...)
	l.chain = append(l.chain, hashes[overlap:]...)
	l.last = sig
	l.sigs[l.len()-1] = sig
	l.sinceCheckpoint = 0
	return len(fresh), nil
}

// appendOwn appends a transaction made locally and signs the new head.
func (l *sessionLog) appendOwn(tx Transaction, signer crypto.SignerSecret, checkpointBudget int) (crypto.Hash, error) {
	head, err := l.headAt(l.len()).Append(tx)
	if err != nil {
		return "", fmt.Errorf("hash transaction: %w", err)
	}
	sig, err := signer.Sign([]byte(head.String()))
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	l.txs = append(l.txs, tx)
	l.chain = append(l.chain, head)
	l.last = sig
	l.sinceCheckpoint += tx.size()
	if l.sinceCheckpoint > checkpointBudget {
		l.sigs[l.len()-1] = sig
		l.sinceCheckpoint = 0
	}
	return head.Hash(), nil
}

// pieces splits transactions from index from onward into runs that each
// end at a signed position and stay near budget bytes where possible.
func (l *sessionLog) pieces(from, budget int) []SessionContent {
	var out []SessionContent
	start := from
	size := 0
	for i := from; i < l.len(); i++ {
		size += l.txs[i].size()
		sig, signed := l.sigs[i]
		if i == l.len()-1 {
			sig, signed = l.last, true
		}
		if signed && (size >= budget || i == l.len()-1) {
			out = append(out, SessionContent{
				After:           start,
				NewTransactions: append([]Transaction(nil), l.txs[start:i+1]...),
				LastSignature:   sig,
			})
			start = i + 1
			size = 0
		}
	}
	return out
}

func decodeChanges(raw string) ([]json.RawMessage, error) {
	var changes []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &changes); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	return changes, nil
}
