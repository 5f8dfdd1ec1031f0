// Package storage persists verified CoValue logs and serves them to a node
// as a sync peer with the storage role.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"gopkg.in/op/go-logging.v1"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/crypto"
)

var logger = logging.MustGetLogger("covalue.storage")

var (
	// ErrNotFound is returned when a CoValue has never been stored.
	ErrNotFound = errors.New("storage: not found")
	// ErrCorrupt is returned when a record no longer matches its CID.
	ErrCorrupt = errors.New("storage: corrupt record")
)

// Row is one persisted transaction of a session log. Signature is set on
// rows that end a verified run; a replay must stop at one of them.
type Row struct {
	Session   cojson.SessionID `json:"session"`
	TxIndex   int              `json:"txIndex"`
	Payload   []byte           `json:"payload"`
	MadeAt    int64            `json:"madeAt"`
	Signature crypto.Signature `json:"signature,omitempty"`
	CID       string           `json:"cid"`
}

// Backend is a persisted store of headers and transaction rows. Writes are
// idempotent: an existing header or row is left untouched.
type Backend interface {
	PutHeader(id cojson.CoID, header []byte, cid string) error
	// Header returns ErrNotFound for unknown values.
	Header(id cojson.CoID) (header []byte, cid string, err error)
	PutRows(id cojson.CoID, rows []Row) error
	// Rows returns the rows of one session with TxIndex >= from, in order.
	Rows(id cojson.CoID, session cojson.SessionID, from int) ([]Row, error)
	// Sessions maps each stored session to its row count.
	Sessions(id cojson.CoID) (map[cojson.SessionID]int, error)
	IDs() ([]cojson.CoID, error)
	Close() error
}

// headerRecord is how key-value backends store a header.
type headerRecord struct {
	Header json.RawMessage `json:"header"`
	CID    string          `json:"cid"`
}

// cidOf returns the CIDv1 (raw + sha2-256) of data.
func cidOf(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// checkCID reports ErrCorrupt when data does not hash to want.
func checkCID(data []byte, want string) error {
	c, err := cid.Decode(want)
	if err != nil {
		return fmt.Errorf("%w: bad cid %q: %v", ErrCorrupt, want, err)
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !sum.Equals(c) {
		return fmt.Errorf("%w: content does not match %s", ErrCorrupt, want)
	}
	return nil
}

func encodeHeader(h cojson.Header) ([]byte, string, error) {
	raw, err := crypto.StableJSON(h)
	if err != nil {
		return nil, "", fmt.Errorf("encode header: %w", err)
	}
	c, err := cidOf(raw)
	if err != nil {
		return nil, "", fmt.Errorf("header cid: %w", err)
	}
	return raw, c, nil
}

func newRow(s cojson.SessionID, idx int, tx cojson.Transaction, sig crypto.Signature) (Row, error) {
	payload, err := crypto.StableJSON(tx)
	if err != nil {
		return Row{}, fmt.Errorf("encode transaction: %w", err)
	}
	c, err := cidOf(payload)
	if err != nil {
		return Row{}, fmt.Errorf("transaction cid: %w", err)
	}
	return Row{Session: s, TxIndex: idx, Payload: payload, MadeAt: tx.MadeAt, Signature: sig, CID: c}, nil
}

// transaction decodes a row after checking its CID.
func (r Row) transaction() (cojson.Transaction, error) {
	var tx cojson.Transaction
	if err := checkCID(r.Payload, r.CID); err != nil {
		return tx, fmt.Errorf("%s[%d]: %w", r.Session, r.TxIndex, err)
	}
	if err := json.Unmarshal(r.Payload, &tx); err != nil {
		return tx, fmt.Errorf("%w: %s[%d]: %v", ErrCorrupt, r.Session, r.TxIndex, err)
	}
	return tx, nil
}
