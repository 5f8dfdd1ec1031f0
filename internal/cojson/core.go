package cojson

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// Limits on runs buffered per session while their predecessors are missing.
// The oldest runs are dropped first; the sender resends them after the next
// correction.
const (
	MaxPendingRuns  = 256
	MaxPendingBytes = 4 << 20
)

type bufferedRun struct {
	content SessionContent
	size    int
}

// Core is the verified log of one CoValue: its header plus one hash-chained
// log per session. It holds no permission logic; the node decides which of
// its transactions are valid.
type Core struct {
	id      CoID
	header  Header
	logs    map[SessionID]*sessionLog
	pending map[SessionID][]bufferedRun

	// expected holds the announced end of an in-flight stream.
	expected map[SessionID]int

	version uint64

	cache *viewCache
}

// NewCore creates an empty core for a verified header. id must be the
// header's hash.
func NewCore(id CoID, h Header) (*Core, error) {
	if err := h.validate(); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	got, err := h.ID()
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, fmt.Errorf("header hashes to %s, not %s", got, id)
	}
	return &Core{
		id:      id,
		header:  h,
		logs:    map[SessionID]*sessionLog{},
		pending: map[SessionID][]bufferedRun{},
	}, nil
}

func (c *Core) ID() CoID       { return c.id }
func (c *Core) Header() Header { return c.header }

// KnownState reports the number of verified transactions per session.
func (c *Core) KnownState() KnownState {
	k := emptyKnownState(c.id)
	k.Header = true
	for s, l := range c.logs {
		k.Sessions[s] = l.len()
	}
	return k
}

// knownStateWithStreaming reports what the node will hold once the current
// stream completes.
func (c *Core) knownStateWithStreaming() KnownState {
	k := c.KnownState()
	for s, n := range c.expected {
		if n > k.Sessions[s] {
			k.Sessions[s] = n
		}
	}
	return k
}

// IsStreaming is true while an announced stream has not fully arrived.
func (c *Core) IsStreaming() bool {
	if c.expected == nil {
		return false
	}
	for s, n := range c.expected {
		if l := c.logs[s]; l == nil || l.len() < n {
			return true
		}
	}
	c.expected = nil
	return false
}

func (c *Core) expectContentUntil(until map[SessionID]int) {
	if len(until) == 0 {
		return
	}
	if c.expected == nil {
		c.expected = map[SessionID]int{}
	}
	for s, n := range until {
		if n > c.expected[s] {
			c.expected[s] = n
		}
	}
}

func (c *Core) logFor(s SessionID) (*sessionLog, error) {
	if l, ok := c.logs[s]; ok {
		return l, nil
	}
	l, err := newSessionLog(s)
	if err != nil {
		return nil, err
	}
	c.logs[s] = l
	return l, nil
}

// Ingest verifies a run of foreign transactions for session s starting at
// index after. A run that starts beyond the known end is buffered and
// ErrMissingPredecessor is returned; it is applied once the gap is filled.
func (c *Core) Ingest(s SessionID, after int, txs []Transaction, sig crypto.Signature) (int, error) {
	l, err := c.logFor(s)
	if err != nil {
		return 0, err
	}
	if after > l.len() {
		c.buffer(s, bufferedRun{content: SessionContent{After: after, NewTransactions: txs, LastSignature: sig}})
		if l.len() == 0 {
			delete(c.logs, s)
		}
		return 0, ErrMissingPredecessor
	}
	added, err := l.add(after, txs, sig)
	if err != nil {
		if l.len() == 0 {
			delete(c.logs, s)
		}
		return 0, err
	}
	if added > 0 {
		c.version++
	}
	added += c.drainPending(s, l)
	return added, nil
}

func (c *Core) buffer(s SessionID, r bufferedRun) {
	for _, tx := range r.content.NewTransactions {
		r.size += tx.size()
	}
	runs := append(c.pending[s], r)
	total := 0
	for _, b := range runs {
		total += b.size
	}
	drop := 0
	for len(runs)-drop > MaxPendingRuns || (total > MaxPendingBytes && drop < len(runs)-1) {
		total -= runs[drop].size
		drop++
	}
	if drop > 0 {
		logger.Warningf("%s/%s: dropping %d buffered runs over the limit", c.id, s, drop)
		runs = append([]bufferedRun(nil), runs[drop:]...)
	}
	c.pending[s] = runs
}

func (c *Core) drainPending(s SessionID, l *sessionLog) int {
	total := 0
	for {
		runs := c.pending[s]
		if len(runs) == 0 {
			delete(c.pending, s)
			return total
		}
		progress := false
		keep := runs[:0]
		for _, r := range runs {
			if r.content.After > l.len() {
				keep = append(keep, r)
				continue
			}
			progress = true
			n, err := l.add(r.content.After, r.content.NewTransactions, r.content.LastSignature)
			if err != nil {
				logger.Warningf("drop buffered run for %s/%s: %v", c.id, s, err)
				continue
			}
			if n > 0 {
				c.version++
			}
			total += n
		}
		c.pending[s] = keep
		if !progress {
			return total
		}
	}
}

// Sessions lists the sessions with verified transactions.
func (c *Core) Sessions() []SessionID {
	out := make([]SessionID, 0, len(c.logs))
	for s := range c.logs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SessionRows returns the transactions of session s from index from on,
// with the signatures that checkpoint them keyed by index. The last
// transaction is always signed.
func (c *Core) SessionRows(s SessionID, from int) ([]Transaction, map[int]crypto.Signature) {
	l := c.logs[s]
	if l == nil || from >= l.len() {
		return nil, nil
	}
	sigs := map[int]crypto.Signature{}
	for i, sig := range l.sigs {
		if i >= from {
			sigs[i] = sig
		}
	}
	sigs[l.len()-1] = l.last
	return append([]Transaction(nil), l.txs[from:]...), sigs
}

// hasPending reports whether any run is waiting for predecessors.
func (c *Core) hasPending() bool {
	return len(c.pending) > 0
}

// appendOwn adds a locally made transaction to the identity's session.
func (c *Core) appendOwn(id Identity, tx Transaction, checkpointBudget int) (crypto.Hash, error) {
	l, err := c.logFor(id.Session)
	if err != nil {
		return "", err
	}
	signer, err := id.Secret.SignerSecret()
	if err != nil {
		return "", err
	}
	h, err := l.appendOwn(tx, signer, checkpointBudget)
	if err != nil {
		return "", err
	}
	c.version++
	return h, nil
}

func (c *Core) nextTxID(s SessionID) TransactionID {
	n := 0
	if l := c.logs[s]; l != nil {
		n = l.len()
	}
	return TransactionID{SessionID: s, TxIndex: n}
}

type rawTx struct {
	id TransactionID
	tx Transaction
}

// transactions returns every verified transaction in a deterministic order.
func (c *Core) transactions() []rawTx {
	var out []rawTx
	for s, l := range c.logs {
		for i, tx := range l.txs {
			out = append(out, rawTx{id: TransactionID{SessionID: s, TxIndex: i}, tx: tx})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return compareTx(out[i].tx.MadeAt, out[i].id, out[j].tx.MadeAt, out[j].id) < 0
	})
	return out
}

// compareTx orders transactions by (madeAt, sessionID, txIndex).
func compareTx(aAt int64, a TransactionID, bAt int64, b TransactionID) int {
	switch {
	case aAt < bAt:
		return -1
	case aAt > bAt:
		return 1
	case a.SessionID < b.SessionID:
		return -1
	case a.SessionID > b.SessionID:
		return 1
	case a.TxIndex < b.TxIndex:
		return -1
	case a.TxIndex > b.TxIndex:
		return 1
	}
	return 0
}

// NewContentSince builds the content messages that bring a peer holding
// known up to date. Runs end at signature checkpoints; when more than one
// message is needed the first announces the final state. Returns nil when
// the peer is already up to date.
func (c *Core) NewContentSince(known *KnownState, budget int) []Message {
	sendHeader := known == nil || !known.Header
	sessions := make([]SessionID, 0, len(c.logs))
	for s := range c.logs {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

	var msgs []Message
	cur := Message{Action: ActionContent, ID: c.id, New: map[SessionID]SessionContent{}}
	flush := func() {
		if len(cur.New) > 0 {
			msgs = append(msgs, cur)
		}
		cur = Message{Action: ActionContent, ID: c.id, New: map[SessionID]SessionContent{}}
	}
	for _, s := range sessions {
		from := 0
		if known != nil {
			from = known.Sessions[s]
		}
		for _, p := range c.logs[s].pieces(from, budget) {
			if _, dup := cur.New[s]; dup || (len(cur.New) > 0 && cur.contentSize() >= budget) {
				flush()
			}
			cur.New[s] = p
		}
	}
	flush()

	if len(msgs) == 0 {
		if !sendHeader {
			return nil
		}
		msgs = []Message{{Action: ActionContent, ID: c.id, New: map[SessionID]SessionContent{}}}
	}
	if sendHeader {
		h := c.header
		msgs[0].Header = &h
	}
	if len(msgs) > 1 {
		msgs[0].ExpectContentUntil = c.KnownState().Sessions
	}
	return msgs
}

// decryptedTx is a transaction after permission filtering and decryption.
type decryptedTx struct {
	id      TransactionID
	madeAt  int64
	changes []json.RawMessage
	meta    json.RawMessage

	// unavailable marks a valid transaction whose key could not be resolved.
	unavailable bool
}

func (d decryptedTx) less(o decryptedTx) bool {
	return compareTx(d.madeAt, d.id, o.madeAt, o.id) < 0
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrHashChainBroken)
}
