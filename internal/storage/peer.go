package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ssd-technologies/covalue/internal/cojson"
)

// DefaultChunkBudget bounds the transaction bytes of one replayed message.
const DefaultChunkBudget = 100 * 1024

// Store serves a Backend to nodes as a sync peer with the storage role.
// Content is verified against an in-memory Core before it is persisted, so
// the backend only ever holds signed, hash-chained runs.
type Store struct {
	backend Backend
	budget  int

	mu    sync.Mutex
	cores map[cojson.CoID]*cojson.Core
}

// NewStore wraps b. A budget <= 0 means DefaultChunkBudget.
func NewStore(b Backend, budget int) *Store {
	if budget <= 0 {
		budget = DefaultChunkBudget
	}
	return &Store{backend: b, budget: budget, cores: map[cojson.CoID]*cojson.Core{}}
}

// Backend returns the wrapped backend.
func (s *Store) Backend() Backend { return s.backend }

// Serve answers sync messages on conn until ctx ends or conn fails. Several
// connections may be served at once.
func (s *Store) Serve(ctx context.Context, conn cojson.Conn) error {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		if err := msg.Validate(); err != nil {
			logger.Warningf("drop invalid message: %v", err)
			continue
		}
		for _, reply := range s.handle(msg) {
			if err := conn.Send(ctx, reply); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func (s *Store) handle(msg cojson.Message) []cojson.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Action {
	case cojson.ActionLoad:
		c, err := s.core(msg.ID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.Errorf("load %s: %v", msg.ID, err)
			}
			return []cojson.Message{notFound(msg.ID)}
		}
		known := msg.Known
		return append(c.NewContentSince(&known, s.budget), cojson.KnownMessage(c.KnownState(), false))
	case cojson.ActionKnown:
		c, err := s.core(msg.ID)
		if err != nil {
			return nil
		}
		known := msg.Known
		return c.NewContentSince(&known, s.budget)
	case cojson.ActionContent:
		return s.ingest(msg)
	case cojson.ActionDone:
		return nil
	default:
		logger.Warningf("unknown action %q", msg.Action)
		return nil
	}
}

func notFound(id cojson.CoID) cojson.Message {
	return cojson.KnownMessage(cojson.KnownState{ID: id, Sessions: map[cojson.SessionID]int{}}, false)
}

// ingest verifies and persists a content message and acknowledges it.
func (s *Store) ingest(msg cojson.Message) []cojson.Message {
	c, err := s.core(msg.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if msg.Header == nil {
			// Ask the sender to start over with the header.
			return []cojson.Message{cojson.KnownMessage(cojson.KnownState{ID: msg.ID, Sessions: map[cojson.SessionID]int{}}, true)}
		}
		if c, err = s.create(msg.ID, *msg.Header); err != nil {
			logger.Warningf("reject header of %s: %v", msg.ID, err)
			return nil
		}
	case err != nil:
		logger.Errorf("ingest %s: %v", msg.ID, err)
		return nil
	}

	before := c.KnownState()
	sessions := make([]cojson.SessionID, 0, len(msg.New))
	for sid := range msg.New {
		sessions = append(sessions, sid)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

	gap := false
	for _, sid := range sessions {
		content := msg.New[sid]
		_, err := c.Ingest(sid, content.After, content.NewTransactions, content.LastSignature)
		switch {
		case errors.Is(err, cojson.ErrMissingPredecessor):
			gap = true
		case err != nil:
			logger.Warningf("reject %s/%s: %v", msg.ID, sid, err)
		}
	}
	if err := s.persist(c, before); err != nil {
		logger.Errorf("persist %s: %v", msg.ID, err)
		// Forget the core so the next message rebuilds it from what was written.
		delete(s.cores, msg.ID)
		return nil
	}
	return []cojson.Message{cojson.KnownMessage(c.KnownState(), gap)}
}

// persist writes every transaction c holds beyond before.
func (s *Store) persist(c *cojson.Core, before cojson.KnownState) error {
	var rows []Row
	for _, sid := range c.Sessions() {
		from := before.Sessions[sid]
		txs, sigs := c.SessionRows(sid, from)
		for i, tx := range txs {
			r, err := newRow(sid, from+i, tx, sigs[from+i])
			if err != nil {
				return err
			}
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return s.backend.PutRows(c.ID(), rows)
}

func (s *Store) create(id cojson.CoID, h cojson.Header) (*cojson.Core, error) {
	c, err := cojson.NewCore(id, h)
	if err != nil {
		return nil, err
	}
	raw, hc, err := encodeHeader(h)
	if err != nil {
		return nil, err
	}
	if err := s.backend.PutHeader(id, raw, hc); err != nil {
		return nil, err
	}
	s.cores[id] = c
	return c, nil
}

// core returns the cached core of id, replaying it from the backend on
// first use.
func (s *Store) core(id cojson.CoID) (*cojson.Core, error) {
	if c, ok := s.cores[id]; ok {
		return c, nil
	}
	c, err := Replay(s.backend, id)
	if err != nil {
		return nil, err
	}
	s.cores[id] = c
	return c, nil
}

// Replay rebuilds the verified core of id from b. Each session is read in
// runs that end at a signed row and every run is verified again.
func Replay(b Backend, id cojson.CoID) (*cojson.Core, error) {
	raw, hc, err := b.Header(id)
	if err != nil {
		return nil, err
	}
	if err := checkCID(raw, hc); err != nil {
		return nil, fmt.Errorf("header of %s: %w", id, err)
	}
	var h cojson.Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: header of %s: %v", ErrCorrupt, id, err)
	}
	c, err := cojson.NewCore(id, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	counts, err := b.Sessions(id)
	if err != nil {
		return nil, err
	}
	sessions := make([]cojson.SessionID, 0, len(counts))
	for sid := range counts {
		sessions = append(sessions, sid)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

	for _, sid := range sessions {
		rows, err := b.Rows(id, sid, 0)
		if err != nil {
			return nil, err
		}
		if err := replaySession(c, sid, rows); err != nil {
			return nil, fmt.Errorf("replay %s/%s: %w", id, sid, err)
		}
	}
	return c, nil
}

func replaySession(c *cojson.Core, sid cojson.SessionID, rows []Row) error {
	var run []cojson.Transaction
	after := 0
	for i, r := range rows {
		if r.TxIndex != i {
			return fmt.Errorf("%w: row %d stored at index %d", ErrCorrupt, i, r.TxIndex)
		}
		tx, err := r.transaction()
		if err != nil {
			return err
		}
		run = append(run, tx)
		if r.Signature == "" {
			continue
		}
		if _, err := c.Ingest(sid, after, run, r.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		after += len(run)
		run = nil
	}
	if len(run) > 0 {
		// Unsigned tail from an interrupted write; it is dropped.
		logger.Warningf("%s: ignoring %d unsigned rows", sid, len(run))
	}
	return nil
}
