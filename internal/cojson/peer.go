package cojson

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

var syncLog = logging.MustGetLogger("covalue.sync")

// Conn is a bidirectional message channel to one peer.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// PeerRole is what the remote side is to this node.
type PeerRole string

const (
	// PeerServer receives every local change and is asked for missing values.
	PeerServer PeerRole = "server"
	// PeerClient only receives values it loaded or sent.
	PeerClient PeerRole = "client"
	// PeerStorage persists every change and is asked first for missing values.
	PeerStorage PeerRole = "storage"
)

type peer struct {
	id   string
	role PeerRole
	conn Conn
	node *Node

	// Guarded by node.mu.
	known      map[CoID]KnownState
	subscribed map[CoID]bool

	qmu    sync.Mutex
	queue  []Message
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (p *peer) knownOf(id CoID) (KnownState, bool) {
	k, ok := p.known[id]
	if !ok {
		return emptyKnownState(id), false
	}
	return k, true
}

// enqueue never blocks; the writer goroutine drains the queue.
func (p *peer) enqueue(msgs ...Message) {
	p.qmu.Lock()
	p.queue = append(p.queue, msgs...)
	p.qmu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *peer) writeLoop() {
	for {
		p.qmu.Lock()
		msgs := p.queue
		p.queue = nil
		p.qmu.Unlock()

		for _, m := range msgs {
			if err := p.conn.Send(p.ctx, m); err != nil {
				p.node.removePeer(p, err)
				return
			}
		}
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *peer) readLoop() {
	for {
		msg, err := p.conn.Recv(p.ctx)
		if err != nil {
			p.node.removePeer(p, err)
			return
		}
		if err := msg.Validate(); err != nil {
			syncLog.Warningf("peer %s: drop %s message: %v", p.id, msg.Action, err)
			continue
		}
		p.node.handleMessage(p, msg)
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		p.cancel()
		if err := p.conn.Close(); err != nil {
			syncLog.Debugf("peer %s: close: %v", p.id, err)
		}
	})
}

// AddPeer starts syncing with the remote end of conn and returns the peer
// ID, generated when id is empty. Server and storage peers are told about
// every value the node holds.
func (n *Node) AddPeer(id string, role PeerRole, conn Conn) string {
	if id == "" {
		id = newPeerID()
	}
	ctx, cancel := context.WithCancel(n.ctx)
	p := &peer{
		id:         id,
		role:       role,
		conn:       conn,
		node:       n,
		known:      map[CoID]KnownState{},
		subscribed: map[CoID]bool{},
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	n.mu.Lock()
	if old := n.peers[id]; old != nil {
		go old.close()
	}
	n.peers[id] = p
	if role != PeerClient {
		for _, e := range n.entriesByDependency() {
			switch {
			case e.core != nil:
				p.subscribed[e.id] = true
				p.enqueue(loadMessage(e.core.KnownState()))
			case e.state == stateLoading || len(e.listeners) > 0:
				e.asked[id] = false
				e.state = stateLoading
				p.enqueue(loadMessage(emptyKnownState(e.id)))
			}
		}
	}
	n.unlockAndNotify()

	n.wg.Add(2)
	go func() { defer n.wg.Done(); p.writeLoop() }()
	go func() { defer n.wg.Done(); p.readLoop() }()
	syncLog.Infof("peer %s (%s) connected", id, role)
	return id
}

// RemovePeer disconnects a peer.
func (n *Node) RemovePeer(id string) {
	n.mu.Lock()
	p := n.peers[id]
	n.mu.Unlock()
	if p != nil {
		n.removePeer(p, nil)
	}
}

// removePeer drops p and treats its pending loads as answered "not found".
func (n *Node) removePeer(p *peer, cause error) {
	n.mu.Lock()
	if n.peers[p.id] != p {
		n.mu.Unlock()
		p.close()
		return
	}
	delete(n.peers, p.id)
	for _, e := range n.entries {
		delete(e.waiting, p.id)
		if e.core == nil && e.markNotFound(p.id) {
			n.markUnavailable(e)
		}
		delete(e.asked, p.id)
	}
	n.unlockAndNotify()
	p.close()

	switch {
	case cause == nil, errors.Is(cause, io.EOF), errors.Is(cause, context.Canceled):
		syncLog.Infof("peer %s disconnected", p.id)
	default:
		syncLog.Warningf("peer %s disconnected: %v", p.id, cause)
	}
}

// Peers lists connected peer IDs.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// entriesByDependency orders held entries so groups come before the values
// they govern.
func (n *Node) entriesByDependency() []*entry {
	out := make([]*entry, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		gi := out[i].core != nil && out[i].core.header.IsGroupLike()
		gj := out[j].core != nil && out[j].core.header.IsGroupLike()
		if gi != gj {
			return gi
		}
		return out[i].id < out[j].id
	})
	return out
}
