package cojson

import (
	"errors"
	"sort"
)

func (n *Node) handleMessage(p *peer, msg Message) {
	n.mu.Lock()
	defer n.unlockAndNotify()
	if n.peers[p.id] != p {
		return
	}
	switch msg.Action {
	case ActionLoad:
		n.handleLoad(p, msg)
	case ActionKnown:
		n.handleKnown(p, msg)
	case ActionContent:
		n.handleContent(p, msg)
	case ActionDone:
		delete(p.subscribed, msg.ID)
	default:
		syncLog.Warningf("peer %s: unknown action %q", p.id, msg.Action)
	}
}

// handleLoad answers a peer asking for a value: with content when we hold
// it, by asking our own peers when we don't, or with an empty known state
// meaning "not found".
func (n *Node) handleLoad(p *peer, msg Message) {
	id := msg.ID
	k := msg.Known
	if k.Sessions == nil {
		k.Sessions = map[SessionID]int{}
	}
	p.known[id] = k
	p.subscribed[id] = true

	e := n.entry(id)
	if e.core != nil {
		if !n.sendNewContent(p, id, map[CoID]bool{}) {
			p.enqueue(KnownMessage(e.core.KnownState(), false))
		}
		return
	}
	if !k.Header && (e.state == stateLoading || n.startLoad(e, p.id)) {
		e.waiting[p.id] = true
		return
	}
	p.enqueue(KnownMessage(emptyKnownState(id), false))
}

func (n *Node) handleKnown(p *peer, msg Message) {
	id := msg.ID
	if msg.IsCorrection {
		k := msg.Known.Clone()
		p.known[id] = k
	} else {
		prev, _ := p.knownOf(id)
		p.known[id] = prev.Combine(msg.Known)
	}

	e := n.entry(id)
	if e.core == nil {
		if !msg.Known.Header && e.markNotFound(p.id) {
			n.markUnavailable(e)
		}
		return
	}
	if p.role != PeerClient || p.subscribed[id] {
		n.sendNewContent(p, id, map[CoID]bool{})
	}
}

func (n *Node) handleContent(p *peer, msg Message) {
	id := msg.ID
	e := n.entry(id)
	p.subscribed[id] = true

	if e.core == nil {
		if msg.Header == nil {
			// We can't use sessions without the header; ask for everything.
			p.enqueue(KnownMessage(emptyKnownState(id), true))
			return
		}
		if _, err := n.addCore(id, *msg.Header); err != nil {
			syncLog.Warningf("peer %s: reject header of %s: %v", p.id, id, err)
			return
		}
	}
	c := e.core
	if p.role != PeerClient {
		c.expectContentUntil(msg.ExpectContentUntil)
	}

	sessions := make([]SessionID, 0, len(msg.New))
	for s := range msg.New {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

	gap, changed := false, false
	for _, s := range sessions {
		content := msg.New[s]
		added, err := c.Ingest(s, content.After, content.NewTransactions, content.LastSignature)
		switch {
		case errors.Is(err, ErrMissingPredecessor):
			gap = true
		case isPermanent(err):
			syncLog.Errorf("peer %s: reject %s/%s: %v", p.id, id, s, err)
		case err != nil:
			syncLog.Warningf("peer %s: ingest %s/%s: %v", p.id, id, s, err)
		}
		if added > 0 {
			changed = true
		}
	}

	sent := msg.knownFromContent()
	sent.Header = true
	prev, _ := p.knownOf(id)
	p.known[id] = prev.Combine(sent)
	p.enqueue(KnownMessage(c.KnownState(), gap))

	if changed || msg.Header != nil {
		n.markChanged(e)
		n.syncExcept(e, p.id)
	}
	n.serveWaiting(e)
}

// sendNewContent sends p whatever it lacks of id, dependencies first, and
// records the optimistic known state. Reports whether anything was sent.
func (n *Node) sendNewContent(p *peer, id CoID, seen map[CoID]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true
	e := n.entries[id]
	if e == nil || e.core == nil {
		return false
	}
	for _, dep := range n.dependencies(e.core) {
		n.sendNewContent(p, dep, seen)
	}
	known, ok := p.knownOf(id)
	var from *KnownState
	if ok {
		from = &known
	}
	msgs := e.core.NewContentSince(from, n.cfg.ChunkBudget)
	if len(msgs) == 0 {
		return false
	}
	p.enqueue(msgs...)
	p.known[id] = known.Combine(e.core.KnownState())
	p.subscribed[id] = true
	return true
}

// syncLocal pushes a changed value to every interested peer.
func (n *Node) syncLocal(e *entry) {
	n.syncExcept(e, "")
}

func (n *Node) syncExcept(e *entry, except string) {
	for id, p := range n.peers {
		if id == except {
			continue
		}
		if p.role != PeerClient || p.subscribed[e.id] {
			n.sendNewContent(p, e.id, map[CoID]bool{})
		}
	}
}

// startLoad asks every server and storage peer except the named one for
// e. It reports whether any peer was asked; when none can be, e becomes
// unavailable.
func (n *Node) startLoad(e *entry, except string) bool {
	k := emptyKnownState(e.id)
	if e.core != nil {
		k = e.core.KnownState()
	}
	e.asked = map[string]bool{}
	for id, p := range n.peers {
		if id == except || p.role == PeerClient {
			continue
		}
		e.asked[id] = false
		p.subscribed[e.id] = true
		p.enqueue(loadMessage(k))
	}
	if len(e.asked) == 0 {
		if e.core == nil {
			n.markUnavailable(e)
		}
		return false
	}
	if e.core == nil {
		e.state = stateLoading
	}
	return true
}

// markUnavailable settles a load nobody could serve and tells the peers
// that were waiting on us.
func (n *Node) markUnavailable(e *entry) {
	e.state = stateUnavailable
	n.dirty[e.id] = true
	for id := range e.waiting {
		if p := n.peers[id]; p != nil {
			p.enqueue(KnownMessage(emptyKnownState(e.id), false))
		}
	}
	e.waiting = map[string]bool{}
}

func (n *Node) serveWaiting(e *entry) {
	for id := range e.waiting {
		if p := n.peers[id]; p != nil {
			n.sendNewContent(p, e.id, map[CoID]bool{})
		}
	}
	e.waiting = map[string]bool{}
}

// Unload tells server peers to stop pushing id to this node.
func (n *Node) Unload(id CoID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		if p.role == PeerServer {
			p.enqueue(Message{Action: ActionDone, ID: id})
		}
	}
}
