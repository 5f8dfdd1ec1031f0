package cojson

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

var logger = logging.MustGetLogger("covalue.cojson")

// Config holds Local Node configuration.
type Config struct {
	ChunkBudget      int              // bytes per content message (default 100 KiB)
	CheckpointBudget int              // bytes between signature checkpoints (default 100 KiB)
	Now              func() time.Time // clock for madeAt (default time.Now)
}

// Identity is the agent a node acts as, and the session it writes to.
type Identity struct {
	Secret  crypto.AgentSecret
	Agent   crypto.AgentID
	Session SessionID
}

// NewIdentity opens a fresh session for the agent secret.
func NewIdentity(secret crypto.AgentSecret) (Identity, error) {
	agent, err := secret.ID()
	if err != nil {
		return Identity{}, fmt.Errorf("agent id: %w", err)
	}
	return Identity{Secret: secret, Agent: agent, Session: NewSessionID(agent)}, nil
}

// Node is a Local Node: an arena of CoValues keyed by CoID, the identity
// that writes to them, and the peers it syncs with. One mutex serializes all
// mutation; subscriber callbacks run after it is released.
type Node struct {
	mu      sync.Mutex
	cfg     Config
	id      Identity
	entries map[CoID]*entry
	peers   map[string]*peer
	keys    map[crypto.KeyID]crypto.KeySecret

	// gen advances whenever any group or account changes.
	gen       uint64
	computing map[CoID]*groupState
	cycleHits int

	dirty     map[CoID]bool
	changed   chan struct{}
	lastMade  int64
	nextSubID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a Local Node acting as id. A zero Identity gives a
// read-only node, which is what sync servers use.
func NewNode(id Identity, cfg Config) *Node {
	if cfg.ChunkBudget == 0 {
		cfg.ChunkBudget = 100 * 1024
	}
	if cfg.CheckpointBudget == 0 {
		cfg.CheckpointBudget = 100 * 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:       cfg,
		id:        id,
		entries:   map[CoID]*entry{},
		peers:     map[string]*peer{},
		keys:      map[crypto.KeyID]crypto.KeySecret{},
		computing: map[CoID]*groupState{},
		dirty:     map[CoID]bool{},
		changed:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Identity returns the identity the node writes as.
func (n *Node) Identity() Identity { return n.id }

// Close disconnects every peer and waits for their goroutines.
func (n *Node) Close() error {
	n.cancel()
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	n.wg.Wait()
	return nil
}

func (n *Node) now() int64 {
	t := n.cfg.Now().UnixMilli()
	if t < n.lastMade {
		t = n.lastMade
	}
	n.lastMade = t
	return t
}

type notification struct {
	fn   func(View)
	view View
}

// unlockAndNotify releases the node lock, then delivers views of every
// CoValue changed while it was held.
func (n *Node) unlockAndNotify() {
	var calls []notification
	if len(n.dirty) > 0 {
		for id := range n.dirty {
			e := n.entries[id]
			if e == nil || len(e.listeners) == 0 {
				continue
			}
			v := n.view(e)
			for _, l := range e.sortedListeners() {
				calls = append(calls, notification{fn: l, view: v})
			}
		}
		n.dirty = map[CoID]bool{}
		close(n.changed)
		n.changed = make(chan struct{})
	}
	n.mu.Unlock()
	for _, c := range calls {
		c.fn(c.view)
	}
}

// markChanged records that id changed. A change to a group or account
// changes every value it may govern, so all subscribed values are notified.
func (n *Node) markChanged(e *entry) {
	n.dirty[e.id] = true
	if e.core != nil && e.core.header.IsGroupLike() {
		n.gen++
		n.invalidateKeys()
		for id, other := range n.entries {
			if len(other.listeners) > 0 {
				n.dirty[id] = true
			}
		}
	}
}

func (n *Node) entry(id CoID) *entry {
	e := n.entries[id]
	if e == nil {
		e = newEntry(id)
		n.entries[id] = e
	}
	return e
}

// addCore installs a verified header in the arena.
func (n *Node) addCore(id CoID, h Header) (*entry, error) {
	e := n.entry(id)
	if e.core != nil {
		return e, nil
	}
	c, err := NewCore(id, h)
	if err != nil {
		return nil, err
	}
	e.core = c
	e.state = stateAvailable
	n.markChanged(e)
	return e, nil
}

// CreateOptions tune Create.
type CreateOptions struct {
	// Uniqueness, when set, replaces the random seed and drops createdAt so
	// independent creators derive the same CoID.
	Uniqueness any
	Meta       any
	Privacy    Privacy
	// AppendOnly selects the appendOnly ruleset: members below manager may
	// not delete.
	AppendOnly bool
}

// Create makes a CoValue of typ owned by the group owner and writes its
// initial content. An empty owner creates an unsafeAllowAll value.
func (n *Node) Create(owner CoID, typ CoValueType, initial any, opts CreateOptions) (CoID, error) {
	if typ == TypeGroup || typ == TypeAccount {
		return "", fmt.Errorf("%w: use CreateGroup or CreateAccount", ErrWrongType)
	}
	rs := Ruleset{Type: RulesetUnsafeAllowAll}
	if owner != "" {
		rs = Ruleset{Type: RulesetOwnedByGroup, Group: owner}
		if opts.AppendOnly {
			rs.Type = RulesetAppendOnly
		}
	}
	if opts.Privacy == "" {
		opts.Privacy = Private
		if owner == "" {
			opts.Privacy = Trusting
		}
	}

	n.mu.Lock()
	defer n.unlockAndNotify()
	if n.id.Secret == "" {
		return "", ErrReadOnly
	}
	if owner != "" {
		if g := n.entries[owner]; g == nil || g.core == nil || !g.core.header.IsGroupLike() {
			return "", fmt.Errorf("%w: owner %s", ErrNotAvailableYet, owner)
		}
	}

	h := newHeader(typ, rs, opts.Meta, opts.Uniqueness, n.cfg.Now())
	id, err := h.ID()
	if err != nil {
		return "", err
	}
	if existing := n.entries[id]; existing != nil && existing.core != nil {
		return id, nil
	}
	changes, err := initialChanges(typ, initial)
	if err != nil {
		return "", err
	}
	e, err := n.addCore(id, h)
	if err != nil {
		return "", err
	}
	if len(changes) > 0 {
		var meta any
		if opts.Uniqueness != nil {
			meta = map[string]bool{"init": true}
		}
		if _, err := n.addTransactionLocked(e, changes, opts.Privacy, meta); err != nil {
			return "", err
		}
	} else {
		n.syncLocal(e)
	}
	return id, nil
}

// GetOrCreateUnique returns the CoValue identified by (owner, typ,
// uniqueness), creating it with initial content if this node doesn't hold it
// yet. Concurrent creators converge on one CoID; the first init transaction
// wins for the initial fields.
func (n *Node) GetOrCreateUnique(owner CoID, typ CoValueType, uniqueness any, initial any) (CoID, error) {
	if uniqueness == nil {
		return "", fmt.Errorf("uniqueness required")
	}
	return n.Create(owner, typ, initial, CreateOptions{Uniqueness: uniqueness})
}

func initialChanges(typ CoValueType, initial any) ([]any, error) {
	if initial == nil {
		return nil, nil
	}
	switch typ {
	case TypeMap:
		values, ok := initial.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("map initial content must be map[string]any, got %T", initial)
		}
		var changes []any
		for _, k := range sortedKeys(values) {
			raw, err := json.Marshal(values[k])
			if err != nil {
				return nil, fmt.Errorf("encode %q: %w", k, err)
			}
			changes = append(changes, mapChange{Op: "set", Key: k, Value: raw})
		}
		return changes, nil
	case TypeList:
		items, ok := initial.([]any)
		if !ok {
			return nil, fmt.Errorf("list initial content must be []any, got %T", initial)
		}
		ops := make([]ListOp, 0, len(items))
		for _, it := range items {
			raw, err := json.Marshal(it)
			if err != nil {
				return nil, err
			}
			ops = append(ops, ListOp{Op: OpApp, Value: raw, Anchor: AnchorStart})
		}
		packed, err := PackListOps(ops)
		if err != nil {
			return nil, err
		}
		changes := make([]any, len(packed))
		for i, p := range packed {
			changes[i] = p
		}
		return changes, nil
	case TypeStream:
		items, ok := initial.([]any)
		if !ok {
			return nil, fmt.Errorf("stream initial content must be []any, got %T", initial)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrWrongType, typ)
}

// CreateMap creates a comap owned by owner.
func (n *Node) CreateMap(owner CoID, initial map[string]any) (*Map, error) {
	var init any
	if len(initial) > 0 {
		init = initial
	}
	id, err := n.Create(owner, TypeMap, init, CreateOptions{})
	if err != nil {
		return nil, err
	}
	return &Map{node: n, id: id}, nil
}

// CreateList creates a colist owned by owner.
func (n *Node) CreateList(owner CoID, items []any) (*List, error) {
	var init any
	if len(items) > 0 {
		init = items
	}
	id, err := n.Create(owner, TypeList, init, CreateOptions{})
	if err != nil {
		return nil, err
	}
	return &List{node: n, id: id}, nil
}

// CreateStream creates a costream owned by owner.
func (n *Node) CreateStream(owner CoID) (*Stream, error) {
	id, err := n.Create(owner, TypeStream, nil, CreateOptions{})
	if err != nil {
		return nil, err
	}
	return &Stream{node: n, id: id}, nil
}

// AddTransaction appends changes to the node's own session of id and
// returns the new head of the session's hash chain.
func (n *Node) AddTransaction(id CoID, changes []any, privacy Privacy, meta any) (crypto.Hash, error) {
	n.mu.Lock()
	defer n.unlockAndNotify()
	e := n.entries[id]
	if e == nil || e.core == nil {
		return "", fmt.Errorf("%w: %s", ErrNotAvailableYet, id)
	}
	return n.addTransactionLocked(e, changes, privacy, meta)
}

func (n *Node) addTransactionLocked(e *entry, changes []any, privacy Privacy, meta any) (crypto.Hash, error) {
	if n.id.Secret == "" {
		return "", ErrReadOnly
	}
	c := e.core
	plain, err := crypto.StableJSON(changes)
	if err != nil {
		return "", fmt.Errorf("encode changes: %w", err)
	}
	tx := Transaction{Privacy: Trusting, MadeAt: n.now()}
	if meta != nil {
		m, err := crypto.StableJSON(meta)
		if err != nil {
			return "", fmt.Errorf("encode meta: %w", err)
		}
		tx.Meta = string(m)
	}

	switch c.header.Ruleset.Type {
	case RulesetGroup:
		// Group content is always readable by its members; secrets inside it
		// are sealed individually.
		privacy = Trusting
	case RulesetUnsafeAllowAll:
		privacy = Trusting
	case RulesetOwnedByGroup, RulesetAppendOnly:
		gs := n.groupStateOf(c.header.Ruleset.Group)
		if gs == nil {
			return "", fmt.Errorf("%w: group %s", ErrNotAvailableYet, c.header.Ruleset.Group)
		}
		if n.streaming(n.entries[gs.id]) {
			return "", fmt.Errorf("%w: group %s is still streaming", ErrNotAvailableYet, gs.id)
		}
		role := n.roleIn(gs, string(n.id.Agent), tx.MadeAt, nil)
		if !role.CanWrite() {
			return "", fmt.Errorf("%w: role %q can't write to %s", ErrUnauthorized, role, c.id)
		}
		if c.header.Ruleset.Type == RulesetAppendOnly && !role.CanManage() {
			raws := make([]json.RawMessage, 0, len(changes))
			if err := json.Unmarshal(plain, &raws); err == nil && hasDelete(c.header.Type, raws) {
				return "", fmt.Errorf("%w: %s is append-only", ErrUnauthorized, c.id)
			}
		}
		if privacy == Private {
			keyID, secret, ok := n.writeKey(gs, role)
			if !ok {
				return "", fmt.Errorf("%w: no usable key in %s", ErrUnauthorized, gs.id)
			}
			enc, err := crypto.Encrypt(json.RawMessage(plain), secret, nonceMaterial{In: c.id, Tx: c.nextTxID(n.id.Session)})
			if err != nil {
				return "", err
			}
			tx.Privacy, tx.KeyUsed, tx.EncryptedChanges = Private, keyID, enc
		}
	}
	if tx.Privacy == Trusting {
		tx.Changes = string(plain)
	}

	h, err := c.appendOwn(n.id, tx, n.cfg.CheckpointBudget)
	if err != nil {
		return "", err
	}
	n.markChanged(e)
	n.syncLocal(e)
	return h, nil
}

// Get returns the current view of id without loading it.
func (n *Node) Get(id CoID) View {
	n.mu.Lock()
	defer n.unlockAndNotify()
	e := n.entries[id]
	if e == nil {
		return View{ID: id, Status: StatusLoading}
	}
	return n.view(e)
}

// Load returns the view of id once it and its dependencies are available
// and no stream is in flight, asking storage and server peers for it. It
// fails with ErrUnavailable when every asked peer lacks it or ctx ends.
func (n *Node) Load(ctx context.Context, id CoID) (View, error) {
	n.mu.Lock()
	for first := true; ; first = false {
		e := n.entry(id)
		missing := n.missingDeps(e, map[CoID]bool{})
		for _, dep := range missing {
			if d := n.entry(dep); d.state == stateUnknown || (first && d.state == stateUnavailable) {
				n.startLoad(d, "")
			}
		}
		if e.core == nil && (e.state == stateUnknown || (first && e.state == stateUnavailable)) {
			n.startLoad(e, "")
		}
		if e.core != nil && len(missing) == 0 && !n.streaming(e) {
			v := n.view(e)
			n.unlockAndNotify()
			return v, nil
		}
		if e.core == nil && e.state == stateUnavailable {
			n.unlockAndNotify()
			return View{ID: id, Status: StatusUnavailable}, fmt.Errorf("%w: %s", ErrUnavailable, id)
		}
		for _, dep := range missing {
			if d := n.entries[dep]; d != nil && d.state == stateUnavailable {
				n.unlockAndNotify()
				return View{ID: id, Status: StatusUnavailable}, fmt.Errorf("%w: dependency %s", ErrUnavailable, dep)
			}
		}
		wait := n.changed
		n.unlockAndNotify()

		select {
		case <-ctx.Done():
			return View{ID: id, Status: StatusLoading}, fmt.Errorf("%w: %s: %v", ErrUnavailable, id, ctx.Err())
		case <-wait:
		}
		n.mu.Lock()
	}
}

// missingDeps lists dependencies of e, transitively, that are not held.
func (n *Node) missingDeps(e *entry, seen map[CoID]bool) []CoID {
	if e.core == nil || seen[e.id] {
		return nil
	}
	seen[e.id] = true
	var out []CoID
	for _, dep := range n.dependencies(e.core) {
		d := n.entries[dep]
		if d == nil || d.core == nil {
			out = append(out, dep)
			continue
		}
		out = append(out, n.missingDeps(d, seen)...)
	}
	return out
}

// streaming reports whether e, or any value its permissions depend on, is
// still receiving an announced stream.
func (n *Node) streaming(e *entry) bool {
	return n.streamingFrom(e, map[CoID]bool{})
}

func (n *Node) streamingFrom(e *entry, seen map[CoID]bool) bool {
	if e == nil || e.core == nil || seen[e.id] {
		return false
	}
	seen[e.id] = true
	if e.core.IsStreaming() {
		return true
	}
	for _, dep := range n.dependencies(e.core) {
		if n.streamingFrom(n.entries[dep], seen) {
			return true
		}
	}
	return false
}

// Subscribe calls fn with the view of id now and after every change. The
// returned function removes the listener.
func (n *Node) Subscribe(id CoID, fn func(View)) (unsubscribe func()) {
	n.mu.Lock()
	e := n.entry(id)
	n.nextSubID++
	sub := n.nextSubID
	e.listeners[sub] = fn
	n.dirty[id] = true
	n.unlockAndNotify()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(e.listeners, sub)
	}
}

// Map returns a handle for a loaded comap.
func (n *Node) Map(id CoID) (*Map, error) {
	if err := n.expectType(id, TypeMap); err != nil {
		return nil, err
	}
	return &Map{node: n, id: id}, nil
}

// List returns a handle for a loaded colist.
func (n *Node) List(id CoID) (*List, error) {
	if err := n.expectType(id, TypeList); err != nil {
		return nil, err
	}
	return &List{node: n, id: id}, nil
}

// Stream returns a handle for a loaded costream.
func (n *Node) Stream(id CoID) (*Stream, error) {
	if err := n.expectType(id, TypeStream); err != nil {
		return nil, err
	}
	return &Stream{node: n, id: id}, nil
}

// Group returns a handle for a loaded group or account.
func (n *Node) Group(id CoID) (*Group, error) {
	if err := n.expectType(id, TypeGroup, TypeAccount); err != nil {
		return nil, err
	}
	return &Group{node: n, id: id}, nil
}

func (n *Node) expectType(id CoID, types ...CoValueType) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	e := n.entries[id]
	if e == nil || e.core == nil {
		return fmt.Errorf("%w: %s", ErrNotAvailableYet, id)
	}
	for _, t := range types {
		if e.core.header.Type == t {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is a %s", ErrWrongType, id, e.core.header.Type)
}

// IDs lists every CoValue the node holds.
func (n *Node) IDs() []CoID {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []CoID
	for id, e := range n.entries {
		if e.core != nil {
			out = append(out, id)
		}
	}
	return out
}

// KnownState returns what the node holds of id.
func (n *Node) KnownState(id CoID) KnownState {
	n.mu.Lock()
	defer n.mu.Unlock()
	e := n.entries[id]
	if e == nil || e.core == nil {
		return emptyKnownState(id)
	}
	return e.core.KnownState()
}

// IsStreaming reports whether id is still receiving an announced stream.
func (n *Node) IsStreaming(id CoID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	e := n.entries[id]
	return e != nil && e.core != nil && n.streaming(e)
}

func newPeerID() string {
	return "peer_" + uuid.NewString()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
