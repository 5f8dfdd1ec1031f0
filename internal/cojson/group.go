package cojson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// Group is a handle for managing a group or account.
type Group struct {
	node *Node
	id   CoID
}

func (g *Group) ID() CoID { return g.id }

// CreateGroup creates a group with the node agent as its admin and a first
// read key sealed to it.
func (n *Node) CreateGroup() (*Group, error) {
	return n.createGroupLike(TypeGroup)
}

// CreateAccount creates an account: a group whose initial admin is the
// node agent. Other groups admit the account by extending it.
func (n *Node) CreateAccount() (*Group, error) {
	return n.createGroupLike(TypeAccount)
}

func (n *Node) createGroupLike(typ CoValueType) (*Group, error) {
	n.mu.Lock()
	defer n.unlockAndNotify()
	if n.id.Secret == "" {
		return nil, ErrReadOnly
	}
	h := newHeader(typ, Ruleset{Type: RulesetGroup, InitialAdmin: n.id.Agent}, nil, nil, n.cfg.Now())
	id, err := h.ID()
	if err != nil {
		return nil, err
	}
	e, err := n.addCore(id, h)
	if err != nil {
		return nil, err
	}
	if err := n.setGroupKey(e, string(n.id.Agent), RoleAdmin); err != nil {
		return nil, err
	}
	secret, keyID := crypto.NewKey()
	if err := n.revealToAgent(e, keyID, secret, n.id.Agent); err != nil {
		return nil, err
	}
	if err := n.setGroupKey(e, readKeyKey, keyID); err != nil {
		return nil, err
	}
	n.keys[keyID] = secret
	logger.Debugf("created %s %s", typ, id)
	return &Group{node: n, id: id}, nil
}

// setGroupKey writes one group entry in its own trusting transaction.
func (n *Node) setGroupKey(e *entry, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = n.addTransactionLocked(e, []any{mapChange{Op: "set", Key: key, Value: raw}}, Trusting, nil)
	return err
}

// revealToAgent seals a key secret to agent. The nonce binds the reveal to
// the transaction that carries it.
func (n *Node) revealToAgent(e *entry, keyID crypto.KeyID, secret crypto.KeySecret, agent crypto.AgentID) error {
	to, err := agent.SealerID()
	if err != nil {
		return err
	}
	from, err := n.id.Secret.SealerSecret()
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(string(secret), from, to, nonceMaterial{In: e.id, Tx: e.core.nextTxID(n.id.Session)})
	if err != nil {
		return err
	}
	return n.setGroupKey(e, keyRevealKey(keyID, string(agent)), sealed)
}

// revealToKey stores secret encrypted under another key, so anyone holding
// the other key can derive it.
func (n *Node) revealToKey(e *entry, keyID crypto.KeyID, secret crypto.KeySecret, underID crypto.KeyID, under crypto.KeySecret) error {
	enc, err := crypto.EncryptKeySecret(secret, keyID, under, underID)
	if err != nil {
		return err
	}
	return n.setGroupKey(e, keyRevealKey(keyID, string(underID)), enc)
}

// groupForWrite returns the entry and state of g and the node agent's role.
func (g *Group) groupForWrite() (*entry, *groupState, Role, error) {
	n := g.node
	if n.id.Secret == "" {
		return nil, nil, RoleNone, ErrReadOnly
	}
	e := n.entries[g.id]
	if e == nil || e.core == nil {
		return nil, nil, RoleNone, fmt.Errorf("%w: %s", ErrNotAvailableYet, g.id)
	}
	gs := n.groupStateOf(g.id)
	if gs == nil {
		return nil, nil, RoleNone, fmt.Errorf("%w: %s is not a group", ErrWrongType, g.id)
	}
	// Membership seen so far may be partial; keys sealed now would miss
	// members whose grants are still in flight.
	if n.streaming(e) {
		return nil, nil, RoleNone, fmt.Errorf("%w: %s is still streaming", ErrNotAvailableYet, g.id)
	}
	return e, gs, n.roleIn(gs, string(n.id.Agent), latestTime, nil), nil
}

// AddMember grants role to member: an agent ID, "everyone", or the CoID of
// an account or group. Accounts are admitted through their initial admin
// agent; groups are extended with role as the mapping.
func (g *Group) AddMember(member string, role Role) error {
	n := g.node
	n.mu.Lock()
	defer n.unlockAndNotify()
	return g.addMemberLocked(member, role)
}

func (g *Group) addMemberLocked(member string, role Role) error {
	n := g.node
	if IsCoID(member) {
		target := n.entries[CoID(member)]
		if target == nil || target.core == nil {
			return fmt.Errorf("%w: %s", ErrNotAvailableYet, member)
		}
		if target.core.header.Type == TypeAccount {
			member = string(target.core.header.Ruleset.InitialAdmin)
		} else {
			return g.extendLocked(CoID(member), role)
		}
	}

	e, gs, mine, err := g.groupForWrite()
	if err != nil {
		return err
	}
	if !role.valid() || role == RoleRevoked {
		return fmt.Errorf("invalid role %q", role)
	}
	if !mine.CanManage() || (role == RoleAdmin && !mine.CanAdmin()) {
		return fmt.Errorf("%w: %q can't grant %q in %s", ErrUnauthorized, mine, role, g.id)
	}
	if mine == RoleManager && gs.directRole(member, latestTime) == RoleAdmin {
		return fmt.Errorf("%w: managers can't change admins", ErrUnauthorized)
	}

	keyID, secret, ok := n.currentReadKey(gs)
	if !ok {
		return fmt.Errorf("%w: read key of %s", ErrUnauthorized, g.id)
	}

	if member == everyoneKey {
		if role != RoleReader && role != RoleWriter && role != RoleWriteOnly {
			return fmt.Errorf("everyone can't be %q", role)
		}
		if err := n.setGroupKey(e, everyoneKey, role); err != nil {
			return err
		}
		if role.CanRead() {
			return n.setGroupKey(e, keyRevealKey(keyID, everyoneKey), secret)
		}
		return nil
	}

	agent := crypto.AgentID(member)
	if !crypto.IsAgentID(member) {
		return fmt.Errorf("not an agent or CoID: %q", member)
	}
	if err := n.setGroupKey(e, member, role); err != nil {
		return err
	}
	if role.CanRead() {
		return n.revealToAgent(e, keyID, secret, agent)
	}

	// writeOnly members get a personal key; readers of the group can still
	// read what they write through the reveal under the read key.
	wSecret, wID := crypto.NewKey()
	if err := n.setGroupKey(e, writeKeyPrefix+member, wID); err != nil {
		return err
	}
	if err := n.revealToAgent(e, wID, wSecret, agent); err != nil {
		return err
	}
	return n.revealToKey(e, wID, wSecret, keyID, secret)
}

// Extend makes g inherit members from parent. mapping is "extend" to keep
// each inherited role, or a role every parent reader gets in g.
func (g *Group) Extend(parent CoID, mapping Role) error {
	n := g.node
	n.mu.Lock()
	defer n.unlockAndNotify()
	return g.extendLocked(parent, mapping)
}

func (g *Group) extendLocked(parent CoID, mapping Role) error {
	n := g.node
	if mapping == RoleNone {
		mapping = RoleExtend
	}
	if !validParentMapping(mapping) || mapping == RoleRevoked {
		return fmt.Errorf("invalid parent mapping %q", mapping)
	}
	e, gs, mine, err := g.groupForWrite()
	if err != nil {
		return err
	}
	if !mine.CanManage() {
		return fmt.Errorf("%w: %q can't extend %s", ErrUnauthorized, mine, g.id)
	}
	pgs := n.groupStateOf(parent)
	if pgs == nil {
		return fmt.Errorf("%w: parent %s", ErrNotAvailableYet, parent)
	}
	if parent == g.id || n.reaches(parent, g.id, map[CoID]bool{}) {
		return fmt.Errorf("circular extend of %s by %s", g.id, parent)
	}
	keyID, secret, ok := n.currentReadKey(gs)
	if !ok {
		return fmt.Errorf("%w: read key of %s", ErrUnauthorized, g.id)
	}
	pKeyID, pSecret, ok := n.currentReadKey(pgs)
	if !ok {
		return fmt.Errorf("%w: read key of parent %s", ErrUnauthorized, parent)
	}

	if err := n.setGroupKey(e, parentPrefix+string(parent), mapping); err != nil {
		return err
	}
	if err := n.revealToKey(e, keyID, secret, pKeyID, pSecret); err != nil {
		return err
	}
	if n.roleIn(pgs, string(n.id.Agent), latestTime, nil).CanManage() {
		if pe := n.entries[parent]; pe != nil && pe.core != nil {
			if err := n.setGroupKey(pe, childPrefix+string(g.id), RoleExtend); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveMember revokes member and rotates the read key so it can't read
// anything written afterwards. Group CoIDs drop the parent extension.
func (g *Group) RemoveMember(member string) error {
	n := g.node
	n.mu.Lock()
	defer n.unlockAndNotify()

	e, gs, mine, err := g.groupForWrite()
	if err != nil {
		return err
	}
	key := member
	if IsCoID(member) {
		target := n.entries[CoID(member)]
		switch {
		case target != nil && target.core != nil && target.core.header.Type == TypeAccount:
			key = string(target.core.header.Ruleset.InitialAdmin)
		default:
			key = parentPrefix + member
		}
	}
	current := gs.directRole(key, latestTime)
	switch {
	case key == string(n.id.Agent):
	case !mine.CanManage():
		return fmt.Errorf("%w: %q can't remove members", ErrUnauthorized, mine)
	case mine == RoleManager && (current == RoleAdmin || current == RoleManager):
		return fmt.Errorf("%w: managers can't remove %s", ErrUnauthorized, current)
	}
	if err := n.setGroupKey(e, key, RoleRevoked); err != nil {
		return err
	}
	if key == string(n.id.Agent) {
		return nil
	}
	return g.rotateLocked(map[CoID]bool{})
}

// RotateReadKey replaces the read key. The new key is sealed to every
// remaining direct reader, revealed to non-revoked parents, and the old key
// stays derivable from the new one so history remains readable.
func (g *Group) RotateReadKey() error {
	n := g.node
	n.mu.Lock()
	defer n.unlockAndNotify()
	return g.rotateLocked(map[CoID]bool{})
}

func (g *Group) rotateLocked(visited map[CoID]bool) error {
	n := g.node
	if visited[g.id] {
		return nil
	}
	visited[g.id] = true

	e, gs, mine, err := g.groupForWrite()
	if err != nil {
		return err
	}
	if !mine.CanManage() {
		return fmt.Errorf("%w: %q can't rotate keys of %s", ErrUnauthorized, mine, g.id)
	}
	oldID, oldSecret, ok := n.currentReadKey(gs)
	if !ok {
		return fmt.Errorf("%w: read key of %s", ErrUnauthorized, g.id)
	}
	newSecret, newID := crypto.NewKey()

	for _, member := range gs.ops.keys(latestTime) {
		if !crypto.IsAgentID(member) || !gs.directRole(member, latestTime).CanRead() {
			continue
		}
		if err := n.revealToAgent(e, newID, newSecret, crypto.AgentID(member)); err != nil {
			return err
		}
	}
	if gs.directRole(everyoneKey, latestTime).CanRead() {
		if err := n.setGroupKey(e, keyRevealKey(newID, everyoneKey), newSecret); err != nil {
			return err
		}
	}
	if err := n.revealToKey(e, oldID, oldSecret, newID, newSecret); err != nil {
		return err
	}
	for parent, mapping := range gs.parents(latestTime) {
		if mapping == RoleRevoked {
			continue
		}
		pgs := n.groupStateOf(parent)
		if pgs == nil {
			continue
		}
		pID, pSecret, ok := n.currentReadKey(pgs)
		if !ok {
			logger.Warningf("rotate %s: can't read key of parent %s", g.id, parent)
			continue
		}
		if err := n.revealToKey(e, newID, newSecret, pID, pSecret); err != nil {
			return err
		}
	}
	for _, k := range gs.ops.keysWithPrefix(writeKeyPrefix, latestTime) {
		if gs.directRole(strings.TrimPrefix(k, writeKeyPrefix), latestTime) == RoleRevoked {
			continue
		}
		wID, _, _ := gs.ops.stringAt(k, latestTime)
		wSecret, ok := n.resolveKeyAnywhere(gs, crypto.KeyID(wID), map[keyVisit]bool{})
		if !ok {
			continue
		}
		if err := n.revealToKey(e, crypto.KeyID(wID), wSecret, newID, newSecret); err != nil {
			return err
		}
	}
	if err := n.setGroupKey(e, readKeyKey, newID); err != nil {
		return err
	}
	n.keys[newID] = newSecret
	logger.Infof("rotated read key of %s", g.id)

	// Children derive their keys from ours; rotate the ones we manage so
	// revoked members lose them too.
	for _, k := range gs.ops.keysWithPrefix(childPrefix, latestTime) {
		child := CoID(strings.TrimPrefix(k, childPrefix))
		cgs := n.groupStateOf(child)
		if cgs == nil || !n.roleIn(cgs, string(n.id.Agent), latestTime, nil).CanManage() {
			continue
		}
		if err := (&Group{node: n, id: child}).rotateLocked(visited); err != nil {
			logger.Warningf("rotate child %s of %s: %v", child, g.id, err)
		}
	}
	return nil
}

// RoleOf returns member's effective role now.
func (g *Group) RoleOf(member string) Role {
	return g.RoleAt(member, latestTime)
}

// RoleAt returns member's effective role at t (unix milliseconds).
func (g *Group) RoleAt(member string, t int64) Role {
	n := g.node
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.roleIn(n.groupStateOf(g.id), member, t, nil)
}

// MyRole returns the node agent's effective role.
func (g *Group) MyRole() Role {
	return g.RoleOf(string(g.node.id.Agent))
}

// ReadKeyID returns the ID of the current read key.
func (g *Group) ReadKeyID() crypto.KeyID {
	return g.View().ReadKey
}

// View returns a membership snapshot.
func (g *Group) View() *GroupView {
	v := g.node.Get(g.id)
	if v.Group == nil {
		return &GroupView{Members: map[string]Role{}, Parents: map[CoID]Role{}}
	}
	return v.Group
}

// CreateMap creates a comap owned by the group.
func (g *Group) CreateMap(initial map[string]any) (*Map, error) {
	return g.node.CreateMap(g.id, initial)
}

// CreateList creates a colist owned by the group.
func (g *Group) CreateList(items []any) (*List, error) {
	return g.node.CreateList(g.id, items)
}

// CreateStream creates a costream owned by the group.
func (g *Group) CreateStream() (*Stream, error) {
	return g.node.CreateStream(g.id)
}
