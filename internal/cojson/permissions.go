package cojson

import (
	"encoding/json"
	"strings"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// Role is a member's permission level in a group.
type Role string

const (
	RoleNone      Role = ""
	RoleRevoked   Role = "revoked"
	RoleReader    Role = "reader"
	RoleWriter    Role = "writer"
	RoleWriteOnly Role = "writeOnly"
	RoleManager   Role = "manager"
	RoleAdmin     Role = "admin"

	// RoleExtend is only valid as a parent mapping: inherit the parent role as is.
	RoleExtend Role = "extend"
)

func (r Role) rank() int {
	switch r {
	case RoleRevoked:
		return 0
	case RoleReader:
		return 1
	case RoleWriter, RoleWriteOnly:
		return 2
	case RoleManager:
		return 3
	case RoleAdmin:
		return 4
	}
	return -1
}

func (r Role) valid() bool {
	return r.rank() >= 0
}

// CanRead excludes writeOnly, which only reads its own writes.
func (r Role) CanRead() bool {
	return r == RoleReader || r == RoleWriter || r == RoleManager || r == RoleAdmin
}

func (r Role) CanWrite() bool {
	return r == RoleWriter || r == RoleWriteOnly || r == RoleManager || r == RoleAdmin
}

func (r Role) CanManage() bool {
	return r == RoleManager || r == RoleAdmin
}

func (r Role) CanAdmin() bool {
	return r == RoleAdmin
}

func (r Role) inheritable() bool {
	return r.CanRead()
}

// strongest picks the higher role; between writer and writeOnly the writer
// wins because it can also read.
func strongest(a, b Role) Role {
	switch {
	case a.rank() > b.rank():
		return a
	case b.rank() > a.rank():
		return b
	case b == RoleWriter:
		return b
	}
	return a
}

func validParentMapping(r Role) bool {
	return r == RoleExtend || r == RoleRevoked || r.inheritable()
}

// groupState is the validated content of a group or account.
type groupState struct {
	id           CoID
	initialAdmin crypto.AgentID
	ops          *mapState
	valid        []decryptedTx
}

func (g *groupState) parents(at int64) map[CoID]Role {
	out := map[CoID]Role{}
	for _, k := range g.ops.keysWithPrefix(parentPrefix, at) {
		if mapping, _, ok := g.ops.stringAt(k, at); ok {
			out[CoID(strings.TrimPrefix(k, parentPrefix))] = Role(mapping)
		}
	}
	return out
}

func (g *groupState) directRole(member string, at int64) Role {
	r, _, ok := g.ops.stringAt(member, at)
	if !ok {
		return RoleNone
	}
	return Role(r)
}

func logPermission(id CoID, tx TransactionID, msg string) {
	logger.Debugf("permission: %s: %s: %s", id, tx, msg)
}

// groupStateOf returns the validated state of a loaded group or account, or
// nil if it is not loaded or is not group-like.
func (n *Node) groupStateOf(id CoID) *groupState {
	if partial, ok := n.computing[id]; ok {
		n.cycleHits++
		return partial
	}
	e := n.entries[id]
	if e == nil || e.core == nil || !e.core.header.IsGroupLike() {
		return nil
	}
	c := e.core
	if vc := c.cache; vc != nil && vc.group != nil && vc.version == c.version && vc.gen == n.gen {
		return vc.group
	}

	hits := n.cycleHits
	gs := n.validateGroup(c)
	if n.cycleHits == hits {
		c.cache = &viewCache{version: c.version, gen: n.gen, group: gs, txs: gs.valid}
	}
	return gs
}

// validateGroup replays group transactions in (madeAt, session, index) order,
// keeping those whose author held the needed role at that point.
func (n *Node) validateGroup(c *Core) *groupState {
	gs := &groupState{id: c.id, initialAdmin: c.header.Ruleset.InitialAdmin, ops: newMapState()}
	n.computing[c.id] = gs
	defer delete(n.computing, c.id)

	for _, raw := range c.transactions() {
		author, err := raw.id.SessionID.Agent()
		if err != nil {
			continue
		}
		if raw.tx.Privacy != Trusting {
			logPermission(c.id, raw.id, "group transactions must be trusting")
			continue
		}
		changes, err := decodeChanges(raw.tx.Changes)
		if err != nil {
			logPermission(c.id, raw.id, "invalid JSON in transaction")
			continue
		}
		if len(changes) != 1 {
			logPermission(c.id, raw.id, "group transaction must have exactly one change")
			continue
		}
		var ch mapChange
		if err := json.Unmarshal(changes[0], &ch); err != nil || ch.Op != "set" {
			logPermission(c.id, raw.id, "group transaction must set a key")
			continue
		}
		role := n.roleIn(gs, string(author), raw.tx.MadeAt, nil)
		if !n.groupChangeAllowed(gs, author, role, ch, raw) {
			continue
		}
		tx := decryptedTx{id: raw.id, madeAt: raw.tx.MadeAt, changes: changes}
		gs.ops.applyTx(tx)
		gs.valid = append(gs.valid, tx)
	}
	return gs
}

func (n *Node) groupChangeAllowed(gs *groupState, author crypto.AgentID, role Role, ch mapChange, raw rawTx) bool {
	deny := func(msg string) bool {
		logPermission(gs.id, raw.id, msg)
		return false
	}
	key := ch.Key

	switch {
	case key == readKeyKey:
		if !role.CanManage() {
			return deny("only managers can set readKey")
		}
		return true

	case strings.HasPrefix(key, writeKeyPrefix):
		member := strings.TrimPrefix(key, writeKeyPrefix)
		if !role.CanManage() && member != string(author) {
			return deny("only managers can set write keys")
		}
		return true

	case crypto.IsKeyID(key):
		keyID, _, ok := splitKeyReveal(key)
		if !ok {
			return deny("malformed key reveal")
		}
		if role.CanManage() {
			return true
		}
		if own, _, ok := gs.ops.stringAt(writeKeyPrefix+string(author), raw.tx.MadeAt); ok && crypto.KeyID(own) == keyID {
			return true
		}
		return deny("only managers can reveal keys")

	case strings.HasPrefix(key, parentPrefix):
		if !role.CanManage() {
			return deny("only managers can set parent extensions")
		}
		var mapping Role
		if err := json.Unmarshal(ch.Value, &mapping); err != nil || !validParentMapping(mapping) {
			return deny("invalid parent mapping")
		}
		parent := CoID(strings.TrimPrefix(key, parentPrefix))
		if parent == gs.id || n.reaches(parent, gs.id, map[CoID]bool{}) {
			return deny("circular extend")
		}
		return true

	case strings.HasPrefix(key, childPrefix):
		return true
	}

	if !crypto.IsAgentID(key) && key != everyoneKey {
		if !role.CanManage() {
			return deny("only managers can set " + key)
		}
		return true
	}

	var assigned Role
	if err := json.Unmarshal(ch.Value, &assigned); err != nil || !assigned.valid() {
		return deny("group transaction must set a valid role")
	}
	if key == everyoneKey && assigned != RoleReader && assigned != RoleWriter && assigned != RoleWriteOnly && assigned != RoleRevoked {
		return deny("everyone can only be reader, writer, writeOnly or revoked")
	}

	if role == RoleNone && author == gs.initialAdmin && key == string(author) && assigned == RoleAdmin {
		return true
	}
	if key == string(author) && assigned == RoleRevoked {
		return true
	}

	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		current := gs.directRole(key, raw.tx.MadeAt)
		if assigned == RoleAdmin {
			return deny("managers can't assign admin")
		}
		if current == RoleAdmin {
			return deny("managers can't change admins")
		}
		if current == RoleManager && assigned != RoleManager && key != string(author) {
			return deny("managers can't demote managers")
		}
		return true
	}
	return deny("role changes need a manager")
}

// reaches reports whether from inherits, directly or transitively, from target.
func (n *Node) reaches(from, target CoID, visited map[CoID]bool) bool {
	if visited[from] {
		return false
	}
	visited[from] = true
	gs := n.groupStateOf(from)
	if gs == nil {
		return false
	}
	for p, mapping := range gs.parents(latestTime) {
		if mapping == RoleRevoked {
			continue
		}
		if p == target || n.reaches(p, target, visited) {
			return true
		}
	}
	return false
}

// roleIn resolves member's role in gs at time at: the strongest of the
// direct grant, the everyone grant, and grants inherited through parents.
func (n *Node) roleIn(gs *groupState, member string, at int64, visited map[CoID]bool) Role {
	if gs == nil {
		return RoleNone
	}
	role := gs.directRole(member, at)
	if member != everyoneKey {
		if e := gs.directRole(everyoneKey, at); e != RoleNone {
			role = strongest(role, e)
		}
	}
	if visited == nil {
		visited = map[CoID]bool{}
	}
	visited[gs.id] = true
	for parentID, mapping := range gs.parents(at) {
		if mapping == RoleRevoked || visited[parentID] {
			continue
		}
		parent := n.groupStateOf(parentID)
		if parent == nil {
			continue
		}
		inherited := n.roleIn(parent, member, at, visited)
		if !inherited.inheritable() {
			continue
		}
		if mapping != RoleExtend {
			inherited = mapping
		}
		role = strongest(role, inherited)
	}
	delete(visited, gs.id)
	return role
}

// validTransactions filters and decrypts the transactions of an owned or
// unowned CoValue. final is false while a governing group is missing or
// still streaming.
func (n *Node) validTransactions(c *Core) (txs []decryptedTx, final bool) {
	if c.header.IsGroupLike() {
		gs := n.groupStateOf(c.id)
		if gs == nil {
			return nil, false
		}
		return gs.valid, !n.streaming(n.entries[c.id])
	}
	if vc := c.cache; vc != nil && vc.version == c.version && vc.gen == n.gen && vc.final {
		return vc.txs, true
	}

	final = !c.IsStreaming()
	var gs *groupState
	if groupID, ok := c.header.OwnerGroup(); ok {
		gs = n.groupStateOf(groupID)
		if gs == nil {
			return nil, false
		}
		if n.streaming(n.entries[groupID]) {
			final = false
		}
	}

	initSeen := false
	for _, raw := range c.transactions() {
		var role Role
		if gs != nil {
			author, err := raw.id.SessionID.Agent()
			if err != nil {
				continue
			}
			role = n.roleIn(gs, string(author), raw.tx.MadeAt, nil)
			if !role.CanWrite() {
				logPermission(c.id, raw.id, "author can't write")
				continue
			}
		}

		tx := decryptedTx{id: raw.id, madeAt: raw.tx.MadeAt}
		if raw.tx.Meta != "" {
			tx.meta = json.RawMessage(raw.tx.Meta)
		}
		switch raw.tx.Privacy {
		case Trusting:
			changes, err := decodeChanges(raw.tx.Changes)
			if err != nil {
				logPermission(c.id, raw.id, "invalid JSON in transaction")
				continue
			}
			tx.changes = changes
		case Private:
			plain, ok := n.decryptChanges(c, gs, raw)
			if !ok {
				tx.unavailable = true
			} else {
				tx.changes = plain
			}
		default:
			continue
		}

		if c.header.Ruleset.Type == RulesetAppendOnly && !role.CanManage() && hasDelete(c.header.Type, tx.changes) {
			logPermission(c.id, raw.id, "append-only value rejects deletes from non-managers")
			continue
		}
		if isInit(tx.meta) {
			if initSeen {
				logPermission(c.id, raw.id, "not the first init transaction")
				continue
			}
			initSeen = true
		}
		txs = append(txs, tx)
	}

	c.cache = &viewCache{version: c.version, gen: n.gen, txs: txs, final: final}
	return txs, final
}

func hasDelete(typ CoValueType, changes []json.RawMessage) bool {
	if typ == TypeList {
		ops, err := UnpackListOps(changes)
		if err != nil {
			return true
		}
		for _, op := range ops {
			if op.Op == OpDel {
				return true
			}
		}
		return false
	}
	for _, raw := range changes {
		var op struct {
			Op string `json:"op"`
		}
		if json.Unmarshal(raw, &op) == nil && op.Op == "del" {
			return true
		}
	}
	return false
}

func isInit(meta json.RawMessage) bool {
	if len(meta) == 0 {
		return false
	}
	var m struct {
		Init bool `json:"init"`
	}
	return json.Unmarshal(meta, &m) == nil && m.Init
}
