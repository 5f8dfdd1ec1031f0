package cojson

import (
	"encoding/json"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

type nonceMaterial struct {
	In CoID          `json:"in"`
	Tx TransactionID `json:"tx"`
}

// resolveKey finds the secret for keyID through gs: a reveal sealed to the
// local agent, a reveal to everyone, a reveal under another resolvable key,
// or the same lookups in parent groups. Successes are cached per node.
func (n *Node) resolveKey(gs *groupState, keyID crypto.KeyID, seen map[keyVisit]bool) (crypto.KeySecret, bool) {
	if secret, ok := n.keys[keyID]; ok {
		return secret, true
	}
	visit := keyVisit{gs.id, keyID}
	if seen[visit] {
		return "", false
	}
	seen[visit] = true

	if n.id.Secret != "" {
		if sealed, op, ok := gs.ops.stringAt(keyRevealKey(keyID, string(n.id.Agent)), latestTime); ok {
			if secret, ok := n.unsealReveal(gs.id, crypto.Sealed(sealed), op); ok {
				n.keys[keyID] = secret
				return secret, true
			}
		}
	}
	if plain, _, ok := gs.ops.stringAt(keyRevealKey(keyID, everyoneKey), latestTime); ok {
		n.keys[keyID] = crypto.KeySecret(plain)
		return crypto.KeySecret(plain), true
	}

	prefix := string(keyID) + forInfix
	for _, k := range gs.ops.keysWithPrefix(prefix, latestTime) {
		_, to, ok := splitKeyReveal(k)
		if !ok || !crypto.IsKeyID(to) {
			continue
		}
		other := crypto.KeyID(to)
		otherSecret, ok := n.resolveKeyAnywhere(gs, other, seen)
		if !ok {
			continue
		}
		enc, _, _ := gs.ops.stringAt(k, latestTime)
		secret, err := crypto.DecryptKeySecret(crypto.Encrypted(enc), keyID, otherSecret, other)
		if err != nil {
			logger.Debugf("key %s for %s in %s: %v", keyID, other, gs.id, err)
			continue
		}
		n.keys[keyID] = secret
		return secret, true
	}
	return "", false
}

type keyVisit struct {
	group CoID
	key   crypto.KeyID
}

// resolveKeyAnywhere looks for keyID in gs and then in its parents.
func (n *Node) resolveKeyAnywhere(gs *groupState, keyID crypto.KeyID, seen map[keyVisit]bool) (crypto.KeySecret, bool) {
	if secret, ok := n.resolveKey(gs, keyID, seen); ok {
		return secret, true
	}
	for parentID := range gs.parents(latestTime) {
		if parent := n.groupStateOf(parentID); parent != nil {
			if secret, ok := n.resolveKeyAnywhere(parent, keyID, seen); ok {
				return secret, true
			}
		}
	}
	return "", false
}

func (n *Node) unsealReveal(groupID CoID, sealed crypto.Sealed, op mapOp) (crypto.KeySecret, bool) {
	author, err := op.txID.SessionID.Agent()
	if err != nil {
		return "", false
	}
	from, err := author.SealerID()
	if err != nil {
		return "", false
	}
	to, err := n.id.Secret.SealerSecret()
	if err != nil {
		return "", false
	}
	plain, err := crypto.Unseal(sealed, to, from, nonceMaterial{In: groupID, Tx: op.txID})
	if err != nil {
		logger.Debugf("unseal key reveal in %s: %v", groupID, err)
		return "", false
	}
	var secret string
	if err := json.Unmarshal(plain, &secret); err != nil {
		return "", false
	}
	return crypto.KeySecret(secret), true
}

func (n *Node) decryptChanges(c *Core, gs *groupState, raw rawTx) ([]json.RawMessage, bool) {
	if gs == nil || raw.tx.KeyUsed == "" {
		return nil, false
	}
	secret, ok := n.resolveKeyAnywhere(gs, raw.tx.KeyUsed, map[keyVisit]bool{})
	if !ok {
		return nil, false
	}
	plain, err := crypto.Decrypt(raw.tx.EncryptedChanges, secret, nonceMaterial{In: c.id, Tx: raw.id})
	if err != nil {
		logger.Debugf("decrypt %s in %s: %v", raw.id, c.id, err)
		return nil, false
	}
	changes, err := decodeChanges(string(plain))
	if err != nil {
		return nil, false
	}
	return changes, true
}

// currentReadKey returns the group's active read key.
func (n *Node) currentReadKey(gs *groupState) (crypto.KeyID, crypto.KeySecret, bool) {
	id, _, ok := gs.ops.stringAt(readKeyKey, latestTime)
	if !ok {
		return "", "", false
	}
	secret, ok := n.resolveKeyAnywhere(gs, crypto.KeyID(id), map[keyVisit]bool{})
	return crypto.KeyID(id), secret, ok
}

// writeKey picks the key the local agent encrypts with: its personal write
// key when it is a writeOnly member, the read key otherwise.
func (n *Node) writeKey(gs *groupState, role Role) (crypto.KeyID, crypto.KeySecret, bool) {
	if role == RoleWriteOnly {
		id, _, ok := gs.ops.stringAt(writeKeyPrefix+string(n.id.Agent), latestTime)
		if !ok {
			return "", "", false
		}
		secret, ok := n.resolveKeyAnywhere(gs, crypto.KeyID(id), map[keyVisit]bool{})
		return crypto.KeyID(id), secret, ok
	}
	return n.currentReadKey(gs)
}

// invalidateKeys drops cached key secrets after a group changes.
func (n *Node) invalidateKeys() {
	n.keys = map[crypto.KeyID]crypto.KeySecret{}
}
