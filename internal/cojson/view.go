package cojson

import (
	"encoding/json"
	"strings"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// LoadStatus tells callers whether a view is final, pending or denied.
type LoadStatus int

const (
	StatusLoading LoadStatus = iota
	StatusAvailable
	StatusUnavailable
	StatusUnauthorized
)

func (s LoadStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	case StatusUnauthorized:
		return "unauthorized"
	}
	return "unknown"
}

func (s LoadStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// View is the materialized state of one CoValue. Exactly one of Map, List,
// Stream or Group is set when Status is StatusAvailable; groups and accounts
// also expose their raw content through Map.
type View struct {
	ID     CoID       `json:"id"`
	Status LoadStatus `json:"status"`
	// Streaming is true while announced content is still arriving; the
	// view must not be treated as final.
	Streaming bool    `json:"streaming"`
	Header    *Header `json:"header,omitempty"`

	Map    *MapView    `json:"map,omitempty"`
	List   *ListView   `json:"list,omitempty"`
	Stream *StreamView `json:"stream,omitempty"`
	Group  *GroupView  `json:"group,omitempty"`
}

// GroupView is a snapshot of a group's membership.
type GroupView struct {
	Members  map[string]Role `json:"members"`
	Parents  map[CoID]Role   `json:"parents"`
	Children []CoID          `json:"children,omitempty"`
	ReadKey  crypto.KeyID    `json:"readKey,omitempty"`
	// MyRole is the node agent's effective role, inheritance included.
	MyRole Role `json:"myRole"`
}

func (n *Node) view(e *entry) View {
	v := View{ID: e.id, Status: StatusLoading}
	if e.core == nil {
		if e.state == stateUnavailable {
			v.Status = StatusUnavailable
		}
		return v
	}
	c := e.core
	h := c.header
	v.Header = &h
	v.Streaming = n.streaming(e)

	if missing := n.missingDeps(e, map[CoID]bool{}); len(missing) > 0 {
		for _, dep := range missing {
			if d := n.entries[dep]; d != nil && d.state == stateUnavailable {
				v.Status = StatusUnavailable
			}
		}
		return v
	}

	if owner, ok := h.OwnerGroup(); ok && n.id.Secret != "" {
		gs := n.groupStateOf(owner)
		role := n.roleIn(gs, string(n.id.Agent), latestTime, nil)
		if !role.CanRead() && !role.CanWrite() {
			if v.Streaming {
				// Grants may still be in flight.
				return v
			}
			v.Status = StatusUnauthorized
			return v
		}
	}
	v.Status = StatusAvailable

	if h.IsGroupLike() {
		gs := n.groupStateOf(c.id)
		if gs == nil {
			v.Status = StatusLoading
			return v
		}
		v.Map = &MapView{state: gs.ops, at: latestTime}
		v.Group = n.groupView(gs)
		return v
	}

	txs, final := n.validTransactions(c)
	if !final {
		v.Streaming = true
	}
	vc := c.cache
	if !vc.fresh(c, n.gen) {
		vc = &viewCache{version: c.version, gen: n.gen, txs: txs}
	}
	switch h.Type {
	case TypeMap:
		if vc.mapState == nil {
			ms := newMapState()
			for _, tx := range txs {
				ms.applyTx(tx)
			}
			vc.mapState = ms
		}
		v.Map = &MapView{state: vc.mapState, at: latestTime}
	case TypeList:
		if vc.listState == nil {
			vc.listState = newListState(txs)
		}
		v.List = &ListView{state: vc.listState}
	case TypeStream:
		if vc.streamState == nil {
			vc.streamState = newStreamState(txs)
		}
		v.Stream = &StreamView{state: vc.streamState}
	}
	return v
}

func (n *Node) groupView(gs *groupState) *GroupView {
	gv := &GroupView{Members: map[string]Role{}, Parents: gs.parents(latestTime)}
	for _, k := range gs.ops.keys(latestTime) {
		switch {
		case k == everyoneKey || crypto.IsAgentID(k):
			gv.Members[k] = gs.directRole(k, latestTime)
		case strings.HasPrefix(k, childPrefix):
			gv.Children = append(gv.Children, CoID(strings.TrimPrefix(k, childPrefix)))
		}
	}
	if id, _, ok := gs.ops.stringAt(readKeyKey, latestTime); ok {
		gv.ReadKey = crypto.KeyID(id)
	}
	if n.id.Secret != "" {
		gv.MyRole = n.roleIn(gs, string(n.id.Agent), latestTime, nil)
	}
	return gv
}

// dependencies lists the CoValues that must be present before c can be
// validated: its owning group, and for groups every extended parent.
func (n *Node) dependencies(c *Core) []CoID {
	var deps []CoID
	if g, ok := c.header.OwnerGroup(); ok {
		deps = append(deps, g)
	}
	if !c.header.IsGroupLike() {
		return deps
	}
	seen := map[CoID]bool{}
	for _, l := range c.logs {
		for _, tx := range l.txs {
			if tx.Privacy != Trusting {
				continue
			}
			changes, err := decodeChanges(tx.Changes)
			if err != nil {
				continue
			}
			for _, raw := range changes {
				var ch mapChange
				if json.Unmarshal(raw, &ch) != nil || !strings.HasPrefix(ch.Key, parentPrefix) {
					continue
				}
				p := CoID(strings.TrimPrefix(ch.Key, parentPrefix))
				if !seen[p] && IsCoID(string(p)) {
					seen[p] = true
					deps = append(deps, p)
				}
			}
		}
	}
	return deps
}
