package cojson

import "sort"

type loadState int

const (
	stateUnknown loadState = iota
	stateLoading
	stateAvailable
	stateUnavailable
)

// entry is one slot of the node arena. It exists before the CoValue is
// known so that loads and subscriptions can wait on it.
type entry struct {
	id    CoID
	core  *Core
	state loadState

	// asked maps peers a load went to; true once the peer answered that it
	// doesn't have the value.
	asked map[string]bool
	// waiting holds peers that asked us for the value before we had it.
	waiting map[string]bool

	listeners map[int]func(View)
}

func newEntry(id CoID) *entry {
	return &entry{
		id:        id,
		asked:     map[string]bool{},
		waiting:   map[string]bool{},
		listeners: map[int]func(View){},
	}
}

func (e *entry) sortedListeners() []func(View) {
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(View), len(ids))
	for i, id := range ids {
		out[i] = e.listeners[id]
	}
	return out
}

// markNotFound records a negative answer from peer and reports whether every
// asked peer has now answered so.
func (e *entry) markNotFound(peer string) bool {
	if _, ok := e.asked[peer]; !ok {
		return false
	}
	e.asked[peer] = true
	for _, notFound := range e.asked {
		if !notFound {
			return false
		}
	}
	return true
}

// viewCache memoizes the valid transactions of a core and the folded state
// built from them. It is stale once the core version or the node's group
// generation moves.
type viewCache struct {
	version uint64
	gen     uint64
	txs     []decryptedTx
	final   bool
	group   *groupState

	mapState    *mapState
	listState   *listState
	streamState *streamState
}

func (vc *viewCache) fresh(c *Core, gen uint64) bool {
	return vc != nil && vc.version == c.version && vc.gen == gen
}
