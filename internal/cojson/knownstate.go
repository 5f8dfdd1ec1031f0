package cojson

// KnownState is how much of a CoValue a node holds: whether it has the
// header, and the transaction count per session.
type KnownState struct {
	ID       CoID              `json:"id"`
	Header   bool              `json:"header"`
	Sessions map[SessionID]int `json:"sessions"`
}

func emptyKnownState(id CoID) KnownState {
	return KnownState{ID: id, Sessions: map[SessionID]int{}}
}

// Clone returns a deep copy.
func (k KnownState) Clone() KnownState {
	out := KnownState{ID: k.ID, Header: k.Header, Sessions: make(map[SessionID]int, len(k.Sessions))}
	for s, n := range k.Sessions {
		out.Sessions[s] = n
	}
	return out
}

// Combine returns the per-session maximum of k and other.
func (k KnownState) Combine(other KnownState) KnownState {
	out := k.Clone()
	out.Header = k.Header || other.Header
	for s, n := range other.Sessions {
		if n > out.Sessions[s] {
			out.Sessions[s] = n
		}
	}
	return out
}

// Covers reports whether k holds at least everything in other.
func (k KnownState) Covers(other KnownState) bool {
	if other.Header && !k.Header {
		return false
	}
	return sessionsCover(k.Sessions, other.Sessions)
}

func sessionsCover(have, want map[SessionID]int) bool {
	for s, n := range want {
		if have[s] < n {
			return false
		}
	}
	return true
}

// Total is the number of transactions across all sessions.
func (k KnownState) Total() int {
	var total int
	for _, n := range k.Sessions {
		total += n
	}
	return total
}
