package cojson

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

var timeZero = time.Unix(0, 0)

// testClock ticks one millisecond per reading so madeAt values are
// predictable.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(startMs int64) *testClock {
	return &testClock{t: time.UnixMilli(startMs)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// testNode creates a node with a fresh agent. It is closed when the test
// finishes.
func testNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	id, err := NewIdentity(crypto.NewAgentSecret())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	n := NewNode(id, cfg)
	t.Cleanup(func() { n.Close() })
	return n
}

// testServer creates a node without identity acting as sync server.
func testServer(t *testing.T) *Node {
	t.Helper()
	n := NewNode(Identity{}, Config{})
	t.Cleanup(func() { n.Close() })
	return n
}

// connect wires client to server over an in-memory pipe.
func connect(t *testing.T, client, server *Node, latency time.Duration) {
	t.Helper()
	a, b := NewPipe(latency)
	client.AddPeer("", PeerServer, a)
	server.AddPeer("", PeerClient, b)
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitSynced waits until dst holds at least what src holds of id.
func waitSynced(t *testing.T, src, dst *Node, id CoID) {
	t.Helper()
	waitFor(t, "sync of "+string(id), func() bool {
		return dst.KnownState(id).Covers(src.KnownState(id))
	})
}

func loadCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func agentOf(n *Node) string {
	return string(n.Identity().Agent)
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
