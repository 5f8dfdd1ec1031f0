package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/crypto"
)

func newNode(t *testing.T) *cojson.Node {
	t.Helper()
	id, err := cojson.NewIdentity(crypto.NewAgentSecret())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	n := cojson.NewNode(id, cojson.Config{})
	t.Cleanup(func() { n.Close() })
	return n
}

func newServerNode(t *testing.T) *cojson.Node {
	t.Helper()
	n := cojson.NewNode(cojson.Identity{}, cojson.Config{})
	t.Cleanup(func() { n.Close() })
	return n
}

func waitSynced(t *testing.T, src, dst *cojson.Node, id cojson.CoID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fmt.Sprint(src.KnownState(id)) == fmt.Sprint(dst.KnownState(id)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s did not sync: %v vs %v", id, src.KnownState(id), dst.KnownState(id))
}

// checkRoundTrip creates a map on one client and loads it on another, both
// attached to the same server.
func checkRoundTrip(t *testing.T, server, a, b *cojson.Node) {
	t.Helper()
	m, err := a.CreateMap("", map[string]any{"greeting": "hello"})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	waitSynced(t, a, server, m.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := b.Load(ctx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, status := v.Map.Get("greeting"); status != cojson.Present || string(got) != `"hello"` {
		t.Errorf("greeting = %s (%v)", got, status)
	}
}
