package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/crypto"
)

func newNode(t *testing.T, secret crypto.AgentSecret, cfg cojson.Config) *cojson.Node {
	t.Helper()
	id, err := cojson.NewIdentity(secret)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	n := cojson.NewNode(id, cfg)
	t.Cleanup(func() { n.Close() })
	return n
}

// attach connects n to st as its storage peer.
func attach(t *testing.T, n *cojson.Node, st *Store) {
	t.Helper()
	a, b := cojson.NewPipe(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.Serve(ctx, b)
	}()
	t.Cleanup(func() {
		cancel()
		b.Close()
		<-done
	})
	n.AddPeer("", cojson.PeerStorage, a)
}

// waitPersisted waits until b holds everything n knows of id.
func waitPersisted(t *testing.T, b Backend, n *cojson.Node, id cojson.CoID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		want := n.KnownState(id).Sessions
		got, err := b.Sessions(id)
		if err == nil && len(got) == len(want) {
			same := true
			for s, c := range want {
				if got[s] != c {
					same = false
				}
			}
			if same {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s was not persisted", id)
}

func TestStore_PersistAndReload(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := NewStore(b, 0)
			secret := crypto.NewAgentSecret()

			a := newNode(t, secret, cojson.Config{})
			attach(t, a, st)
			g, err := a.CreateGroup()
			if err != nil {
				t.Fatalf("CreateGroup: %v", err)
			}
			m, err := g.CreateMap(map[string]any{"title": "draft"})
			if err != nil {
				t.Fatalf("CreateMap: %v", err)
			}
			if err := m.Set("title", "final", cojson.Private); err != nil {
				t.Fatalf("Set: %v", err)
			}
			waitPersisted(t, b, a, g.ID())
			waitPersisted(t, b, a, m.ID())

			// A second session of the same agent boots from storage alone.
			fresh := newNode(t, secret, cojson.Config{})
			attach(t, fresh, NewStore(b, 0))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			v, err := fresh.Load(ctx, m.ID())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if v.Map == nil {
				t.Fatalf("view = %+v, want a map", v)
			}
			if got, status := v.Map.Get("title"); status != cojson.Present || string(got) != `"final"` {
				t.Errorf("title = %s (%v), want \"final\"", got, status)
			}
		})
	}
}

func TestStore_LoadUnknownIsNotFound(t *testing.T) {
	m, err := NewBunt(":memory:")
	if err != nil {
		t.Fatalf("NewBunt: %v", err)
	}
	defer m.Close()
	st := NewStore(m, 0)

	replies := st.handle(cojson.Message{Action: cojson.ActionLoad, ID: "co_zmissing"})
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	r := replies[0]
	if r.Action != cojson.ActionKnown || r.Known.Header || len(r.Known.Sessions) != 0 {
		t.Errorf("reply = %+v, want empty known state", r)
	}

	// Content without a header for an unknown value asks for a restart.
	replies = st.handle(cojson.Message{Action: cojson.ActionContent, ID: "co_zmissing"})
	if len(replies) != 1 || !replies[0].IsCorrection {
		t.Errorf("content without header: %+v, want a correction", replies)
	}
}

func TestStore_ReplayInSignedChunks(t *testing.T) {
	b, err := NewBunt(":memory:")
	if err != nil {
		t.Fatalf("NewBunt: %v", err)
	}
	defer b.Close()

	n := newNode(t, crypto.NewAgentSecret(), cojson.Config{CheckpointBudget: 64})
	attach(t, n, NewStore(b, 0))
	m, err := n.CreateMap("", nil)
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	for i := 0; i < 40; i++ {
		if err := m.Set(fmt.Sprintf("k%02d", i), "some value to take up room", cojson.Trusting); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	waitPersisted(t, b, n, m.ID())

	st := NewStore(b, 256)
	replies := st.handle(cojson.Message{Action: cojson.ActionLoad, ID: m.ID()})
	var content []cojson.Message
	for _, r := range replies {
		if r.Action == cojson.ActionContent {
			content = append(content, r)
		}
	}
	if len(content) < 2 {
		t.Fatalf("got %d content messages, want a chunked replay", len(content))
	}
	if content[0].Header == nil || content[0].ExpectContentUntil == nil {
		t.Error("first chunk lacks the header or the announced end state")
	}
	last := replies[len(replies)-1]
	if last.Action != cojson.ActionKnown || !last.Known.Header {
		t.Errorf("last reply = %+v, want the store's known state", last)
	}

	// Every chunk is independently verifiable in order.
	c, err := cojson.NewCore(m.ID(), *content[0].Header)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	for i, msg := range content {
		for s, sc := range msg.New {
			if _, err := c.Ingest(s, sc.After, sc.NewTransactions, sc.LastSignature); err != nil {
				t.Fatalf("chunk %d: %v", i, err)
			}
		}
	}
	if got := c.KnownState().Sessions; fmt.Sprint(got) != fmt.Sprint(n.KnownState(m.ID()).Sessions) {
		t.Errorf("replayed %v, want %v", got, n.KnownState(m.ID()).Sessions)
	}
}

// tampered flips one payload byte on the way out of the backend.
type tampered struct {
	Backend
}

func (t tampered) Rows(id cojson.CoID, s cojson.SessionID, from int) ([]Row, error) {
	rows, err := t.Backend.Rows(id, s, from)
	if len(rows) > 0 {
		p := append([]byte(nil), rows[0].Payload...)
		p[len(p)-2] ^= 1
		rows[0].Payload = p
	}
	return rows, err
}

func TestReplay_DetectsCorruption(t *testing.T) {
	b, err := NewBunt(":memory:")
	if err != nil {
		t.Fatalf("NewBunt: %v", err)
	}
	defer b.Close()

	n := newNode(t, crypto.NewAgentSecret(), cojson.Config{})
	attach(t, n, NewStore(b, 0))
	m, err := n.CreateMap("", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	waitPersisted(t, b, n, m.ID())

	if _, err := Replay(b, m.ID()); err != nil {
		t.Fatalf("Replay of intact log: %v", err)
	}
	if _, err := Replay(tampered{b}, m.ID()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Replay of tampered log = %v, want ErrCorrupt", err)
	}
	if _, err := Replay(b, "co_zmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Replay of unknown = %v, want ErrNotFound", err)
	}
}
