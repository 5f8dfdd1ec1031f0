package cojson

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrCreateUnique_FirstInitWins(t *testing.T) {
	server := testServer(t)
	a := testNode(t, Config{Now: newTestClock(1_000).Now})
	b := testNode(t, Config{Now: newTestClock(5_000).Now})

	idA, err := a.GetOrCreateUnique("", TypeMap, "profile", map[string]any{"name": "a"})
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	again, err := a.GetOrCreateUnique("", TypeMap, "profile", map[string]any{"name": "again"})
	if err != nil || again != idA {
		t.Fatalf("second create = %s %v, want %s", again, err, idA)
	}
	idB, err := b.GetOrCreateUnique("", TypeMap, "profile", map[string]any{"name": "b"})
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if idA != idB {
		t.Fatalf("independent creators got %s and %s", idA, idB)
	}

	connect(t, a, server, 0)
	connect(t, b, server, time.Millisecond)
	waitSynced(t, a, server, idA)
	waitSynced(t, b, server, idA)
	waitSynced(t, server, a, idA)
	waitSynced(t, server, b, idA)

	for _, n := range []*Node{a, b} {
		raw, st := n.Get(idA).Map.Get("name")
		if st != Present || string(raw) != `"a"` {
			t.Fatalf("name = %s %v, want \"a\"", raw, st)
		}
	}

	// Fields set independently after creation merge on both sides.
	ma, _ := a.Map(idA)
	mb, _ := b.Map(idA)
	if err := ma.Set("city", "Oslo", Trusting); err != nil {
		t.Fatalf("a Set: %v", err)
	}
	if err := mb.Set("lang", "no", Trusting); err != nil {
		t.Fatalf("b Set: %v", err)
	}
	waitSynced(t, a, b, idA)
	waitSynced(t, b, a, idA)
	for _, n := range []*Node{a, b} {
		v := n.Get(idA)
		for key, want := range map[string]string{"name": `"a"`, "city": `"Oslo"`, "lang": `"no"`} {
			if raw, st := v.Map.Get(key); st != Present || string(raw) != want {
				t.Errorf("%s = %s %v, want %s", key, raw, st, want)
			}
		}
	}
}

func TestLoad_UnavailableWithoutPeers(t *testing.T) {
	n := testNode(t, Config{})
	_, err := n.Load(loadCtx(t), "co_zDoesNotExist")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Load = %v, want ErrUnavailable", err)
	}
	if st := n.Get("co_zDoesNotExist").Status; st != StatusUnavailable {
		t.Fatalf("status = %v", st)
	}
}

func TestLoad_UnavailableFromServer(t *testing.T) {
	server := testServer(t)
	n := testNode(t, Config{})
	connect(t, n, server, time.Millisecond)
	_, err := n.Load(loadCtx(t), "co_zDoesNotExist")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Load = %v, want ErrUnavailable", err)
	}
}

func TestLoad_ContextTimeout(t *testing.T) {
	n := testNode(t, Config{})
	a, _ := NewPipe(0)
	// The other end never answers.
	n.AddPeer("silent", PeerServer, a)

	ctx, cancel := contextWithTimeout(20 * time.Millisecond)
	defer cancel()
	_, err := n.Load(ctx, "co_zSlow")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Load = %v, want ErrUnavailable", err)
	}
}

func TestLoad_StreamingIsNeverPartial(t *testing.T) {
	cfg := Config{ChunkBudget: 512, CheckpointBudget: 512}
	server := NewNode(Identity{}, cfg)
	t.Cleanup(func() { server.Close() })
	a := testNode(t, cfg)
	b := testNode(t, Config{})

	m, err := a.CreateMap("", nil)
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	const total = 60
	for i := 0; i < total; i++ {
		if err := m.Set(fmt.Sprintf("k%02d", i), strings.Repeat("x", 100), Trusting); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	connect(t, a, server, 0)
	waitSynced(t, a, server, m.ID())

	server.mu.Lock()
	msgs := server.entries[m.ID()].core.NewContentSince(nil, cfg.ChunkBudget)
	server.mu.Unlock()
	if len(msgs) < 2 || msgs[0].ExpectContentUntil == nil {
		t.Fatalf("content not split: %d messages", len(msgs))
	}

	var partial atomic.Bool
	unsubscribe := b.Subscribe(m.ID(), func(v View) {
		if v.Status == StatusAvailable && !v.Streaming && len(v.Map.Keys()) != total {
			partial.Store(true)
		}
	})
	defer unsubscribe()

	connect(t, b, server, 2*time.Millisecond)
	v, err := b.Load(loadCtx(t), m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.Streaming {
		t.Fatal("Load returned a streaming view")
	}
	if got := len(v.Map.Keys()); got != total {
		t.Fatalf("loaded %d keys, want %d", got, total)
	}
	if partial.Load() {
		t.Fatal("a subscriber saw a partial view marked final")
	}
}

func TestCore_IngestAnyOrder(t *testing.T) {
	a := testNode(t, Config{CheckpointBudget: 200})
	m, err := a.CreateMap("", nil)
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	for i := 0; i < 30; i++ {
		if err := m.Set("k", i, Trusting); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	src := a.entries[m.ID()].core
	msgs := src.NewContentSince(nil, 200)
	if len(msgs) < 3 {
		t.Fatalf("expected several chunks, got %d", len(msgs))
	}

	dst, err := NewCore(m.ID(), src.Header())
	if err != nil {
		t.Fatalf("newCore: %v", err)
	}
	gaps := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		for s, c := range msgs[i].New {
			if _, err := dst.Ingest(s, c.After, c.NewTransactions, c.LastSignature); errors.Is(err, ErrMissingPredecessor) {
				gaps++
			} else if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
		}
	}
	if gaps == 0 {
		t.Fatal("reverse order should have buffered some chunks")
	}
	if !dst.KnownState().Covers(src.KnownState()) || dst.hasPending() {
		t.Fatalf("known = %+v, want %+v", dst.KnownState(), src.KnownState())
	}
}

func TestCore_PendingRunsAreBounded(t *testing.T) {
	a := testNode(t, Config{})
	m, err := a.CreateMap("", nil)
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	c, err := NewCore(m.ID(), a.entries[m.ID()].core.Header())
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	s := a.Identity().Session
	tx := Transaction{Privacy: Trusting, MadeAt: 1, Changes: `[]`}
	for i := 0; i < MaxPendingRuns+50; i++ {
		if _, err := c.Ingest(s, 1000+i, []Transaction{tx}, "signature_z1"); !errors.Is(err, ErrMissingPredecessor) {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	runs := c.pending[s]
	if len(runs) != MaxPendingRuns {
		t.Fatalf("buffered %d runs, want %d", len(runs), MaxPendingRuns)
	}
	if last := runs[len(runs)-1].content.After; last != 1000+MaxPendingRuns+49 {
		t.Errorf("newest buffered run starts at %d, the oldest should have been dropped", last)
	}

	big := Transaction{Privacy: Trusting, MadeAt: 1, Changes: string(make([]byte, MaxPendingBytes/2))}
	for i := 0; i < 4; i++ {
		c.Ingest(s, 5000+i, []Transaction{big}, "signature_z1")
	}
	total := 0
	for _, r := range c.pending[s] {
		total += r.size
	}
	if total > MaxPendingBytes {
		t.Errorf("buffered %d bytes, limit is %d", total, MaxPendingBytes)
	}
}

func TestCore_RejectsTampering(t *testing.T) {
	a := testNode(t, Config{})
	m, _ := a.CreateMap("", map[string]any{"k": 1})
	if err := m.Set("k", 2, Trusting); err != nil {
		t.Fatalf("Set: %v", err)
	}
	src := a.entries[m.ID()].core
	s := a.Identity().Session
	piece := src.logs[s].pieces(0, 1<<20)[0]

	forged := append([]Transaction(nil), piece.NewTransactions...)
	forged[1].Changes = `[{"op":"set","key":"k","value":3}]`

	fresh, _ := NewCore(m.ID(), src.Header())
	if _, err := fresh.Ingest(s, 0, forged, piece.LastSignature); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("forged Ingest = %v, want ErrInvalidSignature", err)
	}
	if _, err := fresh.Ingest(s, 0, piece.NewTransactions, piece.LastSignature); err != nil {
		t.Fatalf("genuine Ingest: %v", err)
	}
	if _, err := fresh.Ingest(s, 0, forged, piece.LastSignature); !errors.Is(err, ErrHashChainBroken) {
		t.Fatalf("overlapping forged Ingest = %v, want ErrHashChainBroken", err)
	}
}

func TestNode_ReadOnlyWithoutIdentity(t *testing.T) {
	n := NewNode(Identity{}, Config{})
	defer n.Close()
	if _, err := n.CreateGroup(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("CreateGroup = %v, want ErrReadOnly", err)
	}
	if _, err := n.CreateMap("", nil); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("CreateMap = %v, want ErrReadOnly", err)
	}
}
