package cojson

import (
	"errors"
	"testing"
	"time"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// shared sets up a sync server with alice and bob connected to it.
func shared(t *testing.T) (server, alice, bob *Node) {
	t.Helper()
	server = testServer(t)
	alice = testNode(t, Config{})
	bob = testNode(t, Config{})
	connect(t, alice, server, 0)
	connect(t, bob, server, 0)
	return server, alice, bob
}

func publish(t *testing.T, server, from *Node, ids ...CoID) {
	t.Helper()
	for _, id := range ids {
		waitSynced(t, from, server, id)
	}
}

func TestGroup_CreatorIsAdmin(t *testing.T) {
	n := testNode(t, Config{})
	g, err := n.CreateGroup()
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if r := g.MyRole(); r != RoleAdmin {
		t.Fatalf("MyRole = %q, want admin", r)
	}
	if g.ReadKeyID() == "" {
		t.Fatal("group has no read key")
	}
	v := g.View()
	if v.Members[agentOf(n)] != RoleAdmin {
		t.Fatalf("members = %v", v.Members)
	}
}

func TestGroup_ReaderCanReadNotWrite(t *testing.T) {
	server, alice, bob := shared(t)
	g, err := alice.CreateGroup()
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := g.AddMember(agentOf(bob), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	m, err := g.CreateMap(map[string]any{"secret": "v1"})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	publish(t, server, alice, g.ID(), m.ID())

	v, err := bob.Load(loadCtx(t), m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if raw, st := v.Map.Get("secret"); st != Present || string(raw) != `"v1"` {
		t.Fatalf("bob reads %s %v", raw, st)
	}
	bm, err := bob.Map(m.ID())
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := bm.Set("secret", "hacked", Private); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("reader Set error = %v, want ErrUnauthorized", err)
	}

	// A server without identity relays private content it can't read.
	if raw, st := server.Get(m.ID()).Map.Get("secret"); st != Unavailable {
		t.Fatalf("server reads %s %v, want Unavailable", raw, st)
	}
}

func TestGroup_ForgedPromotionIsIgnored(t *testing.T) {
	server, alice, bob := shared(t)
	g, err := alice.CreateGroup()
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := g.AddMember(agentOf(bob), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	publish(t, server, alice, g.ID())
	if _, err := bob.Load(loadCtx(t), g.ID()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	raw := []byte(`"admin"`)
	if _, err := bob.AddTransaction(g.ID(), []any{mapChange{Op: "set", Key: agentOf(bob), Value: raw}}, Trusting, nil); err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	publish(t, server, bob, g.ID())
	waitSynced(t, server, alice, g.ID())

	if r := g.RoleOf(agentOf(bob)); r != RoleReader {
		t.Fatalf("alice sees bob as %q, want reader", r)
	}
	bg, _ := bob.Group(g.ID())
	if r := bg.MyRole(); r != RoleReader {
		t.Fatalf("bob sees himself as %q, want reader", r)
	}
}

func TestGroup_RemoveMemberRotatesKey(t *testing.T) {
	server, alice, bob := shared(t)
	g, err := alice.CreateGroup()
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := g.AddMember(agentOf(bob), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	m, err := g.CreateMap(map[string]any{"secret": "v1"})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	oldKey := g.ReadKeyID()
	publish(t, server, alice, g.ID(), m.ID())
	if _, err := bob.Load(loadCtx(t), m.ID()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := g.RemoveMember(agentOf(bob)); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	newKey := g.ReadKeyID()
	if newKey == oldKey {
		t.Fatal("read key was not rotated")
	}
	if err := m.Set("secret", "v2", Private); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if raw, _ := m.Get("secret"); string(raw) != `"v2"` {
		t.Fatalf("alice reads %s", raw)
	}
	publish(t, server, alice, g.ID(), m.ID())
	waitSynced(t, server, bob, g.ID())
	waitSynced(t, server, bob, m.ID())

	if st := bob.Get(m.ID()).Status; st != StatusUnauthorized {
		t.Fatalf("bob's view status = %v, want unauthorized", st)
	}

	bob.mu.Lock()
	defer bob.mu.Unlock()
	gs := bob.groupStateOf(g.ID())
	if _, _, ok := bob.currentReadKey(gs); ok {
		t.Fatal("revoked member resolved the new read key")
	}
	if _, ok := bob.resolveKeyAnywhere(gs, oldKey, map[keyVisit]bool{}); !ok {
		t.Fatal("revoked member lost the key it was given")
	}
	txs, _ := bob.validTransactions(bob.entries[m.ID()].core)
	if len(txs) != 2 || txs[0].unavailable || !txs[1].unavailable {
		t.Fatalf("bob decrypts %d txs: %+v", len(txs), txs)
	}
}

func TestGroup_ManagerLimits(t *testing.T) {
	server, alice, carol := shared(t)
	g, err := alice.CreateGroup()
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := g.AddMember(agentOf(carol), RoleManager); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	publish(t, server, alice, g.ID())
	if _, err := carol.Load(loadCtx(t), g.ID()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cg, err := carol.Group(g.ID())
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	dave, _ := crypto.NewAgentSecret().ID()

	if err := cg.AddMember(string(dave), RoleAdmin); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("manager grants admin: %v, want ErrUnauthorized", err)
	}
	if err := cg.RemoveMember(agentOf(alice)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("manager removes admin: %v, want ErrUnauthorized", err)
	}
	if err := cg.AddMember(string(dave), RoleWriter); err != nil {
		t.Fatalf("manager adds writer: %v", err)
	}
	if r := cg.RoleOf(string(dave)); r != RoleWriter {
		t.Fatalf("dave = %q, want writer", r)
	}
}

func TestGroup_ExtendCycleRejected(t *testing.T) {
	n := testNode(t, Config{})
	g1, _ := n.CreateGroup()
	g2, _ := n.CreateGroup()
	if err := g1.Extend(g2.ID(), RoleExtend); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := g2.Extend(g1.ID(), RoleExtend); err == nil {
		t.Fatal("circular Extend should fail")
	}

	// Forged directly into the log, the cycle is ignored by validation.
	if _, err := n.AddTransaction(g2.ID(), []any{mapChange{Op: "set", Key: parentPrefix + string(g1.ID()), Value: []byte(`"extend"`)}}, Trusting, nil); err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	if parents := g2.View().Parents; len(parents) != 0 {
		t.Fatalf("g2 parents = %v, want none", parents)
	}
	if parents := g1.View().Parents; parents[g2.ID()] != RoleExtend {
		t.Fatalf("g1 parents = %v", parents)
	}
}

func TestGroup_InheritedRoles(t *testing.T) {
	server, alice, bob := shared(t)
	parent, _ := alice.CreateGroup()
	if err := parent.AddMember(agentOf(bob), RoleWriter); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	child, _ := alice.CreateGroup()
	if err := child.Extend(parent.ID(), RoleExtend); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	readOnly, _ := alice.CreateGroup()
	if err := readOnly.Extend(parent.ID(), RoleReader); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	m, err := child.CreateMap(map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	publish(t, server, alice, parent.ID(), child.ID(), readOnly.ID(), m.ID())

	if r := child.RoleOf(agentOf(bob)); r != RoleWriter {
		t.Fatalf("bob in child = %q, want writer", r)
	}
	if r := readOnly.RoleOf(agentOf(bob)); r != RoleReader {
		t.Fatalf("bob in readOnly = %q, want reader", r)
	}
	if children := parent.View().Children; len(children) != 2 {
		t.Fatalf("parent children = %v", children)
	}

	v, err := bob.Load(loadCtx(t), m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if raw, st := v.Map.Get("x"); st != Present || string(raw) != "1" {
		t.Fatalf("bob reads %s %v", raw, st)
	}
	bm, _ := bob.Map(m.ID())
	if err := bm.Set("y", 2, Private); err != nil {
		t.Fatalf("inherited writer Set: %v", err)
	}
	waitSynced(t, bob, alice, m.ID())
	if raw, st := m.Get("y"); st != Present || string(raw) != "2" {
		t.Fatalf("alice reads %s %v", raw, st)
	}
}

func TestGroup_WriteOnly(t *testing.T) {
	server, alice, bob := shared(t)
	g, _ := alice.CreateGroup()
	if err := g.AddMember(agentOf(bob), RoleWriteOnly); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	m, err := g.CreateMap(map[string]any{"a": "from alice"})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	publish(t, server, alice, g.ID(), m.ID())

	if _, err := bob.Load(loadCtx(t), m.ID()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	bm, _ := bob.Map(m.ID())
	if _, st := bm.Get("a"); st != Unavailable {
		t.Fatalf("writeOnly reads alice's key: %v", st)
	}
	// bob's write must sort after the unreadable one.
	time.Sleep(5 * time.Millisecond)
	if err := bm.Set("b", "from bob", Private); err != nil {
		t.Fatalf("writeOnly Set: %v", err)
	}
	if raw, st := bm.Get("b"); st != Present || string(raw) != `"from bob"` {
		t.Fatalf("bob reads own write %s %v", raw, st)
	}

	waitSynced(t, bob, server, m.ID())
	waitSynced(t, server, alice, m.ID())
	if raw, st := m.Get("b"); st != Present || string(raw) != `"from bob"` {
		t.Fatalf("alice reads %s %v", raw, st)
	}
}

func TestGroup_EveryoneReader(t *testing.T) {
	server, alice, carol := shared(t)
	g, _ := alice.CreateGroup()
	if err := g.AddMember(everyoneKey, RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	m, _ := g.CreateMap(map[string]any{"public": true})
	publish(t, server, alice, g.ID(), m.ID())

	v, err := carol.Load(loadCtx(t), m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, st := v.Map.Get("public"); st != Present {
		t.Fatalf("carol reads %v", st)
	}
	cm, _ := carol.Map(m.ID())
	if err := cm.Set("public", false, Private); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-member Set: %v", err)
	}
	if err := g.AddMember(everyoneKey, RoleAdmin); err == nil {
		t.Fatal("everyone can't be admin")
	}
}

func TestGroup_AppendOnly(t *testing.T) {
	server, alice, bob := shared(t)
	g, _ := alice.CreateGroup()
	if err := g.AddMember(agentOf(bob), RoleWriter); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	id, err := alice.Create(g.ID(), TypeList, []any{"first"}, CreateOptions{AppendOnly: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	publish(t, server, alice, g.ID(), id)
	if _, err := bob.Load(loadCtx(t), id); err != nil {
		t.Fatalf("Load: %v", err)
	}
	bl, _ := bob.List(id)
	if err := bl.Append("second", -1, Private); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := bl.Delete(0, Private); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("writer Delete = %v, want ErrUnauthorized", err)
	}
	al, _ := alice.List(id)
	waitSynced(t, bob, alice, id)
	if err := al.Delete(0, Private); err != nil {
		t.Fatalf("admin Delete: %v", err)
	}
	if got := itemsString(al.Items()); got != "second" {
		t.Fatalf("items = %s", got)
	}
}

func TestGroup_AccountMember(t *testing.T) {
	server, alice, bob := shared(t)
	acct, err := bob.CreateAccount()
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	publish(t, server, bob, acct.ID())
	if _, err := alice.Load(loadCtx(t), acct.ID()); err != nil {
		t.Fatalf("Load account: %v", err)
	}
	g, _ := alice.CreateGroup()
	if err := g.AddMember(string(acct.ID()), RoleWriter); err != nil {
		t.Fatalf("AddMember(account): %v", err)
	}
	if r := g.RoleOf(agentOf(bob)); r != RoleWriter {
		t.Fatalf("bob = %q, want writer", r)
	}
}

func TestGroup_RemainingReaderKeepsHistory(t *testing.T) {
	server, alice, bob := shared(t)
	carol := testNode(t, Config{})
	connect(t, carol, server, 0)

	g, _ := alice.CreateGroup()
	for _, n := range []*Node{bob, carol} {
		if err := g.AddMember(agentOf(n), RoleReader); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}
	m, err := g.CreateMap(map[string]any{"before": "v1"})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	publish(t, server, alice, g.ID(), m.ID())
	if _, err := carol.Load(loadCtx(t), m.ID()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := g.RemoveMember(agentOf(bob)); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if err := m.Set("after", "v2", Private); err != nil {
		t.Fatalf("Set: %v", err)
	}
	publish(t, server, alice, g.ID(), m.ID())
	waitSynced(t, server, carol, g.ID())
	waitSynced(t, server, carol, m.ID())

	v := carol.Get(m.ID())
	if v.Status != StatusAvailable {
		t.Fatalf("carol's view status = %v", v.Status)
	}
	for key, want := range map[string]string{"before": `"v1"`, "after": `"v2"`} {
		if raw, st := v.Map.Get(key); st != Present || string(raw) != want {
			t.Errorf("carol reads %s = %s (%v), want %s", key, raw, st, want)
		}
	}
}

func TestGroup_RotationCascadesToChildren(t *testing.T) {
	server, alice, bob := shared(t)
	parent, _ := alice.CreateGroup()
	if err := parent.AddMember(agentOf(bob), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	child, _ := alice.CreateGroup()
	if err := child.Extend(parent.ID(), RoleExtend); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	m, err := child.CreateMap(map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	publish(t, server, alice, parent.ID(), child.ID(), m.ID())
	if _, err := bob.Load(loadCtx(t), m.ID()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	oldChildKey := child.ReadKeyID()
	if err := parent.RemoveMember(agentOf(bob)); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if child.ReadKeyID() == oldChildKey {
		t.Fatal("child read key was not rotated with its parent")
	}
	publish(t, server, alice, parent.ID(), child.ID())
	waitSynced(t, server, bob, parent.ID())
	waitSynced(t, server, bob, child.ID())

	bob.mu.Lock()
	defer bob.mu.Unlock()
	if _, _, ok := bob.currentReadKey(bob.groupStateOf(child.ID())); ok {
		t.Fatal("member removed from the parent resolved the child's new key")
	}
}

// serveTo plays a sync server for n over a pipe the test writes to.
func serveTo(t *testing.T, n *Node) Conn {
	t.Helper()
	a, b := NewPipe(0)
	n.AddPeer("", PeerServer, a)
	t.Cleanup(func() { b.Close() })
	return b
}

func send(t *testing.T, c Conn, msgs ...Message) {
	t.Helper()
	for _, msg := range msgs {
		if err := c.Send(loadCtx(t), msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
}

func TestGroup_StreamingMembershipIsNotFinal(t *testing.T) {
	owner := testNode(t, Config{CheckpointBudget: 200})
	admin := testNode(t, Config{})
	reader := testNode(t, Config{})

	g, _ := owner.CreateGroup()
	if err := g.AddMember(agentOf(admin), RoleAdmin); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	var filler []string
	for i := 0; i < 30; i++ {
		id, err := NewIdentity(crypto.NewAgentSecret())
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		filler = append(filler, string(id.Agent))
		if err := g.AddMember(string(id.Agent), RoleReader); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}
	if err := g.AddMember(agentOf(reader), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	m, err := g.CreateMap(map[string]any{"title": "hello"})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}

	owner.mu.Lock()
	chunks := owner.entries[g.ID()].core.NewContentSince(nil, 200)
	mapContent := owner.entries[m.ID()].core.NewContentSince(nil, 1<<20)
	owner.mu.Unlock()
	if len(chunks) < 4 || chunks[0].ExpectContentUntil == nil {
		t.Fatalf("group not split into a stream: %d messages", len(chunks))
	}

	// The reader's grant is in the last chunk.
	rc := serveTo(t, reader)
	send(t, rc, chunks[0])
	send(t, rc, mapContent...)
	waitFor(t, "map header", func() bool { return reader.Get(m.ID()).Header != nil })
	v := reader.Get(m.ID())
	if v.Status == StatusUnauthorized || !v.Streaming {
		t.Fatalf("mid-stream view = %v streaming=%v, want a non-final view", v.Status, v.Streaming)
	}
	send(t, rc, chunks[1:]...)
	waitFor(t, "readable map", func() bool { return reader.Get(m.ID()).Status == StatusAvailable })
	if raw, st := reader.Get(m.ID()).Map.Get("title"); st != Present || string(raw) != `"hello"` {
		t.Fatalf("reader reads %s %v", raw, st)
	}

	// The admin sees its own grant early but must not change a partial group.
	ac := serveTo(t, admin)
	sent := 0
	for ; sent < len(chunks); sent++ {
		send(t, ac, chunks[sent])
		waitFor(t, "chunk", func() bool { return admin.KnownState(g.ID()).Covers(chunks[sent].knownFromContent()) })
		ag, err := admin.Group(g.ID())
		if err == nil && ag.MyRole() == RoleAdmin {
			sent++
			break
		}
	}
	if sent == len(chunks) {
		t.Fatal("admin grant arrived only with the last chunk")
	}
	send(t, ac, mapContent...)
	waitFor(t, "map on admin", func() bool { return admin.Get(m.ID()).Header != nil })
	ag, _ := admin.Group(g.ID())
	if err := ag.RemoveMember(filler[0]); !errors.Is(err, ErrNotAvailableYet) {
		t.Fatalf("RemoveMember mid-stream = %v, want ErrNotAvailableYet", err)
	}
	if err := ag.AddMember(filler[1], RoleWriter); !errors.Is(err, ErrNotAvailableYet) {
		t.Fatalf("AddMember mid-stream = %v, want ErrNotAvailableYet", err)
	}
	if _, err := admin.AddTransaction(m.ID(), []any{map[string]any{"op": "set", "key": "k", "value": 1}}, Trusting, nil); !errors.Is(err, ErrNotAvailableYet) {
		t.Fatalf("write mid-stream = %v, want ErrNotAvailableYet", err)
	}

	send(t, ac, chunks[sent:]...)
	waitFor(t, "group stream", func() bool { return !admin.IsStreaming(g.ID()) })
	if err := ag.RemoveMember(filler[0]); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	newKey := ag.ReadKeyID()
	admin.mu.Lock()
	defer admin.mu.Unlock()
	gs := admin.groupStateOf(g.ID())
	if _, ok := gs.ops.latest(keyRevealKey(newKey, agentOf(reader)), latestTime); !ok {
		t.Fatal("rotated key was not revealed to a reader granted late in the stream")
	}
}
