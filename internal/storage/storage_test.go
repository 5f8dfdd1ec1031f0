package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/crypto"
)

// backends returns one fresh instance of every Backend.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	b, err := NewBolt(filepath.Join(t.TempDir(), "test.bolt"))
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	m, err := NewBunt(":memory:")
	if err != nil {
		t.Fatalf("NewBunt: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return map[string]Backend{
		"sqlite": testDB(t),
		"bolt":   b,
		"bunt":   m,
	}
}

func testRow(t *testing.T, s cojson.SessionID, idx int, payload string, sig string) Row {
	t.Helper()
	c, err := cidOf([]byte(payload))
	if err != nil {
		t.Fatalf("cid: %v", err)
	}
	return Row{Session: s, TxIndex: idx, Payload: []byte(payload), MadeAt: int64(idx), Signature: crypto.Signature(sig), CID: c}
}

func TestCID(t *testing.T) {
	data := []byte(`{"privacy":"trusting"}`)
	c, err := cidOf(data)
	if err != nil {
		t.Fatalf("cidOf: %v", err)
	}
	if !strings.HasPrefix(c, "bafkrei") {
		t.Errorf("cid = %s, want a raw sha2-256 CIDv1", c)
	}
	if err := checkCID(data, c); err != nil {
		t.Errorf("checkCID on original: %v", err)
	}
	if err := checkCID([]byte(`{"privacy":"private"}`), c); !errors.Is(err, ErrCorrupt) {
		t.Errorf("checkCID on tampered = %v, want ErrCorrupt", err)
	}
	if err := checkCID(data, "not-a-cid"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("checkCID on garbage cid = %v, want ErrCorrupt", err)
	}
}

func TestBackend_Header(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := b.Header("co_zabc"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Header of unknown = %v, want ErrNotFound", err)
			}
			if err := b.PutHeader("co_zabc", []byte(`{"type":"comap"}`), "cid1"); err != nil {
				t.Fatalf("PutHeader: %v", err)
			}
			// A second write never replaces the first.
			if err := b.PutHeader("co_zabc", []byte(`{"type":"colist"}`), "cid2"); err != nil {
				t.Fatalf("PutHeader again: %v", err)
			}
			h, c, err := b.Header("co_zabc")
			if err != nil {
				t.Fatalf("Header: %v", err)
			}
			if string(h) != `{"type":"comap"}` || c != "cid1" {
				t.Errorf("Header = %s %s", h, c)
			}
			if err := b.PutHeader("co_zdef", []byte(`{}`), "cid3"); err != nil {
				t.Fatalf("PutHeader: %v", err)
			}
			ids, err := b.IDs()
			if err != nil {
				t.Fatalf("IDs: %v", err)
			}
			if len(ids) != 2 || ids[0] != "co_zabc" || ids[1] != "co_zdef" {
				t.Errorf("IDs = %v", ids)
			}
		})
	}
}

func TestBackend_Rows(t *testing.T) {
	const id = cojson.CoID("co_zabc")
	sA := cojson.SessionID("agentA_session_z1")
	sB := cojson.SessionID("agentB_session_z2")

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.PutHeader(id, []byte(`{}`), "cid"); err != nil {
				t.Fatalf("PutHeader: %v", err)
			}
			rows := []Row{
				testRow(t, sA, 0, `"a0"`, ""),
				testRow(t, sA, 1, `"a1"`, "sig_a1"),
				testRow(t, sB, 0, `"b0"`, "sig_b0"),
			}
			if err := b.PutRows(id, rows); err != nil {
				t.Fatalf("PutRows: %v", err)
			}
			// Existing rows are kept; new ones appended.
			more := []Row{testRow(t, sA, 1, `"other"`, ""), testRow(t, sA, 2, `"a2"`, "sig_a2")}
			if err := b.PutRows(id, more); err != nil {
				t.Fatalf("PutRows: %v", err)
			}

			counts, err := b.Sessions(id)
			if err != nil {
				t.Fatalf("Sessions: %v", err)
			}
			if counts[sA] != 3 || counts[sB] != 1 || len(counts) != 2 {
				t.Errorf("Sessions = %v", counts)
			}

			got, err := b.Rows(id, sA, 1)
			if err != nil {
				t.Fatalf("Rows: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Rows from 1 = %d rows, want 2", len(got))
			}
			if string(got[0].Payload) != `"a1"` || got[0].Signature != "sig_a1" || got[0].TxIndex != 1 {
				t.Errorf("row 1 = %+v", got[0])
			}
			if got[1].TxIndex != 2 || got[1].MadeAt != 2 {
				t.Errorf("row 2 = %+v", got[1])
			}
			if _, err := got[0].transaction(); err == nil {
				t.Error("a bare string payload decoded as a transaction")
			}

			none, err := b.Rows(id, "agentC_session_z3", 0)
			if err != nil || len(none) != 0 {
				t.Errorf("Rows of unknown session = %v, %v", none, err)
			}
		})
	}
}
