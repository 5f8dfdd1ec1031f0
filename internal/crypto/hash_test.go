package crypto

import (
	"strings"
	"testing"
)

func TestSecureHash_KeyOrderIndependent(t *testing.T) {
	a, err := SecureHash(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("SecureHash: %v", err)
	}
	b, err := SecureHash(map[string]any{"a": "x", "b": 1})
	if err != nil {
		t.Fatalf("SecureHash: %v", err)
	}
	if a != b {
		t.Fatal("hash should not depend on map order")
	}
	if !strings.HasPrefix(string(a), "hash_z") {
		t.Fatalf("hash = %q", a)
	}
}

func TestShortHashBytes_Length(t *testing.T) {
	b, err := ShortHashBytes("x")
	if err != nil {
		t.Fatalf("ShortHashBytes: %v", err)
	}
	if len(b) != 19 {
		t.Fatalf("len = %d, want 19", len(b))
	}
}

func TestChainHash_DependsOnOrder(t *testing.T) {
	var empty ChainHash
	if !empty.IsZero() {
		t.Fatal("zero chain should be empty")
	}

	a1, _ := empty.Append("tx1")
	ab, _ := a1.Append("tx2")
	b1, _ := empty.Append("tx2")
	ba, _ := b1.Append("tx1")

	if ab.String() == ba.String() {
		t.Fatal("chain hash should depend on transaction order")
	}

	again, _ := a1.Append("tx2")
	if again.Hash() != ab.Hash() {
		t.Fatal("chain hash should be deterministic")
	}
}

func TestStableJSON_NoHTMLEscape(t *testing.T) {
	got, err := StableJSON(map[string]string{"z": "<a&b>", "a": "1"})
	if err != nil {
		t.Fatalf("StableJSON: %v", err)
	}
	if string(got) != `{"a":"1","z":"<a&b>"}` {
		t.Fatalf("StableJSON = %s", got)
	}
}

func TestCanonicalize_PreservesNumbers(t *testing.T) {
	got, err := Canonicalize([]byte(`{"b": 1700000000123, "a": 1.50}`))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(got) != `{"a":1.50,"b":1700000000123}` {
		t.Fatalf("Canonicalize = %s", got)
	}
}
