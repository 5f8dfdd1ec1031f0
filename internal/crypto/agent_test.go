package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAgent_IDParts(t *testing.T) {
	secret := NewAgentSecret()
	id, err := secret.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	if !IsAgentID(string(id)) {
		t.Fatalf("IsAgentID(%q) = false", id)
	}

	signer, _ := secret.SignerSecret()
	signerID, err := id.SignerID()
	if err != nil {
		t.Fatalf("SignerID: %v", err)
	}
	sig, _ := signer.Sign([]byte("m"))
	if err := signerID.Verify([]byte("m"), sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	sealer, _ := secret.SealerSecret()
	want, _ := sealer.ID()
	got, _ := id.SealerID()
	if got != want {
		t.Fatalf("SealerID = %q, want %q", got, want)
	}
}

func TestAgentSecretFromSeed_Length(t *testing.T) {
	if _, err := AgentSecretFromSeed([]byte("short")); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestLoadOrGenerateAgent_GeneratesNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")

	secret, err := LoadOrGenerateAgent(path, "")
	if err != nil {
		t.Fatalf("LoadOrGenerateAgent: %v", err)
	}
	if _, err := secret.ID(); err != nil {
		t.Fatalf("ID: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("agent file not created: %v", err)
	}
}

func TestLoadOrGenerateAgent_LoadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")

	a, err := LoadOrGenerateAgent(path, "")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	b, err := LoadOrGenerateAgent(path, "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if a != b {
		t.Error("agents differ across calls")
	}
}

func TestLoadOrGenerateAgent_Passphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")

	a, err := LoadOrGenerateAgent(path, "hunter2")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	b, err := LoadOrGenerateAgent(path, "hunter2")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if a != b {
		t.Error("passphrase agent should be re-derived identically")
	}

	data, _ := os.ReadFile(path)
	if len(data) == 0 || string(data) == string(a) {
		t.Fatal("unexpected agent file contents")
	}
}

func TestLoadOrGenerateAgent_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	os.WriteFile(path, []byte("not json"), 0600)

	if _, err := LoadOrGenerateAgent(path, ""); err == nil {
		t.Fatal("expected error for invalid file")
	}
}
