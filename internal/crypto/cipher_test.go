package crypto

import (
	"errors"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key, _ := NewKey()
	material := map[string]string{"in": "co_zx", "tx": "s:3"}

	enc, err := Encrypt([]any{map[string]any{"op": "set", "key": "a", "value": 1}}, key, material)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(enc, key, material)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != `[{"key":"a","op":"set","value":1}]` {
		t.Fatalf("Decrypt = %s", got)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key, _ := NewKey()
	other, _ := NewKey()
	enc, _ := Encrypt("x", key, "n")
	if _, err := Decrypt(enc, other, "n"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt wrong key = %v, want ErrDecrypt", err)
	}
}

func TestKeyForKey(t *testing.T) {
	oldKey, oldID := NewKey()
	newKey, newID := NewKey()

	enc, err := EncryptKeySecret(oldKey, oldID, newKey, newID)
	if err != nil {
		t.Fatalf("EncryptKeySecret: %v", err)
	}
	got, err := DecryptKeySecret(enc, oldID, newKey, newID)
	if err != nil {
		t.Fatalf("DecryptKeySecret: %v", err)
	}
	if got != oldKey {
		t.Fatal("recovered key differs")
	}
}

func TestNewKey_Unique(t *testing.T) {
	a, aID := NewKey()
	b, bID := NewKey()
	if a == b || aID == bID {
		t.Fatal("keys should be random")
	}
	if !IsKeyID(string(aID)) {
		t.Fatalf("IsKeyID(%q) = false", aID)
	}
}
