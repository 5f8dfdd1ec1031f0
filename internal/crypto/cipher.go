package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"
)

type (
	KeySecret string
	KeyID     string
	Encrypted string
)

// NewKey generates a random symmetric read key and its ID.
func NewKey() (KeySecret, KeyID) {
	secret := KeySecret(encodeZ(prefixKeySecret, RandomBytes(32)))
	id := KeyID(encodeZ(prefixKeyID, RandomBytes(12)))
	return secret, id
}

func (k KeySecret) bytes() (*[32]byte, error) {
	b, err := decodeZ(prefixKeySecret, string(k))
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key secret: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return &out, nil
}

func deriveNonce(material any) (*[24]byte, error) {
	raw, err := StableJSON(material)
	if err != nil {
		return nil, fmt.Errorf("nonce material: %w", err)
	}
	sum := sha3.Sum256(raw)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return &nonce, nil
}

// Encrypt stable-encodes value and boxes it under key. The nonce is derived
// from nonceMaterial, which must be unique per (key, message).
func Encrypt(value any, key KeySecret, nonceMaterial any) (Encrypted, error) {
	plaintext, err := StableJSON(value)
	if err != nil {
		return "", err
	}
	return encryptRaw(plaintext, key, nonceMaterial)
}

func encryptRaw(plaintext []byte, key KeySecret, nonceMaterial any) (Encrypted, error) {
	k, err := key.bytes()
	if err != nil {
		return "", err
	}
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return "", err
	}
	return Encrypted(encodeU(prefixEncrypted, secretbox.Seal(nil, plaintext, nonce, k))), nil
}

// Decrypt opens an Encrypted value and returns its JSON plaintext.
func Decrypt(enc Encrypted, key KeySecret, nonceMaterial any) ([]byte, error) {
	box, err := decodeU(prefixEncrypted, string(enc))
	if err != nil {
		return nil, err
	}
	k, err := key.bytes()
	if err != nil {
		return nil, err
	}
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return nil, err
	}
	out, ok := secretbox.Open(nil, box, nonce, k)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

type keyNonce struct {
	EncryptedID  KeyID `json:"encryptedID"`
	EncryptingID KeyID `json:"encryptingID"`
}

// EncryptKeySecret encrypts one read key under another. Used to let holders
// of a newer key read content written under older ones.
func EncryptKeySecret(toEncrypt KeySecret, toEncryptID KeyID, encrypting KeySecret, encryptingID KeyID) (Encrypted, error) {
	return encryptRaw([]byte(toEncrypt), encrypting, keyNonce{toEncryptID, encryptingID})
}

// DecryptKeySecret reverses EncryptKeySecret.
func DecryptKeySecret(enc Encrypted, encryptedID KeyID, encrypting KeySecret, encryptingID KeyID) (KeySecret, error) {
	raw, err := Decrypt(enc, encrypting, keyNonce{encryptedID, encryptingID})
	if err != nil {
		return "", err
	}
	return KeySecret(raw), nil
}
