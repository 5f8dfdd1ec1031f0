package crypto

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/nacl/secretbox"
	"lukechampine.com/blake3"
)

// ErrDecrypt is returned when a box fails authentication.
var ErrDecrypt = errors.New("decryption failed")

type (
	SealerSecret string
	SealerID     string
	Sealed       string
)

const sealContext = "covalue 2024 seal shared key"

// NewSealer generates a random X25519 sealing secret.
func NewSealer() SealerSecret {
	return sealerFromBytes(RandomBytes(x25519.Size))
}

func sealerFromBytes(b []byte) SealerSecret {
	return SealerSecret(encodeZ(prefixSealerSecret, b))
}

func (s SealerSecret) key() (x25519.Key, error) {
	var k x25519.Key
	b, err := decodeZ(prefixSealerSecret, string(s))
	if err != nil {
		return k, err
	}
	if len(b) != x25519.Size {
		return k, fmt.Errorf("sealer secret: expected %d bytes, got %d", x25519.Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ID returns the public sealer ID for the secret.
func (s SealerSecret) ID() (SealerID, error) {
	sec, err := s.key()
	if err != nil {
		return "", err
	}
	var pub x25519.Key
	x25519.KeyGen(&pub, &sec)
	return SealerID(encodeZ(prefixSealerID, pub[:])), nil
}

func (id SealerID) key() (x25519.Key, error) {
	var k x25519.Key
	b, err := decodeZ(prefixSealerID, string(id))
	if err != nil {
		return k, err
	}
	if len(b) != x25519.Size {
		return k, fmt.Errorf("sealer id: expected %d bytes, got %d", x25519.Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// sharedBoxKey runs X25519 between a secret and a public key and derives the
// secretbox key from the shared point.
func sharedBoxKey(secret SealerSecret, public SealerID) (*[32]byte, error) {
	sec, err := secret.key()
	if err != nil {
		return nil, err
	}
	pub, err := public.key()
	if err != nil {
		return nil, err
	}
	var shared x25519.Key
	if !x25519.Shared(&shared, &sec, &pub) {
		return nil, fmt.Errorf("x25519: low-order public key")
	}
	var boxKey [32]byte
	blake3.DeriveKey(boxKey[:], sealContext, shared[:])
	return &boxKey, nil
}

// Seal encrypts message from one sealer to another. nonceMaterial binds the
// box to its position (CoValue and transaction) so it cannot be replayed
// elsewhere.
func Seal(message any, from SealerSecret, to SealerID, nonceMaterial any) (Sealed, error) {
	plaintext, err := StableJSON(message)
	if err != nil {
		return "", err
	}
	key, err := sharedBoxKey(from, to)
	if err != nil {
		return "", err
	}
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return "", err
	}
	return Sealed(encodeU(prefixSealed, secretbox.Seal(nil, plaintext, nonce, key))), nil
}

// Unseal opens a box produced by Seal and returns the JSON plaintext.
func Unseal(sealed Sealed, to SealerSecret, from SealerID, nonceMaterial any) ([]byte, error) {
	box, err := decodeU(prefixSealed, string(sealed))
	if err != nil {
		return nil, err
	}
	key, err := sharedBoxKey(to, from)
	if err != nil {
		return nil, err
	}
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return nil, err
	}
	out, ok := secretbox.Open(nil, box, nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}
