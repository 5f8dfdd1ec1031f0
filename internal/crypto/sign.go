package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("signature verification failed")

type (
	SignerSecret string
	SignerID     string
	Signature    string
)

// NewSigner generates a random Ed25519 signing secret.
func NewSigner() SignerSecret {
	return signerFromSeed(RandomBytes(ed25519.SeedSize))
}

func signerFromSeed(seed []byte) SignerSecret {
	return SignerSecret(encodeZ(prefixSignerSecret, seed))
}

func (s SignerSecret) privateKey() (ed25519.PrivateKey, error) {
	seed, err := decodeZ(prefixSignerSecret, string(s))
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer secret: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ID returns the public signer ID for the secret.
func (s SignerSecret) ID() (SignerID, error) {
	priv, err := s.privateKey()
	if err != nil {
		return "", err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return SignerID(encodeZ(prefixSignerID, pub)), nil
}

// Sign signs message with the secret.
func (s SignerSecret) Sign(message []byte) (Signature, error) {
	priv, err := s.privateKey()
	if err != nil {
		return "", err
	}
	return Signature(encodeZ(prefixSignature, ed25519.Sign(priv, message))), nil
}

// Verify checks sig over message against the signer ID.
func (id SignerID) Verify(message []byte, sig Signature) error {
	pub, err := decodeZ(prefixSignerID, string(id))
	if err != nil {
		return err
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("signer id: expected %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	raw, err := decodeZ(prefixSignature, string(sig))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, raw) {
		return ErrInvalidSignature
	}
	return nil
}
