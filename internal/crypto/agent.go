package crypto

import (
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

type (
	// AgentSecret is "sealerSecret_z…/signerSecret_z…".
	AgentSecret string
	// AgentID is "sealer_z…/signer_z…".
	AgentID string
)

// NewAgentSecret generates a fresh random agent.
func NewAgentSecret() AgentSecret {
	return AgentSecret(string(NewSealer()) + "/" + string(NewSigner()))
}

// AgentSecretFromSeed derives an agent deterministically from a 32-byte seed.
func AgentSecretFromSeed(seed []byte) (AgentSecret, error) {
	if len(seed) != 32 {
		return "", fmt.Errorf("agent seed: expected 32 bytes, got %d", len(seed))
	}
	var sealSeed, signSeed [32]byte
	blake3.DeriveKey(sealSeed[:], "seal", seed)
	blake3.DeriveKey(signSeed[:], "sign", seed)
	return AgentSecret(string(sealerFromBytes(sealSeed[:])) + "/" + string(signerFromSeed(signSeed[:]))), nil
}

func splitPair(s string) (string, string, error) {
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return "", "", fmt.Errorf("malformed agent %q", truncate(s))
	}
	return a, b, nil
}

// SealerSecret returns the sealing half.
func (a AgentSecret) SealerSecret() (SealerSecret, error) {
	s, _, err := splitPair(string(a))
	return SealerSecret(s), err
}

// SignerSecret returns the signing half.
func (a AgentSecret) SignerSecret() (SignerSecret, error) {
	_, s, err := splitPair(string(a))
	return SignerSecret(s), err
}

// ID derives the public agent ID.
func (a AgentSecret) ID() (AgentID, error) {
	seal, sign, err := splitPair(string(a))
	if err != nil {
		return "", err
	}
	sealID, err := SealerSecret(seal).ID()
	if err != nil {
		return "", err
	}
	signID, err := SignerSecret(sign).ID()
	if err != nil {
		return "", err
	}
	return AgentID(string(sealID) + "/" + string(signID)), nil
}

// SealerID returns the sealing public key.
func (id AgentID) SealerID() (SealerID, error) {
	s, _, err := splitPair(string(id))
	if err == nil && !strings.HasPrefix(s, prefixSealerID) {
		err = fmt.Errorf("malformed agent id %q", truncate(string(id)))
	}
	return SealerID(s), err
}

// SignerID returns the verifying public key.
func (id AgentID) SignerID() (SignerID, error) {
	_, s, err := splitPair(string(id))
	if err == nil && !strings.HasPrefix(s, prefixSignerID) {
		err = fmt.Errorf("malformed agent id %q", truncate(string(id)))
	}
	return SignerID(s), err
}

// IsAgentID reports whether s looks like an agent ID.
func IsAgentID(s string) bool {
	a, b, ok := strings.Cut(s, "/")
	return ok && strings.HasPrefix(a, prefixSealerID) && strings.HasPrefix(b, prefixSignerID)
}

// IsKeyID reports whether s looks like a read key ID.
func IsKeyID(s string) bool {
	return strings.HasPrefix(s, prefixKeyID)
}
