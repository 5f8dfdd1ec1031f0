package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// String prefixes for encoded key material. The "z" variants carry base58,
// the "U" variants carry unpadded base64url.
const (
	prefixSignerSecret = "signerSecret_z"
	prefixSignerID     = "signer_z"
	prefixSignature    = "signature_z"
	prefixSealerSecret = "sealerSecret_z"
	prefixSealerID     = "sealer_z"
	prefixSealed       = "sealed_U"
	prefixEncrypted    = "encrypted_U"
	prefixHash         = "hash_z"
	prefixShortHash    = "shortHash_z"
	prefixKeySecret    = "keySecret_z"
	prefixKeyID        = "key_z"
)

func encodeZ(prefix string, b []byte) string {
	return prefix + base58.Encode(b)
}

func decodeZ(prefix, s string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("expected %q prefix in %q", prefix, truncate(s))
	}
	b, err := base58.Decode(strings.TrimPrefix(s, prefix))
	if err != nil {
		return nil, fmt.Errorf("decode base58: %w", err)
	}
	return b, nil
}

func encodeU(prefix string, b []byte) string {
	return prefix + base64.RawURLEncoding.EncodeToString(b)
}

func decodeU(prefix, s string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("expected %q prefix in %q", prefix, truncate(s))
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, prefix))
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	return b, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// RandomZ returns "z" followed by n random bytes in base58. Used for session
// suffixes and header uniqueness.
func RandomZ(n int) string {
	return "z" + base58.Encode(RandomBytes(n))
}

func truncate(s string) string {
	if len(s) > 24 {
		return s[:24] + "…"
	}
	return s
}
