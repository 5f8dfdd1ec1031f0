package crypto

import (
	"lukechampine.com/blake3"
)

type (
	Hash      string
	ShortHash string
)

const shortHashLen = 19

// SecureHash returns the blake3 hash of the stable JSON form of v.
func SecureHash(v any) (Hash, error) {
	raw, err := StableJSON(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return Hash(encodeZ(prefixHash, sum[:])), nil
}

// ShortHashOf is SecureHash truncated to 19 bytes; CoIDs are built from it.
func ShortHashOf(v any) (ShortHash, error) {
	raw, err := StableJSON(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return ShortHash(encodeZ(prefixShortHash, sum[:shortHashLen])), nil
}

// ShortHashBytes returns the raw truncated digest for callers that apply
// their own prefix.
func ShortHashBytes(v any) ([]byte, error) {
	raw, err := StableJSON(v)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(raw)
	return sum[:shortHashLen], nil
}

// ChainHash is the rolling hash of one session log. The zero value is the
// empty chain.
type ChainHash struct {
	sum []byte
}

// Append returns the chain advanced by tx: blake3(prev || stableJSON(tx)).
func (c ChainHash) Append(tx any) (ChainHash, error) {
	raw, err := StableJSON(tx)
	if err != nil {
		return ChainHash{}, err
	}
	h := blake3.New(32, nil)
	h.Write(c.sum)
	h.Write(raw)
	return ChainHash{sum: h.Sum(nil)}, nil
}

// String encodes the chain head as hash_z…; this is what gets signed.
func (c ChainHash) String() string {
	return encodeZ(prefixHash, c.sum)
}

// Hash returns the chain head as a Hash.
func (c ChainHash) Hash() Hash {
	return Hash(c.String())
}

// IsZero reports whether no transaction has been appended.
func (c ChainHash) IsZero() bool {
	return len(c.sum) == 0
}
