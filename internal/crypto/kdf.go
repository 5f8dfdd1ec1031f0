package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

// DeriveKey stretches a passphrase into a 32-byte key with Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// GenerateSalt returns a fresh random salt for DeriveKey.
func GenerateSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}

// SeedFromPassphrase derives a deterministic agent seed from a passphrase.
// The same passphrase and salt always yield the same agent.
func SeedFromPassphrase(passphrase string, salt []byte) []byte {
	return DeriveKey(passphrase, salt)
}
