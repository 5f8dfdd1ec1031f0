package crypto

import (
	"encoding/json"
	"fmt"
	"os"
)

type agentFile struct {
	Salt   []byte      `json:"salt,omitempty"`
	Secret AgentSecret `json:"secret,omitempty"`
}

// LoadOrGenerateAgent loads an agent from path, or creates one and saves it
// if the file doesn't exist. With a non-empty passphrase only the salt is
// stored and the agent is re-derived from passphrase+salt on every load.
func LoadOrGenerateAgent(path, passphrase string) (AgentSecret, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f agentFile
		if err := json.Unmarshal(data, &f); err != nil {
			return "", fmt.Errorf("invalid agent file: %w", err)
		}
		if passphrase != "" {
			if len(f.Salt) != saltLen {
				return "", fmt.Errorf("invalid agent file: expected %d byte salt, got %d", saltLen, len(f.Salt))
			}
			return AgentSecretFromSeed(SeedFromPassphrase(passphrase, f.Salt))
		}
		if _, err := f.Secret.ID(); err != nil {
			return "", fmt.Errorf("invalid agent file: %w", err)
		}
		return f.Secret, nil
	}

	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read agent file: %w", err)
	}

	var f agentFile
	var secret AgentSecret
	if passphrase != "" {
		f.Salt = GenerateSalt()
		secret, err = AgentSecretFromSeed(SeedFromPassphrase(passphrase, f.Salt))
		if err != nil {
			return "", err
		}
	} else {
		secret = NewAgentSecret()
		f.Secret = secret
	}

	data, err = json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode agent file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write agent file: %w", err)
	}
	return secret, nil
}
