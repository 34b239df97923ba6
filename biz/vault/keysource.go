package bizvault

import (
	"fmt"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"github.com/zalando/go-keyring"
)

const (
	KeySourceEnv     = "env"
	KeySourceKeyring = "keyring"

	KeyringService = "toolbroker"
	KeyringUser    = "vault-key"
)

// LoadKey resolves the base64 vault key from the configured source. envValue is the value of
// VAULT_KEY and is only consulted for the env source.
func LoadKey(source string, envValue string) (string, error) {
	switch source {
	case "", KeySourceEnv:
		if envValue == "" {
			return "", fmt.Errorf("VAULT_KEY is not set")
		}
		return envValue, nil
	case KeySourceKeyring:
		key, err := keyring.Get(KeyringService, KeyringUser)
		if err != nil {
			return "", fmt.Errorf("failed to read vault key from system keyring: %w", err)
		}
		logger.Info("Vault key loaded from system keyring")
		return key, nil
	default:
		return "", fmt.Errorf("unknown vault key source: %s", source)
	}
}

func StoreKeyInKeyring(key string) error {
	if _, err := NewFromBase64(key); err != nil {
		return err
	}
	return keyring.Set(KeyringService, KeyringUser, key)
}
