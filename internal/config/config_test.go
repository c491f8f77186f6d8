package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const validKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func validConfig() Config {
	return Config{
		Port:          "8460",
		JWTSecret:     "test-secret",
		EncryptionKey: validKey,
		Env:           "development",
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid development config", func(t *testing.T) {
		cfg := validConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Port = ""
		assert.ErrorContains(t, cfg.Validate(), "PORT")
	})

	t.Run("missing jwt secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.JWTSecret = ""
		assert.ErrorContains(t, cfg.Validate(), "JWT_SECRET")
	})

	t.Run("encryption key required", func(t *testing.T) {
		cfg := validConfig()
		cfg.EncryptionKey = ""
		assert.ErrorContains(t, cfg.Validate(), "ENCRYPTION_KEY")
	})

	t.Run("encryption key must be 64 hex chars", func(t *testing.T) {
		for _, key := range []string{
			"deadbeef",
			strings.Repeat("z", 64),
			strings.Repeat("ab", 48),
		} {
			cfg := validConfig()
			cfg.EncryptionKey = key
			assert.ErrorContains(t, cfg.Validate(), "64 hex characters", "key %q", key)
		}
	})

	t.Run("production rejects default jwt secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.Env = "production"
		cfg.JWTSecret = "your-secret-key-change-in-production"
		cfg.DBPassword = "something-strong"
		assert.ErrorContains(t, cfg.Validate(), "default value")
	})

	t.Run("production rejects short jwt secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.Env = "production"
		cfg.JWTSecret = "short"
		cfg.DBPassword = "something-strong"
		assert.ErrorContains(t, cfg.Validate(), "32 characters")
	})

	t.Run("production rejects weak db password", func(t *testing.T) {
		cfg := validConfig()
		cfg.Env = "production"
		cfg.JWTSecret = strings.Repeat("s", 40)
		cfg.DBPassword = "password"
		assert.ErrorContains(t, cfg.Validate(), "DB_PASSWORD")
	})
}
