package security

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKeyHex)
	require.NoError(t, err)
	return c
}

func TestNewCodecKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"empty key", "", "not set"},
		{"not hex", strings.Repeat("zz", 32), "not valid hex"},
		{"too short", "deadbeef", "32 bytes"},
		{"too long", strings.Repeat("ab", 48), "32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCodec(tt.key)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	c, err := NewCodec(testKeyHex)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	for _, plaintext := range []string{
		"hey, is the room still available?",
		"",
		"unicode: héllo 世界 🏠",
	} {
		stored, err := c.Encrypt(plaintext)
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(stored), &env))
		assert.NotEmpty(t, env.EncryptedContent)
		assert.NotEmpty(t, env.IV)
		assert.NotContains(t, stored, plaintext)

		got, err := c.Decrypt(stored)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := newTestCodec(t)

	a, err := c.Encrypt("same message")
	require.NoError(t, err)
	b, err := c.Encrypt("same message")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "repeated encryption must not reuse a nonce")
}

func TestDecryptFailures(t *testing.T) {
	c := newTestCodec(t)

	t.Run("plaintext input", func(t *testing.T) {
		_, err := c.Decrypt("just plaintext")
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		stored, err := c.Encrypt("original")
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(stored), &env))
		env.EncryptedContent = "AAAA" + env.EncryptedContent[4:]
		raw, _ := json.Marshal(env)

		_, err = c.Decrypt(string(raw))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewCodec(strings.Repeat("ff", 32))
		require.NoError(t, err)
		stored, err := other.Encrypt("secret")
		require.NoError(t, err)

		_, err = c.Decrypt(stored)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("bad nonce length", func(t *testing.T) {
		raw, _ := json.Marshal(Envelope{EncryptedContent: "YWJj", IV: "YWI="})
		_, err := c.Decrypt(string(raw))
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestSafeDecrypt(t *testing.T) {
	c := newTestCodec(t)

	t.Run("passes plaintext through", func(t *testing.T) {
		assert.Equal(t, "legacy plaintext row", c.SafeDecrypt("legacy plaintext row"))
		assert.Equal(t, `{"unrelated":"json"}`, c.SafeDecrypt(`{"unrelated":"json"}`))
	})

	t.Run("decrypts envelopes", func(t *testing.T) {
		stored, err := c.Encrypt("hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", c.SafeDecrypt(stored))
	})

	t.Run("idempotent", func(t *testing.T) {
		stored, err := c.Encrypt("hello")
		require.NoError(t, err)
		once := c.SafeDecrypt(stored)
		assert.Equal(t, once, c.SafeDecrypt(once))
	})

	t.Run("undecryptable envelope returns stored form", func(t *testing.T) {
		other, err := NewCodec(strings.Repeat("ee", 32))
		require.NoError(t, err)
		stored, err := other.Encrypt("secret")
		require.NoError(t, err)

		assert.Equal(t, stored, c.SafeDecrypt(stored))
	})
}

func TestOpen(t *testing.T) {
	c := newTestCodec(t)

	t.Run("passes plaintext through", func(t *testing.T) {
		got, err := c.Open("legacy plaintext row")
		require.NoError(t, err)
		assert.Equal(t, "legacy plaintext row", got)
	})

	t.Run("decrypts envelopes", func(t *testing.T) {
		stored, err := c.Encrypt("hello")
		require.NoError(t, err)
		got, err := c.Open(stored)
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("undecryptable envelope is an error", func(t *testing.T) {
		other, err := NewCodec(strings.Repeat("dd", 32))
		require.NoError(t, err)
		stored, err := other.Encrypt("secret")
		require.NoError(t, err)

		_, err = c.Open(stored)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestIsEnvelope(t *testing.T) {
	c := newTestCodec(t)
	stored, err := c.Encrypt("x")
	require.NoError(t, err)

	assert.True(t, IsEnvelope(stored))
	assert.False(t, IsEnvelope("plain"))
	assert.False(t, IsEnvelope(`{"encryptedContent":"abc"}`))
	assert.False(t, IsEnvelope(`{"iv":"abc"}`))
	assert.False(t, IsEnvelope(""))
}
