// Package security implements encryption at rest for message content.
//
// Messages are stored as a JSON envelope carrying a base64 AES-256-GCM
// ciphertext and its nonce. Plaintext rows written before encryption was
// enabled pass through SafeDecrypt unchanged.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when a well-formed envelope cannot be decrypted,
// typically because the ciphertext was corrupted or a different key was used.
var ErrDecrypt = errors.New("message decryption failed")

// Envelope is the stored form of an encrypted message.
type Envelope struct {
	EncryptedContent string `json:"encryptedContent"`
	IV               string `json:"iv"`
}

// Codec encrypts and decrypts message content with AES-256-GCM.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a Codec from a hex-encoded 32-byte key. A missing or
// malformed key is a configuration error; callers must treat it as fatal
// rather than fall back to storing plaintext.
func NewCodec(hexKey string) (*Codec, error) {
	if hexKey == "" {
		return nil, errors.New("encryption key not set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// serialized envelope. Two calls with the same plaintext produce different
// envelopes.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	env := Envelope{
		EncryptedContent: base64.StdEncoding.EncodeToString(ct),
		IV:               base64.StdEncoding.EncodeToString(nonce),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt opens a serialized envelope. Corrupt ciphertext, a truncated nonce
// or a wrong key all surface as ErrDecrypt; the error never carries key or
// nonce material.
func (c *Codec) Decrypt(stored string) (string, error) {
	env, ok := parseEnvelope(stored)
	if !ok {
		return "", fmt.Errorf("%w: not an encryption envelope", ErrDecrypt)
	}
	ct, err := base64.StdEncoding.DecodeString(env.EncryptedContent)
	if err != nil {
		return "", ErrDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", ErrDecrypt
	}
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}

// Open returns stored content ready for serving: envelope content is
// decrypted, legacy plaintext passes through unchanged. Unlike SafeDecrypt, a
// decryption failure on a well-formed envelope is reported instead of being
// masked by the stored form.
func (c *Codec) Open(stored string) (string, error) {
	if !IsEnvelope(stored) {
		return stored, nil
	}
	return c.Decrypt(stored)
}

// SafeDecrypt decrypts stored content when it is envelope-shaped and returns
// it unchanged otherwise, so legacy plaintext rows render as-is. A decryption
// failure on a real envelope also returns the stored form; callers that need
// to distinguish failure use Decrypt directly.
func (c *Codec) SafeDecrypt(stored string) string {
	if !IsEnvelope(stored) {
		return stored
	}
	pt, err := c.Decrypt(stored)
	if err != nil {
		return stored
	}
	return pt
}

// IsEnvelope reports whether stored content parses as an encryption envelope
// with both fields present.
func IsEnvelope(stored string) bool {
	_, ok := parseEnvelope(stored)
	return ok
}

func parseEnvelope(stored string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return Envelope{}, false
	}
	if env.EncryptedContent == "" || env.IV == "" {
		return Envelope{}, false
	}
	return env, true
}
