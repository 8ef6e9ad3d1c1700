// Package security encrypts payment card data before it is stored.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize = 12
	keySize   = 32
	hkdfInfo  = "payment-details-v1"
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Cipher is the encryption gateway used for card number and CVV fields.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESGCM encrypts with AES-256-GCM and a random 12-byte nonce per value.
// Ciphertext is "<keyID>:<base64(nonce||sealed)>".
type AESGCM struct {
	keyID string
	aead  cipher.AEAD
	rand  io.Reader
}

// NewAESGCM derives the data key from secret with HKDF-SHA256.
func NewAESGCM(secret, keyID string) (*AESGCM, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is required")
	}
	if keyID == "" || strings.Contains(keyID, ":") {
		return nil, fmt.Errorf("invalid key id %q", keyID)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(keyID), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &AESGCM{keyID: keyID, aead: aead, rand: rand.Reader}, nil
}

func (c *AESGCM) KeyID() string { return c.keyID }

func (c *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(c.keyID))
	return c.keyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESGCM) Decrypt(ciphertext string) (string, error) {
	keyID, encoded, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", ErrMalformedCiphertext
	}
	if keyID != c.keyID {
		return "", fmt.Errorf("ciphertext key %q does not match %q", keyID, c.keyID)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", ErrMalformedCiphertext
	}

	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(c.keyID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}
