package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// keyLen is the AES-256 key size in bytes.
const keyLen = 32

// prefix tags encrypted values so they are distinguishable from plaintext
// stored before encryption was configured.
const prefix = "enc:v1:"

// Cipher encrypts sensitive values with AES-256-GCM before they land in
// transaction metadata, such as payment references. A nil *Cipher is valid
// and passes values through unchanged.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key. An empty key
// returns a nil Cipher: encryption disabled.
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a random nonce and returns a tagged,
// base64-encoded value.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the encryption tag come back
// as-is: they were stored before encryption was enabled.
func (c *Cipher) Decrypt(value string) (string, error) {
	if c == nil {
		return value, nil
	}

	raw, ok := strings.CutPrefix(value, prefix)
	if !ok {
		return value, nil
	}

	data, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(data) < c.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than its nonce")
	}

	nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plaintext), nil
}
