package crypto

import (
	"encoding/hex"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	// Fixed 32-byte key for deterministic tests.
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestRoundtrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	original := `pay_1MqLiJ2eZvKYlo2C`
	encrypted, err := c.Encrypt(original)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !strings.HasPrefix(encrypted, "enc:v1:") {
		t.Fatalf("encrypted value should carry the version tag, got %q", encrypted)
	}
	if strings.Contains(encrypted, original) {
		t.Fatal("encrypted value should not contain the plaintext")
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != original {
		t.Errorf("roundtrip failed: got %q, want %q", decrypted, original)
	}
}

func TestDifferentCiphertexts(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plaintext := "pay_same_input"
	enc1, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	enc2, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}

	if enc1 == enc2 {
		t.Error("two encryptions of the same plaintext should produce different ciphertexts (random nonce)")
	}

	// Both should decrypt to the same value.
	dec1, _ := c.Decrypt(enc1)
	dec2, _ := c.Decrypt(enc2)
	if dec1 != dec2 {
		t.Error("both ciphertexts should decrypt to the same plaintext")
	}
}

func TestUntaggedValuePassesThrough(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	// Values stored before encryption was enabled have no tag and must
	// come back unchanged.
	legacy := "pay_stored_in_the_clear"
	got, err := c.Decrypt(legacy)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != legacy {
		t.Errorf("untagged value should pass through, got %q", got)
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *Cipher

	text := "pay_plaintext_ref"
	encrypted, err := c.Encrypt(text)
	if err != nil {
		t.Fatalf("nil Encrypt: %v", err)
	}
	if encrypted != text {
		t.Errorf("nil Encrypt should return plaintext unchanged, got %q", encrypted)
	}

	decrypted, err := c.Decrypt(text)
	if err != nil {
		t.Fatalf("nil Decrypt: %v", err)
	}
	if decrypted != text {
		t.Errorf("nil Decrypt should return value unchanged, got %q", decrypted)
	}
}

func TestEmptyKeyReturnsNil(t *testing.T) {
	c, err := NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher with empty key: %v", err)
	}
	if c != nil {
		t.Error("NewCipher with empty key should return nil")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	// 16-byte key (too short for AES-256).
	short := hex.EncodeToString([]byte("0123456789abcdef"))
	_, err := NewCipher(short)
	if err == nil {
		t.Error("expected error for 16-byte key")
	}
	if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("error should mention 32 bytes, got: %v", err)
	}

	// Invalid hex.
	_, err = NewCipher("not-hex")
	if err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestDecryptInvalidData(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	// Tagged but not base64.
	if _, err := c.Decrypt("enc:v1:!!!not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}

	// Tagged, valid base64, but shorter than a nonce.
	if _, err := c.Decrypt("enc:v1:YQ"); err == nil {
		t.Error("expected error for too-short ciphertext")
	}

	// Tamper with the payload past the tag.
	encrypted, _ := c.Encrypt("hello")
	tampered := []byte(encrypted)
	i := len(tampered) - 2
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}
	if _, err := c.Decrypt(string(tampered)); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}
