package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptString seals a plaintext credential with the configured 32-byte
// key. Output is base64(nonce || ciphertext), suitable for an .env file.
func EncryptString(plaintext string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString. A wrong key or tampered payload
// fails authentication and returns an error, never garbage plaintext.
func DecryptString(encrypted string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("credential is not valid base64: %w", err)
	}
	if len(raw) < 24 {
		return "", fmt.Errorf("credential too short to carry a nonce")
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return "", fmt.Errorf("credential decryption failed: wrong key or corrupted payload")
	}
	return string(plaintext), nil
}

func loadKey() (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(GetConfig().ExchangeCRKey)
	if err != nil {
		return nil, fmt.Errorf("EXCHANGE_CREDENTIALS_KEY is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("EXCHANGE_CREDENTIALS_KEY must decode to 32 bytes, got %d", len(raw))
	}

	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
