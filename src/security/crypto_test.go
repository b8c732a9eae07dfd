package security

import (
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := "bybit-api-secret-0123456789"

	encrypted, err := EncryptString(secret)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if encrypted == secret {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := DecryptString(encrypted)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if decrypted != secret {
		t.Fatalf("round trip mismatch: %q", decrypted)
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	a, err := EncryptString("same input")
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptString("same input")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("fresh nonce expected per encryption")
	}
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	if _, err := DecryptString("not-base64!!!"); err == nil {
		t.Fatal("invalid base64 must fail")
	}
	if _, err := DecryptString("c2hvcnQ="); err == nil {
		t.Fatal("payload without a nonce must fail")
	}

	encrypted, err := EncryptString("credential")
	if err != nil {
		t.Fatal(err)
	}
	// Flip one character of the base64 body.
	tampered := []byte(encrypted)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	if _, err := DecryptString(string(tampered)); err == nil {
		t.Fatal("tampered ciphertext must fail authentication")
	}
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	encrypted, err := EncryptString("credential")
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("EXCHANGE_CREDENTIALS_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if _, err := DecryptString(encrypted); err == nil {
		t.Fatal("decryption under a different key must fail")
	}
}
