package utils

import (
	"strings"
	"testing"

	"github.com/place-to-stand/place-to-stand-portal-sub005/config"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"

	plaintexts := []string{
		"ya29.a0AfH6SMBx",
		"short",
		strings.Repeat("long-token-", 100),
	}
	for _, plaintext := range plaintexts {
		encrypted, err := Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if encrypted == plaintext {
			t.Error("ciphertext equals plaintext")
		}

		decrypted, err := Decrypt(encrypted)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("round trip mismatch: got %q", decrypted)
		}
	}
}

func TestEncryptEmptyPassthrough(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"

	encrypted, err := Encrypt("")
	if err != nil || encrypted != "" {
		t.Errorf("Encrypt(\"\") = %q, %v; want empty, nil", encrypted, err)
	}
	decrypted, err := Decrypt("")
	if err != nil || decrypted != "" {
		t.Errorf("Decrypt(\"\") = %q, %v; want empty, nil", decrypted, err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"

	encrypted, err := Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	tampered := []byte(encrypted)
	tampered[len(tampered)-1] ^= 1
	if _, err := Decrypt(string(tampered)); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"
	encrypted, err := Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	config.AppConfig.EncryptionKey = "fedcba9876543210"
	if _, err := Decrypt(encrypted); err == nil {
		t.Error("expected error when decrypting with a different key")
	}
}
