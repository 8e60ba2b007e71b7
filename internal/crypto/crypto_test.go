package crypto

import (
	"testing"
)

// TestEncryptDecrypt verifies a round-trip with the same key.
func TestEncryptDecrypt(t *testing.T) {
	key := []byte("test-key")
	plaintext := []byte("secret token value")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	if ciphertext == string(plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

// TestDecrypt_wrongKey fails authentication.
func TestDecrypt_wrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("secret"), []byte("key-a"))
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	if _, err := Decrypt(ciphertext, []byte("key-b")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt() with wrong key = %v, want ErrInvalidCiphertext", err)
	}
}

// TestDecrypt_garbage rejects malformed input.
func TestDecrypt_garbage(t *testing.T) {
	if _, err := Decrypt("not-base64!!!", []byte("key")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(garbage) = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := Decrypt("dG9vc2hvcnQ=", []byte("key")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(short) = %v, want ErrInvalidCiphertext", err)
	}
}

// TestEncryptString_emptyKey is rejected.
func TestEncryptString_emptyKey(t *testing.T) {
	if _, err := EncryptString("secret", ""); err != ErrInvalidKey {
		t.Errorf("EncryptString(empty key) = %v, want ErrInvalidKey", err)
	}
}

// TestNonceUniqueness verifies two encryptions of the same plaintext differ.
func TestNonceUniqueness(t *testing.T) {
	key := []byte("key")
	a, err := Encrypt([]byte("same"), key)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	b, err := Encrypt([]byte("same"), key)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	if a == b {
		t.Error("two encryptions should use distinct nonces")
	}
}

// TestTokenRoundTrip covers the machine-key convenience path.
func TestTokenRoundTrip(t *testing.T) {
	encrypted, err := EncryptToken("bearer-abc123", "machine-1")
	if err != nil {
		t.Fatalf("EncryptToken() failed: %v", err)
	}

	token, err := DecryptToken(encrypted, "machine-1")
	if err != nil {
		t.Fatalf("DecryptToken() failed: %v", err)
	}
	if token != "bearer-abc123" {
		t.Errorf("DecryptToken() = %q", token)
	}

	// A different machine id must not decrypt.
	if _, err := DecryptToken(encrypted, "machine-2"); err == nil {
		t.Error("DecryptToken() with wrong machine id should fail")
	}
}

// TestDecryptToken_empty means no token was stored.
func TestDecryptToken_empty(t *testing.T) {
	token, err := DecryptToken("", "machine-1")
	if err != nil {
		t.Fatalf("DecryptToken(\"\") failed: %v", err)
	}
	if token != "" {
		t.Errorf("DecryptToken(\"\") = %q, want empty", token)
	}
}
