package crypto

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func testSessionKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testSessionKey(t)
	plaintext := []byte(`{"command":"lock"}`)

	payload, err := SealPayload(key, plaintext)
	if err != nil {
		t.Fatalf("SealPayload failed: %v", err)
	}
	if strings.Contains(payload, "lock") {
		t.Fatalf("payload leaks plaintext")
	}

	got, err := OpenPayload(key, payload)
	if err != nil {
		t.Fatalf("OpenPayload failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenPayloadRejectsWrongKey(t *testing.T) {
	payload, err := SealPayload(testSessionKey(t), []byte("secret"))
	if err != nil {
		t.Fatalf("SealPayload failed: %v", err)
	}

	if _, err := OpenPayload(testSessionKey(t), payload); err == nil {
		t.Fatalf("expected decryption failure with wrong key")
	}
}

func TestOpenPayloadRejectsTamper(t *testing.T) {
	key := testSessionKey(t)
	payload, err := SealPayload(key, []byte("secret"))
	if err != nil {
		t.Fatalf("SealPayload failed: %v", err)
	}

	tampered := []byte(payload)
	tampered[len(tampered)-5] ^= '!'
	if _, err := OpenPayload(key, string(tampered)); err == nil {
		t.Fatalf("expected decryption failure for tampered payload")
	}
}

func TestSealPayloadRejectsShortKey(t *testing.T) {
	if _, err := SealPayload([]byte("short"), []byte("x")); err == nil {
		t.Fatalf("expected error for invalid key length")
	}
}
