package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"testing"
)

func generateTestX25519(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate X25519 key: %v", err)
	}
	return key
}

func TestSessionKeyDerivationMatchesAcrossPeers(t *testing.T) {
	controllerKey := generateTestX25519(t)
	targetKey := generateTestX25519(t)

	controllerShared, err := ComputeSharedSecret(controllerKey, targetKey.PublicKey())
	if err != nil {
		t.Fatalf("compute controller shared secret: %v", err)
	}
	targetShared, err := ComputeSharedSecret(targetKey, controllerKey.PublicKey())
	if err != nil {
		t.Fatalf("compute target shared secret: %v", err)
	}

	if !bytes.Equal(controllerShared, targetShared) {
		t.Fatalf("expected matching shared secrets")
	}

	controllerSession, err := DeriveSessionKey(controllerShared, "controller-device", "target-device", "482913")
	if err != nil {
		t.Fatalf("derive controller session key: %v", err)
	}
	targetSession, err := DeriveSessionKey(targetShared, "controller-device", "target-device", "482913")
	if err != nil {
		t.Fatalf("derive target session key: %v", err)
	}

	if len(controllerSession) != 32 {
		t.Fatalf("expected 32-byte session key, got %d", len(controllerSession))
	}
	if !bytes.Equal(controllerSession, targetSession) {
		t.Fatalf("expected matching session keys")
	}
}

func TestSessionKeyBindingContext(t *testing.T) {
	a := generateTestX25519(t)
	b := generateTestX25519(t)

	shared, err := ComputeSharedSecret(a, b.PublicKey())
	if err != nil {
		t.Fatalf("compute shared secret: %v", err)
	}

	base, err := DeriveSessionKey(shared, "controller-device", "target-device", "111111")
	if err != nil {
		t.Fatalf("derive base key: %v", err)
	}

	otherCode, err := DeriveSessionKey(shared, "controller-device", "target-device", "222222")
	if err != nil {
		t.Fatalf("derive key with other code: %v", err)
	}
	if bytes.Equal(base, otherCode) {
		t.Fatalf("different pairing codes must derive different session keys")
	}

	swappedRoles, err := DeriveSessionKey(shared, "target-device", "controller-device", "111111")
	if err != nil {
		t.Fatalf("derive key with swapped roles: %v", err)
	}
	if bytes.Equal(base, swappedRoles) {
		t.Fatalf("swapped role ids must derive different session keys")
	}
}

func TestDeriveSessionKeyRejectsEmptyInputs(t *testing.T) {
	if _, err := DeriveSessionKey(nil, "c", "t", "123456"); err == nil {
		t.Fatalf("expected error for empty shared secret")
	}
	if _, err := DeriveSessionKey([]byte("secret"), "", "t", "123456"); err == nil {
		t.Fatalf("expected error for empty controller id")
	}
}
