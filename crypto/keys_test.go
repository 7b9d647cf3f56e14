package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureIdentityKeysStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	edPath := filepath.Join(dir, "device_ed25519.pem")
	xPath := filepath.Join(dir, "device_x25519.pem")

	first, err := EnsureIdentityKeys("device-1", edPath, xPath)
	if err != nil {
		t.Fatalf("EnsureIdentityKeys (first run) failed: %v", err)
	}
	second, err := EnsureIdentityKeys("device-1", edPath, xPath)
	if err != nil {
		t.Fatalf("EnsureIdentityKeys (second run) failed: %v", err)
	}

	if !bytes.Equal(first.Ed25519PrivateKey, second.Ed25519PrivateKey) {
		t.Fatalf("Ed25519 key changed across runs")
	}
	if !bytes.Equal(first.X25519PrivateKey.Bytes(), second.X25519PrivateKey.Bytes()) {
		t.Fatalf("X25519 key changed across runs")
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("fingerprint changed across runs")
	}
}

func TestSignVerify(t *testing.T) {
	dir := t.TempDir()
	identity, err := EnsureIdentityKeys("device-1",
		filepath.Join(dir, "ed.pem"), filepath.Join(dir, "x.pem"))
	if err != nil {
		t.Fatalf("EnsureIdentityKeys failed: %v", err)
	}

	data := []byte("register:device-1")
	signature, err := Sign(identity.Ed25519PrivateKey, data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !Verify(identity.Ed25519PublicKey, data, signature) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(identity.Ed25519PublicKey, []byte("other"), signature) {
		t.Fatalf("expected verification failure for different data")
	}
}

func TestGeneratePairingCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GeneratePairingCode()
		if err != nil {
			t.Fatalf("GeneratePairingCode failed: %v", err)
		}
		if !ValidPairingCode(code) {
			t.Fatalf("generated code %q is not a valid 6-digit code", code)
		}
		seen[code] = true
	}
	// 50 draws from a million-code space colliding down to 1 distinct value
	// would mean broken randomness.
	if len(seen) < 2 {
		t.Fatalf("expected varied pairing codes, got %d distinct", len(seen))
	}

	for _, bad := range []string{"", "12345", "1234567", "12a456"} {
		if ValidPairingCode(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}
