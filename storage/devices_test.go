package storage

import (
	"errors"
	"testing"
)

func TestDeviceUpsertAndGet(t *testing.T) {
	store := newTestStore(t)

	device := Device{
		DeviceID:         "target-1",
		Role:             "target",
		DeviceName:       "Laptop",
		Ed25519PublicKey: "base64-ed25519-pubkey",
		X25519PublicKey:  "base64-x25519-pubkey",
	}
	if err := store.UpsertDevice(device); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}

	got, err := store.GetDevice("target-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.Role != "target" {
		t.Fatalf("unexpected role: got %q want %q", got.Role, "target")
	}
	if got.DeviceName != "Laptop" {
		t.Fatalf("unexpected device name: got %q", got.DeviceName)
	}
	if got.FirstSeen == 0 || got.LastSeen == 0 {
		t.Fatalf("expected first_seen and last_seen to be set")
	}

	// Re-registration keeps the original public key and first_seen.
	device.DeviceName = "Laptop (renamed)"
	device.Ed25519PublicKey = "different-key"
	if err := store.UpsertDevice(device); err != nil {
		t.Fatalf("UpsertDevice (second) failed: %v", err)
	}

	again, err := store.GetDevice("target-1")
	if err != nil {
		t.Fatalf("GetDevice (second) failed: %v", err)
	}
	if again.DeviceName != "Laptop (renamed)" {
		t.Fatalf("expected device name refresh, got %q", again.DeviceName)
	}
	if again.Ed25519PublicKey != "base64-ed25519-pubkey" {
		t.Fatalf("stored public key must not change on upsert, got %q", again.Ed25519PublicKey)
	}
	if again.FirstSeen != got.FirstSeen {
		t.Fatalf("first_seen must not change on upsert")
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetDevice("missing")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestUpsertDeviceValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertDevice(Device{Role: "target", Ed25519PublicKey: "k"}); err == nil {
		t.Fatalf("expected error for missing device_id")
	}
	if err := store.UpsertDevice(Device{DeviceID: "d", Ed25519PublicKey: "k"}); err == nil {
		t.Fatalf("expected error for missing role")
	}
}
