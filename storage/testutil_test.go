package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})

	return store
}

func addTestDevice(t *testing.T, store *Store, deviceID, role string) {
	t.Helper()

	if err := store.UpsertDevice(Device{
		DeviceID:         deviceID,
		Role:             role,
		DeviceName:       deviceID,
		Ed25519PublicKey: "pubkey-" + deviceID,
	}); err != nil {
		t.Fatalf("upsert test device %s: %v", deviceID, err)
	}
}
