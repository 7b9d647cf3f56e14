package storage

import "testing"

func TestSavePairingRecordsBothDirections(t *testing.T) {
	store := newTestStore(t)
	addTestDevice(t, store, "controller-1", "controller")
	addTestDevice(t, store, "target-1", "target")

	if err := store.SavePairing("controller-1", "target-1", 0); err != nil {
		t.Fatalf("SavePairing failed: %v", err)
	}

	for _, deviceID := range []string{"controller-1", "target-1"} {
		pairing, err := store.GetActivePairing(deviceID)
		if err != nil {
			t.Fatalf("GetActivePairing(%s) failed: %v", deviceID, err)
		}
		if pairing == nil {
			t.Fatalf("expected active pairing for %s", deviceID)
		}
		if pairing.Status != PairingStatusActive {
			t.Fatalf("unexpected status: got %q", pairing.Status)
		}
		if pairing.EstablishedAt == 0 {
			t.Fatalf("expected established_at to be set")
		}
	}

	paired, err := store.ArePaired("controller-1", "target-1")
	if err != nil {
		t.Fatalf("ArePaired failed: %v", err)
	}
	if !paired {
		t.Fatalf("expected devices to be paired")
	}
}

func TestRePairingRevokesPriorPairing(t *testing.T) {
	store := newTestStore(t)
	addTestDevice(t, store, "controller-1", "controller")
	addTestDevice(t, store, "controller-2", "controller")
	addTestDevice(t, store, "target-1", "target")

	if err := store.SavePairing("controller-1", "target-1", 0); err != nil {
		t.Fatalf("SavePairing (first) failed: %v", err)
	}
	if err := store.SavePairing("controller-2", "target-1", 0); err != nil {
		t.Fatalf("SavePairing (second) failed: %v", err)
	}

	old, err := store.GetActivePairing("controller-1")
	if err != nil {
		t.Fatalf("GetActivePairing(controller-1) failed: %v", err)
	}
	if old != nil {
		t.Fatalf("expected first controller's pairing to be revoked, got %+v", old)
	}

	current, err := store.GetActivePairing("target-1")
	if err != nil {
		t.Fatalf("GetActivePairing(target-1) failed: %v", err)
	}
	if current == nil || current.PeerID != "controller-2" {
		t.Fatalf("expected target paired with controller-2, got %+v", current)
	}
}

func TestRevokePairingIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	addTestDevice(t, store, "controller-1", "controller")
	addTestDevice(t, store, "target-1", "target")

	if err := store.SavePairing("controller-1", "target-1", 0); err != nil {
		t.Fatalf("SavePairing failed: %v", err)
	}

	if err := store.RevokePairing("controller-1", "target-1"); err != nil {
		t.Fatalf("RevokePairing (first) failed: %v", err)
	}
	if err := store.RevokePairing("controller-1", "target-1"); err != nil {
		t.Fatalf("RevokePairing (second) failed: %v", err)
	}
	if err := store.RevokePairing("never", "paired"); err != nil {
		t.Fatalf("RevokePairing (unknown pair) failed: %v", err)
	}

	pairing, err := store.GetActivePairing("controller-1")
	if err != nil {
		t.Fatalf("GetActivePairing failed: %v", err)
	}
	if pairing != nil {
		t.Fatalf("expected no active pairing after revoke, got %+v", pairing)
	}

	paired, err := store.ArePaired("controller-1", "target-1")
	if err != nil {
		t.Fatalf("ArePaired failed: %v", err)
	}
	if paired {
		t.Fatalf("expected devices to be unpaired")
	}
}

func TestPairingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := dir + "/relay.db"

	store, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	addTestDevice(t, store, "controller-1", "controller")
	addTestDevice(t, store, "target-1", "target")
	if err := store.SavePairing("controller-1", "target-1", 0); err != nil {
		t.Fatalf("SavePairing failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()

	pairing, err := reopened.GetActivePairing("target-1")
	if err != nil {
		t.Fatalf("GetActivePairing after reopen failed: %v", err)
	}
	if pairing == nil || pairing.PeerID != "controller-1" {
		t.Fatalf("expected pairing to survive restart, got %+v", pairing)
	}
}
