package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Pairing status values mirrored on both direction rows.
const (
	PairingStatusActive  = "active"
	PairingStatusRevoked = "revoked"
)

// Pairing is the relay's abbreviated record of one paired device pair, seen
// from one device's side. The symmetric session key never appears here.
type Pairing struct {
	DeviceID      string
	PeerID        string
	Status        string
	EstablishedAt int64
}

// SavePairing records a newly established pairing as one row per direction.
// Any prior active pairing involving either device is revoked first, so a
// device participates in at most one active pairing per peer role.
func (s *Store) SavePairing(controllerID, targetID string, establishedAt int64) error {
	if controllerID == "" || targetID == "" {
		return errors.New("controller and target device ids are required")
	}
	if establishedAt == 0 {
		establishedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin pairing transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Re-pairing overwrites: both devices shed any other active pairing.
	if _, err := tx.Exec(
		`UPDATE pairings SET status = ? WHERE status = ? AND (device_id IN (?, ?) OR peer_id IN (?, ?))`,
		PairingStatusRevoked, PairingStatusActive,
		controllerID, targetID, controllerID, targetID,
	); err != nil {
		return fmt.Errorf("revoke prior pairings: %w", err)
	}

	for _, direction := range [][2]string{{controllerID, targetID}, {targetID, controllerID}} {
		if _, err := tx.Exec(
			`INSERT INTO pairings (device_id, peer_id, status, established_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(device_id, peer_id) DO UPDATE SET
				status         = excluded.status,
				established_at = excluded.established_at`,
			direction[0], direction[1], PairingStatusActive, establishedAt,
		); err != nil {
			return fmt.Errorf("insert pairing row %s -> %s: %w", direction[0], direction[1], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pairing transaction: %w", err)
	}

	return nil
}

// GetActivePairing returns the active pairing for a device, if any.
func (s *Store) GetActivePairing(deviceID string) (*Pairing, error) {
	row := s.db.QueryRow(
		`SELECT device_id, peer_id, status, established_at
		 FROM pairings WHERE device_id = ? AND status = ?`,
		deviceID, PairingStatusActive,
	)

	var pairing Pairing
	err := row.Scan(&pairing.DeviceID, &pairing.PeerID, &pairing.Status, &pairing.EstablishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select active pairing for %q: %w", deviceID, err)
	}

	return &pairing, nil
}

// RevokePairing marks both direction rows revoked. Revoking an unknown or
// already-revoked pairing is a no-op, which keeps unpair idempotent.
func (s *Store) RevokePairing(deviceID, peerID string) error {
	if deviceID == "" || peerID == "" {
		return errors.New("device and peer ids are required")
	}

	_, err := s.db.Exec(
		`UPDATE pairings SET status = ?
		 WHERE (device_id = ? AND peer_id = ?) OR (device_id = ? AND peer_id = ?)`,
		PairingStatusRevoked,
		deviceID, peerID, peerID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("revoke pairing %s <-> %s: %w", deviceID, peerID, err)
	}

	return nil
}

// ArePaired reports whether two devices currently hold an active pairing with
// each other.
func (s *Store) ArePaired(deviceID, peerID string) (bool, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*) FROM pairings
		 WHERE device_id = ? AND peer_id = ? AND status = ?`,
		deviceID, peerID, PairingStatusActive,
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("check pairing %s <-> %s: %w", deviceID, peerID, err)
	}

	return count > 0, nil
}
