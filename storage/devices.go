package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Device is one known device row.
type Device struct {
	DeviceID         string
	Role             string
	DeviceName       string
	Ed25519PublicKey string
	X25519PublicKey  string
	FirstSeen        int64
	LastSeen         int64
}

// ErrDeviceNotFound indicates the device id has never registered.
var ErrDeviceNotFound = errors.New("storage: device not found")

// UpsertDevice inserts a device row or refreshes an existing one. The stored
// public key never changes for a known device; a key mismatch is the caller's
// error to detect beforehand.
func (s *Store) UpsertDevice(device Device) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.Role == "" {
		return errors.New("role is required")
	}
	if device.Ed25519PublicKey == "" {
		return errors.New("ed25519_public_key is required")
	}

	now := nowUnixMilli()
	if device.FirstSeen == 0 {
		device.FirstSeen = now
	}
	if device.LastSeen == 0 {
		device.LastSeen = now
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id, role, device_name, ed25519_public_key, x25519_public_key, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name       = excluded.device_name,
			x25519_public_key = excluded.x25519_public_key,
			last_seen         = excluded.last_seen`,
		device.DeviceID,
		device.Role,
		device.DeviceName,
		device.Ed25519PublicKey,
		device.X25519PublicKey,
		device.FirstSeen,
		device.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetDevice fetches one device by id.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT device_id, role, device_name, ed25519_public_key, x25519_public_key, first_seen, last_seen
		 FROM devices WHERE device_id = ?`,
		deviceID,
	)

	var device Device
	err := row.Scan(
		&device.DeviceID,
		&device.Role,
		&device.DeviceName,
		&device.Ed25519PublicKey,
		&device.X25519PublicKey,
		&device.FirstSeen,
		&device.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select device %q: %w", deviceID, err)
	}

	return &device, nil
}

// TouchDevice updates the last-seen timestamp for a known device.
func (s *Store) TouchDevice(deviceID string) error {
	_, err := s.db.Exec(
		`UPDATE devices SET last_seen = ? WHERE device_id = ?`,
		nowUnixMilli(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("touch device %q: %w", deviceID, err)
	}
	return nil
}
