package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
)

// Identity bundles the persistent key material of one device installation.
//
// The device id is generated once by the config layer; the keypairs are
// generated once by EnsureIdentityKeys. None of these values change for the
// lifetime of the installation short of an explicit user reset.
type Identity struct {
	DeviceID          string
	Ed25519PrivateKey ed25519.PrivateKey
	Ed25519PublicKey  ed25519.PublicKey
	X25519PrivateKey  *ecdh.PrivateKey
}

// EnsureIdentityKeys loads both device keypairs, generating them on first run.
func EnsureIdentityKeys(deviceID, ed25519Path, x25519Path string) (Identity, error) {
	signingKey, err := EnsureEd25519PrivateKey(ed25519Path)
	if err != nil {
		return Identity{}, err
	}

	agreementKey, err := EnsureX25519PrivateKey(x25519Path)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		DeviceID:          deviceID,
		Ed25519PrivateKey: signingKey,
		Ed25519PublicKey:  signingKey.Public().(ed25519.PublicKey),
		X25519PrivateKey:  agreementKey,
	}, nil
}

// X25519PublicKey returns the device's static key-agreement public key.
func (id Identity) X25519PublicKey() *ecdh.PublicKey {
	return id.X25519PrivateKey.PublicKey()
}

// Fingerprint returns the device's signing key fingerprint.
func (id Identity) Fingerprint() string {
	return KeyFingerprint(id.Ed25519PublicKey)
}
