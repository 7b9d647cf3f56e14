package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

// ComputeSharedSecret performs X25519 between the local private key and the
// peer's public key.
func ComputeSharedSecret(localPrivateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if localPrivateKey == nil {
		return nil, errors.New("local private key is required")
	}
	if peerPublicKey == nil {
		return nil, errors.New("peer public key is required")
	}

	sharedSecret, err := localPrivateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	return sharedSecret, nil
}

// DeriveSessionKey derives the per-pairing symmetric key from the X25519
// shared secret via HKDF-SHA256.
//
// The binding context covers both device ids in their pairing roles plus the
// pairing code that identified the handshake. The code contributes no key
// entropy; all entropy comes from the asymmetric exchange. Both endpoints
// derive the same key because the context is ordered controller-then-target,
// not local-then-remote.
func DeriveSessionKey(sharedSecret []byte, controllerID, targetID, pairingCode string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if controllerID == "" || targetID == "" {
		return nil, errors.New("controller and target device ids are required")
	}

	info := fmt.Sprintf("pairlink/session/v1|%s|%s|%s", controllerID, targetID, pairingCode)
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(info))

	sessionKey := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, sessionKey); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return sessionKey, nil
}
