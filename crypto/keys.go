package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	x25519PrivatePEMType  = "X25519 PRIVATE KEY"
)

var x25519Curve = ecdh.X25519()

// EnsureEd25519PrivateKey loads the device signing key from disk, generating
// it on first run.
func EnsureEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	privateKey, err := loadPEMKey(path, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		return ed25519.PrivateKey(privateKey), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	_, generated, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := savePEMKey(path, ed25519PrivatePEMType, generated); err != nil {
		return nil, err
	}

	return generated, nil
}

// EnsureX25519PrivateKey loads the device key-agreement key from disk,
// generating it on first run.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := loadPEMKey(path, x25519PrivatePEMType, 32)
	if err == nil {
		privateKey, parseErr := x25519Curve.NewPrivateKey(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("parse X25519 private key: %w", parseErr)
		}
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	if err := savePEMKey(path, x25519PrivatePEMType, privateKey.Bytes()); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// ParseX25519PublicKey validates raw public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// Sign signs data with the device's Ed25519 signing key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

func loadPEMKey(path, pemType string, wantSize int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", pemType)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", pemType, block.Type)
	}
	if len(block.Bytes) != wantSize {
		return nil, fmt.Errorf("decode %s: invalid key size %d", pemType, len(block.Bytes))
	}

	return block.Bytes, nil
}

func savePEMKey(path, pemType string, key []byte) error {
	block := &pem.Block{
		Type:  pemType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", pemType, err)
	}
	return nil
}
