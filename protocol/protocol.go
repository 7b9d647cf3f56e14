package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pairlink/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1 * 1024 * 1024
	// PairingCodeTTL bounds how long a pending pairing code stays valid.
	PairingCodeTTL = 10 * time.Minute
	// DefaultHeartbeatInterval sends a websocket ping on idle connections.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultIdleTimeout treats a silent connection as lost.
	DefaultIdleTimeout = 75 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// SupersededCloseCode is sent to a stale connection replaced by a newer
	// registration of the same device id.
	SupersededCloseCode = 4001
)

const (
	TypeRegister         = "register"
	TypeRegistered       = "registered"
	TypePairRequest      = "pair_request"
	TypePairSubmit       = "pair_submit"
	TypePaired           = "paired"
	TypeUnpair           = "unpair"
	TypeUnpaired         = "unpaired"
	TypeRelay            = "relay"
	TypePeerDisconnected = "peer_disconnected"
	TypeError            = "error"
)

// Device roles carried in register frames.
const (
	RoleController = "controller"
	RoleTarget     = "target"
)

// Error taxonomy codes carried in error frames.
const (
	CodePairingExpired      = "pairing_expired"
	CodePairingNotFound     = "pairing_not_found"
	CodeHandshakeMismatch   = "handshake_mismatch"
	CodeDeviceNotRegistered = "device_not_registered"
	CodePeerOffline         = "peer_offline"
	CodeTransportClosed     = "transport_closed"
	CodeInvalidFrame        = "invalid_frame"
)

var (
	// ErrPairingExpired indicates a pairing code submitted past its expiry.
	ErrPairingExpired = errors.New("protocol: pairing code expired")
	// ErrPairingNotFound indicates no matching pending pairing code.
	ErrPairingNotFound = errors.New("protocol: pairing code not found")
	// ErrHandshakeMismatch indicates a stale or already-consumed handshake binding.
	ErrHandshakeMismatch = errors.New("protocol: handshake mismatch")
	// ErrDeviceNotRegistered indicates a frame sent before registration.
	ErrDeviceNotRegistered = errors.New("protocol: device not registered")
	// ErrPeerOffline indicates the paired peer has no live connection.
	ErrPeerOffline = errors.New("protocol: peer offline")
	// ErrTransportClosed indicates the underlying transport is gone.
	ErrTransportClosed = errors.New("protocol: transport closed")
	// ErrInvalidFrame indicates a malformed or out-of-place frame.
	ErrInvalidFrame = errors.New("protocol: invalid frame")
)

// ErrorByCode maps a taxonomy code from an error frame to its sentinel.
func ErrorByCode(code string) error {
	switch code {
	case CodePairingExpired:
		return ErrPairingExpired
	case CodePairingNotFound:
		return ErrPairingNotFound
	case CodeHandshakeMismatch:
		return ErrHandshakeMismatch
	case CodeDeviceNotRegistered:
		return ErrDeviceNotRegistered
	case CodePeerOffline:
		return ErrPeerOffline
	case CodeTransportClosed:
		return ErrTransportClosed
	default:
		return ErrInvalidFrame
	}
}

// Envelope identifies the frame type before full decoding.
type Envelope struct {
	Type string `json:"type"`
}

// RegisterFrame announces a device identity to the relay.
type RegisterFrame struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	Role             string `json:"role"`
	DeviceName       string `json:"device_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ProtocolVersion  int    `json:"protocol_version"`
	Seq              uint64 `json:"seq"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// StoredPairing summarizes an active pairing the relay already holds for a
// registering device.
type StoredPairing struct {
	PeerDeviceID    string `json:"peer_device_id"`
	PeerDeviceName  string `json:"peer_device_name,omitempty"`
	PeerX25519Key   string `json:"peer_x25519_public_key,omitempty"`
	Status          string `json:"status"`
	EstablishedAt   int64  `json:"established_at"`
	PeerConnected   bool   `json:"peer_connected"`
}

// RegisteredFrame acknowledges registration.
type RegisteredFrame struct {
	Type        string         `json:"type"`
	DeviceID    string         `json:"device_id"`
	KnownDevice bool           `json:"known_device"`
	Pairing     *StoredPairing `json:"pairing,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// PairRequestFrame is sent by an unpaired target announcing a pairing code.
type PairRequestFrame struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	Code            string `json:"code"`
	X25519PublicKey string `json:"x25519_public_key"`
	Seq             uint64 `json:"seq"`
	Timestamp       int64  `json:"timestamp"`
}

// PairSubmitFrame is sent by a controller presenting a pairing code.
type PairSubmitFrame struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	Code            string `json:"code"`
	X25519PublicKey string `json:"x25519_public_key"`
	Seq             uint64 `json:"seq"`
	Timestamp       int64  `json:"timestamp"`
}

// PairedFrame notifies an endpoint that a pairing was established.
// DeviceID carries the peer's identifier.
type PairedFrame struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name,omitempty"`
	X25519PublicKey string `json:"x25519_public_key"`
	EstablishedAt   int64  `json:"established_at"`
	Timestamp       int64  `json:"timestamp"`
}

// UnpairFrame revokes the pairing with the addressed peer.
type UnpairFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	TargetID  string `json:"target_id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// UnpairedFrame notifies an endpoint that its pairing was revoked.
// DeviceID carries the peer's identifier.
type UnpairedFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// RelayFrame carries one opaque end-to-end encrypted payload.
type RelayFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	TargetID  string `json:"target_id"`
	Payload   string `json:"payload"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// PeerDisconnectedFrame notifies a device that its paired peer dropped.
// DeviceID carries the peer's identifier.
type PeerDisconnectedFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a protocol-level failure to the offending connection.
type ErrorFrame struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RelatedSeq uint64 `json:"related_seq,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol frame to JSON.
func EncodeJSON(frame any) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol frame: %w", err)
	}
	return payload, nil
}

// DecodeFrameType extracts the "type" field from a raw frame.
func DecodeFrameType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", ErrInvalidFrame, err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return envelope.Type, nil
}

// NewErrorFrame builds an error frame for a taxonomy code.
func NewErrorFrame(code, message string, relatedSeq uint64) ErrorFrame {
	return ErrorFrame{
		Type:       TypeError,
		Code:       code,
		Message:    message,
		RelatedSeq: relatedSeq,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// BuildRegisterFrame builds and signs a registration frame for a local identity.
func BuildRegisterFrame(identity crypto.Identity, role, deviceName string, seq uint64) (RegisterFrame, error) {
	if len(identity.Ed25519PrivateKey) != ed25519.PrivateKeySize {
		return RegisterFrame{}, errors.New("invalid local Ed25519 private key")
	}

	frame := RegisterFrame{
		Type:             TypeRegister,
		DeviceID:         identity.DeviceID,
		Role:             role,
		DeviceName:       deviceName,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Ed25519PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(identity.X25519PublicKey().Bytes()),
		ProtocolVersion:  ProtocolVersion,
		Seq:              seq,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := registerSignable(frame)
	if err != nil {
		return RegisterFrame{}, err
	}
	signature, err := crypto.Sign(identity.Ed25519PrivateKey, signable)
	if err != nil {
		return RegisterFrame{}, fmt.Errorf("sign register frame: %w", err)
	}
	frame.Signature = base64.StdEncoding.EncodeToString(signature)
	return frame, nil
}

// VerifyRegisterFrame checks the signature and returns the claimed public key.
func VerifyRegisterFrame(frame RegisterFrame) (ed25519.PublicKey, error) {
	if frame.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device_id", ErrInvalidFrame)
	}
	if frame.Role != RoleController && frame.Role != RoleTarget {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidFrame, frame.Role)
	}
	if frame.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidFrame, frame.ProtocolVersion)
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(frame.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode Ed25519 public key: %v", ErrInvalidFrame, err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: invalid Ed25519 public key length", ErrInvalidFrame)
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(frame.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode register signature: %v", ErrInvalidFrame, err)
	}

	signable, err := registerSignable(frame)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, fmt.Errorf("%w: bad register signature", ErrInvalidFrame)
	}

	return publicKey, nil
}

func registerSignable(frame RegisterFrame) ([]byte, error) {
	frame.Signature = ""
	signable, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal register signable payload: %w", err)
	}
	return signable, nil
}
