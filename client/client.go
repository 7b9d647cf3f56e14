// Package client implements the device side of the relay protocol: it keeps
// one registered connection to the relay alive, drives the pairing handshake,
// and encrypts/decrypts relayed payloads with a locally derived session key.
// The relay never sees key material; it only forwards opaque ciphertext.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairlink/config"
	"pairlink/crypto"
	"pairlink/protocol"
)

var (
	// ErrSuperseded means another process registered this device id; the
	// client stops reconnecting instead of fighting over the registration.
	ErrSuperseded = errors.New("client: connection superseded by newer registration")
	// ErrNotPaired means the operation needs an active pairing.
	ErrNotPaired = errors.New("client: device is not paired")
)

const (
	defaultDialTimeout          = 10 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
)

// Handlers receives client events. All callbacks run on the connection's
// read goroutine; nil entries are skipped.
type Handlers struct {
	// Registered fires after the relay acknowledges each registration.
	Registered func(known bool)
	// PairingCode fires when a target announces a fresh pairing code.
	PairingCode func(code string)
	// Paired fires after a pairing was established and persisted.
	Paired func(peerID, peerName string)
	// Unpaired fires after the pairing was revoked and the revocation
	// persisted.
	Unpaired func(peerID string)
	// PeerDisconnected fires when the paired peer drops its connection.
	PeerDisconnected func(peerID string)
	// Message fires with each decrypted inbound payload.
	Message func(plaintext []byte)
	// Command, when set, is invoked with each decrypted inbound payload and
	// its non-nil result is encrypted and sent back to the peer. This is the
	// hook a target uses to execute commands; the core never interprets the
	// bytes.
	Command func(request []byte) []byte
}

// Options configures a device client.
type Options struct {
	Config     *config.DeviceConfig
	ConfigPath string
	Logger     *zap.Logger
	Handlers   Handlers

	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxReconnectInterval time.Duration

	// CodeTTL overrides how long an announced pairing code stays valid
	// before the target announces a fresh one. Defaults to the protocol TTL.
	CodeTTL time.Duration
}

// Client is one device endpoint. Run keeps it connected to the relay with
// exponential backoff; state transitions are persisted to device.json before
// they are acknowledged through Handlers.
type Client struct {
	cfg        *config.DeviceConfig
	configPath string
	identity   crypto.Identity
	logger     *zap.Logger
	handlers   Handlers

	dialTimeout          time.Duration
	writeTimeout         time.Duration
	maxReconnectInterval time.Duration
	codeTTL              time.Duration

	// mu guards the mutable session state below.
	mu              sync.Mutex
	ws              *websocket.Conn
	seq             uint64
	sessionKey      []byte
	pendingCode     string
	lastAnnounceSeq uint64
	submitResult    chan error
	responseWaiter  chan commandResult
	announceTimer   *time.Timer

	writeMu sync.Mutex
}

// commandResult completes one in-flight SendCommand: either the peer's
// decrypted response or the failure the relay reported in the meantime.
type commandResult struct {
	response []byte
	err      error
}

// New loads the device identity keys and builds a client. The config must
// already carry a device id and role.
func New(opts Options) (*Client, error) {
	if opts.Config == nil || opts.ConfigPath == "" {
		return nil, errors.New("client: config and config path are required")
	}
	if opts.Config.Role != protocol.RoleController && opts.Config.Role != protocol.RoleTarget {
		return nil, fmt.Errorf("client: unknown role %q", opts.Config.Role)
	}

	identity, err := crypto.EnsureIdentityKeys(
		opts.Config.DeviceID,
		opts.Config.Ed25519PrivateKeyPath,
		opts.Config.X25519PrivateKeyPath,
	)
	if err != nil {
		return nil, fmt.Errorf("client: load identity keys: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:                  opts.Config,
		configPath:           opts.ConfigPath,
		identity:             identity,
		logger:               logger,
		handlers:             opts.Handlers,
		dialTimeout:          opts.DialTimeout,
		writeTimeout:         opts.WriteTimeout,
		maxReconnectInterval: opts.MaxReconnectInterval,
		codeTTL:              opts.CodeTTL,
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = protocol.DefaultWriteTimeout
	}
	if c.maxReconnectInterval <= 0 {
		c.maxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.codeTTL <= 0 {
		c.codeTTL = protocol.PairingCodeTTL
	}
	return c, nil
}

// DeviceID returns the local device id.
func (c *Client) DeviceID() string {
	return c.cfg.DeviceID
}

// Fingerprint returns the local identity key fingerprint.
func (c *Client) Fingerprint() string {
	return c.identity.Fingerprint()
}

// Paired reports whether an active pairing with a derived session key exists.
func (c *Client) Paired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != nil
}

// PeerID returns the active pairing's peer device id, empty when unpaired.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Pairing.Active() {
		return c.cfg.Pairing.PeerDeviceID
	}
	return ""
}

// Run connects to the relay and processes frames until ctx is canceled.
// Transport failures trigger reconnection with exponential backoff; the
// backoff resets after each successful registration. A superseded close
// terminates the loop with ErrSuperseded.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = c.maxReconnectInterval
	policy.MaxElapsedTime = 0

	for {
		err := c.runSession(ctx, policy.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSuperseded) {
			return err
		}

		wait := policy.NextBackOff()
		c.logger.Warn("relay session ended, reconnecting",
			zap.Error(err), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runSession runs one dial-register-read cycle. onRegistered fires once the
// relay acknowledges registration.
func (c *Client) runSession(ctx context.Context, onRegistered func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", c.cfg.RelayURL, err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	ws.SetReadLimit(protocol.MaxFrameSize)

	c.mu.Lock()
	c.ws = ws
	c.seq = 0
	c.sessionKey = nil
	c.pendingCode = ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.sessionKey = nil
		c.stopAnnounceTimerLocked()
		c.mu.Unlock()
	}()

	register, err := protocol.BuildRegisterFrame(c.identity, c.cfg.Role, c.cfg.DeviceName, c.nextSeq())
	if err != nil {
		return err
	}
	if err := c.writeFrame(ws, register); err != nil {
		return err
	}

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == protocol.SupersededCloseCode {
				return ErrSuperseded
			}
			return err
		}
		c.handleFrame(ws, payload, onRegistered)
	}
}

func (c *Client) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Client) writeFrame(ws *websocket.Conn, frame any) error {
	payload, err := protocol.EncodeJSON(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
	}
	return nil
}

// currentConn returns the live socket or ErrTransportClosed between sessions.
func (c *Client) currentConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil, protocol.ErrTransportClosed
	}
	return c.ws, nil
}

// deriveSessionKey computes the pairing's session key from the local static
// X25519 key, the peer's announced public key, and the pairing code. Both
// endpoints arrive at the same key without it ever crossing the wire.
func (c *Client) deriveSessionKey(peerID, peerX25519 string, code string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerX25519)
	if err != nil {
		return nil, fmt.Errorf("decode peer X25519 key: %w", err)
	}
	peerKey, err := crypto.ParseX25519PublicKey(raw)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.ComputeSharedSecret(c.identity.X25519PrivateKey, peerKey)
	if err != nil {
		return nil, err
	}

	controllerID, targetID := c.cfg.DeviceID, peerID
	if c.cfg.Role == protocol.RoleTarget {
		controllerID, targetID = peerID, c.cfg.DeviceID
	}
	return crypto.DeriveSessionKey(secret, controllerID, targetID, code)
}
