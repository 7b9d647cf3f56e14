package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"pairlink/crypto"
	"pairlink/protocol"
)

func (c *Client) x25519Public() string {
	return base64.StdEncoding.EncodeToString(c.identity.X25519PublicKey().Bytes())
}

// SubmitCode presents a pairing code read off the target's screen to the
// relay. Controller only. It returns once the pairing is established and
// persisted, or with the relay's rejection.
func (c *Client) SubmitCode(ctx context.Context, code string) error {
	if c.cfg.Role != protocol.RoleController {
		return fmt.Errorf("client: role %q cannot submit pairing codes", c.cfg.Role)
	}
	if !crypto.ValidPairingCode(code) {
		return fmt.Errorf("client: malformed pairing code %q", code)
	}

	ws, err := c.currentConn()
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	seq := c.nextSeq()
	c.mu.Lock()
	c.pendingCode = code
	c.submitResult = result
	c.mu.Unlock()

	frame := protocol.PairSubmitFrame{
		Type:            protocol.TypePairSubmit,
		DeviceID:        c.cfg.DeviceID,
		Code:            code,
		X25519PublicKey: c.x25519Public(),
		Seq:             seq,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := c.writeFrame(ws, frame); err != nil {
		c.mu.Lock()
		c.pendingCode = ""
		c.submitResult = nil
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		c.submitResult = nil
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Send encrypts plaintext with the pairing's session key and relays it to
// the paired peer. The relay only ever sees the resulting ciphertext.
func (c *Client) Send(plaintext []byte) error {
	c.mu.Lock()
	key := c.sessionKey
	var peerID string
	if c.cfg.Pairing.Active() {
		peerID = c.cfg.Pairing.PeerDeviceID
	}
	c.mu.Unlock()

	if key == nil || peerID == "" {
		return ErrNotPaired
	}

	ws, err := c.currentConn()
	if err != nil {
		return err
	}

	payload, err := crypto.SealPayload(key, plaintext)
	if err != nil {
		return err
	}

	return c.writeFrame(ws, protocol.RelayFrame{
		Type:      protocol.TypeRelay,
		DeviceID:  c.cfg.DeviceID,
		TargetID:  peerID,
		Payload:   payload,
		Seq:       c.nextSeq(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendCommand relays an encrypted request to the paired peer and waits for
// its response. Commands are sequential: the next inbound payload is taken
// as the response, which per-sender FIFO ordering makes unambiguous as long
// as one command is in flight at a time.
func (c *Client) SendCommand(ctx context.Context, request []byte) ([]byte, error) {
	waiter := make(chan commandResult, 1)
	c.mu.Lock()
	if c.responseWaiter != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: a command is already in flight")
	}
	c.responseWaiter = waiter
	c.mu.Unlock()

	clearWaiter := func() {
		c.mu.Lock()
		if c.responseWaiter == waiter {
			c.responseWaiter = nil
		}
		c.mu.Unlock()
	}

	if err := c.Send(request); err != nil {
		clearWaiter()
		return nil, err
	}

	select {
	case result := <-waiter:
		return result.response, result.err
	case <-ctx.Done():
		clearWaiter()
		return nil, ctx.Err()
	}
}

// Unpair revokes the active pairing on the relay. The local state is cleared
// when the unpaired acknowledgement arrives.
func (c *Client) Unpair() error {
	c.mu.Lock()
	var peerID string
	if c.cfg.Pairing != nil {
		peerID = c.cfg.Pairing.PeerDeviceID
	}
	c.mu.Unlock()

	if peerID == "" {
		return ErrNotPaired
	}

	ws, err := c.currentConn()
	if err != nil {
		return err
	}

	return c.writeFrame(ws, protocol.UnpairFrame{
		Type:      protocol.TypeUnpair,
		DeviceID:  c.cfg.DeviceID,
		TargetID:  peerID,
		Seq:       c.nextSeq(),
		Timestamp: time.Now().UnixMilli(),
	})
}
