package client

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairlink/config"
	"pairlink/crypto"
	"pairlink/protocol"
)

func (c *Client) handleFrame(ws *websocket.Conn, payload []byte, onRegistered func()) {
	frameType, err := protocol.DecodeFrameType(payload)
	if err != nil {
		c.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}

	switch frameType {
	case protocol.TypeRegistered:
		var frame protocol.RegisteredFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("malformed registered frame", zap.Error(err))
			return
		}
		onRegistered()
		c.handleRegistered(ws, frame)
	case protocol.TypePaired:
		var frame protocol.PairedFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("malformed paired frame", zap.Error(err))
			return
		}
		c.handlePaired(frame)
	case protocol.TypeUnpaired:
		var frame protocol.UnpairedFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("malformed unpaired frame", zap.Error(err))
			return
		}
		c.handleUnpaired(ws, frame)
	case protocol.TypeRelay:
		var frame protocol.RelayFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("malformed relay frame", zap.Error(err))
			return
		}
		c.handleRelay(frame)
	case protocol.TypePeerDisconnected:
		var frame protocol.PeerDisconnectedFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return
		}
		c.logger.Info("peer disconnected", zap.String("peer_id", frame.DeviceID))
		if c.handlers.PeerDisconnected != nil {
			c.handlers.PeerDisconnected(frame.DeviceID)
		}
	case protocol.TypeError:
		var frame protocol.ErrorFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return
		}
		c.handleError(ws, frame)
	default:
		c.logger.Warn("dropping unexpected frame", zap.String("type", frameType))
	}
}

// handleRegistered reconciles local pairing state against what the relay
// holds. The relay decides whether a pairing exists; the local store holds
// the secrets needed to use it.
func (c *Client) handleRegistered(ws *websocket.Conn, frame protocol.RegisteredFrame) {
	c.logger.Info("registered with relay",
		zap.String("device_id", frame.DeviceID),
		zap.Bool("known", frame.KnownDevice))

	// Fires once local state has been reconciled, whichever path runs.
	defer func() {
		if c.handlers.Registered != nil {
			c.handlers.Registered(frame.KnownDevice)
		}
	}()

	relayPairing := frame.Pairing
	if relayPairing != nil && relayPairing.Status != "active" {
		relayPairing = nil
	}

	if relayPairing == nil {
		c.clearStalePairing()
		if c.cfg.Role == protocol.RoleTarget {
			c.announceCode(ws)
		}
		return
	}

	c.mu.Lock()
	local := c.cfg.Pairing
	restorable := local.Active() && local.PeerDeviceID == relayPairing.PeerDeviceID
	if restorable {
		key, err := c.deriveSessionKey(local.PeerDeviceID, local.PeerX25519Key, local.PairingCode)
		if err != nil {
			c.logger.Error("session key restore failed", zap.Error(err))
			restorable = false
		} else {
			c.sessionKey = key
		}
	}
	c.mu.Unlock()

	if restorable {
		c.logger.Info("pairing restored",
			zap.String("peer_id", relayPairing.PeerDeviceID),
			zap.Bool("peer_connected", relayPairing.PeerConnected))
		return
	}

	// The relay holds a pairing this device has no secrets for. It cannot
	// be used, so revoke it and start over.
	c.logger.Warn("revoking unusable stored pairing",
		zap.String("peer_id", relayPairing.PeerDeviceID))
	unpair := protocol.UnpairFrame{
		Type:      protocol.TypeUnpair,
		DeviceID:  c.cfg.DeviceID,
		TargetID:  relayPairing.PeerDeviceID,
		Seq:       c.nextSeq(),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.writeFrame(ws, unpair); err != nil {
		c.logger.Error("unpair send failed", zap.Error(err))
	}
}

// clearStalePairing drops a local pairing record the relay no longer holds.
func (c *Client) clearStalePairing() {
	c.mu.Lock()
	if !c.cfg.Pairing.Active() {
		c.mu.Unlock()
		return
	}
	peerID := c.cfg.Pairing.PeerDeviceID
	c.cfg.Pairing.Status = config.PairingStatusRevoked
	c.sessionKey = nil
	if err := config.Save(c.configPath, c.cfg); err != nil {
		c.logger.Error("persist pairing revocation failed", zap.Error(err))
	}
	c.mu.Unlock()

	c.logger.Warn("local pairing no longer known to relay, cleared",
		zap.String("peer_id", peerID))
	if c.handlers.Unpaired != nil {
		c.handlers.Unpaired(peerID)
	}
}

// announceCode generates and announces a fresh pairing code. Target only.
// The code goes stale after the TTL, so a re-announce timer keeps an
// unpaired target displaying a code the relay will still honor.
func (c *Client) announceCode(ws *websocket.Conn) {
	code, err := crypto.GeneratePairingCode()
	if err != nil {
		c.logger.Error("pairing code generation failed", zap.Error(err))
		return
	}

	seq := c.nextSeq()
	c.mu.Lock()
	c.pendingCode = code
	c.lastAnnounceSeq = seq
	c.stopAnnounceTimerLocked()
	c.announceTimer = time.AfterFunc(c.codeTTL, func() {
		c.reannounceExpiredCode(ws)
	})
	c.mu.Unlock()

	frame := protocol.PairRequestFrame{
		Type:            protocol.TypePairRequest,
		DeviceID:        c.cfg.DeviceID,
		Code:            code,
		X25519PublicKey: c.x25519Public(),
		Seq:             seq,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := c.writeFrame(ws, frame); err != nil {
		c.logger.Error("pair_request send failed", zap.Error(err))
		return
	}

	c.logger.Info("pairing code announced")
	if c.handlers.PairingCode != nil {
		c.handlers.PairingCode(code)
	}
}

// reannounceExpiredCode replaces a pairing code whose TTL elapsed without a
// controller consuming it. A pairing or a newer session makes it a no-op.
func (c *Client) reannounceExpiredCode(ws *websocket.Conn) {
	c.mu.Lock()
	stale := c.ws == ws && c.sessionKey == nil && c.pendingCode != ""
	c.mu.Unlock()
	if !stale {
		return
	}

	c.logger.Info("pairing code expired, announcing a fresh one")
	c.announceCode(ws)
}

func (c *Client) stopAnnounceTimerLocked() {
	if c.announceTimer != nil {
		c.announceTimer.Stop()
		c.announceTimer = nil
	}
}

// handlePaired derives the session key and persists the pairing before any
// acknowledgement reaches the caller.
func (c *Client) handlePaired(frame protocol.PairedFrame) {
	c.mu.Lock()
	code := c.pendingCode
	if code == "" {
		c.mu.Unlock()
		c.logger.Warn("paired frame without pending code, ignoring",
			zap.String("peer_id", frame.DeviceID))
		return
	}

	key, err := c.deriveSessionKey(frame.DeviceID, frame.X25519PublicKey, code)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("session key derivation failed", zap.Error(err))
		c.deliverSubmitResult(protocol.ErrHandshakeMismatch)
		return
	}

	c.cfg.Pairing = &config.PairingState{
		PeerDeviceID:   frame.DeviceID,
		PeerDeviceName: frame.DeviceName,
		PeerX25519Key:  frame.X25519PublicKey,
		PairingCode:    code,
		Status:         config.PairingStatusActive,
		EstablishedAt:  frame.EstablishedAt,
	}
	if err := config.Save(c.configPath, c.cfg); err != nil {
		c.mu.Unlock()
		c.logger.Error("persist pairing failed", zap.Error(err))
		c.deliverSubmitResult(err)
		return
	}
	c.sessionKey = key
	c.pendingCode = ""
	c.stopAnnounceTimerLocked()
	c.mu.Unlock()

	c.logger.Info("paired",
		zap.String("peer_id", frame.DeviceID),
		zap.String("peer_name", frame.DeviceName))
	c.deliverSubmitResult(nil)
	if c.handlers.Paired != nil {
		c.handlers.Paired(frame.DeviceID, frame.DeviceName)
	}
}

func (c *Client) handleUnpaired(ws *websocket.Conn, frame protocol.UnpairedFrame) {
	c.mu.Lock()
	if c.cfg.Pairing != nil {
		c.cfg.Pairing.Status = config.PairingStatusRevoked
	}
	c.sessionKey = nil
	if err := config.Save(c.configPath, c.cfg); err != nil {
		c.logger.Error("persist pairing revocation failed", zap.Error(err))
	}
	c.mu.Unlock()

	c.logger.Info("unpaired", zap.String("peer_id", frame.DeviceID))
	if c.handlers.Unpaired != nil {
		c.handlers.Unpaired(frame.DeviceID)
	}

	// A target goes straight back to announcing a code.
	if c.cfg.Role == protocol.RoleTarget {
		c.announceCode(ws)
	}
}

func (c *Client) handleRelay(frame protocol.RelayFrame) {
	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()

	if key == nil {
		c.logger.Warn("dropping relay frame without session key",
			zap.String("from", frame.DeviceID))
		return
	}

	plaintext, err := crypto.OpenPayload(key, frame.Payload)
	if err != nil {
		c.logger.Warn("dropping undecryptable payload",
			zap.String("from", frame.DeviceID), zap.Error(err))
		return
	}

	// A pending SendCommand call consumes the payload as its response.
	c.mu.Lock()
	waiter := c.responseWaiter
	c.responseWaiter = nil
	c.mu.Unlock()
	if waiter != nil {
		waiter <- commandResult{response: plaintext}
		return
	}

	if c.handlers.Message != nil {
		c.handlers.Message(plaintext)
	}
	if c.handlers.Command != nil {
		if response := c.handlers.Command(plaintext); response != nil {
			if err := c.Send(response); err != nil {
				c.logger.Warn("command response send failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) handleError(ws *websocket.Conn, frame protocol.ErrorFrame) {
	err := protocol.ErrorByCode(frame.Code)
	c.logger.Warn("relay reported error",
		zap.String("code", frame.Code),
		zap.String("message", frame.Message),
		zap.Uint64("related_seq", frame.RelatedSeq))

	c.deliverSubmitResult(err)
	c.failPendingCommand(err)

	// A rejected pair_request (code collision) gets a fresh code.
	c.mu.Lock()
	retryAnnounce := c.cfg.Role == protocol.RoleTarget &&
		c.pendingCode != "" &&
		frame.RelatedSeq != 0 &&
		frame.RelatedSeq == c.lastAnnounceSeq
	c.mu.Unlock()
	if retryAnnounce {
		c.announceCode(ws)
	}
}

// deliverSubmitResult completes a pending SubmitCode call, if any.
func (c *Client) deliverSubmitResult(err error) {
	c.mu.Lock()
	ch := c.submitResult
	c.submitResult = nil
	c.mu.Unlock()

	if ch != nil {
		ch <- err
	}
}

// failPendingCommand completes an in-flight SendCommand with the relay's
// rejection instead of leaving it to ride out the caller's deadline.
func (c *Client) failPendingCommand(err error) {
	c.mu.Lock()
	waiter := c.responseWaiter
	c.responseWaiter = nil
	c.mu.Unlock()

	if waiter != nil {
		waiter <- commandResult{err: err}
	}
}
