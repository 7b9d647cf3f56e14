package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairlink/crypto"
	"pairlink/protocol"
	"pairlink/storage"
)

// Options configures relay server timing behavior.
type Options struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	CodeTTL           time.Duration

	// Now overrides the wall clock for pairing code expiry in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = protocol.DefaultIdleTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = protocol.DefaultWriteTimeout
	}
	if out.CodeTTL <= 0 {
		out.CodeTTL = protocol.PairingCodeTTL
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Server accepts websocket connections from device clients, drives each one
// through the registration/pairing lifecycle, and forwards relay frames
// between paired peers. Payloads stay opaque ciphertext end to end.
type Server struct {
	store    *storage.Store
	registry *Registry
	codes    *codeTable
	logger   *zap.Logger
	options  Options

	upgrader websocket.Upgrader

	// pairMu serializes pairing mutations so the two endpoints of one
	// Pairing never observe a torn pair/unpair transition.
	pairMu sync.Mutex

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewServer builds a relay server over the given pairing store.
func NewServer(store *storage.Store, logger *zap.Logger, options Options) *Server {
	opts := options.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		store:    store,
		registry: NewRegistry(),
		codes:    newCodeTable(opts.CodeTTL, opts.Now),
		logger:   logger,
		options:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device clients are native processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		closed: make(chan struct{}),
	}
}

// Registry exposes the connection registry for inspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the websocket endpoint handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ws)
		}()
	})
}

// Close stops heartbeats and waits for connection handlers to finish.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
}

func (s *Server) handleConn(ws *websocket.Conn) {
	conn := newConn(ws, s.options.WriteTimeout)
	defer s.cleanup(conn)

	ws.SetReadLimit(protocol.MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return ws.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(conn)
	}()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read ended",
					zap.String("device_id", conn.deviceID), zap.Error(err))
			}
			return
		}

		conn.touch()
		_ = ws.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
		s.dispatch(conn, payload)
	}
}

func (s *Server) heartbeatLoop(conn *Conn) {
	ticker := time.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close()
				return
			}
			idleFor := time.Since(time.UnixMilli(conn.LastSeen()))
			if conn.State() == StateRelaying && idleFor > s.options.HeartbeatInterval {
				conn.setState(StateIdle)
			}
		case <-conn.closed:
			return
		case <-s.closed:
			conn.close()
			return
		}
	}
}

// dispatch routes one inbound frame. Protocol failures are answered with an
// error frame on the offending connection only; nothing here can take the
// server down or touch an unrelated connection.
func (s *Server) dispatch(conn *Conn, payload []byte) {
	frameType, err := protocol.DecodeFrameType(payload)
	if err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "unparseable frame", 0)
		return
	}

	if conn.State() == StateConnecting && frameType != protocol.TypeRegister {
		_ = conn.sendError(protocol.CodeDeviceNotRegistered, "register first", 0)
		return
	}

	switch frameType {
	case protocol.TypeRegister:
		s.handleRegister(conn, payload)
	case protocol.TypePairRequest:
		s.handlePairRequest(conn, payload)
	case protocol.TypePairSubmit:
		s.handlePairSubmit(conn, payload)
	case protocol.TypeRelay:
		s.handleRelay(conn, payload)
	case protocol.TypeUnpair:
		s.handleUnpair(conn, payload)
	default:
		_ = conn.sendError(protocol.CodeInvalidFrame, "unknown frame type "+frameType, 0)
	}
}

func (s *Server) handleRegister(conn *Conn, payload []byte) {
	var frame protocol.RegisterFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "malformed register frame", 0)
		return
	}
	if conn.deviceID != "" {
		_ = conn.sendError(protocol.CodeInvalidFrame, "already registered", frame.Seq)
		return
	}
	if _, err := protocol.VerifyRegisterFrame(frame); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "register verification failed", frame.Seq)
		return
	}

	known := true
	stored, err := s.store.GetDevice(frame.DeviceID)
	switch {
	case errors.Is(err, storage.ErrDeviceNotFound):
		known = false
	case err != nil:
		s.logger.Error("device lookup failed", zap.String("device_id", frame.DeviceID), zap.Error(err))
		_ = conn.sendError(protocol.CodeInvalidFrame, "registration failed", frame.Seq)
		return
	default:
		// Returning devices must prove the key they registered with.
		if stored.Ed25519PublicKey != frame.Ed25519PublicKey || stored.Role != frame.Role {
			_ = conn.sendError(protocol.CodeInvalidFrame, "identity mismatch for known device", frame.Seq)
			return
		}
	}

	if err := s.store.UpsertDevice(storage.Device{
		DeviceID:         frame.DeviceID,
		Role:             frame.Role,
		DeviceName:       frame.DeviceName,
		Ed25519PublicKey: frame.Ed25519PublicKey,
		X25519PublicKey:  frame.X25519PublicKey,
	}); err != nil {
		s.logger.Error("device upsert failed", zap.String("device_id", frame.DeviceID), zap.Error(err))
		_ = conn.sendError(protocol.CodeInvalidFrame, "registration failed", frame.Seq)
		return
	}

	conn.deviceID = frame.DeviceID
	conn.role = frame.Role
	conn.deviceName = frame.DeviceName

	if replaced := s.registry.Register(conn); replaced != nil {
		s.logger.Info("superseding stale connection", zap.String("device_id", frame.DeviceID))
		replaced.closeWithCode(protocol.SupersededCloseCode, "superseded by newer registration")
	}

	reply := protocol.RegisteredFrame{
		Type:        protocol.TypeRegistered,
		DeviceID:    frame.DeviceID,
		KnownDevice: known,
		Timestamp:   time.Now().UnixMilli(),
	}

	pairing, err := s.store.GetActivePairing(frame.DeviceID)
	if err != nil {
		s.logger.Error("pairing lookup failed", zap.String("device_id", frame.DeviceID), zap.Error(err))
	}
	if pairing != nil {
		conn.setPeer(pairing.PeerID)
		conn.setState(StatePaired)

		stored := protocol.StoredPairing{
			PeerDeviceID:  pairing.PeerID,
			Status:        pairing.Status,
			EstablishedAt: pairing.EstablishedAt,
			PeerConnected: s.registry.Get(pairing.PeerID) != nil,
		}
		if peer, err := s.store.GetDevice(pairing.PeerID); err == nil {
			stored.PeerDeviceName = peer.DeviceName
			stored.PeerX25519Key = peer.X25519PublicKey
		}
		reply.Pairing = &stored
	} else {
		conn.setState(StatePairing)
	}

	if err := conn.send(reply); err != nil {
		return
	}

	s.logger.Info("device registered",
		zap.String("device_id", frame.DeviceID),
		zap.String("role", frame.Role),
		zap.Bool("known", known),
		zap.Bool("paired", pairing != nil))
}

func (s *Server) handlePairRequest(conn *Conn, payload []byte) {
	var frame protocol.PairRequestFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "malformed pair_request frame", 0)
		return
	}
	if conn.role != protocol.RoleTarget {
		_ = conn.sendError(protocol.CodeInvalidFrame, "only target devices issue pairing codes", frame.Seq)
		return
	}
	if err := conn.validateSeq(frame.Seq); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "sequence replay", frame.Seq)
		return
	}
	if !crypto.ValidPairingCode(frame.Code) {
		_ = conn.sendError(protocol.CodeInvalidFrame, "malformed pairing code", frame.Seq)
		return
	}

	if err := s.codes.add(frame.Code, conn.deviceID, frame.X25519PublicKey); err != nil {
		if errors.Is(err, ErrCodeCollision) {
			_ = conn.sendError(protocol.CodeInvalidFrame, "pairing code already pending, regenerate", frame.Seq)
			return
		}
		_ = conn.sendError(protocol.CodeInvalidFrame, "pairing code rejected", frame.Seq)
		return
	}

	s.logger.Info("pairing code pending", zap.String("target_id", conn.deviceID))
}

func (s *Server) handlePairSubmit(conn *Conn, payload []byte) {
	var frame protocol.PairSubmitFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "malformed pair_submit frame", 0)
		return
	}
	if conn.role != protocol.RoleController {
		_ = conn.sendError(protocol.CodeInvalidFrame, "only controller devices submit pairing codes", frame.Seq)
		return
	}
	if err := conn.validateSeq(frame.Seq); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "sequence replay", frame.Seq)
		return
	}
	if !crypto.ValidPairingCode(frame.Code) {
		_ = conn.sendError(protocol.CodeInvalidFrame, "malformed pairing code", frame.Seq)
		return
	}

	entry, err := s.codes.consume(frame.Code)
	switch {
	case errors.Is(err, protocol.ErrPairingExpired):
		_ = conn.sendError(protocol.CodePairingExpired, "pairing code expired", frame.Seq)
		return
	case errors.Is(err, protocol.ErrPairingNotFound):
		_ = conn.sendError(protocol.CodePairingNotFound, "no matching pending pairing code", frame.Seq)
		return
	case err != nil:
		_ = conn.sendError(protocol.CodePairingNotFound, "pairing failed", frame.Seq)
		return
	}

	targetConn := s.registry.Get(entry.targetID)
	if targetConn == nil {
		// The code was consumed; the target must issue a fresh one.
		_ = conn.sendError(protocol.CodePeerOffline, "target device is offline", frame.Seq)
		return
	}

	establishedAt := time.Now().UnixMilli()

	s.pairMu.Lock()
	defer s.pairMu.Unlock()

	if err := s.store.SavePairing(conn.deviceID, entry.targetID, establishedAt); err != nil {
		s.logger.Error("pairing persist failed",
			zap.String("controller_id", conn.deviceID),
			zap.String("target_id", entry.targetID),
			zap.Error(err))
		_ = conn.sendError(protocol.CodePairingNotFound, "pairing persist failed", frame.Seq)
		return
	}

	conn.setPeer(entry.targetID)
	conn.setState(StatePaired)
	targetConn.setPeer(conn.deviceID)
	targetConn.setState(StatePaired)

	now := time.Now().UnixMilli()
	_ = conn.send(protocol.PairedFrame{
		Type:            protocol.TypePaired,
		DeviceID:        entry.targetID,
		DeviceName:      targetConn.deviceName,
		X25519PublicKey: entry.targetX25519,
		EstablishedAt:   establishedAt,
		Timestamp:       now,
	})
	_ = targetConn.send(protocol.PairedFrame{
		Type:            protocol.TypePaired,
		DeviceID:        conn.deviceID,
		DeviceName:      conn.deviceName,
		X25519PublicKey: frame.X25519PublicKey,
		EstablishedAt:   establishedAt,
		Timestamp:       now,
	})

	s.logger.Info("pairing established",
		zap.String("controller_id", conn.deviceID),
		zap.String("target_id", entry.targetID))
}

func (s *Server) handleRelay(conn *Conn, payload []byte) {
	var frame protocol.RelayFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "malformed relay frame", 0)
		return
	}

	// The registered identity is the only sender id a connection may claim.
	if frame.DeviceID != conn.deviceID {
		_ = conn.sendError(protocol.CodeInvalidFrame, "sender id does not match registered device", frame.Seq)
		return
	}

	peerID := conn.PeerID()
	if peerID == "" || frame.TargetID != peerID {
		_ = conn.sendError(protocol.CodePairingNotFound, "devices are not paired", frame.Seq)
		return
	}
	if err := conn.validateSeq(frame.Seq); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "sequence replay", frame.Seq)
		return
	}

	peer := s.registry.Get(peerID)
	if peer == nil {
		// No queuing: the frame is dropped and the sender told.
		_ = conn.sendError(protocol.CodePeerOffline, "peer has no live connection", frame.Seq)
		return
	}

	if err := peer.sendRaw(payload); err != nil {
		peer.close()
		_ = conn.sendError(protocol.CodePeerOffline, "peer transport failed", frame.Seq)
		return
	}

	conn.setState(StateRelaying)
	s.logger.Debug("frame relayed",
		zap.String("from", conn.deviceID),
		zap.String("to", peerID),
		zap.Uint64("seq", frame.Seq))
}

func (s *Server) handleUnpair(conn *Conn, payload []byte) {
	var frame protocol.UnpairFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		_ = conn.sendError(protocol.CodeInvalidFrame, "malformed unpair frame", 0)
		return
	}
	if frame.TargetID == "" {
		_ = conn.sendError(protocol.CodeInvalidFrame, "unpair requires target_id", frame.Seq)
		return
	}

	s.pairMu.Lock()
	defer s.pairMu.Unlock()

	if err := s.store.RevokePairing(conn.deviceID, frame.TargetID); err != nil {
		s.logger.Error("pairing revoke failed",
			zap.String("device_id", conn.deviceID),
			zap.String("target_id", frame.TargetID),
			zap.Error(err))
	}

	now := time.Now().UnixMilli()

	if conn.PeerID() == frame.TargetID {
		conn.setPeer("")
	}
	conn.setState(StateRegistered)
	// Unpair is idempotent: the sender always gets its notification, even
	// when the pairing was already revoked.
	_ = conn.send(protocol.UnpairedFrame{
		Type:      protocol.TypeUnpaired,
		DeviceID:  frame.TargetID,
		Timestamp: now,
	})

	if peer := s.registry.Get(frame.TargetID); peer != nil {
		if peer.PeerID() == conn.deviceID {
			peer.setPeer("")
			peer.setState(StateRegistered)
			_ = peer.send(protocol.UnpairedFrame{
				Type:      protocol.TypeUnpaired,
				DeviceID:  conn.deviceID,
				Timestamp: now,
			})
		}
	}

	s.logger.Info("pairing revoked",
		zap.String("device_id", conn.deviceID),
		zap.String("target_id", frame.TargetID))
}

// cleanup runs when a connection's read loop ends for any reason: transport
// error, idle timeout, or explicit close. The pairing record itself is left
// intact so the device returns straight to Paired on reconnect.
func (s *Server) cleanup(conn *Conn) {
	conn.close()

	if conn.deviceID == "" {
		return
	}
	if !s.registry.Remove(conn.deviceID, conn) {
		// A newer connection superseded this one; its entry stays.
		return
	}

	if err := s.store.TouchDevice(conn.deviceID); err != nil {
		s.logger.Warn("device touch failed", zap.String("device_id", conn.deviceID), zap.Error(err))
	}

	if peerID := conn.PeerID(); peerID != "" {
		if peer := s.registry.Get(peerID); peer != nil {
			_ = peer.send(protocol.PeerDisconnectedFrame{
				Type:      protocol.TypePeerDisconnected,
				DeviceID:  conn.deviceID,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}

	s.logger.Info("device disconnected", zap.String("device_id", conn.deviceID))
}
