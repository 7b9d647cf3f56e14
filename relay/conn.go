package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pairlink/protocol"
)

// State is the lifecycle state of one relay connection.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateRegistered   State = "REGISTERED"
	StatePairing      State = "PAIRING"
	StatePaired       State = "PAIRED"
	StateRelaying     State = "RELAYING"
	StateIdle         State = "IDLE"
	StateDisconnected State = "DISCONNECTED"
)

// ErrSequenceReplay indicates a non-monotonic per-connection sequence value.
var ErrSequenceReplay = errors.New("relay: sequence replay detected")

// Conn wraps one live websocket transport and its registry metadata. It is
// owned by the server's per-connection read loop; writes from other
// connections (relayed frames, notifications) are serialized by writeMu.
type Conn struct {
	ws *websocket.Conn

	deviceID   string
	role       string
	deviceName string

	// peerID caches the active pairing's peer while this connection lives.
	peerMu sync.RWMutex
	peerID string

	stateMu sync.RWMutex
	state   State

	seqMu   sync.Mutex
	lastSeq uint64

	writeMu      sync.Mutex
	writeTimeout time.Duration

	lastSeen atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		state:        StateConnecting,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
	c.touch()
	return c
}

// DeviceID returns the registered device id, empty before registration.
func (c *Conn) DeviceID() string {
	return c.deviceID
}

// Role returns the registered device role.
func (c *Conn) Role() string {
	return c.role
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(state State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

// PeerID returns the cached paired peer id, empty when unpaired.
func (c *Conn) PeerID() string {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peerID
}

func (c *Conn) setPeer(peerID string) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	c.peerID = peerID
}

// LastSeen returns the unix-milli timestamp of the last inbound activity.
func (c *Conn) LastSeen() int64 {
	return c.lastSeen.Load()
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixMilli())
}

// validateSeq rejects replayed or non-monotonic sequence values for frame
// types that carry one. Frames from a single sender stay FIFO because a
// single read loop consumes them and a single write lock emits them.
func (c *Conn) validateSeq(seq uint64) error {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if seq <= c.lastSeq {
		return ErrSequenceReplay
	}
	c.lastSeq = seq
	return nil
}

// send marshals a frame and writes it as one websocket text message.
func (c *Conn) send(frame any) error {
	payload, err := protocol.EncodeJSON(frame)
	if err != nil {
		return err
	}
	return c.sendRaw(payload)
}

// sendRaw writes a pre-marshaled frame verbatim.
func (c *Conn) sendRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
	}
	return nil
}

func (c *Conn) sendError(code, message string, relatedSeq uint64) error {
	return c.send(protocol.NewErrorFrame(code, message, relatedSeq))
}

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// closeWithCode sends a close frame with the given code, then tears the
// transport down. Safe to call more than once.
func (c *Conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(c.writeTimeout)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, message, deadline)
		c.writeMu.Unlock()

		c.setState(StateDisconnected)
		_ = c.ws.Close()
		close(c.closed)
	})
}

func (c *Conn) close() {
	c.closeWithCode(websocket.CloseNormalClosure, "")
}
