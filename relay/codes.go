package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pairlink/protocol"
)

// ErrCodeCollision indicates a target announced a code that is already
// pending for another handshake. The target regenerates and retries.
var ErrCodeCollision = errors.New("relay: pairing code already pending")

// pendingCode is one announced pairing code awaiting consumption. A code
// moves out of pending exactly once; expiry is wall-clock based and
// independent of the issuing connection's lifetime.
type pendingCode struct {
	code         string
	targetID     string
	targetX25519 string
	createdAt    time.Time
}

// codeTable tracks pending pairing codes. A single table lock serializes
// consumption, so two controllers racing for the same code resolve to
// exactly one winner; the loser observes the code as already gone.
type codeTable struct {
	mu    sync.Mutex
	codes map[string]*pendingCode
	ttl   time.Duration
	now   func() time.Time
}

func newCodeTable(ttl time.Duration, now func() time.Time) *codeTable {
	if ttl <= 0 {
		ttl = protocol.PairingCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &codeTable{
		codes: make(map[string]*pendingCode),
		ttl:   ttl,
		now:   now,
	}
}

func (t *codeTable) expired(entry *pendingCode) bool {
	return t.now().Sub(entry.createdAt) > t.ttl
}

// add records a pending code for a target. Re-announcing from the same target
// replaces that target's previous pending code, so codes regenerate cleanly.
func (t *codeTable) add(code, targetID, targetX25519 string) error {
	if !validCodeInput(code, targetID) {
		return fmt.Errorf("%w: malformed pairing code", protocol.ErrInvalidFrame)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.codes[code]; ok && existing.targetID != targetID && !t.expired(existing) {
		return ErrCodeCollision
	}

	for existingCode, entry := range t.codes {
		if entry.targetID == targetID || t.expired(entry) {
			delete(t.codes, existingCode)
		}
	}

	t.codes[code] = &pendingCode{
		code:         code,
		targetID:     targetID,
		targetX25519: targetX25519,
		createdAt:    t.now(),
	}
	return nil
}

// consume resolves a submitted code under the table lock. Exactly one
// submitter can succeed for a given code; later submissions see
// ErrPairingNotFound, submissions past the TTL see ErrPairingExpired.
func (t *codeTable) consume(code string) (*pendingCode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.codes[code]
	if !ok {
		return nil, protocol.ErrPairingNotFound
	}
	// pending -> consumed and pending -> expired both leave the table;
	// neither transition is reversible.
	delete(t.codes, code)

	if t.expired(entry) {
		return nil, protocol.ErrPairingExpired
	}
	return entry, nil
}

func validCodeInput(code, targetID string) bool {
	return code != "" && targetID != ""
}
