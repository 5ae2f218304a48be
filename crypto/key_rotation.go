package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// RekeyConfig controls when a ready session replaces its ephemeral keys.
type RekeyConfig struct {
	Interval     time.Duration // Rotate after this much time on one key
	MaxRecords   uint64        // Rotate after sealing this many records
	MinInterval  time.Duration // Reject peer requests arriving faster than this
	TimeProvider TimeProvider
}

// DefaultRekeyConfig rotates hourly or every 2^20 records, and refuses peer
// requests more often than once a minute.
func DefaultRekeyConfig() RekeyConfig {
	return RekeyConfig{
		Interval:    time.Hour,
		MaxRecords:  1 << 20,
		MinInterval: time.Minute,
	}
}

var (
	// ErrRekeyInProgress indicates a second rekey was started before the first finished
	ErrRekeyInProgress = errors.New("rekey already in progress")

	// ErrNoRekeyInProgress indicates a rekey message arrived with no rekey pending
	ErrNoRekeyInProgress = errors.New("no rekey in progress")

	// ErrRekeyTooSoon indicates a peer rekey request violated the minimum interval
	ErrRekeyTooSoon = errors.New("rekey request too frequent")
)

// rekeyState tracks one session's key rotation under its own mutex.
type rekeyState struct {
	mu sync.Mutex

	config RekeyConfig

	establishedAt   time.Time
	lastPeerRequest time.Time
	records         uint64
	rotations       int

	inProgress   bool
	initiator    bool
	pendingLocal *KeyPair
	pendingPeer  [32]byte
	pendingReady bool
}

func newRekeyState() *rekeyState {
	return &rekeyState{config: DefaultRekeyConfig()}
}

func (r *rekeyState) now() time.Time {
	if r.config.TimeProvider != nil {
		return r.config.TimeProvider.Now()
	}
	return GetDefaultTimeProvider().Now()
}

func (r *rekeyState) markEstablished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.establishedAt = r.now()
	r.records = 0
}

func (r *rekeyState) countRecord() {
	r.mu.Lock()
	r.records++
	r.mu.Unlock()
}

func (r *rekeyState) wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingLocal != nil {
		_ = WipeKeyPair(r.pendingLocal)
		r.pendingLocal = nil
	}
	ZeroBytes(r.pendingPeer[:])
	r.inProgress = false
	r.pendingReady = false
}

// SetRekeyConfig replaces the rotation policy. Zero fields keep their defaults.
func (c *Context) SetRekeyConfig(cfg RekeyConfig) {
	def := DefaultRekeyConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxRecords == 0 {
		cfg.MaxRecords = def.MaxRecords
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = def.MinInterval
	}
	c.rekey.mu.Lock()
	c.rekey.config = cfg
	c.rekey.mu.Unlock()
}

// ShouldRekey reports whether the current keys have reached their time or
// record budget.
func (c *Context) ShouldRekey() bool {
	if !c.IsReady() {
		return false
	}
	r := c.rekey
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inProgress {
		return false
	}
	return r.records >= r.config.MaxRecords || r.now().Sub(r.establishedAt) >= r.config.Interval
}

// Rotations returns how many rekeys this session has committed.
func (c *Context) Rotations() int {
	c.rekey.mu.Lock()
	defer c.rekey.mu.Unlock()
	return c.rekey.rotations
}

// BeginRekey starts a rotation as initiator and returns the new ephemeral
// public key to send in REKEY_REQUEST.
func (c *Context) BeginRekey() ([32]byte, error) {
	if !c.IsReady() {
		return [32]byte{}, ErrNotReady
	}
	r := c.rekey
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inProgress {
		return [32]byte{}, ErrRekeyInProgress
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to generate rekey key: %w", err)
	}
	r.inProgress = true
	r.initiator = true
	r.pendingLocal = kp
	r.pendingReady = false
	return kp.Public, nil
}

// AcceptRekey handles a peer's REKEY_REQUEST as responder. It enforces the
// minimum request interval and returns the public key for REKEY_RESPONSE.
func (c *Context) AcceptRekey(peerPublic [32]byte) ([32]byte, error) {
	if !c.IsReady() {
		return [32]byte{}, ErrNotReady
	}
	r := c.rekey
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.lastPeerRequest.IsZero() && now.Sub(r.lastPeerRequest) < r.config.MinInterval {
		return [32]byte{}, fmt.Errorf("%w: %s since last, minimum %s",
			ErrRekeyTooSoon, now.Sub(r.lastPeerRequest).Round(time.Second), r.config.MinInterval)
	}
	r.lastPeerRequest = now

	if r.inProgress {
		return [32]byte{}, ErrRekeyInProgress
	}
	if IsZeroKey(peerPublic) {
		return [32]byte{}, ErrZeroKey
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to generate rekey key: %w", err)
	}
	r.inProgress = true
	r.initiator = false
	r.pendingLocal = kp
	r.pendingPeer = peerPublic
	r.pendingReady = true
	return kp.Public, nil
}

// FinishRekeyExchange records the responder's public key on the initiator.
func (c *Context) FinishRekeyExchange(peerPublic [32]byte) error {
	r := c.rekey
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inProgress || !r.initiator {
		return ErrNoRekeyInProgress
	}
	if IsZeroKey(peerPublic) {
		return ErrZeroKey
	}
	r.pendingPeer = peerPublic
	r.pendingReady = true
	return nil
}

// pendingCipher derives the record cipher for the pending keys.
func (c *Context) pendingCipher() (RecordCipher, [32]byte, *SessionKeys, error) {
	r := c.rekey
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inProgress || !r.pendingReady {
		return nil, [32]byte{}, nil, ErrNoRekeyInProgress
	}

	shared, err := DeriveSharedSecret(r.pendingPeer, r.pendingLocal.Private)
	if err != nil {
		return nil, [32]byte{}, nil, err
	}
	keys, err := DeriveSessionKeys(shared, c.role)
	if err != nil {
		ZeroBytes(shared[:])
		return nil, [32]byte{}, nil, err
	}
	cipher, err := NewRecordCipher(c.Parameters().Cipher, keys)
	if err != nil {
		ZeroBytes(shared[:])
		keys.Wipe()
		return nil, [32]byte{}, nil, err
	}
	return cipher, shared, keys, nil
}

// SealRekeyComplete seals the REKEY_COMPLETE proof under the pending keys and
// commits them. Only the initiator calls it.
func (c *Context) SealRekeyComplete(proof []byte) ([]byte, error) {
	c.rekey.mu.Lock()
	initiator := c.rekey.initiator
	c.rekey.mu.Unlock()
	if !initiator {
		return nil, ErrNoRekeyInProgress
	}

	cipher, shared, keys, err := c.pendingCipher()
	if err != nil {
		return nil, err
	}
	sealed, err := cipher.Seal(proof)
	if err != nil {
		cipher.Wipe()
		keys.Wipe()
		ZeroBytes(shared[:])
		return nil, err
	}
	c.commitRekey(cipher, shared, keys)
	return sealed, nil
}

// OpenRekeyComplete verifies the initiator's REKEY_COMPLETE under the pending
// keys and commits them on success. Failure aborts the rotation.
func (c *Context) OpenRekeyComplete(record []byte) ([]byte, error) {
	cipher, shared, keys, err := c.pendingCipher()
	if err != nil {
		return nil, err
	}
	plaintext, err := cipher.Open(record)
	if err != nil {
		cipher.Wipe()
		keys.Wipe()
		ZeroBytes(shared[:])
		c.AbortRekey()
		return nil, err
	}
	c.commitRekey(cipher, shared, keys)
	return plaintext, nil
}

// commitRekey switches the session to the pending keys. The previous cipher
// stays available for opening in-flight records.
func (c *Context) commitRekey(cipher RecordCipher, shared [32]byte, keys *SessionKeys) {
	c.mu.Lock()
	if c.previous != nil {
		c.previous.Wipe()
	}
	c.previous = c.cipher
	c.cipher = cipher
	ZeroBytes(c.shared[:])
	c.shared = shared
	c.keys.Wipe()
	c.keys = keys
	c.mu.Unlock()

	r := c.rekey
	r.mu.Lock()
	if r.pendingLocal != nil {
		c.mu.Lock()
		old := c.local
		c.local = r.pendingLocal
		c.peerPublic = r.pendingPeer
		c.mu.Unlock()
		if old != nil {
			_ = WipeKeyPair(old)
		}
	}
	r.pendingLocal = nil
	r.pendingPeer = [32]byte{}
	r.inProgress = false
	r.pendingReady = false
	r.rotations++
	r.records = 0
	r.establishedAt = r.now()
	r.mu.Unlock()

	NewLogger("commitRekey").
		WithField("role", c.role.String()).
		WithField("rotations", c.Rotations()).
		Info("Session keys rotated")
}

// AbortRekey discards any pending rotation and keeps the current keys.
func (c *Context) AbortRekey() {
	c.rekey.wipe()
}

// RekeyInProgress reports whether a rotation is pending.
func (c *Context) RekeyInProgress() bool {
	c.rekey.mu.Lock()
	defer c.rekey.mu.Unlock()
	return c.rekey.inProgress
}
