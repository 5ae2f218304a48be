package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultReplayWindow is how long a random record nonce is remembered.
const DefaultReplayWindow = 10 * time.Minute

// DefaultReplayCapacity bounds the number of remembered record nonces.
const DefaultReplayCapacity = 1 << 16

// NonceStore remembers recently accepted random record nonces so a captured
// record cannot be replayed into the same session.
//
// Entries expire after the configured window; when the store reaches its
// capacity the expired entries are pruned first and, if that is not enough,
// the oldest entries are evicted.
//
// The store is safe for concurrent use.
type NonceStore struct {
	mu           sync.Mutex
	nonces       map[Nonce]int64 // nonce -> expiry (unix nanoseconds)
	order        []Nonce
	capacity     int
	window       time.Duration
	logger       *logrus.Logger
	timeProvider TimeProvider
}

// NewNonceStore creates an in-memory nonce store. Pass nil for timeProvider
// to use the default time provider.
func NewNonceStore(capacity int, window time.Duration, timeProvider TimeProvider) *NonceStore {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if timeProvider == nil {
		timeProvider = DefaultTimeProvider{}
	}

	return &NonceStore{
		nonces:       make(map[Nonce]int64),
		order:        make([]Nonce, 0, 64),
		capacity:     capacity,
		window:       window,
		logger:       logrus.StandardLogger(),
		timeProvider: timeProvider,
	}
}

// CheckAndStore checks if nonce was used and stores it if not.
// Returns true if nonce is new (not a replay), false if replay detected.
func (ns *NonceStore) CheckAndStore(nonce Nonce) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := ns.timeProvider.Now().UnixNano()

	if expiry, exists := ns.nonces[nonce]; exists && expiry > now {
		ns.logger.WithFields(logrus.Fields{
			"function": "CheckAndStore",
			"nonce":    fmt.Sprintf("%x", nonce[:8]),
		}).Warn("Replay detected: record nonce already used")
		return false
	}

	if len(ns.order) >= ns.capacity {
		ns.pruneLocked(now)
	}

	ns.nonces[nonce] = now + int64(ns.window)
	ns.order = append(ns.order, nonce)
	return true
}

// Len returns the number of remembered nonces.
func (ns *NonceStore) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.nonces)
}

// pruneLocked drops expired entries and, if still full, the oldest quarter.
func (ns *NonceStore) pruneLocked(now int64) {
	kept := ns.order[:0]
	for _, n := range ns.order {
		if ns.nonces[n] > now {
			kept = append(kept, n)
		} else {
			delete(ns.nonces, n)
		}
	}
	ns.order = kept

	if len(ns.order) >= ns.capacity {
		evict := ns.capacity / 4
		if evict == 0 {
			evict = 1
		}
		for _, n := range ns.order[:evict] {
			delete(ns.nonces, n)
		}
		ns.order = append(ns.order[:0], ns.order[evict:]...)

		ns.logger.WithFields(logrus.Fields{
			"function": "pruneLocked",
			"evicted":  evict,
		}).Debug("Nonce store full, evicted oldest entries")
	}
}

// CounterWindow enforces strictly increasing record counters for ciphers
// that use sequential nonces. Transports deliver records in order, so any
// counter at or below the highest accepted one is a replay.
type CounterWindow struct {
	mu       sync.Mutex
	highest  uint64
	accepted bool
}

// Check reports whether counter would be accepted without recording it.
func (w *CounterWindow) Check(counter uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.accepted || counter > w.highest
}

// Commit records counter as accepted. Call it only after the record
// authenticated, so forged records cannot advance the window.
func (w *CounterWindow) Commit(counter uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.accepted || counter > w.highest {
		w.highest = counter
		w.accepted = true
	}
}
