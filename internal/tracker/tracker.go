// Package tracker converts raw per-peer status observations into debounced
// connected/disconnected verdicts.
//
// Each peer has a verdict (unknown, connected, disconnected) that only the
// status cycle mutates, via Observe. External readers take read-only
// snapshots. Verdict transitions are recorded in a per-peer ring buffer
// (50 entries) and registered callbacks are invoked on every change, which is
// how the alert dispatcher learns about state changes.
//
// The rules guard against the two classic failure modes of naive monitors:
//   - a single failed or ambiguous read never flips connected→disconnected;
//     disconnection requires stale evidence across consecutive successful
//     reads with the interface confirmed present, and
//   - sustained inability to observe degrades the verdict to unknown, never
//     to disconnected.
package tracker

import (
	"fmt"
	"sync"
	"time"
)

// Verdict is the debounced connectivity verdict for one peer.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictConnected
	VerdictDisconnected
)

// String returns the human-readable name of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictConnected:
		return "connected"
	case VerdictDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ObservationKind is the tri-state outcome of one status read.
type ObservationKind int

const (
	// ObservationEvidence is a successful read with usable handshake evidence.
	ObservationEvidence ObservationKind = iota
	// ObservationAbsent is a successful read whose handshake field was
	// missing or unparsable in every known encoding.
	ObservationAbsent
	// ObservationFailed is a read that could not be taken at all (query
	// failure, or interface unavailable for an active peer).
	ObservationFailed
)

// Observation is one tick's evidence for a peer.
type Observation struct {
	Kind         ObservationKind
	HandshakeAge time.Duration
	RxBytes      int64
	TxBytes      int64
}

// Config holds the tracker thresholds. Zero values are replaced by defaults.
type Config struct {
	// DisconnectThreshold is the handshake age at or beyond which evidence
	// counts as stale.
	DisconnectThreshold time.Duration
	// DisconnectReads is how many consecutive successful reads with stale
	// evidence are required before the verdict flips to disconnected.
	DisconnectReads int
	// MaxFailures is how many consecutive failed observations degrade the
	// verdict to unknown.
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.DisconnectThreshold <= 0 {
		c.DisconnectThreshold = 30 * time.Minute
	}
	if c.DisconnectReads <= 0 {
		c.DisconnectReads = 2
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	return c
}

// transitionBufferSize is the maximum number of verdict transitions stored
// per peer.
const transitionBufferSize = 50

// Transition records a single verdict change.
type Transition struct {
	PeerID    uint      `json:"peer_id"`
	From      Verdict   `json:"from"`
	To        Verdict   `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// TransitionCallback is called on every verdict change. Callbacks are invoked
// synchronously; long-running handlers should spawn goroutines.
type TransitionCallback func(t Transition)

// PeerState is a read-only snapshot of one peer's runtime state.
type PeerState struct {
	PeerID              uint          `json:"peer_id"`
	Verdict             Verdict       `json:"-"`
	VerdictName         string        `json:"verdict"`
	VerdictSince        time.Time     `json:"verdict_since"`
	HandshakeAge        time.Duration `json:"handshake_age"`
	HasHandshakeAge     bool          `json:"has_handshake_age"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastObservedAt      time.Time     `json:"last_observed_at"`
}

// peerEntry is the mutable per-peer state. Mutated only under Tracker.mu.
type peerEntry struct {
	verdict      Verdict
	verdictSince time.Time
	handshakeAge time.Duration
	hasAge       bool
	failures     int
	staleReads   int // consecutive successful reads with stale evidence
	lastObserved time.Time

	transitions [transitionBufferSize]Transition
	head        int
	count       int
}

func (e *peerEntry) record(t Transition) {
	e.transitions[e.head] = t
	e.head = (e.head + 1) % transitionBufferSize
	if e.count < transitionBufferSize {
		e.count++
	}
}

func (e *peerEntry) history() []Transition {
	if e.count == 0 {
		return nil
	}
	result := make([]Transition, e.count)
	if e.count < transitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// Tracker owns the runtime verdict state for all peers.
type Tracker struct {
	mu        sync.RWMutex
	cfg       Config
	states    map[uint]*peerEntry
	callbacks []TransitionCallback

	now func() time.Time // injectable for tests
}

// New creates a Tracker with the given thresholds.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg.withDefaults(),
		states: make(map[uint]*peerEntry),
		now:    time.Now,
	}
}

// OnTransition registers a callback invoked on every verdict change.
func (t *Tracker) OnTransition(cb TransitionCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Observe feeds one tick's observation for a peer into the state machine.
// Peers whose interface is unavailable while their configuration is inactive
// must be skipped by the caller: no Observe call, no state write.
func (t *Tracker) Observe(peerID uint, obs Observation) {
	now := t.now()

	t.mu.Lock()
	entry, ok := t.states[peerID]
	if !ok {
		entry = &peerEntry{verdict: VerdictUnknown, verdictSince: now}
		t.states[peerID] = entry
	}
	entry.lastObserved = now

	var transition *Transition
	switch obs.Kind {
	case ObservationEvidence:
		entry.failures = 0
		entry.handshakeAge = obs.HandshakeAge
		entry.hasAge = true
		if obs.HandshakeAge < t.cfg.DisconnectThreshold {
			entry.staleReads = 0
			transition = t.setVerdictLocked(peerID, entry, VerdictConnected,
				fmt.Sprintf("handshake %s ago", obs.HandshakeAge.Round(time.Second)), now)
		} else {
			entry.staleReads++
			if entry.staleReads >= t.cfg.DisconnectReads {
				transition = t.setVerdictLocked(peerID, entry, VerdictDisconnected,
					fmt.Sprintf("no handshake for %s across %d reads", obs.HandshakeAge.Round(time.Second), entry.staleReads), now)
			}
		}
	case ObservationAbsent, ObservationFailed:
		// No usable evidence: the verdict must not move toward
		// disconnected, and the stale-read debounce chain breaks.
		entry.staleReads = 0
		entry.failures++
		if entry.failures >= t.cfg.MaxFailures {
			transition = t.setVerdictLocked(peerID, entry, VerdictUnknown,
				fmt.Sprintf("%d consecutive observations without evidence", entry.failures), now)
		}
	}

	cbs := make([]TransitionCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	if transition != nil {
		for _, cb := range cbs {
			cb(*transition)
		}
	}
}

// setVerdictLocked updates the verdict and records the transition. Returns
// nil when the verdict is unchanged. Caller must hold t.mu.
func (t *Tracker) setVerdictLocked(peerID uint, entry *peerEntry, v Verdict, reason string, now time.Time) *Transition {
	if entry.verdict == v {
		return nil
	}
	tr := Transition{
		PeerID:    peerID,
		From:      entry.verdict,
		To:        v,
		Timestamp: now,
		Reason:    reason,
	}
	entry.verdict = v
	entry.verdictSince = now
	entry.record(tr)
	return &tr
}

// Snapshot returns a read-only copy of one peer's state.
func (t *Tracker) Snapshot(peerID uint) (PeerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.states[peerID]
	if !ok {
		return PeerState{}, false
	}
	return snapshotLocked(peerID, entry), true
}

// Snapshots returns read-only copies of every tracked peer's state.
func (t *Tracker) Snapshots() map[uint]PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make(map[uint]PeerState, len(t.states))
	for id, entry := range t.states {
		result[id] = snapshotLocked(id, entry)
	}
	return result
}

func snapshotLocked(peerID uint, entry *peerEntry) PeerState {
	return PeerState{
		PeerID:              peerID,
		Verdict:             entry.verdict,
		VerdictName:         entry.verdict.String(),
		VerdictSince:        entry.verdictSince,
		HandshakeAge:        entry.handshakeAge,
		HasHandshakeAge:     entry.hasAge,
		ConsecutiveFailures: entry.failures,
		LastObservedAt:      entry.lastObserved,
	}
}

// Transitions returns the verdict transition history for a peer in
// chronological order (oldest first). Up to 50 transitions are retained.
func (t *Tracker) Transitions(peerID uint) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.states[peerID]
	if !ok {
		return nil
	}
	return entry.history()
}

// Remove deletes all tracked state for a peer (deregistration).
func (t *Tracker) Remove(peerID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, peerID)
}
