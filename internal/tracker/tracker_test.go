package tracker

import (
	"sync"
	"testing"
	"time"
)

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	trk := New(Config{
		DisconnectThreshold: 30 * time.Minute,
		DisconnectReads:     2,
		MaxFailures:         5,
	})
	trk.now = func() time.Time { return now }
	return trk, &now
}

func evidence(age time.Duration) Observation {
	return Observation{Kind: ObservationEvidence, HandshakeAge: age}
}

func TestFreshEvidenceConnects(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(10*time.Second))

	state, ok := trk.Snapshot(1)
	if !ok {
		t.Fatal("expected state for peer 1")
	}
	if state.Verdict != VerdictConnected {
		t.Errorf("expected connected, got %s", state.Verdict)
	}
}

func TestSingleStaleReadDoesNotDisconnect(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(time.Second))
	trk.Observe(1, evidence(45*time.Minute))

	state, _ := trk.Snapshot(1)
	if state.Verdict != VerdictConnected {
		t.Errorf("one stale read flipped the verdict to %s", state.Verdict)
	}
}

func TestConsecutiveStaleReadsDisconnect(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(time.Second))
	trk.Observe(1, evidence(45*time.Minute))
	trk.Observe(1, evidence(46*time.Minute))

	state, _ := trk.Snapshot(1)
	if state.Verdict != VerdictDisconnected {
		t.Errorf("expected disconnected after 2 stale reads, got %s", state.Verdict)
	}
}

func TestFailedReadBreaksStaleChain(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(time.Second))
	trk.Observe(1, evidence(45*time.Minute))
	trk.Observe(1, Observation{Kind: ObservationFailed})
	trk.Observe(1, evidence(46*time.Minute))

	// The failed read between the two stale reads resets the debounce count,
	// so only one consecutive stale read has been seen.
	state, _ := trk.Snapshot(1)
	if state.Verdict != VerdictConnected {
		t.Errorf("stale-read chain must restart after a failed observation, got %s", state.Verdict)
	}
}

func TestFailuresNeverDisconnect(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(time.Second))
	for i := 0; i < 4; i++ {
		trk.Observe(1, Observation{Kind: ObservationFailed})
	}

	state, _ := trk.Snapshot(1)
	if state.Verdict != VerdictConnected {
		t.Errorf("failures below the threshold moved the verdict to %s", state.Verdict)
	}
}

func TestSustainedFailuresDegradeToUnknown(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(time.Second))
	for i := 0; i < 5; i++ {
		trk.Observe(1, Observation{Kind: ObservationFailed})
	}

	state, _ := trk.Snapshot(1)
	if state.Verdict != VerdictUnknown {
		t.Errorf("expected unknown after 5 failures, got %s", state.Verdict)
	}
	if state.ConsecutiveFailures != 5 {
		t.Errorf("expected 5 consecutive failures, got %d", state.ConsecutiveFailures)
	}
}

func TestEvidenceResetsFailureCount(t *testing.T) {
	trk, _ := newTestTracker()
	for i := 0; i < 3; i++ {
		trk.Observe(1, Observation{Kind: ObservationFailed})
	}
	trk.Observe(1, evidence(time.Second))
	for i := 0; i < 4; i++ {
		trk.Observe(1, Observation{Kind: ObservationFailed})
	}

	state, _ := trk.Snapshot(1)
	if state.Verdict != VerdictConnected {
		t.Errorf("failure count survived a successful read; verdict %s", state.Verdict)
	}
}

func TestFlapProducesTwoTransitions(t *testing.T) {
	trk, _ := newTestTracker()
	var mu sync.Mutex
	var seen []Transition
	trk.OnTransition(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	trk.Observe(1, evidence(time.Second)) // unknown -> connected
	trk.Observe(1, evidence(45*time.Minute))
	trk.Observe(1, evidence(46*time.Minute)) // connected -> disconnected
	trk.Observe(1, evidence(time.Second))    // disconnected -> connected

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(seen))
	}
	if seen[1].From != VerdictConnected || seen[1].To != VerdictDisconnected {
		t.Errorf("unexpected second transition: %s -> %s", seen[1].From, seen[1].To)
	}
	if seen[2].From != VerdictDisconnected || seen[2].To != VerdictConnected {
		t.Errorf("unexpected third transition: %s -> %s", seen[2].From, seen[2].To)
	}
}

func TestRepeatedVerdictEmitsNoTransition(t *testing.T) {
	trk, _ := newTestTracker()
	count := 0
	trk.OnTransition(func(Transition) { count++ })

	for i := 0; i < 10; i++ {
		trk.Observe(1, evidence(time.Second))
	}
	if count != 1 {
		t.Errorf("expected exactly 1 transition for a steady peer, got %d", count)
	}
}

func TestTransitionHistoryOrder(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(time.Second))
	trk.Observe(1, evidence(45*time.Minute))
	trk.Observe(1, evidence(46*time.Minute))

	history := trk.Transitions(1)
	if len(history) != 2 {
		t.Fatalf("expected 2 recorded transitions, got %d", len(history))
	}
	if history[0].To != VerdictConnected || history[1].To != VerdictDisconnected {
		t.Errorf("history out of order: %v", history)
	}
}

func TestTransitionHistoryRingOverflow(t *testing.T) {
	trk, _ := newTestTracker()
	// Alternate fresh and doubly-stale evidence to force a transition on
	// most observations.
	for i := 0; i < 60; i++ {
		trk.Observe(1, evidence(time.Second))
		trk.Observe(1, evidence(45*time.Minute))
		trk.Observe(1, evidence(46*time.Minute))
	}

	history := trk.Transitions(1)
	if len(history) != transitionBufferSize {
		t.Fatalf("expected ring capped at %d, got %d", transitionBufferSize, len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].From != history[i-1].To {
			t.Fatalf("history not contiguous at %d: %v -> %v", i, history[i-1], history[i])
		}
	}
}

func TestRemoveDropsState(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(1, evidence(time.Second))
	trk.Remove(1)

	if _, ok := trk.Snapshot(1); ok {
		t.Error("expected no state after Remove")
	}
	if trs := trk.Transitions(1); trs != nil {
		t.Errorf("expected no transitions after Remove, got %v", trs)
	}
}

func TestUnknownPeerStartsUnknown(t *testing.T) {
	trk, _ := newTestTracker()
	trk.Observe(7, Observation{Kind: ObservationAbsent})

	state, ok := trk.Snapshot(7)
	if !ok {
		t.Fatal("expected state for observed peer")
	}
	if state.Verdict != VerdictUnknown {
		t.Errorf("expected unknown for new peer without evidence, got %s", state.Verdict)
	}
}
