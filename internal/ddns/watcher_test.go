package ddns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wgwarden/wgwarden/internal/database"
)

// mockResolver returns a configurable answer per hostname.
type mockResolver struct {
	mu      sync.Mutex
	answers map[string]string
	err     error
	calls   int
}

func (m *mockResolver) Resolve(ctx context.Context, hostname string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.answers[hostname], nil
}

func setupWatcher(t *testing.T) (*Watcher, *mockResolver, *database.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.ResolutionRecord{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}

	store := database.NewStore(db)
	resolver := &mockResolver{answers: make(map[string]string)}
	w := NewWatcher(store, resolver, time.Second)
	return w, resolver, store
}

func ddnsPeer() database.Peer {
	return database.Peer{ID: 1, Name: "office", PublicKey: "KEY", Interface: "wg0",
		Endpoint: "office.example.org:51820", Active: true}
}

func collectEvents(w *Watcher) *[]ChangeEvent {
	var mu sync.Mutex
	events := &[]ChangeEvent{}
	w.OnChange(func(ctx context.Context, ev ChangeEvent) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	})
	return events
}

func TestFirstObservationStoresWithoutEvent(t *testing.T) {
	w, resolver, store := setupWatcher(t)
	events := collectEvents(w)
	resolver.answers["office.example.org"] = "203.0.113.10"

	w.CheckAll(context.Background(), []database.Peer{ddnsPeer()})

	if len(*events) != 0 {
		t.Errorf("first observation must not emit an event, got %v", *events)
	}
	rec, _ := store.GetResolution(context.Background(), "office.example.org")
	if rec == nil || rec.ResolvedIP != "203.0.113.10" {
		t.Errorf("expected stored resolution, got %+v", rec)
	}
}

func TestUnchangedAddressEmitsNothing(t *testing.T) {
	w, resolver, _ := setupWatcher(t)
	events := collectEvents(w)
	resolver.answers["office.example.org"] = "203.0.113.10"

	peers := []database.Peer{ddnsPeer()}
	w.CheckAll(context.Background(), peers)
	w.CheckAll(context.Background(), peers)

	if len(*events) != 0 {
		t.Errorf("unchanged address emitted events: %v", *events)
	}
}

func TestChangedAddressEmitsOneEvent(t *testing.T) {
	w, resolver, _ := setupWatcher(t)
	events := collectEvents(w)
	resolver.answers["office.example.org"] = "203.0.113.10"

	peers := []database.Peer{ddnsPeer()}
	w.CheckAll(context.Background(), peers)

	resolver.answers["office.example.org"] = "203.0.113.99"
	w.CheckAll(context.Background(), peers)

	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	ev := (*events)[0]
	if ev.PreviousIP != "203.0.113.10" || ev.CurrentIP != "203.0.113.99" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.PeerID != 1 || ev.Hostname != "office.example.org" {
		t.Errorf("unexpected event identity %+v", ev)
	}
}

func TestFlapEmitsTwoEvents(t *testing.T) {
	w, resolver, _ := setupWatcher(t)
	events := collectEvents(w)
	peers := []database.Peer{ddnsPeer()}

	resolver.answers["office.example.org"] = "203.0.113.10"
	w.CheckAll(context.Background(), peers)
	resolver.answers["office.example.org"] = "203.0.113.99"
	w.CheckAll(context.Background(), peers)
	resolver.answers["office.example.org"] = "203.0.113.10"
	w.CheckAll(context.Background(), peers)

	if len(*events) != 2 {
		t.Fatalf("A->B->A must be two events, got %d", len(*events))
	}
	if (*events)[1].PreviousIP != "203.0.113.99" || (*events)[1].CurrentIP != "203.0.113.10" {
		t.Errorf("unexpected second event %+v", (*events)[1])
	}
}

func TestLookupFailureUpdatesNothing(t *testing.T) {
	w, resolver, store := setupWatcher(t)
	events := collectEvents(w)
	peers := []database.Peer{ddnsPeer()}

	resolver.answers["office.example.org"] = "203.0.113.10"
	w.CheckAll(context.Background(), peers)

	resolver.err = errors.New("SERVFAIL")
	w.CheckAll(context.Background(), peers)

	if len(*events) != 0 {
		t.Errorf("failed lookup emitted events: %v", *events)
	}
	rec, _ := store.GetResolution(context.Background(), "office.example.org")
	if rec.ResolvedIP != "203.0.113.10" {
		t.Errorf("failed lookup mutated the record: %+v", rec)
	}

	// Recovery with a changed answer is still exactly one event.
	resolver.err = nil
	resolver.answers["office.example.org"] = "203.0.113.99"
	w.CheckAll(context.Background(), peers)
	if len(*events) != 1 {
		t.Errorf("expected 1 event after recovery, got %d", len(*events))
	}
}

func TestInactiveAndIPLiteralPeersSkipped(t *testing.T) {
	w, resolver, _ := setupWatcher(t)

	inactive := ddnsPeer()
	inactive.Active = false
	literal := database.Peer{ID: 2, Name: "static", Endpoint: "203.0.113.50:51820", Active: true}
	noEndpoint := database.Peer{ID: 3, Name: "bare", Active: true}

	w.CheckAll(context.Background(), []database.Peer{inactive, literal, noEndpoint})

	if resolver.calls != 0 {
		t.Errorf("expected no lookups, got %d", resolver.calls)
	}
}

func TestSharedHostnameFansOutToAllPeers(t *testing.T) {
	w, resolver, _ := setupWatcher(t)
	events := collectEvents(w)

	first := database.Peer{ID: 1, Name: "office-a", PublicKey: "KEY_A", Interface: "wg0",
		Endpoint: "shared.example.org:51820", Active: true}
	second := database.Peer{ID: 2, Name: "office-b", PublicKey: "KEY_B", Interface: "wg1",
		Endpoint: "shared.example.org:51821", Active: true}
	peers := []database.Peer{first, second}

	resolver.answers["shared.example.org"] = "203.0.113.10"
	w.CheckAll(context.Background(), peers)

	resolver.answers["shared.example.org"] = "203.0.113.99"
	w.CheckAll(context.Background(), peers)

	if len(*events) != 2 {
		t.Fatalf("both peers behind a shared hostname must get an event, got %d: %v", len(*events), *events)
	}
	got := map[uint]bool{}
	for _, ev := range *events {
		got[ev.PeerID] = true
		if ev.PreviousIP != "203.0.113.10" || ev.CurrentIP != "203.0.113.99" {
			t.Errorf("unexpected event %+v", ev)
		}
	}
	if !got[1] || !got[2] {
		t.Errorf("change events went to peers %v, want both 1 and 2", got)
	}

	// The shared hostname is resolved once per sweep, not once per peer.
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if resolver.calls != 2 {
		t.Errorf("expected 2 lookups across 2 sweeps, got %d", resolver.calls)
	}
}

func TestPerPeerFailureDoesNotStopSweep(t *testing.T) {
	w, resolver, store := setupWatcher(t)

	first := ddnsPeer()
	second := database.Peer{ID: 2, Name: "branch", PublicKey: "KEY2", Interface: "wg0",
		Endpoint: "branch.example.org:51820", Active: true}
	resolver.answers["branch.example.org"] = "198.51.100.7"
	// office.example.org resolves to "" which is treated as no answer.

	w.CheckAll(context.Background(), []database.Peer{first, second})

	rec, _ := store.GetResolution(context.Background(), "branch.example.org")
	if rec == nil || rec.ResolvedIP != "198.51.100.7" {
		t.Errorf("second peer not processed: %+v", rec)
	}
}
