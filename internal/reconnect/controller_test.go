package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wgwarden/wgwarden/internal/alerts"
	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/ddns"
	"github.com/wgwarden/wgwarden/internal/wgctl"
	"github.com/wgwarden/wgwarden/internal/wgstatus"
)

// mockTunnel counts interface operations and returns canned errors.
type mockTunnel struct {
	mu        sync.Mutex
	downs     int
	ups       int
	endpoints []string
	downErr   error
	upErr     error
	setErr    error
}

func (m *mockTunnel) BringDown(ctx context.Context, iface string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downs++
	return m.downErr
}

func (m *mockTunnel) BringUp(ctx context.Context, iface string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ups++
	return m.upErr
}

func (m *mockTunnel) SetEndpoint(ctx context.Context, iface, publicKey, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = append(m.endpoints, endpoint)
	return m.setErr
}

func (m *mockTunnel) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downs, m.ups
}

// mockStatus returns canned interface facts.
type mockStatus struct {
	mu    sync.Mutex
	facts map[string]wgstatus.PeerFacts
	err   error
}

func (m *mockStatus) QueryInterface(ctx context.Context, iface string) (map[string]wgstatus.PeerFacts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.facts, nil
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (m *mockNotifier) Send(ctx context.Context, alert alerts.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockNotifier) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []string
	for _, a := range m.sent {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func fastTimings(t *testing.T) {
	t.Helper()
	origSettle, origPoll := settleDelay, confirmPollInterval
	settleDelay, confirmPollInterval = time.Millisecond, time.Millisecond
	t.Cleanup(func() { settleDelay, confirmPollInterval = origSettle, origPoll })
}

func setupController(t *testing.T) (*Controller, *mockTunnel, *mockStatus, *mockNotifier, *database.Store) {
	t.Helper()
	fastTimings(t)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Peer{}, &database.AlertRecord{}, &database.ReconnectAttempt{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	database.DB = db

	store := database.NewStore(db)
	notifier := &mockNotifier{}
	dispatcher := alerts.NewDispatcher(store, notifier, time.Hour, true)

	tunnel := &mockTunnel{}
	status := &mockStatus{facts: map[string]wgstatus.PeerFacts{}}
	c := NewController(Config{
		MaxAttempts:   3,
		Cooldown:      5 * time.Minute,
		ConfirmWindow: 50 * time.Millisecond,
	}, tunnel, status, store, dispatcher)
	return c, tunnel, status, notifier, store
}

func reconnectPeer() database.Peer {
	return database.Peer{ID: 1, Name: "office", PublicKey: "OFFICE_KEY", Interface: "wg0",
		Endpoint: "office.example.org:51820", Active: true}
}

func freshHandshake(key string) map[string]wgstatus.PeerFacts {
	return map[string]wgstatus.PeerFacts{
		key: {PublicKey: key, HasHandshake: true, HandshakeAge: time.Second},
	}
}

func TestReconnectSuccessResetsState(t *testing.T) {
	c, tunnel, status, notifier, store := setupController(t)
	status.facts = freshHandshake("OFFICE_KEY")
	peer := reconnectPeer()

	if err := c.Trigger(context.Background(), peer, "", "test", false); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	c.wg.Wait()

	rec, _ := store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec == nil || rec.State != database.ReconnectIdle || rec.AttemptCount != 0 {
		t.Errorf("expected idle state with zeroed attempts, got %+v", rec)
	}
	downs, ups := tunnel.counts()
	if downs != 1 || ups != 1 {
		t.Errorf("expected one down/up cycle, got %d/%d", downs, ups)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != database.AlertReconnectSuccess {
		t.Errorf("expected a success notification, got %v", kinds)
	}

	events := c.events.history(peer.ID)
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{EventTriggered, EventAttempt, EventSucceeded}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestReconnectAppliesNewEndpoint(t *testing.T) {
	c, tunnel, status, _, _ := setupController(t)
	status.facts = freshHandshake("OFFICE_KEY")

	if err := c.Trigger(context.Background(), reconnectPeer(), "203.0.113.99:51820", "endpoint change", false); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	c.wg.Wait()

	tunnel.mu.Lock()
	defer tunnel.mu.Unlock()
	if len(tunnel.endpoints) != 1 || tunnel.endpoints[0] != "203.0.113.99:51820" {
		t.Errorf("expected endpoint refresh, got %v", tunnel.endpoints)
	}
}

func TestAlreadyDownIsNotAFailure(t *testing.T) {
	c, tunnel, status, notifier, store := setupController(t)
	status.facts = freshHandshake("OFFICE_KEY")
	tunnel.downErr = fmt.Errorf("%w: wg0 is already down", wgctl.ErrAlreadyInState)

	if err := c.Trigger(context.Background(), reconnectPeer(), "", "test", false); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	c.wg.Wait()

	rec, _ := store.GetReconnectAttempt(context.Background(), 1)
	if rec.State != database.ReconnectIdle {
		t.Errorf("already-down must not fail the attempt, state %s", rec.State)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != database.AlertReconnectSuccess {
		t.Errorf("expected success, got %v", kinds)
	}
}

func TestFailedAttemptArmsCooldown(t *testing.T) {
	c, _, _, notifier, store := setupController(t)
	// No handshake facts at all: confirmation times out.
	peer := reconnectPeer()

	if err := c.Trigger(context.Background(), peer, "", "test", false); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	c.wg.Wait()

	rec, _ := store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec.AttemptCount != 1 || rec.State != database.ReconnectAttempting {
		t.Errorf("unexpected record after failure: %+v", rec)
	}
	if rec.CooldownUntil.IsZero() {
		t.Error("cooldown not armed after failure")
	}
	if kinds := notifier.kinds(); len(kinds) != 0 {
		t.Errorf("intermediate failure must not notify, got %v", kinds)
	}

	// Next automatic trigger inside the cooldown is rejected.
	err := c.Trigger(context.Background(), peer, "", "test", false)
	if !errors.Is(err, ErrCoolingDown) {
		t.Errorf("expected ErrCoolingDown, got %v", err)
	}
}

func TestForcedTriggerBypassesCooldown(t *testing.T) {
	c, _, _, _, store := setupController(t)
	peer := reconnectPeer()

	if err := c.Trigger(context.Background(), peer, "", "test", false); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	c.wg.Wait()

	if err := c.Trigger(context.Background(), peer, "", "operator", true); err != nil {
		t.Fatalf("forced trigger during cooldown: %v", err)
	}
	c.wg.Wait()

	rec, _ := store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec.AttemptCount != 2 {
		t.Errorf("forced attempts must still count, got %d", rec.AttemptCount)
	}
}

func TestExhaustionStopsAttempts(t *testing.T) {
	c, tunnel, _, notifier, store := setupController(t)
	peer := reconnectPeer()

	for i := 0; i < 3; i++ {
		if err := c.Trigger(context.Background(), peer, "", "test", true); err != nil {
			t.Fatalf("trigger %d: %v", i+1, err)
		}
		c.wg.Wait()
	}

	rec, _ := store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec.State != database.ReconnectExhausted || rec.AttemptCount != 3 {
		t.Fatalf("expected exhausted after 3 failures, got %+v", rec)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != database.AlertReconnectFailure {
		t.Errorf("expected exactly one exhaustion notification, got %v", kinds)
	}

	downsBefore, _ := tunnel.counts()
	err := c.Trigger(context.Background(), peer, "", "test", true)
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	c.wg.Wait()
	downsAfter, _ := tunnel.counts()
	if downsAfter != downsBefore {
		t.Error("exhausted peer must not touch the tunnel")
	}
}

func TestClearReturnsExhaustedPeerToIdle(t *testing.T) {
	c, _, status, _, store := setupController(t)
	peer := reconnectPeer()

	for i := 0; i < 3; i++ {
		if err := c.Trigger(context.Background(), peer, "", "test", true); err != nil {
			t.Fatalf("trigger %d: %v", i+1, err)
		}
		c.wg.Wait()
	}

	if err := c.Clear(context.Background(), peer.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rec, _ := store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec.State != database.ReconnectIdle || rec.AttemptCount != 0 {
		t.Errorf("clear did not reset the record: %+v", rec)
	}

	// The cleared peer can reconnect again.
	status.facts = freshHandshake("OFFICE_KEY")
	if err := c.Trigger(context.Background(), peer, "", "test", false); err != nil {
		t.Fatalf("trigger after clear: %v", err)
	}
	c.wg.Wait()
	rec, _ = store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec.State != database.ReconnectIdle || rec.AttemptCount != 0 {
		t.Errorf("unexpected record after post-clear success: %+v", rec)
	}
}

// blockingTunnel parks BringDown until the attempt context is cancelled.
type blockingTunnel struct {
	entered chan struct{}
}

func (b *blockingTunnel) BringDown(ctx context.Context, iface string) error {
	close(b.entered)
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingTunnel) BringUp(ctx context.Context, iface string) error { return nil }

func (b *blockingTunnel) SetEndpoint(ctx context.Context, iface, publicKey, endpoint string) error {
	return nil
}

func TestStopAbortsAttemptWithoutCounting(t *testing.T) {
	c, _, status, notifier, store := setupController(t)
	peer := reconnectPeer()

	entered := make(chan struct{})
	c.ctl = &blockingTunnel{entered: entered}

	if err := c.Trigger(context.Background(), peer, "", "test", false); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	<-entered
	c.Stop()

	rec, _ := store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec == nil {
		t.Fatal("expected a persisted record for the aborted attempt")
	}
	if rec.AttemptCount != 0 || rec.State != database.ReconnectIdle {
		t.Errorf("aborted attempt must not count, got %+v", rec)
	}
	if !rec.CooldownUntil.IsZero() {
		t.Error("aborted attempt must not arm the cooldown")
	}
	if rec.LastOutcome != "aborted" {
		t.Errorf("unexpected outcome %q", rec.LastOutcome)
	}
	if kinds := notifier.kinds(); len(kinds) != 0 {
		t.Errorf("aborted attempt must not notify, got %v", kinds)
	}

	// The peer is immediately eligible again.
	c.ctl = &mockTunnel{}
	status.facts = freshHandshake("OFFICE_KEY")
	if err := c.Trigger(context.Background(), peer, "", "test", false); err != nil {
		t.Fatalf("trigger after abort: %v", err)
	}
	c.wg.Wait()
	rec, _ = store.GetReconnectAttempt(context.Background(), peer.ID)
	if rec.State != database.ReconnectIdle || rec.LastOutcome != "success" {
		t.Errorf("unexpected record after post-abort success: %+v", rec)
	}
}

func TestConcurrentTriggerRejected(t *testing.T) {
	c, _, _, _, _ := setupController(t)
	peer := reconnectPeer()

	c.mu.Lock()
	c.inFlight[peer.ID] = func() {}
	c.mu.Unlock()

	err := c.Trigger(context.Background(), peer, "", "test", false)
	if !errors.Is(err, ErrInProgress) {
		t.Errorf("expected ErrInProgress, got %v", err)
	}
}

func TestHandleEndpointChangeRewritesEndpoint(t *testing.T) {
	c, tunnel, status, _, _ := setupController(t)
	status.facts = freshHandshake("OFFICE_KEY")

	peer := reconnectPeer()
	peer.ID = 0
	if err := database.DB.Create(&peer).Error; err != nil {
		t.Fatalf("create peer: %v", err)
	}

	c.HandleEndpointChange(context.Background(), ddns.ChangeEvent{
		PeerID:     peer.ID,
		Hostname:   "office.example.org",
		PreviousIP: "203.0.113.10",
		CurrentIP:  "203.0.113.99",
		Timestamp:  time.Now(),
	})
	c.wg.Wait()

	tunnel.mu.Lock()
	defer tunnel.mu.Unlock()
	if len(tunnel.endpoints) != 1 || tunnel.endpoints[0] != "203.0.113.99:51820" {
		t.Errorf("expected rewritten endpoint, got %v", tunnel.endpoints)
	}
}

func TestRewriteEndpoint(t *testing.T) {
	cases := []struct {
		endpoint, ip, want string
	}{
		{"office.example.org:51820", "203.0.113.99", "203.0.113.99:51820"},
		{"", "203.0.113.99", ""},
		{"no-port-endpoint", "203.0.113.99", ""},
	}
	for _, tc := range cases {
		if got := rewriteEndpoint(tc.endpoint, tc.ip); got != tc.want {
			t.Errorf("rewriteEndpoint(%q, %q) = %q, want %q", tc.endpoint, tc.ip, got, tc.want)
		}
	}
}

func TestStatusSynthesizesIdleRecord(t *testing.T) {
	c, _, _, _, _ := setupController(t)

	rec, events, err := c.Status(context.Background(), 42)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.State != database.ReconnectIdle || rec.MaxAttempts != 3 {
		t.Errorf("unexpected synthesized record: %+v", rec)
	}
	if events != nil {
		t.Errorf("expected no events, got %v", events)
	}
}
