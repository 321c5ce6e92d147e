// Package engine schedules the two monitoring cycles and wires their outputs
// together: the status cycle feeds observations into the verdict tracker, the
// resolve cycle feeds hostname lookups into the endpoint watcher, and verdict
// transitions fan out to the alert dispatcher, the reconnect controller, and
// the event hub.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wgwarden/wgwarden/internal/alerts"
	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/ddns"
	"github.com/wgwarden/wgwarden/internal/reconnect"
	"github.com/wgwarden/wgwarden/internal/tracker"
	"github.com/wgwarden/wgwarden/internal/wgstatus"
)

// stopGrace bounds how long Stop waits for a running cycle to finish.
var stopGrace = 10 * time.Second

// StatusReader is the status query surface the engine consumes. Satisfied by
// *wgstatus.Reader.
type StatusReader interface {
	QueryInterface(ctx context.Context, iface string) (map[string]wgstatus.PeerFacts, error)
}

// ReconnectTrigger starts reconnect attempts. Satisfied by
// *reconnect.Controller.
type ReconnectTrigger interface {
	Trigger(ctx context.Context, peer database.Peer, newEndpoint, reason string, forced bool) error
}

// Config holds the engine's cycle timing.
type Config struct {
	StatusInterval  time.Duration
	ResolveInterval time.Duration
	QueryTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.ResolveInterval <= 0 {
		c.ResolveInterval = time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	return c
}

// Engine owns the monitoring schedule and the glue between components.
type Engine struct {
	cfg         Config
	reader      StatusReader
	tracker     *tracker.Tracker
	dispatcher  *alerts.Dispatcher
	watcher     *ddns.Watcher
	reconnector ReconnectTrigger
	store       *database.Store
	hub         *Hub

	cron    *cron.Cron
	baseCtx context.Context

	mu              sync.Mutex
	lastStatusTick  time.Time
	lastResolveTick time.Time
	statusRunning   bool
	resolveRunning  bool
}

// New creates an Engine and registers its transition and change handlers on
// the tracker and watcher.
func New(cfg Config, reader StatusReader, trk *tracker.Tracker, dispatcher *alerts.Dispatcher,
	watcher *ddns.Watcher, reconnector ReconnectTrigger, store *database.Store, hub *Hub) *Engine {
	e := &Engine{
		cfg:         cfg.withDefaults(),
		reader:      reader,
		tracker:     trk,
		dispatcher:  dispatcher,
		watcher:     watcher,
		reconnector: reconnector,
		store:       store,
		hub:         hub,
	}
	trk.OnTransition(e.handleTransition)
	watcher.OnChange(func(ctx context.Context, ev ddns.ChangeEvent) {
		hub.Publish(EventEndpointChange, ev)
	})
	return e
}

// Start launches both cycles on their schedules and runs an immediate first
// status cycle so the dashboard has data before the first interval elapses.
func (e *Engine) Start(ctx context.Context) error {
	e.baseCtx = ctx
	e.cron = cron.New()

	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.cfg.StatusInterval), func() {
		e.RunStatusCycle(e.baseCtx)
	}); err != nil {
		return fmt.Errorf("schedule status cycle: %w", err)
	}
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.cfg.ResolveInterval), func() {
		e.RunResolveCycle(e.baseCtx)
	}); err != nil {
		return fmt.Errorf("schedule resolve cycle: %w", err)
	}

	e.cron.Start()
	go e.RunStatusCycle(ctx)
	go e.RunResolveCycle(ctx)

	log.Printf("Monitoring engine started (status every %s, resolve every %s)",
		e.cfg.StatusInterval, e.cfg.ResolveInterval)
	return nil
}

// Stop halts the schedule and waits, with a bounded grace period, for any
// running cycle to finish.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopGrace):
		log.Printf("Engine stop grace period elapsed with cycles still running")
	}
}

// CycleTimes reports when each cycle last completed. Zero times mean the cycle
// has not completed yet.
func (e *Engine) CycleTimes() (status, resolve time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStatusTick, e.lastResolveTick
}

// RunStatusCycle performs one full status sweep: query every interface that
// has active peers, feed the tracker, and refresh the durable snapshots. A
// cycle that starts while the previous one is still running is skipped, so
// overlapping ticks cannot double-observe.
func (e *Engine) RunStatusCycle(ctx context.Context) {
	e.mu.Lock()
	if e.statusRunning {
		e.mu.Unlock()
		log.Printf("Status cycle still running, skipping tick")
		return
	}
	e.statusRunning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.statusRunning = false
		e.lastStatusTick = time.Now().UTC()
		e.mu.Unlock()
	}()

	peers, err := database.ListPeers()
	if err != nil {
		log.Printf("Status cycle: cannot list peers: %v", err)
		return
	}

	byInterface := make(map[string][]database.Peer)
	for _, p := range peers {
		if !p.Active {
			// Inactive peers are not observed at all; their interface being
			// absent is the expected state, not evidence of anything.
			continue
		}
		byInterface[p.Interface] = append(byInterface[p.Interface], p)
	}

	for iface, ifacePeers := range byInterface {
		e.observeInterface(ctx, iface, ifacePeers)
	}

	for _, p := range peers {
		if !p.Active {
			continue
		}
		e.saveSnapshot(ctx, p.ID)
	}
}

// observeInterface queries one interface and converts the result into one
// observation per active peer on it.
func (e *Engine) observeInterface(ctx context.Context, iface string, peers []database.Peer) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	facts, err := e.reader.QueryInterface(qctx, iface)
	cancel()

	if err != nil {
		// Both failure classes count as failed observations for active
		// peers; a missing interface just logs more quietly because it is
		// usually an operator action, not a fault.
		if errors.Is(err, wgstatus.ErrInterfaceUnavailable) {
			log.Printf("Interface %s unavailable with %d active peer(s)", iface, len(peers))
		} else {
			log.Printf("Status query failed for %s: %v", iface, err)
		}
		for _, p := range peers {
			e.tracker.Observe(p.ID, tracker.Observation{Kind: tracker.ObservationFailed})
		}
		return
	}

	for _, p := range peers {
		f, ok := facts[p.PublicKey]
		if !ok || !f.HasHandshake {
			e.tracker.Observe(p.ID, tracker.Observation{Kind: tracker.ObservationAbsent})
			continue
		}
		e.tracker.Observe(p.ID, tracker.Observation{
			Kind:         tracker.ObservationEvidence,
			HandshakeAge: f.HandshakeAge,
			RxBytes:      f.RxBytes,
			TxBytes:      f.TxBytes,
		})
	}
}

// saveSnapshot mirrors a peer's runtime state into the durable snapshot row.
func (e *Engine) saveSnapshot(ctx context.Context, peerID uint) {
	state, ok := e.tracker.Snapshot(peerID)
	if !ok {
		return
	}
	age := time.Duration(-1)
	if state.HasHandshakeAge {
		age = state.HandshakeAge
	}
	snap := &database.StateSnapshot{
		PeerID:       peerID,
		Verdict:      state.VerdictName,
		VerdictSince: state.VerdictSince,
		HandshakeAge: age,
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		log.Printf("Cannot save state snapshot for peer %d: %v", peerID, err)
	}
}

// RunResolveCycle performs one endpoint resolution sweep.
func (e *Engine) RunResolveCycle(ctx context.Context) {
	e.mu.Lock()
	if e.resolveRunning {
		e.mu.Unlock()
		log.Printf("Resolve cycle still running, skipping tick")
		return
	}
	e.resolveRunning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.resolveRunning = false
		e.lastResolveTick = time.Now().UTC()
		e.mu.Unlock()
	}()

	peers, err := database.ListPeers()
	if err != nil {
		log.Printf("Resolve cycle: cannot list peers: %v", err)
		return
	}
	e.watcher.CheckAll(ctx, peers)
	e.retryDisconnected(ctx, peers)
}

// retryDisconnected re-triggers reconnection for hostname-monitored peers
// whose verdict is still disconnected. A verdict transition fires only once,
// so without this sweep a peer whose first attempt failed would wait forever:
// the cooldown expires but nothing asks again. The controller's cooldown,
// in-flight, and exhausted gates decide whether an attempt actually starts.
func (e *Engine) retryDisconnected(ctx context.Context, peers []database.Peer) {
	for _, p := range peers {
		if !p.Active || p.Hostname() == "" {
			continue
		}
		state, ok := e.tracker.Snapshot(p.ID)
		if !ok || state.Verdict != tracker.VerdictDisconnected {
			continue
		}
		reason := fmt.Sprintf("still disconnected since %s", state.VerdictSince.Format(time.RFC3339))
		e.triggerReconnect(ctx, p, reason)
	}
}

// handleTransition fans one verdict change out to the hub, the alert
// dispatcher, and (for sustained disconnects of hostname-monitored peers) the
// reconnect controller.
func (e *Engine) handleTransition(tr tracker.Transition) {
	e.hub.Publish(EventTransition, tr)

	peer, err := database.GetPeer(tr.PeerID)
	if err != nil {
		log.Printf("Transition for unknown peer %d: %v", tr.PeerID, err)
		return
	}

	ctx := e.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	e.dispatcher.HandleTransition(ctx, *peer, tr)

	if tr.To == tracker.VerdictDisconnected && peer.Hostname() != "" {
		e.triggerReconnect(ctx, *peer, fmt.Sprintf("sustained disconnect: %s", tr.Reason))
	}
}

// triggerReconnect starts a non-forced reconnect attempt. Gate errors are
// expected operational states, not faults.
func (e *Engine) triggerReconnect(ctx context.Context, peer database.Peer, reason string) {
	if err := e.reconnector.Trigger(ctx, peer, "", reason, false); err != nil {
		switch {
		case errors.Is(err, reconnect.ErrCoolingDown),
			errors.Is(err, reconnect.ErrExhausted),
			errors.Is(err, reconnect.ErrInProgress):
			log.Printf("Auto-reconnect gated for peer %d: %v", peer.ID, err)
		default:
			log.Printf("Auto-reconnect failed to start for peer %d: %v", peer.ID, err)
		}
	}
}
