// Package reconnect implements bounded automatic reconnection for peers whose
// tunnel went quiet or whose dynamic endpoint moved.
//
// Each peer owns an independent state machine (idle, attempting, exhausted)
// persisted as a ReconnectAttempt row. An attempt cycles the interface down
// and up, optionally refreshes the peer endpoint first, then waits for a fresh
// handshake inside a confirmation window before declaring success. Attempts
// are capped; once the cap is hit the controller goes silent for that peer
// until an operator clears the state.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/wgwarden/wgwarden/internal/alerts"
	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/ddns"
	"github.com/wgwarden/wgwarden/internal/logutil"
	"github.com/wgwarden/wgwarden/internal/wgctl"
	"github.com/wgwarden/wgwarden/internal/wgstatus"
)

// Timing knobs for one attempt. Package-level vars so tests can override.
var (
	settleDelay         = 2 * time.Second // pause between down and up
	confirmPollInterval = 2 * time.Second
	confirmFreshAge     = 90 * time.Second // handshake newer than this confirms the tunnel
)

// Gate errors returned by Trigger. All are expected operational conditions,
// not faults.
var (
	ErrExhausted   = errors.New("reconnect attempts exhausted, clear required")
	ErrCoolingDown = errors.New("reconnect cooling down")
	ErrInProgress  = errors.New("reconnect already in progress")
)

// StatusReader confirms tunnel health after a cycle. Satisfied by
// *wgstatus.Reader.
type StatusReader interface {
	QueryInterface(ctx context.Context, iface string) (map[string]wgstatus.PeerFacts, error)
}

// Config bounds the controller's retry behavior.
type Config struct {
	MaxAttempts   int           // attempts before the peer goes exhausted
	Cooldown      time.Duration // minimum gap between attempts for one peer
	ConfirmWindow time.Duration // how long to wait for a fresh handshake
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = 30 * time.Second
	}
	return c
}

// Controller runs reconnect attempts. Attempts execute asynchronously; at most
// one attempt per peer is in flight at a time.
type Controller struct {
	cfg        Config
	ctl        wgctl.Controller
	reader     StatusReader
	store      *database.Store
	dispatcher *alerts.Dispatcher
	events     *eventLog

	mu       sync.Mutex
	inFlight map[uint]context.CancelFunc
	sinks    []func(Event)
	wg       sync.WaitGroup

	now func() time.Time // injectable for tests
}

// NewController creates a Controller.
func NewController(cfg Config, ctl wgctl.Controller, reader StatusReader, store *database.Store, dispatcher *alerts.Dispatcher) *Controller {
	return &Controller{
		cfg:        cfg.withDefaults(),
		ctl:        ctl,
		reader:     reader,
		store:      store,
		dispatcher: dispatcher,
		events:     newEventLog(),
		inFlight:   make(map[uint]context.CancelFunc),
		now:        time.Now,
	}
}

// OnEvent registers a callback invoked for every recorded lifecycle event.
// Must be called before the controller starts receiving triggers.
func (c *Controller) OnEvent(cb func(Event)) {
	c.sinks = append(c.sinks, cb)
}

// emit records an event in the history buffer and fans it out to sinks.
func (c *Controller) emit(ev Event) {
	c.events.record(ev)
	for _, sink := range c.sinks {
		sink(ev)
	}
}

// Trigger starts an asynchronous reconnect attempt for a peer if the gates
// allow it. newEndpoint, when non-empty, is a freshly resolved address to
// apply before cycling; reason is recorded in the event history. forced
// bypasses the cooldown gate once (the attempt still counts), but never the
// exhausted state.
func (c *Controller) Trigger(ctx context.Context, peer database.Peer, newEndpoint, reason string, forced bool) error {
	rec, err := c.store.GetReconnectAttempt(ctx, peer.ID)
	if err != nil {
		return fmt.Errorf("reconnect trigger for peer %d: %w", peer.ID, err)
	}
	if rec == nil {
		rec = &database.ReconnectAttempt{
			PeerID:      peer.ID,
			State:       database.ReconnectIdle,
			MaxAttempts: c.cfg.MaxAttempts,
		}
	}

	now := c.now().UTC()
	if rec.State == database.ReconnectExhausted || rec.AttemptCount >= rec.MaxAttempts {
		return fmt.Errorf("peer %d: %w", peer.ID, ErrExhausted)
	}
	if !forced && now.Before(rec.CooldownUntil) {
		return fmt.Errorf("peer %d until %s: %w", peer.ID, rec.CooldownUntil.Format(time.RFC3339), ErrCoolingDown)
	}

	c.mu.Lock()
	if _, busy := c.inFlight[peer.ID]; busy {
		c.mu.Unlock()
		return fmt.Errorf("peer %d: %w", peer.ID, ErrInProgress)
	}
	attemptCtx, cancel := context.WithCancel(context.Background())
	c.inFlight[peer.ID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.emit(Event{PeerID: peer.ID, Type: EventTriggered, Timestamp: now, Details: reason})
	log.Printf("Reconnect triggered for peer %d (%s): %s", peer.ID, logutil.SanitizeForLog(peer.Name), reason)

	go c.attempt(attemptCtx, peer, newEndpoint, rec)
	return nil
}

// HandleEndpointChange is the ddns change handler: it refreshes the peer's
// endpoint and cycles the tunnel so traffic follows the new address.
func (c *Controller) HandleEndpointChange(ctx context.Context, ev ddns.ChangeEvent) {
	peer, err := database.GetPeer(ev.PeerID)
	if err != nil {
		log.Printf("Endpoint change for unknown peer %d: %v", ev.PeerID, err)
		return
	}
	endpoint := rewriteEndpoint(peer.Endpoint, ev.CurrentIP)
	reason := fmt.Sprintf("endpoint %s moved %s -> %s", ev.Hostname, ev.PreviousIP, ev.CurrentIP)
	if err := c.Trigger(ctx, *peer, endpoint, reason, false); err != nil {
		log.Printf("Endpoint-change reconnect not started for peer %d: %v", ev.PeerID, err)
	}
}

// rewriteEndpoint swaps the host of a host:port endpoint for the new address,
// keeping the original port.
func rewriteEndpoint(endpoint, newIP string) string {
	if endpoint == "" || newIP == "" {
		return ""
	}
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(newIP, port)
}

// attempt runs one full reconnect cycle for a peer and records the outcome.
func (c *Controller) attempt(ctx context.Context, peer database.Peer, newEndpoint string, rec *database.ReconnectAttempt) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.inFlight[peer.ID]; ok {
			cancel()
			delete(c.inFlight, peer.ID)
		}
		c.mu.Unlock()
	}()

	now := c.now().UTC()
	rec.State = database.ReconnectAttempting
	rec.AttemptCount++
	rec.LastAttemptAt = now
	if err := c.store.SaveReconnectAttempt(ctx, rec); err != nil {
		log.Printf("Cannot persist reconnect attempt start for peer %d: %v", peer.ID, err)
	}
	c.emit(Event{
		PeerID:    peer.ID,
		Type:      EventAttempt,
		Timestamp: now,
		Details:   fmt.Sprintf("attempt %d/%d", rec.AttemptCount, rec.MaxAttempts),
	})

	err := c.performCycle(ctx, peer, newEndpoint)
	switch {
	case err == nil:
		c.finishSuccess(ctx, peer, rec)
	case errors.Is(err, context.Canceled):
		c.abortAttempt(peer, rec)
	default:
		c.finishFailure(ctx, peer, rec, err)
	}
}

// performCycle tears the interface down, applies the new endpoint if any,
// brings it back up, and waits for a fresh handshake.
func (c *Controller) performCycle(ctx context.Context, peer database.Peer, newEndpoint string) error {
	if err := c.ctl.BringDown(ctx, peer.Interface); err != nil && !errors.Is(err, wgctl.ErrAlreadyInState) {
		return err
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.ctl.BringUp(ctx, peer.Interface); err != nil && !errors.Is(err, wgctl.ErrAlreadyInState) {
		return err
	}

	if newEndpoint != "" {
		if err := c.ctl.SetEndpoint(ctx, peer.Interface, peer.PublicKey, newEndpoint); err != nil {
			return err
		}
	}

	return c.confirm(ctx, peer)
}

// confirm polls for a fresh handshake until the confirmation window closes.
// A cycled interface that never completes a handshake is a failed attempt.
func (c *Controller) confirm(ctx context.Context, peer database.Peer) error {
	deadline := c.now().Add(c.cfg.ConfirmWindow)
	for {
		facts, err := c.reader.QueryInterface(ctx, peer.Interface)
		if err == nil {
			if f, ok := facts[peer.PublicKey]; ok && f.HasHandshake && f.HandshakeAge <= confirmFreshAge {
				return nil
			}
		}

		if !c.now().Before(deadline) {
			return fmt.Errorf("no fresh handshake within %s", c.cfg.ConfirmWindow)
		}
		select {
		case <-time.After(confirmPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finishSuccess resets the peer's reconnect state and notifies.
func (c *Controller) finishSuccess(ctx context.Context, peer database.Peer, rec *database.ReconnectAttempt) {
	attempts := rec.AttemptCount
	now := c.now().UTC()

	rec.State = database.ReconnectIdle
	rec.AttemptCount = 0
	rec.LastOutcome = "success"
	rec.CooldownUntil = time.Time{}
	if err := c.store.SaveReconnectAttempt(ctx, rec); err != nil {
		log.Printf("Cannot persist reconnect success for peer %d: %v", peer.ID, err)
	}

	c.emit(Event{PeerID: peer.ID, Type: EventSucceeded, Timestamp: now,
		Details: fmt.Sprintf("confirmed after attempt %d", attempts)})
	log.Printf("Reconnect succeeded for peer %d (%s) after %d attempt(s)", peer.ID, peer.Name, attempts)
	c.dispatcher.ReconnectSucceeded(ctx, peer, attempts)
}

// abortAttempt rolls back an attempt cancelled mid-flight, usually by Stop
// during shutdown. A cancelled attempt never observed the tunnel outcome, so
// it does not count against the budget and arms no cooldown. The attempt
// context is already cancelled, so persistence uses a short independent one.
func (c *Controller) abortAttempt(peer database.Peer, rec *database.ReconnectAttempt) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec.AttemptCount--
	rec.State = database.ReconnectIdle
	rec.LastOutcome = "aborted"
	if err := c.store.SaveReconnectAttempt(saveCtx, rec); err != nil {
		log.Printf("Cannot persist reconnect abort for peer %d: %v", peer.ID, err)
	}
	log.Printf("Reconnect attempt for peer %d aborted before completion", peer.ID)
}

// finishFailure records the failure, arms the cooldown, and marks the peer
// exhausted when the attempt budget is spent.
func (c *Controller) finishFailure(ctx context.Context, peer database.Peer, rec *database.ReconnectAttempt, cause error) {
	now := c.now().UTC()
	exhausted := rec.AttemptCount >= rec.MaxAttempts

	rec.LastOutcome = cause.Error()
	rec.CooldownUntil = now.Add(c.cfg.Cooldown)
	if exhausted {
		rec.State = database.ReconnectExhausted
	}
	if err := c.store.SaveReconnectAttempt(ctx, rec); err != nil {
		log.Printf("Cannot persist reconnect failure for peer %d: %v", peer.ID, err)
	}

	if exhausted {
		c.emit(Event{PeerID: peer.ID, Type: EventExhausted, Timestamp: now,
			Details: fmt.Sprintf("gave up after %d attempts: %v", rec.AttemptCount, cause)})
		log.Printf("Reconnect exhausted for peer %d (%s) after %d attempts: %v", peer.ID, peer.Name, rec.AttemptCount, cause)
	} else {
		c.emit(Event{PeerID: peer.ID, Type: EventFailed, Timestamp: now,
			Details: fmt.Sprintf("attempt %d/%d failed: %v", rec.AttemptCount, rec.MaxAttempts, cause)})
		log.Printf("Reconnect attempt %d/%d failed for peer %d (%s): %v", rec.AttemptCount, rec.MaxAttempts, peer.ID, peer.Name, cause)
	}
	c.dispatcher.ReconnectFailed(ctx, peer, rec.AttemptCount, rec.MaxAttempts, cause, exhausted)
}

// Clear resets a peer's reconnect state to idle with a zeroed attempt count.
// This is the only way out of the exhausted state.
func (c *Controller) Clear(ctx context.Context, peerID uint) error {
	rec, err := c.store.GetReconnectAttempt(ctx, peerID)
	if err != nil {
		return fmt.Errorf("clear reconnect state for peer %d: %w", peerID, err)
	}
	if rec == nil {
		rec = &database.ReconnectAttempt{
			PeerID:      peerID,
			MaxAttempts: c.cfg.MaxAttempts,
		}
	}
	rec.State = database.ReconnectIdle
	rec.AttemptCount = 0
	rec.LastOutcome = "cleared"
	rec.CooldownUntil = time.Time{}
	if err := c.store.SaveReconnectAttempt(ctx, rec); err != nil {
		return fmt.Errorf("clear reconnect state for peer %d: %w", peerID, err)
	}
	c.emit(Event{PeerID: peerID, Type: EventCleared, Timestamp: c.now().UTC(), Details: "operator clear"})
	log.Printf("Reconnect state cleared for peer %d", peerID)
	return nil
}

// Status returns the persisted reconnect state (a synthesized idle record when
// none exists yet) and the in-memory event history for a peer.
func (c *Controller) Status(ctx context.Context, peerID uint) (*database.ReconnectAttempt, []Event, error) {
	rec, err := c.store.GetReconnectAttempt(ctx, peerID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		rec = &database.ReconnectAttempt{
			PeerID:      peerID,
			State:       database.ReconnectIdle,
			MaxAttempts: c.cfg.MaxAttempts,
		}
	}
	return rec, c.events.history(peerID), nil
}

// Stop cancels in-flight attempts and waits for them to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	for _, cancel := range c.inFlight {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}
