// Package alerts decides when a human gets notified about peer state changes
// and keeps the append-only alert history.
//
// The dispatcher consumes verdict transitions from the tracker. Disconnect
// alerts are suppressed inside a cooldown window computed from the persisted
// AlertRecord history (not in-memory state), so the suppression survives
// process restarts. Delivery failures are recorded with a failed outcome and
// retried only on the next natural disconnect event.
package alerts

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/logutil"
	"github.com/wgwarden/wgwarden/internal/tracker"
)

// Alert is one notification handed to the Notifier.
type Alert struct {
	PeerID   uint   `json:"peer_id"`
	PeerName string `json:"peer_name"`
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Message  string `json:"message"`
}

// Notifier delivers an alert to a human. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Dispatcher converts verdict transitions and reconnect outcomes into
// notifications and history records.
type Dispatcher struct {
	store          *database.Store
	notifier       Notifier
	cooldown       time.Duration
	recoveryAlerts bool

	now func() time.Time // injectable for tests
}

// NewDispatcher creates a Dispatcher. cooldown bounds repeat disconnect
// alerts per peer; recoveryAlerts enables disconnected→connected notices.
func NewDispatcher(store *database.Store, notifier Notifier, cooldown time.Duration, recoveryAlerts bool) *Dispatcher {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Dispatcher{
		store:          store,
		notifier:       notifier,
		cooldown:       cooldown,
		recoveryAlerts: recoveryAlerts,
		now:            time.Now,
	}
}

// HandleTransition consumes one verdict transition for a peer. Exactly one
// disconnect alert fires on connected→disconnected (subject to the cooldown);
// a recovery notice fires on disconnected→connected when enabled.
func (d *Dispatcher) HandleTransition(ctx context.Context, peer database.Peer, tr tracker.Transition) {
	switch {
	case tr.From == tracker.VerdictConnected && tr.To == tracker.VerdictDisconnected:
		d.dispatchDisconnect(ctx, peer, tr.Reason)
	case tr.From == tracker.VerdictDisconnected && tr.To == tracker.VerdictConnected:
		if d.recoveryAlerts {
			d.dispatch(ctx, peer, database.AlertRecovered,
				fmt.Sprintf("Peer Reconnected: %s", peer.Name),
				fmt.Sprintf("Peer %q (%s) is connected again: %s.", peer.Name, shortKey(peer.PublicKey), tr.Reason))
		}
	}
}

// dispatchDisconnect fires a disconnect alert unless one was already sent for
// this peer within the cooldown window.
func (d *Dispatcher) dispatchDisconnect(ctx context.Context, peer database.Peer, reason string) {
	last, err := d.store.LastDeliveredAlert(ctx, peer.ID, database.AlertDisconnect)
	if err != nil {
		// Without history we cannot prove the cooldown elapsed; skip
		// rather than risk an alert storm.
		log.Printf("Alert suppressed for peer %d: cannot read alert history: %v", peer.ID, err)
		return
	}
	if last != nil && d.now().Sub(last.SentAt) < d.cooldown {
		log.Printf("Disconnect alert for peer %d suppressed (cooldown, last sent %s)", peer.ID, last.SentAt.Format(time.RFC3339))
		return
	}

	d.dispatch(ctx, peer, database.AlertDisconnect,
		fmt.Sprintf("Peer Disconnected: %s", peer.Name),
		fmt.Sprintf("Peer %q (%s) has disconnected from the VPN: %s.", peer.Name, shortKey(peer.PublicKey), reason))
}

// ReconnectSucceeded records and notifies a confirmed automatic reconnection.
func (d *Dispatcher) ReconnectSucceeded(ctx context.Context, peer database.Peer, attempts int) {
	d.dispatch(ctx, peer, database.AlertReconnectSuccess,
		fmt.Sprintf("Peer Auto-Reconnected: %s", peer.Name),
		fmt.Sprintf("Peer %q (%s) was reconnected automatically after %d attempt(s).", peer.Name, shortKey(peer.PublicKey), attempts))
}

// ReconnectFailed records a failed reconnect attempt. A notification is sent
// only when the attempt budget is exhausted, since that is the operator-actionable
// moment; intermediate failures are history-only.
func (d *Dispatcher) ReconnectFailed(ctx context.Context, peer database.Peer, attempt, maxAttempts int, cause error, exhausted bool) {
	subject := fmt.Sprintf("Peer Reconnect Failed: %s", peer.Name)
	message := fmt.Sprintf("Reconnect attempt %d/%d for peer %q (%s) failed: %v.",
		attempt, maxAttempts, peer.Name, shortKey(peer.PublicKey), cause)
	if exhausted {
		message += " No further automatic attempts will be made until the reconnect state is cleared."
		d.dispatch(ctx, peer, database.AlertReconnectFailure, subject, message)
		return
	}

	rec := &database.AlertRecord{
		PeerID:    peer.ID,
		Kind:      database.AlertReconnectFailure,
		Subject:   subject,
		Message:   message,
		Delivered: false,
		SentAt:    d.now().UTC(),
	}
	if err := d.store.AppendAlert(ctx, rec); err != nil {
		log.Printf("Failed to record reconnect failure for peer %d: %v", peer.ID, err)
	}
}

// dispatch delivers one alert and appends the history record with the
// delivery outcome. Delivery failures never propagate to the caller.
func (d *Dispatcher) dispatch(ctx context.Context, peer database.Peer, kind, subject, message string) {
	delivered := true
	if err := d.notifier.Send(ctx, Alert{
		PeerID:   peer.ID,
		PeerName: peer.Name,
		Kind:     kind,
		Subject:  subject,
		Message:  message,
	}); err != nil {
		delivered = false
		log.Printf("Alert delivery failed for peer %d (%s): %v", peer.ID, kind, err)
	} else {
		log.Printf("Alert sent for peer %d (%s): %s", peer.ID, kind, logutil.SanitizeForLog(subject))
	}

	rec := &database.AlertRecord{
		PeerID:    peer.ID,
		Kind:      kind,
		Subject:   subject,
		Message:   message,
		Delivered: delivered,
		SentAt:    d.now().UTC(),
	}
	if err := d.store.AppendAlert(ctx, rec); err != nil {
		log.Printf("Failed to record alert for peer %d: %v", peer.ID, err)
	}
}

func shortKey(publicKey string) string {
	if len(publicKey) > 8 {
		return publicKey[:8] + "..."
	}
	return publicKey
}
