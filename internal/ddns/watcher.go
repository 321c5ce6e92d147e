// watcher.go compares fresh resolutions against the stored ResolutionRecord
// and emits one change event per peer per observed address change. Each
// distinct hostname is resolved and diffed once per sweep; the resulting
// change fans out to every active peer using it, so peers sharing a DDNS name
// all get refreshed. A hostname flapping A→B→A is two changes, because each
// comparison is against the stored value only.

package ddns

import (
	"context"
	"log"
	"time"

	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/logutil"
)

// ChangeEvent describes one detected endpoint address change for one peer.
type ChangeEvent struct {
	PeerID     uint      `json:"peer_id"`
	PeerName   string    `json:"peer_name"`
	Hostname   string    `json:"hostname"`
	PreviousIP string    `json:"previous_ip"`
	CurrentIP  string    `json:"current_ip"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChangeHandler consumes change events. Handlers are invoked synchronously
// from the resolution cycle; long-running handlers should spawn goroutines.
type ChangeHandler func(ctx context.Context, ev ChangeEvent)

// addressChange is one hostname's observed move, before per-peer fan-out.
type addressChange struct {
	previous string
	current  string
	at       time.Time
}

// Watcher periodically resolves every monitored hostname and raises change
// events to registered handlers.
type Watcher struct {
	store    *database.Store
	resolver Resolver
	timeout  time.Duration
	handlers []ChangeHandler

	now func() time.Time // injectable for tests
}

// NewWatcher creates a Watcher. timeout bounds each individual lookup.
func NewWatcher(store *database.Store, resolver Resolver, timeout time.Duration) *Watcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Watcher{
		store:    store,
		resolver: resolver,
		timeout:  timeout,
		now:      time.Now,
	}
}

// OnChange registers a handler for endpoint change events.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.handlers = append(w.handlers, h)
}

// CheckAll resolves the hostname of every active peer that has one. Failed
// lookups update nothing and emit nothing; per-hostname failures never stop
// the rest of the sweep.
func (w *Watcher) CheckAll(ctx context.Context, peers []database.Peer) {
	byHostname := make(map[string][]database.Peer)
	var order []string
	for _, peer := range peers {
		if !peer.Active {
			continue
		}
		hostname := peer.Hostname()
		if hostname == "" {
			continue
		}
		if _, seen := byHostname[hostname]; !seen {
			order = append(order, hostname)
		}
		byHostname[hostname] = append(byHostname[hostname], peer)
	}

	for _, hostname := range order {
		ch := w.checkHostname(ctx, hostname)
		if ch == nil {
			continue
		}
		for _, peer := range byHostname[hostname] {
			ev := ChangeEvent{
				PeerID:     peer.ID,
				PeerName:   peer.Name,
				Hostname:   hostname,
				PreviousIP: ch.previous,
				CurrentIP:  ch.current,
				Timestamp:  ch.at,
			}
			for _, h := range w.handlers {
				h(ctx, ev)
			}
		}
	}
}

// checkHostname resolves one hostname and returns the observed move when the
// address differs from the stored record, or nil.
func (w *Watcher) checkHostname(ctx context.Context, hostname string) *addressChange {
	lookupCtx, cancel := context.WithTimeout(ctx, w.timeout)
	ip, err := w.resolver.Resolve(lookupCtx, hostname)
	cancel()
	if err != nil {
		// A failed lookup is not evidence of change.
		log.Printf("DNS lookup failed for %s: %v", logutil.SanitizeForLog(hostname), err)
		return nil
	}
	if ip == "" {
		return nil
	}

	now := w.now().UTC()

	rec, err := w.store.GetResolution(ctx, hostname)
	if err != nil {
		log.Printf("Cannot read resolution record for %s: %v", hostname, err)
		return nil
	}

	if rec == nil {
		// First observation: store it, nothing to compare against yet.
		if err := w.store.SaveResolution(ctx, hostname, ip, false, now); err != nil {
			log.Printf("Cannot store first resolution for %s: %v", hostname, err)
		}
		return nil
	}

	if rec.ResolvedIP == ip {
		if err := w.store.TouchResolution(ctx, hostname, now); err != nil {
			log.Printf("Cannot touch resolution record for %s: %v", hostname, err)
		}
		return nil
	}

	if err := w.store.SaveResolution(ctx, hostname, ip, true, now); err != nil {
		// Without a durable record the change would be re-detected next
		// sweep; emit nothing now to avoid double events.
		log.Printf("Cannot store changed resolution for %s: %v", hostname, err)
		return nil
	}

	log.Printf("Endpoint change for %s: %s -> %s", logutil.SanitizeForLog(hostname), rec.ResolvedIP, ip)
	return &addressChange{previous: rec.ResolvedIP, current: ip, at: now}
}
