// Package wgstatus reads per-peer connectivity facts from the WireGuard
// tooling. It runs `wg show <interface>` through an injectable Runner and
// parses the loosely-structured output into PeerFacts keyed by peer public
// key.
//
// The error taxonomy is load-bearing for the state tracker: a missing
// interface (ErrInterfaceUnavailable) is an expected condition for peers whose
// tunnel is deliberately down, while any other failure is a transient
// QueryError that must never, by itself, be read as a disconnect.
package wgstatus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInterfaceUnavailable marks a query against an interface that does not
// exist (not yet activated, or torn down). Expected and silent for inactive
// peers.
var ErrInterfaceUnavailable = errors.New("interface unavailable")

// QueryError wraps every other status query failure (permission, timeout).
// Transient: the caller retries on the next tick.
type QueryError struct {
	Interface string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query interface %s: %v", e.Interface, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// interfaceUnavailableMarkers are stderr fragments that identify a missing
// interface across wg versions and locales that keep the English base text.
var interfaceUnavailableMarkers = []string{
	"no such device",
	"unable to access interface",
	"is not a valid interface",
	"operation not permitted by interface",
}

// PeerFacts holds the observable connectivity evidence for one peer.
// HasHandshake is false when no usable handshake evidence was present;
// HandshakeAge is only meaningful when HasHandshake is true.
type PeerFacts struct {
	PublicKey    string
	HandshakeAge time.Duration
	HasHandshake bool
	RxBytes      int64
	TxBytes      int64
	Endpoint     string
}

// Reader queries WireGuard interface status through a Runner.
type Reader struct {
	runner   Runner
	wgBinary string
}

// NewReader creates a Reader using the given Runner and wg binary path.
func NewReader(runner Runner, wgBinary string) *Reader {
	if wgBinary == "" {
		wgBinary = "wg"
	}
	return &Reader{runner: runner, wgBinary: wgBinary}
}

// QueryInterface returns the facts for every peer on the interface, keyed by
// peer public key. It returns ErrInterfaceUnavailable (wrapped) when the
// interface does not exist, and a *QueryError for all other failures.
func (r *Reader) QueryInterface(ctx context.Context, iface string) (map[string]PeerFacts, error) {
	if iface == "" {
		return nil, &QueryError{Interface: iface, Err: errors.New("interface name is required")}
	}

	out, err := r.runner.Output(ctx, r.wgBinary, "show", iface)
	if err != nil {
		lower := strings.ToLower(err.Error())
		for _, marker := range interfaceUnavailableMarkers {
			if strings.Contains(lower, marker) {
				return nil, fmt.Errorf("%w: %s", ErrInterfaceUnavailable, iface)
			}
		}
		return nil, &QueryError{Interface: iface, Err: err}
	}

	return ParseShowOutput(out, time.Now()), nil
}
