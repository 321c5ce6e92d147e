// Package wgctl drives the external tunnel engine through wg-quick and wg.
// The engine never edits configuration files; it only cycles interfaces and
// refreshes peer endpoints after a DNS change.
package wgctl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wgwarden/wgwarden/internal/wgstatus"
)

// ErrAlreadyInState marks a bring-up of an interface that is already up, or a
// bring-down of one that is already down. Callers treat this as success of
// the desired end state, not as a failed operation.
var ErrAlreadyInState = errors.New("interface already in desired state")

// Controller is the tunnel-control surface consumed by the reconnect
// controller. Implementations must be safe for concurrent use across
// different interfaces.
type Controller interface {
	BringDown(ctx context.Context, iface string) error
	BringUp(ctx context.Context, iface string) error
	SetEndpoint(ctx context.Context, iface, publicKey, endpoint string) error
}

// wg-quick stderr fragments that mean the interface is already in the
// requested state rather than genuinely failing.
var (
	alreadyDownMarkers = []string{"is not a wireguard interface", "no such device", "does not exist"}
	alreadyUpMarkers   = []string{"already exists"}
)

// WGQuick controls interfaces via the wg-quick and wg binaries.
type WGQuick struct {
	runner        wgstatus.Runner
	wgBinary      string
	wgQuickBinary string
}

// NewWGQuick creates a WGQuick controller over the given Runner.
func NewWGQuick(runner wgstatus.Runner, wgBinary, wgQuickBinary string) *WGQuick {
	if wgBinary == "" {
		wgBinary = "wg"
	}
	if wgQuickBinary == "" {
		wgQuickBinary = "wg-quick"
	}
	return &WGQuick{runner: runner, wgBinary: wgBinary, wgQuickBinary: wgQuickBinary}
}

// BringDown deactivates an interface. Returns ErrAlreadyInState (wrapped)
// when the interface was not up.
func (c *WGQuick) BringDown(ctx context.Context, iface string) error {
	if err := c.runner.Run(ctx, c.wgQuickBinary, "down", iface); err != nil {
		if matchesAny(err, alreadyDownMarkers) {
			return fmt.Errorf("%w: %s is already down", ErrAlreadyInState, iface)
		}
		return fmt.Errorf("bring down %s: %w", iface, err)
	}
	return nil
}

// BringUp activates an interface. Returns ErrAlreadyInState (wrapped) when
// the interface was already up.
func (c *WGQuick) BringUp(ctx context.Context, iface string) error {
	if err := c.runner.Run(ctx, c.wgQuickBinary, "up", iface); err != nil {
		if matchesAny(err, alreadyUpMarkers) {
			return fmt.Errorf("%w: %s is already up", ErrAlreadyInState, iface)
		}
		return fmt.Errorf("bring up %s: %w", iface, err)
	}
	return nil
}

// SetEndpoint points a peer at a freshly resolved endpoint without cycling
// the whole interface.
func (c *WGQuick) SetEndpoint(ctx context.Context, iface, publicKey, endpoint string) error {
	if err := c.runner.Run(ctx, c.wgBinary, "set", iface, "peer", publicKey, "endpoint", endpoint); err != nil {
		return fmt.Errorf("set endpoint for %s on %s: %w", publicKey, iface, err)
	}
	return nil
}

func matchesAny(err error, markers []string) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
