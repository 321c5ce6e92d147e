package database

import (
	"net"
	"strings"
	"time"
)

// Peer is one configured remote tunnel endpoint. Peers are owned by the
// dashboard tier (or the seed file); the monitoring engine only reads them.
type Peer struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"uniqueIndex;not null" json:"name"`
	PublicKey  string    `gorm:"uniqueIndex;not null" json:"public_key"`
	Interface  string    `gorm:"not null" json:"interface"`
	Endpoint   string    `json:"endpoint"` // host:port; host may be a DDNS name
	AllowedIPs string    `json:"allowed_ips"`
	Active     bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Hostname returns the endpoint host when it is a DNS name, or "" when the
// peer has no endpoint or the endpoint host is an IP literal.
func (p *Peer) Hostname() string {
	if p.Endpoint == "" {
		return ""
	}
	host := p.Endpoint
	if h, _, err := net.SplitHostPort(p.Endpoint); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	return host
}

// Alert kinds recorded in AlertRecord.Kind.
const (
	AlertDisconnect       = "disconnect"
	AlertRecovered        = "recovered"
	AlertReconnectSuccess = "reconnect_success"
	AlertReconnectFailure = "reconnect_failure"
)

// AlertRecord is an append-only history entry for a dispatched notification.
// Records are never mutated or deleted by the engine.
type AlertRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	PeerID    uint      `gorm:"not null;index" json:"peer_id"`
	Kind      string    `gorm:"not null;index" json:"kind"`
	Subject   string    `gorm:"not null" json:"subject"`
	Message   string    `gorm:"type:text" json:"message"`
	Delivered bool      `gorm:"not null;default:false" json:"delivered"`
	SentAt    time.Time `gorm:"not null;index" json:"sent_at"`
}

// ResolutionRecord tracks the last resolved address for a monitored hostname.
type ResolutionRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Hostname      string    `gorm:"uniqueIndex;not null" json:"hostname"`
	ResolvedIP    string    `gorm:"not null" json:"resolved_ip"`
	LastChangedAt time.Time `json:"last_changed_at"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Reconnect controller states stored in ReconnectAttempt.State.
const (
	ReconnectIdle       = "idle"
	ReconnectAttempting = "attempting"
	ReconnectExhausted  = "exhausted"
)

// ReconnectAttempt tracks the bounded-retry reconnection state for one peer.
type ReconnectAttempt struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	PeerID        uint      `gorm:"uniqueIndex;not null" json:"peer_id"`
	State         string    `gorm:"not null;default:idle" json:"state"`
	AttemptCount  int       `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts   int       `gorm:"not null;default:3" json:"max_attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastOutcome   string    `json:"last_outcome"`
	CooldownUntil time.Time `json:"cooldown_until"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StateSnapshot is the durable copy of a peer's runtime verdict, refreshed by
// the status cycle so the dashboard reads state without touching the engine.
type StateSnapshot struct {
	ID           uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	PeerID       uint          `gorm:"uniqueIndex;not null" json:"peer_id"`
	Verdict      string        `gorm:"not null" json:"verdict"`
	VerdictSince time.Time     `json:"verdict_since"`
	HandshakeAge time.Duration `json:"handshake_age"` // nanoseconds; negative when no evidence
	UpdatedAt    time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
