package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8070"`
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/wgwarden"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/wgwarden/wgwarden.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/var/lib/wgwarden/wgwarden.log"`
	PeersFile    string `envconfig:"PEERS_FILE" default:""`

	// External binaries used to query and drive the tunnel engine.
	WGBinary      string `envconfig:"WG_BINARY" default:"wg"`
	WGQuickBinary string `envconfig:"WG_QUICK_BINARY" default:"wg-quick"`

	// Status cycle settings
	StatusInterval      time.Duration `envconfig:"STATUS_INTERVAL" default:"30s"`
	QueryTimeout        time.Duration `envconfig:"QUERY_TIMEOUT" default:"10s"`
	DisconnectThreshold time.Duration `envconfig:"DISCONNECT_THRESHOLD" default:"30m"`
	DisconnectReads     int           `envconfig:"DISCONNECT_READS" default:"2"`
	MaxQueryFailures    int           `envconfig:"MAX_QUERY_FAILURES" default:"5"`

	// Alerting settings
	AlertCooldown  time.Duration `envconfig:"ALERT_COOLDOWN" default:"60m"`
	RecoveryAlerts bool          `envconfig:"RECOVERY_ALERTS" default:"true"`

	// Endpoint resolution / reconnect cycle settings
	ResolveInterval      time.Duration `envconfig:"RESOLVE_INTERVAL" default:"60s"`
	ResolveTimeout       time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"5s"`
	MaxReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"3"`
	ReconnectCooldown    time.Duration `envconfig:"RECONNECT_COOLDOWN" default:"5m"`
	ConfirmWindow        time.Duration `envconfig:"CONFIRM_WINDOW" default:"30s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WGWARDEN", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
