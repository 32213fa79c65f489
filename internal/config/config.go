package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/wirebridge/internal/core"
)

// Config holds bridge configuration values.
type Config struct {
	Log             LogConfig        `mapstructure:"log" yaml:"log"`
	Database        DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Local           LocalConfig      `mapstructure:"local" yaml:"local"`
	MembershipQueue MembershipConfig `mapstructure:"membership_queue" yaml:"membership_queue"`
	Sync            SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Debug           DebugConfig      `mapstructure:"debug" yaml:"debug"`
	Networks        []NetworkConfig  `mapstructure:"networks" yaml:"networks"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// LocalConfig describes the local room network.
type LocalConfig struct {
	HomeserverURL   string `mapstructure:"homeserver_url" yaml:"homeserver_url"`
	Domain          string `mapstructure:"domain" yaml:"domain"`
	AppserviceToken string `mapstructure:"appservice_token" yaml:"appservice_token"`
	BotUserID       string `mapstructure:"bot_user_id" yaml:"bot_user_id"`
	GhostPrefix     string `mapstructure:"ghost_prefix" yaml:"ghost_prefix"`
}

// MembershipConfig tunes the membership queue.
type MembershipConfig struct {
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter        time.Duration `mapstructure:"jitter" yaml:"jitter"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RoomCacheSize int           `mapstructure:"room_cache_size" yaml:"room_cache_size"`
	LeaveTTL      time.Duration `mapstructure:"leave_ttl" yaml:"leave_ttl"`
}

// SyncConfig tunes membership reconciliation.
type SyncConfig struct {
	JoinTimeout time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	IdleAfter   time.Duration `mapstructure:"idle_after" yaml:"idle_after"`
}

// DebugConfig configures the debug HTTP API.
type DebugConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	JWTSecret         string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer         string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience       string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
}

// NetworkConfig describes one remote network.
type NetworkConfig struct {
	Domain               string               `mapstructure:"domain" yaml:"domain"`
	URL                  string               `mapstructure:"url" yaml:"url"`
	BotNick              string               `mapstructure:"bot_nick" yaml:"bot_nick"`
	MaxClients           int                  `mapstructure:"max_clients" yaml:"max_clients"`
	ReconnectConcurrency int                  `mapstructure:"reconnect_concurrency" yaml:"reconnect_concurrency"`
	Membership           NetworkMembershipCfg `mapstructure:"membership" yaml:"membership"`
}

// NetworkMembershipCfg mirrors core.MembershipRules.
type NetworkMembershipCfg struct {
	RemoteToLocal        bool           `mapstructure:"remote_to_local" yaml:"remote_to_local"`
	InitialLocalToRemote bool           `mapstructure:"initial_local_to_remote" yaml:"initial_local_to_remote"`
	Rooms                []RoomOverride `mapstructure:"rooms" yaml:"rooms,omitempty"`
}

// RoomOverride replaces initial_local_to_remote for one room. Overrides are a
// list because viper lower-cases map keys and room IDs are case-sensitive.
type RoomOverride struct {
	RoomID               string `mapstructure:"room_id" yaml:"room_id"`
	InitialLocalToRemote bool   `mapstructure:"initial_local_to_remote" yaml:"initial_local_to_remote"`
}

// Network converts the entry into the core representation.
func (n NetworkConfig) Network() core.Network {
	var overrides map[string]bool
	if len(n.Membership.Rooms) > 0 {
		overrides = make(map[string]bool, len(n.Membership.Rooms))
		for _, r := range n.Membership.Rooms {
			overrides[r.RoomID] = r.InitialLocalToRemote
		}
	}
	return core.Network{
		Domain:               n.Domain,
		URL:                  n.URL,
		BotNick:              n.BotNick,
		MaxClients:           n.MaxClients,
		ReconnectConcurrency: n.ReconnectConcurrency,
		Membership: core.MembershipRules{
			RemoteToLocal:        n.Membership.RemoteToLocal,
			InitialLocalToRemote: n.Membership.InitialLocalToRemote,
			RoomOverrides:        overrides,
		},
	}
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "wirebridge.db",
		},
		Local: LocalConfig{
			HomeserverURL: "http://localhost:8008",
			Domain:        "localhost",
			BotUserID:     "@bridge:localhost",
			GhostPrefix:   "irc_",
		},
		MembershipQueue: MembershipConfig{
			Concurrency:   10,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			Jitter:        250 * time.Millisecond,
			MaxAttempts:   10,
			RoomCacheSize: 2048,
			LeaveTTL:      5 * time.Minute,
		},
		Sync: SyncConfig{
			JoinTimeout: 10 * time.Second,
			IdleAfter:   0,
		},
		Debug: DebugConfig{
			Addr:              "127.0.0.1:9090",
			ReadHeaderTimeout: 5 * time.Second,
			JWTIssuer:         "wirebridge",
			JWTAudience:       "wirebridge-debug",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks values the engine cannot run without.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.MembershipQueue.Concurrency < 1 {
		errs = append(errs, errors.New("membership_queue.concurrency must be at least 1"))
	}
	if c.MembershipQueue.MaxAttempts < 1 {
		errs = append(errs, errors.New("membership_queue.max_attempts must be at least 1"))
	}
	if c.Local.Domain == "" {
		errs = append(errs, errors.New("local.domain is required"))
	}

	seen := make(map[string]struct{}, len(c.Networks))
	for i, n := range c.Networks {
		if n.Domain == "" {
			errs = append(errs, fmt.Errorf("networks[%d].domain is required", i))
			continue
		}
		if _, dup := seen[n.Domain]; dup {
			errs = append(errs, fmt.Errorf("networks[%d]: duplicate domain %q", i, n.Domain))
		}
		seen[n.Domain] = struct{}{}
		if n.MaxClients < 0 || n.ReconnectConcurrency < 0 {
			errs = append(errs, fmt.Errorf("networks[%d]: limits must not be negative", i))
		}
		if n.BotNick == "" {
			errs = append(errs, fmt.Errorf("networks[%d].bot_nick is required", i))
		}
	}
	return errors.Join(errs...)
}
