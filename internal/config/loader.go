package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "WIREBRIDGE_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix("WIREBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, configPath, fmt.Errorf("validate config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every scalar key so env overrides apply even when the
// file omits them.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("local.homeserver_url", cfg.Local.HomeserverURL)
	v.SetDefault("local.domain", cfg.Local.Domain)
	v.SetDefault("local.appservice_token", cfg.Local.AppserviceToken)
	v.SetDefault("local.bot_user_id", cfg.Local.BotUserID)
	v.SetDefault("local.ghost_prefix", cfg.Local.GhostPrefix)
	v.SetDefault("membership_queue.concurrency", cfg.MembershipQueue.Concurrency)
	v.SetDefault("membership_queue.base_delay", cfg.MembershipQueue.BaseDelay)
	v.SetDefault("membership_queue.max_delay", cfg.MembershipQueue.MaxDelay)
	v.SetDefault("membership_queue.jitter", cfg.MembershipQueue.Jitter)
	v.SetDefault("membership_queue.max_attempts", cfg.MembershipQueue.MaxAttempts)
	v.SetDefault("membership_queue.room_cache_size", cfg.MembershipQueue.RoomCacheSize)
	v.SetDefault("membership_queue.leave_ttl", cfg.MembershipQueue.LeaveTTL)
	v.SetDefault("sync.join_timeout", cfg.Sync.JoinTimeout)
	v.SetDefault("sync.idle_after", cfg.Sync.IdleAfter)
	v.SetDefault("debug.addr", cfg.Debug.Addr)
	v.SetDefault("debug.read_header_timeout", cfg.Debug.ReadHeaderTimeout)
	v.SetDefault("debug.jwt_secret", cfg.Debug.JWTSecret)
	v.SetDefault("debug.jwt_issuer", cfg.Debug.JWTIssuer)
	v.SetDefault("debug.jwt_audience", cfg.Debug.JWTAudience)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
