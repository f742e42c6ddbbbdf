// Package config loads relay settings from an optional YAML file and
// COLLAB_* environment variables, e.g. COLLAB_AUTH_SECRET for auth.secret.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "COLLAB"

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	} `mapstructure:"server"`

	Auth struct {
		Secret string `mapstructure:"secret" validate:"required"`
		// RequireSession also checks session:<token> in redis.
		RequireSession bool `mapstructure:"require_session"`
	} `mapstructure:"auth"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
	} `mapstructure:"redis"`

	Store struct {
		Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres badger"`
		// DSN is the sqlite file, the postgres connection string or the
		// badger directory.
		DSN string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	} `mapstructure:"store"`

	Persistence struct {
		SnapshotEvery      int           `mapstructure:"snapshot_every" validate:"gt=0"`
		ReplayOverlap      time.Duration `mapstructure:"replay_overlap" validate:"gte=0"`
		Prune              bool          `mapstructure:"prune"`
		CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" validate:"gte=0"`
	} `mapstructure:"persistence"`

	Session struct {
		SendQueue        int           `mapstructure:"send_queue" validate:"gt=0"`
		MaxMessageBytes  int64         `mapstructure:"max_message_bytes" validate:"gt=0"`
		PingInterval     time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
		IdleTimeout      time.Duration `mapstructure:"idle_timeout" validate:"gtfield=PingInterval"`
		WriteTimeout     time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
		RateLimit        float64       `mapstructure:"rate_limit" validate:"gt=0"`
		RateBurst        int           `mapstructure:"rate_burst" validate:"gt=0"`
		AwarenessTimeout time.Duration `mapstructure:"awareness_timeout" validate:"gt=0"`
		SweepInterval    time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	} `mapstructure:"session"`

	Fanout struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"fanout"`

	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=text json"`
	} `mapstructure:"log"`
}

var defaults = map[string]any{
	"server.addr":                     "localhost:8080",
	"server.shutdown_timeout":         15 * time.Second,
	"auth.secret":                     "",
	"auth.require_session":            false,
	"redis.addr":                      "",
	"redis.password":                  "",
	"redis.db":                        0,
	"store.driver":                    "sqlite",
	"store.dsn":                       "collab.sqlite3",
	"persistence.snapshot_every":      50,
	"persistence.replay_overlap":      time.Duration(0),
	"persistence.prune":               false,
	"persistence.checkpoint_interval": 30 * time.Second,
	"session.send_queue":              256,
	"session.max_message_bytes":       8 << 20,
	"session.ping_interval":           25 * time.Second,
	"session.idle_timeout":            60 * time.Second,
	"session.write_timeout":           10 * time.Second,
	"session.rate_limit":              200.0,
	"session.rate_burst":              400,
	"session.awareness_timeout":       30 * time.Second,
	"session.sweep_interval":          5 * time.Second,
	"fanout.enabled":                  false,
	"log.level":                       "info",
	"log.format":                      "text",
}

// Load reads path (if not empty) and the environment over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Fanout.Enabled || c.Auth.RequireSession) && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required when fanout.enabled or auth.require_session is set")
	}
	return nil
}

// Logger builds the process logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Log.Level))
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
