// Package config loads the collector configuration from a YAML file and
// TGC_* environment variables on top of defaults, and validates it.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete collector configuration.
type Config struct {
	Log      LogConfig       `mapstructure:"log"`
	Accounts []AccountConfig `mapstructure:"accounts" validate:"required,min=1,unique=ID,dive"`
	Platform PlatformConfig  `mapstructure:"platform"`
	Fetch    FetchConfig     `mapstructure:"fetch"`
	Lock     LockConfig      `mapstructure:"lock"`
	Database DatabaseConfig  `mapstructure:"database"`
	Persist  PersistConfig   `mapstructure:"persist"`
	Notify   NotifyConfig    `mapstructure:"notify"`
	Events   EventsConfig    `mapstructure:"events"`
	Server   ServerConfig    `mapstructure:"server"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// AccountConfig is one platform account ("session") to collect from.
type AccountConfig struct {
	ID       string `mapstructure:"id"       validate:"required"`
	Schedule string `mapstructure:"schedule"`
}

// CronSchedule returns the account schedule or the default one.
func (a AccountConfig) CronSchedule() string {
	if a.Schedule == "" {
		return DefaultSchedule
	}
	return a.Schedule
}

// PlatformConfig points at the session gateway.
type PlatformConfig struct {
	BaseURL        string        `mapstructure:"base_url"        validate:"required,url"`
	Token          string        `mapstructure:"token"`
	RPS            float64       `mapstructure:"rps"             validate:"gt=0"`
	Burst          int           `mapstructure:"burst"           validate:"min=1"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=10m"`
}

// FetchConfig tunes collection.
type FetchConfig struct {
	Window          time.Duration `mapstructure:"window"            validate:"min=1h"`
	Pace            time.Duration `mapstructure:"pace"              validate:"min=0"`
	GroupLimit      int           `mapstructure:"group_limit"       validate:"min=1"`
	DirectLimit     int           `mapstructure:"direct_limit"      validate:"min=1"`
	MaxThrottleWait time.Duration `mapstructure:"max_throttle_wait" validate:"min=1s"`
	PageSize        int           `mapstructure:"page_size"         validate:"min=1,max=500"`
}

// LockConfig configures session locking. StaleAfter zero disables takeover.
type LockConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"min=0"`
}

// DatabaseConfig locates the local state database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// PersistConfig selects and tunes the backend store.
type PersistConfig struct {
	Store           string        `mapstructure:"store"            validate:"oneof=api sqlite mongo both"`
	DirectStore     string        `mapstructure:"direct_store"     validate:"oneof=sqlite mongo"`
	BatchSize       int           `mapstructure:"batch_size"       validate:"min=1,max=10000"`
	MaxAttempts     int           `mapstructure:"max_attempts"     validate:"min=1,max=20"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"      validate:"min=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"  validate:"min=1s"`
	APIBaseURL      string        `mapstructure:"api_base_url"     validate:"omitempty,url"`
	APIToken        string        `mapstructure:"api_token"`
	MongoURI        string        `mapstructure:"mongo_uri"`
	MongoDatabase   string        `mapstructure:"mongo_database"`
	BreakerFailures int           `mapstructure:"breaker_failures" validate:"min=1"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset"    validate:"min=1s"`
}

// UsesAPI reports whether records go to the backend HTTP API.
func (p PersistConfig) UsesAPI() bool {
	return p.Store == StoreAPI || p.Store == StoreBoth
}

// DirectKind returns the direct store in use, or "" when only the API is used.
func (p PersistConfig) DirectKind() string {
	switch p.Store {
	case StoreSQLite, StoreMongo:
		return p.Store
	case StoreBoth:
		return p.DirectStore
	default:
		return ""
	}
}

// NotifyConfig enables run summaries in a Telegram chat when TelegramToken is set.
type NotifyConfig struct {
	TelegramToken string `mapstructure:"telegram_token"`
	ChatID        int64  `mapstructure:"chat_id" validate:"required_with=TelegramToken"`
}

// EventsConfig enables run events on RabbitMQ when AMQPURL is set.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url" validate:"omitempty,url"`
	Exchange string `mapstructure:"exchange" validate:"required_with=AMQPURL"`
}

// ServerConfig configures the admin HTTP server. An empty address disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Validate checks field constraints and the cross-field rules of the
// selected store.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Persist.UsesAPI() && c.Persist.APIBaseURL == "" {
		return fmt.Errorf("persist.api_base_url is required for store %q", c.Persist.Store)
	}
	if c.Persist.DirectKind() == StoreMongo && c.Persist.MongoURI == "" {
		return fmt.Errorf("persist.mongo_uri is required for the mongo store")
	}
	return nil
}

// Account returns the account with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}
