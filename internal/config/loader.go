package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"

	apperrors "github.com/edgard/tgcollector/internal/errors"
)

// EnvPrefix prefixes every environment override, e.g. TGC_PLATFORM_TOKEN.
const EnvPrefix = "TGC"

// keys without defaults that may still come from the environment
var envOnlyKeys = []string{
	"platform.base_url",
	"platform.token",
	"persist.api_base_url",
	"persist.api_token",
	"persist.mongo_uri",
	"notify.telegram_token",
	"notify.chat_id",
	"events.amqp_url",
}

// Load reads configuration from:
// 1. default values
// 2. the YAML file at path (optional, a missing file is not an error)
// 3. TGC_* environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, apperrors.NewConfigError("failed to bind environment", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, apperrors.NewConfigError("failed to read config file", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.NewConfigError("failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewConfigError("invalid configuration", err)
	}

	return cfg, nil
}
