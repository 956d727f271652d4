// Package config loads the session runtime's environment-driven configuration
// into a typed, defaulted, validated struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment-configurable setting the runtime needs.
type Config struct {
	ProviderAPIKey  string
	ProviderBaseURL string

	TokensPerMinute int

	SettleDelay         time.Duration
	ProviderIdleTimeout time.Duration
	SignedURLTimeout    time.Duration

	DefaultENTTSModel    string
	DefaultMultiTTSModel string

	ApprovedDomains []string

	AudioStorageRoot string
	EncryptionKey    string

	DatabaseURL string
	RedisURL    string

	AppEnv      string
	MetricsAddr string
	GatewayAddr string
}

// Load reads the enumerated environment variables (with defaults) into a
// Config. It never exits the process; callers decide how to react to a
// missing required value via Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("tokens_per_minute", 10)
	v.SetDefault("settle_delay_seconds", 30)
	v.SetDefault("provider_idle_timeout_seconds", 60)
	v.SetDefault("signed_url_timeout_seconds", 10)
	v.SetDefault("default_en_tts_model", "eleven_turbo_v2")
	v.SetDefault("default_multi_tts_model", "eleven_turbo_v2_5")
	v.SetDefault("audio_storage_root", "audio_storage")
	v.SetDefault("app_env", "")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("gateway_addr", ":8080")

	cfg := &Config{
		ProviderAPIKey:       v.GetString("provider_api_key"),
		ProviderBaseURL:      v.GetString("provider_base_url"),
		TokensPerMinute:      v.GetInt("tokens_per_minute"),
		SettleDelay:          time.Duration(v.GetInt("settle_delay_seconds")) * time.Second,
		ProviderIdleTimeout:  time.Duration(v.GetInt("provider_idle_timeout_seconds")) * time.Second,
		SignedURLTimeout:     time.Duration(v.GetInt("signed_url_timeout_seconds")) * time.Second,
		DefaultENTTSModel:    v.GetString("default_en_tts_model"),
		DefaultMultiTTSModel: v.GetString("default_multi_tts_model"),
		ApprovedDomains:      splitCSV(v.GetString("approved_domain_list")),
		AudioStorageRoot:     v.GetString("audio_storage_root"),
		EncryptionKey:        v.GetString("encryption_key"),
		DatabaseURL:          v.GetString("database_url"),
		RedisURL:             v.GetString("redis_url"),
		AppEnv:               v.GetString("app_env"),
		MetricsAddr:          v.GetString("metrics_addr"),
		GatewayAddr:          v.GetString("gateway_addr"),
	}

	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = 10
	}

	return cfg, nil
}

// Validate checks that the settings required to actually serve traffic are
// present. Load never fails on its own so tests can construct a partial
// Config; Validate is the gate a real daemon calls before Run.
func (c *Config) Validate() error {
	var missing []string
	if c.ProviderAPIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	if c.ProviderBaseURL == "" {
		missing = append(missing, "PROVIDER_BASE_URL")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MeterTickInterval returns the quota meter's tick interval for the
// configured tokens-per-minute rate.
func (c *Config) MeterTickInterval() time.Duration {
	rate := c.TokensPerMinute
	if rate <= 0 {
		rate = 6 // 60/10s default
	}
	seconds := 60.0 / float64(rate)
	if seconds <= 0 {
		seconds = 10
	}
	return time.Duration(seconds * float64(time.Second))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
