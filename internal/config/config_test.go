package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokensPerMinute != 10 {
		t.Errorf("TokensPerMinute = %d, want 10", cfg.TokensPerMinute)
	}
	if cfg.SettleDelay != 30*time.Second {
		t.Errorf("SettleDelay = %v, want 30s", cfg.SettleDelay)
	}
	if cfg.AudioStorageRoot != "audio_storage" {
		t.Errorf("AudioStorageRoot = %q, want %q", cfg.AudioStorageRoot, "audio_storage")
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOKENS_PER_MINUTE", "60")
	t.Setenv("APPROVED_DOMAIN_LIST", "a.example.com, b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokensPerMinute != 60 {
		t.Errorf("TokensPerMinute = %d, want 60", cfg.TokensPerMinute)
	}
	want := []string{"a.example.com", "b.example.com"}
	if len(cfg.ApprovedDomains) != len(want) {
		t.Fatalf("ApprovedDomains = %v, want %v", cfg.ApprovedDomains, want)
	}
	for i := range want {
		if cfg.ApprovedDomains[i] != want[i] {
			t.Errorf("ApprovedDomains[%d] = %q, want %q", i, cfg.ApprovedDomains[i], want[i])
		}
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for empty config")
	}
}

func TestValidate_Satisfied(t *testing.T) {
	cfg := &Config{
		ProviderAPIKey:  "key",
		ProviderBaseURL: "https://api.example.com",
		DatabaseURL:     "postgres://localhost/db",
		EncryptionKey:   "0123456789abcdef0123456789abcdef",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestMeterTickInterval(t *testing.T) {
	cases := []struct {
		rate int
		want time.Duration
	}{
		{60, time.Second},
		{10, 6 * time.Second},
		{0, 10 * time.Second},
		{-5, 10 * time.Second},
	}
	for _, tc := range cases {
		cfg := &Config{TokensPerMinute: tc.rate}
		got := cfg.MeterTickInterval()
		if got != tc.want {
			t.Errorf("MeterTickInterval(rate=%d) = %v, want %v", tc.rate, got, tc.want)
		}
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROVIDER_API_KEY", "PROVIDER_BASE_URL", "TOKENS_PER_MINUTE",
		"SETTLE_DELAY_SECONDS", "PROVIDER_IDLE_TIMEOUT_SECONDS",
		"SIGNED_URL_TIMEOUT_SECONDS", "DEFAULT_EN_TTS_MODEL",
		"DEFAULT_MULTI_TTS_MODEL", "APPROVED_DOMAIN_LIST",
		"AUDIO_STORAGE_ROOT", "ENCRYPTION_KEY", "DATABASE_URL",
		"REDIS_URL", "APP_ENV", "METRICS_ADDR",
	} {
		os.Unsetenv(key)
	}
}
