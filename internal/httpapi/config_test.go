package httpapi

import (
	"testing"
	"time"
)

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		test.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SessionCookieName != defaultSessionCookie {
		test.Fatalf("cookie name = %q", cfg.SessionCookieName)
	}
	if cfg.RequestTimeout != defaultRequestTimeout {
		test.Fatalf("request timeout = %v", cfg.RequestTimeout)
	}
	if cfg.HistoryLimit != defaultHistoryLimit {
		test.Fatalf("history limit = %d", cfg.HistoryLimit)
	}
}

func TestConfigValidateRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		test.Fatal("expected error for missing signing key")
	}
}

func TestConfigValidateCapsHistoryLimit(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret", HistoryLimit: 5000, RequestTimeout: time.Second}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.HistoryLimit != transactionHistoryCeil {
		test.Fatalf("history limit = %d, want capped at %d", cfg.HistoryLimit, transactionHistoryCeil)
	}
}

func TestParseAllowedOriginsTrimsAndDropsEmpty(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" http://a.example , ,http://b.example")
	if len(origins) != 2 || origins[0] != "http://a.example" || origins[1] != "http://b.example" {
		test.Fatalf("origins = %v", origins)
	}
}
