package config

import (
	"strings"
	"testing"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "FLAGDELIVERY_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadHeartbeatInterval(f *testing.F) {
	f.Add("")
	f.Add("15s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, interval string) {
		if strings.ContainsRune(interval, '\x00') {
			t.Skip()
		}

		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("STREAM_HEARTBEAT_INTERVAL", interval)

		cfg, err := Load()
		if err != nil {
			return
		}
		if cfg.StreamHeartbeatInterval <= 0 {
			t.Fatalf("accepted non-positive heartbeat interval %v", cfg.StreamHeartbeatInterval)
		}
	})
}
