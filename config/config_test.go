package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.KeyWrapper != KeyWrapperKeyring {
		t.Errorf("expected keyring wrapper, got %s", cfg.KeyWrapper)
	}
	if cfg.PlatformTimeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", cfg.PlatformTimeout)
	}
	if !cfg.IsSQLite() {
		t.Error("expected sqlite default")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "user:pass@tcp(localhost:3306)/credentials?parseTime=true")
	t.Setenv("KEY_WRAPPER", "kms")
	t.Setenv("KMS_KEY_NAME", "projects/p/locations/global/keyRings/r/cryptoKeys/k")
	t.Setenv("PLATFORM_TIMEOUT", "250ms")
	t.Setenv("OTEL_SAMPLING_RATE", "0.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.IsSQLite() {
		t.Error("expected mysql DSN")
	}
	if cfg.PlatformTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.PlatformTimeout)
	}
	if cfg.OtelSamplingRate != 0.1 {
		t.Errorf("expected 0.1, got %v", cfg.OtelSamplingRate)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"kms without key name", map[string]string{"KEY_WRAPPER": "kms"}},
		{"unknown wrapper", map[string]string{"KEY_WRAPPER": "plaintext"}},
		{"unknown platform", map[string]string{"PLATFORM": "android"}},
		{"negative timeout", map[string]string{"PLATFORM_TIMEOUT": "-1s"}},
		{"sampling rate", map[string]string{"OTEL_SAMPLING_RATE": "2"}},
		{"malformed bool", map[string]string{"OTEL_ENABLED": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{DatabaseURL: "sqlite:file::memory:"}
	if got := cfg.DSN(); got != "file::memory:" {
		t.Errorf("expected file::memory:, got %s", got)
	}
}

func TestConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%s): want %v, got %v", in, want, got)
		}
	}
}
