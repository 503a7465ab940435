// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// KeyWrapperKeyring はOSキーリングのマスターキーでデータ鍵を保護する。
	KeyWrapperKeyring = "keyring"
	// KeyWrapperKMS はCloud KMSでデータ鍵を保護する。
	KeyWrapperKMS = "kms"

	// PlatformSimulator はインメモリの端末シミュレータ。
	PlatformSimulator = "simulator"

	sqlitePrefix = "sqlite:"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite:credentials.db?_busy_timeout=5000"`

	KeyWrapper     string `env:"KEY_WRAPPER" envDefault:"keyring"`
	KMSKeyName     string `env:"KMS_KEY_NAME"`
	KeyringService string `env:"KEYRING_SERVICE" envDefault:"device-credential-service"`

	Platform              string        `env:"PLATFORM" envDefault:"simulator"`
	SimulatorDeviceSecure bool          `env:"SIMULATOR_DEVICE_SECURE" envDefault:"true"`
	PlatformTimeout       time.Duration `env:"PLATFORM_TIMEOUT" envDefault:"5s"`

	LogLevel           string `env:"LOG_LEVEL" envDefault:"INFO"`
	GoogleCloudProject string `env:"GOOGLE_CLOUD_PROJECT"`

	OtelEnabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OtelEndpoint     string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OtelServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"device-credential-service"`
	OtelSamplingRate float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
}

// Load は環境変数から設定を読み込み、検証する。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の組み合わせを検証する。
func (c *Config) Validate() error {
	switch c.KeyWrapper {
	case KeyWrapperKeyring:
	case KeyWrapperKMS:
		if c.KMSKeyName == "" {
			return fmt.Errorf("KMS_KEY_NAME is required when KEY_WRAPPER=%s", KeyWrapperKMS)
		}
	default:
		return fmt.Errorf("unsupported KEY_WRAPPER: %q", c.KeyWrapper)
	}
	if c.Platform != PlatformSimulator {
		return fmt.Errorf("unsupported PLATFORM: %q", c.Platform)
	}
	if c.PlatformTimeout < 0 {
		return fmt.Errorf("PLATFORM_TIMEOUT must not be negative: %s", c.PlatformTimeout)
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATE must be between 0 and 1: %v", c.OtelSamplingRate)
	}
	return nil
}

// IsSQLite はDATABASE_URLがSQLiteを指すかを返す。
func (c *Config) IsSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, sqlitePrefix)
}

// DSN はドライバに渡す接続文字列を返す。
func (c *Config) DSN() string {
	return strings.TrimPrefix(c.DatabaseURL, sqlitePrefix)
}

// SlogLevel はLOG_LEVELをslog.Levelに変換する。不明な値はINFOとする。
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
