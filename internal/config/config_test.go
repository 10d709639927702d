package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Policy.MarginThreshold != 0.15 {
		t.Errorf("expected margin 0.15, got %v", cfg.Policy.MarginThreshold)
	}
	if cfg.Policy.ConfidenceHigh != 0.85 || cfg.Policy.ConfidenceMedium != 0.65 {
		t.Errorf("unexpected bands: high=%v medium=%v", cfg.Policy.ConfidenceHigh, cfg.Policy.ConfidenceMedium)
	}
	if cfg.Policy.MinFaceRatio != 0.05 {
		t.Errorf("expected min face ratio 0.05, got %v", cfg.Policy.MinFaceRatio)
	}
	if cfg.Cache.TTL != 300*time.Second {
		t.Errorf("expected cache TTL 300s, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.RedisTTL != 300*time.Second {
		t.Errorf("expected redis TTL 300s, got %v", cfg.Cache.RedisTTL)
	}
	if cfg.Request.Timeout != 30*time.Second {
		t.Errorf("expected request timeout 30s, got %v", cfg.Request.Timeout)
	}
	if cfg.Request.MaxImageBytes != 1<<20 {
		t.Errorf("expected 1MiB image limit, got %d", cfg.Request.MaxImageBytes)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %q", cfg.Store.Driver)
	}
	if cfg.Kafka.AttendanceTopic != "attendance.recorded" {
		t.Errorf("unexpected topic %q", cfg.Kafka.AttendanceTopic)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MARGIN_THRESHOLD", "0.2")
	t.Setenv("CACHE_TTL", "60")
	t.Setenv("REQUEST_TIMEOUT", "5s")
	t.Setenv("REJECT_OFF_CENTER", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("STORE_DRIVER", "mariadb")
	t.Setenv("WEB_PORT", "9090")

	cfg := Load()

	if cfg.Policy.MarginThreshold != 0.2 {
		t.Errorf("expected margin 0.2, got %v", cfg.Policy.MarginThreshold)
	}
	if cfg.Cache.TTL != time.Minute {
		t.Errorf("expected plain seconds to parse, got %v", cfg.Cache.TTL)
	}
	if cfg.Request.Timeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.Request.Timeout)
	}
	if !cfg.Policy.RejectOffCenter {
		t.Error("expected RejectOffCenter to be true")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Store.Driver != "mariadb" {
		t.Errorf("expected mariadb, got %q", cfg.Store.Driver)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Web.Port)
	}
}

func TestLoad_InvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("MARGIN_THRESHOLD", "wide")
	t.Setenv("CACHE_TTL", "-5s")
	t.Setenv("WEB_PORT", "-1")

	cfg := Load()

	if cfg.Policy.MarginThreshold != 0.15 {
		t.Errorf("expected default margin, got %v", cfg.Policy.MarginThreshold)
	}
	if cfg.Cache.TTL != 300*time.Second {
		t.Errorf("expected default TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Web.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"medium above high", func(c *Config) { c.Policy.ConfidenceMedium = 0.9 }, "must not exceed"},
		{"margin out of range", func(c *Config) { c.Policy.MarginThreshold = 1.5 }, "MARGIN_THRESHOLD"},
		{"negative face ratio", func(c *Config) { c.Policy.MinFaceRatio = -0.1 }, "MIN_FACE_RATIO"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "CACHE_TTL"},
		{"zero timeout", func(c *Config) { c.Request.Timeout = 0 }, "REQUEST_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIdentityCacheTTL(t *testing.T) {
	tests := []struct {
		name     string
		redisTTL time.Duration
		want     time.Duration
		capped   bool
	}{
		{"defaults agree", 300 * time.Second, 300 * time.Second, false},
		{"shorter redis TTL kept", time.Minute, time.Minute, false},
		{"longer redis TTL capped", time.Hour, 300 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Cache.RedisTTL = tt.redisTTL
			got, capped := cfg.IdentityCacheTTL()
			if got != tt.want || capped != tt.capped {
				t.Errorf("IdentityCacheTTL() = %v, %v, want %v, %v", got, capped, tt.want, tt.capped)
			}
		})
	}
}
