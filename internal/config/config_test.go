package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "REDIS_URL", "JWT_SECRET", "TICK_INTERVAL_MS", "ENERGY_CAP", "BURN_RATE", "ADMIN_EMAILS"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	if cfg.Economy.Version != EconomyVersion {
		t.Errorf("version = %q", cfg.Economy.Version)
	}
	if cfg.Economy.TickInterval != time.Second {
		t.Errorf("tick = %v, want 1s", cfg.Economy.TickInterval)
	}
	if cfg.Economy.EnergyCap != 21600 {
		t.Errorf("energy cap = %v", cfg.Economy.EnergyCap)
	}
	if cfg.Economy.BurnRate != 0.02 || cfg.Economy.ReferralRate != 0.07 {
		t.Errorf("rates = %v/%v", cfg.Economy.BurnRate, cfg.Economy.ReferralRate)
	}
	if cfg.RedisURL != "" {
		t.Errorf("redis url = %q, want empty", cfg.RedisURL)
	}
	if cfg.JWTSecret == "" {
		t.Error("expected development jwt secret")
	}
	if !cfg.RunEngine {
		t.Error("engine should run by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TICK_INTERVAL_MS", "250")
	t.Setenv("ENERGY_CAP", "100")
	t.Setenv("BASE_MINING_RATE", "0.5")
	t.Setenv("RUN_ENGINE", "off")
	t.Setenv("ADMIN_EMAILS", "Boss@Example.com, ops@example.com,Boss@Example.com")
	t.Setenv("REDIS_URL", "redis-cli -u redis://default:pw@host:6379")
	t.Setenv("DATABASE_URL", "psql 'postgresql://u:p@db/onix?sslmode=require&channel_binding=require'")

	cfg := Load()

	if cfg.Economy.TickInterval != 250*time.Millisecond {
		t.Errorf("tick = %v", cfg.Economy.TickInterval)
	}
	if cfg.Economy.EnergyCap != 100 || cfg.Economy.BaseMiningRate != 0.5 {
		t.Errorf("economy = %+v", cfg.Economy)
	}
	if cfg.RunEngine {
		t.Error("RUN_ENGINE=off should disable the engine")
	}
	if len(cfg.AdminEmails) != 2 {
		t.Fatalf("admin emails = %v", cfg.AdminEmails)
	}
	if !cfg.IsAdminEmail("boss@example.com") {
		t.Error("admin email match should be case-insensitive")
	}
	if cfg.RedisURL != "redis://default:pw@host:6379" {
		t.Errorf("redis url = %q", cfg.RedisURL)
	}
	if cfg.DatabaseURL != "postgresql://u:p@db/onix?sslmode=require" {
		t.Errorf("database url = %q", cfg.DatabaseURL)
	}
}

func TestNormalizeRedisURLBareHost(t *testing.T) {
	if got := NormalizeRedisURL("localhost:6379"); got != "redis://localhost:6379" {
		t.Errorf("got %q", got)
	}
}
