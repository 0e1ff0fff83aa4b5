package config

import (
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// EconomyVersion identifies the accrual formula set below. Bump it when a
// formula or default changes so that stored settings can be told apart.
const EconomyVersion = "onix-2"

// Economy is the single versioned parameter set of the accrual engine.
type Economy struct {
	Version string

	TickInterval  time.Duration
	BlockInterval time.Duration

	EnergyCap        float64
	EnergyDrainPerS  float64
	EnergyRefillPerS float64

	BaseMiningRate   float64
	DailyEmissionCap float64
	BurnRate         float64
	ReferralRate     float64

	MultiplierStep       float64
	MultiplierCostFactor float64
	USDTMultiplierBoost  float64
}

// DefaultEconomy returns the production defaults.
func DefaultEconomy() Economy {
	return Economy{
		Version:              EconomyVersion,
		TickInterval:         time.Second,
		BlockInterval:        10 * time.Second,
		EnergyCap:            21600,
		EnergyDrainPerS:      1,
		EnergyRefillPerS:     1,
		BaseMiningRate:       0.0001,
		DailyEmissionCap:     100_000,
		BurnRate:             0.02,
		ReferralRate:         0.07,
		MultiplierStep:       0.1,
		MultiplierCostFactor: 50,
		USDTMultiplierBoost:  0.5,
	}
}

type Config struct {
	Port        int64
	MetricsPort int64

	DatabaseURL string
	RedisURL    string

	JWTSecret   string
	JWTTTL      time.Duration
	AdminEmails []string
	CORSOrigins []string

	RunEngine  bool
	RunMetrics bool

	AuthRatePerSec float64
	AuthBurst      int64

	Economy Economy
}

// IsAdminEmail reports whether email is listed in ADMIN_EMAILS.
func (c Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range c.AdminEmails {
		if strings.ToLower(e) == email {
			return true
		}
	}
	return false
}

func mustEnv(key string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		log.Printf("missing env: %s, using default", key)
		return ""
	}
	return val
}

func normalizeDatabaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Accept `psql 'postgresql://...'` style values copied from provider consoles.
	if i := strings.Index(s, "postgresql://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "postgres://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	q := u.Query()
	// pgx does not need channel_binding and may treat it as a runtime param.
	q.Del("channel_binding")
	u.RawQuery = q.Encode()
	return u.String()
}

// NormalizeRedisURL extracts a redis:// or rediss:// URL from a pasted CLI command.
func NormalizeRedisURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	if i := strings.Index(s, "rediss://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "redis://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}
	if !strings.Contains(s, "://") {
		s = "redis://" + s
	}
	return s
}

func envInt64(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func Load() Config {
	def := DefaultEconomy()
	eco := Economy{
		Version:              def.Version,
		TickInterval:         time.Duration(envInt64("TICK_INTERVAL_MS", def.TickInterval.Milliseconds())) * time.Millisecond,
		BlockInterval:        time.Duration(envInt64("BLOCK_INTERVAL_SEC", int64(def.BlockInterval/time.Second))) * time.Second,
		EnergyCap:            envFloat64("ENERGY_CAP", def.EnergyCap),
		EnergyDrainPerS:      def.EnergyDrainPerS,
		EnergyRefillPerS:     def.EnergyRefillPerS,
		BaseMiningRate:       envFloat64("BASE_MINING_RATE", def.BaseMiningRate),
		DailyEmissionCap:     envFloat64("DAILY_EMISSION_CAP", def.DailyEmissionCap),
		BurnRate:             envFloat64("BURN_RATE", def.BurnRate),
		ReferralRate:         envFloat64("REFERRAL_RATE", def.ReferralRate),
		MultiplierStep:       envFloat64("MULTIPLIER_STEP", def.MultiplierStep),
		MultiplierCostFactor: envFloat64("MULTIPLIER_COST_FACTOR", def.MultiplierCostFactor),
		USDTMultiplierBoost:  envFloat64("USDT_MULTIPLIER_BOOST", def.USDTMultiplierBoost),
	}

	cfg := Config{
		Port:        envInt64("PORT", 8080),
		MetricsPort: envInt64("METRICS_PORT", 9090),

		DatabaseURL: normalizeDatabaseURL(mustEnv("DATABASE_URL")),
		JWTSecret:   mustEnv("JWT_SECRET"),
		JWTTTL:      time.Duration(envInt64("JWT_TTL_HOURS", 24*7)) * time.Hour,
		AdminEmails: parseCSV(os.Getenv("ADMIN_EMAILS")),
		CORSOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),

		RunEngine:  envBool("RUN_ENGINE", true),
		RunMetrics: envBool("RUN_METRICS", true),

		AuthRatePerSec: envFloat64("AUTH_RATE_PER_SEC", 1),
		AuthBurst:      envInt64("AUTH_BURST", 5),

		Economy: eco,
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_URL")); raw != "" {
		cfg.RedisURL = NormalizeRedisURL(raw)
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-insecure-secret"
		log.Printf("config: JWT_SECRET not set, using an insecure development secret")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	if eco.TickInterval <= 0 {
		panic("TICK_INTERVAL_MS must be > 0")
	}
	if eco.EnergyCap <= 0 {
		panic("ENERGY_CAP must be > 0")
	}
	if eco.BurnRate < 0 || eco.BurnRate >= 1 {
		panic("BURN_RATE must be in [0, 1)")
	}
	if eco.ReferralRate < 0 || eco.ReferralRate >= 1 {
		panic("REFERRAL_RATE must be in [0, 1)")
	}
	if eco.MultiplierStep <= 0 || eco.MultiplierCostFactor <= 0 {
		panic("MULTIPLIER_* must be > 0")
	}

	return cfg
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
