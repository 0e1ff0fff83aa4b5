package security

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type GuardConfig struct {
	Enabled bool

	Rate  float64
	Burst int

	AuthFailWindow    time.Duration
	AuthFailThreshold int
	BanFor            time.Duration

	EntryTTL time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Enabled:           true,
		Rate:              1,
		Burst:             5,
		AuthFailWindow:    time.Minute,
		AuthFailThreshold: 10,
		BanFor:            5 * time.Minute,
		EntryTTL:          15 * time.Minute,
	}
}

// Guard throttles credential endpoints per client IP and bans IPs that keep failing.
type Guard struct {
	cfg GuardConfig
	now func() time.Time

	mu sync.Mutex

	limiters    map[string]*ipLimiter
	authFails   map[string]*failState
	bannedUntil map[string]time.Time

	lastCleanup time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type failState struct {
	Count      int
	WindowFrom time.Time
	LastSeen   time.Time
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.AuthFailThreshold < 1 {
		cfg.AuthFailThreshold = 1
	}
	if cfg.AuthFailWindow <= 0 {
		cfg.AuthFailWindow = time.Minute
	}
	if cfg.BanFor <= 0 {
		cfg.BanFor = time.Minute
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 15 * time.Minute
	}
	return &Guard{
		cfg:         cfg,
		now:         time.Now,
		limiters:    map[string]*ipLimiter{},
		authFails:   map[string]*failState{},
		bannedUntil: map[string]time.Time{},
		lastCleanup: time.Now().UTC(),
	}
}

func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

func (g *Guard) ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	get := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return ""
		}
		if strings.Contains(s, ",") {
			s = strings.TrimSpace(strings.Split(s, ",")[0])
		}
		return s
	}
	if ip := get(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := get(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// Allow reports whether ip may make another credential request now.
func (g *Guard) Allow(ip string) bool {
	if !g.Enabled() {
		return true
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return true
	}
	now := g.now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	if until, ok := g.bannedUntil[ip]; ok {
		if now.Before(until) {
			return false
		}
		delete(g.bannedUntil, ip)
	}

	l := g.limiters[ip]
	if l == nil {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(g.cfg.Rate), g.cfg.Burst)}
		g.limiters[ip] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

func (g *Guard) IsBanned(ip string) bool {
	if !g.Enabled() || strings.TrimSpace(ip) == "" {
		return false
	}
	now := g.now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bannedUntil[ip]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(g.bannedUntil, ip)
		return false
	}
	return true
}

// RecordAuthFail counts a failed login; crossing the threshold within the window bans the IP.
func (g *Guard) RecordAuthFail(ip string) {
	if !g.Enabled() {
		return
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	now := g.now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	fs := g.authFails[ip]
	if fs == nil {
		fs = &failState{WindowFrom: now, LastSeen: now}
		g.authFails[ip] = fs
	}
	if now.Sub(fs.WindowFrom) > g.cfg.AuthFailWindow {
		fs.Count = 0
		fs.WindowFrom = now
	}
	fs.Count++
	fs.LastSeen = now
	if fs.Count >= g.cfg.AuthFailThreshold {
		g.bannedUntil[ip] = now.Add(g.cfg.BanFor)
		fs.Count = 0
		fs.WindowFrom = now
	}
}

func (g *Guard) cleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < 30*time.Second {
		return
	}
	g.lastCleanup = now
	ttl := g.cfg.EntryTTL

	for ip, l := range g.limiters {
		if l == nil || now.Sub(l.lastSeen) > ttl {
			delete(g.limiters, ip)
		}
	}
	for ip, fs := range g.authFails {
		if fs == nil || now.Sub(fs.LastSeen) > ttl {
			delete(g.authFails, ip)
		}
	}
	for ip, until := range g.bannedUntil {
		if now.After(until) {
			delete(g.bannedUntil, ip)
		}
	}
}
