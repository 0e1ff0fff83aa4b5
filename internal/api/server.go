package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"onix_miner/internal/accounts"
	"onix_miner/internal/admin"
	"onix_miner/internal/mining"
	"onix_miner/internal/security"
	"onix_miner/internal/types"
)

// Sessions resolves and revokes bearer tokens.
type Sessions interface {
	ResolveIdentity(ctx context.Context, token string) (types.Identity, error)
	Revoke(ctx context.Context, token string) error
}

// SettingsStore is the settings subset the admin endpoints write.
type SettingsStore interface {
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// Options wires the HTTP surface to the services. Live, Metrics, Guard and
// IsAdminEmail are optional.
type Options struct {
	Accounts *accounts.Service
	Mining   *mining.MiningManager
	Sessions Sessions
	Guard    *security.Guard
	Admin    admin.Reader
	Settings SettingsStore

	// Stats returns the latest global stats; ok=false means none yet.
	Stats  func(ctx context.Context) (types.StatsMessage, bool, error)
	Health func(ctx context.Context) error

	Live    http.Handler
	Metrics interface {
		MetricsMiddleware(next http.Handler) http.Handler
	}

	IsAdminEmail   func(email string) bool
	CORSOrigins    []string
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// Server is the JSON API in front of the ledger services.
type Server struct {
	opts Options
	errs *ErrorHandler
}

func NewServer(opts Options) *Server {
	if opts.IsAdminEmail == nil {
		opts.IsAdminEmail = func(string) bool { return false }
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{opts: opts, errs: NewErrorHandler(opts.Logger)}
}

// SetupRoutes builds the router.
func (s *Server) SetupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(s.errs.RecoveryMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.HealthHandler)

	// Hijacked connections stay outside the timeout and metrics wrappers.
	if s.opts.Live != nil {
		r.Method(http.MethodGet, "/ws", s.opts.Live)
	}

	r.Group(func(r chi.Router) {
		if s.opts.Metrics != nil {
			r.Use(s.opts.Metrics.MetricsMiddleware)
		}
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Route("/api", func(r chi.Router) {
			r.Get("/stats", s.StatsHandler)

			r.Route("/auth", func(r chi.Router) {
				r.With(s.GuardMiddleware).Post("/register", s.RegisterHandler)
				r.With(s.GuardMiddleware).Post("/login", s.LoginHandler)
				r.With(s.AuthMiddleware).Post("/logout", s.LogoutHandler)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.AuthMiddleware)

				r.Get("/me", s.MeHandler)
				r.Post("/mining/start", s.StartMiningHandler)
				r.Post("/mining/stop", s.StopMiningHandler)
				r.Get("/upgrade/onix", s.QuoteHandler)
				r.Post("/upgrade/onix", s.PurchaseHandler)
				r.Post("/upgrade/usdt", s.RequestUpgradeHandler)
				r.Post("/user/wallet", s.WalletHandler)
				r.Get("/referrals", s.ReferralsHandler)

				r.Route("/admin", func(r chi.Router) {
					r.Use(s.AdminMiddleware)
					r.Get("/summary", s.AdminSummaryHandler)
					r.Get("/users", s.AdminUsersHandler)
					r.Get("/usdt-upgrades", s.AdminUpgradesHandler)
					r.Post("/usdt-upgrades/approve", s.AdminApproveHandler)
					r.Get("/settings", s.AdminSettingsHandler)
					r.Put("/settings", s.AdminUpdateSettingsHandler)
				})
			})
		})
	})

	return r
}

type ctxKey int

const userIDKey ctxKey = iota

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// AuthMiddleware resolves the bearer token and stores the caller in the context.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.opts.Sessions.ResolveIdentity(r.Context(), security.BearerToken(r))
		if err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, id.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware requires an admin flag on the row or an ADMIN_EMAILS match.
func (s *Server) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.opts.Accounts.Me(r.Context(), userIDFrom(r.Context()))
		if err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		if !u.IsAdmin && !s.opts.IsAdminEmail(u.Email) {
			s.errs.HandleError(w, r, types.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GuardMiddleware throttles credential endpoints per client IP.
func (s *Server) GuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := s.opts.Guard
		if g.Enabled() && !g.Allow(g.ClientIP(r)) {
			s.errs.HandleError(w, r, NewRateLimitError(time.Minute))
			return
		}
		next.ServeHTTP(w, r)
	})
}
