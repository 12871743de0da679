package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/aiox-platform/quotaengine/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Quota engine
	Admit http.HandlerFunc
	Usage http.HandlerFunc

	// Accounts
	InitializeAccount http.HandlerFunc
	GetAccount        http.HandlerFunc

	// Referrals
	RedeemReferral      http.HandlerFunc
	ReferralStats       http.HandlerFunc
	ValidateCode        http.HandlerFunc
	ReferralLeaderboard http.HandlerFunc

	// Entitlements
	GetEntitlement    http.HandlerFunc
	GrantEntitlement  http.HandlerFunc
	ExpireEntitlement http.HandlerFunc
	CancelEntitlement http.HandlerFunc
	SetOverrides      http.HandlerFunc

	// Upstream providers
	ProviderStatus    http.HandlerFunc
	CheckProvider     http.HandlerFunc
	RecordProviderUse http.HandlerFunc
	MarkProviderSpent http.HandlerFunc

	// Operations
	RunReaper     http.HandlerFunc
	ListAuditLogs http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler
	RequireService func(http.Handler) http.Handler
	RequireAdmin   func(http.Handler) http.Handler
}

// HealthCheck is one readiness dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	PublicRateLimiter  func(http.Handler) http.Handler
	HealthChecks       []HealthCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		health := map[string]string{"status": "healthy"}
		status := http.StatusOK
		for _, c := range cfg.HealthChecks {
			if err := c.Check(ctx); err != nil {
				health[c.Name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			health[c.Name] = "healthy"
		}
		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public code lookup, rate limited per client IP
		r.Group(func(r chi.Router) {
			if cfg.PublicRateLimiter != nil {
				r.Use(cfg.PublicRateLimiter)
			}
			r.Get("/referrals/validate/{code}", h.ValidateCode)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireService)

				r.Post("/admit", h.Admit)
				r.Post("/accounts", h.InitializeAccount)
				r.Get("/accounts/{userID}", h.GetAccount)

				r.Route("/users/{userID}", func(r chi.Router) {
					r.Get("/usage", h.Usage)
					r.Get("/referral", h.ReferralStats)
					r.Get("/entitlement", h.GetEntitlement)
				})

				r.Post("/referrals/redeem", h.RedeemReferral)
				r.Get("/referrals/leaderboard", h.ReferralLeaderboard)

				r.Route("/providers/{provider}/models/{model}", func(r chi.Router) {
					r.Get("/", h.ProviderStatus)
					r.Post("/check", h.CheckProvider)
					r.Post("/usage", h.RecordProviderUse)
					r.Post("/exhausted", h.MarkProviderSpent)
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.RequireAdmin)

				r.Post("/entitlements/grant", h.GrantEntitlement)
				r.Post("/entitlements/expire", h.ExpireEntitlement)
				r.Delete("/users/{userID}/entitlement", h.CancelEntitlement)
				r.Put("/users/{userID}/overrides", h.SetOverrides)
				r.Post("/reaper/run", h.RunReaper)
				r.Get("/audit", h.ListAuditLogs)
			})
		})
	})

	return r
}
