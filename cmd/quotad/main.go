package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aiox-platform/quotaengine/internal/accounts"
	"github.com/aiox-platform/quotaengine/internal/api"
	"github.com/aiox-platform/quotaengine/internal/auth"
	"github.com/aiox-platform/quotaengine/internal/catalog"
	"github.com/aiox-platform/quotaengine/internal/config"
	"github.com/aiox-platform/quotaengine/internal/database"
	"github.com/aiox-platform/quotaengine/internal/entitlement"
	"github.com/aiox-platform/quotaengine/internal/governance/audit"
	"github.com/aiox-platform/quotaengine/internal/governance/provider"
	"github.com/aiox-platform/quotaengine/internal/governance/quota"
	"github.com/aiox-platform/quotaengine/internal/middleware"
	inats "github.com/aiox-platform/quotaengine/internal/nats"
	"github.com/aiox-platform/quotaengine/internal/observability"
	"github.com/aiox-platform/quotaengine/internal/reaper"
	iredis "github.com/aiox-platform/quotaengine/internal/redis"
	"github.com/aiox-platform/quotaengine/internal/referral"
	"github.com/aiox-platform/quotaengine/internal/server"
	"github.com/aiox-platform/quotaengine/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := run(cfg); err != nil {
		slog.Error("quotad stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			slog.Warn("shutting down tracer", "error", err)
		}
	}()

	// PostgreSQL
	if cfg.DB.AutoMigrate {
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
			return err
		}
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// NATS is optional; without it events are handled inline.
	var (
		natsClient  *inats.Client
		publisher   *inats.Publisher
		consumerMgr *inats.ConsumerManager
	)
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		publisher = inats.NewPublisher(natsClient.JetStream())
		consumerMgr = inats.NewConsumerManager(natsClient.JetStream())
	}

	// Audit
	auditRepo := audit.NewRepository(pool)
	recorder := audit.NewDirectRecorder(auditRepo)
	if publisher != nil {
		recorder = audit.NewPublishingRecorder(publisher)
	}

	// Plans and entitlements
	plans, err := entitlement.LoadPlans(cfg.Quota.PlansFile)
	if err != nil {
		return err
	}
	entitlementSvc := entitlement.NewService(entitlement.NewRepository(pool), plans, recorder)

	// Quota catalog and usage store
	quotaCatalog := catalog.New(catalog.NewRepository(pool), cfg.Quota.Resources)
	store, err := usage.NewBackend(cfg, pool, redisClient)
	if err != nil {
		return err
	}
	engine := quota.NewEngine(store, quotaCatalog, entitlementSvc, cfg.Quota.Mode)

	// Upstream provider limits
	providerLimits, err := provider.LoadLimits(cfg.Quota.ProvidersFile)
	if err != nil {
		return err
	}
	providers := provider.NewTracker(redisClient, providerLimits, recorder)

	// Referrals and accounts
	hasher, err := referral.NewAddressHasher(cfg.Referral.AddressSecret)
	if err != nil {
		return err
	}
	referralRepo := referral.NewRepository(pool)
	bonus := referral.NewBonusHandler(referralRepo, quotaCatalog, entitlementSvc)

	var approvals referral.ApprovalPublisher
	var tasks accounts.TaskPublisher
	if publisher != nil {
		approvals = publisher
		tasks = publisher
	}

	accountRepo := accounts.NewRepository(pool)
	ledger := referral.NewLedger(referralRepo, accounts.Reader{Repo: accountRepo}, hasher, cfg.Referral, approvals, bonus, recorder)
	accountSvc := accounts.NewService(accountRepo, quotaCatalog, ledger, tasks, recorder)

	rp := reaper.New(store, ledger, cfg.Reaper)

	// Auth
	jwtManager := auth.NewJWTManager(cfg.Auth.TokenSecret, cfg.Auth.TokenExpiry)

	// Handlers
	quotaHandler := quota.NewHandler(engine)
	providerHandler := provider.NewHandler(providers)
	accountHandler := accounts.NewHandler(accountSvc)
	referralHandler := referral.NewHandler(ledger)
	entitlementHandler := entitlement.NewHandler(entitlementSvc)
	reaperHandler := reaper.NewHandler(rp)
	auditHandler := audit.NewHandler(auditRepo)

	healthChecks := []api.HealthCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }},
		{Name: "redis", Check: func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) }},
	}
	if natsClient != nil {
		healthChecks = append(healthChecks, api.HealthCheck{Name: "nats", Check: natsClient.HealthCheck})
	}

	limiter := middleware.NewRateLimiter(redisClient, "public", cfg.Server.PublicRateLimit, time.Minute)
	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		PublicRateLimiter:  limiter.Middleware,
		HealthChecks:       healthChecks,
	}, api.HandlerSet{
		Admit: quotaHandler.Admit,
		Usage: quotaHandler.Usage,

		InitializeAccount: accountHandler.Initialize,
		GetAccount:        accountHandler.Get,

		RedeemReferral:      referralHandler.Redeem,
		ReferralStats:       referralHandler.Stats,
		ValidateCode:        referralHandler.Validate,
		ReferralLeaderboard: referralHandler.Leaderboard,

		GetEntitlement:    entitlementHandler.Get,
		GrantEntitlement:  entitlementHandler.Grant,
		ExpireEntitlement: entitlementHandler.Expire,
		CancelEntitlement: entitlementHandler.Cancel,
		SetOverrides:      entitlementHandler.SetOverrides,

		ProviderStatus:    providerHandler.Status,
		CheckProvider:     providerHandler.Check,
		RecordProviderUse: providerHandler.Record,
		MarkProviderSpent: providerHandler.MarkExhausted,

		RunReaper:     reaperHandler.Run,
		ListAuditLogs: auditHandler.List,

		AuthMiddleware: auth.Middleware(jwtManager),
		RequireService: auth.RequireRole(auth.RoleService),
		RequireAdmin:   auth.RequireRole(auth.RoleAdmin),
	})

	scheduler := reaper.NewScheduler(
		reaper.Job{Name: "reaper", Interval: cfg.Reaper.Interval, Run: func(ctx context.Context) error {
			_, err := rp.RunOnce(ctx, time.Now())
			return err
		}},
		reaper.Job{Name: "entitlement-expiry", Interval: cfg.Reaper.ExpiryInterval, Run: func(ctx context.Context) error {
			_, err := entitlementSvc.ExpireStaleEntitlements(ctx, time.Now().UTC())
			return err
		}},
		reaper.Job{Name: "referral-pending", Interval: cfg.Reaper.ReconcileInterval, Run: func(ctx context.Context) error {
			_, err := ledger.RejectStalePending(ctx, time.Now().UTC())
			return err
		}},
		reaper.Job{Name: "account-reconciliation", Interval: cfg.Reaper.ReconcileInterval, Run: func(ctx context.Context) error {
			_, err := accountSvc.SweepPending(ctx, time.Now().UTC())
			return err
		}},
	)

	slog.Info("quotad starting",
		"store", cfg.Quota.Store,
		"mode", cfg.Quota.Mode,
		"resources", len(cfg.Quota.Resources),
		"nats", natsClient != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.New(cfg.Server, router).Start(gctx) })
	g.Go(func() error { return scheduler.Start(gctx) })
	if consumerMgr != nil {
		g.Go(func() error { return referral.NewConsumer(bonus, consumerMgr).Start(gctx) })
		g.Go(func() error { return accounts.NewReconciler(accountSvc, consumerMgr).Start(gctx) })
		g.Go(func() error { return audit.NewConsumer(auditRepo, consumerMgr).Start(gctx) })
	}
	return g.Wait()
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
