package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mstgnz/pawguard/handler"
	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/conn"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/middle"
	"github.com/mstgnz/pawguard/infra/notify"
	"github.com/mstgnz/pawguard/infra/opensearch"
	"github.com/mstgnz/pawguard/infra/ratelimit"
	"github.com/mstgnz/pawguard/infra/store"
	"github.com/mstgnz/pawguard/infra/waf"
	"github.com/mstgnz/pawguard/provider"
	"github.com/mstgnz/pawguard/router"
	v1 "github.com/mstgnz/pawguard/router/v1"

	// Import for side-effect registration
	_ "github.com/mstgnz/pawguard/provider/iyzico"
	_ "github.com/mstgnz/pawguard/provider/paytr"
	_ "github.com/mstgnz/pawguard/provider/stripe"
)

const storeSweepInterval = time.Minute

func main() {
	// a missing .env is fine, the environment may be set by the platform
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Load Env Error: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events *opensearch.Logger
	if cfg.EnableLogging {
		osClient, err := opensearch.NewClient(cfg)
		if err != nil {
			log.Printf("Failed to initialize OpenSearch client: %v", err)
			log.Println("Continuing without OpenSearch logging...")
		} else {
			events = opensearch.NewLogger(osClient)
		}
	}
	logger.InitGlobalLogger(events, cfg.Environment, cfg.Version, logger.LogLevel(cfg.LoggingLevel))
	logger.GetGlobalLogger().AddHook(logger.CountSecurityEvents)

	if err := run(ctx, cfg, events); err != nil {
		logger.Fatal("server stopped", err)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, events *opensearch.Logger) error {
	policy, err := config.LoadPolicy()
	if err != nil {
		return err
	}
	middle.SetTrustProxy(cfg.TrustProxy)

	kv, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	db, err := conn.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	users := auth.NewUserService(db)
	sessions := provider.NewSQLSessionStore(db)
	calls := provider.NewDBPaymentLogger(db)
	for _, m := range []interface{ Migrate(context.Context) error }{users, sessions, calls} {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := users.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fmt.Errorf("admin account: %w", err)
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	tokens, err := auth.NewTokenService(kv, auth.TokenConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		return err
	}
	verifications := auth.NewVerificationService(kv, publisher, auth.VerificationConfig{
		LinkBaseURL: cfg.FrontendURL + "/verify-email",
	})
	go verifications.Run(ctx)

	limiter := ratelimit.New(kv)
	engine := waf.New(kv, policy.WAF)
	protector := middle.NewProtector(limiter, engine, policy)

	providerConfig := config.NewProviderConfig()
	for _, name := range providerConfig.LoadFromEnv(cfg.AppURL, cfg.FrontendURL) {
		logger.Warn("payment provider credentials incomplete", logger.LogContext{Provider: name})
	}
	providers := provider.Load(provider.DefaultRegistry, providerConfig)
	payments := provider.NewPaymentService(providers, sessions, provider.NewLedger(kv, 0, nil), publisher, calls, provider.ServiceConfig{
		Production:  cfg.IsProduction(),
		CallbackIPs: providerConfig.CallbackAllowlists(),
	})

	var searcher handler.SecurityEventSearcher
	if events != nil {
		searcher = events
	}

	api := v1.Handlers{
		Auth:      handler.NewAuthHandler(users, tokens, verifications, protector, limiter, policy),
		Payments:  handler.NewPaymentHandler(payments, calls, cfg.FrontendURL),
		WAF:       handler.NewWAFHandler(engine, searcher),
		Tokens:    tokens,
		Protector: protector,
	}
	health := handler.NewHealthHandler(
		map[string]handler.Pinger{"store": kv, "database": handler.PingFunc(db.PingContext)},
		provider.DefaultRegistry.GetProviderNames(),
		payments.ProviderNames,
		cfg.Version,
		cfg.Environment,
	)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: router.New(router.Config{
			AllowedOrigins:   cfg.AllowedOrigins,
			MetricsAllowlist: cfg.MetricsAllowlist,
			RequestTimeout:   cfg.RequestTimeout,
		}, api, health),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info(fmt.Sprintf("API is running on %s", cfg.Port), logger.LogContext{
		Fields: map[string]any{"providers": payments.ProviderNames(), "store": cfg.StoreBackend},
	})

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.AppConfig) (store.Store, error) {
	if cfg.StoreBackend == "redis" {
		return store.NewRedis(ctx, store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "pawguard:",
		})
	}

	// only limiter counters give way under pressure; blocklists, token
	// markers and the ledger stay until they expire
	mem := store.NewMemory(store.WithCapacity(cfg.StoreCapacity), store.WithEvictablePrefixes(ratelimit.KeyPrefix))
	go mem.Run(ctx, storeSweepInterval)
	return mem, nil
}

func openPublisher(cfg *config.AppConfig) (notify.Publisher, error) {
	if cfg.NATSURL == "" {
		logger.Warn("NATS_URL is not set, events are only logged")
		return notify.LogPublisher{}, nil
	}
	return notify.NewNATS(cfg.NATSURL)
}
