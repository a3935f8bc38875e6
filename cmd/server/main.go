// Command server runs the BOM enrichment orchestrator: the workflow engine,
// the event-bus consumers, the tenant-scoped admin API and the live event
// surfaces, all in one process. The Redis snapshot sync worker ships
// separately as cmd/syncworker so replicas of this binary stay stateless.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/partstream/backend/internal/aiprovider"
	"github.com/partstream/backend/internal/api"
	"github.com/partstream/backend/internal/audit"
	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/database"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/events/consumers"
	"github.com/partstream/backend/internal/ingest"
	"github.com/partstream/backend/internal/locks"
	"github.com/partstream/backend/internal/middleware"
	"github.com/partstream/backend/internal/monitoring"
	"github.com/partstream/backend/internal/stream"
	"github.com/partstream/backend/internal/suppliers"
	"github.com/partstream/backend/internal/tenancy"
	"github.com/partstream/backend/internal/webhooks"
	"github.com/partstream/backend/internal/workflow"
)

// lockStore is what the engine, the catalog and the ingress need from
// Redis: advisory locks plus the idempotency cache.
type lockStore interface {
	locks.Locker
	locks.IdempotencyStore
}

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Postgres ---
	db, err := database.OpenPostgres(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to open Postgres: %v", err)
	}
	defer db.Close()
	if cfg.Postgres.MigrateOnStart {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	// --- Redis: locks, idempotency, staging cache, stream bus ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(rootCtx, 5*time.Second)
	redisUp := rdb.Ping(pingCtx).Err() == nil
	cancelPing()

	var locker lockStore
	if redisUp {
		locker = locks.NewRedisStore(rdb)
	} else {
		// Single-node degradation: locks stay correct within this process
		// but replicas must not share work in this mode.
		logger.Warn("⚠️ Redis unreachable, using in-process locks", "addr", cfg.Redis.Addr)
		locker = locks.NewMemoryStore()
		cfg.Bus.Transport = "memory"
	}

	// --- Supabase: organizations, API keys, runtime settings ---
	var (
		settingsSource config.Source = config.StaticSource{}
		overrides      api.SettingsStore
		tenants        middleware.TenantValidator
	)
	if cfg.Supabase.URL != "" {
		sb, serr := database.NewSupabaseClient(cfg.Supabase)
		if serr != nil {
			log.Fatalf("Failed to initialize Supabase client: %v", serr)
		}
		settingsSource = database.NewSettingsSource(sb)
		overrides = sb
		tenants = tenancy.NewManager(sb)
	} else {
		logger.Warn("⚠️ Supabase not configured, runtime settings fall back to env")
	}

	settings := config.NewResolver(settingsSource)
	if err := settings.Validate(rootCtx); err != nil {
		log.Fatalf("Invalid runtime settings: %v", err)
	}

	// --- Object storage (audit trail + parsed snapshots) ---
	var objects audit.ObjectStore
	if cfg.Storage.Bucket != "" {
		objects, err = audit.NewS3ObjectStore(rootCtx, audit.S3Config{
			Bucket:   cfg.Storage.Bucket,
			Region:   cfg.Storage.Region,
			Endpoint: cfg.Storage.Endpoint,
		})
		if err != nil {
			log.Fatalf("Failed to initialize object store: %v", err)
		}
	} else {
		logger.Warn("⚠️ No audit bucket configured, using in-memory object store")
		objects = audit.NewMemoryStore()
	}

	// --- Event bus ---
	// The in-process bus feeds SSE, WebSocket and the metrics observer. With
	// the Redis transport, producers publish to the streams only and the
	// audit-trail consumer republishes locally, so events from every replica
	// reach this replica's live clients exactly once.
	mem := events.NewMemoryBus()
	var (
		transport events.Transport = mem
		publisher events.Publisher = mem
		localSink events.Publisher // nil keeps the relay from looping in memory mode
	)
	if cfg.Bus.Transport == "redis" {
		streamBus := events.NewStreamBus(rdb, cfg.Bus.StreamPrefix)
		transport = streamBus
		publisher = streamBus
		localSink = mem
	}
	if cfg.PubSub.Enabled {
		mirror, merr := events.NewPubSubMirror(publisher, cfg.PubSub.ProjectID, cfg.PubSub.Topic, "customer.#")
		if merr != nil {
			log.Fatalf("Failed to initialize Pub/Sub mirror: %v", merr)
		}
		defer mirror.Close()
		publisher = mirror
	}

	// --- Repositories and catalog ---
	bomRepo := bom.NewRepository(db)
	wfRepo := workflow.NewRepository(db)
	catalogStore := catalog.NewStore(db, 0)
	staging := catalog.NewStagingStore(rdb)
	snapshots := catalog.NewSnapshotRepo(db)
	promoter := catalog.NewPromoter(catalogStore, staging, snapshots, locker, publisher)

	// --- Supplier gateway ---
	ledgerCfg := suppliers.LedgerConfig{Backend: "memory"}
	if cfg.Spanner.Enabled {
		ledgerCfg = suppliers.LedgerConfig{
			Backend:         "spanner",
			SpannerProject:  os.Getenv("SPANNER_PROJECT_ID"),
			SpannerInstance: os.Getenv("SPANNER_INSTANCE_ID"),
			SpannerDatabase: os.Getenv("SPANNER_DATABASE_ID"),
		}
	}
	ledger, err := suppliers.NewUsageLedger(ledgerCfg)
	if err != nil {
		log.Fatalf("Failed to initialize usage ledger: %v", err)
	}
	gateway := suppliers.NewGateway(settings, ledger, logger)
	gateway.SetPublisher(publisher)
	if err := gateway.RegisterFromConfig(rootCtx, cfg.Suppliers); err != nil {
		log.Fatalf("Failed to register supplier adapters: %v", err)
	}

	// --- AI gap filling (optional) ---
	ai := aiprovider.NewEnricher(logger)
	if p := aiprovider.NewAnthropicFromEnv(); p != nil {
		if err := ai.Register(p); err != nil {
			logger.Warn("AI provider registration failed", "error", err)
		}
	}
	if err := ai.Register(aiprovider.NewTemplateProvider()); err != nil {
		logger.Warn("AI provider registration failed", "error", err)
	}

	// --- Audit sink ---
	sink := audit.NewSink(objects)
	finalizer := audit.NewFinalizer(objects)
	fieldDiff := audit.NewFieldDiff(objects)

	// --- Workflow engine ---
	engine := workflow.NewEngine(wfRepo, locker, settings, logger)
	enrichment := workflow.NewEnrichmentWorkflow(
		bomRepo, catalogStore, gateway, promoter, sink, finalizer, objects, locker, publisher, logger)
	enrichment.SetGapFiller(ai)
	engine.RegisterDefinition(enrichment)
	single := workflow.NewSingleComponentWorkflow(catalogStore, gateway, promoter, locker, publisher, logger)
	single.SetGapFiller(ai)
	engine.RegisterDefinition(single)

	if n, err := engine.Recover(rootCtx); err != nil {
		logger.Warn("Workflow recovery incomplete", "error", err)
	} else if n > 0 {
		logger.Info("♻️ Recovered interrupted workflows", "count", n)
	}

	// --- Tenant webhooks ---
	registry := webhooks.NewRegistry(webhooks.NewPostgresStore(db))
	if err := registry.Load(rootCtx); err != nil {
		logger.Warn("Webhook subscription load failed", "error", err)
	}
	var emitter webhooks.Emitter
	if cfg.CloudTasks.Enabled {
		emitter, err = webhooks.NewCloudDispatcher(registry,
			cfg.CloudTasks.ProjectID, cfg.CloudTasks.Location, cfg.CloudTasks.Queue, 4)
		if err != nil {
			log.Fatalf("Failed to initialize Cloud Tasks dispatcher: %v", err)
		}
	} else {
		emitter = webhooks.NewDispatcher(registry, 4)
	}

	// --- Consumers ---
	member, _ := os.Hostname()
	if member == "" {
		member = "orchestrator"
	}
	group := cfg.Bus.Group
	runner := consumers.NewRunner(transport, logger)
	runner.Go(rootCtx,
		consumers.NewBOMConsumer(engine, logger).Subscription(group, member),
		consumers.NewAdminConsumer(engine, logger).Subscription(group, member),
		consumers.NewComponentConsumer(engine, logger).Subscription(group, member),
		consumers.NewAuditTrailConsumer(emitter, localSink, logger).Subscription(group, member),
		consumers.NewFieldDiffConsumer(fieldDiff, logger).Subscription(group, member),
	)

	// --- Live surfaces + metrics ---
	hub := stream.NewHub(mem, logger)
	go hub.Run(rootCtx)

	metrics := monitoring.NewMetrics()
	observer := monitoring.NewObserver(mem, metrics, gateway, logger)
	go observer.Run(rootCtx)

	health := monitoring.NewHealth("enrichment-orchestrator")
	health.Register("postgres", func(ctx context.Context) error { return db.PingContext(ctx) })
	health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	// --- HTTP surface ---
	verifier := auth.NewTokenVerifier(os.Getenv("JWT_SECRET"))
	authn := middleware.NewAuthenticator(verifier, tenants, cfg.Server.Env != "production")
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})

	server := api.NewServer(cfg.Server, api.Deps{
		BOMs:      bomRepo,
		Registrar: ingest.NewRegistrar(bomRepo, objects, publisher, logger),
		Engine:    engine,
		Workflows: wfRepo,
		Snapshots: snapshots,
		Promoter:  promoter,
		Suppliers: gateway,
		Settings:  settings,
		Overrides: overrides,
		Webhooks:  registry,
		Objects:   objects,
		Bus:       mem,
		Publisher: publisher,
		Hub:       hub,
		Health:    health,
		Metrics:   metrics,
		Auth:      authn,
		Limiter:   limiter,

		Idempotency: locker,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", "error", err)
	}
	// Engine first: interrupted runs stay recoverable; consumers stop once
	// the root context dies.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Engine shutdown error", "error", err)
	}
	stop()
	runner.Wait()
	emitter.Shutdown()
	_ = rdb.Close()
	logger.Info("👋 Orchestrator stopped")
}
