// Command syncworker mirrors the Redis staging cache into the
// redis_component_snapshots table on an interval so admins can inspect and
// promote below-threshold components. Any number of replicas may run; a
// global advisory lock keeps each pass single-writer.
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

	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/database"
	"github.com/partstream/backend/internal/locks"
)

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

	db, err := database.OpenPostgres(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to open Postgres: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Redis unreachable at %s: %v", cfg.Redis.Addr, err)
	}
	cancelPing()

	var source config.Source = config.StaticSource{}
	if cfg.Supabase.URL != "" {
		sb, serr := database.NewSupabaseClient(cfg.Supabase)
		if serr != nil {
			log.Fatalf("Failed to initialize Supabase client: %v", serr)
		}
		source = database.NewSettingsSource(sb)
	}
	settings := config.NewResolver(source)
	if err := settings.Validate(context.Background()); err != nil {
		log.Fatalf("Invalid runtime settings: %v", err)
	}

	worker := catalog.NewSyncWorker(
		catalog.NewStagingStore(rdb),
		catalog.NewSnapshotRepo(db),
		locks.NewRedisStore(rdb),
		settings,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	worker.Run(ctx)
}
