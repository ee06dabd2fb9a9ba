// cmd/historian runs the asynchronous event historian: it drains game event
// records from the Redis queue into PostgreSQL and reaps inactive lobbies
// from the shared document store.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/cache"
	"github.com/memeclash/memeclash/internal/config"
	"github.com/memeclash/memeclash/internal/database"
	"github.com/memeclash/memeclash/internal/historian"
	"github.com/memeclash/memeclash/internal/store"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	rdb, err := cache.Connect()
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required for the historian")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := database.Connect(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureEventsSchema(context.Background(), pool); err != nil {
		log.Fatalf("failed to ensure events schema: %v", err)
	}

	storeAddr := cfg.RedisAddr
	if storeAddr == "" {
		storeAddr = config.GetEnv("REDIS_ADDR", "localhost:6379")
	}
	st, err := store.NewRedisStore(storeAddr, cfg.RedisDB, logger)
	if err != nil {
		log.Fatalf("failed to open document store: %v", err)
	}
	defer st.Close()

	svc := historian.NewService(cache.NewQueue(rdb, ""), pool, st, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	svc.Run(runCtx)
}
