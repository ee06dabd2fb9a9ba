package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/actions"
	"github.com/memeclash/memeclash/internal/auth"
	"github.com/memeclash/memeclash/internal/cache"
	"github.com/memeclash/memeclash/internal/clock"
	"github.com/memeclash/memeclash/internal/config"
	"github.com/memeclash/memeclash/internal/database"
	"github.com/memeclash/memeclash/internal/handlers"
	"github.com/memeclash/memeclash/internal/monitoring"
	"github.com/memeclash/memeclash/internal/store"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	sessions, err := auth.NewSessions(cfg.TokenExpire)
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	// Single-node mode uses the in-process store; REDIS_ADDR switches to the
	// shared Redis-backed one.
	var st store.Store
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisDB, logger)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rs.Close()
		st = rs
		logger.Infof("using redis document store at %s", cfg.RedisAddr)
	} else {
		st = store.NewMemoryStore()
		logger.Info("using in-memory document store")
	}

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err = database.Connect(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureEventsSchema(context.Background(), pool); err != nil {
			log.Fatalf("failed to ensure events schema: %v", err)
		}
	}

	// Lifecycle breadcrumbs go to the historian queue when Redis is around,
	// or straight to Postgres when only that is configured.
	var queue *cache.Queue
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect()
		if err != nil {
			log.Fatalf("failed to connect to redis cache: %v", err)
		}
		defer rdb.Close()
		queue = cache.NewQueue(rdb, "")
	}
	recorder := monitoring.NewRecorder(st, queue, pool, logger, "gateway")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	svc := actions.NewService(st, clock.New(), logger, rng)

	srv := &handlers.Server{
		Sessions: sessions,
		Actions:  svc,
		Store:    st,
		Recorder: recorder,
		Logger:   logger,
	}

	server := &http.Server{
		Handler:      srv.Routes(),
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
	}

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	logger.Infof("listening on %s", l.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		logger.Errorf("failed to serve: %v", err)
	case sig := <-sigs:
		logger.Infof("terminating: %v", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}
}
