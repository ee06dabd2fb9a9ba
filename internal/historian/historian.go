// internal/historian/historian.go is an asynchronous service that pops game
// event records from a Redis queue and persists them to PostgreSQL. It also
// sweeps the document store for lobbies that have gone quiet and deletes
// them, so abandoned rooms do not accumulate forever.
package historian

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/cache"
	"github.com/memeclash/memeclash/internal/config"
	"github.com/memeclash/memeclash/internal/database"
	"github.com/memeclash/memeclash/internal/models"
	"github.com/memeclash/memeclash/internal/store"
)

// Service drains the event queue into Postgres in batches and periodically
// reaps inactive lobbies from the document store.
type Service struct {
	queue  *cache.Queue
	pool   *pgxpool.Pool
	store  store.Store
	logger *logrus.Logger

	batchSize  int
	flushDelay time.Duration
	inactivity time.Duration

	batchMu sync.Mutex
	batch   []database.EventRecord
}

// NewService constructs a Service from environment variables or defaults:
//   - HISTORIAN_BATCH_SIZE (default 20)
//   - HISTORIAN_FLUSH_MS (default 500)
//   - LOBBY_INACTIVITY_TIMEOUT_SEC (default 3600)
func NewService(queue *cache.Queue, pool *pgxpool.Pool, st store.Store, logger *logrus.Logger) *Service {
	batchSize := config.GetEnvInt("HISTORIAN_BATCH_SIZE", 20)
	flushMs := config.GetEnvInt("HISTORIAN_FLUSH_MS", 500)
	inactivitySec := config.GetEnvInt("LOBBY_INACTIVITY_TIMEOUT_SEC", 3600)

	return &Service{
		queue:      queue,
		pool:       pool,
		store:      st,
		logger:     logger,
		batchSize:  batchSize,
		flushDelay: time.Duration(flushMs) * time.Millisecond,
		inactivity: time.Duration(inactivitySec) * time.Second,
		batch:      make([]database.EventRecord, 0, batchSize),
	}
}

// Run starts the drain and sweep loops and blocks until ctx is done.
func (hs *Service) Run(ctx context.Context) {
	go hs.drainLoop(ctx)
	go hs.sweepLoop(ctx)

	hs.logger.Info("historian service started")
	<-ctx.Done()
	hs.FlushBatch(ctx)
	hs.logger.Info("historian shutting down")
}

// drainLoop pops records off the Redis queue, accumulating a batch that is
// flushed on size or on a timer.
func (hs *Service) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(hs.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hs.FlushBatch(ctx)
		default:
			// Bounded BLPop so context cancellation is still observed.
			record, ok, err := hs.queue.Pop(ctx, 3*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				hs.logger.Errorf("queue pop: %v", err)
				continue
			}
			if !ok {
				continue
			}
			hs.Append(ctx, record)
		}
	}
}

// Append adds a record to the in-memory batch, flushing when the batch
// threshold is reached.
func (hs *Service) Append(ctx context.Context, record database.EventRecord) {
	hs.batchMu.Lock()
	hs.batch = append(hs.batch, record)
	full := len(hs.batch) >= hs.batchSize
	hs.batchMu.Unlock()
	if full {
		hs.FlushBatch(ctx)
	}
}

// FlushBatch writes the current batch to the database in one transaction.
func (hs *Service) FlushBatch(ctx context.Context) {
	hs.batchMu.Lock()
	if len(hs.batch) == 0 {
		hs.batchMu.Unlock()
		return
	}
	batchCopy := make([]database.EventRecord, len(hs.batch))
	copy(batchCopy, hs.batch)
	hs.batch = hs.batch[:0]
	hs.batchMu.Unlock()

	err := pgx.BeginTxFunc(ctx, hs.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range batchCopy {
			fields, err := json.Marshal(rec.Fields)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO monitoring_events (id, source, event, fields, created_at)
				VALUES ($1, $2, $3, $4, $5)
			`, rec.ID, rec.Source, rec.Event, fields, rec.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		hs.logger.Errorf("flush batch: %v", err)
		return
	}
	hs.logger.Debugf("flushed %d events to db", len(batchCopy))
}

// sweepLoop periodically deletes lobbies whose last update is older than the
// inactivity threshold.
func (hs *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hs.SweepStaleLobbies(ctx, time.Now())
		}
	}
}

// SweepStaleLobbies scans the lobby collection and deletes rooms idle past
// the inactivity threshold. Returns the number of lobbies removed.
func (hs *Service) SweepStaleLobbies(ctx context.Context, now time.Time) int {
	data, err := hs.store.Get(ctx, "lobbies")
	if err == store.ErrNotFound {
		return 0
	}
	if err != nil {
		hs.logger.Errorf("sweep: list lobbies: %v", err)
		return 0
	}
	var lobbies map[string]models.LobbyDocument
	if err := json.Unmarshal(data, &lobbies); err != nil {
		hs.logger.Errorf("sweep: decode lobbies: %v", err)
		return 0
	}

	removed := 0
	for code, doc := range lobbies {
		if now.Sub(doc.UpdatedAt) <= hs.inactivity {
			continue
		}
		if err := hs.store.Delete(ctx, "lobbies/"+code); err != nil {
			hs.logger.Errorf("sweep: delete lobby %s: %v", code, err)
			continue
		}
		_ = hs.store.Delete(ctx, "lobbies/"+code+"/gameState")
		removed++
		hs.logger.WithFields(logrus.Fields{"code": code, "idle": now.Sub(doc.UpdatedAt)}).Info("reaped inactive lobby")
	}
	return removed
}
