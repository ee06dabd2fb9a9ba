// internal/monitoring/recorder.go
package monitoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/memeclash/memeclash/internal/cache"
	"github.com/memeclash/memeclash/internal/database"
	"github.com/memeclash/memeclash/internal/store"
)

// Recorder writes observability breadcrumbs to monitoring/events/{autoId} in
// the document store and hands them to the historian queue for durable
// persistence. A direct pool can stand in where no queue is deployed.
// Recording is best-effort: a failed breadcrumb is logged and dropped, never
// surfaced to gameplay.
type Recorder struct {
	store  store.Store
	queue  *cache.Queue
	pool   *pgxpool.Pool
	logger *logrus.Logger
	source string
}

// NewRecorder builds a recorder. queue and pool may each be nil. source tags
// every event with the emitting subsystem, e.g. "gateway" or "reconnect".
func NewRecorder(st store.Store, queue *cache.Queue, pool *pgxpool.Pool, logger *logrus.Logger, source string) *Recorder {
	return &Recorder{store: st, queue: queue, pool: pool, logger: logger, source: source}
}

// Record emits one breadcrumb.
func (r *Recorder) Record(ctx context.Context, event string, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	rec := database.EventRecord{
		ID:        uuid.New(),
		Source:    r.source,
		Event:     event,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
	if r.store != nil {
		if err := r.store.Set(ctx, "monitoring/events/"+rec.ID.String(), rec); err != nil {
			r.logger.WithError(err).Debug("breadcrumb store write failed")
		}
	}
	if r.queue != nil {
		if err := r.queue.Publish(ctx, rec); err != nil {
			r.logger.WithError(err).Debug("breadcrumb enqueue failed")
		}
	}
	if r.pool != nil {
		if err := database.InsertEvent(ctx, r.pool, rec); err != nil {
			r.logger.WithError(err).Debug("breadcrumb db write failed")
		}
	}
}

// Func adapts the recorder to the plain callback shape collaborators expect.
func (r *Recorder) Func(ctx context.Context) func(event string, fields map[string]interface{}) {
	return func(event string, fields map[string]interface{}) {
		r.Record(ctx, event, fields)
	}
}
