// internal/database/events.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRecord is one persisted monitoring breadcrumb.
type EventRecord struct {
	ID        uuid.UUID              `json:"id"`
	Source    string                 `json:"source"`
	Event     string                 `json:"event"`
	Fields    map[string]interface{} `json:"fields"`
	CreatedAt time.Time              `json:"created_at"`
}

// EnsureEventsSchema creates the monitoring_events table if needed.
func EnsureEventsSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS monitoring_events (
			id         UUID PRIMARY KEY,
			source     TEXT NOT NULL,
			event      TEXT NOT NULL,
			fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create monitoring_events: %w", err)
	}
	return nil
}

// InsertEvent persists a single breadcrumb.
func InsertEvent(ctx context.Context, pool *pgxpool.Pool, rec EventRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal event fields: %w", err)
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO monitoring_events (id, source, event, fields, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.Source, rec.Event, fields, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert monitoring event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit breadcrumbs, newest first.
func RecentEvents(ctx context.Context, pool *pgxpool.Pool, limit int) ([]EventRecord, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, source, event, fields, created_at
		FROM monitoring_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query monitoring events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var fields []byte
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Event, &fields, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			rec.Fields = map[string]interface{}{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
