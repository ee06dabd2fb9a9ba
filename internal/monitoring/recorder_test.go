// internal/monitoring/recorder_test.go
package monitoring

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeclash/memeclash/internal/database"
	"github.com/memeclash/memeclash/internal/store"
)

func newRecorder(t *testing.T) (*Recorder, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRecorder(st, nil, nil, logger, "test"), st
}

func TestRecordWritesBreadcrumb(t *testing.T) {
	rec, st := newRecorder(t)
	ctx := context.Background()

	rec.Record(ctx, "lobby_created", map[string]interface{}{"code": "ABC12"})

	data, err := st.Get(ctx, "monitoring/events")
	require.NoError(t, err)
	var events map[string]database.EventRecord
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
	for _, e := range events {
		assert.Equal(t, "test", e.Source)
		assert.Equal(t, "lobby_created", e.Event)
		assert.Equal(t, "ABC12", e.Fields["code"])
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestRecordNilFields(t *testing.T) {
	rec, st := newRecorder(t)
	ctx := context.Background()

	rec.Record(ctx, "heartbeat", nil)
	_, err := st.Get(ctx, "monitoring/events")
	assert.NoError(t, err)
}

func TestFuncAdaptsCallbackShape(t *testing.T) {
	rec, st := newRecorder(t)
	ctx := context.Background()

	crumb := rec.Func(ctx)
	crumb("reconnected", map[string]interface{}{"path": "membership"})

	data, err := st.Get(ctx, "monitoring/events")
	require.NoError(t, err)
	var events map[string]database.EventRecord
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
}
