package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/spotify/comet-core/internal/fingerprint"
	"github.com/spotify/comet-core/pkg/ingest"
	"github.com/spotify/comet-core/pkg/registry"
	"github.com/spotify/comet-core/pkg/store"
)

func newTestStore(t *testing.T) *store.DataStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  glogger.Default.LogMode(glogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	raw, err := db.DB()
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)

	st, err := store.New(db)
	require.NoError(t, err)
	return st
}

func jsonParser() registry.Parser {
	return registry.ParserFunc(func(raw []byte) (map[string]any, error) {
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	})
}

func TestHandleMessageStoresEvent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterParser("scanner", jsonParser())
	reg.RegisterHydrator(registry.HydratorFunc(func(_ context.Context, c *registry.EventContainer) error {
		c.Owner = "alice"
		c.SetMetadata("region", "eu")
		return nil
	}), "scanner")

	svc := ingest.New(reg, st)
	ok := svc.HandleMessage(ctx, "scanner", []byte(`{"issue":"open-port","host":"db-01"}`))
	require.True(t, ok)

	wantFP := fingerprint.Fingerprint(
		map[string]any{"issue": "open-port", "host": "db-01"}, nil, "scanner_")
	event, err := st.GetLatestEventWithFingerprint(ctx, wantFP)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "alice", event.Owner)
	assert.Equal(t, "scanner", event.SourceType)
	assert.EqualValues(t, "open-port", event.Data["issue"])
	assert.EqualValues(t, "eu", event.EventMetadata["region"])
	assert.Nil(t, event.ProcessedAt)
}

func TestHandleMessageKeepsHydratedFingerprint(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterParser("scanner", jsonParser())
	reg.RegisterHydrator(registry.HydratorFunc(func(_ context.Context, c *registry.EventContainer) error {
		c.Fingerprint = "scanner_custom-identity"
		return nil
	}))

	svc := ingest.New(reg, st)
	require.True(t, svc.HandleMessage(ctx, "scanner", []byte(`{"issue":"x"}`)))

	event, err := st.GetLatestEventWithFingerprint(ctx, "scanner_custom-identity")
	require.NoError(t, err)
	assert.NotNil(t, event)
}

func TestHandleMessageUnknownSourceType(t *testing.T) {
	svc := ingest.New(registry.New(), newTestStore(t))
	assert.False(t, svc.HandleMessage(context.Background(), "unknown", []byte(`{}`)))
}

func TestHandleMessageParseFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterParser("scanner", jsonParser())

	svc := ingest.New(reg, st)
	assert.False(t, svc.HandleMessage(ctx, "scanner", []byte("not json")))

	backlog, err := st.GetUnprocessedBacklog(ctx)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestHandleMessageHydratorFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterParser("scanner", jsonParser())
	reg.RegisterHydrator(registry.HydratorFunc(func(context.Context, *registry.EventContainer) error {
		return errors.New("lookup failed")
	}))

	svc := ingest.New(reg, st)
	assert.False(t, svc.HandleMessage(ctx, "scanner", []byte(`{"issue":"x"}`)))
}

func TestHandleMessageFilterVeto(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterParser("scanner", jsonParser())
	reg.RegisterFilter(registry.FilterFunc(func(_ context.Context, c *registry.EventContainer) (*registry.EventContainer, error) {
		if c.Message["severity"] == "info" {
			return nil, nil
		}
		return c, nil
	}), "scanner")

	svc := ingest.New(reg, st)
	assert.False(t, svc.HandleMessage(ctx, "scanner", []byte(`{"issue":"x","severity":"info"}`)))
	assert.True(t, svc.HandleMessage(ctx, "scanner", []byte(`{"issue":"x","severity":"high"}`)))

	backlog, err := st.GetUnprocessedBacklog(ctx)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.EqualValues(t, 1, backlog[0].Count)
}

func TestHandleMessageFilterReplacement(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := registry.New()
	reg.RegisterParser("scanner", jsonParser())
	reg.RegisterFilter(registry.FilterFunc(func(_ context.Context, c *registry.EventContainer) (*registry.EventContainer, error) {
		replacement := *c
		replacement.Owner = "security-team"
		replacement.Fingerprint = "scanner_rewritten"
		return &replacement, nil
	}))

	svc := ingest.New(reg, st)
	require.True(t, svc.HandleMessage(ctx, "scanner", []byte(`{"issue":"x"}`)))

	event, err := st.GetLatestEventWithFingerprint(ctx, "scanner_rewritten")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "security-team", event.Owner)
}
