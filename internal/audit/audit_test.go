package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/internal/streaming"
	"github.com/rendis/tokaysec/pkg/schema"
)

func newTestRecorder(t *testing.T, hub streaming.EventHub) *Recorder {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewRecorder(s, hub, nil)
}

func principalCtx(principal string) context.Context {
	return logging.WithRequestID(logging.WithPrincipal(context.Background(), principal), "req-"+principal)
}

func TestRecord_PersistsAndPublishes(t *testing.T) {
	hub := streaming.NewMemoryHub()
	r := newTestRecorder(t, hub)

	ch, cancel, err := r.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.Record(principalCtx("alice"), Record{
		Type:      schema.EventSecretRead,
		Operation: schema.OpGetSecret,
		Resource:  "eng/api/db_password",
		Namespace: "eng",
		Outcome:   schema.OutcomeAllowed,
	}))

	select {
	case evt := <-ch:
		assert.Equal(t, "alice", evt.Principal)
		assert.Equal(t, schema.EventSecretRead, evt.Type)
		assert.Equal(t, "eng", evt.Namespace)
		assert.NotZero(t, evt.ID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	entries, err := r.List(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-alice", entries[0].RequestID)
	assert.Equal(t, "getSecret", entries[0].Operation)
}

func TestRecord_SurvivesCancelledContext(t *testing.T) {
	r := newTestRecorder(t, nil)
	ctx, cancel := context.WithCancel(principalCtx("bob"))
	cancel()

	require.NoError(t, r.Record(ctx, Record{Operation: schema.OpPutSecret, Resource: "eng/api/x", Outcome: schema.OutcomeAllowed}))
	entries, err := r.List(context.Background(), store.AuditFilter{Principal: "bob"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestQuery_JQ(t *testing.T) {
	r := newTestRecorder(t, nil)
	for _, rec := range []struct {
		principal string
		outcome   string
	}{{"alice", "allowed"}, {"bob", "denied"}, {"bob", "allowed"}} {
		require.NoError(t, r.Record(principalCtx(rec.principal), Record{
			Operation: schema.OpGetSecret, Resource: "eng/api/x", Outcome: rec.outcome,
		}))
	}

	all, err := r.Query(context.Background(), store.AuditFilter{}, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	out, err := r.Query(context.Background(), store.AuditFilter{}, `[.[] | select(.outcome == "denied") | .principal]`)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"bob"}}, out)

	_, err = r.Query(context.Background(), store.AuditFilter{}, `.[`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSubscribe_WithoutHub(t *testing.T) {
	r := newTestRecorder(t, nil)
	_, _, err := r.Subscribe(context.Background(), streaming.EventFilter{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
