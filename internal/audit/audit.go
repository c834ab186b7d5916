// Package audit records every gated operation to the store and the live feed.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/tokaysec/internal/expressions"
	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/internal/streaming"
	"github.com/rendis/tokaysec/pkg/schema"
)

// Store is the persistence the recorder needs.
type Store interface {
	AppendAudit(ctx context.Context, e *store.AuditEntry) error
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error)
}

// Record is one audited action. Principal and request id come from the context.
type Record struct {
	Type      string
	Operation schema.Operation
	Resource  string
	Namespace string
	Outcome   string
	ErrorCode string
}

// Recorder persists audit entries and publishes them to a hub.
type Recorder struct {
	store  Store
	hub    streaming.EventHub
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewRecorder creates a Recorder. hub may be nil.
func NewRecorder(s Store, hub streaming.EventHub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, hub: hub, jq: expressions.NewGoJQEngine(), logger: logger}
}

// Record writes rec. The write is not cancelled with ctx so an operation that
// already happened is always recorded.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	detached := context.WithoutCancel(ctx)
	e := &store.AuditEntry{
		RequestID: logging.RequestID(ctx),
		Principal: logging.Principal(ctx),
		Operation: string(rec.Operation),
		Resource:  rec.Resource,
		Outcome:   rec.Outcome,
		ErrorCode: rec.ErrorCode,
	}
	if err := r.store.AppendAudit(detached, e); err != nil {
		metrics.ObserveAuditWriteFailure()
		r.logger.ErrorContext(ctx, "audit write failed",
			slog.String("operation", e.Operation), slog.String("resource", e.Resource), slog.String("error", err.Error()))
		return err
	}

	if r.hub != nil {
		_ = r.hub.Publish(detached, streaming.Event{
			ID:        e.ID,
			Type:      rec.Type,
			Principal: e.Principal,
			Operation: e.Operation,
			Resource:  e.Resource,
			Outcome:   e.Outcome,
			ErrorCode: e.ErrorCode,
			Namespace: rec.Namespace,
			At:        e.CreatedAt,
		})
	}
	return nil
}

// List returns stored entries newest first.
func (r *Recorder) List(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	return r.store.ListAudit(ctx, filter)
}

// Query lists entries and, when filter is set, runs the jq expression over the
// JSON array of entries, returning every output.
func (r *Recorder) Query(ctx context.Context, filter store.AuditFilter, jq string) ([]any, error) {
	entries, err := r.store.ListAudit(ctx, filter)
	if err != nil {
		return nil, err
	}
	docs, err := toDocuments(entries)
	if err != nil {
		return nil, err
	}
	if jq == "" {
		return docs, nil
	}
	return r.jq.EvaluateAll(ctx, jq, docs)
}

// Subscribe opens a live feed. It fails when no hub is configured.
func (r *Recorder) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.Event, func(), error) {
	if r.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "live audit feed is disabled")
	}
	return r.hub.Subscribe(ctx, filter)
}

// toDocuments renders entries with their JSON field names, as jq sees them.
func toDocuments(entries []*store.AuditEntry) ([]any, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	var docs []any
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []any{}
	}
	return docs, nil
}
