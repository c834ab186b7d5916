// Package service is the single entry point for every external operation.
// Each operation validates its input, authorizes the calling principal,
// resolves catalog references, executes, and then records an audit entry and
// metrics. Validation and authorization both happen before any mutation.
//
// The principal is read from the context (logging.WithPrincipal); transports
// set it after authenticating the caller.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/tokaysec/internal/audit"
	"github.com/rendis/tokaysec/internal/authz"
	"github.com/rendis/tokaysec/internal/catalog"
	"github.com/rendis/tokaysec/internal/keys"
	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/secrets"
	"github.com/rendis/tokaysec/internal/validation"
	"github.com/rendis/tokaysec/pkg/schema"
)

// Config wires a Service.
type Config struct {
	Catalog   *catalog.Catalog
	Engine    *secrets.Engine
	Keys      *keys.Manager
	Gate      *authz.Gate
	Audit     *audit.Recorder
	Validator validation.Validator
	Settings  SettingsStore
	Logger    *slog.Logger
}

// SettingsStore keeps instance-level markers such as bootstrap completion.
type SettingsStore interface {
	GetSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error
}

// Service implements the external operations.
type Service struct {
	catalog   *catalog.Catalog
	engine    *secrets.Engine
	keys      *keys.Manager
	gate      *authz.Gate
	audit     *audit.Recorder
	validator validation.Validator
	settings  SettingsStore
	logger    *slog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Catalog == nil || cfg.Engine == nil || cfg.Keys == nil || cfg.Gate == nil || cfg.Audit == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "service requires catalog, engine, keys, gate and audit")
	}
	v := cfg.Validator
	if v == nil {
		jv, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		v = jv
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:   cfg.Catalog,
		engine:    cfg.Engine,
		keys:      cfg.Keys,
		gate:      cfg.Gate,
		audit:     cfg.Audit,
		validator: v,
		settings:  cfg.Settings,
		logger:    logger,
	}, nil
}

// Audit exposes the recorder for transports that stream the live feed.
func (s *Service) Audit() *audit.Recorder { return s.audit }

// call tracks one operation for its audit entry and metrics.
type call struct {
	op        schema.Operation
	event     string
	resource  string
	namespace string
	start     time.Time
}

func (s *Service) begin(op schema.Operation, event, resource, namespace string) *call {
	return &call{op: op, event: event, resource: resource, namespace: namespace, start: time.Now()}
}

// finish records the outcome of c and returns err unchanged.
func (s *Service) finish(ctx context.Context, c *call, err error) error {
	outcome, event, code := schema.OutcomeAllowed, c.event, ""
	switch {
	case err == nil:
	case schema.IsCode(err, schema.ErrCodeDenied), schema.IsCode(err, schema.ErrCodeUnauthenticated):
		outcome, event, code = schema.OutcomeDenied, schema.EventAccessDenied, schema.CodeOf(err)
	default:
		outcome, code = schema.OutcomeError, schema.CodeOf(err)
	}

	metrics.ObserveOperation(string(c.op), outcome, c.start)
	_ = s.audit.Record(ctx, audit.Record{
		Type:      event,
		Operation: c.op,
		Resource:  c.resource,
		Namespace: c.namespace,
		Outcome:   outcome,
		ErrorCode: code,
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).DebugContext(ctx, "operation failed",
			slog.String("operation", string(c.op)), slog.String("resource", c.resource),
			slog.String("code", code), slog.String("error", err.Error()))
	}
	return err
}

// authorize checks the context principal against scope.
func (s *Service) authorize(ctx context.Context, op schema.Operation, scope authz.Scope) error {
	principal := logging.Principal(ctx)
	d, err := s.gate.Authorize(ctx, principal, op, scope)
	if err != nil {
		return err
	}
	metrics.ObserveDecision(string(op), d.Allowed)
	return d.Err(principal, op)
}

// resolveNamespace resolves ref and authorizes op on it. An unknown
// namespace is reported as NOT_FOUND only to principals allowed op at the
// instance, so existence does not leak.
func (s *Service) resolveNamespace(ctx context.Context, op schema.Operation, ref string) (catalog.NamespaceHandle, error) {
	ns, err := s.catalog.ResolveNamespace(ctx, ref)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return catalog.NamespaceHandle{}, err
		}
		if aerr := s.authorize(ctx, op, authz.Instance); aerr != nil {
			return catalog.NamespaceHandle{}, aerr
		}
		return catalog.NamespaceHandle{}, err
	}
	if err := s.authorize(ctx, op, authz.Scope{NamespaceID: ns.ID()}); err != nil {
		return catalog.NamespaceHandle{}, err
	}
	return ns, nil
}

// resolveProject resolves a project and authorizes op on it, with the same
// existence rule as resolveNamespace applied at the widest resolved level.
func (s *Service) resolveProject(ctx context.Context, op schema.Operation, nsRef, projectRef, secretName string) (catalog.ProjectHandle, error) {
	h, err := s.catalog.Resolve(ctx, nsRef, projectRef)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return catalog.ProjectHandle{}, err
		}
		scope := authz.Instance
		if ns, nerr := s.catalog.ResolveNamespace(ctx, nsRef); nerr == nil {
			scope.NamespaceID = ns.ID()
		}
		if aerr := s.authorize(ctx, op, scope); aerr != nil {
			return catalog.ProjectHandle{}, aerr
		}
		return catalog.ProjectHandle{}, err
	}
	scope := authz.Scope{NamespaceID: h.NamespaceID(), ProjectID: h.ID(), SecretName: secretName}
	if err := s.authorize(ctx, op, scope); err != nil {
		return catalog.ProjectHandle{}, err
	}
	return h, nil
}

func joinResource(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "/"
		}
		out += p
	}
	return out
}
