// Package authz decides whether a principal may perform an operation on a
// scope of the catalog.
//
// Bindings attach a role to a principal at the instance, a namespace or a
// project. The most specific applicable binding decides; with none, access is
// denied.
package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rendis/tokaysec/internal/expressions"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

const (
	defaultCacheTTL  = 5 * time.Second
	defaultCacheSize = 4096
)

// Store is the persistence the gate needs.
type Store interface {
	PutBinding(ctx context.Context, b *store.RoleBinding) error
	ListBindings(ctx context.Context, filter store.BindingFilter) ([]*store.RoleBinding, error)
	DeleteBinding(ctx context.Context, id string) error
}

// Scope is the target of an operation. Empty ids widen it: no project means
// the namespace, no namespace means the whole instance.
type Scope struct {
	NamespaceID string
	ProjectID   string
	// SecretName is exposed to binding conditions only.
	SecretName string
}

// Instance is the instance-wide scope.
var Instance = Scope{}

// levels returns binding scopes from most to least specific.
func (s Scope) levels() []string {
	out := make([]string, 0, 3)
	if s.ProjectID != "" {
		out = append(out, schema.ProjectScope(s.ProjectID))
	}
	if s.NamespaceID != "" {
		out = append(out, schema.NamespaceScope(s.NamespaceID))
	}
	return append(out, schema.InstanceScope)
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Role    Role   `json:"role,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Reason  string `json:"reason"`
}

// Err returns a DENIED error for a refused decision, nil otherwise.
func (d Decision) Err(principal string, op schema.Operation) error {
	if d.Allowed {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeDenied, "%s may not %s", principal, op).
		WithDetails(map[string]any{"reason": d.Reason})
}

// Config configures a Gate.
type Config struct {
	Store     Store
	CEL       *expressions.CELEngine
	CacheTTL  time.Duration
	CacheSize int
	Logger    *slog.Logger
}

// Gate evaluates role bindings. Applicable bindings are cached per
// (principal, scope) for a short TTL; any binding change purges the cache.
type Gate struct {
	store  Store
	cel    *expressions.CELEngine
	cache  *expirable.LRU[string, []*store.RoleBinding]
	logger *slog.Logger
}

// NewGate creates a Gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "authz gate requires a store")
	}
	celEngine := cfg.CEL
	if celEngine == nil {
		var err error
		if celEngine, err = expressions.NewCELEngine(); err != nil {
			return nil, err
		}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  cfg.Store,
		cel:    celEngine,
		cache:  expirable.NewLRU[string, []*store.RoleBinding](size, nil, ttl),
		logger: logger,
	}, nil
}

// Authorize decides whether principal may perform op on scope. It has no side
// effects beyond filling the binding cache.
func (g *Gate) Authorize(ctx context.Context, principal string, op schema.Operation, scope Scope) (Decision, error) {
	if principal == "" {
		return Decision{Reason: "no principal"}, schema.NewError(schema.ErrCodeUnauthenticated, "principal is required")
	}

	bindings, err := g.bindingsFor(ctx, principal, scope)
	if err != nil {
		return Decision{}, err
	}

	byScope := make(map[string]*store.RoleBinding, len(bindings))
	for _, b := range bindings {
		byScope[b.Scope] = b
	}

	for _, level := range scope.levels() {
		b, ok := byScope[level]
		if !ok {
			continue
		}
		if b.Condition != "" && !g.conditionHolds(ctx, b, principal, op, scope) {
			continue
		}
		role := Role(b.Role)
		if role.Allows(op) {
			return Decision{Allowed: true, Role: role, Scope: level, Reason: "granted by " + string(role) + " on " + level}, nil
		}
		return Decision{Role: role, Scope: level, Reason: string(role) + " on " + level + " does not allow " + string(op)}, nil
	}
	return Decision{Reason: "no binding applies"}, nil
}

// Require is Authorize that turns a refusal into a DENIED error.
func (g *Gate) Require(ctx context.Context, principal string, op schema.Operation, scope Scope) (Decision, error) {
	d, err := g.Authorize(ctx, principal, op, scope)
	if err != nil {
		return d, err
	}
	return d, d.Err(principal, op)
}

// Bind creates or replaces the binding of principal at b.Scope.
func (g *Gate) Bind(ctx context.Context, b *store.RoleBinding) error {
	r := &schema.ValidationResult{}
	if b.Principal == "" {
		r.AddError("principal", "is required")
	}
	if _, err := ParseRole(b.Role); err != nil {
		r.AddError("role", err.Error())
	}
	if _, _, ok := schema.ParseScope(b.Scope); !ok {
		r.AddError("scope", "must be instance, ns:<id> or proj:<id>")
	}
	if b.Condition != "" {
		if err := g.cel.Check(b.Condition); err != nil {
			r.AddError("condition", err.Error())
		}
	}
	if err := r.ToError(); err != nil {
		return err
	}

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if err := g.store.PutBinding(ctx, b); err != nil {
		return err
	}
	g.cache.Purge()
	g.logger.InfoContext(ctx, "role binding stored",
		slog.String("binding_principal", b.Principal), slog.String("scope", b.Scope), slog.String("role", b.Role))
	return nil
}

// Unbind removes a binding by id.
func (g *Gate) Unbind(ctx context.Context, id string) error {
	if err := g.store.DeleteBinding(ctx, id); err != nil {
		return err
	}
	g.cache.Purge()
	g.logger.InfoContext(ctx, "role binding removed", slog.String("binding_id", id))
	return nil
}

// Bindings lists stored bindings.
func (g *Gate) Bindings(ctx context.Context, filter store.BindingFilter) ([]*store.RoleBinding, error) {
	return g.store.ListBindings(ctx, filter)
}

// Invalidate drops cached bindings, e.g. after catalog deletions.
func (g *Gate) Invalidate() { g.cache.Purge() }

func (g *Gate) bindingsFor(ctx context.Context, principal string, scope Scope) ([]*store.RoleBinding, error) {
	key := principal + "|" + scope.NamespaceID + "|" + scope.ProjectID
	if bs, ok := g.cache.Get(key); ok {
		return bs, nil
	}
	bs, err := g.store.ListBindings(ctx, store.BindingFilter{Principal: principal, Scopes: scope.levels()})
	if err != nil {
		return nil, err
	}
	g.cache.Add(key, bs)
	return bs, nil
}

// conditionHolds evaluates a binding condition. Evaluation errors mean the
// binding does not apply.
func (g *Gate) conditionHolds(ctx context.Context, b *store.RoleBinding, principal string, op schema.Operation, scope Scope) bool {
	ok, err := g.cel.EvaluateBool(ctx, b.Condition, map[string]any{
		"request": map[string]any{
			"operation":   string(op),
			"namespace":   scope.NamespaceID,
			"project":     scope.ProjectID,
			"secret_name": scope.SecretName,
		},
		"principal": map[string]any{"id": principal},
	})
	if err != nil {
		g.logger.WarnContext(ctx, "binding condition failed",
			slog.String("binding_id", b.ID), slog.String("error", err.Error()))
		return false
	}
	return ok
}
