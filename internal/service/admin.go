package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/tokaysec/internal/authz"
	"github.com/rendis/tokaysec/internal/keys"
	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/internal/streaming"
	"github.com/rendis/tokaysec/internal/validation"
	"github.com/rendis/tokaysec/pkg/schema"
)

const bootstrapSetting = "bootstrap.completed"

// RotateKeyRequest names the scope whose data key rotates. Project is
// required under the project scope policy and ignored otherwise.
type RotateKeyRequest struct {
	Namespace string `json:"namespace"`
	Project   string `json:"project,omitempty"`
}

// RotateKeyResult reports the new active key.
type RotateKeyResult struct {
	Scope   string `json:"scope"`
	Version int    `json:"version"`
}

// RotateKey creates the next data key version for a scope. rotateKey is
// checked on the scope that owns the key.
func (s *Service) RotateKey(ctx context.Context, req RotateKeyRequest) (res *RotateKeyResult, err error) {
	c := s.begin(schema.OpRotateKey, schema.EventKeyRotated, joinResource(req.Namespace, req.Project), req.Namespace)
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.validator.Validate(validation.RequestRotateKey, req); err != nil {
		return nil, err
	}

	var scope string
	if s.keys.Policy() == keys.PolicyProject {
		if req.Project == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "project is required under the project key policy")
		}
		h, err := s.resolveProject(ctx, schema.OpRotateKey, req.Namespace, req.Project, "")
		if err != nil {
			return nil, err
		}
		c.namespace = h.Namespace().Name()
		scope = s.keys.ScopeFor(h.NamespaceID(), h.ID())
	} else {
		ns, err := s.resolveNamespace(ctx, schema.OpRotateKey, req.Namespace)
		if err != nil {
			return nil, err
		}
		c.namespace = ns.Name()
		scope = s.keys.ScopeFor(ns.ID(), "")
	}
	c.resource = "dek:" + scope

	version, err := s.keys.Rotate(ctx, scope)
	if err != nil {
		return nil, err
	}
	metrics.ObserveRotation()
	return &RotateKeyResult{Scope: scope, Version: version}, nil
}

// ListKeys returns data key metadata for the scope of a namespace or project.
func (s *Service) ListKeys(ctx context.Context, req RotateKeyRequest) (out []*store.DataKey, err error) {
	c := s.begin(schema.OpRotateKey, schema.EventCatalogListed, joinResource(req.Namespace, req.Project), req.Namespace)
	defer func() { err = s.finish(ctx, c, err) }()

	if s.keys.Policy() == keys.PolicyProject && req.Project != "" {
		h, err := s.resolveProject(ctx, schema.OpRotateKey, req.Namespace, req.Project, "")
		if err != nil {
			return nil, err
		}
		return s.keys.ListKeys(ctx, s.keys.ScopeFor(h.NamespaceID(), h.ID()))
	}
	ns, err := s.resolveNamespace(ctx, schema.OpRotateKey, req.Namespace)
	if err != nil {
		return nil, err
	}
	return s.keys.ListKeys(ctx, s.keys.ScopeFor(ns.ID(), ""))
}

// BindingRequest grants a role at the instance (no namespace), a namespace,
// or a project.
type BindingRequest struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
	Namespace string `json:"namespace,omitempty"`
	Project   string `json:"project,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// CreateBinding stores a role binding. manageBindings is checked on the
// binding's own scope.
func (s *Service) CreateBinding(ctx context.Context, req BindingRequest) (b *store.RoleBinding, err error) {
	c := s.begin(schema.OpManageBindings, schema.EventBindingCreated, joinResource("binding", req.Principal), req.Namespace)
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.validator.Validate(validation.RequestCreateBinding, req); err != nil {
		return nil, err
	}

	scope := schema.InstanceScope
	switch {
	case req.Project != "":
		h, err := s.resolveProject(ctx, schema.OpManageBindings, req.Namespace, req.Project, "")
		if err != nil {
			return nil, err
		}
		scope = schema.ProjectScope(h.ID())
	case req.Namespace != "":
		ns, err := s.resolveNamespace(ctx, schema.OpManageBindings, req.Namespace)
		if err != nil {
			return nil, err
		}
		scope = schema.NamespaceScope(ns.ID())
	default:
		if err := s.authorize(ctx, schema.OpManageBindings, authz.Instance); err != nil {
			return nil, err
		}
	}

	b = &store.RoleBinding{
		Principal: req.Principal,
		Scope:     scope,
		Role:      req.Role,
		Condition: req.Condition,
		CreatedBy: logging.Principal(ctx),
	}
	if err := s.gate.Bind(ctx, b); err != nil {
		return nil, err
	}
	c.resource = "binding:" + b.ID
	return b, nil
}

// ListBindings lists bindings, optionally for one principal. Requires
// manageBindings on the instance.
func (s *Service) ListBindings(ctx context.Context, principal string) (out []*store.RoleBinding, err error) {
	c := s.begin(schema.OpManageBindings, schema.EventBindingsListed, "bindings", "")
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.authorize(ctx, schema.OpManageBindings, authz.Instance); err != nil {
		return nil, err
	}
	return s.gate.Bindings(ctx, store.BindingFilter{Principal: principal})
}

// DeleteBinding removes a binding. manageBindings is checked on its scope.
func (s *Service) DeleteBinding(ctx context.Context, id string) (err error) {
	c := s.begin(schema.OpManageBindings, schema.EventBindingDeleted, "binding:"+id, "")
	defer func() { err = s.finish(ctx, c, err) }()

	all, err := s.gate.Bindings(ctx, store.BindingFilter{})
	if err != nil {
		return err
	}
	scope := authz.Instance
	found := false
	for _, b := range all {
		if b.ID != id {
			continue
		}
		found = true
		switch kind, sid, _ := schema.ParseScope(b.Scope); kind {
		case "ns":
			scope.NamespaceID = sid
		case "proj":
			scope.ProjectID = sid
			if h, err := s.catalog.ResolveProjectID(ctx, sid); err == nil {
				scope.NamespaceID = h.NamespaceID()
			}
		}
	}
	if err := s.authorize(ctx, schema.OpManageBindings, scope); err != nil {
		return err
	}
	if !found {
		return schema.NewErrorf(schema.ErrCodeNotFound, "binding %q not found", id)
	}
	return s.gate.Unbind(ctx, id)
}

// AuditQuery selects audit entries and optionally reshapes them with jq.
type AuditQuery struct {
	Principal string
	Operation string
	Outcome   string
	AfterID   int64
	Limit     int
	JQ        string
}

// ReadAudit returns audit entries, newest first, or the outputs of q.JQ run
// over them. Requires readAudit on the instance.
func (s *Service) ReadAudit(ctx context.Context, q AuditQuery) (out []any, err error) {
	c := s.begin(schema.OpReadAudit, schema.EventAuditRead, "audit", "")
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.authorize(ctx, schema.OpReadAudit, authz.Instance); err != nil {
		return nil, err
	}
	return s.audit.Query(ctx, store.AuditFilter{
		Principal: q.Principal,
		Operation: q.Operation,
		Outcome:   q.Outcome,
		AfterID:   q.AfterID,
		Limit:     q.Limit,
	}, q.JQ)
}

// SubscribeAudit opens the live audit feed. Requires readAudit on the instance.
func (s *Service) SubscribeAudit(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.Event, func(), error) {
	if err := s.authorize(ctx, schema.OpReadAudit, authz.Instance); err != nil {
		return nil, nil, err
	}
	return s.audit.Subscribe(ctx, filter)
}

// BootstrapConfig seeds a fresh instance.
type BootstrapConfig struct {
	Admin            string
	DefaultNamespace string
	DefaultProject   string
}

// Bootstrap grants Admin the admin role on the instance and creates the
// default namespace and project. It runs once; later calls report false.
func (s *Service) Bootstrap(ctx context.Context, cfg BootstrapConfig) (bool, error) {
	if s.settings == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "bootstrap requires a settings store")
	}
	if _, err := s.settings.GetSetting(ctx, bootstrapSetting); err == nil {
		return false, nil
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return false, err
	}

	if cfg.Admin != "" {
		if err := s.gate.Bind(ctx, &store.RoleBinding{
			Principal: cfg.Admin,
			Scope:     schema.InstanceScope,
			Role:      string(authz.RoleAdmin),
			CreatedBy: "bootstrap",
		}); err != nil {
			return false, err
		}
	}
	if cfg.DefaultNamespace != "" {
		if _, err := s.catalog.CreateNamespace(ctx, cfg.DefaultNamespace); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
			return false, err
		}
		if cfg.DefaultProject != "" {
			if _, err := s.catalog.CreateProject(ctx, cfg.DefaultNamespace, cfg.DefaultProject); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
				return false, err
			}
		}
	}

	if err := s.settings.SetSetting(ctx, bootstrapSetting, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "instance bootstrapped",
		slog.String("admin", cfg.Admin),
		slog.String("namespace", cfg.DefaultNamespace),
		slog.String("project", cfg.DefaultProject))
	return true, nil
}
