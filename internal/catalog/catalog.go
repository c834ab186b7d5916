// Package catalog owns the namespace → project hierarchy and mints the
// handles the secret engine accepts.
package catalog

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

// Store is the persistence the catalog needs.
type Store interface {
	CreateNamespace(ctx context.Context, ns *store.Namespace) error
	GetNamespace(ctx context.Context, id string) (*store.Namespace, error)
	GetNamespaceByName(ctx context.Context, name string) (*store.Namespace, error)
	RenameNamespace(ctx context.Context, id, name string) error
	ListNamespaces(ctx context.Context) ([]*store.Namespace, error)
	DeleteNamespace(ctx context.Context, id string) error

	CreateProject(ctx context.Context, p *store.Project) error
	GetProject(ctx context.Context, id string) (*store.Project, error)
	GetProjectByName(ctx context.Context, namespaceID, name string) (*store.Project, error)
	ListProjects(ctx context.Context, namespaceID string) ([]*store.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// NamespaceHandle is a resolved namespace. The zero value is invalid.
type NamespaceHandle struct {
	id   string
	name string
}

func (h NamespaceHandle) ID() string     { return h.id }
func (h NamespaceHandle) Name() string   { return h.name }
func (h NamespaceHandle) IsZero() bool   { return h.id == "" }
func (h NamespaceHandle) String() string { return h.name }

// ProjectHandle is a resolved project within its namespace. Only Resolve
// produces one, so holders know both exist and belong together.
type ProjectHandle struct {
	ns   NamespaceHandle
	id   string
	name string
}

func (h ProjectHandle) ID() string                 { return h.id }
func (h ProjectHandle) Name() string               { return h.name }
func (h ProjectHandle) Namespace() NamespaceHandle { return h.ns }
func (h ProjectHandle) NamespaceID() string        { return h.ns.id }
func (h ProjectHandle) IsZero() bool               { return h.id == "" }

// String renders "namespace/project".
func (h ProjectHandle) String() string { return h.ns.name + "/" + h.name }

// Catalog manages namespaces and projects.
type Catalog struct {
	store  Store
	logger *slog.Logger
}

// New creates a Catalog.
func New(s Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: s, logger: logger}
}

// --- Namespaces ---

// CreateNamespace adds a namespace. Duplicate names return CONFLICT.
func (c *Catalog) CreateNamespace(ctx context.Context, name string) (*store.Namespace, error) {
	if err := checkName("name", name); err != nil {
		return nil, err
	}
	ns := &store.Namespace{ID: uuid.New().String(), Name: name}
	if err := c.store.CreateNamespace(ctx, ns); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "namespace created", slog.String("namespace_id", ns.ID), slog.String("name", name))
	return ns, nil
}

// GetNamespace looks a namespace up by id or name. A ref that parses as an id
// is tried as one first, so ids win over names; checkName keeps new names from
// looking like ids.
func (c *Catalog) GetNamespace(ctx context.Context, ref string) (*store.Namespace, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "namespace is required")
	}
	if _, err := uuid.Parse(ref); err == nil {
		ns, err := c.store.GetNamespace(ctx, ref)
		if err == nil || !schema.IsCode(err, schema.ErrCodeNotFound) {
			return ns, err
		}
	}
	return c.store.GetNamespaceByName(ctx, ref)
}

// RenameNamespace changes a namespace's name. Its id, projects and keys are untouched.
func (c *Catalog) RenameNamespace(ctx context.Context, ref, name string) (*store.Namespace, error) {
	if err := checkName("name", name); err != nil {
		return nil, err
	}
	ns, err := c.GetNamespace(ctx, ref)
	if err != nil {
		return nil, err
	}
	if ns.Name == name {
		return ns, nil
	}
	if err := c.store.RenameNamespace(ctx, ns.ID, name); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "namespace renamed",
		slog.String("namespace_id", ns.ID), slog.String("from", ns.Name), slog.String("to", name))
	ns.Name = name
	return ns, nil
}

// DeleteNamespace removes an empty namespace. Returns NOT_EMPTY if projects remain.
func (c *Catalog) DeleteNamespace(ctx context.Context, ref string) (*store.Namespace, error) {
	ns, err := c.GetNamespace(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := c.store.DeleteNamespace(ctx, ns.ID); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "namespace deleted", slog.String("namespace_id", ns.ID))
	return ns, nil
}

// ListNamespaces returns all namespaces ordered by name.
func (c *Catalog) ListNamespaces(ctx context.Context) ([]*store.Namespace, error) {
	return c.store.ListNamespaces(ctx)
}

// ResolveNamespace returns a handle for an existing namespace.
func (c *Catalog) ResolveNamespace(ctx context.Context, ref string) (NamespaceHandle, error) {
	ns, err := c.GetNamespace(ctx, ref)
	if err != nil {
		return NamespaceHandle{}, err
	}
	return NamespaceHandle{id: ns.ID, name: ns.Name}, nil
}

// --- Projects ---

// CreateProject adds a project under a namespace. Names are unique per namespace.
func (c *Catalog) CreateProject(ctx context.Context, nsRef, name string) (*store.Project, error) {
	if err := checkName("name", name); err != nil {
		return nil, err
	}
	ns, err := c.GetNamespace(ctx, nsRef)
	if err != nil {
		return nil, err
	}
	p := &store.Project{ID: uuid.New().String(), NamespaceID: ns.ID, Name: name}
	if err := c.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "project created",
		slog.String("namespace_id", ns.ID), slog.String("project_id", p.ID), slog.String("name", name))
	return p, nil
}

// DeleteProject removes a project with no secrets. Tombstoned secrets that
// have not been purged still count.
func (c *Catalog) DeleteProject(ctx context.Context, nsRef, projectRef string) (*store.Project, error) {
	h, err := c.Resolve(ctx, nsRef, projectRef)
	if err != nil {
		return nil, err
	}
	if err := c.store.DeleteProject(ctx, h.id); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "project deleted", slog.String("project_id", h.id))
	return &store.Project{ID: h.id, NamespaceID: h.ns.id, Name: h.name}, nil
}

// ListProjects returns the projects of a namespace ordered by name.
func (c *Catalog) ListProjects(ctx context.Context, nsRef string) ([]*store.Project, error) {
	ns, err := c.GetNamespace(ctx, nsRef)
	if err != nil {
		return nil, err
	}
	return c.store.ListProjects(ctx, ns.ID)
}

// Resolve returns a handle for a project inside a namespace. Both refs accept
// an id or a name. A project owned by another namespace is NOT_FOUND.
func (c *Catalog) Resolve(ctx context.Context, nsRef, projectRef string) (ProjectHandle, error) {
	if projectRef == "" {
		return ProjectHandle{}, schema.NewError(schema.ErrCodeValidation, "project is required")
	}
	ns, err := c.ResolveNamespace(ctx, nsRef)
	if err != nil {
		return ProjectHandle{}, err
	}

	var p *store.Project
	if _, perr := uuid.Parse(projectRef); perr == nil {
		p, err = c.store.GetProject(ctx, projectRef)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return ProjectHandle{}, err
		}
	}
	if p == nil {
		p, err = c.store.GetProjectByName(ctx, ns.id, projectRef)
		if err != nil {
			return ProjectHandle{}, err
		}
	}
	if p.NamespaceID != ns.id {
		return ProjectHandle{}, schema.NewErrorf(schema.ErrCodeNotFound, "project %q not found in namespace %q", projectRef, ns.name)
	}
	return ProjectHandle{ns: ns, id: p.ID, name: p.Name}, nil
}

// ResolveProjectID returns a handle for a project known only by id.
func (c *Catalog) ResolveProjectID(ctx context.Context, id string) (ProjectHandle, error) {
	p, err := c.store.GetProject(ctx, id)
	if err != nil {
		return ProjectHandle{}, err
	}
	ns, err := c.store.GetNamespace(ctx, p.NamespaceID)
	if err != nil {
		return ProjectHandle{}, err
	}
	return ProjectHandle{ns: NamespaceHandle{id: ns.ID, name: ns.Name}, id: p.ID, name: p.Name}, nil
}

// HandleFor builds a handle from rows already read from the store, for
// background jobs that walk the catalog directly.
func HandleFor(nsID, nsName, projectID, projectName string) ProjectHandle {
	return ProjectHandle{ns: NamespaceHandle{id: nsID, name: nsName}, id: projectID, name: projectName}
}

// checkName validates a namespace or project name. Refs accept either an id or
// a name, so names that parse as ids are refused.
func checkName(path, name string) error {
	r := &schema.ValidationResult{}
	schema.CheckName(r, path, name)
	if _, err := uuid.Parse(name); err == nil {
		r.AddError(path, "must not have the form of an id")
	}
	return r.ToError()
}
