package service

import (
	"context"

	"github.com/rendis/tokaysec/internal/authz"
	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/internal/validation"
	"github.com/rendis/tokaysec/pkg/schema"
)

type nameRequest struct {
	Name string `json:"name"`
}

// CreateNamespace adds a namespace. Requires createNamespace on the instance.
func (s *Service) CreateNamespace(ctx context.Context, name string) (ns *store.Namespace, err error) {
	c := s.begin(schema.OpCreateNamespace, schema.EventNamespaceCreated, name, name)
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.validator.Validate(validation.RequestCreateNamespace, nameRequest{Name: name}); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, schema.OpCreateNamespace, authz.Instance); err != nil {
		return nil, err
	}
	return s.catalog.CreateNamespace(ctx, name)
}

// RenameNamespace renames a namespace. Ids, projects and keys are unchanged.
func (s *Service) RenameNamespace(ctx context.Context, ref, name string) (ns *store.Namespace, err error) {
	c := s.begin(schema.OpRenameNamespace, schema.EventNamespaceRenamed, ref, ref)
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.validator.Validate(validation.RequestRenameNamespace, nameRequest{Name: name}); err != nil {
		return nil, err
	}
	h, err := s.resolveNamespace(ctx, schema.OpRenameNamespace, ref)
	if err != nil {
		return nil, err
	}
	c.resource, c.namespace = h.Name(), name
	return s.catalog.RenameNamespace(ctx, h.ID(), name)
}

// DeleteNamespace removes an empty namespace.
func (s *Service) DeleteNamespace(ctx context.Context, ref string) (err error) {
	c := s.begin(schema.OpDeleteNamespace, schema.EventNamespaceDeleted, ref, ref)
	defer func() { err = s.finish(ctx, c, err) }()

	h, err := s.resolveNamespace(ctx, schema.OpDeleteNamespace, ref)
	if err != nil {
		return err
	}
	c.resource, c.namespace = h.Name(), h.Name()
	if _, err := s.catalog.DeleteNamespace(ctx, h.ID()); err != nil {
		return err
	}
	s.gate.Invalidate()
	return nil
}

// ListNamespaces returns the namespaces the principal can see: all of them
// with listNamespaces on the instance, otherwise those where it may list
// projects.
func (s *Service) ListNamespaces(ctx context.Context) (out []*store.Namespace, err error) {
	c := s.begin(schema.OpListNamespaces, schema.EventCatalogListed, "namespaces", "")
	defer func() { err = s.finish(ctx, c, err) }()

	principal := logging.Principal(ctx)
	all, err := s.catalog.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.gate.Authorize(ctx, principal, schema.OpListNamespaces, authz.Instance)
	if err != nil {
		return nil, err
	}
	if d.Allowed {
		return all, nil
	}

	out = []*store.Namespace{}
	for _, ns := range all {
		d, err := s.gate.Authorize(ctx, principal, schema.OpListProjects, authz.Scope{NamespaceID: ns.ID})
		if err != nil {
			return nil, err
		}
		if d.Allowed {
			out = append(out, ns)
		}
	}
	return out, nil
}

// CreateProject adds a project to a namespace.
func (s *Service) CreateProject(ctx context.Context, nsRef, name string) (p *store.Project, err error) {
	c := s.begin(schema.OpCreateProject, schema.EventProjectCreated, joinResource(nsRef, name), nsRef)
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.validator.Validate(validation.RequestCreateProject, nameRequest{Name: name}); err != nil {
		return nil, err
	}
	h, err := s.resolveNamespace(ctx, schema.OpCreateProject, nsRef)
	if err != nil {
		return nil, err
	}
	c.resource, c.namespace = joinResource(h.Name(), name), h.Name()
	return s.catalog.CreateProject(ctx, h.ID(), name)
}

// DeleteProject removes a project with no secrets, tombstoned ones included.
func (s *Service) DeleteProject(ctx context.Context, nsRef, projectRef string) (err error) {
	c := s.begin(schema.OpDeleteProject, schema.EventProjectDeleted, joinResource(nsRef, projectRef), nsRef)
	defer func() { err = s.finish(ctx, c, err) }()

	h, err := s.resolveProject(ctx, schema.OpDeleteProject, nsRef, projectRef, "")
	if err != nil {
		return err
	}
	c.resource, c.namespace = h.String(), h.Namespace().Name()
	if _, err := s.catalog.DeleteProject(ctx, h.NamespaceID(), h.ID()); err != nil {
		return err
	}
	s.gate.Invalidate()
	return nil
}

// ListProjects returns the projects of a namespace.
func (s *Service) ListProjects(ctx context.Context, nsRef string) (out []*store.Project, err error) {
	c := s.begin(schema.OpListProjects, schema.EventCatalogListed, nsRef, nsRef)
	defer func() { err = s.finish(ctx, c, err) }()

	h, err := s.resolveNamespace(ctx, schema.OpListProjects, nsRef)
	if err != nil {
		return nil, err
	}
	c.resource, c.namespace = h.Name(), h.Name()
	return s.catalog.ListProjects(ctx, h.ID())
}
