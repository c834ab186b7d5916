package service

import (
	"context"

	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/secrets"
	"github.com/rendis/tokaysec/internal/validation"
	"github.com/rendis/tokaysec/pkg/schema"
)

// PutSecretRequest is the body of a secret write.
type PutSecretRequest struct {
	Namespace   string           `json:"namespace"`
	Project     string           `json:"project"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Type        string           `json:"type,omitempty"`
	Value       schema.ByteArray `json:"value"`
}

// SecretValue is a decrypted secret with its metadata.
type SecretValue struct {
	*secrets.Metadata
	Value []byte `json:"-"`
}

// PutSecret stores a new version of a secret.
func (s *Service) PutSecret(ctx context.Context, req PutSecretRequest) (md *secrets.Metadata, err error) {
	c := s.begin(schema.OpPutSecret, schema.EventSecretWritten, joinResource(req.Namespace, req.Project, req.Name), req.Namespace)
	defer func() { err = s.finish(ctx, c, err) }()

	if err := s.validator.Validate(validation.RequestPutSecret, req); err != nil {
		return nil, err
	}
	h, err := s.resolveProject(ctx, schema.OpPutSecret, req.Namespace, req.Project, req.Name)
	if err != nil {
		return nil, err
	}
	c.resource, c.namespace = joinResource(h.String(), req.Name), h.Namespace().Name()

	return s.engine.Put(ctx, h, secrets.PutInput{
		Name:        req.Name,
		Description: req.Description,
		Type:        schema.SecretType(req.Type),
		Value:       req.Value,
		Actor:       logging.Principal(ctx),
	})
}

// GetSecret returns a version of a secret; version 0 is the latest.
func (s *Service) GetSecret(ctx context.Context, nsRef, projectRef, name string, version int) (sv *SecretValue, err error) {
	c := s.begin(schema.OpGetSecret, schema.EventSecretRead, joinResource(nsRef, projectRef, name), nsRef)
	defer func() { err = s.finish(ctx, c, err) }()

	h, err := s.resolveProject(ctx, schema.OpGetSecret, nsRef, projectRef, name)
	if err != nil {
		return nil, err
	}
	c.resource, c.namespace = joinResource(h.String(), name), h.Namespace().Name()

	value, md, err := s.engine.Get(ctx, h, name, version)
	if err != nil {
		return nil, err
	}
	return &SecretValue{Metadata: md, Value: value}, nil
}

// ListSecrets returns metadata for the live secrets of a project.
func (s *Service) ListSecrets(ctx context.Context, nsRef, projectRef string) (out []*secrets.Metadata, err error) {
	c := s.begin(schema.OpListSecrets, schema.EventSecretListed, joinResource(nsRef, projectRef), nsRef)
	defer func() { err = s.finish(ctx, c, err) }()

	h, err := s.resolveProject(ctx, schema.OpListSecrets, nsRef, projectRef, "")
	if err != nil {
		return nil, err
	}
	c.resource, c.namespace = h.String(), h.Namespace().Name()

	out = []*secrets.Metadata{}
	for md, err := range s.engine.List(ctx, h) {
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

// SecretVersions returns the version history of a secret.
func (s *Service) SecretVersions(ctx context.Context, nsRef, projectRef, name string) (out []secrets.VersionInfo, err error) {
	c := s.begin(schema.OpGetSecret, schema.EventSecretListed, joinResource(nsRef, projectRef, name), nsRef)
	defer func() { err = s.finish(ctx, c, err) }()

	h, err := s.resolveProject(ctx, schema.OpGetSecret, nsRef, projectRef, name)
	if err != nil {
		return nil, err
	}
	c.resource, c.namespace = joinResource(h.String(), name), h.Namespace().Name()
	return s.engine.Versions(ctx, h, name)
}

// DeleteSecret tombstones a secret.
func (s *Service) DeleteSecret(ctx context.Context, nsRef, projectRef, name string) (err error) {
	c := s.begin(schema.OpDeleteSecret, schema.EventSecretDeleted, joinResource(nsRef, projectRef, name), nsRef)
	defer func() { err = s.finish(ctx, c, err) }()

	h, err := s.resolveProject(ctx, schema.OpDeleteSecret, nsRef, projectRef, name)
	if err != nil {
		return err
	}
	c.resource, c.namespace = joinResource(h.String(), name), h.Namespace().Name()
	return s.engine.Delete(ctx, h, name)
}
