// Package secrets is the secret store engine: it seals values under the
// active data key of their scope and keeps an append-only version history.
package secrets

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"

	"github.com/rendis/tokaysec/internal/catalog"
	"github.com/rendis/tokaysec/internal/envelope"
	"github.com/rendis/tokaysec/internal/keylock"
	"github.com/rendis/tokaysec/internal/keys"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

const defaultPageSize = 100

// Store is the persistence the engine needs. Satisfied by store.Store.
type Store interface {
	AppendSecretVersion(ctx context.Context, head *store.Secret, v *store.SecretVersion) error
	GetSecret(ctx context.Context, projectID, name string) (*store.Secret, error)
	GetSecretVersion(ctx context.Context, projectID, name string, version int) (*store.SecretVersion, error)
	ListSecrets(ctx context.Context, projectID string, filter store.SecretFilter) ([]*store.Secret, error)
	ListSecretVersions(ctx context.Context, projectID, name string) ([]*store.SecretVersion, error)
	TombstoneSecret(ctx context.Context, projectID, name string, at time.Time) error
	PurgeSecret(ctx context.Context, projectID, name string) error
	ReplaceSecretCipher(ctx context.Context, v *store.SecretVersion, prevScope string, prevVersion int) error
}

// KeyManager supplies data keys. Satisfied by *keys.Manager.
type KeyManager interface {
	ScopeFor(namespaceID, projectID string) string
	ActiveDEK(ctx context.Context, scope string) (keys.DEKRef, *memguard.LockedBuffer, error)
	Unwrap(ctx context.Context, ref keys.DEKRef) (*memguard.LockedBuffer, error)
}

// Metadata describes a secret without its value.
type Metadata struct {
	Namespace   string            `json:"namespace"`
	Project     string            `json:"project"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        schema.SecretType `json:"type"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
}

// VersionInfo describes one stored version.
type VersionInfo struct {
	Version   int         `json:"version"`
	DEK       keys.DEKRef `json:"dek"`
	CreatedBy string      `json:"created_by,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// PutInput is one secret write.
type PutInput struct {
	Name        string
	Description string
	Type        schema.SecretType
	Value       []byte
	Actor       string
}

// Config configures an Engine.
type Config struct {
	Store    Store
	Keys     KeyManager
	Logger   *slog.Logger
	PageSize int
}

// Engine stores and retrieves secrets for resolved projects.
//
// Writes to one (project, name) are serialized; reads take no lock and only
// ever see committed versions.
type Engine struct {
	store    Store
	keys     KeyManager
	locks    *keylock.Locker
	logger   *slog.Logger
	pageSize int
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Engine{
		store:    cfg.Store,
		keys:     cfg.Keys,
		locks:    keylock.New(),
		logger:   logger,
		pageSize: pageSize,
	}
}

// Put seals in.Value and appends it as the next version. A tombstoned name is
// revived. Once the write lock is held the commit no longer observes ctx
// cancellation, so it either lands completely or not at all.
func (e *Engine) Put(ctx context.Context, h catalog.ProjectHandle, in PutInput) (*Metadata, error) {
	if h.IsZero() {
		return nil, schema.NewError(schema.ErrCodeValidation, "unresolved project")
	}
	if in.Type == "" {
		in.Type = schema.SecretTypeKeyValue
	}
	if err := schema.ValidateSecretInput(in.Name, in.Description, in.Type, in.Value); err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, lockKey(h, in.Name))
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	current := 0
	head, err := e.store.GetSecret(ctx, h.ID(), in.Name)
	switch {
	case err == nil:
		current = head.CurrentVersion
	case schema.IsCode(err, schema.ErrCodeNotFound):
		head = &store.Secret{ProjectID: h.ID(), Name: in.Name}
	default:
		return nil, err
	}
	head.Description = in.Description
	head.Type = in.Type
	next := current + 1

	ref, dek, err := e.keys.ActiveDEK(ctx, e.keys.ScopeFor(h.NamespaceID(), h.ID()))
	if err != nil {
		return nil, err
	}
	sealed, err := envelope.Seal(dek.Bytes(), in.Value, envelope.AAD(h.NamespaceID(), h.ID(), in.Name, next))
	dek.Destroy()
	if err != nil {
		return nil, err
	}

	v := &store.SecretVersion{
		ProjectID:  h.ID(),
		Name:       in.Name,
		Version:    next,
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		MAC:        sealed.MAC,
		DEKScope:   ref.Scope,
		DEKVersion: ref.Version,
		CreatedBy:  in.Actor,
	}
	if err := e.store.AppendSecretVersion(ctx, head, v); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "secret written",
		slog.String("secret", in.Name), slog.Int("version", next), slog.String("dek", ref.String()))
	return metadataOf(h, head), nil
}

// Get opens a version of a secret. Version 0 means the latest. The latest of
// a tombstoned secret is NOT_FOUND, while explicit versions stay readable
// until the secret is purged.
func (e *Engine) Get(ctx context.Context, h catalog.ProjectHandle, name string, version int) ([]byte, *Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if version < 0 {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "version must be positive, got %d", version)
	}

	head, err := e.store.GetSecret(ctx, h.ID(), name)
	if err != nil {
		return nil, nil, err
	}
	if version == 0 {
		if head.Tombstoned() {
			return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", name)
		}
		version = head.CurrentVersion
	}

	v, err := e.store.GetSecretVersion(ctx, h.ID(), name, version)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := e.open(ctx, h, v)
	if err != nil {
		return nil, nil, err
	}

	md := metadataOf(h, head)
	md.Version = v.Version
	return plaintext, md, nil
}

// Stat returns the metadata of a live secret.
func (e *Engine) Stat(ctx context.Context, h catalog.ProjectHandle, name string) (*Metadata, error) {
	head, err := e.store.GetSecret(ctx, h.ID(), name)
	if err != nil {
		return nil, err
	}
	if head.Tombstoned() {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", name)
	}
	return metadataOf(h, head), nil
}

// List yields metadata for every live secret in the project, ordered by name.
// Pages are read lazily by name keyset; each iteration starts from the current
// state. Iteration stops after the first error.
func (e *Engine) List(ctx context.Context, h catalog.ProjectHandle) iter.Seq2[*Metadata, error] {
	return func(yield func(*Metadata, error) bool) {
		after := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := e.store.ListSecrets(ctx, h.ID(), store.SecretFilter{After: after, Limit: e.pageSize})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, sec := range page {
				if !yield(metadataOf(h, sec), nil) {
					return
				}
			}
			if len(page) < e.pageSize {
				return
			}
			after = page[len(page)-1].Name
		}
	}
}

// Versions returns the version history of a secret, oldest first.
func (e *Engine) Versions(ctx context.Context, h catalog.ProjectHandle, name string) ([]VersionInfo, error) {
	if _, err := e.store.GetSecret(ctx, h.ID(), name); err != nil {
		return nil, err
	}
	rows, err := e.store.ListSecretVersions(ctx, h.ID(), name)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(rows))
	for _, v := range rows {
		out = append(out, VersionInfo{
			Version:   v.Version,
			DEK:       keys.DEKRef{Scope: v.DEKScope, Version: v.DEKVersion},
			CreatedBy: v.CreatedBy,
			CreatedAt: v.CreatedAt,
		})
	}
	return out, nil
}

// Delete tombstones a live secret. Absent or already deleted secrets are NOT_FOUND.
func (e *Engine) Delete(ctx context.Context, h catalog.ProjectHandle, name string) error {
	unlock, err := e.locks.Lock(ctx, lockKey(h, name))
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.store.TombstoneSecret(context.WithoutCancel(ctx), h.ID(), name, time.Now().UTC()); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "secret tombstoned", slog.String("secret", name))
	return nil
}

// Purge removes a tombstoned secret and all of its versions.
func (e *Engine) Purge(ctx context.Context, h catalog.ProjectHandle, name string) error {
	unlock, err := e.locks.Lock(ctx, lockKey(h, name))
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.store.PurgeSecret(context.WithoutCancel(ctx), h.ID(), name); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "secret purged", slog.String("secret", name))
	return nil
}

// Rewrap re-seals one version under the scope's active data key. It reports
// false when the version already uses that key.
func (e *Engine) Rewrap(ctx context.Context, h catalog.ProjectHandle, name string, version int) (bool, error) {
	unlock, err := e.locks.Lock(ctx, lockKey(h, name))
	if err != nil {
		return false, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	v, err := e.store.GetSecretVersion(ctx, h.ID(), name, version)
	if err != nil {
		return false, err
	}
	ref, dek, err := e.keys.ActiveDEK(ctx, e.keys.ScopeFor(h.NamespaceID(), h.ID()))
	if err != nil {
		return false, err
	}
	defer dek.Destroy()
	if ref.Scope == v.DEKScope && ref.Version == v.DEKVersion {
		return false, nil
	}

	plaintext, err := e.open(ctx, h, v)
	if err != nil {
		return false, err
	}
	sealed, err := envelope.Seal(dek.Bytes(), plaintext, envelope.AAD(h.NamespaceID(), h.ID(), name, version))
	memguard.WipeBytes(plaintext)
	if err != nil {
		return false, err
	}

	prevScope, prevVersion := v.DEKScope, v.DEKVersion
	v.Ciphertext, v.Nonce, v.Tag, v.MAC = sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.MAC
	v.DEKScope, v.DEKVersion = ref.Scope, ref.Version
	if err := e.store.ReplaceSecretCipher(ctx, v, prevScope, prevVersion); err != nil {
		return false, err
	}
	e.logger.InfoContext(ctx, "secret version rewrapped",
		slog.String("secret", name), slog.Int("version", version), slog.String("dek", ref.String()))
	return true, nil
}

func (e *Engine) open(ctx context.Context, h catalog.ProjectHandle, v *store.SecretVersion) ([]byte, error) {
	dek, err := e.keys.Unwrap(ctx, keys.DEKRef{Scope: v.DEKScope, Version: v.DEKVersion})
	if err != nil {
		return nil, err
	}
	defer dek.Destroy()

	plaintext, err := envelope.Open(dek.Bytes(), &envelope.Sealed{
		Ciphertext: v.Ciphertext,
		Nonce:      v.Nonce,
		Tag:        v.Tag,
		MAC:        v.MAC,
	}, envelope.AAD(h.NamespaceID(), h.ID(), v.Name, v.Version))
	if err != nil {
		e.logger.ErrorContext(ctx, "secret integrity check failed",
			slog.String("secret", v.Name), slog.Int("version", v.Version))
		return nil, err
	}
	return plaintext, nil
}

func lockKey(h catalog.ProjectHandle, name string) string {
	return h.ID() + "/" + name
}

func metadataOf(h catalog.ProjectHandle, sec *store.Secret) *Metadata {
	return &Metadata{
		Namespace:   h.Namespace().Name(),
		Project:     h.Name(),
		Name:        sec.Name,
		Description: sec.Description,
		Type:        sec.Type,
		Version:     sec.CurrentVersion,
		CreatedAt:   sec.CreatedAt,
		UpdatedAt:   sec.UpdatedAt,
		DeletedAt:   sec.DeletedAt,
	}
}
