package keys

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/tokaysec/internal/envelope"
	"github.com/rendis/tokaysec/internal/keylock"
	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

const (
	defaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 1024
)

// ScopePolicy chooses which catalog level owns a DEK.
type ScopePolicy string

const (
	PolicyNamespace ScopePolicy = "namespace"
	PolicyProject   ScopePolicy = "project"
)

// ParseScopePolicy accepts "namespace" (also the empty default) or "project".
func ParseScopePolicy(s string) (ScopePolicy, error) {
	switch ScopePolicy(s) {
	case "", PolicyNamespace:
		return PolicyNamespace, nil
	case PolicyProject:
		return PolicyProject, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown key scope policy %q", s)
}

// DEKRef identifies one DEK version. It is immutable once a secret version
// references it.
type DEKRef struct {
	Scope   string `json:"scope"`
	Version int    `json:"version"`
}

func (r DEKRef) String() string { return r.Scope + "/v" + strconv.Itoa(r.Version) }

// Store is the persistence the manager needs.
type Store interface {
	CreateDataKey(ctx context.Context, k *store.DataKey) error
	GetDataKey(ctx context.Context, scope string, version int) (*store.DataKey, error)
	GetActiveDataKey(ctx context.Context, scope string) (*store.DataKey, error)
	ListDataKeys(ctx context.Context, scope string) ([]*store.DataKey, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Provider  KEKProvider
	Store     Store
	Policy    ScopePolicy
	CacheTTL  time.Duration
	CacheSize int
	Logger    *slog.Logger
}

// Manager creates, rotates and unwraps DEKs.
//
// Unwrapped keys are cached per DEKRef as memguard enclaves. Concurrent misses
// for the same key share one store read and one KEK call. Rotation and
// lazy creation of a scope's first DEK hold a per-scope lock.
type Manager struct {
	provider KEKProvider
	store    Store
	policy   ScopePolicy
	logger   *slog.Logger

	keys   *expirable.LRU[DEKRef, *memguard.Enclave]
	active *expirable.LRU[string, int]
	group  singleflight.Group
	locks  *keylock.Locker
}

// NewManager builds a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "key manager requires a KEK provider")
	}
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "key manager requires a store")
	}
	policy, err := ParseScopePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
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

	return &Manager{
		provider: cfg.Provider,
		store:    cfg.Store,
		policy:   policy,
		logger:   logger,
		keys:     expirable.NewLRU[DEKRef, *memguard.Enclave](size, nil, ttl),
		active:   expirable.NewLRU[string, int](size, nil, ttl),
		locks:    keylock.New(),
	}, nil
}

// Policy returns the configured scope policy.
func (m *Manager) Policy() ScopePolicy { return m.policy }

// ScopeFor returns the DEK scope for a project under the configured policy.
func (m *Manager) ScopeFor(namespaceID, projectID string) string {
	if m.policy == PolicyProject {
		return schema.ProjectScope(projectID)
	}
	return schema.NamespaceScope(namespaceID)
}

// ActiveDEK returns the scope's active DEK, creating version 1 if the scope
// has none. The caller must Destroy the returned buffer.
func (m *Manager) ActiveDEK(ctx context.Context, scope string) (DEKRef, *memguard.LockedBuffer, error) {
	if err := validateScope(scope); err != nil {
		return DEKRef{}, nil, err
	}

	version, ok := m.active.Get(scope)
	if !ok {
		v, err := shared(ctx, &m.group, "active:"+scope, func(ctx context.Context) (int, error) {
			return m.loadActive(ctx, scope)
		})
		if err != nil {
			return DEKRef{}, nil, err
		}
		version = v
	}

	ref := DEKRef{Scope: scope, Version: version}
	buf, err := m.Unwrap(ctx, ref)
	if err != nil {
		return DEKRef{}, nil, err
	}
	return ref, buf, nil
}

// Unwrap returns the key material for ref. The caller must Destroy the
// returned buffer. Unknown versions return NOT_FOUND.
func (m *Manager) Unwrap(ctx context.Context, ref DEKRef) (*memguard.LockedBuffer, error) {
	enclave, ok := m.keys.Get(ref)
	if !ok {
		e, err := shared(ctx, &m.group, "dek:"+ref.String(), func(ctx context.Context) (*memguard.Enclave, error) {
			return m.loadKey(ctx, ref)
		})
		if err != nil {
			return nil, err
		}
		enclave = e
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeKeyUnavailable, "open data key").WithCause(err)
	}
	return buf, nil
}

// Rotate creates the next DEK version for scope and retires the previous one.
// Every call produces exactly one new version; concurrent calls serialize.
func (m *Manager) Rotate(ctx context.Context, scope string) (int, error) {
	if err := validateScope(scope); err != nil {
		return 0, err
	}
	unlock, err := m.locks.Lock(ctx, scope)
	if err != nil {
		return 0, err
	}
	defer unlock()

	current := 0
	k, err := m.store.GetActiveDataKey(ctx, scope)
	switch {
	case err == nil:
		current = k.Version
	case !schema.IsCode(err, schema.ErrCodeNotFound):
		return 0, err
	}
	return m.createLocked(context.WithoutCancel(ctx), scope, current+1)
}

// ListKeys returns key metadata for scope, or for every scope when scope is empty.
func (m *Manager) ListKeys(ctx context.Context, scope string) ([]*store.DataKey, error) {
	return m.store.ListDataKeys(ctx, scope)
}

// Forget drops cached material for ref.
func (m *Manager) Forget(ref DEKRef) {
	m.keys.Remove(ref)
}

// Purge drops every cached key.
func (m *Manager) Purge() {
	m.keys.Purge()
	m.active.Purge()
}

// Cached reports how many unwrapped keys are held.
func (m *Manager) Cached() int { return m.keys.Len() }

func (m *Manager) loadActive(ctx context.Context, scope string) (int, error) {
	// Read under the scope lock: a rotation committing meanwhile would
	// otherwise be overwritten in the cache by the version it just retired.
	unlock, err := m.locks.Lock(ctx, scope)
	if err != nil {
		return 0, err
	}
	defer unlock()

	k, err := m.store.GetActiveDataKey(ctx, scope)
	if err == nil {
		m.active.Add(scope, k.Version)
		return k.Version, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return 0, err
	}
	return m.createLocked(ctx, scope, 1)
}

// createLocked generates, wraps and stores version of scope. The scope lock
// must be held.
func (m *Manager) createLocked(ctx context.Context, scope string, version int) (int, error) {
	dek, err := envelope.NewKey()
	if err != nil {
		return 0, err
	}
	defer memguard.WipeBytes(dek)

	ref := DEKRef{Scope: scope, Version: version}
	wrapped, err := m.provider.Wrap(ctx, dek, wrapAAD(ref))
	if err != nil {
		return 0, err
	}

	if err := m.store.CreateDataKey(ctx, &store.DataKey{
		Scope:    scope,
		Version:  version,
		Wrapped:  wrapped,
		Provider: m.provider.Name(),
		KEKID:    m.provider.KEKID(),
		State:    store.DEKActive,
	}); err != nil {
		return 0, err
	}

	m.keys.Add(ref, memguard.NewEnclave(dek))
	m.active.Add(scope, version)
	m.logger.InfoContext(ctx, "data key created", slog.String("scope", scope), slog.Int("version", version))
	return version, nil
}

func (m *Manager) loadKey(ctx context.Context, ref DEKRef) (*memguard.Enclave, error) {
	k, err := m.store.GetDataKey(ctx, ref.Scope, ref.Version)
	if err != nil {
		return nil, err
	}
	dek, err := m.provider.Unwrap(ctx, k.KEKID, k.Wrapped, wrapAAD(ref))
	metrics.ObserveUnwrap(m.provider.Name(), err)
	if err != nil {
		m.logger.WarnContext(ctx, "data key unwrap failed",
			slog.String("scope", ref.Scope), slog.Int("version", ref.Version), slog.String("error", err.Error()))
		return nil, err
	}
	if len(dek) != keySize {
		memguard.WipeBytes(dek)
		return nil, schema.NewErrorf(schema.ErrCodeAuthFailure, "data key %s has the wrong size", ref)
	}
	enclave := memguard.NewEnclave(dek)
	m.keys.Add(ref, enclave)
	return enclave, nil
}

func wrapAAD(ref DEKRef) []byte {
	return []byte(fmt.Sprintf("dek:%s:v%d", ref.Scope, ref.Version))
}

func validateScope(scope string) error {
	kind, _, ok := schema.ParseScope(scope)
	if !ok || kind == schema.InstanceScope {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid key scope %q", scope)
	}
	return nil
}

// shared runs fn once per key across concurrent callers. fn runs detached from
// any single caller's cancellation; each caller still stops waiting when its
// own ctx ends.
func shared[T any](ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (T, error)) (T, error) {
	detached := context.WithoutCancel(ctx)
	ch := g.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
