package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/tokaysec/internal/catalog"
	"github.com/rendis/tokaysec/internal/keys"
	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

// KeyStore lists data keys and what they seal.
type KeyStore interface {
	ListDataKeys(ctx context.Context, scope string) ([]*store.DataKey, error)
	ListVersionsByDataKey(ctx context.Context, scope string, version int) ([]*store.VersionRef, error)
	CountDataKeyReferences(ctx context.Context, scope string, version int) (int, error)
}

// SecretRewrapper re-seals one version under the active key. Satisfied by *secrets.Engine.
type SecretRewrapper interface {
	Rewrap(ctx context.Context, h catalog.ProjectHandle, name string, version int) (bool, error)
}

// KeyCache drops cached key material. Satisfied by *keys.Manager.
type KeyCache interface {
	Forget(ref keys.DEKRef)
}

// Rewrapper moves secret versions off retired data keys.
type Rewrapper struct {
	store  KeyStore
	engine SecretRewrapper
	cache  KeyCache
	logger *slog.Logger
}

// NewRewrapper creates a Rewrapper. cache may be nil.
func NewRewrapper(s KeyStore, engine SecretRewrapper, cache KeyCache, logger *slog.Logger) *Rewrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewrapper{store: s, engine: engine, cache: cache, logger: logger}
}

// Run re-seals every version held by a retired key and returns how many were
// rewrapped. A version that cannot be re-sealed is logged and skipped; the
// failures are joined into the returned error once every key was visited. A
// retired key left without references has its cached material dropped; the
// row itself stays.
func (r *Rewrapper) Run(ctx context.Context) (int, error) {
	ctx = logging.WithPrincipal(ctx, SystemPrincipal)
	dataKeys, err := r.store.ListDataKeys(ctx, "")
	if err != nil {
		return 0, err
	}

	rewrapped := 0
	var errs []error
	for _, k := range dataKeys {
		if k.State != store.DEKRetired {
			continue
		}
		dek := keys.DEKRef{Scope: k.Scope, Version: k.Version}
		refs, err := r.store.ListVersionsByDataKey(ctx, k.Scope, k.Version)
		if err != nil {
			errs = append(errs, fmt.Errorf("list versions of %s: %w", dek, err))
			continue
		}
		for _, v := range refs {
			if err := ctx.Err(); err != nil {
				return rewrapped, errors.Join(append(errs, err)...)
			}
			changed, err := r.engine.Rewrap(ctx, catalog.HandleFor(v.NamespaceID, "", v.ProjectID, ""), v.Name, v.Version)
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				continue
			}
			if err != nil {
				metrics.ObserveRewrap(err)
				r.logger.ErrorContext(ctx, "secret version rewrap failed",
					slog.String("dek", dek.String()), slog.String("project_id", v.ProjectID),
					slog.String("secret", v.Name), slog.Int("version", v.Version), slog.String("error", err.Error()))
				errs = append(errs, fmt.Errorf("rewrap %s/%s v%d: %w", v.ProjectID, v.Name, v.Version, err))
				continue
			}
			if changed {
				rewrapped++
				metrics.ObserveRewrap(nil)
			}
		}

		remaining, err := r.store.CountDataKeyReferences(ctx, k.Scope, k.Version)
		if err != nil {
			errs = append(errs, fmt.Errorf("count references of %s: %w", dek, err))
			continue
		}
		if remaining == 0 && r.cache != nil {
			r.cache.Forget(dek)
		}
		if len(refs) > 0 {
			r.logger.InfoContext(ctx, "retired data key drained",
				slog.String("dek", dek.String()), slog.Int("remaining", remaining))
		}
	}
	return rewrapped, errors.Join(errs...)
}
