package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/tokaysec/internal/audit"
	"github.com/rendis/tokaysec/internal/catalog"
	"github.com/rendis/tokaysec/internal/expressions"
	"github.com/rendis/tokaysec/internal/logging"
	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

// DefaultPolicy purges secrets tombstoned for thirty days.
const DefaultPolicy = "tombstoned_hours >= 720"

// SystemPrincipal is recorded as the actor of background jobs.
const SystemPrincipal = "system:retention"

// TombstoneLister finds tombstoned secrets.
type TombstoneLister interface {
	ListTombstoned(ctx context.Context) ([]*store.SecretRef, error)
}

// SecretPurger hard-deletes a tombstoned secret. Satisfied by *secrets.Engine.
type SecretPurger interface {
	Purge(ctx context.Context, h catalog.ProjectHandle, name string) error
}

// Auditor records job actions. Satisfied by *audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record) error
}

// Purger purges tombstoned secrets selected by an expr policy evaluated over
// namespace, project, name, secret_type, tombstoned_hours and versions.
type Purger struct {
	store  TombstoneLister
	engine SecretPurger
	audit  Auditor
	policy string
	expr   *expressions.ExprEngine
	now    func() time.Time
	logger *slog.Logger
}

// NewPurger validates policy (empty means DefaultPolicy) and creates a Purger.
// auditor may be nil.
func NewPurger(s TombstoneLister, engine SecretPurger, auditor Auditor, policy string, logger *slog.Logger) (*Purger, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Purger{
		store:  s,
		engine: engine,
		audit:  auditor,
		policy: policy,
		expr:   expressions.NewExprEngine(),
		now:    time.Now,
		logger: logger,
	}
	probe := policyEnv(&store.SecretRef{DeletedAt: p.now()}, p.now())
	if _, err := p.expr.EvaluateBool(context.Background(), policy, probe); err != nil {
		return nil, err
	}
	return p, nil
}

// Policy returns the active policy expression.
func (p *Purger) Policy() string { return p.policy }

// Run purges every tombstoned secret the policy selects and returns how many
// were purged. A secret revived since listing is skipped.
func (p *Purger) Run(ctx context.Context) (int, error) {
	ctx = logging.WithPrincipal(ctx, SystemPrincipal)
	refs, err := p.store.ListTombstoned(ctx)
	if err != nil {
		return 0, err
	}

	now := p.now()
	purged := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		ok, err := p.expr.EvaluateBool(ctx, p.policy, policyEnv(ref, now))
		if err != nil {
			p.logger.WarnContext(ctx, "retention policy failed",
				slog.String("secret", ref.Name), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}

		h := catalog.HandleFor(ref.NamespaceID, ref.NamespaceName, ref.ProjectID, ref.ProjectName)
		err = p.engine.Purge(ctx, h, ref.Name)
		switch {
		case schema.IsCode(err, schema.ErrCodeConflict), schema.IsCode(err, schema.ErrCodeNotFound):
			continue
		case err != nil:
			return purged, err
		}
		purged++
		metrics.ObservePurge()
		if p.audit != nil {
			_ = p.audit.Record(ctx, audit.Record{
				Type:      schema.EventSecretPurged,
				Operation: schema.OpDeleteSecret,
				Resource:  h.String() + "/" + ref.Name,
				Namespace: ref.NamespaceName,
				Outcome:   schema.OutcomeAllowed,
			})
		}
	}
	return purged, nil
}

func policyEnv(ref *store.SecretRef, now time.Time) map[string]any {
	return map[string]any{
		"namespace":        ref.NamespaceName,
		"project":          ref.ProjectName,
		"name":             ref.Name,
		"secret_type":      string(ref.Type),
		"tombstoned_hours": now.Sub(ref.DeletedAt).Hours(),
		"versions":         ref.Versions,
	}
}
