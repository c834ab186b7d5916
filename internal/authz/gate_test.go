package authz

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

// countingStore counts binding reads.
type countingStore struct {
	Store
	lists atomic.Int32
}

func (s *countingStore) ListBindings(ctx context.Context, f store.BindingFilter) ([]*store.RoleBinding, error) {
	s.lists.Add(1)
	return s.Store.ListBindings(ctx, f)
}

func newTestGate(t *testing.T, ttl time.Duration) (*Gate, *countingStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "authz.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cs := &countingStore{Store: s}
	g, err := NewGate(Config{Store: cs, CacheTTL: ttl})
	require.NoError(t, err)
	return g, cs
}

func bind(t *testing.T, g *Gate, principal, scope string, role Role, cond string) *store.RoleBinding {
	t.Helper()
	b := &store.RoleBinding{Principal: principal, Scope: scope, Role: string(role), Condition: cond, CreatedBy: "root"}
	require.NoError(t, g.Bind(context.Background(), b))
	return b
}

var (
	engAPI = Scope{NamespaceID: "ns-eng", ProjectID: "p-api"}
	engWeb = Scope{NamespaceID: "ns-eng", ProjectID: "p-web"}
	ops    = Scope{NamespaceID: "ns-ops"}
)

func TestRoles(t *testing.T) {
	assert.True(t, RoleAdmin.Allows(schema.OpRotateKey))
	assert.True(t, RoleWriter.Allows(schema.OpPutSecret))
	assert.False(t, RoleWriter.Allows(schema.OpCreateProject))
	assert.True(t, RoleReader.Allows(schema.OpGetSecret))
	assert.False(t, RoleReader.Allows(schema.OpPutSecret))
	assert.False(t, RoleNone.Allows(schema.OpGetSecret))

	_, err := ParseRole("owner")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestAuthorize_DefaultDeny(t *testing.T) {
	g, _ := newTestGate(t, 0)
	d, err := g.Authorize(context.Background(), "alice", schema.OpGetSecret, engAPI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no binding applies", d.Reason)

	err = d.Err("alice", schema.OpGetSecret)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDenied))
}

func TestAuthorize_RequiresPrincipal(t *testing.T) {
	g, _ := newTestGate(t, 0)
	_, err := g.Authorize(context.Background(), "", schema.OpGetSecret, engAPI)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
}

func TestAuthorize_InheritsFromWiderScopes(t *testing.T) {
	g, _ := newTestGate(t, 0)
	ctx := context.Background()
	bind(t, g, "alice", schema.NamespaceScope("ns-eng"), RoleWriter, "")
	bind(t, g, "root", schema.InstanceScope, RoleAdmin, "")

	d, err := g.Authorize(ctx, "alice", schema.OpPutSecret, engAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ns:ns-eng", d.Scope)

	d, err = g.Authorize(ctx, "alice", schema.OpPutSecret, ops)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = g.Authorize(ctx, "root", schema.OpDeleteNamespace, ops)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, RoleAdmin, d.Role)
}

func TestAuthorize_MostSpecificWins(t *testing.T) {
	g, _ := newTestGate(t, 0)
	ctx := context.Background()
	bind(t, g, "bob", schema.NamespaceScope("ns-eng"), RoleWriter, "")
	bind(t, g, "bob", schema.ProjectScope("p-api"), RoleReader, "")
	bind(t, g, "bob", schema.ProjectScope("p-web"), RoleNone, "")

	d, err := g.Authorize(ctx, "bob", schema.OpPutSecret, engAPI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RoleReader, d.Role)

	d, err = g.Authorize(ctx, "bob", schema.OpGetSecret, engAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Authorize(ctx, "bob", schema.OpGetSecret, engWeb)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RoleNone, d.Role)

	// A sibling project without its own binding falls back to the namespace.
	d, err = g.Authorize(ctx, "bob", schema.OpPutSecret, Scope{NamespaceID: "ns-eng", ProjectID: "p-cli"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAuthorize_MutationsNeedExplicitGrant(t *testing.T) {
	g, _ := newTestGate(t, 0)
	ctx := context.Background()
	bind(t, g, "carol", schema.ProjectScope("p-api"), RoleWriter, "")

	for _, op := range []schema.Operation{schema.OpDeleteProject, schema.OpRotateKey, schema.OpManageBindings, schema.OpCreateProject} {
		d, err := g.Authorize(ctx, "carol", op, engAPI)
		require.NoError(t, err)
		assert.False(t, d.Allowed, op)
	}
}

func TestAuthorize_Conditions(t *testing.T) {
	g, _ := newTestGate(t, 0)
	ctx := context.Background()
	bind(t, g, "ci", schema.ProjectScope("p-api"), RoleReader, `request.secret_name.startsWith("ci_")`)
	bind(t, g, "ci", schema.NamespaceScope("ns-eng"), RoleNone, "")

	d, err := g.Authorize(ctx, "ci", schema.OpGetSecret, Scope{NamespaceID: "ns-eng", ProjectID: "p-api", SecretName: "ci_token"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// The project binding does not apply, so the namespace binding decides.
	d, err = g.Authorize(ctx, "ci", schema.OpGetSecret, Scope{NamespaceID: "ns-eng", ProjectID: "p-api", SecretName: "db_password"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RoleNone, d.Role)
}

func TestBind_Validation(t *testing.T) {
	g, _ := newTestGate(t, 0)
	ctx := context.Background()

	cases := []*store.RoleBinding{
		{Principal: "", Scope: schema.InstanceScope, Role: "admin"},
		{Principal: "a", Scope: "team:x", Role: "admin"},
		{Principal: "a", Scope: schema.InstanceScope, Role: "owner"},
		{Principal: "a", Scope: schema.InstanceScope, Role: "reader", Condition: "request.operation =="},
	}
	for _, b := range cases {
		err := g.Bind(ctx, b)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%+v", b)
	}
}

func TestBind_UpsertAndUnbindPurgeCache(t *testing.T) {
	g, cs := newTestGate(t, time.Minute)
	ctx := context.Background()

	first := bind(t, g, "dave", schema.NamespaceScope("ns-eng"), RoleReader, "")
	d, err := g.Authorize(ctx, "dave", schema.OpPutSecret, engAPI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Cached: a second check does not hit the store.
	before := cs.lists.Load()
	_, err = g.Authorize(ctx, "dave", schema.OpGetSecret, engAPI)
	require.NoError(t, err)
	assert.Equal(t, before, cs.lists.Load())

	second := bind(t, g, "dave", schema.NamespaceScope("ns-eng"), RoleWriter, "")
	assert.Equal(t, first.ID, second.ID)

	d, err = g.Authorize(ctx, "dave", schema.OpPutSecret, engAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, g.Unbind(ctx, second.ID))
	d, err = g.Authorize(ctx, "dave", schema.OpGetSecret, engAPI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	assert.True(t, schema.IsCode(g.Unbind(ctx, second.ID), schema.ErrCodeNotFound))
}

func TestAuthorize_CacheExpires(t *testing.T) {
	g, cs := newTestGate(t, 20*time.Millisecond)
	ctx := context.Background()
	bind(t, g, "erin", schema.InstanceScope, RoleReader, "")

	_, err := g.Authorize(ctx, "erin", schema.OpGetSecret, engAPI)
	require.NoError(t, err)
	n := cs.lists.Load()

	time.Sleep(50 * time.Millisecond)
	_, err = g.Authorize(ctx, "erin", schema.OpGetSecret, engAPI)
	require.NoError(t, err)
	assert.Equal(t, n+1, cs.lists.Load())
}

func TestRequire(t *testing.T) {
	g, _ := newTestGate(t, 0)
	ctx := context.Background()
	bind(t, g, "frank", schema.InstanceScope, RoleAdmin, "")

	_, err := g.Require(ctx, "frank", schema.OpCreateNamespace, Instance)
	require.NoError(t, err)

	_, err = g.Require(ctx, "grace", schema.OpCreateNamespace, Instance)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDenied))
}

func TestBindings_List(t *testing.T) {
	g, _ := newTestGate(t, 0)
	bind(t, g, "a1", schema.InstanceScope, RoleAdmin, "")
	bind(t, g, "b1", schema.NamespaceScope("ns-eng"), RoleReader, "")

	all, err := g.Bindings(context.Background(), store.BindingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := g.Bindings(context.Background(), store.BindingFilter{Principal: "b1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "reader", mine[0].Role)
}
