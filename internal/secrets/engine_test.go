package secrets

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tokaysec/internal/catalog"
	"github.com/rendis/tokaysec/internal/envelope"
	"github.com/rendis/tokaysec/internal/keys"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/pkg/schema"
)

type fixture struct {
	store   *store.SQLStore
	catalog *catalog.Catalog
	keys    *keys.Manager
	engine  *Engine
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "secrets.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	master, err := envelope.NewKey()
	require.NoError(t, err)
	prov, err := keys.NewLocalProvider(master)
	require.NoError(t, err)
	km, err := keys.NewManager(keys.ManagerConfig{Provider: prov, Store: s})
	require.NoError(t, err)

	return &fixture{
		store:   s,
		catalog: catalog.New(s, nil),
		keys:    km,
		engine:  New(Config{Store: s, Keys: km, PageSize: pageSize}),
	}
}

func (f *fixture) project(t *testing.T, ns, proj string) catalog.ProjectHandle {
	t.Helper()
	ctx := context.Background()
	if _, err := f.catalog.GetNamespace(ctx, ns); err != nil {
		_, err = f.catalog.CreateNamespace(ctx, ns)
		require.NoError(t, err)
	}
	_, err := f.catalog.CreateProject(ctx, ns, proj)
	require.NoError(t, err)
	h, err := f.catalog.Resolve(ctx, ns, proj)
	require.NoError(t, err)
	return h
}

func put(t *testing.T, e *Engine, h catalog.ProjectHandle, name, value string) *Metadata {
	t.Helper()
	md, err := e.Put(context.Background(), h, PutInput{Name: name, Value: []byte(value), Actor: "alice"})
	require.NoError(t, err)
	return md
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, schema.CodeOf(err), err.Error())
}

func TestPutGet_RoundTrip(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	ctx := context.Background()

	md, err := f.engine.Put(ctx, h, PutInput{
		Name:        "db_password",
		Description: "primary database",
		Type:        schema.SecretTypeKeyValue,
		Value:       []byte{0x00, 0xff, 's', '3'},
		Actor:       "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, md.Version)
	assert.Equal(t, "eng", md.Namespace)
	assert.Equal(t, "api", md.Project)

	value, got, err := f.engine.Get(ctx, h, "db_password", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 's', '3'}, value)
	assert.Equal(t, "primary database", got.Description)
	assert.Equal(t, 1, got.Version)
}

func TestPut_DefaultsTypeAndValidates(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	ctx := context.Background()

	md := put(t, f.engine, h, "token", "v")
	assert.Equal(t, schema.SecretTypeKeyValue, md.Type)

	_, err := f.engine.Put(ctx, h, PutInput{Name: "x", Value: []byte("v")})
	assertCode(t, err, schema.ErrCodeValidation)
	_, err = f.engine.Put(ctx, h, PutInput{Name: "token", Value: nil})
	assertCode(t, err, schema.ErrCodeValidation)
	_, err = f.engine.Put(ctx, h, PutInput{Name: "token", Type: "x509", Value: []byte("v")})
	assertCode(t, err, schema.ErrCodeValidation)
	_, err = f.engine.Put(ctx, catalog.ProjectHandle{}, PutInput{Name: "token", Value: []byte("v")})
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestPut_NotPlaintextAtRest(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	put(t, f.engine, h, "token", "very-distinctive-plaintext")

	v, err := f.store.GetSecretVersion(context.Background(), h.ID(), "token", 1)
	require.NoError(t, err)
	assert.NotContains(t, string(v.Ciphertext), "very-distinctive-plaintext")
	assert.Len(t, v.MAC, 32)
}

func TestPut_VersionsAreMonotonic(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")

	const n = 10
	var wg sync.WaitGroup
	versions := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			md, err := f.engine.Put(context.Background(), h, PutInput{Name: "counter", Value: []byte(fmt.Sprint(i))})
			if assert.NoError(t, err) {
				versions[i] = md.Version
			}
		}(i)
	}
	wg.Wait()

	sort.Ints(versions)
	for i, v := range versions {
		assert.Equal(t, i+1, v)
	}

	history, err := f.engine.Versions(context.Background(), h, "counter")
	require.NoError(t, err)
	require.Len(t, history, n)
	for i, v := range history {
		assert.Equal(t, i+1, v.Version)
	}
}

func TestGet_SpecificAndMissingVersions(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	ctx := context.Background()
	put(t, f.engine, h, "token", "one")
	put(t, f.engine, h, "token", "two")

	value, md, err := f.engine.Get(ctx, h, "token", 1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(value))
	assert.Equal(t, 1, md.Version)

	_, _, err = f.engine.Get(ctx, h, "token", 3)
	assertCode(t, err, schema.ErrCodeNotFound)
	_, _, err = f.engine.Get(ctx, h, "token", -1)
	assertCode(t, err, schema.ErrCodeValidation)
	_, _, err = f.engine.Get(ctx, h, "missing", 0)
	assertCode(t, err, schema.ErrCodeNotFound)
}

func TestGet_TamperedRowFailsAuthentication(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	put(t, f.engine, h, "token", "value")

	_, err := f.store.DB().Exec(
		`UPDATE secret_versions SET ciphertext = ? WHERE project_id = ? AND name = ?`,
		[]byte("forged"), h.ID(), "token")
	require.NoError(t, err)

	_, _, err = f.engine.Get(context.Background(), h, "token", 0)
	assertCode(t, err, schema.ErrCodeAuthFailure)
}

func TestGet_RowMovedToAnotherSecretFails(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	put(t, f.engine, h, "alpha", "a-value")
	put(t, f.engine, h, "beta", "b-value")

	_, err := f.store.DB().Exec(
		`UPDATE secret_versions SET ciphertext = (SELECT ciphertext FROM secret_versions WHERE name = 'alpha'),
		 nonce = (SELECT nonce FROM secret_versions WHERE name = 'alpha'),
		 tag = (SELECT tag FROM secret_versions WHERE name = 'alpha'),
		 mac = (SELECT mac FROM secret_versions WHERE name = 'alpha')
		 WHERE name = 'beta'`)
	require.NoError(t, err)

	_, _, err = f.engine.Get(context.Background(), h, "beta", 0)
	assertCode(t, err, schema.ErrCodeAuthFailure)
}

func TestGet_CancelledContext(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	put(t, f.engine, h, "token", "value")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := f.engine.Get(ctx, h, "token", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPut_CancelledBeforeLockWritesNothing(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Put(ctx, h, PutInput{Name: "token", Value: []byte("v")})
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = f.engine.Get(context.Background(), h, "token", 0)
	assertCode(t, err, schema.ErrCodeNotFound)
}

func TestDelete_TombstoneSemantics(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	ctx := context.Background()
	put(t, f.engine, h, "token", "one")

	require.NoError(t, f.engine.Delete(ctx, h, "token"))

	_, _, err := f.engine.Get(ctx, h, "token", 0)
	assertCode(t, err, schema.ErrCodeNotFound)
	_, err = f.engine.Stat(ctx, h, "token")
	assertCode(t, err, schema.ErrCodeNotFound)

	value, _, err := f.engine.Get(ctx, h, "token", 1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(value))

	assertCode(t, f.engine.Delete(ctx, h, "token"), schema.ErrCodeNotFound)
	assertCode(t, f.engine.Delete(ctx, h, "missing"), schema.ErrCodeNotFound)

	// Writing the name again revives it with the next version.
	md := put(t, f.engine, h, "token", "two")
	assert.Equal(t, 2, md.Version)
	assert.Nil(t, md.DeletedAt)
	value, _, err = f.engine.Get(ctx, h, "token", 0)
	require.NoError(t, err)
	assert.Equal(t, "two", string(value))
}

func TestPurge(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	ctx := context.Background()
	put(t, f.engine, h, "token", "one")

	assertCode(t, f.engine.Purge(ctx, h, "token"), schema.ErrCodeConflict)
	require.NoError(t, f.engine.Delete(ctx, h, "token"))
	require.NoError(t, f.engine.Purge(ctx, h, "token"))

	_, _, err := f.engine.Get(ctx, h, "token", 1)
	assertCode(t, err, schema.ErrCodeNotFound)

	_, err = f.catalog.DeleteProject(ctx, "eng", "api")
	require.NoError(t, err)
}

func TestDeleteProject_CountsTombstonedSecrets(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	ctx := context.Background()
	put(t, f.engine, h, "token", "one")
	require.NoError(t, f.engine.Delete(ctx, h, "token"))

	_, err := f.catalog.DeleteProject(ctx, "eng", "api")
	assertCode(t, err, schema.ErrCodeNotEmpty)
}

func TestList_PagesLazily(t *testing.T) {
	f := newFixture(t, 2)
	h := f.project(t, "eng", "api")
	ctx := context.Background()
	for _, name := range []string{"ee", "aa", "cc", "bb", "dd"} {
		put(t, f.engine, h, name, "v")
	}
	require.NoError(t, f.engine.Delete(ctx, h, "cc"))

	var names []string
	for md, err := range f.engine.List(ctx, h) {
		require.NoError(t, err)
		names = append(names, md.Name)
	}
	assert.Equal(t, []string{"aa", "bb", "dd", "ee"}, names)

	// Early exit stops the iteration.
	count := 0
	for range f.engine.List(ctx, h) {
		count++
		if count == 1 {
			break
		}
	}
	assert.Equal(t, 1, count)

	// Restarting re-reads current state.
	put(t, f.engine, h, "ff", "v")
	names = names[:0]
	for md, err := range f.engine.List(ctx, h) {
		require.NoError(t, err)
		names = append(names, md.Name)
	}
	assert.Equal(t, []string{"aa", "bb", "dd", "ee", "ff"}, names)
}

func TestList_EmptyAndCancelled(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")

	for range f.engine.List(context.Background(), h) {
		t.Fatal("expected no secrets")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var gotErr error
	for _, err := range f.engine.List(ctx, h) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestProjectsAreIsolated(t *testing.T) {
	f := newFixture(t, 0)
	api := f.project(t, "eng", "api")
	web := f.project(t, "eng", "web")
	put(t, f.engine, api, "token", "api-token")

	_, _, err := f.engine.Get(context.Background(), web, "token", 0)
	assertCode(t, err, schema.ErrCodeNotFound)
}

// The eng/api/db_password scenario: a secret written, its namespace key
// rotated, written again, and every version still readable.
func TestRotationScenario(t *testing.T) {
	f := newFixture(t, 0)
	h := f.project(t, "eng", "api")
	ctx := context.Background()
	scope := f.keys.ScopeFor(h.NamespaceID(), h.ID())

	put(t, f.engine, h, "db_password", "hunter2")

	newKey, err := f.keys.Rotate(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, newKey)

	put(t, f.engine, h, "db_password", "correct-horse")

	history, err := f.engine.Versions(ctx, h, "db_password")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, keys.DEKRef{Scope: scope, Version: 1}, history[0].DEK)
	assert.Equal(t, keys.DEKRef{Scope: scope, Version: 2}, history[1].DEK)
	assert.Equal(t, "alice", history[0].CreatedBy)

	latest, _, err := f.engine.Get(ctx, h, "db_password", 0)
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", string(latest))

	f.keys.Purge()
	old, _, err := f.engine.Get(ctx, h, "db_password", 1)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(old))

	// Re-wrapping moves version 1 onto the active key.
	changed, err := f.engine.Rewrap(ctx, h, "db_password", 1)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.engine.Rewrap(ctx, h, "db_password", 1)
	require.NoError(t, err)
	assert.False(t, changed)

	refs, err := f.store.CountDataKeyReferences(ctx, scope, 1)
	require.NoError(t, err)
	assert.Zero(t, refs)

	old, _, err = f.engine.Get(ctx, h, "db_password", 1)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(old))
}
