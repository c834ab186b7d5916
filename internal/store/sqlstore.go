package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rendis/tokaysec/internal/resilience"
	"github.com/rendis/tokaysec/pkg/schema"
)

// SQLStore implements Store over database/sql for both libSQL and PostgreSQL.
type SQLStore struct {
	db         *sql.DB
	d          dialect
	readPolicy resilience.RetryPolicy
}

// Open returns a Store for the named driver.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverLibSQL, "":
		return NewLibSQLStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown storage driver %q", driver)
	}
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, d: d, readPolicy: resilience.DefaultReadPolicy()}
}

// SetReadPolicy overrides the retry policy applied to idempotent reads.
func (s *SQLStore) SetReadPolicy(p resilience.RetryPolicy) { s.readPolicy = p }

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the dialect name.
func (s *SQLStore) Driver() string { return s.d.name }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.d)
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string { return s.d.rebind(query) }

// read runs an idempotent query under the read retry policy. Writes never go
// through here.
// fn returns raw driver errors so they can be classified before wrapping.
func read[T any](ctx context.Context, s *SQLStore, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := resilience.DoValue(ctx, s.readPolicy, fn)
	if err != nil {
		return v, storeErr(op, err)
	}
	return v, nil
}

// withTx runs fn in a transaction, rolling back on any error.
func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.TokayError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.TokayError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

// storeErr wraps a driver error as STORE_ERROR, passing typed errors through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func normLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func errIfNoRows(err error, resource, id string) error {
	if err == sql.ErrNoRows {
		return storeNotFound(resource, id)
	}
	return err
}

var _ Store = (*SQLStore)(nil)
