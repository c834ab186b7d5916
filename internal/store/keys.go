package store

import (
	"context"
	"database/sql"
	"fmt"
)

const dataKeyColumns = `scope, version, wrapped, provider, kek_id, state, created_at, retired_at`

// CreateDataKey inserts a wrapped DEK. When the new key is active, the previous
// active key for the scope is retired in the same transaction.
func (s *SQLStore) CreateDataKey(ctx context.Context, k *DataKey) error {
	if k.State == "" {
		k.State = DEKActive
	}
	k.CreatedAt = timeOrNow(k.CreatedAt)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if k.State == DEKActive {
			if _, err := tx.ExecContext(ctx,
				s.q(`UPDATE data_keys SET state = ?, retired_at = ? WHERE scope = ? AND state = ?`),
				DEKRetired, k.CreatedAt, k.Scope, DEKActive,
			); err != nil {
				return storeErr("retire data key", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO data_keys (scope, version, wrapped, provider, kek_id, state, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			k.Scope, k.Version, k.Wrapped, k.Provider, nullStr(k.KEKID), k.State, k.CreatedAt,
		)
		if isUniqueViolation(err) {
			return storeConflict("data key", fmt.Sprintf("%s/v%d", k.Scope, k.Version))
		}
		return storeErr("insert data key", err)
	})
}

func (s *SQLStore) GetDataKey(ctx context.Context, scope string, version int) (*DataKey, error) {
	return read(ctx, s, "get data key", func(ctx context.Context) (*DataKey, error) {
		row := s.db.QueryRowContext(ctx,
			s.q(`SELECT `+dataKeyColumns+` FROM data_keys WHERE scope = ? AND version = ?`), scope, version)
		k, err := scanDataKey(row)
		if err != nil {
			return nil, errIfNoRows(err, "data key", fmt.Sprintf("%s/v%d", scope, version))
		}
		return k, nil
	})
}

func (s *SQLStore) GetActiveDataKey(ctx context.Context, scope string) (*DataKey, error) {
	return read(ctx, s, "get active data key", func(ctx context.Context) (*DataKey, error) {
		row := s.db.QueryRowContext(ctx,
			s.q(`SELECT `+dataKeyColumns+` FROM data_keys WHERE scope = ? AND state = ? ORDER BY version DESC LIMIT 1`),
			scope, DEKActive)
		k, err := scanDataKey(row)
		if err != nil {
			return nil, errIfNoRows(err, "active data key", scope)
		}
		return k, nil
	})
}

// ListDataKeys returns every key version for a scope, newest first. An empty
// scope lists all scopes.
func (s *SQLStore) ListDataKeys(ctx context.Context, scope string) ([]*DataKey, error) {
	return read(ctx, s, "list data keys", func(ctx context.Context) ([]*DataKey, error) {
		query := `SELECT ` + dataKeyColumns + ` FROM data_keys`
		var args []any
		if scope != "" {
			query += ` WHERE scope = ?`
			args = append(args, scope)
		}
		query += ` ORDER BY scope, version DESC`

		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*DataKey
		for rows.Next() {
			k, err := scanDataKey(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		}
		return out, rows.Err()
	})
}

// CountDataKeyReferences counts secret versions sealed under a DEK version.
func (s *SQLStore) CountDataKeyReferences(ctx context.Context, scope string, version int) (int, error) {
	return read(ctx, s, "count data key references", func(ctx context.Context) (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM secret_versions WHERE dek_scope = ? AND dek_version = ?`),
			scope, version,
		).Scan(&n)
		return n, err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataKey(row rowScanner) (*DataKey, error) {
	k := &DataKey{}
	var kekID sql.NullString
	var retired sql.NullTime
	if err := row.Scan(&k.Scope, &k.Version, &k.Wrapped, &k.Provider, &kekID, &k.State, &k.CreatedAt, &retired); err != nil {
		return nil, err
	}
	k.KEKID = kekID.String
	k.RetiredAt = nullTimePtr(retired)
	return k, nil
}
