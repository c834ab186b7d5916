package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/tokaysec/pkg/schema"
)

const (
	secretColumns  = `project_id, name, description, type, current_version, created_at, updated_at, deleted_at`
	versionColumns = `project_id, name, version, ciphertext, nonce, tag, mac, dek_scope, dek_version, created_by, created_at`
)

// AppendSecretVersion writes version v.Version and moves the head to it in one
// transaction. v.Version must be exactly one past the stored head, otherwise
// CONFLICT is returned and nothing is written. Appending to a tombstoned
// secret revives it.
func (s *SQLStore) AppendSecretVersion(ctx context.Context, head *Secret, v *SecretVersion) error {
	now := time.Now().UTC()
	v.CreatedAt = timeOrNow(v.CreatedAt)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT current_version FROM secrets WHERE project_id = ? AND name = ?`),
			head.ProjectID, head.Name,
		).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return storeErr("read secret head", err)
		}
		if v.Version != current+1 {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"secret %q moved to version %d concurrently", head.Name, current).
				WithDetails(map[string]any{"expected": v.Version - 1, "actual": current})
		}

		if current == 0 {
			head.CreatedAt = now
			_, err = tx.ExecContext(ctx,
				s.q(`INSERT INTO secrets (project_id, name, description, type, current_version, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`),
				head.ProjectID, head.Name, nullStr(head.Description), string(head.Type), v.Version, now, now,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				s.q(`UPDATE secrets SET description = ?, type = ?, current_version = ?, updated_at = ?, deleted_at = NULL
				 WHERE project_id = ? AND name = ?`),
				nullStr(head.Description), string(head.Type), v.Version, now, head.ProjectID, head.Name,
			)
		}
		if isForeignKeyViolation(err) {
			return storeNotFound("project", head.ProjectID)
		}
		if err != nil {
			return storeErr("write secret head", err)
		}

		_, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO secret_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			v.ProjectID, v.Name, v.Version, v.Ciphertext, v.Nonce, v.Tag, v.MAC,
			v.DEKScope, v.DEKVersion, nullStr(v.CreatedBy), v.CreatedAt,
		)
		if isUniqueViolation(err) {
			return storeConflict("secret version", fmt.Sprintf("%s/v%d", v.Name, v.Version))
		}
		if err != nil {
			return storeErr("insert secret version", err)
		}

		head.CurrentVersion = v.Version
		head.UpdatedAt = now
		head.DeletedAt = nil
		return nil
	})
}

// GetSecret returns the head row, tombstoned or not.
func (s *SQLStore) GetSecret(ctx context.Context, projectID, name string) (*Secret, error) {
	return read(ctx, s, "get secret", func(ctx context.Context) (*Secret, error) {
		row := s.db.QueryRowContext(ctx,
			s.q(`SELECT `+secretColumns+` FROM secrets WHERE project_id = ? AND name = ?`), projectID, name)
		sec, err := scanSecret(row)
		if err != nil {
			return nil, errIfNoRows(err, "secret", name)
		}
		return sec, nil
	})
}

func (s *SQLStore) GetSecretVersion(ctx context.Context, projectID, name string, version int) (*SecretVersion, error) {
	return read(ctx, s, "get secret version", func(ctx context.Context) (*SecretVersion, error) {
		row := s.db.QueryRowContext(ctx,
			s.q(`SELECT `+versionColumns+` FROM secret_versions WHERE project_id = ? AND name = ? AND version = ?`),
			projectID, name, version)
		v, err := scanVersion(row)
		if err != nil {
			return nil, errIfNoRows(err, "secret version", fmt.Sprintf("%s/v%d", name, version))
		}
		return v, nil
	})
}

// ListSecrets returns one page of heads ordered by name, starting after filter.After.
func (s *SQLStore) ListSecrets(ctx context.Context, projectID string, filter SecretFilter) ([]*Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE project_id = ? AND name > ?`
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY name LIMIT ?`
	limit := normLimit(filter.Limit, 100, 1000)

	return read(ctx, s, "list secrets", func(ctx context.Context) ([]*Secret, error) {
		rows, err := s.db.QueryContext(ctx, s.q(query), projectID, filter.After, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Secret
		for rows.Next() {
			sec, err := scanSecret(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, sec)
		}
		return out, rows.Err()
	})
}

// ListSecretVersions returns version rows in ascending order.
func (s *SQLStore) ListSecretVersions(ctx context.Context, projectID, name string) ([]*SecretVersion, error) {
	return read(ctx, s, "list secret versions", func(ctx context.Context) ([]*SecretVersion, error) {
		rows, err := s.db.QueryContext(ctx,
			s.q(`SELECT `+versionColumns+` FROM secret_versions WHERE project_id = ? AND name = ? ORDER BY version`),
			projectID, name)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*SecretVersion
		for rows.Next() {
			v, err := scanVersion(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, rows.Err()
	})
}

// TombstoneSecret marks a live secret deleted. Absent or already tombstoned
// secrets return NOT_FOUND.
func (s *SQLStore) TombstoneSecret(ctx context.Context, projectID, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE secrets SET deleted_at = ?, updated_at = ? WHERE project_id = ? AND name = ? AND deleted_at IS NULL`),
		timeOrNow(at), timeOrNow(at), projectID, name,
	)
	if err != nil {
		return storeErr("tombstone secret", err)
	}
	return checkRowsAffected(res, "secret", name)
}

// PurgeSecret hard-deletes a tombstoned secret and all its versions.
func (s *SQLStore) PurgeSecret(ctx context.Context, projectID, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var deleted sql.NullTime
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT deleted_at FROM secrets WHERE project_id = ? AND name = ?`), projectID, name,
		).Scan(&deleted)
		if err == sql.ErrNoRows {
			return storeNotFound("secret", name)
		}
		if err != nil {
			return storeErr("read secret head", err)
		}
		if !deleted.Valid {
			return schema.NewErrorf(schema.ErrCodeConflict, "secret %q is live; delete it before purging", name)
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM secret_versions WHERE project_id = ? AND name = ?`), projectID, name,
		); err != nil {
			return storeErr("purge secret versions", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM secrets WHERE project_id = ? AND name = ?`), projectID, name,
		); err != nil {
			return storeErr("purge secret", err)
		}
		return nil
	})
}

// ListTombstoned returns every tombstoned secret with its catalog location.
func (s *SQLStore) ListTombstoned(ctx context.Context) ([]*SecretRef, error) {
	return read(ctx, s, "list tombstoned", func(ctx context.Context) ([]*SecretRef, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT n.id, n.name, p.id, p.name, s.name, s.type, s.deleted_at, s.current_version
			 FROM secrets s
			 JOIN projects p ON p.id = s.project_id
			 JOIN namespaces n ON n.id = p.namespace_id
			 WHERE s.deleted_at IS NOT NULL
			 ORDER BY n.name, p.name, s.name`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*SecretRef
		for rows.Next() {
			r := &SecretRef{}
			var typ string
			if err := rows.Scan(&r.NamespaceID, &r.NamespaceName, &r.ProjectID, &r.ProjectName,
				&r.Name, &typ, &r.DeletedAt, &r.Versions); err != nil {
				return nil, err
			}
			r.Type = schema.SecretType(typ)
			out = append(out, r)
		}
		return out, rows.Err()
	})
}

// ListVersionsByDataKey returns the secret versions sealed under one DEK version.
func (s *SQLStore) ListVersionsByDataKey(ctx context.Context, scope string, version int) ([]*VersionRef, error) {
	return read(ctx, s, "list versions by data key", func(ctx context.Context) ([]*VersionRef, error) {
		rows, err := s.db.QueryContext(ctx,
			s.q(`SELECT p.namespace_id, v.project_id, v.name, v.version
			 FROM secret_versions v
			 JOIN projects p ON p.id = v.project_id
			 WHERE v.dek_scope = ? AND v.dek_version = ?
			 ORDER BY v.project_id, v.name, v.version`),
			scope, version)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*VersionRef
		for rows.Next() {
			r := &VersionRef{}
			if err := rows.Scan(&r.NamespaceID, &r.ProjectID, &r.Name, &r.Version); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	})
}

// ReplaceSecretCipher swaps the sealed payload of one version for a re-wrapped
// one. The update only applies while the row still references prevScope/prevVersion.
func (s *SQLStore) ReplaceSecretCipher(ctx context.Context, v *SecretVersion, prevScope string, prevVersion int) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE secret_versions SET ciphertext = ?, nonce = ?, tag = ?, mac = ?, dek_scope = ?, dek_version = ?
		 WHERE project_id = ? AND name = ? AND version = ? AND dek_scope = ? AND dek_version = ?`),
		v.Ciphertext, v.Nonce, v.Tag, v.MAC, v.DEKScope, v.DEKVersion,
		v.ProjectID, v.Name, v.Version, prevScope, prevVersion,
	)
	if err != nil {
		return storeErr("replace secret cipher", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "secret version %s/v%d changed during re-wrap", v.Name, v.Version)
	}
	return nil
}

func scanSecret(row rowScanner) (*Secret, error) {
	sec := &Secret{}
	var desc sql.NullString
	var typ string
	var deleted sql.NullTime
	if err := row.Scan(&sec.ProjectID, &sec.Name, &desc, &typ, &sec.CurrentVersion,
		&sec.CreatedAt, &sec.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	sec.Description = desc.String
	sec.Type = schema.SecretType(typ)
	sec.DeletedAt = nullTimePtr(deleted)
	return sec, nil
}

func scanVersion(row rowScanner) (*SecretVersion, error) {
	v := &SecretVersion{}
	var createdBy sql.NullString
	if err := row.Scan(&v.ProjectID, &v.Name, &v.Version, &v.Ciphertext, &v.Nonce, &v.Tag, &v.MAC,
		&v.DEKScope, &v.DEKVersion, &createdBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.CreatedBy = createdBy.String
	return v, nil
}
