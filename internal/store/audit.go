package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// AppendAudit inserts an audit entry and sets its ID.
func (s *SQLStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	e.CreatedAt = timeOrNow(e.CreatedAt)
	err := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO audit_log (request_id, principal, operation, resource, outcome, error_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		nullStr(e.RequestID), e.Principal, e.Operation, e.Resource, e.Outcome, nullStr(e.ErrorCode), e.CreatedAt,
	).Scan(&e.ID)
	return storeErr("append audit", err)
}

// ListAudit returns entries newest first.
func (s *SQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var where []string
	var args []any
	if filter.Principal != "" {
		where = append(where, "principal = ?")
		args = append(args, filter.Principal)
	}
	if filter.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, filter.Operation)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, filter.AfterID)
	}

	query := `SELECT id, request_id, principal, operation, resource, outcome, error_code, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, normLimit(filter.Limit, 100, 1000))

	return read(ctx, s, "list audit", func(ctx context.Context) ([]*AuditEntry, error) {
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*AuditEntry
		for rows.Next() {
			e := &AuditEntry{}
			var reqID, code sql.NullString
			if err := rows.Scan(&e.ID, &reqID, &e.Principal, &e.Operation, &e.Resource, &e.Outcome, &code, &e.CreatedAt); err != nil {
				return nil, err
			}
			e.RequestID = reqID.String
			e.ErrorCode = code.String
			out = append(out, e)
		}
		return out, rows.Err()
	})
}

// --- Settings ---

func (s *SQLStore) GetSetting(ctx context.Context, name string) (string, error) {
	return read(ctx, s, "get setting", func(ctx context.Context) (string, error) {
		var v string
		err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM settings WHERE name = ?`), name).Scan(&v)
		if err != nil {
			return "", errIfNoRows(err, "setting", name)
		}
		return v, nil
	})
}

func (s *SQLStore) SetSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		name, value, time.Now().UTC(),
	)
	return storeErr("set setting", err)
}
