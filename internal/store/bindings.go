package store

import (
	"context"
	"database/sql"
	"strings"
)

// PutBinding creates or replaces the binding for (principal, scope).
func (s *SQLStore) PutBinding(ctx context.Context, b *RoleBinding) error {
	b.CreatedAt = timeOrNow(b.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO role_bindings (id, principal, scope, role, cond_expr, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(principal, scope) DO UPDATE SET role = excluded.role, cond_expr = excluded.cond_expr,
		   created_by = excluded.created_by, created_at = excluded.created_at`),
		b.ID, b.Principal, b.Scope, b.Role, nullStr(b.Condition), nullStr(b.CreatedBy), b.CreatedAt,
	)
	if err != nil {
		return storeErr("put binding", err)
	}
	// The upsert may have kept an existing id.
	return s.db.QueryRowContext(ctx,
		s.q(`SELECT id FROM role_bindings WHERE principal = ? AND scope = ?`), b.Principal, b.Scope,
	).Scan(&b.ID)
}

func (s *SQLStore) ListBindings(ctx context.Context, filter BindingFilter) ([]*RoleBinding, error) {
	var where []string
	var args []any
	if filter.Principal != "" {
		where = append(where, "principal = ?")
		args = append(args, filter.Principal)
	}
	if len(filter.Scopes) > 0 {
		where = append(where, "scope IN ("+placeholders(len(filter.Scopes))+")")
		for _, sc := range filter.Scopes {
			args = append(args, sc)
		}
	}
	query := `SELECT id, principal, scope, role, cond_expr, created_by, created_at FROM role_bindings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY principal, scope"

	return read(ctx, s, "list bindings", func(ctx context.Context) ([]*RoleBinding, error) {
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*RoleBinding
		for rows.Next() {
			b := &RoleBinding{}
			var cond, createdBy sql.NullString
			if err := rows.Scan(&b.ID, &b.Principal, &b.Scope, &b.Role, &cond, &createdBy, &b.CreatedAt); err != nil {
				return nil, err
			}
			b.Condition = cond.String
			b.CreatedBy = createdBy.String
			out = append(out, b)
		}
		return out, rows.Err()
	})
}

func (s *SQLStore) DeleteBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM role_bindings WHERE id = ?`), id)
	if err != nil {
		return storeErr("delete binding", err)
	}
	return checkRowsAffected(res, "binding", id)
}
