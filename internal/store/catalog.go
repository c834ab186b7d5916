package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rendis/tokaysec/pkg/schema"
)

// --- Namespaces ---

func (s *SQLStore) CreateNamespace(ctx context.Context, ns *Namespace) error {
	ns.CreatedAt = timeOrNow(ns.CreatedAt)
	ns.UpdatedAt = ns.CreatedAt
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO namespaces (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`),
		ns.ID, ns.Name, ns.CreatedAt, ns.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return storeConflict("namespace", ns.Name)
	}
	return storeErr("create namespace", err)
}

func (s *SQLStore) GetNamespace(ctx context.Context, id string) (*Namespace, error) {
	return read(ctx, s, "get namespace", func(ctx context.Context) (*Namespace, error) {
		ns := &Namespace{}
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT id, name, created_at, updated_at FROM namespaces WHERE id = ?`), id,
		).Scan(&ns.ID, &ns.Name, &ns.CreatedAt, &ns.UpdatedAt)
		if err != nil {
			return nil, errIfNoRows(err, "namespace", id)
		}
		return ns, nil
	})
}

func (s *SQLStore) GetNamespaceByName(ctx context.Context, name string) (*Namespace, error) {
	return read(ctx, s, "get namespace", func(ctx context.Context) (*Namespace, error) {
		ns := &Namespace{}
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT id, name, created_at, updated_at FROM namespaces WHERE name = ?`), name,
		).Scan(&ns.ID, &ns.Name, &ns.CreatedAt, &ns.UpdatedAt)
		if err != nil {
			return nil, errIfNoRows(err, "namespace", name)
		}
		return ns, nil
	})
}

func (s *SQLStore) RenameNamespace(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE namespaces SET name = ?, updated_at = ? WHERE id = ?`),
		name, time.Now().UTC(), id,
	)
	if isUniqueViolation(err) {
		return storeConflict("namespace", name)
	}
	if err != nil {
		return storeErr("rename namespace", err)
	}
	return checkRowsAffected(res, "namespace", id)
}

func (s *SQLStore) ListNamespaces(ctx context.Context) ([]*Namespace, error) {
	return read(ctx, s, "list namespaces", func(ctx context.Context) ([]*Namespace, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, created_at, updated_at FROM namespaces ORDER BY name`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Namespace
		for rows.Next() {
			ns := &Namespace{}
			if err := rows.Scan(&ns.ID, &ns.Name, &ns.CreatedAt, &ns.UpdatedAt); err != nil {
				return nil, err
			}
			out = append(out, ns)
		}
		return out, rows.Err()
	})
}

// DeleteNamespace removes an empty namespace together with its keys and bindings.
func (s *SQLStore) DeleteNamespace(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var projects int
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM projects WHERE namespace_id = ?`), id,
		).Scan(&projects); err != nil {
			return storeErr("count projects", err)
		}
		if projects > 0 {
			return schema.NewErrorf(schema.ErrCodeNotEmpty, "namespace %q still has %d project(s)", id, projects).
				WithDetails(map[string]any{"projects": projects})
		}

		scope := schema.NamespaceScope(id)
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM role_bindings WHERE scope = ?`), scope); err != nil {
			return storeErr("delete namespace bindings", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM data_keys WHERE scope = ?`), scope); err != nil {
			return storeErr("delete namespace keys", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM namespaces WHERE id = ?`), id)
		if err != nil {
			return storeErr("delete namespace", err)
		}
		return checkRowsAffected(res, "namespace", id)
	})
}

// --- Projects ---

func (s *SQLStore) CreateProject(ctx context.Context, p *Project) error {
	p.CreatedAt = timeOrNow(p.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO projects (id, namespace_id, name, created_at) VALUES (?, ?, ?, ?)`),
		p.ID, p.NamespaceID, p.Name, p.CreatedAt,
	)
	switch {
	case isUniqueViolation(err):
		return storeConflict("project", p.Name)
	case isForeignKeyViolation(err):
		return storeNotFound("namespace", p.NamespaceID)
	}
	return storeErr("create project", err)
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	return read(ctx, s, "get project", func(ctx context.Context) (*Project, error) {
		p := &Project{}
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT id, namespace_id, name, created_at FROM projects WHERE id = ?`), id,
		).Scan(&p.ID, &p.NamespaceID, &p.Name, &p.CreatedAt)
		if err != nil {
			return nil, errIfNoRows(err, "project", id)
		}
		return p, nil
	})
}

func (s *SQLStore) GetProjectByName(ctx context.Context, namespaceID, name string) (*Project, error) {
	return read(ctx, s, "get project", func(ctx context.Context) (*Project, error) {
		p := &Project{}
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT id, namespace_id, name, created_at FROM projects WHERE namespace_id = ? AND name = ?`),
			namespaceID, name,
		).Scan(&p.ID, &p.NamespaceID, &p.Name, &p.CreatedAt)
		if err != nil {
			return nil, errIfNoRows(err, "project", name)
		}
		return p, nil
	})
}

func (s *SQLStore) ListProjects(ctx context.Context, namespaceID string) ([]*Project, error) {
	return read(ctx, s, "list projects", func(ctx context.Context) ([]*Project, error) {
		rows, err := s.db.QueryContext(ctx,
			s.q(`SELECT id, namespace_id, name, created_at FROM projects WHERE namespace_id = ? ORDER BY name`),
			namespaceID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Project
		for rows.Next() {
			p := &Project{}
			if err := rows.Scan(&p.ID, &p.NamespaceID, &p.Name, &p.CreatedAt); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}

// DeleteProject removes a project with no secrets. Tombstoned secrets that have
// not been purged still count.
func (s *SQLStore) DeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var secrets int
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT COUNT(*) FROM secrets WHERE project_id = ?`), id,
		).Scan(&secrets); err != nil {
			return storeErr("count secrets", err)
		}
		if secrets > 0 {
			return schema.NewErrorf(schema.ErrCodeNotEmpty, "project %q still has %d secret(s)", id, secrets).
				WithDetails(map[string]any{"secrets": secrets})
		}

		scope := schema.ProjectScope(id)
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM role_bindings WHERE scope = ?`), scope); err != nil {
			return storeErr("delete project bindings", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM data_keys WHERE scope = ?`), scope); err != nil {
			return storeErr("delete project keys", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM projects WHERE id = ?`), id)
		if err != nil {
			return storeErr("delete project", err)
		}
		return checkRowsAffected(res, "project", id)
	})
}
