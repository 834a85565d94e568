package pg

import (
	"context"
	"database/sql"
	"fmt"

	"lostfound.org/authcore/internal/auth"
	"lostfound.org/authcore/internal/ids"
)

type roleStore struct{ db *sql.DB }

func (s roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	var r auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_at from roles where id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

type permissionStore struct{ db *sql.DB }

func (s permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, key, description)
			values ($1, $2, $3)
			on conflict (key) do nothing
		`, ids.New(), p.Key, p.Description); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Key, err)
		}
	}
	return tx.Commit()
}

func (s permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	return s.query(ctx, `
		select id, key, description, created_at from permissions order by key
	`)
}

func (s permissionStore) ForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	return s.query(ctx, `
		select p.id, p.key, p.description, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.key
	`, roleID)
}

func (s permissionStore) query(ctx context.Context, q string, args ...any) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type branchGrantStore struct{ db *sql.DB }

func (s branchGrantStore) BranchesManagedBy(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select branch_id from branch_managers where user_id = $1 order by branch_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
