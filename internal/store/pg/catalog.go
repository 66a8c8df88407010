package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"planvault/internal/catalog"
	"planvault/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ catalog.Store = (*Store)(nil)

func (s *Store) CreateRole(ctx context.Context, name, description string) (catalog.Role, error) {
	var (
		role catalog.Role
		desc sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning id, name, description, created_at, updated_at
	`, ids.NewRole(), name, nullIfEmpty(description))
	if err := row.Scan(&role.ID, &role.Name, &desc, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return catalog.Role{}, fmt.Errorf("%w: role %s", catalog.ErrConflict, name)
		}
		return catalog.Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (catalog.Role, error) {
	return s.roleBy(ctx, `id = $1`, roleID)
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (catalog.Role, error) {
	return s.roleBy(ctx, `name = $1`, name)
}

func (s *Store) roleBy(ctx context.Context, cond string, arg any) (catalog.Role, error) {
	var (
		role catalog.Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles
		where `+cond, arg).Scan(&role.ID, &role.Name, &desc, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Role{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]catalog.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []catalog.Role
	for rows.Next() {
		var (
			role catalog.Role
			desc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			role.Description = desc.String
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) UpdateRole(ctx context.Context, roleID string, upd catalog.RoleUpdate) (catalog.Role, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("description = $%d", idx))
			args = append(args, *upd.Description)
			idx++
		}
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, roleID)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return catalog.Role{}, catalog.ErrConflict
			}
			return catalog.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return catalog.Role{}, err
		}
		if aff == 0 {
			return catalog.Role{}, catalog.ErrNotFound
		}
	}
	return s.GetRole(ctx, roleID)
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) (catalog.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return catalog.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		role catalog.Role
		desc sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles where id = $1 for update
	`, roleID).Scan(&role.ID, &role.Name, &desc, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Role{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}

	if _, err := tx.ExecContext(ctx, `delete from role_bindings where role_id = $1`, roleID); err != nil {
		return catalog.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from permission_bindings where role_id = $1`, roleID); err != nil {
		return catalog.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID); err != nil {
		return catalog.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return catalog.Role{}, err
	}
	return role, nil
}

func (s *Store) CreatePermission(ctx context.Context, name, description string) (catalog.Permission, error) {
	var (
		perm catalog.Permission
		desc sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, description)
		values ($1, $2, $3)
		returning id, name, description, created_at
	`, ids.NewPermission(), name, nullIfEmpty(description))
	if err := row.Scan(&perm.ID, &perm.Name, &desc, &perm.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return catalog.Permission{}, fmt.Errorf("%w: permission %s", catalog.ErrConflict, name)
		}
		return catalog.Permission{}, err
	}
	if desc.Valid {
		perm.Description = desc.String
	}
	return perm, nil
}

func (s *Store) GetPermission(ctx context.Context, permissionID string) (catalog.Permission, error) {
	return s.permissionBy(ctx, `id = $1`, permissionID)
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (catalog.Permission, error) {
	return s.permissionBy(ctx, `name = $1`, name)
}

func (s *Store) permissionBy(ctx context.Context, cond string, arg any) (catalog.Permission, error) {
	var (
		perm catalog.Permission
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_at
		from permissions
		where `+cond, arg).Scan(&perm.ID, &perm.Name, &desc, &perm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Permission{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Permission{}, err
	}
	if desc.Valid {
		perm.Description = desc.String
	}
	return perm, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]catalog.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at
		from permissions
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []catalog.Permission
	for rows.Next() {
		var (
			perm catalog.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&perm.ID, &perm.Name, &desc, &perm.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			perm.Description = desc.String
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) BindRole(ctx context.Context, userID, roleID string) (catalog.RoleBinding, error) {
	var b catalog.RoleBinding
	err := s.db.QueryRowContext(ctx, `
		insert into role_bindings (user_id, role_id)
		values ($1, $2)
		returning user_id, role_id, created_at
	`, userID, roleID).Scan(&b.UserID, &b.RoleID, &b.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return catalog.RoleBinding{}, fmt.Errorf("%w: role already bound", catalog.ErrConflict)
			case pgErrForeignKeyViolation:
				return catalog.RoleBinding{}, catalog.ErrNotFound
			}
		}
		return catalog.RoleBinding{}, err
	}
	return b, nil
}

func (s *Store) UnbindRole(ctx context.Context, userID, roleID string) error {
	return s.deleteOne(ctx, `delete from role_bindings where user_id = $1 and role_id = $2`, userID, roleID)
}

func (s *Store) BindPermission(ctx context.Context, roleID, permissionID string) (catalog.PermissionBinding, error) {
	var b catalog.PermissionBinding
	err := s.db.QueryRowContext(ctx, `
		insert into permission_bindings (role_id, permission_id)
		values ($1, $2)
		returning role_id, permission_id, created_at
	`, roleID, permissionID).Scan(&b.RoleID, &b.PermissionID, &b.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return catalog.PermissionBinding{}, fmt.Errorf("%w: permission already bound", catalog.ErrConflict)
			case pgErrForeignKeyViolation:
				return catalog.PermissionBinding{}, catalog.ErrNotFound
			}
		}
		return catalog.PermissionBinding{}, err
	}
	return b, nil
}

func (s *Store) UnbindPermission(ctx context.Context, roleID, permissionID string) error {
	return s.deleteOne(ctx, `delete from permission_bindings where role_id = $1 and permission_id = $2`, roleID, permissionID)
}

func (s *Store) Grant(ctx context.Context, userID, permissionID string, scope catalog.Scope) (catalog.DirectGrant, error) {
	scopeJSON, err := json.Marshal(scope.Document())
	if err != nil {
		return catalog.DirectGrant{}, fmt.Errorf("marshal scope: %w", err)
	}

	var (
		g   catalog.DirectGrant
		raw []byte
	)
	// scope_key is the deterministic rendering backing the uniqueness
	// constraint on (user_id, permission_id, scope_key).
	err = s.db.QueryRowContext(ctx, `
		insert into direct_grants (id, user_id, permission_id, scope, scope_key)
		values ($1, $2, $3, $4, $5)
		returning id, user_id, permission_id, scope, created_at
	`, ids.NewGrant(), userID, permissionID, scopeJSON, scope.Key()).Scan(
		&g.ID, &g.UserID, &g.PermissionID, &raw, &g.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return catalog.DirectGrant{}, fmt.Errorf("%w: identical grant exists", catalog.ErrConflict)
			case pgErrForeignKeyViolation:
				return catalog.DirectGrant{}, catalog.ErrNotFound
			}
		}
		return catalog.DirectGrant{}, err
	}
	if g.Scope, err = decodeScope(raw); err != nil {
		return catalog.DirectGrant{}, err
	}
	return g, nil
}

func (s *Store) Revoke(ctx context.Context, grantID string) (catalog.DirectGrant, error) {
	var (
		g   catalog.DirectGrant
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		delete from direct_grants
		where id = $1
		returning id, user_id, permission_id, scope, created_at
	`, grantID).Scan(&g.ID, &g.UserID, &g.PermissionID, &raw, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.DirectGrant{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.DirectGrant{}, err
	}
	if g.Scope, err = decodeScope(raw); err != nil {
		return catalog.DirectGrant{}, err
	}
	return g, nil
}

// Snapshot reads the user's roles, role-derived permission names and direct
// grants inside one repeatable-read transaction so concurrent mutations are
// either fully visible or fully invisible.
func (s *Store) Snapshot(ctx context.Context, userID string) (catalog.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return catalog.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	snap := catalog.Snapshot{
		UserID:          userID,
		RolePermissions: make(map[string]struct{}),
	}

	rows, err := tx.QueryContext(ctx, `
		select r.name
		from role_bindings rb
		join roles r on r.id = rb.role_id
		where rb.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return catalog.Snapshot{}, err
		}
		snap.Roles = append(snap.Roles, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return catalog.Snapshot{}, err
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		select distinct p.name
		from role_bindings rb
		join permission_bindings pb on pb.role_id = rb.role_id
		join permissions p on p.id = pb.permission_id
		where rb.user_id = $1
	`, userID)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return catalog.Snapshot{}, err
		}
		snap.RolePermissions[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return catalog.Snapshot{}, err
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		select g.id, p.name, g.scope
		from direct_grants g
		join permissions p on p.id = g.permission_id
		where g.user_id = $1
		order by p.name, g.scope_key
	`, userID)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			gp  catalog.GrantedPermission
			raw []byte
		)
		if err := rows.Scan(&gp.GrantID, &gp.Permission, &raw); err != nil {
			return catalog.Snapshot{}, err
		}
		if gp.Scope, err = decodeScope(raw); err != nil {
			return catalog.Snapshot{}, err
		}
		snap.Grants = append(snap.Grants, gp)
	}
	if err := rows.Err(); err != nil {
		return catalog.Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return catalog.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) deleteOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func decodeScope(raw []byte) (catalog.Scope, error) {
	scope := catalog.Scope{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &scope); err != nil {
			return nil, fmt.Errorf("decode scope: %w", err)
		}
	}
	return scope, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
