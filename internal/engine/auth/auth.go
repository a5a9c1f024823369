package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service evaluates role permissions backed by SQL.
type Service struct {
	DB *sql.DB
}

// UserPermissions returns the permission set of a user's role.
func (s Service) UserPermissions(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	row := tx.QueryRowContext(ctx, `
SELECT r.permissions_json FROM users u
JOIN roles r ON r.id=u.role_id
WHERE u.id=?`, userID)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var perms []string
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s Service) UserHasPermission(ctx context.Context, tx *sql.Tx, userID, perm string) (bool, error) {
	perms, err := s.UserPermissions(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// UserRoleKey returns the role key of a user, or empty if the user is unknown.
func (s Service) UserRoleKey(ctx context.Context, tx *sql.Tx, userID string) (string, error) {
	row := tx.QueryRowContext(ctx, `
SELECT r.key FROM users u
JOIN roles r ON r.id=u.role_id
WHERE u.id=?`, userID)
	var key string
	err := row.Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return key, err
}
