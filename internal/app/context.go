package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/repo"
)

// ResolveConfig loads flowdesk.yml from the workspace, falling back to the
// built-in defaults when no file exists yet.
func ResolveConfig(workspace, workspaceID string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if workspaceID == "" {
			workspaceID = "flowdesk"
		}
		cfg = config.Default(workspaceID)
	}
	return cfg, nil
}

// Seed makes the workspace usable: the role catalog from config, and an
// initial administrator when the user table is empty. Safe to run on every
// start.
func Seed(ctx context.Context, eng engine.Engine, cfg *config.Config) error {
	for _, key := range []domain.RoleKey{domain.RoleAdmin, domain.RoleDesigner, domain.RoleFunctionary} {
		entry, ok := cfg.Roles[string(key)]
		if !ok {
			return fmt.Errorf("config role %s missing", key)
		}
		if _, err := eng.Repo.GetRoleByKey(ctx, key); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := insertRole(ctx, eng, key, entry); err != nil {
			return fmt.Errorf("seed role %s: %w", key, err)
		}
	}

	users, err := eng.Repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	_, err = eng.CreateUser(ctx, engine.UserCreateOptions{
		FullName: "Administrator",
		Email:    "admin@flowdesk.local",
		RoleKey:  string(domain.RoleAdmin),
	})
	if err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func insertRole(ctx context.Context, eng engine.Engine, key domain.RoleKey, entry config.Role) error {
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// role IDs are derived from the key so reseeding stays idempotent
	role := domain.Role{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("flowdesk-role-"+string(key))).String(),
		Key:         key,
		Name:        entry.Name,
		Description: entry.Description,
		Permissions: entry.Permissions,
	}
	if err := eng.Repo.InsertRole(ctx, tx, role); err != nil {
		return err
	}
	return tx.Commit()
}
