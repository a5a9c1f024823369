package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"flowdesk/internal/domain"
	"flowdesk/internal/repo"
)

// ErrInvalidCredentials covers both unknown email and wrong password so the
// login surface does not leak which one failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CreateUnit adds an organizational unit.
func (e Engine) CreateUnit(ctx context.Context, name string, parentID, leadID *string) (domain.Unit, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Unit{}, fmt.Errorf("%w: unit name is required", ErrValidation)
	}
	if parentID != nil {
		if _, err := e.Repo.GetUnit(ctx, *parentID); err != nil {
			return domain.Unit{}, fmt.Errorf("parent unit %s: %w", *parentID, err)
		}
	}
	if leadID != nil {
		if _, err := e.Repo.GetUser(ctx, *leadID); err != nil {
			return domain.Unit{}, fmt.Errorf("lead %s: %w", *leadID, err)
		}
	}
	u := domain.Unit{
		ID:       uuid.New().String(),
		Name:     strings.TrimSpace(name),
		ParentID: parentID,
		LeadID:   leadID,
	}
	if err := e.Repo.InsertUnit(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// UpdateUnit edits a unit. Re-parenting is refused when it would make the
// unit its own ancestor.
func (e Engine) UpdateUnit(ctx context.Context, id string, name *string, parentID, leadID *string) (domain.Unit, error) {
	u, err := e.Repo.GetUnit(ctx, id)
	if err != nil {
		return u, err
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return u, fmt.Errorf("%w: unit name is required", ErrValidation)
		}
		u.Name = strings.TrimSpace(*name)
	}
	if parentID != nil {
		if *parentID == "" {
			u.ParentID = nil
		} else {
			if err := e.ensureNoUnitCycle(ctx, *parentID, id); err != nil {
				return u, err
			}
			u.ParentID = parentID
		}
	}
	if leadID != nil {
		if *leadID == "" {
			u.LeadID = nil
		} else {
			if _, err := e.Repo.GetUser(ctx, *leadID); err != nil {
				return u, fmt.Errorf("lead %s: %w", *leadID, err)
			}
			u.LeadID = leadID
		}
	}
	if err := e.Repo.UpdateUnit(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// ensureNoUnitCycle climbs the parent chain from the proposed parent.
func (e Engine) ensureNoUnitCycle(ctx context.Context, parentID, unitID string) error {
	cur := parentID
	for cur != "" {
		if cur == unitID {
			return fmt.Errorf("%w: unit %s cannot become its own ancestor", ErrValidation, unitID)
		}
		p, err := e.Repo.GetUnit(ctx, cur)
		if err != nil {
			return err
		}
		if p.ParentID == nil {
			return nil
		}
		cur = *p.ParentID
	}
	return nil
}

func (e Engine) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	units, err := e.Repo.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	if units == nil {
		units = []domain.Unit{}
	}
	return units, nil
}

// UserCreateOptions are parameters for creating a user account.
type UserCreateOptions struct {
	FullName    string
	Email       string
	Password    string
	RoleKey     string
	UnitID      *string
	AvatarColor *string
	Title       *string
	Phone       *string
	About       *string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if strings.TrimSpace(opts.FullName) == "" {
		return domain.User{}, fmt.Errorf("%w: full name is required", ErrValidation)
	}
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	if _, err := e.Repo.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, fmt.Errorf("%w: email %s already registered", ErrStateConflict, email)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	roleKey, ok := domain.ParseRoleKey(opts.RoleKey)
	if !ok && strings.TrimSpace(opts.RoleKey) != "" {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", ErrValidation, opts.RoleKey)
	}
	role, err := e.Repo.GetRoleByKey(ctx, roleKey)
	if err != nil {
		return domain.User{}, fmt.Errorf("role %s: %w", roleKey, err)
	}
	if opts.UnitID != nil {
		if _, err := e.Repo.GetUnit(ctx, *opts.UnitID); err != nil {
			return domain.User{}, fmt.Errorf("unit %s: %w", *opts.UnitID, err)
		}
	}
	password := opts.Password
	if password == "" && e.Config != nil {
		password = e.Config.Auth.DefaultPassword
	}
	if len(password) < 4 {
		return domain.User{}, fmt.Errorf("%w: password must be at least 4 characters", ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           uuid.New().String(),
		FullName:     strings.TrimSpace(opts.FullName),
		Email:        email,
		RoleID:       role.ID,
		UnitID:       opts.UnitID,
		AvatarColor:  opts.AvatarColor,
		Title:        opts.Title,
		Phone:        opts.Phone,
		About:        opts.About,
		PasswordHash: string(hash),
	}
	if err := e.Repo.InsertUser(ctx, u, e.nowRFC3339()); err != nil {
		return u, err
	}
	return u, nil
}

// UserUpdateOptions cover both self-service profile edits and admin edits.
type UserUpdateOptions struct {
	ID          string
	FullName    *string
	AvatarColor *string
	Title       *string
	Phone       *string
	About       *string
	RoleKey     *string
	UnitID      *string
	Password    *string
}

func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, opts.ID)
	if err != nil {
		return u, err
	}
	if opts.FullName != nil {
		if strings.TrimSpace(*opts.FullName) == "" {
			return u, fmt.Errorf("%w: full name is required", ErrValidation)
		}
		u.FullName = strings.TrimSpace(*opts.FullName)
	}
	if opts.AvatarColor != nil {
		u.AvatarColor = opts.AvatarColor
	}
	if opts.Title != nil {
		u.Title = opts.Title
	}
	if opts.Phone != nil {
		u.Phone = opts.Phone
	}
	if opts.About != nil {
		u.About = opts.About
	}
	if opts.RoleKey != nil {
		roleKey, ok := domain.ParseRoleKey(*opts.RoleKey)
		if !ok {
			return u, fmt.Errorf("%w: unknown role %q", ErrValidation, *opts.RoleKey)
		}
		role, err := e.Repo.GetRoleByKey(ctx, roleKey)
		if err != nil {
			return u, fmt.Errorf("role %s: %w", roleKey, err)
		}
		u.RoleID = role.ID
	}
	if opts.UnitID != nil {
		if *opts.UnitID == "" {
			u.UnitID = nil
		} else {
			if _, err := e.Repo.GetUnit(ctx, *opts.UnitID); err != nil {
				return u, fmt.Errorf("unit %s: %w", *opts.UnitID, err)
			}
			u.UnitID = opts.UnitID
		}
	}
	if opts.Password != nil {
		if len(*opts.Password) < 4 {
			return u, fmt.Errorf("%w: password must be at least 4 characters", ErrValidation)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return u, err
		}
		u.PasswordHash = string(hash)
	}
	if err := e.Repo.UpdateUser(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// Authenticate checks email and password and stamps last login.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	now := e.nowRFC3339()
	if err := e.Repo.SetLastLogin(ctx, u.ID, now); err != nil {
		return u, err
	}
	u.LastLogin = &now
	return u, nil
}

// ListUsers returns all users with the derived workload counter filled in.
func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.Repo.CountOpenTasksByOwner(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []domain.User{}
	}
	for i := range users {
		users[i].Workload = counts[users[i].ID]
	}
	return users, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		return u, err
	}
	counts, err := e.Repo.CountOpenTasksByOwner(ctx)
	if err != nil {
		return u, err
	}
	u.Workload = counts[u.ID]
	return u, nil
}

func (e Engine) ListRoles(ctx context.Context) ([]domain.Role, error) {
	roles, err := e.Repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []domain.Role{}
	}
	return roles, nil
}
