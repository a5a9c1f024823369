package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"flowdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- roles ---

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id,key,name,description,permissions_json) VALUES (?,?,?,?,?)`,
		role.ID, string(role.Key), role.Name, nullable(role.Description), string(perms))
	return err
}

func (r Repo) GetRole(ctx context.Context, id string) (domain.Role, error) {
	return scanRole(r.DB.QueryRowContext(ctx, `SELECT id,key,name,COALESCE(description,''),permissions_json FROM roles WHERE id=?`, id))
}

func (r Repo) GetRoleByKey(ctx context.Context, key domain.RoleKey) (domain.Role, error) {
	return scanRole(r.DB.QueryRowContext(ctx, `SELECT id,key,name,COALESCE(description,''),permissions_json FROM roles WHERE key=?`, string(key)))
}

func scanRole(row *sql.Row) (domain.Role, error) {
	var role domain.Role
	var key, permsJSON string
	err := row.Scan(&role.ID, &key, &role.Name, &role.Description, &permsJSON)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if err != nil {
		return role, err
	}
	role.Key = domain.RoleKey(key)
	if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
		return role, err
	}
	return role, nil
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,key,name,COALESCE(description,''),permissions_json FROM roles ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		var role domain.Role
		var key, permsJSON string
		if err := rows.Scan(&role.ID, &key, &role.Name, &role.Description, &permsJSON); err != nil {
			return nil, err
		}
		role.Key = domain.RoleKey(key)
		if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

// --- units ---

func (r Repo) InsertUnit(ctx context.Context, u domain.Unit) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO units(id,name,parent_id,lead_id) VALUES (?,?,?,?)`,
		u.ID, u.Name, nullableStringPtr(u.ParentID), nullableStringPtr(u.LeadID))
	return err
}

func (r Repo) UpdateUnit(ctx context.Context, u domain.Unit) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE units SET name=?, parent_id=?, lead_id=? WHERE id=?`,
		u.Name, nullableStringPtr(u.ParentID), nullableStringPtr(u.LeadID), u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	var u domain.Unit
	var parentID, leadID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,parent_id,lead_id FROM units WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &parentID, &leadID)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if parentID.Valid {
		u.ParentID = &parentID.String
	}
	if leadID.Valid {
		u.LeadID = &leadID.String
	}
	return u, nil
}

func (r Repo) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,parent_id,lead_id FROM units ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		var u domain.Unit
		var parentID, leadID sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &parentID, &leadID); err != nil {
			return nil, err
		}
		if parentID.Valid {
			u.ParentID = &parentID.String
		}
		if leadID.Valid {
			u.LeadID = &leadID.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,full_name,email,password_hash,role_id,unit_id,avatar_color,title,phone,about,last_login,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.FullName, u.Email, u.PasswordHash, u.RoleID, nullableStringPtr(u.UnitID),
		nullableStringPtr(u.AvatarColor), nullableStringPtr(u.Title), nullableStringPtr(u.Phone), nullableStringPtr(u.About),
		nullableStringPtr(u.LastLogin), createdAt)
	return err
}

func (r Repo) UpdateUser(ctx context.Context, u domain.User) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET full_name=?, email=?, password_hash=?, role_id=?, unit_id=?, avatar_color=?, title=?, phone=?, about=? WHERE id=?`,
		u.FullName, u.Email, u.PasswordHash, u.RoleID, nullableStringPtr(u.UnitID),
		nullableStringPtr(u.AvatarColor), nullableStringPtr(u.Title), nullableStringPtr(u.Phone), nullableStringPtr(u.About), u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetLastLogin(ctx context.Context, userID, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE users SET last_login=? WHERE id=?`, ts, userID)
	return err
}

const userColumns = `id,full_name,email,password_hash,role_id,unit_id,avatar_color,title,phone,about,last_login`

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var unitID, avatarColor, title, phone, about, lastLogin sql.NullString
	err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.PasswordHash, &u.RoleID, &unitID, &avatarColor, &title, &phone, &about, &lastLogin)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.UnitID = strPtr(unitID)
	u.AvatarColor = strPtr(avatarColor)
	u.Title = strPtr(title)
	u.Phone = strPtr(phone)
	u.About = strPtr(about)
	u.LastLogin = strPtr(lastLogin)
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY full_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var unitID, avatarColor, title, phone, about, lastLogin sql.NullString
		if err := rows.Scan(&u.ID, &u.FullName, &u.Email, &u.PasswordHash, &u.RoleID, &unitID, &avatarColor, &title, &phone, &about, &lastLogin); err != nil {
			return nil, err
		}
		u.UnitID = strPtr(unitID)
		u.AvatarColor = strPtr(avatarColor)
		u.Title = strPtr(title)
		u.Phone = strPtr(phone)
		u.About = strPtr(about)
		u.LastLogin = strPtr(lastLogin)
		res = append(res, u)
	}
	return res, rows.Err()
}

// CountOpenTasksByOwner backs the per-user workload counter: tasks assigned
// to the user that are not completed.
func (r Repo) CountOpenTasksByOwner(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT owner_id, count(*) FROM tasks WHERE status != 'completed' GROUP BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var owner string
		var count int
		if err := rows.Scan(&owner, &count); err != nil {
			return nil, err
		}
		res[owner] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func marshalStrings(in []string) string {
	if in == nil {
		in = []string{}
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(in string) []string {
	out := []string{}
	if in != "" {
		_ = json.Unmarshal([]byte(in), &out)
	}
	return out
}
