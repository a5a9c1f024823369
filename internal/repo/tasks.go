package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowdesk/internal/domain"
)

const taskColumns = `id,title,description,status,owner_id,assigner_id,owner_unit_id,flow_instance_id,stage_status_id,priority,deadline,created_at,updated_at,progress,duration_days,allow_rejection,dependencies_json,related_json,tags_json`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.OwnerID, t.AssignerID,
		nullableStringPtr(t.OwnerUnitID), nullableStringPtr(t.FlowInstanceID), nullableStringPtr(t.StageStatusID),
		string(t.Priority), t.Deadline, t.CreatedAt, t.UpdatedAt, t.Progress, t.DurationDays, boolToInt(t.AllowRejection),
		marshalStrings(t.Dependencies), marshalStrings(t.RelatedTaskIDs), marshalStrings(t.Tags))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, owner_id=?, assigner_id=?, owner_unit_id=?, flow_instance_id=?, stage_status_id=?, priority=?, deadline=?, updated_at=?, progress=?, duration_days=?, allow_rejection=?, dependencies_json=?, related_json=?, tags_json=? WHERE id=?`,
		t.Title, t.Description, string(t.Status), t.OwnerID, t.AssignerID,
		nullableStringPtr(t.OwnerUnitID), nullableStringPtr(t.FlowInstanceID), nullableStringPtr(t.StageStatusID),
		string(t.Priority), t.Deadline, t.UpdatedAt, t.Progress, t.DurationDays, boolToInt(t.AllowRejection),
		marshalStrings(t.Dependencies), marshalStrings(t.RelatedTaskIDs), marshalStrings(t.Tags), t.ID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, priority string
	var ownerUnit, instanceID, stageID sql.NullString
	var allowRejection int
	var deps, related, tags string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.OwnerID, &t.AssignerID,
		&ownerUnit, &instanceID, &stageID, &priority, &t.Deadline, &t.CreatedAt, &t.UpdatedAt,
		&t.Progress, &t.DurationDays, &allowRejection, &deps, &related, &tags)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	t.OwnerUnitID = strPtr(ownerUnit)
	t.FlowInstanceID = strPtr(instanceID)
	t.StageStatusID = strPtr(stageID)
	t.AllowRejection = allowRejection != 0
	t.Dependencies = unmarshalStrings(deps)
	t.RelatedTaskIDs = unmarshalStrings(related)
	t.Tags = unmarshalStrings(tags)
	t.Problems = []domain.TaskProblem{}
	t.History = []domain.TaskHistoryEntry{}
	t.SubTasks = []domain.SubTask{}
	return t, nil
}

// GetTask loads a task with its problems, history and sub-tasks.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	if t.Problems, err = r.ListProblems(ctx, t.ID); err != nil {
		return t, err
	}
	if t.History, err = r.ListHistory(ctx, t.ID); err != nil {
		return t, err
	}
	if t.SubTasks, err = r.ListSubTasks(ctx, t.ID); err != nil {
		return t, err
	}
	return t, nil
}

type TaskFilters struct {
	OwnerID        string
	Status         string
	FlowInstanceID string
	StageStatusID  string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.FlowInstanceID != "" {
		clauses = append(clauses, "flow_instance_id=?")
		args = append(args, f.FlowInstanceID)
	}
	if f.StageStatusID != "" {
		clauses = append(clauses, "stage_status_id=?")
		args = append(args, f.StageStatusID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Problems, err = r.ListProblems(ctx, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].History, err = r.ListHistory(ctx, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].SubTasks, err = r.ListSubTasks(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListTasksByStageTx returns the bare task rows of one stage status.
func (r Repo) ListTasksByStageTx(ctx context.Context, tx *sql.Tx, stageStatusID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE stage_status_id=? ORDER BY created_at ASC, id ASC`, stageStatusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteTasksByInstance(ctx context.Context, tx *sql.Tx, instanceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE flow_instance_id=?`, instanceID)
	return err
}

// --- problems ---

func (r Repo) InsertProblem(ctx context.Context, tx *sql.Tx, p domain.TaskProblem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_problems(id,task_id,reporter_id,description,status,created_at,resolved_at,resolution) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.ReporterID, p.Description, string(p.Status), p.CreatedAt,
		nullableStringPtr(p.ResolvedAt), nullableStringPtr(p.Resolution))
	return err
}

func (r Repo) UpdateProblem(ctx context.Context, tx *sql.Tx, p domain.TaskProblem) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_problems SET status=?, resolved_at=?, resolution=? WHERE id=?`,
		string(p.Status), nullableStringPtr(p.ResolvedAt), nullableStringPtr(p.Resolution), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProblem(ctx context.Context, id string) (domain.TaskProblem, error) {
	var p domain.TaskProblem
	var status string
	var resolvedAt, resolution sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,reporter_id,description,status,created_at,resolved_at,resolution FROM task_problems WHERE id=?`, id).
		Scan(&p.ID, &p.TaskID, &p.ReporterID, &p.Description, &status, &p.CreatedAt, &resolvedAt, &resolution)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.ProblemStatus(status)
	p.ResolvedAt = strPtr(resolvedAt)
	p.Resolution = strPtr(resolution)
	return p, nil
}

func (r Repo) ListProblems(ctx context.Context, taskID string) ([]domain.TaskProblem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,reporter_id,description,status,created_at,resolved_at,resolution FROM task_problems WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TaskProblem{}
	for rows.Next() {
		var p domain.TaskProblem
		var status string
		var resolvedAt, resolution sql.NullString
		if err := rows.Scan(&p.ID, &p.TaskID, &p.ReporterID, &p.Description, &status, &p.CreatedAt, &resolvedAt, &resolution); err != nil {
			return nil, err
		}
		p.Status = domain.ProblemStatus(status)
		p.ResolvedAt = strPtr(resolvedAt)
		p.Resolution = strPtr(resolution)
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- history ---

func (r Repo) ListHistory(ctx context.Context, taskID string) ([]domain.TaskHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,action,performed_by,performed_by_name,ts,COALESCE(notes,'') FROM task_history WHERE task_id=? ORDER BY ts ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TaskHistoryEntry{}
	for rows.Next() {
		var h domain.TaskHistoryEntry
		var performedBy, performedByName sql.NullString
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Action, &performedBy, &performedByName, &h.Timestamp, &h.Notes); err != nil {
			return nil, err
		}
		h.PerformedBy = strPtr(performedBy)
		h.PerformedByName = strPtr(performedByName)
		res = append(res, h)
	}
	return res, rows.Err()
}

// --- sub-tasks ---

func (r Repo) InsertSubTask(ctx context.Context, tx *sql.Tx, s domain.SubTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sub_tasks(id,task_id,title,status,assignee_id,progress,deadline) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.Title, string(s.Status), s.AssigneeID, s.Progress, s.Deadline)
	return err
}

func (r Repo) ListSubTasks(ctx context.Context, taskID string) ([]domain.SubTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,title,status,assignee_id,progress,deadline FROM sub_tasks WHERE task_id=? ORDER BY deadline ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SubTask{}
	for rows.Next() {
		var s domain.SubTask
		var status string
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Title, &status, &s.AssigneeID, &s.Progress, &s.Deadline); err != nil {
			return nil, err
		}
		s.Status = domain.TaskStatus(status)
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
