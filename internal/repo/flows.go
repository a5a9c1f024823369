package repo

import (
	"context"
	"database/sql"

	"flowdesk/internal/domain"
)

// --- templates ---

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.FlowTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO flow_templates(id,name,description,business_objective,owner_id,typical_duration_days,last_updated) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.BusinessObjective, t.OwnerID, t.TypicalDurationDays, t.LastUpdated)
	if err != nil {
		return err
	}
	return r.replaceStages(ctx, tx, t.ID, t.Stages)
}

func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, t domain.FlowTemplate) error {
	res, err := tx.ExecContext(ctx, `UPDATE flow_templates SET name=?, description=?, business_objective=?, owner_id=?, typical_duration_days=?, last_updated=? WHERE id=?`,
		t.Name, t.Description, t.BusinessObjective, t.OwnerID, t.TypicalDurationDays, t.LastUpdated, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.replaceStages(ctx, tx, t.ID, t.Stages)
}

// replaceStages rewrites the ordered stage list. Stage IDs are supplied by
// the caller so that edits keep existing IDs stable.
func (r Repo) replaceStages(ctx context.Context, tx *sql.Tx, templateID string, stages []domain.FlowStage) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM flow_stages WHERE template_id=?`, templateID); err != nil {
		return err
	}
	for i, s := range stages {
		_, err := tx.ExecContext(ctx, `INSERT INTO flow_stages(id,template_id,position,name,description,expected_duration_days,owner_role,exit_criteria) VALUES (?,?,?,?,?,?,?,?)`,
			s.ID, templateID, i, s.Name, s.Description, s.ExpectedDurationDays, string(s.OwnerRole), s.ExitCriteria)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteTemplate(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM flow_templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.FlowTemplate, error) {
	var t domain.FlowTemplate
	var description, objective sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,business_objective,owner_id,typical_duration_days,last_updated FROM flow_templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &description, &objective, &t.OwnerID, &t.TypicalDurationDays, &t.LastUpdated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.BusinessObjective = objective.String
	t.Stages, err = r.listStages(ctx, t.ID)
	return t, err
}

func (r Repo) listStages(ctx context.Context, templateID string) ([]domain.FlowStage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),expected_duration_days,owner_role,COALESCE(exit_criteria,'') FROM flow_stages WHERE template_id=? ORDER BY position ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.FlowStage{}
	for rows.Next() {
		var s domain.FlowStage
		var role string
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.ExpectedDurationDays, &role, &s.ExitCriteria); err != nil {
			return nil, err
		}
		s.OwnerRole = domain.RoleKey(role)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.FlowTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,business_objective,owner_id,typical_duration_days,last_updated FROM flow_templates ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowTemplate
	for rows.Next() {
		var t domain.FlowTemplate
		var description, objective sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &description, &objective, &t.OwnerID, &t.TypicalDurationDays, &t.LastUpdated); err != nil {
			return nil, err
		}
		t.Description = description.String
		t.BusinessObjective = objective.String
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Stages, err = r.listStages(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) CountInstancesByTemplate(ctx context.Context, tx *sql.Tx, templateID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM flow_instances WHERE template_id=?`, templateID).Scan(&n)
	return n, err
}

// --- instances ---

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.FlowInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO flow_instances(id,template_id,owner_unit_id,name,kickoff_date,due_date,progress,health) VALUES (?,?,?,?,?,?,?,?)`,
		inst.ID, nullableStringPtr(inst.TemplateID), inst.OwnerUnitID, inst.Name, inst.KickoffDate, inst.DueDate, inst.Progress, string(inst.Health))
	if err != nil {
		return err
	}
	for i, ss := range inst.Stages {
		_, err := tx.ExecContext(ctx, `INSERT INTO stage_statuses(id,instance_id,position,stage_id,stage_name,stage_description,stage_owner_role,stage_duration_days,stage_exit_criteria,status,progress,owner_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			ss.ID, inst.ID, i, ss.StageID, ss.Stage.Name, ss.Stage.Description, string(ss.Stage.OwnerRole),
			ss.Stage.ExpectedDurationDays, ss.Stage.ExitCriteria, string(ss.Status), ss.Progress, nullableStringPtr(ss.OwnerID))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteInstance(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM flow_instances WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const instanceColumns = `id,template_id,owner_unit_id,name,kickoff_date,due_date,progress,health`

func scanInstance(row rowScanner) (domain.FlowInstance, error) {
	var inst domain.FlowInstance
	var templateID sql.NullString
	var health string
	err := row.Scan(&inst.ID, &templateID, &inst.OwnerUnitID, &inst.Name, &inst.KickoffDate, &inst.DueDate, &inst.Progress, &health)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	inst.TemplateID = strPtr(templateID)
	inst.Health = domain.Health(health)
	inst.Stages = []domain.StageStatus{}
	return inst, nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.FlowInstance, error) {
	inst, err := scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM flow_instances WHERE id=?`, id))
	if err != nil {
		return inst, err
	}
	inst.Stages, err = r.listStageStatuses(ctx, inst.ID)
	return inst, err
}

// GetInstanceTx loads the bare instance row inside a transaction.
func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.FlowInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM flow_instances WHERE id=?`, id))
}

func (r Repo) ListInstances(ctx context.Context) ([]domain.FlowInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM flow_instances ORDER BY kickoff_date DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Stages, err = r.listStageStatuses(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

const stageStatusColumns = `id,stage_id,stage_name,COALESCE(stage_description,''),stage_owner_role,stage_duration_days,COALESCE(stage_exit_criteria,''),status,progress,owner_id`

func scanStageStatus(row rowScanner) (domain.StageStatus, error) {
	var ss domain.StageStatus
	var role, status string
	var ownerID sql.NullString
	err := row.Scan(&ss.ID, &ss.StageID, &ss.Stage.Name, &ss.Stage.Description, &role,
		&ss.Stage.ExpectedDurationDays, &ss.Stage.ExitCriteria, &status, &ss.Progress, &ownerID)
	if err == sql.ErrNoRows {
		return ss, ErrNotFound
	}
	if err != nil {
		return ss, err
	}
	ss.Stage.ID = ss.StageID
	ss.Stage.OwnerRole = domain.RoleKey(role)
	ss.Status = domain.TaskStatus(status)
	ss.OwnerID = strPtr(ownerID)
	return ss, nil
}

func (r Repo) listStageStatuses(ctx context.Context, instanceID string) ([]domain.StageStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageStatusColumns+` FROM stage_statuses WHERE instance_id=? ORDER BY position ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StageStatus{}
	for rows.Next() {
		ss, err := scanStageStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ss)
	}
	return res, rows.Err()
}

func (r Repo) ListStageStatusesTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.StageStatus, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+stageStatusColumns+` FROM stage_statuses WHERE instance_id=? ORDER BY position ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StageStatus{}
	for rows.Next() {
		ss, err := scanStageStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ss)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStageAggregates(ctx context.Context, tx *sql.Tx, stageStatusID string, status domain.TaskStatus, progress int) error {
	_, err := tx.ExecContext(ctx, `UPDATE stage_statuses SET status=?, progress=? WHERE id=?`, string(status), progress, stageStatusID)
	return err
}

func (r Repo) UpdateInstanceAggregates(ctx context.Context, tx *sql.Tx, instanceID string, progress int, health domain.Health) error {
	_, err := tx.ExecContext(ctx, `UPDATE flow_instances SET progress=?, health=? WHERE id=?`, progress, string(health), instanceID)
	return err
}
