package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/domain"
)

// TemplateOptions describe a flow template and its ordered stages.
type TemplateOptions struct {
	ID                  string
	Name                string
	Description         string
	BusinessObjective   string
	OwnerID             string
	TypicalDurationDays int
	Stages              []StageOptions
	ActorID             string
}

type StageOptions struct {
	// ID is kept when supplied so template edits leave existing instance
	// snapshots resolvable.
	ID                   string
	Name                 string
	Description          string
	ExpectedDurationDays int
	OwnerRole            string
	ExitCriteria         string
}

func (e Engine) validateTemplate(opts TemplateOptions) ([]domain.FlowStage, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("%w: template name is required", ErrValidation)
	}
	if len(opts.Stages) == 0 {
		return nil, fmt.Errorf("%w: template must have at least one stage", ErrValidation)
	}
	stages := make([]domain.FlowStage, 0, len(opts.Stages))
	for i, s := range opts.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%w: stage %d has no name", ErrValidation, i+1)
		}
		role, ok := domain.ParseRoleKey(s.OwnerRole)
		if !ok {
			return nil, fmt.Errorf("%w: stage %q has unknown owner role %q", ErrValidation, s.Name, s.OwnerRole)
		}
		if s.ExpectedDurationDays <= 0 {
			return nil, fmt.Errorf("%w: stage %q must have a positive duration", ErrValidation, s.Name)
		}
		id := s.ID
		if id == "" {
			id = uuid.New().String()
		}
		stages = append(stages, domain.FlowStage{
			ID:                   id,
			Name:                 strings.TrimSpace(s.Name),
			Description:          s.Description,
			ExpectedDurationDays: s.ExpectedDurationDays,
			OwnerRole:            role,
			ExitCriteria:         s.ExitCriteria,
		})
	}
	return stages, nil
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateOptions) (domain.FlowTemplate, error) {
	stages, err := e.validateTemplate(opts)
	if err != nil {
		return domain.FlowTemplate{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.FlowTemplate{
		ID:                  id,
		Name:                strings.TrimSpace(opts.Name),
		Description:         opts.Description,
		BusinessObjective:   opts.BusinessObjective,
		OwnerID:             opts.ActorID,
		TypicalDurationDays: opts.TypicalDurationDays,
		LastUpdated:         e.nowRFC3339(),
		Stages:              stages,
	}
	if opts.OwnerID != "" {
		t.OwnerID = opts.OwnerID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// UpdateTemplate replaces metadata and the stage list. Existing instances
// are snapshots of the template at instantiation time and stay untouched.
func (e Engine) UpdateTemplate(ctx context.Context, opts TemplateOptions) (domain.FlowTemplate, error) {
	existing, err := e.Repo.GetTemplate(ctx, opts.ID)
	if err != nil {
		return existing, err
	}
	stages, err := e.validateTemplate(opts)
	if err != nil {
		return existing, err
	}
	t := domain.FlowTemplate{
		ID:                  existing.ID,
		Name:                strings.TrimSpace(opts.Name),
		Description:         opts.Description,
		BusinessObjective:   opts.BusinessObjective,
		OwnerID:             existing.OwnerID,
		TypicalDurationDays: opts.TypicalDurationDays,
		LastUpdated:         e.nowRFC3339(),
		Stages:              stages,
	}
	if opts.OwnerID != "" {
		t.OwnerID = opts.OwnerID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTemplate(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) DeleteTemplate(ctx context.Context, id string) error {
	if _, err := e.Repo.GetTemplate(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := e.Repo.CountInstancesByTemplate(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: template %s is referenced by %d instance(s)", ErrStateConflict, id, n)
	}
	if err := e.Repo.DeleteTemplate(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// InstantiateOptions launch one instance of a template.
type InstantiateOptions struct {
	TemplateID  string
	Name        string
	OwnerUnitID string
	KickoffDate string
	DueDate     string
	// Tasks maps stage ID to the task descriptors of that stage. Every
	// stage needs at least one descriptor and every descriptor an owner.
	Tasks     map[string][]StageTaskOptions
	ActorID   string
	ActorName string
}

type StageTaskOptions struct {
	Title       string
	Description string
	OwnerID     string
	Priority    string
	DueInDays   int
}

// Instantiate snapshots a template into a live instance inside a single
// transaction. A rejected launch leaves no rows behind.
func (e Engine) Instantiate(ctx context.Context, opts InstantiateOptions) (domain.FlowInstance, error) {
	tpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.FlowInstance{}, err
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.FlowInstance{}, fmt.Errorf("%w: instance name is required", ErrValidation)
	}
	if opts.OwnerUnitID == "" {
		return domain.FlowInstance{}, fmt.Errorf("%w: owner unit is required", ErrValidation)
	}
	kickoff, err := time.Parse(time.RFC3339, opts.KickoffDate)
	if err != nil {
		return domain.FlowInstance{}, fmt.Errorf("%w: kickoff date must be RFC 3339", ErrValidation)
	}
	due, err := time.Parse(time.RFC3339, opts.DueDate)
	if err != nil {
		return domain.FlowInstance{}, fmt.Errorf("%w: due date must be RFC 3339", ErrValidation)
	}
	if kickoff.After(due) {
		return domain.FlowInstance{}, fmt.Errorf("%w: kickoff date is after due date", ErrValidation)
	}
	for _, stage := range tpl.Stages {
		descriptors := opts.Tasks[stage.ID]
		if len(descriptors) == 0 {
			return domain.FlowInstance{}, fmt.Errorf("%w: stage %q has no tasks", ErrIncompleteInput, stage.Name)
		}
		for _, d := range descriptors {
			if d.OwnerID == "" {
				return domain.FlowInstance{}, fmt.Errorf("%w: task %q in stage %q has no owner", ErrIncompleteInput, d.Title, stage.Name)
			}
		}
	}

	inst := domain.FlowInstance{
		ID:          uuid.New().String(),
		TemplateID:  &tpl.ID,
		OwnerUnitID: opts.OwnerUnitID,
		Name:        strings.TrimSpace(opts.Name),
		KickoffDate: opts.KickoffDate,
		DueDate:     opts.DueDate,
		Progress:    0,
		Health:      domain.HealthOnTrack,
	}
	for _, stage := range tpl.Stages {
		inst.Stages = append(inst.Stages, domain.StageStatus{
			ID:       uuid.New().String(),
			StageID:  stage.ID,
			Status:   domain.StatusPending,
			Progress: 0,
			Stage:    stage,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inst, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return inst, err
	}
	for i, stage := range tpl.Stages {
		for _, d := range opts.Tasks[stage.ID] {
			deadline := due
			if d.DueInDays > 0 {
				deadline = kickoff.AddDate(0, 0, d.DueInDays)
			}
			_, err := e.createTaskTx(ctx, tx, TaskCreateOptions{
				Title:          d.Title,
				Description:    d.Description,
				OwnerID:        d.OwnerID,
				AssignerID:     opts.ActorID,
				OwnerUnitID:    opts.OwnerUnitID,
				Priority:       d.Priority,
				Deadline:       deadline.UTC().Format(time.RFC3339),
				DurationDays:   d.DueInDays,
				ActorID:        opts.ActorID,
				ActorName:      opts.ActorName,
				flowInstanceID: inst.ID,
				stageStatusID:  inst.Stages[i].ID,
			})
			if err != nil {
				return inst, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return inst, err
	}
	return e.Repo.GetInstance(ctx, inst.ID)
}

// RecomputeAggregates rolls task state up into stage and instance rows.
// Safe to call repeatedly.
func (e Engine) RecomputeAggregates(ctx context.Context, instanceID string) (domain.FlowInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowInstance{}, err
	}
	defer tx.Rollback()
	if err := e.recomputeAggregatesTx(ctx, tx, instanceID); err != nil {
		return domain.FlowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FlowInstance{}, err
	}
	return e.Repo.GetInstance(ctx, instanceID)
}

func (e Engine) recomputeAggregatesTx(ctx context.Context, tx *sql.Tx, instanceID string) error {
	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	stages, err := e.Repo.ListStageStatusesTx(ctx, tx, instanceID)
	if err != nil {
		return err
	}
	now := e.now().UTC()

	var stageProgressSum float64
	anyOverdueOrBlocked := false
	for _, ss := range stages {
		tasks, err := e.Repo.ListTasksByStageTx(ctx, tx, ss.ID)
		if err != nil {
			return err
		}
		status, progress := deriveStage(tasks)
		if status != ss.Status || progress != ss.Progress {
			if err := e.Repo.UpdateStageAggregates(ctx, tx, ss.ID, status, progress); err != nil {
				return err
			}
		}
		stageProgressSum += float64(progress)
		for _, t := range tasks {
			if t.Status == domain.StatusBlocked {
				anyOverdueOrBlocked = true
			}
			if t.Status != domain.StatusCompleted && taskOverdue(t, now) {
				anyOverdueOrBlocked = true
			}
		}
	}

	progress := 0
	if len(stages) > 0 {
		progress = int(math.Round(stageProgressSum / float64(len(stages))))
	}
	health := domain.HealthOnTrack
	due, err := time.Parse(time.RFC3339, inst.DueDate)
	switch {
	case err == nil && now.After(due) && progress < 100:
		health = domain.HealthDelayed
	case anyOverdueOrBlocked:
		health = domain.HealthAtRisk
	}
	return e.Repo.UpdateInstanceAggregates(ctx, tx, instanceID, progress, health)
}

// deriveStage folds the tasks of a stage into a status and progress pair.
// A blocked task outweighs partial progress.
func deriveStage(tasks []domain.Task) (domain.TaskStatus, int) {
	if len(tasks) == 0 {
		return domain.StatusPending, 0
	}
	sum := 0
	allCompleted := true
	anyBlocked := false
	anyProgress := false
	for _, t := range tasks {
		sum += t.Progress
		if t.Status != domain.StatusCompleted {
			allCompleted = false
		}
		if t.Status == domain.StatusBlocked {
			anyBlocked = true
		}
		if t.Progress > 0 {
			anyProgress = true
		}
	}
	progress := int(math.Round(float64(sum) / float64(len(tasks))))
	switch {
	case allCompleted:
		return domain.StatusCompleted, progress
	case anyBlocked:
		return domain.StatusBlocked, progress
	case anyProgress:
		return domain.StatusInProgress, progress
	default:
		return domain.StatusPending, progress
	}
}

func taskOverdue(t domain.Task, now time.Time) bool {
	deadline, err := time.Parse(time.RFC3339, t.Deadline)
	if err != nil {
		return false
	}
	return now.After(deadline)
}

// DeleteInstance removes an instance with its stage statuses and tasks.
func (e Engine) DeleteInstance(ctx context.Context, id string) error {
	if _, err := e.Repo.GetInstance(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTasksByInstance(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteInstance(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetTemplate(ctx context.Context, id string) (domain.FlowTemplate, error) {
	return e.Repo.GetTemplate(ctx, id)
}

func (e Engine) ListTemplates(ctx context.Context) ([]domain.FlowTemplate, error) {
	tpls, err := e.Repo.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if tpls == nil {
		tpls = []domain.FlowTemplate{}
	}
	return tpls, nil
}

func (e Engine) GetInstance(ctx context.Context, id string) (domain.FlowInstance, error) {
	return e.Repo.GetInstance(ctx, id)
}

func (e Engine) ListInstances(ctx context.Context) ([]domain.FlowInstance, error) {
	insts, err := e.Repo.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	if insts == nil {
		insts = []domain.FlowInstance{}
	}
	return insts, nil
}
