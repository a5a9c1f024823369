package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/history"
	"flowdesk/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	Title          string
	Description    string
	OwnerID        string
	AssignerID     string
	OwnerUnitID    string
	Priority       string
	Deadline       string
	DurationDays   int
	AllowRejection *bool
	Dependencies   []string
	RelatedTaskIDs []string
	Tags           []string
	ActorID        string
	ActorName      string

	// set only by the flow orchestrator
	flowInstanceID string
	stageStatusID  string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.createTaskTx(ctx, tx, opts)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) createTaskTx(ctx context.Context, tx *sql.Tx, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(strings.TrimSpace(opts.Description)) < 10 {
		return domain.Task{}, fmt.Errorf("%w: description must be at least 10 characters", ErrValidation)
	}
	if opts.OwnerID == "" {
		return domain.Task{}, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if opts.AssignerID == "" {
		return domain.Task{}, fmt.Errorf("%w: assigner is required", ErrValidation)
	}
	if _, err := e.Repo.GetUser(ctx, opts.OwnerID); err != nil {
		return domain.Task{}, fmt.Errorf("owner %s: %w", opts.OwnerID, err)
	}
	priority := opts.Priority
	if priority == "" && e.Config != nil {
		priority = e.Config.Defaults.TaskPriority
	}
	prio, ok := domain.ParsePriority(priority)
	if !ok && strings.TrimSpace(opts.Priority) != "" {
		return domain.Task{}, fmt.Errorf("%w: unknown priority %q", ErrValidation, opts.Priority)
	}
	if opts.Deadline == "" {
		return domain.Task{}, fmt.Errorf("%w: deadline is required", ErrValidation)
	}
	if _, err := time.Parse(time.RFC3339, opts.Deadline); err != nil {
		return domain.Task{}, fmt.Errorf("%w: deadline must be RFC 3339", ErrValidation)
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowRFC3339()
	allowRejection := true
	if opts.AllowRejection != nil {
		allowRejection = *opts.AllowRejection
	}
	t := domain.Task{
		ID:             id,
		Title:          strings.TrimSpace(opts.Title),
		Description:    strings.TrimSpace(opts.Description),
		Status:         domain.StatusPending,
		OwnerID:        opts.OwnerID,
		AssignerID:     opts.AssignerID,
		OwnerUnitID:    optionalString(opts.OwnerUnitID),
		FlowInstanceID: optionalString(opts.flowInstanceID),
		StageStatusID:  optionalString(opts.stageStatusID),
		Priority:       prio,
		Deadline:       opts.Deadline,
		CreatedAt:      now,
		UpdatedAt:      now,
		Progress:       0,
		DurationDays:   opts.DurationDays,
		AllowRejection: allowRejection,
		Dependencies:   emptyIfNil(opts.Dependencies),
		RelatedTaskIDs: emptyIfNil(opts.RelatedTaskIDs),
		Tags:           emptyIfNil(opts.Tags),
		Problems:       []domain.TaskProblem{},
		History:        []domain.TaskHistoryEntry{},
		SubTasks:       []domain.SubTask{},
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.History.Append(ctx, tx, t.ID, "created", opts.ActorID, opts.ActorName, ""); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ChangeStatus moves a task to a new lifecycle status. Completed tasks keep
// their terminal status here; reverting one is an administrative edit and
// goes through UpdateTask.
func (e Engine) ChangeStatus(ctx context.Context, taskID, status string, progress *int, actorID, actorName string) (domain.Task, error) {
	newStatus, ok := domain.ParseTaskStatus(status)
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if progress != nil && (*progress < 0 || *progress > 100) {
		return domain.Task{}, fmt.Errorf("%w: progress must be between 0 and 100", ErrValidation)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.StatusCompleted && newStatus != domain.StatusCompleted {
		return t, fmt.Errorf("%w: task %s is completed", ErrStateConflict, taskID)
	}
	if newStatus == domain.StatusReturned && !t.AllowRejection {
		return t, fmt.Errorf("%w: task %s does not allow rejection", ErrStateConflict, taskID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	old := t.Status
	t.Status = newStatus
	if progress != nil {
		t.Progress = *progress
	}
	if newStatus == domain.StatusCompleted {
		t.Progress = 100
	}
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.History.Append(ctx, tx, t.ID, "status_changed", actorID, actorName,
		fmt.Sprintf("%s -> %s", old, newStatus)); err != nil {
		return t, err
	}
	if err := e.refreshAggregatesTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// UpdateProgress sets the completion percentage without touching status.
func (e Engine) UpdateProgress(ctx context.Context, taskID string, value int, actorID, actorName string) (domain.Task, error) {
	if value < 0 || value > 100 {
		return domain.Task{}, fmt.Errorf("%w: progress must be between 0 and 100", ErrValidation)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	t.Progress = value
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.History.Append(ctx, tx, t.ID, "progress_updated", actorID, actorName,
		fmt.Sprintf("%d%%", value)); err != nil {
		return t, err
	}
	if err := e.refreshAggregatesTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// ReportProblem files an open problem against a task and returns the derived
// notification for it.
func (e Engine) ReportProblem(ctx context.Context, taskID, description, reporterID, reporterName string) (domain.TaskProblem, domain.Notification, error) {
	if len(strings.TrimSpace(description)) < 5 {
		return domain.TaskProblem{}, domain.Notification{}, fmt.Errorf("%w: problem description must be at least 5 characters", ErrValidation)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.TaskProblem{}, domain.Notification{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskProblem{}, domain.Notification{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	p := domain.TaskProblem{
		ID:          uuid.New().String(),
		TaskID:      t.ID,
		ReporterID:  reporterID,
		Description: strings.TrimSpace(description),
		Status:      domain.ProblemOpen,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertProblem(ctx, tx, p); err != nil {
		return p, domain.Notification{}, err
	}
	if err := e.History.Append(ctx, tx, t.ID, "problem_reported", reporterID, reporterName, p.Description); err != nil {
		return p, domain.Notification{}, err
	}
	if err := tx.Commit(); err != nil {
		return p, domain.Notification{}, err
	}

	severity := domain.SeverityWarning
	if t.Status == domain.StatusBlocked {
		severity = domain.SeverityDanger
	}
	n := domain.Notification{
		ID:        uuid.New().String(),
		Message:   fmt.Sprintf("Problem reported on %q (%s): %s", t.Title, t.Status, p.Description),
		Severity:  severity,
		CreatedAt: now,
		Link:      "/app/tasks/alerts",
	}
	return p, n, nil
}

// ResolveProblem closes an open problem. Resolution text is only stored on
// the resolved record.
func (e Engine) ResolveProblem(ctx context.Context, problemID, resolution, actorID, actorName string) (domain.TaskProblem, error) {
	p, err := e.Repo.GetProblem(ctx, problemID)
	if err != nil {
		return p, err
	}
	if p.Status != domain.ProblemOpen {
		return p, fmt.Errorf("%w: problem %s is already resolved", ErrStateConflict, problemID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	p.Status = domain.ProblemResolved
	p.ResolvedAt = &now
	if s := strings.TrimSpace(resolution); s != "" {
		p.Resolution = &s
	}
	if err := e.Repo.UpdateProblem(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.History.Append(ctx, tx, p.TaskID, "problem_resolved", actorID, actorName, resolution); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// TaskUpdateOptions encapsulates allowed administrative edits.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Priority    *string
	Deadline    *string
	OwnerID     *string
	Status      *string
	Progress    *int
	Tags        []string
	ActorID     string
	ActorName   string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	reassignedFrom := ""
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return t, fmt.Errorf("%w: title is required", ErrValidation)
		}
		t.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		t.Description = strings.TrimSpace(*opts.Description)
	}
	if opts.Priority != nil {
		prio, ok := domain.ParsePriority(*opts.Priority)
		if !ok {
			return t, fmt.Errorf("%w: unknown priority %q", ErrValidation, *opts.Priority)
		}
		t.Priority = prio
	}
	if opts.Deadline != nil {
		if _, err := time.Parse(time.RFC3339, *opts.Deadline); err != nil {
			return t, fmt.Errorf("%w: deadline must be RFC 3339", ErrValidation)
		}
		t.Deadline = *opts.Deadline
	}
	if opts.OwnerID != nil && *opts.OwnerID != t.OwnerID {
		if _, err := e.Repo.GetUser(ctx, *opts.OwnerID); err != nil {
			return t, fmt.Errorf("owner %s: %w", *opts.OwnerID, err)
		}
		reassignedFrom = t.OwnerID
		t.OwnerID = *opts.OwnerID
	}
	if opts.Status != nil {
		st, ok := domain.ParseTaskStatus(*opts.Status)
		if !ok {
			return t, fmt.Errorf("%w: unknown status %q", ErrValidation, *opts.Status)
		}
		t.Status = st
	}
	if opts.Progress != nil {
		if *opts.Progress < 0 || *opts.Progress > 100 {
			return t, fmt.Errorf("%w: progress must be between 0 and 100", ErrValidation)
		}
		t.Progress = *opts.Progress
	}
	// progress consistency holds regardless of which fields were edited
	if t.Status == domain.StatusCompleted {
		t.Progress = 100
	}
	if opts.Tags != nil {
		t.Tags = opts.Tags
	}
	t.UpdatedAt = e.nowRFC3339()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if reassignedFrom != "" {
		if err := e.History.Append(ctx, tx, t.ID, "reassigned", opts.ActorID, opts.ActorName,
			fmt.Sprintf("%s -> %s", reassignedFrom, t.OwnerID)); err != nil {
			return t, err
		}
	}
	if err := e.History.Append(ctx, tx, t.ID, "updated", opts.ActorID, opts.ActorName, ""); err != nil {
		return t, err
	}
	if err := e.refreshAggregatesTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, opts.ID)
}

// refreshAggregatesTx recomputes the owning stage and instance after a task
// mutation. No-op for free-standing tasks.
func (e Engine) refreshAggregatesTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if t.FlowInstanceID == nil {
		return nil
	}
	return e.recomputeAggregatesTx(ctx, tx, *t.FlowInstanceID)
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// GetTask returns a task with problems, history and sub-tasks attached.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	tasks, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}
