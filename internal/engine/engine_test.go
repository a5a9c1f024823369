package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowdesk/internal/app"
	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
	"flowdesk/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Admin  domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-workspace")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := app.Seed(ctx, eng, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	admin, err := eng.Repo.GetUserByEmail(ctx, "admin@flowdesk.local")
	if err != nil {
		t.Fatalf("admin user: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Admin: admin}
}

func (env testEnv) createUser(t *testing.T, name, email, roleKey string) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		FullName: name,
		Email:    email,
		Password: "secret",
		RoleKey:  roleKey,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func (env testEnv) createTask(t *testing.T, owner domain.User, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:       title,
		Description: "a sufficiently long description",
		OwnerID:     owner.ID,
		AssignerID:  env.Admin.ID,
		Deadline:    "2024-02-01T00:00:00Z",
		ActorID:     env.Admin.ID,
		ActorName:   env.Admin.FullName,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	if task.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.Progress != 0 {
		t.Fatalf("progress = %d, want 0", task.Progress)
	}
	if task.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want medium", task.Priority)
	}
	if task.Tags == nil || task.Dependencies == nil || task.RelatedTaskIDs == nil {
		t.Fatalf("collections must not be nil")
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 1 || got.History[0].Action != "created" {
		t.Fatalf("history = %+v, want one created entry", got.History)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Short one", Description: "too short", OwnerID: owner.ID,
		AssignerID: env.Admin.ID, Deadline: "2024-02-01T00:00:00Z", ActorID: env.Admin.ID,
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("short description: got %v, want ErrValidation", err)
	}

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "No deadline", Description: "a sufficiently long description",
		OwnerID: owner.ID, AssignerID: env.Admin.ID, ActorID: env.Admin.ID,
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("missing deadline: got %v, want ErrValidation", err)
	}

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Ghost owner", Description: "a sufficiently long description",
		OwnerID: "no-such-user", AssignerID: env.Admin.ID,
		Deadline: "2024-02-01T00:00:00Z", ActorID: env.Admin.ID,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown owner: got %v, want ErrNotFound", err)
	}
}

func TestChangeStatusCompletedForcesFullProgress(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	got, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "completed", nil, env.Admin.ID, env.Admin.FullName)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted || got.Progress != 100 {
		t.Fatalf("got %s/%d, want completed/100", got.Status, got.Progress)
	}
}

func TestChangeStatusRejectsUnknownLiteral(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	_, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "paused", nil, env.Admin.ID, "")
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestCompletedRevertGoesThroughUpdateTask(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "completed", nil, env.Admin.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", nil, env.Admin.ID, "")
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("lifecycle revert: got %v, want ErrStateConflict", err)
	}

	status := "in_progress"
	progress := 40
	got, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Status: &status, Progress: &progress, ActorID: env.Admin.ID,
	})
	if err != nil {
		t.Fatalf("administrative revert: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.Progress != 40 {
		t.Fatalf("got %s/%d, want in_progress/40", got.Status, got.Progress)
	}
}

func TestReturnedRequiresAllowRejection(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	noReject := false
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Mandatory filing", Description: "a sufficiently long description",
		OwnerID: owner.ID, AssignerID: env.Admin.ID,
		Deadline: "2024-02-01T00:00:00Z", AllowRejection: &noReject, ActorID: env.Admin.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, task.ID, "returned", nil, owner.ID, owner.FullName)
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("got %v, want ErrStateConflict", err)
	}
}

func TestUpdateProgressBoundsAndStatus(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	for _, bad := range []int{-1, 101} {
		if _, err := env.Engine.UpdateProgress(env.Ctx, task.ID, bad, owner.ID, ""); !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("progress %d: got %v, want ErrValidation", bad, err)
		}
	}
	got, err := env.Engine.UpdateProgress(env.Ctx, task.ID, 60, owner.ID, owner.FullName)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 60 {
		t.Fatalf("progress = %d, want 60", got.Progress)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status changed to %s; UpdateProgress must not touch status", got.Status)
	}
}

func TestReportProblemSeverity(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	_, _, err := env.Engine.ReportProblem(env.Ctx, task.ID, "hm", owner.ID, owner.FullName)
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("short description: got %v, want ErrValidation", err)
	}

	_, note, err := env.Engine.ReportProblem(env.Ctx, task.ID, "missing paperwork", owner.ID, owner.FullName)
	if err != nil {
		t.Fatal(err)
	}
	if note.Severity != domain.SeverityWarning {
		t.Fatalf("severity = %s, want warning for non-blocked task", note.Severity)
	}
	if note.Link != "/app/tasks/alerts" {
		t.Fatalf("link = %s", note.Link)
	}

	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "blocked", nil, owner.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, note, err = env.Engine.ReportProblem(env.Ctx, task.ID, "still missing paperwork", owner.ID, owner.FullName)
	if err != nil {
		t.Fatal(err)
	}
	if note.Severity != domain.SeverityDanger {
		t.Fatalf("severity = %s, want danger for blocked task", note.Severity)
	}
}

func TestResolveProblemOnce(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	p, _, err := env.Engine.ReportProblem(env.Ctx, task.ID, "missing paperwork", owner.ID, owner.FullName)
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := env.Engine.ResolveProblem(env.Ctx, p.ID, "paperwork located", env.Admin.ID, env.Admin.FullName)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.ProblemResolved || resolved.ResolvedAt == nil {
		t.Fatalf("got %+v, want resolved with timestamp", resolved)
	}
	if resolved.Resolution == nil || *resolved.Resolution != "paperwork located" {
		t.Fatalf("resolution = %v", resolved.Resolution)
	}
	_, err = env.Engine.ResolveProblem(env.Ctx, p.ID, "again", env.Admin.ID, "")
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("double resolve: got %v, want ErrStateConflict", err)
	}
}

func TestReassignmentAppendsHistory(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	next := env.createUser(t, "Eli Ward", "eli@example.com", "FUNCTIONARY")
	task := env.createTask(t, owner, "Prepare onboarding packet")

	got, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, OwnerID: &next.ID, ActorID: env.Admin.ID, ActorName: env.Admin.FullName,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.OwnerID != next.ID {
		t.Fatalf("owner = %s, want %s", got.OwnerID, next.ID)
	}
	found := false
	for _, h := range got.History {
		if h.Action == "reassigned" {
			found = true
		}
	}
	if !found {
		t.Fatalf("history %+v missing reassigned entry", got.History)
	}
}

func TestDuplicateEmailConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	_, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		FullName: "Dana Clone", Email: "DANA@example.com", Password: "secret", RoleKey: "DESIGNER",
	})
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("got %v, want ErrStateConflict", err)
	}
}

func TestUnitCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.Engine.CreateUnit(env.Ctx, "Operations", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	child, err := env.Engine.CreateUnit(env.Ctx, "Field Ops", &root.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.UpdateUnit(env.Ctx, root.ID, nil, &child.ID, nil)
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation on cycle", err)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")

	if _, err := env.Engine.Authenticate(env.Ctx, "dana@example.com", "wrong"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "ghost@example.com", "secret"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("unknown email: got %v", err)
	}
	u, err := env.Engine.Authenticate(env.Ctx, "dana@example.com", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if u.LastLogin == nil {
		t.Fatalf("last login not stamped")
	}
}
