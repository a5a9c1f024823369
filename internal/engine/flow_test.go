package engine_test

import (
	"errors"
	"testing"
	"time"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/repo"
)

func (env testEnv) createTemplate(t *testing.T) domain.FlowTemplate {
	t.Helper()
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateOptions{
		Name:                "Employee Onboarding",
		Description:         "From signed contract to first day",
		TypicalDurationDays: 14,
		Stages: []engine.StageOptions{
			{Name: "Paperwork", OwnerRole: "FUNCTIONARY", ExpectedDurationDays: 5},
			{Name: "Equipment", OwnerRole: "ADMIN", ExpectedDurationDays: 9},
		},
		ActorID: env.Admin.ID,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}

func (env testEnv) instantiate(t *testing.T, tpl domain.FlowTemplate, owner domain.User) domain.FlowInstance {
	t.Helper()
	inst, err := env.Engine.Instantiate(env.Ctx, engine.InstantiateOptions{
		TemplateID:  tpl.ID,
		Name:        "Onboarding: D. Field",
		OwnerUnitID: "unit-hr",
		KickoffDate: "2024-01-01T00:00:00Z",
		DueDate:     "2024-01-15T00:00:00Z",
		Tasks: map[string][]engine.StageTaskOptions{
			tpl.Stages[0].ID: {
				{Title: "Collect signed contract", Description: "a sufficiently long description", OwnerID: owner.ID, DueInDays: 3},
				{Title: "File tax forms", Description: "a sufficiently long description", OwnerID: owner.ID, DueInDays: 5},
			},
			tpl.Stages[1].ID: {
				{Title: "Order laptop", Description: "a sufficiently long description", OwnerID: owner.ID, DueInDays: 9},
			},
		},
		ActorID:   env.Admin.ID,
		ActorName: env.Admin.FullName,
	})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return inst
}

func TestCreateTemplateValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateOptions{Name: "Empty", ActorID: env.Admin.ID})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("no stages: got %v, want ErrValidation", err)
	}
	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateOptions{
		Name:   "Bad role",
		Stages: []engine.StageOptions{{Name: "Stage", OwnerRole: "WIZARD", ExpectedDurationDays: 3}},
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("unknown role: got %v, want ErrValidation", err)
	}
	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateOptions{
		Name:   "Bad duration",
		Stages: []engine.StageOptions{{Name: "Stage", OwnerRole: "ADMIN", ExpectedDurationDays: 0}},
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("zero duration: got %v, want ErrValidation", err)
	}
}

func TestUpdateTemplateKeepsStageIDs(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.createTemplate(t)
	keep := tpl.Stages[0].ID

	updated, err := env.Engine.UpdateTemplate(env.Ctx, engine.TemplateOptions{
		ID:   tpl.ID,
		Name: "Employee Onboarding v2",
		Stages: []engine.StageOptions{
			{ID: keep, Name: "Paperwork", OwnerRole: "FUNCTIONARY", ExpectedDurationDays: 4},
			{Name: "Security briefing", OwnerRole: "ADMIN", ExpectedDurationDays: 2},
		},
		ActorID: env.Admin.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Stages[0].ID != keep {
		t.Fatalf("stage ID changed: %s != %s", updated.Stages[0].ID, keep)
	}
	if updated.Stages[1].ID == "" || updated.Stages[1].ID == tpl.Stages[1].ID {
		t.Fatalf("new stage should get a fresh ID")
	}
}

func TestInstantiateRejectionsLeaveNoRows(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)

	cases := []struct {
		name string
		opts engine.InstantiateOptions
		want error
	}{
		{
			name: "empty stage",
			opts: engine.InstantiateOptions{
				TemplateID: tpl.ID, Name: "x", OwnerUnitID: "unit-hr",
				KickoffDate: "2024-01-01T00:00:00Z", DueDate: "2024-01-15T00:00:00Z",
				Tasks: map[string][]engine.StageTaskOptions{
					tpl.Stages[0].ID: {{Title: "only one stage staffed", Description: "a sufficiently long description", OwnerID: owner.ID}},
				},
				ActorID: env.Admin.ID,
			},
			want: engine.ErrIncompleteInput,
		},
		{
			name: "unowned task",
			opts: engine.InstantiateOptions{
				TemplateID: tpl.ID, Name: "x", OwnerUnitID: "unit-hr",
				KickoffDate: "2024-01-01T00:00:00Z", DueDate: "2024-01-15T00:00:00Z",
				Tasks: map[string][]engine.StageTaskOptions{
					tpl.Stages[0].ID: {{Title: "nobody owns this", Description: "a sufficiently long description"}},
					tpl.Stages[1].ID: {{Title: "fine", Description: "a sufficiently long description", OwnerID: owner.ID}},
				},
				ActorID: env.Admin.ID,
			},
			want: engine.ErrIncompleteInput,
		},
		{
			name: "kickoff after due",
			opts: engine.InstantiateOptions{
				TemplateID: tpl.ID, Name: "x", OwnerUnitID: "unit-hr",
				KickoffDate: "2024-02-01T00:00:00Z", DueDate: "2024-01-15T00:00:00Z",
				Tasks: map[string][]engine.StageTaskOptions{
					tpl.Stages[0].ID: {{Title: "fine", Description: "a sufficiently long description", OwnerID: owner.ID}},
					tpl.Stages[1].ID: {{Title: "fine", Description: "a sufficiently long description", OwnerID: owner.ID}},
				},
				ActorID: env.Admin.ID,
			},
			want: engine.ErrValidation,
		},
	}
	for _, tc := range cases {
		if _, err := env.Engine.Instantiate(env.Ctx, tc.opts); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	instances, err := env.Engine.ListInstances(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 0 {
		t.Fatalf("rejected launches left %d instance(s)", len(instances))
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected launches left %d task(s)", len(tasks))
	}
}

func TestInstantiateSnapshotsTemplate(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)
	inst := env.instantiate(t, tpl, owner)

	if len(inst.Stages) != 2 {
		t.Fatalf("stage statuses = %d, want 2", len(inst.Stages))
	}
	for _, ss := range inst.Stages {
		if ss.Status != domain.StatusPending || ss.Progress != 0 {
			t.Fatalf("stage status %s starts %s/%d, want pending/0", ss.ID, ss.Status, ss.Progress)
		}
	}
	if inst.Stages[0].Stage.Name != "Paperwork" {
		t.Fatalf("snapshot missing stage definition: %+v", inst.Stages[0].Stage)
	}

	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{FlowInstanceID: inst.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Title == "Collect signed contract" && task.Deadline != "2024-01-04T00:00:00Z" {
			t.Fatalf("deadline = %s, want kickoff + 3 days", task.Deadline)
		}
	}
}

func TestAggregatesRollUp(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)
	inst := env.instantiate(t, tpl, owner)

	paperwork, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{StageStatusID: inst.Stages[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range paperwork {
		if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "completed", nil, env.Admin.ID, ""); err != nil {
			t.Fatal(err)
		}
	}

	got, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stages[0].Status != domain.StatusCompleted || got.Stages[0].Progress != 100 {
		t.Fatalf("stage 1 = %s/%d, want completed/100", got.Stages[0].Status, got.Stages[0].Progress)
	}
	if got.Stages[1].Status != domain.StatusPending {
		t.Fatalf("stage 2 = %s, want pending", got.Stages[1].Status)
	}
	if got.Progress != 50 {
		t.Fatalf("instance progress = %d, want 50", got.Progress)
	}
	if got.Health != domain.HealthOnTrack {
		t.Fatalf("health = %s, want on_track", got.Health)
	}
}

func TestBlockedTaskOutweighsProgress(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)
	inst := env.instantiate(t, tpl, owner)

	paperwork, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{StageStatusID: inst.Stages[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	half := 50
	if _, err := env.Engine.ChangeStatus(env.Ctx, paperwork[0].ID, "in_progress", &half, owner.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, paperwork[1].ID, "blocked", nil, owner.ID, ""); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stages[0].Status != domain.StatusBlocked {
		t.Fatalf("stage = %s, want blocked", got.Stages[0].Status)
	}
	if got.Health != domain.HealthAtRisk {
		t.Fatalf("health = %s, want at_risk", got.Health)
	}
}

func TestHealthDelayedPastDue(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)
	inst := env.instantiate(t, tpl, owner)

	// move the clock past the instance due date
	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }
	got, err := env.Engine.RecomputeAggregates(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Health != domain.HealthDelayed {
		t.Fatalf("health = %s, want delayed", got.Health)
	}
}

func TestRecomputeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)
	inst := env.instantiate(t, tpl, owner)

	first, err := env.Engine.RecomputeAggregates(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.RecomputeAggregates(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Progress != second.Progress || first.Health != second.Health {
		t.Fatalf("recompute drifted: %d/%s then %d/%s", first.Progress, first.Health, second.Progress, second.Health)
	}
}

func TestDeleteTemplateInUse(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)
	inst := env.instantiate(t, tpl, owner)

	if err := env.Engine.DeleteTemplate(env.Ctx, tpl.ID); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("got %v, want ErrStateConflict while instance exists", err)
	}
	if err := env.Engine.DeleteInstance(env.Ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTemplate(env.Ctx, tpl.ID); err != nil {
		t.Fatalf("delete after instance removal: %v", err)
	}
}

func TestDeleteInstanceCascades(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Dana Field", "dana@example.com", "FUNCTIONARY")
	tpl := env.createTemplate(t)
	inst := env.instantiate(t, tpl, owner)

	if err := env.Engine.DeleteInstance(env.Ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetInstance(env.Ctx, inst.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("instance still readable: %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{FlowInstanceID: inst.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("cascade left %d task(s)", len(tasks))
	}
}
