// Package normalize converts loosely-typed external records into canonical
// domain objects. Enum literals are case-folded, missing collections become
// empty slices and missing timestamps are backfilled, so downstream code
// never has to re-validate. All functions are pure and idempotent.
package normalize

import (
	"errors"
	"time"

	"flowdesk/internal/domain"
)

// ErrMalformedRecord reports a record with no identifier. Everything else is
// defaulted rather than rejected; a missing id is a contract violation.
var ErrMalformedRecord = errors.New("malformed record: missing id")

// RawTask mirrors the wire shape of a task record: optional everywhere,
// enum literals in whatever case the producer used.
type RawTask struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Status         string       `json:"status"`
	OwnerID        string       `json:"ownerId"`
	AssignerID     string       `json:"assignerId"`
	OwnerUnitID    *string      `json:"ownerUnitId"`
	FlowInstanceID *string      `json:"flowInstanceId"`
	StageStatusID  *string      `json:"stageStatusId"`
	Priority       string       `json:"priority"`
	Deadline       string       `json:"deadline"`
	CreatedAt      string       `json:"createdAt"`
	UpdatedAt      string       `json:"updatedAt"`
	Progress       *int         `json:"progress"`
	DurationDays   *int         `json:"durationDays"`
	AllowRejection *bool        `json:"allowRejection"`
	Dependencies   []string     `json:"dependencies"`
	RelatedTaskIDs []string     `json:"relatedTaskIds"`
	Tags           []string     `json:"tags"`
	Problems       []RawProblem `json:"problems"`
	History        []domain.TaskHistoryEntry `json:"history"`
	SubTasks       []RawSubTask `json:"subTasks"`
}

type RawProblem struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"taskId"`
	ReporterID  string  `json:"reporterId"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
	ResolvedAt  *string `json:"resolvedAt"`
	Resolution  *string `json:"resolution"`
}

type RawSubTask struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	AssigneeID string `json:"assigneeId"`
	Progress   *int   `json:"progress"`
	Deadline   string `json:"deadline"`
}

type RawWorkload struct {
	UserID     string `json:"userId"`
	OwnerID    string `json:"ownerId"`
	Assigned   *int   `json:"assigned"`
	InProgress *int   `json:"inProgress"`
	Blocked    *int   `json:"blocked"`
	Overdue    *int   `json:"overdue"`
	Capacity   *int   `json:"capacity"`
}

// Task canonicalizes a raw task record. now anchors the timestamp backfill
// chain: updatedAt falls back to createdAt, createdAt to the deadline, the
// deadline to now, so every task carries three well-ordered timestamps.
func Task(raw RawTask, now time.Time) (domain.Task, error) {
	if raw.ID == "" {
		return domain.Task{}, ErrMalformedRecord
	}
	status, _ := domain.ParseTaskStatus(raw.Status)
	priority, _ := domain.ParsePriority(raw.Priority)

	deadline := raw.Deadline
	if deadline == "" {
		deadline = now.UTC().Format(time.RFC3339)
	}
	createdAt := raw.CreatedAt
	if createdAt == "" {
		createdAt = deadline
	}
	updatedAt := raw.UpdatedAt
	if updatedAt == "" {
		updatedAt = createdAt
	}

	t := domain.Task{
		ID:             raw.ID,
		Title:          raw.Title,
		Description:    raw.Description,
		Status:         status,
		OwnerID:        raw.OwnerID,
		AssignerID:     raw.AssignerID,
		OwnerUnitID:    raw.OwnerUnitID,
		FlowInstanceID: raw.FlowInstanceID,
		StageStatusID:  raw.StageStatusID,
		Priority:       priority,
		Deadline:       deadline,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		Progress:       intOrZero(raw.Progress),
		DurationDays:   intOrZero(raw.DurationDays),
		AllowRejection: raw.AllowRejection == nil || *raw.AllowRejection,
		Dependencies:   emptyIfNil(raw.Dependencies),
		RelatedTaskIDs: emptyIfNil(raw.RelatedTaskIDs),
		Tags:           emptyIfNil(raw.Tags),
		Problems:       []domain.TaskProblem{},
		History:        raw.History,
		SubTasks:       []domain.SubTask{},
	}
	if t.History == nil {
		t.History = []domain.TaskHistoryEntry{}
	}
	for _, p := range raw.Problems {
		t.Problems = append(t.Problems, Problem(p, raw.ID))
	}
	for _, s := range raw.SubTasks {
		t.SubTasks = append(t.SubTasks, SubTask(s, raw.ID))
	}
	return t, nil
}

// Problem canonicalizes a raw problem record. taskID fills a missing parent
// reference when the problem arrived nested under its task.
func Problem(raw RawProblem, taskID string) domain.TaskProblem {
	status, _ := domain.ParseProblemStatus(raw.Status)
	if raw.TaskID == "" {
		raw.TaskID = taskID
	}
	p := domain.TaskProblem{
		ID:          raw.ID,
		TaskID:      raw.TaskID,
		ReporterID:  raw.ReporterID,
		Description: raw.Description,
		Status:      status,
		CreatedAt:   raw.CreatedAt,
		ResolvedAt:  raw.ResolvedAt,
	}
	// Resolution text only survives on resolved problems.
	if status == domain.ProblemResolved {
		p.Resolution = raw.Resolution
	}
	return p
}

func SubTask(raw RawSubTask, taskID string) domain.SubTask {
	status, _ := domain.ParseTaskStatus(raw.Status)
	if raw.TaskID == "" {
		raw.TaskID = taskID
	}
	return domain.SubTask{
		ID:         raw.ID,
		TaskID:     raw.TaskID,
		Title:      raw.Title,
		Status:     status,
		AssigneeID: raw.AssigneeID,
		Progress:   intOrZero(raw.Progress),
		Deadline:   raw.Deadline,
	}
}

// Workload guarantees capacity is at least 1 so derived utilization never
// divides by zero; an unspecified capacity defaults to the assigned count.
func Workload(raw RawWorkload) domain.WorkloadSummary {
	userID := raw.UserID
	if userID == "" {
		userID = raw.OwnerID
	}
	if userID == "" {
		userID = "unknown"
	}
	assigned := intOrZero(raw.Assigned)
	capacity := assigned
	if raw.Capacity != nil {
		capacity = *raw.Capacity
	}
	if capacity < 1 {
		capacity = 1
	}
	return domain.WorkloadSummary{
		UserID:     userID,
		Assigned:   assigned,
		InProgress: intOrZero(raw.InProgress),
		Blocked:    intOrZero(raw.Blocked),
		Overdue:    intOrZero(raw.Overdue),
		Capacity:   capacity,
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
