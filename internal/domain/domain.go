package domain

import "strings"

// Enum-like values are closed string types, normalized once at the boundary.

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
	StatusReturned   TaskStatus = "returned"
)

// ParseTaskStatus case-folds a status literal. The second return reports
// whether the literal was one of the five known values.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusInProgress:
		return StatusInProgress, true
	case StatusBlocked:
		return StatusBlocked, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusReturned:
		return StatusReturned, true
	}
	return StatusPending, false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityCritical:
		return PriorityCritical, true
	}
	return PriorityMedium, false
}

type ProblemStatus string

const (
	ProblemOpen     ProblemStatus = "open"
	ProblemResolved ProblemStatus = "resolved"
)

func ParseProblemStatus(s string) (ProblemStatus, bool) {
	switch ProblemStatus(strings.ToLower(strings.TrimSpace(s))) {
	case ProblemOpen:
		return ProblemOpen, true
	case ProblemResolved:
		return ProblemResolved, true
	}
	return ProblemOpen, false
}

type Health string

const (
	HealthOnTrack Health = "on_track"
	HealthAtRisk  Health = "at_risk"
	HealthDelayed Health = "delayed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

type RoleKey string

const (
	RoleAdmin       RoleKey = "ADMIN"
	RoleDesigner    RoleKey = "DESIGNER"
	RoleFunctionary RoleKey = "FUNCTIONARY"
)

func ParseRoleKey(s string) (RoleKey, bool) {
	switch RoleKey(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleDesigner:
		return RoleDesigner, true
	case RoleFunctionary:
		return RoleFunctionary, true
	}
	return RoleFunctionary, false
}

// Role is one entry of the immutable seeded role catalog.
type Role struct {
	ID          string   `json:"id"`
	Key         RoleKey  `json:"key" enum:"ADMIN,DESIGNER,FUNCTIONARY"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

// Unit is an organizational unit. Units form a tree via ParentID; a unit is
// never its own ancestor.
type Unit struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ParentID *string `json:"parentId,omitempty"`
	LeadID   *string `json:"leadId,omitempty"`
}

type User struct {
	ID          string  `json:"id"`
	FullName    string  `json:"fullName"`
	Email       string  `json:"email"`
	RoleID      string  `json:"roleId"`
	UnitID      *string `json:"unitId,omitempty"`
	AvatarColor *string `json:"avatarColor,omitempty"`
	Title       *string `json:"title,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	About       *string `json:"about,omitempty"`
	Workload    int     `json:"workload"`
	LastLogin   *string `json:"lastLogin,omitempty" format:"date-time"`

	// PasswordHash never leaves the persistence boundary.
	PasswordHash string `json:"-"`
}

type TaskHistoryEntry struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"taskId"`
	Action          string  `json:"action"`
	PerformedBy     *string `json:"performedBy,omitempty"`
	PerformedByName *string `json:"performedByName,omitempty"`
	Timestamp       string  `json:"timestamp" format:"date-time"`
	Notes           string  `json:"notes,omitempty"`
}

// TaskProblem is a reported blocker against a task. Resolution text is only
// ever set once the problem is resolved.
type TaskProblem struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"taskId"`
	ReporterID  string        `json:"reporterId"`
	Description string        `json:"description"`
	Status      ProblemStatus `json:"status" enum:"open,resolved"`
	CreatedAt   string        `json:"createdAt" format:"date-time"`
	ResolvedAt  *string       `json:"resolvedAt,omitempty" format:"date-time"`
	Resolution  *string       `json:"resolution,omitempty"`
}

type SubTask struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status" enum:"pending,in_progress,blocked,completed,returned"`
	AssigneeID string     `json:"assigneeId"`
	Progress   int        `json:"progress"`
	Deadline   string     `json:"deadline" format:"date-time"`
}

// Task is a unit of assignable work, free-standing or bound to one stage
// status of a flow instance. Status completed implies progress 100.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status" enum:"pending,in_progress,blocked,completed,returned"`
	OwnerID        string     `json:"ownerId"`
	AssignerID     string     `json:"assignerId"`
	OwnerUnitID    *string    `json:"ownerUnitId,omitempty"`
	FlowInstanceID *string    `json:"flowInstanceId,omitempty"`
	StageStatusID  *string    `json:"stageStatusId,omitempty"`
	Priority       Priority   `json:"priority" enum:"low,medium,high,critical"`
	Deadline       string     `json:"deadline" format:"date-time"`
	CreatedAt      string     `json:"createdAt" format:"date-time"`
	UpdatedAt      string     `json:"updatedAt" format:"date-time"`
	Progress       int        `json:"progress"`
	DurationDays   int        `json:"durationDays"`
	AllowRejection bool       `json:"allowRejection"`

	Dependencies   []string `json:"dependencies"`
	RelatedTaskIDs []string `json:"relatedTaskIds"`
	Tags           []string `json:"tags"`

	Problems []TaskProblem      `json:"problems"`
	History  []TaskHistoryEntry `json:"history"`
	SubTasks []SubTask          `json:"subTasks"`
}

// FlowStage is one phase of a template. IDs are stable across template edits
// so stage statuses of existing instances keep resolving.
type FlowStage struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Description          string  `json:"description,omitempty"`
	ExpectedDurationDays int     `json:"expectedDurationDays"`
	OwnerRole            RoleKey `json:"ownerRole" enum:"ADMIN,DESIGNER,FUNCTIONARY"`
	ExitCriteria         string  `json:"exitCriteria,omitempty"`
}

type FlowTemplate struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Description         string      `json:"description,omitempty"`
	BusinessObjective   string      `json:"businessObjective,omitempty"`
	OwnerID             string      `json:"ownerId"`
	TypicalDurationDays int         `json:"typicalDurationDays"`
	LastUpdated         string      `json:"lastUpdated" format:"date-time"`
	Stages              []FlowStage `json:"stages"`
}

// StageStatus is the live state of one stage within one instance. The stage
// definition is snapshotted at instantiation time; template edits do not
// reach into it.
type StageStatus struct {
	ID       string     `json:"id"`
	StageID  string     `json:"stageId"`
	Status   TaskStatus `json:"status" enum:"pending,in_progress,blocked,completed,returned"`
	Progress int        `json:"progress"`
	OwnerID  *string    `json:"ownerId,omitempty"`
	Stage    FlowStage  `json:"stage"`
}

type FlowInstance struct {
	ID          string        `json:"id"`
	TemplateID  *string       `json:"templateId,omitempty"`
	OwnerUnitID string        `json:"ownerUnitId"`
	Name        string        `json:"name"`
	KickoffDate string        `json:"kickoffDate" format:"date-time"`
	DueDate     string        `json:"dueDate" format:"date-time"`
	Progress    int           `json:"progress"`
	Health      Health        `json:"health" enum:"on_track,at_risk,delayed"`
	Stages      []StageStatus `json:"stageStatuses"`
}

// Notification is derived and ephemeral, never persisted.
type Notification struct {
	ID        string   `json:"id"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity" enum:"info,warning,danger"`
	CreatedAt string   `json:"createdAt" format:"date-time"`
	Link      string   `json:"link,omitempty"`
}

// MetricSnapshot is one observation point derived from the task collection.
type MetricSnapshot struct {
	Date       string `json:"date" format:"date-time"`
	Completed  int    `json:"completed"`
	Delayed    int    `json:"delayed"`
	Reassigned int    `json:"reassigned"`
}

type WorkloadSummary struct {
	UserID     string `json:"userId"`
	Assigned   int    `json:"assigned"`
	InProgress int    `json:"inProgress"`
	Blocked    int    `json:"blocked"`
	Overdue    int    `json:"overdue"`
	Capacity   int    `json:"capacity"`
}
