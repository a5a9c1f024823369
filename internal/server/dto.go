package server

import "flowdesk/internal/domain"

// Request bodies. Responses reuse the domain types, which already carry the
// wire-facing JSON tags.

type LoginRequest struct {
	Email    string `json:"email" example:"dana@example.com"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type RegisterRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateUnitRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId,omitempty"`
	LeadID   *string `json:"leadId,omitempty"`
}

type UpdateUnitRequest struct {
	Name     *string `json:"name,omitempty"`
	ParentID *string `json:"parentId,omitempty"`
	LeadID   *string `json:"leadId,omitempty"`
}

type CreateUserRequest struct {
	FullName    string  `json:"fullName"`
	Email       string  `json:"email"`
	Password    string  `json:"password,omitempty"`
	Role        string  `json:"role" example:"FUNCTIONARY"`
	UnitID      *string `json:"unitId,omitempty"`
	AvatarColor *string `json:"avatarColor,omitempty"`
	Title       *string `json:"title,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	About       *string `json:"about,omitempty"`
}

type UpdateUserRequest struct {
	FullName    *string `json:"fullName,omitempty"`
	AvatarColor *string `json:"avatarColor,omitempty"`
	Title       *string `json:"title,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	About       *string `json:"about,omitempty"`
	Role        *string `json:"role,omitempty"`
	UnitID      *string `json:"unitId,omitempty"`
	Password    *string `json:"password,omitempty"`
}

type CreateTaskRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	OwnerID        string   `json:"ownerId"`
	OwnerUnitID    *string  `json:"ownerUnitId,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Deadline       string   `json:"deadline" format:"date-time"`
	DurationDays   int      `json:"durationDays,omitempty"`
	AllowRejection *bool    `json:"allowRejection,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	RelatedTaskIDs []string `json:"relatedTaskIds,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty"`
	Deadline    *string  `json:"deadline,omitempty" format:"date-time"`
	OwnerID     *string  `json:"ownerId,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Progress    *int     `json:"progress,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type ChangeStatusRequest struct {
	Status   string `json:"status" example:"in_progress"`
	Progress *int   `json:"progress,omitempty"`
}

type UpdateProgressRequest struct {
	Progress int `json:"progress" minimum:"0" maximum:"100"`
}

type ReportProblemRequest struct {
	Description string `json:"description"`
}

type ReportProblemResponse struct {
	Problem      domain.TaskProblem  `json:"problem"`
	Notification domain.Notification `json:"notification"`
}

type ResolveProblemRequest struct {
	Resolution string `json:"resolution,omitempty"`
}

type StageRequest struct {
	ID                   string `json:"id,omitempty"`
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	ExpectedDurationDays int    `json:"expectedDurationDays"`
	OwnerRole            string `json:"ownerRole" example:"DESIGNER"`
	ExitCriteria         string `json:"exitCriteria,omitempty"`
}

type TemplateRequest struct {
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	BusinessObjective   string         `json:"businessObjective,omitempty"`
	TypicalDurationDays int            `json:"typicalDurationDays,omitempty"`
	Stages              []StageRequest `json:"stages"`
}

type StageTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	OwnerID     string `json:"ownerId"`
	Priority    string `json:"priority,omitempty"`
	DueInDays   int    `json:"dueInDays,omitempty"`
}

type InstantiateRequest struct {
	TemplateID  string                        `json:"templateId"`
	Name        string                        `json:"name"`
	OwnerUnitID string                        `json:"ownerUnitId"`
	KickoffDate string                        `json:"kickoffDate" format:"date-time"`
	DueDate     string                        `json:"dueDate" format:"date-time"`
	Tasks       map[string][]StageTaskRequest `json:"tasks"`
}
