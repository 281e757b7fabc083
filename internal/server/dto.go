package server

import (
	"encoding/json"

	"cycleline/internal/config"
	"cycleline/internal/domain"
	"cycleline/internal/engine"
)

// Request payloads

type CreateCycleRequest struct {
	ID   string  `json:"id"`
	Name *string `json:"name,omitempty"`
}

type CreateReportRequest struct {
	ID       *string `json:"id,omitempty"`
	Name     string  `json:"name"`
	LOB      *string `json:"lob,omitempty"`
	TesterID *string `json:"tester_id,omitempty"`
	OwnerID  *string `json:"owner_id,omitempty"`
}

type UpdateStaffingRequest struct {
	TesterID *string `json:"tester_id,omitempty"`
	OwnerID  *string `json:"owner_id,omitempty"`
}

type TransitionActivityRequest struct {
	Target string `json:"target" enum:"in_progress,completed"`
}

type JobCompleteRequest struct {
	JobID string `json:"job_id"`
}

type CreateAssignmentRequest struct {
	ID             *string        `json:"id,omitempty"`
	AssignmentType string         `json:"assignment_type"`
	CycleID        *string        `json:"cycle_id,omitempty"`
	ReportID       *string        `json:"report_id,omitempty"`
	PhaseName      *string        `json:"phase_name,omitempty"`
	ToUser         *string        `json:"to_user,omitempty"`
	ToRole         *string        `json:"to_role,omitempty"`
	Title          string         `json:"title"`
	Description    *string        `json:"description,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Priority       *string        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate        *string        `json:"due_date,omitempty" format:"date-time"`
}

type AssignmentActionRequest struct {
	ExpectedVersion *int64  `json:"expected_version,omitempty"`
	Notes           *string `json:"notes,omitempty"`
	// CompletionNotes is an accepted alias for notes.
	CompletionNotes *string        `json:"completion_notes,omitempty"`
	ContextUpdates  map[string]any `json:"context_updates,omitempty"`
}

type ApprovalItemRequest struct {
	Key         string  `json:"key"`
	Description *string `json:"description,omitempty"`
}

type SubmitApprovalRequest struct {
	AssignmentType string                `json:"assignment_type"`
	CycleID        *string               `json:"cycle_id,omitempty"`
	ReportID       *string               `json:"report_id,omitempty"`
	PhaseName      *string               `json:"phase_name,omitempty"`
	ToUser         *string               `json:"to_user,omitempty"`
	ToRole         *string               `json:"to_role,omitempty"`
	Title          *string               `json:"title,omitempty"`
	Description    *string               `json:"description,omitempty"`
	Items          []ApprovalItemRequest `json:"items"`
}

type DecideRequest struct {
	Decision        string  `json:"decision" enum:"approved,rejected,needs_revision"`
	Comments        *string `json:"comments,omitempty"`
	ExpectedVersion *int64  `json:"expected_version,omitempty"`
}

type ResubmitRequest struct {
	Comments *string `json:"comments,omitempty"`
}

type RoleChangeRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"tester,report_owner,data_executive,test_executive,admin"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type CycleResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,closed"`
	StartsAt  string `json:"starts_at,omitempty" format:"date-time"`
	EndsAt    string `json:"ends_at,omitempty" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ReportResponse struct {
	ID        string `json:"id"`
	CycleID   string `json:"cycle_id"`
	Name      string `json:"name"`
	LOB       string `json:"lob,omitempty"`
	TesterID  string `json:"tester_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PhaseResponse struct {
	CycleID        string `json:"cycle_id"`
	ReportID       string `json:"report_id"`
	PhaseName      string `json:"phase_name"`
	Ordinal        int    `json:"ordinal"`
	StartedAt      string `json:"started_at,omitempty" format:"date-time"`
	PlannedEndDate string `json:"planned_end_date,omitempty" format:"date-time"`
	CompletedAt    string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type ActivityResponse struct {
	CycleID      string `json:"cycle_id"`
	ReportID     string `json:"report_id"`
	PhaseName    string `json:"phase_name"`
	ActivityName string `json:"activity_name"`
	State        string `json:"state" enum:"pending,in_progress,completed"`
	Ordinal      int    `json:"ordinal"`
	Required     bool   `json:"required"`
	StartedAt    string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  string `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID              string         `json:"id"`
	AssignmentType  string         `json:"assignment_type"`
	CycleID         string         `json:"cycle_id"`
	ReportID        string         `json:"report_id,omitempty"`
	PhaseName       string         `json:"phase_name,omitempty"`
	FromUser        string         `json:"from_user"`
	ToUser          string         `json:"to_user,omitempty"`
	ToRole          string         `json:"to_role,omitempty"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Status          string         `json:"status" enum:"assigned,acknowledged,in_progress,completed,approved,rejected,cancelled,escalated"`
	Priority        string         `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate         string         `json:"due_date,omitempty" format:"date-time"`
	Overdue         bool           `json:"overdue"`
	Revision        int            `json:"revision"`
	Version         int64          `json:"version"`
	CompletionNotes string         `json:"completion_notes,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	AcknowledgedAt  string         `json:"acknowledged_at,omitempty" format:"date-time"`
	StartedAt       string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     string         `json:"completed_at,omitempty" format:"date-time"`
}

type ApprovalItemResponse struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	ItemKey      string `json:"item_key"`
	Description  string `json:"description,omitempty"`
	Decision     string `json:"decision" enum:"pending,approved,rejected,needs_revision"`
	Comments     string `json:"comments,omitempty"`
	DecidedBy    string `json:"decided_by,omitempty"`
	DecidedAt    string `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type ApprovalResponse struct {
	Assignment  AssignmentResponse     `json:"assignment"`
	Items       []ApprovalItemResponse `json:"items"`
	AllDecided  bool                   `json:"all_decided"`
	AllApproved bool                   `json:"all_approved"`
}

type GateStatusResponse struct {
	AssignmentType string `json:"assignment_type"`
	AssignmentID   string `json:"assignment_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Satisfied      bool   `json:"satisfied"`
}

type PhaseStatusResponse struct {
	Phase             PhaseResponse        `json:"phase"`
	Status            string               `json:"status" enum:"not_started,in_progress,at_risk,off_track,complete"`
	Activities        []ActivityResponse   `json:"activities"`
	Gates             []GateStatusResponse `json:"gates"`
	CompletionPercent int                  `json:"completion_percent"`
	MissingActivities []string             `json:"missing_activities"`
	MissingApprovals  []string             `json:"missing_approvals"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id,omitempty"`
	ReportID   string         `json:"report_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Source string   `json:"source,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CycleConfigResponse struct {
	Cycle           cycleConfigSection               `json:"cycle"`
	Phases          []phaseTemplateResponse          `json:"phases"`
	AssignmentTypes map[string]assignmentTypeSection `json:"assignment_types"`
	Roles           []string                         `json:"roles"`
	Status          statusConfigSection              `json:"status"`
}

type cycleConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type phaseTemplateResponse struct {
	Name          string                     `json:"name"`
	DurationDays  int                        `json:"duration_days"`
	Activities    []activityTemplateResponse `json:"activities"`
	ApprovalGates []string                   `json:"approval_gates"`
}

type activityTemplateResponse struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type assignmentTypeSection struct {
	Description string `json:"description"`
	DefaultRole string `json:"default_role,omitempty"`
	Approval    bool   `json:"approval"`
}

type statusConfigSection struct {
	RiskWindowHours int `json:"risk_window_hours"`
}

type paginatedAssignments struct {
	Items      []AssignmentResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func cycleResponse(c domain.Cycle) CycleResponse {
	return CycleResponse(c)
}

func reportResponse(rep domain.Report) ReportResponse {
	return ReportResponse(rep)
}

func phaseResponse(p domain.Phase) PhaseResponse {
	return PhaseResponse(p)
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse(a)
}

func assignmentResponse(e engine.Engine, a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:              a.ID,
		AssignmentType:  a.AssignmentType,
		CycleID:         a.CycleID,
		ReportID:        a.ReportID,
		PhaseName:       a.PhaseName,
		FromUser:        a.FromUser,
		ToUser:          a.ToUser,
		ToRole:          a.ToRole,
		Title:           a.Title,
		Description:     a.Description,
		Context:         decodeJSONMap(a.ContextJSON),
		Status:          a.Status,
		Priority:        a.Priority,
		DueDate:         a.DueDate,
		Overdue:         e.AssignmentOverdue(a),
		Revision:        a.Revision,
		Version:         a.Version,
		CompletionNotes: a.CompletionNotes,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		AcknowledgedAt:  a.AcknowledgedAt,
		StartedAt:       a.StartedAt,
		CompletedAt:     a.CompletedAt,
	}
}

func approvalItemResponse(it domain.ApprovalItem) ApprovalItemResponse {
	return ApprovalItemResponse(it)
}

func approvalResponse(e engine.Engine, ap engine.Approval) ApprovalResponse {
	items := make([]ApprovalItemResponse, 0, len(ap.Items))
	for _, it := range ap.Items {
		items = append(items, approvalItemResponse(it))
	}
	return ApprovalResponse{
		Assignment:  assignmentResponse(e, ap.Assignment),
		Items:       items,
		AllDecided:  ap.AllDecided,
		AllApproved: ap.AllApproved,
	}
}

func phaseStatusResponse(res engine.PhaseStatusResult) PhaseStatusResponse {
	activities := make([]ActivityResponse, 0, len(res.Activities))
	for _, a := range res.Activities {
		activities = append(activities, activityResponse(a))
	}
	gates := make([]GateStatusResponse, 0, len(res.Gates))
	for _, g := range res.Gates {
		gates = append(gates, GateStatusResponse(g))
	}
	return PhaseStatusResponse{
		Phase:             phaseResponse(res.Phase),
		Status:            res.Status,
		Activities:        activities,
		Gates:             gates,
		CompletionPercent: res.CompletionPercent,
		MissingActivities: nonNilSlice(res.MissingActivities),
		MissingApprovals:  nonNilSlice(res.MissingApprovals),
	}
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		CycleID:    evt.CycleID,
		ReportID:   evt.ReportID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

func configResponse(cfg *config.Config) CycleConfigResponse {
	res := CycleConfigResponse{
		Cycle: cycleConfigSection{
			ID:   cfg.Cycle.ID,
			Kind: cfg.Cycle.Kind,
		},
		Phases:          []phaseTemplateResponse{},
		AssignmentTypes: map[string]assignmentTypeSection{},
		Roles:           nonNilSlice(cfg.Roles),
		Status: statusConfigSection{
			RiskWindowHours: cfg.RiskWindowHours(),
		},
	}
	for _, pt := range cfg.Phases {
		tmpl := phaseTemplateResponse{
			Name:          pt.Name,
			DurationDays:  pt.DurationDays,
			Activities:    []activityTemplateResponse{},
			ApprovalGates: nonNilSlice(pt.ApprovalGates),
		}
		for _, at := range pt.Activities {
			tmpl.Activities = append(tmpl.Activities, activityTemplateResponse{
				Name:     at.Name,
				Required: at.IsRequired(),
			})
		}
		res.Phases = append(res.Phases, tmpl)
	}
	for name, t := range cfg.AssignmentTypes {
		res.AssignmentTypes[name] = assignmentTypeSection{
			Description: t.Description,
			DefaultRole: t.DefaultRole,
			Approval:    t.Approval,
		}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func encodeJSONMap(in map[string]any) (string, error) {
	if in == nil {
		return "", nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
