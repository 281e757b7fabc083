package domain

// Cycle is a test cycle: the top-level container for reports under test.
type Cycle struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,closed"`
	StartsAt  string `json:"starts_at,omitempty" format:"date-time"`
	EndsAt    string `json:"ends_at,omitempty" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Report is a regulatory report enrolled in a cycle. TesterID and OwnerID
// carry the report-level staffing used to satisfy role-addressed assignments.
type Report struct {
	ID        string `json:"id"`
	CycleID   string `json:"cycle_id"`
	Name      string `json:"name"`
	LOB       string `json:"lob,omitempty"`
	TesterID  string `json:"tester_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Phase statuses. Status is always derived; the row only records the
// start/complete actions and the planned end date.
const (
	PhaseNotStarted = "not_started"
	PhaseInProgress = "in_progress"
	PhaseComplete   = "complete"
	PhaseAtRisk     = "at_risk"
	PhaseOffTrack   = "off_track"
)

// Phase is one (cycle, report, phase_name) row, instantiated lazily from the
// workflow template.
type Phase struct {
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

// Activity states.
const (
	ActivityPending    = "pending"
	ActivityInProgress = "in_progress"
	ActivityCompleted  = "completed"
)

var activityTransitions = map[string][]string{
	ActivityPending:    {ActivityInProgress},
	ActivityInProgress: {ActivityCompleted},
	ActivityCompleted:  {},
}

// ValidActivityTransition reports whether from -> to is a legal activity edge.
// Reset back to pending is not an edge here; it is a separate admin capability.
func ValidActivityTransition(from, to string) bool {
	for _, next := range activityTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActivityStates returns the closed set of activity states.
func ActivityStates() []string {
	return []string{ActivityPending, ActivityInProgress, ActivityCompleted}
}

// Activity is one template-driven activity row within a phase.
type Activity struct {
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

// Assignment statuses.
const (
	AssignmentAssigned     = "assigned"
	AssignmentAcknowledged = "acknowledged"
	AssignmentInProgress   = "in_progress"
	AssignmentCompleted    = "completed"
	AssignmentApproved     = "approved"
	AssignmentRejected     = "rejected"
	AssignmentCancelled    = "cancelled"
	AssignmentEscalated    = "escalated"
)

var assignmentTransitions = map[string][]string{
	AssignmentAssigned:     {AssignmentAcknowledged, AssignmentInProgress, AssignmentCompleted, AssignmentCancelled, AssignmentEscalated},
	AssignmentAcknowledged: {AssignmentInProgress, AssignmentCompleted, AssignmentCancelled, AssignmentEscalated},
	AssignmentInProgress:   {AssignmentCompleted, AssignmentCancelled, AssignmentEscalated},
	AssignmentCompleted:    {AssignmentApproved, AssignmentRejected},
	AssignmentApproved:     {},
	AssignmentRejected:     {},
	AssignmentCancelled:    {},
	AssignmentEscalated:    {},
}

// ValidAssignmentTransition reports whether from -> to is a legal assignment edge.
func ValidAssignmentTransition(from, to string) bool {
	for _, next := range assignmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AssignmentActive reports whether status counts against the one-active-per-scope rule.
func AssignmentActive(status string) bool {
	switch status {
	case AssignmentAssigned, AssignmentAcknowledged, AssignmentInProgress:
		return true
	}
	return false
}

// AssignmentTerminal reports whether status is terminal. Escalated is terminal:
// the escalation target routes a fresh assignment instead of reusing the row.
func AssignmentTerminal(status string) bool {
	switch status {
	case AssignmentApproved, AssignmentRejected, AssignmentCancelled, AssignmentEscalated:
		return true
	}
	return false
}

// Assignment is a cross-role work item. ReportID and PhaseName are empty for
// cycle-level assignments. Version increments on every write and guards
// against concurrent lost updates; Revision counts approval resubmissions.
type Assignment struct {
	ID              string `json:"id"`
	AssignmentType  string `json:"assignment_type"`
	CycleID         string `json:"cycle_id"`
	ReportID        string `json:"report_id,omitempty"`
	PhaseName       string `json:"phase_name,omitempty"`
	FromUser        string `json:"from_user"`
	ToUser          string `json:"to_user,omitempty"`
	ToRole          string `json:"to_role,omitempty"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	ContextJSON     string `json:"context_json,omitempty"`
	Status          string `json:"status" enum:"assigned,acknowledged,in_progress,completed,approved,rejected,cancelled,escalated"`
	Priority        string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate         string `json:"due_date,omitempty" format:"date-time"`
	Revision        int    `json:"revision"`
	Version         int64  `json:"version"`
	CompletionNotes string `json:"completion_notes,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
	AcknowledgedAt  string `json:"acknowledged_at,omitempty" format:"date-time"`
	StartedAt       string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     string `json:"completed_at,omitempty" format:"date-time"`
}

// Approval item decisions.
const (
	DecisionPending       = "pending"
	DecisionApproved      = "approved"
	DecisionRejected      = "rejected"
	DecisionNeedsRevision = "needs_revision"
)

// ApprovalItem is one reviewable unit under an approval assignment (a rule, a
// sample, an observation). Items persist across resubmissions; Resubmit flips
// the unfavorable ones back to pending.
type ApprovalItem struct {
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

// Workflow roles.
const (
	RoleTester        = "tester"
	RoleReportOwner   = "report_owner"
	RoleDataExecutive = "data_executive"
	RoleTestExecutive = "test_executive"
	RoleAdmin         = "admin"
)

// Roles returns the closed set of grantable roles.
func Roles() []string {
	return []string{RoleTester, RoleReportOwner, RoleDataExecutive, RoleTestExecutive, RoleAdmin}
}

// ValidRole reports whether name is a grantable role.
func ValidRole(name string) bool {
	for _, r := range Roles() {
		if r == name {
			return true
		}
	}
	return false
}

// User is a known actor.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Event is one append-only ledger entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id"`
	ReportID   string `json:"report_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
}

// APIKey is a hashed API credential bound to a user.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
