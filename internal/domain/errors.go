package domain

import "fmt"

// InvalidTransitionError reports an attempt to move an entity along an edge
// outside its transition table.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// DuplicateActiveAssignmentError reports a second active assignment for the
// same (type, cycle, report, phase) scope.
type DuplicateActiveAssignmentError struct {
	AssignmentType string
	CycleID        string
	ReportID       string
	PhaseName      string
	ExistingID     string
}

func (e *DuplicateActiveAssignmentError) Error() string {
	return fmt.Sprintf("active assignment %s already exists for type %q in cycle %s report %q phase %q",
		e.ExistingID, e.AssignmentType, e.CycleID, e.ReportID, e.PhaseName)
}

// NotAssignedToUserError reports a lifecycle action by an actor the assignment
// is not addressed to.
type NotAssignedToUserError struct {
	AssignmentID string
	UserID       string
}

func (e *NotAssignedToUserError) Error() string {
	return fmt.Sprintf("assignment %s is not addressed to user %s", e.AssignmentID, e.UserID)
}

// PhaseNotReadyError reports a completion attempt while required activities or
// approval gates are still outstanding.
type PhaseNotReadyError struct {
	CycleID           string
	ReportID          string
	PhaseName         string
	MissingActivities []string
	MissingApprovals  []string
}

func (e *PhaseNotReadyError) Error() string {
	return fmt.Sprintf("phase %s not ready for report %s in cycle %s: %d activities and %d approvals outstanding",
		e.PhaseName, e.ReportID, e.CycleID, len(e.MissingActivities), len(e.MissingApprovals))
}

// StaleStateError reports a version mismatch on a guarded write.
type StaleStateError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale %s %s: expected version %d, have %d", e.Entity, e.ID, e.Expected, e.Actual)
}
