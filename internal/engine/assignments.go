package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cycleline/internal/domain"
	"cycleline/internal/events"
	"cycleline/internal/repo"
)

// AssignmentCreateOptions are parameters for routing a new assignment.
type AssignmentCreateOptions struct {
	ID             string
	AssignmentType string
	CycleID        string
	ReportID       string
	PhaseName      string
	ToUser         string
	ToRole         string
	Title          string
	Description    string
	ContextJSON    string
	Priority       string
	DueDate        string
	ActorID        string
}

func (e Engine) CreateAssignment(ctx context.Context, opts AssignmentCreateOptions) (domain.Assignment, error) {
	if e.Config == nil {
		return domain.Assignment{}, errors.New("config not loaded")
	}
	if opts.AssignmentType == "" {
		return domain.Assignment{}, errors.New("assignment_type is required")
	}
	if opts.Title == "" {
		return domain.Assignment{}, errors.New("title is required")
	}
	if opts.CycleID == "" {
		return domain.Assignment{}, errors.New("cycle is required")
	}
	if opts.ActorID == "" {
		return domain.Assignment{}, errors.New("actor is required")
	}
	typeDef, typeKnown := e.Config.AssignmentTypes[opts.AssignmentType]
	if len(e.Config.AssignmentTypes) > 0 && !typeKnown {
		return domain.Assignment{}, fmt.Errorf("assignment type %s not in catalog", opts.AssignmentType)
	}
	if opts.ToUser == "" && opts.ToRole == "" {
		opts.ToRole = typeDef.DefaultRole
	}
	if opts.ToUser == "" && opts.ToRole == "" {
		return domain.Assignment{}, errors.New("to_user or to_role is required")
	}
	if opts.ToRole != "" && !domain.ValidRole(opts.ToRole) {
		return domain.Assignment{}, fmt.Errorf("unknown role %s", opts.ToRole)
	}
	if _, err := e.Repo.GetCycle(ctx, opts.CycleID); err != nil {
		return domain.Assignment{}, err
	}
	if opts.ReportID != "" {
		rep, err := e.Repo.GetReport(ctx, opts.ReportID)
		if err != nil {
			return domain.Assignment{}, err
		}
		if rep.CycleID != opts.CycleID {
			return domain.Assignment{}, fmt.Errorf("report %s not in cycle %s", opts.ReportID, opts.CycleID)
		}
	}
	if opts.PhaseName != "" {
		if _, ok := e.Registry.Phase(opts.PhaseName); !ok {
			return domain.Assignment{}, fmt.Errorf("unknown phase %s", opts.PhaseName)
		}
	}
	if opts.ContextJSON != "" {
		if err := validateJSON(opts.ContextJSON); err != nil {
			return domain.Assignment{}, fmt.Errorf("context JSON: %w", err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	a := domain.Assignment{
		ID:             id,
		AssignmentType: opts.AssignmentType,
		CycleID:        opts.CycleID,
		ReportID:       opts.ReportID,
		PhaseName:      opts.PhaseName,
		FromUser:       opts.ActorID,
		ToUser:         opts.ToUser,
		ToRole:         opts.ToRole,
		Title:          opts.Title,
		Description:    opts.Description,
		ContextJSON:    opts.ContextJSON,
		Status:         domain.AssignmentAssigned,
		Priority:       opts.Priority,
		DueDate:        opts.DueDate,
		Revision:       1,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	if existing, err := e.Repo.FindActiveAssignmentTx(ctx, tx, a.AssignmentType, a.CycleID, a.ReportID, a.PhaseName); err == nil {
		return domain.Assignment{}, &domain.DuplicateActiveAssignmentError{
			AssignmentType: a.AssignmentType,
			CycleID:        a.CycleID,
			ReportID:       a.ReportID,
			PhaseName:      a.PhaseName,
			ExistingID:     existing.ID,
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, err
	}
	for _, userID := range []string{opts.ActorID, opts.ToUser} {
		if userID == "" {
			continue
		}
		if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", a.CycleID, a.ReportID, "assignment", a.ID, opts.ActorID, events.EventPayload{
		"assignment_type": a.AssignmentType,
		"to_user":         a.ToUser,
		"to_role":         a.ToRole,
		"title":           a.Title,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// AssignmentActionOptions are shared parameters for lifecycle actions.
type AssignmentActionOptions struct {
	ID              string
	ActorID         string
	ExpectedVersion *int64
	Notes           string
	ContextUpdates  string
}

// Acknowledge records that the addressee has seen the assignment.
func (e Engine) AcknowledgeAssignment(ctx context.Context, opts AssignmentActionOptions) (domain.Assignment, error) {
	return e.assignmentAction(ctx, opts, domain.AssignmentAcknowledged, "assignment.acknowledged")
}

// StartAssignment records that work has begun.
func (e Engine) StartAssignment(ctx context.Context, opts AssignmentActionOptions) (domain.Assignment, error) {
	return e.assignmentAction(ctx, opts, domain.AssignmentInProgress, "assignment.started")
}

// CompleteAssignment finishes the work. ContextUpdates, when present, are
// merged into the assignment context in the same transaction as the status
// write; re-completing an already completed assignment applies nothing.
func (e Engine) CompleteAssignment(ctx context.Context, opts AssignmentActionOptions) (domain.Assignment, error) {
	return e.assignmentAction(ctx, opts, domain.AssignmentCompleted, "assignment.completed")
}

// CancelAssignment archives the assignment. Creator or admin only.
func (e Engine) CancelAssignment(ctx context.Context, opts AssignmentActionOptions) (domain.Assignment, error) {
	return e.assignmentAction(ctx, opts, domain.AssignmentCancelled, "assignment.cancelled")
}

// EscalateAssignment routes the assignment out of the normal flow. Admin only.
func (e Engine) EscalateAssignment(ctx context.Context, opts AssignmentActionOptions) (domain.Assignment, error) {
	return e.assignmentAction(ctx, opts, domain.AssignmentEscalated, "assignment.escalated")
}

func (e Engine) assignmentAction(ctx context.Context, opts AssignmentActionOptions, target, evtType string) (domain.Assignment, error) {
	if e.Config == nil {
		return domain.Assignment{}, errors.New("config not loaded")
	}
	if opts.ContextUpdates != "" {
		if err := validateJSON(opts.ContextUpdates); err != nil {
			return domain.Assignment{}, fmt.Errorf("context updates JSON: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Assignment{}, err
	}
	// Re-entering the current state is a no-op success; nothing is applied
	// twice and no event is written.
	if a.Status == target {
		return a, tx.Commit()
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != a.Version {
		return a, &domain.StaleStateError{Entity: "assignment", ID: a.ID, Expected: *opts.ExpectedVersion, Actual: a.Version}
	}
	if !domain.ValidAssignmentTransition(a.Status, target) {
		return a, &domain.InvalidTransitionError{Entity: "assignment", ID: a.ID, From: a.Status, To: target}
	}
	switch target {
	case domain.AssignmentCancelled:
		if err := e.requireCreatorOrAdmin(ctx, tx, a, opts.ActorID); err != nil {
			return a, err
		}
	case domain.AssignmentEscalated:
		if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, domain.RoleAdmin); err != nil {
			return a, err
		}
	default:
		if err := e.requireAddressee(ctx, tx, a, opts.ActorID); err != nil {
			return a, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := a.Status
	a.Status = target
	a.UpdatedAt = now
	switch target {
	case domain.AssignmentAcknowledged:
		a.AcknowledgedAt = now
	case domain.AssignmentInProgress:
		a.StartedAt = now
	case domain.AssignmentCompleted:
		a.CompletedAt = now
		if opts.Notes != "" {
			a.CompletionNotes = opts.Notes
		}
		if opts.ContextUpdates != "" {
			merged, err := mergeContext(a.ContextJSON, opts.ContextUpdates)
			if err != nil {
				return a, err
			}
			a.ContextJSON = merged
		}
	}
	a, err = e.Repo.UpdateAssignmentTx(ctx, tx, a)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, a.CycleID, a.ReportID, "assignment", a.ID, opts.ActorID, events.EventPayload{
		"from": from,
		"to":   target,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// requireAddressee checks that the actor is who the assignment is addressed
// to: the direct addressee, a member of the addressed role, or the report's
// tester/owner when the role is addressed at report staffing. Admins pass.
func (e Engine) requireAddressee(ctx context.Context, tx *sql.Tx, a domain.Assignment, actorID string) error {
	if actorID != "" && actorID == a.ToUser {
		return nil
	}
	if a.ToRole != "" {
		ok, err := e.Auth.UserHasRole(ctx, tx, actorID, a.ToRole)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if a.ReportID != "" && (a.ToRole == domain.RoleTester || a.ToRole == domain.RoleReportOwner) {
			rep, err := e.Repo.GetReportTx(ctx, tx, a.ReportID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err == nil {
				if a.ToRole == domain.RoleTester && rep.TesterID == actorID {
					return nil
				}
				if a.ToRole == domain.RoleReportOwner && rep.OwnerID == actorID {
					return nil
				}
			}
		}
	}
	if ok, err := e.Auth.UserHasRole(ctx, tx, actorID, domain.RoleAdmin); err != nil {
		return err
	} else if ok {
		return nil
	}
	return &domain.NotAssignedToUserError{AssignmentID: a.ID, UserID: actorID}
}

func (e Engine) requireCreatorOrAdmin(ctx context.Context, tx *sql.Tx, a domain.Assignment, actorID string) error {
	if actorID != "" && actorID == a.FromUser {
		return nil
	}
	return e.Auth.RequireRole(ctx, tx, actorID, domain.RoleAdmin)
}

// AssignmentOverdue reports whether the assignment is past its due date and
// still open. Overdue is derived on read, never stored or auto-transitioned.
func (e Engine) AssignmentOverdue(a domain.Assignment) bool {
	if a.DueDate == "" || domain.AssignmentTerminal(a.Status) || a.Status == domain.AssignmentCompleted {
		return false
	}
	due, err := time.Parse(time.RFC3339, a.DueDate)
	if err != nil {
		return false
	}
	return e.now().UTC().After(due)
}

// mergeContext applies updates onto base as a shallow JSON object merge.
func mergeContext(base, updates string) (string, error) {
	merged := map[string]any{}
	if base != "" {
		if err := json.Unmarshal([]byte(base), &merged); err != nil {
			return "", fmt.Errorf("assignment context: %w", err)
		}
	}
	patch := map[string]any{}
	if err := json.Unmarshal([]byte(updates), &patch); err != nil {
		return "", fmt.Errorf("context updates: %w", err)
	}
	for k, v := range patch {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
