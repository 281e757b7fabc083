package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cycleline/internal/domain"
	"cycleline/internal/events"
)

// Approval is the assignment plus its per-item decisions.
type Approval struct {
	Assignment  domain.Assignment     `json:"assignment"`
	Items       []domain.ApprovalItem `json:"items"`
	AllDecided  bool                  `json:"all_decided"`
	AllApproved bool                  `json:"all_approved"`
}

// ApprovalItemInput is one reviewable unit submitted for approval.
type ApprovalItemInput struct {
	Key         string
	Description string
}

// SubmitForApprovalOptions are parameters for SubmitForApproval.
type SubmitForApprovalOptions struct {
	AssignmentType string
	CycleID        string
	ReportID       string
	PhaseName      string
	ToUser         string
	ToRole         string
	Title          string
	Description    string
	Items          []ApprovalItemInput
	ActorID        string
}

// SubmitForApproval creates the gate assignment for the scope, or adds items
// to the already active one, with every submitted item pending.
func (e Engine) SubmitForApproval(ctx context.Context, opts SubmitForApprovalOptions) (Approval, error) {
	if e.Config == nil {
		return Approval{}, errors.New("config not loaded")
	}
	typeDef, ok := e.Config.AssignmentTypes[opts.AssignmentType]
	if !ok {
		return Approval{}, fmt.Errorf("assignment type %s not in catalog", opts.AssignmentType)
	}
	if !typeDef.Approval {
		return Approval{}, fmt.Errorf("assignment type %s is not an approval type", opts.AssignmentType)
	}
	if len(opts.Items) == 0 {
		return Approval{}, errors.New("at least one item is required")
	}
	for i, it := range opts.Items {
		if it.Key == "" {
			return Approval{}, fmt.Errorf("items[%d] has empty key", i)
		}
	}

	title := opts.Title
	if title == "" {
		title = typeDef.Description
	}
	existing, err := e.CreateAssignment(ctx, AssignmentCreateOptions{
		AssignmentType: opts.AssignmentType,
		CycleID:        opts.CycleID,
		ReportID:       opts.ReportID,
		PhaseName:      opts.PhaseName,
		ToUser:         opts.ToUser,
		ToRole:         opts.ToRole,
		Title:          title,
		Description:    opts.Description,
		ActorID:        opts.ActorID,
	})
	if err != nil {
		var dup *domain.DuplicateActiveAssignmentError
		if !errors.As(err, &dup) {
			return Approval{}, err
		}
		existing, err = e.Repo.GetAssignment(ctx, dup.ExistingID)
		if err != nil {
			return Approval{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Approval{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	items, err := e.Repo.ListApprovalItemsTx(ctx, tx, existing.ID)
	if err != nil {
		return Approval{}, err
	}
	known := map[string]bool{}
	for _, it := range items {
		known[it.ItemKey] = true
	}
	for _, in := range opts.Items {
		if known[in.Key] {
			continue
		}
		it := domain.ApprovalItem{
			ID:           uuid.New().String(),
			AssignmentID: existing.ID,
			ItemKey:      in.Key,
			Description:  in.Description,
			Decision:     domain.DecisionPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertApprovalItemTx(ctx, tx, it); err != nil {
			return Approval{}, err
		}
		items = append(items, it)
	}
	if err := e.Events.Append(ctx, tx, "approval.submitted", existing.CycleID, existing.ReportID, "assignment", existing.ID, opts.ActorID, events.EventPayload{
		"assignment_type": existing.AssignmentType,
		"items":           len(opts.Items),
		"revision":        existing.Revision,
	}); err != nil {
		return Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return Approval{}, err
	}
	return Approval{
		Assignment:  existing,
		Items:       items,
		AllDecided:  allDecided(items),
		AllApproved: allApproved(items),
	}, nil
}

// GetApproval returns the approval view of an assignment.
func (e Engine) GetApproval(ctx context.Context, assignmentID string) (Approval, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Approval{}, err
	}
	items, err := e.Repo.ListApprovalItems(ctx, assignmentID)
	if err != nil {
		return Approval{}, err
	}
	return Approval{
		Assignment:  a,
		Items:       items,
		AllDecided:  allDecided(items),
		AllApproved: allApproved(items),
	}, nil
}

// DecideOptions are parameters for recording one item decision.
type DecideOptions struct {
	AssignmentID    string
	ItemID          string
	Decision        string
	Comments        string
	ActorID         string
	ExpectedVersion *int64
}

// Decide records one item decision. When it is the last undecided item the
// owning assignment resolves: all approved -> Approved, any rejected ->
// Rejected, any needs-revision keeps it open for resubmission.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (Approval, error) {
	if e.Config == nil {
		return Approval{}, errors.New("config not loaded")
	}
	switch opts.Decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionNeedsRevision:
	default:
		return Approval{}, fmt.Errorf("invalid decision %s", opts.Decision)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Approval{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentTx(ctx, tx, opts.AssignmentID)
	if err != nil {
		return Approval{}, err
	}
	if domain.AssignmentTerminal(a.Status) {
		return Approval{}, &domain.InvalidTransitionError{Entity: "assignment", ID: a.ID, From: a.Status, To: a.Status}
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != a.Version {
		return Approval{}, &domain.StaleStateError{Entity: "assignment", ID: a.ID, Expected: *opts.ExpectedVersion, Actual: a.Version}
	}
	if err := e.requireAddressee(ctx, tx, a, opts.ActorID); err != nil {
		return Approval{}, err
	}
	it, err := e.Repo.GetApprovalItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return Approval{}, err
	}
	if it.AssignmentID != a.ID {
		return Approval{}, fmt.Errorf("item %s not under assignment %s", opts.ItemID, a.ID)
	}
	now := e.now().UTC().Format(time.RFC3339)
	it.Decision = opts.Decision
	it.Comments = opts.Comments
	it.DecidedBy = opts.ActorID
	it.DecidedAt = now
	it.UpdatedAt = now
	if err := e.Repo.UpdateApprovalItemTx(ctx, tx, it); err != nil {
		return Approval{}, err
	}
	if err := e.Events.Append(ctx, tx, "approval.decided", a.CycleID, a.ReportID, "approval_item", it.ID, opts.ActorID, events.EventPayload{
		"assignment_id": a.ID,
		"item_key":      it.ItemKey,
		"decision":      it.Decision,
	}); err != nil {
		return Approval{}, err
	}

	items, err := e.Repo.ListApprovalItemsTx(ctx, tx, a.ID)
	if err != nil {
		return Approval{}, err
	}
	if allDecided(items) {
		resolved := ""
		if allApproved(items) {
			resolved = domain.AssignmentApproved
		} else if anyRejected(items) {
			resolved = domain.AssignmentRejected
		}
		if resolved != "" {
			// Two legal edges in one transaction: the review work finishes,
			// then the outcome is recorded.
			a.Status = domain.AssignmentCompleted
			a.CompletedAt = now
			a.UpdatedAt = now
			a, err = e.Repo.UpdateAssignmentTx(ctx, tx, a)
			if err != nil {
				return Approval{}, err
			}
			a.Status = resolved
			a.UpdatedAt = now
			a, err = e.Repo.UpdateAssignmentTx(ctx, tx, a)
			if err != nil {
				return Approval{}, err
			}
			if err := e.Events.Append(ctx, tx, "assignment."+resolved, a.CycleID, a.ReportID, "assignment", a.ID, opts.ActorID, events.EventPayload{
				"assignment_type": a.AssignmentType,
				"revision":        a.Revision,
			}); err != nil {
				return Approval{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return Approval{}, err
	}
	return Approval{
		Assignment:  a,
		Items:       items,
		AllDecided:  allDecided(items),
		AllApproved: allApproved(items),
	}, nil
}

// ResubmitOptions are parameters for Resubmit.
type ResubmitOptions struct {
	AssignmentID string
	ActorID      string
	Comments     string
}

// Resubmit reopens a needs-revision approval round: the unfavorable items go
// back to pending and the revision counter increments. Same assignment, no
// second row.
func (e Engine) Resubmit(ctx context.Context, opts ResubmitOptions) (Approval, error) {
	if e.Config == nil {
		return Approval{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Approval{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAssignmentTx(ctx, tx, opts.AssignmentID)
	if err != nil {
		return Approval{}, err
	}
	if domain.AssignmentTerminal(a.Status) || a.Status == domain.AssignmentCompleted {
		return Approval{}, &domain.InvalidTransitionError{Entity: "assignment", ID: a.ID, From: a.Status, To: domain.AssignmentAssigned}
	}
	if err := e.requireCreatorOrAdmin(ctx, tx, a, opts.ActorID); err != nil {
		return Approval{}, err
	}
	items, err := e.Repo.ListApprovalItemsTx(ctx, tx, a.ID)
	if err != nil {
		return Approval{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	reopened := 0
	for i, it := range items {
		if it.Decision != domain.DecisionNeedsRevision {
			continue
		}
		it.Decision = domain.DecisionPending
		it.Comments = ""
		it.DecidedBy = ""
		it.DecidedAt = ""
		it.UpdatedAt = now
		if err := e.Repo.UpdateApprovalItemTx(ctx, tx, it); err != nil {
			return Approval{}, err
		}
		items[i] = it
		reopened++
	}
	if reopened == 0 {
		return Approval{}, errors.New("nothing to resubmit; no items need revision")
	}
	a.Revision++
	a.UpdatedAt = now
	a, err = e.Repo.UpdateAssignmentTx(ctx, tx, a)
	if err != nil {
		return Approval{}, err
	}
	if err := e.Events.Append(ctx, tx, "approval.resubmitted", a.CycleID, a.ReportID, "assignment", a.ID, opts.ActorID, events.EventPayload{
		"revision": a.Revision,
		"reopened": reopened,
		"comments": opts.Comments,
	}); err != nil {
		return Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return Approval{}, err
	}
	return Approval{
		Assignment:  a,
		Items:       items,
		AllDecided:  allDecided(items),
		AllApproved: allApproved(items),
	}, nil
}

func allDecided(items []domain.ApprovalItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if it.Decision == domain.DecisionPending {
			return false
		}
	}
	return true
}

func allApproved(items []domain.ApprovalItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if it.Decision != domain.DecisionApproved {
			return false
		}
	}
	return true
}

func anyRejected(items []domain.ApprovalItem) bool {
	for _, it := range items {
		if it.Decision == domain.DecisionRejected {
			return true
		}
	}
	return false
}
