package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cycleline/internal/domain"
	"cycleline/internal/events"
)

// ActivityOptions identify one activity row.
type ActivityOptions struct {
	CycleID      string
	ReportID     string
	PhaseName    string
	ActivityName string
	ActorID      string
}

// TransitionActivity moves an activity along the pending -> in_progress ->
// completed edge set. Anything else returns InvalidTransition.
func (e Engine) TransitionActivity(ctx context.Context, opts ActivityOptions, target string) (domain.Activity, error) {
	if e.Registry == nil {
		return domain.Activity{}, errors.New("config not loaded")
	}
	if _, ok := e.Registry.ActivityDef(opts.PhaseName, opts.ActivityName); !ok {
		return domain.Activity{}, fmt.Errorf("unknown activity %s in phase %s", opts.ActivityName, opts.PhaseName)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	if _, err := e.ensurePhaseTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName); err != nil {
		return domain.Activity{}, err
	}
	a, err := e.Repo.GetActivityTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName, opts.ActivityName)
	if err != nil {
		return domain.Activity{}, err
	}
	if !domain.ValidActivityTransition(a.State, target) {
		return a, &domain.InvalidTransitionError{
			Entity: "activity",
			ID:     fmt.Sprintf("%s/%s/%s/%s", opts.CycleID, opts.ReportID, opts.PhaseName, opts.ActivityName),
			From:   a.State,
			To:     target,
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := a.State
	a.State = target
	a.UpdatedAt = now
	switch target {
	case domain.ActivityInProgress:
		a.StartedAt = now
	case domain.ActivityCompleted:
		a.CompletedAt = now
	}
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.transitioned", opts.CycleID, opts.ReportID, "activity", opts.ActivityName, opts.ActorID, events.EventPayload{
		"phase": opts.PhaseName,
		"from":  from,
		"to":    target,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// ResetActivity puts an activity back to pending. Admin only.
func (e Engine) ResetActivity(ctx context.Context, opts ActivityOptions) (domain.Activity, error) {
	if e.Registry == nil {
		return domain.Activity{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.RequireRole(ctx, tx, opts.ActorID, domain.RoleAdmin); err != nil {
		return domain.Activity{}, err
	}
	a, err := e.Repo.GetActivityTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName, opts.ActivityName)
	if err != nil {
		return domain.Activity{}, err
	}
	if a.State == domain.ActivityPending {
		return a, tx.Commit()
	}
	from := a.State
	a.State = domain.ActivityPending
	a.StartedAt = ""
	a.CompletedAt = ""
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.reset", opts.CycleID, opts.ReportID, "activity", opts.ActivityName, opts.ActorID, events.EventPayload{
		"phase": opts.PhaseName,
		"from":  from,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// CompleteActivityFromJob marks an activity completed when an external job
// finishes. Re-delivery of the same signal is a no-op success.
func (e Engine) CompleteActivityFromJob(ctx context.Context, opts ActivityOptions, jobID string) (domain.Activity, error) {
	if e.Registry == nil {
		return domain.Activity{}, errors.New("config not loaded")
	}
	if _, ok := e.Registry.ActivityDef(opts.PhaseName, opts.ActivityName); !ok {
		return domain.Activity{}, fmt.Errorf("unknown activity %s in phase %s", opts.ActivityName, opts.PhaseName)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()
	if _, err := e.ensurePhaseTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName); err != nil {
		return domain.Activity{}, err
	}
	a, err := e.Repo.GetActivityTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName, opts.ActivityName)
	if err != nil {
		return domain.Activity{}, err
	}
	if a.State == domain.ActivityCompleted {
		return a, tx.Commit()
	}
	now := e.now().UTC().Format(time.RFC3339)
	if a.StartedAt == "" {
		a.StartedAt = now
	}
	a.State = domain.ActivityCompleted
	a.CompletedAt = now
	a.UpdatedAt = now
	if err := e.Repo.UpdateActivityTx(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.job_completed", opts.CycleID, opts.ReportID, "activity", opts.ActivityName, opts.ActorID, events.EventPayload{
		"phase":  opts.PhaseName,
		"job_id": jobID,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}
