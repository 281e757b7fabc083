package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cycleline/internal/domain"
	"cycleline/internal/repo"
)

// GateStatus is the aggregator's view of one approval gate.
type GateStatus struct {
	AssignmentType string `json:"assignment_type"`
	AssignmentID   string `json:"assignment_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Satisfied      bool   `json:"satisfied"`
}

// PhaseStatusResult is the derived status of one phase. Nothing here is read
// back from a stored status column; every call recomputes from activity and
// assignment rows.
type PhaseStatusResult struct {
	Phase             domain.Phase      `json:"phase"`
	Status            string            `json:"status"`
	Activities        []domain.Activity `json:"activities"`
	Gates             []GateStatus      `json:"gates,omitempty"`
	CompletionPercent int               `json:"completion_percent"`
	MissingActivities []string          `json:"missing_activities,omitempty"`
	MissingApprovals  []string          `json:"missing_approvals,omitempty"`
}

// PhaseStatus derives the status of a phase from its activity rows and
// approval-gate assignments.
func (e Engine) PhaseStatus(ctx context.Context, cycleID, reportID, phaseName string) (PhaseStatusResult, error) {
	if e.Registry == nil {
		return PhaseStatusResult{}, errors.New("config not loaded")
	}
	p, err := e.EnsurePhase(ctx, cycleID, reportID, phaseName)
	if err != nil {
		return PhaseStatusResult{}, err
	}
	def, _ := e.Registry.Phase(phaseName)
	activities, err := e.Repo.ListActivities(ctx, cycleID, reportID, phaseName)
	if err != nil {
		return PhaseStatusResult{}, err
	}
	res := PhaseStatusResult{Phase: p, Activities: activities}

	requiredTotal, requiredDone := 0, 0
	anyTouched := false
	for _, a := range activities {
		if a.State != domain.ActivityPending {
			anyTouched = true
		}
		if !a.Required {
			continue
		}
		requiredTotal++
		if a.State == domain.ActivityCompleted {
			requiredDone++
		} else {
			res.MissingActivities = append(res.MissingActivities, a.ActivityName)
		}
	}
	if requiredTotal > 0 {
		res.CompletionPercent = requiredDone * 100 / requiredTotal
	} else {
		res.CompletionPercent = 100
	}

	for _, gate := range def.ApprovalGates {
		gs := GateStatus{AssignmentType: gate}
		a, err := e.Repo.LatestAssignmentByScope(ctx, gate, cycleID, reportID, phaseName)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return PhaseStatusResult{}, err
		}
		if err == nil {
			gs.AssignmentID = a.ID
			gs.Status = a.Status
			gs.Satisfied = a.Status == domain.AssignmentApproved
		}
		if !gs.Satisfied {
			res.MissingApprovals = append(res.MissingApprovals, gate)
		}
		res.Gates = append(res.Gates, gs)
	}

	res.Status = e.deriveStatus(p, anyTouched, len(res.MissingActivities) == 0 && len(res.MissingApprovals) == 0)
	return res, nil
}

func (e Engine) deriveStatus(p domain.Phase, anyTouched, satisfied bool) string {
	if satisfied {
		return domain.PhaseComplete
	}
	if !anyTouched && p.StartedAt == "" {
		return domain.PhaseNotStarted
	}
	if p.PlannedEndDate != "" {
		planned, err := time.Parse(time.RFC3339, p.PlannedEndDate)
		if err == nil {
			now := e.now().UTC()
			if now.After(planned) {
				return domain.PhaseOffTrack
			}
			window := time.Duration(e.riskWindowHours()) * time.Hour
			if now.After(planned.Add(-window)) {
				return domain.PhaseAtRisk
			}
		}
	}
	return domain.PhaseInProgress
}

func (e Engine) riskWindowHours() int {
	if e.Config != nil {
		return e.Config.RiskWindowHours()
	}
	return 72
}

// outstandingTx lists the required activities and approval gates that still
// block phase completion, evaluated inside the caller's transaction.
func (e Engine) outstandingTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, phaseName string) ([]string, []string, error) {
	def, ok := e.Registry.Phase(phaseName)
	if !ok {
		return nil, nil, errors.New("unknown phase " + phaseName)
	}
	activities, err := e.Repo.ListActivitiesTx(ctx, tx, cycleID, reportID, phaseName)
	if err != nil {
		return nil, nil, err
	}
	var missingActs []string
	for _, a := range activities {
		if a.Required && a.State != domain.ActivityCompleted {
			missingActs = append(missingActs, a.ActivityName)
		}
	}
	var missingGates []string
	for _, gate := range def.ApprovalGates {
		a, err := e.Repo.LatestAssignmentByScopeTx(ctx, tx, gate, cycleID, reportID, phaseName)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				missingGates = append(missingGates, gate)
				continue
			}
			return nil, nil, err
		}
		if a.Status != domain.AssignmentApproved {
			missingGates = append(missingGates, gate)
		}
	}
	return missingActs, missingGates, nil
}
