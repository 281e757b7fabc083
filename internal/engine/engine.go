package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cycleline/internal/config"
	"cycleline/internal/domain"
	"cycleline/internal/engine/auth"
	"cycleline/internal/events"
	"cycleline/internal/registry"
	"cycleline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *registry.Registry
	Auth     auth.Service
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	var reg *registry.Registry
	if cfg != nil {
		reg, _ = registry.FromConfig(cfg)
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Registry: reg,
		Auth:     auth.Service{DB: db},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitCycle creates a cycle, seeds its workflow config and makes the creator
// an admin.
func (e Engine) InitCycle(ctx context.Context, cycleID, name, actorID string) (domain.Cycle, error) {
	if name == "" {
		name = cycleID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c := domain.Cycle{
		ID:        cycleID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertCycleTx(ctx, tx, c); err != nil {
		return domain.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	seed := e.Config
	if seed == nil {
		seed = config.Default(cycleID)
	}
	if err := e.Repo.UpsertCycleConfigTx(ctx, tx, c.ID, seed); err != nil {
		return domain.Cycle{}, fmt.Errorf("insert cycle config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.Auth.EnsureUser(ctx, tx, actorID); err != nil {
		return domain.Cycle{}, err
	}
	if err := e.Repo.GrantRole(ctx, tx, actorID, domain.RoleAdmin); err != nil {
		return domain.Cycle{}, err
	}
	if err := e.Events.Append(ctx, tx, "cycle.created", c.ID, "", "cycle", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Cycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cycle{}, err
	}
	return c, nil
}

// ReportCreateOptions are parameters for enrolling a report in a cycle.
type ReportCreateOptions struct {
	ID       string
	CycleID  string
	Name     string
	LOB      string
	TesterID string
	OwnerID  string
	ActorID  string
}

func (e Engine) CreateReport(ctx context.Context, opts ReportCreateOptions) (domain.Report, error) {
	if e.Config == nil {
		return domain.Report{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Report{}, errors.New("name is required")
	}
	if opts.CycleID == "" {
		return domain.Report{}, errors.New("cycle is required")
	}
	if _, err := e.Repo.GetCycle(ctx, opts.CycleID); err != nil {
		return domain.Report{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.CycleID+"|"+opts.Name+"|"+now)).String()
	}
	rep := domain.Report{
		ID:        id,
		CycleID:   opts.CycleID,
		Name:      opts.Name,
		LOB:       opts.LOB,
		TesterID:  opts.TesterID,
		OwnerID:   opts.OwnerID,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return domain.Report{}, err
	}
	for _, userID := range []string{opts.ActorID, opts.TesterID, opts.OwnerID} {
		if userID == "" {
			continue
		}
		if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
			return domain.Report{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "report.created", rep.CycleID, rep.ID, "report", rep.ID, opts.ActorID, events.EventPayload{"name": rep.Name}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

// EnsurePhase instantiates the phase row (and its activity rows) from the
// template if missing, and returns it.
func (e Engine) EnsurePhase(ctx context.Context, cycleID, reportID, phaseName string) (domain.Phase, error) {
	if e.Registry == nil {
		return domain.Phase{}, errors.New("config not loaded")
	}
	if _, ok := e.Registry.Phase(phaseName); !ok {
		return domain.Phase{}, fmt.Errorf("unknown phase %s", phaseName)
	}
	if p, err := e.Repo.GetPhase(ctx, cycleID, reportID, phaseName); err == nil {
		return p, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Phase{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()
	p, err := e.ensurePhaseTx(ctx, tx, cycleID, reportID, phaseName)
	if err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

func (e Engine) ensurePhaseTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, phaseName string) (domain.Phase, error) {
	def, ok := e.Registry.Phase(phaseName)
	if !ok {
		return domain.Phase{}, fmt.Errorf("unknown phase %s", phaseName)
	}
	p, err := e.Repo.GetPhaseTx(ctx, tx, cycleID, reportID, phaseName)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Phase{}, err
	}
	if _, err := e.Repo.GetReportTx(ctx, tx, reportID); err != nil {
		return domain.Phase{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	p = domain.Phase{
		CycleID:   cycleID,
		ReportID:  reportID,
		PhaseName: phaseName,
		Ordinal:   def.Ordinal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertPhaseTx(ctx, tx, p); err != nil {
		return domain.Phase{}, err
	}
	for _, act := range def.Activities {
		a := domain.Activity{
			CycleID:      cycleID,
			ReportID:     reportID,
			PhaseName:    phaseName,
			ActivityName: act.Name,
			State:        domain.ActivityPending,
			Ordinal:      act.Ordinal,
			Required:     act.Required,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertActivityTx(ctx, tx, a); err != nil {
			return domain.Phase{}, err
		}
	}
	return p, nil
}

// PhaseActionOptions identify a phase for start/complete.
type PhaseActionOptions struct {
	CycleID   string
	ReportID  string
	PhaseName string
	ActorID   string
}

// StartPhase stamps started_at and the planned end date derived from the
// template duration. Starting an already started phase is a no-op.
func (e Engine) StartPhase(ctx context.Context, opts PhaseActionOptions) (domain.Phase, error) {
	if e.Registry == nil {
		return domain.Phase{}, errors.New("config not loaded")
	}
	def, ok := e.Registry.Phase(opts.PhaseName)
	if !ok {
		return domain.Phase{}, fmt.Errorf("unknown phase %s", opts.PhaseName)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()
	p, err := e.ensurePhaseTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName)
	if err != nil {
		return domain.Phase{}, err
	}
	if p.StartedAt != "" {
		return p, tx.Commit()
	}
	now := e.now().UTC()
	p.StartedAt = now.Format(time.RFC3339)
	if def.DurationDays > 0 {
		p.PlannedEndDate = now.Add(time.Duration(def.DurationDays) * 24 * time.Hour).Format(time.RFC3339)
	}
	p.UpdatedAt = p.StartedAt
	if err := e.Repo.UpdatePhaseTx(ctx, tx, p); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.started", p.CycleID, p.ReportID, "phase", p.PhaseName, opts.ActorID, events.EventPayload{
		"planned_end_date": p.PlannedEndDate,
	}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

// CompletePhase validates the completion predicate and stamps completed_at.
// Completing an already completed phase is a no-op.
func (e Engine) CompletePhase(ctx context.Context, opts PhaseActionOptions) (domain.Phase, error) {
	if e.Registry == nil {
		return domain.Phase{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()
	p, err := e.ensurePhaseTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName)
	if err != nil {
		return domain.Phase{}, err
	}
	if p.CompletedAt != "" {
		return p, tx.Commit()
	}
	missingActs, missingGates, err := e.outstandingTx(ctx, tx, opts.CycleID, opts.ReportID, opts.PhaseName)
	if err != nil {
		return domain.Phase{}, err
	}
	if len(missingActs) > 0 || len(missingGates) > 0 {
		return domain.Phase{}, &domain.PhaseNotReadyError{
			CycleID:           opts.CycleID,
			ReportID:          opts.ReportID,
			PhaseName:         opts.PhaseName,
			MissingActivities: missingActs,
			MissingApprovals:  missingGates,
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	p.CompletedAt = now
	p.UpdatedAt = now
	if err := e.Repo.UpdatePhaseTx(ctx, tx, p); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.completed", p.CycleID, p.ReportID, "phase", p.PhaseName, opts.ActorID, events.EventPayload{}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

// GrantRole grants a workflow role. Only admins may grant.
func (e Engine) GrantRole(ctx context.Context, userID, role, actorID string) error {
	return e.changeRole(ctx, userID, role, actorID, true)
}

// RevokeRole revokes a workflow role. Only admins may revoke.
func (e Engine) RevokeRole(ctx context.Context, userID, role, actorID string) error {
	return e.changeRole(ctx, userID, role, actorID, false)
}

func (e Engine) changeRole(ctx context.Context, userID, role, actorID string, grant bool) error {
	if !domain.ValidRole(role) {
		return fmt.Errorf("unknown role %s", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.RequireRole(ctx, tx, actorID, domain.RoleAdmin); err != nil {
		return err
	}
	evtType := "role.granted"
	if grant {
		if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := e.Repo.GrantRole(ctx, tx, userID, role); err != nil {
			return err
		}
	} else {
		evtType = "role.revoked"
		if err := e.Repo.RevokeRole(ctx, tx, userID, role); err != nil {
			return err
		}
	}
	cycleID := ""
	if e.Config != nil {
		cycleID = e.Config.Cycle.ID
	}
	if err := e.Events.Append(ctx, tx, evtType, cycleID, "", "user", userID, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}
