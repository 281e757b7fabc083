package repo

import (
	"context"
	"database/sql"

	"cycleline/internal/domain"
)

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(cycle_id,report_id,phase_name,ordinal,started_at,planned_end_date,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.CycleID, p.ReportID, p.PhaseName, p.Ordinal, nullable(p.StartedAt), nullable(p.PlannedEndDate), nullable(p.CompletedAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func scanPhase(scan func(...any) error) (domain.Phase, error) {
	var p domain.Phase
	var startedAt, plannedEnd, completedAt sql.NullString
	err := scan(&p.CycleID, &p.ReportID, &p.PhaseName, &p.Ordinal, &startedAt, &plannedEnd, &completedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if startedAt.Valid {
		p.StartedAt = startedAt.String
	}
	if plannedEnd.Valid {
		p.PlannedEndDate = plannedEnd.String
	}
	if completedAt.Valid {
		p.CompletedAt = completedAt.String
	}
	return p, nil
}

const phaseColumns = `cycle_id,report_id,phase_name,ordinal,started_at,planned_end_date,completed_at,created_at,updated_at`

func (r Repo) GetPhase(ctx context.Context, cycleID, reportID, phaseName string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE cycle_id=? AND report_id=? AND phase_name=?`,
		cycleID, reportID, phaseName)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, phaseName string) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE cycle_id=? AND report_id=? AND phase_name=?`,
		cycleID, reportID, phaseName)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPhases(ctx context.Context, cycleID, reportID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE cycle_id=? AND report_id=? ORDER BY ordinal ASC`,
		cycleID, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET started_at=?, planned_end_date=?, completed_at=?, updated_at=? WHERE cycle_id=? AND report_id=? AND phase_name=?`,
		nullable(p.StartedAt), nullable(p.PlannedEndDate), nullable(p.CompletedAt), p.UpdatedAt, p.CycleID, p.ReportID, p.PhaseName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(cycle_id,report_id,phase_name,activity_name,state,ordinal,required,started_at,completed_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.CycleID, a.ReportID, a.PhaseName, a.ActivityName, a.State, a.Ordinal, boolToInt(a.Required), nullable(a.StartedAt), nullable(a.CompletedAt), a.UpdatedAt)
	return err
}

func scanActivity(scan func(...any) error) (domain.Activity, error) {
	var a domain.Activity
	var required int
	var startedAt, completedAt sql.NullString
	err := scan(&a.CycleID, &a.ReportID, &a.PhaseName, &a.ActivityName, &a.State, &a.Ordinal, &required, &startedAt, &completedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.Required = required != 0
	if startedAt.Valid {
		a.StartedAt = startedAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = completedAt.String
	}
	return a, nil
}

const activityColumns = `cycle_id,report_id,phase_name,activity_name,state,ordinal,required,started_at,completed_at,updated_at`

func (r Repo) GetActivity(ctx context.Context, cycleID, reportID, phaseName, activityName string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE cycle_id=? AND report_id=? AND phase_name=? AND activity_name=?`,
		cycleID, reportID, phaseName, activityName)
	a, err := scanActivity(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, phaseName, activityName string) (domain.Activity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE cycle_id=? AND report_id=? AND phase_name=? AND activity_name=?`,
		cycleID, reportID, phaseName, activityName)
	a, err := scanActivity(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListActivities(ctx context.Context, cycleID, reportID, phaseName string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE cycle_id=? AND report_id=? AND phase_name=? ORDER BY ordinal ASC`,
		cycleID, reportID, phaseName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListActivitiesTx(ctx context.Context, tx *sql.Tx, cycleID, reportID, phaseName string) ([]domain.Activity, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE cycle_id=? AND report_id=? AND phase_name=? ORDER BY ordinal ASC`,
		cycleID, reportID, phaseName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateActivityTx(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET state=?, started_at=?, completed_at=?, updated_at=? WHERE cycle_id=? AND report_id=? AND phase_name=? AND activity_name=?`,
		a.State, nullable(a.StartedAt), nullable(a.CompletedAt), a.UpdatedAt, a.CycleID, a.ReportID, a.PhaseName, a.ActivityName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
