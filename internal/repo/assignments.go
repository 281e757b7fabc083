package repo

import (
	"context"
	"database/sql"
	"strings"

	"cycleline/internal/domain"
)

const assignmentColumns = `id,assignment_type,cycle_id,report_id,phase_name,from_user,to_user,to_role,title,description,context_json,status,priority,due_date,revision,version,completion_notes,created_at,updated_at,acknowledged_at,started_at,completed_at`

func scanAssignment(scan func(...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var toUser, toRole, description, contextJSON, priority, dueDate, notes sql.NullString
	var acknowledgedAt, startedAt, completedAt sql.NullString
	err := scan(&a.ID, &a.AssignmentType, &a.CycleID, &a.ReportID, &a.PhaseName, &a.FromUser, &toUser, &toRole,
		&a.Title, &description, &contextJSON, &a.Status, &priority, &dueDate, &a.Revision, &a.Version, &notes,
		&a.CreatedAt, &a.UpdatedAt, &acknowledgedAt, &startedAt, &completedAt)
	if err != nil {
		return a, err
	}
	if toUser.Valid {
		a.ToUser = toUser.String
	}
	if toRole.Valid {
		a.ToRole = toRole.String
	}
	if description.Valid {
		a.Description = description.String
	}
	if contextJSON.Valid {
		a.ContextJSON = contextJSON.String
	}
	if priority.Valid {
		a.Priority = priority.String
	}
	if dueDate.Valid {
		a.DueDate = dueDate.String
	}
	if notes.Valid {
		a.CompletionNotes = notes.String
	}
	if acknowledgedAt.Valid {
		a.AcknowledgedAt = acknowledgedAt.String
	}
	if startedAt.Valid {
		a.StartedAt = startedAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = completedAt.String
	}
	return a, nil
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AssignmentType, a.CycleID, a.ReportID, a.PhaseName, a.FromUser, nullable(a.ToUser), nullable(a.ToRole),
		a.Title, nullable(a.Description), nullable(a.ContextJSON), a.Status, nullable(a.Priority), nullable(a.DueDate),
		a.Revision, a.Version, nullable(a.CompletionNotes), a.CreatedAt, a.UpdatedAt,
		nullable(a.AcknowledgedAt), nullable(a.StartedAt), nullable(a.CompletedAt))
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// FindActiveAssignmentTx returns the active assignment for a scope, if any.
func (r Repo) FindActiveAssignmentTx(ctx context.Context, tx *sql.Tx, assignmentType, cycleID, reportID, phaseName string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE assignment_type=? AND cycle_id=? AND report_id=? AND phase_name=? AND status IN ('assigned','acknowledged','in_progress') LIMIT 1`,
		assignmentType, cycleID, reportID, phaseName)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// LatestAssignmentByScope returns the most recent assignment for a scope
// regardless of status. The aggregator uses it to evaluate approval gates.
func (r Repo) LatestAssignmentByScope(ctx context.Context, assignmentType, cycleID, reportID, phaseName string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE assignment_type=? AND cycle_id=? AND report_id=? AND phase_name=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		assignmentType, cycleID, reportID, phaseName)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) LatestAssignmentByScopeTx(ctx context.Context, tx *sql.Tx, assignmentType, cycleID, reportID, phaseName string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE assignment_type=? AND cycle_id=? AND report_id=? AND phase_name=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		assignmentType, cycleID, reportID, phaseName)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type AssignmentFilters struct {
	CycleID         string
	ReportID        string
	PhaseName       string
	AssignmentType  string
	Status          string
	ToUser          string
	ToRole          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.ReportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, f.ReportID)
	}
	if f.PhaseName != "" {
		clauses = append(clauses, "phase_name=?")
		args = append(args, f.PhaseName)
	}
	if f.AssignmentType != "" {
		clauses = append(clauses, "assignment_type=?")
		args = append(args, f.AssignmentType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ToUser != "" {
		clauses = append(clauses, "to_user=?")
		args = append(args, f.ToUser)
	}
	if f.ToRole != "" {
		clauses = append(clauses, "to_role=?")
		args = append(args, f.ToRole)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAssignmentTx writes the row guarded by its pre-write version and bumps
// the version. RowsAffected 0 means the row moved underneath the caller.
func (r Repo) UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) (domain.Assignment, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET to_user=?, to_role=?, title=?, description=?, context_json=?, status=?, priority=?, due_date=?, revision=?, version=version+1, completion_notes=?, updated_at=?, acknowledged_at=?, started_at=?, completed_at=?
WHERE id=? AND version=?`,
		nullable(a.ToUser), nullable(a.ToRole), a.Title, nullable(a.Description), nullable(a.ContextJSON), a.Status,
		nullable(a.Priority), nullable(a.DueDate), a.Revision, nullable(a.CompletionNotes), a.UpdatedAt,
		nullable(a.AcknowledgedAt), nullable(a.StartedAt), nullable(a.CompletedAt), a.ID, a.Version)
	if err != nil {
		return domain.Assignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Assignment{}, &domain.StaleStateError{Entity: "assignment", ID: a.ID, Expected: a.Version}
	}
	a.Version++
	return a, nil
}
