package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cycleline/internal/config"
	"cycleline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertCycle(ctx context.Context, c domain.Cycle) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cycles(id,name,status,starts_at,ends_at,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, c.Status, nullable(c.StartsAt), nullable(c.EndsAt), c.CreatedAt)
	return err
}

func (r Repo) InsertCycleTx(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,name,status,starts_at,ends_at,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, c.Status, nullable(c.StartsAt), nullable(c.EndsAt), c.CreatedAt)
	return err
}

func scanCycle(row *sql.Row) (domain.Cycle, error) {
	var c domain.Cycle
	var startsAt, endsAt sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Status, &startsAt, &endsAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if startsAt.Valid {
		c.StartsAt = startsAt.String
	}
	if endsAt.Valid {
		c.EndsAt = endsAt.String
	}
	return c, err
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	return scanCycle(r.DB.QueryRowContext(ctx, `SELECT id,name,status,starts_at,ends_at,created_at FROM cycles WHERE id=?`, id))
}

// SingleCycle returns the only cycle in the database, ErrNotFound when there
// are none and an error when there is more than one.
func (r Repo) SingleCycle(ctx context.Context) (domain.Cycle, error) {
	cycles, err := r.ListCycles(ctx)
	if err != nil {
		return domain.Cycle{}, err
	}
	if len(cycles) == 0 {
		return domain.Cycle{}, ErrNotFound
	}
	if len(cycles) > 1 {
		return domain.Cycle{}, fmt.Errorf("multiple cycles exist; specify --cycle")
	}
	return cycles[0], nil
}

func (r Repo) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,starts_at,ends_at,created_at FROM cycles ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		var startsAt, endsAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &startsAt, &endsAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		if startsAt.Valid {
			c.StartsAt = startsAt.String
		}
		if endsAt.Valid {
			c.EndsAt = endsAt.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCycleStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE cycles SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,cycle_id,name,lob,tester_id,owner_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		rep.ID, rep.CycleID, rep.Name, nullable(rep.LOB), nullable(rep.TesterID), nullable(rep.OwnerID), rep.CreatedAt)
	return err
}

func scanReport(scan func(...any) error) (domain.Report, error) {
	var rep domain.Report
	var lob, testerID, ownerID sql.NullString
	err := scan(&rep.ID, &rep.CycleID, &rep.Name, &lob, &testerID, &ownerID, &rep.CreatedAt)
	if err != nil {
		return rep, err
	}
	if lob.Valid {
		rep.LOB = lob.String
	}
	if testerID.Valid {
		rep.TesterID = testerID.String
	}
	if ownerID.Valid {
		rep.OwnerID = ownerID.String
	}
	return rep, nil
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,cycle_id,name,lob,tester_id,owner_id,created_at FROM reports WHERE id=?`, id)
	rep, err := scanReport(row.Scan)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	return rep, err
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,cycle_id,name,lob,tester_id,owner_id,created_at FROM reports WHERE id=?`, id)
	rep, err := scanReport(row.Scan)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	return rep, err
}

func (r Repo) ListReports(ctx context.Context, cycleID string) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cycle_id,name,lob,tester_id,owner_id,created_at FROM reports WHERE cycle_id=? ORDER BY created_at DESC, id DESC`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

func (r Repo) UpdateReportStaffing(ctx context.Context, id string, testerID, ownerID *string) error {
	var (
		fields []string
		args   []any
	)
	if testerID != nil {
		fields = append(fields, "tester_id=?")
		args = append(args, nullable(*testerID))
	}
	if ownerID != nil {
		fields = append(fields, "owner_id=?")
		args = append(args, nullable(*ownerID))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE reports SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertCycleConfig(ctx context.Context, cycleID string, cfg *config.Config) error {
	return upsertCycleConfig(ctx, r.DB, nil, cycleID, cfg)
}

func (r Repo) UpsertCycleConfigTx(ctx context.Context, tx *sql.Tx, cycleID string, cfg *config.Config) error {
	return upsertCycleConfig(ctx, nil, tx, cycleID, cfg)
}

func upsertCycleConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cycleID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Cycle.ID = cycleID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO cycle_configs(cycle_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(cycle_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, cycleID, string(payload), now, now)
	return err
}

func (r Repo) GetCycleConfig(ctx context.Context, cycleID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM cycle_configs WHERE cycle_id=?`, cycleID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Cycle.ID == "" {
		cfg.Cycle.ID = cycleID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cycleID, reportID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, cycleID, reportID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, cycleID, reportID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if reportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, reportID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(cycle_id,''),COALESCE(report_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, cycleID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(cycle_id,''),COALESCE(report_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CycleID, &e.ReportID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a cycle.
func (r Repo) LatestEventID(ctx context.Context, cycleID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE cycle_id=?`, cycleID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
