package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates a missing role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// Service provides role membership helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if userID == "" {
		return errors.New("user_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (s Service) UserHasRole(ctx context.Context, tx *sql.Tx, userID, role string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM user_roles WHERE user_id=? AND role=? LIMIT 1`, userID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) UserRoles(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// RequireRole returns ForbiddenError when the user does not hold the role.
func (s Service) RequireRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	ok, err := s.UserHasRole(ctx, tx, userID, role)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: role}
	}
	return nil
}
