package repo

import (
	"context"
	"database/sql"

	"cycleline/internal/domain"
)

const approvalItemColumns = `id,assignment_id,item_key,description,decision,comments,decided_by,decided_at,created_at,updated_at`

func scanApprovalItem(scan func(...any) error) (domain.ApprovalItem, error) {
	var it domain.ApprovalItem
	var description, comments, decidedBy, decidedAt sql.NullString
	err := scan(&it.ID, &it.AssignmentID, &it.ItemKey, &description, &it.Decision, &comments, &decidedBy, &decidedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	if description.Valid {
		it.Description = description.String
	}
	if comments.Valid {
		it.Comments = comments.String
	}
	if decidedBy.Valid {
		it.DecidedBy = decidedBy.String
	}
	if decidedAt.Valid {
		it.DecidedAt = decidedAt.String
	}
	return it, nil
}

func (r Repo) InsertApprovalItemTx(ctx context.Context, tx *sql.Tx, it domain.ApprovalItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_items(`+approvalItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.AssignmentID, it.ItemKey, nullable(it.Description), it.Decision, nullable(it.Comments),
		nullable(it.DecidedBy), nullable(it.DecidedAt), it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetApprovalItem(ctx context.Context, id string) (domain.ApprovalItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalItemColumns+` FROM approval_items WHERE id=?`, id)
	it, err := scanApprovalItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) GetApprovalItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalItemColumns+` FROM approval_items WHERE id=?`, id)
	it, err := scanApprovalItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) UpdateApprovalItemTx(ctx context.Context, tx *sql.Tx, it domain.ApprovalItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_items SET description=?, decision=?, comments=?, decided_by=?, decided_at=?, updated_at=? WHERE id=?`,
		nullable(it.Description), it.Decision, nullable(it.Comments), nullable(it.DecidedBy), nullable(it.DecidedAt), it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListApprovalItems(ctx context.Context, assignmentID string) ([]domain.ApprovalItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalItemColumns+` FROM approval_items WHERE assignment_id=? ORDER BY created_at ASC, id ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovalItems(rows)
}

func (r Repo) ListApprovalItemsTx(ctx context.Context, tx *sql.Tx, assignmentID string) ([]domain.ApprovalItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+approvalItemColumns+` FROM approval_items WHERE assignment_id=? ORDER BY created_at ASC, id ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovalItems(rows)
}

func collectApprovalItems(rows *sql.Rows) ([]domain.ApprovalItem, error) {
	var res []domain.ApprovalItem
	for rows.Next() {
		it, err := scanApprovalItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
