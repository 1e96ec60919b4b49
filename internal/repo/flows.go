package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"actionflow/internal/domain"
)

const flowColumns = `id,title,description,deadline,assignee_id,status,sections_json,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (domain.ActionFlow, error) {
	var (
		f        domain.ActionFlow
		deadline sql.NullString
		assignee sql.NullString
		status   string
		sections string
	)
	err := row.Scan(&f.ID, &f.Title, &f.Description, &deadline, &assignee, &status, &sections, &f.CreatedBy, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Deadline = stringPtr(deadline)
	f.AssigneeID = stringPtr(assignee)
	f.Status = domain.FlowStatus(status)
	f.Sections = domain.DecodeSections([]byte(sections))
	return f, nil
}

// InsertFlow stores a new flow with its sections serialized as JSON.
func (r Repo) InsertFlow(ctx context.Context, tx *sql.Tx, f domain.ActionFlow) error {
	blob, err := domain.EncodeSections(f.Sections)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO action_flows(`+flowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Title, f.Description, nullableStringPtr(f.Deadline), nullableStringPtr(f.AssigneeID), string(f.Status), blob,
		f.CreatedBy, f.CreatedAt, f.UpdatedAt)
	return err
}

// SaveFlow overwrites every mutable column of a flow. Last write wins.
func (r Repo) SaveFlow(ctx context.Context, tx *sql.Tx, f domain.ActionFlow) error {
	blob, err := domain.EncodeSections(f.Sections)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE action_flows SET title=?,description=?,deadline=?,assignee_id=?,status=?,sections_json=?,updated_at=? WHERE id=?`,
		f.Title, f.Description, nullableStringPtr(f.Deadline), nullableStringPtr(f.AssigneeID), string(f.Status), blob, f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetFlow(ctx context.Context, id string) (domain.ActionFlow, error) {
	return r.GetFlowTx(ctx, nil, id)
}

func (r Repo) GetFlowTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActionFlow, error) {
	return scanFlow(r.q(tx).QueryRowContext(ctx, `SELECT `+flowColumns+` FROM action_flows WHERE id=?`, id))
}

func (r Repo) DeleteFlow(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM action_flows WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type FlowFilters struct {
	AssigneeID string
	Status     string
	Limit      int
	// Cursor is the (updated_at, id) of the last item of the previous page.
	CursorUpdatedAt string
	CursorID        string
}

// ListFlows returns flows ordered by most recently updated first.
func (r Repo) ListFlows(ctx context.Context, f FlowFilters) ([]domain.ActionFlow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	query := fmt.Sprintf(`SELECT %s FROM action_flows WHERE %s ORDER BY updated_at DESC, id DESC`, flowColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionFlow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, flow)
	}
	return res, rows.Err()
}

// CountFlowsByStatus returns the number of flows per persisted status.
func (r Repo) CountFlowsByStatus(ctx context.Context, assigneeID string) (map[string]int, error) {
	query := `SELECT status, COUNT(1) FROM action_flows`
	var args []any
	if assigneeID != "" {
		query += ` WHERE assignee_id=?`
		args = append(args, assigneeID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
