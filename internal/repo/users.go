package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"actionflow/internal/domain"
)

const userColumns = `id,email,name,role,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), u.Name, u.Role, u.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrConflict
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

// ListUsers returns users, optionally filtered by role, ordered by email.
func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY email ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE role=?`, domain.RoleAdmin).Scan(&n)
	return n, err
}
