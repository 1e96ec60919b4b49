package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UserState is a per-user key/value store. It backs UI state that must
// survive across sessions, such as dismissed notifications.
type UserState struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s UserState) Get(ctx context.Context, userID, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM user_state WHERE user_id=? AND key=?`, userID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s UserState) Set(ctx context.Context, userID, key, value string) error {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO user_state(user_id,key,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		userID, key, value, now().UTC().Format(time.RFC3339))
	return err
}

func (s UserState) Delete(ctx context.Context, userID, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM user_state WHERE user_id=? AND key=?`, userID, key)
	return err
}
