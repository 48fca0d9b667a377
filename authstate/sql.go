package authstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/spotlink/db"
)

// SQLStore keeps states in the auth_states table. Consume is a single
// DELETE ... RETURNING, so two callbacks racing on one state cannot both win.
type SQLStore struct {
	db  *db.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLStore(database *db.DB, ttl time.Duration) *SQLStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLStore{db: database, ttl: ttl, now: time.Now}
}

func (s *SQLStore) Issue(ctx context.Context, ownerUserID int64) (string, error) {
	tok, err := NewToken()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO auth_states (token, owner_user_id, issued_at, expires_at) VALUES (?, ?, ?, ?)`),
		tok, ownerUserID, now, now.Add(s.ttl))
	if err != nil {
		return "", fmt.Errorf("store auth state: %w", err)
	}
	return tok, nil
}

func (s *SQLStore) Consume(ctx context.Context, token string) (int64, bool, error) {
	if token == "" {
		return 0, false, nil
	}
	var owner int64
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`DELETE FROM auth_states WHERE token = ? AND expires_at > ? RETURNING owner_user_id`),
		token, s.now().UTC()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume auth state: %w", err)
	}
	return owner, true, nil
}

// Sweep deletes expired states.
func (s *SQLStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM auth_states WHERE expires_at <= ?`), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep auth states: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
