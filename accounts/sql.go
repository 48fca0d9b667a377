package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/spotlink/crypto"
	"github.com/onnwee/spotlink/db"
)

// SQLStore implements Store over Postgres or SQLite. Token columns pass through a
// crypto.Sealer on the way in and out.
type SQLStore struct {
	db     *db.DB
	sealer *crypto.Sealer
	now    func() time.Time
}

func NewSQLStore(database *db.DB, sealer *crypto.Sealer) *SQLStore {
	if sealer == nil {
		sealer = crypto.NewSealer(nil)
	}
	return &SQLStore{db: database, sealer: sealer, now: time.Now}
}

const selectAccount = `SELECT owner_user_id, access_token, refresh_token, token_expires_at,
	external_account_id, external_display_name, needs_reauth, created_at, updated_at
	FROM external_accounts WHERE owner_user_id = ?`

func (s *SQLStore) Get(ctx context.Context, ownerUserID int64) (*Account, error) {
	var (
		a                  Account
		extID, displayName sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(selectAccount), ownerUserID).Scan(
		&a.OwnerUserID, &a.AccessToken, &a.RefreshToken, &a.TokenExpiresAt,
		&extID, &displayName, &a.NeedsReauth, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", ownerUserID, err)
	}

	if a.AccessToken, err = s.sealer.Open(a.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token for %d: %w", ownerUserID, err)
	}
	if a.RefreshToken, err = s.sealer.Open(a.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token for %d: %w", ownerUserID, err)
	}
	a.ExternalAccountID = extID.String
	a.ExternalDisplayName = displayName.String
	a.TokenExpiresAt = a.TokenExpiresAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (s *SQLStore) Upsert(ctx context.Context, a *Account) error {
	access, refresh, err := s.seal(a.AccessToken, a.RefreshToken)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	q := `INSERT INTO external_accounts (owner_user_id, access_token, refresh_token, token_expires_at,
			external_account_id, external_display_name, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN external_accounts.refresh_token ELSE excluded.refresh_token END,
			token_expires_at = excluded.token_expires_at,
			external_account_id = excluded.external_account_id,
			external_display_name = excluded.external_display_name,
			needs_reauth = excluded.needs_reauth,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, s.db.Rebind(q),
		a.OwnerUserID, access, refresh, a.TokenExpiresAt.UTC(),
		nullString(a.ExternalAccountID), nullString(a.ExternalDisplayName), false, now, now)
	if err != nil {
		return fmt.Errorf("upsert account %d: %w", a.OwnerUserID, err)
	}
	return nil
}

func (s *SQLStore) UpdateTokens(ctx context.Context, ownerUserID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	access, refresh, err := s.seal(accessToken, refreshToken)
	if err != nil {
		return err
	}
	q := `UPDATE external_accounts SET
			access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			token_expires_at = ?,
			updated_at = ?
		WHERE owner_user_id = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		access, refresh, refresh, expiresAt.UTC(), s.now().UTC(), ownerUserID)
	if err != nil {
		return fmt.Errorf("update tokens for %d: %w", ownerUserID, err)
	}
	return expectOne(res)
}

func (s *SQLStore) MarkNeedsReauth(ctx context.Context, ownerUserID int64) error {
	q := `UPDATE external_accounts SET needs_reauth = ?, updated_at = ? WHERE owner_user_id = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), true, s.now().UTC(), ownerUserID)
	if err != nil {
		return fmt.Errorf("flag account %d for reauth: %w", ownerUserID, err)
	}
	return expectOne(res)
}

func (s *SQLStore) Delete(ctx context.Context, ownerUserID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM external_accounts WHERE owner_user_id = ?`), ownerUserID)
	if err != nil {
		return false, fmt.Errorf("delete account %d: %w", ownerUserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT owner_user_id FROM external_accounts
		WHERE needs_reauth = ? AND token_expires_at < ?
		ORDER BY token_expires_at LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), false, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring accounts: %w", err)
	}
	defer rows.Close()

	var owners []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

// EncryptReport summarizes an EncryptPlaintext run.
type EncryptReport struct {
	Total     int
	Plaintext int
	Migrated  int
	Errors    int
}

// EncryptPlaintext seals every row still holding plaintext tokens. With dryRun it only counts.
// Each row is updated only if its tokens did not change since they were read.
func (s *SQLStore) EncryptPlaintext(ctx context.Context, dryRun bool) (EncryptReport, error) {
	var rep EncryptReport
	if !s.sealer.Enabled() {
		return rep, fmt.Errorf("ENCRYPTION_KEY is required to encrypt tokens")
	}

	type row struct {
		owner           int64
		access, refresh string
	}
	rows, err := s.db.QueryContext(ctx, `SELECT owner_user_id, access_token, refresh_token FROM external_accounts ORDER BY owner_user_id`)
	if err != nil {
		return rep, fmt.Errorf("query tokens: %w", err)
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.owner, &r.access, &r.refresh); err != nil {
			rows.Close()
			return rep, fmt.Errorf("scan token row: %w", err)
		}
		rep.Total++
		if (r.access != "" && !crypto.IsSealed(r.access)) || (r.refresh != "" && !crypto.IsSealed(r.refresh)) {
			pending = append(pending, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rep, fmt.Errorf("iterate token rows: %w", err)
	}
	rep.Plaintext = len(pending)

	for i, r := range pending {
		logger := slog.With(slog.Int64("owner_user_id", r.owner), slog.Int("index", i+1), slog.Int("total", len(pending)))
		if dryRun {
			logger.Info("would encrypt tokens (dry-run)")
			continue
		}
		access, err := s.sealIfPlain(r.access)
		if err == nil {
			var refresh string
			if refresh, err = s.sealIfPlain(r.refresh); err == nil {
				err = s.swapTokens(ctx, r.owner, r.access, r.refresh, access, refresh)
			}
		}
		if err != nil {
			logger.Error("failed to encrypt tokens", slog.Any("err", err))
			rep.Errors++
			continue
		}
		logger.Info("encrypted tokens")
		rep.Migrated++
	}
	if rep.Errors > 0 {
		return rep, fmt.Errorf("encryption completed with %d errors", rep.Errors)
	}
	return rep, nil
}

func (s *SQLStore) swapTokens(ctx context.Context, owner int64, oldAccess, oldRefresh, newAccess, newRefresh string) error {
	q := `UPDATE external_accounts SET access_token = ?, refresh_token = ?
		WHERE owner_user_id = ? AND access_token = ? AND refresh_token = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), newAccess, newRefresh, owner, oldAccess, oldRefresh)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("row changed concurrently: %w", err)
	}
	return nil
}

func (s *SQLStore) sealIfPlain(v string) (string, error) {
	if v == "" || crypto.IsSealed(v) {
		return v, nil
	}
	return s.sealer.Seal(v)
}

func (s *SQLStore) seal(access, refresh string) (string, string, error) {
	a, err := s.sealer.Seal(access)
	if err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	r, err := s.sealer.Seal(refresh)
	if err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return a, r, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
