package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/auth-session-service/internal/model"
)

// RefreshTokenRepo persists hashed refresh tokens. A row moves through
// exactly one of two terminal transitions: consumed (rotation) or expired
// (TTL lapse). Consumption is a compare-and-swap so concurrent rotations of
// the same token yield one winner.
type RefreshTokenRepo struct{ DB *sql.DB }

func NewRefreshTokenRepo(db *sql.DB) *RefreshTokenRepo { return &RefreshTokenRepo{DB: db} }

// Store inserts a refresh token hash row bound to an account-device pair.
func (r *RefreshTokenRepo) Store(ctx context.Context, accountID uint64, deviceID, tokenHash string, exp time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO refresh_tokens (account_id, device_id, token_hash, expires_at) VALUES (?,?,?,?)",
		accountID, deviceID, tokenHash, exp)
	return err
}

// GetByHash fetches a token row regardless of its state. Rotation needs to
// see consumed rows to tell replayed tokens apart from unknown ones.
func (r *RefreshTokenRepo) GetByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	var (
		t        model.RefreshToken
		consumed sql.NullTime
		revoked  sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT id,account_id,device_id,token_hash,expires_at,consumed_at,revoked_at,created_at FROM refresh_tokens WHERE token_hash=? LIMIT 1",
		tokenHash).Scan(&t.ID, &t.AccountID, &t.DeviceID, &t.TokenHash, &t.ExpiresAt, &consumed, &revoked, &t.CreatedAt)
	if err != nil {
		return model.RefreshToken{}, err
	}
	if consumed.Valid {
		t.ConsumedAt = &consumed.Time
	}
	if revoked.Valid {
		t.RevokedAt = &revoked.Time
	}
	return t, nil
}

// Consume atomically marks a live token as consumed. The WHERE clause is the
// compare half of the swap: only a non-consumed, non-revoked, non-expired row
// matches, and the affected-row count tells the caller whether it won.
func (r *RefreshTokenRepo) Consume(ctx context.Context, tokenHash string) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET consumed_at=UTC_TIMESTAMP() WHERE token_hash=? AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at>UTC_TIMESTAMP()",
		tokenHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyConsumed
	}
	return nil
}

// DeleteLiveForDevice clears any live rows for an account-device pair. Fresh
// password logins call this before inserting the new pair so at most one live
// token exists per device; a deleted token later presents as unknown, not as
// theft.
func (r *RefreshTokenRepo) DeleteLiveForDevice(ctx context.Context, accountID uint64, deviceID string) error {
	_, err := r.DB.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE account_id=? AND device_id=? AND consumed_at IS NULL AND revoked_at IS NULL",
		accountID, deviceID)
	return err
}

// RevokeAllForAccount revokes every live token for an account.
func (r *RefreshTokenRepo) RevokeAllForAccount(ctx context.Context, accountID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=UTC_TIMESTAMP() WHERE account_id=? AND revoked_at IS NULL",
		accountID)
	return err
}
