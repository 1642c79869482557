package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/utils"
)

// AccountRepo persists accounts in the `accounts` table.
type AccountRepo struct{ DB *sql.DB }

func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{DB: db} }

const accountColumns = "id,email,password_hash,role,email_confirmed,two_factor_enabled,webauthn_enabled,totp_secret,is_active,current_refresh_hash,current_refresh_expires_at,last_login_at,created_at,updated_at"

// Create inserts an account and returns its ID. The password is hashed with
// bcrypt at the given cost before it touches the database.
func (r *AccountRepo) Create(ctx context.Context, email, password, role string, cost int) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO accounts (email, password_hash, role) VALUES (?,?,?)",
		email, hash, role)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches an account by normalized email.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email=? LIMIT 1", email))
}

// GetByID fetches an account by id.
func (r *AccountRepo) GetByID(ctx context.Context, id uint64) (model.Account, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id=? LIMIT 1", id))
}

// ConfirmEmail marks the account's address as verified.
func (r *AccountRepo) ConfirmEmail(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET email_confirmed=1 WHERE id=?", id)
	return err
}

// StoreTotpSecret saves a freshly generated TOTP secret without enabling the
// second factor yet. Activation happens only after the account proves it can
// produce a valid code.
func (r *AccountRepo) StoreTotpSecret(ctx context.Context, id uint64, secret string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET totp_secret=? WHERE id=?", secret, id)
	return err
}

// ActivateTwoFactor flips two_factor_enabled after a successful code check.
func (r *AccountRepo) ActivateTwoFactor(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET two_factor_enabled=1 WHERE id=? AND totp_secret<>''", id)
	return err
}

// SetWebAuthnEnabled reflects whether the account has usable passkeys.
func (r *AccountRepo) SetWebAuthnEnabled(ctx context.Context, id uint64, enabled bool) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET webauthn_enabled=? WHERE id=?", enabled, id)
	return err
}

// UpdateCurrentRefresh maintains the legacy single-slot refresh mirror.
func (r *AccountRepo) UpdateCurrentRefresh(ctx context.Context, id uint64, tokenHash string, exp time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET current_refresh_hash=?, current_refresh_expires_at=? WHERE id=?",
		tokenHash, exp, id)
	return err
}

// TouchLastLogin stamps last_login_at on token issuance.
func (r *AccountRepo) TouchLastLogin(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET last_login_at=UTC_TIMESTAMP() WHERE id=?", id)
	return err
}

// Deactivate disables an account. Callers are expected to follow up with an
// account-wide token revocation.
func (r *AccountRepo) Deactivate(ctx context.Context, id uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET is_active=0 WHERE id=?", id)
	return err
}

func (r *AccountRepo) scanOne(row *sql.Row) (model.Account, error) {
	var (
		a          model.Account
		refreshExp sql.NullTime
		lastLogin  sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.EmailConfirmed,
		&a.TwoFactorEnabled, &a.WebAuthnEnabled, &a.TotpSecret, &a.IsActive,
		&a.CurrentRefreshHash, &refreshExp, &lastLogin, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return model.Account{}, err
	}
	if refreshExp.Valid {
		a.CurrentRefreshExpiresAt = &refreshExp.Time
	}
	if lastLogin.Valid {
		a.LastLoginAt = &lastLogin.Time
	}
	return a, nil
}
