package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/iliyamo/auth-session-service/internal/model"
)

// CredentialRepo persists WebAuthn credentials. Rows are soft-revoked,
// never deleted, so credential ids stay in history for audit.
type CredentialRepo struct{ DB *sql.DB }

func NewCredentialRepo(db *sql.DB) *CredentialRepo { return &CredentialRepo{DB: db} }

const credentialColumns = "id,account_id,credential_id,public_key,attestation_type,sign_count,backup_eligible,backed_up,device_name,revoked_at,created_at,last_used_at"

// Create inserts a new credential and returns its ID. A duplicate
// credential_id for any account maps to ErrDuplicateCredential.
func (r *CredentialRepo) Create(ctx context.Context, c model.Credential) (uint64, error) {
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO webauthn_credentials (account_id, credential_id, public_key, attestation_type, sign_count, backup_eligible, backed_up, device_name) VALUES (?,?,?,?,?,?,?,?)",
		c.AccountID, c.CredentialID, c.PublicKey, c.AttestationType, c.SignCount,
		c.BackupEligible, c.BackedUp, c.DeviceName)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return 0, ErrDuplicateCredential
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// ListByAccount returns every credential for an account, revoked included.
func (r *CredentialRepo) ListByAccount(ctx context.Context, accountID uint64) ([]model.Credential, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+credentialColumns+" FROM webauthn_credentials WHERE account_id=? ORDER BY id",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActiveByAccount returns only non-revoked credentials.
func (r *CredentialRepo) ListActiveByAccount(ctx context.Context, accountID uint64) ([]model.Credential, error) {
	all, err := r.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, c := range all {
		if !c.Revoked() {
			active = append(active, c)
		}
	}
	return active, nil
}

// ExistsByCredentialID checks global uniqueness across all accounts.
func (r *CredentialRepo) ExistsByCredentialID(ctx context.Context, credentialID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		"SELECT 1 FROM webauthn_credentials WHERE credential_id=? LIMIT 1",
		credentialID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateSignCount persists a verified counter and stamps last_used_at. The
// WHERE guard keeps the counter monotonic even if two assertions race: the
// stored value can only move forward.
func (r *CredentialRepo) UpdateSignCount(ctx context.Context, accountID uint64, credentialID string, signCount uint32) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE webauthn_credentials SET sign_count=?, last_used_at=UTC_TIMESTAMP() WHERE account_id=? AND credential_id=? AND sign_count<?",
		signCount, accountID, credentialID, signCount)
	return err
}

// TouchLastUsed stamps usage for authenticators that never advance their
// counter (it stays zero), where UpdateSignCount's guard would not fire.
func (r *CredentialRepo) TouchLastUsed(ctx context.Context, accountID uint64, credentialID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE webauthn_credentials SET last_used_at=UTC_TIMESTAMP() WHERE account_id=? AND credential_id=?",
		accountID, credentialID)
	return err
}

// Revoke soft-revokes a credential for an account.
func (r *CredentialRepo) Revoke(ctx context.Context, accountID uint64, credentialID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE webauthn_credentials SET revoked_at=UTC_TIMESTAMP() WHERE account_id=? AND credential_id=? AND revoked_at IS NULL",
		accountID, credentialID)
	return err
}

// CountActiveByAccount reports how many usable credentials remain.
func (r *CredentialRepo) CountActiveByAccount(ctx context.Context, accountID uint64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM webauthn_credentials WHERE account_id=? AND revoked_at IS NULL",
		accountID).Scan(&n)
	return n, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanCredential(row rowScanner) (model.Credential, error) {
	var (
		c        model.Credential
		revoked  sql.NullTime
		lastUsed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.CredentialID, &c.PublicKey, &c.AttestationType,
		&c.SignCount, &c.BackupEligible, &c.BackedUp, &c.DeviceName, &revoked,
		&c.CreatedAt, &lastUsed)
	if err != nil {
		return model.Credential{}, err
	}
	if revoked.Valid {
		c.RevokedAt = &revoked.Time
	}
	if lastUsed.Valid {
		c.LastUsedAt = &lastUsed.Time
	}
	return c, nil
}
