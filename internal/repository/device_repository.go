package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/auth-session-service/internal/model"
)

// DeviceRepo persists per-account device records keyed by the
// client-supplied opaque fingerprint.
type DeviceRepo struct{ DB *sql.DB }

func NewDeviceRepo(db *sql.DB) *DeviceRepo { return &DeviceRepo{DB: db} }

// Get fetches a device by (account, fingerprint).
func (r *DeviceRepo) Get(ctx context.Context, accountID uint64, deviceID string) (model.Device, error) {
	var d model.Device
	err := r.DB.QueryRowContext(ctx,
		"SELECT id,account_id,device_id,name,trusted,last_used_at,created_at FROM devices WHERE account_id=? AND device_id=? LIMIT 1",
		accountID, deviceID).Scan(&d.ID, &d.AccountID, &d.DeviceID, &d.Name, &d.Trusted, &d.LastUsedAt, &d.CreatedAt)
	return d, err
}

// Create inserts a first-seen device, untrusted.
func (r *DeviceRepo) Create(ctx context.Context, accountID uint64, deviceID, name string) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO devices (account_id, device_id, name, trusted, last_used_at) VALUES (?,?,?,0,UTC_TIMESTAMP())",
		accountID, deviceID, name)
	return err
}

// Touch refreshes last_used_at and the user-agent derived name.
func (r *DeviceRepo) Touch(ctx context.Context, accountID uint64, deviceID, name string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE devices SET last_used_at=UTC_TIMESTAMP(), name=? WHERE account_id=? AND device_id=?",
		name, accountID, deviceID)
	return err
}

// Trust marks a device as trusted. Only the step-up completion paths call
// this; a password check alone never does.
func (r *DeviceRepo) Trust(ctx context.Context, accountID uint64, deviceID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE devices SET trusted=1 WHERE account_id=? AND device_id=?",
		accountID, deviceID)
	return err
}

// ListByAccount returns all devices seen for an account.
func (r *DeviceRepo) ListByAccount(ctx context.Context, accountID uint64) ([]model.Device, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT id,account_id,device_id,name,trusted,last_used_at,created_at FROM devices WHERE account_id=? ORDER BY last_used_at DESC",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.AccountID, &d.DeviceID, &d.Name, &d.Trusted, &d.LastUsedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
