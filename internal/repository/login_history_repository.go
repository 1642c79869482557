package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/auth-session-service/internal/model"
)

// LoginHistoryRepo appends login attempts. Rows are never updated.
type LoginHistoryRepo struct{ DB *sql.DB }

func NewLoginHistoryRepo(db *sql.DB) *LoginHistoryRepo { return &LoginHistoryRepo{DB: db} }

// Append records one attempt.
func (r *LoginHistoryRepo) Append(ctx context.Context, accountID uint64, deviceID, ip string, success bool) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO login_history (account_id, device_id, ip, success) VALUES (?,?,?,?)",
		accountID, deviceID, ip, success)
	return err
}

// RecentByAccount returns the newest attempts, capped by limit.
func (r *LoginHistoryRepo) RecentByAccount(ctx context.Context, accountID uint64, limit int) ([]model.LoginHistory, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT id,account_id,device_id,ip,success,created_at FROM login_history WHERE account_id=? ORDER BY id DESC LIMIT ?",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LoginHistory
	for rows.Next() {
		var h model.LoginHistory
		if err := rows.Scan(&h.ID, &h.AccountID, &h.DeviceID, &h.IP, &h.Success, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
