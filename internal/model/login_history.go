package model

import "time"

// LoginHistory models an append-only row in the `login_history` table. One
// row is written per password check: successful issuances and failed
// attempts both land here so an account's recent activity can be shown.
type LoginHistory struct {
	ID        uint64    // login_history.id
	AccountID uint64    // login_history.account_id
	DeviceID  string    // login_history.device_id
	IP        string    // login_history.ip
	Success   bool      // login_history.success
	CreatedAt time.Time // login_history.created_at
}
