package model

import "time"

// RefreshToken models an entry in the `refresh_tokens` table. The plain
// token is never stored; only its SHA-256 hex digest. A row is single-use:
// rotation marks it consumed exactly once, and a second presentation of a
// consumed token is treated as theft.
//
// Fields:
//  ID         – primary key identifier.
//  AccountID  – owner of the token.
//  DeviceID   – opaque device fingerprint the pair was issued to (may be empty).
//  TokenHash  – SHA-256 hex digest of the raw token value.
//  ExpiresAt  – expiration timestamp.
//  ConsumedAt – when the token was exchanged during rotation (null if live).
//  RevokedAt  – when the token was revoked out-of-band (null if not).
//  CreatedAt  – timestamp of issuance.
type RefreshToken struct {
	ID         uint64     // refresh_tokens.id
	AccountID  uint64     // refresh_tokens.account_id
	DeviceID   string     // refresh_tokens.device_id
	TokenHash  string     // refresh_tokens.token_hash
	ExpiresAt  time.Time  // refresh_tokens.expires_at
	ConsumedAt *time.Time // refresh_tokens.consumed_at (nullable)
	RevokedAt  *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt  time.Time  // refresh_tokens.created_at
}
