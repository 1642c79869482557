package model

import "time"

// Account represents a row in the `accounts` table. Each field maps to a
// column. JSON tags are omitted because these structs are used by the
// repository layer only; handlers define their own response types.
//
// The CurrentRefreshHash/CurrentRefreshExpiresAt pair is a legacy single-slot
// mirror of the newest refresh token. Rotation state proper lives in the
// `refresh_tokens` table; the slot exists for compatibility with older
// clients of the schema and is updated on every issuance.
//
// Fields:
//  ID                     – primary key identifier of the account.
//  Email                  – unique, lower-cased email address.
//  PasswordHash           – bcrypt hashed password.
//  Role                   – role name (e.g. USER or ADMIN).
//  EmailConfirmed         – whether the address was confirmed via OTP.
//  TwoFactorEnabled       – whether a TOTP second factor is active.
//  WebAuthnEnabled        – whether at least one passkey credential is active.
//  TotpSecret             – base32 TOTP secret (empty until 2FA is enrolled).
//  IsActive               – whether the account may log in.
//  CurrentRefreshHash     – SHA-256 hex of the newest refresh token (legacy slot).
//  CurrentRefreshExpiresAt– expiry of the legacy slot (nullable).
//  LastLoginAt            – timestamp of the last successful token issuance (nullable).
//  CreatedAt              – timestamp of creation.
//  UpdatedAt              – timestamp of last update.
type Account struct {
	ID                      uint64     // accounts.id
	Email                   string     // accounts.email
	PasswordHash            string     // accounts.password_hash
	Role                    string     // accounts.role
	EmailConfirmed          bool       // accounts.email_confirmed
	TwoFactorEnabled        bool       // accounts.two_factor_enabled
	WebAuthnEnabled         bool       // accounts.webauthn_enabled
	TotpSecret              string     // accounts.totp_secret
	IsActive                bool       // accounts.is_active
	CurrentRefreshHash      string     // accounts.current_refresh_hash
	CurrentRefreshExpiresAt *time.Time // accounts.current_refresh_expires_at (nullable)
	LastLoginAt             *time.Time // accounts.last_login_at (nullable)
	CreatedAt               time.Time  // accounts.created_at
	UpdatedAt               time.Time  // accounts.updated_at
}
