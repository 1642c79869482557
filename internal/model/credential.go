package model

import "time"

// Credential models an entry in the `webauthn_credentials` table. Credential
// IDs are globally unique across all accounts. Rows are never deleted:
// compromised or removed credentials are soft-revoked so the id stays in
// history for audit.
//
// SignCount is the authenticator's signature counter and must never decrease
// across successful assertions; a repeat or regression is treated as proof of
// cloning and flips RevokedAt.
//
// Fields:
//  ID             – primary key identifier.
//  AccountID      – owner of the credential.
//  CredentialID   – base64url-encoded opaque credential id from the authenticator.
//  PublicKey      – COSE public key bytes.
//  AttestationType– attestation format reported at registration.
//  SignCount      – last verified signature counter (monotonic non-decreasing).
//  BackupEligible – authenticator flag BE.
//  BackedUp       – authenticator flag BS.
//  DeviceName     – user-supplied label for the authenticator.
//  RevokedAt      – when the credential was revoked (null if usable).
//  CreatedAt      – timestamp of registration.
//  LastUsedAt     – last successful assertion (nullable).
type Credential struct {
	ID              uint64     // webauthn_credentials.id
	AccountID       uint64     // webauthn_credentials.account_id
	CredentialID    string     // webauthn_credentials.credential_id
	PublicKey       []byte     // webauthn_credentials.public_key
	AttestationType string     // webauthn_credentials.attestation_type
	SignCount       uint32     // webauthn_credentials.sign_count
	BackupEligible  bool       // webauthn_credentials.backup_eligible
	BackedUp        bool       // webauthn_credentials.backed_up
	DeviceName      string     // webauthn_credentials.device_name
	RevokedAt       *time.Time // webauthn_credentials.revoked_at (nullable)
	CreatedAt       time.Time  // webauthn_credentials.created_at
	LastUsedAt      *time.Time // webauthn_credentials.last_used_at (nullable)
}

// Revoked reports whether the credential has been soft-revoked.
func (c Credential) Revoked() bool { return c.RevokedAt != nil }
