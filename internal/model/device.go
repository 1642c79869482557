package model

import "time"

// Device models an entry in the `devices` table. A device is upserted on
// every login keyed by (AccountID, DeviceID) where DeviceID is a
// client-supplied opaque fingerprint string. Trusted flips to true only via
// an explicit trust action after a successful step-up, never from a password
// check alone.
//
// Fields:
//  ID         – primary key identifier.
//  AccountID  – owner of the device record.
//  DeviceID   – client-supplied opaque fingerprint.
//  Name       – user-agent derived label (e.g. browser/OS).
//  Trusted    – whether step-up may be skipped for this device.
//  LastUsedAt – last login attempt from this device.
//  CreatedAt  – first sighting of this device.
type Device struct {
	ID         uint64    // devices.id
	AccountID  uint64    // devices.account_id
	DeviceID   string    // devices.device_id
	Name       string    // devices.name
	Trusted    bool      // devices.trusted
	LastUsedAt time.Time // devices.last_used_at
	CreatedAt  time.Time // devices.created_at
}
