// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// auth services to distinguish between different failure scenarios
// without inspecting driver-specific errors.
package repository

import "errors"

// ErrEmailExists is returned when account creation collides with an
// existing email address.
var ErrEmailExists = errors.New("email already exists")

// ErrDuplicateCredential is returned when a WebAuthn credential id is
// already registered, for any account. Credential ids are globally unique.
var ErrDuplicateCredential = errors.New("credential id already registered")

// ErrAlreadyConsumed is returned by the refresh-token consume step when the
// row was consumed by a concurrent or earlier rotation. Exactly one caller
// can win the compare-and-swap; everyone else sees this error.
var ErrAlreadyConsumed = errors.New("refresh token already consumed")
