// Package passkey runs the WebAuthn registration and authentication
// ceremonies against stored credentials. Challenge state lives in the
// ephemeral store under a short TTL; credentials are soft-revoked, never
// deleted. A signature counter that fails to strictly increase on a
// non-zero reading is treated as proof of cloning.
package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/iliyamo/auth-session-service/internal/audit"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/repository"
	"github.com/iliyamo/auth-session-service/internal/store"
)

var (
	// ErrChallengeNotFound is returned when no ceremony is in flight for
	// the account (or the store TTL already reaped it).
	ErrChallengeNotFound = errors.New("webauthn challenge not found")
	// ErrChallengeExpired is returned when the stored ceremony outlived
	// its deadline.
	ErrChallengeExpired = errors.New("webauthn challenge expired")
	// ErrCredentialUnknownOrRevoked is returned when the asserted
	// credential id does not resolve to a usable credential.
	ErrCredentialUnknownOrRevoked = errors.New("credential unknown or revoked")
	// ErrCredentialExists is returned when a registration response carries
	// a credential id already registered to any account.
	ErrCredentialExists = errors.New("credential already registered")
	// ErrNoCredentials is returned when authentication is initiated for an
	// account without usable credentials.
	ErrNoCredentials = errors.New("account has no usable credentials")
	// ErrSignatureCounterRegression is the clone signal: the credential is
	// revoked before this is returned. Never retried.
	ErrSignatureCounterRegression = errors.New("signature counter regression detected")
)

// Config controls relying party settings and challenge lifetime.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	ChallengeTTL  time.Duration // default 5m
}

// CredentialStore is the slice of the credential repository the ceremonies
// need.
type CredentialStore interface {
	Create(ctx context.Context, c model.Credential) (uint64, error)
	ListActiveByAccount(ctx context.Context, accountID uint64) ([]model.Credential, error)
	ExistsByCredentialID(ctx context.Context, credentialID string) (bool, error)
	UpdateSignCount(ctx context.Context, accountID uint64, credentialID string, signCount uint32) error
	TouchLastUsed(ctx context.Context, accountID uint64, credentialID string) error
	Revoke(ctx context.Context, accountID uint64, credentialID string) error
	CountActiveByAccount(ctx context.Context, accountID uint64) (int, error)
}

// AccountFlags mirrors credential availability onto the account row.
type AccountFlags interface {
	SetWebAuthnEnabled(ctx context.Context, id uint64, enabled bool) error
}

// Service is the ceremony manager.
type Service struct {
	cfg      Config
	wa       *webauthn.WebAuthn
	verifier Verifier
	store    store.Store
	creds    CredentialStore
	accounts AccountFlags
	audit    audit.Recorder
	now      func() time.Time
}

// NewService builds the relying party from config. User verification is
// required on both ceremonies.
func NewService(cfg Config, st store.Store, creds CredentialStore, accounts AccountFlags, rec audit.Recorder) (*Service, error) {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationRequired,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Service{
		cfg:      cfg,
		wa:       wa,
		verifier: libVerifier{wa: wa},
		store:    st,
		creds:    creds,
		accounts: accounts,
		audit:    rec,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetVerifier swaps the verification step; tests use a fake so ceremony
// logic can be exercised without real authenticator responses.
func (s *Service) SetVerifier(v Verifier) { s.verifier = v }

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func regKey(accountID uint64) string   { return fmt.Sprintf("webauthn:reg:%d", accountID) }
func loginKey(accountID uint64) string { return fmt.Sprintf("webauthn:login:%d", accountID) }

// storedSession wraps the library session with an explicit deadline; the
// store TTL is the backstop.
type storedSession struct {
	Session   webauthn.SessionData `json:"session"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// InitiateRegistration starts a registration ceremony. The options exclude
// every non-revoked credential already registered to the account so an
// authenticator cannot double-register.
func (s *Service) InitiateRegistration(ctx context.Context, account model.Account) (*protocol.CredentialCreation, error) {
	user, err := s.loadCeremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}
	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(descriptors(user.credentials)))
	}
	creation, session, err := s.wa.BeginRegistration(user, opts...)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	if err := s.storeSession(ctx, regKey(account.ID), session); err != nil {
		return nil, err
	}
	return creation, nil
}

// CompleteRegistration verifies the attestation response against the stored
// challenge and persists the new credential. Credential ids are globally
// unique: a response whose id exists for any account is rejected.
func (s *Service) CompleteRegistration(ctx context.Context, account model.Account, responseJSON []byte, deviceName string) (model.Credential, error) {
	session, err := s.loadSession(ctx, regKey(account.ID))
	if err != nil {
		return model.Credential{}, err
	}
	user, err := s.loadCeremonyUser(ctx, account)
	if err != nil {
		return model.Credential{}, err
	}
	credential, err := s.verifier.VerifyAttestation(user, session, responseJSON)
	if err != nil {
		return model.Credential{}, fmt.Errorf("verify attestation: %w", err)
	}

	credentialID := encodeCredentialID(credential.ID)
	exists, err := s.creds.ExistsByCredentialID(ctx, credentialID)
	if err != nil {
		return model.Credential{}, err
	}
	if exists {
		return model.Credential{}, ErrCredentialExists
	}

	record := model.Credential{
		AccountID:       account.ID,
		CredentialID:    credentialID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		SignCount:       credential.Authenticator.SignCount,
		BackupEligible:  credential.Flags.BackupEligible,
		BackedUp:        credential.Flags.BackupState,
		DeviceName:      deviceName,
	}
	id, err := s.creds.Create(ctx, record)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateCredential) {
			return model.Credential{}, ErrCredentialExists
		}
		return model.Credential{}, err
	}
	record.ID = id
	if err := s.accounts.SetWebAuthnEnabled(ctx, account.ID, true); err != nil {
		return model.Credential{}, err
	}
	_ = s.store.Delete(ctx, regKey(account.ID))
	s.audit.RecordEvent(ctx, audit.ActionCredentialAdded, strconv.FormatUint(account.ID, 10), "credential "+credentialID)
	return record, nil
}

// InitiateAuthentication starts an assertion ceremony restricted to the
// account's non-revoked credentials.
func (s *Service) InitiateAuthentication(ctx context.Context, account model.Account) (*protocol.CredentialAssertion, error) {
	user, err := s.loadCeremonyUser(ctx, account)
	if err != nil {
		return nil, err
	}
	if len(user.credentials) == 0 {
		return nil, ErrNoCredentials
	}
	assertion, session, err := s.wa.BeginLogin(user,
		webauthn.WithUserVerification(protocol.VerificationRequired))
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	if err := s.storeSession(ctx, loginKey(account.ID), session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// CompleteAuthentication resolves the asserted credential among non-revoked
// candidates, verifies the assertion, and applies the clone check: a
// non-zero counter that is not strictly greater than the stored one revokes
// the credential and fails. Success persists the counter and lastUsedAt and
// clears the challenge.
func (s *Service) CompleteAuthentication(ctx context.Context, account model.Account, responseJSON []byte) (model.Credential, error) {
	session, err := s.loadSession(ctx, loginKey(account.ID))
	if err != nil {
		return model.Credential{}, err
	}

	assertedID, err := credentialIDFromResponse(responseJSON)
	if err != nil {
		return model.Credential{}, err
	}
	active, err := s.creds.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		return model.Credential{}, err
	}
	var stored *model.Credential
	for i := range active {
		if active[i].CredentialID == assertedID {
			stored = &active[i]
			break
		}
	}
	if stored == nil {
		return model.Credential{}, ErrCredentialUnknownOrRevoked
	}

	user := newCeremonyUser(account, active)
	validated, err := s.verifier.VerifyAssertion(user, session, responseJSON)
	if err != nil {
		return model.Credential{}, fmt.Errorf("verify assertion: %w", err)
	}

	newCount := validated.Authenticator.SignCount
	if validated.Authenticator.CloneWarning || (newCount != 0 && newCount <= stored.SignCount) {
		subject := strconv.FormatUint(account.ID, 10)
		if err := s.creds.Revoke(ctx, account.ID, stored.CredentialID); err != nil {
			return model.Credential{}, err
		}
		s.syncWebAuthnFlag(ctx, account.ID)
		s.audit.RecordEvent(ctx, audit.ActionCloneDetected, subject,
			fmt.Sprintf("credential %s counter %d -> %d", stored.CredentialID, stored.SignCount, newCount))
		return model.Credential{}, ErrSignatureCounterRegression
	}

	if newCount > stored.SignCount {
		if err := s.creds.UpdateSignCount(ctx, account.ID, stored.CredentialID, newCount); err != nil {
			return model.Credential{}, err
		}
		stored.SignCount = newCount
	} else {
		// Counter-less authenticator (always zero): only stamp usage.
		if err := s.creds.TouchLastUsed(ctx, account.ID, stored.CredentialID); err != nil {
			return model.Credential{}, err
		}
	}
	_ = s.store.Delete(ctx, loginKey(account.ID))
	return *stored, nil
}

// RevokeCredential soft-revokes; the id stays in history for audit.
func (s *Service) RevokeCredential(ctx context.Context, accountID uint64, credentialID, reason string) error {
	if err := s.creds.Revoke(ctx, accountID, credentialID); err != nil {
		return err
	}
	s.syncWebAuthnFlag(ctx, accountID)
	s.audit.RecordEvent(ctx, audit.ActionCredentialRevoked, strconv.FormatUint(accountID, 10),
		"credential "+credentialID+": "+reason)
	return nil
}

func (s *Service) syncWebAuthnFlag(ctx context.Context, accountID uint64) {
	n, err := s.creds.CountActiveByAccount(ctx, accountID)
	if err != nil {
		return
	}
	_ = s.accounts.SetWebAuthnEnabled(ctx, accountID, n > 0)
}

func (s *Service) storeSession(ctx context.Context, key string, session *webauthn.SessionData) error {
	if session == nil {
		return errors.New("session data is required")
	}
	payload, err := json.Marshal(storedSession{
		Session:   *session,
		ExpiresAt: s.now().Add(s.cfg.ChallengeTTL),
	})
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key, string(payload), s.cfg.ChallengeTTL)
}

func (s *Service) loadSession(ctx context.Context, key string) (webauthn.SessionData, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return webauthn.SessionData{}, ErrChallengeNotFound
		}
		return webauthn.SessionData{}, err
	}
	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return webauthn.SessionData{}, err
	}
	if s.now().After(stored.ExpiresAt) {
		_ = s.store.Delete(ctx, key)
		return webauthn.SessionData{}, ErrChallengeExpired
	}
	return stored.Session, nil
}

func (s *Service) loadCeremonyUser(ctx context.Context, account model.Account) (*ceremonyUser, error) {
	active, err := s.creds.ListActiveByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	return newCeremonyUser(account, active), nil
}

// ceremonyUser adapts an account plus its usable credentials to the
// webauthn.User interface.
type ceremonyUser struct {
	account     model.Account
	credentials []webauthn.Credential
}

func newCeremonyUser(account model.Account, active []model.Credential) *ceremonyUser {
	creds := make([]webauthn.Credential, 0, len(active))
	for _, c := range active {
		creds = append(creds, toLibCredential(c))
	}
	return &ceremonyUser{account: account, credentials: creds}
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(strconv.FormatUint(u.account.ID, 10))
}

func (u *ceremonyUser) WebAuthnName() string { return u.account.Email }

func (u *ceremonyUser) WebAuthnDisplayName() string { return u.account.Email }

func (u *ceremonyUser) WebAuthnIcon() string { return "" }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func toLibCredential(c model.Credential) webauthn.Credential {
	id, _ := base64.RawURLEncoding.DecodeString(c.CredentialID)
	return webauthn.Credential{
		ID:              id,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}
}

func descriptors(creds []webauthn.Credential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		})
	}
	return out
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// credentialIDFromResponse pulls the asserted credential id out of the
// response envelope without running the full protocol parser, so the
// unknown/revoked check happens before any signature work.
func credentialIDFromResponse(responseJSON []byte) (string, error) {
	var envelope struct {
		ID    string `json:"id"`
		RawID string `json:"rawId"`
	}
	if err := json.Unmarshal(responseJSON, &envelope); err != nil {
		return "", err
	}
	id := envelope.ID
	if id == "" {
		id = envelope.RawID
	}
	if id == "" {
		return "", ErrCredentialUnknownOrRevoked
	}
	return id, nil
}
