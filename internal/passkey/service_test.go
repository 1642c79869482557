package passkey

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-session-service/internal/audit"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/repository"
	"github.com/iliyamo/auth-session-service/internal/store"
)

type fakeCredStore struct {
	nextID uint64
	rows   []model.Credential
}

func (f *fakeCredStore) Create(_ context.Context, c model.Credential) (uint64, error) {
	for _, row := range f.rows {
		if row.CredentialID == c.CredentialID {
			return 0, repository.ErrDuplicateCredential
		}
	}
	f.nextID++
	c.ID = f.nextID
	c.CreatedAt = time.Now().UTC()
	f.rows = append(f.rows, c)
	return c.ID, nil
}

func (f *fakeCredStore) ListActiveByAccount(_ context.Context, accountID uint64) ([]model.Credential, error) {
	var out []model.Credential
	for _, row := range f.rows {
		if row.AccountID == accountID && row.RevokedAt == nil {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeCredStore) ExistsByCredentialID(_ context.Context, credentialID string) (bool, error) {
	for _, row := range f.rows {
		if row.CredentialID == credentialID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCredStore) UpdateSignCount(_ context.Context, accountID uint64, credentialID string, signCount uint32) error {
	for i := range f.rows {
		if f.rows[i].AccountID == accountID && f.rows[i].CredentialID == credentialID && f.rows[i].SignCount < signCount {
			f.rows[i].SignCount = signCount
			ts := time.Now().UTC()
			f.rows[i].LastUsedAt = &ts
			return nil
		}
	}
	return nil
}

func (f *fakeCredStore) TouchLastUsed(_ context.Context, accountID uint64, credentialID string) error {
	for i := range f.rows {
		if f.rows[i].AccountID == accountID && f.rows[i].CredentialID == credentialID {
			ts := time.Now().UTC()
			f.rows[i].LastUsedAt = &ts
		}
	}
	return nil
}

func (f *fakeCredStore) Revoke(_ context.Context, accountID uint64, credentialID string) error {
	for i := range f.rows {
		if f.rows[i].AccountID == accountID && f.rows[i].CredentialID == credentialID && f.rows[i].RevokedAt == nil {
			ts := time.Now().UTC()
			f.rows[i].RevokedAt = &ts
		}
	}
	return nil
}

func (f *fakeCredStore) CountActiveByAccount(_ context.Context, accountID uint64) (int, error) {
	n := 0
	for _, row := range f.rows {
		if row.AccountID == accountID && row.RevokedAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeCredStore) get(credentialID string) *model.Credential {
	for i := range f.rows {
		if f.rows[i].CredentialID == credentialID {
			return &f.rows[i]
		}
	}
	return nil
}

type fakeFlags struct {
	enabled map[uint64]bool
}

func (f *fakeFlags) SetWebAuthnEnabled(_ context.Context, id uint64, enabled bool) error {
	if f.enabled == nil {
		f.enabled = make(map[uint64]bool)
	}
	f.enabled[id] = enabled
	return nil
}

// fakeVerifier skips cryptographic verification and returns a canned
// credential, standing in for an authenticator.
type fakeVerifier struct {
	credential *webauthn.Credential
	err        error
	calls      int
}

func (f *fakeVerifier) VerifyAttestation(webauthn.User, webauthn.SessionData, []byte) (*webauthn.Credential, error) {
	f.calls++
	return f.credential, f.err
}

func (f *fakeVerifier) VerifyAssertion(webauthn.User, webauthn.SessionData, []byte) (*webauthn.Credential, error) {
	f.calls++
	return f.credential, f.err
}

func newTestService(t *testing.T) (*Service, *fakeCredStore, *fakeFlags, *fakeVerifier) {
	t.Helper()
	creds := &fakeCredStore{}
	flags := &fakeFlags{}
	verifier := &fakeVerifier{}
	svc, err := NewService(Config{
		RPID:          "localhost",
		RPDisplayName: "Auth Test",
		RPOrigins:     []string{"http://localhost:8080"},
	}, store.NewMemory(), creds, flags, audit.Nop{})
	require.NoError(t, err)
	svc.SetVerifier(verifier)
	return svc, creds, flags, verifier
}

func testAccount(id uint64) model.Account {
	return model.Account{ID: id, Email: "user@example.com", Role: "USER", IsActive: true}
}

func libCredential(id []byte, signCount uint32) *webauthn.Credential {
	return &webauthn.Credential{
		ID:              id,
		PublicKey:       []byte{0x01, 0x02},
		AttestationType: "none",
		Authenticator:   webauthn.Authenticator{SignCount: signCount},
	}
}

// assertionJSON builds the minimal envelope the pre-verification credential
// lookup reads.
func assertionJSON(t *testing.T, rawID []byte) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{"id": encodeCredentialID(rawID)})
	require.NoError(t, err)
	return body
}

func registerCredential(t *testing.T, svc *Service, creds *fakeCredStore, verifier *fakeVerifier,
	account model.Account, rawID []byte, signCount uint32) model.Credential {
	t.Helper()
	_, err := svc.InitiateRegistration(context.Background(), account)
	require.NoError(t, err)
	verifier.credential = libCredential(rawID, signCount)
	rec, err := svc.CompleteRegistration(context.Background(), account, assertionJSON(t, rawID), "test key")
	require.NoError(t, err)
	return rec
}

func TestRegistrationRoundTrip(t *testing.T) {
	svc, creds, flags, verifier := newTestService(t)
	account := testAccount(1)

	rec := registerCredential(t, svc, creds, verifier, account, []byte{0xAA, 0xBB}, 0)
	require.Equal(t, encodeCredentialID([]byte{0xAA, 0xBB}), rec.CredentialID)
	require.True(t, flags.enabled[1])

	// The challenge is consumed: finishing again needs a new ceremony.
	_, err := svc.CompleteRegistration(context.Background(), account, assertionJSON(t, []byte{0xAA, 0xBB}), "again")
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestRegistrationRejectsDuplicateCredentialID(t *testing.T) {
	svc, creds, _, verifier := newTestService(t)
	rawID := []byte{0x01, 0x02, 0x03}

	registerCredential(t, svc, creds, verifier, testAccount(1), rawID, 0)

	// The same authenticator registered to another account is refused.
	_, err := svc.InitiateRegistration(context.Background(), testAccount(2))
	require.NoError(t, err)
	verifier.credential = libCredential(rawID, 0)
	_, err = svc.CompleteRegistration(context.Background(), testAccount(2), assertionJSON(t, rawID), "clone")
	require.ErrorIs(t, err, ErrCredentialExists)
}

func TestCompleteRegistrationWithoutCeremony(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.CompleteRegistration(context.Background(), testAccount(1), assertionJSON(t, []byte{0x01}), "x")
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestAuthenticationIncrementsCounter(t *testing.T) {
	svc, creds, _, verifier := newTestService(t)
	account := testAccount(1)
	rawID := []byte{0x10, 0x20}
	rec := registerCredential(t, svc, creds, verifier, account, rawID, 42)

	_, err := svc.InitiateAuthentication(context.Background(), account)
	require.NoError(t, err)
	verifier.credential = libCredential(rawID, 43)
	got, err := svc.CompleteAuthentication(context.Background(), account, assertionJSON(t, rawID))
	require.NoError(t, err)
	require.Equal(t, uint32(43), got.SignCount)
	require.Equal(t, uint32(43), creds.get(rec.CredentialID).SignCount)
}

func TestAuthenticationDetectsCounterRegression(t *testing.T) {
	svc, creds, flags, verifier := newTestService(t)
	account := testAccount(1)
	rawID := []byte{0x10, 0x20}
	rec := registerCredential(t, svc, creds, verifier, account, rawID, 42)

	for _, replayed := range []uint32{42, 10} {
		// Revive the credential for the second case.
		creds.get(rec.CredentialID).RevokedAt = nil

		_, err := svc.InitiateAuthentication(context.Background(), account)
		require.NoError(t, err)
		verifier.credential = libCredential(rawID, replayed)
		_, err = svc.CompleteAuthentication(context.Background(), account, assertionJSON(t, rawID))
		require.ErrorIs(t, err, ErrSignatureCounterRegression)
		require.NotNil(t, creds.get(rec.CredentialID).RevokedAt)
		require.False(t, flags.enabled[1])
	}
}

func TestAuthenticationHonorsCloneWarning(t *testing.T) {
	svc, creds, _, verifier := newTestService(t)
	account := testAccount(1)
	rawID := []byte{0x33}
	rec := registerCredential(t, svc, creds, verifier, account, rawID, 5)

	_, err := svc.InitiateAuthentication(context.Background(), account)
	require.NoError(t, err)
	cred := libCredential(rawID, 6)
	cred.Authenticator.CloneWarning = true
	verifier.credential = cred
	_, err = svc.CompleteAuthentication(context.Background(), account, assertionJSON(t, rawID))
	require.ErrorIs(t, err, ErrSignatureCounterRegression)
	require.NotNil(t, creds.get(rec.CredentialID).RevokedAt)
}

func TestAuthenticationZeroCounterAuthenticator(t *testing.T) {
	svc, creds, _, verifier := newTestService(t)
	account := testAccount(1)
	rawID := []byte{0x44}
	rec := registerCredential(t, svc, creds, verifier, account, rawID, 0)

	// Authenticators without a counter always report zero; that is not a
	// regression.
	_, err := svc.InitiateAuthentication(context.Background(), account)
	require.NoError(t, err)
	verifier.credential = libCredential(rawID, 0)
	got, err := svc.CompleteAuthentication(context.Background(), account, assertionJSON(t, rawID))
	require.NoError(t, err)
	require.Equal(t, uint32(0), got.SignCount)
	require.NotNil(t, creds.get(rec.CredentialID).LastUsedAt)
	require.Nil(t, creds.get(rec.CredentialID).RevokedAt)
}

func TestAuthenticationRejectsRevokedCredential(t *testing.T) {
	svc, creds, _, verifier := newTestService(t)
	account := testAccount(1)
	rawID := []byte{0x55}
	other := []byte{0x66}
	rec := registerCredential(t, svc, creds, verifier, account, rawID, 1)
	registerCredential(t, svc, creds, verifier, account, other, 1)

	require.NoError(t, svc.RevokeCredential(context.Background(), account.ID, rec.CredentialID, "test"))

	_, err := svc.InitiateAuthentication(context.Background(), account)
	require.NoError(t, err)
	verifier.calls = 0
	_, err = svc.CompleteAuthentication(context.Background(), account, assertionJSON(t, rawID))
	require.ErrorIs(t, err, ErrCredentialUnknownOrRevoked)
	// Rejected before any signature verification ran.
	require.Zero(t, verifier.calls)
}

func TestInitiateAuthenticationRequiresCredentials(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.InitiateAuthentication(context.Background(), testAccount(9))
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestChallengeExpires(t *testing.T) {
	svc, creds, _, verifier := newTestService(t)
	account := testAccount(1)
	rawID := []byte{0x77}
	registerCredential(t, svc, creds, verifier, account, rawID, 1)

	_, err := svc.InitiateAuthentication(context.Background(), account)
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return time.Now().UTC().Add(10 * time.Minute) })
	verifier.credential = libCredential(rawID, 2)
	_, err = svc.CompleteAuthentication(context.Background(), account, assertionJSON(t, rawID))
	require.ErrorIs(t, err, ErrChallengeExpired)
}

func TestRevokeLastCredentialClearsFlag(t *testing.T) {
	svc, creds, flags, verifier := newTestService(t)
	account := testAccount(1)
	rec := registerCredential(t, svc, creds, verifier, account, []byte{0x88}, 1)
	require.True(t, flags.enabled[1])

	require.NoError(t, svc.RevokeCredential(context.Background(), account.ID, rec.CredentialID, "lost"))
	require.False(t, flags.enabled[1])

	_, err := svc.InitiateAuthentication(context.Background(), account)
	require.ErrorIs(t, err, ErrNoCredentials)
}
