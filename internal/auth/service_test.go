package auth

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-session-service/internal/audit"
	"github.com/iliyamo/auth-session-service/internal/device"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/notify"
	"github.com/iliyamo/auth-session-service/internal/otp"
	"github.com/iliyamo/auth-session-service/internal/repository"
	"github.com/iliyamo/auth-session-service/internal/store"
	"github.com/iliyamo/auth-session-service/internal/token"
	"github.com/iliyamo/auth-session-service/internal/utils"
)

// fakeAccountStore covers both the orchestrator's AccountStore and the token
// service's AccountSource.
type fakeAccountStore struct {
	nextID uint64
	byID   map[uint64]*model.Account
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{byID: make(map[uint64]*model.Account)}
}

func (f *fakeAccountStore) Create(_ context.Context, email, password, role string, cost int) (uint64, error) {
	for _, a := range f.byID {
		if a.Email == email {
			return 0, repository.ErrEmailExists
		}
	}
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	f.nextID++
	f.byID[f.nextID] = &model.Account{
		ID: f.nextID, Email: email, PasswordHash: hash, Role: role,
		IsActive: true, CreatedAt: time.Now().UTC(),
	}
	return f.nextID, nil
}

func (f *fakeAccountStore) GetByEmail(_ context.Context, email string) (model.Account, error) {
	for _, a := range f.byID {
		if a.Email == email {
			return *a, nil
		}
	}
	return model.Account{}, sql.ErrNoRows
}

func (f *fakeAccountStore) GetByID(_ context.Context, id uint64) (model.Account, error) {
	a, ok := f.byID[id]
	if !ok {
		return model.Account{}, sql.ErrNoRows
	}
	return *a, nil
}

func (f *fakeAccountStore) ConfirmEmail(_ context.Context, id uint64) error {
	f.byID[id].EmailConfirmed = true
	return nil
}

func (f *fakeAccountStore) StoreTotpSecret(_ context.Context, id uint64, secret string) error {
	f.byID[id].TotpSecret = secret
	return nil
}

func (f *fakeAccountStore) ActivateTwoFactor(_ context.Context, id uint64) error {
	if f.byID[id].TotpSecret == "" {
		return sql.ErrNoRows
	}
	f.byID[id].TwoFactorEnabled = true
	return nil
}

func (f *fakeAccountStore) TouchLastLogin(_ context.Context, id uint64) error {
	ts := time.Now().UTC()
	f.byID[id].LastLoginAt = &ts
	return nil
}

func (f *fakeAccountStore) Deactivate(_ context.Context, id uint64) error {
	f.byID[id].IsActive = false
	return nil
}

func (f *fakeAccountStore) UpdateCurrentRefresh(_ context.Context, id uint64, tokenHash string, exp time.Time) error {
	f.byID[id].CurrentRefreshHash = tokenHash
	f.byID[id].CurrentRefreshExpiresAt = &exp
	return nil
}

type fakeHistory struct {
	rows []model.LoginHistory
}

func (f *fakeHistory) Append(_ context.Context, accountID uint64, deviceID, ip string, success bool) error {
	f.rows = append(f.rows, model.LoginHistory{
		AccountID: accountID, DeviceID: deviceID, IP: ip, Success: success, CreatedAt: time.Now().UTC(),
	})
	return nil
}

// fakeDeviceRepo backs the device tracker.
type fakeDeviceRepo struct {
	rows map[string]*model.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo { return &fakeDeviceRepo{rows: make(map[string]*model.Device)} }

func devKey(accountID uint64, deviceID string) string { return fmt.Sprintf("%d:%s", accountID, deviceID) }

func (f *fakeDeviceRepo) Get(_ context.Context, accountID uint64, deviceID string) (model.Device, error) {
	d, ok := f.rows[devKey(accountID, deviceID)]
	if !ok {
		return model.Device{}, sql.ErrNoRows
	}
	return *d, nil
}

func (f *fakeDeviceRepo) Create(_ context.Context, accountID uint64, deviceID, name string) error {
	f.rows[devKey(accountID, deviceID)] = &model.Device{AccountID: accountID, DeviceID: deviceID, Name: name}
	return nil
}

func (f *fakeDeviceRepo) Touch(_ context.Context, accountID uint64, deviceID, name string) error {
	return nil
}

func (f *fakeDeviceRepo) Trust(_ context.Context, accountID uint64, deviceID string) error {
	if d, ok := f.rows[devKey(accountID, deviceID)]; ok {
		d.Trusted = true
	}
	return nil
}

func (f *fakeDeviceRepo) ListByAccount(_ context.Context, accountID uint64) ([]model.Device, error) {
	var out []model.Device
	for _, d := range f.rows {
		if d.AccountID == accountID {
			out = append(out, *d)
		}
	}
	return out, nil
}

// fakeRefreshStore is a minimal in-memory stand-in for the refresh token
// repository with CAS Consume semantics.
type fakeRefreshStore struct {
	rows map[string]*model.RefreshToken
}

func newFakeRefreshStore() *fakeRefreshStore {
	return &fakeRefreshStore{rows: make(map[string]*model.RefreshToken)}
}

func (f *fakeRefreshStore) Store(_ context.Context, accountID uint64, deviceID, tokenHash string, exp time.Time) error {
	f.rows[tokenHash] = &model.RefreshToken{AccountID: accountID, DeviceID: deviceID, TokenHash: tokenHash, ExpiresAt: exp}
	return nil
}

func (f *fakeRefreshStore) GetByHash(_ context.Context, tokenHash string) (model.RefreshToken, error) {
	rec, ok := f.rows[tokenHash]
	if !ok {
		return model.RefreshToken{}, sql.ErrNoRows
	}
	return *rec, nil
}

func (f *fakeRefreshStore) Consume(_ context.Context, tokenHash string) error {
	rec, ok := f.rows[tokenHash]
	if !ok || rec.ConsumedAt != nil || rec.RevokedAt != nil || !rec.ExpiresAt.After(time.Now().UTC()) {
		return repository.ErrAlreadyConsumed
	}
	ts := time.Now().UTC()
	rec.ConsumedAt = &ts
	return nil
}

func (f *fakeRefreshStore) DeleteLiveForDevice(_ context.Context, accountID uint64, deviceID string) error {
	for hash, rec := range f.rows {
		if rec.AccountID == accountID && rec.DeviceID == deviceID && rec.ConsumedAt == nil && rec.RevokedAt == nil {
			delete(f.rows, hash)
		}
	}
	return nil
}

func (f *fakeRefreshStore) RevokeAllForAccount(_ context.Context, accountID uint64) error {
	ts := time.Now().UTC()
	for _, rec := range f.rows {
		if rec.AccountID == accountID && rec.ConsumedAt == nil && rec.RevokedAt == nil {
			rec.RevokedAt = &ts
		}
	}
	return nil
}

type fixture struct {
	svc      *Service
	accounts *fakeAccountStore
	devices  *fakeDeviceRepo
	notifier *notify.Capture
	tokens   *token.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	accounts := newFakeAccountStore()
	history := &fakeHistory{}
	devRepo := newFakeDeviceRepo()
	notifier := &notify.Capture{}
	kv := store.NewMemory()

	tokens := token.NewService(token.Config{
		Secret:      "test-secret",
		Issuer:      "auth-test",
		Audience:    "auth-test",
		BindingSalt: "salt",
	}, kv, newFakeRefreshStore(), accounts, audit.Nop{})
	otpSvc := otp.NewService(otp.Config{}, kv)
	tracker := device.NewTracker(devRepo, notifier, audit.Nop{})

	svc := NewService(Config{BcryptCost: 4, TotpIssuer: "auth-test"},
		accounts, history, tracker, otpSvc, tokens, notifier, audit.Nop{})
	return &fixture{svc: svc, accounts: accounts, devices: devRepo, notifier: notifier, tokens: tokens}
}

// lastCode digs the most recent OTP code out of the captured notifications.
func (f *fixture) lastCode(t *testing.T, template string) string {
	t.Helper()
	events := f.notifier.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Template == template {
			code, ok := events[i].Data["code"].(string)
			require.True(t, ok)
			return code
		}
	}
	t.Fatalf("no %s notification captured", template)
	return ""
}

func (f *fixture) register(t *testing.T, email, password string) model.Account {
	t.Helper()
	account, err := f.svc.Register(context.Background(), email, password, "USER")
	require.NoError(t, err)
	return account
}

func TestRegisterAndConfirmEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account := f.register(t, "new@example.com", "hunter22")
	require.False(t, account.EmailConfirmed)

	code := f.lastCode(t, notify.TemplateRegisterOTP)
	require.NoError(t, f.svc.ConfirmEmail(ctx, "new@example.com", code))
	stored, err := f.accounts.GetByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	require.True(t, stored.EmailConfirmed)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "user@example.com", "hunter22")

	_, err := f.svc.Login(ctx, "user@example.com", "wrong", "dev-1", "curl/8", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown email answers identically.
	_, err = f.svc.Login(ctx, "ghost@example.com", "whatever", "dev-1", "curl/8", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUntrustedDeviceRequiresOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "user@example.com", "hunter22")

	res, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusOtpRequired, res.Status)
	require.Empty(t, res.Pair.Access.Token)

	code := f.lastCode(t, notify.TemplateLoginOTP)
	done, err := f.svc.CompleteOTPLogin(ctx, "user@example.com", code, "dev-1", "10.0.0.1", true)
	require.NoError(t, err)
	require.Equal(t, StatusTokensIssued, done.Status)
	require.NotEmpty(t, done.Pair.Access.Token)
	require.NotEmpty(t, done.Pair.Refresh.Raw)

	// trust_device took effect: the next login from dev-1 skips the OTP.
	res, err = f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusTokensIssued, res.Status)

	// A different device still owes step-up.
	res, err = f.svc.Login(ctx, "user@example.com", "hunter22", "dev-2", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusOtpRequired, res.Status)
}

func TestLoginOTPLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "user@example.com", "hunter22")

	_, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	code := f.lastCode(t, notify.TemplateLoginOTP)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 3; i++ {
		_, err = f.svc.CompleteOTPLogin(ctx, "user@example.com", wrong, "dev-1", "10.0.0.1", false)
		require.ErrorIs(t, err, otp.ErrMismatch)
	}
	// Correct code on the fourth attempt still locks out.
	_, err = f.svc.CompleteOTPLogin(ctx, "user@example.com", code, "dev-1", "10.0.0.1", false)
	require.ErrorIs(t, err, otp.ErrLockedOut)
}

func TestLoginOTPWithoutTrustKeepsRequiringOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "user@example.com", "hunter22")

	_, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	code := f.lastCode(t, notify.TemplateLoginOTP)
	done, err := f.svc.CompleteOTPLogin(ctx, "user@example.com", code, "dev-1", "10.0.0.1", false)
	require.NoError(t, err)
	require.Equal(t, StatusTokensIssued, done.Status)

	res, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusOtpRequired, res.Status)
}

func TestTwoFactorFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.register(t, "user@example.com", "hunter22")

	secret, url, err := f.svc.EnrollTwoFactor(ctx, account.ID)
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	require.Contains(t, url, "otpauth://")

	// Enrollment alone changes nothing at login.
	res, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusOtpRequired, res.Status)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateTwoFactor(ctx, account.ID, code))

	// Now the password phase demands the second factor, trusted or not.
	res, err = f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusTwoFactorRequired, res.Status)
	require.NotEmpty(t, res.StepUpToken)
	require.Empty(t, res.Pair.Access.Token)

	code, err = totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	done, err := f.svc.CompleteTwoFactorLogin(ctx, res.StepUpToken, code, "dev-1", "10.0.0.1", false)
	require.NoError(t, err)
	require.Equal(t, StatusTokensIssued, done.Status)
	require.NotEmpty(t, done.Pair.Access.Token)
}

func TestTwoFactorWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.register(t, "user@example.com", "hunter22")

	secret, _, err := f.svc.EnrollTwoFactor(ctx, account.ID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.ActivateTwoFactor(ctx, account.ID, code))

	res, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, StatusTwoFactorRequired, res.Status)

	_, err = f.svc.CompleteTwoFactorLogin(ctx, res.StepUpToken, "000000", "dev-1", "10.0.0.1", false)
	require.ErrorIs(t, err, ErrTwoFactorCodeInvalid)

	// A bare access token cannot stand in for the step-up token.
	_, err = f.svc.CompleteTwoFactorLogin(ctx, "garbage", code, "dev-1", "10.0.0.1", false)
	require.ErrorIs(t, err, token.ErrTokenInvalid)
}

func TestActivateBeforeEnroll(t *testing.T) {
	f := newFixture(t)
	account := f.register(t, "user@example.com", "hunter22")
	err := f.svc.ActivateTwoFactor(context.Background(), account.ID, "123456")
	require.ErrorIs(t, err, ErrTwoFactorNotEnrolled)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "user@example.com", "hunter22")

	_, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	code := f.lastCode(t, notify.TemplateLoginOTP)
	done, err := f.svc.CompleteOTPLogin(ctx, "user@example.com", code, "dev-1", "10.0.0.1", true)
	require.NoError(t, err)

	pair, account, err := f.svc.Refresh(ctx, done.Pair.Refresh.Raw, "dev-1", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, done.Account.ID, account.ID)
	require.NotEqual(t, done.Pair.Refresh.Raw, pair.Refresh.Raw)

	// Replay of the rotated token kills the whole session family.
	_, _, err = f.svc.Refresh(ctx, done.Pair.Refresh.Raw, "dev-1", "10.0.0.1")
	require.ErrorIs(t, err, token.ErrTokenTheftDetected)
	_, _, err = f.svc.Refresh(ctx, pair.Refresh.Raw, "dev-1", "10.0.0.1")
	require.ErrorIs(t, err, token.ErrRefreshTokenInvalid)
}

func TestDeactivatedAccountCannotLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "user@example.com", "hunter22")

	_, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)
	code := f.lastCode(t, notify.TemplateLoginOTP)
	done, err := f.svc.CompleteOTPLogin(ctx, "user@example.com", code, "dev-1", "10.0.0.1", true)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeactivateAccount(ctx, done.Account.ID))

	_, err = f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.ErrorIs(t, err, ErrAccountInactive)
	// Existing sessions died with the account.
	_, verr := f.tokens.Validate(ctx, done.Pair.Access.Token, "dev-1")
	require.ErrorIs(t, verr, token.ErrTokenRevoked)
	_, _, rerr := f.svc.Refresh(ctx, done.Pair.Refresh.Raw, "dev-1", "10.0.0.1")
	require.ErrorIs(t, rerr, token.ErrRefreshTokenInvalid)
}

func TestWebAuthnLoginIssuesTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.register(t, "user@example.com", "hunter22")

	res, err := f.svc.CompleteWebAuthnLogin(ctx, account, "dev-9", "curl/8", "10.0.0.1", true)
	require.NoError(t, err)
	require.Equal(t, StatusTokensIssued, res.Status)
	require.NotEmpty(t, res.Pair.Access.Token)

	// The assertion counted as step-up, so dev-9 is now trusted.
	trusted := false
	for _, d := range f.devices.rows {
		if d.DeviceID == "dev-9" && d.Trusted {
			trusted = true
		}
	}
	require.True(t, trusted)
}

func TestResendOTPLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "user@example.com", "hunter22")

	_, err := f.svc.Login(ctx, "user@example.com", "hunter22", "dev-1", "curl/8", "10.0.0.1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.ResendOTP(ctx, "user@example.com", otp.PurposeLogin, "10.0.0.1"))
	}
	err = f.svc.ResendOTP(ctx, "user@example.com", otp.PurposeLogin, "10.0.0.1")
	require.ErrorIs(t, err, otp.ErrRateLimited)

	// The newest resent code still works.
	code := f.lastCode(t, notify.TemplateLoginOTP)
	done, err := f.svc.CompleteOTPLogin(ctx, "user@example.com", code, "dev-1", "10.0.0.1", false)
	require.NoError(t, err)
	require.Equal(t, StatusTokensIssued, done.Status)
}
