// Package auth is the login orchestrator: it composes the password check,
// device trust, OTP and TOTP step-up, and the token issuer into the per-login
// decision of whether tokens may be issued yet.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/iliyamo/auth-session-service/internal/audit"
	"github.com/iliyamo/auth-session-service/internal/device"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/notify"
	"github.com/iliyamo/auth-session-service/internal/otp"
	"github.com/iliyamo/auth-session-service/internal/token"
	"github.com/iliyamo/auth-session-service/internal/utils"
)

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike
	// so a caller cannot probe which factor failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive is returned for deactivated accounts.
	ErrAccountInactive = errors.New("account inactive")
	// ErrTwoFactorCodeInvalid is returned for a wrong TOTP code.
	ErrTwoFactorCodeInvalid = errors.New("two-factor code invalid")
	// ErrTwoFactorNotEnrolled is returned when activation is attempted
	// before a secret was generated.
	ErrTwoFactorNotEnrolled = errors.New("two-factor not enrolled")
)

// LoginStatus is the outcome of the password phase.
type LoginStatus string

const (
	// StatusTokensIssued means the pair in LoginResult is ready to use.
	StatusTokensIssued LoginStatus = "tokens_issued"
	// StatusOtpRequired means an OTP was sent and must be verified first.
	StatusOtpRequired LoginStatus = "otp_required"
	// StatusTwoFactorRequired means a TOTP code plus the step-up token
	// must be presented first.
	StatusTwoFactorRequired LoginStatus = "two_factor_required"
)

// LoginResult carries whichever artifacts the reached state produced.
type LoginResult struct {
	Status        LoginStatus
	Account       model.Account
	Pair          token.Pair
	StepUpToken   string
	StepUpExpires time.Time
}

// AccountStore is the slice of the account repository the orchestrator needs.
type AccountStore interface {
	Create(ctx context.Context, email, password, role string, cost int) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.Account, error)
	GetByID(ctx context.Context, id uint64) (model.Account, error)
	ConfirmEmail(ctx context.Context, id uint64) error
	StoreTotpSecret(ctx context.Context, id uint64, secret string) error
	ActivateTwoFactor(ctx context.Context, id uint64) error
	TouchLastLogin(ctx context.Context, id uint64) error
	Deactivate(ctx context.Context, id uint64) error
}

// HistoryStore appends login attempts.
type HistoryStore interface {
	Append(ctx context.Context, accountID uint64, deviceID, ip string, success bool) error
}

// Config holds orchestrator settings.
type Config struct {
	BcryptCost int
	TotpIssuer string
}

// Service wires the components together. It holds no mutable state.
type Service struct {
	cfg      Config
	accounts AccountStore
	history  HistoryStore
	devices  *device.Tracker
	otp      *otp.Service
	tokens   *token.Service
	notifier notify.Notifier
	audit    audit.Recorder
}

func NewService(cfg Config, accounts AccountStore, history HistoryStore, devices *device.Tracker,
	otpSvc *otp.Service, tokens *token.Service, notifier notify.Notifier, rec audit.Recorder) *Service {
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = 12
	}
	return &Service{cfg: cfg, accounts: accounts, history: history, devices: devices,
		otp: otpSvc, tokens: tokens, notifier: notifier, audit: rec}
}

// Register creates an account and sends the email-confirmation OTP.
func (s *Service) Register(ctx context.Context, email, password, role string) (model.Account, error) {
	id, err := s.accounts.Create(ctx, email, password, role, s.cfg.BcryptCost)
	if err != nil {
		return model.Account{}, err
	}
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	code, err := s.otp.Generate(ctx, id, otp.PurposeRegister, "")
	if err != nil {
		return model.Account{}, err
	}
	s.notifier.NotifyAsync(ctx, account.Email, notify.TemplateRegisterOTP, map[string]any{"code": code})
	return account, nil
}

// ConfirmEmail verifies the registration OTP and marks the address confirmed.
func (s *Service) ConfirmEmail(ctx context.Context, email, code string) error {
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidCredentials
		}
		return err
	}
	if err := s.otp.Verify(ctx, account.ID, code, otp.PurposeRegister, ""); err != nil {
		return err
	}
	return s.accounts.ConfirmEmail(ctx, account.ID)
}

// Login runs the password phase and decides the next state. Account lockout
// on repeated failures is the identity provider's concern; the orchestrator
// only records the attempt.
func (s *Service) Login(ctx context.Context, email, password, deviceID, userAgent, ip string) (LoginResult, error) {
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !account.IsActive {
		return LoginResult{}, ErrAccountInactive
	}
	if !utils.VerifyPassword(account.PasswordHash, password) {
		_ = s.history.Append(ctx, account.ID, deviceID, ip, false)
		s.audit.RecordEvent(ctx, audit.ActionLoginFailed, strconv.FormatUint(account.ID, 10), "bad password")
		return LoginResult{}, ErrInvalidCredentials
	}

	if deviceID != "" {
		if _, err := s.devices.RegisterOrUpdate(ctx, account.ID, account.Email, deviceID, userAgent); err != nil {
			return LoginResult{}, err
		}
	}

	if account.TwoFactorEnabled {
		stepUp, exp, err := s.tokens.IssueStepUpToken(ctx, account.ID)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Status: StatusTwoFactorRequired, Account: account, StepUpToken: stepUp, StepUpExpires: exp}, nil
	}

	trusted, err := s.devices.IsTrusted(ctx, account.ID, deviceID)
	if err != nil {
		return LoginResult{}, err
	}
	if !trusted {
		code, err := s.otp.Generate(ctx, account.ID, otp.PurposeLogin, ip)
		if err != nil {
			return LoginResult{}, err
		}
		s.notifier.NotifyAsync(ctx, account.Email, notify.TemplateLoginOTP, map[string]any{"code": code})
		return LoginResult{Status: StatusOtpRequired, Account: account}, nil
	}

	pair, err := s.issueTokens(ctx, account, deviceID, ip)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Status: StatusTokensIssued, Account: account, Pair: pair}, nil
}

// CompleteOTPLogin finishes the untrusted-device branch. A successful
// verification may also trust the device for future logins.
func (s *Service) CompleteOTPLogin(ctx context.Context, email, code, deviceID, ip string, trustDevice bool) (LoginResult, error) {
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !account.IsActive {
		return LoginResult{}, ErrAccountInactive
	}
	if err := s.otp.Verify(ctx, account.ID, code, otp.PurposeLogin, ip); err != nil {
		return LoginResult{}, err
	}
	if trustDevice && deviceID != "" {
		if err := s.devices.Trust(ctx, account.ID, deviceID); err != nil {
			return LoginResult{}, err
		}
	}
	pair, err := s.issueTokens(ctx, account, deviceID, ip)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Status: StatusTokensIssued, Account: account, Pair: pair}, nil
}

// CompleteTwoFactorLogin finishes the 2FA branch: the step-up token proves
// the password phase, the TOTP code proves the second factor.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, stepUpToken, code, deviceID, ip string, trustDevice bool) (LoginResult, error) {
	accountID, err := s.tokens.ValidateStepUpToken(ctx, stepUpToken)
	if err != nil {
		return LoginResult{}, err
	}
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return LoginResult{}, err
	}
	if !account.IsActive {
		return LoginResult{}, ErrAccountInactive
	}
	if account.TotpSecret == "" || !totp.Validate(code, account.TotpSecret) {
		return LoginResult{}, ErrTwoFactorCodeInvalid
	}
	if trustDevice && deviceID != "" {
		if err := s.devices.Trust(ctx, account.ID, deviceID); err != nil {
			return LoginResult{}, err
		}
	}
	pair, err := s.issueTokens(ctx, account, deviceID, ip)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Status: StatusTokensIssued, Account: account, Pair: pair}, nil
}

// CompleteWebAuthnLogin issues tokens after a verified passkey assertion.
// The assertion itself is the step-up, so the device may be trusted here.
func (s *Service) CompleteWebAuthnLogin(ctx context.Context, account model.Account, deviceID, userAgent, ip string, trustDevice bool) (LoginResult, error) {
	if !account.IsActive {
		return LoginResult{}, ErrAccountInactive
	}
	if deviceID != "" {
		if _, err := s.devices.RegisterOrUpdate(ctx, account.ID, account.Email, deviceID, userAgent); err != nil {
			return LoginResult{}, err
		}
		if trustDevice {
			if err := s.devices.Trust(ctx, account.ID, deviceID); err != nil {
				return LoginResult{}, err
			}
		}
	}
	pair, err := s.issueTokens(ctx, account, deviceID, ip)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Status: StatusTokensIssued, Account: account, Pair: pair}, nil
}

// ResendOTP regenerates the login OTP under the resend rate limit.
func (s *Service) ResendOTP(ctx context.Context, email, purpose, ip string) error {
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidCredentials
		}
		return err
	}
	code, err := s.otp.Resend(ctx, account.ID, purpose, ip)
	if err != nil {
		return err
	}
	template := notify.TemplateLoginOTP
	if purpose == otp.PurposeRegister {
		template = notify.TemplateRegisterOTP
	}
	s.notifier.NotifyAsync(ctx, account.Email, template, map[string]any{"code": code})
	return nil
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, presented, deviceID, ip string) (token.Pair, model.Account, error) {
	return s.tokens.Rotate(ctx, presented, deviceID, ip)
}

// EnrollTwoFactor generates and stores a TOTP secret. The factor stays off
// until ActivateTwoFactor sees one valid code.
func (s *Service) EnrollTwoFactor(ctx context.Context, accountID uint64) (secret, url string, err error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.cfg.TotpIssuer, AccountName: account.Email})
	if err != nil {
		return "", "", err
	}
	if err := s.accounts.StoreTotpSecret(ctx, accountID, key.Secret()); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ActivateTwoFactor flips the factor on after a valid code.
func (s *Service) ActivateTwoFactor(ctx context.Context, accountID uint64, code string) error {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.TotpSecret == "" {
		return ErrTwoFactorNotEnrolled
	}
	if !totp.Validate(code, account.TotpSecret) {
		return ErrTwoFactorCodeInvalid
	}
	return s.accounts.ActivateTwoFactor(ctx, accountID)
}

// DeactivateAccount disables the account and revokes everything it holds.
func (s *Service) DeactivateAccount(ctx context.Context, accountID uint64) error {
	if err := s.accounts.Deactivate(ctx, accountID); err != nil {
		return err
	}
	if err := s.tokens.RevokeAllTokens(ctx, accountID); err != nil {
		return err
	}
	s.audit.RecordEvent(ctx, audit.ActionAccountDisabled, strconv.FormatUint(accountID, 10), "deactivated by admin")
	return nil
}

func (s *Service) issueTokens(ctx context.Context, account model.Account, deviceID, ip string) (token.Pair, error) {
	pair, err := s.tokens.IssuePair(ctx, account, deviceID, ip)
	if err != nil {
		return token.Pair{}, err
	}
	if err := s.accounts.TouchLastLogin(ctx, account.ID); err != nil {
		return token.Pair{}, err
	}
	_ = s.history.Append(ctx, account.ID, deviceID, ip, true)
	s.audit.RecordEvent(ctx, audit.ActionLogin, strconv.FormatUint(account.ID, 10), "tokens issued")
	return pair, nil
}
