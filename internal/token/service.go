package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iliyamo/auth-session-service/internal/audit"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/repository"
	"github.com/iliyamo/auth-session-service/internal/store"
	"github.com/iliyamo/auth-session-service/internal/utils"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, wrong
	// issuer/audience and binding-hash mismatches.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned when the exp claim has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when the jti or the whole account was
	// revoked after issuance.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRefreshTokenInvalid is returned for unknown, revoked or
	// inactive-account refresh tokens.
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	// ErrTokenTheftDetected is the terminal rotation failure: a consumed
	// refresh token was presented again. Every token for the account is
	// revoked before this is returned. Never retried.
	ErrTokenTheftDetected = errors.New("refresh token theft detected")
)

// scopeStepUp marks the short-lived 2FA session token so it can never pass
// for a full access token.
const scopeStepUp = "2fa"

// Claims is the validated view of an access token.
type Claims struct {
	AccountID uint64
	Role      string
	JTI       string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshStore is the slice of the refresh-token repository the issuer needs.
type RefreshStore interface {
	Store(ctx context.Context, accountID uint64, deviceID, tokenHash string, exp time.Time) error
	GetByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	Consume(ctx context.Context, tokenHash string) error
	DeleteLiveForDevice(ctx context.Context, accountID uint64, deviceID string) error
	RevokeAllForAccount(ctx context.Context, accountID uint64) error
}

// AccountSource resolves accounts during rotation and keeps the legacy
// single-slot refresh mirror up to date.
type AccountSource interface {
	GetByID(ctx context.Context, id uint64) (model.Account, error)
	UpdateCurrentRefresh(ctx context.Context, id uint64, tokenHash string, exp time.Time) error
}

// Service is the token issuer/rotator. All shared state lives in the
// injected store and repositories; the service itself is stateless and safe
// for concurrent use.
type Service struct {
	cfg      Config
	store    store.Store
	refresh  RefreshStore
	accounts AccountSource
	audit    audit.Recorder
	now      func() time.Time
}

func NewService(cfg Config, st store.Store, refresh RefreshStore, accounts AccountSource, rec audit.Recorder) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.StepUpTTL <= 0 {
		cfg.StepUpTTL = 5 * time.Minute
	}
	return &Service{cfg: cfg, store: st, refresh: refresh, accounts: accounts, audit: rec, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func jtiKey(jti string) string          { return "jwt:" + jti }
func revokedKey(jti string) string      { return "revoked:" + jti }
func revokedAccountKey(id uint64) string { return "revoked-account:" + strconv.FormatUint(id, 10) }

// IssueAccessToken mints a signed access token for the account. If a device
// fingerprint or IP is supplied, only their salted hashes are embedded.
// Token metadata is stored under the jti with TTL equal to the token
// lifetime so revocation checks can see it later.
func (s *Service) IssueAccessToken(ctx context.Context, account model.Account, deviceID, ip string) (AccessToken, error) {
	var deviceHash, ipHash string
	if deviceID != "" {
		deviceHash = utils.SaltedHash(s.cfg.BindingSalt, deviceID)
	}
	if ip != "" {
		ipHash = utils.SaltedHash(s.cfg.BindingSalt, ip)
	}
	jti := uuid.NewString()
	access, err := signAccessToken(s.cfg, account.ID, account.Role, jti, deviceHash, ipHash, s.now())
	if err != nil {
		return AccessToken{}, err
	}
	meta := strconv.FormatUint(account.ID, 10)
	if err := s.store.Set(ctx, jtiKey(jti), meta, s.cfg.AccessTTL); err != nil {
		return AccessToken{}, fmt.Errorf("store token metadata: %w", err)
	}
	return access, nil
}

// IssuePair mints an access/refresh pair. Any live refresh token for the
// same account-device pair is superseded first so at most one live record
// exists per pair; a superseded token later presents as unknown, never as
// theft. The account's legacy single-slot mirror is refreshed as well.
func (s *Service) IssuePair(ctx context.Context, account model.Account, deviceID, ip string) (Pair, error) {
	access, err := s.IssueAccessToken(ctx, account, deviceID, ip)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := NewRefreshToken(s.cfg.RefreshTTL)
	if err != nil {
		return Pair{}, err
	}
	hash := utils.HashToken(refresh.Raw)
	if err := s.refresh.DeleteLiveForDevice(ctx, account.ID, deviceID); err != nil {
		return Pair{}, fmt.Errorf("supersede refresh tokens: %w", err)
	}
	if err := s.refresh.Store(ctx, account.ID, deviceID, hash, refresh.Exp); err != nil {
		return Pair{}, fmt.Errorf("store refresh token: %w", err)
	}
	if err := s.accounts.UpdateCurrentRefresh(ctx, account.ID, hash, refresh.Exp); err != nil {
		return Pair{}, fmt.Errorf("update refresh slot: %w", err)
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// Rotate exchanges a presented refresh token for a fresh pair. The consumed
// flag is flipped with a compare-and-swap: two concurrent rotations of the
// same token yield exactly one new pair and one theft failure. Presenting an
// already-consumed token revokes every token for the account and fails with
// ErrTokenTheftDetected.
func (s *Service) Rotate(ctx context.Context, presented, deviceID, ip string) (Pair, model.Account, error) {
	hash := utils.HashToken(presented)
	rec, err := s.refresh.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Pair{}, model.Account{}, ErrRefreshTokenInvalid
		}
		return Pair{}, model.Account{}, err
	}
	if rec.RevokedAt != nil {
		return Pair{}, model.Account{}, ErrRefreshTokenInvalid
	}
	if rec.ConsumedAt != nil {
		// Reuse of a rotated token is the theft signal.
		return Pair{}, model.Account{}, s.failTheft(ctx, rec.AccountID)
	}
	if s.now().After(rec.ExpiresAt) {
		return Pair{}, model.Account{}, ErrTokenExpired
	}
	if err := s.refresh.Consume(ctx, hash); err != nil {
		if errors.Is(err, repository.ErrAlreadyConsumed) {
			// Lost the swap to a concurrent rotation of the same token.
			return Pair{}, model.Account{}, s.failTheft(ctx, rec.AccountID)
		}
		return Pair{}, model.Account{}, err
	}

	account, err := s.accounts.GetByID(ctx, rec.AccountID)
	if err != nil || !account.IsActive {
		return Pair{}, model.Account{}, ErrRefreshTokenInvalid
	}
	pair, err := s.IssuePair(ctx, account, deviceID, ip)
	if err != nil {
		return Pair{}, model.Account{}, err
	}
	s.audit.RecordEvent(ctx, audit.ActionTokenRefresh, strconv.FormatUint(account.ID, 10), "rotation ok")
	return pair, account, nil
}

func (s *Service) failTheft(ctx context.Context, accountID uint64) error {
	subject := strconv.FormatUint(accountID, 10)
	if err := s.RevokeAllTokens(ctx, accountID); err != nil {
		// The theft verdict stands even if fan-out partially failed.
		s.audit.RecordEvent(ctx, audit.ActionTokenTheft, subject, "revocation fan-out error: "+err.Error())
		return ErrTokenTheftDetected
	}
	s.audit.RecordEvent(ctx, audit.ActionTokenTheft, subject, "consumed refresh token replayed")
	return ErrTokenTheftDetected
}

// Validate verifies signature, issuer, audience and expiry, then checks the
// revocation markers and, when a device fingerprint is supplied, the
// embedded binding hash. Step-up tokens never validate here.
func (s *Service) Validate(ctx context.Context, tokenString, deviceID string) (Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if claims.Scope != "" {
		return Claims{}, ErrTokenInvalid
	}
	if err := s.checkRevocation(ctx, claims); err != nil {
		return Claims{}, err
	}
	if deviceID != "" && claims.deviceHash != "" {
		if claims.deviceHash != utils.SaltedHash(s.cfg.BindingSalt, deviceID) {
			return Claims{}, ErrTokenInvalid
		}
	}
	return claims.Claims, nil
}

// RevokeToken writes a single-token revocation marker sized to outlive the
// token it shadows.
func (s *Service) RevokeToken(ctx context.Context, jti, reason string) error {
	return s.store.Set(ctx, revokedKey(jti), reason, s.cfg.AccessTTL)
}

// RevokeAllTokens writes an account-wide revocation marker and revokes every
// live refresh token. Access tokens issued before the marker fail Validate
// immediately; tokens for other accounts are unaffected.
func (s *Service) RevokeAllTokens(ctx context.Context, accountID uint64) error {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	if err := s.store.Set(ctx, revokedAccountKey(accountID), ts, s.cfg.AccessTTL+time.Minute); err != nil {
		return err
	}
	if err := s.refresh.RevokeAllForAccount(ctx, accountID); err != nil {
		return err
	}
	s.audit.RecordEvent(ctx, audit.ActionTokensRevoked, strconv.FormatUint(accountID, 10), "account-wide revocation")
	return nil
}

// RevokeRefreshToken retires a single refresh token (logout of one
// session). Consuming an already-dead token is not a theft signal here;
// the caller just learns the token was invalid.
func (s *Service) RevokeRefreshToken(ctx context.Context, presented string) error {
	if err := s.refresh.Consume(ctx, utils.HashToken(presented)); err != nil {
		if errors.Is(err, repository.ErrAlreadyConsumed) {
			return ErrRefreshTokenInvalid
		}
		return err
	}
	return nil
}

// IssueStepUpToken mints the short-lived 2FA session token handed out
// between the password check and the TOTP code.
func (s *Service) IssueStepUpToken(ctx context.Context, accountID uint64) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.StepUpTTL)
	claims := jwt.MapClaims{
		"sub":   accountID,
		"scope": scopeStepUp,
		"jti":   uuid.NewString(),
		"iss":   s.cfg.Issuer,
		"aud":   s.cfg.Audience,
		"exp":   exp.Unix(),
		"iat":   now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateStepUpToken accepts only tokens carrying the 2fa scope.
func (s *Service) ValidateStepUpToken(ctx context.Context, tokenString string) (uint64, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return 0, err
	}
	if claims.Scope != scopeStepUp {
		return 0, ErrTokenInvalid
	}
	if err := s.checkRevocation(ctx, claims); err != nil {
		return 0, err
	}
	return claims.AccountID, nil
}

type parsedClaims struct {
	Claims
	deviceHash string
}

func (s *Service) parse(tokenString string) (parsedClaims, error) {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(s.cfg.Issuer), jwt.WithAudience(s.cfg.Audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return parsedClaims{}, ErrTokenExpired
		}
		return parsedClaims{}, ErrTokenInvalid
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return parsedClaims{}, ErrTokenInvalid
	}

	out := parsedClaims{}
	out.AccountID = subToUint64(mc["sub"])
	if out.AccountID == 0 {
		return parsedClaims{}, ErrTokenInvalid
	}
	out.Role, _ = mc["role"].(string)
	out.JTI, _ = mc["jti"].(string)
	out.Scope, _ = mc["scope"].(string)
	out.deviceHash, _ = mc["device_hash"].(string)
	if iat, ok := mc["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0).UTC()
	}
	if exp, ok := mc["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return out, nil
}

func (s *Service) checkRevocation(ctx context.Context, claims parsedClaims) error {
	if claims.JTI != "" {
		revoked, err := s.store.Exists(ctx, revokedKey(claims.JTI))
		if err != nil {
			return err
		}
		if revoked {
			return ErrTokenRevoked
		}
	}
	markerVal, err := s.store.Get(ctx, revokedAccountKey(claims.AccountID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil {
		ts, perr := strconv.ParseInt(markerVal, 10, 64)
		if perr == nil && !claims.IssuedAt.After(time.Unix(ts, 0).UTC()) {
			return ErrTokenRevoked
		}
	}
	return nil
}

// subToUint64 handles the two encodings the jwt library produces for
// numeric subjects.
func subToUint64(v any) uint64 {
	switch sub := v.(type) {
	case float64:
		return uint64(sub)
	case string:
		if parsed, err := strconv.ParseUint(sub, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
