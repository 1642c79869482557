// Package otp manages short-lived numeric step-up challenges. One challenge
// may be outstanding per (account, purpose); generating a new one supersedes
// the old. Attempt counting and resend limiting both go through the store's
// atomic increment so concurrent verifications cannot slip past a threshold.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/iliyamo/auth-session-service/internal/store"
)

var (
	// ErrNotFound is returned when no challenge exists for the pair. An
	// expired challenge looks identical because the store TTL removed it.
	ErrNotFound = errors.New("otp challenge not found")
	// ErrExpired is returned when a challenge outlived its deadline but is
	// still present, or the bound IP no longer matches.
	ErrExpired = errors.New("otp challenge expired")
	// ErrMismatch is returned when the submitted code is wrong.
	ErrMismatch = errors.New("otp code mismatch")
	// ErrLockedOut is returned while a lockout marker is in effect.
	ErrLockedOut = errors.New("otp verification locked out")
	// ErrRateLimited is returned when the resend budget is exhausted.
	ErrRateLimited = errors.New("otp resend rate limited")
)

// Purposes with dedicated TTL handling.
const (
	PurposeLogin    = "login"
	PurposeRegister = "register"
)

// Config holds challenge lifetimes and limits.
type Config struct {
	LoginTTL     time.Duration // login challenges (default 5m)
	DefaultTTL   time.Duration // registration and other purposes (default 10m)
	MaxAttempts  int64         // verification attempts before lockout (default 3)
	LockoutTTL   time.Duration // lockout marker lifetime (default 15m)
	ResendLimit  int64         // resends per window (default 3)
	ResendWindow time.Duration // rolling resend window (default 1h)
}

func (c Config) withDefaults() Config {
	if c.LoginTTL <= 0 {
		c.LoginTTL = 5 * time.Minute
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LockoutTTL <= 0 {
		c.LockoutTTL = 15 * time.Minute
	}
	if c.ResendLimit <= 0 {
		c.ResendLimit = 3
	}
	if c.ResendWindow <= 0 {
		c.ResendWindow = time.Hour
	}
	return c
}

// challenge is the JSON payload kept in the ephemeral store.
type challenge struct {
	Code      string    `json:"code"`
	BoundIP   string    `json:"bound_ip,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and verifies challenges. It is stateless; everything lives
// in the injected store under TTL.
type Service struct {
	cfg   Config
	store store.Store
	now   func() time.Time
}

func NewService(cfg Config, st store.Store) *Service {
	return &Service{cfg: cfg.withDefaults(), store: st, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func challengeKey(accountID uint64, purpose string) string {
	return fmt.Sprintf("otp:%d:%s", accountID, purpose)
}
func attemptsKey(accountID uint64, purpose string) string {
	return fmt.Sprintf("otp:attempts:%d:%s", accountID, purpose)
}
func lockoutKey(accountID uint64, purpose string) string {
	return fmt.Sprintf("otp:lockout:%d:%s", accountID, purpose)
}
func resendKey(accountID uint64, purpose string) string {
	return fmt.Sprintf("otp:resend:%d:%s", accountID, purpose)
}

func (s *Service) ttl(purpose string) time.Duration {
	if purpose == PurposeLogin {
		return s.cfg.LoginTTL
	}
	return s.cfg.DefaultTTL
}

// Generate draws a fresh 6-digit code and stores it, superseding any prior
// challenge for the pair. It fails with ErrLockedOut while a lockout marker
// exists. The IP is bound to the challenge only for the login purpose.
func (s *Service) Generate(ctx context.Context, accountID uint64, purpose, ip string) (string, error) {
	locked, err := s.store.Exists(ctx, lockoutKey(accountID, purpose))
	if err != nil {
		return "", err
	}
	if locked {
		return "", ErrLockedOut
	}

	code, err := randomCode()
	if err != nil {
		return "", err
	}
	ttl := s.ttl(purpose)
	ch := challenge{Code: code, ExpiresAt: s.now().Add(ttl)}
	if purpose == PurposeLogin {
		ch.BoundIP = ip
	}
	payload, err := json.Marshal(ch)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, challengeKey(accountID, purpose), string(payload), ttl); err != nil {
		return "", err
	}
	// Supersession resets the attempt budget with the challenge.
	if err := s.store.Delete(ctx, attemptsKey(accountID, purpose)); err != nil {
		return "", err
	}
	return code, nil
}

// Verify checks a submitted code. The attempt counter is incremented
// atomically before the comparison, so the fourth attempt locks the pair out
// for LockoutTTL even if it carries the correct code. A failed lookup does
// not count against any future challenge. The comparison is constant-time.
func (s *Service) Verify(ctx context.Context, accountID uint64, code, purpose, ip string) error {
	locked, err := s.store.Exists(ctx, lockoutKey(accountID, purpose))
	if err != nil {
		return err
	}
	if locked {
		return ErrLockedOut
	}

	raw, err := s.store.Get(ctx, challengeKey(accountID, purpose))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	var ch challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return err
	}
	if s.now().After(ch.ExpiresAt) {
		_ = s.store.Delete(ctx, challengeKey(accountID, purpose), attemptsKey(accountID, purpose))
		return ErrExpired
	}
	if ch.BoundIP != "" && ip != ch.BoundIP {
		return ErrExpired
	}

	attempts, err := s.store.Increment(ctx, attemptsKey(accountID, purpose), s.ttl(purpose))
	if err != nil {
		return err
	}
	if attempts > s.cfg.MaxAttempts {
		if err := s.store.Delete(ctx, challengeKey(accountID, purpose), attemptsKey(accountID, purpose)); err != nil {
			return err
		}
		if err := s.store.Set(ctx, lockoutKey(accountID, purpose), "1", s.cfg.LockoutTTL); err != nil {
			return err
		}
		return ErrLockedOut
	}

	if subtle.ConstantTimeCompare([]byte(ch.Code), []byte(code)) != 1 {
		return ErrMismatch
	}

	// Single-use: a verified challenge is gone.
	if err := s.store.Delete(ctx, challengeKey(accountID, purpose), attemptsKey(accountID, purpose)); err != nil {
		return err
	}
	return nil
}

// Resend regenerates a challenge under an independent rolling rate limit.
// Exceeding the budget fails without touching the outstanding challenge.
func (s *Service) Resend(ctx context.Context, accountID uint64, purpose, ip string) (string, error) {
	n, err := s.store.Increment(ctx, resendKey(accountID, purpose), s.cfg.ResendWindow)
	if err != nil {
		return "", err
	}
	if n > s.cfg.ResendLimit {
		return "", ErrRateLimited
	}
	return s.Generate(ctx, accountID, purpose, ip)
}

// randomCode returns 6 ASCII digits from a cryptographically secure source.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
