package otp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-session-service/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	mem.SetClock(func() time.Time { return now })
	svc := NewService(Config{}, mem)
	svc.SetClock(func() time.Time { return now })
	return svc, mem, &now
}

func TestGenerateAndVerify(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, svc.Verify(ctx, 1, code, PurposeLogin, "10.0.0.1"))
}

func TestVerifyIsSingleUse(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, svc.Verify(ctx, 1, code, PurposeLogin, "10.0.0.1"))
	// The same code again must not pass: the challenge is gone.
	require.ErrorIs(t, svc.Verify(ctx, 1, code, PurposeLogin, "10.0.0.1"), ErrNotFound)
}

func TestVerifyWrongCodeCountsAttempts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, svc.Verify(ctx, 1, wrong, PurposeLogin, "10.0.0.1"), ErrMismatch)
	}
	// Fourth attempt locks out even though it carries the correct code.
	require.ErrorIs(t, svc.Verify(ctx, 1, code, PurposeLogin, "10.0.0.1"), ErrLockedOut)

	// While locked out, generation is refused as well.
	_, err = svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.ErrorIs(t, err, ErrLockedOut)
}

func TestLockoutExpires(t *testing.T) {
	svc, mem, now := newTestService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, svc.Verify(ctx, 1, wrong, PurposeLogin, "10.0.0.1"), ErrMismatch)
	}
	require.ErrorIs(t, svc.Verify(ctx, 1, wrong, PurposeLogin, "10.0.0.1"), ErrLockedOut)

	// After the lockout TTL a fresh challenge can be issued.
	*now = now.Add(16 * time.Minute)
	mem.SetClock(func() time.Time { return *now })
	svc.SetClock(func() time.Time { return *now })
	_, err = svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
}

func TestVerifyExpiredChallenge(t *testing.T) {
	svc, _, now := newTestService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)

	*now = now.Add(6 * time.Minute)
	svc.SetClock(func() time.Time { return *now })
	err = svc.Verify(ctx, 1, code, PurposeLogin, "10.0.0.1")
	require.Error(t, err)
	require.True(t, err == ErrExpired || err == ErrNotFound)
}

func TestLoginChallengeIsIPBound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
	// Correct code from the wrong address does not verify.
	require.ErrorIs(t, svc.Verify(ctx, 1, code, PurposeLogin, "10.9.9.9"), ErrExpired)

	// Register-purpose challenges carry no IP binding.
	code, err = svc.Generate(ctx, 2, PurposeRegister, "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, svc.Verify(ctx, 2, code, PurposeRegister, "10.9.9.9"))
}

func TestGenerateSupersedesAndResetsAttempts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
	wrong := "000000"
	if wrong == first {
		wrong = "000001"
	}
	require.ErrorIs(t, svc.Verify(ctx, 1, wrong, PurposeLogin, "10.0.0.1"), ErrMismatch)
	require.ErrorIs(t, svc.Verify(ctx, 1, wrong, PurposeLogin, "10.0.0.1"), ErrMismatch)

	second, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
	// The old code is dead and the attempt budget restarted with the new
	// challenge: three fresh misses are allowed again before lockout.
	if first != second {
		require.ErrorIs(t, svc.Verify(ctx, 1, first, PurposeLogin, "10.0.0.1"), ErrMismatch)
		require.ErrorIs(t, svc.Verify(ctx, 1, first, PurposeLogin, "10.0.0.1"), ErrMismatch)
	}
	require.NoError(t, svc.Verify(ctx, 1, second, PurposeLogin, "10.0.0.1"))
}

func TestResendRateLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)

	var code string
	for i := 0; i < 3; i++ {
		code, err = svc.Resend(ctx, 1, PurposeLogin, "10.0.0.1")
		require.NoError(t, err)
	}
	_, err = svc.Resend(ctx, 1, PurposeLogin, "10.0.0.1")
	require.ErrorIs(t, err, ErrRateLimited)

	// The outstanding challenge survives the refused resend.
	require.NoError(t, svc.Verify(ctx, 1, code, PurposeLogin, "10.0.0.1"))
}

func TestChallengesAreScopedPerPurpose(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	login, err := svc.Generate(ctx, 1, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
	reg, err := svc.Generate(ctx, 1, PurposeRegister, "")
	require.NoError(t, err)

	if login != reg {
		require.ErrorIs(t, svc.Verify(ctx, 1, reg, PurposeLogin, "10.0.0.1"), ErrMismatch)
	}
	require.NoError(t, svc.Verify(ctx, 1, login, PurposeLogin, "10.0.0.1"))
	require.NoError(t, svc.Verify(ctx, 1, reg, PurposeRegister, ""))
}
