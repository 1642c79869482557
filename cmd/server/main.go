package main // Entry point package

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-session-service/internal/audit"
	"github.com/iliyamo/auth-session-service/internal/auth"
	"github.com/iliyamo/auth-session-service/internal/config"
	"github.com/iliyamo/auth-session-service/internal/database"
	"github.com/iliyamo/auth-session-service/internal/device"
	"github.com/iliyamo/auth-session-service/internal/handler"
	"github.com/iliyamo/auth-session-service/internal/notify"
	"github.com/iliyamo/auth-session-service/internal/otp"
	"github.com/iliyamo/auth-session-service/internal/passkey"
	"github.com/iliyamo/auth-session-service/internal/repository"
	"github.com/iliyamo/auth-session-service/internal/router"
	"github.com/iliyamo/auth-session-service/internal/store"
	"github.com/iliyamo/auth-session-service/internal/token"
)

func main() {
	// .env is optional; real deployments set variables directly.
	_ = godotenv.Load()
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// Redis backs OTP challenges, WebAuthn sessions, revocation markers and
	// rate limiting. When it is unreachable the service still comes up on
	// the in-memory store; revocation is then per-process only, which is
	// acceptable for a single dev instance and nothing else.
	rdb := config.NewRedisClient()
	var kv store.Store
	if rdb != nil {
		kv = store.NewRedis(rdb)
	} else {
		log.Println("redis unavailable, falling back to in-memory store")
		kv = store.NewMemory()
	}

	notifier := notify.NewAMQPNotifier()
	recorder := audit.NewAMQPRecorder()

	// Background consumers drain the notification and audit queues into
	// log files. They reconnect on their own; a dead broker only delays
	// delivery because publishing is fire-and-forget.
	go func() {
		if err := notify.StartConsumer(); err != nil {
			log.Printf("notification consumer: %v", err)
		}
	}()
	go func() {
		if err := audit.StartConsumer(); err != nil {
			log.Printf("audit consumer: %v", err)
		}
	}()

	accounts := repository.NewAccountRepo(db)
	refreshTokens := repository.NewRefreshTokenRepo(db)
	credentials := repository.NewCredentialRepo(db)
	devices := repository.NewDeviceRepo(db)
	history := repository.NewLoginHistoryRepo(db)

	tokens := token.NewService(token.Config{
		Secret:      cfg.JWTSecret,
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.JWTAudience,
		BindingSalt: cfg.BindingSalt,
		AccessTTL:   time.Duration(cfg.AccessTTLMin) * time.Minute,
		RefreshTTL:  time.Duration(cfg.RefreshTTLDays) * 24 * time.Hour,
		StepUpTTL:   cfg.StepUpTTL,
	}, kv, refreshTokens, accounts, recorder)

	otpSvc := otp.NewService(otp.Config{
		LoginTTL:     cfg.OtpLoginTTL,
		DefaultTTL:   cfg.OtpDefaultTTL,
		MaxAttempts:  int64(cfg.OtpMaxAttempts),
		LockoutTTL:   cfg.OtpLockoutTTL,
		ResendLimit:  int64(cfg.OtpResendLimit),
		ResendWindow: cfg.OtpResendWindow,
	}, kv)

	passkeys, err := passkey.NewService(passkey.Config{
		RPID:          cfg.WebAuthnRPID,
		RPDisplayName: cfg.WebAuthnRPName,
		RPOrigins:     cfg.WebAuthnOrigins,
		ChallengeTTL:  cfg.WebAuthnChallengeTTL,
	}, kv, credentials, accounts, recorder)
	if err != nil {
		log.Fatalf("webauthn: %v", err)
	}

	tracker := device.NewTracker(devices, notifier, recorder)

	authSvc := auth.NewService(auth.Config{
		BcryptCost: cfg.BcryptCost,
		TotpIssuer: cfg.TotpIssuer,
	}, accounts, history, tracker, otpSvc, tokens, notifier, recorder)

	e := echo.New()
	router.RegisterRoutes(e)
	router.RegisterAuth(e, router.Handlers{
		Auth:     handler.NewAuthHandler(authSvc, tokens),
		WebAuthn: handler.NewWebAuthnHandler(accounts, credentials, passkeys, authSvc),
		Devices:  handler.NewDeviceHandler(tracker),
		History:  handler.NewHistoryHandler(history),
	}, tokens, config.LoadRateLimitConfig(), rdb)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
