package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"strings" // strings splits list-valued variables
	"time"    // time parses duration-valued variables
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable. The types reflect how the values are used in
// the application: strings for identifiers and secrets, ints and durations
// for lifetimes and costs.
type Config struct {
	Env  string // application environment (e.g. "dev", "prod")
	Port string // HTTP port to listen on

	DBUser string // database username
	DBPass string // database password (optional)
	DBHost string // database host address
	DBPort string // database port number
	DBName string // database name

	JWTSecret      string // secret used to sign JWTs
	JWTIssuer      string // iss claim on issued tokens
	JWTAudience    string // aud claim on issued tokens
	BindingSalt    string // salt for device/ip binding hashes inside tokens
	AccessTTLMin   int    // access token time-to-live in minutes
	RefreshTTLDays int    // refresh token time-to-live in days
	BcryptCost     int    // bcrypt cost for password hashing

	StepUpTTL time.Duration // 2FA session token lifetime

	OtpLoginTTL     time.Duration // login OTP challenge lifetime
	OtpDefaultTTL   time.Duration // registration/other OTP challenge lifetime
	OtpMaxAttempts  int           // verification attempts before lockout
	OtpLockoutTTL   time.Duration // lockout duration after exhausted attempts
	OtpResendLimit  int           // resends per rolling window
	OtpResendWindow time.Duration // resend rate-limit window

	WebAuthnRPID         string        // relying party id (domain)
	WebAuthnRPName       string        // relying party display name
	WebAuthnOrigins      []string      // allowed ceremony origins
	WebAuthnChallengeTTL time.Duration // ceremony challenge lifetime

	TotpIssuer string // issuer label shown in authenticator apps
}

// Load reads configuration values from environment variables and returns a
// Config. Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message; tunable lifetimes
// fall back to the documented defaults.
func Load() Config {
	return Config{
		Env:            must("APP_ENV"),
		Port:           must("APP_PORT"),
		DBUser:         must("DB_USER"),
		DBPass:         os.Getenv("DB_PASS"), // empty allowed
		DBHost:         must("DB_HOST"),
		DBPort:         must("DB_PORT"),
		DBName:         must("DB_NAME"),
		JWTSecret:      must("JWT_SECRET"),
		JWTIssuer:      envStr("JWT_ISSUER", "auth-session-service"),
		JWTAudience:    envStr("JWT_AUDIENCE", "auth-session-service"),
		BindingSalt:    must("TOKEN_BINDING_SALT"),
		AccessTTLMin:   envInt("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTTLDays: envInt("REFRESH_TOKEN_TTL_DAYS", 7),
		BcryptCost:     mustInt("BCRYPT_COST"),

		StepUpTTL: envDur("STEP_UP_TOKEN_TTL", 5*time.Minute),

		OtpLoginTTL:     envDur("OTP_LOGIN_TTL", 5*time.Minute),
		OtpDefaultTTL:   envDur("OTP_DEFAULT_TTL", 10*time.Minute),
		OtpMaxAttempts:  envInt("OTP_MAX_ATTEMPTS", 3),
		OtpLockoutTTL:   envDur("OTP_LOCKOUT_TTL", 15*time.Minute),
		OtpResendLimit:  envInt("OTP_RESEND_LIMIT", 3),
		OtpResendWindow: envDur("OTP_RESEND_WINDOW", time.Hour),

		WebAuthnRPID:         envStr("WEBAUTHN_RP_ID", "localhost"),
		WebAuthnRPName:       envStr("WEBAUTHN_RP_NAME", "Auth Session Service"),
		WebAuthnOrigins:      splitList(envStr("WEBAUTHN_RP_ORIGINS", "http://localhost:8080")),
		WebAuthnChallengeTTL: envDur("WEBAUTHN_CHALLENGE_TTL", 5*time.Minute),

		TotpIssuer: envStr("TOTP_ISSUER", "auth-session-service"),
	}
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
// If conversion fails, the application logs a fatal error and exits.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

// splitList parses a comma-separated variable into trimmed entries.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
