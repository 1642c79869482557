package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/auth-session-service/internal/config"
	"github.com/iliyamo/auth-session-service/internal/handler"
	"github.com/iliyamo/auth-session-service/internal/middleware"
	"github.com/iliyamo/auth-session-service/internal/token"
)

// Handlers bundles everything the route table needs.
type Handlers struct {
	Auth     *handler.AuthHandler
	WebAuthn *handler.WebAuthnHandler
	Devices  *handler.DeviceHandler
	History  *handler.HistoryHandler
}

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	// Used by load balancers and monitoring to verify the service is up.
	e.GET("/healthz", handler.Health)
}

// RegisterAuth registers the full route table. Unauthenticated operations
// live under /v1/auth behind the token-bucket rate limiter; protected
// endpoints live under /v1 behind JWTAuth. Admin operations additionally
// require the ADMIN role.
func RegisterAuth(e *echo.Echo, h Handlers, tokens *token.Service, rlCfg config.RateLimitConfig, rdb *redis.Client) {
	// Public group: everything here can be hammered by unauthenticated
	// clients, so the rate limiter sits in front of all of it.
	g := e.Group("/v1/auth")
	g.Use(middleware.NewTokenBucket(rlCfg, rdb))

	g.POST("/register", h.Auth.Register)
	g.POST("/confirm-email", h.Auth.ConfirmEmail)
	g.POST("/login", h.Auth.Login)
	// Login continuations: each can move the flow to the token state.
	g.POST("/login/otp", h.Auth.LoginOTP)
	g.POST("/login/totp", h.Auth.LoginTOTP)
	g.POST("/otp/resend", h.Auth.ResendOTP)
	// Rotation; a consumed token presented here revokes the whole account.
	g.POST("/refresh", h.Auth.Refresh)
	// Passkey assertion is public: the ceremony itself is the proof.
	g.POST("/webauthn/login/begin", h.WebAuthn.LoginBegin)
	g.POST("/webauthn/login/finish", h.WebAuthn.LoginFinish)

	// Protected group: every handler below sees user_id/role/jti in context.
	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(tokens))
	auth.Use(middleware.RequireRole("ADMIN", "USER"))

	auth.GET("/me", h.Auth.Me)
	auth.POST("/logout", h.Auth.Logout)
	auth.POST("/logout-all", h.Auth.LogoutAll)

	auth.POST("/2fa/enroll", h.Auth.EnrollTOTP)
	auth.POST("/2fa/activate", h.Auth.ActivateTOTP)

	auth.POST("/webauthn/register/begin", h.WebAuthn.RegisterBegin)
	auth.POST("/webauthn/register/finish", h.WebAuthn.RegisterFinish)
	auth.GET("/webauthn/credentials", h.WebAuthn.ListCredentials)
	auth.DELETE("/webauthn/credentials/:id", h.WebAuthn.RevokeCredential)

	auth.GET("/devices", h.Devices.List)
	auth.GET("/devices/current", h.Devices.Current)
	auth.GET("/login-history", h.History.Recent)

	// Admin-only: disable an account and revoke everything it holds.
	admin := e.Group("/v1/admin")
	admin.Use(middleware.JWTAuth(tokens))
	admin.Use(middleware.RequireRole("ADMIN"))
	admin.POST("/accounts/:id/deactivate", h.Auth.DeactivateAccount)
}
