package handler

import (
    "context"  // bounds DB-backed calls with a timeout
    "errors"   // sentinel error matching
    "net/http" // HTTP status codes
    "strconv"  // path-param parsing
    "strings"  // input normalization
    "time"     // timeout durations and response timestamps

    "github.com/labstack/echo/v4" // Echo framework for HTTP routing

    "github.com/iliyamo/auth-session-service/internal/auth"
    "github.com/iliyamo/auth-session-service/internal/model"
    "github.com/iliyamo/auth-session-service/internal/otp"
    "github.com/iliyamo/auth-session-service/internal/repository"
    "github.com/iliyamo/auth-session-service/internal/token"
)

// AuthHandler bundles dependencies for auth endpoints. The login flow is a
// small state machine: /login answers with tokens, an OTP prompt or a 2FA
// prompt, and /login/otp, /login/totp and the WebAuthn finish endpoint are
// the continuations that can reach the token state.
type AuthHandler struct {
	Auth   *auth.Service
	Tokens *token.Service
}

func NewAuthHandler(a *auth.Service, t *token.Service) *AuthHandler {
	return &AuthHandler{Auth: a, Tokens: t}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"` // USER | ADMIN (defaults to USER)
}
type confirmEmailReq struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"` // opaque client fingerprint, optional
}
type otpLoginReq struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	DeviceID    string `json:"device_id"`
	TrustDevice bool   `json:"trust_device"`
}
type totpLoginReq struct {
	StepUpToken string `json:"step_up_token"`
	Code        string `json:"code"`
	DeviceID    string `json:"device_id"`
	TrustDevice bool   `json:"trust_device"`
}
type resendReq struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"` // login | register
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}
type totpActivateReq struct {
	Code string `json:"code"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type accountPart struct {
	ID               uint64 `json:"id"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	EmailConfirmed   bool   `json:"email_confirmed"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
	WebAuthnEnabled  bool   `json:"webauthn_enabled"`
}
type authResp struct {
	Status  string      `json:"status"`
	Account accountPart `json:"account"`
	Access  *tokenPart  `json:"access,omitempty"`
	Refresh *tokenPart  `json:"refresh,omitempty"`
	StepUp  *tokenPart  `json:"step_up,omitempty"`
}

func toAccountPart(a model.Account) accountPart {
	return accountPart{
		ID:               a.ID,
		Email:            a.Email,
		Role:             a.Role,
		EmailConfirmed:   a.EmailConfirmed,
		TwoFactorEnabled: a.TwoFactorEnabled,
		WebAuthnEnabled:  a.WebAuthnEnabled,
	}
}

func loginResultJSON(c echo.Context, status int, res auth.LoginResult) error {
	resp := authResp{Status: string(res.Status), Account: toAccountPart(res.Account)}
	switch res.Status {
	case auth.StatusTokensIssued:
		resp.Access = &tokenPart{Token: res.Pair.Access.Token, Expires: res.Pair.Access.Exp}
		resp.Refresh = &tokenPart{Token: res.Pair.Refresh.Raw, Expires: res.Pair.Refresh.Exp}
	case auth.StatusTwoFactorRequired:
		resp.StepUp = &tokenPart{Token: res.StepUpToken, Expires: res.StepUpExpires}
	}
	return c.JSON(status, resp)
}

// authError maps the sentinel errors of the login flow onto HTTP responses.
// Unknown email, wrong password and wrong codes all collapse onto generic
// messages so the caller cannot probe which factor failed.
func authError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	case errors.Is(err, auth.ErrAccountInactive):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "account inactive"})
	case errors.Is(err, auth.ErrTwoFactorCodeInvalid),
		errors.Is(err, otp.ErrMismatch),
		errors.Is(err, otp.ErrExpired),
		errors.Is(err, otp.ErrNotFound):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired code"})
	case errors.Is(err, otp.ErrLockedOut):
		return c.JSON(http.StatusLocked, echo.Map{"error": "verification locked, retry later"})
	case errors.Is(err, otp.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "resend limit reached"})
	case errors.Is(err, token.ErrTokenExpired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token expired"})
	case errors.Is(err, token.ErrTokenInvalid), errors.Is(err, token.ErrTokenRevoked):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
	case errors.Is(err, token.ErrTokenTheftDetected):
		// All sessions were just revoked; the client must authenticate again.
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "session revoked, log in again"})
	case errors.Is(err, token.ErrRefreshTokenInvalid):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

// Register: create an account and send the email-confirmation code. Tokens
// are not issued here; the account logs in once the address is confirmed.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}
	role := strings.ToUpper(strings.TrimSpace(req.Role))
	if role != "ADMIN" && role != "USER" {
		role = "USER"
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	account, err := h.Auth.Register(ctx, req.Email, req.Password, role)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
		}
		return authError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"account": toAccountPart(account)})
}

// ConfirmEmail: verify the registration OTP.
func (h *AuthHandler) ConfirmEmail(c echo.Context) error {
	var req confirmEmailReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/code required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Auth.ConfirmEmail(ctx, req.Email, req.Code); err != nil {
		return authError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Login: password phase. The response status tells the client whether it
// got tokens, owes an OTP code, or owes a TOTP code plus the step-up token.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	res, err := h.Auth.Login(ctx, req.Email, req.Password, req.DeviceID, c.Request().UserAgent(), c.RealIP())
	if err != nil {
		return authError(c, err)
	}
	return loginResultJSON(c, http.StatusOK, res)
}

// LoginOTP: finish the untrusted-device branch with the emailed code.
func (h *AuthHandler) LoginOTP(c echo.Context) error {
	var req otpLoginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/code required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	res, err := h.Auth.CompleteOTPLogin(ctx, req.Email, req.Code, req.DeviceID, c.RealIP(), req.TrustDevice)
	if err != nil {
		return authError(c, err)
	}
	return loginResultJSON(c, http.StatusOK, res)
}

// LoginTOTP: finish the 2FA branch with the authenticator-app code and the
// step-up token issued by /login.
func (h *AuthHandler) LoginTOTP(c echo.Context) error {
	var req totpLoginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.StepUpToken == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "step_up_token/code required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	res, err := h.Auth.CompleteTwoFactorLogin(ctx, req.StepUpToken, req.Code, req.DeviceID, c.RealIP(), req.TrustDevice)
	if err != nil {
		return authError(c, err)
	}
	return loginResultJSON(c, http.StatusOK, res)
}

// ResendOTP: regenerate the pending code under the resend rate limit.
func (h *AuthHandler) ResendOTP(c echo.Context) error {
	var req resendReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}
	purpose := strings.ToLower(strings.TrimSpace(req.Purpose))
	if purpose != otp.PurposeRegister {
		purpose = otp.PurposeLogin
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Auth.ResendOTP(ctx, req.Email, purpose, c.RealIP()); err != nil {
		// An unknown email still answers 204 so the endpoint cannot be
		// used to enumerate accounts.
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return c.NoContent(http.StatusNoContent)
		}
		return authError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Refresh: rotate the presented refresh token into a new pair. A consumed
// token presented here is treated as theft and revokes the whole account's
// sessions before the 401 goes out.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	pair, account, err := h.Auth.Refresh(ctx, strings.TrimSpace(req.RefreshToken), req.DeviceID, c.RealIP())
	if err != nil {
		return authError(c, err)
	}
	return c.JSON(http.StatusOK, authResp{
		Status:  string(auth.StatusTokensIssued),
		Account: toAccountPart(account),
		Access:  &tokenPart{Token: pair.Access.Token, Expires: pair.Access.Exp},
		Refresh: &tokenPart{Token: pair.Refresh.Raw, Expires: pair.Refresh.Exp},
	})
}

// Logout: revoke the current access token and, when supplied, the refresh
// token of this session. Runs behind JWTAuth so the jti is in context.
func (h *AuthHandler) Logout(c echo.Context) error {
	jti, _ := c.Get("jti").(string)

	var req refreshReq
	_ = c.Bind(&req)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if jti != "" {
		if err := h.Tokens.RevokeToken(ctx, jti, "logout"); err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
		}
	}
	if raw := strings.TrimSpace(req.RefreshToken); raw != "" {
		if err := h.Tokens.RevokeRefreshToken(ctx, raw); err != nil &&
			!errors.Is(err, token.ErrRefreshTokenInvalid) {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// LogoutAll: revoke every session of the current account across devices.
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Tokens.RevokeAllTokens(ctx, uid); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// EnrollTOTP: generate a TOTP secret for the current account. The factor
// stays off until one valid code is presented to ActivateTOTP.
func (h *AuthHandler) EnrollTOTP(c echo.Context) error {
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	secret, url, err := h.Auth.EnrollTwoFactor(ctx, uid)
	if err != nil {
		return authError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"secret": secret, "otpauth_url": url})
}

// ActivateTOTP: flip the second factor on after a valid code.
func (h *AuthHandler) ActivateTOTP(c echo.Context) error {
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req totpActivateReq
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Auth.ActivateTwoFactor(ctx, uid, req.Code); err != nil {
		if errors.Is(err, auth.ErrTwoFactorNotEnrolled) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "not enrolled"})
		}
		return authError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeactivateAccount: admin-only kill switch. Disables the account and
// revokes every token it holds.
func (h *AuthHandler) DeactivateAccount(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid account id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Auth.DeactivateAccount(ctx, id); err != nil {
		return authError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me: simple protected endpoint.
func (h *AuthHandler) Me(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"user_id": c.Get("user_id"),
		"role":    c.Get("role"),
	})
}
