package handler

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/auth-session-service/internal/auth"
    "github.com/iliyamo/auth-session-service/internal/model"
    "github.com/iliyamo/auth-session-service/internal/passkey"
    "github.com/iliyamo/auth-session-service/internal/repository"
)

// WebAuthnHandler exposes the passkey ceremonies. Registration runs behind
// JWTAuth; authentication is public and identified by email. The finish
// payloads are passed to the ceremony layer as raw JSON because the
// webauthn protocol parser consumes the whole response body itself.
type WebAuthnHandler struct {
	Accounts *repository.AccountRepo
	Creds    *repository.CredentialRepo
	Passkeys *passkey.Service
	Auth     *auth.Service
}

func NewWebAuthnHandler(a *repository.AccountRepo, cr *repository.CredentialRepo, p *passkey.Service, svc *auth.Service) *WebAuthnHandler {
	return &WebAuthnHandler{Accounts: a, Creds: cr, Passkeys: p, Auth: svc}
}

type webauthnLoginBeginReq struct {
	Email string `json:"email"`
}

// finishEnvelope wraps the authenticator response with the sidecar fields
// the finish endpoints need. The response is kept as raw JSON.
type finishEnvelope struct {
	Response    json.RawMessage `json:"response"`
	DeviceName  string          `json:"device_name"`
	DeviceID    string          `json:"device_id"`
	TrustDevice bool            `json:"trust_device"`
	Email       string          `json:"email"`
}

type credentialPart struct {
	CredentialID string     `json:"credential_id"`
	DeviceName   string     `json:"device_name,omitempty"`
	SignCount    uint32     `json:"sign_count"`
	BackedUp     bool       `json:"backed_up"`
	Revoked      bool       `json:"revoked"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

func webauthnError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, passkey.ErrChallengeNotFound), errors.Is(err, passkey.ErrChallengeExpired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "challenge missing or expired"})
	case errors.Is(err, passkey.ErrCredentialUnknownOrRevoked):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "credential unknown or revoked"})
	case errors.Is(err, passkey.ErrSignatureCounterRegression):
		// The credential was revoked before this error surfaced.
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "credential revoked"})
	case errors.Is(err, passkey.ErrCredentialExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "credential already registered"})
	case errors.Is(err, passkey.ErrNoCredentials):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no usable credentials"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

func (h *WebAuthnHandler) currentAccount(c echo.Context, ctx context.Context) (model.Account, error) {
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return model.Account{}, errors.New("unauthorized")
	}
	return h.Accounts.GetByID(ctx, uid)
}

// RegisterBegin: start a registration ceremony for the current account.
func (h *WebAuthnHandler) RegisterBegin(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	account, err := h.currentAccount(c, ctx)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	creation, err := h.Passkeys.InitiateRegistration(ctx, account)
	if err != nil {
		return webauthnError(c, err)
	}
	return c.JSON(http.StatusOK, creation)
}

// RegisterFinish: verify the attestation and persist the credential.
func (h *WebAuthnHandler) RegisterFinish(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	account, err := h.currentAccount(c, ctx)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	env, err := readFinishEnvelope(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	cred, err := h.Passkeys.CompleteRegistration(ctx, account, env.Response, env.DeviceName)
	if err != nil {
		return webauthnError(c, err)
	}
	return c.JSON(http.StatusCreated, toCredentialPart(cred))
}

// LoginBegin: start an assertion ceremony for the account behind the email.
// Unknown emails get the same response shape as accounts without passkeys
// so the endpoint cannot enumerate who has credentials.
func (h *WebAuthnHandler) LoginBegin(c echo.Context) error {
	var req webauthnLoginBeginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	account, err := h.Accounts.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "no usable credentials"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	assertion, err := h.Passkeys.InitiateAuthentication(ctx, account)
	if err != nil {
		return webauthnError(c, err)
	}
	return c.JSON(http.StatusOK, assertion)
}

// LoginFinish: verify the assertion and issue a token pair. The passkey is
// a full step-up, so trust_device takes effect immediately.
func (h *WebAuthnHandler) LoginFinish(c echo.Context) error {
	env, err := readFinishEnvelope(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	env.Email = strings.ToLower(strings.TrimSpace(env.Email))
	if env.Email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	account, err := h.Accounts.GetByEmail(ctx, env.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if _, err := h.Passkeys.CompleteAuthentication(ctx, account, env.Response); err != nil {
		return webauthnError(c, err)
	}
	res, err := h.Auth.CompleteWebAuthnLogin(ctx, account, env.DeviceID, c.Request().UserAgent(), c.RealIP(), env.TrustDevice)
	if err != nil {
		return authError(c, err)
	}
	return loginResultJSON(c, http.StatusOK, res)
}

// ListCredentials: every credential of the current account, revoked included.
func (h *WebAuthnHandler) ListCredentials(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	creds, err := h.Creds.ListByAccount(ctx, uid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	out := make([]credentialPart, 0, len(creds))
	for _, cr := range creds {
		out = append(out, toCredentialPart(cr))
	}
	return c.JSON(http.StatusOK, echo.Map{"credentials": out})
}

// RevokeCredential: soft-revoke one credential of the current account.
func (h *WebAuthnHandler) RevokeCredential(c echo.Context) error {
	credentialID := c.Param("id")
	if credentialID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "credential id required"})
	}
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Passkeys.RevokeCredential(ctx, uid, credentialID, "revoked by owner"); err != nil {
		return webauthnError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func toCredentialPart(cr model.Credential) credentialPart {
	return credentialPart{
		CredentialID: cr.CredentialID,
		DeviceName:   cr.DeviceName,
		SignCount:    cr.SignCount,
		BackedUp:     cr.BackedUp,
		Revoked:      cr.Revoked(),
		CreatedAt:    cr.CreatedAt,
		LastUsedAt:   cr.LastUsedAt,
	}
}

func readFinishEnvelope(c echo.Context) (finishEnvelope, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return finishEnvelope{}, err
	}
	var env finishEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return finishEnvelope{}, err
	}
	if len(env.Response) == 0 {
		return finishEnvelope{}, errors.New("response required")
	}
	return env, nil
}
