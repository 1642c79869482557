// Package token issues, rotates and revokes the bearer/refresh token pairs
// for the session core. Access tokens are short-lived HS256 JWTs; refresh
// tokens are opaque high-entropy strings of which only a SHA-256 hash is
// ever stored.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken represents a signed JWT access token along with its expiry and
// unique id. The Token field contains the serialized JWT presented in the
// Authorization header on protected endpoints.
type AccessToken struct {
	Token string    // the serialized JWT string
	JTI   string    // unique token id, used for targeted revocation
	Exp   time.Time // the UTC expiration time
}

// RefreshToken represents a long-lived opaque token used to obtain new
// access tokens. The Raw field is returned to the client exactly once; the
// server keeps only its SHA-256 hash.
type RefreshToken struct {
	Raw string    // raw token string returned to the client
	Exp time.Time // UTC expiration time
}

// Pair bundles the two tokens returned by issuance and rotation.
type Pair struct {
	Access  AccessToken
	Refresh RefreshToken
}

// Config holds signing and lifetime settings for the issuer.
type Config struct {
	Secret      string        // HMAC signing secret
	Issuer      string        // iss claim
	Audience    string        // aud claim
	BindingSalt string        // salt for device/ip binding hashes
	AccessTTL   time.Duration // access token lifetime (default 15m)
	RefreshTTL  time.Duration // refresh token lifetime (default 7 days)
	StepUpTTL   time.Duration // 2FA session token lifetime (default 5m)
}

// signAccessToken builds and signs an HS256 JWT. Claims: subject (sub), role,
// unique token id (jti), issued-at (iat), expiry (exp), issuer and audience,
// plus salted binding hashes when a device fingerprint or client IP was
// supplied. The raw fingerprint or IP never enters the token.
func signAccessToken(cfg Config, accountID uint64, role, jti, deviceHash, ipHash string, now time.Time) (AccessToken, error) {
	exp := now.Add(cfg.AccessTTL)
	claims := jwt.MapClaims{
		"sub":  accountID,
		"role": role,
		"jti":  jti,
		"iss":  cfg.Issuer,
		"aud":  cfg.Audience,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	if deviceHash != "" {
		claims["device_hash"] = deviceHash
	}
	if ipHash != "" {
		claims["ip_hash"] = ipHash
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(cfg.Secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, JTI: jti, Exp: exp}, nil
}

// NewRefreshToken returns a cryptographically secure random token and its
// expiration time. 48 random bytes give 384 bits of entropy, comfortably
// above the 256-bit floor.
func NewRefreshToken(ttl time.Duration) (RefreshToken, error) {
	raw, err := randomHex(48) // 48 bytes -> 96 hex chars
	if err != nil {
		return RefreshToken{}, err
	}
	return RefreshToken{
		Raw: raw,
		Exp: time.Now().UTC().Add(ttl),
	}, nil
}

// randomHex returns a hex-encoded string generated from n bytes of
// cryptographically secure random data.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
