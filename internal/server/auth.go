package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIAuth authenticates mutating API requests. Two credentials are
// accepted: the static operator token, compared in constant time, and
// HS256 JWTs when a signing secret is configured. With neither configured
// the API is open.
type APIAuth struct {
	token string
	jwt   *JWTValidator
}

// NewAPIAuth creates an authenticator from the configured credentials.
// Empty strings disable the respective mode.
func NewAPIAuth(token, jwtSecret string) *APIAuth {
	a := &APIAuth{token: token}
	if jwtSecret != "" {
		a.jwt = NewJWTValidator(jwtSecret)
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *APIAuth) Enabled() bool {
	return a.token != "" || a.jwt != nil
}

// Authenticate checks the bearer credential on the request. It returns
// the token claims when a JWT was presented and nil for the static token,
// which is not tied to a principal.
func (a *APIAuth) Authenticate(r *http.Request) (*TokenClaims, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	if a.token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.token)) == 1 {
		return nil, nil
	}
	if a.jwt != nil {
		return a.jwt.Validate(raw)
	}
	return nil, errors.New("invalid token")
}

// TokenClaims is the principal carried by an operator JWT.
type TokenClaims struct {
	// Subject identifies the operator or automation the token was minted for.
	Subject string `json:"sub"`
	// Roles are the principal's assigned roles.
	Roles []string `json:"roles"`
	// IssuedAt is when the token was issued.
	IssuedAt time.Time `json:"iat"`
	// ExpiresAt is when the token expires.
	ExpiresAt time.Time `json:"exp"`
	// Issuer is who issued the token.
	Issuer string `json:"iss"`
}

// HasRole checks if the principal has a specific role.
func (c *TokenClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks if the principal has the admin role.
func (c *TokenClaims) IsAdmin() bool {
	return c.HasRole("admin")
}

// JWTValidator validates and mints HS256 JWTs.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator with the given signing secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

type jwtHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

// jwtClaims is the wire form with Unix timestamps.
type jwtClaims struct {
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles,omitempty"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Issuer    string   `json:"iss,omitempty"`
}

// Validate checks the token signature and expiry and returns the claims.
func (v *JWTValidator) Validate(token string) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	headerBytes, err := base64URLDecode(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid header encoding: %w", err)
	}
	var header jwtHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("unsupported algorithm: %s", header.Algorithm)
	}
	if header.Type != "JWT" {
		return nil, fmt.Errorf("unsupported type: %s", header.Type)
	}

	signingInput := parts[0] + "." + parts[1]
	expectedSig := v.sign([]byte(signingInput))
	actualSig, err := base64URLDecode(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(expectedSig, actualSig) {
		return nil, errors.New("invalid signature")
	}

	claimsBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid claims encoding: %w", err)
	}
	var claims jwtClaims
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return nil, fmt.Errorf("invalid claims: %w", err)
	}

	expiresAt := time.Unix(claims.ExpiresAt, 0)
	if time.Now().After(expiresAt) {
		return nil, errors.New("token expired")
	}

	return &TokenClaims{
		Subject:   claims.Subject,
		Roles:     claims.Roles,
		IssuedAt:  time.Unix(claims.IssuedAt, 0),
		ExpiresAt: expiresAt,
		Issuer:    claims.Issuer,
	}, nil
}

// GenerateToken mints a signed token for the given claims.
func (v *JWTValidator) GenerateToken(claims *TokenClaims) (string, error) {
	headerBytes, err := json.Marshal(jwtHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	claimsBytes, err := json.Marshal(jwtClaims{
		Subject:   claims.Subject,
		Roles:     claims.Roles,
		IssuedAt:  claims.IssuedAt.Unix(),
		ExpiresAt: claims.ExpiresAt.Unix(),
		Issuer:    claims.Issuer,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	signingInput := base64URLEncode(headerBytes) + "." + base64URLEncode(claimsBytes)
	signature := v.sign([]byte(signingInput))
	return signingInput + "." + base64URLEncode(signature), nil
}

// sign creates an HMAC-SHA256 signature.
func (v *JWTValidator) sign(data []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(data)
	return h.Sum(nil)
}

// base64URLEncode encodes data using base64 URL encoding without padding.
func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// base64URLDecode decodes base64 URL encoded data, restoring padding.
func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
