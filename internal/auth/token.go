// Package auth issues and verifies the bearer credentials viewers present to the
// relay's REST API and push channel.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

const issuer = "z-bazaar"

// Verifier resolves bearer tokens to viewer ids. Without a secret it runs in
// development mode and takes the token itself as the viewer id.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// DevMode reports whether tokens are accepted unsigned.
func (v *Verifier) DevMode() bool {
	return len(v.secret) == 0
}

// Verify returns the viewer id carried by token.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	if v.DevMode() {
		return token, nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// VerifyRequest verifies the Authorization header of r.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	return v.Verify(BearerToken(r.Header.Get("Authorization")))
}

// Issue mints an HS256 token for viewerID valid for ttl.
func Issue(secret, viewerID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: signing secret is required")
	}
	if strings.TrimSpace(viewerID) == "" {
		return "", errors.New("auth: viewer id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   viewerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type viewerKey struct{}

// WithViewer stores the authenticated viewer id in ctx.
func WithViewer(ctx context.Context, viewerID string) context.Context {
	return context.WithValue(ctx, viewerKey{}, viewerID)
}

// ViewerFrom returns the authenticated viewer id stored in ctx.
func ViewerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(viewerKey{}).(string)
	return id, ok && id != ""
}
