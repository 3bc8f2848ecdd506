// Package token issues and verifies the bearer tokens that identify actors.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// ErrInvalidToken is returned for any token that cannot be trusted.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload. The subject is the actor ID.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
	jwt.RegisteredClaims
}

// Authority signs and verifies HS256 tokens with a shared secret.
type Authority struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthority creates an authority. The secret must not be empty.
func NewAuthority(secret, issuer string) (*Authority, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Authority{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for actor valid for ttl.
func (a *Authority) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	if actor.ID == "" || actor.TenantID == "" {
		return "", &domain.ValidationError{Field: "actor", Reason: "id and tenant are required"}
	}
	if !actor.Role.Valid() {
		return "", &domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", actor.Role)}
	}

	now := a.now()
	claims := Claims{
		TenantID: actor.TenantID,
		Role:     string(actor.Role),
		Active:   actor.Active,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns the actor it identifies.
func (a *Authority) Verify(raw string) (domain.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing subject or tenant", ErrInvalidToken)
	}

	return domain.Actor{
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Role:     role,
		Active:   claims.Active,
	}, nil
}
