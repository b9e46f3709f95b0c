// Package auth mints and verifies the bearer tokens that guard the local API.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultExpiry = 30 * 24 * time.Hour
	issuer        = "ryobi-gdo"
)

var (
	ErrMissingSecret = errors.New("auth: missing token secret")
	ErrInvalidToken  = errors.New("auth: invalid token")
)

type Claims struct {
	jwt.RegisteredClaims
}

// Mint signs an HS256 token for subject. A non-positive expiry uses DefaultExpiry.
func Mint(secret, subject string, expiry time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("auth: missing subject")
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		ID:        uuid.NewString(),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func Verify(secret, token string) (*Claims, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
