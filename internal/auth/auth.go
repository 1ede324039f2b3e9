// Package auth issues and checks the bearer tokens that scope every API call
// to a single user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer signs and verifies HS256 tokens whose subject is the user id.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer returns an Issuer. The secret must not be empty.
func NewIssuer(secret, issuer, audience string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: token secret not set")
	}
	return &Issuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// CreateToken returns a signed token for userID.
func (i *Issuer) CreateToken(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}

	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return signed, nil
}

// Middleware rejects requests without a valid bearer token. Handlers behind it
// read the caller with UserID.
func (i *Issuer) Middleware(logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	keyFunc := func(ctx context.Context) (interface{}, error) {
		return i.secret, nil
	}

	jwtValidator, err := validator.New(
		keyFunc,
		validator.HS256,
		i.issuer,
		[]string{i.audience},
	)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to set up token validator: %w", err)
	}

	errorHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debug("rejected token", "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
	}

	mw := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithErrorHandler(errorHandler),
	)
	return mw.CheckJWT, nil
}

// UserID returns the authenticated user's id from a request context.
func UserID(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if !ok || claims.RegisteredClaims.Subject == "" {
		return "", false
	}
	return claims.RegisteredClaims.Subject, true
}
