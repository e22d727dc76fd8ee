package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/labstack/echo/v4"
)

var (
	log             = logger.Get("Auth")
	errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized)

	ErrMissingSecret = errors.New("bearer token secret must not be empty")
)

const (
	claimsContextKey = "claims"
	bearerPrefix     = "Bearer "
)

type (
	Claims struct {
		jwt.RegisteredClaims
	}

	// Provider verifies HMAC signed bearer tokens. Token issuance belongs to
	// whatever identity service sits in front of Crate; GenerateToken exists
	// for tooling and tests.
	Provider struct {
		secret []byte
	}
)

func New(secret string) (*Provider, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	return &Provider{secret: []byte(secret)}, nil
}

// Middleware rejects any request which does not carry a valid bearer
// token in its Authorization header. The claims of an accepted token
// are stored on the echo context.
func (auth *Provider) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ec echo.Context) error {
		header := ec.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(header, bearerPrefix) {
			log.Emit(logger.DEBUG, "Rejecting request to %s: missing bearer token\n", ec.Request().URL.Path)
			return errUnauthorized
		}

		claims, err := auth.validateToken(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			log.Emit(logger.WARNING, "Rejecting request to %s: %v\n", ec.Request().URL.Path, err)
			return errUnauthorized
		}

		ec.Set(claimsContextKey, claims)
		return next(ec)
	}
}

// GenerateToken signs a token for the subject which expires after the lifespan given.
func (auth *Provider) GenerateToken(subject string, lifespan time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifespan)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(auth.secret)
}

func (auth *Provider) validateToken(raw string) (*Claims, error) {
	if raw == "" {
		return nil, errors.New("bearer token is empty")
	}

	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(token *jwt.Token) (interface{}, error) { return auth.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bearer JWT: %w", err)
	}

	if tkn == nil || !tkn.Valid {
		return nil, errors.New("failed to verify bearer JWT: token is expired or invalid")
	}

	return claims, nil
}

// ClaimsFromContext returns the claims stored by the middleware, or nil
// if the request was not authenticated.
func ClaimsFromContext(ec echo.Context) *Claims {
	claims, ok := ec.Get(claimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}
