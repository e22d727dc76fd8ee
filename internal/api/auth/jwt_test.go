package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hbomb79/Crate/internal/api/auth"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, provider *auth.Provider, header string) (*httptest.ResponseRecorder, *auth.Claims) {
	var seen *auth.Claims
	ec := echo.New()
	ec.GET("/", func(c echo.Context) error {
		seen = auth.ClaimsFromContext(c)
		return c.NoContent(http.StatusOK)
	}, provider.Middleware)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	ec.ServeHTTP(rec, req)
	return rec, seen
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := auth.New("")
	assert.ErrorIs(t, err, auth.ErrMissingSecret)
}

func TestMiddleware(t *testing.T) {
	provider, err := auth.New("top-secret")
	require.NoError(t, err)

	valid, err := provider.GenerateToken("uploader", time.Hour)
	require.NoError(t, err)
	expired, err := provider.GenerateToken("uploader", -time.Minute)
	require.NoError(t, err)

	other, err := auth.New("another-secret")
	require.NoError(t, err)
	foreign, err := other.GenerateToken("uploader", time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "uploader"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"unsigned", "Bearer " + unsigned, http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, claims := serve(t, provider, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, claims)
				assert.Equal(t, "uploader", claims.Subject)
			} else {
				assert.Nil(t, claims)
			}
		})
	}
}
