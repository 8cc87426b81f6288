package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ingest/internal/config"
	"usage_ingest/internal/utils"
)

const rawServiceToken = "svc-token-123"

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	hash, err := utils.HashPasswordArgon2(rawServiceToken)
	require.NoError(t, err)
	issuer, err := NewIssuer(config.AuthConfig{
		JWTSecret:        "test-secret-key-for-testing",
		TokenTTL:         time.Minute,
		ServiceTokenHash: hash,
		ServiceRole:      "admin",
	})
	require.NoError(t, err)
	return issuer
}

func TestRoles(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleViewer))
	assert.True(t, RoleViewer.HasPermission(RoleViewer))
	assert.False(t, RoleViewer.HasPermission(RoleAdmin))

	_, err := ParseRole("root")
	assert.ErrorIs(t, err, ErrInvalidRole)
	r, err := ParseRole("viewer")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, r)
}

func TestGenerateAndValidateAdminJWT(t *testing.T) {
	issuer := newTestIssuer(t)

	token, exp, err := issuer.GenerateAdminJWT("ops", AuthTypeCLI, RoleViewer)
	require.NoError(t, err)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := issuer.ValidateAdminJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.AdminID)
	assert.Equal(t, AuthTypeCLI, claims.AuthType)
	assert.Equal(t, []string{"viewer"}, claims.Roles)
	assert.True(t, claims.HasRole(RoleViewer))
	assert.False(t, claims.HasRole(RoleAdmin))

	_, _, err = issuer.GenerateAdminJWT("ops", AuthTypeCLI)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestValidateAdminJWTRejects(t *testing.T) {
	issuer := newTestIssuer(t)

	t.Run("expired", func(t *testing.T) {
		issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
		defer func() { issuer.now = time.Now }()
		token, _, err := issuer.GenerateAdminJWT("ops", AuthTypeCLI, RoleAdmin)
		require.NoError(t, err)
		issuer.now = time.Now

		_, err = issuer.ValidateAdminJWT(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewIssuer(config.AuthConfig{JWTSecret: "another-secret"})
		require.NoError(t, err)
		token, _, err := other.GenerateAdminJWT("ops", AuthTypeCLI, RoleAdmin)
		require.NoError(t, err)

		_, err = issuer.ValidateAdminJWT(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, AdminClaims{AdminID: "ops", Roles: []string{"admin"}})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = issuer.ValidateAdminJWT(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.ValidateAdminJWT("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestExchangeServiceToken(t *testing.T) {
	issuer := newTestIssuer(t)

	token, _, err := issuer.ExchangeServiceToken("billing-export", rawServiceToken)
	require.NoError(t, err)
	claims, err := issuer.ValidateAdminJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "billing-export", claims.AdminID)
	assert.Equal(t, AuthTypeServiceToken, claims.AuthType)
	assert.True(t, claims.HasRole(RoleAdmin))

	_, _, err = issuer.ExchangeServiceToken("billing-export", "wrong-token")
	assert.ErrorIs(t, err, ErrTokenNotAccepted)

	unset, err := NewIssuer(config.AuthConfig{JWTSecret: "secret"})
	require.NoError(t, err)
	_, _, err = unset.ExchangeServiceToken("x", rawServiceToken)
	assert.ErrorIs(t, err, ErrNoServiceTokenSet)
}

func TestTokenHandler(t *testing.T) {
	issuer := newTestIssuer(t)
	handler := TokenHandler(issuer)

	tests := []struct {
		name   string
		header string
		body   string
		status int
	}{
		{name: "header token", header: rawServiceToken, status: http.StatusOK},
		{name: "body token", body: `{"service_name":"cli","token":"` + rawServiceToken + `"}`, status: http.StatusOK},
		{name: "wrong token", header: "nope", status: http.StatusUnauthorized},
		{name: "missing token", status: http.StatusBadRequest},
		{name: "bad body", body: `{"token":`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/token", strings.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set("X-Service-Token", tt.header)
			}
			rr := httptest.NewRecorder()
			handler(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Contains(t, rr.Body.String(), `"token"`)
			}
		})
	}
}
