package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"portal-mailbox/internal/common/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func whoami(issuer string) *gin.Engine {
	r := gin.New()
	r.Use(JWTAuth(testSecret, issuer))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "roles": callerRoles(c)})
	})
	r.GET("/admin", RequireRole("admin"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

// ==========================
// JWT
// ==========================

func TestJWTAuth(t *testing.T) {
	now := time.Now()
	valid, err := GenerateToken(testSecret, "portal", "u1", []string{"member"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		issuer   string
		header   string
		wantCode int
		wantUser string
	}{
		{name: "valid", header: "Bearer " + valid, wantCode: http.StatusOK, wantUser: "u1"},
		{name: "issuer enforced", issuer: "portal", header: "Bearer " + valid, wantCode: http.StatusOK, wantUser: "u1"},
		{name: "wrong issuer", issuer: "elsewhere", header: "Bearer " + valid, wantCode: http.StatusUnauthorized},
		{name: "missing header", wantCode: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", wantCode: http.StatusUnauthorized},
		{
			name: "subject only",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
				Subject:   "kc-123",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}),
			wantCode: http.StatusOK,
			wantUser: "kc-123",
		},
		{
			name: "expired",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))},
				UserID:           "u1",
			}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), Claims{
				UserID: "u1",
			}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "no principal",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
				Roles: []string{"admin"},
			}),
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "unsigned",
			header:   "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, Claims{UserID: "u1"}),
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			whoami(tt.issuer).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantUser != "" {
				assert.Contains(t, w.Body.String(), `"user":"`+tt.wantUser+`"`)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		wantCode int
	}{
		{name: "holder", roles: []string{"member", "admin"}, wantCode: http.StatusNoContent},
		{name: "non holder", roles: []string{"member"}, wantCode: http.StatusForbidden},
		{name: "no roles", wantCode: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req.Header.Set("Authorization", "Bearer "+token(t, "u1", tt.roles...))
			w := httptest.NewRecorder()
			whoami("").ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

// ==========================
// Recovery
// ==========================

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.NewTestLogger(t)))
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
