package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ctxUserID = "user_id"
	ctxRoles  = "roles"
)

// Claims is the portal access token. Subject is accepted when user_id is
// absent so tokens minted by the identity provider work unchanged.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id,omitempty"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

func (c *Claims) principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// GenerateToken signs an HS256 token for userID.
func GenerateToken(secret, issuer, userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Roles:  roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// JWTAuth verifies the bearer token and stores the caller in the context.
// The mailbox owner is always taken from here, never from the request.
func JWTAuth(secret, issuer string) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if header == "" || !found {
			abort(c, errors.NewAuthenticationError("bearer token required"))
			return
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.principal() == "" {
			abort(c, errors.NewAuthenticationError("invalid token"))
			return
		}

		c.Set(ctxUserID, claims.principal())
		c.Set(ctxRoles, claims.Roles)
		c.Next()
	}
}

// RequireRole lets the request through when the caller holds any of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		for _, r := range callerRoles(c) {
			if _, ok := allowed[r]; ok {
				c.Next()
				return
			}
		}
		abort(c, errors.NewForbiddenError("insufficient role"))
	}
}

func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func callerRoles(c *gin.Context) []string {
	roles, _ := c.Get(ctxRoles)
	out, _ := roles.([]string)
	return out
}

// Recovery turns a panic into a 500 and logs it.
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", map[string]interface{}{
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
					"panic":  fmt.Sprint(r),
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": errors.ErrCodeInternal, "message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}

func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		if id := UserID(c); id != "" {
			fields["userId"] = id
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields)
			return
		}
		log.Debug("request", fields)
	}
}
