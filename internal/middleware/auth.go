package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/IBM/taxinomitis/internal/logger"
)

// AdminRole is the role claim required on admin tokens
const AdminRole = "admin"

// BasicAuth checks HTTP Basic credentials against one configured account.
// The password is kept only as a bcrypt hash: passwordHash is used as is,
// otherwise password is hashed once here. An empty username turns the check off.
func BasicAuth(username, password, passwordHash string) (gin.HandlerFunc, error) {
	if username == "" {
		return func(c *gin.Context) { c.Next() }, nil
	}

	hash := []byte(passwordHash)
	if len(hash) == 0 {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash API password: %w", err)
		}
	} else if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("invalid API password hash: %w", err)
	}

	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || user != username || bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
			logger.Warn("Rejected request with bad credentials", map[string]interface{}{
				"path":     c.Request.URL.Path,
				"clientIP": c.ClientIP(),
			})
			c.Header("WWW-Authenticate", `Basic realm="numbers"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Incorrect username or password",
			})
			return
		}
		c.Next()
	}, nil
}

// AdminAuth accepts HS256 bearer tokens carrying role=admin
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Authorization header required",
			})
			return
		}

		// Check if the header starts with "Bearer "
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Invalid authorization header format",
			})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		// Parse and validate the token
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			// Validate the signing method
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Invalid token",
			})
			return
		}

		role, _ := claims["role"].(string)
		if !strings.EqualFold(role, AdminRole) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"detail": "Admin role required",
			})
			return
		}

		subject, _ := claims.GetSubject()
		c.Set("admin_subject", subject)
		c.Set("user_role", role)
		c.Next()
	}
}

// NewAdminToken signs a token accepted by AdminAuth
func NewAdminToken(secret, subject string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, fmt.Errorf("JWT secret is not set")
	}
	expiresAt := time.Now().Add(ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": AdminRole,
		"iat":  time.Now().Unix(),
		"exp":  expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	return tokenString, expiresAt, err
}
