package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig configures operator authentication. A single operator account
// guards the control surface; the password is stored as a bcrypt hash.
type AuthConfig struct {
	Enabled      bool          `json:"enabled"`
	Secret       string        `json:"-"`
	Operator     string        `json:"operator"`
	PasswordHash string        `json:"-"`
	TokenTTL     time.Duration `json:"token_ttl"`
}

// DefaultAuthConfig returns auth defaults (enabled, 12h tokens).
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:  true,
		Operator: "operator",
		TokenTTL: 12 * time.Hour,
	}
}

type operatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates operator access tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a token manager.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the named operator.
func (m *TokenManager) Issue(operator string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "trading-engine",
			Audience:  []string{"trading-engine-api"},
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the operator name.
func (m *TokenManager) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*operatorClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Operator, nil
}

// verifyPassword checks a login attempt against the stored bcrypt hash.
func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword produces the bcrypt hash stored in config. Exposed for the
// setup path and tests.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// authMiddleware guards the control routes with a bearer token. WebSocket
// clients may pass the token as a query parameter instead, since browsers
// cannot set headers on upgrade requests.
func authMiddleware(tm *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		header := c.GetHeader("Authorization")
		if header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		operator, err := tm.Validate(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("operator", operator)
		c.Next()
	}
}
