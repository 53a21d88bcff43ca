package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// OperatorClaims are the claims of an ops bearer token
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// OpsAuth guards operator routes. A request passes with either a bearer
// token signed with jwtSecret or an X-API-Key header matching apiKeyHash.
// With neither configured every guarded request is refused.
func OpsAuth(jwtSecret, apiKeyHash string, log *logger.L) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			if apiKeyHash != "" && bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(key)) == nil {
				c.Set("operator", "api-key")
				c.Next()
				return
			}
			log.Warnf("Warning: rejected api key from %s", c.ClientIP())
			unauthorized(c, "Invalid API key")
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Authorization header or X-API-Key is required")
			return
		}

		// Extract token from "Bearer <token>" format
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(c, "Invalid authorization header format. Use: Bearer <token>")
			return
		}

		claims, err := ValidateOperatorToken(tokenString, jwtSecret)
		if err != nil {
			log.Warnf("Warning: rejected bearer token from %s: %v", c.ClientIP(), err)
			unauthorized(c, fmt.Sprintf("Invalid token: %v", err))
			return
		}

		c.Set("operator", claims.Subject)
		c.Set("claims", claims)
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
	c.Abort()
}

// ValidateOperatorToken parses an HMAC-signed operator token
func ValidateOperatorToken(tokenString, secret string) (*OperatorClaims, error) {
	if secret == "" {
		return nil, errors.New("OPS_JWT_SECRET not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// IssueOperatorToken signs a token for subject valid for ttl
func IssueOperatorToken(subject, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("OPS_JWT_SECRET not configured")
	}
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: "operator",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
