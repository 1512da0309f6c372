package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"pulse-server/internal/observability"
)

var (
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// AdminClaims are the claims carried by an admin API token.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// Service validates admin tokens for the small mutation surface (submission
// destroy). There is no user login here; tokens are minted out of band.
type Service struct {
	secret []byte
	logger *observability.Logger
}

// NewService creates a new auth service
func NewService(secret string, logger *observability.Logger) *Service {
	return &Service{secret: []byte(secret), logger: logger}
}

// GenerateAdminToken mints a token for tooling and tests.
func (s *Service) GenerateAdminToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "pulse-server",
			Audience:  jwt.ClaimStrings{"pulse-server-admin"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses and validates an admin token.
func (s *Service) ValidateToken(token string) (AdminClaims, error) {
	var claims AdminClaims
	t, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrExpiredToken
		}
		return AdminClaims{}, ErrInvalidToken
	}
	if !t.Valid {
		return AdminClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// Middleware guards admin routes with a bearer token.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.ValidateToken(token)
		if err != nil {
			s.logger.Warn(c.Request.Context(), "rejected admin token",
				observability.Field{Key: "error", Value: err.Error()})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}
