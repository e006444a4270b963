package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "streamguard/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"

	contextSubject = "subject"
	contextRole    = "role"
)

// Claims are the API token claims. Operators may start, stop and reconfigure
// sessions; viewers may only read.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenValidator issues and checks HS256 API tokens.
type TokenValidator struct {
	secret []byte
	now    func() time.Time
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret), now: time.Now}
}

func (v *TokenValidator) GenerateToken(subject, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func (v *TokenValidator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Role != RoleViewer && claims.Role != RoleOperator {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":     string(appErr.Code),
		"message":   appErr.Message,
		"retryable": appErr.Retryable,
	})
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(validator *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWith(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortWith(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := validator.ValidateToken(parts[1])
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(contextSubject, claims.Subject)
		c.Set(contextRole, claims.Role)
		c.Next()
	}
}

// RequireRole rejects requests whose token role is not role. It must run
// after AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, exists := c.Get(contextRole)
		if !exists {
			abortWith(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		if got != role {
			abortWith(c, apperrors.NewForbiddenError("insufficient permissions"))
			return
		}
		c.Next()
	}
}

// Noop is used in place of auth middleware when auth is disabled.
func Noop() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
	}
}

// Subject returns the authenticated subject, if any.
func Subject(c *gin.Context) string {
	return c.GetString(contextSubject)
}
