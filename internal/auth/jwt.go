// Package auth issues and verifies the bearer tokens presented by services
// and operators calling the engine.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is set on every token and required on validation.
const Issuer = "quotaengine"

// Roles. Admin implies service.
const (
	RoleService = "service"
	RoleAdmin   = "admin"
)

var ErrInvalidRole = errors.New("invalid role")

type ServiceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant role.
func (c *ServiceClaims) Allows(role string) bool {
	return c.Role == role || c.Role == RoleAdmin
}

type JWTManager struct {
	secret []byte
	expiry time.Duration
}

func NewJWTManager(secret string, expiry time.Duration) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		expiry: expiry,
	}
}

// Generate signs a token for subject with role. A non-positive ttl uses the
// manager's default expiry.
func (m *JWTManager) Generate(subject, role string, ttl time.Duration) (string, error) {
	if role != RoleService && role != RoleAdmin {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = m.expiry
	}

	now := time.Now()
	claims := ServiceClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (m *JWTManager) Validate(tokenStr string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ServiceClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if !slices.Contains([]string{RoleService, RoleAdmin}, claims.Role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	return claims, nil
}
