package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "service-secret-32-chars-long!!!!"

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	mgr := NewJWTManager(testSecret, time.Hour)

	t.Run("service token", func(t *testing.T) {
		tok, err := mgr.Generate("chat-gateway", RoleService, 0)
		require.NoError(t, err)

		claims, err := mgr.Validate(tok)
		require.NoError(t, err)
		assert.Equal(t, "chat-gateway", claims.Subject)
		assert.Equal(t, RoleService, claims.Role)
		assert.Equal(t, Issuer, claims.Issuer)
		assert.NotEmpty(t, claims.ID)
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
	})

	t.Run("custom ttl", func(t *testing.T) {
		tok, err := mgr.Generate("ops", RoleAdmin, 10*time.Minute)
		require.NoError(t, err)

		claims, err := mgr.Validate(tok)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(10*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
	})

	t.Run("unknown role refused", func(t *testing.T) {
		_, err := mgr.Generate("x", "root", 0)
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("invalid token fails validation", func(t *testing.T) {
		_, err := mgr.Validate("invalid-token")
		assert.Error(t, err)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		other := NewJWTManager("another-secret-32-chars-long!!!!", time.Hour)
		tok, err := other.Generate("x", RoleService, 0)
		require.NoError(t, err)
		_, err = mgr.Validate(tok)
		assert.Error(t, err)
	})

	t.Run("expired token fails", func(t *testing.T) {
		short := NewJWTManager(testSecret, -time.Second)
		tok, err := short.Generate("x", RoleService, 0)
		require.NoError(t, err)
		_, err = short.Validate(tok)
		assert.Error(t, err)
	})

	t.Run("foreign issuer fails", func(t *testing.T) {
		claims := ServiceClaims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = mgr.Validate(tok)
		assert.Error(t, err)
	})

	t.Run("token without expiry fails", func(t *testing.T) {
		claims := ServiceClaims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = mgr.Validate(tok)
		assert.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	mgr := NewJWTManager(testSecret, time.Hour)
	serviceTok, err := mgr.Generate("gw", RoleService, 0)
	require.NoError(t, err)
	adminTok, err := mgr.Generate("ops", RoleAdmin, 0)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, GetClaims(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
	adminOnly := Middleware(mgr)(RequireRole(RoleAdmin)(ok))
	serviceOnly := Middleware(mgr)(RequireRole(RoleService)(ok))

	tests := []struct {
		name    string
		handler http.Handler
		header  string
		want    int
	}{
		{"no header", serviceOnly, "", http.StatusUnauthorized},
		{"not bearer", serviceOnly, "Basic abc", http.StatusUnauthorized},
		{"bad token", serviceOnly, "Bearer nope", http.StatusUnauthorized},
		{"service on service route", serviceOnly, "Bearer " + serviceTok, http.StatusNoContent},
		{"admin on service route", serviceOnly, "bearer " + adminTok, http.StatusNoContent},
		{"service on admin route", adminOnly, "Bearer " + serviceTok, http.StatusForbidden},
		{"admin on admin route", adminOnly, "Bearer " + adminTok, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireRole_WithoutMiddleware(t *testing.T) {
	h := RequireRole(RoleService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
