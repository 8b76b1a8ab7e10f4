package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "ops-1", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.OperatorID != "ops-1" || claims.Role != "operator" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Hour)); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected expired token to fail authentication, got %v", err)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestRefreshKeepsRole(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, "ops-1", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	next, err := m.Refresh(p.RefreshToken, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, err := m.Verify(next.AccessToken, TokenTypeAccess, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role != "admin" {
		t.Fatalf("expected admin role, got %q", claims.Role)
	}

	if _, err := m.Refresh(p.AccessToken, now); err == nil {
		t.Fatalf("expected access token to be rejected for refresh")
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager(config.AuthConfig{}); !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestManager(t)
	pair, err := m.IssuePair(time.Now(), "ops-1", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		id, _ := OperatorID(c.Request.Context())
		c.String(http.StatusOK, id)
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + pair.AccessToken, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"refresh token", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if tc.want == http.StatusOK && w.Body.String() != "ops-1" {
				t.Fatalf("expected operator id, got %q", w.Body.String())
			}
		})
	}
}
