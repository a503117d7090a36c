package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionIssuer        = "tether-auth"
	testSessionUserID        = "tech-123"
)

func newTestValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:   testSessionUserID,
		UserRole: "tech",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	actor, err := claims.Actor()
	if err != nil {
		t.Fatalf("unexpected actor error: %v", err)
	}
	if actor.Role != reconcile.RoleTech {
		t.Fatalf("unexpected role: %s", actor.Role)
	}
}

func TestSessionValidatorFallsBackToSubject(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })
	claims := validClaims(clockNow)
	claims.UserID = ""
	claims.UserRole = "supervisor"

	parsed, err := validator.ValidateToken(signTestToken(t, claims, testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	actor, err := parsed.Actor()
	if err != nil {
		t.Fatalf("unexpected actor error: %v", err)
	}
	if actor.ID != testSessionUserID || actor.Role != reconcile.RoleTech {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestSessionValidatorRejectsInvalidTokens(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	expired := validClaims(clockNow)
	expired.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	expired.NotBefore = nil
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	if _, err := validator.ValidateToken(signTestToken(t, expired, testSessionSigningSecret)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreignIssuer := validClaims(clockNow)
	foreignIssuer.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signTestToken(t, foreignIssuer, testSessionSigningSecret)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error for foreign issuer, got %v", err)
	}

	if _, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow), "wrong-secret")); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error for wrong secret, got %v", err)
	}

	anonymous := validClaims(clockNow)
	anonymous.UserID = ""
	anonymous.Subject = ""
	if _, err := validator.ValidateToken(signTestToken(t, anonymous, testSessionSigningSecret)); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}

	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator := newTestValidator(t, nil)
	signed := signTestToken(t, validClaims(time.Now()), testSessionSigningSecret)

	cookieRequest := httptest.NewRequest(http.MethodGet, "/work-orders", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	if _, err := validator.ValidateRequest(cookieRequest); err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}

	bearerRequest := httptest.NewRequest(http.MethodPost, "/sync/batch", http.NoBody)
	bearerRequest.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(bearerRequest); err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}

	basicRequest := httptest.NewRequest(http.MethodGet, "/work-orders", http.NoBody)
	basicRequest.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	basicRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	if _, err := validator.ValidateRequest(basicRequest); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for non-bearer authorization, got %v", err)
	}

	anonymousRequest := httptest.NewRequest(http.MethodGet, "/work-orders", http.NoBody)
	if _, err := validator.ValidateRequest(anonymousRequest); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
