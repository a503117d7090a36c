package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/tether/internal/actors"
	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/work-orders", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	expired := fmt.Errorf("%w: token is expired", auth.ErrExpiredSessionToken)
	handler := &httpHandler{
		validator: stubSessionValidator{validateErr: expired},
		actors:    stubActorDirectory{},
		logger:    zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/work-orders", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		validator: stubSessionValidator{validateErr: fmt.Errorf("%w: signature mismatch", auth.ErrInvalidSessionToken)},
		actors:    stubActorDirectory{},
		logger:    zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestSilentOnMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/work-orders", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		validator: stubSessionValidator{validateErr: auth.ErrMissingSessionToken},
		actors:    stubActorDirectory{},
		logger:    zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %d", logs.Len())
	}
}

func TestAuthorizeRequestAcceptsAccessTokenQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/events?access_token=query-token", http.NoBody)

	handler := &httpHandler{
		validator: stubSessionValidator{
			validateErr: auth.ErrMissingSessionToken,
			tokenClaims: map[string]auth.SessionClaims{
				"query-token": {UserID: "tech-7", UserRole: "tech"},
			},
		},
		actors: stubActorDirectory{},
		logger: zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to pass, got status %d", recorder.Code)
	}
	actor, ok := actorFromContext(ctx)
	if !ok || actor.ID != "tech-7" || actor.Role != reconcile.RoleTech {
		t.Fatalf("unexpected actor in context: %+v", actor)
	}
}

func TestAuthorizeRequestRejectsUnresolvableIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/work-orders", http.NoBody)
	request.Header.Set("Authorization", "Bearer token")
	ctx.Request = request

	handler := &httpHandler{
		validator: stubSessionValidator{claims: auth.SessionClaims{UserID: "tech-1"}},
		actors:    stubActorDirectory{resolveErr: actors.ErrInvalidIdentity},
		logger:    zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	if body := recorder.Body.String(); body != `{"error":"invalid_identity"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

type stubSessionValidator struct {
	claims      auth.SessionClaims
	validateErr error
	tokenClaims map[string]auth.SessionClaims
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	if s.validateErr != nil {
		return auth.SessionClaims{}, s.validateErr
	}
	return s.claims, nil
}

func (s stubSessionValidator) ValidateToken(token string) (auth.SessionClaims, error) {
	if claims, ok := s.tokenClaims[token]; ok {
		return claims, nil
	}
	return auth.SessionClaims{}, auth.ErrInvalidSessionToken
}

type stubActorDirectory struct {
	resolveErr error
}

func (s stubActorDirectory) Resolve(_ context.Context, claims auth.SessionClaims) (reconcile.Actor, error) {
	if s.resolveErr != nil {
		return reconcile.Actor{}, s.resolveErr
	}
	return claims.Actor()
}

func (s stubActorDirectory) List(context.Context) ([]actors.Profile, error) {
	return nil, nil
}
