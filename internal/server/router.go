package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/actors"
	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tether/internal/workorders"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey  = "tether_actor"
	accessTokenQuery = "access_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingActorDirectory   = errors.New("actor directory dependency required")
	errMissingBatchApplier     = errors.New("batch applier dependency required")
	errMissingWorkOrders       = errors.New("work order service dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ActorDirectory turns validated claims into actors and lists known actors.
type ActorDirectory interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (reconcile.Actor, error)
	List(ctx context.Context) ([]actors.Profile, error)
}

// BatchApplier reconciles sync batches.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, actor reconcile.Actor, operations []reconcile.Operation) (reconcile.BatchResult, error)
}

type Dependencies struct {
	Validator  SessionValidator
	Actors     ActorDirectory
	Engine     BatchApplier
	WorkOrders *workorders.Service
	Realtime   *RealtimeDispatcher
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
	// HeartbeatInterval spaces keep-alive events on /events. Zero selects 25s.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Actors == nil {
		return nil, errMissingActorDirectory
	}
	if deps.Engine == nil {
		return nil, errMissingBatchApplier
	}
	if deps.WorkOrders == nil {
		return nil, errMissingWorkOrders
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultRealtimeHeartbeatEvery
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		validator:  deps.Validator,
		actors:     deps.Actors,
		engine:     deps.Engine,
		workOrders: deps.WorkOrders,
		realtime:   realtime,
		logger:     logger,
		heartbeat:  heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/batch", handler.handleSyncBatch)
	protected.GET("/work-orders", handler.handleListWorkOrders)
	protected.GET("/work-orders/:id", handler.handleGetWorkOrder)
	protected.GET("/work-orders/:id/activity", handler.handleListActivity)
	protected.GET("/work-orders/:id/description", handler.handleGetDescription)
	protected.GET("/work-orders/:id/description/updates", handler.handleListDescriptionUpdates)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	protected.POST("/conflicts/:id/dismiss", handler.handleDismissConflict)
	protected.GET("/inventory/:sku", handler.handleGetInventory)
	protected.PUT("/inventory/:sku", handler.handleSetInventory)
	protected.GET("/actors", handler.handleListActors)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	validator  SessionValidator
	actors     ActorDirectory
	engine     BatchApplier
	workOrders *workorders.Service
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
	heartbeat  time.Duration
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts a bearer token, the session cookie, or an
// access_token query parameter for EventSource clients.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
			claims, err = h.validator.ValidateToken(token)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	actor, err := h.actors.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("actor resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_identity"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func actorFromContext(c *gin.Context) (reconcile.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return reconcile.Actor{}, false
	}
	actor, ok := value.(reconcile.Actor)
	return actor, ok && actor.ID != ""
}

func (h *httpHandler) handleListActors(c *gin.Context) {
	profiles, err := h.actors.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list actors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]actorPayload, 0, len(profiles))
	for _, profile := range profiles {
		response = append(response, actorPayload{
			ID:          profile.ID,
			Role:        profile.Role,
			DisplayName: profile.DisplayName,
			LastSeenAt:  profile.LastSeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"actors": response})
}

type actorPayload struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
