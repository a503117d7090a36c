package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tether/internal/workorders"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type conflictPayload struct {
	ID            string                `json:"id"`
	EntityType    string                `json:"entity_type"`
	EntityID      string                `json:"entity_id"`
	FieldName     string                `json:"field_name"`
	LocalValue    workorders.FieldValue `json:"local_value"`
	ServerValue   workorders.FieldValue `json:"server_value"`
	Status        string                `json:"status"`
	ResolvedValue workorders.FieldValue `json:"resolved_value"`
	Strategy      string                `json:"strategy,omitempty"`
	CreatedBy     string                `json:"created_by"`
	ResolvedBy    string                `json:"resolved_by,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	ResolvedAt    *time.Time            `json:"resolved_at,omitempty"`
}

// resolveRequestPayload keeps value raw so an explicit null differs from an omitted key.
type resolveRequestPayload struct {
	Strategy string          `json:"strategy"`
	Value    json.RawMessage `json:"value"`
}

func (p resolveRequestPayload) customValue() (workorders.FieldValue, error) {
	trimmed := bytes.TrimSpace(p.Value)
	if len(trimmed) == 0 {
		return workorders.FieldValue{}, nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return workorders.NullValue(), nil
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return workorders.FieldValue{}, err
	}
	return workorders.TextValue(text), nil
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	status := workorders.ConflictStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	switch status {
	case "", workorders.ConflictStatusOpen, workorders.ConflictStatusResolved, workorders.ConflictStatusDismissed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	records, err := h.workOrders.Conflicts().List(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]conflictPayload, 0, len(records))
	for _, record := range records {
		response = append(response, toConflictPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": response})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	strategy, err := workorders.ParseStrategy(request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
		return
	}
	value, err := request.customValue()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_value"})
		return
	}

	record, err := h.workOrders.Conflicts().Resolve(c.Request.Context(), workorders.ResolveRequest{
		ConflictID:  c.Param("id"),
		Strategy:    strategy,
		CustomValue: value,
		Resolver:    actor,
	})
	if err != nil {
		h.respondConflictError(c, err)
		return
	}
	h.publishConflictSettled(actor, record)
	c.JSON(http.StatusOK, toConflictPayload(record))
}

func (h *httpHandler) handleDismissConflict(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	record, err := h.workOrders.Conflicts().Dismiss(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.respondConflictError(c, err)
		return
	}
	h.publishConflictSettled(actor, record)
	c.JSON(http.StatusOK, toConflictPayload(record))
}

func (h *httpHandler) respondConflictError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workorders.ErrConflictNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": workorders.ErrConflictNotFound.Error()})
	case errors.Is(err, workorders.ErrConflictNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": workorders.ErrConflictNotOpen.Error()})
	case errors.Is(err, workorders.ErrResolverForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, workorders.ErrInvalidStrategy):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
	case errors.Is(err, workorders.ErrMissingCustom):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_custom_value"})
	case errors.Is(err, workorders.ErrEntityUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "entity_unavailable"})
	default:
		h.logger.Error("conflict settlement failed", zap.String("conflict_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

func (h *httpHandler) publishConflictSettled(actor reconcile.Actor, record workorders.ConflictRecord) {
	h.realtime.Publish(RealtimeMessage{
		ActorID:   actor.ID,
		EventType: RealtimeEventConflictSettled,
		Outcomes: []RealtimeOutcome{{
			Table:      record.EntityType,
			EntityID:   record.EntityID,
			Result:     string(record.Status),
			ConflictID: record.ID,
		}},
		Timestamp: time.Now().UTC(),
	})
}

func toConflictPayload(record workorders.ConflictRecord) conflictPayload {
	return conflictPayload{
		ID:            record.ID,
		EntityType:    record.EntityType,
		EntityID:      record.EntityID,
		FieldName:     record.FieldName,
		LocalValue:    record.LocalValue,
		ServerValue:   record.ServerValue,
		Status:        string(record.Status),
		ResolvedValue: record.ResolvedValue,
		Strategy:      record.Strategy,
		CreatedBy:     record.CreatedBy,
		ResolvedBy:    record.ResolvedBy,
		CreatedAt:     record.CreatedAt,
		ResolvedAt:    record.ResolvedAt,
	}
}
