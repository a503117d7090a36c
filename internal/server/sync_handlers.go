package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

const maxBatchOperations = 500

type syncRequestPayload struct {
	Operations []syncOperationPayload `json:"operations"`
}

func (p *syncRequestPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Operations, validation.Required, validation.Length(1, maxBatchOperations)),
	)
}

type syncOperationPayload struct {
	Kind     string         `json:"kind"`
	Table    string         `json:"table"`
	EntityID string         `json:"entity_id"`
	Fields   map[string]any `json:"fields"`
}

type syncResponsePayload struct {
	Results []syncResultPayload `json:"results"`
}

type syncResultPayload struct {
	Fingerprint string `json:"fingerprint"`
	Table       string `json:"table"`
	EntityID    string `json:"entity_id"`
	Result      string `json:"result"`
	ReasonCode  string `json:"reason_code,omitempty"`
	ConflictID  string `json:"conflict_id,omitempty"`
}

type syncFailurePayload struct {
	Error     string              `json:"error"`
	Code      string              `json:"code"`
	Retryable bool                `json:"retryable"`
	Results   []syncResultPayload `json:"results"`
}

func (h *httpHandler) handleSyncBatch(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Numbers stay json.Number so fingerprints see the submitted digits.
	var request syncRequestPayload
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := request.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	operations := make([]reconcile.Operation, 0, len(request.Operations))
	for index, payload := range request.Operations {
		kind, err := reconcile.ParseOperationKind(payload.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation", "index": index})
			return
		}
		op, err := reconcile.NewOperation(reconcile.OperationConfig{
			Kind:     kind,
			Table:    reconcile.Table(payload.Table),
			EntityID: payload.EntityID,
			Fields:   payload.Fields,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation", "index": index})
			return
		}
		operations = append(operations, op)
	}

	result, err := h.engine.ApplyBatch(c.Request.Context(), actor, operations)
	h.publishOutcomes(actor, result.Outcomes)
	if err != nil {
		status := http.StatusInternalServerError
		failure := syncFailurePayload{Error: "sync_failed", Code: "internal", Results: toResultPayloads(result.Outcomes)}
		if storeErr, ok := reconcile.AsStoreError(err); ok {
			status = http.StatusServiceUnavailable
			failure.Code = "store_unavailable"
			failure.Retryable = storeErr.Retryable()
		} else if errors.Is(err, reconcile.ErrInvalidActor) {
			status = http.StatusUnauthorized
			failure.Code = "invalid_actor"
		}
		h.logger.Error("failed to apply sync batch",
			zap.String("actor_id", actor.ID),
			zap.Int("committed", len(result.Outcomes)),
			zap.Error(err))
		c.JSON(status, failure)
		return
	}

	c.JSON(http.StatusOK, syncResponsePayload{Results: toResultPayloads(result.Outcomes)})
}

func (h *httpHandler) publishOutcomes(actor reconcile.Actor, outcomes []reconcile.Outcome) {
	accepted := collectAcceptedOutcomes(outcomes)
	if len(accepted) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		ActorID:   actor.ID,
		EventType: RealtimeEventSyncOutcome,
		Outcomes:  accepted,
		Timestamp: time.Now().UTC(),
	})
}

// collectAcceptedOutcomes keeps the outcomes other participants should refetch.
// Replayed outcomes were already announced when first applied.
func collectAcceptedOutcomes(outcomes []reconcile.Outcome) []RealtimeOutcome {
	var accepted []RealtimeOutcome
	for _, outcome := range outcomes {
		if outcome.Result == reconcile.ResultRejected || outcome.EntityID == "" || outcome.Replayed {
			continue
		}
		accepted = append(accepted, RealtimeOutcome{
			Table:      outcome.Table.String(),
			EntityID:   outcome.EntityID,
			Result:     string(outcome.Result),
			ReasonCode: outcome.ReasonCode,
			ConflictID: outcome.ConflictID,
		})
	}
	return accepted
}

func toResultPayloads(outcomes []reconcile.Outcome) []syncResultPayload {
	results := make([]syncResultPayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		results = append(results, syncResultPayload{
			Fingerprint: outcome.Fingerprint,
			Table:       outcome.Table.String(),
			EntityID:    outcome.EntityID,
			Result:      string(outcome.Result),
			ReasonCode:  outcome.ReasonCode,
			ConflictID:  outcome.ConflictID,
		})
	}
	return results
}
