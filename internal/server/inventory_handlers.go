package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tether/internal/workorders"
	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type inventoryPayload struct {
	PartSKU   string    `json:"part_sku"`
	Name      string    `json:"name"`
	OnHand    int64     `json:"on_hand"`
	UpdatedAt time.Time `json:"updated_at"`
}

type inventoryRequestPayload struct {
	Name   string `json:"name"`
	OnHand *int64 `json:"on_hand"`
}

func (p *inventoryRequestPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.Length(0, 256)),
		validation.Field(&p.OnHand, validation.NotNil, validation.Min(int64(0))),
	)
}

func (h *httpHandler) handleGetInventory(c *gin.Context) {
	part, found, err := h.workOrders.GetInventory(c.Request.Context(), c.Param("sku"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "part_not_found"})
		return
	}
	c.JSON(http.StatusOK, toInventoryPayload(part))
}

// handleSetInventory seeds or corrects a part aggregate. Field usage goes
// through part_usage_event operations instead.
func (h *httpHandler) handleSetInventory(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if actor.Role != reconcile.RoleManager {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request inventoryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := request.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": err.Error()})
		return
	}

	sku := c.Param("sku")
	if err := h.workOrders.UpsertInventory(c.Request.Context(), workorders.PartInventory{
		PartSKU: sku,
		Name:    request.Name,
		OnHand:  *request.OnHand,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	part, _, err := h.workOrders.GetInventory(c.Request.Context(), sku)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, toInventoryPayload(part))
}

func toInventoryPayload(part workorders.PartInventory) inventoryPayload {
	return inventoryPayload{
		PartSKU:   part.PartSKU,
		Name:      part.Name,
		OnHand:    part.OnHand,
		UpdatedAt: part.UpdatedAt,
	}
}
