package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tether/internal/workorders"
	"github.com/gin-gonic/gin"
)

type workOrderPayload struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Summary          string    `json:"summary"`
	Priority         string    `json:"priority"`
	Status           string    `json:"status"`
	AssigneeID       string    `json:"assignee_id,omitempty"`
	SiteContactPhone *string   `json:"site_contact_phone"`
	Version          int64     `json:"version"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type childPayload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Body      string    `json:"body,omitempty"`
	URL       string    `json:"url,omitempty"`
	URLHash   string    `json:"url_hash,omitempty"`
	Label     string    `json:"label,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type notePayload struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

type workOrderDetailPayload struct {
	WorkOrder   workOrderPayload `json:"work_order"`
	Assignments []childPayload   `json:"assignments"`
	Comments    []childPayload   `json:"comments"`
	Attachments []childPayload   `json:"attachments"`
	Links       []childPayload   `json:"links"`
	Note        *notePayload     `json:"note,omitempty"`
}

type activityPayload struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	EntityID  string    `json:"entity_id"`
	Action    string    `json:"action"`
	FieldName string    `json:"field_name,omitempty"`
	Details   string    `json:"details"`
	ActorID   string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

type descriptionUpdatePayload struct {
	Sequence  int64     `json:"sequence"`
	ID        string    `json:"id"`
	UpdateB64 string    `json:"update_b64"`
	Origin    string    `json:"origin,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *httpHandler) handleListWorkOrders(c *gin.Context) {
	rows, err := h.workOrders.ListWorkOrders(c.Request.Context(), workorders.ListOptions{
		Status:     c.Query("status"),
		AssigneeID: c.Query("assignee"),
		Limit:      queryInt(c, "limit", 0),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]workOrderPayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, toWorkOrderPayload(row))
	}
	c.JSON(http.StatusOK, gin.H{"work_orders": response})
}

func (h *httpHandler) handleGetWorkOrder(c *gin.Context) {
	detail, err := h.workOrders.GetWorkOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, workorders.ErrWorkOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "work_order_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	response := workOrderDetailPayload{
		WorkOrder:   toWorkOrderPayload(detail.WorkOrder),
		Assignments: make([]childPayload, 0, len(detail.Assignments)),
		Comments:    make([]childPayload, 0, len(detail.Comments)),
		Attachments: make([]childPayload, 0, len(detail.Attachments)),
		Links:       make([]childPayload, 0, len(detail.Links)),
	}
	for _, row := range detail.Assignments {
		response.Assignments = append(response.Assignments, childPayload{ID: row.ID, UserID: row.UserID, CreatedBy: row.CreatedBy, CreatedAt: row.CreatedAt})
	}
	for _, row := range detail.Comments {
		response.Comments = append(response.Comments, childPayload{ID: row.ID, Body: row.Body, CreatedBy: row.CreatedBy, CreatedAt: row.CreatedAt})
	}
	for _, row := range detail.Attachments {
		response.Attachments = append(response.Attachments, childPayload{ID: row.ID, URL: row.URL, URLHash: row.URLHash, CreatedBy: row.CreatedBy, CreatedAt: row.CreatedAt})
	}
	for _, row := range detail.Links {
		response.Links = append(response.Links, childPayload{ID: row.ID, URL: row.URL, Label: row.Label, CreatedBy: row.CreatedBy, CreatedAt: row.CreatedAt})
	}
	if detail.Note != nil {
		response.Note = &notePayload{ID: detail.Note.ID, Body: detail.Note.Body, UpdatedBy: detail.Note.UpdatedBy, UpdatedAt: detail.Note.UpdatedAt}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListActivity(c *gin.Context) {
	entries, err := h.workOrders.ListActivity(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]activityPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, toActivityPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"activity": response})
}

func (h *httpHandler) handleGetDescription(c *gin.Context) {
	workOrderID := c.Param("id")
	text, err := h.workOrders.MaterializeDescription(c.Request.Context(), workOrderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "materialize_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"work_order_id": workOrderID, "text": text})
}

func (h *httpHandler) handleListDescriptionUpdates(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	rows, err := h.workOrders.ListDescriptionUpdates(c.Request.Context(), c.Param("id"), after, queryInt(c, "limit", 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := make([]descriptionUpdatePayload, 0, len(rows))
	next := after
	for _, row := range rows {
		response = append(response, descriptionUpdatePayload{
			Sequence:  row.Sequence,
			ID:        row.ID,
			UpdateB64: row.UpdateB64,
			Origin:    row.Origin,
			CreatedBy: row.CreatedBy,
			CreatedAt: row.CreatedAt,
		})
		next = row.Sequence
	}
	c.JSON(http.StatusOK, gin.H{"updates": response, "next_after": next})
}

func toWorkOrderPayload(row workorders.WorkOrder) workOrderPayload {
	return workOrderPayload{
		ID:               row.ID,
		Title:            row.Title,
		Summary:          row.Summary,
		Priority:         row.Priority,
		Status:           row.Status,
		AssigneeID:       row.AssigneeID,
		SiteContactPhone: row.SiteContactPhone,
		Version:          row.Version,
		CreatedBy:        row.CreatedBy,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

func toActivityPayload(entry reconcile.ActivityEntry) activityPayload {
	return activityPayload{
		ID:        entry.ID,
		Table:     entry.EntityTable,
		EntityID:  entry.EntityID,
		Action:    entry.Action,
		FieldName: entry.FieldName,
		Details:   entry.DetailsJSON,
		ActorID:   entry.ActorID,
		CreatedAt: entry.CreatedAt,
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
