package events

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventdesk/backend/internal/auth"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/response"
)

// CreateRequest is the body for POST /events.
type CreateRequest struct {
	Title        string              `json:"title" binding:"required"`
	Description  string              `json:"description" binding:"required"`
	Venue        string              `json:"venue" binding:"required"`
	Date         time.Time           `json:"date" binding:"required"`
	TicketLimit  int                 `json:"ticketLimit" binding:"required"`
	ApprovalMode models.ApprovalMode `json:"approvalMode"`
}

// UpdateRequest is the body for PUT /events/:id.
type UpdateRequest struct {
	Title        *string              `json:"title"`
	Description  *string              `json:"description"`
	Venue        *string              `json:"venue"`
	Date         *time.Time           `json:"date"`
	TicketLimit  *int                 `json:"ticketLimit"`
	ApprovalMode *models.ApprovalMode `json:"approvalMode"`
}

// Handler serves the organizer event endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates an event handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Create handles POST /events.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	e, err := h.svc.Create(c.Request.Context(), auth.ActorID(c), CreateInput{
		Title:        req.Title,
		Description:  req.Description,
		Venue:        req.Venue,
		Date:         req.Date,
		TicketLimit:  req.TicketLimit,
		ApprovalMode: req.ApprovalMode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "Event created successfully", gin.H{"event": e})
}

// List handles GET /events.
func (h *Handler) List(c *gin.Context) {
	list, err := h.svc.ListMine(c.Request.Context(), auth.ActorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"events": list, "count": len(list)})
}

// Get handles GET /events/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	e, err := h.svc.Get(c.Request.Context(), id, auth.ActorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"event": e})
}

// Update handles PUT /events/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	e, err := h.svc.Update(c.Request.Context(), id, auth.ActorID(c), UpdateInput(req))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OKMessage(c, "Event updated successfully", gin.H{"event": e})
}

// Delete handles DELETE /events/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id, auth.ActorID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.OKMessage(c, "Event deleted successfully", nil)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return uuid.Nil, false
	}
	return id, true
}
