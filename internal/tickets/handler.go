package tickets

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eventdesk/backend/pkg/response"
)

// Handler serves the public ticket endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a ticket handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Get handles GET /tickets/:ticketCode.
func (h *Handler) Get(c *gin.Context) {
	t, err := h.svc.Lookup(c.Request.Context(), c.Param("ticketCode"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"ticket": t})
}

// Pass handles GET /tickets/:ticketCode/pass.
func (h *Handler) Pass(c *gin.Context) {
	url, err := h.svc.PassURL(c.Request.Context(), c.Param("ticketCode"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}
