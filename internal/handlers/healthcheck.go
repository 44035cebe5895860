package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/pipeline"
)

type HealthHandler struct {
	log         *logger.Logger
	coordinator *pipeline.Coordinator
}

func NewHealthHandler(log *logger.Logger, coord *pipeline.Coordinator) *HealthHandler {
	return &HealthHandler{
		log:         log.With("handler", "HealthHandler"),
		coordinator: coord,
	}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	pending, err := h.coordinator.PendingClaims(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusServiceUnavailable, "db_unreachable", err)
		return
	}
	RespondOK(c, gin.H{"status": "ok", "pending_claims": pending})
}
