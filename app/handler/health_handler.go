package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskledger/pkg/interfaces"
)

// HealthHandler reports process liveness and ledger connectivity.
type HealthHandler struct {
	ledger interfaces.Ledger
}

// NewHealthHandler creates health handler
func NewHealthHandler(ledger interfaces.Ledger) *HealthHandler {
	return &HealthHandler{ledger: ledger}
}

// Live always answers ok once the process is serving.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready answers ok only when the ledger responds within the probe deadline.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.ledger.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
