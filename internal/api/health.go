package api

import (
	"net/http"

	"transcribeengine/internal/database"

	"github.com/gin-gonic/gin"
)

// healthStatus is one component's health as GET /health reports it.
type healthStatus string

const (
	healthOK       healthStatus = "OK"
	healthDegraded healthStatus = "DEGRADED"
)

// HealthCheck handles GET /health. It never returns a 5xx on its own:
// a degraded collaborator is reported in the body, not as a failed
// status code, so callers can distinguish "process is up but the LLM
// is unreachable" from "process is down".
func (h *Handler) HealthCheck(c *gin.Context) {
	storeStatus := healthOK
	if err := database.HealthCheck(h.db); err != nil {
		storeStatus = healthDegraded
	}

	whisperStatus := healthOK
	if h.engine.Degraded() {
		whisperStatus = healthDegraded
	}

	llmStatus := healthOK
	ctx, cancel := withTimeout(c.Request.Context())
	defer cancel()
	if err := h.llm.Ping(ctx); err != nil {
		llmStatus = healthDegraded
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"store":   storeStatus,
		"llm":     llmStatus,
		"whisper": whisperStatus,
	})
}
