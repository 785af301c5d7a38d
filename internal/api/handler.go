// Package api is the HTTP Surface (spec §4.E): a gin router exposing
// submit/status/result/cancel/download under /api/v1, translating
// Store read projections into the common envelope and apierr.Codes
// into the fixed HTTP status table. Grounded on the teacher's
// internal/api/handlers.go + router.go (Handler struct holding its
// collaborators, gin.New with Recovery/logger/compression middleware,
// grouped routes under /api/v1) with auth and every non-transcription
// concern stripped.
package api

import (
	"context"
	"time"

	"transcribeengine/internal/config"
	"transcribeengine/internal/engine"
	"transcribeengine/internal/intake"
	"transcribeengine/internal/llmclient"
	"transcribeengine/internal/store"

	"gorm.io/gorm"
)

// Handler holds every collaborator an HTTP handler method needs. It is
// stateless beyond these references: all mutable state lives in the
// Store.
type Handler struct {
	config *config.Config
	db     *gorm.DB
	store  *store.Store
	intake *intake.Service
	engine *engine.Engine
	llm    *llmclient.Client
}

func NewHandler(cfg *config.Config, db *gorm.DB, st *store.Store, in *intake.Service, eng *engine.Engine, llm *llmclient.Client) *Handler {
	return &Handler{config: cfg, db: db, store: st, intake: in, engine: eng, llm: llm}
}

// healthCheckTimeout bounds the LLM reachability ping GET /health makes;
// the endpoint itself must never block on a slow or hung LLM host.
const healthCheckTimeout = 2 * time.Second

func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, healthCheckTimeout)
}
