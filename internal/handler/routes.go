package handler

import (
	"context"
	"net/http"

	"github.com/ClareAI/astra-dispatch-service/internal/bridge"
	"github.com/ClareAI/astra-dispatch-service/internal/config"
	"github.com/ClareAI/astra-dispatch-service/internal/queue"
	"github.com/ClareAI/astra-dispatch-service/internal/scheduler"
	"github.com/ClareAI/astra-dispatch-service/internal/session"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Components are the long-lived services the handlers expose
type Components struct {
	Store     *queue.Store
	Scheduler *scheduler.Manager
	Registry  *session.Registry
	Ingress   *session.Ingress
	Bridge    *bridge.Manager
	// Optional
	Monitor   *session.Monitor
	Validator RequestValidator
}

// HandlerManager wires handlers onto the router
type HandlerManager struct {
	config     *config.ServiceConfig
	components Components
	// streamCtx bounds bridge sessions started by the stream handler
	streamCtx context.Context
}

// NewHandlerManager creates a handler manager. Stream sessions run until
// streamCtx is canceled.
func NewHandlerManager(streamCtx context.Context, cfg *config.ServiceConfig, components Components) *HandlerManager {
	return &HandlerManager{
		config:     cfg,
		components: components,
		streamCtx:  streamCtx,
	}
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	// Apply global middleware
	router.Use(RecoveryMiddleware)
	router.Use(CORSMiddleware(hm.config.AllowedOrigins))
	router.Use(GlobalLoggingMiddleware)

	router.HandleFunc("/health", handleHealth).Methods("GET")

	hm.SetupAPIRoutes(router)
	hm.SetupTelephonyRoutes(router)

	logger.Base().Info("all application routes registered")
}

// SetupAPIRoutes sets up the queue, scheduler and session API
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)

	NewQueueHandler(hm.components.Store, hm.components.Scheduler).SetupQueueRoutes(apiRouter)
	NewSchedulerHandler(hm.components.Scheduler, hm.config.Scheduler).SetupSchedulerRoutes(apiRouter)
	NewSessionHandler(hm.components.Registry, hm.components.Ingress, hm.components.Bridge, hm.components.Monitor).
		SetupSessionRoutes(apiRouter)

	// Preflight requests only reach the CORS middleware when a route matches
	router.PathPrefix("/api/").HandlerFunc(handleCORS).Methods("OPTIONS")

	logger.Base().Info("dispatch api routes registered")
}

// SetupTelephonyRoutes sets up status callbacks and the media stream
func (hm *HandlerManager) SetupTelephonyRoutes(router *mux.Router) {
	NewTelephonyHandler(hm.components.Ingress, hm.components.Validator).SetupTelephonyRoutes(router)
	NewStreamHandler(hm.streamCtx, hm.components.Bridge, hm.config.Bridge.WriteTimeout).SetupStreamRoutes(router)

	logger.Base().Info("telephony routes registered",
		zap.Bool("signature_validation", hm.components.Validator != nil))
}

// handleCORS answers preflight requests; headers come from CORSMiddleware
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
