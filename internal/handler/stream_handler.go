package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/bridge"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/ClareAI/astra-dispatch-service/pkg/twilio"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamHandler upgrades media stream connections into bridge sessions
type StreamHandler struct {
	bridge       *bridge.Manager
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	// ctx outlives the upgrade request; it is canceled on server shutdown
	ctx context.Context
}

// NewStreamHandler creates a stream handler whose sessions run until ctx is done
func NewStreamHandler(ctx context.Context, bridgeManager *bridge.Manager, writeTimeout time.Duration) *StreamHandler {
	return &StreamHandler{
		bridge: bridgeManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// media streams come from the telephony provider, not a browser
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		ctx:          ctx,
	}
}

// HandleStream godoc
// @Summary Media stream websocket
// @Description Upgrades to a websocket carrying the call's media stream events
// @Tags telephony
// @Success 101 "Switching protocols"
// @Router /telephony/stream [get]
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logger.Base().Warn("failed to upgrade media stream",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	transport := bridge.NewWebSocketTransport(conn, h.writeTimeout)
	if err := h.bridge.Serve(h.ctx, transport); err != nil {
		level := logger.Base().Warn
		if errors.Is(err, domain.ErrProtocol) {
			level = logger.Base().Info
		}
		level("media stream ended with error",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
	}
}

// SetupStreamRoutes registers the media stream route
func (h *StreamHandler) SetupStreamRoutes(router *mux.Router) {
	router.HandleFunc(twilio.StreamPath, h.HandleStream).Methods("GET")
}
