package handler

import (
	"errors"
	"net/http"

	"github.com/ClareAI/astra-dispatch-service/internal/bridge"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/internal/session"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SessionHandler exposes call sessions and their audio streams
type SessionHandler struct {
	registry *session.Registry
	ingress  *session.Ingress
	bridge   *bridge.Manager
	// monitor is nil when Redis is disabled
	monitor *session.Monitor
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(registry *session.Registry, ingress *session.Ingress, bridgeManager *bridge.Manager, monitor *session.Monitor) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		ingress:  ingress,
		bridge:   bridgeManager,
		monitor:  monitor,
	}
}

// SessionListResponse lists call sessions known to this instance
type SessionListResponse struct {
	Sessions []domain.CallSession `json:"sessions"`
	Count    int                  `json:"count"`
}

// StreamListResponse lists active audio streams
type StreamListResponse struct {
	Streams []bridge.AudioStreamSession `json:"streams"`
	Count   int                         `json:"count"`
}

// ListSessions godoc
// @Summary List call sessions
// @Tags sessions
// @Produce json
// @Success 200 {object} SessionListResponse
// @Router /api/sessions [get]
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	if sessions == nil {
		sessions = []domain.CallSession{}
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: sessions, Count: len(sessions)})
}

// GetSession godoc
// @Summary Get a call session
// @Tags sessions
// @Produce json
// @Param callId path string true "Call ID"
// @Success 200 {object} domain.CallSession
// @Failure 404 {object} ErrorResponse "Session not found"
// @Router /api/sessions/{callId} [get]
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	call, err := h.registry.Get(mux.Vars(r)["callId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// EndSession godoc
// @Summary Hang up a call
// @Description Cancel a call owned by this instance, or broadcast the request to the owning instance
// @Tags sessions
// @Produce json
// @Param callId path string true "Call ID"
// @Success 202 {object} map[string]string
// @Failure 404 {object} ErrorResponse "Session not found"
// @Router /api/sessions/{callId} [delete]
func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]

	_, err := h.registry.Get(callID)
	switch {
	case err == nil:
		ev := session.Event{CallID: callID, Status: domain.CallStatusCanceled, Source: session.SourceOperator}
		if err := h.ingress.Submit(r.Context(), ev); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"callId": callID, "status": "canceling"})
		return
	case !errors.Is(err, domain.ErrSessionNotFound) || h.monitor == nil:
		writeError(w, err)
		return
	}

	info, err := h.monitor.Lookup(r.Context(), callID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.monitor.NotifyCleanup(r.Context(), callID); err != nil {
		writeError(w, err)
		return
	}
	logger.Base().Info("forwarded hangup to owning instance",
		zap.String("call_id", callID),
		zap.String("pod_id", info.PodID))
	writeJSON(w, http.StatusAccepted, map[string]string{"callId": callID, "status": "forwarded", "podId": info.PodID})
}

// ListStreams godoc
// @Summary List active audio streams
// @Tags sessions
// @Produce json
// @Success 200 {object} StreamListResponse
// @Router /api/streams [get]
func (h *SessionHandler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.bridge.Active()
	writeJSON(w, http.StatusOK, StreamListResponse{Streams: streams, Count: len(streams)})
}

// GetStream godoc
// @Summary Get the audio stream of a call
// @Tags sessions
// @Produce json
// @Param callId path string true "Call ID"
// @Success 200 {object} bridge.AudioStreamSession
// @Failure 404 {object} ErrorResponse "No active stream"
// @Router /api/streams/{callId} [get]
func (h *SessionHandler) GetStream(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]
	stream, ok := h.bridge.Get(callID)
	if !ok {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

// EndStream godoc
// @Summary Close the audio stream of a call
// @Tags sessions
// @Produce json
// @Param callId path string true "Call ID"
// @Success 202 {object} map[string]string
// @Failure 404 {object} ErrorResponse "No active stream"
// @Router /api/streams/{callId} [delete]
func (h *SessionHandler) EndStream(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]
	if err := h.bridge.End(callID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"callId": callID, "status": "draining"})
}

// IngressStats godoc
// @Summary Event ingress counters
// @Tags sessions
// @Produce json
// @Success 200 {object} session.IngressStats
// @Router /api/ingress/stats [get]
func (h *SessionHandler) IngressStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ingress.Stats())
}

// SetupSessionRoutes registers session and stream routes
func (h *SessionHandler) SetupSessionRoutes(router *mux.Router) {
	router.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	router.HandleFunc("/sessions/{callId}", h.GetSession).Methods("GET")
	router.HandleFunc("/sessions/{callId}", h.EndSession).Methods("DELETE")
	router.HandleFunc("/streams", h.ListStreams).Methods("GET")
	router.HandleFunc("/streams/{callId}", h.GetStream).Methods("GET")
	router.HandleFunc("/streams/{callId}", h.EndStream).Methods("DELETE")
	router.HandleFunc("/ingress/stats", h.IngressStats).Methods("GET")
}
