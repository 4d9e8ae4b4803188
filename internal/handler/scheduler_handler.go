package handler

import (
	"net/http"

	"github.com/ClareAI/astra-dispatch-service/internal/config"
	"github.com/ClareAI/astra-dispatch-service/internal/scheduler"
	"github.com/gorilla/mux"
)

// SchedulerHandler starts, stops and inspects scheduler scopes
type SchedulerHandler struct {
	scheduler *scheduler.Manager
	defaults  config.Settings
}

// NewSchedulerHandler creates a handler whose request bodies overlay defaults
func NewSchedulerHandler(sched *scheduler.Manager, defaults config.Settings) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: sched,
		defaults:  defaults,
	}
}

// SchedulerStatusResponse lists running scopes
type SchedulerStatusResponse struct {
	Scopes []scheduler.ScopeStatus `json:"scopes"`
}

// settingsFromBody overlays the request body on the default settings
func (h *SchedulerHandler) settingsFromBody(r *http.Request) (config.Settings, error) {
	settings := h.defaults
	if err := decodeJSON(r, &settings); err != nil {
		return settings, err
	}
	if err := settings.Normalize(); err != nil {
		return settings, err
	}
	return settings, nil
}

// ListScopes godoc
// @Summary List running scheduler scopes
// @Tags scheduler
// @Produce json
// @Success 200 {object} SchedulerStatusResponse
// @Router /api/scheduler [get]
func (h *SchedulerHandler) ListScopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{Scopes: h.scheduler.Statuses()})
}

// StartScope godoc
// @Summary Start a scheduler scope
// @Description Start the periodic dispatch loop for a campaign, or "global" for all campaigns
// @Tags scheduler
// @Accept json
// @Produce json
// @Param scope path string true "Campaign ID or global"
// @Param settings body config.Settings false "Settings overriding the defaults"
// @Success 202 {object} map[string]string
// @Failure 400 {object} ErrorResponse "Invalid settings"
// @Failure 409 {object} ErrorResponse "Scope already running"
// @Router /api/scheduler/{scope}/start [post]
func (h *SchedulerHandler) StartScope(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	settings, err := h.settingsFromBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.scheduler.StartScope(scope, settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scope": scope, "status": "started"})
}

// StopScope godoc
// @Summary Stop a scheduler scope
// @Tags scheduler
// @Produce json
// @Param scope path string true "Campaign ID or global"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse "Scope not running"
// @Router /api/scheduler/{scope}/stop [post]
func (h *SchedulerHandler) StopScope(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	if err := h.scheduler.StopScope(scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scope": scope, "status": "stopped"})
}

// ProcessScope godoc
// @Summary Run one tick for a scope
// @Tags scheduler
// @Accept json
// @Produce json
// @Param scope path string true "Campaign ID or global"
// @Param settings body config.Settings false "Settings overriding the defaults"
// @Success 200 {object} scheduler.TickResult
// @Failure 400 {object} ErrorResponse "Invalid settings"
// @Router /api/scheduler/{scope}/process [post]
func (h *SchedulerHandler) ProcessScope(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settingsFromBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.scheduler.ProcessOnce(r.Context(), mux.Vars(r)["scope"], settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetupSchedulerRoutes registers scheduler routes
func (h *SchedulerHandler) SetupSchedulerRoutes(router *mux.Router) {
	router.HandleFunc("/scheduler", h.ListScopes).Methods("GET")
	router.HandleFunc("/scheduler/{scope}/start", h.StartScope).Methods("POST")
	router.HandleFunc("/scheduler/{scope}/stop", h.StopScope).Methods("POST")
	router.HandleFunc("/scheduler/{scope}/process", h.ProcessScope).Methods("POST")
}
