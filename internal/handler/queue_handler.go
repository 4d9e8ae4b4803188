package handler

import (
	"net/http"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/internal/queue"
	"github.com/ClareAI/astra-dispatch-service/internal/scheduler"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultPageSize = 50

// QueueHandler handles HTTP requests for the call queue
type QueueHandler struct {
	store     *queue.Store
	scheduler *scheduler.Manager
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(store *queue.Store, sched *scheduler.Manager) *QueueHandler {
	return &QueueHandler{
		store:     store,
		scheduler: sched,
	}
}

// PriorityRequest changes a waiting item's priority
type PriorityRequest struct {
	Priority int `json:"priority"`
}

// ProcessRequest runs one dispatch pass outside the periodic loop
type ProcessRequest struct {
	BatchSize  int    `json:"batchSize"`
	CampaignID string `json:"campaignId,omitempty"`
}

// QueueListResponse is a page of queue items
type QueueListResponse struct {
	Items  []domain.QueueItem `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// EnqueueCall godoc
// @Summary Enqueue an outbound call
// @Description Add a call request to the dispatch queue
// @Tags queue
// @Accept json
// @Produce json
// @Param item body domain.EnqueueRequest true "Call request"
// @Success 201 {object} domain.QueueItem "Item queued"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Router /api/queue [post]
func (h *QueueHandler) EnqueueCall(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	item, err := h.store.Enqueue(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListItems godoc
// @Summary List queue items
// @Description List queue items in dispatch order
// @Tags queue
// @Produce json
// @Param campaignId query string false "Campaign filter"
// @Param status query string false "Status filter"
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Page offset" default(0)
// @Success 200 {object} QueueListResponse
// @Failure 400 {object} ErrorResponse "Invalid filter"
// @Router /api/queue [get]
func (h *QueueHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	items := h.store.GetItems(filter, limit, offset)
	if items == nil {
		items = []domain.QueueItem{}
	}
	writeJSON(w, http.StatusOK, QueueListResponse{Items: items, Limit: limit, Offset: offset})
}

// GetStats godoc
// @Summary Queue statistics
// @Tags queue
// @Produce json
// @Param campaignId query string false "Campaign filter"
// @Success 200 {object} domain.QueueStats
// @Router /api/queue/stats [get]
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Stats(filter))
}

// ProcessBatch godoc
// @Summary Dispatch a batch now
// @Description Run one scheduler pass with the given batch size
// @Tags queue
// @Accept json
// @Produce json
// @Param request body ProcessRequest true "Batch request"
// @Success 200 {object} scheduler.TickResult
// @Failure 400 {object} ErrorResponse "Invalid batch size"
// @Router /api/queue/process [post]
func (h *QueueHandler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.scheduler.ProcessBatch(r.Context(), req.BatchSize, domain.QueueFilter{CampaignID: req.CampaignID})
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Base().Info("manual dispatch pass",
		zap.String("scope", res.Scope),
		zap.Int("dispatched", res.Dispatched),
		zap.Int("failed", res.Failed))
	writeJSON(w, http.StatusOK, res)
}

// GetItem godoc
// @Summary Get queue item
// @Tags queue
// @Produce json
// @Param id path string true "Queue item ID"
// @Success 200 {object} domain.QueueItem
// @Failure 404 {object} ErrorResponse "Item not found"
// @Router /api/queue/{id} [get]
func (h *QueueHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.GetItem(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// UpdatePriority godoc
// @Summary Change priority of a waiting item
// @Tags queue
// @Accept json
// @Produce json
// @Param id path string true "Queue item ID"
// @Param request body PriorityRequest true "New priority"
// @Success 200 {object} domain.QueueItem
// @Failure 400 {object} ErrorResponse "Priority out of range"
// @Failure 404 {object} ErrorResponse "Item not found"
// @Failure 409 {object} ErrorResponse "Item is not waiting"
// @Router /api/queue/{id}/priority [put]
func (h *QueueHandler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req PriorityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	item, err := h.store.UpdatePriority(mux.Vars(r)["id"], req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelItem godoc
// @Summary Cancel a queue item
// @Tags queue
// @Produce json
// @Param id path string true "Queue item ID"
// @Success 200 {object} domain.QueueItem
// @Failure 404 {object} ErrorResponse "Item not found"
// @Failure 409 {object} ErrorResponse "Item already finished"
// @Router /api/queue/{id} [delete]
func (h *QueueHandler) CancelItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.Cancel(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RequeueItem godoc
// @Summary Requeue a finished item
// @Description Create a fresh waiting item from a failed or completed one
// @Tags queue
// @Produce json
// @Param id path string true "Queue item ID"
// @Success 201 {object} domain.QueueItem
// @Failure 404 {object} ErrorResponse "Item not found"
// @Failure 409 {object} ErrorResponse "Item cannot be requeued"
// @Router /api/queue/{id}/requeue [post]
func (h *QueueHandler) RequeueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.Requeue(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// SetupQueueRoutes registers queue routes. Fixed paths come before {id}.
func (h *QueueHandler) SetupQueueRoutes(router *mux.Router) {
	router.HandleFunc("/queue", h.EnqueueCall).Methods("POST")
	router.HandleFunc("/queue", h.ListItems).Methods("GET")
	router.HandleFunc("/queue/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/queue/process", h.ProcessBatch).Methods("POST")
	router.HandleFunc("/queue/{id}", h.GetItem).Methods("GET")
	router.HandleFunc("/queue/{id}", h.CancelItem).Methods("DELETE")
	router.HandleFunc("/queue/{id}/priority", h.UpdatePriority).Methods("PUT")
	router.HandleFunc("/queue/{id}/requeue", h.RequeueItem).Methods("POST")
}
