package handler

import (
	"net/http"

	"github.com/ClareAI/astra-dispatch-service/internal/session"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/ClareAI/astra-dispatch-service/pkg/twilio"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RequestValidator verifies webhook signatures
type RequestValidator interface {
	ValidateRequest(r *http.Request) bool
}

// TelephonyHandler receives call status callbacks from the telephony provider
type TelephonyHandler struct {
	ingress *session.Ingress
	// validator is nil when signature checks are disabled
	validator RequestValidator
}

// NewTelephonyHandler creates a new telephony handler
func NewTelephonyHandler(ingress *session.Ingress, validator RequestValidator) *TelephonyHandler {
	return &TelephonyHandler{
		ingress:   ingress,
		validator: validator,
	}
}

// HandleStatusCallback godoc
// @Summary Call status callback
// @Description Form-encoded status callback; the status is forwarded to the event ingress
// @Tags telephony
// @Accept x-www-form-urlencoded
// @Param CallSid formData string true "Call SID"
// @Param CallStatus formData string true "Vendor call status"
// @Success 204 "Accepted"
// @Failure 400 {string} string "Malformed callback"
// @Failure 403 {string} string "Invalid signature"
// @Router /telephony/status [post]
func (h *TelephonyHandler) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}
	if h.validator != nil && !h.validator.ValidateRequest(r) {
		logger.Base().Warn("rejected status callback with invalid signature",
			zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	callSid := r.PostForm.Get("CallSid")
	rawStatus := r.PostForm.Get("CallStatus")
	if callSid == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	status, ok := session.ParseVendorStatus(rawStatus)
	if !ok {
		logger.Base().Info("ignoring unknown call status",
			zap.String("call_id", callSid),
			zap.String("status", rawStatus))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ev := session.Event{
		CallID: callSid,
		Status: status,
		Source: session.SourceTelephony,
	}
	if code := r.PostForm.Get("ErrorCode"); code != "" {
		ev.Error = "telephony error " + code
		if msg := r.PostForm.Get("ErrorMessage"); msg != "" {
			ev.Error += ": " + msg
		}
	} else if rawStatus == "busy" || rawStatus == "no-answer" {
		ev.Error = rawStatus
	}

	if err := h.ingress.Submit(r.Context(), ev); err != nil {
		logger.Base().Error("failed to submit status callback",
			zap.String("call_id", callSid),
			zap.Error(err))
		http.Error(w, "Event ingress unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetupTelephonyRoutes registers the status callback route
func (h *TelephonyHandler) SetupTelephonyRoutes(router *mux.Router) {
	router.HandleFunc(twilio.StatusPath, h.HandleStatusCallback).Methods("POST")
}
