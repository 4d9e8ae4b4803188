package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"
)

// Paths served by the telephony handlers
const (
	StreamPath = "/telephony/stream"
	StatusPath = "/telephony/status"
)

// Stream parameters passed through TwiML to the media stream start event
const (
	ParamVoiceAgentID = "voiceAgentId"
	ParamQueueItemID  = "queueItemId"
	ParamCampaignID   = "campaignId"
	ParamInstructions = "instructions"
)

const defaultRingTimeout = 30

var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// CallServiceConfig configures outbound calling
type CallServiceConfig struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	PublicBaseURL string
	RingTimeout   int
}

// CallService places outbound calls whose audio is streamed back to this service
type CallService struct {
	client *twilio.RestClient
	cfg    CallServiceConfig
}

// NewCallService creates a Twilio-backed call initiator
func NewCallService(cfg CallServiceConfig) (*CallService, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio credentials not provided")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("public base url is required for media streams")
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return &CallService{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		cfg: cfg,
	}, nil
}

// InitiateCall creates the call and returns its CallSid
func (s *CallService) InitiateCall(ctx context.Context, req domain.CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	from := req.From
	if from == "" {
		from = s.cfg.FromNumber
	}
	response, err := StreamTwiML(s.cfg.PublicBaseURL, req)
	if err != nil {
		return "", fmt.Errorf("failed to build twiml: %w", err)
	}

	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetTwiml(response)
	params.SetTimeout(s.cfg.RingTimeout)
	params.SetStatusCallback(s.cfg.PublicBaseURL + StatusPath)
	params.SetStatusCallbackEvent(statusEvents)
	params.SetStatusCallbackMethod("POST")

	call, err := s.client.Api.CreateCall(params)
	if err != nil {
		logger.Base().Error("Twilio call creation failed",
			zap.String("to", req.To),
			zap.String("queue_item_id", req.QueueItemID),
			zap.Error(err))
		return "", err
	}
	if call.Sid == nil || *call.Sid == "" {
		return "", errors.New("twilio returned no call sid")
	}

	logger.Base().Info("Twilio call created",
		zap.String("call_sid", *call.Sid),
		zap.String("to", req.To),
		zap.String("queue_item_id", req.QueueItemID))
	return *call.Sid, nil
}

// StreamTwiML builds the <Connect><Stream> response that bridges the call
// into this service's media stream endpoint.
func StreamTwiML(publicBaseURL string, req domain.CallRequest) (string, error) {
	var parameters []twiml.Element
	add := func(name, value string) {
		if value != "" {
			parameters = append(parameters, twiml.VoiceParameter{Name: name, Value: value})
		}
	}
	add(ParamVoiceAgentID, req.VoiceAgentID)
	add(ParamQueueItemID, req.QueueItemID)
	add(ParamCampaignID, req.CampaignID)
	add(ParamInstructions, req.Script)

	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{
				Url:           StreamURL(publicBaseURL),
				InnerElements: parameters,
			},
		},
	}
	return twiml.Voice([]twiml.Element{connect})
}

// StreamURL converts the public base url into the websocket stream url
func StreamURL(publicBaseURL string) string {
	base := strings.TrimRight(publicBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + StreamPath
}
