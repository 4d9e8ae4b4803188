package domain

import (
	"context"
	"time"
)

// Direction of a call relative to this service
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusDialing    CallStatus = "dialing"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCanceled   CallStatus = "canceled"
)

// rank orders non-terminal states; terminal states share the top rank.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusDialing:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusInProgress:
		return 2
	case CallStatusCompleted, CallStatusFailed, CallStatusCanceled:
		return 3
	}
	return -1
}

// IsTerminal reports whether the call has ended.
func (s CallStatus) IsTerminal() bool {
	return s.rank() == 3
}

// IsValid reports whether s is a known call status.
func (s CallStatus) IsValid() bool {
	return s.rank() >= 0
}

// CanTransitionTo enforces dialing -> ringing -> in-progress -> terminal.
// Steps may be skipped but never revisited.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if !s.IsValid() || !next.IsValid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Speaker labels used in the turn log
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
	SpeakerSystem    = "system"
)

// Turn is one entry of a call's conversation log
type Turn struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChange records a transition applied to a call session
type StatusChange struct {
	Status CallStatus `json:"status"`
	At     time.Time  `json:"at"`
}

// CallSession is the in-process record of one call's lifecycle
type CallSession struct {
	CallID       string         `json:"callId"`
	Direction    Direction      `json:"direction"`
	Counterpart  string         `json:"counterpart"`
	VoiceAgentID string         `json:"voiceAgentId,omitempty"`
	Status       CallStatus     `json:"status"`
	Turns        []Turn         `json:"turns"`
	History      []StatusChange `json:"history"`
	QueueItemID  string         `json:"queueItemId,omitempty"`
	CampaignID   string         `json:"campaignId,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	StreamActive bool           `json:"streamActive"`
	CreatedAt    time.Time      `json:"createdAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
}

// Duration returns how long the call lasted, or zero while live.
func (c *CallSession) Duration() time.Duration {
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.CreatedAt)
}

// CallRequest is what the scheduler hands to a CallInitiator
type CallRequest struct {
	To           string
	From         string
	VoiceAgentID string
	Script       string
	CampaignID   string
	QueueItemID  string
	Metadata     map[string]any
}

// CallInitiator places an outbound call and returns the telephony call id.
type CallInitiator interface {
	InitiateCall(ctx context.Context, req CallRequest) (string, error)
}
