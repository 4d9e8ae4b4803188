package domain

import (
	"strings"
	"time"
)

// QueueStatus represents the lifecycle state of a queue item
type QueueStatus string

const (
	QueueStatusWaiting    QueueStatus = "waiting"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCanceled   QueueStatus = "canceled"
)

// Priority bounds for queue items. Higher is more urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// IsTerminal reports whether no further transition is allowed.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusCanceled:
		return true
	}
	return false
}

// IsValid reports whether s is a known queue status.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusWaiting, QueueStatusProcessing, QueueStatusCompleted, QueueStatusFailed, QueueStatusCanceled:
		return true
	}
	return false
}

// QueueStatuses lists every status in lifecycle order.
var QueueStatuses = []QueueStatus{
	QueueStatusWaiting,
	QueueStatusProcessing,
	QueueStatusCompleted,
	QueueStatusFailed,
	QueueStatusCanceled,
}

// QueueItem is a pending request to place an outbound call
type QueueItem struct {
	ID             string         `json:"id"`
	To             string         `json:"to"`
	From           string         `json:"from"`
	Priority       int            `json:"priority"`
	CampaignID     string         `json:"campaignId,omitempty"`
	VoiceAgentID   string         `json:"voiceAgentId,omitempty"`
	Script         string         `json:"script,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduledAt,omitempty"`
	Status         QueueStatus    `json:"status"`
	Attempts       int            `json:"attempts"`
	Position       int            `json:"position"`
	EnteredAt      time.Time      `json:"enteredAt"`
	LastAttemptAt  *time.Time     `json:"lastAttemptAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	CallID         string         `json:"callId,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	RequeuedFromID string         `json:"requeuedFromId,omitempty"`
	RequeuedToID   string         `json:"requeuedToId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EnqueueRequest carries the caller-supplied fields of a new queue item
type EnqueueRequest struct {
	To           string         `json:"to"`
	From         string         `json:"from"`
	Priority     int            `json:"priority"`
	CampaignID   string         `json:"campaignId,omitempty"`
	VoiceAgentID string         `json:"voiceAgentId,omitempty"`
	Script       string         `json:"script,omitempty"`
	ScheduledAt  *time.Time     `json:"scheduledAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks required fields and the priority range.
func (r EnqueueRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return NewValidationError("to", "is required")
	}
	if strings.TrimSpace(r.From) == "" {
		return NewValidationError("from", "is required")
	}
	return ValidatePriority(r.Priority)
}

// ValidatePriority checks that p is within [MinPriority, MaxPriority]
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return NewValidationError("priority", "must be between 1 and 10")
	}
	return nil
}

// QueueFilter narrows queue queries. Zero values match everything.
type QueueFilter struct {
	CampaignID string      `json:"campaignId,omitempty"`
	Status     QueueStatus `json:"status,omitempty"`
}

// Matches reports whether item satisfies the filter.
func (f QueueFilter) Matches(item *QueueItem) bool {
	if f.CampaignID != "" && item.CampaignID != f.CampaignID {
		return false
	}
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	return true
}

// StatusExtra carries side data recorded with a status change
type StatusExtra struct {
	CallID string
	Error  string
}

// QueueStats aggregates queue state
type QueueStats struct {
	Counts                 map[QueueStatus]int `json:"counts"`
	Total                  int                 `json:"total"`
	AverageTimeInQueueSecs float64             `json:"averageTimeInQueueSeconds"`
}
