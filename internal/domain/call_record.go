package domain

import (
	"time"
)

// CallRecord is the archived form of a finished call session
type CallRecord struct {
	ID           string    `json:"id" gorm:"column:id;primaryKey"`
	CallID       string    `json:"call_id" gorm:"column:call_id;uniqueIndex"`
	Direction    string    `json:"direction" gorm:"column:direction"`
	Counterpart  string    `json:"counterpart" gorm:"column:counterpart"`
	VoiceAgentID string    `json:"voice_agent_id" gorm:"column:voice_agent_id;index"`
	CampaignID   string    `json:"campaign_id" gorm:"column:campaign_id;index"`
	QueueItemID  string    `json:"queue_item_id" gorm:"column:queue_item_id"`
	FinalStatus  string    `json:"final_status" gorm:"column:final_status"`
	LastError    string    `json:"last_error" gorm:"column:last_error"`
	Turns        TurnList  `json:"turns" gorm:"column:turns;type:jsonb"`
	StartedAt    time.Time `json:"started_at" gorm:"column:started_at"`
	EndedAt      time.Time `json:"ended_at" gorm:"column:ended_at"`
	DurationMs   int64     `json:"duration_ms" gorm:"column:duration_ms"`
	CreatedAt    time.Time `json:"created_at" gorm:"column:created_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

// NewCallRecord converts a session snapshot into its archive row.
func NewCallRecord(id string, call CallSession) CallRecord {
	ended := call.CreatedAt
	if call.EndedAt != nil {
		ended = *call.EndedAt
	}
	return CallRecord{
		ID:           id,
		CallID:       call.CallID,
		Direction:    string(call.Direction),
		Counterpart:  call.Counterpart,
		VoiceAgentID: call.VoiceAgentID,
		CampaignID:   call.CampaignID,
		QueueItemID:  call.QueueItemID,
		FinalStatus:  string(call.Status),
		LastError:    call.LastError,
		Turns:        TurnList(call.Turns),
		StartedAt:    call.CreatedAt,
		EndedAt:      ended,
		DurationMs:   ended.Sub(call.CreatedAt).Milliseconds(),
	}
}

// QueueItemRecord is the archived form of a terminal queue item
type QueueItemRecord struct {
	ID             string     `json:"id" gorm:"column:id;primaryKey"`
	ToNumber       string     `json:"to_number" gorm:"column:to_number"`
	FromNumber     string     `json:"from_number" gorm:"column:from_number"`
	Priority       int        `json:"priority" gorm:"column:priority"`
	CampaignID     string     `json:"campaign_id" gorm:"column:campaign_id;index"`
	VoiceAgentID   string     `json:"voice_agent_id" gorm:"column:voice_agent_id"`
	Status         string     `json:"status" gorm:"column:status;index"`
	Attempts       int        `json:"attempts" gorm:"column:attempts"`
	CallID         string     `json:"call_id" gorm:"column:call_id"`
	LastError      string     `json:"last_error" gorm:"column:last_error"`
	RequeuedFromID string     `json:"requeued_from_id" gorm:"column:requeued_from_id"`
	RequeuedToID   string     `json:"requeued_to_id" gorm:"column:requeued_to_id"`
	Metadata       JSONB      `json:"metadata" gorm:"column:metadata;type:jsonb"`
	EnteredAt      time.Time  `json:"entered_at" gorm:"column:entered_at"`
	CompletedAt    *time.Time `json:"completed_at" gorm:"column:completed_at"`
	ArchivedAt     time.Time  `json:"archived_at" gorm:"column:archived_at"`
}

func (QueueItemRecord) TableName() string {
	return "queue_item_records"
}

// NewQueueItemRecord converts a queue item into its archive row.
func NewQueueItemRecord(item QueueItem, archivedAt time.Time) QueueItemRecord {
	return QueueItemRecord{
		ID:             item.ID,
		ToNumber:       item.To,
		FromNumber:     item.From,
		Priority:       item.Priority,
		CampaignID:     item.CampaignID,
		VoiceAgentID:   item.VoiceAgentID,
		Status:         string(item.Status),
		Attempts:       item.Attempts,
		CallID:         item.CallID,
		LastError:      item.LastError,
		RequeuedFromID: item.RequeuedFromID,
		RequeuedToID:   item.RequeuedToID,
		Metadata:       JSONB(item.Metadata),
		EnteredAt:      item.EnteredAt,
		CompletedAt:    item.CompletedAt,
		ArchivedAt:     archivedAt,
	}
}
