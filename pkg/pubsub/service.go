package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names carried in the "name" attribute
const (
	EventCallOutcome = "call:outcome"
	EventQueueUpdate = "queue:update"
)

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// PubID prefixes event names so subscribers can filter per environment
	PubID string `mapstructure:"pub_id"`
}

type PubSubService struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	config  *PubSubConfig
	publish func(ctx context.Context, msg *pubsub.Message) error
}

// CallOutcomeEvent is published once for every call that leaves the registry
type CallOutcomeEvent struct {
	ID           string     `json:"id"`
	CallID       string     `json:"call_id"`
	Direction    string     `json:"direction"`
	Counterpart  string     `json:"counterpart"`
	VoiceAgentID string     `json:"voice_agent_id,omitempty"`
	CampaignID   string     `json:"campaign_id,omitempty"`
	QueueItemID  string     `json:"queue_item_id,omitempty"`
	Status       string     `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	StartAt      time.Time  `json:"start_at"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	Duration     int        `json:"duration"`
	TurnCount    int        `json:"turn_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// QueueUpdateEvent reports a queue item status change
type QueueUpdateEvent struct {
	ItemID     string    `json:"item_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	CallID     string    `json:"call_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topicname", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topicname", cfg.TopicName))
	}

	svc := &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}
	svc.publish = func(ctx context.Context, msg *pubsub.Message) error {
		_, err := svc.topic.Publish(ctx, msg).Get(ctx)
		return err
	}
	return svc, nil
}

// NewCallOutcomeEvent summarizes a finished call
func NewCallOutcomeEvent(call domain.CallSession, now time.Time) CallOutcomeEvent {
	return CallOutcomeEvent{
		ID:           uuid.New().String(),
		CallID:       call.CallID,
		Direction:    string(call.Direction),
		Counterpart:  call.Counterpart,
		VoiceAgentID: call.VoiceAgentID,
		CampaignID:   call.CampaignID,
		QueueItemID:  call.QueueItemID,
		Status:       string(call.Status),
		LastError:    call.LastError,
		StartAt:      call.CreatedAt,
		EndAt:        call.EndedAt,
		Duration:     int(call.Duration().Seconds()),
		TurnCount:    len(call.Turns),
		CreatedAt:    now,
	}
}

// RecordCall publishes the outcome of a call. It satisfies the session recorder hook.
func (p *PubSubService) RecordCall(ctx context.Context, call domain.CallSession) error {
	return p.PublishCallOutcome(ctx, NewCallOutcomeEvent(call, time.Now()))
}

// PublishCallOutcome publishes a call outcome event
func (p *PubSubService) PublishCallOutcome(ctx context.Context, ev CallOutcomeEvent) error {
	msg, err := p.newMessage(EventCallOutcome, ev, map[string]string{
		"call_id":     ev.CallID,
		"campaign_id": ev.CampaignID,
		"status":      ev.Status,
	})
	if err != nil {
		return err
	}
	if err := p.publish(ctx, msg); err != nil {
		logger.Base().Error("Failed to publish call outcome", zap.String("call_id", ev.CallID), zap.Error(err))
		return fmt.Errorf("failed to publish call outcome: %w", err)
	}

	logger.Base().Info("Published call outcome",
		zap.String("call_id", ev.CallID),
		zap.String("status", ev.Status),
		zap.String("campaign_id", ev.CampaignID))
	return nil
}

// PublishQueueUpdate publishes a queue item status change
func (p *PubSubService) PublishQueueUpdate(ctx context.Context, ev QueueUpdateEvent) error {
	msg, err := p.newMessage(EventQueueUpdate, ev, map[string]string{
		"item_id":     ev.ItemID,
		"campaign_id": ev.CampaignID,
		"status":      ev.Status,
	})
	if err != nil {
		return err
	}
	if err := p.publish(ctx, msg); err != nil {
		logger.Base().Error("Failed to publish queue update", zap.String("item_id", ev.ItemID), zap.Error(err))
		return fmt.Errorf("failed to publish queue update: %w", err)
	}
	return nil
}

func (p *PubSubService) newMessage(event string, payload any, attrs map[string]string) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	prefix := strings.TrimSuffix(p.config.PubID, ":")
	if prefix != "" {
		prefix += ":"
	}
	attributes := map[string]string{
		"name":    prefix + event,
		"task_id": uuid.New().String(),
	}
	for k, v := range attrs {
		if v != "" {
			attributes[k] = v
		}
	}
	return &pubsub.Message{Data: data, Attributes: attributes}, nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
