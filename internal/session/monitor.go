package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/ClareAI/astra-dispatch-service/pkg/redis"
	"go.uber.org/zap"
)

const (
	CleanupChannel = "astra:dispatch:call:cleanup"
	DefaultCallTTL = 2 * time.Hour
)

// CallInfo is the monitoring record of a live call kept in Redis
type CallInfo struct {
	CallID       string    `json:"callId"`
	PodID        string    `json:"podId"`
	VoiceAgentID string    `json:"voiceAgentId"`
	Direction    string    `json:"direction"`
	CampaignID   string    `json:"campaignId,omitempty"`
	StartTime    time.Time `json:"startTime"`
}

// CleanupMessage is the payload for cleanup broadcast
type CleanupMessage struct {
	CallID string `json:"callId"`
	Origin string `json:"origin"`
}

// Monitor mirrors registered calls into Redis so any instance can find the
// pod that owns a call, and broadcasts hangup requests between instances.
type Monitor struct {
	redisSvc redis.RedisServiceInterface
	podID    string
	ttl      time.Duration
}

func NewMonitor(redisSvc redis.RedisServiceInterface, podID string, ttl time.Duration) *Monitor {
	if ttl <= 0 {
		ttl = DefaultCallTTL
	}
	return &Monitor{
		redisSvc: redisSvc,
		podID:    podID,
		ttl:      ttl,
	}
}

func (m *Monitor) key(callID string) string {
	return m.redisSvc.GenerateKey(redis.CallSessionKey, callID)
}

// Track implements Tracker
func (m *Monitor) Track(ctx context.Context, call domain.CallSession) error {
	info := CallInfo{
		CallID:       call.CallID,
		PodID:        m.podID,
		VoiceAgentID: call.VoiceAgentID,
		Direction:    string(call.Direction),
		CampaignID:   call.CampaignID,
		StartTime:    call.CreatedAt,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := m.redisSvc.SetValue(ctx, m.key(call.CallID), string(data), m.ttl); err != nil {
		return fmt.Errorf("failed to track call %s: %w", call.CallID, err)
	}
	logger.Base().Debug("Call tracked in Redis", zap.String("call_id", call.CallID), zap.String("pod_id", m.podID))
	return nil
}

// Untrack implements Tracker
func (m *Monitor) Untrack(ctx context.Context, callID string) error {
	return m.redisSvc.DelValue(ctx, m.key(callID))
}

// Lookup returns the monitoring record of a call, ErrSessionNotFound when absent
func (m *Monitor) Lookup(ctx context.Context, callID string) (*CallInfo, error) {
	raw, err := m.redisSvc.GetValue(ctx, m.key(callID))
	if errors.Is(err, redis.ErrKeyNotExist) {
		return nil, fmt.Errorf("%w: call %s", domain.ErrSessionNotFound, callID)
	}
	if err != nil {
		return nil, err
	}
	var info CallInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("failed to decode call info: %w", err)
	}
	return &info, nil
}

// NotifyCleanup broadcasts a hangup request to all pods
func (m *Monitor) NotifyCleanup(ctx context.Context, callID string) error {
	logger.Base().Info("Broadcasting cleanup request", zap.String("call_id", callID))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallID: callID, Origin: m.podID})
}

// SubscribeToCleanup listens for cleanup broadcasts from other pods
func (m *Monitor) SubscribeToCleanup(ctx context.Context, handler func(callID string)) error {
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		if msg.Origin == m.podID {
			return
		}
		handler(msg.CallID)
	})
}
