// Package session tracks live call sessions and applies telephony events to them.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/clock"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// DefaultGracePeriod is how long a terminal session stays queryable
const DefaultGracePeriod = 30 * time.Second

const hookTimeout = 5 * time.Second

// Recorder archives a session when it leaves the registry
type Recorder interface {
	RecordCall(ctx context.Context, call domain.CallSession) error
}

// Tracker mirrors live sessions into shared storage
type Tracker interface {
	Track(ctx context.Context, call domain.CallSession) error
	Untrack(ctx context.Context, callID string) error
}

// Option configures a Registry
type Option func(*Registry)

// WithClock sets the clock used for timestamps and removal timers
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithGracePeriod sets how long terminal sessions are kept before removal
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

// WithRecorder adds a Recorder called on removal
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorders = append(r.recorders, rec) }
}

// WithTracker sets the Tracker notified on register and removal
func WithTracker(t Tracker) Option {
	return func(r *Registry) { r.tracker = t }
}

// RegisterOption sets optional fields on a new session
type RegisterOption func(*domain.CallSession)

// WithQueueItem links the session to the queue item that dispatched it
func WithQueueItem(itemID, campaignID string) RegisterOption {
	return func(c *domain.CallSession) {
		c.QueueItemID = itemID
		c.CampaignID = campaignID
	}
}

type entry struct {
	mu      sync.Mutex
	call    domain.CallSession
	stream  chan domain.CallStatus
	removal clock.Timer
}

// Registry is the in-memory table of live call sessions keyed by call id.
// Mutations are serialized per call; List takes a consistent snapshot.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	clock     clock.Clock
	grace     time.Duration
	recorders []Recorder
	tracker   Tracker
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		clock:    clock.New(),
		grace:    DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a session. Outbound sessions start dialing, inbound start ringing.
func (r *Registry) Register(callID string, direction domain.Direction, counterpart, voiceAgentID string, opts ...RegisterOption) (*domain.CallSession, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, domain.NewValidationError("callId", "is required")
	}

	status := domain.CallStatusDialing
	switch direction {
	case domain.DirectionOutbound:
	case domain.DirectionInbound:
		status = domain.CallStatusRinging
	default:
		return nil, domain.NewValidationError("direction", fmt.Sprintf("unknown direction %q", direction))
	}

	now := r.clock.Now()
	e := &entry{call: domain.CallSession{
		CallID:       callID,
		Direction:    direction,
		Counterpart:  counterpart,
		VoiceAgentID: voiceAgentID,
		Status:       status,
		Turns:        []domain.Turn{},
		History:      []domain.StatusChange{{Status: status, At: now}},
		CreatedAt:    now,
	}}
	for _, opt := range opts {
		opt(&e.call)
	}

	r.mu.Lock()
	if _, exists := r.sessions[callID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: call %s", domain.ErrDuplicateSession, callID)
	}
	r.sessions[callID] = e
	out := snapshotCall(&e.call)
	r.mu.Unlock()

	logger.Base().Info("Call session registered",
		zap.String("call_id", callID),
		zap.String("direction", string(direction)),
		zap.String("status", string(status)),
		zap.String("queue_item_id", out.QueueItemID))

	if r.tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		if err := r.tracker.Track(ctx, *out); err != nil {
			logger.Base().Warn("Failed to track call session", zap.String("call_id", callID), zap.Error(err))
		}
		cancel()
	}
	return out, nil
}

func (r *Registry) lookup(callID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[callID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: call %s", domain.ErrSessionNotFound, callID)
	}
	return e, nil
}

// AppendTurn adds a turn to the call's conversation log
func (r *Registry) AppendTurn(callID, speaker, text string) error {
	e, err := r.lookup(callID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call.Turns = append(e.call.Turns, domain.Turn{Speaker: speaker, Text: text, Timestamp: r.clock.Now()})
	return nil
}

// Transition moves the call forward along dialing -> ringing -> in-progress -> terminal.
// Moving to the current status is a no-op. Reaching a terminal status signals
// the attached stream and schedules removal after the grace period.
func (r *Registry) Transition(callID string, status domain.CallStatus) (*domain.CallSession, error) {
	if !status.IsValid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown call status %q", status))
	}
	e, err := r.lookup(callID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	from := e.call.Status
	if from == status {
		out := snapshotCall(&e.call)
		e.mu.Unlock()
		return out, nil
	}
	if !from.CanTransitionTo(status) {
		e.mu.Unlock()
		return nil, domain.TransitionError("call", callID, string(from), string(status))
	}

	now := r.clock.Now()
	e.call.Status = status
	e.call.History = append(e.call.History, domain.StatusChange{Status: status, At: now})
	if status.IsTerminal() {
		e.call.EndedAt = &now
		if e.stream != nil {
			select {
			case e.stream <- status:
			default:
			}
		}
		e.removal = r.clock.AfterFunc(r.grace, func() { r.expire(callID, e) })
	}
	out := snapshotCall(&e.call)
	e.mu.Unlock()

	logger.Base().Info("Call session transitioned",
		zap.String("call_id", callID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return out, nil
}

// RecordError stores the latest error seen on the call
func (r *Registry) RecordError(callID string, cause error) error {
	if cause == nil {
		return nil
	}
	e, err := r.lookup(callID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.call.LastError = cause.Error()
	e.mu.Unlock()
	return nil
}

// Attach binds the single audio stream of a call. The returned channel
// receives the terminal status when the call ends.
func (r *Registry) Attach(callID string) (<-chan domain.CallStatus, error) {
	e, err := r.lookup(callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream != nil {
		return nil, fmt.Errorf("%w: call %s", domain.ErrStreamExists, callID)
	}
	if e.call.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: call %s already %s", domain.ErrInvalidTransition, callID, e.call.Status)
	}
	e.stream = make(chan domain.CallStatus, 1)
	e.call.StreamActive = true
	return e.stream, nil
}

// Detach releases the stream binding. Unknown calls are ignored.
func (r *Registry) Detach(callID string) {
	e, err := r.lookup(callID)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.stream = nil
	e.call.StreamActive = false
	e.mu.Unlock()
}

// Get returns a deep copy of the session
func (r *Registry) Get(callID string) (*domain.CallSession, error) {
	e, err := r.lookup(callID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotCall(&e.call), nil
}

// List returns snapshots of all sessions ordered by creation time
func (r *Registry) List() []domain.CallSession {
	r.mu.RLock()
	out := make([]domain.CallSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		e.mu.Lock()
		out = append(out, *snapshotCall(&e.call))
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of sessions held
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove drops the session immediately and runs the recorders
func (r *Registry) Remove(callID string) error {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: call %s", domain.ErrSessionNotFound, callID)
	}
	r.finalize(e)
	return nil
}

// expire removes e if it is still the registered entry for callID
func (r *Registry) expire(callID string, e *entry) {
	r.mu.Lock()
	current, ok := r.sessions[callID]
	if ok && current == e {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if ok && current == e {
		r.finalize(e)
	}
}

func (r *Registry) finalize(e *entry) {
	e.mu.Lock()
	if e.removal != nil {
		e.removal.Stop()
		e.removal = nil
	}
	if e.stream != nil {
		select {
		case e.stream <- e.call.Status:
		default:
		}
	}
	call := snapshotCall(&e.call)
	e.mu.Unlock()

	logger.Base().Info("Call session removed",
		zap.String("call_id", call.CallID),
		zap.String("status", string(call.Status)),
		zap.Int("turns", len(call.Turns)))

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	for _, rec := range r.recorders {
		if err := rec.RecordCall(ctx, *call); err != nil {
			logger.Base().Error("Failed to record call session", zap.String("call_id", call.CallID), zap.Error(err))
		}
	}
	if r.tracker != nil {
		if err := r.tracker.Untrack(ctx, call.CallID); err != nil {
			logger.Base().Warn("Failed to untrack call session", zap.String("call_id", call.CallID), zap.Error(err))
		}
	}
}

func snapshotCall(call *domain.CallSession) *domain.CallSession {
	var out domain.CallSession
	if err := copier.CopyWithOption(&out, call, copier.Option{DeepCopy: true}); err != nil {
		out = *call
		out.Turns = append([]domain.Turn(nil), call.Turns...)
		out.History = append([]domain.StatusChange(nil), call.History...)
	}
	if out.Turns == nil {
		out.Turns = []domain.Turn{}
	}
	return &out
}
