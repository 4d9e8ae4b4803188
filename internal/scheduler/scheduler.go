// Package scheduler runs the periodic dispatch loops that move queue items
// into live calls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/config"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/internal/session"
	"github.com/ClareAI/astra-dispatch-service/pkg/clock"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GlobalScope is the scope id of the scheduler that serves every campaign
const GlobalScope = "global"

// QueueStore is the subset of the queue the scheduler drives
type QueueStore interface {
	NextBatch(limit int, filter domain.QueueFilter) []domain.QueueItem
	MarkStatus(id string, status domain.QueueStatus, extra domain.StatusExtra) (*domain.QueueItem, error)
	GetItem(id string) (*domain.QueueItem, error)
	Requeue(id string) (*domain.QueueItem, error)
}

// SessionRegistrar records the call placed for a queue item
type SessionRegistrar interface {
	Register(callID string, direction domain.Direction, counterpart, voiceAgentID string, opts ...session.RegisterOption) (*domain.CallSession, error)
}

// TickResult summarizes one scheduler pass
type TickResult struct {
	Scope       string    `json:"scope"`
	At          time.Time `json:"at"`
	Skipped     bool      `json:"skipped"`
	Reason      string    `json:"reason,omitempty"`
	Selected    int       `json:"selected"`
	Dispatched  int       `json:"dispatched"`
	Failed      int       `json:"failed"`
	RateLimited int       `json:"rateLimited"`
	Requeued    int       `json:"requeued"`
	CallIDs     []string  `json:"callIds,omitempty"`
}

// ScopeStatus describes a running scope
type ScopeStatus struct {
	Scope           string          `json:"scope"`
	Settings        config.Settings `json:"settings"`
	IntervalSeconds float64         `json:"intervalSeconds"`
	StartedAt       time.Time       `json:"startedAt"`
	LastTickAt      *time.Time      `json:"lastTickAt,omitempty"`
	Ticks           int64           `json:"ticks"`
	Dispatched      int64           `json:"dispatched"`
	Failed          int64           `json:"failed"`
	Skipped         int64           `json:"skipped"`
	RateLimited     int64           `json:"rateLimited"`
}

type scope struct {
	id       string
	settings config.Settings
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status ScopeStatus
}

func (s *scope) record(res TickResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := res.At
	s.status.LastTickAt = &at
	s.status.Ticks++
	s.status.Dispatched += int64(res.Dispatched)
	s.status.Failed += int64(res.Failed)
	s.status.RateLimited += int64(res.RateLimited)
	if res.Skipped {
		s.status.Skipped++
	}
}

func (s *scope) snapshot() ScopeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.status
	if out.LastTickAt != nil {
		t := *out.LastTickAt
		out.LastTickAt = &t
	}
	return out
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock that drives ticks, quiet hours and the limiter
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDefaultSettings sets the settings used when no scope covers a campaign
func WithDefaultSettings(s config.Settings) Option {
	return func(m *Manager) { m.defaults = s }
}

// Manager owns one scheduler loop per scope: at most one global scope plus
// one per campaign.
type Manager struct {
	store     QueueStore
	registry  SessionRegistrar
	initiator domain.CallInitiator
	clock     clock.Clock
	defaults  config.Settings

	mu     sync.Mutex
	scopes map[string]*scope
}

// NewManager creates a scheduler manager with no running scopes
func NewManager(store QueueStore, registry SessionRegistrar, initiator domain.CallInitiator, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		registry:  registry,
		initiator: initiator,
		clock:     clock.New(),
		defaults:  config.DefaultSettings(),
		scopes:    make(map[string]*scope),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizeScope(scopeID string) string {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return GlobalScope
	}
	return scopeID
}

func scopeFilter(scopeID string) domain.QueueFilter {
	if scopeID == GlobalScope {
		return domain.QueueFilter{}
	}
	return domain.QueueFilter{CampaignID: scopeID}
}

func newLimiter(s config.Settings, now time.Time) *rate.Limiter {
	l := rate.NewLimiter(rate.Limit(float64(s.CallsPerMinute)/60.0), s.BatchSize)
	// start full at the injected clock's notion of now
	l.AllowN(now, 0)
	return l
}

// StartScope starts the periodic loop for scopeID. The first tick runs immediately.
func (m *Manager) StartScope(scopeID string, settings config.Settings) error {
	scopeID = normalizeScope(scopeID)
	if err := settings.Normalize(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.scopes[scopeID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: scope %s", domain.ErrAlreadyRunning, scopeID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := m.clock.Now()
	sc := &scope{
		id:       scopeID,
		settings: settings,
		limiter:  newLimiter(settings, now),
		cancel:   cancel,
		done:     make(chan struct{}),
		status: ScopeStatus{
			Scope:           scopeID,
			Settings:        settings,
			IntervalSeconds: settings.Interval().Seconds(),
			StartedAt:       now,
		},
	}
	m.scopes[scopeID] = sc
	m.mu.Unlock()

	logger.Base().Info("Scheduler scope started",
		zap.String("scope", scopeID),
		zap.Duration("interval", settings.Interval()),
		zap.Int("calls_per_minute", settings.CallsPerMinute),
		zap.Int("batch_size", settings.BatchSize))

	go m.loop(ctx, sc)
	return nil
}

// StopScope stops the loop for scopeID. A dispatch already in flight runs to
// completed or failed; items after it in the batch stay waiting.
func (m *Manager) StopScope(scopeID string) error {
	scopeID = normalizeScope(scopeID)

	m.mu.Lock()
	sc, ok := m.scopes[scopeID]
	if ok {
		delete(m.scopes, scopeID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: scheduler scope %s", domain.ErrNotFound, scopeID)
	}

	sc.cancel()
	<-sc.done
	logger.Base().Info("Scheduler scope stopped", zap.String("scope", scopeID))
	return nil
}

// StopAll stops every running scope
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.scopes))
	for id := range m.scopes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.StopScope(id)
	}
}

// Statuses lists running scopes, global first
func (m *Manager) Statuses() []ScopeStatus {
	m.mu.Lock()
	out := make([]ScopeStatus, 0, len(m.scopes))
	for _, sc := range m.scopes {
		out = append(out, sc.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope == GlobalScope || out[j].Scope == GlobalScope {
			return out[i].Scope == GlobalScope
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// ProcessOnce runs a single tick synchronously. A running scope shares its
// rate limiter and counters with the call.
func (m *Manager) ProcessOnce(ctx context.Context, scopeID string, settings config.Settings) (TickResult, error) {
	scopeID = normalizeScope(scopeID)
	if err := settings.Normalize(); err != nil {
		return TickResult{}, err
	}

	m.mu.Lock()
	sc := m.scopes[scopeID]
	m.mu.Unlock()

	limiter := newLimiter(settings, m.clock.Now())
	if sc != nil {
		limiter = sc.limiter
	}
	res := m.tick(ctx, scopeID, settings, limiter)
	if sc != nil {
		sc.record(res)
	}
	return res, nil
}

// ProcessBatch runs one tick for the campaign in filter (or the global scope)
// with the batch size overridden.
func (m *Manager) ProcessBatch(ctx context.Context, batchSize int, filter domain.QueueFilter) (TickResult, error) {
	if batchSize <= 0 {
		return TickResult{}, domain.NewValidationError("batchSize", "must be positive")
	}
	scopeID := normalizeScope(filter.CampaignID)
	settings := m.settingsFor(filter.CampaignID)
	settings.BatchSize = batchSize
	return m.ProcessOnce(ctx, scopeID, settings)
}

// settingsFor returns the settings governing a campaign: its own scope, then
// the global scope, then the defaults.
func (m *Manager) settingsFor(campaignID string) config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	if campaignID != "" {
		if sc, ok := m.scopes[campaignID]; ok {
			return sc.settings
		}
	}
	if sc, ok := m.scopes[GlobalScope]; ok {
		return sc.settings
	}
	return m.defaults
}

func (m *Manager) loop(ctx context.Context, sc *scope) {
	defer close(sc.done)
	interval := sc.settings.Interval()
	for {
		res := m.tick(ctx, sc.id, sc.settings, sc.limiter)
		sc.record(res)

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
		}
	}
}

// tick selects due items and dispatches them. It never panics.
func (m *Manager) tick(ctx context.Context, scopeID string, settings config.Settings, limiter *rate.Limiter) (res TickResult) {
	now := m.clock.Now()
	res = TickResult{Scope: scopeID, At: now}
	ctx = logger.WithFields(ctx, zap.String("scope", scopeID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Scheduler tick panicked", zap.Any("panic", r))
		}
	}()

	if settings.ShouldSkip(now) {
		res.Skipped = true
		res.Reason = "quiet hours"
		logger.Debug(ctx, "Skipping tick during quiet hours",
			zap.Int("quiet_start", settings.QuietHoursStart),
			zap.Int("quiet_end", settings.QuietHoursEnd))
		return res
	}

	items := m.store.NextBatch(settings.BatchSize, scopeFilter(scopeID))
	res.Selected = len(items)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		if limiter != nil && !limiter.AllowN(m.clock.Now(), 1) {
			res.RateLimited = len(items) - i
			logger.Info(ctx, "Rate limit reached, leaving items waiting", zap.Int("remaining", res.RateLimited))
			break
		}
		m.dispatch(ctx, item, settings, &res)
	}

	if res.Selected > 0 {
		logger.Info(ctx, "Scheduler tick finished",
			zap.Int("selected", res.Selected),
			zap.Int("dispatched", res.Dispatched),
			zap.Int("failed", res.Failed),
			zap.Int("rate_limited", res.RateLimited))
	}
	return res
}

func (m *Manager) dispatch(ctx context.Context, item domain.QueueItem, settings config.Settings, res *TickResult) {
	ctx = logger.WithFields(ctx, zap.String("item_id", item.ID))

	claimed, err := m.store.MarkStatus(item.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	if err != nil {
		logger.Info(ctx, "Queue item no longer dispatchable", zap.Error(err))
		return
	}

	req := domain.CallRequest{
		To:           claimed.To,
		From:         claimed.From,
		VoiceAgentID: firstNonEmpty(claimed.VoiceAgentID, settings.VoiceAgentID),
		Script:       firstNonEmpty(claimed.Script, settings.Script),
		CampaignID:   claimed.CampaignID,
		QueueItemID:  claimed.ID,
		Metadata:     claimed.Metadata,
	}

	callID, err := m.initiate(ctx, req, settings.CallTimeout())
	if err != nil {
		res.Failed++
		cause := fmt.Errorf("%w: %v", domain.ErrUpstreamCallFailure, err)
		failed, markErr := m.store.MarkStatus(claimed.ID, domain.QueueStatusFailed, domain.StatusExtra{Error: cause.Error()})
		if markErr != nil {
			logger.Error(ctx, "Failed to mark queue item failed", zap.Error(markErr))
			return
		}
		logger.Warn(ctx, "Call initiation failed", zap.Int("attempts", failed.Attempts), zap.Error(cause))
		if m.requeue(ctx, failed, settings) {
			res.Requeued++
		}
		return
	}

	if _, err := m.registry.Register(callID, domain.DirectionOutbound, req.To, req.VoiceAgentID,
		session.WithQueueItem(claimed.ID, claimed.CampaignID)); err != nil {
		logger.Error(ctx, "Failed to register call session", zap.String("call_id", callID), zap.Error(err))
	}
	if _, err := m.store.MarkStatus(claimed.ID, domain.QueueStatusCompleted, domain.StatusExtra{CallID: callID}); err != nil {
		logger.Error(ctx, "Failed to mark queue item completed", zap.String("call_id", callID), zap.Error(err))
	}
	res.Dispatched++
	res.CallIDs = append(res.CallIDs, callID)
	logger.Info(ctx, "Call dispatched", zap.String("call_id", callID), zap.String("to", req.To))
}

// initiate invokes the Call Initiator bounded by timeout. An initiator that
// ignores its context is abandoned when the timeout fires. Stopping the scope
// does not cancel a call already being placed.
func (m *Manager) initiate(ctx context.Context, req domain.CallRequest, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type result struct {
		callID string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("call initiator panicked: %v", r)}
			}
		}()
		id, err := m.initiator.InitiateCall(callCtx, req)
		done <- result{callID: id, err: err}
	}()

	timedOut := func() error {
		return fmt.Errorf("call initiation timed out after %s: %w", timeout, callCtx.Err())
	}
	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", timedOut()
		}
		if r.err == nil && r.callID == "" {
			r.err = errors.New("call initiator returned an empty call id")
		}
		return r.callID, r.err
	case <-callCtx.Done():
		return "", timedOut()
	}
}

// requeue puts a failed item back while it is below maxAttempts
func (m *Manager) requeue(ctx context.Context, item *domain.QueueItem, settings config.Settings) bool {
	if settings.MaxAttempts <= 0 || item.Attempts >= settings.MaxAttempts {
		return false
	}
	next, err := m.store.Requeue(item.ID)
	if err != nil {
		logger.Warn(ctx, "Failed to requeue item", zap.Error(err))
		return false
	}
	logger.Info(ctx, "Queue item requeued",
		zap.String("new_item_id", next.ID),
		zap.Int("attempts", next.Attempts),
		zap.Int("max_attempts", settings.MaxAttempts))
	return true
}

// HandleCallFailure requeues the queue item behind a call that failed after
// dispatch, following the maxAttempts of the scope covering its campaign.
func (m *Manager) HandleCallFailure(ctx context.Context, call domain.CallSession) {
	if call.QueueItemID == "" {
		return
	}
	ctx = logger.WithFields(ctx, zap.String("call_id", call.CallID), zap.String("item_id", call.QueueItemID))
	item, err := m.store.GetItem(call.QueueItemID)
	if err != nil {
		logger.Warn(ctx, "Queue item for failed call not found", zap.Error(err))
		return
	}
	m.requeue(ctx, item, m.settingsFor(item.CampaignID))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
