// Package bridge relays live call audio between the telephony media stream
// and the voice engine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ClareAI/astra-dispatch-service/internal/config"
	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/clock"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"go.uber.org/zap"
)

// ErrManagerClosed is returned by Serve after Shutdown
var ErrManagerClosed = errors.New("bridge manager is shut down")

// CallRegistry is the part of the session registry the bridge drives
type CallRegistry interface {
	Get(callID string) (*domain.CallSession, error)
	Attach(callID string) (<-chan domain.CallStatus, error)
	Detach(callID string)
	Transition(callID string, status domain.CallStatus) (*domain.CallSession, error)
	AppendTurn(callID, speaker, text string) error
	RecordError(callID string, cause error) error
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithClock overrides the wall clock
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// Manager owns the set of active audio stream sessions
type Manager struct {
	registry CallRegistry
	engine   Engine
	cfg      config.BridgeConfig
	clock    clock.Clock

	mu       sync.RWMutex
	active   map[string]*Session
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewManager creates a bridge manager
func NewManager(registry CallRegistry, engine Engine, cfg config.BridgeConfig, opts ...ManagerOption) *Manager {
	cfg.Normalize()
	m := &Manager{
		registry: registry,
		engine:   engine,
		cfg:      cfg,
		clock:    clock.New(),
		active:   make(map[string]*Session),
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Serve runs a bridge session on the transport until it closes. It returns
// the protocol error that ended the session, if any.
func (m *Manager) Serve(ctx context.Context, t Transport) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = t.Close(CloseGoingAway, "shutting down")
		return ErrManagerClosed
	}
	s := newSession(m, t)
	m.sessions[s] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s)
		m.mu.Unlock()
		m.wg.Done()
	}()

	logger.Base().Info("Audio stream connected", zap.String("remote", t.RemoteAddr()))
	return s.run(ctx)
}

// claim reserves the call id for s. Only one stream per call may exist.
func (m *Manager) claim(callID string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.active[callID]; exists {
		return fmt.Errorf("%w: call %s", domain.ErrStreamExists, callID)
	}
	m.active[callID] = s
	return nil
}

func (m *Manager) release(callID string, s *Session) {
	if callID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[callID] == s {
		delete(m.active, callID)
	}
}

// Get returns a snapshot of the active stream for a call
func (m *Manager) Get(callID string) (AudioStreamSession, bool) {
	m.mu.RLock()
	s, ok := m.active[callID]
	m.mu.RUnlock()
	if !ok {
		return AudioStreamSession{}, false
	}
	return s.Snapshot(), true
}

// Active returns snapshots of all active streams ordered by start time
func (m *Manager) Active() []AudioStreamSession {
	m.mu.RLock()
	out := make([]AudioStreamSession, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of active streams
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// End asks the stream of a call to drain
func (m *Manager) End(callID string) error {
	m.mu.RLock()
	s, ok := m.active[callID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no active stream for call %s", domain.ErrNotFound, callID)
	}
	s.requestDrain(ReasonEndStream, nil)
	return nil
}

// Shutdown drains every session and waits for them to close
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.requestDrain(ReasonShutdown, nil)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Base().Info("Audio bridge drained", zap.Int("sessions", len(sessions)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
