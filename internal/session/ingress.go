package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"go.uber.org/zap"
)

// ErrIngressClosed is returned by Submit after Close
var ErrIngressClosed = errors.New("event ingress closed")

// Event sources
const (
	SourceTelephony = "telephony"
	SourceOperator  = "operator"
	SourceCluster   = "cluster"
)

// Event is a call status update or turn delivered to the registry
type Event struct {
	CallID string
	Status domain.CallStatus
	// Speaker and Text append a turn when Text is set
	Speaker string
	Text    string
	Error   string
	Source  string
}

// FailureHandler is called for failed calls dispatched from a queue item
type FailureHandler func(ctx context.Context, call domain.CallSession)

// IngressOption configures an Ingress
type IngressOption func(*Ingress)

// WithFailureHandler sets the requeue hook
func WithFailureHandler(h FailureHandler) IngressOption {
	return func(i *Ingress) { i.onFailure = h }
}

// Ingress applies events to the registry from a single consumer goroutine,
// so transitions for a call land in arrival order.
type Ingress struct {
	registry  *Registry
	events    chan Event
	quit      chan struct{}
	closeOnce sync.Once
	onFailure FailureHandler

	applied atomic.Int64
	dropped atomic.Int64
}

// IngressStats counts processed events
type IngressStats struct {
	Applied int64 `json:"applied"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

// NewIngress creates an ingress with a buffer of bufferSize events
func NewIngress(registry *Registry, bufferSize int, opts ...IngressOption) *Ingress {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	i := &Ingress{
		registry: registry,
		events:   make(chan Event, bufferSize),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Submit queues an event, blocking while the buffer is full
func (i *Ingress) Submit(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.CallID) == "" {
		return domain.NewValidationError("callId", "is required")
	}
	select {
	case <-i.quit:
		return ErrIngressClosed
	default:
	}
	select {
	case i.events <- ev:
		return nil
	case <-i.quit:
		return ErrIngressClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes events until ctx is done or Close is called. Events already
// buffered when Close is called are still applied.
func (i *Ingress) Run(ctx context.Context) {
	for {
		select {
		case ev := <-i.events:
			i.apply(ctx, ev)
		case <-ctx.Done():
			return
		case <-i.quit:
			for {
				select {
				case ev := <-i.events:
					i.apply(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting events
func (i *Ingress) Close() {
	i.closeOnce.Do(func() { close(i.quit) })
}

// Stats returns consumer counters
func (i *Ingress) Stats() IngressStats {
	return IngressStats{
		Applied: i.applied.Load(),
		Dropped: i.dropped.Load(),
		Pending: len(i.events),
	}
}

func (i *Ingress) apply(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			i.dropped.Add(1)
			logger.Base().Error("Panic while applying call event", zap.String("call_id", ev.CallID), zap.Any("panic", r))
		}
	}()

	log := logger.Base().With(zap.String("call_id", ev.CallID), zap.String("source", ev.Source))

	if ev.Text != "" {
		speaker := ev.Speaker
		if speaker == "" {
			speaker = domain.SpeakerSystem
		}
		if err := i.registry.AppendTurn(ev.CallID, speaker, ev.Text); err != nil {
			i.drop(log, ev, err)
			return
		}
	}
	if ev.Error != "" {
		if err := i.registry.RecordError(ev.CallID, errors.New(ev.Error)); err != nil {
			i.drop(log, ev, err)
			return
		}
	}
	if ev.Status == "" {
		i.applied.Add(1)
		return
	}

	before, err := i.registry.Get(ev.CallID)
	if err != nil {
		i.drop(log, ev, err)
		return
	}
	call, err := i.registry.Transition(ev.CallID, ev.Status)
	if err != nil {
		i.drop(log, ev, err)
		return
	}
	i.applied.Add(1)

	if call.Status == domain.CallStatusFailed && before.Status != domain.CallStatusFailed &&
		call.QueueItemID != "" && i.onFailure != nil {
		i.onFailure(ctx, *call)
	}
}

func (i *Ingress) drop(log *zap.Logger, ev Event, err error) {
	i.dropped.Add(1)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		log.Warn("Dropping event for unknown call", zap.String("status", string(ev.Status)))
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("Ignoring out of order call event", zap.String("status", string(ev.Status)), zap.Error(err))
	default:
		log.Error("Failed to apply call event", zap.Error(err))
	}
}

// ParseVendorStatus maps telephony status strings onto call statuses
func ParseVendorStatus(raw string) (domain.CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated", "dialing":
		return domain.CallStatusDialing, true
	case "ringing":
		return domain.CallStatusRinging, true
	case "answered", "in-progress", "in_progress", "inprogress":
		return domain.CallStatusInProgress, true
	case "completed":
		return domain.CallStatusCompleted, true
	case "busy", "no-answer", "no_answer", "failed":
		return domain.CallStatusFailed, true
	case "canceled", "cancelled":
		return domain.CallStatusCanceled, true
	}
	return "", false
}
