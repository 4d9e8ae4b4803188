// Package queue holds pending outbound call requests ordered by priority.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/clock"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// Archiver persists terminal queue items before they are purged
type Archiver interface {
	ArchiveQueueItems(ctx context.Context, items []domain.QueueItem) error
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for entry, attempt and completion times
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithArchiver sets where Purge sends terminal items
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithStatusObserver registers fn to receive a copy of every item whose
// status changes. fn runs under the store lock and must not block or call
// back into the store.
func WithStatusObserver(fn func(domain.QueueItem)) Option {
	return func(s *Store) { s.observe = fn }
}

type entry struct {
	mu   sync.Mutex
	seq  uint64
	item domain.QueueItem
}

// Store is an in-memory priority queue of call requests.
//
// Entry fields change only while holding the entry lock plus the store lock
// (read or write). Operations that change the waiting set take the store
// write lock and recompute positions.
type Store struct {
	mu       sync.RWMutex
	items    map[string]*entry
	seq      uint64
	clock    clock.Clock
	archiver Archiver
	observe  func(domain.QueueItem)
}

// NewStore creates an empty queue store
func NewStore(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*entry),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates req and adds it as a waiting item
func (s *Store) Enqueue(req domain.EnqueueRequest) (*domain.QueueItem, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	item := domain.QueueItem{
		ID:           uuid.NewString(),
		To:           req.To,
		From:         req.From,
		Priority:     req.Priority,
		CampaignID:   req.CampaignID,
		VoiceAgentID: req.VoiceAgentID,
		Script:       req.Script,
		ScheduledAt:  req.ScheduledAt,
		Status:       domain.QueueStatusWaiting,
		EnteredAt:    now,
		UpdatedAt:    now,
		Metadata:     req.Metadata,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.insertLocked(item)
	s.recomputePositionsLocked()

	logger.Base().Info("Queue item enqueued",
		zap.String("item_id", item.ID),
		zap.Int("priority", item.Priority),
		zap.String("campaign_id", item.CampaignID),
		zap.Int("position", e.item.Position))
	return snapshot(&e.item), nil
}

func (s *Store) insertLocked(item domain.QueueItem) *entry {
	s.seq++
	e := &entry{seq: s.seq}
	if err := copier.CopyWithOption(&e.item, &item, copier.Option{DeepCopy: true}); err != nil {
		e.item = item
	}
	s.items[item.ID] = e
	return e
}

// NextBatch returns up to limit due waiting items ordered by priority desc,
// position asc. It does not change any item.
func (s *Store) NextBatch(limit int, filter domain.QueueFilter) []domain.QueueItem {
	if limit <= 0 {
		return nil
	}
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]domain.QueueItem, 0, limit)
	for _, e := range s.items {
		e.mu.Lock()
		item := e.item
		e.mu.Unlock()

		if item.Status != domain.QueueStatusWaiting {
			continue
		}
		if filter.CampaignID != "" && item.CampaignID != filter.CampaignID {
			continue
		}
		if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
			continue
		}
		due = append(due, *snapshot(&item))
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].Position < due[j].Position
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due
}

// MarkStatus applies a lifecycle transition to an item.
//
//	waiting    -> processing (attempts+1, lastAttemptAt=now)
//	waiting    -> canceled
//	processing -> completed | failed
func (s *Store) MarkStatus(id string, status domain.QueueStatus, extra domain.StatusExtra) (*domain.QueueItem, error) {
	if !status.IsValid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	// leaving waiting changes the ranking of the remaining items
	leavesWaiting := status == domain.QueueStatusProcessing || status == domain.QueueStatusCanceled
	if leavesWaiting {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	e, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue item %s", domain.ErrNotFound, id)
	}

	e.mu.Lock()
	from := e.item.Status
	if !allowedQueueTransition(from, status) {
		e.mu.Unlock()
		return nil, domain.TransitionError("queue item", id, string(from), string(status))
	}

	now := s.clock.Now()
	e.item.Status = status
	e.item.UpdatedAt = now
	if extra.CallID != "" {
		e.item.CallID = extra.CallID
	}
	if extra.Error != "" {
		e.item.LastError = extra.Error
	}
	switch status {
	case domain.QueueStatusProcessing:
		e.item.Attempts++
		e.item.LastAttemptAt = &now
	case domain.QueueStatusCompleted, domain.QueueStatusFailed, domain.QueueStatusCanceled:
		e.item.CompletedAt = &now
	}
	e.mu.Unlock()

	if leavesWaiting {
		s.recomputePositionsLocked()
	}
	e.mu.Lock()
	out := snapshot(&e.item)
	e.mu.Unlock()
	s.notify(out)
	return out, nil
}

func (s *Store) notify(item *domain.QueueItem) {
	if s.observe != nil {
		s.observe(*snapshot(item))
	}
}

func allowedQueueTransition(from, to domain.QueueStatus) bool {
	switch to {
	case domain.QueueStatusProcessing, domain.QueueStatusCanceled:
		return from == domain.QueueStatusWaiting
	case domain.QueueStatusCompleted, domain.QueueStatusFailed:
		return from == domain.QueueStatusProcessing
	}
	return false
}

// Cancel removes a waiting item from contention. A processing item cannot be canceled.
func (s *Store) Cancel(id string) (*domain.QueueItem, error) {
	return s.MarkStatus(id, domain.QueueStatusCanceled, domain.StatusExtra{})
}

// UpdatePriority changes the priority of a waiting item
func (s *Store) UpdatePriority(id string, priority int) (*domain.QueueItem, error) {
	if err := domain.ValidatePriority(priority); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue item %s", domain.ErrNotFound, id)
	}
	if e.item.Status != domain.QueueStatusWaiting {
		return nil, fmt.Errorf("%w: priority of queue item %s can only change while waiting (status %s)",
			domain.ErrInvalidTransition, id, e.item.Status)
	}
	e.item.Priority = priority
	e.item.UpdatedAt = s.clock.Now()
	s.recomputePositionsLocked()
	return snapshot(&e.item), nil
}

// Requeue creates a fresh waiting copy of a failed or completed item.
// The original keeps its terminal status and can be requeued only once.
func (s *Store) Requeue(id string) (*domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue item %s", domain.ErrNotFound, id)
	}
	src := e.item
	if src.Status != domain.QueueStatusFailed && src.Status != domain.QueueStatusCompleted {
		return nil, fmt.Errorf("%w: queue item %s is %s, only failed or completed items can be requeued",
			domain.ErrInvalidTransition, id, src.Status)
	}
	if src.RequeuedToID != "" {
		return nil, fmt.Errorf("%w: queue item %s was already requeued as %s",
			domain.ErrInvalidTransition, id, src.RequeuedToID)
	}

	now := s.clock.Now()
	item := domain.QueueItem{
		ID:             uuid.NewString(),
		To:             src.To,
		From:           src.From,
		Priority:       src.Priority,
		CampaignID:     src.CampaignID,
		VoiceAgentID:   src.VoiceAgentID,
		Script:         src.Script,
		Status:         domain.QueueStatusWaiting,
		Attempts:       src.Attempts,
		EnteredAt:      now,
		UpdatedAt:      now,
		LastError:      src.LastError,
		RequeuedFromID: src.ID,
		Metadata:       src.Metadata,
	}
	ne := s.insertLocked(item)
	e.item.RequeuedToID = item.ID
	e.item.UpdatedAt = now
	s.recomputePositionsLocked()
	s.notify(&ne.item)

	logger.Base().Info("Queue item requeued",
		zap.String("item_id", item.ID),
		zap.String("requeued_from", src.ID),
		zap.Int("attempts", item.Attempts))
	return snapshot(&ne.item), nil
}

// recomputePositionsLocked assigns dense positions 1..n to waiting items by
// (priority desc, entry time asc). Other items get position 0.
// Caller holds the store write lock.
func (s *Store) recomputePositionsLocked() {
	waiting := make([]*entry, 0, len(s.items))
	for _, e := range s.items {
		if e.item.Status == domain.QueueStatusWaiting {
			waiting = append(waiting, e)
		} else {
			e.item.Position = 0
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if a.item.Priority != b.item.Priority {
			return a.item.Priority > b.item.Priority
		}
		if !a.item.EnteredAt.Equal(b.item.EnteredAt) {
			return a.item.EnteredAt.Before(b.item.EnteredAt)
		}
		return a.seq < b.seq
	})
	for i, e := range waiting {
		e.item.Position = i + 1
	}
}

// GetItem returns a snapshot of one item
func (s *Store) GetItem(id string) (*domain.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue item %s", domain.ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.item), nil
}

// GetItems lists items matching filter ordered by position (waiting first),
// then by entry time. A limit <= 0 returns everything after offset.
func (s *Store) GetItems(filter domain.QueueFilter, limit, offset int) []domain.QueueItem {
	items := s.collect(filter)
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		aw, bw := a.Status == domain.QueueStatusWaiting, b.Status == domain.QueueStatusWaiting
		if aw != bw {
			return aw
		}
		if aw {
			return a.Position < b.Position
		}
		return a.EnteredAt.Before(b.EnteredAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []domain.QueueItem{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Stats counts items per status and averages time in queue over completed items
func (s *Store) Stats(filter domain.QueueFilter) domain.QueueStats {
	stats := domain.QueueStats{Counts: make(map[domain.QueueStatus]int, len(domain.QueueStatuses))}
	for _, st := range domain.QueueStatuses {
		stats.Counts[st] = 0
	}

	var total time.Duration
	var completed int
	for _, item := range s.collect(filter) {
		stats.Counts[item.Status]++
		stats.Total++
		if item.Status == domain.QueueStatusCompleted && item.CompletedAt != nil {
			total += item.CompletedAt.Sub(item.EnteredAt)
			completed++
		}
	}
	if completed > 0 {
		stats.AverageTimeInQueueSecs = total.Seconds() / float64(completed)
	}
	return stats
}

// Purge archives and drops terminal items last updated before now-olderThan.
// Items stay in the store when archiving fails.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []domain.QueueItem
	for _, e := range s.items {
		if e.item.Status.IsTerminal() && e.item.UpdatedAt.Before(cutoff) {
			expired = append(expired, *snapshot(&e.item))
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if s.archiver != nil {
		if err := s.archiver.ArchiveQueueItems(ctx, expired); err != nil {
			return 0, fmt.Errorf("failed to archive queue items: %w", err)
		}
	}
	for _, item := range expired {
		delete(s.items, item.ID)
	}

	logger.Base().Info("Purged terminal queue items", zap.Int("count", len(expired)))
	return len(expired), nil
}

// Len returns the number of items held, terminal ones included
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) collect(filter domain.QueueFilter) []domain.QueueItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.QueueItem, 0, len(s.items))
	for _, e := range s.items {
		e.mu.Lock()
		if filter.Matches(&e.item) {
			out = append(out, *snapshot(&e.item))
		}
		e.mu.Unlock()
	}
	return out
}

// snapshot returns a deep copy so callers never share maps or pointers with the store
func snapshot(item *domain.QueueItem) *domain.QueueItem {
	var out domain.QueueItem
	if err := copier.CopyWithOption(&out, item, copier.Option{DeepCopy: true}); err != nil {
		out = *item
	}
	return &out
}
