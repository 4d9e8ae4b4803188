package queue

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	return NewStore(append([]Option{WithClock(clk)}, opts...)...), clk
}

func request(priority int) domain.EnqueueRequest {
	return domain.EnqueueRequest{To: "+15550001111", From: "+15559990000", Priority: priority}
}

func mustEnqueue(t *testing.T, s *Store, req domain.EnqueueRequest) *domain.QueueItem {
	t.Helper()
	item, err := s.Enqueue(req)
	require.NoError(t, err)
	return item
}

func assertDensePositions(t *testing.T, s *Store) {
	t.Helper()
	waiting := s.GetItems(domain.QueueFilter{Status: domain.QueueStatusWaiting}, 0, 0)
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].Position < waiting[j].Position })
	for i, item := range waiting {
		require.Equal(t, i+1, item.Position, "positions must be 1..n")
		if i > 0 {
			prev := waiting[i-1]
			ordered := prev.Priority > item.Priority ||
				(prev.Priority == item.Priority && !prev.EnteredAt.After(item.EnteredAt))
			require.True(t, ordered, "position %d breaks priority/entry order", item.Position)
		}
	}
	for _, item := range s.GetItems(domain.QueueFilter{}, 0, 0) {
		if item.Status != domain.QueueStatusWaiting {
			require.Zero(t, item.Position)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestStore(t)

	cases := []struct {
		name  string
		req   domain.EnqueueRequest
		field string
	}{
		{"priority too low", request(0), "priority"},
		{"priority too high", request(11), "priority"},
		{"missing destination", domain.EnqueueRequest{From: "+1555", Priority: 5}, "to"},
		{"missing source", domain.EnqueueRequest{To: "+1555", Priority: 5}, "from"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Enqueue(tc.req)
			require.Error(t, err)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Zero(t, s.Len())
}

func TestEnqueueAssignsIdentityAndWaiting(t *testing.T) {
	s, clk := newTestStore(t)
	item := mustEnqueue(t, s, request(5))

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, domain.QueueStatusWaiting, item.Status)
	assert.Equal(t, clk.Now(), item.EnteredAt)
	assert.Equal(t, 1, item.Position)
	assert.Zero(t, item.Attempts)
}

func TestNextBatchPriorityOrder(t *testing.T) {
	s, clk := newTestStore(t)
	for _, p := range []int{5, 8, 3, 10, 1} {
		mustEnqueue(t, s, request(p))
		clk.Advance(time.Second)
	}

	batch := s.NextBatch(5, domain.QueueFilter{})
	require.Len(t, batch, 5)
	got := make([]int, 0, len(batch))
	for _, item := range batch {
		got = append(got, item.Priority)
	}
	assert.Equal(t, []int{10, 8, 5, 3, 1}, got)

	// read-only
	for _, item := range batch {
		stored, err := s.GetItem(item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueStatusWaiting, stored.Status)
	}
}

func TestNextBatchSamePriorityFIFO(t *testing.T) {
	s, clk := newTestStore(t)
	first := mustEnqueue(t, s, request(7))
	clk.Advance(time.Second)
	second := mustEnqueue(t, s, request(7))

	batch := s.NextBatch(2, domain.QueueFilter{})
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)
}

func TestNextBatchRespectsScheduleLimitAndFilter(t *testing.T) {
	s, clk := newTestStore(t)
	future := clk.Now().Add(time.Hour)

	scheduled := request(10)
	scheduled.ScheduledAt = &future
	later := mustEnqueue(t, s, scheduled)

	for i := 0; i < 4; i++ {
		req := request(5)
		req.CampaignID = "spring"
		mustEnqueue(t, s, req)
	}
	mustEnqueue(t, s, request(9))

	batch := s.NextBatch(3, domain.QueueFilter{})
	assert.Len(t, batch, 3)
	for _, item := range batch {
		assert.NotEqual(t, later.ID, item.ID, "future items must not be returned")
	}

	spring := s.NextBatch(10, domain.QueueFilter{CampaignID: "spring"})
	assert.Len(t, spring, 4)
	for _, item := range spring {
		assert.Equal(t, "spring", item.CampaignID)
	}

	assert.Empty(t, s.NextBatch(0, domain.QueueFilter{}))

	clk.Advance(time.Hour)
	batch = s.NextBatch(1, domain.QueueFilter{})
	require.Len(t, batch, 1)
	assert.Equal(t, later.ID, batch[0].ID)
}

func TestMarkStatusTransitions(t *testing.T) {
	s, clk := newTestStore(t)
	item := mustEnqueue(t, s, request(5))

	_, err := s.MarkStatus(item.ID, domain.QueueStatusCompleted, domain.StatusExtra{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "completed requires processing")

	clk.Advance(2 * time.Second)
	processing, err := s.MarkStatus(item.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)
	assert.Equal(t, 1, processing.Attempts)
	require.NotNil(t, processing.LastAttemptAt)
	assert.Equal(t, clk.Now(), *processing.LastAttemptAt)
	assert.Zero(t, processing.Position)

	_, err = s.Cancel(item.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "processing items cannot be canceled")

	done, err := s.MarkStatus(item.ID, domain.QueueStatusCompleted, domain.StatusExtra{CallID: "CA123"})
	require.NoError(t, err)
	assert.Equal(t, "CA123", done.CallID)
	require.NotNil(t, done.CompletedAt)

	for _, st := range []domain.QueueStatus{domain.QueueStatusWaiting, domain.QueueStatusProcessing, domain.QueueStatusFailed} {
		_, err = s.MarkStatus(item.ID, st, domain.StatusExtra{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal item moved to %s", st)
	}

	_, err = s.MarkStatus("missing", domain.QueueStatusProcessing, domain.StatusExtra{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.MarkStatus(item.ID, domain.QueueStatus("paused"), domain.StatusExtra{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFailedRecordsError(t *testing.T) {
	s, _ := newTestStore(t)
	item := mustEnqueue(t, s, request(5))
	_, err := s.MarkStatus(item.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)

	failed, err := s.MarkStatus(item.ID, domain.QueueStatusFailed, domain.StatusExtra{Error: "carrier rejected"})
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, failed.Status)
	assert.Equal(t, "carrier rejected", failed.LastError)
}

func TestUpdatePriority(t *testing.T) {
	s, clk := newTestStore(t)
	low := mustEnqueue(t, s, request(2))
	clk.Advance(time.Second)
	high := mustEnqueue(t, s, request(6))

	updated, err := s.UpdatePriority(low.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Position)

	other, err := s.GetItem(high.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, other.Position)

	_, err = s.UpdatePriority(low.ID, 42)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.MarkStatus(high.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)
	_, err = s.UpdatePriority(high.ID, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.UpdatePriority("missing", 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelRecomputesPositions(t *testing.T) {
	s, clk := newTestStore(t)
	var ids []string
	for _, p := range []int{4, 4, 4} {
		ids = append(ids, mustEnqueue(t, s, request(p)).ID)
		clk.Advance(time.Millisecond)
	}

	canceled, err := s.Cancel(ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCanceled, canceled.Status)
	assert.Zero(t, canceled.Position)

	second, _ := s.GetItem(ids[1])
	third, _ := s.GetItem(ids[2])
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, 2, third.Position)
	assertDensePositions(t, s)
}

func TestPositionsStayDenseUnderRandomOperations(t *testing.T) {
	s, clk := newTestStore(t)
	rng := rand.New(rand.NewSource(42))
	var ids []string

	for i := 0; i < 300; i++ {
		switch op := rng.Intn(4); {
		case op <= 1 || len(ids) == 0:
			ids = append(ids, mustEnqueue(t, s, request(rng.Intn(10)+1)).ID)
		case op == 2:
			_, _ = s.Cancel(ids[rng.Intn(len(ids))])
		default:
			_, _ = s.UpdatePriority(ids[rng.Intn(len(ids))], rng.Intn(10)+1)
		}
		if rng.Intn(3) == 0 {
			clk.Advance(time.Duration(rng.Intn(1000)) * time.Millisecond)
		}
		assertDensePositions(t, s)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	req := request(5)
	req.Metadata = map[string]any{"name": "Ada"}
	item := mustEnqueue(t, s, req)

	item.Metadata["name"] = "mutated"
	item.Priority = 1

	stored, err := s.GetItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", stored.Metadata["name"])
	assert.Equal(t, 5, stored.Priority)
}

func TestGetItemsPaging(t *testing.T) {
	s, clk := newTestStore(t)
	for p := 1; p <= 6; p++ {
		mustEnqueue(t, s, request(p))
		clk.Advance(time.Second)
	}

	page := s.GetItems(domain.QueueFilter{}, 2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, 5, page[0].Priority)
	assert.Equal(t, 4, page[1].Priority)

	assert.Empty(t, s.GetItems(domain.QueueFilter{}, 5, 10))
	assert.Len(t, s.GetItems(domain.QueueFilter{}, 0, 0), 6)
}

func TestStats(t *testing.T) {
	s, clk := newTestStore(t)
	a := mustEnqueue(t, s, request(5))
	b := mustEnqueue(t, s, request(5))
	c := mustEnqueue(t, s, request(5))
	mustEnqueue(t, s, request(5))

	_, err := s.MarkStatus(a.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)
	_, err = s.MarkStatus(b.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	_, err = s.MarkStatus(a.ID, domain.QueueStatusCompleted, domain.StatusExtra{CallID: "CA1"})
	require.NoError(t, err)
	clk.Advance(10 * time.Second)
	_, err = s.MarkStatus(b.ID, domain.QueueStatusCompleted, domain.StatusExtra{CallID: "CA2"})
	require.NoError(t, err)
	_, err = s.Cancel(c.ID)
	require.NoError(t, err)

	stats := s.Stats(domain.QueueFilter{})
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Counts[domain.QueueStatusCompleted])
	assert.Equal(t, 1, stats.Counts[domain.QueueStatusCanceled])
	assert.Equal(t, 1, stats.Counts[domain.QueueStatusWaiting])
	assert.Equal(t, 0, stats.Counts[domain.QueueStatusFailed])
	assert.InDelta(t, 15.0, stats.AverageTimeInQueueSecs, 0.001)
}

func TestRequeueCreatesWaitingCopy(t *testing.T) {
	s, _ := newTestStore(t)
	req := request(8)
	req.CampaignID = "renewals"
	item := mustEnqueue(t, s, req)

	_, err := s.Requeue(item.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.MarkStatus(item.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)
	_, err = s.MarkStatus(item.ID, domain.QueueStatusFailed, domain.StatusExtra{Error: "busy"})
	require.NoError(t, err)

	retry, err := s.Requeue(item.ID)
	require.NoError(t, err)
	assert.NotEqual(t, item.ID, retry.ID)
	assert.Equal(t, item.ID, retry.RequeuedFromID)
	assert.Equal(t, domain.QueueStatusWaiting, retry.Status)
	assert.Equal(t, 1, retry.Attempts)
	assert.Equal(t, "renewals", retry.CampaignID)
	assert.Equal(t, 1, retry.Position)

	original, err := s.GetItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, original.Status)
	assert.Equal(t, retry.ID, original.RequeuedToID)

	_, err = s.Requeue(item.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "an item is requeued at most once")
	waiting := s.GetItems(domain.QueueFilter{Status: domain.QueueStatusWaiting}, 0, 0)
	require.Len(t, waiting, 1)
	assert.Equal(t, retry.ID, waiting[0].ID)
}

func TestLeavingWaitingClearsPosition(t *testing.T) {
	var observed []domain.QueueItem
	s, _ := newTestStore(t, WithStatusObserver(func(item domain.QueueItem) {
		observed = append(observed, item)
	}))
	first := mustEnqueue(t, s, request(5))
	second := mustEnqueue(t, s, request(5))

	canceled, err := s.Cancel(first.ID)
	require.NoError(t, err)
	assert.Zero(t, canceled.Position)

	processing, err := s.MarkStatus(second.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)
	assert.Zero(t, processing.Position)

	require.Len(t, observed, 2)
	for _, item := range observed {
		assert.Zero(t, item.Position, "item %s left waiting", item.ID)
	}
}

type recordingArchiver struct {
	items []domain.QueueItem
	err   error
}

func (a *recordingArchiver) ArchiveQueueItems(_ context.Context, items []domain.QueueItem) error {
	if a.err != nil {
		return a.err
	}
	a.items = append(a.items, items...)
	return nil
}

func TestPurgeArchivesTerminalItems(t *testing.T) {
	archiver := &recordingArchiver{}
	s, clk := newTestStore(t, WithArchiver(archiver))

	old := mustEnqueue(t, s, request(5))
	_, err := s.Cancel(old.ID)
	require.NoError(t, err)
	waiting := mustEnqueue(t, s, request(5))

	clk.Advance(2 * time.Hour)
	recent := mustEnqueue(t, s, request(5))
	_, err = s.Cancel(recent.ID)
	require.NoError(t, err)

	n, err := s.Purge(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, archiver.items, 1)
	assert.Equal(t, old.ID, archiver.items[0].ID)

	_, err = s.GetItem(old.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetItem(waiting.ID)
	assert.NoError(t, err)
	_, err = s.GetItem(recent.ID)
	assert.NoError(t, err)
}

func TestPurgeKeepsItemsWhenArchiveFails(t *testing.T) {
	s, clk := newTestStore(t, WithArchiver(&recordingArchiver{err: errors.New("db down")}))
	item := mustEnqueue(t, s, request(5))
	_, err := s.Cancel(item.ID)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	n, err := s.Purge(context.Background(), time.Hour)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, s.Len())
}

func TestStatusObserverSeesTransitions(t *testing.T) {
	var seen []domain.QueueStatus
	s, _ := newTestStore(t, WithStatusObserver(func(item domain.QueueItem) {
		seen = append(seen, item.Status)
	}))

	item := mustEnqueue(t, s, request(5))
	_, err := s.MarkStatus(item.ID, domain.QueueStatusProcessing, domain.StatusExtra{})
	require.NoError(t, err)
	_, err = s.MarkStatus(item.ID, domain.QueueStatusFailed, domain.StatusExtra{Error: "busy"})
	require.NoError(t, err)
	_, err = s.Requeue(item.ID)
	require.NoError(t, err)

	_, err = s.MarkStatus(item.ID, domain.QueueStatusCompleted, domain.StatusExtra{})
	require.Error(t, err)

	assert.Equal(t, []domain.QueueStatus{
		domain.QueueStatusProcessing,
		domain.QueueStatusFailed,
		domain.QueueStatusWaiting,
	}, seen)
}
