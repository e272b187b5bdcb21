package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/store/memory"
)

// flakyStore fails the next n ApplyBatches calls and records the batches of
// every successful call.
type flakyStore struct {
	*memory.SessionStore

	mu       sync.Mutex
	failures int
	applied  [][]*models.Batch
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{SessionStore: memory.NewSessionStore(), failures: failures}
}

func (s *flakyStore) ApplyBatches(ctx context.Context, batches []*models.Batch) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("store unavailable")
	}
	s.applied = append(s.applied, append([]*models.Batch(nil), batches...))
	s.mu.Unlock()
	return s.SessionStore.ApplyBatches(ctx, batches)
}

// appliedIDs flattens the recorded calls into session ids in apply order.
func (s *flakyStore) appliedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, call := range s.applied {
		for _, b := range call {
			ids = append(ids, b.SessionID)
		}
	}
	return ids
}

func batchFor(id string) *models.Batch {
	return &models.Batch{SessionID: id, IsActive: true}
}

func batchWithEvent(id string, seq int) *models.Batch {
	return &models.Batch{
		SessionID: id,
		IsActive:  true,
		Events:    []json.RawMessage{json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq))},
	}
}

// slowFirstStore blocks the first ApplyBatches until the gate opens; later
// calls pass straight through to the memory store.
type slowFirstStore struct {
	*memory.SessionStore

	entered chan struct{}
	gate    chan struct{}
	first   sync.Once
}

func newSlowFirstStore() *slowFirstStore {
	return &slowFirstStore{
		SessionStore: memory.NewSessionStore(),
		entered:      make(chan struct{}, 1),
		gate:         make(chan struct{}),
	}
}

func (s *slowFirstStore) ApplyBatches(ctx context.Context, batches []*models.Batch) error {
	var blocked bool
	s.first.Do(func() { blocked = true })
	if blocked {
		s.entered <- struct{}{}
		<-s.gate
	}
	return s.SessionStore.ApplyBatches(ctx, batches)
}

func TestFlushDrainsUpToSize(t *testing.T) {
	st := newFlakyStore(0)
	b := New(st, 2, time.Hour)

	b.Enqueue(batchFor("s1"))
	b.Enqueue(batchFor("s2"))
	b.Enqueue(batchFor("s3"))

	require.NoError(t, b.flush())
	require.Equal(t, 1, b.QueueLen())
	require.Equal(t, []string{"s1", "s2"}, st.appliedIDs())

	require.NoError(t, b.flush())
	require.Zero(t, b.QueueLen())
	require.Equal(t, []string{"s1", "s2", "s3"}, st.appliedIDs())
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	st := newFlakyStore(0)
	b := New(st, 2, time.Hour)

	require.NoError(t, b.flush())
	require.Empty(t, st.appliedIDs())
}

func TestIntervalFlush(t *testing.T) {
	st := newFlakyStore(0)
	b := New(st, 50, 20*time.Millisecond)
	b.Start()
	defer func() { require.NoError(t, b.Shutdown(context.Background())) }()

	b.Enqueue(batchFor("s1"))

	require.Eventually(t, func() bool {
		return b.QueueLen() == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"s1"}, st.appliedIDs())
}

func TestInlineFlushAtTwiceSize(t *testing.T) {
	st := newFlakyStore(0)
	b := New(st, 2, time.Hour)

	// No worker running: only the enqueue path can flush.
	b.Enqueue(batchFor("s1"))
	b.Enqueue(batchFor("s2"))
	b.Enqueue(batchFor("s3"))
	require.Equal(t, 3, b.QueueLen())

	// The fourth enqueue reaches 2x size and pays for a flush inline.
	b.Enqueue(batchFor("s4"))
	require.Equal(t, 2, b.QueueLen())
	require.Equal(t, []string{"s1", "s2"}, st.appliedIDs())
}

func TestFailedFlushRequeuesAtHead(t *testing.T) {
	st := newFlakyStore(1)
	b := New(st, 2, time.Hour)

	b.Enqueue(batchFor("s1"))
	b.Enqueue(batchFor("s2"))
	b.Enqueue(batchFor("s3"))

	require.Error(t, b.flush())
	require.Equal(t, 3, b.QueueLen())

	// Order is preserved across the failure.
	require.NoError(t, b.flush())
	require.NoError(t, b.flush())
	require.Equal(t, []string{"s1", "s2", "s3"}, st.appliedIDs())
}

func TestConcurrentFlushesCommitInQueueOrder(t *testing.T) {
	st := newSlowFirstStore()
	b := New(st, 1, time.Hour)

	b.Enqueue(batchWithEvent("s1", 0))

	// Worker-side flush drains seq 0 and stalls inside the store.
	flushDone := make(chan error, 1)
	go func() { flushDone <- b.flush() }()
	<-st.entered

	// The enqueue path reaches 2x size and flushes inline; it must wait for
	// the stalled flush rather than commit seq 1 first.
	inlineDone := make(chan struct{})
	go func() {
		defer close(inlineDone)
		b.Enqueue(batchWithEvent("s1", 1))
		b.Enqueue(batchWithEvent("s1", 2))
	}()

	time.Sleep(50 * time.Millisecond)
	close(st.gate)

	require.NoError(t, <-flushDone)
	<-inlineDone
	for b.QueueLen() > 0 {
		require.NoError(t, b.flush())
	}

	page, err := st.GetSessionEvents(context.Background(), "s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	for i, e := range page.Events {
		require.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(e))
	}
}

func TestHealthyTracksConsecutiveFailures(t *testing.T) {
	st := newFlakyStore(unhealthyAfter)
	b := New(st, 2, time.Hour)
	b.Enqueue(batchFor("s1"))

	for i := 0; i < unhealthyAfter; i++ {
		require.True(t, b.Healthy())
		require.Error(t, b.flush())
	}
	require.False(t, b.Healthy())

	// One successful flush restores health.
	require.NoError(t, b.flush())
	require.True(t, b.Healthy())
}

func TestShutdownDrainsQueue(t *testing.T) {
	st := newFlakyStore(0)
	b := New(st, 2, time.Hour)
	b.Start()

	for i := 0; i < 5; i++ {
		b.Enqueue(batchFor(fmt.Sprintf("s%d", i)))
	}

	require.NoError(t, b.Shutdown(context.Background()))
	require.Zero(t, b.QueueLen())
	require.Equal(t, []string{"s0", "s1", "s2", "s3", "s4"}, st.appliedIDs())
}

func TestShutdownRetriesTransientFailure(t *testing.T) {
	st := newFlakyStore(1)
	b := New(st, 50, time.Hour)
	b.Start()

	b.Enqueue(batchFor("s1"))

	require.NoError(t, b.Shutdown(context.Background()))
	require.Equal(t, []string{"s1"}, st.appliedIDs())
}

func TestShutdownReportsUnflushed(t *testing.T) {
	st := newFlakyStore(100)
	b := New(st, 50, time.Hour)
	b.Start()

	b.Enqueue(batchFor("s1"))

	err := b.Shutdown(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, b.QueueLen())
}
