package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/memory"
)

var _ domain.ExpiredEntryDeleter = (*stubStore)(nil)

func TestWorker_DeleteExpired_Batches(t *testing.T) {
	t.Parallel()

	store := &stubStore{deleteResults: []int{2, 2, 1}}
	worker := New(store, WithBatchSize(2))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("unexpected deleted total: got=%d want=5", deleted)
	}
	if calls := store.calls(); calls != 3 {
		t.Fatalf("unexpected delete calls: got=%d want=3", calls)
	}
}

func TestWorker_DeleteExpired_Error(t *testing.T) {
	t.Parallel()

	store := &stubStore{deleteErrors: []error{errors.New("connection reset")}}
	worker := New(store, WithBatchSize(10))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected DeleteExpired error")
	}
	if deleted != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", deleted)
	}
}

func TestWorker_RemovesExpiredMarkersFromMemoryCache(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := memory.NewCache(memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	for _, key := range []string{"refund-lock:O1", "refund-lock:O2"} {
		if _, err := cache.Add(ctx, key, "owner", time.Minute); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if _, err := cache.Add(ctx, "send_order_confirmation_email:O1", "2026-0001", time.Hour); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	worker := New(cache, WithBatchSize(1))
	deleted, err := worker.DeleteExpired(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("unexpected deleted total: got=%d want=2", deleted)
	}
	if cache.Len() != 1 {
		t.Fatalf("unexpected remaining entries: got=%d want=1", cache.Len())
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	recorder := &stubRecorder{}
	worker := New(store, WithInterval(5*time.Millisecond), WithBatchSize(10), WithRecorder(recorder))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if calls := store.calls(); calls == 0 {
		t.Fatal("expected sweep to be called at least once")
	}
	if recorder.runs() == 0 {
		t.Fatal("expected sweep runs to be recorded")
	}
}

type stubStore struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	callCount     int
}

func (s *stubStore) DeleteExpired(context.Context, time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}

	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type stubRecorder struct {
	mu    sync.Mutex
	count int
}

func (r *stubRecorder) ObserveSweep(int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func (r *stubRecorder) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
