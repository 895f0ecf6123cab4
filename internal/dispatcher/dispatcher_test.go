package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errDrained = errors.New("drained")

type sliceSource struct {
	mu    sync.Mutex
	items []int
}

func (s *sliceSource) Dequeue(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(s.items) == 0 {
		return 0, errDrained
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

type blockingSource struct {
	started chan struct{}
}

func (b *blockingSource) Dequeue(ctx context.Context) (int, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

// TestDispatcherRunStopsOnCancel ensures workers begin dequeuing and stop on cancel.
func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	source := &blockingSource{started: make(chan struct{}, 1)}
	dispatch := New[int](source, func(context.Context, int) {}, Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-source.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherProcessesAllItems verifies every item is handled once and a
// panicking handler does not kill its worker.
func TestDispatcherProcessesAllItems(t *testing.T) {
	t.Parallel()

	source := &sliceSource{items: []int{1, 2, 3, 4, 5, 6}}
	var sum atomic.Int64
	handler := func(_ context.Context, item int) {
		if item == 3 {
			panic("boom")
		}
		sum.Add(int64(item))
	}
	dispatch := New[int](source, handler, Config{
		Workers:   3,
		Exhausted: func(err error) bool { return errors.Is(err, errDrained) },
	})

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not drain source")
	}
	require.Equal(t, int64(18), sum.Load())
}
