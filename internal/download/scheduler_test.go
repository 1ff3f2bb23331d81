package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	mu       sync.Mutex
	order    []string
	current  int
	peak     int
	calls    map[string]int
	sizes    map[string]int64
	fail     map[string]bool
	hold     time.Duration
	gate     chan struct{}
	progress []float64
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		calls: make(map[string]int),
		sizes: make(map[string]int64),
		fail:  make(map[string]bool),
	}
}

func (f *fakeDownloader) DownloadSize(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[key] {
		return 0, errors.New("size lookup failed")
	}
	if n, ok := f.sizes[key]; ok {
		return n, nil
	}
	return 1024, nil
}

func (f *fakeDownloader) DownloadDependencies(ctx context.Context, key string, progress func(float64)) error {
	f.mu.Lock()
	f.order = append(f.order, key)
	f.calls[key]++
	f.current++
	if f.current > f.peak {
		f.peak = f.current
	}
	gate := f.gate
	fail := f.fail[key]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.current--
		f.mu.Unlock()
	}()

	progress(0.5)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if fail {
		return errors.New("connection reset")
	}
	progress(1)
	return nil
}

func (f *fakeDownloader) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func waitAll(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("downloads did not finish")
	}
}

func TestPriorityOrderScenario(t *testing.T) {
	dl := newFakeDownloader()
	s := NewScheduler(dl, Config{MaxConcurrent: 1}, Hooks{}, nil)

	var wg sync.WaitGroup
	wg.Add(3)
	done := func(bool) { wg.Done() }
	s.Enqueue("A", 1, done)
	s.Enqueue("B", 9, done)
	s.Enqueue("C", 5, done)

	s.Start(context.Background())
	defer s.Stop()
	waitAll(t, &wg)

	assert.Equal(t, []string{"B", "C", "A"}, dl.started())
}

func TestConcurrencyBoundAndStableOrder(t *testing.T) {
	dl := newFakeDownloader()
	dl.hold = 10 * time.Millisecond
	var admitted []string
	s := NewScheduler(dl, Config{MaxConcurrent: 3}, Hooks{
		OnStart: func(key string) { admitted = append(admitted, key) },
	}, nil)

	priorities := []int{1, 5, 3, 5, 2, 4, 1, 0, 9, 5}
	var wg sync.WaitGroup
	for i, p := range priorities {
		wg.Add(1)
		s.Enqueue(fmt.Sprintf("t%d", i), p, func(bool) { wg.Done() })
	}

	s.Start(context.Background())
	defer s.Stop()
	waitAll(t, &wg)

	assert.LessOrEqual(t, dl.peak, 3)
	assert.LessOrEqual(t, s.Stats().PeakActive, int64(3))

	// Admission order is strict even when several run at once.
	want := []string{"t8", "t1", "t3", "t9", "t5", "t2", "t4", "t0", "t6", "t7"}
	assert.Equal(t, want, admitted)
	assert.ElementsMatch(t, want, dl.started())
}

func TestQueuedWhileBusy(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	s := NewScheduler(dl, Config{MaxConcurrent: 1}, Hooks{}, nil)
	s.Start(context.Background())
	defer s.Stop()

	var wg sync.WaitGroup
	wg.Add(4)
	done := func(bool) { wg.Done() }
	s.Enqueue("X", 0, done)
	require.Eventually(t, func() bool { return len(dl.started()) == 1 }, time.Second, time.Millisecond)

	s.Enqueue("A", 1, done)
	s.Enqueue("B", 9, done)
	s.Enqueue("C", 5, done)
	assert.Equal(t, 3, s.Stats().Queued)

	close(dl.gate)
	waitAll(t, &wg)
	assert.Equal(t, []string{"X", "B", "C", "A"}, dl.started())
}

func TestFailureIsNotRequeued(t *testing.T) {
	dl := newFakeDownloader()
	dl.fail["pack/broken"] = true

	var mu sync.Mutex
	var hookResults []bool
	s := NewScheduler(dl, Config{MaxConcurrent: 2}, Hooks{
		OnComplete: func(key string, ok bool) {
			mu.Lock()
			hookResults = append(hookResults, ok)
			mu.Unlock()
		},
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	result := make(chan bool, 1)
	s.Enqueue("pack/broken", 1, func(ok bool) { result <- ok })

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("onComplete never called")
	}

	time.Sleep(20 * time.Millisecond)
	dl.mu.Lock()
	assert.Equal(t, 1, dl.calls["pack/broken"])
	dl.mu.Unlock()
	assert.Equal(t, uint64(1), s.Stats().Failed)
	mu.Lock()
	assert.Equal(t, []bool{false}, hookResults)
	mu.Unlock()
}

func TestCancelQueuedTask(t *testing.T) {
	s := NewScheduler(newFakeDownloader(), Config{MaxConcurrent: 1}, Hooks{}, nil)
	id := s.Enqueue("later", 1, nil)
	s.Enqueue("other", 2, nil)

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))

	queued, active := s.Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, "other", queued[0].Key)
	assert.Empty(t, active)
}

func TestDownloadImmediateReportsProgress(t *testing.T) {
	dl := newFakeDownloader()
	var hookProgress []float64
	s := NewScheduler(dl, Config{}, Hooks{
		OnProgress: func(_ string, f float64) { hookProgress = append(hookProgress, f) },
	}, nil)

	var seen []float64
	ok := s.DownloadImmediate(context.Background(), "scene/arena", func(f float64) { seen = append(seen, f) })

	require.True(t, ok)
	assert.Equal(t, []float64{0.5, 1}, seen)
	assert.Equal(t, seen, hookProgress)
	assert.Equal(t, 0, s.Stats().Queued, "immediate downloads bypass the queue")
}

func TestDownloadImmediateSkipsCachedContent(t *testing.T) {
	dl := newFakeDownloader()
	dl.sizes["ui/shared"] = 0
	s := NewScheduler(dl, Config{}, Hooks{}, nil)

	var seen []float64
	ok := s.DownloadImmediate(context.Background(), "ui/shared", func(f float64) { seen = append(seen, f) })

	require.True(t, ok)
	assert.Equal(t, []float64{1}, seen)
	assert.Empty(t, dl.started())
}

func TestDownloadImmediateFailure(t *testing.T) {
	dl := newFakeDownloader()
	dl.fail["pack/x"] = true
	s := NewScheduler(dl, Config{}, Hooks{}, nil)

	assert.False(t, s.DownloadImmediate(context.Background(), "pack/x", nil))
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestStopCancelsActive(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	s := NewScheduler(dl, Config{MaxConcurrent: 2}, Hooks{}, nil)
	s.Start(context.Background())

	result := make(chan bool, 1)
	s.Enqueue("stuck", 1, func(ok bool) { result <- ok })
	require.Eventually(t, func() bool { return len(dl.started()) == 1 }, time.Second, time.Millisecond)

	s.Stop()
	assert.False(t, <-result)
	assert.False(t, s.IsRunning())
}

func TestStopFailsQueuedTasks(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	var mu sync.Mutex
	var hookResults []string
	s := NewScheduler(dl, Config{MaxConcurrent: 1}, Hooks{
		OnComplete: func(key string, ok bool) {
			mu.Lock()
			hookResults = append(hookResults, fmt.Sprintf("%s:%t", key, ok))
			mu.Unlock()
		},
	}, nil)
	s.Start(context.Background())

	results := make(chan string, 3)
	for i, key := range []string{"pack/running", "pack/low", "pack/high"} {
		key := key
		s.Enqueue(key, i, func(ok bool) { results <- fmt.Sprintf("%s:%t", key, ok) })
		if i == 0 {
			require.Eventually(t, func() bool { return len(dl.started()) == 1 }, time.Second, time.Millisecond)
		}
	}

	s.Stop()
	close(results)
	var got []string
	for r := range results {
		got = append(got, r)
	}
	assert.Equal(t, []string{"pack/running:false", "pack/high:false", "pack/low:false"}, got)
	assert.Equal(t, []string{"pack/running"}, dl.started(), "queued tasks never reach the network")

	mu.Lock()
	assert.Equal(t, got, hookResults)
	mu.Unlock()
	assert.Equal(t, 0, s.Stats().Queued)
	assert.Equal(t, uint64(3), s.Stats().Failed)
}

func TestSnapshotOrdersActiveByStart(t *testing.T) {
	dl := newFakeDownloader()
	dl.gate = make(chan struct{})
	defer close(dl.gate)
	s := NewScheduler(dl, Config{MaxConcurrent: 2}, Hooks{}, nil)

	// Enqueued first but admitted second.
	s.Enqueue("pack/early", 1, nil)
	s.Enqueue("pack/urgent", 9, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return len(dl.started()) == 2 }, time.Second, time.Millisecond)
	_, active := s.Snapshot()
	require.Len(t, active, 2)
	assert.Equal(t, "pack/urgent", active[0].Key)
	assert.Equal(t, "pack/early", active[1].Key)
	for _, info := range active {
		assert.False(t, info.Started.IsZero(), info.Key)
		assert.False(t, info.Started.Before(info.Since), info.Key)
	}
}
