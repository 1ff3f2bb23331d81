// Package download runs network-bound download tasks under admission
// control: at most MaxConcurrent tasks are active, admitted in descending
// priority order.
package download

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is reported for tasks still queued when the scheduler stops.
var ErrStopped = errors.New("download: scheduler stopped")

// Downloader is the transport side of the asset backend.
type Downloader interface {
	DownloadSize(ctx context.Context, key string) (int64, error)
	DownloadDependencies(ctx context.Context, key string, progress func(fraction float64)) error
}

// Hooks receive notifications for every task. Any may be nil.
type Hooks struct {
	OnStart    func(key string) // called in admission order
	OnProgress func(key string, fraction float64)
	OnComplete func(key string, ok bool)
}

// Config holds scheduler settings
type Config struct {
	MaxConcurrent int // Admission limit (default: 3)
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3}
}

// Scheduler admits queued downloads by priority. Enqueue wakes the loop
// through a channel; a finished task frees a semaphore slot.
type Scheduler struct {
	mu     sync.Mutex
	queue  taskQueue
	active map[string]*Task
	seq    uint64

	admitted uint64 // tasks moved to the active set so far

	wake chan struct{}
	sem  *semaphore.Weighted
	max  int

	dl     Downloader
	hooks  Hooks
	logger *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	completed  atomic.Uint64
	failed     atomic.Uint64
	peakActive atomic.Int64
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(dl Downloader, cfg Config, hooks Hooks, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		active: make(map[string]*Task),
		wake:   make(chan struct{}, 1),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		max:    cfg.MaxConcurrent,
		dl:     dl,
		hooks:  hooks,
		logger: logger.Named("downloads"),
	}
}

// Start launches the admission loop. Tasks enqueued before Start are admitted
// in priority order once it runs.
func (s *Scheduler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("download scheduler starting", zap.Int("max_concurrent", s.max))

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels active downloads and waits for them to report. Tasks that
// never started fail with ErrStopped, in admission order.
func (s *Scheduler) Stop() {
	wasRunning := s.running.Swap(false)
	if wasRunning {
		s.cancel()
		s.wg.Wait()
	}

	s.mu.Lock()
	dropped := s.queue
	s.queue = nil
	s.mu.Unlock()

	sort.Slice(dropped, dropped.Less)
	for _, t := range dropped {
		s.finish(t.Key, ErrStopped)
		if t.OnComplete != nil {
			t.OnComplete(false)
		}
	}

	if wasRunning {
		s.logger.Info("download scheduler stopped",
			zap.Int("dropped", len(dropped)),
			zap.Uint64("completed", s.completed.Load()),
			zap.Uint64("failed", s.failed.Load()))
	}
}

// IsRunning returns whether the admission loop is active
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Enqueue adds a download and returns its task id. onComplete receives
// false on failure; failed tasks are not requeued.
func (s *Scheduler) Enqueue(key string, priority int, onComplete func(ok bool)) string {
	t := &Task{
		ID:         uuid.NewString(),
		Key:        key,
		Priority:   priority,
		OnComplete: onComplete,
		EnqueuedAt: time.Now(),
	}

	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	s.signal()
	return t.ID
}

// Cancel removes a task that has not started yet.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.queue {
		if t.ID == id {
			heap.Remove(&s.queue, t.index)
			return true
		}
	}
	return false
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}

		t := s.next(ctx)
		if t == nil {
			s.sem.Release(1)
			return
		}

		if s.hooks.OnStart != nil {
			s.hooks.OnStart(t.Key)
		}
		s.wg.Add(1)
		go s.run(ctx, t)
	}
}

// next blocks until a task is queued and moves it to the active set.
func (s *Scheduler) next(ctx context.Context) *Task {
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		if len(s.queue) > 0 {
			t := heap.Pop(&s.queue).(*Task)
			s.admitted++
			t.admitted = s.admitted
			t.StartedAt = time.Now()
			s.active[t.ID] = t
			if n := int64(len(s.active)); n > s.peakActive.Load() {
				s.peakActive.Store(n)
			}
			s.mu.Unlock()
			return t
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	s.logger.Debug("download started", zap.String("key", t.Key), zap.Int("priority", t.Priority))

	err := s.dl.DownloadDependencies(ctx, t.Key, func(fraction float64) {
		if s.hooks.OnProgress != nil {
			s.hooks.OnProgress(t.Key, fraction)
		}
	})

	s.mu.Lock()
	delete(s.active, t.ID)
	s.mu.Unlock()

	s.finish(t.Key, err)
	if t.OnComplete != nil {
		t.OnComplete(err == nil)
	}
}

func (s *Scheduler) finish(key string, err error) {
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("download failed", zap.String("key", key), zap.Error(err))
	} else {
		s.completed.Add(1)
		s.logger.Debug("download complete", zap.String("key", key))
	}
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(key, err == nil)
	}
}

// DownloadImmediate bypasses the queue and downloads key now, reporting
// progress through onProgress. Keys with nothing left to fetch succeed
// without transfer.
func (s *Scheduler) DownloadImmediate(ctx context.Context, key string, onProgress func(fraction float64)) bool {
	report := func(fraction float64) {
		if onProgress != nil {
			onProgress(fraction)
		}
		if s.hooks.OnProgress != nil {
			s.hooks.OnProgress(key, fraction)
		}
	}

	size, err := s.dl.DownloadSize(ctx, key)
	if err != nil {
		s.finish(key, err)
		return false
	}
	if size == 0 {
		report(1)
		s.finish(key, nil)
		return true
	}

	err = s.dl.DownloadDependencies(ctx, key, report)
	s.finish(key, err)
	return err == nil
}

// Stats holds scheduler counters
type Stats struct {
	Queued        int    `json:"queued"`
	Active        int    `json:"active"`
	MaxConcurrent int    `json:"maxConcurrent"`
	PeakActive    int64  `json:"peakActive"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:        len(s.queue),
		Active:        len(s.active),
		MaxConcurrent: s.max,
		PeakActive:    s.peakActive.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
	}
}

// Snapshot lists queued tasks in admission order and active tasks by start
// time.
func (s *Scheduler) Snapshot() (queued, active []TaskInfo) {
	s.mu.Lock()
	q := make(taskQueue, len(s.queue))
	copy(q, s.queue)
	running := make([]*Task, 0, len(s.active))
	for _, t := range s.active {
		running = append(running, t)
	}
	s.mu.Unlock()

	sort.Slice(q, q.Less)
	queued = make([]TaskInfo, 0, len(q))
	for _, t := range q {
		queued = append(queued, t.info())
	}
	sort.Slice(running, func(i, j int) bool { return running[i].admitted < running[j].admitted })
	active = make([]TaskInfo, 0, len(running))
	for _, t := range running {
		active = append(active, t.info())
	}
	return queued, active
}
