// Package assets is the lifecycle coordinator. A Manager composes the handle
// registry, the per-key pools, the character cache, the download scheduler
// and the memory monitor, and is the only owner of their state.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"live-assets/internal/character"
	"live-assets/internal/download"
	"live-assets/internal/handle"
	"live-assets/internal/memory"
	"live-assets/internal/pool"
)

// Config holds the limits of every component.
type Config struct {
	Pool              pool.Config
	CharacterCapacity int
	Download          download.Config
	Memory            memory.Config
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{
		Pool:              pool.DefaultConfig(),
		CharacterCapacity: character.DefaultCapacity,
		Download:          download.DefaultConfig(),
		Memory:            memory.DefaultConfig(),
	}
}

type options struct {
	logger  *zap.Logger
	events  Events
	sampler memory.Sampler
	clock   clock.Clock
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents sets the event sink.
func WithEvents(e Events) Option {
	return func(o *options) { o.events = e }
}

// WithSampler replaces the runtime memory sampler.
func WithSampler(s memory.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithClock sets the clock driving the memory monitor.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Manager is the façade consumers talk to. Consumers hold keys and instance
// references only.
type Manager struct {
	backend Backend
	events  Events
	logger  *zap.Logger

	registry  *handle.Registry
	pools     *pool.Pools
	chars     *character.Cache
	downloads *download.Scheduler
	monitor   *memory.Monitor

	tagMu sync.RWMutex
	tags  map[string]map[string]struct{} // category -> keys

	initialized atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	cleanups atomic.Uint64
}

// New wires a manager on top of backend. inst builds the poolable instances
// for loaded payloads. Call Init before use.
func New(backend Backend, inst pool.Instantiator, cfg Config, opts ...Option) *Manager {
	o := options{events: NopEvents{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.events == nil {
		o.events = NopEvents{}
	}

	m := &Manager{
		backend: backend,
		events:  o.events,
		logger:  o.logger.Named("assets"),
		tags:    make(map[string]map[string]struct{}),
	}

	m.pools = pool.New(inst, cfg.Pool, o.logger)
	m.registry = handle.New(backend, handle.Hooks{
		OnLoaded: m.onLoaded,
		OnEvict:  m.onEvict,
		OnError:  m.onLoadError,
	}, o.logger)
	m.chars = character.NewCache(m.registry, cfg.CharacterCapacity, m.spawnCharacter, o.logger)
	m.downloads = download.NewScheduler(backend, cfg.Download, download.Hooks{
		OnProgress: m.events.OnDownloadProgress,
		OnComplete: m.events.OnDownloadComplete,
	}, o.logger)
	m.monitor = memory.NewMonitor(o.sampler, cfg.Memory, memory.Handlers{
		OnWarning:  m.onMemoryWarning,
		OnCritical: m.onMemoryCritical,
	}, o.clock, o.logger)

	return m
}

// Init starts the download scheduler and the memory monitor. Calling Init on
// a running manager is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.downloads.Start(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor.Run(ctx)
	}()

	m.initialized.Store(true)
	m.logger.Info("asset manager initialized")
	return nil
}

// Shutdown stops background work and releases every payload. Errors from
// closing the backend are combined with ctx expiry.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.initialized.Swap(false) {
		return nil
	}
	m.cancel()
	m.downloads.Stop()

	var err error
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for memory monitor: %w", ctx.Err()))
	}

	m.chars.Clear()
	evicted := m.registry.EvictAll()

	if c, ok := m.backend.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}

	m.logger.Info("asset manager shut down", zap.Int("evicted", evicted), zap.Error(err))
	return err
}

// Initialized reports whether Init has completed and Shutdown has not run.
func (m *Manager) Initialized() bool {
	return m.initialized.Load()
}

func (m *Manager) ready(op, key string) error {
	if m.initialized.Load() {
		return nil
	}
	m.logger.Error("asset manager not initialized", zap.String("op", op), zap.String("key", key))
	return ErrNotInitialized
}

// =============================================================================
// Registry hooks
// =============================================================================

func (m *Manager) onLoaded(key string, payload any) {
	if err := m.pools.Init(key, payload); err != nil {
		m.logger.Warn("pool init failed", zap.String("key", key), zap.Error(err))
	}
}

// onEvict may run after the key was loaded again; both removals only touch
// state built from payload.
func (m *Manager) onEvict(key string, payload any) {
	m.pools.Remove(key, payload)
	m.chars.Forget(key, payload)
}

func (m *Manager) onLoadError(key string, err error) {
	m.events.OnLoadError(key, err)
}

// =============================================================================
// Loading
// =============================================================================

// Load returns key's payload and takes one reference to it. Every successful
// Load must be paired with a Release. On failure the caller gets a nil
// payload and a *handle.LoadError.
func (m *Manager) Load(ctx context.Context, key string) (any, error) {
	if err := m.ready("load", key); err != nil {
		return nil, err
	}
	return m.registry.Load(ctx, key)
}

// LoadAs loads key and asserts its payload to T. On a mismatch the
// reference taken by the load is released again.
func LoadAs[T any](ctx context.Context, m *Manager, key string) (T, error) {
	var zero T
	payload, err := m.Load(ctx, key)
	if err != nil {
		return zero, err
	}
	v, ok := payload.(T)
	if !ok {
		want := reflect.TypeOf((*T)(nil)).Elem().String()
		got := fmt.Sprintf("%T", payload)
		m.logger.Error("payload type mismatch",
			zap.String("key", key), zap.String("want", want), zap.String("got", got))
		_ = m.Release(key)
		return zero, fmt.Errorf("%w: %q holds %s, not %s", ErrTypeMismatch, key, got, want)
	}
	return v, nil
}

// Release drops one reference to key. The last release tears the handle and
// its pool down. A character dropped from the cache while in use goes once
// its last consumer releases it.
func (m *Manager) Release(key string) error {
	if err := m.registry.Release(key); err != nil {
		return err
	}
	m.chars.Settle(key)
	return nil
}

// Instantiate returns an instance of a loaded key, pooled when possible.
// Return it with ReturnInstance.
func (m *Manager) Instantiate(key string) (any, error) {
	if err := m.ready("instantiate", key); err != nil {
		return nil, err
	}
	obj, src, err := m.pools.Acquire(key)
	if errors.Is(err, pool.ErrNoPool) {
		m.logger.Error("instantiate of unloaded key", zap.String("key", key))
		return nil, fmt.Errorf("%w: %q", ErrNotLoaded, key)
	}
	if err != nil {
		m.logger.Warn("instantiate failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	if src == pool.SourceUnpooled {
		m.logger.Debug("pool exhausted", zap.String("key", key))
	}
	return obj, nil
}

// ReturnInstance hands an instance back to its pool, or destroys it when the
// pool is full or gone.
func (m *Manager) ReturnInstance(obj any) {
	m.pools.Release(obj)
}

// =============================================================================
// Characters
// =============================================================================

func (m *Manager) spawnCharacter(key string, _ any) (any, error) {
	obj, _, err := m.pools.Acquire(key)
	return obj, err
}

// GetCharacter loads a character through the bounded cache.
func (m *Manager) GetCharacter(ctx context.Context, key string) (any, error) {
	if err := m.ready("get_character", key); err != nil {
		return nil, err
	}
	return m.chars.GetOrLoad(ctx, key)
}

// InstantiateCharacter spawns an instance of a cached character. It never
// loads; use GetCharacter first.
func (m *Manager) InstantiateCharacter(key string) (any, error) {
	if err := m.ready("instantiate_character", key); err != nil {
		return nil, err
	}
	return m.chars.InstantiateFrom(key)
}

// =============================================================================
// Downloads & catalog
// =============================================================================

// QueueDownload schedules key's dependencies for download and returns the
// task id. Higher priorities start first.
func (m *Manager) QueueDownload(key string, priority int, onComplete func(ok bool)) (string, error) {
	if err := m.ready("queue_download", key); err != nil {
		return "", err
	}
	return m.downloads.Enqueue(key, priority, onComplete), nil
}

// CancelDownload removes a queued download that has not started.
func (m *Manager) CancelDownload(id string) bool {
	return m.downloads.Cancel(id)
}

// DownloadNow downloads key immediately, outside the queue.
func (m *Manager) DownloadNow(ctx context.Context, key string, onProgress func(fraction float64)) (bool, error) {
	if err := m.ready("download_now", key); err != nil {
		return false, err
	}
	return m.downloads.DownloadImmediate(ctx, key, onProgress), nil
}

// DownloadSize returns the bytes still to fetch for key.
func (m *Manager) DownloadSize(ctx context.Context, key string) (int64, error) {
	if err := m.ready("download_size", key); err != nil {
		return 0, err
	}
	return m.backend.DownloadSize(ctx, key)
}

// Downloads returns queued tasks in admission order and active ones.
func (m *Manager) Downloads() (queued, active []download.TaskInfo) {
	return m.downloads.Snapshot()
}

// UpdateCatalog checks for newer catalogs and applies them. Returns whether
// anything was applied.
func (m *Manager) UpdateCatalog(ctx context.Context) (bool, []string, error) {
	if err := m.ready("update_catalog", ""); err != nil {
		return false, nil, err
	}
	catalogs, err := m.backend.CheckCatalogUpdates(ctx)
	if err != nil {
		m.logger.Warn("catalog check failed", zap.Error(err))
		return false, nil, err
	}
	if len(catalogs) == 0 {
		return false, nil, nil
	}
	if err := m.backend.ApplyCatalogUpdates(ctx, catalogs); err != nil {
		m.logger.Warn("catalog update failed", zap.Strings("catalogs", catalogs), zap.Error(err))
		return false, catalogs, err
	}
	m.logger.Info("catalogs updated", zap.Strings("catalogs", catalogs))
	return true, catalogs, nil
}

// =============================================================================
// Inspection
// =============================================================================

// Handles returns every registry handle ordered by key.
func (m *Manager) Handles() []handle.Handle {
	return m.registry.Handles()
}

// RefCount returns key's reference count.
func (m *Manager) RefCount(key string) (int, bool) {
	return m.registry.RefCount(key)
}

// Report aggregates component counters.
type Report struct {
	Registry   handle.Stats         `json:"registry"`
	Pools      pool.Stats           `json:"pools"`
	Characters character.CacheStats `json:"characters"`
	Downloads  download.Stats       `json:"downloads"`
	Memory     memory.Stats         `json:"memory"`
	Cleanups   uint64               `json:"cleanups"`
}

// Report returns counters of every component.
func (m *Manager) Report() Report {
	return Report{
		Registry:   m.registry.Stats(),
		Pools:      m.pools.Stats(),
		Characters: m.chars.Stats(),
		Downloads:  m.downloads.Stats(),
		Memory:     m.monitor.Stats(),
		Cleanups:   m.cleanups.Load(),
	}
}
