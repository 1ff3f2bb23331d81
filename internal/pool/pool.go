// Package pool keeps per-key pools of reusable instances derived from loaded
// payloads. Pools never own payloads; they only hold the key and the
// instances built from it.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrNoPool is returned when acquiring from a key that has no pool.
var ErrNoPool = errors.New("pool: no pool for key")

// Instantiator builds, resets and destroys instances. Instances must be
// comparable values (in practice pointers) because active instances are
// tracked in a map. Payloads must be comparable too: a pool remembers the
// payload it was built from and Remove only tears down a matching one.
type Instantiator interface {
	Instantiate(key string, payload any) (any, error)
	Reset(instance any)
	Destroy(instance any)
}

// Source tells where an acquired instance came from.
type Source int

const (
	SourceIdle     Source = iota // dequeued from the idle queue
	SourceNew                    // freshly created and tracked by the pool
	SourceUnpooled               // pool exhausted, caller owns disposal via Release
)

func (s Source) String() string {
	switch s {
	case SourceIdle:
		return "idle"
	case SourceNew:
		return "new"
	case SourceUnpooled:
		return "unpooled"
	default:
		return "unknown"
	}
}

// Config bounds every pool.
type Config struct {
	MaxSize     int // Upper bound on live pooled instances per key
	DefaultSize int // Pre-warm count and the floor kept by Trim
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxSize:     20,
		DefaultSize: 5,
	}
}

type entry struct {
	key     string
	payload any
	idle    []any // oldest first
	active  map[any]struct{}
	live    int
}

// Pools manages one pool per key.
type Pools struct {
	mu      sync.Mutex
	entries map[string]*entry
	owners  map[any]*entry

	cfg    Config
	inst   Instantiator
	logger *zap.Logger

	hits     atomic.Uint64
	created  atomic.Uint64
	unpooled atomic.Uint64
}

// New creates an empty pool set.
func New(inst Instantiator, cfg Config, logger *zap.Logger) *Pools {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.DefaultSize < 0 {
		cfg.DefaultSize = 0
	}
	if cfg.DefaultSize > cfg.MaxSize {
		cfg.DefaultSize = cfg.MaxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pools{
		entries: make(map[string]*entry),
		owners:  make(map[any]*entry),
		cfg:     cfg,
		inst:    inst,
		logger:  logger.Named("pool"),
	}
}

// Init creates the pool for key and pre-warms DefaultSize instances. Calling
// Init again with the same payload is a no-op. A pool left over from an older
// payload of the same key is replaced.
func (p *Pools) Init(key string, payload any) error {
	p.mu.Lock()
	var stale []any
	if old, ok := p.entries[key]; ok {
		if old.payload == payload {
			p.mu.Unlock()
			return nil
		}
		stale = p.removeLocked(old)
	}
	e := &entry{
		key:     key,
		payload: payload,
		idle:    make([]any, 0, p.cfg.DefaultSize),
		active:  make(map[any]struct{}),
	}
	p.entries[key] = e
	p.mu.Unlock()

	for _, obj := range stale {
		p.inst.Destroy(obj)
	}

	var firstErr error
	for i := 0; i < p.cfg.DefaultSize; i++ {
		obj, err := p.inst.Instantiate(key, payload)
		if err != nil {
			firstErr = fmt.Errorf("prewarm %q: %w", key, err)
			break
		}

		p.mu.Lock()
		if p.entries[key] != e {
			// Removed while warming up.
			p.mu.Unlock()
			p.inst.Destroy(obj)
			return nil
		}
		if e.live >= p.cfg.MaxSize {
			// Concurrent acquires already filled the pool.
			p.mu.Unlock()
			p.inst.Destroy(obj)
			break
		}
		e.idle = append(e.idle, obj)
		e.live++
		p.mu.Unlock()
	}

	if firstErr != nil {
		p.logger.Warn("pool prewarm incomplete", zap.String("key", key), zap.Error(firstErr))
	}
	return firstErr
}

// Has reports whether key has a pool.
func (p *Pools) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// Acquire returns an instance for key: from the idle queue if possible,
// otherwise a new pooled instance while under MaxSize, otherwise an unpooled
// instance the pool does not track.
func (p *Pools) Acquire(key string) (any, Source, error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil, SourceUnpooled, ErrNoPool
	}

	if len(e.idle) > 0 {
		obj := e.idle[0]
		e.idle[0] = nil
		e.idle = e.idle[1:]
		e.active[obj] = struct{}{}
		p.owners[obj] = e
		p.mu.Unlock()
		p.hits.Add(1)
		return obj, SourceIdle, nil
	}

	pooled := e.live < p.cfg.MaxSize
	if pooled {
		// Reserve the slot before instantiating outside the lock.
		e.live++
	}
	payload := e.payload
	p.mu.Unlock()

	obj, err := p.inst.Instantiate(key, payload)
	if err != nil {
		if pooled {
			p.mu.Lock()
			e.live--
			p.mu.Unlock()
		}
		return nil, SourceUnpooled, fmt.Errorf("instantiate %q: %w", key, err)
	}

	if !pooled {
		p.unpooled.Add(1)
		p.logger.Debug("pool exhausted, unpooled instance", zap.String("key", key))
		return obj, SourceUnpooled, nil
	}

	p.mu.Lock()
	if p.entries[key] != e {
		// Pool torn down while instantiating: hand out as unpooled.
		p.mu.Unlock()
		p.unpooled.Add(1)
		return obj, SourceUnpooled, nil
	}
	e.active[obj] = struct{}{}
	p.owners[obj] = e
	p.mu.Unlock()
	p.created.Add(1)
	return obj, SourceNew, nil
}

// Release returns an instance. Tracked instances are reset and re-queued
// while there is room, otherwise destroyed. Untracked instances (unpooled or
// orphaned by a torn-down pool) are destroyed.
func (p *Pools) Release(obj any) {
	if obj == nil {
		return
	}

	p.mu.Lock()
	e, ok := p.owners[obj]
	if !ok {
		p.mu.Unlock()
		p.inst.Destroy(obj)
		return
	}
	delete(p.owners, obj)
	delete(e.active, obj)

	if len(e.idle) >= p.cfg.MaxSize {
		e.live--
		p.mu.Unlock()
		p.inst.Destroy(obj)
		return
	}
	p.mu.Unlock()

	p.inst.Reset(obj)

	p.mu.Lock()
	if p.entries[e.key] != e {
		p.mu.Unlock()
		p.inst.Destroy(obj)
		return
	}
	e.idle = append(e.idle, obj)
	p.mu.Unlock()
}

// Remove tears down the pool for key if it was built from payload. A pool
// built from a newer payload is left alone. Idle instances are destroyed now;
// instances still out are destroyed when they come back.
func (p *Pools) Remove(key string, payload any) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.payload != payload {
		p.mu.Unlock()
		return false
	}
	idle := p.removeLocked(e)
	p.mu.Unlock()

	for _, obj := range idle {
		p.inst.Destroy(obj)
	}
	return true
}

func (p *Pools) removeLocked(e *entry) []any {
	delete(p.entries, e.key)
	for obj := range e.active {
		delete(p.owners, obj)
	}
	idle := e.idle
	e.idle = nil
	e.live = 0
	return idle
}

// Trim destroys idle instances beyond DefaultSize in every pool. Returns the
// number of destroyed instances.
func (p *Pools) Trim() int {
	var victims []any

	p.mu.Lock()
	for _, e := range p.entries {
		extra := len(e.idle) - p.cfg.DefaultSize
		if extra <= 0 {
			continue
		}
		keep := len(e.idle) - extra
		victims = append(victims, e.idle[keep:]...)
		for i := keep; i < len(e.idle); i++ {
			e.idle[i] = nil
		}
		e.idle = e.idle[:keep]
		e.live -= extra
	}
	p.mu.Unlock()

	for _, obj := range victims {
		p.inst.Destroy(obj)
	}
	return len(victims)
}

// RemovableKeys lists every pool with no idle and no active instances.
func (p *Pools) RemovableKeys() []string {
	p.mu.Lock()
	var keys []string
	for key, e := range p.entries {
		if len(e.idle) == 0 && len(e.active) == 0 {
			keys = append(keys, key)
		}
	}
	p.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// PoolStats describes one pool.
type PoolStats struct {
	Key    string `json:"key"`
	Idle   int    `json:"idle"`
	Active int    `json:"active"`
	Live   int    `json:"live"`
}

// Stats holds counters across all pools.
type Stats struct {
	Pools    []PoolStats `json:"pools"`
	Hits     uint64      `json:"hits"`
	Created  uint64      `json:"created"`
	Unpooled uint64      `json:"unpooled"`
}

// Stats returns a snapshot ordered by key.
func (p *Pools) Stats() Stats {
	p.mu.Lock()
	pools := make([]PoolStats, 0, len(p.entries))
	for key, e := range p.entries {
		pools = append(pools, PoolStats{
			Key:    key,
			Idle:   len(e.idle),
			Active: len(e.active),
			Live:   e.live,
		})
	}
	p.mu.Unlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Key < pools[j].Key })
	return Stats{
		Pools:    pools,
		Hits:     p.hits.Load(),
		Created:  p.created.Load(),
		Unpooled: p.unpooled.Load(),
	}
}

// Instances returns the number of pooled instances (idle + active) across
// all pools.
func (p *Pools) Instances() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		n += len(e.idle) + len(e.active)
	}
	return n
}
