// Package handle implements the reference-counted handle registry: the single
// source of truth for which keys are loaded and how many owners hold them.
package handle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the lifecycle state of a handle.
type State int

const (
	Pending State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Loader is the backing store the registry loads payloads from and releases
// them back to. LoadAsync may block; it is always called without the
// registry lock held. Every load must return a distinct comparable payload
// (a pointer in practice): hooks tell generations of a key apart by it.
type Loader interface {
	LoadAsync(ctx context.Context, key string) (any, error)
	Release(key string, payload any)
}

// Handle is a point-in-time view of a registry entry.
type Handle struct {
	Key      string `json:"key"`
	State    State  `json:"-"`
	RefCount int    `json:"refCount"`
	Payload  any    `json:"-"`
}

// Hooks are invoked outside the registry lock.
type Hooks struct {
	// OnLoaded runs once per successful backend load, before any requester
	// observes the payload.
	OnLoaded func(key string, payload any)
	// OnEvict runs when a handle is torn down, before the payload goes back
	// to the loader. It may run after a newer load of the same key already
	// completed; payload identifies the generation being torn down.
	OnEvict func(key string, payload any)
	// OnError runs once per failed backend load.
	OnError func(key string, err error)
}

type entry struct {
	key     string
	state   State
	payload any
	refs    int
	err     error
	done    chan struct{}
}

// Registry maps keys to loaded payloads and reference counts.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	loader Loader
	hooks  Hooks
	logger *zap.Logger

	backendLoads atomic.Uint64
	failures     atomic.Uint64
}

// New creates a registry on top of loader.
func New(loader Loader, hooks Hooks, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		loader:  loader,
		hooks:   hooks,
		logger:  logger.Named("registry"),
	}
}

// Load returns the payload for key, taking one reference.
//
// A key that is already loaded returns immediately. A key with a load in
// flight attaches to it; no second backend call is made. Otherwise a new
// backend load is started. If ctx ends before the payload arrives the caller
// gives its reference back, but the load itself keeps running.
func (r *Registry) Load(ctx context.Context, key string) (any, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		if e.state == Loaded {
			payload := e.payload
			r.mu.Unlock()
			return payload, nil
		}
		r.mu.Unlock()
		return r.wait(ctx, e)
	}

	e := &entry{
		key:   key,
		state: Pending,
		refs:  1,
		done:  make(chan struct{}),
	}
	r.entries[key] = e
	r.mu.Unlock()

	r.backendLoads.Add(1)
	go r.run(context.WithoutCancel(ctx), e)

	return r.wait(ctx, e)
}

func (r *Registry) run(ctx context.Context, e *entry) {
	payload, err := r.loader.LoadAsync(ctx, e.key)
	if err == nil && payload == nil {
		err = ErrNoPayload
	}

	if err != nil {
		loadErr := &LoadError{Key: e.key, Err: err}
		r.mu.Lock()
		e.state = Failed
		e.err = loadErr
		if r.entries[e.key] == e {
			delete(r.entries, e.key)
		}
		r.mu.Unlock()
		close(e.done)

		r.failures.Add(1)
		r.logger.Warn("asset load failed", zap.String("key", e.key), zap.Error(err))
		if r.hooks.OnError != nil {
			r.hooks.OnError(e.key, loadErr)
		}
		return
	}

	if r.hooks.OnLoaded != nil {
		r.hooks.OnLoaded(e.key, payload)
	}

	r.mu.Lock()
	if e.refs <= 0 {
		// Every owner left while the load was in flight.
		e.state = Failed
		e.err = ErrAbandoned
		delete(r.entries, e.key)
		r.mu.Unlock()
		close(e.done)

		r.logger.Debug("releasing abandoned load", zap.String("key", e.key))
		r.teardown(e.key, payload)
		return
	}
	e.state = Loaded
	e.payload = payload
	r.mu.Unlock()
	close(e.done)

	r.logger.Debug("asset loaded", zap.String("key", e.key))
}

func (r *Registry) wait(ctx context.Context, e *entry) (any, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		r.abandon(e)
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.payload, nil
}

// abandon drops the reference of a requester that stopped waiting.
func (r *Registry) abandon(e *entry) {
	r.mu.Lock()
	if r.entries[e.key] != e {
		r.mu.Unlock()
		return
	}
	e.drop()
	if e.refs > 0 || e.state == Pending {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.key)
	payload := e.payload
	r.mu.Unlock()

	r.teardown(e.key, payload)
}

// Release drops one reference to key. At zero the pool hook runs, the payload
// is released to the loader and the handle disappears. Releasing the last
// reference of a pending load lets it finish and then discards the result.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("release of unknown key", zap.String("key", key))
		return ErrUnknownKey
	}
	e.drop()
	if e.refs > 0 || e.state == Pending {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, key)
	payload := e.payload
	r.mu.Unlock()

	r.teardown(key, payload)
	return nil
}

// Evict removes key regardless of its reference count. A pending load is
// orphaned instead and discarded on completion. Reports whether a handle
// existed.
func (r *Registry) Evict(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.refs = 0
	if e.state == Pending {
		r.mu.Unlock()
		return true
	}
	delete(r.entries, key)
	payload := e.payload
	r.mu.Unlock()

	r.teardown(key, payload)
	return true
}

// ReleaseIf drops one reference from every loaded handle for which pred
// returns true. Predicate evaluation and decrement happen under one lock, so
// a concurrent Load can never be released by this call. Returns the keys that
// were torn down.
func (r *Registry) ReleaseIf(pred func(h Handle) bool) []string {
	type victim struct {
		key     string
		payload any
	}
	var victims []victim

	r.mu.Lock()
	for key, e := range r.entries {
		if e.state != Loaded {
			continue
		}
		if !pred(e.view()) {
			continue
		}
		e.refs--
		if e.refs > 0 {
			continue
		}
		delete(r.entries, key)
		victims = append(victims, victim{key: key, payload: e.payload})
	}
	r.mu.Unlock()

	keys := make([]string, 0, len(victims))
	for _, v := range victims {
		r.teardown(v.key, v.payload)
		keys = append(keys, v.key)
	}
	sort.Strings(keys)
	return keys
}

// EvictAll tears down every loaded handle and orphans pending ones.
func (r *Registry) EvictAll() int {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	n := 0
	for _, key := range keys {
		if r.Evict(key) {
			n++
		}
	}
	return n
}

func (r *Registry) teardown(key string, payload any) {
	if r.hooks.OnEvict != nil {
		r.hooks.OnEvict(key, payload)
	}
	r.loader.Release(key, payload)
}

// drop gives back one reference. An orphaned pending load already had its
// count zeroed, so late releases from its earlier owners stop at zero.
func (e *entry) drop() {
	if e.refs > 0 {
		e.refs--
	}
}

func (e *entry) view() Handle {
	return Handle{Key: e.key, State: e.state, RefCount: e.refs, Payload: e.payload}
}

// RefCount returns the reference count for key.
func (r *Registry) RefCount(key string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return 0, false
	}
	return e.refs, true
}

// State returns the state of key's handle.
func (r *Registry) State(key string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Failed, false
	}
	return e.state, true
}

// Payload returns the payload of a loaded key without taking a reference.
func (r *Registry) Payload(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.state != Loaded {
		return nil, false
	}
	return e.payload, true
}

// Handles returns a snapshot of all handles ordered by key.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.view())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats summarizes the registry.
type Stats struct {
	Loaded       int    `json:"loaded"`
	Pending      int    `json:"pending"`
	TotalRefs    int    `json:"totalRefs"`
	BackendLoads uint64 `json:"backendLoads"`
	Failures     uint64 `json:"failures"`
}

// Stats returns counts over the current handles.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		BackendLoads: r.backendLoads.Load(),
		Failures:     r.failures.Load(),
	}
	for _, e := range r.entries {
		switch e.state {
		case Loaded:
			s.Loaded++
		case Pending:
			s.Pending++
		}
		s.TotalRefs += e.refs
	}
	return s
}
