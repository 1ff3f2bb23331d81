package assets

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"live-assets/internal/handle"
	"live-assets/internal/memory"
)

// MemoryStatus is a point-in-time snapshot recomputed on every call.
type MemoryStatus struct {
	LoadedAssets     int          `json:"loadedAssets"`
	PendingLoads     int          `json:"pendingLoads"`
	CachedCharacters int          `json:"cachedCharacters"`
	TotalRefCount    int          `json:"totalRefCount"`
	PooledInstances  int          `json:"pooledInstances"`
	QueuedDownloads  int          `json:"queuedDownloads"`
	ActiveDownloads  int          `json:"activeDownloads"`
	UsedBytes        uint64       `json:"usedBytes"`
	ReservedBytes    uint64       `json:"reservedBytes"`
	TotalBytes       uint64       `json:"totalBytes"`
	Level            memory.Level `json:"level"`
}

// Status samples memory and counts live resources. It has no side effects.
func (m *Manager) Status() MemoryStatus {
	u := m.monitor.Sample()
	return m.status(u, m.monitorLevel(u))
}

func (m *Manager) monitorLevel(u memory.Usage) memory.Level {
	return m.monitor.Thresholds().Level(u.UsedBytes)
}

func (m *Manager) status(u memory.Usage, level memory.Level) MemoryStatus {
	rs := m.registry.Stats()
	ds := m.downloads.Stats()
	return MemoryStatus{
		LoadedAssets:     rs.Loaded,
		PendingLoads:     rs.Pending,
		CachedCharacters: m.chars.Len(),
		TotalRefCount:    rs.TotalRefs,
		PooledInstances:  m.pools.Instances(),
		QueuedDownloads:  ds.Queued,
		ActiveDownloads:  ds.Active,
		UsedBytes:        u.UsedBytes,
		ReservedBytes:    u.ReservedBytes,
		TotalBytes:       u.TotalBytes,
		Level:            level,
	}
}

// CheckMemory samples once and applies the pressure response: a warning
// event at Warning, a warning event and ForceCleanup at Critical.
func (m *Manager) CheckMemory() memory.Level {
	return m.monitor.Check()
}

// OnFocusLost runs a pressure check. Call it when the application moves to
// the background.
func (m *Manager) OnFocusLost() memory.Level {
	m.logger.Debug("focus lost, checking memory")
	return m.monitor.Check()
}

func (m *Manager) onMemoryWarning(u memory.Usage, level memory.Level) {
	status := m.status(u, level)
	m.logger.Warn("memory pressure",
		zap.Stringer("level", level),
		zap.Uint64("used_mb", u.UsedBytes>>20),
		zap.Int("loaded", status.LoadedAssets))
	m.events.OnMemoryWarning(status)
}

func (m *Manager) onMemoryCritical(memory.Usage) {
	m.ForceCleanup()
}

// CleanupReport describes one ForceCleanup pass.
type CleanupReport struct {
	Released     []string     `json:"released"`
	RemovedPools []string     `json:"removedPools"`
	Halved       []string     `json:"halvedCharacters"`
	Trimmed      int          `json:"trimmedInstances"`
	Before       memory.Usage `json:"before"`
	After        memory.Usage `json:"after"`
}

// ForceCleanup frees everything no consumer holds:
//  1. characters dropped by an earlier pass give back their cache reference
//     once no consumer holds them,
//  2. idle pool instances beyond the default size are destroyed,
//  3. pools left with no instances go together with their handle when
//     refCount <= 1,
//  4. every other loaded handle with refCount <= 1 is released,
//  5. the oldest half of the character cache is dropped regardless of use,
//  6. the runtime is asked to collect and return memory to the OS.
//
// Handles with refCount > 1 keep their payload, across any number of passes.
// Characters in use when dropped keep the cache's reference until their
// consumers release them.
func (m *Manager) ForceCleanup() CleanupReport {
	report := CleanupReport{Before: m.monitor.Sample()}

	settled := m.chars.ReleaseParked()
	report.Trimmed = m.pools.Trim()

	empty := make(map[string]struct{})
	for _, key := range m.pools.RemovableKeys() {
		empty[key] = struct{}{}
	}
	report.RemovedPools = m.registry.ReleaseIf(func(h handle.Handle) bool {
		_, ok := empty[h.Key]
		return ok && h.RefCount <= 1
	})

	released := m.registry.ReleaseIf(func(h handle.Handle) bool {
		return h.RefCount <= 1
	})
	report.Released = append(settled, released...)
	sort.Strings(report.Released)
	report.Halved = m.chars.EvictHalf()
	memory.Compact()

	report.After = m.monitor.Sample()
	m.cleanups.Add(1)

	m.logger.Info("forced cleanup",
		zap.Int("released", len(report.Released)),
		zap.Int("pools_removed", len(report.RemovedPools)),
		zap.Int("characters_dropped", len(report.Halved)),
		zap.Int("instances_trimmed", report.Trimmed),
		zap.Uint64("used_mb_before", report.Before.UsedBytes>>20),
		zap.Uint64("used_mb_after", report.After.UsedBytes>>20))
	return report
}

// =============================================================================
// Categories
// =============================================================================

// Tag adds keys to category.
func (m *Manager) Tag(category string, keys ...string) {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	set, ok := m.tags[category]
	if !ok {
		set = make(map[string]struct{}, len(keys))
		m.tags[category] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

// SetTags replaces the keys of category. An empty list removes the
// category.
func (m *Manager) SetTags(category string, keys []string) {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	if len(keys) == 0 {
		delete(m.tags, category)
		return
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	m.tags[category] = set
}

// Categories returns tagged categories sorted by name.
func (m *Manager) Categories() []string {
	m.tagMu.RLock()
	defer m.tagMu.RUnlock()
	out := make([]string, 0, len(m.tags))
	for c := range m.tags {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// InCategory reports whether key belongs to category, either by an explicit
// tag or by the "category/" key prefix.
func (m *Manager) InCategory(category, key string) bool {
	if category == "" {
		return false
	}
	if strings.HasPrefix(key, category+"/") {
		return true
	}
	m.tagMu.RLock()
	defer m.tagMu.RUnlock()
	_, ok := m.tags[category][key]
	return ok
}

// CleanupForCategory drops every loaded handle in category, whatever its
// reference count. Used on scene transitions. Returns the number of evicted
// handles.
func (m *Manager) CleanupForCategory(category string) int {
	var victims []string
	for _, h := range m.registry.Handles() {
		if h.State == handle.Loaded && m.InCategory(category, h.Key) {
			victims = append(victims, h.Key)
		}
	}

	n := 0
	for _, key := range victims {
		if m.registry.Evict(key) {
			n++
		}
	}

	m.logger.Info("category cleanup", zap.String("category", category), zap.Int("evicted", n))
	return n
}
