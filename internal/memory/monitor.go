// Package memory samples process memory and grades it against warning and
// critical thresholds.
package memory

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	sysmem "github.com/pbnjay/memory"
	"go.uber.org/zap"
)

// Usage is one memory sample in bytes.
type Usage struct {
	UsedBytes     uint64 `json:"usedBytes"`     // live heap
	ReservedBytes uint64 `json:"reservedBytes"` // obtained from the OS
	TotalBytes    uint64 `json:"totalBytes"`    // physical memory, 0 if unknown
}

// Sampler reads current memory usage. Sample must not have side effects.
type Sampler interface {
	Sample() Usage
}

// RuntimeSampler reads the Go runtime's own accounting.
type RuntimeSampler struct{}

func (RuntimeSampler) Sample() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Usage{
		UsedBytes:     ms.HeapAlloc,
		ReservedBytes: ms.Sys,
		TotalBytes:    sysmem.TotalMemory(),
	}
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() Usage

func (f SamplerFunc) Sample() Usage { return f() }

// Level is a pressure grade.
type Level int

const (
	Normal Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the level as its name in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Thresholds are byte limits on UsedBytes.
type Thresholds struct {
	Warning  uint64
	Critical uint64
}

const mb = 1 << 20

// ThresholdsMB builds thresholds from megabyte values.
func ThresholdsMB(warning, critical uint64) Thresholds {
	if critical < warning {
		critical = warning
	}
	return Thresholds{Warning: warning * mb, Critical: critical * mb}
}

// Level grades used. Critical is inclusive.
func (t Thresholds) Level(used uint64) Level {
	switch {
	case t.Critical > 0 && used >= t.Critical:
		return Critical
	case t.Warning > 0 && used >= t.Warning:
		return Warning
	default:
		return Normal
	}
}

// Handlers react to a graded sample. Critical samples call OnWarning first,
// then OnCritical.
type Handlers struct {
	OnWarning  func(u Usage, level Level)
	OnCritical func(u Usage)
}

// Config holds monitor settings
type Config struct {
	Thresholds Thresholds
	Interval   time.Duration
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{
		Thresholds: ThresholdsMB(1024, 1536),
		Interval:   5 * time.Second,
	}
}

// Monitor samples on a clock and dispatches threshold handlers.
type Monitor struct {
	sampler  Sampler
	cfg      Config
	handlers Handlers
	clock    clock.Clock
	logger   *zap.Logger

	mu   sync.Mutex // serializes checks
	last atomic.Int32

	checks    atomic.Uint64
	warnings  atomic.Uint64
	criticals atomic.Uint64
}

// NewMonitor creates a monitor. A nil clock uses the wall clock.
func NewMonitor(sampler Sampler, cfg Config, handlers Handlers, clk clock.Clock, logger *zap.Logger) *Monitor {
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sampler:  sampler,
		cfg:      cfg,
		handlers: handlers,
		clock:    clk,
		logger:   logger.Named("memory"),
	}
}

// Sample returns the current usage without grading it.
func (m *Monitor) Sample() Usage {
	return m.sampler.Sample()
}

// Level grades a fresh sample without running handlers.
func (m *Monitor) Level() Level {
	return m.cfg.Thresholds.Level(m.sampler.Sample().UsedBytes)
}

// Check samples once and runs the handlers for the resulting level.
func (m *Monitor) Check() Level {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.sampler.Sample()
	level := m.cfg.Thresholds.Level(u.UsedBytes)
	m.checks.Add(1)

	if prev := Level(m.last.Swap(int32(level))); prev != level {
		m.logger.Info("memory pressure changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", level),
			zap.Uint64("used_mb", u.UsedBytes/mb))
	}

	switch level {
	case Warning:
		m.warnings.Add(1)
		if m.handlers.OnWarning != nil {
			m.handlers.OnWarning(u, level)
		}
	case Critical:
		m.criticals.Add(1)
		if m.handlers.OnWarning != nil {
			m.handlers.OnWarning(u, level)
		}
		if m.handlers.OnCritical != nil {
			m.handlers.OnCritical(u)
		}
	}
	return level
}

// Run checks every Interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Debug("memory monitor running", zap.Duration("interval", m.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Thresholds returns the configured limits.
func (m *Monitor) Thresholds() Thresholds {
	return m.cfg.Thresholds
}

// LastLevel returns the level of the most recent check.
func (m *Monitor) LastLevel() Level {
	return Level(m.last.Load())
}

// Stats holds monitor counters
type Stats struct {
	Checks    uint64 `json:"checks"`
	Warnings  uint64 `json:"warnings"`
	Criticals uint64 `json:"criticals"`
	Last      Level  `json:"last"`
}

// Stats returns monitor counters
func (m *Monitor) Stats() Stats {
	return Stats{
		Checks:    m.checks.Load(),
		Warnings:  m.warnings.Load(),
		Criticals: m.criticals.Load(),
		Last:      m.LastLevel(),
	}
}

// Compact asks the runtime for a full collection and returns freed memory to
// the OS.
func Compact() {
	runtime.GC()
	debug.FreeOSMemory()
}
