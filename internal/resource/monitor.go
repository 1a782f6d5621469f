// Package resource watches host CPU and memory pressure and classifies it
// into levels the pool and keepalive scheduler consult before doing optional
// work. Samples are cached so callers can poll cheaply.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"dpagent/internal/logging"
)

// Level classifies host pressure.
type Level int

const (
	// LevelNormal means both CPU and memory are under the warning thresholds.
	LevelNormal Level = iota
	// LevelWarning means optional work (keepalive) should be skipped.
	LevelWarning
	// LevelCritical means the pool should shed idle contexts.
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	}
	return "?"
}

// Sample is one observation of host pressure.
type Sample struct {
	CPUPercent float64
	MemPercent float64
	Level      Level
	Taken      time.Time
}

// Thresholds holds the percent boundaries between levels.
type Thresholds struct {
	CPUWarning  float64
	CPUCritical float64
	MemWarning  float64
	MemCritical float64
}

// sampler abstracts gopsutil for tests.
type sampler func(ctx context.Context) (cpuPct, memPct float64, err error)

func systemSampler(ctx context.Context) (float64, float64, error) {
	// Non-blocking CPU read: compares against the previous call's counters.
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	cpuPct := 0.0
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}
	return cpuPct, vm.UsedPercent, nil
}

// Monitor caches pressure samples for a configurable interval.
type Monitor struct {
	thresholds Thresholds
	interval   time.Duration
	logger     logging.Logger
	sample     sampler

	mu       sync.Mutex
	last     Sample
	lastErr  error
	emitted  Level // last level logged, to avoid repeating
	hasLevel bool
}

// NewMonitor builds a monitor that re-samples at most every interval.
func NewMonitor(thresholds Thresholds, interval time.Duration, logger logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		thresholds: thresholds,
		interval:   interval,
		logger:     logging.OrNop(logger),
		sample:     systemSampler,
	}
}

func (m *Monitor) classify(cpuPct, memPct float64) Level {
	t := m.thresholds
	if cpuPct >= t.CPUCritical || memPct >= t.MemCritical {
		return LevelCritical
	}
	if cpuPct >= t.CPUWarning || memPct >= t.MemWarning {
		return LevelWarning
	}
	return LevelNormal
}

// Current returns the cached sample, refreshing it when stale. While sampling
// fails the host counts as normal so a dead probe cannot pin an old verdict
// and stall the agent; the failure is logged once per outage.
func (m *Monitor) Current(ctx context.Context) Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.last.Taken) < m.interval {
		return m.last
	}
	cpuPct, memPct, err := m.sample(ctx)
	if err != nil {
		if m.lastErr == nil {
			m.logger.Warn("resource sample failed, treating host as normal: %v", err)
		}
		m.lastErr = err
		m.last = Sample{Level: LevelNormal, Taken: time.Now()}
		return m.last
	}
	if m.lastErr != nil {
		m.logger.Info("resource sampling recovered")
		m.lastErr = nil
	}
	level := m.classify(cpuPct, memPct)
	m.last = Sample{CPUPercent: cpuPct, MemPercent: memPct, Level: level, Taken: time.Now()}
	if !m.hasLevel || level != m.emitted {
		m.logger.Info("host pressure %s: cpu %.1f%% mem %.1f%%", level, cpuPct, memPct)
		m.emitted = level
		m.hasLevel = true
	}
	return m.last
}

// SafeForKeepalive reports whether optional session refresh work may run.
func (m *Monitor) SafeForKeepalive(ctx context.Context) bool {
	return m.Current(ctx).Level == LevelNormal
}

// SafeForTask reports whether new task work may start. Tasks are allowed
// under warning pressure; only critical pressure defers them.
func (m *Monitor) SafeForTask(ctx context.Context) bool {
	return m.Current(ctx).Level != LevelCritical
}
