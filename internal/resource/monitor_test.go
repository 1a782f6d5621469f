package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dpagent/internal/logging"
)

var testThresholds = Thresholds{
	CPUWarning:  50,
	CPUCritical: 70,
	MemWarning:  60,
	MemCritical: 80,
}

func newTestMonitor(cpuPct, memPct float64) *Monitor {
	m := NewMonitor(testThresholds, time.Minute, logging.Nop())
	m.sample = func(context.Context) (float64, float64, error) {
		return cpuPct, memPct, nil
	}
	return m
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		cpu, mem float64
		want     Level
	}{
		{"idle", 10, 20, LevelNormal},
		{"cpu at warning", 50, 20, LevelWarning},
		{"mem at warning", 10, 60, LevelWarning},
		{"cpu critical", 70, 20, LevelCritical},
		{"mem critical", 10, 80, LevelCritical},
		{"both critical", 90, 95, LevelCritical},
		{"just under", 49.9, 59.9, LevelNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(tc.cpu, tc.mem)
			got := m.Current(context.Background())
			assert.Equal(t, tc.want, got.Level)
		})
	}
}

func TestCurrentCachesWithinInterval(t *testing.T) {
	calls := 0
	m := NewMonitor(testThresholds, time.Minute, logging.Nop())
	m.sample = func(context.Context) (float64, float64, error) {
		calls++
		return 10, 10, nil
	}

	m.Current(context.Background())
	m.Current(context.Background())
	m.Current(context.Background())
	assert.Equal(t, 1, calls)
}

func TestCurrentRefreshesWhenStale(t *testing.T) {
	calls := 0
	m := NewMonitor(testThresholds, time.Millisecond, logging.Nop())
	m.sample = func(context.Context) (float64, float64, error) {
		calls++
		return 10, 10, nil
	}

	m.Current(context.Background())
	time.Sleep(5 * time.Millisecond)
	m.Current(context.Background())
	assert.Equal(t, 2, calls)
}

func TestSampleFailureDegradesToNormal(t *testing.T) {
	m := NewMonitor(testThresholds, time.Millisecond, logging.Nop())
	fail := false
	m.sample = func(context.Context) (float64, float64, error) {
		if fail {
			return 0, 0, errors.New("procfs gone")
		}
		return 75, 10, nil
	}

	first := m.Current(context.Background())
	assert.Equal(t, LevelCritical, first.Level)

	// A dead probe must not pin the last verdict.
	fail = true
	time.Sleep(5 * time.Millisecond)
	second := m.Current(context.Background())
	assert.Equal(t, LevelNormal, second.Level)
	assert.True(t, m.SafeForTask(context.Background()))

	fail = false
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, LevelCritical, m.Current(context.Background()).Level)
}

func TestSafeForHelpers(t *testing.T) {
	assert.True(t, newTestMonitor(10, 10).SafeForKeepalive(context.Background()))
	assert.False(t, newTestMonitor(55, 10).SafeForKeepalive(context.Background()))

	assert.True(t, newTestMonitor(55, 10).SafeForTask(context.Background()))
	assert.False(t, newTestMonitor(75, 10).SafeForTask(context.Background()))
}
