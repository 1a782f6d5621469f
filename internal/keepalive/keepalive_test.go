package keepalive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "dpagent/internal/errors"
	"dpagent/internal/locks"
	"dpagent/internal/logging"
)

type fakePool struct {
	due    []string
	marked map[string]time.Time
}

func (p *fakePool) KeepaliveDue(time.Duration) []string { return p.due }
func (p *fakePool) MarkKeepalive(account string, at time.Time) {
	if p.marked == nil {
		p.marked = map[string]time.Time{}
	}
	p.marked[account] = at
}

type fakeToucher struct {
	fail     map[string]bool
	authFail map[string]bool
	touched  []string
}

func (t *fakeToucher) Touch(_ context.Context, account string, _ time.Duration) (map[string]string, error) {
	t.touched = append(t.touched, account)
	if t.authFail[account] {
		return nil, &agenterrors.AuthInvalidError{Account: account, Signal: "redirected to login page"}
	}
	if t.fail[account] {
		return nil, errors.New("navigation timed out")
	}
	return map[string]string{"token": "fresh-" + account}, nil
}

type fakeGate struct{ safe bool }

func (g fakeGate) SafeForKeepalive(context.Context) bool { return g.safe }

type fakeSink struct{ got []string }

func (s *fakeSink) Enqueue(account string, cookies map[string]string) bool {
	s.got = append(s.got, account)
	return true
}

func newTestRunner(pool *fakePool, toucher *fakeToucher, gate fakeGate, sink *fakeSink) (*Runner, *locks.Registry) {
	registry := locks.NewRegistry()
	r := NewRunner(Config{
		Interval:     time.Hour,
		BatchSize:    2,
		Timeout:      time.Second,
		FailCooldown: 10 * time.Minute,
	}, pool, toucher, registry, sink, gate, logging.Nop())
	return r, registry
}

func TestRunBatchTouchesUpToBatchSize(t *testing.T) {
	pool := &fakePool{due: []string{"a", "b", "c"}}
	toucher := &fakeToucher{}
	sink := &fakeSink{}
	r, _ := newTestRunner(pool, toucher, fakeGate{safe: true}, sink)

	assert.Equal(t, 2, r.RunBatch(context.Background()))
	assert.Equal(t, []string{"a", "b"}, toucher.touched)
	assert.Equal(t, []string{"a", "b"}, sink.got)
	assert.Contains(t, pool.marked, "a")
	assert.Contains(t, pool.marked, "b")
	assert.NotContains(t, pool.marked, "c")
}

func TestRunBatchSkippedUnderLoad(t *testing.T) {
	pool := &fakePool{due: []string{"a"}}
	toucher := &fakeToucher{}
	r, _ := newTestRunner(pool, toucher, fakeGate{safe: false}, &fakeSink{})

	assert.Equal(t, 0, r.RunBatch(context.Background()))
	assert.Empty(t, toucher.touched)
}

func TestFailedTouchCoolsDown(t *testing.T) {
	pool := &fakePool{due: []string{"a", "b"}}
	toucher := &fakeToucher{fail: map[string]bool{"a": true}}
	sink := &fakeSink{}
	r, _ := newTestRunner(pool, toucher, fakeGate{safe: true}, sink)

	assert.Equal(t, 1, r.RunBatch(context.Background()))
	assert.True(t, r.CoolingDown("a"))
	assert.Equal(t, []string{"b"}, sink.got)
	assert.NotContains(t, pool.marked, "a")

	// While cooling, the account is skipped entirely.
	toucher.touched = nil
	r.RunBatch(context.Background())
	assert.Equal(t, []string{"b"}, toucher.touched)
}

func TestCooldownExpires(t *testing.T) {
	pool := &fakePool{due: []string{"a"}}
	toucher := &fakeToucher{fail: map[string]bool{"a": true}}
	r, _ := newTestRunner(pool, toucher, fakeGate{safe: true}, &fakeSink{})

	now := time.Now()
	r.now = func() time.Time { return now }
	r.RunBatch(context.Background())
	require.True(t, r.CoolingDown("a"))

	toucher.fail["a"] = false
	r.now = func() time.Time { return now.Add(11 * time.Minute) }
	assert.Equal(t, 1, r.RunBatch(context.Background()))
	assert.False(t, r.CoolingDown("a"))
}

func TestBusyAccountSkipped(t *testing.T) {
	pool := &fakePool{due: []string{"a", "b"}}
	toucher := &fakeToucher{}
	r, registry := newTestRunner(pool, toucher, fakeGate{safe: true}, &fakeSink{})

	require.True(t, registry.TryAcquire("a"))
	defer registry.Release("a")

	assert.Equal(t, 1, r.RunBatch(context.Background()))
	assert.Equal(t, []string{"b"}, toucher.touched)
}

func TestOnTouchedRunsUnderLock(t *testing.T) {
	pool := &fakePool{due: []string{"a", "b"}}
	toucher := &fakeToucher{fail: map[string]bool{"a": true}}
	r, registry := newTestRunner(pool, toucher, fakeGate{safe: true}, &fakeSink{})

	var chained []string
	r.OnTouched = func(_ context.Context, account string, cookies map[string]string) {
		assert.True(t, registry.Held(account))
		assert.Equal(t, "fresh-"+account, cookies["token"])
		chained = append(chained, account)
	}

	r.RunBatch(context.Background())
	assert.Equal(t, []string{"b"}, chained, "failed touches do not chain")
}

func TestLockReleasedAfterTouch(t *testing.T) {
	pool := &fakePool{due: []string{"a"}}
	r, registry := newTestRunner(pool, &fakeToucher{}, fakeGate{safe: true}, &fakeSink{})

	r.RunBatch(context.Background())
	assert.False(t, registry.Held("a"))
}

type fakeInvalidSink struct{ reported []string }

func (s *fakeInvalidSink) ReportAuthInvalid(_ context.Context, account string) error {
	s.reported = append(s.reported, account)
	return nil
}

func TestAuthInvalidTouchReportsAccount(t *testing.T) {
	pool := &fakePool{due: []string{"a", "b"}}
	toucher := &fakeToucher{authFail: map[string]bool{"a": true}, fail: map[string]bool{"b": true}}
	r, _ := newTestRunner(pool, toucher, fakeGate{safe: true}, &fakeSink{})
	sink := &fakeInvalidSink{}
	r.Invalid = sink

	assert.Equal(t, 0, r.RunBatch(context.Background()))
	assert.Equal(t, []string{"a"}, sink.reported, "plain failures are not invalidations")
	assert.True(t, r.CoolingDown("a"))
	assert.True(t, r.CoolingDown("b"))
}

func TestRunAllSweepsInBatches(t *testing.T) {
	pool := &fakePool{}
	toucher := &fakeToucher{}
	r, _ := newTestRunner(pool, toucher, fakeGate{safe: true}, &fakeSink{})

	r.pause = 0

	// Two full batches plus a remainder.
	got := r.RunAll(context.Background(), []string{"a", "b", "c", "d", "e"})
	assert.Equal(t, 5, got)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, toucher.touched)
}

func TestRunAllStopsUnderLoad(t *testing.T) {
	pool := &fakePool{}
	toucher := &fakeToucher{}
	r, _ := newTestRunner(pool, toucher, fakeGate{safe: false}, &fakeSink{})

	assert.Equal(t, 0, r.RunAll(context.Background(), []string{"a", "b"}))
	assert.Empty(t, toucher.touched)
}
