// Package keepalive keeps warm browser sessions logged in. Each batch
// touches a small, staggered subset of due accounts: navigate a lightweight
// portal page, harvest the rotated cookies, and hand them to the upload
// queue. Failures put the account on a cooldown instead of tight retries.
package keepalive

import (
	"context"
	"time"

	"dpagent/internal/browser"
	agenterrors "dpagent/internal/errors"
	"dpagent/internal/logging"
)

// Config tunes the batch runner.
type Config struct {
	Interval     time.Duration // how stale a session may get before a touch
	BatchSize    int
	Timeout      time.Duration // per-touch navigation budget
	FailCooldown time.Duration
}

// interBatchPause spaces the batches of a full sweep.
const interBatchPause = 3 * time.Second

// Toucher exercises one account's session and returns the live cookie set.
type Toucher interface {
	Touch(ctx context.Context, account string, timeout time.Duration) (map[string]string, error)
}

// PoolToucher drives touches through the browser pool.
type PoolToucher struct {
	Pool *browser.Pool
}

// Touch loads the login probe page on the account's tab and reads back its
// cookies. The probe classifies a dead session as AuthInvalid; any failure
// drops the context so the next acquire starts clean.
func (t *PoolToucher) Touch(ctx context.Context, account string, timeout time.Duration) (map[string]string, error) {
	bc, err := t.Pool.Acquire(account)
	if err != nil {
		return nil, err
	}
	defer t.Pool.Release(bc)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := bc.ProbeLogin(tctx); err != nil {
		t.Pool.Drop(account)
		return nil, err
	}
	cookies, err := bc.Cookies(ctx)
	if err != nil {
		t.Pool.Drop(account)
		return nil, err
	}
	return cookies, nil
}

// due lists accounts whose keepalive clock is stale. Satisfied by the pool.
type due interface {
	KeepaliveDue(interval time.Duration) []string
	MarkKeepalive(account string, at time.Time)
}

// accountLocks is the per-account mutual exclusion shared with the task loop.
type accountLocks interface {
	TryAcquire(account string) bool
	Release(account string)
}

// gate decides whether the host has headroom for background work.
type gate interface {
	SafeForKeepalive(ctx context.Context) bool
}

// sink receives refreshed cookie sets.
type sink interface {
	Enqueue(account string, cookies map[string]string) bool
}

// Runner executes keepalive batches.
type Runner struct {
	cfg     Config
	pool    due
	toucher Toucher
	locks   accountLocks
	queue   sink
	monitor gate
	logger  logging.Logger

	// OnTouched runs after each successful touch with the harvested
	// cookies, while the account lock is still held. Used to chain work
	// that needs a freshly confirmed session, like the reply drain.
	OnTouched func(ctx context.Context, account string, cookies map[string]string)

	// Metrics, when set, is told the outcome of every touch.
	Metrics interface {
		RecordKeepalive(ctx context.Context, ok bool)
	}

	// Invalid, when set, is told about accounts whose session stopped
	// authenticating. Keepalive never re-logs in; it only reports.
	Invalid interface {
		ReportAuthInvalid(ctx context.Context, account string) error
	}

	cooldown map[string]time.Time
	now      func() time.Time
	pause    time.Duration
}

// NewRunner wires a batch runner.
func NewRunner(cfg Config, pool due, toucher Toucher, locks accountLocks, queue sink, monitor gate, logger logging.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailCooldown <= 0 {
		cfg.FailCooldown = 10 * time.Minute
	}
	return &Runner{
		cfg:      cfg,
		pool:     pool,
		toucher:  toucher,
		locks:    locks,
		queue:    queue,
		monitor:  monitor,
		logger:   logging.OrNop(logger),
		cooldown: make(map[string]time.Time),
		now:      time.Now,
		pause:    interBatchPause,
	}
}

// RunBatch touches up to BatchSize due accounts and returns how many
// succeeded. The whole batch is skipped when the host lacks headroom.
func (r *Runner) RunBatch(ctx context.Context) int {
	if !r.monitor.SafeForKeepalive(ctx) {
		r.logger.Debug("keepalive batch skipped: host under load")
		return 0
	}

	touched := 0
	for _, account := range r.pool.KeepaliveDue(r.cfg.Interval) {
		if touched >= r.cfg.BatchSize {
			break
		}
		if until, cooling := r.cooldown[account]; cooling {
			if r.now().Before(until) {
				continue
			}
			delete(r.cooldown, account)
		}
		if !r.locks.TryAcquire(account) {
			// Busy with a task; the task itself refreshes the session.
			continue
		}
		if r.touchOne(ctx, account) {
			touched++
		}
		r.locks.Release(account)
	}
	return touched
}

func (r *Runner) touchOne(ctx context.Context, account string) bool {
	cookies, err := r.toucher.Touch(ctx, account, r.cfg.Timeout)
	if r.Metrics != nil {
		r.Metrics.RecordKeepalive(ctx, err == nil)
	}
	if err != nil {
		r.cooldown[account] = r.now().Add(r.cfg.FailCooldown)
		r.logger.Warn("keepalive for %s failed, cooling down %s: %v", account, r.cfg.FailCooldown, err)
		if agenterrors.IsAuthInvalid(err) && r.Invalid != nil {
			if rerr := r.Invalid.ReportAuthInvalid(ctx, account); rerr != nil {
				r.logger.Error("report %s invalid: %v", account, rerr)
			}
		}
		return false
	}
	// Enqueue before advancing the clock so an upload is never skipped on
	// the strength of a touch that was not recorded.
	r.queue.Enqueue(account, cookies)
	r.pool.MarkKeepalive(account, r.now())
	r.logger.Debug("keepalive touched %s (%d cookies)", account, len(cookies))
	if r.OnTouched != nil {
		r.OnTouched(ctx, account, cookies)
	}
	return true
}

// RunAll sweeps every listed account in batch-sized groups with a pause
// between groups, re-checking host headroom before each one. Used to rewarm
// sessions after the daily pool restart. Returns how many touches succeeded.
func (r *Runner) RunAll(ctx context.Context, accounts []string) int {
	touched := 0
	for start := 0; start < len(accounts); start += r.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		if !r.monitor.SafeForKeepalive(ctx) {
			r.logger.Warn("keepalive sweep aborted at %d/%d: host under load", start, len(accounts))
			break
		}
		end := start + r.cfg.BatchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		for _, account := range accounts[start:end] {
			if until, cooling := r.cooldown[account]; cooling && r.now().Before(until) {
				continue
			}
			if !r.locks.TryAcquire(account) {
				continue
			}
			if r.touchOne(ctx, account) {
				touched++
			}
			r.locks.Release(account)
		}
		if end < len(accounts) && r.pause > 0 {
			timer := time.NewTimer(r.pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return touched
			case <-timer.C:
			}
		}
	}
	return touched
}

// CoolingDown reports whether the account is currently on failure cooldown.
func (r *Runner) CoolingDown(account string) bool {
	until, ok := r.cooldown[account]
	return ok && r.now().Before(until)
}
