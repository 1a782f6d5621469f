// Package auth owns what happens when an account's cookies die: the one-shot
// re-login attempt and the coordinator fan-out that marks the account
// invalid. Invalidation is never retried with backoff; either the single
// re-login restores the session or the task fails.
package auth

import (
	"context"
	"errors"
	"fmt"

	"dpagent/internal/browser"
	"dpagent/internal/coordinator"
	"dpagent/internal/logging"
)

// ErrReloginExhausted means the task already spent its one re-login.
var ErrReloginExhausted = errors.New("re-login already attempted for this task")

// CookieSource supplies fresh credentials. Satisfied by coordinator.Client.
type CookieSource interface {
	AccountInfo(ctx context.Context, account string) (*coordinator.AccountInfo, error)
}

// SessionRebuilder replaces an account's browser session with one running on
// a given cookie set and verifies it authenticates.
type SessionRebuilder interface {
	Rebuild(ctx context.Context, account string, cookies map[string]string) error
}

// PoolRebuilder rebuilds sessions through the browser pool.
type PoolRebuilder struct {
	Pool *browser.Pool
}

// Rebuild drops the stale context, starts a fresh one, injects the cookies,
// and probes the login page.
func (p *PoolRebuilder) Rebuild(ctx context.Context, account string, cookies map[string]string) error {
	p.Pool.Drop(account)
	bc, err := p.Pool.Acquire(account)
	if err != nil {
		return err
	}
	defer p.Pool.Release(bc)
	if err := bc.SetCookies(ctx, cookies); err != nil {
		p.Pool.Drop(account)
		return err
	}
	if err := bc.ProbeLogin(ctx); err != nil {
		p.Pool.Drop(account)
		return err
	}
	return nil
}

// Relogin is one task's re-login budget. Build one per leased task.
type Relogin struct {
	coord    CookieSource
	sessions SessionRebuilder
	logger   logging.Logger
	used     bool
}

// NewRelogin builds a single-use re-login attempt.
func NewRelogin(coord CookieSource, sessions SessionRebuilder, logger logging.Logger) *Relogin {
	return &Relogin{coord: coord, sessions: sessions, logger: logging.OrNop(logger)}
}

// Used reports whether the attempt has been spent.
func (r *Relogin) Used() bool { return r.used }

// Attempt fetches fresh credentials and rebuilds the session once. Further
// calls fail immediately with ErrReloginExhausted.
func (r *Relogin) Attempt(ctx context.Context, account string) (*coordinator.AccountInfo, error) {
	if r.used {
		return nil, ErrReloginExhausted
	}
	r.used = true

	r.logger.Info("attempting re-login for %s", account)
	info, err := r.coord.AccountInfo(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("fetch fresh credentials for %s: %w", account, err)
	}
	if len(info.Cookies) == 0 {
		return nil, fmt.Errorf("coordinator has no cookies for %s", account)
	}
	if err := r.sessions.Rebuild(ctx, account, info.Cookies); err != nil {
		return nil, fmt.Errorf("rebuild session for %s: %w", account, err)
	}
	r.logger.Info("re-login for %s succeeded", account)
	return info, nil
}

// InvalidSink is the coordinator surface the fan-out writes to.
type InvalidSink interface {
	ReportAuthInvalid(ctx context.Context, account string) error
	Log(ctx context.Context, entry coordinator.LogEntry) error
	UpdateBatchStatus(ctx context.Context, account, startDate, endDate string, results []coordinator.ProductResult) error
}

// Reporter fans an invalidation out to the coordinator.
type Reporter struct {
	coord  InvalidSink
	logger logging.Logger
}

// NewReporter builds the fan-out reporter.
func NewReporter(coord InvalidSink, logger logging.Logger) *Reporter {
	return &Reporter{coord: coord, logger: logging.OrNop(logger)}
}

// ReportInvalidation marks the account invalid, records a failure log line,
// and fails the product that was running in the batch status. The three
// writes are independent: one failing must not mask the others.
func (f *Reporter) ReportInvalidation(ctx context.Context, account, product, startDate, endDate, reason string) {
	if err := f.coord.ReportAuthInvalid(ctx, account); err != nil {
		f.logger.Error("mark %s invalid: %v", account, err)
	}

	entry := coordinator.LogEntry{
		AccountID:     account,
		TableName:     product,
		DataDateStart: startDate,
		DataDateEnd:   endDate,
		UploadStatus:  coordinator.UploadFailed,
		ErrorMessage:  reason,
	}
	if err := f.coord.Log(ctx, entry); err != nil {
		f.logger.Error("log invalidation of %s: %v", account, err)
	}

	results := []coordinator.ProductResult{}
	if coordinator.KnownProduct(product) {
		results = append(results, coordinator.ProductResult{
			TaskName:     product,
			Success:      false,
			ErrorMessage: reason,
		})
	}
	if err := f.coord.UpdateBatchStatus(ctx, account, startDate, endDate, results); err != nil {
		f.logger.Error("batch status for invalid %s: %v", account, err)
	}
	f.logger.Warn("account %s reported invalid during %s: %s", account, product, reason)
}
