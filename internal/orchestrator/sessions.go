package orchestrator

import (
	"context"
	"time"

	"dpagent/internal/browser"
)

// Session is the per-account browser surface a task drives.
type Session interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Eval(ctx context.Context, script string, out any) error
	HTML(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	SetCookies(ctx context.Context, cookies map[string]string) error
	Cookies(ctx context.Context) (map[string]string, error)
	ProbeLogin(ctx context.Context) error
}

// Sessions hands out per-account sessions and runs the idle housekeeping.
type Sessions interface {
	Acquire(account string) (Session, error)
	Release(s Session)
	Drop(account string)
	EvictIdle() int
	EvictAllIdle() int
}

// PoolSessions adapts the browser pool.
type PoolSessions struct {
	Pool *browser.Pool
}

func (p PoolSessions) Acquire(account string) (Session, error) {
	bc, err := p.Pool.Acquire(account)
	if err != nil {
		return nil, err
	}
	return bc, nil
}

func (p PoolSessions) Release(s Session) {
	if bc, ok := s.(*browser.Context); ok {
		p.Pool.Release(bc)
	}
}

func (p PoolSessions) Drop(account string) { p.Pool.Drop(account) }
func (p PoolSessions) EvictIdle() int      { return p.Pool.EvictIdle() }
func (p PoolSessions) EvictAllIdle() int   { return p.Pool.EvictAllIdle() }
