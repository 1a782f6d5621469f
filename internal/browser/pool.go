// Package browser maintains the pool of headless Chrome processes and the
// per-account tab contexts that live inside them. Accounts are placed on the
// least-loaded healthy process; contexts persist between tasks so sessions
// stay warm, and cookie state survives restarts through the state file.
package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	agenterrors "dpagent/internal/errors"
	"dpagent/internal/logging"
)

// Config sizes the pool.
type Config struct {
	MaxBrowsers           int
	MaxContextsPerBrowser int
	MaxActiveContexts     int
	ContextIdleTimeout    time.Duration
	Headless              bool
	ExecPath              string
	WindowSize            string
	StateDir              string
}

// Metrics receives pool lifecycle events. Satisfied by the observability
// collector; nil disables reporting.
type Metrics interface {
	ContextOpened(ctx context.Context)
	ContextClosed(ctx context.Context)
	ProcessStarted(ctx context.Context)
	ProcessStopped(ctx context.Context)
}

// Pool owns every Chrome process and account context.
type Pool struct {
	cfg    Config
	logger logging.Logger

	// Metrics, when set before first use, is told about context and process
	// lifecycle changes.
	Metrics Metrics

	mu       sync.Mutex
	slots    []*slot
	contexts map[string]*Context
	nextSlot int

	// saved cookie state from a previous run, applied lazily on Acquire.
	saved map[string]savedContext

	// seams for tests; production uses chromedp.
	newAllocator   func() (context.Context, context.CancelFunc)
	newTab         func(allocCtx context.Context) (context.Context, context.CancelFunc, error)
	installCookies func(bc *Context, cookies map[string]string) error
}

// slot is one Chrome process hosting account tabs.
type slot struct {
	id          int
	allocCtx    context.Context
	allocCancel context.CancelFunc
	accounts    map[string]struct{}
}

func (s *slot) healthy() bool {
	return s.allocCtx != nil && s.allocCtx.Err() == nil
}

// Context is one account's browser tab. It is handed out by Acquire and must
// be returned with Release; the pool never evicts a busy context.
type Context struct {
	Account string

	pool   *Pool
	slot   *slot
	ctx    context.Context
	cancel context.CancelFunc

	busy          bool
	lastUsed      time.Time
	lastKeepalive time.Time
	cookies       map[string]string
}

// NewPool builds the pool. No Chrome process starts until the first Acquire.
func NewPool(cfg Config, logger logging.Logger) *Pool {
	p := &Pool{
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		contexts: make(map[string]*Context),
		saved:    make(map[string]savedContext),
	}
	p.newAllocator = p.chromeAllocator
	p.newTab = chromeTab
	p.installCookies = func(bc *Context, cookies map[string]string) error {
		return bc.installCookies(nil, cookies)
	}
	return p
}

func (p *Pool) chromeAllocator() (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", p.cfg.Headless),
		chromedp.Flag("window-size", p.cfg.WindowSize),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "zh-CN"),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	if p.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ExecPath))
	}
	return chromedp.NewExecAllocator(context.Background(), opts...)
}

func chromeTab(allocCtx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(ctx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, nil, err
	}
	return ctx, cancel, nil
}

// Acquire returns the account's context, creating one if needed, and marks it
// busy. Callers hold the account lock, so at most one goroutine drives a
// context at a time. Returns ErrPoolSaturated when every process is full and
// nothing idle can be evicted.
func (p *Pool) Acquire(account string) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.contexts[account]; ok {
		if existing.ctx.Err() == nil && existing.slot.healthy() {
			existing.busy = true
			existing.lastUsed = time.Now()
			return existing, nil
		}
		p.dropLocked(existing)
	}

	if len(p.contexts) >= p.cfg.MaxActiveContexts {
		if !p.evictOldestIdleLocked() {
			return nil, agenterrors.ErrPoolSaturated
		}
	}

	s, err := p.placeLocked()
	if err != nil {
		return nil, err
	}
	ctx, cancel, err := p.newTab(s.allocCtx)
	if err != nil {
		// Chrome may have crashed. Rebuild the process and retry once.
		p.logger.Warn("tab creation on process %d failed (%v), rebuilding", s.id, err)
		p.rebuildSlotLocked(s)
		ctx, cancel, err = p.newTab(s.allocCtx)
		if err != nil {
			return nil, fmt.Errorf("create context for %s: %w", account, err)
		}
	}

	bc := &Context{
		Account:  account,
		pool:     p,
		slot:     s,
		ctx:      ctx,
		cancel:   cancel,
		busy:     true,
		lastUsed: time.Now(),
		cookies:  map[string]string{},
	}
	if prev, ok := p.saved[account]; ok {
		bc.cookies = prev.Cookies
		bc.lastKeepalive = prev.LastKeepaliveAt
		delete(p.saved, account)
	}
	if len(bc.cookies) > 0 {
		// A fresh tab starts with an empty jar; reinstall the snapshot so
		// the session resumes authenticated.
		if err := p.installCookies(bc, bc.cookies); err != nil {
			p.logger.Warn("restore cookies for %s: %v", account, err)
		}
	}
	s.accounts[account] = struct{}{}
	p.contexts[account] = bc
	if p.Metrics != nil {
		p.Metrics.ContextOpened(context.Background())
	}
	p.logger.Info("context for %s placed on process %d (%d/%d contexts active)",
		account, s.id, len(p.contexts), p.cfg.MaxActiveContexts)
	return bc, nil
}

// Release returns a context to the pool without destroying it.
func (p *Pool) Release(bc *Context) {
	if bc == nil {
		return
	}
	p.mu.Lock()
	bc.busy = false
	bc.lastUsed = time.Now()
	p.mu.Unlock()
}

// Drop destroys the account's context. Used when a session is beyond repair.
func (p *Pool) Drop(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bc, ok := p.contexts[account]; ok {
		p.dropLocked(bc)
	}
}

// placeLocked picks the least-loaded healthy process with spare tab capacity,
// launching a new process while under the browser cap.
func (p *Pool) placeLocked() (*slot, error) {
	var best *slot
	for _, s := range p.slots {
		if !s.healthy() || len(s.accounts) >= p.cfg.MaxContextsPerBrowser {
			continue
		}
		if best == nil || len(s.accounts) < len(best.accounts) {
			best = s
		}
	}
	if best != nil {
		return best, nil
	}
	if p.liveSlotCount() >= p.cfg.MaxBrowsers {
		return nil, agenterrors.ErrPoolSaturated
	}
	return p.launchSlotLocked(), nil
}

func (p *Pool) liveSlotCount() int {
	n := 0
	for _, s := range p.slots {
		if s.healthy() {
			n++
		}
	}
	return n
}

func (p *Pool) launchSlotLocked() *slot {
	allocCtx, allocCancel := p.newAllocator()
	s := &slot{
		id:          p.nextSlot,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		accounts:    make(map[string]struct{}),
	}
	p.nextSlot++
	p.slots = append(p.slots, s)
	if p.Metrics != nil {
		p.Metrics.ProcessStarted(context.Background())
	}
	p.logger.Info("launched browser process %d (%d live)", s.id, p.liveSlotCount())
	return s
}

// rebuildSlotLocked tears down a crashed process and starts a replacement in
// place. Contexts that lived on it are gone.
func (p *Pool) rebuildSlotLocked(s *slot) {
	for account := range s.accounts {
		if bc, ok := p.contexts[account]; ok {
			bc.cancel()
			delete(p.contexts, account)
			if p.Metrics != nil {
				p.Metrics.ContextClosed(context.Background())
			}
		}
	}
	s.accounts = make(map[string]struct{})
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.allocCtx, s.allocCancel = p.newAllocator()
	p.logger.Warn("browser process %d rebuilt", s.id)
}

func (p *Pool) dropLocked(bc *Context) {
	bc.cancel()
	delete(bc.slot.accounts, bc.Account)
	delete(p.contexts, bc.Account)
	if p.Metrics != nil {
		p.Metrics.ContextClosed(context.Background())
	}
}

// evictOldestIdleLocked removes the least-recently-used idle context.
func (p *Pool) evictOldestIdleLocked() bool {
	var victim *Context
	for _, bc := range p.contexts {
		if bc.busy {
			continue
		}
		if victim == nil || bc.lastUsed.Before(victim.lastUsed) {
			victim = bc
		}
	}
	if victim == nil {
		return false
	}
	p.logger.Info("evicting idle context for %s (last used %s ago)",
		victim.Account, time.Since(victim.lastUsed).Round(time.Second))
	p.dropLocked(victim)
	return true
}

// EvictIdle removes contexts idle longer than the configured timeout and
// returns how many were evicted.
func (p *Pool) EvictIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.ContextIdleTimeout)
	evicted := 0
	for _, bc := range p.snapshotLocked() {
		if bc.busy || bc.lastUsed.After(cutoff) {
			continue
		}
		p.dropLocked(bc)
		evicted++
	}
	if evicted > 0 {
		p.logger.Info("evicted %d idle contexts", evicted)
	}
	return evicted
}

// EvictAllIdle removes every context that is not busy, regardless of age.
// Used under resource pressure.
func (p *Pool) EvictAllIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for _, bc := range p.snapshotLocked() {
		if bc.busy {
			continue
		}
		p.dropLocked(bc)
		evicted++
	}
	if evicted > 0 {
		p.logger.Warn("emergency eviction released %d contexts", evicted)
	}
	return evicted
}

func (p *Pool) snapshotLocked() []*Context {
	out := make([]*Context, 0, len(p.contexts))
	for _, bc := range p.contexts {
		out = append(out, bc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lastUsed.Before(out[j].lastUsed) })
	return out
}

// Accounts lists every account the pool knows: live contexts oldest first,
// then saved-but-not-yet-rebuilt accounts from a restored snapshot.
func (p *Pool) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.contexts)+len(p.saved))
	for _, bc := range p.snapshotLocked() {
		out = append(out, bc.Account)
	}
	restored := make([]string, 0, len(p.saved))
	for account := range p.saved {
		if _, live := p.contexts[account]; !live {
			restored = append(restored, account)
		}
	}
	sort.Strings(restored)
	return append(out, restored...)
}

// ActiveCount reports how many contexts are live.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// KeepaliveDue returns accounts whose session has not been touched by a
// keepalive within interval, oldest first, skipping busy contexts. Accounts
// restored from a snapshot but not yet rebuilt count as due: touching one
// recreates its context from the saved cookies.
func (p *Pool) KeepaliveDue(interval time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-interval)
	type candidate struct {
		account string
		stamp   time.Time
	}
	var due []candidate
	for _, bc := range p.contexts {
		if bc.busy || bc.lastKeepalive.After(cutoff) {
			continue
		}
		due = append(due, candidate{bc.Account, bc.lastKeepalive})
	}
	for account, sc := range p.saved {
		if _, live := p.contexts[account]; live {
			continue
		}
		if sc.LastKeepaliveAt.After(cutoff) {
			continue
		}
		due = append(due, candidate{account, sc.LastKeepaliveAt})
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].stamp.Equal(due[j].stamp) {
			return due[i].account < due[j].account
		}
		return due[i].stamp.Before(due[j].stamp)
	})
	out := make([]string, len(due))
	for i, c := range due {
		out[i] = c.account
	}
	return out
}

// MarkKeepalive advances the account's keepalive clock.
func (p *Pool) MarkKeepalive(account string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bc, ok := p.contexts[account]; ok {
		bc.lastKeepalive = at
	}
}

// Restart persists cookie state, tears down every process, and leaves the
// pool empty; contexts are rebuilt lazily from the saved state on the next
// Acquire. Tries up to retries times with pause between attempts.
func (p *Pool) Restart(retries int, pause time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			time.Sleep(pause)
		}
		if err := p.SaveState(); err != nil {
			lastErr = err
			p.logger.Warn("restart attempt %d: save state: %v", attempt+1, err)
			continue
		}
		p.closeAll()
		p.logger.Info("browser pool restarted")
		return nil
	}
	return fmt.Errorf("restart browser pool: %w", lastErr)
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for account, bc := range p.contexts {
		// Keep the cookie snapshot so the next Acquire resumes warm.
		if len(bc.cookies) > 0 {
			p.saved[account] = savedContext{
				Cookies:         cloneCookies(bc.cookies),
				LastUsedAt:      bc.lastUsed,
				LastKeepaliveAt: bc.lastKeepalive,
			}
		}
		bc.cancel()
		if p.Metrics != nil {
			p.Metrics.ContextClosed(context.Background())
		}
	}
	p.contexts = make(map[string]*Context)
	for _, s := range p.slots {
		if s.allocCancel != nil {
			s.allocCancel()
		}
		if p.Metrics != nil {
			p.Metrics.ProcessStopped(context.Background())
		}
	}
	p.slots = nil
}

// Close shuts the pool down for good, persisting state first.
func (p *Pool) Close() {
	if err := p.SaveState(); err != nil {
		p.logger.Warn("save pool state on close: %v", err)
	}
	p.closeAll()
}
