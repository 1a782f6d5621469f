// Package cookiequeue decouples cookie refreshes from their upload. The
// keepalive path and task flows enqueue refreshed cookie sets; a single
// consumer goroutine batches them and writes each envelope to both
// coordinator cookie stores. A full queue drops the newest envelope rather
// than blocking the browser.
package cookiequeue

import (
	"context"
	"sync"
	"time"

	"dpagent/internal/logging"
)

// Envelope is one refreshed cookie set awaiting upload.
type Envelope struct {
	Account    string
	Cookies    map[string]string
	EnqueuedAt time.Time
}

// Uploader writes one envelope to the coordinator's two cookie stores.
type Uploader interface {
	UploadCookieConfig(ctx context.Context, name string, cookies map[string]string, refreshedAt time.Time) error
	UploadAccountCookie(ctx context.Context, account string, cookies map[string]string) error
}

// Queue is the bounded cookie upload queue.
type Queue struct {
	ch       chan Envelope
	uploader Uploader
	batch    int
	interval time.Duration
	logger   logging.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropped int64
}

// New builds a queue. capacity bounds pending envelopes; batch and interval
// control how the consumer groups uploads.
func New(uploader Uploader, capacity, batch int, interval time.Duration, logger logging.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	if batch <= 0 {
		batch = 10
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Queue{
		ch:       make(chan Envelope, capacity),
		uploader: uploader,
		batch:    batch,
		interval: interval,
		logger:   logging.OrNop(logger),
		done:     make(chan struct{}),
	}
}

// Enqueue offers an envelope without blocking. When the queue is full the
// envelope is dropped and counted; the next keepalive will enqueue a fresher
// set anyway.
func (q *Queue) Enqueue(account string, cookies map[string]string) bool {
	env := Envelope{Account: account, Cookies: cookies, EnqueuedAt: time.Now()}
	select {
	case q.ch <- env:
		return true
	default:
		q.mu.Lock()
		q.dropped++
		n := q.dropped
		q.mu.Unlock()
		q.logger.Warn("cookie queue full, dropped envelope for %s (%d dropped total)", account, n)
		return false
	}
}

// Dropped returns how many envelopes have been discarded since start.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of pending envelopes.
func (q *Queue) Len() int { return len(q.ch) }

// Run consumes the queue until Close is called, then drains what remains and
// returns. ctx bounds individual uploads, not the loop itself.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	pending := make([]Envelope, 0, q.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		q.uploadBatch(ctx, pending)
		pending = pending[:0]
	}

	for {
		select {
		case env, ok := <-q.ch:
			if !ok {
				flush()
				close(q.done)
				return
			}
			pending = append(pending, env)
			if len(pending) >= q.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops intake and waits for the consumer to drain.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
	<-q.done
}

func (q *Queue) uploadBatch(ctx context.Context, batch []Envelope) {
	q.logger.Debug("uploading %d cookie envelope(s)", len(batch))
	for _, env := range batch {
		if err := q.uploader.UploadCookieConfig(ctx, env.Account, env.Cookies, env.EnqueuedAt); err != nil {
			q.logger.Warn("cookie_config upload for %s failed: %v", env.Account, err)
		}
		if err := q.uploader.UploadAccountCookie(ctx, env.Account, env.Cookies); err != nil {
			q.logger.Warn("platform-accounts upload for %s failed: %v", env.Account, err)
		}
	}
}
