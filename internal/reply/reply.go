// Package reply posts AI-drafted review replies. After a session is touched
// the runner pulls the account's pending replies from the coordinator, posts
// each through the portal, and records the per-review outcome.
package reply

import (
	"context"
	"time"

	"dpagent/internal/coordinator"
	"dpagent/internal/logging"
	"dpagent/internal/portal"
)

// Reply result codes recorded on the coordinator.
const (
	ReplyPosted = 2
	ReplyFailed = 3

	// errorMessageLimit keeps recorded failures within the column size.
	errorMessageLimit = 500

	betweenReplies = time.Second
)

// Source serves and records pending replies. Satisfied by coordinator.Client.
type Source interface {
	PendingReplies(ctx context.Context, account string) ([]coordinator.PendingReply, error)
	UpdateReplyResult(ctx context.Context, platform, reviewID string, taskReply int, shopReply string) error
}

// Poster posts one reply to the portal. Satisfied by portal.Client.
type Poster interface {
	PostReply(ctx context.Context, auth portal.Auth, reply portal.ReplyRequest) (*portal.ReplyResult, error)
}

// Runner drains an account's pending replies.
type Runner struct {
	coord  Source
	portal Poster
	logger logging.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewRunner wires a reply runner.
func NewRunner(coord Source, poster Poster, logger logging.Logger) *Runner {
	return &Runner{
		coord:  coord,
		portal: poster,
		logger: logging.OrNop(logger),
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
}

// Run posts every valid pending reply for the account and returns how many
// were posted. Invalid items are skipped without recording a result; posting
// failures are recorded per review and do not stop the drain.
func (r *Runner) Run(ctx context.Context, auth portal.Auth) (int, error) {
	account := auth.Account
	pending, err := r.coord.PendingReplies(ctx, account)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	r.logger.Info("%d pending replies for %s", len(pending), account)

	posted := 0
	for i, item := range pending {
		if ctx.Err() != nil {
			return posted, ctx.Err()
		}
		if !item.Valid() {
			r.logger.Warn("pending reply %s for %s is incomplete, skipped", item.ReviewID, account)
			continue
		}
		if r.postOne(ctx, auth, item) {
			posted++
		}
		if i < len(pending)-1 {
			r.sleep(ctx, betweenReplies)
		}
	}
	return posted, nil
}

func (r *Runner) postOne(ctx context.Context, auth portal.Auth, item coordinator.PendingReply) bool {
	result, err := r.portal.PostReply(ctx, auth, portal.ReplyRequest{
		Platform: item.Platform,
		ShopID:   item.ShopID,
		ReviewID: item.ReviewID,
		UserID:   item.UserID,
		Content:  item.Content,
	})
	if err != nil {
		r.record(ctx, item, ReplyFailed, truncate(err.Error()))
		return false
	}
	if !result.Accepted() {
		r.record(ctx, item, ReplyFailed, truncate(result.Message()))
		return false
	}
	r.record(ctx, item, ReplyPosted, item.Content)
	return true
}

func (r *Runner) record(ctx context.Context, item coordinator.PendingReply, status int, detail string) {
	if err := r.coord.UpdateReplyResult(ctx, item.Platform, item.ReviewID, status, detail); err != nil {
		r.logger.Warn("record reply result for %s: %v", item.ReviewID, err)
	}
}

func truncate(s string) string {
	if len(s) <= errorMessageLimit {
		return s
	}
	return s[:errorMessageLimit]
}
