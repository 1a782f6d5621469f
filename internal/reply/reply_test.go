package reply

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpagent/internal/coordinator"
	"dpagent/internal/logging"
	"dpagent/internal/portal"
)

type fakeSource struct {
	pending []coordinator.PendingReply
	err     error
	results []recordedResult
}

type recordedResult struct {
	reviewID string
	status   int
	detail   string
}

func (s *fakeSource) PendingReplies(context.Context, string) ([]coordinator.PendingReply, error) {
	return s.pending, s.err
}

func (s *fakeSource) UpdateReplyResult(_ context.Context, _, reviewID string, status int, detail string) error {
	s.results = append(s.results, recordedResult{reviewID: reviewID, status: status, detail: detail})
	return nil
}

type fakePoster struct {
	posted  []portal.ReplyRequest
	failFor map[string]string // review id -> portal failure message
	errFor  map[string]error
}

func (p *fakePoster) PostReply(_ context.Context, _ portal.Auth, req portal.ReplyRequest) (*portal.ReplyResult, error) {
	p.posted = append(p.posted, req)
	if err := p.errFor[req.ReviewID]; err != nil {
		return nil, err
	}
	if msg, ok := p.failFor[req.ReviewID]; ok {
		return &portal.ReplyResult{Code: 500, Msg: []byte(`"` + msg + `"`)}, nil
	}
	return &portal.ReplyResult{Code: 200}, nil
}

func pending(id string) coordinator.PendingReply {
	return coordinator.PendingReply{
		ReviewID: id,
		ShopID:   "100",
		UserID:   "u-" + id,
		Content:  "thank you",
		Platform: "dianping",
	}
}

func newTestRunner(source *fakeSource, poster *fakePoster) *Runner {
	r := NewRunner(source, poster, logging.Nop())
	r.sleep = func(context.Context, time.Duration) {}
	return r
}

func TestRunPostsAndRecords(t *testing.T) {
	source := &fakeSource{pending: []coordinator.PendingReply{pending("r1"), pending("r2")}}
	poster := &fakePoster{}
	r := newTestRunner(source, poster)

	posted, err := r.Run(context.Background(), portal.Auth{Account: "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, posted)
	require.Len(t, source.results, 2)
	assert.Equal(t, ReplyPosted, source.results[0].status)
	assert.Equal(t, "thank you", source.results[0].detail)
}

func TestRunSkipsInvalidItems(t *testing.T) {
	incomplete := coordinator.PendingReply{ReviewID: "r1", Platform: "dianping"}
	source := &fakeSource{pending: []coordinator.PendingReply{incomplete, pending("r2")}}
	poster := &fakePoster{}
	r := newTestRunner(source, poster)

	posted, err := r.Run(context.Background(), portal.Auth{Account: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, posted)
	assert.Len(t, poster.posted, 1)
	// Skipped items get no recorded result; they stay pending.
	require.Len(t, source.results, 1)
	assert.Equal(t, "r2", source.results[0].reviewID)
}

func TestRunRecordsPortalRejection(t *testing.T) {
	source := &fakeSource{pending: []coordinator.PendingReply{pending("r1"), pending("r2")}}
	poster := &fakePoster{failFor: map[string]string{"r1": "review already replied"}}
	r := newTestRunner(source, poster)

	posted, err := r.Run(context.Background(), portal.Auth{Account: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, posted)
	require.Len(t, source.results, 2)
	assert.Equal(t, ReplyFailed, source.results[0].status)
	assert.Equal(t, "review already replied", source.results[0].detail)
	assert.Equal(t, ReplyPosted, source.results[1].status)
}

func TestRunContinuesPastPostErrors(t *testing.T) {
	source := &fakeSource{pending: []coordinator.PendingReply{pending("r1"), pending("r2")}}
	poster := &fakePoster{errFor: map[string]error{"r1": errors.New("connection reset")}}
	r := newTestRunner(source, poster)

	posted, err := r.Run(context.Background(), portal.Auth{Account: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, posted)
	assert.Equal(t, ReplyFailed, source.results[0].status)
}

func TestRunTruncatesLongErrors(t *testing.T) {
	source := &fakeSource{pending: []coordinator.PendingReply{pending("r1")}}
	long := strings.Repeat("x", 900)
	poster := &fakePoster{errFor: map[string]error{"r1": errors.New(long)}}
	r := newTestRunner(source, poster)

	_, err := r.Run(context.Background(), portal.Auth{Account: "a"})
	require.NoError(t, err)
	assert.Len(t, source.results[0].detail, errorMessageLimit)
}

func TestRunSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("coordinator down")}
	r := newTestRunner(source, &fakePoster{})

	_, err := r.Run(context.Background(), portal.Auth{Account: "a"})
	assert.Error(t, err)
}

func TestRunNothingPending(t *testing.T) {
	r := newTestRunner(&fakeSource{}, &fakePoster{})
	posted, err := r.Run(context.Background(), portal.Auth{Account: "a"})
	require.NoError(t, err)
	assert.Zero(t, posted)
}
