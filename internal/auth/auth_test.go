package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpagent/internal/coordinator"
	"dpagent/internal/logging"
)

type fakeSource struct {
	info *coordinator.AccountInfo
	err  error
}

func (s *fakeSource) AccountInfo(context.Context, string) (*coordinator.AccountInfo, error) {
	return s.info, s.err
}

type fakeRebuilder struct {
	calls   int
	cookies map[string]string
	err     error
}

func (r *fakeRebuilder) Rebuild(_ context.Context, _ string, cookies map[string]string) error {
	r.calls++
	r.cookies = cookies
	return r.err
}

func TestReloginAttemptSucceedsOnce(t *testing.T) {
	source := &fakeSource{info: &coordinator.AccountInfo{
		Account: "a",
		Cookies: map[string]string{"token": "fresh"},
	}}
	rebuilder := &fakeRebuilder{}
	r := NewRelogin(source, rebuilder, logging.Nop())

	info, err := r.Attempt(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "fresh", info.Cookies["token"])
	assert.Equal(t, map[string]string{"token": "fresh"}, rebuilder.cookies)
	assert.True(t, r.Used())

	_, err = r.Attempt(context.Background(), "a")
	assert.ErrorIs(t, err, ErrReloginExhausted)
	assert.Equal(t, 1, rebuilder.calls)
}

func TestReloginFailureStillSpendsAttempt(t *testing.T) {
	source := &fakeSource{info: &coordinator.AccountInfo{
		Account: "a",
		Cookies: map[string]string{"token": "fresh"},
	}}
	rebuilder := &fakeRebuilder{err: errors.New("probe redirected to login")}
	r := NewRelogin(source, rebuilder, logging.Nop())

	_, err := r.Attempt(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, r.Used())

	_, err = r.Attempt(context.Background(), "a")
	assert.ErrorIs(t, err, ErrReloginExhausted)
}

func TestReloginRejectsEmptyCookies(t *testing.T) {
	source := &fakeSource{info: &coordinator.AccountInfo{Account: "a"}}
	rebuilder := &fakeRebuilder{}
	r := NewRelogin(source, rebuilder, logging.Nop())

	_, err := r.Attempt(context.Background(), "a")
	require.Error(t, err)
	assert.Zero(t, rebuilder.calls)
}

type fakeSink struct {
	invalidated []string
	logs        []coordinator.LogEntry
	batches     [][]coordinator.ProductResult
	invalidErr  error
}

func (s *fakeSink) ReportAuthInvalid(_ context.Context, account string) error {
	s.invalidated = append(s.invalidated, account)
	return s.invalidErr
}

func (s *fakeSink) Log(_ context.Context, entry coordinator.LogEntry) error {
	s.logs = append(s.logs, entry)
	return nil
}

func (s *fakeSink) UpdateBatchStatus(_ context.Context, _, _, _ string, results []coordinator.ProductResult) error {
	s.batches = append(s.batches, results)
	return nil
}

func TestReportInvalidationFansOut(t *testing.T) {
	sink := &fakeSink{}
	f := NewReporter(sink, logging.Nop())

	f.ReportInvalidation(context.Background(), "a", "kewen_daily_report",
		"2025-01-01", "2025-01-02", "redirected to login page")

	assert.Equal(t, []string{"a"}, sink.invalidated)
	require.Len(t, sink.logs, 1)
	assert.Equal(t, coordinator.UploadFailed, sink.logs[0].UploadStatus)
	assert.Equal(t, "kewen_daily_report", sink.logs[0].TableName)
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
	assert.Equal(t, "kewen_daily_report", sink.batches[0][0].TaskName)
	assert.False(t, sink.batches[0][0].Success)
}

func TestReportInvalidationContinuesPastFailures(t *testing.T) {
	sink := &fakeSink{invalidErr: errors.New("coordinator down")}
	f := NewReporter(sink, logging.Nop())

	f.ReportInvalidation(context.Background(), "a", "store_stats",
		"2025-01-01", "2025-01-02", "http 401")

	// The later writes still happen.
	assert.Len(t, sink.logs, 1)
	assert.Len(t, sink.batches, 1)
}

func TestReportInvalidationUnknownProduct(t *testing.T) {
	sink := &fakeSink{}
	f := NewReporter(sink, logging.Nop())

	f.ReportInvalidation(context.Background(), "a", "precheck",
		"2025-01-01", "2025-01-02", "near-empty page body")

	require.Len(t, sink.batches, 1)
	assert.Empty(t, sink.batches[0], "no product was running, batch carries only not-run fills")
}
