package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpagent/internal/coordinator"
	agenterrors "dpagent/internal/errors"
	"dpagent/internal/extract"
	"dpagent/internal/locks"
	"dpagent/internal/logging"
	"dpagent/internal/portal"
)

type callbackRec struct {
	taskID   int
	status   int
	message  string
	retryAdd int
}

type fakeCoord struct {
	task     *coordinator.Task
	leaseErr error
	info     *coordinator.AccountInfo
	infoErr  error

	schedules   int
	rescheduled int
	resets      []int
	callbacks   []callbackRec
	batch       [][]coordinator.ProductResult
	single      []coordinator.ProductResult
}

func (c *fakeCoord) CreateSchedule(context.Context, time.Time) error { c.schedules++; return nil }
func (c *fakeCoord) LeaseTask(context.Context, string) (*coordinator.Task, error) {
	return c.task, c.leaseErr
}
func (c *fakeCoord) Callback(_ context.Context, taskID, status int, msg string, retryAdd int) error {
	c.callbacks = append(c.callbacks, callbackRec{taskID, status, msg, retryAdd})
	return nil
}
func (c *fakeCoord) ResetLease(_ context.Context, taskID int) error {
	c.resets = append(c.resets, taskID)
	return nil
}
func (c *fakeCoord) RescheduleFailed(context.Context) error { c.rescheduled++; return nil }
func (c *fakeCoord) AccountInfo(context.Context, string) (*coordinator.AccountInfo, error) {
	return c.info, c.infoErr
}
func (c *fakeCoord) UpdateBatchStatus(_ context.Context, _, _, _ string, results []coordinator.ProductResult) error {
	c.batch = append(c.batch, results)
	return nil
}
func (c *fakeCoord) UpdateSingleStatus(_ context.Context, _, _, _ string, r coordinator.ProductResult) error {
	c.single = append(c.single, r)
	return nil
}

type fakeSession struct {
	navigated  []string
	setCookies map[string]string
	cookies    map[string]string
	probeErr   error
	html       string
	clicks     []string
}

func (s *fakeSession) Navigate(_ context.Context, url string, _ time.Duration) error {
	s.navigated = append(s.navigated, url)
	return nil
}
func (s *fakeSession) Eval(context.Context, string, any) error { return nil }
func (s *fakeSession) HTML(context.Context) (string, error)    { return s.html, nil }
func (s *fakeSession) Click(_ context.Context, sel string) error {
	s.clicks = append(s.clicks, sel)
	return nil
}
func (s *fakeSession) SetCookies(_ context.Context, cookies map[string]string) error {
	s.setCookies = cookies
	return nil
}
func (s *fakeSession) Cookies(context.Context) (map[string]string, error) { return s.cookies, nil }
func (s *fakeSession) ProbeLogin(context.Context) error                   { return s.probeErr }

type fakeSessions struct {
	session    *fakeSession
	acquireErr error
	acquired   int
	released   int
	dropped    int
	evictIdle  int
	evictAll   int
}

func (p *fakeSessions) Acquire(string) (Session, error) {
	p.acquired++
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.session, nil
}
func (p *fakeSessions) Release(Session) { p.released++ }
func (p *fakeSessions) Drop(string)     { p.dropped++ }
func (p *fakeSessions) EvictIdle() int  { p.evictIdle++; return 0 }
func (p *fakeSessions) EvictAllIdle() int {
	p.evictAll++
	return 0
}

type fakeExtract struct {
	ran      []string
	fail     map[string]error
	failOnce map[string]error
	pageSeen map[string]bool
}

func (f *fakeExtract) run(product string) (coordinator.ProductResult, error) {
	f.ran = append(f.ran, product)
	if err := f.failOnce[product]; err != nil {
		delete(f.failOnce, product)
		return coordinator.ProductResult{TaskName: product, ErrorMessage: err.Error()}, err
	}
	if err := f.fail[product]; err != nil {
		return coordinator.ProductResult{TaskName: product, ErrorMessage: err.Error()}, err
	}
	return coordinator.ProductResult{TaskName: product, Success: true, RecordCount: 1}, nil
}

func (f *fakeExtract) StoreStats(_ context.Context, _ extract.Request, page extract.PageDriver) (coordinator.ProductResult, error) {
	if f.pageSeen == nil {
		f.pageSeen = map[string]bool{}
	}
	f.pageSeen[extract.ProductStoreStats] = page != nil
	return f.run(extract.ProductStoreStats)
}
func (f *fakeExtract) KewenDailyReport(context.Context, extract.Request) (coordinator.ProductResult, error) {
	return f.run(extract.ProductKewenDaily)
}
func (f *fakeExtract) PromotionDailyReport(context.Context, extract.Request) (coordinator.ProductResult, error) {
	return f.run(extract.ProductPromotionDaily)
}
func (f *fakeExtract) ReviewDetailDianping(context.Context, extract.Request) (coordinator.ProductResult, error) {
	return f.run(extract.ProductReviewDetailDP)
}
func (f *fakeExtract) ReviewDetailMeituan(context.Context, extract.Request) (coordinator.ProductResult, error) {
	return f.run(extract.ProductReviewDetailMT)
}
func (f *fakeExtract) ReviewSummaryDianping(context.Context, extract.Request) (coordinator.ProductResult, error) {
	return f.run(extract.ProductReviewSummaryDP)
}
func (f *fakeExtract) ReviewSummaryMeituan(context.Context, extract.Request) (coordinator.ProductResult, error) {
	return f.run(extract.ProductReviewSummaryMT)
}

type fakeKeepalive struct{ batches int }

func (k *fakeKeepalive) RunBatch(context.Context) int { k.batches++; return 0 }

type fakeMonitor struct{ keepSafe, taskSafe bool }

func (m fakeMonitor) SafeForKeepalive(context.Context) bool { return m.keepSafe }
func (m fakeMonitor) SafeForTask(context.Context) bool      { return m.taskSafe }

type fakeProvisioner struct {
	id    int
	err   error
	calls int
}

func (p *fakeProvisioner) Ensure(context.Context, portal.Auth) (int, error) {
	p.calls++
	return p.id, p.err
}

type fakeRelogin struct {
	info     *coordinator.AccountInfo
	err      error
	attempts int
	// limit, when positive, fails attempts past it the way the spent
	// single-use budget does.
	limit int
}

func (r *fakeRelogin) Attempt(context.Context, string) (*coordinator.AccountInfo, error) {
	r.attempts++
	if r.err != nil {
		return nil, r.err
	}
	if r.limit > 0 && r.attempts > r.limit {
		return nil, errors.New("re-login already attempted for this task")
	}
	return r.info, nil
}

type invalidation struct{ account, product, reason string }

type fakeInvalidator struct{ reported []invalidation }

func (f *fakeInvalidator) ReportInvalidation(_ context.Context, account, product, _, _, reason string) {
	f.reported = append(f.reported, invalidation{account, product, reason})
}

type fakeCookieSink struct{ got map[string]map[string]string }

func (s *fakeCookieSink) Enqueue(account string, cookies map[string]string) bool {
	if s.got == nil {
		s.got = map[string]map[string]string{}
	}
	s.got[account] = cookies
	return true
}

type fixture struct {
	coord    *fakeCoord
	sessions *fakeSessions
	extract  *fakeExtract
	keep     *fakeKeepalive
	prov     *fakeProvisioner
	relogin  *fakeRelogin
	invalid  *fakeInvalidator
	cookies  *fakeCookieSink
	orch     *Orchestrator
}

func account() *coordinator.AccountInfo {
	return &coordinator.AccountInfo{
		Account:     "acct-1",
		Cookies:     map[string]string{"token": "t1"},
		TemplatesID: 7,
		Shops:       []coordinator.Shop{{ShopID: "100", ShopName: "Store A"}},
	}
}

func allTask() *coordinator.Task {
	return &coordinator.Task{
		ID:            42,
		AccountID:     "acct-1",
		TaskType:      TaskTypeAll,
		DataStartDate: "2025-01-01",
		DataEndDate:   "2025-01-02",
	}
}

func newFixture(task *coordinator.Task) *fixture {
	f := &fixture{
		coord:    &fakeCoord{task: task, info: account()},
		sessions: &fakeSessions{session: &fakeSession{cookies: map[string]string{"token": "rotated"}}},
		extract:  &fakeExtract{},
		keep:     &fakeKeepalive{},
		prov:     &fakeProvisioner{id: 9},
		relogin:  &fakeRelogin{info: account()},
		invalid:  &fakeInvalidator{},
		cookies:  &fakeCookieSink{},
	}
	f.orch = New(Config{
		WorkerIP:         "10.0.0.1",
		NoTaskWait:       time.Minute,
		WorkWindowStart:  8,
		WorkWindowEnd:    23,
		IgnoreWorkWindow: true,
	}, Deps{
		Coordinator: f.coord,
		Sessions:    f.sessions,
		Extractors:  f.extract,
		Keepalive:   f.keep,
		Locks:       locks.NewRegistry(),
		Monitor:     fakeMonitor{keepSafe: true, taskSafe: true},
		Provisioner: f.prov,
		Invalid:     f.invalid,
		NewRelogin:  func() Relogin { return f.relogin },
		Cookies:     f.cookies,
		Logger:      logging.Nop(),
	})
	f.orch.sleep = func(context.Context, time.Duration) {}
	f.orch.delay = func(context.Context) {}
	return f
}

func lastCallback(t *testing.T, c *fakeCoord) callbackRec {
	t.Helper()
	require.NotEmpty(t, c.callbacks)
	return c.callbacks[len(c.callbacks)-1]
}

func TestAllTaskRunsEveryProductInPageOrder(t *testing.T) {
	f := newFixture(allTask())
	f.orch.runOnce(context.Background())

	assert.Equal(t, coordinator.ProductNames, f.extract.ran)
	assert.Equal(t, []string{flowAnalysisURL, reportCenterURL, reviewManageURL},
		f.sessions.session.navigated)
	assert.True(t, f.extract.pageSeen[extract.ProductStoreStats])

	cb := lastCallback(t, f.coord)
	assert.Equal(t, 42, cb.taskID)
	assert.Equal(t, coordinator.StatusSucceeded, cb.status)
	assert.Zero(t, cb.retryAdd)

	require.Len(t, f.coord.batch, 1)
	assert.Len(t, f.coord.batch[0], 7)
	assert.Equal(t, map[string]string{"token": "rotated"}, f.cookies.got["acct-1"])
	assert.False(t, f.orch.locks.Held("acct-1"))
}

func TestPageVisitRefreshesSharedAuth(t *testing.T) {
	f := newFixture(allTask())
	f.orch.runOnce(context.Background())

	// The session's rotated cookies replace the coordinator's snapshot.
	assert.Equal(t, map[string]string{"token": "rotated"}, f.coord.info.Cookies)
	assert.Equal(t, map[string]string{"token": "t1"}, f.sessions.session.setCookies)
}

func TestNoTaskRunsIdleMaintenance(t *testing.T) {
	f := newFixture(nil)
	f.orch.runOnce(context.Background())

	assert.Equal(t, 1, f.coord.schedules)
	assert.Equal(t, 1, f.coord.rescheduled)
	assert.Equal(t, 1, f.keep.batches)
	assert.Equal(t, 1, f.sessions.evictIdle)
	assert.Empty(t, f.coord.callbacks)
}

func TestIdleMaintenanceUnderPressure(t *testing.T) {
	f := newFixture(nil)
	f.orch.monitor = fakeMonitor{keepSafe: false, taskSafe: true}
	f.orch.runOnce(context.Background())
	assert.Equal(t, 1, f.sessions.evictIdle)
	assert.Zero(t, f.keep.batches)

	f = newFixture(nil)
	f.orch.monitor = fakeMonitor{keepSafe: false, taskSafe: false}
	f.orch.runOnce(context.Background())
	assert.Equal(t, 1, f.sessions.evictAll)
}

func TestCriticalHostResetsLease(t *testing.T) {
	f := newFixture(allTask())
	f.orch.monitor = fakeMonitor{keepSafe: false, taskSafe: false}
	f.orch.runOnce(context.Background())

	assert.Equal(t, []int{42}, f.coord.resets)
	assert.Empty(t, f.coord.callbacks)
	assert.Empty(t, f.extract.ran)
}

func TestProductFailureFailsTaskWithOneRetry(t *testing.T) {
	f := newFixture(allTask())
	f.extract.fail = map[string]error{extract.ProductKewenDaily: errors.New("report never ready")}
	f.orch.runOnce(context.Background())

	cb := lastCallback(t, f.coord)
	assert.Equal(t, coordinator.StatusFailed, cb.status)
	assert.Contains(t, cb.message, "kewen_daily_report: report never ready")
	assert.Equal(t, 1, cb.retryAdd)
	// The remaining products still ran.
	assert.Equal(t, coordinator.ProductNames, f.extract.ran)
}

func TestAuthInvalidWithSuccessfulRelogin(t *testing.T) {
	f := newFixture(allTask())
	fresh := account()
	fresh.Cookies = map[string]string{"token": "fresh"}
	f.relogin.info = fresh
	f.extract.failOnce = map[string]error{
		extract.ProductKewenDaily: &agenterrors.AuthInvalidError{Account: "acct-1", Signal: "api status 401"},
	}
	f.orch.runOnce(context.Background())

	assert.Equal(t, 1, f.relogin.attempts)
	assert.Empty(t, f.invalid.reported)
	// The interrupted product reruns on the fresh session, then the task
	// resumes where it left off.
	assert.Equal(t, []string{
		extract.ProductStoreStats,
		extract.ProductKewenDaily,
		extract.ProductKewenDaily,
		extract.ProductPromotionDaily,
		extract.ProductReviewDetailDP,
		extract.ProductReviewDetailMT,
		extract.ProductReviewSummaryDP,
		extract.ProductReviewSummaryMT,
	}, f.extract.ran)
	cb := lastCallback(t, f.coord)
	assert.Equal(t, coordinator.StatusSucceeded, cb.status)
	assert.Zero(t, cb.retryAdd)
	require.Len(t, f.coord.batch, 1)
	assert.Len(t, f.coord.batch[0], 7)
	// Session was reacquired after the rebuild.
	assert.Equal(t, 2, f.sessions.acquired)
}

func TestAuthInvalidAgainAfterReloginSpendsBudget(t *testing.T) {
	f := newFixture(allTask())
	f.relogin.limit = 1
	f.extract.fail = map[string]error{
		extract.ProductKewenDaily: &agenterrors.AuthInvalidError{Account: "acct-1", Signal: "api status 401"},
	}
	f.orch.runOnce(context.Background())

	// One rerun after the re-login, then the fan-out ends the task.
	assert.Equal(t, 2, f.relogin.attempts)
	require.Len(t, f.invalid.reported, 1)
	assert.Equal(t, extract.ProductKewenDaily, f.invalid.reported[0].product)
	assert.Empty(t, f.coord.batch)
	assert.Equal(t, []string{
		extract.ProductStoreStats,
		extract.ProductKewenDaily,
		extract.ProductKewenDaily,
	}, f.extract.ran)

	cb := lastCallback(t, f.coord)
	assert.Equal(t, coordinator.StatusFailed, cb.status)
	assert.Zero(t, cb.retryAdd)
}

func TestAuthInvalidWithFailedRelogin(t *testing.T) {
	f := newFixture(allTask())
	f.relogin.err = errors.New("coordinator has no cookies")
	f.extract.fail = map[string]error{
		extract.ProductStoreStats: &agenterrors.AuthInvalidError{Account: "acct-1", Signal: "login redirect"},
	}
	f.orch.runOnce(context.Background())

	require.Len(t, f.invalid.reported, 1)
	assert.Equal(t, extract.ProductStoreStats, f.invalid.reported[0].product)
	// The fan-out owns the batch status; no duplicate write.
	assert.Empty(t, f.coord.batch)
	// Nothing past the failing product ran.
	assert.Equal(t, []string{extract.ProductStoreStats}, f.extract.ran)

	cb := lastCallback(t, f.coord)
	assert.Equal(t, coordinator.StatusFailed, cb.status)
	assert.Zero(t, cb.retryAdd)
}

func TestPoolSaturationRetries(t *testing.T) {
	f := newFixture(allTask())
	f.sessions.acquireErr = agenterrors.ErrPoolSaturated
	f.orch.runOnce(context.Background())

	cb := lastCallback(t, f.coord)
	assert.Equal(t, coordinator.StatusFailed, cb.status)
	assert.Equal(t, 1, cb.retryAdd)
	assert.Empty(t, f.extract.ran)
}

func TestInvalidAccountPrecondition(t *testing.T) {
	f := newFixture(allTask())
	f.coord.info.AuthStatus = "invalid"
	f.orch.runOnce(context.Background())

	cb := lastCallback(t, f.coord)
	assert.Equal(t, coordinator.StatusFailed, cb.status)
	assert.Zero(t, cb.retryAdd)
	assert.Empty(t, f.extract.ran)
}

func TestAccountFetchFailureRetries(t *testing.T) {
	f := newFixture(allTask())
	f.coord.info = nil
	f.coord.infoErr = errors.New("coordinator down")
	f.orch.runOnce(context.Background())

	cb := lastCallback(t, f.coord)
	assert.Equal(t, 1, cb.retryAdd)
}

func TestMissingTemplateProvisioned(t *testing.T) {
	f := newFixture(allTask())
	f.coord.info.TemplatesID = 0
	f.orch.runOnce(context.Background())

	assert.Equal(t, 1, f.prov.calls)
	assert.Equal(t, 9, f.coord.info.TemplatesID)
	assert.Equal(t, coordinator.StatusSucceeded, lastCallback(t, f.coord).status)
}

func TestProvisionFailureIsPreconditionFailure(t *testing.T) {
	f := newFixture(allTask())
	f.coord.info.TemplatesID = 0
	f.prov.err = errors.New("portal rejected template")
	f.orch.runOnce(context.Background())

	cb := lastCallback(t, f.coord)
	assert.Equal(t, coordinator.StatusFailed, cb.status)
	assert.Equal(t, 1, cb.retryAdd)
	assert.Empty(t, f.extract.ran)
}

func TestSingleProductTaskSkipsBrowser(t *testing.T) {
	task := allTask()
	task.TaskType = extract.ProductKewenDaily
	f := newFixture(task)
	f.orch.runOnce(context.Background())

	assert.Equal(t, []string{extract.ProductKewenDaily}, f.extract.ran)
	assert.Zero(t, f.sessions.acquired)
	require.Len(t, f.coord.single, 1)
	assert.Empty(t, f.coord.batch)
	assert.Equal(t, coordinator.StatusSucceeded, lastCallback(t, f.coord).status)
}

func TestSingleStoreStatsUsesBrowser(t *testing.T) {
	task := allTask()
	task.TaskType = extract.ProductStoreStats
	f := newFixture(task)
	f.orch.runOnce(context.Background())

	assert.Equal(t, 1, f.sessions.acquired)
	assert.Equal(t, []string{flowAnalysisURL}, f.sessions.session.navigated)
	assert.True(t, f.extract.pageSeen[extract.ProductStoreStats])
}

func TestShopPermissionRecovery(t *testing.T) {
	f := newFixture(allTask())
	f.sessions.session.html = `<html><body><div class="banner">该账号暂无权限查看</div></body></html>`
	f.orch.runOnce(context.Background())

	assert.Equal(t, []string{
		shopSelectorTrigger, allShopsOption,
		shopSelectorTrigger, allShopsOption,
		shopSelectorTrigger, allShopsOption,
	}, f.sessions.session.clicks)
}

func TestPageLacksPermission(t *testing.T) {
	assert.True(t, pageLacksPermission(`<body><p>暂无权限</p></body>`))
	assert.False(t, pageLacksPermission(`<body><p>报表中心</p></body>`))
}

func TestWorkWindow(t *testing.T) {
	f := newFixture(nil)
	f.orch.cfg.IgnoreWorkWindow = false
	f.orch.now = func() time.Time {
		return time.Date(2025, 1, 2, 7, 30, 0, 0, time.Local)
	}
	assert.False(t, f.orch.inWorkWindow())

	f.orch.now = func() time.Time {
		return time.Date(2025, 1, 2, 8, 0, 0, 0, time.Local)
	}
	assert.True(t, f.orch.inWorkWindow())

	f.orch.now = func() time.Time {
		return time.Date(2025, 1, 2, 23, 0, 0, 0, time.Local)
	}
	assert.False(t, f.orch.inWorkWindow())
}

func TestMaintenanceRunsBeforeLease(t *testing.T) {
	f := newFixture(allTask())
	calls := 0
	f.orch.maintain = func(context.Context) {
		calls++
		// No task work has started while the hook runs.
		assert.Empty(t, f.extract.ran)
		assert.Zero(t, f.sessions.acquired)
	}
	f.orch.runOnce(context.Background())

	assert.Equal(t, 1, calls)
	assert.Equal(t, coordinator.ProductNames, f.extract.ran)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))

	long := strings.Repeat("门店流量导出失败", 30)
	require.Greater(t, len(long), errorMessageLimit)
	out := truncate(long)
	assert.LessOrEqual(t, len(out), errorMessageLimit)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(long, out))
}

func TestFailureSummary(t *testing.T) {
	assert.Equal(t, "no products ran", failureSummary(nil))
	assert.Empty(t, failureSummary([]coordinator.ProductResult{{TaskName: "a", Success: true}}))
	assert.Equal(t, "a: boom; b: failed", failureSummary([]coordinator.ProductResult{
		{TaskName: "a", ErrorMessage: "boom"},
		{TaskName: "b"},
		{TaskName: "c", Success: true},
	}))
}
