// Package orchestrator runs the host's main task loop: lease work from the
// coordinator, execute it against the merchant portal through the browser
// pool, and report results. All browser work happens on this loop, serialised
// per account by the lock registry.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"dpagent/internal/coordinator"
	agenterrors "dpagent/internal/errors"
	"dpagent/internal/extract"
	"dpagent/internal/locks"
	"dpagent/internal/logging"
	"dpagent/internal/observability"
	"dpagent/internal/portal"
	"dpagent/internal/signature"
)

const (
	pageNavTimeout = 60 * time.Second
	criticalPause  = 30 * time.Second

	// Randomised pause between extractors and page visits.
	taskDelayMin = 2 * time.Second
	taskDelayMax = 5 * time.Second

	// sleepSlice bounds every wait so shutdown is noticed promptly.
	sleepSlice = 10 * time.Second

	errorMessageLimit = 500
)

// TaskTypeAll runs the full page-driven product sequence.
const TaskTypeAll = "all"

// Coordinator is the task-coordination surface the loop drives. Satisfied by
// coordinator.Client.
type Coordinator interface {
	CreateSchedule(ctx context.Context, now time.Time) error
	LeaseTask(ctx context.Context, workerIP string) (*coordinator.Task, error)
	Callback(ctx context.Context, taskID, status int, errorMessage string, retryAdd int) error
	ResetLease(ctx context.Context, taskID int) error
	RescheduleFailed(ctx context.Context) error
	AccountInfo(ctx context.Context, account string) (*coordinator.AccountInfo, error)
	UpdateBatchStatus(ctx context.Context, account, startDate, endDate string, results []coordinator.ProductResult) error
	UpdateSingleStatus(ctx context.Context, account, startDate, endDate string, r coordinator.ProductResult) error
}

// Extractors is the product surface. Satisfied by extract.Env.
type Extractors interface {
	StoreStats(ctx context.Context, req extract.Request, page extract.PageDriver) (coordinator.ProductResult, error)
	KewenDailyReport(ctx context.Context, req extract.Request) (coordinator.ProductResult, error)
	PromotionDailyReport(ctx context.Context, req extract.Request) (coordinator.ProductResult, error)
	ReviewDetailDianping(ctx context.Context, req extract.Request) (coordinator.ProductResult, error)
	ReviewDetailMeituan(ctx context.Context, req extract.Request) (coordinator.ProductResult, error)
	ReviewSummaryDianping(ctx context.Context, req extract.Request) (coordinator.ProductResult, error)
	ReviewSummaryMeituan(ctx context.Context, req extract.Request) (coordinator.ProductResult, error)
}

// KeepaliveRunner refreshes idle sessions during quiet periods.
type KeepaliveRunner interface {
	RunBatch(ctx context.Context) int
}

// HostGate reports host pressure. Satisfied by resource.Monitor.
type HostGate interface {
	SafeForKeepalive(ctx context.Context) bool
	SafeForTask(ctx context.Context) bool
}

// TemplateProvisioner finds or creates the account's report template.
type TemplateProvisioner interface {
	Ensure(ctx context.Context, auth portal.Auth) (int, error)
}

// Relogin is one task's single-use re-login attempt.
type Relogin interface {
	Attempt(ctx context.Context, account string) (*coordinator.AccountInfo, error)
}

// Invalidator fans an invalidation out to the coordinator.
type Invalidator interface {
	ReportInvalidation(ctx context.Context, account, product, startDate, endDate, reason string)
}

// CookieSink receives refreshed cookies after a task.
type CookieSink interface {
	Enqueue(account string, cookies map[string]string) bool
}

// Config tunes the loop.
type Config struct {
	WorkerIP        string
	NoTaskWait      time.Duration
	WorkWindowStart int // hour of day, inclusive
	WorkWindowEnd   int // hour of day, exclusive
	// IgnoreWorkWindow lets development hosts lease around the clock.
	IgnoreWorkWindow bool
	LockTimeout      time.Duration
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Coordinator Coordinator
	Sessions    Sessions
	Extractors  Extractors
	Keepalive   KeepaliveRunner
	Locks       *locks.Registry
	Monitor     HostGate
	Provisioner TemplateProvisioner
	Invalid     Invalidator
	// NewRelogin builds the per-task re-login budget.
	NewRelogin func() Relogin
	Cookies    CookieSink
	Metrics    *observability.Collector
	Logger     logging.Logger
	// Maintenance, when set, runs at the top of every loop iteration, before
	// any lease is taken. Deferred work that must not overlap a task (the
	// daily pool restart) goes through it.
	Maintenance func(ctx context.Context)
}

// Orchestrator is the main task loop.
type Orchestrator struct {
	cfg      Config
	coord    Coordinator
	session  Sessions
	extract  Extractors
	keep     KeepaliveRunner
	locks    *locks.Registry
	monitor  HostGate
	prov     TemplateProvisioner
	invalid  Invalidator
	relogin  func() Relogin
	cookies  CookieSink
	metrics  *observability.Collector
	logger   logging.Logger
	maintain func(ctx context.Context)

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
	// delay applies the randomised inter-step pause.
	delay func(ctx context.Context)
}

// New wires the loop.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.NoTaskWait <= 0 {
		cfg.NoTaskWait = 5 * time.Minute
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 60 * time.Second
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = &observability.Collector{}
	}
	o := &Orchestrator{
		cfg:      cfg,
		coord:    deps.Coordinator,
		session:  deps.Sessions,
		extract:  deps.Extractors,
		keep:     deps.Keepalive,
		locks:    deps.Locks,
		monitor:  deps.Monitor,
		prov:     deps.Provisioner,
		invalid:  deps.Invalid,
		relogin:  deps.NewRelogin,
		cookies:  deps.Cookies,
		metrics:  metrics,
		logger:   logging.OrNop(deps.Logger),
		maintain: deps.Maintenance,
		now:      time.Now,
	}
	o.sleep = o.sliceSleep
	o.delay = func(ctx context.Context) {
		o.sleep(ctx, taskDelayMin+time.Duration(rand.Int63n(int64(taskDelayMax-taskDelayMin))))
	}
	return o
}

// Run loops until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.inWorkWindow() {
			o.sleep(ctx, time.Minute)
			continue
		}
		o.runOnce(ctx)
	}
}

func (o *Orchestrator) inWorkWindow() bool {
	if o.cfg.IgnoreWorkWindow {
		return true
	}
	h := o.now().Hour()
	return h >= o.cfg.WorkWindowStart && h < o.cfg.WorkWindowEnd
}

// runOnce performs one lease attempt: idle maintenance when nothing is
// pending, otherwise the full task.
func (o *Orchestrator) runOnce(ctx context.Context) {
	if o.maintain != nil {
		o.maintain(ctx)
	}
	if err := o.coord.CreateSchedule(ctx, o.now()); err != nil {
		o.logger.Warn("schedule generation: %v", err)
	}

	task, err := o.coord.LeaseTask(ctx, o.cfg.WorkerIP)
	if err != nil {
		o.logger.Warn("lease task: %v", err)
		o.sleep(ctx, o.cfg.NoTaskWait)
		return
	}
	if task == nil {
		o.idleMaintenance(ctx)
		o.sleep(ctx, o.cfg.NoTaskWait)
		return
	}

	o.logger.Info("leased task %d: account %s, type %s, window %s..%s",
		task.ID, task.AccountID, task.TaskType, task.DataStartDate, task.DataEndDate)
	o.metrics.RecordLease(ctx, task.TaskType)

	if !o.monitor.SafeForTask(ctx) {
		o.logger.Warn("host critical, resetting lease %d", task.ID)
		if err := o.coord.ResetLease(ctx, task.ID); err != nil {
			o.logger.Error("reset lease %d: %v", task.ID, err)
		}
		o.sleep(ctx, criticalPause)
		return
	}

	o.executeLease(ctx, task)
}

// idleMaintenance runs between leases: requeue dead tasks, shed pressure,
// keep warm sessions alive.
func (o *Orchestrator) idleMaintenance(ctx context.Context) {
	if err := o.coord.RescheduleFailed(ctx); err != nil {
		o.logger.Warn("reschedule failed tasks: %v", err)
	}
	switch {
	case !o.monitor.SafeForTask(ctx):
		n := o.session.EvictAllIdle()
		o.logger.Warn("host critical, emergency release of %d idle contexts", n)
	case !o.monitor.SafeForKeepalive(ctx):
		o.session.EvictIdle()
	default:
		o.keep.RunBatch(ctx)
		o.session.EvictIdle()
	}
}

// executeLease holds the account lock for the task's whole lifetime and
// always answers the lease with exactly one callback.
func (o *Orchestrator) executeLease(ctx context.Context, task *coordinator.Task) {
	started := o.now()
	if err := o.locks.Acquire(ctx, task.AccountID, o.cfg.LockTimeout); err != nil {
		o.finishLease(ctx, task, coordinator.StatusFailed,
			fmt.Sprintf("account %s busy: %v", task.AccountID, err), 1, started)
		return
	}
	defer o.locks.Release(task.AccountID)

	status, msg, retryAdd := o.runTask(ctx, task)
	o.finishLease(ctx, task, status, msg, retryAdd, started)
}

func (o *Orchestrator) finishLease(ctx context.Context, task *coordinator.Task, status int, msg string, retryAdd int, started time.Time) {
	if err := o.coord.Callback(ctx, task.ID, status, truncate(msg), retryAdd); err != nil {
		o.logger.Error("callback for task %d: %v", task.ID, err)
	}
	label := "succeeded"
	if status != coordinator.StatusSucceeded {
		label = "failed"
	}
	o.metrics.RecordTaskResult(ctx, task.TaskType, label, o.now().Sub(started))
	o.logger.Info("task %d %s in %s", task.ID, label, o.now().Sub(started).Round(time.Second))
}

// taskRun is the mutable state of one leased task.
type taskRun struct {
	task    *coordinator.Task
	info    *coordinator.AccountInfo
	auth    portal.Auth
	relogin Relogin
	session Session
	results []coordinator.ProductResult
	// invalidated means the fan-out already wrote the batch status.
	invalidated bool
}

func (o *Orchestrator) runTask(ctx context.Context, task *coordinator.Task) (status int, msg string, retryAdd int) {
	info, err := o.coord.AccountInfo(ctx, task.AccountID)
	if err != nil {
		return coordinator.StatusFailed, fmt.Sprintf("fetch account %s: %v", task.AccountID, err), 1
	}
	if info.AuthStatus == "invalid" {
		return coordinator.StatusFailed, fmt.Sprintf("account %s is marked invalid", task.AccountID), 0
	}
	if len(info.Cookies) == 0 {
		return coordinator.StatusFailed, fmt.Sprintf("account %s has no cookies", task.AccountID), 0
	}

	run := &taskRun{
		task:    task,
		info:    info,
		relogin: o.relogin(),
	}
	run.auth = portal.Auth{
		Account: task.AccountID,
		Cookies: info.Cookies,
		APISig:  signature.Generate(info.Cookies, info.Mtgsig),
	}
	defer o.closeRun(ctx, run)

	if info.TemplatesID == 0 {
		id, err := o.prov.Ensure(ctx, run.auth)
		if err != nil {
			return coordinator.StatusFailed, fmt.Sprintf("provision template: %v", err), 1
		}
		info.TemplatesID = id
	}

	if task.TaskType == TaskTypeAll {
		err = o.runAll(ctx, run)
	} else {
		err = o.runSingle(ctx, run, task.TaskType)
	}
	if err != nil {
		switch {
		case agenterrors.IsAuthInvalid(err):
			return coordinator.StatusFailed, err.Error(), 0
		default:
			// Pool saturation and anything unexpected: worth a retry.
			return coordinator.StatusFailed, err.Error(), 1
		}
	}

	o.reportResults(ctx, run)
	if msg := failureSummary(run.results); msg != "" {
		// A task with failed products gets one more round.
		return coordinator.StatusFailed, msg, 1
	}
	return coordinator.StatusSucceeded, "", 0
}

// closeRun harvests the session's rotated cookies for upload and returns the
// context to the pool.
func (o *Orchestrator) closeRun(ctx context.Context, run *taskRun) {
	if run.session == nil {
		return
	}
	if cookies, err := run.session.Cookies(ctx); err == nil && len(cookies) > 0 {
		o.cookies.Enqueue(run.task.AccountID, cookies)
	}
	o.session.Release(run.session)
	run.session = nil
}

// runAll walks the page-driven sequence: every page visit refreshes the
// session the extractors on that page depend on.
func (o *Orchestrator) runAll(ctx context.Context, run *taskRun) error {
	if err := o.initSession(ctx, run); err != nil {
		if handled, herr := o.maybeRelogin(ctx, run, "", err); !handled {
			return herr
		}
	}

	for i, page := range taskPages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.visitPage(ctx, run, page); err != nil {
			return err
		}
		if i < len(taskPages)-1 {
			o.delay(ctx)
		}
	}
	return nil
}

// runSingle runs one extractor. Only store stats needs the browser; the
// other products work the portal API directly.
func (o *Orchestrator) runSingle(ctx context.Context, run *taskRun, product string) error {
	if product == extract.ProductStoreStats {
		if err := o.initSession(ctx, run); err != nil {
			if handled, herr := o.maybeRelogin(ctx, run, product, err); !handled {
				return herr
			}
		}
		if run.session != nil {
			if err := run.session.Navigate(ctx, flowAnalysisURL, pageNavTimeout); err != nil {
				o.logger.Warn("flow page for %s: %v", run.task.AccountID, err)
			} else {
				o.recoverShopPermission(ctx, run.session)
				o.refreshAuth(ctx, run)
			}
		}
	}
	return o.runProductStep(ctx, run, product)
}

func (o *Orchestrator) visitPage(ctx context.Context, run *taskRun, page taskPage) error {
	if run.session != nil {
		if err := run.session.Navigate(ctx, page.url, pageNavTimeout); err != nil {
			o.logger.Warn("page %s for %s: %v", page.name, run.task.AccountID, err)
			for _, product := range page.products {
				run.results = append(run.results, coordinator.ProductResult{
					TaskName:     product,
					ErrorMessage: fmt.Sprintf("page %s navigation failed: %v", page.name, err),
				})
			}
			return nil
		}
		o.recoverShopPermission(ctx, run.session)
		o.refreshAuth(ctx, run)
	}

	for i, product := range page.products {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runProductStep(ctx, run, product); err != nil {
			return err
		}
		if i < len(page.products)-1 {
			o.delay(ctx)
		}
	}
	return nil
}

// runProductStep runs one extractor and absorbs an invalidation through the
// single re-login: on success the interrupted extractor runs again on the
// fresh session before the task moves on.
func (o *Orchestrator) runProductStep(ctx context.Context, run *taskRun, product string) error {
	result, err := o.runProduct(ctx, run, product)
	if err != nil && agenterrors.IsAuthInvalid(err) {
		handled, herr := o.maybeRelogin(ctx, run, product, err)
		if !handled {
			run.results = append(run.results, result)
			return herr
		}
		result, err = o.runProduct(ctx, run, product)
		if err != nil && agenterrors.IsAuthInvalid(err) {
			// The budget is spent; this attempt runs the fan-out.
			if handled, herr := o.maybeRelogin(ctx, run, product, err); !handled {
				run.results = append(run.results, result)
				return herr
			}
		}
	}
	run.results = append(run.results, result)
	o.metrics.RecordRowsUploaded(ctx, product, result.RecordCount)
	return nil
}

func (o *Orchestrator) runProduct(ctx context.Context, run *taskRun, product string) (coordinator.ProductResult, error) {
	req := extract.Request{Task: *run.task, Account: run.info, Auth: run.auth}
	switch product {
	case extract.ProductStoreStats:
		var page extract.PageDriver
		if run.session != nil {
			page = run.session
		}
		return o.extract.StoreStats(ctx, req, page)
	case extract.ProductKewenDaily:
		return o.extract.KewenDailyReport(ctx, req)
	case extract.ProductPromotionDaily:
		return o.extract.PromotionDailyReport(ctx, req)
	case extract.ProductReviewDetailDP:
		return o.extract.ReviewDetailDianping(ctx, req)
	case extract.ProductReviewDetailMT:
		return o.extract.ReviewDetailMeituan(ctx, req)
	case extract.ProductReviewSummaryDP:
		return o.extract.ReviewSummaryDianping(ctx, req)
	case extract.ProductReviewSummaryMT:
		return o.extract.ReviewSummaryMeituan(ctx, req)
	default:
		err := fmt.Errorf("unknown product %q", product)
		return coordinator.ProductResult{TaskName: product, ErrorMessage: err.Error()}, err
	}
}

// initSession puts the account's browser context on the task's cookies and
// verifies it authenticates.
func (o *Orchestrator) initSession(ctx context.Context, run *taskRun) error {
	s, err := o.session.Acquire(run.task.AccountID)
	if err != nil {
		return err
	}
	run.session = s
	if err := s.SetCookies(ctx, run.auth.Cookies); err != nil {
		o.dropSession(run)
		return err
	}
	if err := s.ProbeLogin(ctx); err != nil {
		o.dropSession(run)
		return err
	}
	return nil
}

func (o *Orchestrator) dropSession(run *taskRun) {
	if run.session == nil {
		return
	}
	o.session.Release(run.session)
	o.session.Drop(run.task.AccountID)
	run.session = nil
}

// maybeRelogin spends the task's re-login budget on an invalidation. handled
// is true when the session was restored and the task may continue; otherwise
// the fan-out has run and the returned error ends the task.
func (o *Orchestrator) maybeRelogin(ctx context.Context, run *taskRun, product string, cause error) (handled bool, err error) {
	if !agenterrors.IsAuthInvalid(cause) {
		return false, cause
	}
	account := run.task.AccountID
	info, err := run.relogin.Attempt(ctx, account)
	if err != nil {
		o.logger.Warn("re-login for %s failed: %v", account, err)
		o.invalid.ReportInvalidation(ctx, account, product,
			run.task.DataStartDate, run.task.DataEndDate, cause.Error())
		o.metrics.RecordInvalidation(ctx, product)
		run.invalidated = true
		return false, cause
	}

	run.info.Cookies = info.Cookies
	run.info.Mtgsig = info.Mtgsig
	run.auth = portal.Auth{
		Account: account,
		Cookies: info.Cookies,
		APISig:  signature.Generate(info.Cookies, info.Mtgsig),
	}
	// The rebuilder replaced the pool context; pick the fresh one up.
	if run.session != nil {
		o.session.Release(run.session)
		run.session = nil
	}
	if s, err := o.session.Acquire(account); err == nil {
		run.session = s
	} else {
		o.logger.Warn("reacquire session for %s: %v", account, err)
	}
	return true, nil
}

// refreshAuth folds the cookies the page visit rotated into the shared
// credentials the remaining extractors use.
func (o *Orchestrator) refreshAuth(ctx context.Context, run *taskRun) {
	if run.session == nil {
		return
	}
	cookies, err := run.session.Cookies(ctx)
	if err != nil || len(cookies) == 0 {
		return
	}
	run.auth.Cookies = cookies
	run.auth.APISig = signature.Generate(cookies, run.info.Mtgsig)
	run.info.Cookies = cookies
}

// reportResults posts the per-product statuses, unless the invalidation
// fan-out already did.
func (o *Orchestrator) reportResults(ctx context.Context, run *taskRun) {
	if run.invalidated || len(run.results) == 0 {
		return
	}
	task := run.task
	var err error
	if task.TaskType == TaskTypeAll {
		err = o.coord.UpdateBatchStatus(ctx, task.AccountID, task.DataStartDate, task.DataEndDate, run.results)
	} else {
		err = o.coord.UpdateSingleStatus(ctx, task.AccountID, task.DataStartDate, task.DataEndDate, run.results[0])
	}
	if err != nil {
		o.logger.Error("report product statuses for %s: %v", task.AccountID, err)
	}
}

// failureSummary joins the failed products' messages, empty when every
// product succeeded.
func failureSummary(results []coordinator.ProductResult) string {
	if len(results) == 0 {
		return "no products ran"
	}
	var parts []string
	for _, r := range results {
		if r.Success {
			continue
		}
		msg := r.ErrorMessage
		if msg == "" {
			msg = "failed"
		}
		parts = append(parts, r.TaskName+": "+msg)
	}
	return strings.Join(parts, "; ")
}

// sliceSleep waits in short slices so cancellation cuts long idles short.
func (o *Orchestrator) sliceSleep(ctx context.Context, d time.Duration) {
	deadline := o.now().Add(d)
	for {
		remaining := deadline.Sub(o.now())
		if remaining <= 0 {
			return
		}
		if remaining > sleepSlice {
			remaining = sleepSlice
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// truncate caps the callback message without splitting a multi-byte rune;
// portal error text is mostly Chinese.
func truncate(s string) string {
	if len(s) <= errorMessageLimit {
		return s
	}
	cut := errorMessageLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
