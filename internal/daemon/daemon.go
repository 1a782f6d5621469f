// Package daemon assembles the agent from its parts and runs it until
// shutdown: the task loop on the main goroutine's context, the cookie upload
// consumer beside it, and a cron schedule that marks daily maintenance due.
// The pool restart itself runs on the task loop, between leases, so it never
// tears down a context mid-task.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"dpagent/internal/artifact"
	"dpagent/internal/auth"
	"dpagent/internal/browser"
	"dpagent/internal/config"
	"dpagent/internal/coordinator"
	"dpagent/internal/cookiequeue"
	"dpagent/internal/extract"
	"dpagent/internal/keepalive"
	"dpagent/internal/locks"
	"dpagent/internal/logging"
	"dpagent/internal/netutil"
	"dpagent/internal/observability"
	"dpagent/internal/orchestrator"
	"dpagent/internal/portal"
	"dpagent/internal/provision"
	"dpagent/internal/reply"
	"dpagent/internal/resource"
	"dpagent/internal/signature"
)

const (
	ipResolveTimeout = 10 * time.Second
	queueStatsEvery  = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	rewarmTimeout    = 10 * time.Minute
)

// Daemon is the assembled agent.
type Daemon struct {
	cfg    *config.Config
	logger logging.Logger

	coord   *coordinator.Client
	pool    *browser.Pool
	queue   *cookiequeue.Queue
	orch    *orchestrator.Orchestrator
	keep    *keepalive.Runner
	store   *artifact.Store
	metrics *observability.Collector
	cron    *cron.Cron

	// restartDue is set by the cron schedule and consumed by the task loop
	// between leases.
	restartDue atomic.Bool
}

// New wires the agent from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		if err := logging.EnableFile(cfg.Log.File); err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
	}
	logger := logging.NewComponentLogger("daemon")
	netutil.ScrubProxyEnv(logger)

	metrics, err := observability.NewCollector(observability.Config{
		Enabled: cfg.Metrics.Listen != "",
		Listen:  cfg.Metrics.Listen,
	}, logging.NewComponentLogger("metrics"))
	if err != nil {
		return nil, err
	}

	store, err := artifact.NewStore(cfg.Paths.DownloadDir, logging.NewComponentLogger("artifact"))
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(cfg.Coordinator.BaseURL, logging.NewComponentLogger("coordinator"))
	portalClient := portal.New(logging.NewComponentLogger("portal"))

	monitor := resource.NewMonitor(resource.Thresholds{
		CPUWarning:  cfg.Resource.CPUWarning,
		CPUCritical: cfg.Resource.CPUCritical,
		MemWarning:  cfg.Resource.MemWarning,
		MemCritical: cfg.Resource.MemCritical,
	}, cfg.Resource.CheckInterval, logging.NewComponentLogger("resource"))

	registry := locks.NewRegistry()

	pool := browser.NewPool(browser.Config{
		MaxBrowsers:           cfg.Pool.MaxBrowsers,
		MaxContextsPerBrowser: cfg.Pool.MaxContextsPerBrowser,
		MaxActiveContexts:     cfg.Pool.MaxActiveContexts,
		ContextIdleTimeout:    cfg.Pool.ContextIdleTimeout,
		Headless:              cfg.Browser.Headless,
		ExecPath:              cfg.Browser.ExecPath,
		WindowSize:            cfg.Browser.WindowSize,
		StateDir:              cfg.Paths.StateDir,
	}, logging.NewComponentLogger("browser"))
	pool.Metrics = metrics
	if err := pool.LoadState(); err != nil {
		logger.Warn("load browser state: %v", err)
	}

	queue := cookiequeue.New(coord, cfg.CookieQueue.Capacity, cfg.CookieQueue.BatchSize,
		cfg.CookieQueue.FlushInterval, logging.NewComponentLogger("cookiequeue"))

	keep := keepalive.NewRunner(keepalive.Config{
		Interval:     cfg.Keepalive.Interval,
		BatchSize:    cfg.Keepalive.BatchSize,
		Timeout:      cfg.Keepalive.Timeout,
		FailCooldown: cfg.Keepalive.FailCooldown,
	}, pool, &keepalive.PoolToucher{Pool: pool}, registry, queue, monitor,
		logging.NewComponentLogger("keepalive"))
	keep.Metrics = metrics
	keep.Invalid = coord

	replies := reply.NewRunner(coord, portalClient, logging.NewComponentLogger("reply"))
	keep.OnTouched = func(ctx context.Context, account string, cookies map[string]string) {
		a := portal.Auth{Account: account, Cookies: cookies, APISig: signature.Generate(cookies, "")}
		if posted, err := replies.Run(ctx, a); err != nil {
			logger.Warn("reply drain for %s: %v", account, err)
		} else if posted > 0 {
			logger.Info("posted %d review replies for %s", posted, account)
		}
	}

	workerIP := cfg.Coordinator.WorkerIP
	if workerIP == "" {
		ipCtx, cancel := context.WithTimeout(context.Background(), ipResolveTimeout)
		workerIP = netutil.PublicIP(ipCtx, logger)
		cancel()
	}
	logger.Info("worker identifies as %s", workerIP)

	env := extract.NewEnv(portalClient, coord, store, cfg.Tasks.FullCodeOnly,
		logging.NewComponentLogger("extract"))

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		coord:   coord,
		pool:    pool,
		queue:   queue,
		keep:    keep,
		store:   store,
		metrics: metrics,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}

	d.orch = orchestrator.New(orchestrator.Config{
		WorkerIP:         workerIP,
		NoTaskWait:       cfg.Tasks.NoTaskWait,
		WorkWindowStart:  cfg.Tasks.WorkWindowStart,
		WorkWindowEnd:    cfg.Tasks.WorkWindowEnd,
		IgnoreWorkWindow: cfg.Tasks.DevMode,
	}, orchestrator.Deps{
		Coordinator: coord,
		Sessions:    orchestrator.PoolSessions{Pool: pool},
		Extractors:  env,
		Keepalive:   keep,
		Locks:       registry,
		Monitor:     monitor,
		Provisioner: provision.New(portalClient, coord, logging.NewComponentLogger("provision")),
		Invalid:     auth.NewReporter(coord, logging.NewComponentLogger("auth")),
		NewRelogin: func() orchestrator.Relogin {
			return auth.NewRelogin(coord, &auth.PoolRebuilder{Pool: pool},
				logging.NewComponentLogger("auth"))
		},
		Cookies:     queue,
		Metrics:     metrics,
		Logger:      logging.NewComponentLogger("orchestrator"),
		Maintenance: d.runPendingRestart,
	})

	return d, nil
}

// Run blocks until a signal or a fatal error. A first SIGINT/SIGTERM lets
// the current work finish; a second aborts outright.
func (d *Daemon) Run(parent context.Context) error {
	ctx, stop := d.handleSignals(parent)
	defer stop()

	d.registerCron()
	d.cron.Start()

	// The consumer outlives the run context: Close drains it during shutdown.
	go d.queue.Run(context.Background())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.reportQueueStats(ctx)
		return nil
	})
	g.Go(func() error {
		return d.orch.Run(ctx)
	})

	err := g.Wait()
	d.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) handleSignals(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			d.logger.Warn("received %s, finishing current work", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		sig := <-ch
		d.logger.Error("received second %s, aborting", sig)
		os.Exit(1)
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}

// registerCron installs the daily maintenance job.
func (d *Daemon) registerCron() {
	spec := fmt.Sprintf("0 %d * * *", d.cfg.Pool.RestartHour)
	if _, err := d.cron.AddFunc(spec, d.dailyMaintenance); err != nil {
		d.logger.Error("register daily maintenance: %v", err)
	}
}

func (d *Daemon) dailyMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.coord.CreateSchedule(ctx, time.Now()); err != nil {
		d.logger.Warn("daily schedule generation: %v", err)
	}

	// The restart must not overlap a running task; the task loop picks the
	// flag up between leases.
	d.restartDue.Store(true)
	d.logger.Info("daily maintenance: pool restart scheduled")

	if n, err := d.store.Sweep(d.cfg.Paths.SweepAge); err != nil {
		d.logger.Warn("artifact sweep: %v", err)
	} else if n > 0 {
		d.logger.Info("swept %d stale artifacts", n)
	}
}

// runPendingRestart performs the scheduled pool restart. It runs on the task
// loop, so no context is busy while the pool tears down.
func (d *Daemon) runPendingRestart(ctx context.Context) {
	if !d.restartDue.CompareAndSwap(true, false) {
		return
	}
	d.logger.Info("daily maintenance: restarting browser pool")
	accounts := d.pool.Accounts()
	if err := d.pool.Restart(d.cfg.Pool.RestartRetries, d.cfg.Pool.RestartPause); err != nil {
		d.logger.Error("daily pool restart: %v", err)
		return
	}
	if len(accounts) > 0 {
		// Restart saves cookie state and tears everything down; touching
		// each account rebuilds its context from the saved snapshot.
		rctx, rcancel := context.WithTimeout(ctx, rewarmTimeout)
		n := d.keep.RunAll(rctx, accounts)
		rcancel()
		d.logger.Info("rewarmed %d/%d sessions after restart", n, len(accounts))
	}
}

// reportQueueStats publishes cookie queue depth and drops.
func (d *Daemon) reportQueueStats(ctx context.Context) {
	ticker := time.NewTicker(queueStatsEvery)
	defer ticker.Stop()
	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := d.queue.Dropped()
			d.metrics.RecordCookieQueue(ctx, d.queue.Len(), dropped-lastDropped)
			lastDropped = dropped
		}
	}
}

func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")
	stopCtx := d.cron.Stop()
	<-stopCtx.Done()

	// Drain pending cookie uploads before the process exits.
	d.queue.Close()

	if err := d.pool.SaveState(); err != nil {
		d.logger.Warn("save browser state: %v", err)
	}
	d.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.metrics.Shutdown(ctx); err != nil {
		d.logger.Warn("metrics shutdown: %v", err)
	}
	d.logger.Info("shutdown complete")
}
