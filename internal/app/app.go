package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"statusrelay/internal/catalog"
	"statusrelay/internal/change"
	"statusrelay/internal/config"
	"statusrelay/internal/delivery"
	"statusrelay/internal/descdiff"
	"statusrelay/internal/embed"
	"statusrelay/internal/eventbus"
	"statusrelay/internal/notifier"
	"statusrelay/internal/observability"
	rtsup "statusrelay/internal/runtime/supervisor"
	"statusrelay/internal/storage"
	"statusrelay/internal/task/scheduler"
	logx "statusrelay/pkg/logx"
)

// PollSchedule is the scheduler name of the catalog poll.
const PollSchedule = "catalog.poll"

var (
	ErrNoCatalog = errors.New("catalog.base_url is not configured")
	ErrNoWebhook = errors.New("webhook.url is required")
	ErrNoStorage = errors.New("storage is required when the catalog is polled")
)

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	// bg runs the audit recorder; it outlives Start/Stop so one-shot runs are audited too.
	bg *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client *delivery.Client
	notif  *notifier.Service
	poller *catalog.Poller
	sched  *scheduler.Service
	debug  *observability.DebugServer

	traceShutdown observability.ShutdownFunc

	startedAt time.Time
	lastPoll  atomic.Pointer[PollStatus]
	stopOnce  sync.Once
}

// PollStatus describes the most recent catalog poll.
type PollStatus struct {
	At       time.Time       `json:"at"`
	Stats    catalog.Stats   `json:"stats"`
	Result   notifier.Result `json:"result"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

type Option func(*appOptions)

type appOptions struct {
	version string
	hc      *http.Client
}

func WithVersion(v string) Option { return func(o *appOptions) { o.version = v } }

// WithHTTPClient is used for the webhook, the failure sink and the catalog.
func WithHTTPClient(hc *http.Client) Option { return func(o *appOptions) { o.hc = hc } }

func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o appOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.version == "" {
		o.version = "dev"
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:   cfgPath,
		version:   o.version,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       eventbus.New(),
		startedAt: time.Now(),
	}
	if err := a.build(ctx, cfg, o); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}

	a.bg = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(log))
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, notifier.EventDelivered, notifier.EventSkipped, notifier.EventFailed)
		a.bg.Go0("audit.record", func(c context.Context) {
			defer unsub()
			eventbus.Consume(c, events, a.recordAudit)
		})
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, o appOptions) error {
	log := a.log

	tcfg, err := mapTracingConfig(cfg, a.version)
	if err != nil {
		return err
	}
	shutdown, err := observability.Setup(ctx, tcfg, log)
	if err != nil {
		return err
	}
	a.traceShutdown = shutdown

	sec, err := resolveSecrets(ctx, cfg)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if sec.WebhookURL == "" {
		return ErrNoWebhook
	}

	if sc, enabled, err := mapStorageConfig(cfg, sec.StoragePassword); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dcfg, err := mapDeliveryConfig(cfg, sec.WebhookURL)
	if err != nil {
		return err
	}
	dopts := []delivery.Option{delivery.WithLogger(log)}
	if o.hc != nil {
		dopts = append(dopts, delivery.WithHTTPClient(o.hc))
	}
	a.client = delivery.NewClient(dcfg, dopts...)
	sink := delivery.NewFailureSink(sec.FailureURL, o.hc, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	nopts := []notifier.Option{notifier.WithFailureSink(sink), notifier.WithBus(a.bus)}
	parser, builder := newRenderer(cfg)
	a.notif = notifier.New(ncfg, parser, builder, a.client, log, nopts...)

	if strings.TrimSpace(cfg.Catalog.BaseURL) != "" {
		if a.store == nil {
			return ErrNoStorage
		}
		pcfg, timeout, err := mapPollerConfig(cfg)
		if err != nil {
			return err
		}
		src, err := catalog.NewHTTPSource(cfg.Catalog.BaseURL, sec.CatalogToken, timeout, o.hc)
		if err != nil {
			return err
		}
		a.poller = catalog.NewPoller(pcfg, src, a.store, log)
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(scfg, log, a.bus)

	dbg, err := mapDebugConfig(cfg, sec.DebugToken)
	if err != nil {
		return err
	}
	a.debug = observability.NewDebugServer(dbg, a.health, log)
	return nil
}

func newRenderer(cfg *config.Config) (*change.Parser, *embed.Builder) {
	ec, fields := mapRenderConfig(cfg)
	return change.NewParser(fields, descdiff.Differ{}), embed.NewBuilder(ec)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// PollOnce runs one catalog poll and notifies every resulting record. Records
// found before a poll error are still notified. Only settled records are
// committed to the store; the rest are emitted again by the next poll.
func (a *App) PollOnce(ctx context.Context) (notifier.Result, error) {
	if a.poller == nil {
		return notifier.Result{}, ErrNoCatalog
	}
	start := time.Now()
	batch, st, perr := a.poller.Poll(ctx)

	var (
		res  notifier.Result
		nerr error
	)
	if len(batch.Records) > 0 {
		res, nerr = a.notif.Process(ctx, batch.Records)
	}
	cctx := context.WithoutCancel(ctx)
	var cerrs []error
	for _, s := range res.Settled {
		if err := a.poller.Commit(cctx, batch, s.Key, s.PublishedAt, s.MessageID); err != nil {
			cerrs = append(cerrs, err)
		}
	}
	if left := len(batch.Records) - len(res.Settled); left > 0 && nerr != nil {
		a.log.Warn("records left for the next poll", logx.Int("records", left))
	}
	err := errors.Join(perr, nerr, errors.Join(cerrs...))

	status := &PollStatus{At: start, Stats: st, Result: res, Duration: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
	}
	a.lastPoll.Store(status)
	return res, err
}

// Replay processes a stored change-record stream. Delivered records stamp
// publication bookkeeping on their stored snapshot, if there is one.
func (a *App) Replay(ctx context.Context, records []change.Record) (notifier.Result, error) {
	res, err := a.notif.Process(ctx, records)
	if a.store == nil {
		return res, err
	}
	cctx := context.WithoutCancel(ctx)
	for _, s := range res.Settled {
		if s.Outcome != notifier.OutcomeDelivered || s.Key == "" {
			continue
		}
		merr := a.store.MarkPublished(cctx, s.Key, s.PublishedAt, s.MessageID)
		switch {
		case merr == nil:
		case errors.Is(merr, storage.ErrNotFound):
			a.log.Debug("no stored snapshot to mark published", logx.String("key", s.Key))
		default:
			a.log.Warn("mark published failed", logx.String("key", s.Key), logx.Err(merr))
		}
	}
	return res, err
}

// Start runs the long-lived parts: scheduled polling, config hot reload, the
// debug server and service manager notifications.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg, ""); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg, ""); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if err := a.registerPoll(cfg); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if cfg.Scheduler.RunOnStart && a.poller != nil {
		a.sup.Go("catalog.poll.initial", func(c context.Context) error {
			if err := a.sched.RunNow(c, PollSchedule); err != nil {
				a.log.Warn("initial poll failed", logx.Err(err))
			}
			return nil
		})
	}
	a.debug.Start(a.sup.Context())

	// Scheduler events at debug level; record events go to the audit log.
	events, unsub := a.bus.Subscribe(128,
		scheduler.EventStarted, scheduler.EventFinished, scheduler.EventFailed, scheduler.EventSkipped)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		eventbus.Consume(c, events, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		})
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd(a.sup)
	a.log.Info("app started", logx.String("version", a.version), logx.Bool("catalog", a.poller != nil))
	return nil
}

func (a *App) registerPoll(cfg *config.Config) error {
	if a.poller == nil || !cfg.Scheduler.Enabled {
		a.sched.Remove(PollSchedule)
		return nil
	}
	return a.sched.AddSchedule(PollSchedule, cfg.Scheduler.Schedule, 0, func(ctx context.Context) error {
		_, err := a.PollOnce(ctx)
		return err
	})
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	scfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.sched.Enabled()
		a.sched.Apply(scfg)
		if err := a.registerPoll(newCfg); err != nil {
			a.log.Warn("poll schedule rejected; keeping previous", logx.Err(err))
		}
		switch {
		case prevEnabled && !scfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevEnabled && scfg.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// StopReason says why the app is stopping.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopDone       StopReason = "done"
)

// Stop shuts everything down. It is safe to call without Start and more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.notifySystemd(sdStopping)
		a.sup.Cancel()
	}

	// step runs one shutdown step with an upper bound so a stuck component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("audit", 2*time.Second, func(c context.Context) error { return a.bg.Stop(c) })
	a.closeResources(ctx)

	a.log.Info("stopped")
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.traceShutdown != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.traceShutdown(sctx); err != nil {
			a.log.Warn("tracer shutdown failed", logx.Err(err))
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
