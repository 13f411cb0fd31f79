package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deferbot/internal/clock"
	"deferbot/internal/commands"
	"deferbot/internal/config"
	"deferbot/internal/eventbus"
	"deferbot/internal/executor"
	"deferbot/internal/gateway"
	"deferbot/internal/observability/metrics"
	"deferbot/internal/publish"
	"deferbot/internal/retention"
	rtsup "deferbot/internal/runtime/supervisor"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	"deferbot/internal/task/scheduler"
	logx "deferbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Memory
	store storage.Store

	gw gateway.Gateway
	// tg is nil when the gateway is not the Bot API client (tests).
	tg *gateway.Telegram

	engine  *engine.Service
	exec    *executor.Executor
	sched   *scheduler.Service
	pub     *publish.Service
	sweeper *retention.Sweeper
	metrics *metrics.Metrics
	msrv    *metrics.Server
	cmds    *commands.Router

	// engineOn is fixed at boot; the executor and scheduler hold the runner.
	engineOn bool
}

// deps lets tests replace the outside world.
type deps struct {
	gw    gateway.Gateway
	tg    *gateway.Telegram
	store storage.Store
	clock clock.Clock
}

// New loads the config, connects to the Bot API and opens storage.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tg, err := gateway.NewTelegram(rc.telegram, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return assemble(ctx, cfgm, rc, deps{gw: tg, tg: tg})
}

func assemble(ctx context.Context, cfgm *config.Manager, rc runtimeConfig, d deps) (*App, error) {
	if d.clock == nil {
		d.clock = clock.Real{}
	}

	// logx.New applies immediately; enable the Telegram sink only after the
	// target is set so Apply does not warn about a missing chat.
	var sender logx.Sender
	if d.tg != nil {
		sender = d.tg
	}
	bootCfg := rc.logging
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, sender)
	if rc.groupLog != 0 {
		logSvc.SetTelegramTarget(rc.groupLog, rc.logging.Telegram.ThreadID)
	}
	logSvc.Apply(rc.logging)
	log := root.With(logx.String("comp", "app"))

	store := d.store
	if store == nil {
		octx, cancel := context.WithTimeout(ctx, 30*time.Second)
		st, err := storage.Open(octx, rc.storage, root.With(logx.String("comp", "storage")))
		cancel()
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
	}
	log.Info("storage ready", logx.String("driver", rc.storage.Driver))

	bus := eventbus.New()
	eng := engine.New(rc.engine, root.With(logx.String("comp", "taskengine")), bus)

	// Without the pool, fired and forced work runs on its own goroutine.
	var (
		execRunner  executor.Runner
		schedRunner scheduler.Runner
	)
	if rc.engine.Enabled {
		execRunner, schedRunner = eng, eng
	}
	exec := executor.New(rc.executor, d.gw, store, execRunner, d.clock, root.With(logx.String("comp", "executor")), bus)
	sched := scheduler.New(scheduler.Config{}, store, exec, schedRunner, d.clock, root.With(logx.String("comp", "scheduler")), bus)
	pub := publish.New(rc.publish, store, d.gw, sched, exec, d.clock, root.With(logx.String("comp", "publish")))
	sweeper := retention.New(rc.retention, store, d.clock, root.With(logx.String("comp", "retention")), bus)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		gw:       d.gw,
		tg:       d.tg,
		engine:   eng,
		exec:     exec,
		sched:    sched,
		pub:      pub,
		sweeper:  sweeper,
		engineOn: rc.engine.Enabled,
	}
	a.metrics = metrics.New(sched.Armed)
	a.msrv = metrics.NewServer(rc.metrics, a.metrics, a.health, root.With(logx.String("comp", "metrics")))
	a.cmds = commands.New(commands.Config{Owners: rc.owners}, commands.Deps{
		Publisher: pub,
		Store:     store,
		Scheduler: sched,
		Engine:    eng,
		Retention: sweeper,
		Clock:     d.clock,
	}, root.With(logx.String("comp", "commands")))
	return a, nil
}

// Publisher exposes the publish flow (used by tests and embedding callers).
func (a *App) Publisher() *publish.Service { return a.pub }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start recovers pending tasks before anything can schedule new ones, then
// starts the sweeper, the metrics listener and finally polling.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	// Collectors subscribe first so recovery-time events are counted.
	events, unsub := a.bus.Subscribe(1024)
	a.sup.Go0("metrics.collect", func(c context.Context) {
		defer unsub()
		a.metrics.Run(c, events)
	})
	trail, untrail := a.bus.Subscribe(128, "task.", "modifier.", "retention.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer untrail()
		a.logEvents(c, trail)
	})

	if a.engineOn {
		a.engine.Start(a.sup.Context())
	}

	rctx, cancel := context.WithTimeout(ctx, time.Minute)
	n, err := a.sched.RecoverAll(rctx)
	cancel()
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("recover tasks: %w", err)
	}
	a.log.Info("pending tasks recovered", logx.Int("count", n))

	if err := a.sweeper.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.msrv.Start(a.sup.Context())

	if a.tg != nil {
		a.cmds.Register(a.sup.Context(), a.tg.Bot())
		a.tg.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// logEvents keeps a debug trail of domain events. Job events are logged by
// the engine itself.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.store.Stats(ctx); err != nil {
		return err
	}
	if !a.sched.Snapshot().Recovered {
		return errors.New("pending tasks not recovered")
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rc, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("config reload not applied", logx.Err(err))
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	// Target first so Apply does not warn when the Telegram sink is enabled.
	a.logs.SetTelegramTarget(rc.groupLog, rc.logging.Telegram.ThreadID)
	a.logs.Apply(rc.logging)

	a.cmds.SetOwners(rc.owners)

	if rc.engine.Enabled != a.engineOn {
		a.log.Warn("task_engine.enabled changes need a restart")
		rc.engine.Enabled = a.engineOn
	}
	a.engine.Apply(rc.engine)

	a.msrv.Reconfigure(ctx, rc.metrics)

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop unwinds in reverse dependency order. Each step is bounded so one
// component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, max, fn)
	}

	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	// Disarmed tasks stay pending and are recovered on the next start.
	step("scheduler", time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("retention", 2*time.Second, func(c context.Context) error { a.sweeper.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
