package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hihihowru/forum-autoposter-sub001/internal/collab"
	"github.com/hihihowru/forum-autoposter-sub001/internal/config"
	"github.com/hihihowru/forum-autoposter-sub001/internal/eventbus"
	"github.com/hihihowru/forum-autoposter-sub001/internal/executor"
	"github.com/hihihowru/forum-autoposter-sub001/internal/httpapi"
	"github.com/hihihowru/forum-autoposter-sub001/internal/observability/pprof"
	"github.com/hihihowru/forum-autoposter-sub001/internal/runtime/supervisor"
	"github.com/hihihowru/forum-autoposter-sub001/internal/scheduler"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// StopReason annotates shutdown logs so operators can tell a signal from a
// fatal error at a glance.
type StopReason string

const (
	StopReasonSignal StopReason = "signal"
	StopReasonFatal  StopReason = "fatal"
)

// App wires config, logging, storage, the scheduler core and the control API
// into one process.
type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store

	sched *scheduler.Supervisor
	api   *scheduler.API
	http  *httpapi.Server
	pprof *pprof.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: mustDuration(cfg.Storage.BusyTimeout),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if st == nil && cfg.Scheduler.Enabled {
		return nil, fmt.Errorf("app: scheduler.enabled requires a storage backend (storage.driver)")
	}
	if st != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	// Collaborator services come from the environment, not the config file:
	// URLs and tokens rotate independently of scheduling config.
	token := strings.TrimSpace(os.Getenv("COLLAB_API_TOKEN"))
	filter := collab.NewHTTPStockFilter(envOr("STOCK_FILTER_URL", "COLLAB_BASE_URL"), token,
		log.With(logx.String("comp", "stockfilter")))
	assigner := collab.NewHTTPKOLAssigner(envOr("KOL_ASSIGNER_URL", "COLLAB_BASE_URL"), token,
		log.With(logx.String("comp", "kolassigner")))
	generator := collab.NewHTTPGenerator(envOr("GENERATOR_URL", "COLLAB_BASE_URL"), token,
		log.With(logx.String("comp", "generator")))
	publisher := collab.NewHTTPPublisher(envOr("PUBLISHER_URL", "COLLAB_BASE_URL"), token,
		log.With(logx.String("comp", "publisher")))

	exec := executor.New(st, filter, assigner, generator, publisher, bus,
		log.With(logx.String("comp", "executor")))

	opts, err := mapSchedulerOptions(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	sched := scheduler.NewSupervisor(st, exec, bus, log, opts)
	api := scheduler.NewAPI(sched)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		sched:   sched,
		api:     api,
		http:    httpapi.New(api, log),
		pprof:   pprof.New(log),
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// Transactional hot reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateConfig(c)
	})

	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled via config; control api will accept writes but nothing runs")
	}

	if cfg.API.Enabled {
		addr := strings.TrimSpace(cfg.API.Addr)
		if addr == "" {
			addr = "127.0.0.1:8085"
		}
		a.http.Start(addr)
	}

	a.pprof.Apply(a.sup.Context(), mapPprofConfig(cfg.Debug.Pprof))

	// Run lifecycle events at INFO for operators tailing the log.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				re, _ := e.Data.(eventbus.RunEvent)
				switch e.Type {
				case eventbus.TypeRunSucceeded:
					a.log.Info("run finished", logx.String("schedule", re.ScheduleID),
						logx.Int("posts", re.Posts), logx.Duration("dur", re.Duration))
				case eventbus.TypeRunFailed:
					a.log.Warn("run failed", logx.String("schedule", re.ScheduleID),
						logx.String("err", re.Error), logx.Duration("dur", re.Duration))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	// Hot reload fan-out: logging sinks and scheduler cadence apply live;
	// storage changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if opts, err := mapSchedulerOptions(cfg.Scheduler); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(opts)
	}
	a.pprof.Apply(context.Background(), mapPprofConfig(cfg.Debug.Pprof))
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("httpapi", 2*time.Second, a.http.Stop)
	step("pprof", 2*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("scheduler", 5*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapSchedulerOptions(sc config.SchedulerConfig) (scheduler.Options, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, 30*time.Second)
	if err != nil {
		return scheduler.Options{}, err
	}
	reconcile, err := config.ParseDurationOrDefault("scheduler.reconcile_interval", sc.ReconcileInterval, 2*time.Minute)
	if err != nil {
		return scheduler.Options{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.grace_window", sc.GraceWindow, 90*time.Second)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{
		PollInterval:      poll,
		ReconcileInterval: reconcile,
		GraceWindow:       grace,
		DefaultTimezone:   strings.TrimSpace(sc.Timezone),
		HistorySize:       sc.HistorySize,
	}, nil
}

func mapPprofConfig(pc config.PprofConfig) pprof.Config {
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		BlockProfileRate:     pc.BlockProfileRate,
		MutexProfileFraction: pc.MutexProfileFraction,
	}
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config: empty")
	}
	if _, err := mapSchedulerOptions(cfg.Scheduler); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	if cfg.Scheduler.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size must be >= 0")
	}
	return nil
}

// mustDuration is for fields already validated at load time.
func mustDuration(raw string) time.Duration {
	d, err := config.ParseDurationOrDefault("", raw, 0)
	if err != nil {
		return 0
	}
	return d
}

func envOr(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
