// Package app wires storage, delivery, alerting, scheduling and the HTTP
// surfaces into one process and owns their start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agrialert/internal/alerting"
	"agrialert/internal/alertstore"
	"agrialert/internal/config"
	"agrialert/internal/eventbus"
	"agrialert/internal/httpapi"
	"agrialert/internal/notifier"
	"agrialert/internal/observability"
	"agrialert/internal/registry"
	"agrialert/internal/runtime/supervisor"
	"agrialert/internal/scheduler"
	"agrialert/internal/storage"
	"agrialert/internal/transport/ws"
	logx "agrialert/pkg/logx"
)

// checksSchedule names the periodic condition check.
const checksSchedule = "condition.checks"

type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal_error"
	StopCaller StopReason = "app_stop"
)

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	promReg *prometheus.Registry
	metrics *observability.Metrics
	admin   *observability.Admin

	store  storage.Store
	alerts *alertstore.Store
	reg    *registry.Registry
	disp   *notifier.Dispatcher
	retry  *notifier.Retrier
	svc    *alerting.Service
	sched  *scheduler.Service
	wsh    *ws.Handler

	srvCfg config.Server
	http   *http.Server
	drain  time.Duration

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	addr net.Addr
}

// New loads cfgPath and builds every component without starting any.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Build(cfg, cfgm)
}

// Build wires the components for cfg. cfgm may be nil, which disables hot
// reload.
func Build(cfg *config.Config, cfgm *config.ConfigManager) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logs, root := logx.New(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.promReg)

	scfg, err := cfg.Storage.Resolve()
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(scfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	life, err := cfg.Alerts.Expiries()
	if err != nil {
		return nil, err
	}
	a.drain = life.Drain
	a.alerts = alertstore.New(a.store,
		alertstore.WithLogger(root.With(logx.String("comp", "alertstore"))),
		alertstore.WithDefaultExpiry(life.DefaultExpiry),
	)

	a.reg = registry.New(
		registry.WithLogger(root.With(logx.String("comp", "registry"))),
		registry.WithPruneHook(func(user string, c registry.Conn, reason error) {
			a.metrics.Pruned()
			a.metrics.Connections(a.reg.Len())
		}),
	)

	a.disp, err = buildDispatcher(cfg, a.reg, root, a.metrics)
	if err != nil {
		return nil, err
	}
	ncfg, err := cfg.Dispatcher.Resolve()
	if err != nil {
		return nil, err
	}
	a.retry = notifier.NewRetrier(ncfg, a.disp, root.With(logx.String("comp", "retry")), a.bus, a.metrics)
	a.disp.SetRetrier(a.retry)

	acfg, err := cfg.Alerts.Resolve()
	if err != nil {
		return nil, err
	}
	a.svc = alerting.New(a.alerts, a.store, a.disp, acfg,
		alerting.WithLogger(root),
		alerting.WithBus(a.bus),
		alerting.WithMetrics(a.metrics),
		alerting.WithSource(alerting.Readings{Store: a.store, MaxAge: acfg.ReadingMaxAge}),
	)
	a.retry.OnResult(a.svc.RecordRetry)
	rules, err := cfg.CompileRules()
	if err != nil {
		return nil, err
	}
	if err := a.svc.SetRules(rules); err != nil {
		return nil, err
	}

	sched, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone},
		scheduler.WithLogger(root.With(logx.String("comp", "scheduler"))),
		scheduler.WithMetrics(a.metrics),
	)
	if sched.Enabled {
		if err := a.sched.Add(checksSchedule, sched.Spec, sched.Timeout, a.runChecks); err != nil {
			return nil, err
		}
	}

	wcfg, err := cfg.Registry.Resolve()
	if err != nil {
		return nil, err
	}
	if a.srvCfg, err = cfg.Server.Resolve(); err != nil {
		return nil, err
	}
	a.wsh = ws.NewHandler(a.reg, a.store, wcfg, root,
		ws.WithUserID(httpapi.UserIDFromPath),
		ws.WithMetrics(a.metrics),
		ws.WithCheckOrigin(originCheck(a.srvCfg.AllowedOrigins)),
	)
	api := httpapi.New(httpapi.Deps{
		Alerts:   a.svc,
		Store:    a.alerts,
		Users:    a.store,
		Readings: a.store,
		Push:     a.reg,
		WS:       a.wsh,
		Log:      root,
	})
	a.http = &http.Server{
		Addr:              a.srvCfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.srvCfg.ReadTimeout,
		WriteTimeout:      a.srvCfg.WriteTimeout,
		IdleTimeout:       a.srvCfg.IdleTimeout,
	}

	a.admin = observability.NewAdmin(cfg.Admin.Observability(), a.promReg, a.health, root)

	ok = true
	channels := make([]string, 0, 5)
	for _, c := range a.disp.Channels() {
		channels = append(channels, string(c))
	}
	log.Info("app built",
		logx.String("storage", scfg.Driver),
		logx.Strings("channels", channels),
		logx.Int("rules", len(rules)),
		logx.Bool("scheduler", sched.Enabled),
	)
	return a, nil
}

// closeEarly releases what Build opened before failing.
func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) runChecks(ctx context.Context) error {
	rep, err := a.svc.RunChecks(ctx)
	if err != nil {
		return err
	}
	if rep.Errors > 0 {
		return fmt.Errorf("%d of %d checks failed", rep.Errors, rep.Checked)
	}
	return nil
}

// RunChecks runs one condition check cycle. It is used by the CLI outside
// the scheduler.
func (a *App) RunChecks(ctx context.Context) (alerting.CheckReport, error) {
	return a.svc.RunChecks(ctx)
}

func (a *App) health(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil || sup.Context().Err() != nil {
		return errors.New("not running")
	}
	if _, _, err := a.store.GetDedup(ctx, "healthz"); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Addr is the bound HTTP address once Start returned.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Logger() logx.Logger { return a.log }

// Close releases storage and logging for an App that was built but never
// started (CLI one-shots).
func (a *App) Close(ctx context.Context) error {
	if err := a.svc.Drain(ctx); err != nil {
		a.log.Warn("drain incomplete", logx.Err(err))
	}
	_ = a.retry.Stop(ctx)
	a.closeEarly()
	return nil
}
