package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"agrialert/internal/config"
	"agrialert/internal/eventbus"
	"agrialert/internal/runtime/supervisor"
	"agrialert/internal/scheduler"
	logx "agrialert/pkg/logx"
)

// Start binds the HTTP listener and launches background loops under a
// supervisor derived from ctx. A fatal loop error cancels the app; callers
// watch Done and then call Stop.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.http.Addr, err)
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.mu.Lock()
	a.sup = sup
	a.addr = ln.Addr()
	a.mu.Unlock()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validateReload)
	}

	a.retry.Start(sup.Context())
	a.sched.Start(sup.Context())
	a.admin.Start(sup.Context())

	sup.Go("http.serve", func(c context.Context) error {
		err := a.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil && a.cfgm.Path() != "" {
		sub := a.cfgm.Subscribe(8)
		sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								next = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(last, next)
					last = next
				}
			}
		})
		sup.Go("config.watch", a.cfgm.Watch)
	}

	a.notifyReady(sup)
	a.log.Info("app started", logx.String("addr", ln.Addr().String()))
	return nil
}

// validateReload rejects configs whose live-applied sections would not
// resolve, so a bad edit never reaches applyConfig.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := cfg.CompileRules(); err != nil {
		return err
	}
	if _, err := cfg.Dispatcher.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Alerts.Resolve(); err != nil {
		return err
	}
	_, err := cfg.Scheduler.Resolve()
	return err
}

// applyConfig pushes the live-reloadable sections of next into the running
// components. Storage, server and channel credentials need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, rulesChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range []string{"storage", "server", "admin", "channels", "registry"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	changed := func(section string) bool { return slices.Contains(sections, section) }
	if changed("logging") {
		a.logs.Apply(next.Logging.Logx())
	}

	if len(rulesChanged) > 0 {
		rules, err := next.CompileRules()
		if err == nil {
			err = a.svc.SetRules(rules)
		}
		if err != nil {
			a.log.Warn("invalid rules; keeping previous", logx.Err(err))
		} else {
			a.log.Info("rules updated", logx.Strings("rules", rulesChanged))
		}
	}
	if changed("dispatcher") {
		if ncfg, err := next.Dispatcher.Resolve(); err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(ncfg)
			a.retry.Apply(ncfg)
		}
	}
	if changed("alerts") {
		if acfg, err := next.Alerts.Resolve(); err != nil {
			a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		} else {
			a.svc.Apply(acfg)
		}
	}
	if changed("scheduler") {
		a.applySchedule(next)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
}

func (a *App) applySchedule(next *config.Config) {
	sc, err := next.Scheduler.Resolve()
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	a.sched.Apply(scheduler.Config{Timezone: next.Scheduler.Timezone})
	if !sc.Enabled {
		if a.sched.Remove(checksSchedule) {
			a.log.Info("scheduled checks disabled via config")
		}
		return
	}
	if err := a.sched.Add(checksSchedule, sc.Spec, sc.Timeout, a.runChecks); err != nil {
		a.log.Warn("scheduled checks not updated", logx.Err(err))
	}
}

// Stop shuts components down in dependency order: stop intake, finish
// in-flight work, then release storage. Each step is bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Intake first: no new REST calls, sockets or scheduled checks.
	step("http", a.srvCfg.ShutdownTimeout, a.http.Shutdown)
	step("websocket", 2*time.Second, a.wsh.Shutdown)
	step("scheduler", 2*time.Second, a.sched.Stop)
	// Deliveries started by CreateAlert finish before the retry queue stops
	// accepting work.
	step("alerts.drain", a.drain, a.svc.Drain)
	step("retry", 2*time.Second, a.retry.Stop)
	step("admin", 1*time.Second, a.admin.Stop)

	sup.Cancel()
	step("supervisor", 2*time.Second, sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
