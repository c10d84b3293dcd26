package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"imgateway/internal/affinity"
	"imgateway/internal/config"
	"imgateway/internal/eventbus"
	"imgateway/internal/gateway"
	"imgateway/internal/httpapi"
	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	"imgateway/internal/im/signature"
	"imgateway/internal/im/webhook"
	"imgateway/internal/inbound"
	"imgateway/internal/metrics"
	"imgateway/internal/notifier"
	"imgateway/internal/report"
	"imgateway/internal/routing"
	rtsup "imgateway/internal/runtime/supervisor"
	"imgateway/internal/storage"
	logx "imgateway/pkg/logx"
	"imgateway/pkg/systemd"
)

const statusInterval = 30 * time.Second

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	affinity affinity.Store

	gw      *gateway.Manager
	router  *routing.Router
	notif   *notifier.Service
	inbound *inbound.Dispatcher
	report  *report.Service
	metrics *metrics.Metrics
	http    *httpapi.Server

	alertUserID string
}

// NewApp loads the config and wires every component. Nothing runs until
// Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))
	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logs,
		bus:         eventbus.New(),
		metrics:     metrics.New(),
		alertUserID: strings.TrimSpace(cfg.IM.AlertUserID),
	}
	if err := a.build(cfg); err != nil {
		a.closeStores()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	compLog := func(name string) logx.Logger {
		return a.logs.Logger().With(logx.String("comp", name))
	}

	sc, err := cfg.ResolveStorage()
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, compLog("storage")); err != nil {
		return err
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.affinity, err = affinity.Open(openCtx, cfg.Affinity.Store())
	cancel()
	if err != nil {
		return fmt.Errorf("affinity: %w", err)
	}
	ttl, err := cfg.Affinity.TTLOrDefault()
	if err != nil {
		return err
	}

	providers, err := cfg.IM.ProviderConfigs()
	if err != nil {
		return err
	}
	for _, err := range cfg.IM.Incomplete() {
		a.log.Warn("provider disabled", logx.Err(err))
	}
	cc, err := cfg.IM.Connection()
	if err != nil {
		return err
	}
	cc.AffinityTTL = ttl
	sendTimeout, err := cfg.IM.SendTimeoutOrDefault()
	if err != nil {
		return err
	}

	// Handler and alert resolve through the app so the supervisors built
	// below can reach the router and notifier created after them.
	a.gw = gateway.New(providers,
		gateway.WithLogger(compLog("gateway")),
		gateway.WithBus(a.bus),
		gateway.WithWebhookOptions(webhook.WithTimeout(sendTimeout)),
		gateway.WithConnection(cc,
			connection.WithHandler(im.HandlerFunc(a.handleInbound)),
			connection.WithAlert(a.alert),
			connection.WithAffinity(a.affinity),
		),
		gateway.WithFanout(cfg.IM.Fanout),
	)
	a.router = routing.New(a.gw, a.affinity,
		routing.WithLogger(compLog("router")),
		routing.WithTTL(ttl),
	)

	ncfg, err := cfg.ResolveNotifier()
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.router, compLog("notifier"), a.bus)
	a.logs.SetSink(a.notif.LogSink(a.alertUserID))

	icfg, err := cfg.IM.Inbound.Inbound()
	if err != nil {
		return err
	}
	a.inbound = inbound.New(icfg,
		inbound.WithLogger(compLog("inbound")),
		inbound.WithBus(a.bus),
		inbound.WithGateway(a.gw),
		inbound.WithChannels(a.router),
	)

	a.report = report.New(cfg.Report.Report(), a.gw, a.router, compLog("report"))

	if cfg.HTTP.Enabled {
		hc, err := httpConfig(cfg.HTTP)
		if err != nil {
			return err
		}
		grace := cc.StartTimeout
		if grace <= 0 {
			grace = 30 * time.Second
		}
		deps := httpapi.Deps{
			Gateway:  a.gw,
			Router:   a.router,
			Handler:  a.inbound,
			Verifier: signature.New(providers, signature.WithPaths(hc.WebhookPaths...)),
			Metrics:  a.metrics,
			Ready:    func() error { return a.gw.Ready(grace) },
			Alerts:   a.notif,
			Runtime:  a.runtimeSnapshots,
		}
		if a.store != nil {
			deps.Journal = a.store
		}
		a.http = httpapi.New(hc, deps, compLog("http"))
	}
	return nil
}

func httpConfig(c config.HTTPConfig) (httpapi.Config, error) {
	rt, err := config.ParseDurationField("http.read_timeout", c.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", c.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         c.ListenAddr(),
		ReadTimeout:  rt,
		WriteTimeout: wt,
		WebhookPaths: c.WebhookPaths,
		CORS:         c.CORS.Enabled,
		CORSOrigins:  c.CORS.AllowOrigins,
		Pprof:        c.Pprof.Enabled,
		PprofToken:   c.Pprof.Token,
	}, nil
}

func (a *App) handleInbound(ctx context.Context, msg im.InboundMessage) error {
	if a.inbound == nil {
		return nil
	}
	return a.inbound.HandleMessage(ctx, msg)
}

func (a *App) alert(msg string) {
	if a.notif == nil {
		a.log.Warn("alert dropped", logx.String("text", msg))
		return
	}
	a.notif.Alert(a.alertUserID)(msg)
}

func (a *App) Gateway() *gateway.Manager { return a.gw }

// runtimeSnapshots names every live supervisor for the debug endpoint.
func (a *App) runtimeSnapshots() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.notif.Supervisor(); sup != nil {
		out["notifier"] = sup.Snapshot()
	}
	for _, p := range a.gw.AvailableProviders() {
		if cs := a.gw.Supervisor(p); cs != nil {
			if snap, ok := cs.Runtime(); ok {
				out["im."+string(p)] = snap
			}
		}
	}
	return out
}

// HTTPAddr is the bound API address, or "" when the API is disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	run := a.sup.Context()

	a.notif.Start(run)

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	if a.store != nil {
		a.sup.Go0("storage.record", func(c context.Context) {
			storage.Record(c, a.bus, a.store, a.logs.Logger().With(logx.String("comp", "storage")))
		})
	}

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Sessions that fail to come up keep retrying in the background and
	// report through alerts; only the HTTP bind is fatal.
	if err := a.gw.StartAll(run); err != nil {
		a.log.Warn("some providers failed to start", logx.Err(err))
	}
	if err := a.report.Start(run); err != nil {
		return err
	}
	if a.http != nil {
		if err := a.http.Start(run); err != nil {
			return err
		}
		a.log.Info("http api listening", logx.String("addr", a.http.Addr()))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
		return nil
	})
	a.sup.Go0("systemd.status", func(c context.Context) {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		for {
			a.reportStatus()
			select {
			case <-c.Done():
				return
			case <-t.C:
			}
		}
	})
	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("app started", logx.Int("providers", len(a.gw.AvailableProviders())))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(newCfg.Logging.Logx())

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) reportStatus() {
	statuses := a.gw.Statuses()
	connected := 0
	for _, s := range statuses {
		if s.Connected {
			connected++
		}
	}
	if _, err := systemd.Status("%d/%d sessions connected", connected, len(statuses)); err != nil {
		a.log.Debug("sd_notify status failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first, then sessions, then the alert queue they may feed.
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	step("report", 1*time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("gateway", 5*time.Second, func(c context.Context) error { return a.gw.StopAll(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("stores", 1*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
		a.store = nil
	}
	if a.affinity != nil {
		if err := a.affinity.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.affinity = nil
	}
	return firstErr
}
