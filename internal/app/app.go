// Package app wires the delivery subsystem from the file config and owns
// its lifecycle and config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"courier/internal/alert"
	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/health"
	"courier/internal/httpapi"
	"courier/internal/messaging"
	"courier/internal/metrics"
	"courier/internal/policy"
	"courier/internal/resolver"
	"courier/internal/retry"
	"courier/internal/runtime/supervisor"
	"courier/internal/sender"
	"courier/internal/storage"
	"courier/internal/webhook"
	logx "courier/pkg/logx"
)

type App struct {
	cfgm  *config.Manager
	clock clockwork.Clock

	log  logx.Logger
	logs *logx.Sink
	bus  eventbus.Bus

	store storage.Store
	dir   *resolver.SQLDirectory

	resolver *resolver.Resolver
	policy   *policy.Policy
	retry    *retry.Manager
	dispatch *dispatch.Dispatcher
	webhooks *webhook.Ingestor
	health   *health.Monitor
	metrics  *metrics.Metrics
	alerter  *alert.Alerter
	svc      *messaging.Service
	http     *httpapi.Server

	sup     *supervisor.Supervisor
	applied components
	lastCfg *config.Config
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, clockwork.NewRealClock())
}

func build(cfgm *config.Manager, cfg *config.Config, clock clockwork.Clock) (*App, error) {
	comp, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(comp.logging)
	log := root.With(logx.String("comp", "app"))
	a := &App{
		cfgm:    cfgm,
		clock:   clock,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.Get(),
		applied: comp,
		lastCfg: cfg,
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	st, err := storage.Open(comp.storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	log.Info("storage ready", logx.String("driver", comp.storage.Driver))

	var dir resolver.Directory
	if len(comp.directory.tables) > 0 {
		d, err := resolver.OpenSQLDirectory(comp.directory.path, comp.directory.tables)
		if err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		a.dir, dir = d, d
		log.Info("directory ready", logx.Int("kinds", len(comp.directory.tables)))
	}

	snd, err := sender.New(comp.sender, root.With(logx.String("comp", "sender")))
	if err != nil {
		return nil, err
	}

	a.resolver = resolver.New(comp.resolver, st, dir, clock, root.With(logx.String("comp", "resolver")))
	a.policy = policy.New(comp.policy, st, clock, root.With(logx.String("comp", "policy")))
	a.retry = retry.New(comp.retry, st, clock, root.With(logx.String("comp", "retry")))
	a.dispatch, err = dispatch.New(comp.dispatch, dispatch.Deps{
		Store:    st,
		Resolver: a.resolver,
		Policy:   a.policy,
		Retry:    a.retry,
		Sender:   snd,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Clock:    clock,
	}, root.With(logx.String("comp", "dispatch")))
	if err != nil {
		return nil, err
	}
	a.webhooks = webhook.New(comp.webhook, st, a.bus, clock, root.With(logx.String("comp", "webhook")))
	if comp.webhook.Secret == "" {
		log.Warn("webhook secret not set; signatures are not verified")
	}
	a.health = health.New(comp.health, snd, st, a.bus, clock, root.With(logx.String("comp", "health")))

	a.svc, err = messaging.New(comp.messaging, messaging.Deps{
		Store:      st,
		Resolver:   a.resolver,
		Retry:      a.retry,
		Dispatcher: a.dispatch,
		Webhooks:   a.webhooks,
		Health:     a.health,
		Sender:     snd,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Clock:      clock,
	}, root)
	if err != nil {
		return nil, err
	}

	if comp.alertOn {
		tg, err := alert.NewTelegram(comp.telegram)
		if err != nil {
			return nil, fmt.Errorf("alert: %w", err)
		}
		a.alerter = alert.New(comp.alert, tg, root)
	}
	if comp.httpOn {
		a.http = httpapi.New(comp.http, a.svc, root)
	}
	ok = true
	return a, nil
}

// Service is the caller API of the running app.
func (a *App) Service() *messaging.Service { return a.svc }

// Done is closed when the app stops or a worker fails.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal worker error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithClock(a.clock),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Consume(c, a.bus) })
	if a.alerter != nil {
		a.sup.Go0("alert", func(c context.Context) { a.alerter.Run(c, a.bus) })
	}
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go("messaging.jobs", a.svc.Run)
	if a.http != nil {
		a.sup.GoRestart("http", a.http.Run,
			supervisor.WithBackoff(time.Second, 30*time.Second), supervisor.WithMaxRestarts(10))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config is applied.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("courier started",
		logx.String("config", a.cfgm.Path()),
		logx.Bool("http", a.http != nil),
		logx.Bool("alerts", a.alerter != nil))
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
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
}

// restartSections cannot be changed on a running process.
var restartSections = map[string]bool{"storage": true, "alert": true}

// apply hot-reloads cfg into every component. A config that does not map
// cleanly keeps the previous one.
func (a *App) apply(cfg *config.Config) {
	prev := a.lastCfg
	comp, err := mapConfig(cfg)
	if err != nil {
		a.log.Warn("invalid config on reload; keeping previous", logx.Err(err))
		return
	}
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) > 0 {
		a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	}
	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	if !equalDirectory(a.applied.directory, comp.directory) {
		a.log.Warn("directory config changed; restart required")
	}

	if err := a.logs.Apply(comp.logging); err != nil {
		a.log.Warn("log file unavailable; console only", logx.Err(err))
	}
	a.resolver.Apply(comp.resolver)
	a.policy.Apply(comp.policy)
	a.retry.Apply(comp.retry)
	a.dispatch.Apply(comp.dispatch)
	a.webhooks.Apply(comp.webhook)
	a.health.Apply(comp.health)
	if a.alerter != nil {
		a.alerter.Apply(comp.alert)
	}
	if a.http != nil {
		a.http.Apply(comp.http)
	}
	if comp.sender != a.applied.sender {
		snd, err := sender.New(comp.sender, a.log.With(logx.String("comp", "sender")))
		if err != nil {
			a.log.Warn("sender config rejected; keeping previous", logx.Err(err))
			comp.sender = a.applied.sender
		} else {
			a.svc.SetSender(snd)
			a.log.Info("sender replaced", logx.String("sender", snd.Name()))
		}
	}
	if err := a.svc.Apply(comp.messaging); err != nil {
		a.log.Warn("schedule rejected", logx.Err(err))
	}
	a.applied = comp
	a.lastCfg = cfg

	if len(sections) > 0 {
		a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func equalDirectory(x, y directoryConfig) bool {
	if x.path != y.path || len(x.tables) != len(y.tables) {
		return false
	}
	for k, v := range x.tables {
		if w, ok := y.tables[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Stop cancels every worker, waits for them with bounded steps and closes
// storage.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping")

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("supervisor", 10*time.Second, func(c context.Context) error {
		if err := a.sup.Stop(c); errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.closeResources() })

	workers := a.sup.Workers()
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	for _, w := range workers {
		if w.Running {
			a.log.Warn("worker still running after stop", logx.String("worker", w.Name))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.dir != nil {
		errs = append(errs, a.dir.Close())
		a.dir = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
