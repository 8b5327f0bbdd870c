package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"

	"postrelay/internal/catalog"
	"postrelay/internal/completion"
	"postrelay/internal/config"
	"postrelay/internal/dispatch"
	"postrelay/internal/domain"
	"postrelay/internal/eventbus"
	"postrelay/internal/maintenance"
	"postrelay/internal/media"
	"postrelay/internal/observability/httpserver"
	"postrelay/internal/observability/metrics"
	rtsup "postrelay/internal/runtime/supervisor"
	"postrelay/internal/sender"
	"postrelay/internal/sender/discord"
	"postrelay/internal/sender/telegram"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	"postrelay/internal/trigger"
	logx "postrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log      logx.Logger
	logs     *logx.Service
	alertKey string
	sentryOn bool

	bus      eventbus.Bus
	store    storage.Store
	registry *prometheus.Registry

	engine     *engine.Service
	resolver   *sender.Resolver
	dispatcher *dispatch.Dispatcher
	completion *completion.Service
	router     *trigger.Router
	emitter    trigger.Emitter
	consumers  []consumer
	closers    []io.Closer
	catalog    *catalog.Service
	purger     *maintenance.Purger
	http       *httpserver.Service
}

// consumer is a trigger transport read loop run under the app supervisor.
type consumer struct {
	name string
	run  func(ctx context.Context) error
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg, nil); err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm}

	if s := cfg.Sentry; s != nil && strings.TrimSpace(s.DSN) != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              s.DSN,
			Environment:      s.Environment,
			Release:          s.Release,
			SampleRate:       s.SampleRate,
			AttachStacktrace: true,
		}); err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
		a.sentryOn = true
	}

	// Alerts stay off until the target is known so Apply does not warn about
	// a missing sender.
	bootLog := mapLogConfig(cfg)
	bootLog.Alerts.Enabled = false
	a.logs, a.log = logx.New(bootLog, nil)
	a.refreshAlerter(cfg)
	a.logs.Apply(mapLogConfig(cfg))
	a.log = a.log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	a.store, err = storage.Open(sc, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, a.log.With(logx.String("comp", "taskengine")), a.bus)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	metrics.RegisterEngine(a.registry, a.engine.Snapshot)
	dm := metrics.NewDispatch(a.registry)

	a.resolver = sender.NewResolver(a.store, a.log)
	senders, _ := mapSenderConfigs(cfg)
	a.registerSenders(senders, media.NewLocal(cfg.Media.Root))

	dcfg, _ := mapDispatchConfig(cfg)
	a.dispatcher = dispatch.New(a.store, a.resolver, a.engine, dcfg,
		dispatch.WithBus(a.bus),
		dispatch.WithMetrics(dm),
		dispatch.WithLogger(a.log.With(logx.String("comp", "dispatch"))),
	)
	a.completion = completion.New(a.store, a.resolver, a.engine, dcfg.OperationTimeout, a.log)
	a.router = trigger.NewRouter(a.dispatcher, a.completion, a.log)

	if err := a.buildTrigger(cfg); err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.catalog = catalog.New(a.store, a.emitter, a.log)

	mc, _ := mapMaintenanceConfig(cfg)
	a.purger = maintenance.New(a.store, a.engine, mc, a.log)
	if err := a.purger.Validate(mc); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	hc, _ := mapHTTPConfig(cfg)
	a.http = httpserver.New(hc, httpserver.Deps{
		Gatherer: a.registry,
		Dispatch: a.dispatcher.Snapshot,
		Engine:   a.engine.Snapshot,
		Health:   a.health,
		Bus:      a.bus,
		Records:  a.store,
		Admin:    a.catalog,
	}, a.log)

	return a, nil
}

// buildTrigger selects the trigger transport. Without a broker, events are
// routed in-process.
func (a *App) buildTrigger(cfg *config.Config) error {
	switch {
	case cfg.Trigger.AMQP != nil:
		opt, err := mapAMQPOptions(cfg.Trigger.AMQP)
		if err != nil {
			return err
		}
		pub, err := trigger.NewPublisher(opt, a.log)
		if err != nil {
			return err
		}
		a.emitter = pub
		a.closers = append(a.closers, pub)
		a.consumers = append(a.consumers, consumer{name: "trigger.amqp", run: trigger.NewConsumer(opt, a.router, a.log).Run})
		a.log.Info("trigger transport: amqp", logx.String("exchange", opt.Exchange), logx.String("queue", opt.Queue))
	case cfg.Trigger.Kafka != nil:
		opt := mapKafkaOptions(cfg.Trigger.Kafka)
		em := trigger.NewKafkaEmitter(opt)
		kc := trigger.NewKafkaConsumer(opt, a.router, a.log)
		a.emitter = em
		a.closers = append(a.closers, em, kc)
		a.consumers = append(a.consumers, consumer{name: "trigger.kafka", run: kc.Run})
		a.log.Info("trigger transport: kafka", logx.String("topic", opt.Topic), logx.String("group", opt.GroupID))
	default:
		a.emitter = trigger.NewDirect(a.router)
		a.log.Info("trigger transport: direct")
	}
	return nil
}

func (a *App) registerSenders(sc senderConfigs, src media.Source) {
	a.resolver.Register(domain.BackendTelegram,
		telegram.Factory(sc.telegram, src, a.log.With(logx.String("comp", "sender.telegram"))), sc.telegramRate)
	a.resolver.Register(domain.BackendDiscord,
		discord.Factory(sc.discord, src, a.log.With(logx.String("comp", "sender.discord"))), sc.discordRate)
}

// refreshAlerter rebuilds the operator alert sender when its bot or chat
// changed.
func (a *App) refreshAlerter(cfg *config.Config) {
	token, ok := alertBot(cfg)
	key := ""
	if ok {
		key = fmt.Sprintf("%x|%s|%s", sha(token), cfg.Logging.Alerts.ChatID, cfg.Senders.Telegram.APIURL)
	}
	if key == a.alertKey {
		return
	}
	a.alertKey = key
	if !ok {
		a.logs.SetAlertSender(nil)
		return
	}
	al, err := telegram.NewAlerter(token, cfg.Logging.Alerts.ChatID, cfg.Senders.Telegram.APIURL)
	if err != nil {
		a.logs.SetAlertSender(nil)
		a.logs.Logger().Warn("alert sender unavailable", logx.Err(err))
		return
	}
	a.logs.SetAlertSender(al)
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
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

func (a *App) health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if !a.engine.Snapshot().Running {
		return errors.New("task engine not running")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithPanicHook(func(name string, p any, stack string) {
			if a.sentryOn {
				sentry.CurrentHub().Recover(p)
			}
		}),
	)
	// Workers and the ops server are stopped explicitly so in-flight
	// operations can drain after the supervisor is canceled.
	runCtx := context.WithoutCancel(ctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg, a.purger)
	})

	a.engine.Start(runCtx)

	for _, c := range a.consumers {
		a.sup.GoRestart(c.name, c.run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if err := a.seed(ctx, a.cfgm.Get()); err != nil {
		return err
	}
	if err := a.purger.Start(runCtx); err != nil {
		return err
	}
	hc, _ := mapHTTPConfig(a.cfgm.Get())
	if hc.Enabled {
		a.http.Start(runCtx)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) seed(ctx context.Context, cfg *config.Config) error {
	bots, channels, posts, err := mapCatalogSeeds(cfg)
	if err != nil {
		return err
	}
	if len(bots)+len(channels)+len(posts) == 0 {
		return nil
	}
	return a.catalog.Seed(ctx, bots, channels, posts)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Trigger consumers and config loops unwind first so no new work arrives.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("maintenance", time.Second, func(c context.Context) error { a.purger.Stop(c); return nil })
	step("dispatch.drain", 10*time.Second, a.dispatcher.Wait)
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("trigger", 2*time.Second, func(context.Context) error {
		var errs []error
		for _, cl := range a.closers {
			errs = append(errs, cl.Close())
		}
		return errors.Join(errs...)
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.sentryOn {
		sentry.Flush(2 * time.Second)
	}
	return a.logs.Close()
}
