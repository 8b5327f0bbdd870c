package app

import (
	"fmt"
	"strings"
	"time"

	"postrelay/internal/catalog"
	"postrelay/internal/config"
	"postrelay/internal/dispatch"
	"postrelay/internal/domain"
	"postrelay/internal/maintenance"
	"postrelay/internal/observability/httpserver"
	"postrelay/internal/sender/discord"
	"postrelay/internal/sender/telegram"
	"postrelay/internal/storage"
	"postrelay/internal/task/engine"
	"postrelay/internal/trigger"
	logx "postrelay/pkg/logx"
)

const producerName = "postrelay"

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
	if s := cfg.Sentry; s != nil && strings.TrimSpace(s.DSN) != "" {
		lc.Sentry = logx.SentryConfig{Enabled: true, MinLevel: s.MinLevel}
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file", "bolt":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "mysql", "postgres", "mongo":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: sc.DSN, Database: sc.Database}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Workers:        4,
		QueueSize:      512,
		HistorySize:    200,
		DefaultTimeout: 30 * time.Second,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	d, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	out.MaxQueueDelay = d
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.operation_timeout", cfg.Dispatch.OperationTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Dispatch.RetryMax < 0 || cfg.Dispatch.PerBotConcurrency < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch: retry_max and per_bot_concurrency must be >= 0")
	}
	return dispatch.Config{
		OperationTimeout:  timeout,
		RetryMax:          cfg.Dispatch.RetryMax,
		RetryBase:         2 * time.Second,
		PerBotConcurrency: cfg.Dispatch.PerBotConcurrency,
	}, nil
}

type senderConfigs struct {
	telegram     telegram.Config
	telegramRate int
	discord      discord.Config
	discordRate  int
}

func mapSenderConfigs(cfg *config.Config) (senderConfigs, error) {
	tg := cfg.Senders.Telegram
	tgTimeout, err := config.ParseDurationOrDefault("senders.telegram.http_timeout", tg.HTTPTimeout, 30*time.Second)
	if err != nil {
		return senderConfigs{}, err
	}
	dc := cfg.Senders.Discord
	dcTimeout, err := config.ParseDurationOrDefault("senders.discord.http_timeout", dc.HTTPTimeout, 30*time.Second)
	if err != nil {
		return senderConfigs{}, err
	}
	return senderConfigs{
		telegram:     telegram.Config{APIURL: tg.APIURL, ParseMode: tg.ParseMode, HTTPTimeout: tgTimeout},
		telegramRate: tg.RatePerSec,
		discord:      discord.Config{HTTPTimeout: dcTimeout, ParseMode: dc.ParseMode},
		discordRate:  dc.RatePerSec,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   rt,
		// /events and pprof profile responses are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  it,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	ret, err := config.ParseDurationField("maintenance.audit_retention", cfg.Maintenance.AuditRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{Retention: ret, Schedule: cfg.Maintenance.PurgeSchedule}, nil
}

func mapAMQPOptions(c *config.AMQPConfig) (trigger.AMQPOptions, error) {
	retry, err := config.ParseDurationField("trigger.amqp.retry_delay", c.RetryDelay)
	if err != nil {
		return trigger.AMQPOptions{}, err
	}
	dial, err := config.ParseDurationField("trigger.amqp.dial_timeout", c.DialTimeout)
	if err != nil {
		return trigger.AMQPOptions{}, err
	}
	return trigger.AMQPOptions{
		URL:         c.URL,
		Exchange:    c.Exchange,
		Queue:       c.Queue,
		BindingKey:  c.BindingKey,
		Prefetch:    c.Prefetch,
		RetryDelay:  retry,
		MaxRetries:  c.MaxRetries,
		Producer:    producerName,
		DialTimeout: dial,
	}, nil
}

func mapKafkaOptions(c *config.KafkaConfig) trigger.KafkaOptions {
	group := strings.TrimSpace(c.GroupID)
	if group == "" {
		group = producerName
	}
	return trigger.KafkaOptions{Brokers: c.Brokers, Topic: c.Topic, GroupID: group, Producer: producerName}
}

// mapCatalogSeeds converts the bootstrap section into domain entities.
func mapCatalogSeeds(cfg *config.Config) ([]domain.Bot, []domain.Channel, []catalog.PostSeed, error) {
	bots := make([]domain.Bot, 0, len(cfg.Catalog.Bots))
	for i, b := range cfg.Catalog.Bots {
		be, err := domain.ParseBackend(b.Backend)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("catalog.bots[%d]: %w", i, err)
		}
		bots = append(bots, domain.Bot{ID: b.ID, Backend: be, Token: b.Token})
	}
	channels := make([]domain.Channel, 0, len(cfg.Catalog.Channels))
	for i, ch := range cfg.Catalog.Channels {
		be, err := domain.ParseBackend(ch.Backend)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("catalog.channels[%d]: %w", i, err)
		}
		channels = append(channels, domain.Channel{
			ID:         ch.ID,
			Backend:    be,
			ExternalID: strings.TrimSpace(ch.ExternalID),
			BotID:      ch.BotID,
		})
	}
	posts := make([]catalog.PostSeed, 0, len(cfg.Catalog.Posts))
	for i, p := range cfg.Catalog.Posts {
		kind, err := domain.ParseContentKind(p.Kind)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("catalog.posts[%d]: %w", i, err)
		}
		post := domain.Post{ID: p.ID, Kind: kind, Text: p.Text, File: p.File, Caption: p.Caption}
		for _, it := range p.Gallery {
			post.Gallery = append(post.Gallery, domain.GalleryItem{File: it.File, Caption: it.Caption})
		}
		if err := post.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("catalog.posts[%d]: %w", i, err)
		}
		posts = append(posts, catalog.PostSeed{Post: post, Channels: p.Channels})
	}
	return bots, channels, posts, nil
}

// alertBot returns the token of the telegram bot named by logging.alerts.
func alertBot(cfg *config.Config) (string, bool) {
	a := cfg.Logging.Alerts
	if !a.Enabled || a.BotID == 0 || strings.TrimSpace(a.ChatID) == "" {
		return "", false
	}
	for _, b := range cfg.Catalog.Bots {
		if b.ID == a.BotID && strings.EqualFold(strings.TrimSpace(b.Backend), string(domain.BackendTelegram)) {
			return b.Token, strings.TrimSpace(b.Token) != ""
		}
	}
	return "", false
}

// validate is installed as the config manager's reload validator. purger
// may be nil before the app is assembled.
func validate(cfg *config.Config, purger *maintenance.Purger) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSenderConfigs(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	if purger != nil {
		if err := purger.Validate(mc); err != nil {
			return err
		}
	}
	if a := cfg.Trigger.AMQP; a != nil {
		if _, err := mapAMQPOptions(a); err != nil {
			return err
		}
	}
	_, _, _, err = mapCatalogSeeds(cfg)
	return err
}
