package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{
	"memory": true, "file": true, "sqlite": true, "sqlite3": true,
	"mysql": true, "postgres": true, "mongo": true, "bolt": true,
}

// Validate performs static checks that do not need any I/O.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver != "" && !knownDrivers[driver] {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("dispatch.operation_timeout", cfg.Dispatch.OperationTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Dispatch.RetryMax < 0 {
		errs = append(errs, errors.New("dispatch.retry_max: must be >= 0"))
	}
	if te := cfg.TaskEngine; te != nil {
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseDurationField("senders.telegram.http_timeout", cfg.Senders.Telegram.HTTPTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("senders.discord.http_timeout", cfg.Senders.Discord.HTTPTimeout); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Senders.Telegram.ParseMode)) {
	case "", "markdownv2", "html", "none":
	default:
		errs = append(errs, fmt.Errorf("senders.telegram.parse_mode: unknown mode %q", cfg.Senders.Telegram.ParseMode))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Senders.Discord.ParseMode)) {
	case "", "markdown", "none":
	default:
		errs = append(errs, fmt.Errorf("senders.discord.parse_mode: unknown mode %q", cfg.Senders.Discord.ParseMode))
	}
	if a := cfg.Trigger.AMQP; a != nil {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Exchange) == "" || strings.TrimSpace(a.Queue) == "" {
			errs = append(errs, errors.New("trigger.amqp: url, exchange and queue are required"))
		}
		if _, err := ParseDurationField("trigger.amqp.retry_delay", a.RetryDelay); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("trigger.amqp.dial_timeout", a.DialTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Trigger.AMQP != nil && cfg.Trigger.Kafka != nil {
		errs = append(errs, errors.New("trigger: amqp and kafka are mutually exclusive"))
	}
	if k := cfg.Trigger.Kafka; k != nil {
		if len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "" {
			errs = append(errs, errors.New("trigger.kafka: brokers and topic are required"))
		}
	}
	if _, err := ParseDurationField("maintenance.audit_retention", cfg.Maintenance.AuditRetention); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout); err != nil {
		errs = append(errs, err)
	}

	seen := map[int64]bool{}
	for i, b := range cfg.Catalog.Bots {
		if b.ID <= 0 {
			errs = append(errs, fmt.Errorf("catalog.bots[%d]: id must be > 0", i))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("catalog.bots[%d]: duplicate id %d", i, b.ID))
		}
		seen[b.ID] = true
	}
	for i, ch := range cfg.Catalog.Channels {
		if ch.ID <= 0 || strings.TrimSpace(ch.ExternalID) == "" {
			errs = append(errs, fmt.Errorf("catalog.channels[%d]: id and external_id are required", i))
		}
	}
	for i, p := range cfg.Catalog.Posts {
		if p.ID <= 0 {
			errs = append(errs, fmt.Errorf("catalog.posts[%d]: id must be > 0", i))
		}
	}
	return errors.Join(errs...)
}
