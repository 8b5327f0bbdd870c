package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, URLs) are reported
// only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sentry, newCfg.Sentry) {
		changed = append(changed, "sentry")
		attrs = append(attrs, logx.Bool("sentry.dsn_set", newCfg.Sentry != nil && strings.TrimSpace(newCfg.Sentry.DSN) != ""))
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.Database != newCfg.Storage.Database ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.max_queue_delay", nTE.MaxQueueDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.operation_timeout", newCfg.Dispatch.OperationTimeout),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
			logx.Int("dispatch.per_bot_concurrency", newCfg.Dispatch.PerBotConcurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Senders, newCfg.Senders) {
		changed = append(changed, "senders")
		attrs = append(attrs,
			logx.String("senders.telegram.parse_mode", newCfg.Senders.Telegram.ParseMode),
			logx.Int("senders.telegram.rate_per_sec", newCfg.Senders.Telegram.RatePerSec),
			logx.String("senders.discord.parse_mode", newCfg.Senders.Discord.ParseMode),
			logx.Int("senders.discord.rate_per_sec", newCfg.Senders.Discord.RatePerSec),
		)
	}

	if oldCfg.Media != newCfg.Media {
		changed = append(changed, "media")
		attrs = append(attrs, logx.String("media.root", newCfg.Media.Root))
	}

	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.amqp", newCfg.Trigger.AMQP != nil),
			logx.Bool("trigger.kafka", newCfg.Trigger.Kafka != nil),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.audit_retention", newCfg.Maintenance.AuditRetention),
			logx.String("maintenance.purge_schedule", newCfg.Maintenance.PurgeSchedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.Int("catalog.bots", len(newCfg.Catalog.Bots)),
			logx.Int("catalog.channels", len(newCfg.Catalog.Channels)),
			logx.Int("catalog.posts", len(newCfg.Catalog.Posts)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
