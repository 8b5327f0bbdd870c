package config

// Config is the root of the postrelay configuration file (JSON or YAML).
//
// Secrets (bot tokens, DSNs, URLs with credentials) may be written as
// ${VAR} references; they are expanded from the environment after .env is
// loaded.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Sentry      *SentryConfig     `json:"sentry,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	TaskEngine  *TaskEngineConfig `json:"task_engine,omitempty"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Senders     SendersConfig     `json:"senders"`
	Media       MediaConfig       `json:"media"`
	Trigger     TriggerConfig     `json:"trigger"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Catalog     CatalogConfig     `json:"catalog"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ log lines to an operator Telegram chat using
// one of the catalog bots.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	BotID      int64  `json:"bot_id"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SentryConfig struct {
	DSN         string  `json:"dsn"`
	Environment string  `json:"environment,omitempty"`
	Release     string  `json:"release,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
	MinLevel    string  `json:"min_level,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Drivers: memory, file, sqlite, mysql, postgres, mongo, bolt.
//
//	"storage": { "driver": "sqlite", "path": "./data/postrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Database    string `json:"database,omitempty"`     // mongo
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TaskEngineConfig controls the worker pool executing dispatch operations.
//
// Defaults: workers 4, queue_size 512, max_queue_delay 0s (disabled),
// history_size 200.
type TaskEngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// DispatchConfig controls per-operation behaviour.
type DispatchConfig struct {
	// OperationTimeout bounds a single publish/edit/delete call. Default 30s.
	OperationTimeout string `json:"operation_timeout,omitempty"`
	// RetryMax is the number of automatic retries per operation. Default 0.
	RetryMax int `json:"retry_max,omitempty"`
	// PerBotConcurrency caps parallel remote calls per bot. 0 means unlimited.
	PerBotConcurrency int `json:"per_bot_concurrency,omitempty"`
}

type SendersConfig struct {
	Telegram TelegramSenderConfig `json:"telegram"`
	Discord  DiscordSenderConfig  `json:"discord"`
}

type TelegramSenderConfig struct {
	APIURL      string `json:"api_url,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"` // MarkdownV2 (default), HTML, none
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type DiscordSenderConfig struct {
	ParseMode   string `json:"parse_mode,omitempty"` // markdown (default), none
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type MediaConfig struct {
	Root string `json:"root"`
}

type TriggerConfig struct {
	AMQP  *AMQPConfig  `json:"amqp,omitempty"`
	Kafka *KafkaConfig `json:"kafka,omitempty"`
}

type AMQPConfig struct {
	URL         string `json:"url"`
	Exchange    string `json:"exchange"`
	Queue       string `json:"queue"`
	BindingKey  string `json:"binding_key,omitempty"`
	Prefetch    int    `json:"prefetch,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

// HTTPConfig controls the ops server (/metrics, /healthz, /debug/*, /events).
//
// Prefer a loopback address. A non-loopback bind requires a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:9464
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type MaintenanceConfig struct {
	// AuditRetention enables the audit purge job when > 0 (e.g. "720h" or "30d").
	AuditRetention string `json:"audit_retention,omitempty"`
	// PurgeSchedule is a cron expression. Default "@daily".
	PurgeSchedule string `json:"purge_schedule,omitempty"`
}

// CatalogConfig seeds bots, channels and posts into the store at startup.
type CatalogConfig struct {
	Bots     []BotSeed     `json:"bots,omitempty"`
	Channels []ChannelSeed `json:"channels,omitempty"`
	Posts    []PostSeed    `json:"posts,omitempty"`
}

type BotSeed struct {
	ID      int64  `json:"id"`
	Backend string `json:"backend"`
	Token   string `json:"token"`
}

type ChannelSeed struct {
	ID         int64  `json:"id"`
	Backend    string `json:"backend"`
	ExternalID string `json:"external_id"`
	BotID      int64  `json:"bot_id,omitempty"`
}

type PostSeed struct {
	ID       int64             `json:"id"`
	Kind     string            `json:"kind"`
	Text     string            `json:"text,omitempty"`
	File     string            `json:"file,omitempty"`
	Caption  string            `json:"caption,omitempty"`
	Gallery  []GalleryItemSeed `json:"gallery,omitempty"`
	Channels []int64           `json:"channels,omitempty"`
}

type GalleryItemSeed struct {
	File    string `json:"file"`
	Caption string `json:"caption,omitempty"`
}
