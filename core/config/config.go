package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds settings of the remote Telegram Bot API.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// APIURL overrides the Bot API base URL; empty -> api.telegram.org.
	APIURL string `yaml:"api_url" envconfig:"TELEGRAM_API_URL"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
	// PollLimit caps updates per getUpdates call (1..100).
	PollLimit int `yaml:"poll_limit" envconfig:"TELEGRAM_POLL_LIMIT"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
	Path   string `yaml:"path" envconfig:"WEBHOOK_PATH"`
	// Secret is echoed by Telegram in X-Telegram-Bot-Api-Secret-Token.
	Secret string `yaml:"secret" envconfig:"WEBHOOK_SECRET"`
	// AckTimeoutSec bounds how long a request waits for its update to be
	// processed before answering 503; zero means 30.
	AckTimeoutSec int `yaml:"ack_timeout_sec" envconfig:"WEBHOOK_ACK_TIMEOUT_SEC"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

// DispatcherConfig tunes the per-chat worker pool.
type DispatcherConfig struct {
	Workers                int `yaml:"workers" envconfig:"DISPATCH_WORKERS"`
	QueueIdleSeconds       int `yaml:"queue_idle_seconds" envconfig:"DISPATCH_QUEUE_IDLE_SECONDS"`
	JanitorIntervalSeconds int `yaml:"janitor_interval_seconds"`
}

// BackoffConfig describes an exponential retry schedule.
type BackoffConfig struct {
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// PostgresConfig holds connection settings of the networked SQL backend.
type PostgresConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

// RedisConfig holds connection settings of the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
	Prefix   string `yaml:"prefix" envconfig:"REDIS_PREFIX"`
}

// StorageConfig selects the dialogue storage backend and codec.
type StorageConfig struct {
	Backend       string         `yaml:"backend" envconfig:"STORAGE_BACKEND"`
	Codec         string         `yaml:"codec" envconfig:"STORAGE_CODEC"`
	SchemaVersion int            `yaml:"schema_version"`
	TimeoutMS     int            `yaml:"timeout_ms"`
	TTLSeconds    int            `yaml:"ttl_seconds"`
	DecodePolicy  string         `yaml:"decode_policy"`
	SQLitePath    string         `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	Postgres      PostgresConfig `yaml:"postgres"`
	Redis         RedisConfig    `yaml:"redis"`
}

// OutboundConfig tunes calls back to the remote API.
type OutboundConfig struct {
	TimeoutMS   int `yaml:"timeout_ms"`
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// MetricsConfig controls the prometheus endpoint; empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"METRICS_LISTEN"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

const (
	DecodePolicyReset   = "reset"
	DecodePolicySuspend = "suspend"
)

var allowedCodecs = []string{"json", "yaml", "cbor", "gob"}

// Config aggregates the configuration of the dialogue engine.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Storage    StorageConfig    `yaml:"storage"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Path == "" {
			cfg.Webhook.Path = "/telegram/webhook"
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
		if cfg.Telegram.LongPollTimeoutSeconds == 0 {
			cfg.Telegram.LongPollTimeoutSeconds = 10
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	switch {
	case cfg.Telegram.PollLimit == 0:
		cfg.Telegram.PollLimit = 100
	case cfg.Telegram.PollLimit < 1 || cfg.Telegram.PollLimit > 100:
		return fmt.Errorf("telegram.poll_limit must be within 1..100")
	}

	if cfg.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher.Workers = 8
	}
	if cfg.Dispatcher.QueueIdleSeconds <= 0 {
		cfg.Dispatcher.QueueIdleSeconds = 600
	}
	if cfg.Dispatcher.JanitorIntervalSeconds <= 0 {
		cfg.Dispatcher.JanitorIntervalSeconds = 60
	}

	if err := normalizeBackoff("backoff", &cfg.Backoff, 500, 30_000, 5); err != nil {
		return err
	}
	ob := BackoffConfig{
		BaseDelayMS: cfg.Outbound.BaseDelayMS,
		MaxDelayMS:  cfg.Outbound.MaxDelayMS,
		MaxAttempts: cfg.Outbound.MaxAttempts,
	}
	if err := normalizeBackoff("outbound", &ob, 1000, 30_000, 4); err != nil {
		return err
	}
	cfg.Outbound.BaseDelayMS, cfg.Outbound.MaxDelayMS, cfg.Outbound.MaxAttempts = ob.BaseDelayMS, ob.MaxDelayMS, ob.MaxAttempts
	if cfg.Outbound.TimeoutMS <= 0 {
		cfg.Outbound.TimeoutMS = 10_000
	}

	return normalizeStorage(&cfg.Storage)
}

func normalizeBackoff(section string, b *BackoffConfig, base, max, attempts int) error {
	if b.BaseDelayMS < 0 || b.MaxDelayMS < 0 || b.MaxAttempts < 0 {
		return fmt.Errorf("%s: negative values are not allowed", section)
	}
	if b.BaseDelayMS == 0 {
		b.BaseDelayMS = base
	}
	if b.MaxDelayMS == 0 {
		b.MaxDelayMS = max
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = attempts
	}
	if b.MaxDelayMS < b.BaseDelayMS {
		return fmt.Errorf("%s.max_delay_ms must be >= base_delay_ms", section)
	}
	return nil
}

func normalizeStorage(s *StorageConfig) error {
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	if backend == "" {
		backend = BackendMemory
	}
	switch backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(s.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(s.Postgres.Host) == "" || strings.TrimSpace(s.Postgres.Name) == "" {
			return fmt.Errorf("storage.postgres.host and storage.postgres.name are required for the postgres backend")
		}
		if s.Postgres.Port == "" {
			s.Postgres.Port = "5432"
		}
		if s.Postgres.SSLMode == "" {
			s.Postgres.SSLMode = "disable"
		}
		if s.Postgres.MaxConnections <= 0 {
			s.Postgres.MaxConnections = 10
		}
	case BackendRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
		if s.Redis.Prefix == "" {
			s.Redis.Prefix = "dialogbot"
		}
	default:
		return fmt.Errorf("invalid storage.backend %q; allowed: memory, sqlite, postgres, redis", s.Backend)
	}
	s.Backend = backend

	codec := strings.ToLower(strings.TrimSpace(s.Codec))
	if codec == "" {
		codec = "json"
	}
	valid := false
	for _, c := range allowedCodecs {
		if c == codec {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid storage.codec %q; allowed: %s", s.Codec, strings.Join(allowedCodecs, ", "))
	}
	s.Codec = codec

	if s.SchemaVersion <= 0 {
		s.SchemaVersion = 1
	}
	if s.TimeoutMS <= 0 {
		s.TimeoutMS = 3000
	}
	if s.TTLSeconds < 0 {
		return fmt.Errorf("storage.ttl_seconds must be >= 0")
	}

	policy := strings.ToLower(strings.TrimSpace(s.DecodePolicy))
	switch policy {
	case "":
		policy = DecodePolicySuspend
	case DecodePolicyReset, DecodePolicySuspend:
	default:
		return fmt.Errorf("invalid storage.decode_policy %q; allowed: reset, suspend", s.DecodePolicy)
	}
	s.DecodePolicy = policy
	return nil
}
