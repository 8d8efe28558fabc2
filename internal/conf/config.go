// Package conf loads and validates the process settings.
package conf

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Store dialects supported by the operational store and document index.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Settings is the full process configuration, loaded once at startup and
// shared read-only through the pipeline context.
type Settings struct {
	Logging   LoggingSettings   `mapstructure:"logging"`
	Server    ServerSettings    `mapstructure:"server"`
	Store     StoreSettings     `mapstructure:"store"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Platform  PlatformSettings  `mapstructure:"platform"`
	Ingest    IngestSettings    `mapstructure:"ingest"`
	Normalize NormalizeSettings `mapstructure:"normalize"`
	Builder   BuilderSettings   `mapstructure:"builder"`
	Detect    DetectSettings    `mapstructure:"detect"`
	Shield    ShieldSettings    `mapstructure:"shield"`
	Converge  ConvergeSettings  `mapstructure:"converge"`
	Action    ActionSettings    `mapstructure:"action"`
	Retention RetentionSettings `mapstructure:"retention"`
}

// LoggingSettings controls the zap logger.
type LoggingSettings struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ServerSettings configures the operational HTTP endpoint.
type ServerSettings struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// StoreSettings selects the operational store / document index backend.
type StoreSettings struct {
	Dialect string `mapstructure:"dialect"` // sqlite or mysql
	DSN     string `mapstructure:"dsn"`
}

// RedisSettings configures the dedup store and the shield invalidation
// channel.
type RedisSettings struct {
	Addr        string   `mapstructure:"addr"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	DedupTTL    Duration `mapstructure:"dedup_ttl"`
	DedupBucket Duration `mapstructure:"dedup_bucket"`
}

// PlatformSettings configures the upstream strategy / metadata client.
type PlatformSettings struct {
	BaseURL         string   `mapstructure:"base_url"`
	Timeout         Duration `mapstructure:"timeout"`
	CacheTTL        Duration `mapstructure:"cache_ttl"`
	RatePerSec      float64  `mapstructure:"rate_per_sec"`
	Burst           int      `mapstructure:"burst"`
	RefreshInterval Duration `mapstructure:"refresh_interval"`
}

// IngestSettings configures the raw event source.
type IngestSettings struct {
	QueueSize  int    `mapstructure:"queue_size"`
	MQTTBroker string `mapstructure:"mqtt_broker"`
	MQTTTopic  string `mapstructure:"mqtt_topic"`
	MQTTClient string `mapstructure:"mqtt_client_id"`
}

// NormalizeSettings configures event normalization and enrichment.
type NormalizeSettings struct {
	IgnoredFilesystems []string `mapstructure:"ignored_filesystems"`
	HostCacheTTL       Duration `mapstructure:"host_cache_ttl"`
}

// BuilderSettings configures the sharded alert builder.
type BuilderSettings struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// DetectSettings configures detection and trigger evaluation.
type DetectSettings struct {
	TickInterval    Duration `mapstructure:"tick_interval"` // per-strategy floor is 10s
	ExternalURL     string   `mapstructure:"external_url"`
	ExternalTimeout Duration `mapstructure:"external_timeout"`
}

// ShieldSettings configures shield matching.
type ShieldSettings struct {
	RefreshInterval Duration `mapstructure:"refresh_interval"`
	DefaultTimezone string   `mapstructure:"default_timezone"`
	InvalidationKey string   `mapstructure:"invalidation_key"` // redis pub/sub channel
}

// ConvergeSettings configures the converger.
type ConvergeSettings struct {
	DefaultWindow   Duration `mapstructure:"default_window"`
	DefenseCooldown Duration `mapstructure:"defense_cooldown"`
	IsolationField  string   `mapstructure:"isolation_field"`
}

// ActionSettings configures the action runtime.
type ActionSettings struct {
	Workers            int      `mapstructure:"workers"`
	QueueSize          int      `mapstructure:"queue_size"`
	ExecuteTimeout     Duration `mapstructure:"execute_timeout"`
	MaxAttempts        int      `mapstructure:"max_attempts"`
	BackoffBase        Duration `mapstructure:"backoff_base"`
	PollInterval       Duration `mapstructure:"poll_interval"`
	ParentBudget       Duration `mapstructure:"parent_budget"`
	NoticeGatewayURL   string   `mapstructure:"notice_gateway_url"`
	NoticeTimeout      Duration `mapstructure:"notice_timeout"`
	ChatServiceURL     string   `mapstructure:"chat_service_url"` // shoutrrr URL
	JobServiceURL      string   `mapstructure:"job_service_url"`
	WorkflowServiceURL string   `mapstructure:"workflow_service_url"`
	ITSMServiceURL     string   `mapstructure:"itsm_service_url"`
}

// RetentionSettings controls the retention sweep.
type RetentionSettings struct {
	Days          int      `mapstructure:"days"`
	SweepInterval Duration `mapstructure:"sweep_interval"`
}

// setDefaults registers defaults for every tunable.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("server.metrics_addr", ":9215")
	v.SetDefault("store.dialect", DialectSQLite)
	v.SetDefault("store.dsn", "kestrel.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dedup_ttl", "10m")
	v.SetDefault("redis.dedup_bucket", "1m")
	v.SetDefault("platform.timeout", "10s")
	v.SetDefault("platform.cache_ttl", "1m")
	v.SetDefault("platform.rate_per_sec", 20.0)
	v.SetDefault("platform.burst", 40)
	v.SetDefault("platform.refresh_interval", "5m")
	v.SetDefault("ingest.queue_size", 4096)
	v.SetDefault("ingest.mqtt_topic", "kestrel/events/#")
	v.SetDefault("ingest.mqtt_client_id", "kestrel-pipeline")
	v.SetDefault("normalize.ignored_filesystems", []string{"iso9660", "tmpfs", "udf"})
	v.SetDefault("normalize.host_cache_ttl", "10m")
	v.SetDefault("builder.workers", 8)
	v.SetDefault("builder.queue_size", 1024)
	v.SetDefault("detect.tick_interval", "1m")
	v.SetDefault("detect.external_timeout", "5s")
	v.SetDefault("shield.refresh_interval", "1m")
	v.SetDefault("shield.default_timezone", "UTC")
	v.SetDefault("shield.invalidation_key", "kestrel:shield:changed")
	v.SetDefault("converge.default_window", "60s")
	v.SetDefault("converge.defense_cooldown", "5m")
	v.SetDefault("converge.isolation_field", "normal")
	v.SetDefault("action.workers", 8)
	v.SetDefault("action.queue_size", 1024)
	v.SetDefault("action.execute_timeout", "30s")
	v.SetDefault("action.max_attempts", 3)
	v.SetDefault("action.backoff_base", "2s")
	v.SetDefault("action.poll_interval", "10s")
	v.SetDefault("action.parent_budget", "30m")
	v.SetDefault("action.notice_timeout", "10s")
	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.sweep_interval", "1h")
}

// Load reads settings from the given YAML file. An empty path falls back to
// the KESTREL_CONFIG environment variable; if neither is set, defaults apply.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("KESTREL_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Validate rejects settings the pipeline cannot run with.
func (s *Settings) Validate() error {
	if s.Store.Dialect != DialectSQLite && s.Store.Dialect != DialectMySQL {
		return fmt.Errorf("invalid store dialect %q", s.Store.Dialect)
	}
	if s.Builder.Workers <= 0 {
		return fmt.Errorf("builder.workers must be positive, got %d", s.Builder.Workers)
	}
	if s.Action.Workers <= 0 {
		return fmt.Errorf("action.workers must be positive, got %d", s.Action.Workers)
	}
	if s.Action.MaxAttempts <= 0 {
		return fmt.Errorf("action.max_attempts must be positive, got %d", s.Action.MaxAttempts)
	}
	if _, err := time.LoadLocation(s.Shield.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid shield timezone %q: %w", s.Shield.DefaultTimezone, err)
	}
	if s.Detect.TickInterval.Std() < 10*time.Second {
		s.Detect.TickInterval = Duration(10 * time.Second)
	}
	return nil
}
