package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Kafka      KafkaConfig
	Outbox     OutboxRelayConfig
	Auth       AuthConfig
	Community  CommunityConfig
	Notifier   NotifierConfig
	Classifier ClassifierConfig
	Ingest     IngestConfig
	Dispatch   DispatchConfig
	Reports    ReportsConfig
	Scheduler  SchedulerConfig
}

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	DetectionTopic string        `mapstructure:"detection_topic"`
	RetryTopic     string        `mapstructure:"retry_topic"`
	DLQTopic       string        `mapstructure:"dlq_topic"`
	AlertGroup     string        `mapstructure:"alert_group"`
	MaxRetries     int           `mapstructure:"max_retries"`
	DedupeTTL      time.Duration `mapstructure:"dedupe_ttl"`
}

type OutboxRelayConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	Issuer       string        `mapstructure:"issuer"`
	WebhookToken string        `mapstructure:"webhook_token"`
}

type CommunityConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotifierConfig struct {
	ControlRoomURL     string        `mapstructure:"control_room_url"`
	AuthURL            string        `mapstructure:"auth_url"`
	Username           string        `mapstructure:"username"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	EmailBotID         int           `mapstructure:"email_bot_id"`
	TeamsBotID         int           `mapstructure:"teams_bot_id"`
	AlertBotID         int           `mapstructure:"alert_bot_id"`
	EmailRecipients    []string      `mapstructure:"email_recipients"`
	TeamsWebhookURL    string        `mapstructure:"teams_webhook_url"`
	DigestChannels     []string      `mapstructure:"digest_channels"`
	AlertsEnabled      bool          `mapstructure:"alerts_enabled"`
	AutomationPriority string        `mapstructure:"automation_priority"`
}

type ClassifierConfig struct {
	RulesFile string `mapstructure:"rules_file"`
	Watch     bool   `mapstructure:"watch"`
}

type IngestConfig struct {
	JobTitleField string `mapstructure:"job_title_field"`
}

type DispatchConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max"`

	// MaxAttempts bounds how many passes may fail transiently before a row
	// is marked failed.
	MaxAttempts int `mapstructure:"max_attempts"`
}

type ReportsConfig struct {
	Storage    string `mapstructure:"storage"` // local or s3
	LocalDir   string `mapstructure:"local_dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Region   string `mapstructure:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	StaleEventAfter time.Duration `mapstructure:"stale_event_after"`
	StaleBatchSize  int           `mapstructure:"stale_batch_size"`

	// StaleMaxAttempts stops the sweep from retrying an event that keeps
	// failing.
	StaleMaxAttempts int `mapstructure:"stale_max_attempts"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/pathfinder/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("PATHFINDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "pathfinder")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("redis.addresses", []string{"localhost:6379"})
	viper.SetDefault("redis.pool_size", 20)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.client_id", "pathfinder")
	viper.SetDefault("kafka.detection_topic", "pathfinder.detections")
	viper.SetDefault("kafka.retry_topic", "pathfinder.detections.retry")
	viper.SetDefault("kafka.dlq_topic", "pathfinder.detections.dlq")
	viper.SetDefault("kafka.alert_group", "pathfinder-alerts")
	viper.SetDefault("kafka.max_retries", 3)
	viper.SetDefault("kafka.dedupe_ttl", "24h")
	viper.SetDefault("outbox.poll_interval", "5s")
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("outbox.lease_duration", "1m")
	viper.SetDefault("outbox.max_attempts", 5)
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.issuer", "pathfinder")
	viper.SetDefault("community.timeout", "5s")
	viper.SetDefault("notifier.timeout", "30s")
	viper.SetDefault("notifier.digest_channels", []string{"email", "teams"})
	viper.SetDefault("notifier.alerts_enabled", true)
	viper.SetDefault("notifier.automation_priority", "PRIORITY_MEDIUM")
	viper.SetDefault("ingest.job_title_field", "Job Title")
	viper.SetDefault("dispatch.poll_interval", "30s")
	viper.SetDefault("dispatch.batch_size", 10)
	viper.SetDefault("dispatch.lease_duration", "10m")
	viper.SetDefault("dispatch.retry_attempts", 3)
	viper.SetDefault("dispatch.retry_initial", "2s")
	viper.SetDefault("dispatch.retry_max", "10s")
	viper.SetDefault("dispatch.max_attempts", 5)
	viper.SetDefault("reports.storage", "local")
	viper.SetDefault("reports.local_dir", "./reports")
	viper.SetDefault("reports.s3_prefix", "reports/")
	viper.SetDefault("scheduler.interval", "1h")
	viper.SetDefault("scheduler.lock_ttl", "5m")
	viper.SetDefault("scheduler.stale_event_after", "15m")
	viper.SetDefault("scheduler.stale_batch_size", 50)
	viper.SetDefault("scheduler.stale_max_attempts", 5)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
