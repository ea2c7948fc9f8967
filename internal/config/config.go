package config

import (
	"time"

	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

type Config struct {
	Env      string         `yaml:"env" env:"APP_ENV"`
	Server   ServerConfig   `yaml:"server"`
	Logger   logger.Config  `yaml:"logger"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Elastic  ElasticConfig  `yaml:"elastic"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Accounts  []AccountConfig `yaml:"accounts"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" env:"PORT"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	TrustedProxyCIDRs []string      `yaml:"trusted_proxy_cidrs"`
	ProxyIPHeaders    []string      `yaml:"proxy_ip_headers"`
	AuditPepper       string        `yaml:"audit_pepper" env:"AUDIT_PEPPER"`
	HSTSMaxAge        int           `yaml:"hsts_max_age"`
	TrustForwardProto bool          `yaml:"trust_forwarded_proto"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DB_DRIVER"` // postgres|sqlite|memory
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Address  string `yaml:"address" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`

	CircuitBreaker struct {
		Enabled      bool          `yaml:"enabled"`
		FailureRatio float64       `yaml:"failure_ratio"`
		RecoveryTime time.Duration `yaml:"recovery_time"`
		MinRequests  uint64        `yaml:"min_requests"`
	} `yaml:"circuit_breaker"`
}

type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS"`
	TopicEvents   string        `yaml:"topic_events"`
	TopicAudit    string        `yaml:"topic_audit"`
	BatchSize     int           `yaml:"batch_size"`
	FlushEvery    time.Duration `yaml:"flush_every"`
	QueueCapacity int           `yaml:"queue_capacity"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	TLS           bool          `yaml:"tls"`

	GroupID  string        `yaml:"group_id"`
	MinBytes int           `yaml:"min_bytes"`
	MaxBytes int           `yaml:"max_bytes"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

type ElasticConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Endpoint   string        `yaml:"endpoint" env:"ES_ENDPOINT"`
	APIKey     string        `yaml:"api_key" env:"ES_API_KEY"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	IndexPref  string        `yaml:"index_prefix"`
	FlushSize  int           `yaml:"flush_size"`
	FlushEvery time.Duration `yaml:"flush_every"`
	Timeout    time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RatePerInterval int           `yaml:"rate_per_interval"`
	Interval        time.Duration `yaml:"interval"`
	Burst           int           `yaml:"burst"`
	UseRedis        bool          `yaml:"use_redis"`
}

type PipelineConfig struct {
	DropThreshold     int           `yaml:"drop_threshold"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
	ConversionWorkers int           `yaml:"conversion_workers"`
	ConversionQueue   int           `yaml:"conversion_queue"`
	MaxBatchEvents    int           `yaml:"max_batch_events"`
}

// AccountConfig binds a pixel account to its ad-platform credentials.
// AccessToken may be a literal or an "ssm:" / "secretsmanager:" reference.
type AccountConfig struct {
	ID            string        `yaml:"id"`
	PixelID       string        `yaml:"pixel_id"`
	AccessToken   string        `yaml:"access_token"`
	APIVersion    string        `yaml:"api_version"`
	BaseURL       string        `yaml:"base_url"`
	TestEventCode string        `yaml:"test_event_code"`
	Timeout       time.Duration `yaml:"timeout"`
}
