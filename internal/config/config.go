package config

import (
	"time"

	"herald/pkg/retry"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Admission      AdmissionConfig      `mapstructure:"admission"`
	Dispatch       DispatchConfig       `mapstructure:"dispatch"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Breaker        BreakerConfig        `mapstructure:"breaker"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Providers      ProvidersConfig      `mapstructure:"providers"`
	Templates      TemplatesConfig      `mapstructure:"templates"`
	UserDirectory  UserDirectoryConfig  `mapstructure:"user_directory"`
	DeadLetter     DeadLetterConfig     `mapstructure:"dead_letter"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type   string       `mapstructure:"type"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	SQS    SQSConfig    `mapstructure:"sqs"`
	Queues QueuesConfig `mapstructure:"queues"`
}

type KafkaConfig struct {
	Brokers           []string        `mapstructure:"brokers"`
	GroupID           string          `mapstructure:"group_id"`
	BatchTimeout      time.Duration   `mapstructure:"batch_timeout"`
	WriteTimeout      time.Duration   `mapstructure:"write_timeout"`
	CommitInterval    time.Duration   `mapstructure:"commit_interval"`
	DelayedRedelivery SchedulerConfig `mapstructure:"delayed_redelivery"`
}

// SchedulerConfig tunes the Redis sorted set used for delayed redelivery on brokers
// without native message delay.
type SchedulerConfig struct {
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type SQSConfig struct {
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	WaitTimeSeconds   int32         `mapstructure:"wait_time_seconds"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxMessages       int32         `mapstructure:"max_messages"`
}

type QueuesConfig struct {
	Email  string `mapstructure:"email"`
	Push   string `mapstructure:"push"`
	Failed string `mapstructure:"failed"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AdmissionConfig struct {
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
	StatusTTL       time.Duration `mapstructure:"status_ttl"`
	DefaultPriority int           `mapstructure:"default_priority"`
	PublishRetry    BackoffConfig `mapstructure:"publish_retry"`
}

type DispatchConfig struct {
	Workers            int           `mapstructure:"workers"`
	Prefetch           int           `mapstructure:"prefetch"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	BreakerOpenBackoff time.Duration `mapstructure:"breaker_open_backoff"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

type RetryConfig struct {
	MaxRetries            int           `mapstructure:"max_retries"`
	InitialInterval       time.Duration `mapstructure:"initial_interval"`
	Multiplier            float64       `mapstructure:"multiplier"`
	MaxInterval           time.Duration `mapstructure:"max_interval"`
	PermanentShortCircuit bool          `mapstructure:"permanent_short_circuit"`
}

func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:            c.MaxRetries,
		InitialInterval:       c.InitialInterval,
		Multiplier:            c.Multiplier,
		MaxInterval:           c.MaxInterval,
		PermanentShortCircuit: c.PermanentShortCircuit,
	}
}

type BackoffConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

func (c BackoffConfig) Backoff() retry.Backoff {
	return retry.Backoff{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
		MaxElapsedTime:  c.MaxElapsedTime,
	}
}

// BreakerConfig configures the per-provider delivery breaker.
type BreakerConfig struct {
	Shared           bool          `mapstructure:"shared"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// CircuitBreakerConfig configures the breakers that guard supporting stores and clients.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type ProvidersConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
	FCM  FCMConfig  `mapstructure:"fcm"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

type FCMConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	ServerKey string        `mapstructure:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type TemplatesConfig struct {
	Source     string                    `mapstructure:"source"`
	Collection string                    `mapstructure:"collection"`
	CacheTTL   time.Duration             `mapstructure:"cache_ttl"`
	Static     map[string]StaticTemplate `mapstructure:"static"`
	// ChangesChannel is the Redis pub/sub channel template edits are announced on.
	ChangesChannel string `mapstructure:"changes_channel"`
}

type StaticTemplate struct {
	Subject string `mapstructure:"subject"`
	Body    string `mapstructure:"body"`
}

type UserDirectoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DeadLetterConfig struct {
	Archive        bool          `mapstructure:"archive"`
	DepositRetry   BackoffConfig `mapstructure:"deposit_retry"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// QueueFor returns the queue that carries envelopes for channel.
func (q QueuesConfig) QueueFor(channel string) string {
	switch channel {
	case "email":
		return q.Email
	case "push":
		return q.Push
	default:
		return ""
	}
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
