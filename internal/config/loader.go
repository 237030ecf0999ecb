package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"herald/internal/constants"
)

// LoadConfig reads configFile (optional), a local .env file (optional) and the environment,
// in increasing order of precedence, then validates the result.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	_ = godotenv.Load()

	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)

	viper.SetDefault("database.redis.host", "localhost")
	viper.SetDefault("database.redis.port", 6379)
	viper.SetDefault("database.postgres.host", "localhost")
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.mongodb.database", constants.DefaultMongoDBName)

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.kafka.group_id", "herald-dispatch")
	viper.SetDefault("broker.kafka.batch_timeout", 10*time.Millisecond)
	viper.SetDefault("broker.kafka.write_timeout", 10*time.Second)
	viper.SetDefault("broker.kafka.commit_interval", 0)
	viper.SetDefault("broker.kafka.delayed_redelivery.key_prefix", "herald:delayed:")
	viper.SetDefault("broker.kafka.delayed_redelivery.poll_interval", 500*time.Millisecond)
	viper.SetDefault("broker.kafka.delayed_redelivery.batch_size", 100)
	viper.SetDefault("broker.sqs.region", "us-east-1")
	viper.SetDefault("broker.sqs.wait_time_seconds", 20)
	viper.SetDefault("broker.sqs.visibility_timeout", 60*time.Second)
	viper.SetDefault("broker.sqs.max_messages", 10)
	viper.SetDefault("broker.queues.email", "email.queue")
	viper.SetDefault("broker.queues.push", "push.queue")
	viper.SetDefault("broker.queues.failed", "failed.queue")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("admission.idempotency_ttl", 24*time.Hour)
	viper.SetDefault("admission.status_ttl", 7*24*time.Hour)
	viper.SetDefault("admission.default_priority", 5)
	viper.SetDefault("admission.publish_retry.max_attempts", 3)
	viper.SetDefault("admission.publish_retry.initial_interval", 100*time.Millisecond)
	viper.SetDefault("admission.publish_retry.max_interval", 2*time.Second)
	viper.SetDefault("admission.publish_retry.multiplier", 2.0)
	viper.SetDefault("admission.publish_retry.max_elapsed_time", 10*time.Second)

	viper.SetDefault("dispatch.workers", 10)
	viper.SetDefault("dispatch.prefetch", 10)
	viper.SetDefault("dispatch.attempt_timeout", 30*time.Second)
	viper.SetDefault("dispatch.breaker_open_backoff", 5*time.Second)
	viper.SetDefault("dispatch.drain_timeout", 30*time.Second)

	viper.SetDefault("retry.max_retries", 5)
	viper.SetDefault("retry.initial_interval", 2*time.Second)
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.max_interval", 5*time.Minute)
	viper.SetDefault("retry.permanent_short_circuit", true)

	viper.SetDefault("breaker.shared", false)
	viper.SetDefault("breaker.key_prefix", "herald:breaker:")
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.recovery_timeout", 60*time.Second)
	viper.SetDefault("breaker.success_threshold", 2)

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", 60*time.Second)
	viper.SetDefault("circuit_breaker.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 5)

	viper.SetDefault("providers.smtp.port", 587)
	viper.SetDefault("providers.smtp.from", "noreply@notification.com")
	viper.SetDefault("providers.fcm.endpoint", "https://fcm.googleapis.com/fcm/send")
	viper.SetDefault("providers.fcm.timeout", 10*time.Second)

	viper.SetDefault("templates.source", "static")
	viper.SetDefault("templates.collection", "templates")
	viper.SetDefault("templates.cache_ttl", time.Minute)
	viper.SetDefault("templates.changes_channel", "herald:templates:changed")

	viper.SetDefault("user_directory.timeout", 5*time.Second)

	viper.SetDefault("dead_letter.archive", false)
	viper.SetDefault("dead_letter.migrations_path", "migrations/postgres")
	viper.SetDefault("dead_letter.deposit_retry.max_attempts", 5)
	viper.SetDefault("dead_letter.deposit_retry.initial_interval", 200*time.Millisecond)
	viper.SetDefault("dead_letter.deposit_retry.max_interval", 5*time.Second)
	viper.SetDefault("dead_letter.deposit_retry.multiplier", 2.0)
	viper.SetDefault("dead_letter.deposit_retry.max_elapsed_time", 30*time.Second)

	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.rps", 100.0)
	viper.SetDefault("rate_limit.burst", 200)
	viper.SetDefault("rate_limit.cleanup_interval", time.Minute)
	viper.SetDefault("rate_limit.max_age", 5*time.Minute)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sampler.type", "always")
}

func bindEnvVariables() {
	_ = viper.BindEnv("broker.type", "BROKER_TYPE")
	_ = viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	_ = viper.BindEnv("broker.sqs.region", "BROKER_SQS_REGION", "AWS_REGION")
	_ = viper.BindEnv("broker.sqs.endpoint", "BROKER_SQS_ENDPOINT")

	_ = viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	_ = viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	_ = viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	_ = viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	_ = viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	_ = viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	_ = viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	_ = viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	_ = viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	_ = viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	_ = viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	_ = viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	_ = viper.BindEnv("providers.smtp.host", "SMTP_HOST")
	_ = viper.BindEnv("providers.smtp.port", "SMTP_PORT")
	_ = viper.BindEnv("providers.smtp.username", "SMTP_USERNAME", "SMTP_USER")
	_ = viper.BindEnv("providers.smtp.password", "SMTP_PASSWORD")
	_ = viper.BindEnv("providers.smtp.from", "SMTP_FROM", "FROM_EMAIL")
	_ = viper.BindEnv("providers.fcm.server_key", "FCM_SERVER_KEY")
	_ = viper.BindEnv("providers.fcm.endpoint", "FCM_ENDPOINT")

	_ = viper.BindEnv("user_directory.base_url", "USER_SERVICE_URL")

	_ = viper.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("logging.level", "LOGGING_LEVEL", "LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "LOGGING_FORMAT")

	_ = viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	_ = viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	_ = viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

// applyEnvOverrides handles values viper cannot decode directly from a single env string.
func applyEnvOverrides(cfg *Config) {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		out := brokers[:0]
		for _, b := range brokers {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
		if len(out) > 0 {
			cfg.Broker.Kafka.Brokers = out
		}
	}
}
