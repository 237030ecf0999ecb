package config

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic checks everything that can be checked without contacting a dependency.
// All violations are returned joined.
func ValidateStatic(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(cfg.Server)...)
	errs = append(errs, validateBroker(cfg.Broker)...)
	errs = append(errs, validateDatabase(cfg.Database)...)
	errs = append(errs, validateAdmission(cfg.Admission)...)
	errs = append(errs, validateDispatch(cfg.Dispatch)...)
	errs = append(errs, validateRetry(cfg.Retry)...)
	errs = append(errs, validateBreaker(cfg.Breaker)...)
	errs = append(errs, validateTemplates(cfg.Templates)...)

	if cfg.UserDirectory.Enabled && cfg.UserDirectory.BaseURL == "" {
		errs = append(errs, &ValidationError{Field: "user_directory.base_url", Message: "required when the user directory is enabled"})
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0) {
		errs = append(errs, &ValidationError{Field: "rate_limit", Message: "rps and burst must be positive"})
	}

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) []error {
	var errs []error
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		})
	}
	if cfg.ReadTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "server.write_timeout", Message: "write timeout must be positive"})
	}
	return errs
}

func validateBroker(cfg BrokerConfig) []error {
	var errs []error

	switch cfg.Type {
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			errs = append(errs, &ValidationError{Field: "broker.kafka.brokers", Message: "at least one Kafka broker is required"})
		}
		if cfg.Kafka.GroupID == "" {
			errs = append(errs, &ValidationError{Field: "broker.kafka.group_id", Message: "consumer group id is required"})
		}
		if cfg.Kafka.DelayedRedelivery.PollInterval <= 0 {
			errs = append(errs, &ValidationError{Field: "broker.kafka.delayed_redelivery.poll_interval", Message: "must be positive"})
		}
	case "sqs":
		if cfg.SQS.Region == "" {
			errs = append(errs, &ValidationError{Field: "broker.sqs.region", Message: "region is required"})
		}
		if cfg.SQS.WaitTimeSeconds < 0 || cfg.SQS.WaitTimeSeconds > 20 {
			errs = append(errs, &ValidationError{Field: "broker.sqs.wait_time_seconds", Message: "must be between 0 and 20"})
		}
		if cfg.SQS.MaxMessages < 1 || cfg.SQS.MaxMessages > 10 {
			errs = append(errs, &ValidationError{Field: "broker.sqs.max_messages", Message: "must be between 1 and 10"})
		}
	case "memory":
	case "":
		errs = append(errs, &ValidationError{Field: "broker.type", Message: "broker type is required"})
	default:
		errs = append(errs, &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unsupported broker type %q (expected kafka, sqs or memory)", cfg.Type),
		})
	}

	q := cfg.Queues
	if q.Email == "" || q.Push == "" || q.Failed == "" {
		errs = append(errs, &ValidationError{Field: "broker.queues", Message: "email, push and failed queue names are required"})
	} else if q.Email == q.Push || q.Email == q.Failed || q.Push == q.Failed {
		errs = append(errs, &ValidationError{Field: "broker.queues", Message: "queue names must be distinct"})
	}

	return errs
}

func validateDatabase(cfg DatabaseConfig) []error {
	var errs []error
	if cfg.Redis.Host == "" {
		errs = append(errs, &ValidationError{Field: "database.redis.host", Message: "redis host is required"})
	}
	if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Redis.Port),
		})
	}
	return errs
}

func validateAdmission(cfg AdmissionConfig) []error {
	var errs []error
	if cfg.IdempotencyTTL <= 0 {
		errs = append(errs, &ValidationError{Field: "admission.idempotency_ttl", Message: "must be positive"})
	}
	if cfg.StatusTTL <= 0 {
		errs = append(errs, &ValidationError{Field: "admission.status_ttl", Message: "must be positive"})
	}
	if cfg.DefaultPriority < 1 || cfg.DefaultPriority > 10 {
		errs = append(errs, &ValidationError{Field: "admission.default_priority", Message: "must be between 1 and 10"})
	}
	if cfg.PublishRetry.MaxAttempts < 1 {
		errs = append(errs, &ValidationError{Field: "admission.publish_retry.max_attempts", Message: "must be at least 1"})
	}
	return errs
}

func validateDispatch(cfg DispatchConfig) []error {
	var errs []error
	if cfg.Workers < 1 {
		errs = append(errs, &ValidationError{Field: "dispatch.workers", Message: "must be at least 1"})
	}
	if cfg.Prefetch < 1 {
		errs = append(errs, &ValidationError{Field: "dispatch.prefetch", Message: "must be at least 1"})
	}
	if cfg.AttemptTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "dispatch.attempt_timeout", Message: "must be positive"})
	}
	if cfg.BreakerOpenBackoff < 0 {
		errs = append(errs, &ValidationError{Field: "dispatch.breaker_open_backoff", Message: "cannot be negative"})
	}
	return errs
}

func validateRetry(cfg RetryConfig) []error {
	var errs []error
	if cfg.MaxRetries < 0 {
		errs = append(errs, &ValidationError{Field: "retry.max_retries", Message: "cannot be negative"})
	}
	if cfg.InitialInterval <= 0 {
		errs = append(errs, &ValidationError{Field: "retry.initial_interval", Message: "must be positive"})
	}
	if cfg.Multiplier < 1 {
		errs = append(errs, &ValidationError{Field: "retry.multiplier", Message: "must be at least 1"})
	}
	if cfg.MaxInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		errs = append(errs, &ValidationError{Field: "retry.max_interval", Message: "must not be less than initial_interval"})
	}
	return errs
}

func validateBreaker(cfg BreakerConfig) []error {
	var errs []error
	if cfg.FailureThreshold < 1 {
		errs = append(errs, &ValidationError{Field: "breaker.failure_threshold", Message: "must be at least 1"})
	}
	if cfg.SuccessThreshold < 1 {
		errs = append(errs, &ValidationError{Field: "breaker.success_threshold", Message: "must be at least 1"})
	}
	if cfg.RecoveryTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "breaker.recovery_timeout", Message: "must be positive"})
	}
	return errs
}

func validateTemplates(cfg TemplatesConfig) []error {
	switch cfg.Source {
	case "static", "mongodb":
		return nil
	default:
		return []error{&ValidationError{
			Field:   "templates.source",
			Message: fmt.Sprintf("unsupported template source %q (expected static or mongodb)", cfg.Source),
		}}
	}
}
