package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Broker.Type)
	assert.Equal(t, "email.queue", cfg.Broker.Queues.Email)
	assert.Equal(t, "push.queue", cfg.Broker.Queues.Push)
	assert.Equal(t, "failed.queue", cfg.Broker.Queues.Failed)
	assert.Equal(t, 24*time.Hour, cfg.Admission.IdempotencyTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Admission.StatusTTL)
	assert.Equal(t, 5, cfg.Admission.DefaultPriority)
	assert.Equal(t, 10, cfg.Dispatch.Prefetch)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.BreakerOpenBackoff)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)

	p := cfg.Retry.Policy()
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 2*time.Second, p.InitialInterval)
	assert.True(t, p.PermanentShortCircuit)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
broker:
  type: memory
  queues:
    email: mail
dispatch:
  workers: 4
retry:
  max_retries: 3
templates:
  static:
    welcome:
      subject: "Hi {{.name}}"
      body: "Welcome"
`)
	t.Setenv("BROKER_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SMTP_HOST", "smtp.internal")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Broker.Type)
	assert.Equal(t, "mail", cfg.Broker.Queues.Email)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Kafka.Brokers)
	assert.Equal(t, "smtp.internal", cfg.Providers.SMTP.Host)
	assert.Equal(t, "Hi {{.name}}", cfg.Templates.Static["welcome"].Subject)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateStaticCollectsEveryViolation(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Broker.Type = "rabbitmq"
	cfg.Dispatch.Workers = 0
	cfg.Breaker.SuccessThreshold = 0
	cfg.Broker.Queues.Push = cfg.Broker.Queues.Email

	err = ValidateStatic(cfg)
	require.Error(t, err)

	fields := map[string]bool{}
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var ve *ValidationError
		require.True(t, errors.As(e, &ve))
		fields[ve.Field] = true
	}
	assert.True(t, fields["broker.type"])
	assert.True(t, fields["dispatch.workers"])
	assert.True(t, fields["breaker.success_threshold"])
	assert.True(t, fields["broker.queues"])
}

func TestQueueFor(t *testing.T) {
	q := QueuesConfig{Email: "e", Push: "p", Failed: "f"}
	assert.Equal(t, "e", q.QueueFor("email"))
	assert.Equal(t, "p", q.QueueFor("push"))
	assert.Equal(t, "", q.QueueFor("sms"))
}
