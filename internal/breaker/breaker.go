// Package breaker implements the per-dependency delivery circuit breaker.
//
// A breaker starts closed. Consecutive failures reaching FailureThreshold open it; once
// RecoveryTimeout has passed since opening, the next CanProceed moves it to half-open.
// SuccessThreshold successes in half-open close it again, any failure reopens it.
// The breaker only answers CanProceed; callers decide what to do when it says no.
package breaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/config"
	"herald/internal/logger"
	"herald/pkg/metrics"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Breaker interface {
	Name() string
	// CanProceed never blocks on the breaker itself.
	CanProceed(ctx context.Context) bool
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

func SettingsFromConfig(cfg config.BreakerConfig) Settings {
	s := DefaultSettings()
	if cfg.FailureThreshold > 0 {
		s.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.RecoveryTimeout > 0 {
		s.RecoveryTimeout = cfg.RecoveryTimeout
	}
	if cfg.SuccessThreshold > 0 {
		s.SuccessThreshold = cfg.SuccessThreshold
	}
	return s
}

// New returns a Redis backed breaker shared by every worker process when cfg.Shared is set
// and rdb is available, and an in-process breaker otherwise.
func New(name string, cfg config.BreakerConfig, rdb redis.UniversalClient, log logger.Logger) Breaker {
	s := SettingsFromConfig(cfg)
	if cfg.Shared && rdb != nil {
		return NewShared(name, s, rdb, cfg.KeyPrefix, log)
	}
	return NewLocal(name, s, log)
}

func observeTransition(log logger.Logger, name string, from, to State) {
	if from == to {
		return
	}
	var v float64
	switch to {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
	log.Warnw("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
}
