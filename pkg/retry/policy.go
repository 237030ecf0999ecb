package retry

import (
	"time"

	apperrors "herald/pkg/errors"
)

type Action int

const (
	ActionRetry Action = iota
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	Delay  time.Duration
	// Reason is set for dead letter decisions.
	Reason string
}

const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPermanentFailure = "permanent_failure"
)

// Policy decides what happens to an envelope after a failed delivery attempt.
type Policy struct {
	MaxRetries            int           `mapstructure:"max_retries"`
	InitialInterval       time.Duration `mapstructure:"initial_interval"`
	Multiplier            float64       `mapstructure:"multiplier"`
	MaxInterval           time.Duration `mapstructure:"max_interval"`
	PermanentShortCircuit bool          `mapstructure:"permanent_short_circuit"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:            5,
		InitialInterval:       2 * time.Second,
		Multiplier:            2.0,
		MaxInterval:           5 * time.Minute,
		PermanentShortCircuit: true,
	}
}

// Delay is the wait before the retry that follows attempt number retryCount.
func (p Policy) Delay(retryCount int) time.Duration {
	return CalculateBackoffDuration(retryCount, p.InitialInterval, p.Multiplier, p.MaxInterval)
}

// Decide is a pure function of retryCount: once the budget is spent the envelope is dead lettered.
func (p Policy) Decide(retryCount int) Decision {
	if retryCount >= p.MaxRetries {
		return Decision{Action: ActionDeadLetter, Reason: ReasonRetriesExhausted}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay(retryCount)}
}

// DecideError is Decide with the failure taken into account.
func (p Policy) DecideError(retryCount int, err error) Decision {
	if p.PermanentShortCircuit && err != nil && !apperrors.IsRetryable(err) {
		return Decision{Action: ActionDeadLetter, Reason: ReasonPermanentFailure}
	}
	return p.Decide(retryCount)
}
