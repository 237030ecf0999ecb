package breaker

import (
	"context"
	"sync"
	"time"

	"herald/internal/logger"
)

// Local is a mutex guarded breaker scoped to one process.
type Local struct {
	name     string
	settings Settings
	logger   logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func NewLocal(name string, s Settings, log logger.Logger) *Local {
	return &Local{
		name:     name,
		settings: s,
		logger:   log,
		now:      time.Now,
		state:    StateClosed,
	}
}

func (b *Local) Name() string { return b.name }

func (b *Local) CanProceed(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.settings.RecoveryTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Local) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Local) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.settings.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

func (b *Local) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *Local) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
	}
	observeTransition(b.logger, b.name, from, to)
}
