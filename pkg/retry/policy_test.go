package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type permanentErr struct{}

func (permanentErr) Error() string { return "mailbox does not exist" }
func (permanentErr) IsFatal() bool { return true }

func TestDecideDelaysDoubleFromTwoSeconds(t *testing.T) {
	p := DefaultPolicy()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for retryCount, delay := range want {
		d := p.Decide(retryCount)
		assert.Equal(t, ActionRetry, d.Action, "retry_count=%d", retryCount)
		assert.Equal(t, delay, d.Delay, "retry_count=%d", retryCount)
	}
}

func TestDecideDeadLettersAtMaxRetries(t *testing.T) {
	p := DefaultPolicy()

	for _, retryCount := range []int{5, 6, 100} {
		d := p.Decide(retryCount)
		assert.Equal(t, ActionDeadLetter, d.Action)
		assert.Equal(t, ReasonRetriesExhausted, d.Reason)
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{MaxRetries: 50, InitialInterval: time.Second, Multiplier: 2, MaxInterval: time.Minute}
	assert.Equal(t, time.Minute, p.Decide(10).Delay)
	assert.Equal(t, time.Minute, p.Decide(49).Delay)
}

func TestDecideErrorPermanent(t *testing.T) {
	p := DefaultPolicy()

	d := p.DecideError(0, permanentErr{})
	assert.Equal(t, ActionDeadLetter, d.Action)
	assert.Equal(t, ReasonPermanentFailure, d.Reason)

	d = p.DecideError(0, errors.New("connection reset"))
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 2*time.Second, d.Delay)

	p.PermanentShortCircuit = false
	d = p.DecideError(0, permanentErr{})
	assert.Equal(t, ActionRetry, d.Action)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "retry", ActionRetry.String())
	assert.Equal(t, "dead_letter", ActionDeadLetter.String())
}
