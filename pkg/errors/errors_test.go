package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type transient struct{}

func (transient) Error() string     { return "transient" }
func (transient) IsRetryable() bool { return true }

type permanent struct{}

func (permanent) Error() string { return "permanent" }
func (permanent) IsFatal() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"retryable marker", fmt.Errorf("wrap: %w", transient{}), true},
		{"fatal marker", fmt.Errorf("wrap: %w", permanent{}), false},
		{"validation", Validation("target", "bad address"), false},
		{"internal", ErrInternal.WithCause(errors.New("x")), true},
		{"forced fatal", ErrInternal.AsFatal(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorsIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("admit: %w", Validation("priority", "priority must be between 1 and 10"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsValidation(err))
	assert.Equal(t, http.StatusBadRequest, ToHTTPStatus(err))
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	_ = ErrValidation.WithDetail("field", "channel")
	assert.Empty(t, ErrValidation.Details)
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(Validation("channel", "unsupported channel"))
	assert.Equal(t, "unsupported channel", resp["error"])
	assert.Equal(t, "VALIDATION_ERROR", resp["error_code"])
	assert.Equal(t, map[string]interface{}{"field": "channel"}, resp["details"])

	resp = ToErrorResponse(errors.New("redis down"))
	assert.Equal(t, "INTERNAL_ERROR", resp["error_code"])
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(errors.New("x")))
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("nil map write")
	var appErr *Error
	assert.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.IsFatal())
	assert.Equal(t, true, appErr.Details["panic"])
	assert.Contains(t, err.Error(), "nil map write")
}
