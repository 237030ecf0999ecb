// Package provider holds the downstream delivery clients: an SMTP relay for email and the
// FCM HTTP API for push. Every failure is returned as a TransientError or a PermanentError.
package provider

import (
	"context"
	"errors"
	"fmt"

	"herald/pkg/models"
)

type Provider interface {
	Name() string
	Deliver(ctx context.Context, target string, content models.Content) error
}

// TransientError is worth retrying: network failures, timeouts, 5xx and throttling responses.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error     { return e.Err }
func (e *TransientError) IsRetryable() bool { return true }

// PermanentError will fail the same way on every attempt, such as a rejected recipient.
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent failure: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }
func (e *PermanentError) IsFatal() bool { return true }

func Transient(provider string, err error) error {
	return &TransientError{Provider: provider, Err: err}
}

func Permanent(provider string, err error) error {
	return &PermanentError{Provider: provider, Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

var ErrNotConfigured = errors.New("provider is not configured")

type unconfigured struct {
	name string
}

// Unconfigured returns a provider that fails every delivery permanently, so envelopes for a
// channel without credentials end up in the dead letter sink with a reason.
func Unconfigured(name string) Provider {
	return unconfigured{name: name}
}

func (u unconfigured) Name() string { return u.name }

func (u unconfigured) Deliver(ctx context.Context, target string, content models.Content) error {
	return Permanent(u.name, ErrNotConfigured)
}

// IsConfigured reports whether p can actually deliver.
func IsConfigured(p Provider) bool {
	_, ok := p.(unconfigured)
	return !ok
}
