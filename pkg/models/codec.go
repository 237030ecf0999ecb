package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var ErrUnsupportedVersion = errors.New("unsupported envelope version")

// DecodeError marks a payload that can never be processed and must not be redelivered.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode envelope: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) IsFatal() bool { return true }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) IsFatal() bool { return true }

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func envelopeValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonFieldName)
		validate.RegisterStructValidation(validateTarget, Envelope{})
	})
	return validate
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func validateTarget(sl validator.StructLevel) {
	env := sl.Current().Interface().(Envelope)
	if ValidateTarget(env.Channel, env.Target) != nil {
		sl.ReportError(env.Target, "target", "Target", "target", "")
	}
}

// ValidateTarget checks the target format for the channel: an RFC 5322 address for email and
// a non-blank token without whitespace for push.
func ValidateTarget(channel Channel, target string) error {
	switch channel {
	case ChannelEmail:
		addr, err := mail.ParseAddress(target)
		if err != nil || addr.Address != target {
			return &ValidationError{Field: "target", Message: "invalid email address"}
		}
	case ChannelPush:
		if strings.TrimSpace(target) == "" || strings.ContainsAny(target, " \t\r\n") {
			return &ValidationError{Field: "target", Message: "invalid device token"}
		}
	}
	return nil
}

// Validate checks every field constraint of env and returns the first violation.
func Validate(env *Envelope) error {
	if env == nil {
		return &ValidationError{Field: "envelope", Message: "envelope cannot be nil"}
	}

	err := envelopeValidator().Struct(env)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Message: describe(fe)}
	}
	return &ValidationError{Field: "envelope", Message: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "max":
		if fe.Field() == "priority" {
			return fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)
		}
		return fmt.Sprintf("violates %s=%s", fe.Tag(), fe.Param())
	case "target":
		return "invalid target for channel"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// Encode serialises env with the current wire version.
func Encode(env Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire envelope. Envelopes without a version are treated as
// version 1. Any failure is a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}

	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	if env.Version > EnvelopeVersion {
		return Envelope{}, &DecodeError{Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)}
	}

	if err := Validate(&env); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	return env, nil
}
