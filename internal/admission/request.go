package admission

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "herald/pkg/errors"
	"herald/pkg/models"
)

// Request is one admission as seen by the Router. Exactly one of Target and UserID is needed;
// UserID is resolved through the user directory.
type Request struct {
	Channel       string                 `json:"channel" validate:"required,oneof=email push"`
	Target        string                 `json:"target" validate:"required_without=UserID,max=4096"`
	UserID        string                 `json:"user_id" validate:"max=128"`
	TemplateRef   string                 `json:"template_ref" validate:"required,max=256"`
	Variables     map[string]interface{} `json:"variables"`
	RequestKey    string                 `json:"request_key" validate:"max=256"`
	Priority      *int                   `json:"priority" validate:"omitempty,min=1,max=10"`
	Metadata      map[string]string      `json:"metadata"`
	CorrelationID string                 `json:"-"`
}

type Result struct {
	NotificationID string        `json:"notification_id"`
	Status         models.Status `json:"status"`
	// Duplicate is set when the request key was already admitted; nothing was published.
	Duplicate bool `json:"duplicate"`
}

var (
	requestValidator *validator.Validate
	requestOnce      sync.Once
)

func getValidator() *validator.Validate {
	requestOnce.Do(func() {
		requestValidator = validator.New(validator.WithRequiredStructEnabled())
		requestValidator.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return requestValidator
}

func (r *Request) normalize() {
	r.Channel = strings.ToLower(strings.TrimSpace(r.Channel))
	r.Target = strings.TrimSpace(r.Target)
	r.UserID = strings.TrimSpace(r.UserID)
	r.TemplateRef = strings.TrimSpace(r.TemplateRef)
	r.RequestKey = strings.TrimSpace(r.RequestKey)
}

// Validate checks the request shape and returns the first violation as an ErrValidation.
func (r *Request) Validate() error {
	err := getValidator().Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.ErrValidation.WithCause(err)
	}

	fe := verrs[0]
	field := fe.Field()
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", field)
	case "required_without":
		msg = "target or user_id is required"
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min", "max":
		if fe.Kind() == reflect.String {
			msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		} else {
			msg = fmt.Sprintf("%s must be between %d and %d", field, models.MinPriority, models.MaxPriority)
		}
	default:
		msg = fmt.Sprintf("%s is invalid", field)
	}
	return apperrors.Validation(field, msg)
}

// fromModelError converts envelope validation failures into application validation errors.
func fromModelError(err error) error {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return apperrors.Validation(ve.Field, ve.Message)
	}
	return apperrors.ErrValidation.WithCause(err)
}
