package templates

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"herald/internal/logger"
	"herald/internal/renderer"
	apperrors "herald/pkg/errors"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

type Service struct {
	repo     Repository
	notifier Notifier
	logger   logger.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds the template service. notifier may be nil, in which case running
// renderers only see changes once their cache entry expires.
func NewService(repo Repository, notifier Notifier, log logger.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})

	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   log,
		validate: v,
		now:      time.Now,
	}
}

func (s *Service) Publish(ctx context.Context, req PublishRequest) (*Template, error) {
	req.Code = strings.TrimSpace(req.Code)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	t := &Template{
		Code:      req.Code,
		Name:      req.Name,
		Subject:   req.Subject,
		Content:   req.Content,
		Language:  req.Language,
		IsActive:  true,
		ChangedBy: req.ChangedBy,
		CreatedAt: s.now().UTC(),
	}
	if err := renderer.Check(renderer.Template{Code: t.Code, Subject: t.Subject, Body: t.Content}); err != nil {
		return nil, apperrors.Validation("content", err.Error())
	}

	if err := s.repo.Insert(ctx, t); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal)
	}

	s.logger.InfowCtx(ctx, "Template published", "template_ref", t.Code, "version", t.Version)
	s.announce(ctx, ChangeEvent{Code: t.Code, Action: ActionPublish, Version: t.Version, ChangedBy: t.ChangedBy})
	return t, nil
}

func (s *Service) Get(ctx context.Context, code string) (*Template, error) {
	t, err := s.repo.Active(ctx, code)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal)
	}
	if t == nil {
		return nil, apperrors.ErrNotFound.WithDetail("code", code)
	}
	return t, nil
}

func (s *Service) Versions(ctx context.Context, code string) ([]Template, error) {
	versions, err := s.repo.Versions(ctx, code)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal)
	}
	if len(versions) == 0 {
		return nil, apperrors.ErrNotFound.WithDetail("code", code)
	}
	return versions, nil
}

func (s *Service) List(ctx context.Context) ([]Template, error) {
	list, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal)
	}
	if list == nil {
		list = []Template{}
	}
	return list, nil
}

// Deactivate switches off every version of code. Envelopes still referencing it are
// dead-lettered as permanent failures once caches drop the template.
func (s *Service) Deactivate(ctx context.Context, code, changedBy string) error {
	n, err := s.repo.Deactivate(ctx, code)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal)
	}
	if n == 0 {
		return apperrors.ErrNotFound.WithDetail("code", code)
	}

	s.logger.InfowCtx(ctx, "Template deactivated", "template_ref", code, "versions", n)
	s.announce(ctx, ChangeEvent{Code: code, Action: ActionDeactivate, ChangedBy: changedBy})
	return nil
}

func (s *Service) announce(ctx context.Context, event ChangeEvent) {
	if s.notifier == nil {
		return
	}
	event.Timestamp = s.now().UTC()
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to announce template change", "template_ref", event.Code, "error", err)
	}
}

func (s *Service) validateRequest(req PublishRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return apperrors.ErrValidation.WithCause(err)
		}
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return apperrors.Validation(fe.Field(), fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			return apperrors.Validation(fe.Field(), fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			return apperrors.Validation(fe.Field(), fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	if !codePattern.MatchString(req.Code) {
		return apperrors.Validation("code", "code may only contain letters, digits, '_', '.' and '-'")
	}
	return nil
}
