// Package userdirectory resolves a user id to per-channel delivery targets through the user
// service HTTP API.
package userdirectory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/pkg/circuitbreaker"
	apperrors "herald/pkg/errors"
	"herald/pkg/models"
)

var ErrUserNotFound = apperrors.ErrNotFound.WithMessage("user not found")

type User struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	PushToken   string          `json:"push_token"`
	Preferences map[string]bool `json:"preferences"`
	IsActive    *bool           `json:"is_active,omitempty"`
}

// Allows reports the user's opt-in for channel. Channels missing from the preferences are allowed.
func (u *User) Allows(channel models.Channel) bool {
	enabled, ok := u.Preferences[string(channel)]
	return !ok || enabled
}

// TargetFor returns the delivery address for channel, or "" when the user has none.
func (u *User) TargetFor(channel models.Channel) string {
	switch channel {
	case models.ChannelEmail:
		return u.Email
	case models.ChannelPush:
		return u.PushToken
	default:
		return ""
	}
}

type Directory interface {
	Lookup(ctx context.Context, userID string) (*User, error)
}

type userResponse struct {
	Success bool   `json:"success"`
	Data    *User  `json:"data"`
	Error   string `json:"error"`
}

type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	cb      *circuitbreaker.Wrapper
}

// NewHTTPDirectory builds a client for cfg.BaseURL. cb may be nil. A user that does not exist
// is a normal answer and does not count against the breaker.
func NewHTTPDirectory(cfg config.UserDirectoryConfig, cbCfg config.CircuitBreakerConfig) *HTTPDirectory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	var cb *circuitbreaker.Wrapper
	if cbCfg.Enabled {
		c := circuitbreaker.DefaultConfig("user-directory")
		if cbCfg.Timeout > 0 {
			c.Timeout = cbCfg.Timeout
		}
		if cbCfg.MinRequests > 0 {
			c.MinRequests = cbCfg.MinRequests
		}
		if cbCfg.FailureRatio > 0 {
			c.FailureRatio = cbCfg.FailureRatio
		}
		c.IsSuccessful = func(err error) bool { return apperrors.IsNotFound(err) }
		cb = circuitbreaker.NewWrapper(c)
	}

	return &HTTPDirectory{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cb:      cb,
	}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, userID string) (*User, error) {
	user, err := circuitbreaker.Run(ctx, d.cb, func(ctx context.Context) (*User, error) {
		return d.fetch(ctx, userID)
	})
	if err != nil {
		if circuitbreaker.IsRejection(err) {
			return nil, apperrors.ErrServiceUnavailable.WithMessage("user directory unavailable").WithCause(err)
		}
		return nil, err
	}
	return user, nil
}

func (d *HTTPDirectory) fetch(ctx context.Context, userID string) (*User, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s", d.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperrors.ErrServiceUnavailable.WithMessage("user directory request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUserNotFound.WithDetail("user_id", userID)
	}
	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return nil, apperrors.ErrServiceUnavailable.
			WithMessage(fmt.Sprintf("user directory returned status %d", resp.StatusCode)).
			WithDetail("duration_ms", time.Since(start).Milliseconds())
	}

	var out userResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}
	if !out.Success || out.Data == nil {
		return nil, ErrUserNotFound.WithDetail("user_id", userID)
	}
	if out.Data.IsActive != nil && !*out.Data.IsActive {
		return nil, ErrUserNotFound.WithDetail("user_id", userID).WithDetail("reason", "inactive")
	}
	return out.Data, nil
}

// IsUnavailable reports whether err means the directory could not answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, apperrors.ErrServiceUnavailable)
}
