package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/pkg/models"
)

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Per-token errors that will not change on retry.
var fcmPermanentErrors = map[string]bool{
	"InvalidRegistration":   true,
	"NotRegistered":         true,
	"MismatchSenderId":      true,
	"InvalidPackageName":    true,
	"MessageTooBig":         true,
	"InvalidDataKey":        true,
	"InvalidParameters":     true,
	"MissingRegistration":   true,
	"InvalidApnsCredential": true,
}

type FCM struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

func NewFCM(cfg config.FCMConfig) Provider {
	if cfg.ServerKey == "" {
		return Unconfigured(constants.ProviderNameFCM)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &FCM{
		endpoint:  cfg.Endpoint,
		serverKey: cfg.ServerKey,
		client:    &http.Client{Timeout: timeout},
	}
}

func (f *FCM) Name() string { return constants.ProviderNameFCM }

func (f *FCM) Deliver(ctx context.Context, target string, content models.Content) error {
	title := content.Subject
	if title == "" {
		title = "Notification"
	}

	payload, err := json.Marshal(fcmRequest{
		To:           target,
		Notification: fcmNotification{Title: title, Body: content.Body},
		Data:         content.Data,
	})
	if err != nil {
		return Permanent(f.Name(), fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Permanent(f.Name(), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "key="+f.serverKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Transient(f.Name(), fmt.Errorf("fcm request failed: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		statusErr := fmt.Errorf("fcm returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
			return Transient(f.Name(), statusErr)
		default:
			return Permanent(f.Name(), statusErr)
		}
	}

	var out fcmResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Failure == 0 {
		return nil
	}
	for _, r := range out.Results {
		if r.Error == "" {
			continue
		}
		if fcmPermanentErrors[r.Error] {
			return Permanent(f.Name(), fmt.Errorf("fcm rejected token: %s", r.Error))
		}
		return Transient(f.Name(), fmt.Errorf("fcm delivery failed: %s", r.Error))
	}
	return nil
}
