package models

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal statuses are never overwritten by a later attempt.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type StatusRecord struct {
	NotificationID string     `json:"notification_id"`
	Channel        Channel    `json:"channel,omitempty"`
	Status         Status     `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// Content is a rendered template ready to hand to a provider.
type Content struct {
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}
