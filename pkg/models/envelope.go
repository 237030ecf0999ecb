package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

var Channels = []Channel{ChannelEmail, ChannelPush}

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelPush:
		return Channel(s), nil
	}
	return "", &ValidationError{Field: "channel", Message: fmt.Sprintf("unsupported channel %q", s)}
}

const (
	EnvelopeVersion = 1

	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Envelope is the unit of work carried on a channel queue. NotificationID, Channel, RequestKey
// and CreatedAt never change after admission; RetryCount grows by one per failed attempt.
type Envelope struct {
	Version        int                    `json:"version"`
	NotificationID string                 `json:"notification_id" validate:"required"`
	Channel        Channel                `json:"channel" validate:"required,oneof=email push"`
	Target         string                 `json:"target" validate:"required,max=4096"`
	TemplateRef    string                 `json:"template_ref" validate:"required,max=256"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	Priority       int                    `json:"priority" validate:"min=1,max=10"`
	RequestKey     string                 `json:"request_key" validate:"required,max=256"`
	RetryCount     int                    `json:"retry_count" validate:"min=0"`
	CreatedAt      time.Time              `json:"created_at" validate:"required"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	DeadLetter     *DeadLetterInfo        `json:"dead_letter,omitempty"`
}

// DeadLetterInfo is attached to envelopes deposited in the dead letter sink.
type DeadLetterInfo struct {
	Reason      string      `json:"reason"`
	Kind        FailureKind `json:"kind"`
	LastError   string      `json:"last_error,omitempty"`
	SourceQueue string      `json:"source_queue"`
	Attempts    int         `json:"attempts"`
	FailedAt    time.Time   `json:"failed_at"`
}

type FailureKind string

const (
	FailureTransient  FailureKind = "transient"
	FailurePermanent  FailureKind = "permanent"
	FailureValidation FailureKind = "validation"
)

// NextAttempt returns a copy of e for the retry that follows a failed attempt.
func (e Envelope) NextAttempt() Envelope {
	next := e.Clone()
	next.RetryCount++
	return next
}

// Clone copies e including its maps so the copy can be mutated independently.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Variables != nil {
		c.Variables = make(map[string]interface{}, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.DeadLetter != nil {
		dl := *e.DeadLetter
		c.DeadLetter = &dl
	}
	return c
}

// NewNotificationID returns an id of the form notif_<12 hex chars>.
func NewNotificationID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return "notif_" + hex.EncodeToString(b[:])
}
