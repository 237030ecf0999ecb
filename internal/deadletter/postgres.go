package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"herald/internal/constants"
	"herald/pkg/metrics"
	"herald/pkg/models"
)

// Record is one archived dead letter.
type Record struct {
	ID             int64
	NotificationID string
	Channel        models.Channel
	Target         string
	TemplateRef    string
	RequestKey     string
	CorrelationID  string
	RetryCount     int
	Reason         string
	Kind           models.FailureKind
	LastError      string
	SourceQueue    string
	Envelope       models.Envelope
	FailedAt       time.Time
}

type Filter struct {
	Channel models.Channel
	Limit   int
}

// PostgresSink archives dead letters in the dead_letters table.
type PostgresSink struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

// Deposit inserts the envelope. A second deposit of the same notification and retry count is a no-op.
func (s *PostgresSink) Deposit(ctx context.Context, env models.Envelope, reason Reason) error {
	failedAt := s.now().UTC()
	payload, err := models.Encode(Annotate(env, reason, failedAt))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO dead_letters (
			notification_id, channel, target, template_ref, request_key, correlation_id,
			retry_count, reason, kind, last_error, source_queue, envelope, failed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (notification_id, retry_count) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		env.NotificationID, string(env.Channel), env.Target, env.TemplateRef, env.RequestKey,
		nullString(env.CorrelationID), env.RetryCount, reason.Reason, string(reason.Kind),
		nullString(reason.LastError), reason.SourceQueue, string(payload), failedAt,
	)
	if err != nil {
		metrics.IncDatabaseQuery("postgres", "dead_letter_insert", "error")
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	metrics.IncDatabaseQuery("postgres", "dead_letter_insert", "success")
	return nil
}

// List returns the most recent dead letters first.
func (s *PostgresSink) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = constants.DefaultDLQListLimit
	}
	if limit > constants.MaxDLQListLimit {
		limit = constants.MaxDLQListLimit
	}

	query := `
		SELECT id, notification_id, channel, target, template_ref, request_key, correlation_id,
			retry_count, reason, kind, last_error, source_queue, envelope, failed_at
		FROM dead_letters
		WHERE ($1::text = '' OR channel = $1::text)
		ORDER BY failed_at DESC, id DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, string(filter.Channel), limit)
	if err != nil {
		metrics.IncDatabaseQuery("postgres", "dead_letter_list", "error")
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec           Record
			channel, kind string
			correlationID sql.NullString
			lastError     sql.NullString
			payload       []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.NotificationID, &channel, &rec.Target, &rec.TemplateRef, &rec.RequestKey,
			&correlationID, &rec.RetryCount, &rec.Reason, &kind, &lastError, &rec.SourceQueue,
			&payload, &rec.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		rec.Channel = models.Channel(channel)
		rec.Kind = models.FailureKind(kind)
		rec.CorrelationID = correlationID.String
		rec.LastError = lastError.String
		if err := json.Unmarshal(payload, &rec.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode archived envelope %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}

	metrics.IncDatabaseQuery("postgres", "dead_letter_list", "success")
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
