package templates

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"herald/internal/logger"
)

type Notifier interface {
	Notify(ctx context.Context, event ChangeEvent) error
}

type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal template change: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to announce template change: %w", err)
	}
	return nil
}

type Invalidator interface {
	Invalidate(code string)
}

// Listener applies announced template changes to local renderer caches.
type Listener struct {
	client  redis.UniversalClient
	channel string
	targets []Invalidator
	logger  logger.Logger
}

func NewListener(client redis.UniversalClient, channel string, log logger.Logger, targets ...Invalidator) *Listener {
	return &Listener{client: client, channel: channel, targets: targets, logger: log}
}

// Run blocks until ctx is done. Changes announced while no listener is subscribed are not
// replayed; the renderer cache TTL bounds how stale a missed change can stay.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, l.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", l.channel, err)
	}
	l.logger.InfowCtx(ctx, "Listening for template changes", "channel", l.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			l.Handle(ctx, msg.Payload)
		}
	}
}

func (l *Listener) Handle(ctx context.Context, payload string) {
	var event ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		l.logger.WarnwCtx(ctx, "Ignoring malformed template change", "error", err)
		return
	}
	if event.Code == "" {
		l.logger.WarnwCtx(ctx, "Ignoring template change without code", "action", event.Action)
		return
	}

	for _, t := range l.targets {
		t.Invalidate(event.Code)
	}
	l.logger.InfowCtx(ctx, "Template cache invalidated",
		"template_ref", event.Code,
		"action", event.Action,
		"version", event.Version,
	)
}
