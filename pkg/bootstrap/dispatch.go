package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"herald/internal/breaker"
	"herald/internal/constants"
	"herald/internal/deadletter"
	"herald/internal/dispatch"
	"herald/internal/provider"
	"herald/internal/renderer"
	"herald/internal/status"
	"herald/internal/templates"
	"herald/pkg/migrations"
	"herald/pkg/models"
)

// DispatchDeps are the connections a dispatch pool draws on. Postgres and Mongo may be nil.
type DispatchDeps struct {
	Redis    redis.UniversalClient
	Postgres *sql.DB
	Mongo    *mongo.Client
}

// Dispatcher is a ready to run pool for one channel together with its delivery breaker.
type Dispatcher struct {
	Channel  models.Channel
	Queue    string
	Pool     *dispatch.Pool
	Breaker  breaker.Breaker
	Renderer *renderer.TemplateRenderer
}

func (b *Base) NewRenderer(ctx context.Context, mc *mongo.Client) (*renderer.TemplateRenderer, error) {
	t := b.Config.Templates
	switch t.Source {
	case constants.TemplateSourceMongoDB:
		if mc == nil {
			return nil, fmt.Errorf("templates.source is mongodb but database.mongodb.uri is not set")
		}
		db := mc.Database(b.Config.Database.MongoDB.Database)
		if err := migrations.EnsureTemplateIndexes(ctx, db, t.Collection); err != nil {
			b.Logger.WarnwCtx(ctx, "Failed to ensure template indexes", "error", err)
		}
		return renderer.New(renderer.NewMongoSource(db, t.Collection), t.CacheTTL), nil
	default:
		return renderer.New(renderer.NewStaticSource(t.Static), t.CacheTTL), nil
	}
}

func (b *Base) NewProvider(channel models.Channel) (provider.Provider, error) {
	switch channel {
	case models.ChannelEmail:
		return provider.NewSMTP(b.Config.Providers.SMTP)
	case models.ChannelPush:
		return provider.NewFCM(b.Config.Providers.FCM), nil
	default:
		return nil, fmt.Errorf("no provider for channel %q", channel)
	}
}

// NewDeadLetterSink publishes to the failed queue and, when archiving is enabled, also records
// each dead letter in Postgres. Deposits are retried before the caller gives up.
func (b *Base) NewDeadLetterSink(pg *sql.DB) deadletter.Sink {
	sinks := []deadletter.Sink{deadletter.NewBrokerSink(b.Producer, b.Config.Broker.Queues.Failed)}
	if b.Config.DeadLetter.Archive {
		if pg == nil {
			b.Logger.Warnw("Dead letter archive enabled without a Postgres connection, archive disabled")
		} else {
			sinks = append(sinks, deadletter.NewPostgresSink(pg))
		}
	}
	return deadletter.WithRetry(
		deadletter.NewMultiSink(b.Logger, sinks...),
		b.Config.DeadLetter.DepositRetry.Backoff(),
		b.Logger,
	)
}

// NewDispatcher assembles the pool for channel. InitProducer must have been called.
func (b *Base) NewDispatcher(ctx context.Context, channel models.Channel, deps DispatchDeps) (*Dispatcher, error) {
	if b.Producer == nil {
		return nil, fmt.Errorf("producer is not initialised")
	}

	queue := b.Config.Broker.Queues.QueueFor(string(channel))
	if queue == "" {
		return nil, fmt.Errorf("no queue configured for channel %q", channel)
	}

	prov, err := b.NewProvider(channel)
	if err != nil {
		return nil, err
	}
	if !provider.IsConfigured(prov) {
		b.Logger.WarnwCtx(ctx, "Provider is not configured, deliveries will be dead-lettered", "provider", prov.Name())
	}

	tmpl, err := b.NewRenderer(ctx, deps.Mongo)
	if err != nil {
		return nil, err
	}

	cb := breaker.New(prov.Name(), b.Config.Breaker, deps.Redis, b.Logger)

	consumer, err := b.NewConsumer(ctx, queue, deps.Redis)
	if err != nil {
		return nil, err
	}

	processor := dispatch.NewProcessor(dispatch.ProcessorConfig{
		Channel:        channel,
		Queue:          queue,
		Renderer:       tmpl,
		Provider:       prov,
		Breaker:        cb,
		Policy:         b.Config.Retry.Policy(),
		Producer:       b.Producer,
		Statuses:       status.NewRedisStore(deps.Redis, b.Config.Admission.StatusTTL),
		Sink:           b.NewDeadLetterSink(deps.Postgres),
		StatusRetry:    b.Config.DeadLetter.DepositRetry.Backoff(),
		AttemptTimeout: b.Config.Dispatch.AttemptTimeout,
	}, b.Logger)

	return &Dispatcher{
		Channel:  channel,
		Queue:    queue,
		Pool:     dispatch.NewPool(consumer, processor, b.Config.Dispatch, b.Logger),
		Breaker:  cb,
		Renderer: tmpl,
	}, nil
}

// NewTemplateListener keeps the dispatchers' renderer caches in step with template edits. It
// returns nil when templates are not served from MongoDB.
func (b *Base) NewTemplateListener(rdb redis.UniversalClient, dispatchers []*Dispatcher) *templates.Listener {
	if b.Config.Templates.Source != constants.TemplateSourceMongoDB || len(dispatchers) == 0 {
		return nil
	}
	targets := make([]templates.Invalidator, 0, len(dispatchers))
	for _, d := range dispatchers {
		targets = append(targets, d.Renderer)
	}
	return templates.NewListener(rdb, b.Config.Templates.ChangesChannel, b.Logger, targets...)
}
