package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/config"
	"herald/internal/logger"
	"herald/pkg/metrics"
	"herald/pkg/models"
)

// claimDue leases up to ARGV[3] members whose due time ARGV[1] has passed by pushing their
// score to ARGV[2], so concurrent pollers skip them until the lease runs out.
var claimDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, member in ipairs(due) do
	redis.call('ZADD', KEYS[1], 'XX', ARGV[2], member)
end
return due
`)

const defaultRedeliveryLease = 30 * time.Second

type publishFunc func(ctx context.Context, queue string, env models.Envelope) error

// DelayedRedelivery keeps delayed envelopes in a Redis sorted set scored by due time and
// republishes them once due. Delivery out of the set is at-least-once.
type DelayedRedelivery struct {
	client    redis.UniversalClient
	keyPrefix string
	poll      time.Duration
	batch     int
	lease     time.Duration
	publish   publishFunc
	logger    logger.Logger
	now       func() time.Time

	quarantine *Quarantine
}

func NewDelayedRedelivery(client redis.UniversalClient, cfg config.SchedulerConfig, publish publishFunc, log logger.Logger) *DelayedRedelivery {
	d := &DelayedRedelivery{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		poll:      cfg.PollInterval,
		batch:     cfg.BatchSize,
		lease:     defaultRedeliveryLease,
		publish:   publish,
		logger:    log,
		now:       time.Now,
	}
	if d.poll <= 0 {
		d.poll = 500 * time.Millisecond
	}
	if d.batch <= 0 {
		d.batch = 100
	}
	return d
}

func (d *DelayedRedelivery) key(queue string) string {
	return d.keyPrefix + queue
}

func (d *DelayedRedelivery) Schedule(ctx context.Context, queue string, env models.Envelope, delay time.Duration) error {
	data, err := models.Encode(env)
	if err != nil {
		return err
	}

	due := d.now().Add(delay).UnixMilli()
	if err := d.client.ZAdd(ctx, d.key(queue), redis.Z{Score: float64(due), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("schedule redelivery on %s: %w", queue, err)
	}
	return nil
}

// RunRedelivery polls the given queues until ctx is done.
func (d *DelayedRedelivery) RunRedelivery(ctx context.Context, queues ...string) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.logger.Infow("Delayed redelivery started", "queues", queues, "poll_interval", d.poll)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, q := range queues {
			if _, err := d.ReleaseDue(ctx, q); err != nil && ctx.Err() == nil {
				d.logger.Warnw("Delayed redelivery poll failed", "queue", q, "error", err)
			}
		}
	}
}

// ReleaseDue republishes every due envelope of queue and returns how many were published.
func (d *DelayedRedelivery) ReleaseDue(ctx context.Context, queue string) (int, error) {
	now := d.now()
	key := d.key(queue)

	members, err := claimDue.Run(ctx, d.client, []string{key},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(d.lease).UnixMilli(), 10),
		d.batch,
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("claim due envelopes: %w", err)
	}

	released := 0
	for _, member := range members {
		env, err := models.Decode([]byte(member))
		if err != nil {
			d.logger.Errorw("Quarantining undecodable delayed envelope", "queue", queue, "error", err)
			if qerr := d.quarantine.Hold(ctx, queue, []byte(member), err); qerr != nil {
				d.logger.Warnw("Failed to quarantine delayed envelope, keeping it", "queue", queue, "error", qerr)
				continue
			}
			if err := d.client.ZRem(ctx, key, member).Err(); err != nil {
				d.logger.Warnw("Failed to remove quarantined envelope", "queue", queue, "error", err)
			}
			continue
		}

		if err := d.publish(ctx, queue, env); err != nil {
			// the lease expires and the member is claimed again
			d.logger.Warnw("Delayed republish failed",
				"queue", queue,
				"notification_id", env.NotificationID,
				"error", err,
			)
			continue
		}

		if err := d.client.ZRem(ctx, key, member).Err(); err != nil {
			d.logger.Warnw("Failed to remove released envelope", "queue", queue, "error", err)
		}
		released++
	}

	if size, err := d.client.ZCard(ctx, key).Result(); err == nil {
		metrics.ScheduledRedeliveries.WithLabelValues(queue).Set(float64(size))
	}

	return released, nil
}
