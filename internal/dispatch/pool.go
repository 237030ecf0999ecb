package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"herald/internal/broker"
	"herald/internal/config"
	"herald/internal/logger"
	"herald/pkg/metrics"
)

const receiveErrorBackoff = time.Second

// Pool runs one fetch loop feeding a prefetch buffer and a fixed number of workers pulling
// from it. At most Prefetch deliveries are unsettled at any time.
type Pool struct {
	consumer  broker.Consumer
	processor *Processor
	channel   string
	workers   int
	backoff   time.Duration
	drain     time.Duration
	buffer    *prefetchBuffer
	slots     chan struct{}
	logger    logger.Logger
}

func NewPool(consumer broker.Consumer, processor *Processor, cfg config.DispatchConfig, log logger.Logger) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = workers
	}
	return &Pool{
		consumer:  consumer,
		processor: processor,
		channel:   string(processor.channel),
		workers:   workers,
		backoff:   cfg.BreakerOpenBackoff,
		drain:     cfg.DrainTimeout,
		buffer:    newPrefetchBuffer(),
		slots:     make(chan struct{}, prefetch),
		logger:    log,
	}
}

// Run blocks until ctx is done or the consumer fails. On shutdown, attempts already started
// run to completion (bounded by the drain timeout) and buffered deliveries are released
// back to the broker.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	fetched := make(chan struct{})
	g.Go(func() error {
		defer close(fetched)
		return p.fetch(gctx)
	})
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.work(gctx, id)
			return nil
		})
	}

	p.logger.InfowCtx(ctx, "Dispatch pool started",
		"channel", p.channel,
		"workers", p.workers,
		"prefetch", cap(p.slots),
	)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = p.awaitDrain(done)
	}

	// a fetch still inside Receive may push one more delivery
	<-fetched
	p.release()
	p.logger.InfowCtx(context.Background(), "Dispatch pool stopped", "channel", p.channel)
	return err
}

func (p *Pool) awaitDrain(done <-chan error) error {
	if p.drain <= 0 {
		return <-done
	}
	timer := time.NewTimer(p.drain)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		p.logger.WarnwCtx(context.Background(), "Drain timeout reached with attempts still in flight",
			"channel", p.channel,
			"drain_timeout", p.drain,
		)
		return nil
	}
}

func (p *Pool) fetch(ctx context.Context) error {
	for {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		d, err := p.consumer.Receive(ctx)
		if err != nil {
			<-p.slots
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			p.logger.ErrorwCtx(ctx, "Failed to receive from queue", "error", err)
			if !sleep(ctx, receiveErrorBackoff) {
				return nil
			}
			continue
		}

		p.buffer.push(d)
		metrics.PrefetchBufferSize.WithLabelValues(p.channel).Set(float64(p.buffer.len()))
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		d, ok := p.buffer.pop(ctx)
		if !ok {
			return
		}
		metrics.PrefetchBufferSize.WithLabelValues(p.channel).Set(float64(p.buffer.len()))

		metrics.InFlightDeliveries.WithLabelValues(p.channel).Inc()
		outcome := p.processor.Process(context.WithoutCancel(ctx), d)
		metrics.InFlightDeliveries.WithLabelValues(p.channel).Dec()
		<-p.slots

		if outcome == OutcomeDeferred && p.backoff > 0 {
			p.logger.DebugwCtx(ctx, "Worker backing off while breaker is open",
				"worker", id,
				"backoff", p.backoff,
			)
			if !sleep(ctx, p.backoff) {
				return
			}
		}
	}
}

// release hands every buffered delivery back to the broker.
func (p *Pool) release() {
	pending := p.buffer.drain()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range pending {
		if err := d.Nack(ctx); err != nil {
			p.logger.WarnwCtx(ctx, "Failed to release buffered delivery",
				"notification_id", d.Envelope().NotificationID,
				"error", err,
			)
		}
		<-p.slots
	}
	metrics.PrefetchBufferSize.WithLabelValues(p.channel).Set(0)
	p.logger.InfowCtx(ctx, "Released buffered deliveries", "channel", p.channel, "count", len(pending))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
