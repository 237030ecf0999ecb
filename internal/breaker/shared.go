package breaker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/logger"
)

// Each script reads and writes one hash so every transition is atomic across processes.
var (
	canProceedScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'open' then
	local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
	if tonumber(ARGV[1]) - opened >= tonumber(ARGV[2]) then
		redis.call('HSET', KEYS[1], 'state', 'half_open', 'success_count', 0)
		return {1, 'open', 'half_open'}
	end
	return {0, state, state}
end
return {1, state, state}
`)

	recordSuccessScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half_open' then
	local s = redis.call('HINCRBY', KEYS[1], 'success_count', 1)
	if s >= tonumber(ARGV[1]) then
		redis.call('HSET', KEYS[1], 'state', 'closed', 'failure_count', 0, 'success_count', 0)
		return {state, 'closed'}
	end
elseif state == 'closed' then
	redis.call('HSET', KEYS[1], 'failure_count', 0)
end
return {state, state}
`)

	recordFailureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local f = redis.call('HINCRBY', KEYS[1], 'failure_count', 1)
if state == 'half_open' or (state == 'closed' and f >= tonumber(ARGV[2])) then
	redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[1], 'success_count', 0)
	return {state, 'open'}
end
return {state, state}
`)
)

// Shared keeps breaker state in a Redis hash so all workers of a channel see the same state.
// When Redis is unreachable it fails open: CanProceed allows the call and updates are dropped.
type Shared struct {
	name     string
	key      string
	settings Settings
	client   redis.UniversalClient
	logger   logger.Logger
	now      func() time.Time
}

func NewShared(name string, s Settings, client redis.UniversalClient, keyPrefix string, log logger.Logger) *Shared {
	return &Shared{
		name:     name,
		key:      keyPrefix + name,
		settings: s,
		client:   client,
		logger:   log,
		now:      time.Now,
	}
}

func (b *Shared) Name() string { return b.name }

func (b *Shared) CanProceed(ctx context.Context) bool {
	res, err := canProceedScript.Run(ctx, b.client, []string{b.key},
		b.now().UnixMilli(),
		b.settings.RecoveryTimeout.Milliseconds(),
	).Slice()
	if err != nil || len(res) != 3 {
		b.logger.WarnwCtx(ctx, "Shared breaker unavailable, allowing call", "breaker", b.name, "error", err)
		return true
	}

	b.observe(res[1], res[2])
	allowed, _ := res[0].(int64)
	return allowed == 1
}

func (b *Shared) RecordSuccess(ctx context.Context) {
	res, err := recordSuccessScript.Run(ctx, b.client, []string{b.key}, b.settings.SuccessThreshold).Slice()
	if err != nil || len(res) != 2 {
		b.logger.WarnwCtx(ctx, "Failed to record breaker success", "breaker", b.name, "error", err)
		return
	}
	b.observe(res[0], res[1])
}

func (b *Shared) RecordFailure(ctx context.Context) {
	res, err := recordFailureScript.Run(ctx, b.client, []string{b.key},
		strconv.FormatInt(b.now().UnixMilli(), 10),
		b.settings.FailureThreshold,
	).Slice()
	if err != nil || len(res) != 2 {
		b.logger.WarnwCtx(ctx, "Failed to record breaker failure", "breaker", b.name, "error", err)
		return
	}
	b.observe(res[0], res[1])
}

func (b *Shared) State(ctx context.Context) State {
	s, err := b.client.HGet(ctx, b.key, "state").Result()
	if err != nil || s == "" {
		return StateClosed
	}
	return State(s)
}

func (b *Shared) observe(from, to interface{}) {
	f, _ := from.(string)
	t, _ := to.(string)
	observeTransition(b.logger, b.name, State(f), State(t))
}
