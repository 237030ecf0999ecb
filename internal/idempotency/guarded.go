package idempotency

import (
	"context"
	"fmt"
	"time"

	"herald/pkg/circuitbreaker"
	apperrors "herald/pkg/errors"
)

// GuardedStore fails fast with ErrServiceUnavailable while Redis is known to be unhealthy.
type GuardedStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

// NewGuardedStore wraps store with cb. A nil cb passes every call through.
func NewGuardedStore(store Store, cb *circuitbreaker.Wrapper) *GuardedStore {
	return &GuardedStore{store: store, cb: cb}
}

type claimResult struct {
	owner   string
	claimed bool
}

func (g *GuardedStore) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := circuitbreaker.Run(ctx, g.cb, func(ctx context.Context) (claimResult, error) {
		id, found, err := g.store.Get(ctx, key)
		return claimResult{owner: id, claimed: found}, err
	})
	if err != nil {
		return "", false, g.wrap(err)
	}
	return res.owner, res.claimed, nil
}

func (g *GuardedStore) Claim(ctx context.Context, key, notificationID string, ttl time.Duration) (string, bool, error) {
	res, err := circuitbreaker.Run(ctx, g.cb, func(ctx context.Context) (claimResult, error) {
		owner, claimed, err := g.store.Claim(ctx, key, notificationID, ttl)
		return claimResult{owner: owner, claimed: claimed}, err
	})
	if err != nil {
		return "", false, g.wrap(err)
	}
	return res.owner, res.claimed, nil
}

func (g *GuardedStore) Release(ctx context.Context, key, notificationID string) error {
	_, err := circuitbreaker.Run(ctx, g.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.Release(ctx, key, notificationID)
	})
	if err != nil {
		return g.wrap(err)
	}
	return nil
}

func (g *GuardedStore) State() string {
	if g.cb == nil {
		return "disabled"
	}
	return g.cb.State().String()
}

func (g *GuardedStore) wrap(err error) error {
	if circuitbreaker.IsRejection(err) {
		return apperrors.Wrap(fmt.Errorf("circuit breaker is open for %s: %w", g.cb.Name(), err), apperrors.ErrServiceUnavailable)
	}
	return err
}
