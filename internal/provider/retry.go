package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryOptions returns the retry policy used for provider reads.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

type retryGateway struct {
	next Gateway
	opts RetryOptions
}

// WithRetry wraps gw so that its read operations are retried with
// exponential backoff. Submit and Terminate are passed through unchanged
// because repeating them could create or destroy capacity twice.
func WithRetry(gw Gateway, opts RetryOptions) Gateway {
	return &retryGateway{next: gw, opts: opts}
}

func (g *retryGateway) policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if g.opts.InitialInterval > 0 {
		eb.InitialInterval = g.opts.InitialInterval
	}
	if g.opts.MaxInterval > 0 {
		eb.MaxInterval = g.opts.MaxInterval
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, g.opts.MaxRetries), ctx)
}

func retryData[T any](ctx context.Context, g *retryGateway, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, g.policy(ctx))
}

func (g *retryGateway) Submit(ctx context.Context, handler Handler, payload map[string]any) (string, error) {
	return g.next.Submit(ctx, handler, payload)
}

func (g *retryGateway) DescribeCapacity(ctx context.Context, handler Handler, resourceIDs []string) (CapacitySnapshot, error) {
	return retryData(ctx, g, func() (CapacitySnapshot, error) {
		return g.next.DescribeCapacity(ctx, handler, resourceIDs)
	})
}

func (g *retryGateway) ListMachines(ctx context.Context, handler Handler, resourceIDs []string) ([]Instance, error) {
	return retryData(ctx, g, func() ([]Instance, error) {
		return g.next.ListMachines(ctx, handler, resourceIDs)
	})
}

func (g *retryGateway) DescribeInstances(ctx context.Context, instanceIDs []string) ([]Instance, error) {
	return retryData(ctx, g, func() ([]Instance, error) {
		return g.next.DescribeInstances(ctx, instanceIDs)
	})
}

func (g *retryGateway) Terminate(ctx context.Context, instanceIDs []string) error {
	return g.next.Terminate(ctx, instanceIDs)
}
