package circuitbreaker

import "context"

// CallTyped is a type-safe generic wrapper around CircuitBreaker.Call.
// It eliminates the need for closures capturing the result by hand.
//
// Usage:
//
//	item, err := circuitbreaker.CallTyped(cb, ctx, func(ctx context.Context) (*types.MemoryItem, error) {
//	    return store.GetItem(ctx, id)
//	})
func CallTyped[T any](cb CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Call(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
