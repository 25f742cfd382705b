package retry

import "context"

// DoTyped is a type-safe generic wrapper around Retryer.Do.
//
// Usage:
//
//	items, err := retry.DoTyped(r, ctx, func(ctx context.Context) ([]*types.MemoryItem, error) {
//	    return store.QueryItems(ctx, owner, filter, limit)
//	})
func DoTyped[T any](r Retryer, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
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
