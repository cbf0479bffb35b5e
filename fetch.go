package memring

import (
	"context"
	"errors"
	"time"
)

// Fetch returns the cached value for key, computing and storing it with fn
// on a miss. A stored nil counts as a hit only when the client was built
// with WithCacheNils; otherwise it is recomputed.
func (c *Client) Fetch(ctx context.Context, key string, ttl time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	value, err := c.Get(ctx, key)
	switch {
	case err == nil:
		if value != nil || c.cfg.cacheNils {
			return value, nil
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	value, err = fn()
	if err != nil {
		return nil, err
	}
	if value != nil || c.cfg.cacheNils {
		if err := c.Set(ctx, key, value, ttl); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// Update atomically transforms the value under key: it reads the current
// value with its CAS token, applies fn, and writes the result back
// conditionally, retrying on conflict up to the configured bound. A missing
// key is passed to fn as (nil, false) and the result is created with Add.
func (c *Client) Update(ctx context.Context, key string, ttl time.Duration, fn func(current interface{}, found bool) (interface{}, error)) (interface{}, error) {
	for attempt := 0; attempt < c.cfg.casRetries; attempt++ {
		current, cas, err := c.Gets(ctx, key)
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		next, err := fn(current, found)
		if err != nil {
			return nil, err
		}

		if !found {
			err = c.Add(ctx, key, next, ttl)
			// The key appeared between the read and the write; go again.
			if errors.Is(err, ErrNotStored) {
				continue
			}
		} else {
			err = c.Cas(ctx, key, next, ttl, cas)
			if errors.Is(err, ErrCASConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, ErrCASConflict
}

// CasOrCreate performs a conditional write like Cas, but a missing key
// becomes a create instead of an error.
func (c *Client) CasOrCreate(ctx context.Context, key string, value interface{}, ttl time.Duration, cas uint64, opts ...CallOption) error {
	err := c.Cas(ctx, key, value, ttl, cas, opts...)
	if errors.Is(err, ErrNotFound) {
		return c.Add(ctx, key, value, ttl, opts...)
	}
	return err
}
