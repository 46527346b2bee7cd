package elasticring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"go-elasticring/memcache"
)

// groupByNode splits keys by the node that owns them in ring.
func groupByNode(ring *Ring, keys []string) map[Node][]string {
	var groups = make(map[Node][]string)
	for _, key := range keys {
		if node, ok := ring.Lookup(key); ok {
			groups[node] = append(groups[node], key)
		}
	}
	return groups
}

// forEachNode groups keys by node and runs fn once per node concurrently. Keys
// whose node left the ring are grouped again against the newer ring, once.
// Failures of one node go through IgnoreExc on their own, so other nodes still succeed.
func (c *Client) forEachNode(ctx context.Context, op string, keys []string, fn func(conn *memcache.Conn, keys []string) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	var pending = keys
	for attempt := 0; attempt < 2 && len(pending) > 0; attempt++ {
		ring, err := c.discovery.currentRing(ctx)
		if err != nil {
			return c.suppress(op, err)
		}

		var (
			g     errgroup.Group
			mu    sync.Mutex
			retry []string
		)
		for node, group := range groupByNode(ring, pending) {
			g.Go(func() error {
				err := c.onNode(ctx, node, func(conn *memcache.Conn) error {
					return fn(conn, group)
				})
				if errors.Is(err, errNodeGone) {
					mu.Lock()
					retry = append(retry, group...)
					mu.Unlock()
					return nil
				}
				return c.suppress(op, err)
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
		pending = retry
	}

	if len(pending) > 0 {
		return c.suppress(op, fmt.Errorf("%w: %d keys", ErrNodeUnavailable, len(pending)))
	}
	return nil
}

// GetMulti fetches keys with one request per node. Missing keys are absent from the result.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]*memcache.Item, error) {
	var (
		mu     sync.Mutex
		items  = make(map[string]*memcache.Item, len(keys))
		byFull = make(map[string]string, len(keys))
		full   = make([]string, 0, len(keys))
	)
	for _, key := range keys {
		var k = c.key(key)
		if _, dup := byFull[k]; dup {
			continue
		}
		byFull[k] = key
		full = append(full, k)
	}

	err := c.forEachNode(ctx, "get_multi", full, func(conn *memcache.Conn, group []string) error {
		found, err := conn.Get(ctx, group...)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		for k, item := range found {
			if key, ok := byFull[k]; ok {
				item.Key = key
				items[key] = item
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SetMulti stores every item with one pipelined request per node. Per-key
// errors are joined.
func (c *Client) SetMulti(ctx context.Context, items []*memcache.Item) error {
	var (
		byFull = make(map[string]memcache.Item, len(items))
		full   = make([]string, 0, len(items))
	)
	for _, item := range items {
		var stored = *item
		stored.Key = c.key(item.Key)
		if _, dup := byFull[stored.Key]; !dup {
			full = append(full, stored.Key)
		}
		byFull[stored.Key] = stored
	}

	return c.forEachNode(ctx, "set_multi", full, func(conn *memcache.Conn, group []string) error {
		var batch = make([]*memcache.Item, 0, len(group))
		for _, k := range group {
			var item = byFull[k]
			batch = append(batch, &item)
		}

		results, err := conn.SetMulti(ctx, batch)
		if err != nil {
			return err
		}

		var errs []error
		for i, err := range results {
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", batch[i].Key, err))
			}
		}
		return errors.Join(errs...)
	})
}

// DeleteMulti removes keys with one pipelined request per node. Missing keys are not an error.
func (c *Client) DeleteMulti(ctx context.Context, keys []string) error {
	var full = make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, c.key(key))
	}

	return c.forEachNode(ctx, "delete_multi", full, func(conn *memcache.Conn, group []string) error {
		results, err := conn.DeleteMulti(ctx, group)
		if err != nil {
			return err
		}

		var errs []error
		for i, err := range results {
			if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
				errs = append(errs, fmt.Errorf("%s: %w", group[i], err))
			}
		}
		return errors.Join(errs...)
	})
}
