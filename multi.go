package memring

import (
	"context"
	"sync"
	"time"

	"github.com/DeltaLaboratory/memring/internal/conn"
	"github.com/DeltaLaboratory/memring/internal/protocol"
)

// GetMulti fetches many keys in one pipelined batch per server. The result
// is keyed by the original caller-supplied keys. Server failures, whole or
// per key, are reported in a *MultiError alongside whatever was fetched;
// only when no key could be fetched at all is the result empty.
func (c *Client) GetMulti(ctx context.Context, keys []string, opts ...CallOption) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if c.closed.Load() {
		return out, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	callOpts := applyCallOpts(opts)

	// Partition by primary node. Multi-get is best effort, so a down node
	// fails its shard instead of failing over.
	original := make(map[string]string, len(keys))
	byNode := make(map[string][]string)
	for _, key := range keys {
		wire, err := c.wireKey(key)
		if err != nil {
			return out, err
		}
		addr := c.ring.Locate(wire)
		if addr == "" {
			return out, ErrNoServers
		}
		original[wire] = key
		byNode[addr] = append(byNode[addr], wire)
	}

	type shard struct {
		addr  string
		items map[string]*protocol.Response
		err   error
	}
	results := make(chan shard, len(byNode))
	for addr, wires := range byNode {
		go func(addr string, wires []string) {
			items, err := c.getShard(ctx, addr, wires)
			results <- shard{addr: addr, items: items, err: err}
		}(addr, wires)
	}

	var merr *MultiError
	for range byNode {
		r := <-results
		if r.err != nil {
			if merr == nil {
				merr = &MultiError{PerServer: make(map[string]error)}
			}
			merr.PerServer[r.addr] = r.err
		}
		for wire, resp := range r.items {
			key, known := original[wire]
			if !known {
				continue
			}
			if callOpts.raw {
				out[key] = resp.Value
				continue
			}
			value, err := c.serializer.Decode(resp.Value, protocol.GetFlags(resp))
			if err != nil {
				return out, err
			}
			out[key] = value
		}
	}
	if merr != nil {
		return out, merr
	}
	return out, nil
}

// getShard pipelines quiet gets for one node's share of a multi-get: one
// GetKQ frame per key followed by a Noop terminator. Only hits respond, each
// carrying its key; the Noop response marks the end of the batch.
func (c *Client) getShard(ctx context.Context, addr string, wires []string) (map[string]*protocol.Response, error) {
	n := c.nodes[addr]
	items := make(map[string]*protocol.Response, len(wires))
	var bad error
	err := n.exchange(ctx, func(nc *conn.Conn) error {
		reqs := make([]*protocol.Request, 0, len(wires)+1)
		for _, wire := range wires {
			reqs = append(reqs, &protocol.Request{Op: protocol.OpGetKQ, Key: []byte(wire)})
		}
		reqs = append(reqs, &protocol.Request{Op: protocol.OpNoop})
		if err := nc.Send(reqs...); err != nil {
			return err
		}

		for {
			resp, err := nc.Receive()
			if err != nil {
				return err
			}
			// Quiet gets suppress misses, so any non-OK frame here is a
			// failure the server chose to report. Record the first one and
			// keep draining to the terminator; the connection is intact.
			if serr := statusError(addr, resp); serr != nil && bad == nil {
				bad = serr
			}
			if resp.Op == protocol.OpNoop {
				return nil
			}
			if resp.Ok() {
				items[string(resp.Key)] = resp
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return items, bad
}

// FlushAll asks every server to drop its items, optionally after delay.
// The result maps each server address to its outcome.
func (c *Client) FlushAll(ctx context.Context, delay time.Duration) map[string]error {
	out := make(map[string]error, len(c.nodes))
	c.broadcast(ctx, func(addr string, nc *conn.Conn) error {
		resp, err := nc.Call(&protocol.Request{
			Op:     protocol.OpFlush,
			Extras: protocol.FlushExtras(uint32(delay / time.Second)),
		})
		if err != nil {
			return err
		}
		return statusError(addr, resp)
	}, out)
	return out
}

// Version returns each server's reported version. Failed servers are
// reported in the *MultiError, not in the map.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	versions := make(map[string]string, len(c.nodes))
	var mu sync.Mutex

	errs := make(map[string]error, len(c.nodes))
	c.broadcast(ctx, func(addr string, nc *conn.Conn) error {
		resp, err := nc.Call(&protocol.Request{Op: protocol.OpVersion})
		if err != nil {
			return err
		}
		if serr := statusError(addr, resp); serr != nil {
			return serr
		}
		mu.Lock()
		versions[addr] = string(resp.Value)
		mu.Unlock()
		return nil
	}, errs)

	return versions, collectMulti(errs)
}

// Stats streams each server's statistics. An empty argument requests the
// general set; arguments like "items" or "slabs" select sub-reports.
func (c *Client) Stats(ctx context.Context, argument string) (map[string]map[string]string, error) {
	stats := make(map[string]map[string]string, len(c.nodes))
	var mu sync.Mutex

	errs := make(map[string]error, len(c.nodes))
	c.broadcast(ctx, func(addr string, nc *conn.Conn) error {
		req := &protocol.Request{Op: protocol.OpStat}
		if argument != "" {
			req.Key = []byte(argument)
		}
		if err := nc.Send(req); err != nil {
			return err
		}

		serverStats := make(map[string]string)
		for {
			resp, err := nc.Receive()
			if err != nil {
				return err
			}
			if serr := statusError(addr, resp); serr != nil {
				return serr
			}
			// The stats stream ends with an empty key/value frame.
			if len(resp.Key) == 0 && len(resp.Value) == 0 {
				break
			}
			serverStats[string(resp.Key)] = string(resp.Value)
		}
		mu.Lock()
		stats[addr] = serverStats
		mu.Unlock()
		return nil
	}, errs)

	return stats, collectMulti(errs)
}

// Ping verifies every server answers a noop. Unreachable servers are
// reported in a *MultiError.
func (c *Client) Ping(ctx context.Context) error {
	errs := make(map[string]error, len(c.nodes))
	c.broadcast(ctx, func(addr string, nc *conn.Conn) error {
		resp, err := nc.Call(&protocol.Request{Op: protocol.OpNoop})
		if err != nil {
			return err
		}
		return statusError(addr, resp)
	}, errs)
	return collectMulti(errs)
}

// broadcast runs fn once per node concurrently and records per-node
// outcomes into errs. A single server's failure never aborts the others.
func (c *Client) broadcast(ctx context.Context, fn func(addr string, nc *conn.Conn) error, errs map[string]error) {
	if c.closed.Load() {
		for addr := range c.nodes {
			errs[addr] = ErrClosed
		}
		return
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for addr, n := range c.nodes {
		wg.Add(1)
		go func(addr string, n *node) {
			defer wg.Done()
			err := n.exchange(ctx, func(nc *conn.Conn) error { return fn(addr, nc) })
			mu.Lock()
			errs[addr] = err
			mu.Unlock()
		}(addr, n)
	}
	wg.Wait()
}

func collectMulti(errs map[string]error) error {
	failed := make(map[string]error)
	for addr, err := range errs {
		if err != nil {
			failed[addr] = err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &MultiError{PerServer: failed}
}
