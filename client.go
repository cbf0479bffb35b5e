// Package memring is a client for distributed memcached clusters. It shards
// keys across the configured servers with consistent hashing, speaks the
// binary protocol over TCP, TLS or unix sockets, and degrades gracefully
// when individual servers fail.
package memring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/memring/internal/conn"
	"github.com/DeltaLaboratory/memring/internal/protocol"
	"github.com/DeltaLaboratory/memring/internal/ring"
	"github.com/DeltaLaboratory/memring/internal/serialize"
)

// Client is the facade over the ring, the per-server connections and the
// value codec. It is safe for concurrent use by multiple goroutines;
// operations against different servers proceed independently.
type Client struct {
	cfg        config
	serializer serialize.Serializer
	nodes      map[string]*node
	ring       *ring.Ring
	logger     zerolog.Logger
	closed     atomic.Bool
}

// New builds a Client for the given servers. Each entry may be "host:port",
// "host:port:weight", a comma-separated list of those, or an absolute path
// to a unix socket. Options are validated eagerly; an invalid option fails
// the construction.
func New(servers []string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	specs, err := parseServers(servers)
	if err != nil {
		return nil, err
	}
	cfg.specs = specs

	connCfg := conn.Config{
		ConnectTimeout: cfg.connectTimeout,
		ReadTimeout:    cfg.readTimeout,
		WriteTimeout:   cfg.writeTimeout,
		KeepAlive:      cfg.keepalive,
		TLS:            cfg.tls,
		Username:       cfg.username,
		Password:       cfg.password,
	}

	c := &Client{
		cfg: cfg,
		serializer: serialize.Serializer{
			Compress:  cfg.compress,
			Threshold: cfg.compressThreshold,
			MaxBytes:  cfg.maxValueBytes,
		},
		nodes:  make(map[string]*node, len(specs)),
		logger: cfg.logger.With().Str("layer", "client").Logger(),
	}

	ringNodes := make([]ring.Node, 0, len(specs))
	for _, spec := range specs {
		if _, dup := c.nodes[spec.addr]; dup {
			return nil, fmt.Errorf("memring: duplicate server address %q", spec.addr)
		}
		c.nodes[spec.addr] = newNode(spec, connCfg, &cfg)
		ringNodes = append(ringNodes, ring.Node{Name: spec.addr, Weight: spec.weight})
	}
	c.ring = ring.New(ringNodes)

	return c, nil
}

// CallOption adjusts a single operation.
type CallOption func(*callOpts)

type callOpts struct {
	raw           bool
	forceCompress bool
}

// Raw bypasses the serializer: stored values must be []byte or string, and
// reads return the stored bytes untouched.
func Raw() CallOption {
	return func(o *callOpts) { o.raw = true }
}

// Compress forces compression for this write regardless of the threshold.
func Compress() CallOption {
	return func(o *callOpts) { o.forceCompress = true }
}

func applyCallOpts(opts []CallOption) callOpts {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Get returns the value stored under key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string, opts ...CallOption) (interface{}, error) {
	value, _, err := c.get(ctx, protocol.OpGet, key, 0, applyCallOpts(opts))
	return value, err
}

// Gets returns the value stored under key along with its CAS token.
func (c *Client) Gets(ctx context.Context, key string, opts ...CallOption) (interface{}, uint64, error) {
	return c.get(ctx, protocol.OpGet, key, 0, applyCallOpts(opts))
}

// GetAndTouch returns the value stored under key and resets its expiry.
func (c *Client) GetAndTouch(ctx context.Context, key string, ttl time.Duration, opts ...CallOption) (interface{}, error) {
	value, _, err := c.get(ctx, protocol.OpGAT, key, c.expiry(ttl), applyCallOpts(opts))
	return value, err
}

func (c *Client) get(ctx context.Context, op protocol.Opcode, key string, expiry uint32, opts callOpts) (interface{}, uint64, error) {
	wire, err := c.wireKey(key)
	if err != nil {
		return nil, 0, err
	}

	req := &protocol.Request{Op: op, Key: []byte(wire)}
	if op == protocol.OpGAT {
		req.Extras = protocol.TouchExtras(expiry)
	}

	var value interface{}
	var cas uint64
	err = c.perform(ctx, wire, func(n *node, nc *conn.Conn) error {
		resp, err := nc.Call(req)
		if err != nil {
			return err
		}
		if serr := statusError(n.addr, resp); serr != nil {
			return serr
		}
		cas = resp.CAS
		if opts.raw {
			value = resp.Value
			return nil
		}
		decoded, derr := c.serializer.Decode(resp.Value, protocol.GetFlags(resp))
		if derr != nil {
			return derr
		}
		value = decoded
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return value, cas, nil
}

// Set stores value under key unconditionally.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, opts ...CallOption) error {
	return c.store(ctx, protocol.OpSet, key, value, ttl, 0, applyCallOpts(opts))
}

// Add stores value only when key does not already exist; ErrNotStored
// otherwise.
func (c *Client) Add(ctx context.Context, key string, value interface{}, ttl time.Duration, opts ...CallOption) error {
	return c.store(ctx, protocol.OpAdd, key, value, ttl, 0, applyCallOpts(opts))
}

// Replace stores value only when key already exists; ErrNotStored otherwise.
func (c *Client) Replace(ctx context.Context, key string, value interface{}, ttl time.Duration, opts ...CallOption) error {
	return c.store(ctx, protocol.OpReplace, key, value, ttl, 0, applyCallOpts(opts))
}

// Cas stores value only when the item's CAS token still equals cas. A stale
// token fails with ErrCASConflict and leaves the prior value readable; a
// missing key fails with ErrNotFound. A zero token is not a condition: the
// server treats CAS 0 as an unconditional store, so Cas(..., 0) behaves like
// Set. Tokens handed out by Get and GetWithCAS are never zero.
func (c *Client) Cas(ctx context.Context, key string, value interface{}, ttl time.Duration, cas uint64, opts ...CallOption) error {
	return c.store(ctx, protocol.OpSet, key, value, ttl, cas, applyCallOpts(opts))
}

func (c *Client) store(ctx context.Context, op protocol.Opcode, key string, value interface{}, ttl time.Duration, cas uint64, opts callOpts) error {
	wire, err := c.wireKey(key)
	if err != nil {
		return err
	}

	payload, flags, err := c.serializer.Encode(value, serialize.Options{
		Raw:           opts.raw,
		ForceCompress: opts.forceCompress,
	})
	if err != nil {
		return err
	}

	req := &protocol.Request{
		Op:     op,
		Key:    []byte(wire),
		Extras: protocol.StoreExtras(flags, c.expiry(ttl)),
		Value:  payload,
		CAS:    cas,
	}
	return c.perform(ctx, wire, func(n *node, nc *conn.Conn) error {
		resp, err := nc.Call(req)
		if err != nil {
			return err
		}
		return storeError(op, cas, statusError(n.addr, resp))
	})
}

// storeError normalizes the server's store statuses to the documented
// sentinels. The wire protocol reports an add on an existing key as "key
// exists" and a replace on a missing key as "not found"; both are condition
// failures, not conflicts, unless the caller supplied a CAS token.
func storeError(op protocol.Opcode, cas uint64, err error) error {
	if err == nil || cas != 0 {
		return err
	}
	switch op {
	case protocol.OpAdd:
		if errors.Is(err, ErrCASConflict) {
			return ErrNotStored
		}
	case protocol.OpReplace:
		if errors.Is(err, ErrNotFound) {
			return ErrNotStored
		}
	}
	return err
}

// Delete removes key; ErrNotFound when it does not exist.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.simple(ctx, key, func(wire string) *protocol.Request {
		return &protocol.Request{Op: protocol.OpDelete, Key: []byte(wire)}
	})
}

// Touch resets the expiry of an existing item without transferring it.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	return c.simple(ctx, key, func(wire string) *protocol.Request {
		return &protocol.Request{
			Op:     protocol.OpTouch,
			Key:    []byte(wire),
			Extras: protocol.TouchExtras(c.expiry(ttl)),
		}
	})
}

// Append appends raw bytes to an existing raw-mode item. Appending to a
// structured or compressed item leaves its flags out of sync with its bytes;
// the next read reports UnmarshalError rather than mis-decoding.
func (c *Client) Append(ctx context.Context, key string, value []byte) error {
	return c.simple(ctx, key, func(wire string) *protocol.Request {
		return &protocol.Request{Op: protocol.OpAppend, Key: []byte(wire), Value: value}
	})
}

// Prepend prepends raw bytes to an existing raw-mode item. The same flag
// caveat as Append applies.
func (c *Client) Prepend(ctx context.Context, key string, value []byte) error {
	return c.simple(ctx, key, func(wire string) *protocol.Request {
		return &protocol.Request{Op: protocol.OpPrepend, Key: []byte(wire), Value: value}
	})
}

func (c *Client) simple(ctx context.Context, key string, build func(wire string) *protocol.Request) error {
	wire, err := c.wireKey(key)
	if err != nil {
		return err
	}
	req := build(wire)
	return c.perform(ctx, wire, func(n *node, nc *conn.Conn) error {
		resp, err := nc.Call(req)
		if err != nil {
			return err
		}
		return statusError(n.addr, resp)
	})
}

// Incr adds delta to an unsigned 64-bit counter and returns the new value.
// The counter wraps modulo 2^64; a missing key is ErrNotFound.
func (c *Client) Incr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.counter(ctx, protocol.OpIncrement, key, delta, 0, protocol.NoAutoCreate)
}

// IncrFrom behaves like Incr but seeds the counter with initial (and the
// given expiry) when the key does not exist yet.
func (c *Client) IncrFrom(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.counter(ctx, protocol.OpIncrement, key, delta, initial, c.expiry(ttl))
}

// Decr subtracts delta from an unsigned 64-bit counter and returns the new
// value. Decrementing below zero floors at zero.
func (c *Client) Decr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.counter(ctx, protocol.OpDecrement, key, delta, 0, protocol.NoAutoCreate)
}

// DecrFrom behaves like Decr but seeds the counter with initial when the key
// does not exist yet.
func (c *Client) DecrFrom(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.counter(ctx, protocol.OpDecrement, key, delta, initial, c.expiry(ttl))
}

func (c *Client) counter(ctx context.Context, op protocol.Opcode, key string, delta, initial uint64, expiry uint32) (uint64, error) {
	wire, err := c.wireKey(key)
	if err != nil {
		return 0, err
	}

	req := &protocol.Request{
		Op:     op,
		Key:    []byte(wire),
		Extras: protocol.CounterExtras(delta, initial, expiry),
	}
	var value uint64
	err = c.perform(ctx, wire, func(n *node, nc *conn.Conn) error {
		resp, err := nc.Call(req)
		if err != nil {
			return err
		}
		if serr := statusError(n.addr, resp); serr != nil {
			return serr
		}
		value, err = protocol.CounterValue(resp)
		return err
	})
	return value, err
}

// Close tears down every connection. The client is unusable afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, n := range c.nodes {
		n.close()
	}
	return nil
}

// Reset closes every connection but keeps the client usable; the next
// operation per node reconnects lazily.
func (c *Client) Reset() {
	for _, n := range c.nodes {
		n.close()
	}
}

// perform resolves wire to its primary node and runs fn there, walking to
// alternate nodes (bounded by the failover setting) when a node is down or
// the exchange fails at the network level. Server-reported errors never
// trigger failover.
func (c *Client) perform(ctx context.Context, wire string, fn func(*node, *conn.Conn) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	candidates := c.ring.LocateN(wire, c.cfg.failoverTries)
	if len(candidates) == 0 {
		return ErrNoServers
	}

	var lastErr error
	for i, addr := range candidates {
		n := c.nodes[addr]
		// A known-down node is only worth a dial attempt when it is the
		// last resort.
		if n.down() && i < len(candidates)-1 {
			lastErr = &NetworkError{Addr: addr, Err: errNodeDown}
			continue
		}
		err := n.exchange(ctx, func(nc *conn.Conn) error { return fn(n, nc) })
		var nerr *NetworkError
		if errors.As(err, &nerr) {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

// expiry converts a TTL to the wire expiry in whole seconds, substituting
// the configured default for zero.
func (c *Client) expiry(ttl time.Duration) uint32 {
	if ttl == 0 {
		ttl = c.cfg.defaultTTL
	}
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return uint32(secs)
}

// wireKey namespaces and validates key, rehashing over-length keys to a
// deterministic prefix + digest form that stays within the protocol limit.
func (c *Client) wireKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("memring: key must not be empty")
	}
	if c.cfg.namespace != nil {
		key = c.cfg.namespace.Resolve() + ":" + key
	}
	if len(key) <= protocol.MaxKeyLength {
		return key, nil
	}
	digest := c.cfg.digest.Sum(key)
	prefix := key[:protocol.MaxKeyLength-len(digest)-1]
	return prefix + ":" + digest, nil
}
