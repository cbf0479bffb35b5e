package memring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/memring/internal/conn"
)

var errNodeDown = errors.New("node is down")

// node is one server endpoint: identity, socket configuration, and the
// mutable connection state behind it. The mutex gives a caller exclusive
// ownership of the connection for the duration of one round trip.
type node struct {
	network string
	addr    string
	weight  int
	cfg     conn.Config
	logger  zerolog.Logger

	maxFailures int
	retryDelay  time.Duration

	mu        sync.Mutex
	conn      *conn.Conn
	failures  int
	downUntil time.Time
}

func newNode(spec serverSpec, cfg conn.Config, c *config) *node {
	return &node{
		network:     spec.network,
		addr:        spec.addr,
		weight:      spec.weight,
		cfg:         cfg,
		logger:      c.logger.With().Str("node", spec.addr).Logger(),
		maxFailures: c.maxNodeFailures,
		retryDelay:  c.downRetryDelay,
	}
}

// exchange runs fn with exclusive use of this node's connection, dialing
// lazily when the previous connection died. Network failures are converted
// to *NetworkError and counted toward the down state.
func (n *node) exchange(ctx context.Context, fn func(*conn.Conn) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil || n.conn.Err() != nil {
		if time.Now().Before(n.downUntil) {
			return &NetworkError{Addr: n.addr, Err: errNodeDown}
		}
		c, err := conn.Dial(ctx, n.network, n.addr, n.cfg)
		if err != nil {
			n.noteFailure(err)
			return &NetworkError{Addr: n.addr, Err: err}
		}
		n.conn = c
		n.logger.Debug().Msg("connected")
	}

	err := fn(n.conn)
	if cerr := n.conn.Err(); cerr != nil {
		n.noteFailure(cerr)
		if err == nil {
			err = cerr
		}
		return &NetworkError{Addr: n.addr, Err: err}
	}
	n.noteSuccess()
	return err
}

// down reports whether the node is currently in its unreachable window.
func (n *node) down() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return (n.conn == nil || n.conn.Err() != nil) && time.Now().Before(n.downUntil)
}

// close tears down the connection without marking the node failed.
func (n *node) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func (n *node) noteFailure(err error) {
	n.failures++
	if n.failures >= n.maxFailures {
		n.downUntil = time.Now().Add(n.retryDelay)
		n.logger.Warn().Err(err).Int("failures", n.failures).Msg("node marked down")
	}
}

func (n *node) noteSuccess() {
	if n.failures > 0 {
		n.logger.Info().Msg("node recovered")
	}
	n.failures = 0
	n.downUntil = time.Time{}
}
