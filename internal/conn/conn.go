// Package conn owns one socket to one cache server and performs binary
// protocol round trips over it.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/DeltaLaboratory/memring/internal/protocol"
)

// ErrClosed is returned for any exchange attempted on a closed connection.
var ErrClosed = errors.New("conn: closed")

// Config carries the per-server socket configuration.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// KeepAlive toggles TCP keepalive probes. Ignored for unix sockets.
	KeepAlive bool

	// TLS wraps the TCP connection when set. Ignored for unix sockets.
	TLS *tls.Config

	// Username enables SASL PLAIN authentication at connect time.
	Username string
	Password string
}

// Conn is a single live socket. It is not safe for concurrent use; the
// owning node serializes access for the duration of a round trip.
type Conn struct {
	network string
	addr    string
	cfg     Config

	nc  net.Conn
	br  *bufio.Reader
	err error
}

// Dial connects to addr over network ("tcp" or "unix"), applies socket
// options, and authenticates when credentials are configured.
func Dial(ctx context.Context, network, addr string, cfg Config) (*Conn, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	if network == "tcp" && !cfg.KeepAlive {
		d.KeepAlive = -1
	}

	var nc net.Conn
	var err error
	if cfg.TLS != nil && network == "tcp" {
		td := tls.Dialer{NetDialer: &d, Config: cfg.TLS}
		nc, err = td.DialContext(ctx, network, addr)
	} else {
		nc, err = d.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{
		network: network,
		addr:    addr,
		cfg:     cfg,
		nc:      nc,
		br:      bufio.NewReader(nc),
	}

	if cfg.Username != "" {
		if err := c.authenticate(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) authenticate() error {
	resp, err := c.Call(protocol.PlainAuth(c.cfg.Username, c.cfg.Password))
	if err != nil {
		return err
	}
	if !resp.Ok() {
		return fmt.Errorf("conn: authentication failed: %s", resp.Status)
	}
	return nil
}

// Addr returns the remote address this connection was dialed to.
func (c *Conn) Addr() string { return c.addr }

// Err returns the sticky error that killed this connection, if any.
func (c *Conn) Err() error { return c.err }

// Close tears the socket down. Subsequent exchanges fail with ErrClosed.
func (c *Conn) Close() error {
	if c.err == nil {
		c.err = ErrClosed
		return c.nc.Close()
	}
	return nil
}

// fatal poisons the connection so every later exchange fails fast and the
// owning node reconnects on next use.
func (c *Conn) fatal(err error) error {
	if c.err == nil {
		c.err = err
		c.nc.Close()
	}
	return err
}

// Send writes the given request frames back to back without waiting for
// responses. Used for pipelined multi-get batches.
func (c *Conn) Send(reqs ...*protocol.Request) error {
	if c.err != nil {
		return c.err
	}
	if c.cfg.WriteTimeout != 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	for _, req := range reqs {
		if err := protocol.Write(c.nc, req); err != nil {
			return c.fatal(err)
		}
	}
	return nil
}

// Receive reads one response frame.
func (c *Conn) Receive() (*protocol.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.cfg.ReadTimeout != 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	resp, err := protocol.Read(c.br)
	if err != nil {
		return nil, c.fatal(err)
	}
	return resp, nil
}

// Call performs one request/response exchange. A non-OK status is returned
// in the response, not as an error; errors mean the socket is dead.
func (c *Conn) Call(req *protocol.Request) (*protocol.Response, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}
	return c.Receive()
}
