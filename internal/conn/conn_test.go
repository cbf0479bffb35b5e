package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeltaLaboratory/memring/internal/mctest"
	"github.com/DeltaLaboratory/memring/internal/protocol"
)

func testConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
		KeepAlive:      true,
	}
}

func dialTest(t *testing.T, s *mctest.Server, cfg Config) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), "tcp", s.Addr(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	s, err := mctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c := dialTest(t, s, testConfig())

	resp, err := c.Call(&protocol.Request{
		Op:     protocol.OpSet,
		Key:    []byte("k"),
		Extras: protocol.StoreExtras(0, 0),
		Value:  []byte("v"),
	})
	require.NoError(t, err)
	assert.True(t, resp.Ok())
	assert.NotZero(t, resp.CAS)

	resp, err = c.Call(&protocol.Request{Op: protocol.OpGet, Key: []byte("k")})
	require.NoError(t, err)
	assert.True(t, resp.Ok())
	assert.Equal(t, "v", string(resp.Value))
}

func TestPipelinedSendReceive(t *testing.T) {
	s, err := mctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c := dialTest(t, s, testConfig())

	_, err = c.Call(&protocol.Request{
		Op:     protocol.OpSet,
		Key:    []byte("hit"),
		Extras: protocol.StoreExtras(0, 0),
		Value:  []byte("x"),
	})
	require.NoError(t, err)

	// Quiet gets respond only on hits; the noop terminates the batch.
	err = c.Send(
		&protocol.Request{Op: protocol.OpGetKQ, Key: []byte("hit")},
		&protocol.Request{Op: protocol.OpGetKQ, Key: []byte("miss")},
		&protocol.Request{Op: protocol.OpNoop},
	)
	require.NoError(t, err)

	resp, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpGetKQ, resp.Op)
	assert.Equal(t, "hit", string(resp.Key))

	resp, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpNoop, resp.Op)
}

func TestStickyErrorAfterClose(t *testing.T) {
	s, err := mctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c := dialTest(t, s, testConfig())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Err(), ErrClosed)
	_, err = c.Call(&protocol.Request{Op: protocol.OpNoop})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoisonedAfterServerDeath(t *testing.T) {
	s, err := mctest.NewServer()
	require.NoError(t, err)

	c := dialTest(t, s, testConfig())
	_, err = c.Call(&protocol.Request{Op: protocol.OpNoop})
	require.NoError(t, err)

	s.Close()

	// The dead socket surfaces on the next exchange and sticks.
	var failed error
	for i := 0; i < 3 && failed == nil; i++ {
		_, failed = c.Call(&protocol.Request{Op: protocol.OpNoop})
	}
	require.Error(t, failed)
	assert.Error(t, c.Err())
}

func TestDialRefused(t *testing.T) {
	s, err := mctest.NewServer()
	require.NoError(t, err)
	addr := s.Addr()
	s.Close()

	_, err = Dial(context.Background(), "tcp", addr, testConfig())
	require.Error(t, err)
}

func TestDialAuth(t *testing.T) {
	s, err := mctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	s.RequireAuth("svc", "pw")

	cfg := testConfig()
	cfg.Username = "svc"
	cfg.Password = "pw"
	c := dialTest(t, s, cfg)

	resp, err := c.Call(&protocol.Request{Op: protocol.OpVersion})
	require.NoError(t, err)
	assert.True(t, resp.Ok())

	bad := testConfig()
	bad.Username = "svc"
	bad.Password = "nope"
	_, err = Dial(context.Background(), "tcp", s.Addr(), bad)
	require.Error(t, err)
}

func TestUnauthenticatedRejected(t *testing.T) {
	s, err := mctest.NewServer()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	s.RequireAuth("svc", "pw")

	c := dialTest(t, s, testConfig())
	resp, err := c.Call(&protocol.Request{Op: protocol.OpGet, Key: []byte("k")})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAuthError, resp.Status)
}
