package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/config"
	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Bind:              "127.0.0.1",
		Port:              0,
		Databases:         16,
		MaxClients:        64,
		Dir:               t.TempDir(),
		DBFilename:        "dump.rdb",
		AppendFilename:    "appendonly.aof",
		AOFFsync:          "no",
		ReplBacklogSize:   1 << 20,
		ProtoMaxBulkLen:   512 << 20,
		TTLSampleInterval: 50 * time.Millisecond,
		TTLSampleSize:     20,
		GracefulShutdown:  time.Second,
	}
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := New(cfg, clock.System{})
	require.NoError(t, srv.Boot())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)
	require.Eventually(t, func() bool {
		return srv.ListenAddr() != nil
	}, time.Second, 5*time.Millisecond)
	return srv
}

// testClient is a minimal RESP client for end-to-end exercising.
type testClient struct {
	conn net.Conn
	buf  []byte
}

func dialServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.ListenAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn}
}

func (c *testClient) cmd(t *testing.T, args ...string) resp.Frame {
	t.Helper()
	_, err := c.conn.Write(resp.AppendCommand(nil, args...))
	require.NoError(t, err)

	tmp := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for {
		frame, n, perr := resp.ParseFrame(c.buf)
		if perr == nil {
			c.buf = c.buf[n:]
			return frame
		}
		if !errors.Is(perr, resp.ErrNeedMore) {
			t.Fatalf("protocol error: %v", perr)
		}
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(tmp)
		require.NoError(t, err)
		c.buf = append(c.buf, tmp[:n]...)
	}
}

func TestServerEndToEndStrings(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c := dialServer(t, srv)

	require.Equal(t, "PONG", c.cmd(t, "PING").Str)
	require.Equal(t, "OK", c.cmd(t, "SET", "k", "v").Str)
	require.Equal(t, "v", string(c.cmd(t, "GET", "k").Bulk))
	require.Equal(t, int64(1), c.cmd(t, "DEL", "k").Int)
	require.True(t, c.cmd(t, "GET", "k").Null)
}

func TestServerMultiExecOverWire(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c := dialServer(t, srv)

	require.Equal(t, "OK", c.cmd(t, "MULTI").Str)
	require.Equal(t, "QUEUED", c.cmd(t, "SET", "a", "1").Str)
	require.Equal(t, "QUEUED", c.cmd(t, "INCR", "a").Str)
	reply := c.cmd(t, "EXEC")
	require.Len(t, reply.Array, 2)
	require.Equal(t, "OK", reply.Array[0].Str)
	require.Equal(t, int64(2), reply.Array[1].Int)
}

func TestServerExpiresWithRealClock(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c := dialServer(t, srv)

	require.Equal(t, "OK", c.cmd(t, "SET", "k", "v", "PX", "50").Str)
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, int64(0), c.cmd(t, "EXISTS", "k").Int)
	require.Equal(t, int64(-2), c.cmd(t, "TTL", "k").Int)
}

func TestServerSelectIsolatesDatabases(t *testing.T) {
	srv := startServer(t, testConfig(t))
	c := dialServer(t, srv)

	c.cmd(t, "SET", "k", "zero")
	require.Equal(t, "OK", c.cmd(t, "SELECT", "1").Str)
	require.True(t, c.cmd(t, "GET", "k").Null)
	c.cmd(t, "SET", "k", "one")
	c.cmd(t, "SELECT", "0")
	require.Equal(t, "zero", string(c.cmd(t, "GET", "k").Bulk))
}

func TestServerAOFSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.AOFEnabled = true
	cfg.AOFFsync = "always"

	srv := startServer(t, cfg)
	c := dialServer(t, srv)
	c.cmd(t, "SET", "persisted", "yes")
	c.cmd(t, "LPUSH", "list", "a", "b")
	c.cmd(t, "SET", "gone", "x")
	c.cmd(t, "DEL", "gone")
	srv.aof.Close()

	// Same dir, fresh process: the log is authoritative.
	cfg2 := testConfig(t)
	cfg2.Dir = cfg.Dir
	cfg2.AOFEnabled = true
	srv2 := New(cfg2, clock.System{})
	require.NoError(t, srv2.Boot())

	e, ok := srv2.ks.DB(0).Get("persisted")
	require.True(t, ok)
	require.Equal(t, "yes", string(e.Value.(*keyspace.StringValue).Data))
	require.False(t, srv2.ks.DB(0).Exists("gone"))
	e, _ = srv2.ks.DB(0).Get("list")
	require.Equal(t, 2, e.Value.(*keyspace.ListValue).Len())
}

func TestServerReplicationEndToEnd(t *testing.T) {
	leader := startServer(t, testConfig(t))
	follower := startServer(t, testConfig(t))

	lc := dialServer(t, leader)
	lc.cmd(t, "SET", "before", "sync")

	_, portStr, err := net.SplitHostPort(leader.ListenAddr().String())
	require.NoError(t, err)
	require.NoError(t, follower.ReplicaOf("127.0.0.1", portStr))

	// Full sync carries the pre-existing key.
	require.Eventually(t, func() bool {
		return follower.ks.DB(0).Exists("before")
	}, 3*time.Second, 10*time.Millisecond)

	// Live propagation carries subsequent writes.
	lc.cmd(t, "SET", "after", "stream")
	lc.cmd(t, "INCR", "counter")
	require.Eventually(t, func() bool {
		e, ok := follower.ks.DB(0).Get("counter")
		return ok && string(e.Value.(*keyspace.StringValue).Data) == "1"
	}, 3*time.Second, 10*time.Millisecond)

	// The follower refuses direct writes.
	fc := dialServer(t, follower)
	reply := fc.cmd(t, "SET", "nope", "x")
	require.Equal(t, resp.TypeError, reply.Type)
	require.Contains(t, reply.Str, "READONLY")

	// ...but serves reads.
	require.Equal(t, "stream", string(fc.cmd(t, "GET", "after").Bulk))

	// Promotion back to leader accepts writes again.
	require.NoError(t, follower.ReplicaOf("no", "one"))
	require.Equal(t, "OK", fc.cmd(t, "SET", "nope", "x").Str)
}
