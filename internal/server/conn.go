package server

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/AutoCookies/kvstore/internal/command"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
	"github.com/AutoCookies/kvstore/internal/txn"
)

// Output buffer bounds. Crossing the hard limit closes the connection;
// the soft limit only logs, since a client draining slowly may recover.
const (
	outputSoftLimit = 8 << 20
	outputHardLimit = 32 << 20
)

// client is one connected RESP client: its socket, parse buffer, and
// the per-connection command state (selected db, transaction, name).
type client struct {
	id   uint64
	conn net.Conn
	srv  *Server

	cc   command.Conn
	done chan struct{}

	listeningPort string // from REPLCONF listening-port, pre-PSYNC
}

// serveConn runs the per-connection protocol loop: read bytes, drive
// the codec, dispatch complete frames, write replies. It returns when
// the peer disconnects, a protocol error occurs, or PSYNC hands the
// socket over to the replication leader.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(time.Minute)
	}

	c := &client{
		id:   s.nextID.Add(1),
		conn: conn,
		srv:  s,
		done: make(chan struct{}),
	}
	c.cc = command.Conn{ID: c.id, Txn: txn.NewState(), Done: c.done}
	s.registerClient(c)

	cmdCtx := &command.Context{
		Keyspace:    s.ks,
		Clock:       s.clk,
		Admin:       s,
		Conn:        &c.cc,
		Registry:    s.reg,
		RequirePass: s.cfg.RequirePass,
	}

	handedOver := false
	defer func() {
		close(c.done)
		s.unregisterClient(c)
		if !handedOver {
			conn.Close()
		}
	}()

	var buf []byte
	tmp := make([]byte, 16*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(tmp)
		if err != nil {
			return
		}
		s.metrics.BytesIn.Add(uint64(n))
		buf = append(buf, tmp[:n]...)

		for {
			frame, consumed, perr := resp.ParseFrame(buf)
			if errors.Is(perr, resp.ErrNeedMore) {
				break
			}
			if perr != nil {
				// Protocol-level decode errors are fatal to the
				// connection.
				c.write(resp.AppendError(nil, "ERR Protocol error: "+perr.Error()))
				return
			}
			buf = buf[consumed:]

			keepGoing, takenOver := c.handleFrame(cmdCtx, frame)
			if takenOver {
				handedOver = true
				return
			}
			if !keepGoing {
				return
			}
		}
	}
}

// handleFrame processes one complete request frame. The second return
// is true when PSYNC transferred socket ownership to the replication
// leader and the loop must exit without closing the connection.
func (c *client) handleFrame(cmdCtx *command.Context, frame resp.Frame) (keepGoing, takenOver bool) {
	args := frame.StringArgs()
	if len(args) == 0 {
		return true, false
	}
	name := strings.ToUpper(args[0])
	c.srv.metrics.TotalCommands.Add(1)

	if c.srv.IsLoading() && name != "PING" && name != "SHUTDOWN" {
		c.write(command.AppendErr(nil, protoerr.New(protoerr.KindLoading, "server is loading the dataset in memory")))
		return true, false
	}

	// MULTI queueing: while queued, only the transaction-control
	// commands execute immediately; everything else is validated and
	// buffered, acknowledged with QUEUED.
	if c.cc.Txn.InMulti {
		switch name {
		case "MULTI", "EXEC", "DISCARD", "QUIT":
			// fall through to dispatch
		case "WATCH":
			c.write(resp.AppendError(nil, "ERR WATCH inside MULTI is not allowed"))
			return true, false
		default:
			if err := command.ValidateQueueable(c.srv.reg, args); err != nil {
				c.cc.Txn.Poison()
				c.write(command.AppendErr(nil, err))
				return true, false
			}
			c.cc.Txn.Enqueue(name, args[1:])
			c.write(resp.AppendSimpleString(nil, "QUEUED"))
			return true, false
		}
	}

	switch name {
	case "QUIT":
		c.write(resp.AppendSimpleString(nil, "OK"))
		return false, false
	case "PSYNC":
		return c.handlePSYNC(args)
	case "REPLCONF":
		if len(args) == 3 && strings.EqualFold(args[1], "listening-port") {
			c.listeningPort = args[2]
		}
	}

	out := command.Dispatch(c.srv.reg, cmdCtx, args, nil)
	if len(out) > 0 && out[0] == '-' {
		c.srv.metrics.TotalErrors.Add(1)
	}
	if !c.write(out) {
		return false, false
	}
	return true, false
}

// handlePSYNC completes a follower handshake: the socket is handed to
// the replication leader, which owns it from here on.
func (c *client) handlePSYNC(args []string) (keepGoing, takenOver bool) {
	if c.srv.IsReadOnlyReplica() {
		c.write(resp.AppendError(nil, "ERR Can't SYNC from a replica"))
		return true, false
	}
	if len(args) != 3 {
		c.write(resp.AppendError(nil, "ERR wrong number of arguments for 'psync' command"))
		return true, false
	}
	requestedID := args[1]
	requestedOffset, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		c.write(resp.AppendError(nil, "ERR value is not an integer or out of range"))
		return true, false
	}

	s := c.srv
	s.unregisterClient(c)
	snapshot := func() ([]byte, int64) {
		return s.snap.EncodeImageForSync(func() int64 { return s.leader.Offset() })
	}
	if err := s.leader.HandlePSYNC(c.conn, requestedID, requestedOffset, c.listeningPort, snapshot); err != nil {
		log.Printf("[REPLICATION] PSYNC from %s failed: %v", c.conn.RemoteAddr(), err)
		return false, false
	}
	return false, true
}

// write sends a reply, enforcing the output limits and a write
// deadline. Returns false when the connection should be dropped.
func (c *client) write(out []byte) bool {
	if len(out) == 0 {
		return true
	}
	if len(out) > outputHardLimit {
		log.Printf("[TCP] client %d reply exceeds hard output limit, closing", c.id)
		return false
	}
	if len(out) > outputSoftLimit {
		log.Printf("[TCP] client %d reply of %d bytes exceeds soft output limit", c.id, len(out))
	}
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	n, err := c.conn.Write(out)
	c.srv.metrics.BytesOut.Add(uint64(n))
	if err != nil {
		return false
	}
	return true
}
