package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AutoCookies/kvstore/internal/resp"
)

// Link statuses as ROLE reports them on the follower side.
const (
	LinkConnect   = "connect"
	LinkSync      = "sync"
	LinkConnected = "connected"
)

// Replica is the follower side of replication: it dials the leader,
// performs the PING / REPLCONF / PSYNC handshake, loads the full-sync
// snapshot when offered one, applies the live stream, and acknowledges
// its offset once a second. It reconnects with backoff until stopped,
// retrying a partial resync first on every reconnect.
type Replica struct {
	leaderHost    string
	leaderPort    string
	listeningPort string

	// applyFrame applies one replicated command at the given database;
	// loadImage installs a full-sync snapshot image.
	applyFrame func(dbIndex int, args []string)
	loadImage  func(image []byte) error

	mu     sync.Mutex
	replid string // leader's replication id, once known
	conn   net.Conn

	offset atomic.Int64
	status atomic.Value // string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReplica(leaderHost, leaderPort, listeningPort string, applyFrame func(int, []string), loadImage func([]byte) error) *Replica {
	r := &Replica{
		leaderHost:    leaderHost,
		leaderPort:    leaderPort,
		listeningPort: listeningPort,
		applyFrame:    applyFrame,
		loadImage:     loadImage,
		done:          make(chan struct{}),
	}
	r.status.Store(LinkConnect)
	return r
}

func (r *Replica) LeaderHost() string { return r.leaderHost }
func (r *Replica) LeaderPort() int {
	p, _ := strconv.Atoi(r.leaderPort)
	return p
}
func (r *Replica) Offset() int64 { return r.offset.Load() }
func (r *Replica) Status() string {
	return r.status.Load().(string)
}

// SetOffset rebases the applied offset, called after a snapshot load.
func (r *Replica) SetOffset(v int64) { r.offset.Store(v) }

// Start launches the replication loop. Stop tears it down and closes the
// current link.
func (r *Replica) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

func (r *Replica) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Replica) run(ctx context.Context) {
	defer close(r.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.syncOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		r.status.Store(LinkConnect)
		log.Printf("[REPLICATION] link to leader lost: %v, retrying in %v", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}
}

// syncOnce runs one full connect / handshake / stream cycle and returns
// when the link breaks.
func (r *Replica) syncOnce(ctx context.Context) error {
	addr := net.JoinHostPort(r.leaderHost, r.leaderPort)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial leader: %w", err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer conn.Close()

	br := &frameReader{conn: conn}

	if err := r.handshake(conn, br); err != nil {
		return err
	}
	r.status.Store(LinkConnected)
	log.Printf("[REPLICATION] synchronized with leader %s at offset %d", addr, r.offset.Load())

	ackCtx, ackCancel := context.WithCancel(ctx)
	defer ackCancel()
	go r.runAckLoop(ackCtx, conn)

	return r.streamLoop(br)
}

func (r *Replica) handshake(conn net.Conn, br *frameReader) error {
	r.status.Store(LinkSync)

	send := func(args ...string) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_, err := conn.Write(resp.AppendCommand(nil, args...))
		return err
	}
	expect := func(want string) error {
		frame, err := readFrame(br)
		if err != nil {
			return err
		}
		if frame.Type != resp.TypeSimpleString || !strings.EqualFold(frame.Str, want) {
			return fmt.Errorf("handshake: expected +%s, got %+v", want, frame)
		}
		return nil
	}

	if err := send("PING"); err != nil {
		return err
	}
	if err := expect("PONG"); err != nil {
		return err
	}
	if err := send("REPLCONF", "listening-port", r.listeningPort); err != nil {
		return err
	}
	if err := expect("OK"); err != nil {
		return err
	}
	if err := send("REPLCONF", "capa", "psync2"); err != nil {
		return err
	}
	if err := expect("OK"); err != nil {
		return err
	}

	// First contact asks for a full transfer; reconnects try to resume
	// the stream one byte past what was applied.
	r.mu.Lock()
	replid := r.replid
	r.mu.Unlock()
	psyncID, psyncOffset := "?", "-1"
	if replid != "" {
		psyncID = replid
		psyncOffset = strconv.FormatInt(r.offset.Load()+1, 10)
	}
	if err := send("PSYNC", psyncID, psyncOffset); err != nil {
		return err
	}

	frame, err := readFrame(br)
	if err != nil {
		return err
	}
	if frame.Type != resp.TypeSimpleString {
		return fmt.Errorf("handshake: unexpected PSYNC reply %+v", frame)
	}
	fields := strings.Fields(frame.Str)
	switch {
	case len(fields) == 3 && strings.EqualFold(fields[0], "FULLRESYNC"):
		newOffset, perr := strconv.ParseInt(fields[2], 10, 64)
		if perr != nil {
			return fmt.Errorf("handshake: bad FULLRESYNC offset %q", fields[2])
		}
		image, rerr := readBulkPayload(br)
		if rerr != nil {
			return fmt.Errorf("handshake: snapshot transfer: %w", rerr)
		}
		if lerr := r.loadImage(image); lerr != nil {
			return fmt.Errorf("handshake: snapshot load: %w", lerr)
		}
		r.mu.Lock()
		r.replid = fields[1]
		r.mu.Unlock()
		r.offset.Store(newOffset)
	case len(fields) >= 1 && strings.EqualFold(fields[0], "CONTINUE"):
		// Stream resumes where we left off.
	default:
		return fmt.Errorf("handshake: unexpected PSYNC reply %q", frame.Str)
	}
	return nil
}

// streamLoop applies replicated frames as they arrive, advancing the
// offset by each frame's byte length and routing SELECT frames to the
// database tracker.
func (r *Replica) streamLoop(br *frameReader) error {
	dbIndex := 0
	for {
		frame, n, err := readFrameCounted(br)
		if err != nil {
			return err
		}
		args := frame.StringArgs()
		if len(args) == 2 && strings.EqualFold(args[0], "SELECT") {
			idx, perr := strconv.Atoi(args[1])
			if perr != nil {
				return fmt.Errorf("stream: bad SELECT %q", args[1])
			}
			dbIndex = idx
		} else if len(args) == 1 && strings.EqualFold(args[0], "PING") {
			// Heartbeat; advances the offset only.
		} else if len(args) > 0 {
			r.applyFrame(dbIndex, args)
		}
		r.offset.Add(int64(n))
	}
}

// runAckLoop reports the applied offset once a second.
func (r *Replica) runAckLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := resp.AppendCommand(nil, "REPLCONF", "ACK", strconv.FormatInt(r.offset.Load(), 10))
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}
}

// frameReader incrementally decodes frames off the replication link,
// keeping leftover bytes between calls so the live stream and the raw
// snapshot transfer can share one connection.
type frameReader struct {
	conn io.Reader
	buf  []byte
}

func (fr *frameReader) fill() error {
	tmp := make([]byte, 16*1024)
	n, err := fr.conn.Read(tmp)
	if n > 0 {
		fr.buf = append(fr.buf, tmp[:n]...)
		return nil
	}
	return err
}

// next decodes one frame, returning it and its encoded byte length.
func (fr *frameReader) next() (resp.Frame, int, error) {
	for {
		if len(fr.buf) > 0 {
			frame, n, err := resp.ParseFrame(fr.buf)
			if err == nil {
				fr.buf = fr.buf[n:]
				return frame, n, nil
			}
			if !errors.Is(err, resp.ErrNeedMore) {
				return resp.Frame{}, 0, err
			}
		}
		if err := fr.fill(); err != nil {
			return resp.Frame{}, 0, err
		}
	}
}

// readLine consumes one CRLF-terminated line, returned without the CRLF.
func (fr *frameReader) readLine() (string, error) {
	for {
		if i := strings.Index(string(fr.buf), "\r\n"); i >= 0 {
			line := string(fr.buf[:i])
			fr.buf = fr.buf[i+2:]
			return line, nil
		}
		if err := fr.fill(); err != nil {
			return "", err
		}
	}
}

// readN consumes exactly n raw bytes.
func (fr *frameReader) readN(n int) ([]byte, error) {
	for len(fr.buf) < n {
		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
	out := make([]byte, n)
	copy(out, fr.buf[:n])
	fr.buf = fr.buf[n:]
	return out, nil
}

func readFrame(br *frameReader) (resp.Frame, error) {
	f, _, err := br.next()
	return f, err
}

func readFrameCounted(br *frameReader) (resp.Frame, int, error) {
	return br.next()
}

// readBulkPayload reads the $<len>\r\n<payload> snapshot transfer that
// follows +FULLRESYNC. Unlike a normal bulk string there is no trailing
// CRLF after the payload.
func readBulkPayload(br *frameReader) ([]byte, error) {
	header, err := br.readLine()
	if err != nil {
		return nil, err
	}
	if len(header) < 2 || header[0] != '$' {
		return nil, fmt.Errorf("bad bulk header %q", header)
	}
	size, err := strconv.Atoi(header[1:])
	if err != nil || size < 0 {
		return nil, fmt.Errorf("bad bulk length %q", header[1:])
	}
	return br.readN(size)
}
