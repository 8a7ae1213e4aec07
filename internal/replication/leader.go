package replication

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AutoCookies/kvstore/internal/resp"
)

// Peer is one attached follower from the leader's point of view: its
// socket, an output queue the propagation path feeds, and the highest
// offset it has acknowledged.
type Peer struct {
	conn          net.Conn
	addr          string
	listeningPort string

	out   chan []byte
	acked atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// Addr returns the peer's advertised replication address: the remote IP
// joined with the listening port it announced during the handshake.
func (p *Peer) Addr() string {
	host := p.addr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if p.listeningPort != "" {
		return host + ":" + p.listeningPort
	}
	return p.addr
}

// Leader is the propagation side of replication: it owns the backlog
// ring, the peer registry, and the byte offset of the propagated stream.
// Every frame written to the append log is also fed here; the offset
// advances by the frame's byte length, which is what followers
// acknowledge and WAIT compares against.
type Leader struct {
	mu      sync.Mutex
	replid  string
	offset  int64
	peers   map[*Peer]struct{}
	backlog *Backlog

	peerOutBuf int
}

func NewLeader(backlogBytes int) *Leader {
	return &Leader{
		replid:     newReplID(),
		peers:      make(map[*Peer]struct{}),
		backlog:    NewBacklog(backlogBytes),
		peerOutBuf: 4096,
	}
}

func newReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; fall back
		// to a fixed id rather than panic here.
		return "0000000000000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}

func (l *Leader) ReplID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replid
}

func (l *Leader) Offset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// ResetAsNewEpoch gives the leader a fresh replication id and rebases
// the backlog, called on REPLICAOF NO ONE. Partial resync across the
// transition is impossible by construction, which is the point.
func (l *Leader) ResetAsNewEpoch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replid = newReplID()
	l.backlog.Reset(l.offset)
	log.Printf("[REPLICATION] new replication id %s at offset %d", l.replid, l.offset)
}

// Feed appends one frame to the propagated stream: advances the offset
// by its length, records it in the backlog, and queues it to every
// attached peer. A peer whose queue is full has stopped draining; it is
// dropped and will re-handshake.
func (l *Leader) Feed(frame []byte) int64 {
	l.mu.Lock()
	l.offset += int64(len(frame))
	offset := l.offset
	l.backlog.Append(frame)
	var overflowed []*Peer
	for p := range l.peers {
		select {
		case p.out <- frame:
		default:
			overflowed = append(overflowed, p)
		}
	}
	for _, p := range overflowed {
		delete(l.peers, p)
	}
	l.mu.Unlock()

	for _, p := range overflowed {
		log.Printf("[REPLICATION] dropping follower %s: output buffer overflow", p.Addr())
		p.close()
	}
	return offset
}

// PeerCount returns the number of attached followers.
func (l *Leader) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// PeerInfo is one row of ROLE's follower listing.
type PeerInfo struct {
	Addr      string
	AckOffset int64
}

func (l *Leader) Peers() []PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PeerInfo, 0, len(l.peers))
	for p := range l.peers {
		out = append(out, PeerInfo{Addr: p.Addr(), AckOffset: p.acked.Load()})
	}
	return out
}

// HandlePSYNC completes a follower handshake on conn. requestedID and
// requestedOffset come from the PSYNC arguments: the id the follower
// last replicated from, and the first byte offset it wants (its applied
// offset plus one, or -1 on first contact). The leader continues the
// stream iff the id matches and that suffix is still in the backlog;
// otherwise it sends a full snapshot produced by snapshot(), which must
// return the image together with the stream offset of its cut (captured
// under the keyspace serializer).
//
// The call takes ownership of conn: it spawns the writer and ACK-reader
// goroutines and returns once the peer is registered.
func (l *Leader) HandlePSYNC(conn net.Conn, requestedID string, requestedOffset int64, listeningPort string, snapshot func() ([]byte, int64)) error {
	l.mu.Lock()
	replid := l.replid
	l.mu.Unlock()

	var preamble []byte
	var backfill []byte

	p := &Peer{
		conn:          conn,
		addr:          conn.RemoteAddr().String(),
		listeningPort: listeningPort,
		out:           make(chan []byte, l.peerOutBuf),
		done:          make(chan struct{}),
	}

	// The backfill snapshot-of-the-backlog and the peer registration
	// must happen under the same lock Feed holds, so every frame lands
	// exactly once: in the backfill if it was fed before registration,
	// in the peer's queue otherwise.
	registerWithBackfill := func(fromOffset int64) ([]byte, bool) {
		l.mu.Lock()
		defer l.mu.Unlock()
		b, ok := l.backlog.Since(fromOffset)
		if !ok {
			return nil, false
		}
		l.peers[p] = struct{}{}
		return b, true
	}

	partialOK := false
	if requestedOffset > 0 && requestedID == replid {
		if b, ok := registerWithBackfill(requestedOffset - 1); ok {
			backfill = b
			partialOK = true
		}
	}

	if partialOK {
		preamble = resp.AppendSimpleString(nil, "CONTINUE")
		p.acked.Store(requestedOffset - 1)
		log.Printf("[REPLICATION] partial resync for %s from offset %d (%d bytes)", p.Addr(), requestedOffset, len(backfill))
	} else {
		image, cutOffset := snapshot()
		// Frames fed after the cut are still in the backlog; replay them
		// ahead of the live stream so nothing is lost.
		b, ok := registerWithBackfill(cutOffset)
		if !ok {
			conn.Close()
			return fmt.Errorf("psync: snapshot cut at %d already outside the backlog", cutOffset)
		}
		backfill = b
		p.acked.Store(cutOffset)
		preamble = resp.AppendSimpleString(nil, fmt.Sprintf("FULLRESYNC %s %d", replid, cutOffset))
		preamble = append(preamble, []byte(fmt.Sprintf("$%d\r\n", len(image)))...)
		preamble = append(preamble, image...)
		log.Printf("[REPLICATION] full resync for %s: snapshot %d bytes at offset %d", p.Addr(), len(image), cutOffset)
	}

	if _, err := conn.Write(preamble); err != nil {
		l.removePeer(p)
		return fmt.Errorf("psync preamble: %w", err)
	}
	if len(backfill) > 0 {
		if _, err := conn.Write(backfill); err != nil {
			l.removePeer(p)
			return fmt.Errorf("psync backfill: %w", err)
		}
	}

	go l.runPeerWriter(p)
	go l.runPeerAckReader(p)
	return nil
}

func (l *Leader) runPeerWriter(p *Peer) {
	defer l.removePeer(p)
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := p.conn.Write(frame); err != nil {
				log.Printf("[REPLICATION] write to follower %s failed: %v", p.Addr(), err)
				return
			}
		}
	}
}

// runPeerAckReader consumes REPLCONF ACK frames the follower sends once
// a second, updating the acknowledged offset WAIT inspects.
func (l *Leader) runPeerAckReader(p *Peer) {
	defer l.removePeer(p)
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		p.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		n, err := p.conn.Read(tmp)
		if err != nil {
			log.Printf("[REPLICATION] follower %s disconnected: %v", p.Addr(), err)
			return
		}
		buf = append(buf, tmp[:n]...)
		for {
			frame, consumed, perr := resp.ParseFrame(buf)
			if perr != nil {
				if perr == resp.ErrNeedMore {
					break
				}
				log.Printf("[REPLICATION] bad frame from follower %s: %v", p.Addr(), perr)
				return
			}
			buf = buf[consumed:]
			args := frame.StringArgs()
			if len(args) == 3 && strings.EqualFold(args[0], "REPLCONF") && strings.EqualFold(args[1], "ACK") {
				if off, aerr := strconv.ParseInt(args[2], 10, 64); aerr == nil {
					p.acked.Store(off)
				}
			}
		}
	}
}

func (l *Leader) removePeer(p *Peer) {
	l.mu.Lock()
	delete(l.peers, p)
	l.mu.Unlock()
	p.close()
}

// WaitForAcks blocks until at least numReplicas peers have acknowledged
// an offset >= target, the timeout elapses, or done closes (the calling
// connection went away), returning the count reached. A timeout of zero
// means wait until satisfied or cancelled, matching WAIT's contract.
func (l *Leader) WaitForAcks(numReplicas int, target int64, timeout time.Duration, done <-chan struct{}) int {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		n := l.countAcked(target)
		if n >= numReplicas {
			return n
		}
		select {
		case <-poll.C:
		case <-deadline:
			return l.countAcked(target)
		case <-done:
			return l.countAcked(target)
		}
	}
}

func (l *Leader) countAcked(target int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for p := range l.peers {
		if p.acked.Load() >= target {
			n++
		}
	}
	return n
}

// DisconnectAll drops every peer, used on role transitions.
func (l *Leader) DisconnectAll() {
	l.mu.Lock()
	peers := make([]*Peer, 0, len(l.peers))
	for p := range l.peers {
		peers = append(peers, p)
	}
	l.peers = make(map[*Peer]struct{})
	l.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
