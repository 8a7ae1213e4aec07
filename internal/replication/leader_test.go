package replication

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/resp"
)

// collector drains one end of a pipe, accumulating everything written
// to the follower.
type collector struct {
	mu  sync.Mutex
	buf []byte
}

func (c *collector) run(conn net.Conn) {
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			c.mu.Lock()
			c.buf = append(c.buf, tmp[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *collector) snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

func TestPartialResyncShipsExactSuffix(t *testing.T) {
	l := NewLeader(1 << 20)
	f1 := resp.AppendCommand(nil, "SET", "a", "1")
	f2 := resp.AppendCommand(nil, "SET", "b", "2")
	l.Feed(f1)
	splitAt := l.Offset()
	l.Feed(f2)

	leaderSide, followerSide := net.Pipe()
	col := &collector{}
	go col.run(followerSide)

	// The follower applied everything through splitAt and asks to
	// resume one byte past it.
	err := l.HandlePSYNC(leaderSide, l.ReplID(), splitAt+1, "7001", nil)
	require.NoError(t, err)

	want := append(resp.AppendSimpleString(nil, "CONTINUE"), f2...)
	require.Eventually(t, func() bool {
		return string(col.snapshot()) == string(want)
	}, time.Second, 5*time.Millisecond)

	// Live frames flow after the backfill.
	f3 := resp.AppendCommand(nil, "SET", "c", "3")
	l.Feed(f3)
	want = append(want, f3...)
	require.Eventually(t, func() bool {
		return string(col.snapshot()) == string(want)
	}, time.Second, 5*time.Millisecond)
}

func TestStaleOffsetFallsBackToFullResync(t *testing.T) {
	l := NewLeader(16) // tiny backlog so history falls out fast
	for i := 0; i < 10; i++ {
		l.Feed(resp.AppendCommand(nil, "SET", "k", "vvvvvvvv"))
	}

	leaderSide, followerSide := net.Pipe()
	col := &collector{}
	go col.run(followerSide)

	image := []byte("fake-snapshot-image")
	err := l.HandlePSYNC(leaderSide, l.ReplID(), 1, "7002", func() ([]byte, int64) {
		return image, l.Offset()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := string(col.snapshot())
		return len(got) > 0 && got[0] == '+' &&
			strings.Contains(got, "FULLRESYNC") &&
			strings.Contains(got, l.ReplID()) &&
			strings.Contains(got, "fake-snapshot-image")
	}, time.Second, 5*time.Millisecond)
}

func TestFollowerAckUpdatesOffset(t *testing.T) {
	l := NewLeader(1 << 20)
	f1 := resp.AppendCommand(nil, "SET", "a", "1")
	l.Feed(f1)

	leaderSide, followerSide := net.Pipe()
	col := &collector{}
	go col.run(followerSide)

	require.NoError(t, l.HandlePSYNC(leaderSide, l.ReplID(), l.Offset()+1, "7003", nil))
	require.Equal(t, 1, l.PeerCount())

	ack := resp.AppendCommand(nil, "REPLCONF", "ACK", "42")
	_, err := followerSide.Write(ack)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		peers := l.Peers()
		return len(peers) == 1 && peers[0].AckOffset == 42
	}, time.Second, 5*time.Millisecond)

	n := l.WaitForAcks(1, 42, 100*time.Millisecond, nil)
	require.Equal(t, 1, n)
}
