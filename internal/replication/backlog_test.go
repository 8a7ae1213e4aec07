package replication

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/resp"
)

func TestBacklogWindow(t *testing.T) {
	bl := NewBacklog(16)

	bl.Append([]byte("0123456789")) // offsets [0,10)
	got, ok := bl.Since(0)
	require.True(t, ok)
	require.Equal(t, "0123456789", string(got))

	got, ok = bl.Since(4)
	require.True(t, ok)
	require.Equal(t, "456789", string(got))

	// Overflow trims the oldest bytes.
	bl.Append([]byte("abcdefghij")) // offsets [10,20), window now [4,20)
	_, ok = bl.Since(0)
	require.False(t, ok)

	got, ok = bl.Since(10)
	require.True(t, ok)
	require.Equal(t, "abcdefghij", string(got))

	// One past the end is an empty-but-valid resume point; beyond it is
	// not.
	got, ok = bl.Since(20)
	require.True(t, ok)
	require.Empty(t, got)
	_, ok = bl.Since(21)
	require.False(t, ok)
}

func TestLeaderFeedAdvancesOffsetByByteLength(t *testing.T) {
	l := NewLeader(1 << 20)
	require.Equal(t, int64(0), l.Offset())

	frame := resp.AppendCommand(nil, "SET", "k", "v")
	l.Feed(frame)
	require.Equal(t, int64(len(frame)), l.Offset())

	l.Feed(frame)
	require.Equal(t, int64(2*len(frame)), l.Offset())

	got, ok := l.backlog.Since(int64(len(frame)))
	require.True(t, ok)
	require.True(t, bytes.Equal(frame, got))
}

func TestLeaderEpochResetInvalidatesPartialResync(t *testing.T) {
	l := NewLeader(1 << 20)
	frame := resp.AppendCommand(nil, "SET", "k", "v")
	l.Feed(frame)

	oldID := l.ReplID()
	l.ResetAsNewEpoch()
	require.NotEqual(t, oldID, l.ReplID())

	// The backlog was rebased: the pre-reset suffix is gone.
	_, ok := l.backlog.Since(0)
	require.False(t, ok)
	got, ok := l.backlog.Since(l.Offset())
	require.True(t, ok)
	require.Empty(t, got)
}

func TestWaitForAcksTimesOutAtCurrentCount(t *testing.T) {
	l := NewLeader(1 << 20)
	n := l.WaitForAcks(1, 100, 30*time.Millisecond, nil)
	require.Equal(t, 0, n)
}

func TestWaitForAcksCancelsOnDone(t *testing.T) {
	l := NewLeader(1 << 20)
	done := make(chan struct{})
	finished := make(chan int, 1)
	go func() {
		// No timeout: only satisfaction or cancellation can end this.
		finished <- l.WaitForAcks(1, 100, 0, done)
	}()
	close(done)
	select {
	case n := <-finished:
		require.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("WaitForAcks did not observe the closed done channel")
	}
}
