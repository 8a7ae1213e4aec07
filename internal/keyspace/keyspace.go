package keyspace

import (
	"sync"
	"sync/atomic"

	"github.com/AutoCookies/kvstore/internal/clock"
)

// Keyspace owns the fixed number of numbered logical databases and the
// global write counter every effective mutation increments -- the dirty
// counter the snapshot save rules read and the offset a snapshot records.
// The replication stream's byte offset, which the backlog and WAIT use,
// is a separate counter kept by the replication leader.
type Keyspace struct {
	dbs   []*Database
	clock clock.Clock

	offset atomic.Uint64

	// serializer is the keyspace-wide write lock: every effective write
	// (a single command, or a whole EXEC batch) applies its mutation AND
	// propagates its frame while holding it, so commit order and stream
	// order are the same total order. Reads never take it -- their
	// consistency comes from the shard locks -- which keeps the workload
	// concurrent where it actually is concurrent: network I/O and reads.
	serializer sync.Mutex

	notifier notifier
}

// New creates a Keyspace with n numbered databases (0..n-1). hook is
// invoked whenever a key is removed by lazy or active expiration, so the
// caller can propagate a synthetic DEL.
func New(n int, c clock.Clock, hook ExpireHook) *Keyspace {
	ks := &Keyspace{clock: c}
	ks.dbs = make([]*Database, n)
	for i := range ks.dbs {
		ks.dbs[i] = newDatabase(i, c, hook)
	}
	return ks
}

func (ks *Keyspace) DB(index int) *Database {
	return ks.dbs[index]
}

func (ks *Keyspace) Count() int { return len(ks.dbs) }

// Offset returns the current write counter, i.e. the number of effective
// mutations applied since startup (or since the snapshot this process
// loaded from was taken, plus whatever's been replayed from the log).
func (ks *Keyspace) Offset() uint64 { return ks.offset.Load() }

// Advance bumps the write counter by one and returns the new value. Every
// command handler that performs an effective write calls this exactly
// once, right before propagating its canonical frame.
func (ks *Keyspace) Advance() uint64 { return ks.offset.Add(1) }

// SetOffset forces the write counter, used when a replica fast-forwards
// to the offset a snapshot or FULLRESYNC payload represents.
func (ks *Keyspace) SetOffset(v uint64) { ks.offset.Store(v) }

// WithSerializer runs fn while holding the keyspace-wide write lock: no
// other effective write (or EXEC batch, or snapshot/rewrite cut) can
// interleave with it.
func (ks *Keyspace) WithSerializer(fn func()) {
	ks.serializer.Lock()
	defer ks.serializer.Unlock()
	fn()
}

// FlushAll clears every database.
func (ks *Keyspace) FlushAll() {
	for _, d := range ks.dbs {
		d.Flush()
	}
}
