package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/txn"
)

// fakeAdmin satisfies Admin for tests, recording propagated frames.
type fakeAdmin struct {
	frames [][]string
}

func (f *fakeAdmin) Save() error                           { return nil }
func (f *fakeAdmin) BGSave() error                         { return nil }
func (f *fakeAdmin) BGRewriteAOF() error                   { return nil }
func (f *fakeAdmin) LastSaveUnix() int64                   { return 0 }
func (f *fakeAdmin) Replication() ReplicationStatus        { return ReplicationStatus{Role: "master"} }
func (f *fakeAdmin) ReplicaOf(host, port string) error     { return nil }
func (f *fakeAdmin) WaitForAcks(n int, timeout int64, done <-chan struct{}) int { return 0 }
func (f *fakeAdmin) IsReadOnlyReplica() bool               { return false }
func (f *fakeAdmin) ClientList() []string                  { return nil }
func (f *fakeAdmin) ConfigGet(string) (string, bool)       { return "", false }
func (f *fakeAdmin) ConfigSet(string, string) error        { return nil }
func (f *fakeAdmin) MemoryOK() bool                        { return true }
func (f *fakeAdmin) Shutdown(bool)                         {}
func (f *fakeAdmin) Propagate(dbIndex int, args []string) {
	cp := make([]string, len(args))
	copy(cp, args)
	f.frames = append(f.frames, cp)
}

type harness struct {
	ks    *keyspace.Keyspace
	fc    *clock.Fake
	reg   *Registry
	admin *fakeAdmin
}

func newHarness() *harness {
	fc := clock.NewFake(10_000)
	return &harness{
		ks:    keyspace.New(16, fc, nil),
		fc:    fc,
		reg:   NewRegistry(),
		admin: &fakeAdmin{},
	}
}

func (h *harness) conn() *Context {
	done := make(chan struct{})
	return &Context{
		Keyspace: h.ks,
		Clock:    h.fc,
		Admin:    h.admin,
		Conn:     &Conn{Txn: txn.NewState(), Done: done},
		Registry: h.reg,
	}
}

func (h *harness) do(ctx *Context, args ...string) string {
	return string(Dispatch(h.reg, ctx, args, nil))
}

func TestStringBasics(t *testing.T) {
	h := newHarness()
	c := h.conn()

	require.Equal(t, "+OK\r\n", h.do(c, "SET", "k", "v"))
	require.Equal(t, "$1\r\nv\r\n", h.do(c, "GET", "k"))
	require.Equal(t, ":4\r\n", h.do(c, "APPEND", "k", "xyz"))
	require.Equal(t, ":4\r\n", h.do(c, "STRLEN", "k"))
	require.Equal(t, ":1\r\n", h.do(c, "DEL", "k"))
	require.Equal(t, "$-1\r\n", h.do(c, "GET", "k"))
}

func TestIncrTypeErrors(t *testing.T) {
	h := newHarness()
	c := h.conn()

	require.Equal(t, ":1\r\n", h.do(c, "INCR", "n"))
	require.Equal(t, ":11\r\n", h.do(c, "INCRBY", "n", "10"))
	h.do(c, "SET", "s", "abc")
	out := h.do(c, "INCR", "s")
	require.Contains(t, out, "-ERR")

	h.do(c, "LPUSH", "l", "x")
	require.Contains(t, h.do(c, "INCR", "l"), "-WRONGTYPE")
}

func TestSortedSetRange(t *testing.T) {
	h := newHarness()
	c := h.conn()

	require.Equal(t, ":3\r\n", h.do(c, "ZADD", "s", "1", "a", "2", "b", "3", "c"))
	require.Equal(t, "*2\r\n$1\r\na\r\n$1\r\nb\r\n", h.do(c, "ZRANGEBYSCORE", "s", "1", "2"))
	require.Equal(t, "*2\r\n$1\r\nb\r\n$1\r\nc\r\n", h.do(c, "ZRANGEBYSCORE", "s", "(1", "+inf"))
	require.Equal(t, ":1\r\n", h.do(c, "ZRANK", "s", "b"))
	require.Equal(t, ":0\r\n", h.do(c, "ZADD", "s", "XX", "GT", "1", "b"))
	require.Equal(t, "$1\r\n2\r\n", h.do(c, "ZSCORE", "s", "b"))
}

func TestSortedSetLexAndRemRanges(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "ZADD", "z", "0", "a", "0", "b", "0", "c", "0", "d")
	require.Equal(t, "*4\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n$1\r\nd\r\n", h.do(c, "ZRANGEBYLEX", "z", "-", "+"))
	require.Equal(t, "*2\r\n$1\r\nb\r\n$1\r\nc\r\n", h.do(c, "ZRANGEBYLEX", "z", "(a", "[c"))
	require.Equal(t, ":2\r\n", h.do(c, "ZLEXCOUNT", "z", "(a", "[c"))
	require.Equal(t, ":2\r\n", h.do(c, "ZREMRANGEBYRANK", "z", "0", "1"))
	require.Equal(t, ":2\r\n", h.do(c, "ZCARD", "z"))
}

func TestWatchAbortsOnConcurrentWrite(t *testing.T) {
	h := newHarness()
	a := h.conn()
	b := h.conn()

	h.do(a, "SET", "k", "1")
	require.Equal(t, "+OK\r\n", h.do(a, "WATCH", "k"))
	require.Equal(t, "+OK\r\n", h.do(a, "MULTI"))
	a.Conn.Txn.Enqueue("INCR", []string{"k"})

	require.Equal(t, "+OK\r\n", h.do(b, "SET", "k", "10"))

	require.Equal(t, "*-1\r\n", h.do(a, "EXEC"))
	require.Equal(t, "$2\r\n10\r\n", h.do(a, "GET", "k"))
}

func TestExecRunsQueueWhenUnchanged(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "SET", "k", "1")
	h.do(c, "WATCH", "k")
	h.do(c, "MULTI")
	c.Conn.Txn.Enqueue("INCR", []string{"k"})
	c.Conn.Txn.Enqueue("GET", []string{"k"})

	require.Equal(t, "*2\r\n:2\r\n$1\r\n2\r\n", h.do(c, "EXEC"))
}

func TestExecAbortOnPoisonedQueue(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "MULTI")
	require.Error(t, ValidateQueueable(h.reg, []string{"NOSUCHCMD"}))
	c.Conn.Txn.Poison()
	require.Contains(t, h.do(c, "EXEC"), "-EXECABORT")
	// A fresh transaction works again afterward.
	require.Equal(t, "+OK\r\n", h.do(c, "MULTI"))
	c.Conn.Txn.Enqueue("SET", []string{"k", "v"})
	require.Equal(t, "*1\r\n+OK\r\n", h.do(c, "EXEC"))
}

func TestWatchExpirationInvalidates(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "SET", "k", "v", "PX", "50")
	h.do(c, "WATCH", "k")
	h.do(c, "MULTI")
	c.Conn.Txn.Enqueue("GET", []string{"k"})

	h.fc.Set(h.fc.NowMillis() + 100)
	require.Equal(t, "*-1\r\n", h.do(c, "EXEC"))
}

func TestWatchSurvivesRefusedAndNoOpWrites(t *testing.T) {
	h := newHarness()
	a := h.conn()
	b := h.conn()

	h.do(a, "SET", "k", "1")
	h.do(a, "WATCH", "k")
	h.do(a, "MULTI")
	a.Conn.Txn.Enqueue("INCR", []string{"k"})

	// Refused writes must not look like mutations to WATCH: a WRONGTYPE
	// HSET, a WRONGTYPE LPUSH, and removals of absent members all leave
	// the version alone.
	require.Contains(t, h.do(b, "HSET", "k", "f", "v"), "-WRONGTYPE")
	require.Contains(t, h.do(b, "LPUSH", "k", "x"), "-WRONGTYPE")
	h.do(b, "SADD", "other", "m")
	require.Equal(t, ":0\r\n", h.do(b, "SREM", "k2", "missing"))

	require.Equal(t, "*1\r\n:2\r\n", h.do(a, "EXEC"))
}

func TestNoOpWriteDoesNotCreateKey(t *testing.T) {
	h := newHarness()
	c := h.conn()

	// A removal against a missing key must not leave an empty container
	// behind.
	require.Equal(t, ":0\r\n", h.do(c, "HDEL", "nope", "f"))
	require.Equal(t, ":0\r\n", h.do(c, "EXISTS", "nope"))
	require.Equal(t, ":0\r\n", h.do(c, "LREM", "nope", "0", "x"))
	require.Equal(t, ":0\r\n", h.do(c, "EXISTS", "nope"))
	require.Equal(t, ":0\r\n", h.do(c, "LPUSHX", "nope", "x"))
	require.Equal(t, ":0\r\n", h.do(c, "EXISTS", "nope"))
}

func TestExpirationObservability(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "SET", "k", "v", "PX", "50")
	require.Equal(t, ":1\r\n", h.do(c, "EXISTS", "k"))

	h.fc.Set(h.fc.NowMillis() + 100)
	require.Equal(t, ":0\r\n", h.do(c, "EXISTS", "k"))
	require.Equal(t, ":-2\r\n", h.do(c, "TTL", "k"))
}

func TestSetCanonicalPropagation(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "SET", "k", "v", "EX", "10")
	require.Len(t, h.admin.frames, 1)
	frame := h.admin.frames[0]
	require.Equal(t, []string{"SET", "k", "v", "PXAT", "20000"}, frame)

	h.admin.frames = nil
	h.do(c, "EXPIRE", "k", "5")
	require.Equal(t, []string{"PEXPIREAT", "k", "15000"}, h.admin.frames[0])
}

func TestKeepTTLPreservesDeadline(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "SET", "k", "v", "PX", "500")
	h.do(c, "SET", "k", "w", "KEEPTTL")
	require.Equal(t, ":1\r\n", h.do(c, "PERSIST", "k"))

	h.do(c, "SET", "k", "x")
	require.Equal(t, ":0\r\n", h.do(c, "PERSIST", "k"))
}

func TestSetStoreVariants(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "SADD", "a", "1", "2", "3")
	h.do(c, "SADD", "b", "2", "3", "4")
	require.Equal(t, ":2\r\n", h.do(c, "SINTERSTORE", "dst", "a", "b"))
	require.Equal(t, ":2\r\n", h.do(c, "SCARD", "dst"))

	// An empty result deletes the destination.
	h.do(c, "SADD", "c", "9")
	require.Equal(t, ":0\r\n", h.do(c, "SINTERSTORE", "dst", "a", "c"))
	require.Equal(t, ":0\r\n", h.do(c, "EXISTS", "dst"))
}

func TestReadOnlyReplicaRefusesWrites(t *testing.T) {
	h := newHarness()
	h.admin = &fakeAdmin{}
	c := h.conn()
	c.Admin = readOnlyAdmin{h.admin}

	out := h.do(c, "SET", "k", "v")
	require.Contains(t, out, "-READONLY")
	require.Equal(t, "$-1\r\n", h.do(c, "GET", "k"))
}

type readOnlyAdmin struct{ *fakeAdmin }

func (readOnlyAdmin) IsReadOnlyReplica() bool { return true }

func TestUnknownCommandAndArity(t *testing.T) {
	h := newHarness()
	c := h.conn()

	require.Contains(t, h.do(c, "BOGUS"), "unknown command")
	require.Contains(t, h.do(c, "GET"), "wrong number of arguments")
}

func TestRenameAndType(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "SET", "a", "v")
	require.Equal(t, "+OK\r\n", h.do(c, "RENAME", "a", "b"))
	require.Equal(t, ":0\r\n", h.do(c, "EXISTS", "a"))
	require.Equal(t, "+string\r\n", h.do(c, "TYPE", "b"))
	require.Equal(t, "+none\r\n", h.do(c, "TYPE", "a"))
}

func TestHashScanPaginates(t *testing.T) {
	h := newHarness()
	c := h.conn()

	h.do(c, "HSET", "h", "f1", "1", "f2", "2", "f3", "3")
	out := h.do(c, "HSCAN", "h", "0", "COUNT", "2")
	require.Contains(t, out, "f1")
	require.Contains(t, out, "f2")
	require.NotContains(t, out, "f3")
}
