// Package command implements the RESP command surface: a registry
// mapping command names to handlers, and the handlers themselves for the
// string/list/hash/set/sorted-set keyspace, connection/transaction
// control, and the small admin surface (SAVE, REPLICAOF, WAIT, ...).
package command

import (
	"errors"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
	"github.com/AutoCookies/kvstore/internal/txn"
)

// FollowerInfo is one attached replica as ROLE and WAIT see it.
type FollowerInfo struct {
	Addr      string
	AckOffset int64
}

// ReplicationStatus is the server's current replication view, consumed
// by ROLE and the read-only check.
type ReplicationStatus struct {
	Role       string // "master" or "slave"
	ReplID     string
	Offset     int64
	Followers  []FollowerInfo
	LeaderHost string
	LeaderPort int
	LinkStatus string // follower side: "connect", "sync", "connected"
}

// Admin is the set of server-level operations a handful of commands need
// that don't belong to the keyspace itself -- persistence triggers,
// replication status, config stubs, and the client registry. The server
// package implements this; command stays decoupled from persistence and
// replication's concrete types.
type Admin interface {
	Save() error
	BGSave() error
	BGRewriteAOF() error
	LastSaveUnix() int64
	Replication() ReplicationStatus
	ReplicaOf(host, port string) error
	WaitForAcks(numReplicas int, timeoutMillis int64, done <-chan struct{}) int
	IsReadOnlyReplica() bool
	Propagate(dbIndex int, args []string)
	ClientList() []string
	ConfigGet(param string) (string, bool)
	ConfigSet(param, value string) error
	MemoryOK() bool
	Shutdown(save bool)
}

// Conn is the per-connection state a handler can read or mutate:
// authentication, the selected database, the client's display name, and
// its transaction state. Done is closed when the connection goes away,
// so a blocking command can deregister its waiter.
type Conn struct {
	Authenticated bool
	DBIndex       int
	Name          string
	ID            uint64
	Txn           *txn.State
	Done          <-chan struct{}
}

// Context is passed to every handler. Keyspace/Clock/Admin are shared
// across all connections; Conn is this connection's own state.
type Context struct {
	Keyspace *keyspace.Keyspace
	Clock    clock.Clock
	Admin    Admin
	Conn     *Conn
	Registry *Registry

	RequirePass string

	// InExec is true while a MULTI/EXEC batch is being applied with the
	// keyspace serializer held exclusively. Queued commands inside MULTI
	// never call handlers directly (they're only validated for arity/
	// existence at queue time), so this is set by the EXEC handler
	// around each queued command's invocation.
	InExec bool

	// Rewrite, when set by a handler, replaces the verbatim client args
	// as the frame propagated to the append log and followers. Handlers
	// use it to canonicalize nondeterministic commands: SET with a
	// relative EX becomes SET with an absolute PXAT, SPOP names the
	// members it removed. (A satisfied BLPOP/BRPOP propagates its plain
	// LPOP/RPOP itself rather than through Rewrite.)
	Rewrite []string
}

func (c *Context) DB() *keyspace.Database {
	return c.Keyspace.DB(c.Conn.DBIndex)
}

// errNoMutation is returned from a Mutate callback when the command
// turned out not to change the value (member already absent, NX/GT
// condition not met, empty pop). It is never surfaced to the client;
// it exists so the keyspace leaves the entry's version alone -- WATCH
// must only fire on real mutations.
var errNoMutation = errors.New("no mutation")

// HandlerFunc executes one command and appends its RESP reply to dst,
// returning the extended buffer.
type HandlerFunc func(ctx *Context, args []string, dst []byte) []byte

// Spec describes one registered command: its canonical name, arity (the
// Redis convention -- positive is exact argument count including the
// name, negative is "at least" that many), whether it performs an
// effective write (and therefore needs propagating and is refused on a
// read-only replica), and the handler itself.
type Spec struct {
	Name    string
	Arity   int
	IsWrite bool
	Handler HandlerFunc
}

func (s *Spec) arityOK(n int) bool {
	if s.Arity >= 0 {
		return n == s.Arity
	}
	return n >= -s.Arity
}

// AppendErr is the common path for writing a protocol-tagged error reply.
func AppendErr(dst []byte, err error) []byte {
	if pe, ok := err.(*protoerr.Error); ok {
		return resp.AppendError(dst, pe.Error())
	}
	return resp.AppendError(dst, "ERR "+err.Error())
}

func AppendErrf(dst []byte, kind protoerr.Kind, format string, args ...interface{}) []byte {
	return AppendErr(dst, protoerr.New(kind, format, args...))
}
