package command

import (
	"strings"

	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
)

// Registry is the name -> Spec table every connection dispatches through.
type Registry struct {
	table map[string]*Spec
}

func NewRegistry() *Registry {
	r := &Registry{table: make(map[string]*Spec)}
	registerStringCommands(r)
	registerListCommands(r)
	registerHashCommands(r)
	registerSetCommands(r)
	registerZSetCommands(r)
	registerGenericCommands(r)
	registerConnectionCommands(r)
	registerTransactionCommands(r)
	registerAdminCommands(r)
	return r
}

func (r *Registry) register(s *Spec) {
	r.table[s.Name] = s
}

func (r *Registry) Lookup(name string) (*Spec, bool) {
	s, ok := r.table[strings.ToUpper(name)]
	return s, ok
}

// Dispatch runs one already-parsed command for ctx, handling arity
// checks, unknown-command replies, AUTH enforcement, read-only replica
// enforcement, and effective-write propagation. It does not itself
// implement MULTI queueing -- the connection layer intercepts that before
// calling Dispatch.
func Dispatch(reg *Registry, ctx *Context, args []string, dst []byte) []byte {
	if len(args) == 0 {
		return resp.AppendError(dst, "ERR empty command")
	}
	name := strings.ToUpper(args[0])

	spec, ok := reg.Lookup(name)
	if !ok {
		return resp.AppendError(dst, "ERR unknown command '"+args[0]+"'")
	}
	if !spec.arityOK(len(args)) {
		return resp.AppendError(dst, "ERR wrong number of arguments for '"+args[0]+"' command")
	}

	if ctx.RequirePass != "" && !ctx.Conn.Authenticated && name != "AUTH" && name != "HELLO" && name != "QUIT" {
		return AppendErr(dst, protoerr.NoAuth())
	}

	if spec.IsWrite && ctx.Admin != nil {
		if ctx.Admin.IsReadOnlyReplica() {
			return AppendErr(dst, protoerr.ReadOnly())
		}
		if !ctx.Admin.MemoryOK() {
			return AppendErr(dst, protoerr.OOM(args[0]))
		}
	}

	ctx.Rewrite = nil
	var out []byte
	apply := func() {
		before := ctx.Keyspace.Offset()
		out = spec.Handler(ctx, args, dst)
		after := ctx.Keyspace.Offset()
		if spec.IsWrite && after != before && ctx.Admin != nil {
			propagated := args
			if ctx.Rewrite != nil {
				propagated = ctx.Rewrite
			}
			ctx.Admin.Propagate(ctx.Conn.DBIndex, propagated)
		}
	}
	if spec.IsWrite && !ctx.InExec {
		// Writes mutate and propagate under the keyspace serializer, so
		// the stream order equals the commit order, an in-flight EXEC
		// cannot be interleaved, and a snapshot cut under the same lock
		// matches the stream offset exactly.
		ctx.Keyspace.WithSerializer(apply)
	} else {
		apply()
	}
	return out
}
