package command

import (
	"strings"

	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerTransactionCommands(r *Registry) {
	r.register(&Spec{Name: "MULTI", Arity: 1, Handler: cmdMulti})
	r.register(&Spec{Name: "EXEC", Arity: 1, Handler: cmdExec})
	r.register(&Spec{Name: "DISCARD", Arity: 1, Handler: cmdDiscard})
	r.register(&Spec{Name: "WATCH", Arity: -2, Handler: cmdWatch})
	r.register(&Spec{Name: "UNWATCH", Arity: 1, Handler: cmdUnwatch})
}

func cmdMulti(ctx *Context, args []string, dst []byte) []byte {
	if ctx.Conn.Txn.InMulti {
		return resp.AppendError(dst, "ERR MULTI calls can not be nested")
	}
	ctx.Conn.Txn.BeginMulti()
	return resp.AppendSimpleString(dst, "OK")
}

func cmdDiscard(ctx *Context, args []string, dst []byte) []byte {
	if !ctx.Conn.Txn.InMulti {
		return resp.AppendError(dst, "ERR DISCARD without MULTI")
	}
	ctx.Conn.Txn.Reset()
	ctx.Conn.Txn.Unwatch()
	return resp.AppendSimpleString(dst, "OK")
}

func cmdWatch(ctx *Context, args []string, dst []byte) []byte {
	if ctx.Conn.Txn.InMulti {
		return resp.AppendError(dst, "ERR WATCH inside MULTI is not allowed")
	}
	db := ctx.DB()
	for _, k := range args[1:] {
		version := uint64(0)
		if e, ok := db.Get(k); ok {
			version = e.Version
		}
		ctx.Conn.Txn.Watch(ctx.Conn.DBIndex, k, version)
	}
	return resp.AppendSimpleString(dst, "OK")
}

func cmdUnwatch(ctx *Context, args []string, dst []byte) []byte {
	ctx.Conn.Txn.Unwatch()
	return resp.AppendSimpleString(dst, "OK")
}

// cmdExec validates the watch set and applies the queued commands under
// the exclusive keyspace serializer, so no other effective write can
// land between the check and the last queued command. Per-command errors
// during the apply become elements of the reply array; only a poisoned
// queue aborts up front.
func cmdExec(ctx *Context, args []string, dst []byte) []byte {
	st := ctx.Conn.Txn
	if !st.InMulti {
		return resp.AppendError(dst, "ERR EXEC without MULTI")
	}
	if st.Poisoned {
		st.Reset()
		st.Unwatch()
		return AppendErr(dst, protoerr.ExecAbort("EXECABORT"))
	}

	queue := st.Queue
	st.Reset()

	var out []byte
	ctx.Keyspace.WithSerializer(func() {
		if !st.CheckWatches(ctx.Keyspace) {
			out = resp.AppendNullArray(dst)
			return
		}

		ctx.InExec = true
		defer func() { ctx.InExec = false }()

		out = resp.AppendArrayHeader(dst, len(queue))
		for _, qc := range queue {
			cmdArgs := append([]string{qc.Name}, qc.Args...)
			out = Dispatch(ctx.Registry, ctx, cmdArgs, out)
		}
	})
	st.Unwatch()
	return out
}

// ValidateQueueable is used by the connection layer while in MULTI: it
// checks the command exists and has acceptable arity before queueing,
// poisoning the transaction otherwise.
func ValidateQueueable(reg *Registry, args []string) error {
	if len(args) == 0 {
		return protoerr.New(protoerr.KindErr, "empty command")
	}
	spec, ok := reg.Lookup(args[0])
	if !ok {
		return protoerr.New(protoerr.KindErr, "unknown command '%s'", args[0])
	}
	if !spec.arityOK(len(args)) {
		return protoerr.New(protoerr.KindErr, "wrong number of arguments for '%s' command", strings.ToLower(args[0]))
	}
	return nil
}
