package command

import (
	"strconv"
	"strings"

	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerAdminCommands(r *Registry) {
	r.register(&Spec{Name: "SAVE", Arity: 1, Handler: cmdSave})
	r.register(&Spec{Name: "BGSAVE", Arity: -1, Handler: cmdBGSave})
	r.register(&Spec{Name: "BGREWRITEAOF", Arity: 1, Handler: cmdBGRewriteAOF})
	r.register(&Spec{Name: "LASTSAVE", Arity: 1, Handler: cmdLastSave})
	r.register(&Spec{Name: "REPLICAOF", Arity: 3, Handler: cmdReplicaOf})
	r.register(&Spec{Name: "SLAVEOF", Arity: 3, Handler: cmdReplicaOf})
	r.register(&Spec{Name: "ROLE", Arity: 1, Handler: cmdRole})
	r.register(&Spec{Name: "WAIT", Arity: 3, Handler: cmdWait})
	r.register(&Spec{Name: "TIME", Arity: 1, Handler: cmdTime})
	r.register(&Spec{Name: "SHUTDOWN", Arity: -1, Handler: cmdShutdown})
	r.register(&Spec{Name: "CONFIG", Arity: -2, Handler: cmdConfig})
	// REPLCONF is registered here; PSYNC is not, because the connection
	// layer intercepts it before dispatch: its reply is a snapshot
	// payload plus a takeover of the socket, which no ordinary handler
	// can express.
	r.register(&Spec{Name: "REPLCONF", Arity: -1, Handler: cmdReplConf})
}

func cmdSave(ctx *Context, args []string, dst []byte) []byte {
	if err := ctx.Admin.Save(); err != nil {
		return AppendErr(dst, err)
	}
	return resp.AppendSimpleString(dst, "OK")
}

func cmdBGSave(ctx *Context, args []string, dst []byte) []byte {
	if err := ctx.Admin.BGSave(); err != nil {
		return AppendErr(dst, err)
	}
	return resp.AppendSimpleString(dst, "Background saving started")
}

func cmdBGRewriteAOF(ctx *Context, args []string, dst []byte) []byte {
	if err := ctx.Admin.BGRewriteAOF(); err != nil {
		return AppendErr(dst, err)
	}
	return resp.AppendSimpleString(dst, "Background append only file rewriting started")
}

func cmdLastSave(ctx *Context, args []string, dst []byte) []byte {
	return resp.AppendInteger(dst, ctx.Admin.LastSaveUnix())
}

func cmdReplicaOf(ctx *Context, args []string, dst []byte) []byte {
	if err := ctx.Admin.ReplicaOf(args[1], args[2]); err != nil {
		return AppendErr(dst, err)
	}
	return resp.AppendSimpleString(dst, "OK")
}

func cmdRole(ctx *Context, args []string, dst []byte) []byte {
	st := ctx.Admin.Replication()
	if st.Role == "master" {
		dst = resp.AppendArrayHeader(dst, 3)
		dst = resp.AppendBulkString(dst, []byte("master"))
		dst = resp.AppendInteger(dst, st.Offset)
		dst = resp.AppendArrayHeader(dst, len(st.Followers))
		for _, f := range st.Followers {
			host, port := splitHostPort(f.Addr)
			dst = resp.AppendArrayHeader(dst, 3)
			dst = resp.AppendBulkString(dst, []byte(host))
			dst = resp.AppendBulkString(dst, []byte(port))
			dst = resp.AppendBulkString(dst, []byte(strconv.FormatInt(f.AckOffset, 10)))
		}
		return dst
	}
	dst = resp.AppendArrayHeader(dst, 5)
	dst = resp.AppendBulkString(dst, []byte("slave"))
	dst = resp.AppendBulkString(dst, []byte(st.LeaderHost))
	dst = resp.AppendInteger(dst, int64(st.LeaderPort))
	dst = resp.AppendBulkString(dst, []byte(st.LinkStatus))
	dst = resp.AppendInteger(dst, st.Offset)
	return dst
}

func splitHostPort(addr string) (string, string) {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}

func cmdWait(ctx *Context, args []string, dst []byte) []byte {
	numReplicas, err1 := strconv.Atoi(args[1])
	timeoutMs, err2 := strconv.ParseInt(args[2], 10, 64)
	if err1 != nil || err2 != nil || numReplicas < 0 || timeoutMs < 0 {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	// The connection's done channel cancels the wait on disconnect, the
	// same way blocking pops deregister their waiters.
	return resp.AppendInteger(dst, int64(ctx.Admin.WaitForAcks(numReplicas, timeoutMs, ctx.Conn.Done)))
}

func cmdTime(ctx *Context, args []string, dst []byte) []byte {
	ms := ctx.Clock.NowMillis()
	dst = resp.AppendArrayHeader(dst, 2)
	dst = resp.AppendBulkString(dst, []byte(strconv.FormatInt(ms/1000, 10)))
	dst = resp.AppendBulkString(dst, []byte(strconv.FormatInt((ms%1000)*1000, 10)))
	return dst
}

func cmdShutdown(ctx *Context, args []string, dst []byte) []byte {
	save := true
	if len(args) == 2 {
		switch strings.ToUpper(args[1]) {
		case "NOSAVE":
			save = false
		case "SAVE":
		default:
			return resp.AppendError(dst, "ERR syntax error")
		}
	}
	ctx.Admin.Shutdown(save)
	// Unreached when Shutdown exits the process; reached only with an
	// Admin whose Shutdown returns.
	return resp.AppendSimpleString(dst, "OK")
}

func cmdConfig(ctx *Context, args []string, dst []byte) []byte {
	switch strings.ToUpper(args[1]) {
	case "GET":
		if len(args) != 3 {
			return resp.AppendError(dst, "ERR wrong number of arguments for 'config|get' command")
		}
		val, ok := ctx.Admin.ConfigGet(strings.ToLower(args[2]))
		if !ok {
			return resp.AppendArrayHeader(dst, 0)
		}
		dst = resp.AppendArrayHeader(dst, 2)
		dst = resp.AppendBulkString(dst, []byte(strings.ToLower(args[2])))
		return resp.AppendBulkString(dst, []byte(val))
	case "SET":
		if len(args) != 4 {
			return resp.AppendError(dst, "ERR wrong number of arguments for 'config|set' command")
		}
		if err := ctx.Admin.ConfigSet(strings.ToLower(args[2]), args[3]); err != nil {
			return AppendErr(dst, err)
		}
		return resp.AppendSimpleString(dst, "OK")
	case "RESETSTAT", "REWRITE":
		return resp.AppendSimpleString(dst, "OK")
	default:
		return resp.AppendError(dst, "ERR Unknown CONFIG subcommand or wrong number of arguments for '"+args[1]+"'")
	}
}

// cmdReplConf acknowledges the handshake options a follower sends before
// PSYNC. REPLCONF ACK frames arrive on an established replication link
// and are consumed there, not here.
func cmdReplConf(ctx *Context, args []string, dst []byte) []byte {
	if len(args) >= 2 && strings.EqualFold(args[1], "GETACK") {
		st := ctx.Admin.Replication()
		dst = resp.AppendArrayHeader(dst, 3)
		dst = resp.AppendBulkString(dst, []byte("REPLCONF"))
		dst = resp.AppendBulkString(dst, []byte("ACK"))
		return resp.AppendBulkString(dst, []byte(strconv.FormatInt(st.Offset, 10)))
	}
	return resp.AppendSimpleString(dst, "OK")
}
