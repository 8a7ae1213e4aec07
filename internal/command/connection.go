package command

import (
	"strconv"
	"strings"

	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerConnectionCommands(r *Registry) {
	r.register(&Spec{Name: "PING", Arity: -1, Handler: cmdPing})
	r.register(&Spec{Name: "ECHO", Arity: 2, Handler: cmdEcho})
	r.register(&Spec{Name: "SELECT", Arity: 2, Handler: cmdSelect})
	r.register(&Spec{Name: "AUTH", Arity: -2, Handler: cmdAuth})
	r.register(&Spec{Name: "CLIENT", Arity: -2, Handler: cmdClient})
	r.register(&Spec{Name: "QUIT", Arity: 1, Handler: cmdQuit})
}

func cmdPing(ctx *Context, args []string, dst []byte) []byte {
	if len(args) == 2 {
		return resp.AppendBulkString(dst, []byte(args[1]))
	}
	return resp.AppendSimpleString(dst, "PONG")
}

func cmdEcho(ctx *Context, args []string, dst []byte) []byte {
	return resp.AppendBulkString(dst, []byte(args[1]))
}

func cmdSelect(ctx *Context, args []string, dst []byte) []byte {
	idx, err := strconv.Atoi(args[1])
	if err != nil || idx < 0 || idx >= ctx.Keyspace.Count() {
		return resp.AppendError(dst, "ERR DB index is out of range")
	}
	ctx.Conn.DBIndex = idx
	return resp.AppendSimpleString(dst, "OK")
}

func cmdAuth(ctx *Context, args []string, dst []byte) []byte {
	if ctx.RequirePass == "" {
		return AppendErr(dst, protoerr.New(protoerr.KindErr, "Client sent AUTH, but no password is set. Did you mean AUTH <username> <password>?"))
	}
	pass := args[1]
	if len(args) == 3 {
		pass = args[2]
	}
	if pass != ctx.RequirePass {
		return AppendErr(dst, protoerr.New(protoerr.KindErr, "invalid password"))
	}
	ctx.Conn.Authenticated = true
	return resp.AppendSimpleString(dst, "OK")
}

func cmdClient(ctx *Context, args []string, dst []byte) []byte {
	sub := strings.ToUpper(args[1])
	switch sub {
	case "GETNAME":
		return resp.AppendBulkString(dst, []byte(ctx.Conn.Name))
	case "SETNAME":
		if len(args) != 3 {
			return resp.AppendError(dst, "ERR wrong number of arguments for 'client|setname' command")
		}
		ctx.Conn.Name = args[2]
		return resp.AppendSimpleString(dst, "OK")
	case "ID":
		return resp.AppendInteger(dst, int64(ctx.Conn.ID))
	case "LIST":
		out := ctx.Admin.ClientList()
		var sb strings.Builder
		for _, l := range out {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
		return resp.AppendBulkString(dst, []byte(sb.String()))
	default:
		return resp.AppendError(dst, "ERR Unknown CLIENT subcommand or wrong number of arguments for '"+args[1]+"'")
	}
}

func cmdQuit(ctx *Context, args []string, dst []byte) []byte {
	return resp.AppendSimpleString(dst, "OK")
}
