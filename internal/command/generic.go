package command

import (
	"path/filepath"
	"strconv"

	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerGenericCommands(r *Registry) {
	r.register(&Spec{Name: "DEL", Arity: -2, IsWrite: true, Handler: cmdDel})
	r.register(&Spec{Name: "UNLINK", Arity: -2, IsWrite: true, Handler: cmdDel})
	r.register(&Spec{Name: "EXISTS", Arity: -2, Handler: cmdExists})
	r.register(&Spec{Name: "TYPE", Arity: 2, Handler: cmdType})
	r.register(&Spec{Name: "EXPIRE", Arity: -3, IsWrite: true, Handler: cmdExpire})
	r.register(&Spec{Name: "PEXPIRE", Arity: -3, IsWrite: true, Handler: cmdPExpire})
	r.register(&Spec{Name: "EXPIREAT", Arity: -3, IsWrite: true, Handler: cmdExpireAt})
	r.register(&Spec{Name: "PEXPIREAT", Arity: -3, IsWrite: true, Handler: cmdPExpireAt})
	r.register(&Spec{Name: "TTL", Arity: 2, Handler: cmdTTL})
	r.register(&Spec{Name: "PTTL", Arity: 2, Handler: cmdPTTL})
	r.register(&Spec{Name: "PERSIST", Arity: 2, IsWrite: true, Handler: cmdPersist})
	r.register(&Spec{Name: "KEYS", Arity: 2, Handler: cmdKeys})
	r.register(&Spec{Name: "SCAN", Arity: -2, Handler: cmdScan})
	r.register(&Spec{Name: "RENAME", Arity: 3, IsWrite: true, Handler: cmdRename})
	r.register(&Spec{Name: "RENAMENX", Arity: 3, IsWrite: true, Handler: cmdRenameNX})
	r.register(&Spec{Name: "RANDOMKEY", Arity: 1, Handler: cmdRandomKey})
	r.register(&Spec{Name: "TOUCH", Arity: -2, Handler: cmdTouch})
	r.register(&Spec{Name: "DBSIZE", Arity: 1, Handler: cmdDBSize})
	r.register(&Spec{Name: "FLUSHDB", Arity: -1, IsWrite: true, Handler: cmdFlushDB})
	r.register(&Spec{Name: "FLUSHALL", Arity: -1, IsWrite: true, Handler: cmdFlushAll})
}

func cmdDel(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	n := 0
	for _, k := range args[1:] {
		if db.Exists(k) && db.Delete(k) {
			n++
		}
	}
	if n > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(n))
}

func cmdExists(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	n := 0
	for _, k := range args[1:] {
		if db.Exists(k) {
			n++
		}
	}
	return resp.AppendInteger(dst, int64(n))
}

func cmdType(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendSimpleString(dst, "none")
	}
	return resp.AppendSimpleString(dst, e.Value.Kind().String())
}

func parseExpireArgs(args []string) (int64, error) {
	return strconv.ParseInt(args[2], 10, 64)
}

// expireToDeadline applies an absolute deadline to args[1] and, when the
// key existed, propagates the canonical PEXPIREAT form.
func expireToDeadline(ctx *Context, args []string, deadline int64, dst []byte) []byte {
	ok := ctx.DB().Expire(args[1], deadline)
	if ok {
		ctx.Keyspace.Advance()
		ctx.Rewrite = []string{"PEXPIREAT", args[1], strconv.FormatInt(deadline, 10)}
		return resp.AppendInteger(dst, 1)
	}
	return resp.AppendInteger(dst, 0)
}

func cmdExpire(ctx *Context, args []string, dst []byte) []byte {
	secs, err := parseExpireArgs(args)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	return expireToDeadline(ctx, args, ctx.Clock.NowMillis()+secs*1000, dst)
}

func cmdPExpire(ctx *Context, args []string, dst []byte) []byte {
	ms, err := parseExpireArgs(args)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	return expireToDeadline(ctx, args, ctx.Clock.NowMillis()+ms, dst)
}

func cmdExpireAt(ctx *Context, args []string, dst []byte) []byte {
	secs, err := parseExpireArgs(args)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	return expireToDeadline(ctx, args, secs*1000, dst)
}

func cmdPExpireAt(ctx *Context, args []string, dst []byte) []byte {
	ms, err := parseExpireArgs(args)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	ok := ctx.DB().Expire(args[1], ms)
	if ok {
		ctx.Keyspace.Advance()
		return resp.AppendInteger(dst, 1)
	}
	return resp.AppendInteger(dst, 0)
}

func cmdTTL(ctx *Context, args []string, dst []byte) []byte {
	ms := ctx.DB().TTLMillis(args[1])
	if ms < 0 {
		return resp.AppendInteger(dst, ms)
	}
	return resp.AppendInteger(dst, (ms+999)/1000)
}

func cmdPTTL(ctx *Context, args []string, dst []byte) []byte {
	return resp.AppendInteger(dst, ctx.DB().TTLMillis(args[1]))
}

func cmdPersist(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	e, ok := db.Get(args[1])
	if !ok || e.ExpiresAt == 0 {
		return resp.AppendInteger(dst, 0)
	}
	db.Expire(args[1], 0)
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, 1)
}

func cmdKeys(ctx *Context, args []string, dst []byte) []byte {
	pattern := args[1]
	keys := ctx.DB().Keys()

	matched := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if pattern == "*" {
			matched = append(matched, []byte(k))
			continue
		}
		if ok, _ := filepath.Match(pattern, k); ok {
			matched = append(matched, []byte(k))
		}
	}
	dst = resp.AppendArrayHeader(dst, len(matched))
	for _, k := range matched {
		dst = resp.AppendBulkString(dst, k)
	}
	return dst
}

func cmdScan(ctx *Context, args []string, dst []byte) []byte {
	cur, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return resp.AppendError(dst, "ERR invalid cursor")
	}
	count := 10
	var pattern string
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "COUNT":
			if i+1 >= len(args) {
				return resp.AppendError(dst, "ERR syntax error")
			}
			c, cerr := strconv.Atoi(args[i+1])
			if cerr != nil {
				return resp.AppendError(dst, "ERR value is not an integer or out of range")
			}
			count = c
			i++
		case "MATCH":
			if i+1 >= len(args) {
				return resp.AppendError(dst, "ERR syntax error")
			}
			pattern = args[i+1]
			i++
		}
	}

	var match func(string) bool
	if pattern != "" {
		match = func(k string) bool {
			ok, _ := filepath.Match(pattern, k)
			return ok
		}
	}

	keys, next := ctx.DB().Scan(cur, count, match)
	dst = resp.AppendArrayHeader(dst, 2)
	dst = resp.AppendBulkString(dst, []byte(strconv.FormatUint(next, 10)))
	dst = resp.AppendArrayHeader(dst, len(keys))
	for _, k := range keys {
		dst = resp.AppendBulkString(dst, []byte(k))
	}
	return dst
}

func cmdRename(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	e, ok := db.Get(args[1])
	if !ok {
		return resp.AppendError(dst, "ERR no such key")
	}
	db.Set(args[2], e.Value, e.ExpiresAt)
	db.Delete(args[1])
	ctx.Keyspace.Advance()
	return resp.AppendSimpleString(dst, "OK")
}

func cmdRenameNX(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	if db.Exists(args[2]) {
		return resp.AppendInteger(dst, 0)
	}
	e, ok := db.Get(args[1])
	if !ok {
		return resp.AppendError(dst, "ERR no such key")
	}
	db.Set(args[2], e.Value, e.ExpiresAt)
	db.Delete(args[1])
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, 1)
}

func cmdRandomKey(ctx *Context, args []string, dst []byte) []byte {
	k := ctx.DB().RandomKey()
	if k == "" {
		return resp.AppendBulkString(dst, nil)
	}
	return resp.AppendBulkString(dst, []byte(k))
}

func cmdTouch(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	n := 0
	for _, k := range args[1:] {
		if db.Exists(k) {
			n++
		}
	}
	return resp.AppendInteger(dst, int64(n))
}

func cmdDBSize(ctx *Context, args []string, dst []byte) []byte {
	return resp.AppendInteger(dst, int64(ctx.DB().Size()))
}

func cmdFlushDB(ctx *Context, args []string, dst []byte) []byte {
	ctx.DB().Flush()
	ctx.Keyspace.Advance()
	return resp.AppendSimpleString(dst, "OK")
}

func cmdFlushAll(ctx *Context, args []string, dst []byte) []byte {
	ctx.Keyspace.FlushAll()
	ctx.Keyspace.Advance()
	return resp.AppendSimpleString(dst, "OK")
}
