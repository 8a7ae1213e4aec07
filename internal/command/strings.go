package command

import (
	"strconv"
	"strings"

	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerStringCommands(r *Registry) {
	r.register(&Spec{Name: "GET", Arity: 2, Handler: cmdGet})
	r.register(&Spec{Name: "SET", Arity: -3, IsWrite: true, Handler: cmdSet})
	r.register(&Spec{Name: "SETNX", Arity: 3, IsWrite: true, Handler: cmdSetNX})
	r.register(&Spec{Name: "SETEX", Arity: 4, IsWrite: true, Handler: cmdSetEX})
	r.register(&Spec{Name: "PSETEX", Arity: 4, IsWrite: true, Handler: cmdPSetEX})
	r.register(&Spec{Name: "GETSET", Arity: 3, IsWrite: true, Handler: cmdGetSet})
	r.register(&Spec{Name: "GETDEL", Arity: 2, IsWrite: true, Handler: cmdGetDel})
	r.register(&Spec{Name: "APPEND", Arity: 3, IsWrite: true, Handler: cmdAppend})
	r.register(&Spec{Name: "STRLEN", Arity: 2, Handler: cmdStrlen})
	r.register(&Spec{Name: "INCR", Arity: 2, IsWrite: true, Handler: cmdIncr})
	r.register(&Spec{Name: "DECR", Arity: 2, IsWrite: true, Handler: cmdDecr})
	r.register(&Spec{Name: "INCRBY", Arity: 3, IsWrite: true, Handler: cmdIncrBy})
	r.register(&Spec{Name: "DECRBY", Arity: 3, IsWrite: true, Handler: cmdDecrBy})
	r.register(&Spec{Name: "INCRBYFLOAT", Arity: 3, IsWrite: true, Handler: cmdIncrByFloat})
	r.register(&Spec{Name: "GETEX", Arity: -2, IsWrite: true, Handler: cmdGetEx})
	r.register(&Spec{Name: "GETRANGE", Arity: 4, Handler: cmdGetRange})
	r.register(&Spec{Name: "SETRANGE", Arity: 4, IsWrite: true, Handler: cmdSetRange})
	r.register(&Spec{Name: "MGET", Arity: -2, Handler: cmdMGet})
	r.register(&Spec{Name: "MSET", Arity: -3, IsWrite: true, Handler: cmdMSet})
	r.register(&Spec{Name: "MSETNX", Arity: -3, IsWrite: true, Handler: cmdMSetNX})
}

func asString(v keyspace.Value) (*keyspace.StringValue, bool) {
	s, ok := v.(*keyspace.StringValue)
	return s, ok
}

func cmdGet(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	sv, ok := asString(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendBulkString(dst, sv.Data)
}

func cmdSet(ctx *Context, args []string, dst []byte) []byte {
	key, val := args[1], []byte(args[2])

	var (
		expiresAt  int64
		nx, xx     bool
		keepTTL    bool
		getOld     bool
		haveTTLOpt bool
	)

	for i := 3; i < len(args); i++ {
		opt := strings.ToUpper(args[i])
		switch opt {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "KEEPTTL":
			keepTTL = true
		case "GET":
			getOld = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return resp.AppendError(dst, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return resp.AppendError(dst, "ERR value is not an integer or out of range")
			}
			if opt == "EX" {
				n *= 1000
			}
			expiresAt = ctx.Clock.NowMillis() + n
			haveTTLOpt = true
			i++
		case "EXAT", "PXAT":
			if i+1 >= len(args) {
				return resp.AppendError(dst, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return resp.AppendError(dst, "ERR value is not an integer or out of range")
			}
			if opt == "EXAT" {
				n *= 1000
			}
			expiresAt = n
			haveTTLOpt = true
			i++
		default:
			return resp.AppendError(dst, "ERR syntax error")
		}
	}
	if nx && xx {
		return resp.AppendError(dst, "ERR syntax error")
	}

	db := ctx.DB()
	e, exists := db.Get(key)
	if nx && exists {
		if getOld {
			return replyOldStringOrNil(dst, e)
		}
		return resp.AppendBulkString(dst, nil)
	}
	if xx && !exists {
		if getOld {
			return resp.AppendBulkString(dst, nil)
		}
		return resp.AppendBulkString(dst, nil)
	}
	if getOld && exists {
		if _, ok := asString(e.Value); !ok {
			return AppendErr(dst, protoerr.WrongType())
		}
	}

	var oldReply []byte
	if getOld {
		oldReply = replyOldStringOrNil(nil, e)
	}

	finalExpiry := expiresAt
	if keepTTL && exists && !haveTTLOpt {
		finalExpiry = e.ExpiresAt
	}
	db.Set(key, &keyspace.StringValue{Data: val}, finalExpiry)
	ctx.Keyspace.Advance()

	if haveTTLOpt {
		// Relative TTLs replay nondeterministically; log and propagate
		// the absolute form instead.
		ctx.Rewrite = []string{"SET", key, string(val), "PXAT", strconv.FormatInt(finalExpiry, 10)}
	}

	if getOld {
		return append(dst, oldReply...)
	}
	return resp.AppendSimpleString(dst, "OK")
}

func replyOldStringOrNil(dst []byte, e *keyspace.KeyEntry) []byte {
	if e == nil {
		return resp.AppendBulkString(dst, nil)
	}
	sv, ok := asString(e.Value)
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	return resp.AppendBulkString(dst, sv.Data)
}

func cmdSetNX(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	if db.Exists(args[1]) {
		return resp.AppendInteger(dst, 0)
	}
	db.Set(args[1], &keyspace.StringValue{Data: []byte(args[2])}, 0)
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, 1)
}

func setWithTTLMillis(ctx *Context, key, val string, ms int64) {
	deadline := ctx.Clock.NowMillis() + ms
	ctx.DB().Set(key, &keyspace.StringValue{Data: []byte(val)}, deadline)
	ctx.Keyspace.Advance()
	ctx.Rewrite = []string{"SET", key, val, "PXAT", strconv.FormatInt(deadline, 10)}
}

func cmdSetEX(ctx *Context, args []string, dst []byte) []byte {
	secs, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || secs <= 0 {
		return resp.AppendError(dst, "ERR invalid expire time in 'setex' command")
	}
	setWithTTLMillis(ctx, args[1], args[3], secs*1000)
	return resp.AppendSimpleString(dst, "OK")
}

func cmdPSetEX(ctx *Context, args []string, dst []byte) []byte {
	ms, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || ms <= 0 {
		return resp.AppendError(dst, "ERR invalid expire time in 'psetex' command")
	}
	setWithTTLMillis(ctx, args[1], args[3], ms)
	return resp.AppendSimpleString(dst, "OK")
}

func cmdGetSet(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	e, exists := db.Get(args[1])
	var out []byte
	if !exists {
		out = resp.AppendBulkString(nil, nil)
	} else {
		sv, ok := asString(e.Value)
		if !ok {
			return AppendErr(dst, protoerr.WrongType())
		}
		out = resp.AppendBulkString(nil, sv.Data)
	}
	db.Set(args[1], &keyspace.StringValue{Data: []byte(args[2])}, 0)
	ctx.Keyspace.Advance()
	return append(dst, out...)
}

func cmdGetDel(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	e, exists := db.Get(args[1])
	if !exists {
		return resp.AppendBulkString(dst, nil)
	}
	sv, ok := asString(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	db.Delete(args[1])
	ctx.Keyspace.Advance()
	return resp.AppendBulkString(dst, sv.Data)
}

func cmdAppend(ctx *Context, args []string, dst []byte) []byte {
	var newLen int
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return &keyspace.StringValue{} }, func(e *keyspace.KeyEntry) (bool, error) {
		sv, ok := asString(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		sv.Data = append(sv.Data, args[2]...)
		newLen = len(sv.Data)
		return false, nil
	})
	if err != nil {
		return AppendErr(dst, err)
	}
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, int64(newLen))
}

func cmdStrlen(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	sv, ok := asString(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendInteger(dst, int64(len(sv.Data)))
}

func incrByHelper(ctx *Context, key string, delta int64, dst []byte) []byte {
	var result int64
	err := ctx.DB().Mutate(key, func() keyspace.Value { return &keyspace.StringValue{Data: []byte("0")} }, func(e *keyspace.KeyEntry) (bool, error) {
		sv, ok := asString(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		cur, perr := strconv.ParseInt(string(sv.Data), 10, 64)
		if perr != nil {
			return false, protoerr.New(protoerr.KindErr, "value is not an integer or out of range")
		}
		result = cur + delta
		sv.Data = []byte(strconv.FormatInt(result, 10))
		return false, nil
	})
	if err != nil {
		return AppendErr(dst, err)
	}
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, result)
}

func cmdIncr(ctx *Context, args []string, dst []byte) []byte   { return incrByHelper(ctx, args[1], 1, dst) }
func cmdDecr(ctx *Context, args []string, dst []byte) []byte   { return incrByHelper(ctx, args[1], -1, dst) }

func cmdIncrBy(ctx *Context, args []string, dst []byte) []byte {
	n, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	return incrByHelper(ctx, args[1], n, dst)
}

func cmdDecrBy(ctx *Context, args []string, dst []byte) []byte {
	n, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	return incrByHelper(ctx, args[1], -n, dst)
}

func cmdIncrByFloat(ctx *Context, args []string, dst []byte) []byte {
	delta, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not a valid float")
	}
	var result float64
	merr := ctx.DB().Mutate(args[1], func() keyspace.Value { return &keyspace.StringValue{Data: []byte("0")} }, func(e *keyspace.KeyEntry) (bool, error) {
		sv, ok := asString(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		cur, perr := strconv.ParseFloat(string(sv.Data), 64)
		if perr != nil {
			return false, protoerr.New(protoerr.KindErr, "value is not a valid float")
		}
		result = cur + delta
		sv.Data = []byte(strconv.FormatFloat(result, 'f', -1, 64))
		return false, nil
	})
	if merr != nil {
		return AppendErr(dst, merr)
	}
	ctx.Keyspace.Advance()
	formatted := strconv.FormatFloat(result, 'f', -1, 64)
	// Float formatting must not diverge between leader and replay.
	ctx.Rewrite = []string{"SET", args[1], formatted}
	return resp.AppendBulkString(dst, []byte(formatted))
}

func cmdGetEx(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	e, ok := db.Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	sv, isStr := asString(e.Value)
	if !isStr {
		return AppendErr(dst, protoerr.WrongType())
	}

	data := sv.Data
	if len(args) == 2 {
		return resp.AppendBulkString(dst, data)
	}

	opt := strings.ToUpper(args[2])
	switch opt {
	case "PERSIST":
		if len(args) != 3 {
			return resp.AppendError(dst, "ERR syntax error")
		}
		if e.ExpiresAt != 0 {
			db.Expire(args[1], 0)
			ctx.Keyspace.Advance()
			ctx.Rewrite = []string{"PERSIST", args[1]}
		}
	case "EX", "PX", "EXAT", "PXAT":
		if len(args) != 4 {
			return resp.AppendError(dst, "ERR syntax error")
		}
		n, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return resp.AppendError(dst, "ERR value is not an integer or out of range")
		}
		var deadline int64
		switch opt {
		case "EX":
			deadline = ctx.Clock.NowMillis() + n*1000
		case "PX":
			deadline = ctx.Clock.NowMillis() + n
		case "EXAT":
			deadline = n * 1000
		case "PXAT":
			deadline = n
		}
		db.Expire(args[1], deadline)
		ctx.Keyspace.Advance()
		ctx.Rewrite = []string{"PEXPIREAT", args[1], strconv.FormatInt(deadline, 10)}
	default:
		return resp.AppendError(dst, "ERR syntax error")
	}
	return resp.AppendBulkString(dst, data)
}

func cmdGetRange(ctx *Context, args []string, dst []byte) []byte {
	start, err1 := strconv.Atoi(args[2])
	end, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, []byte{})
	}
	sv, isStr := asString(e.Value)
	if !isStr {
		return AppendErr(dst, protoerr.WrongType())
	}
	n := len(sv.Data)
	if start < 0 {
		start = n + start
	}
	if end < 0 {
		end = n + end
	}
	if start < 0 {
		start = 0
	}
	if end >= n {
		end = n - 1
	}
	if n == 0 || start > end || start >= n {
		return resp.AppendBulkString(dst, []byte{})
	}
	return resp.AppendBulkString(dst, sv.Data[start:end+1])
}

func cmdSetRange(ctx *Context, args []string, dst []byte) []byte {
	offset, err := strconv.Atoi(args[2])
	if err != nil || offset < 0 {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	patch := []byte(args[3])
	var newLen int
	merr := ctx.DB().Mutate(args[1], func() keyspace.Value { return &keyspace.StringValue{} }, func(e *keyspace.KeyEntry) (bool, error) {
		sv, ok := asString(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		if need := offset + len(patch); need > len(sv.Data) {
			grown := make([]byte, need)
			copy(grown, sv.Data)
			sv.Data = grown
		}
		copy(sv.Data[offset:], patch)
		newLen = len(sv.Data)
		return false, nil
	})
	if merr != nil {
		return AppendErr(dst, merr)
	}
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, int64(newLen))
}

func cmdMGet(ctx *Context, args []string, dst []byte) []byte {
	db := ctx.DB()
	dst = resp.AppendArrayHeader(dst, len(args)-1)
	for _, k := range args[1:] {
		e, ok := db.Get(k)
		if !ok {
			dst = resp.AppendBulkString(dst, nil)
			continue
		}
		sv, ok := asString(e.Value)
		if !ok {
			dst = resp.AppendBulkString(dst, nil)
			continue
		}
		dst = resp.AppendBulkString(dst, sv.Data)
	}
	return dst
}

func cmdMSet(ctx *Context, args []string, dst []byte) []byte {
	if (len(args)-1)%2 != 0 {
		return resp.AppendError(dst, "ERR wrong number of arguments for 'mset' command")
	}
	db := ctx.DB()
	for i := 1; i < len(args); i += 2 {
		db.Set(args[i], &keyspace.StringValue{Data: []byte(args[i+1])}, 0)
	}
	ctx.Keyspace.Advance()
	return resp.AppendSimpleString(dst, "OK")
}

func cmdMSetNX(ctx *Context, args []string, dst []byte) []byte {
	if (len(args)-1)%2 != 0 {
		return resp.AppendError(dst, "ERR wrong number of arguments for 'msetnx' command")
	}
	db := ctx.DB()
	for i := 1; i < len(args); i += 2 {
		if db.Exists(args[i]) {
			return resp.AppendInteger(dst, 0)
		}
	}
	for i := 1; i < len(args); i += 2 {
		db.Set(args[i], &keyspace.StringValue{Data: []byte(args[i+1])}, 0)
	}
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, 1)
}
