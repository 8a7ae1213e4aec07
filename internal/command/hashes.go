package command

import (
	"strconv"

	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerHashCommands(r *Registry) {
	r.register(&Spec{Name: "HSET", Arity: -4, IsWrite: true, Handler: cmdHSet})
	r.register(&Spec{Name: "HSETNX", Arity: 4, IsWrite: true, Handler: cmdHSetNX})
	r.register(&Spec{Name: "HGET", Arity: 3, Handler: cmdHGet})
	r.register(&Spec{Name: "HMGET", Arity: -3, Handler: cmdHMGet})
	r.register(&Spec{Name: "HMSET", Arity: -4, IsWrite: true, Handler: cmdHMSet})
	r.register(&Spec{Name: "HDEL", Arity: -3, IsWrite: true, Handler: cmdHDel})
	r.register(&Spec{Name: "HEXISTS", Arity: 3, Handler: cmdHExists})
	r.register(&Spec{Name: "HGETALL", Arity: 2, Handler: cmdHGetAll})
	r.register(&Spec{Name: "HKEYS", Arity: 2, Handler: cmdHKeys})
	r.register(&Spec{Name: "HVALS", Arity: 2, Handler: cmdHVals})
	r.register(&Spec{Name: "HLEN", Arity: 2, Handler: cmdHLen})
	r.register(&Spec{Name: "HINCRBY", Arity: 4, IsWrite: true, Handler: cmdHIncrBy})
	r.register(&Spec{Name: "HSCAN", Arity: -3, Handler: cmdHScan})
}

func asHash(v keyspace.Value) (*keyspace.HashValue, bool) {
	h, ok := v.(*keyspace.HashValue)
	return h, ok
}

func cmdHSet(ctx *Context, args []string, dst []byte) []byte {
	if (len(args)-2)%2 != 0 {
		return resp.AppendError(dst, "ERR wrong number of arguments for 'hset' command")
	}
	var added int
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewHashValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		hv, ok := asHash(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for i := 2; i < len(args); i += 2 {
			if _, exists := hv.Fields[args[i]]; !exists {
				added++
			}
			hv.Fields[args[i]] = []byte(args[i+1])
		}
		return false, nil
	})
	if err != nil {
		return AppendErr(dst, err)
	}
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, int64(added))
}

func cmdHSetNX(ctx *Context, args []string, dst []byte) []byte {
	var set bool
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewHashValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		hv, ok := asHash(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		if _, exists := hv.Fields[args[2]]; exists {
			return false, errNoMutation
		}
		hv.Fields[args[2]] = []byte(args[3])
		set = true
		return false, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if set {
		ctx.Keyspace.Advance()
		return resp.AppendInteger(dst, 1)
	}
	return resp.AppendInteger(dst, 0)
}

func cmdHGet(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	v, ok := hv.Fields[args[2]]
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	return resp.AppendBulkString(dst, v)
}

func cmdHMGet(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	dst = resp.AppendArrayHeader(dst, len(args)-2)
	if !ok {
		for range args[2:] {
			dst = resp.AppendBulkString(dst, nil)
		}
		return dst
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	for _, f := range args[2:] {
		dst = resp.AppendBulkString(dst, hv.Fields[f])
	}
	return dst
}

func cmdHMSet(ctx *Context, args []string, dst []byte) []byte {
	out := cmdHSet(ctx, args, nil)
	if len(out) > 0 && out[0] == '-' {
		return append(dst, out...)
	}
	return resp.AppendSimpleString(dst, "OK")
}

func cmdHDel(ctx *Context, args []string, dst []byte) []byte {
	var removed int
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewHashValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		hv, ok := asHash(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for _, f := range args[2:] {
			if _, exists := hv.Fields[f]; exists {
				delete(hv.Fields, f)
				removed++
			}
		}
		if removed == 0 {
			return false, errNoMutation
		}
		return len(hv.Fields) == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if removed > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(removed))
}

func cmdHExists(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	if _, exists := hv.Fields[args[2]]; exists {
		return resp.AppendInteger(dst, 1)
	}
	return resp.AppendInteger(dst, 0)
}

func cmdHGetAll(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	dst = resp.AppendArrayHeader(dst, len(hv.Fields)*2)
	for k, v := range hv.Fields {
		dst = resp.AppendBulkString(dst, []byte(k))
		dst = resp.AppendBulkString(dst, v)
	}
	return dst
}

func cmdHKeys(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	dst = resp.AppendArrayHeader(dst, len(hv.Fields))
	for k := range hv.Fields {
		dst = resp.AppendBulkString(dst, []byte(k))
	}
	return dst
}

func cmdHVals(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	dst = resp.AppendArrayHeader(dst, len(hv.Fields))
	for _, v := range hv.Fields {
		dst = resp.AppendBulkString(dst, v)
	}
	return dst
}

func cmdHLen(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendInteger(dst, int64(len(hv.Fields)))
}

func cmdHIncrBy(ctx *Context, args []string, dst []byte) []byte {
	delta, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	var result int64
	err = ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewHashValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		hv, ok := asHash(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		cur := int64(0)
		if raw, exists := hv.Fields[args[2]]; exists {
			v, perr := strconv.ParseInt(string(raw), 10, 64)
			if perr != nil {
				return false, protoerr.New(protoerr.KindErr, "hash value is not an integer")
			}
			cur = v
		}
		result = cur + delta
		hv.Fields[args[2]] = []byte(strconv.FormatInt(result, 10))
		return false, nil
	})
	if err != nil {
		return AppendErr(dst, err)
	}
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, result)
}

func cmdHScan(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return appendEmptyScanReply(dst)
	}
	hv, ok := asHash(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	fields := make([]string, 0, len(hv.Fields))
	values := make(map[string]string, len(hv.Fields))
	for f, v := range hv.Fields {
		fields = append(fields, f)
		values[f] = string(v)
	}
	return collectionScanReply(args, fields, values, dst)
}
