package command

import (
	"strconv"
	"time"

	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerListCommands(r *Registry) {
	r.register(&Spec{Name: "LPUSH", Arity: -3, IsWrite: true, Handler: cmdLPush})
	r.register(&Spec{Name: "RPUSH", Arity: -3, IsWrite: true, Handler: cmdRPush})
	r.register(&Spec{Name: "LPUSHX", Arity: -3, IsWrite: true, Handler: cmdLPushX})
	r.register(&Spec{Name: "RPUSHX", Arity: -3, IsWrite: true, Handler: cmdRPushX})
	r.register(&Spec{Name: "LPOP", Arity: -2, IsWrite: true, Handler: cmdLPop})
	r.register(&Spec{Name: "RPOP", Arity: -2, IsWrite: true, Handler: cmdRPop})
	r.register(&Spec{Name: "LLEN", Arity: 2, Handler: cmdLLen})
	r.register(&Spec{Name: "LRANGE", Arity: 4, Handler: cmdLRange})
	r.register(&Spec{Name: "LINDEX", Arity: 3, Handler: cmdLIndex})
	r.register(&Spec{Name: "LSET", Arity: 4, IsWrite: true, Handler: cmdLSet})
	r.register(&Spec{Name: "LTRIM", Arity: 4, IsWrite: true, Handler: cmdLTrim})
	r.register(&Spec{Name: "LREM", Arity: 4, IsWrite: true, Handler: cmdLRem})
	r.register(&Spec{Name: "LINSERT", Arity: 5, IsWrite: true, Handler: cmdLInsert})
	// BLPOP/BRPOP are not flagged IsWrite: they must not hold the shared
	// writer lock while blocked, so the handler takes it around the pop
	// attempt itself and propagates the canonical LPOP/RPOP by hand.
	r.register(&Spec{Name: "BLPOP", Arity: -3, Handler: cmdBLPop})
	r.register(&Spec{Name: "BRPOP", Arity: -3, Handler: cmdBRPop})
}

func asList(v keyspace.Value) (*keyspace.ListValue, bool) {
	l, ok := v.(*keyspace.ListValue)
	return l, ok
}

func pushHelper(ctx *Context, key string, vals []string, left bool, requireExisting bool, dst []byte) []byte {
	var newLen int
	var blocked bool
	err := ctx.DB().Mutate(key, func() keyspace.Value { return keyspace.NewListValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		lv, ok := asList(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		if requireExisting && lv.Len() == 0 {
			blocked = true
			return false, errNoMutation
		}
		bs := make([][]byte, len(vals))
		for i, v := range vals {
			bs[i] = []byte(v)
		}
		if left {
			lv.PushLeft(bs...)
		} else {
			lv.PushRight(bs...)
		}
		newLen = lv.Len()
		return false, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if blocked {
		return resp.AppendInteger(dst, 0)
	}
	ctx.Keyspace.Advance()
	ctx.Keyspace.NotifyKey(ctx.Conn.DBIndex, key)
	return resp.AppendInteger(dst, int64(newLen))
}

func cmdLPush(ctx *Context, args []string, dst []byte) []byte {
	return pushHelper(ctx, args[1], args[2:], true, false, dst)
}

func cmdRPush(ctx *Context, args []string, dst []byte) []byte {
	return pushHelper(ctx, args[1], args[2:], false, false, dst)
}

func cmdLPushX(ctx *Context, args []string, dst []byte) []byte {
	if !ctx.DB().Exists(args[1]) {
		return resp.AppendInteger(dst, 0)
	}
	return pushHelper(ctx, args[1], args[2:], true, true, dst)
}

func cmdRPushX(ctx *Context, args []string, dst []byte) []byte {
	if !ctx.DB().Exists(args[1]) {
		return resp.AppendInteger(dst, 0)
	}
	return pushHelper(ctx, args[1], args[2:], false, true, dst)
}

func popHelper(ctx *Context, args []string, left bool, dst []byte) []byte {
	count := 1
	hasCount := false
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 0 {
			return resp.AppendError(dst, "ERR value is out of range, must be positive")
		}
		count = n
		hasCount = true
	} else if len(args) > 3 {
		return resp.AppendError(dst, "ERR wrong number of arguments for 'lpop' command")
	}

	db := ctx.DB()
	var popped [][]byte
	err := db.Mutate(args[1], func() keyspace.Value { return keyspace.NewListValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		lv, ok := asList(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for i := 0; i < count; i++ {
			var v []byte
			var ok2 bool
			if left {
				v, ok2 = lv.PopLeft()
			} else {
				v, ok2 = lv.PopRight()
			}
			if !ok2 {
				break
			}
			popped = append(popped, v)
		}
		if len(popped) == 0 {
			return false, errNoMutation
		}
		return lv.Len() == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if len(popped) > 0 {
		ctx.Keyspace.Advance()
	}

	if !hasCount {
		if len(popped) == 0 {
			return resp.AppendBulkString(dst, nil)
		}
		return resp.AppendBulkString(dst, popped[0])
	}
	if len(popped) == 0 {
		return resp.AppendNullArray(dst)
	}
	dst = resp.AppendArrayHeader(dst, len(popped))
	for _, p := range popped {
		dst = resp.AppendBulkString(dst, p)
	}
	return dst
}

func cmdLPop(ctx *Context, args []string, dst []byte) []byte { return popHelper(ctx, args, true, dst) }
func cmdRPop(ctx *Context, args []string, dst []byte) []byte { return popHelper(ctx, args, false, dst) }

func cmdLLen(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	lv, ok := asList(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendInteger(dst, int64(lv.Len()))
}

func parseIntArg(s string) (int, error) { return strconv.Atoi(s) }

func cmdLRange(ctx *Context, args []string, dst []byte) []byte {
	start, err1 := parseIntArg(args[2])
	stop, err2 := parseIntArg(args[3])
	if err1 != nil || err2 != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	lv, ok := asList(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	items := lv.Range(start, stop)
	dst = resp.AppendArrayHeader(dst, len(items))
	for _, it := range items {
		dst = resp.AppendBulkString(dst, it)
	}
	return dst
}

func cmdLIndex(ctx *Context, args []string, dst []byte) []byte {
	idx, err := parseIntArg(args[2])
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	lv, ok := asList(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	v, ok := lv.Index(idx)
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	return resp.AppendBulkString(dst, v)
}

func cmdLSet(ctx *Context, args []string, dst []byte) []byte {
	idx, err := parseIntArg(args[2])
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	var outOfRange bool
	err = ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewListValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		lv, ok := asList(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		if lv.Len() == 0 {
			return false, protoerr.New(protoerr.KindErr, "no such key")
		}
		if !lv.Set(idx, []byte(args[3])) {
			outOfRange = true
			return false, errNoMutation
		}
		return false, nil
	})
	if err == errNoMutation && outOfRange {
		return resp.AppendError(dst, "ERR index out of range")
	}
	if err != nil {
		return AppendErr(dst, err)
	}
	ctx.Keyspace.Advance()
	return resp.AppendSimpleString(dst, "OK")
}

func cmdLTrim(ctx *Context, args []string, dst []byte) []byte {
	start, err1 := parseIntArg(args[2])
	stop, err2 := parseIntArg(args[3])
	if err1 != nil || err2 != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewListValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		lv, ok := asList(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		before := lv.Len()
		lv.Trim(start, stop)
		if lv.Len() == before {
			return false, errNoMutation
		}
		return lv.Len() == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if err == nil {
		ctx.Keyspace.Advance()
	}
	return resp.AppendSimpleString(dst, "OK")
}

func cmdLRem(ctx *Context, args []string, dst []byte) []byte {
	count, err := parseIntArg(args[2])
	if err != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	var removed int
	err = ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewListValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		lv, ok := asList(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		removed = lv.RemoveMatching([]byte(args[3]), count)
		if removed == 0 {
			return false, errNoMutation
		}
		return lv.Len() == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if removed > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(removed))
}

func cmdLInsert(ctx *Context, args []string, dst []byte) []byte {
	before := false
	switch args[2] {
	case "BEFORE":
		before = true
	case "AFTER":
	default:
		return resp.AppendError(dst, "ERR syntax error")
	}
	var newLen int = -1
	var notFound bool
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewListValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		lv, ok := asList(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		if lv.Len() == 0 {
			notFound = true
			return false, errNoMutation
		}
		if before {
			newLen = lv.InsertBefore([]byte(args[3]), []byte(args[4]))
		} else {
			newLen = lv.InsertAfter([]byte(args[3]), []byte(args[4]))
		}
		if newLen < 0 {
			// Pivot absent: nothing inserted.
			return false, errNoMutation
		}
		return false, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if notFound {
		return resp.AppendInteger(dst, 0)
	}
	if newLen >= 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(newLen))
}

// tryPopOne attempts a single-element pop under the keyspace serializer,
// returning the element and whether anything was popped. The canonical
// LPOP/RPOP propagates under the same hold. WRONGTYPE is reported
// through err.
func tryPopOne(ctx *Context, key string, left bool) (val []byte, popped bool, err error) {
	attempt := func() {
		merr := ctx.DB().Mutate(key, func() keyspace.Value { return keyspace.NewListValue() }, func(e *keyspace.KeyEntry) (bool, error) {
			lv, ok := asList(e.Value)
			if !ok {
				return false, protoerr.WrongType()
			}
			var v []byte
			var ok2 bool
			if left {
				v, ok2 = lv.PopLeft()
			} else {
				v, ok2 = lv.PopRight()
			}
			if !ok2 {
				return false, errNoMutation
			}
			val, popped = v, true
			return lv.Len() == 0, nil
		})
		if merr != nil && merr != errNoMutation {
			err = merr
			return
		}
		if popped {
			ctx.Keyspace.Advance()
			if ctx.Admin != nil {
				name := "RPOP"
				if left {
					name = "LPOP"
				}
				ctx.Admin.Propagate(ctx.Conn.DBIndex, []string{name, key})
			}
		}
	}
	if ctx.InExec {
		// EXEC already holds the serializer.
		attempt()
	} else {
		ctx.Keyspace.WithSerializer(attempt)
	}
	return val, popped, err
}

// blockingPop implements BLPOP/BRPOP: cycle through the named keys, and
// when all are empty park on per-key wakeups until the timeout elapses
// or the connection closes. A satisfied pop propagates as plain
// LPOP/RPOP so replay stays deterministic.
func blockingPop(ctx *Context, args []string, left bool, dst []byte) []byte {
	timeoutSecs, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil || timeoutSecs < 0 {
		return resp.AppendError(dst, "ERR timeout is not a float or out of range")
	}
	keys := args[1 : len(args)-1]

	var deadline <-chan time.Time
	if timeoutSecs > 0 {
		t := time.NewTimer(time.Duration(timeoutSecs * float64(time.Second)))
		defer t.Stop()
		deadline = t.C
	}

	tryAll := func() ([]byte, bool, error) {
		for _, key := range keys {
			val, popped, perr := tryPopOne(ctx, key, left)
			if perr != nil || popped {
				if popped {
					dst = resp.AppendArrayHeader(dst, 2)
					dst = resp.AppendBulkString(dst, []byte(key))
					dst = resp.AppendBulkString(dst, val)
				}
				return dst, popped, perr
			}
		}
		return nil, false, nil
	}

	for {
		if out, popped, perr := tryAll(); perr != nil {
			return AppendErr(dst, perr)
		} else if popped {
			return out
		}

		// Inside EXEC blocking degrades to an immediate try, as it
		// must: nothing can produce an element while the transaction
		// holds the keyspace.
		if ctx.InExec {
			return resp.AppendNullArray(dst)
		}

		waits := make([]func(), 0, len(keys))
		wake := make(chan struct{}, 1)
		for _, key := range keys {
			ch, cancel := ctx.Keyspace.WaitChan(ctx.Conn.DBIndex, key)
			waits = append(waits, cancel)
			go func(c <-chan struct{}) {
				select {
				case <-c:
					select {
					case wake <- struct{}{}:
					default:
					}
				case <-ctx.Conn.Done:
				}
			}(ch)
		}
		cancelAll := func() {
			for _, cancel := range waits {
				cancel()
			}
		}

		// Re-check after registering: a push landing between the failed
		// try and the registration must not be missed.
		if out, popped, perr := tryAll(); perr != nil {
			cancelAll()
			return AppendErr(dst, perr)
		} else if popped {
			cancelAll()
			return out
		}

		select {
		case <-wake:
		case <-deadline:
			cancelAll()
			return resp.AppendNullArray(dst)
		case <-ctx.Conn.Done:
			cancelAll()
			return resp.AppendNullArray(dst)
		}
		cancelAll()
	}
}

func cmdBLPop(ctx *Context, args []string, dst []byte) []byte {
	return blockingPop(ctx, args, true, dst)
}

func cmdBRPop(ctx *Context, args []string, dst []byte) []byte {
	return blockingPop(ctx, args, false, dst)
}
