package command

import (
	"strconv"

	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func registerSetCommands(r *Registry) {
	r.register(&Spec{Name: "SADD", Arity: -3, IsWrite: true, Handler: cmdSAdd})
	r.register(&Spec{Name: "SREM", Arity: -3, IsWrite: true, Handler: cmdSRem})
	r.register(&Spec{Name: "SISMEMBER", Arity: 3, Handler: cmdSIsMember})
	r.register(&Spec{Name: "SMEMBERS", Arity: 2, Handler: cmdSMembers})
	r.register(&Spec{Name: "SCARD", Arity: 2, Handler: cmdSCard})
	r.register(&Spec{Name: "SUNION", Arity: -2, Handler: cmdSUnion})
	r.register(&Spec{Name: "SINTER", Arity: -2, Handler: cmdSInter})
	r.register(&Spec{Name: "SDIFF", Arity: -2, Handler: cmdSDiff})
	r.register(&Spec{Name: "SPOP", Arity: -2, IsWrite: true, Handler: cmdSPop})
	r.register(&Spec{Name: "SRANDMEMBER", Arity: -2, Handler: cmdSRandMember})
	r.register(&Spec{Name: "SUNIONSTORE", Arity: -3, IsWrite: true, Handler: cmdSUnionStore})
	r.register(&Spec{Name: "SINTERSTORE", Arity: -3, IsWrite: true, Handler: cmdSInterStore})
	r.register(&Spec{Name: "SDIFFSTORE", Arity: -3, IsWrite: true, Handler: cmdSDiffStore})
	r.register(&Spec{Name: "SSCAN", Arity: -3, Handler: cmdSScan})
}

func asSet(v keyspace.Value) (*keyspace.SetValue, bool) {
	s, ok := v.(*keyspace.SetValue)
	return s, ok
}

func cmdSAdd(ctx *Context, args []string, dst []byte) []byte {
	var added int
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		sv, ok := asSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for _, m := range args[2:] {
			if _, exists := sv.Members[m]; !exists {
				sv.Members[m] = struct{}{}
				added++
			}
		}
		if added == 0 {
			return false, errNoMutation
		}
		return false, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if added > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(added))
}

func cmdSRem(ctx *Context, args []string, dst []byte) []byte {
	var removed int
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		sv, ok := asSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for _, m := range args[2:] {
			if _, exists := sv.Members[m]; exists {
				delete(sv.Members, m)
				removed++
			}
		}
		if removed == 0 {
			return false, errNoMutation
		}
		return len(sv.Members) == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if removed > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(removed))
}

func cmdSIsMember(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	sv, ok := asSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	if _, exists := sv.Members[args[2]]; exists {
		return resp.AppendInteger(dst, 1)
	}
	return resp.AppendInteger(dst, 0)
}

func cmdSMembers(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	sv, ok := asSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	dst = resp.AppendArrayHeader(dst, len(sv.Members))
	for m := range sv.Members {
		dst = resp.AppendBulkString(dst, []byte(m))
	}
	return dst
}

func cmdSCard(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	sv, ok := asSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendInteger(dst, int64(len(sv.Members)))
}

func loadSets(ctx *Context, keys []string) ([]map[string]struct{}, error) {
	out := make([]map[string]struct{}, 0, len(keys))
	for _, k := range keys {
		e, ok := ctx.DB().Get(k)
		if !ok {
			out = append(out, map[string]struct{}{})
			continue
		}
		sv, ok := asSet(e.Value)
		if !ok {
			return nil, protoerr.WrongType()
		}
		out = append(out, sv.Members)
	}
	return out, nil
}

func cmdSUnion(ctx *Context, args []string, dst []byte) []byte {
	sets, err := loadSets(ctx, args[1:])
	if err != nil {
		return AppendErr(dst, err)
	}
	result := map[string]struct{}{}
	for _, s := range sets {
		for m := range s {
			result[m] = struct{}{}
		}
	}
	dst = resp.AppendArrayHeader(dst, len(result))
	for m := range result {
		dst = resp.AppendBulkString(dst, []byte(m))
	}
	return dst
}

func cmdSInter(ctx *Context, args []string, dst []byte) []byte {
	sets, err := loadSets(ctx, args[1:])
	if err != nil {
		return AppendErr(dst, err)
	}
	if len(sets) == 0 {
		return resp.AppendArrayHeader(dst, 0)
	}
	result := map[string]struct{}{}
	for m := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[m]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result[m] = struct{}{}
		}
	}
	dst = resp.AppendArrayHeader(dst, len(result))
	for m := range result {
		dst = resp.AppendBulkString(dst, []byte(m))
	}
	return dst
}

func cmdSDiff(ctx *Context, args []string, dst []byte) []byte {
	sets, err := loadSets(ctx, args[1:])
	if err != nil {
		return AppendErr(dst, err)
	}
	if len(sets) == 0 {
		return resp.AppendArrayHeader(dst, 0)
	}
	result := map[string]struct{}{}
	for m := range sets[0] {
		result[m] = struct{}{}
	}
	for _, s := range sets[1:] {
		for m := range s {
			delete(result, m)
		}
	}
	dst = resp.AppendArrayHeader(dst, len(result))
	for m := range result {
		dst = resp.AppendBulkString(dst, []byte(m))
	}
	return dst
}

func cmdSPop(ctx *Context, args []string, dst []byte) []byte {
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
		return resp.AppendError(dst, "ERR wrong number of arguments for 'spop' command")
	}

	var popped []string
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		sv, ok := asSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for m := range sv.Members {
			if len(popped) >= count {
				break
			}
			popped = append(popped, m)
		}
		for _, m := range popped {
			delete(sv.Members, m)
		}
		if len(popped) == 0 {
			return false, errNoMutation
		}
		return len(sv.Members) == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if len(popped) > 0 {
		ctx.Keyspace.Advance()
		// Which members get popped is map-iteration luck; replay must
		// remove exactly the ones this server removed.
		ctx.Rewrite = append([]string{"SREM", args[1]}, popped...)
	}
	if !hasCount {
		if len(popped) == 0 {
			return resp.AppendBulkString(dst, nil)
		}
		return resp.AppendBulkString(dst, []byte(popped[0]))
	}
	dst = resp.AppendArrayHeader(dst, len(popped))
	for _, m := range popped {
		dst = resp.AppendBulkString(dst, []byte(m))
	}
	return dst
}

func cmdSRandMember(ctx *Context, args []string, dst []byte) []byte {
	count := 1
	hasCount := false
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return resp.AppendError(dst, "ERR value is not an integer or out of range")
		}
		if n < 0 {
			n = -n
		}
		count = n
		hasCount = true
	} else if len(args) > 3 {
		return resp.AppendError(dst, "ERR wrong number of arguments for 'srandmember' command")
	}

	e, ok := ctx.DB().Get(args[1])
	if !ok {
		if hasCount {
			return resp.AppendArrayHeader(dst, 0)
		}
		return resp.AppendBulkString(dst, nil)
	}
	sv, ok := asSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	var members []string
	for m := range sv.Members {
		if len(members) >= count {
			break
		}
		members = append(members, m)
	}
	if !hasCount {
		if len(members) == 0 {
			return resp.AppendBulkString(dst, nil)
		}
		return resp.AppendBulkString(dst, []byte(members[0]))
	}
	dst = resp.AppendArrayHeader(dst, len(members))
	for _, m := range members {
		dst = resp.AppendBulkString(dst, []byte(m))
	}
	return dst
}

// storeSetResult replaces dest with result atomically; an empty result
// deletes dest instead, per the store-variant contract.
func storeSetResult(ctx *Context, dest string, result map[string]struct{}, dst []byte) []byte {
	db := ctx.DB()
	if len(result) == 0 {
		db.Delete(dest)
	} else {
		sv := keyspace.NewSetValue()
		for m := range result {
			sv.Members[m] = struct{}{}
		}
		db.Set(dest, sv, 0)
	}
	ctx.Keyspace.Advance()
	return resp.AppendInteger(dst, int64(len(result)))
}

func cmdSUnionStore(ctx *Context, args []string, dst []byte) []byte {
	sets, err := loadSets(ctx, args[2:])
	if err != nil {
		return AppendErr(dst, err)
	}
	result := map[string]struct{}{}
	for _, s := range sets {
		for m := range s {
			result[m] = struct{}{}
		}
	}
	return storeSetResult(ctx, args[1], result, dst)
}

func cmdSInterStore(ctx *Context, args []string, dst []byte) []byte {
	sets, err := loadSets(ctx, args[2:])
	if err != nil {
		return AppendErr(dst, err)
	}
	result := map[string]struct{}{}
	if len(sets) > 0 {
		for m := range sets[0] {
			inAll := true
			for _, s := range sets[1:] {
				if _, ok := s[m]; !ok {
					inAll = false
					break
				}
			}
			if inAll {
				result[m] = struct{}{}
			}
		}
	}
	return storeSetResult(ctx, args[1], result, dst)
}

func cmdSDiffStore(ctx *Context, args []string, dst []byte) []byte {
	sets, err := loadSets(ctx, args[2:])
	if err != nil {
		return AppendErr(dst, err)
	}
	result := map[string]struct{}{}
	if len(sets) > 0 {
		for m := range sets[0] {
			result[m] = struct{}{}
		}
		for _, s := range sets[1:] {
			for m := range s {
				delete(result, m)
			}
		}
	}
	return storeSetResult(ctx, args[1], result, dst)
}

func cmdSScan(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return appendEmptyScanReply(dst)
	}
	sv, ok := asSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	members := make([]string, 0, len(sv.Members))
	for m := range sv.Members {
		members = append(members, m)
	}
	return collectionScanReply(args, members, nil, dst)
}
