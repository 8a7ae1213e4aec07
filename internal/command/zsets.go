package command

import (
	"strconv"
	"strings"

	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/resp"
	"github.com/AutoCookies/kvstore/shared/ds/skiplist"
)

func registerZSetCommands(r *Registry) {
	r.register(&Spec{Name: "ZADD", Arity: -4, IsWrite: true, Handler: cmdZAdd})
	r.register(&Spec{Name: "ZREM", Arity: -3, IsWrite: true, Handler: cmdZRem})
	r.register(&Spec{Name: "ZSCORE", Arity: 3, Handler: cmdZScore})
	r.register(&Spec{Name: "ZRANK", Arity: 3, Handler: cmdZRank})
	r.register(&Spec{Name: "ZCARD", Arity: 2, Handler: cmdZCard})
	r.register(&Spec{Name: "ZRANGE", Arity: -4, Handler: cmdZRange})
	r.register(&Spec{Name: "ZREVRANGE", Arity: -4, Handler: cmdZRevRange})
	r.register(&Spec{Name: "ZRANGEBYSCORE", Arity: -4, Handler: cmdZRangeByScore})
	r.register(&Spec{Name: "ZREVRANGEBYSCORE", Arity: -4, Handler: cmdZRevRangeByScore})
	r.register(&Spec{Name: "ZCOUNT", Arity: 4, Handler: cmdZCount})
	r.register(&Spec{Name: "ZINCRBY", Arity: 4, IsWrite: true, Handler: cmdZIncrBy})
	r.register(&Spec{Name: "ZREVRANK", Arity: 3, Handler: cmdZRevRank})
	r.register(&Spec{Name: "ZRANGEBYLEX", Arity: -4, Handler: cmdZRangeByLex})
	r.register(&Spec{Name: "ZLEXCOUNT", Arity: 4, Handler: cmdZLexCount})
	r.register(&Spec{Name: "ZREMRANGEBYSCORE", Arity: 4, IsWrite: true, Handler: cmdZRemRangeByScore})
	r.register(&Spec{Name: "ZREMRANGEBYRANK", Arity: 4, IsWrite: true, Handler: cmdZRemRangeByRank})
	r.register(&Spec{Name: "ZSCAN", Arity: -3, Handler: cmdZScan})
}

func asZSet(v keyspace.Value) (*keyspace.ZSetValue, bool) {
	z, ok := v.(*keyspace.ZSetValue)
	return z, ok
}

func cmdZAdd(ctx *Context, args []string, dst []byte) []byte {
	i := 2
	var flags keyspace.AddFlags
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NX":
			flags.NX = true
		case "XX":
			flags.XX = true
		case "GT":
			flags.GT = true
		case "LT":
			flags.LT = true
		case "CH":
			flags.CH = true
		case "INCR":
			flags.INCR = true
		default:
			goto pairs
		}
		i++
	}
pairs:
	if err := flags.Validate(); err != nil {
		return resp.AppendError(dst, "ERR "+err.Error())
	}
	rest := args[i:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return resp.AppendError(dst, "ERR syntax error")
	}
	if flags.INCR && len(rest) != 2 {
		return resp.AppendError(dst, "ERR INCR option supports a single increment-element pair")
	}

	type pair struct {
		score  float64
		member string
	}
	pairs := make([]pair, 0, len(rest)/2)
	for p := 0; p < len(rest); p += 2 {
		sc, err := strconv.ParseFloat(rest[p], 64)
		if err != nil {
			return resp.AppendError(dst, "ERR value is not a valid float")
		}
		pairs = append(pairs, pair{score: sc, member: rest[p+1]})
	}

	var added, changed int
	var incrResult float64
	var incrSkipped bool
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewZSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		zv, ok := asZSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for _, p := range pairs {
			newScore, wasAdded, wasChanged, skipped := zv.Add(p.member, p.score, flags)
			if flags.INCR {
				incrResult = newScore
				incrSkipped = skipped
			}
			if wasAdded {
				added++
			}
			if wasChanged {
				changed++
			}
		}
		if changed == 0 {
			return false, errNoMutation
		}
		return false, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if changed > 0 {
		ctx.Keyspace.Advance()
	}
	if flags.INCR {
		if incrSkipped {
			return resp.AppendBulkString(dst, nil)
		}
		return resp.AppendBulkString(dst, []byte(strconv.FormatFloat(incrResult, 'f', -1, 64)))
	}
	if flags.CH {
		return resp.AppendInteger(dst, int64(changed))
	}
	return resp.AppendInteger(dst, int64(added))
}

func cmdZRem(ctx *Context, args []string, dst []byte) []byte {
	var removed int
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewZSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		zv, ok := asZSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for _, m := range args[2:] {
			if zv.Remove(m) {
				removed++
			}
		}
		if removed == 0 {
			return false, errNoMutation
		}
		return zv.Card() == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if removed > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(removed))
}

func cmdZScore(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	sc, ok := zv.Score(args[2])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	return resp.AppendBulkString(dst, []byte(strconv.FormatFloat(sc, 'f', -1, 64)))
}

func cmdZRank(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	rank := zv.Rank(args[2])
	if rank < 0 {
		return resp.AppendBulkString(dst, nil)
	}
	return resp.AppendInteger(dst, int64(rank))
}

func cmdZCard(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendInteger(dst, int64(zv.Card()))
}

func zrangeReply(dst []byte, elems []skiplist.Element, withScores bool) []byte {
	n := len(elems)
	if withScores {
		dst = resp.AppendArrayHeader(dst, n*2)
	} else {
		dst = resp.AppendArrayHeader(dst, n)
	}
	for _, e := range elems {
		dst = resp.AppendBulkString(dst, []byte(e.Member))
		if withScores {
			dst = resp.AppendBulkString(dst, []byte(strconv.FormatFloat(e.Score, 'f', -1, 64)))
		}
	}
	return dst
}

func hasWithScores(args []string) bool {
	for _, a := range args {
		if strings.EqualFold(a, "WITHSCORES") {
			return true
		}
	}
	return false
}

func cmdZRange(ctx *Context, args []string, dst []byte) []byte {
	start, err1 := strconv.Atoi(args[2])
	stop, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	elems := zv.Range(start, stop)
	return zrangeReply(dst, elems, hasWithScores(args[4:]))
}

func reverseElements(in []skiplist.Element) []skiplist.Element {
	out := make([]skiplist.Element, len(in))
	for i, e := range in {
		out[len(in)-1-i] = e
	}
	return out
}

func cmdZRevRange(ctx *Context, args []string, dst []byte) []byte {
	start, err1 := strconv.Atoi(args[2])
	stop, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	n := zv.Card()
	// translate a reverse-order [start,stop] into the underlying
	// ascending index range, then reverse the slice.
	lo := n - 1 - normalizeStop(stop, n)
	hi := n - 1 - normalizeStop(start, n)
	elems := zv.Range(lo, hi)
	return zrangeReply(dst, reverseElements(elems), hasWithScores(args[4:]))
}

func normalizeStop(i, n int) int {
	if i < 0 {
		i = n + i
	}
	return i
}

// parseScoreBound parses one ZRANGEBYSCORE-style bound: "-inf"/"+inf" for
// unbounded ends, a leading "(" for an exclusive boundary, otherwise a
// plain float.
func parseScoreBound(s string) (value float64, isNegInf bool, isPosInf bool, exclusive bool, err error) {
	switch s {
	case "-inf":
		return 0, true, false, false, nil
	case "+inf", "inf":
		return 0, false, true, false, nil
	}
	if strings.HasPrefix(s, "(") {
		v, perr := strconv.ParseFloat(s[1:], 64)
		return v, false, false, true, perr
	}
	v, perr := strconv.ParseFloat(s, 64)
	return v, false, false, false, perr
}

func scoreRangeSpec(minArg, maxArg string) (skiplist.RangeSpec, error) {
	var spec skiplist.RangeSpec
	minVal, minNegInf, minPosInf, minExcl, err := parseScoreBound(minArg)
	if err != nil {
		return spec, err
	}
	maxVal, maxNegInf, maxPosInf, maxExcl, err := parseScoreBound(maxArg)
	if err != nil {
		return spec, err
	}
	spec.Min, spec.MinInf, spec.MinExclusive = minVal, minNegInf, minExcl
	spec.Max, spec.MaxInf, spec.MaxExclusive = maxVal, maxPosInf, maxExcl
	if minPosInf || maxNegInf {
		// an empty range: min is +inf or max is -inf, nothing can match.
		spec.MinInf, spec.MaxInf = false, false
		spec.Min, spec.Max = 1, 0
	}
	return spec, nil
}

func cmdZRangeByScore(ctx *Context, args []string, dst []byte) []byte {
	spec, err := scoreRangeSpec(args[2], args[3])
	if err != nil {
		return resp.AppendError(dst, "ERR min or max is not a float")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	elems := zv.RangeByScore(spec)
	return zrangeReply(dst, elems, hasWithScores(args[4:]))
}

func cmdZRevRangeByScore(ctx *Context, args []string, dst []byte) []byte {
	// ZREVRANGEBYSCORE key max min ...
	spec, err := scoreRangeSpec(args[3], args[2])
	if err != nil {
		return resp.AppendError(dst, "ERR min or max is not a float")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	elems := zv.RangeByScore(spec)
	return zrangeReply(dst, reverseElements(elems), hasWithScores(args[4:]))
}

func cmdZCount(ctx *Context, args []string, dst []byte) []byte {
	spec, err := scoreRangeSpec(args[2], args[3])
	if err != nil {
		return resp.AppendError(dst, "ERR min or max is not a float")
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendInteger(dst, int64(zv.CountByScore(spec)))
}

func cmdZIncrBy(ctx *Context, args []string, dst []byte) []byte {
	delta, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return resp.AppendError(dst, "ERR value is not a valid float")
	}
	var result float64
	var changed bool
	err = ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewZSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		zv, ok := asZSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		result, _, changed, _ = zv.Add(args[3], delta, keyspace.AddFlags{INCR: true})
		if !changed {
			return false, errNoMutation
		}
		return false, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if changed {
		ctx.Keyspace.Advance()
	}
	return resp.AppendBulkString(dst, []byte(strconv.FormatFloat(result, 'f', -1, 64)))
}

func cmdZRevRank(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendBulkString(dst, nil)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	rank := zv.Rank(args[2])
	if rank < 0 {
		return resp.AppendBulkString(dst, nil)
	}
	return resp.AppendInteger(dst, int64(zv.Card()-1-rank))
}

// parseLexBound parses one ZRANGEBYLEX bound: "-"/"+" for unbounded,
// "[" for inclusive, "(" for exclusive.
func parseLexBound(s string) (member string, inf bool, exclusive bool, err error) {
	switch {
	case s == "-" || s == "+":
		return "", true, false, nil
	case strings.HasPrefix(s, "["):
		return s[1:], false, false, nil
	case strings.HasPrefix(s, "("):
		return s[1:], false, true, nil
	default:
		return "", false, false, protoerr.New(protoerr.KindErr, "min or max not valid string range item")
	}
}

func lexRangeSpec(minArg, maxArg string) (skiplist.LexRangeSpec, error) {
	var spec skiplist.LexRangeSpec
	minM, minInf, minExcl, err := parseLexBound(minArg)
	if err != nil {
		return spec, err
	}
	maxM, maxInf, maxExcl, err := parseLexBound(maxArg)
	if err != nil {
		return spec, err
	}
	if minInf && minArg == "+" {
		// "+" as a min bound matches nothing.
		spec.Min, spec.Max = "b", "a"
		return spec, nil
	}
	if maxInf && maxArg == "-" {
		spec.Min, spec.Max = "b", "a"
		return spec, nil
	}
	spec.Min, spec.MinInf, spec.MinExclusive = minM, minInf, minExcl
	spec.Max, spec.MaxInf, spec.MaxExclusive = maxM, maxInf, maxExcl
	return spec, nil
}

func cmdZRangeByLex(ctx *Context, args []string, dst []byte) []byte {
	spec, err := lexRangeSpec(args[2], args[3])
	if err != nil {
		return AppendErr(dst, err)
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendArrayHeader(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	elems := zv.RangeByLex(spec)
	dst = resp.AppendArrayHeader(dst, len(elems))
	for _, el := range elems {
		dst = resp.AppendBulkString(dst, []byte(el.Member))
	}
	return dst
}

func cmdZLexCount(ctx *Context, args []string, dst []byte) []byte {
	spec, err := lexRangeSpec(args[2], args[3])
	if err != nil {
		return AppendErr(dst, err)
	}
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return resp.AppendInteger(dst, 0)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	return resp.AppendInteger(dst, int64(len(zv.RangeByLex(spec))))
}

func cmdZRemRangeByScore(ctx *Context, args []string, dst []byte) []byte {
	spec, err := scoreRangeSpec(args[2], args[3])
	if err != nil {
		return resp.AppendError(dst, "ERR min or max is not a float")
	}
	var removed int
	err = ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewZSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		zv, ok := asZSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for _, el := range zv.RangeByScore(spec) {
			if zv.Remove(el.Member) {
				removed++
			}
		}
		if removed == 0 {
			return false, errNoMutation
		}
		return zv.Card() == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if removed > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(removed))
}

func cmdZRemRangeByRank(ctx *Context, args []string, dst []byte) []byte {
	start, err1 := strconv.Atoi(args[2])
	stop, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		return resp.AppendError(dst, "ERR value is not an integer or out of range")
	}
	var removed int
	err := ctx.DB().Mutate(args[1], func() keyspace.Value { return keyspace.NewZSetValue() }, func(e *keyspace.KeyEntry) (bool, error) {
		zv, ok := asZSet(e.Value)
		if !ok {
			return false, protoerr.WrongType()
		}
		for _, el := range zv.Range(start, stop) {
			if zv.Remove(el.Member) {
				removed++
			}
		}
		if removed == 0 {
			return false, errNoMutation
		}
		return zv.Card() == 0, nil
	})
	if err != nil && err != errNoMutation {
		return AppendErr(dst, err)
	}
	if removed > 0 {
		ctx.Keyspace.Advance()
	}
	return resp.AppendInteger(dst, int64(removed))
}

func cmdZScan(ctx *Context, args []string, dst []byte) []byte {
	e, ok := ctx.DB().Get(args[1])
	if !ok {
		return appendEmptyScanReply(dst)
	}
	zv, ok := asZSet(e.Value)
	if !ok {
		return AppendErr(dst, protoerr.WrongType())
	}
	all := zv.All()
	members := make([]string, 0, len(all))
	scores := make(map[string]string, len(all))
	for _, el := range all {
		members = append(members, el.Member)
		scores[el.Member] = strconv.FormatFloat(el.Score, 'f', -1, 64)
	}
	return collectionScanReply(args, members, scores, dst)
}
