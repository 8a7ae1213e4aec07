package keyspace

import (
	"github.com/AutoCookies/kvstore/shared/ds/skiplist"
)

// ZSetValue is a sorted set: a skip list keyed by (score, member) for
// ordered/range queries plus the skip list's own member->score dict for
// O(1) ZSCORE.
type ZSetValue struct {
	sl *skiplist.Skiplist
}

func NewZSetValue() *ZSetValue {
	return &ZSetValue{sl: skiplist.New()}
}

func (*ZSetValue) Kind() Kind { return KindZSet }

func (z *ZSetValue) Card() int { return z.sl.Card() }

func (z *ZSetValue) Score(member string) (float64, bool) {
	return z.sl.GetScore(member)
}

func (z *ZSetValue) Rank(member string) int {
	return z.sl.GetRank(member)
}

// AddFlags mirrors ZADD's NX/XX/GT/LT/CH/INCR option set.
type AddFlags struct {
	NX, XX, GT, LT, CH, INCR bool
}

// FlagError is returned by Validate when NX is combined with XX/GT/LT or
// GT with LT, mirroring ZADD's own argument validation.
type FlagError struct{ Msg string }

func (e *FlagError) Error() string { return e.Msg }

func (f AddFlags) Validate() error {
	if f.NX && (f.XX || f.GT || f.LT) {
		return &FlagError{"GT, LT, and/or NX options at the same time are not compatible"}
	}
	if f.GT && f.LT {
		return &FlagError{"GT, LT, and/or NX options at the same time are not compatible"}
	}
	return nil
}

// Add applies one member/score pair under flags, returning the resulting
// score (for INCR) and whether the member is newly added (for the added
// vs changed counters ZADD reports).
func (z *ZSetValue) Add(member string, score float64, f AddFlags) (newScore float64, added bool, changed bool, skipped bool) {
	cur, exists := z.sl.GetScore(member)

	if f.NX && exists {
		return cur, false, false, true
	}
	if f.XX && !exists {
		return 0, false, false, true
	}

	target := score
	if f.INCR {
		target = cur + score
	}

	if exists {
		if f.GT && target <= cur {
			return cur, false, false, true
		}
		if f.LT && target >= cur {
			return cur, false, false, true
		}
		if target == cur {
			return cur, false, false, false
		}
	}

	z.sl.Insert(member, target)
	return target, !exists, true, false
}

func (z *ZSetValue) Remove(member string) bool {
	return z.sl.Delete(member)
}

func (z *ZSetValue) Range(start, stop int) []skiplist.Element {
	return z.sl.GetRange(start, stop)
}

func (z *ZSetValue) RangeByScore(spec skiplist.RangeSpec) []skiplist.Element {
	return z.sl.GetRangeByScore(spec)
}

func (z *ZSetValue) CountByScore(spec skiplist.RangeSpec) int {
	return z.sl.CountByScore(spec)
}

func (z *ZSetValue) RangeByLex(spec skiplist.LexRangeSpec) []skiplist.Element {
	return z.sl.GetRangeByLex(spec)
}

// All returns every member/score pair in ascending order, used by the
// snapshot writer.
func (z *ZSetValue) All() []skiplist.Element {
	if z.sl.Card() == 0 {
		return nil
	}
	return z.sl.GetRange(0, z.sl.Card()-1)
}
