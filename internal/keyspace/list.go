package keyspace

import "container/list"

// ListValue is a doubly linked list of byte-string elements, giving O(1)
// push/pop at both ends and O(n) indexed access -- the same complexity
// trade Redis's own quicklist makes.
type ListValue struct {
	l *list.List
}

func NewListValue() *ListValue {
	return &ListValue{l: list.New()}
}

func (*ListValue) Kind() Kind { return KindList }

func (v *ListValue) Len() int { return v.l.Len() }

func (v *ListValue) PushLeft(vals ...[]byte) {
	for _, val := range vals {
		v.l.PushFront(val)
	}
}

func (v *ListValue) PushRight(vals ...[]byte) {
	for _, val := range vals {
		v.l.PushBack(val)
	}
}

func (v *ListValue) PopLeft() ([]byte, bool) {
	e := v.l.Front()
	if e == nil {
		return nil, false
	}
	v.l.Remove(e)
	return e.Value.([]byte), true
}

func (v *ListValue) PopRight() ([]byte, bool) {
	e := v.l.Back()
	if e == nil {
		return nil, false
	}
	v.l.Remove(e)
	return e.Value.([]byte), true
}

// element returns the list.Element at position idx (0-based from the
// head), or nil if out of range.
func (v *ListValue) element(idx int) *list.Element {
	if idx < 0 || idx >= v.l.Len() {
		return nil
	}
	if idx <= v.l.Len()/2 {
		e := v.l.Front()
		for i := 0; i < idx; i++ {
			e = e.Next()
		}
		return e
	}
	e := v.l.Back()
	for i := v.l.Len() - 1; i > idx; i-- {
		e = e.Prev()
	}
	return e
}

// normalizeIndex resolves a possibly-negative Redis-style index against
// length n, clamping nothing -- callers decide how out-of-range behaves.
func normalizeIndex(idx, n int) int {
	if idx < 0 {
		idx = n + idx
	}
	return idx
}

func (v *ListValue) Index(idx int) ([]byte, bool) {
	idx = normalizeIndex(idx, v.l.Len())
	e := v.element(idx)
	if e == nil {
		return nil, false
	}
	return e.Value.([]byte), true
}

func (v *ListValue) Set(idx int, val []byte) bool {
	idx = normalizeIndex(idx, v.l.Len())
	e := v.element(idx)
	if e == nil {
		return false
	}
	e.Value = val
	return true
}

// Range returns elements [start, stop] inclusive, Redis-index semantics
// (negative counts from the tail, out-of-range clamps to the bounds).
func (v *ListValue) Range(start, stop int) [][]byte {
	n := v.l.Len()
	if n == 0 {
		return nil
	}
	start = normalizeIndex(start, n)
	stop = normalizeIndex(stop, n)
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	out := make([][]byte, 0, stop-start+1)
	e := v.element(start)
	for i := start; i <= stop && e != nil; i++ {
		out = append(out, e.Value.([]byte))
		e = e.Next()
	}
	return out
}

// Trim keeps only [start, stop] inclusive, Redis-index semantics, removing
// everything else.
func (v *ListValue) Trim(start, stop int) {
	n := v.l.Len()
	start = normalizeIndex(start, n)
	stop = normalizeIndex(stop, n)
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		v.l = list.New()
		return
	}
	fresh := list.New()
	e := v.element(start)
	for i := start; i <= stop && e != nil; i++ {
		fresh.PushBack(e.Value)
		e = e.Next()
	}
	v.l = fresh
}

// RemoveMatching removes occurrences equal to val. count > 0 removes the
// first count occurrences head-to-tail; count < 0 removes the last -count
// occurrences tail-to-head; count == 0 removes all occurrences. Returns
// the number removed.
func (v *ListValue) RemoveMatching(val []byte, count int) int {
	removed := 0
	eq := func(b []byte) bool { return string(b) == string(val) }

	if count >= 0 {
		limit := count
		e := v.l.Front()
		for e != nil {
			next := e.Next()
			if eq(e.Value.([]byte)) && (limit == 0 || removed < limit) {
				v.l.Remove(e)
				removed++
				if limit != 0 && removed >= limit {
					break
				}
			}
			e = next
		}
		return removed
	}

	limit := -count
	e := v.l.Back()
	for e != nil {
		prev := e.Prev()
		if eq(e.Value.([]byte)) {
			v.l.Remove(e)
			removed++
			if removed >= limit {
				break
			}
		}
		e = prev
	}
	return removed
}

// InsertBefore/InsertAfter locate the first element equal to pivot and
// insert val there, returning the new length or -1 if pivot is absent.
func (v *ListValue) InsertBefore(pivot, val []byte) int {
	for e := v.l.Front(); e != nil; e = e.Next() {
		if string(e.Value.([]byte)) == string(pivot) {
			v.l.InsertBefore(val, e)
			return v.l.Len()
		}
	}
	return -1
}

func (v *ListValue) InsertAfter(pivot, val []byte) int {
	for e := v.l.Front(); e != nil; e = e.Next() {
		if string(e.Value.([]byte)) == string(pivot) {
			v.l.InsertAfter(val, e)
			return v.l.Len()
		}
	}
	return -1
}

func (v *ListValue) All() [][]byte {
	out := make([][]byte, 0, v.l.Len())
	for e := v.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.([]byte))
	}
	return out
}
