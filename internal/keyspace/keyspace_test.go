package keyspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/clock"
)

func newTestKeyspace() (*Keyspace, *clock.Fake) {
	fc := clock.NewFake(1000)
	ks := New(16, fc, nil)
	return ks, fc
}

func TestSetGetExpire(t *testing.T) {
	ks, fc := newTestKeyspace()
	db := ks.DB(0)

	db.Set("foo", &StringValue{Data: []byte("bar")}, 0)
	e, ok := db.Get("foo")
	require.True(t, ok)
	require.Equal(t, "bar", string(e.Value.(*StringValue).Data))

	db.Expire("foo", fc.NowMillis()+100)
	require.Equal(t, int64(100), db.TTLMillis("foo"))

	fc.Set(fc.NowMillis() + 200)
	_, ok = db.Get("foo")
	require.False(t, ok)
}

func TestVersionBumpsOnMutation(t *testing.T) {
	ks, _ := newTestKeyspace()
	db := ks.DB(0)

	db.Set("k", &StringValue{Data: []byte("1")}, 0)
	e1, _ := db.Get("k")
	v1 := e1.Version

	db.Set("k", &StringValue{Data: []byte("2")}, 0)
	e2, _ := db.Get("k")
	require.Greater(t, e2.Version, v1)
}

func TestExpireHookFiresOnLazyExpiry(t *testing.T) {
	fc := clock.NewFake(0)
	var expiredKey string
	ks := New(1, fc, func(dbIndex int, key string) {
		expiredKey = key
	})
	db := ks.DB(0)
	db.Set("gone", &StringValue{Data: []byte("x")}, 1)
	fc.Set(100)

	_, ok := db.Get("gone")
	require.False(t, ok)
	require.Equal(t, "gone", expiredKey)
}

func TestListBasicOps(t *testing.T) {
	lv := NewListValue()
	lv.PushRight([]byte("a"), []byte("b"), []byte("c"))
	require.Equal(t, 3, lv.Len())

	v, ok := lv.PopLeft()
	require.True(t, ok)
	require.Equal(t, "a", string(v))

	rng := lv.Range(0, -1)
	require.Len(t, rng, 2)
	require.Equal(t, "b", string(rng[0]))
}

func TestHashSetValue(t *testing.T) {
	hv := NewHashValue()
	hv.Fields["f1"] = []byte("v1")
	require.Equal(t, "v1", string(hv.Fields["f1"]))
}

func TestSetValue(t *testing.T) {
	sv := NewSetValue()
	sv.Members["a"] = struct{}{}
	_, ok := sv.Members["a"]
	require.True(t, ok)
}

func TestZSetAddFlags(t *testing.T) {
	z := NewZSetValue()
	score, added, changed, skipped := z.Add("m", 1, AddFlags{})
	require.Equal(t, float64(1), score)
	require.True(t, added)
	require.True(t, changed)
	require.False(t, skipped)

	_, added, _, skipped = z.Add("m", 5, AddFlags{NX: true})
	require.False(t, added)
	require.True(t, skipped)

	score, _, changed, _ = z.Add("m", 5, AddFlags{XX: true})
	require.Equal(t, float64(5), score)
	require.True(t, changed)
}

func TestScanCoversAllKeys(t *testing.T) {
	ks, _ := newTestKeyspace()
	db := ks.DB(0)
	for i := 0; i < 50; i++ {
		db.Set(string(rune('a'+i%26))+string(rune(i)), &StringValue{Data: []byte("v")}, 0)
	}

	seen := map[string]bool{}
	var cur uint64
	for {
		keys, next := db.Scan(cur, 7, nil)
		for _, k := range keys {
			seen[k] = true
		}
		if next == 0 {
			break
		}
		cur = next
	}
	require.Len(t, seen, db.Size())
}
