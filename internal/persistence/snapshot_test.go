package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/keyspace"
)

func populatedKeyspace(fc *clock.Fake) *keyspace.Keyspace {
	ks := keyspace.New(16, fc, nil)
	db := ks.DB(0)

	db.Set("str", &keyspace.StringValue{Data: []byte("hello")}, 0)
	db.Set("ttl", &keyspace.StringValue{Data: []byte("soon")}, fc.NowMillis()+60_000)

	lv := keyspace.NewListValue()
	lv.PushRight([]byte("a"), []byte("b"), []byte("c"))
	db.Set("list", lv, 0)

	hv := keyspace.NewHashValue()
	hv.Fields["f1"] = []byte("v1")
	hv.Fields["f2"] = []byte("v2")
	db.Set("hash", hv, 0)

	sv := keyspace.NewSetValue()
	sv.Members["m1"] = struct{}{}
	sv.Members["m2"] = struct{}{}
	db.Set("set", sv, 0)

	zv := keyspace.NewZSetValue()
	zv.Add("one", 1, keyspace.AddFlags{})
	zv.Add("two", 2, keyspace.AddFlags{})
	db.Set("zset", zv, 0)

	// A second database proves the per-db sections round-trip.
	ks.DB(3).Set("other", &keyspace.StringValue{Data: []byte("db3")}, 0)

	for i := 0; i < 7; i++ {
		ks.Advance()
	}
	return ks
}

func TestSnapshotRoundTrip(t *testing.T) {
	fc := clock.NewFake(1_000_000)
	ks := populatedKeyspace(fc)

	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")
	m := NewSnapshotManager(path, ks)
	require.NoError(t, m.Save(fc.NowMillis()/1000))

	ks2 := keyspace.New(16, fc, nil)
	m2 := NewSnapshotManager(path, ks2)
	offset, ok, err := m2.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), offset)
	require.Equal(t, uint64(7), ks2.Offset())

	db := ks2.DB(0)
	e, ok := db.Get("str")
	require.True(t, ok)
	require.Equal(t, "hello", string(e.Value.(*keyspace.StringValue).Data))

	e, ok = db.Get("ttl")
	require.True(t, ok)
	require.Equal(t, fc.NowMillis()+60_000, e.ExpiresAt)

	e, _ = db.Get("list")
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, e.Value.(*keyspace.ListValue).All())

	e, _ = db.Get("hash")
	require.Equal(t, "v2", string(e.Value.(*keyspace.HashValue).Fields["f2"]))

	e, _ = db.Get("set")
	require.Len(t, e.Value.(*keyspace.SetValue).Members, 2)

	e, _ = db.Get("zset")
	zv := e.Value.(*keyspace.ZSetValue)
	sc, found := zv.Score("two")
	require.True(t, found)
	require.Equal(t, float64(2), sc)

	e, ok = ks2.DB(3).Get("other")
	require.True(t, ok)
	require.Equal(t, "db3", string(e.Value.(*keyspace.StringValue).Data))
}

func TestSnapshotSkipsAlreadyExpired(t *testing.T) {
	fc := clock.NewFake(1_000_000)
	ks := keyspace.New(16, fc, nil)
	ks.DB(0).Set("dead", &keyspace.StringValue{Data: []byte("x")}, fc.NowMillis()+100)

	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")
	m := NewSnapshotManager(path, ks)
	require.NoError(t, m.Save(fc.NowMillis()/1000))

	fc.Set(fc.NowMillis() + 500)
	ks2 := keyspace.New(16, fc, nil)
	_, _, err := NewSnapshotManager(path, ks2).Load()
	require.NoError(t, err)
	require.False(t, ks2.DB(0).Exists("dead"))
}

func TestSnapshotChecksumMismatchFailsLoad(t *testing.T) {
	fc := clock.NewFake(1_000_000)
	ks := populatedKeyspace(fc)

	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")
	require.NoError(t, NewSnapshotManager(path, ks).Save(0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, err = NewSnapshotManager(path, keyspace.New(16, fc, nil)).Load()
	require.Error(t, err)
}

func TestSnapshotMissingFileIsNotAnError(t *testing.T) {
	fc := clock.NewFake(0)
	m := NewSnapshotManager(filepath.Join(t.TempDir(), "nope.rdb"), keyspace.New(16, fc, nil))
	_, ok, err := m.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEncodeImageForSyncCapturesStreamOffset(t *testing.T) {
	fc := clock.NewFake(1_000_000)
	ks := populatedKeyspace(fc)
	m := NewSnapshotManager(filepath.Join(t.TempDir(), "dump.rdb"), ks)

	image, at := m.EncodeImageForSync(func() int64 { return 12345 })
	require.Equal(t, int64(12345), at)

	ks2 := keyspace.New(16, fc, nil)
	offset, err := DecodeSnapshot(image, ks2)
	require.NoError(t, err)
	require.Equal(t, uint64(7), offset)
	require.True(t, ks2.DB(0).Exists("str"))
}
