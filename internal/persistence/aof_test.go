package persistence

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/resp"
)

func TestAOFAppendAndReplay(t *testing.T) {
	fc := clock.NewFake(0)
	ks := keyspace.New(16, fc, nil)
	path := filepath.Join(t.TempDir(), "appendonly.aof")

	a, err := OpenAOF(path, FsyncAlways, ks)
	require.NoError(t, err)
	require.NoError(t, a.Append(0, resp.AppendCommand(nil, "SET", "k", "v")))
	require.NoError(t, a.Append(0, resp.AppendCommand(nil, "SET", "k2", "v2")))
	require.NoError(t, a.Append(5, resp.AppendCommand(nil, "SET", "k3", "v3")))
	require.NoError(t, a.Close())

	type cmd struct {
		db   int
		args []string
	}
	var replayed []cmd
	require.NoError(t, Replay(path, func(db int, args []string) error {
		replayed = append(replayed, cmd{db, args})
		return nil
	}))

	require.Len(t, replayed, 3)
	require.Equal(t, cmd{0, []string{"SET", "k", "v"}}, replayed[0])
	require.Equal(t, cmd{5, []string{"SET", "k3", "v3"}}, replayed[2])
}

func TestAOFReplayToleratesTruncatedTail(t *testing.T) {
	fc := clock.NewFake(0)
	ks := keyspace.New(16, fc, nil)
	path := filepath.Join(t.TempDir(), "appendonly.aof")

	a, err := OpenAOF(path, FsyncNo, ks)
	require.NoError(t, err)
	require.NoError(t, a.Append(0, resp.AppendCommand(nil, "SET", "a", "1")))
	require.NoError(t, a.Append(0, resp.AppendCommand(nil, "SET", "b", "2")))
	require.NoError(t, a.Close())

	// Chop mid-frame, as a crash during a write would.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	var keys []string
	require.NoError(t, Replay(path, func(_ int, args []string) error {
		keys = append(keys, args[1])
		return nil
	}))
	require.Equal(t, []string{"a"}, keys)

	// The file was rewound to the last complete frame.
	rewound, err := os.ReadFile(path)
	require.NoError(t, err)
	var full []string
	require.NoError(t, Replay(path, func(_ int, args []string) error {
		full = append(full, args[1])
		return nil
	}))
	require.Equal(t, []string{"a"}, full)
	require.Less(t, len(rewound), len(data))
}

func TestAOFRewriteProducesMinimalLog(t *testing.T) {
	fc := clock.NewFake(1_000_000)
	ks := populatedKeyspace(fc)
	body := encodeMinimalCommands(ks)

	// Replaying the rewritten body into a fresh keyspace must
	// reconstruct every key.
	ks2 := keyspace.New(16, fc, nil)
	path := filepath.Join(t.TempDir(), "mini.aof")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	require.NoError(t, Replay(path, func(db int, args []string) error {
		applyForTest(ks2, db, args, fc)
		return nil
	}))

	require.True(t, ks2.DB(0).Exists("str"))
	require.True(t, ks2.DB(0).Exists("list"))
	require.True(t, ks2.DB(0).Exists("hash"))
	require.True(t, ks2.DB(0).Exists("set"))
	require.True(t, ks2.DB(0).Exists("zset"))
	require.True(t, ks2.DB(3).Exists("other"))

	e, _ := ks2.DB(0).Get("ttl")
	require.Equal(t, fc.NowMillis()+60_000, e.ExpiresAt)
}

// applyForTest interprets the handful of rebuild commands the rewriter
// emits, without pulling the command package into this one.
func applyForTest(ks *keyspace.Keyspace, db int, args []string, fc *clock.Fake) {
	d := ks.DB(db)
	switch args[0] {
	case "SET":
		d.Set(args[1], &keyspace.StringValue{Data: []byte(args[2])}, 0)
	case "RPUSH":
		lv := keyspace.NewListValue()
		for _, v := range args[2:] {
			lv.PushRight([]byte(v))
		}
		d.Set(args[1], lv, 0)
	case "HSET":
		hv := keyspace.NewHashValue()
		for i := 2; i < len(args); i += 2 {
			hv.Fields[args[i]] = []byte(args[i+1])
		}
		d.Set(args[1], hv, 0)
	case "SADD":
		sv := keyspace.NewSetValue()
		for _, m := range args[2:] {
			sv.Members[m] = struct{}{}
		}
		d.Set(args[1], sv, 0)
	case "ZADD":
		zv := keyspace.NewZSetValue()
		for i := 2; i < len(args); i += 2 {
			var score float64
			switch args[i] {
			case "+inf":
				score = math.Inf(1)
			case "-inf":
				score = math.Inf(-1)
			default:
				score, _ = strconv.ParseFloat(args[i], 64)
			}
			zv.Add(args[i+1], score, keyspace.AddFlags{})
		}
		d.Set(args[1], zv, 0)
	case "PEXPIREAT":
		ms, _ := strconv.ParseInt(args[2], 10, 64)
		d.Expire(args[1], ms)
	}
}
