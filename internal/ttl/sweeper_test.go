package ttl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/keyspace"
)

func TestSweeperExpiresDueKeys(t *testing.T) {
	fc := clock.NewFake(0)
	var expired []string
	ks := keyspace.New(1, fc, func(dbIndex int, key string) {
		expired = append(expired, key)
	})
	db := ks.DB(0)
	db.Set("a", &keyspace.StringValue{Data: []byte("1")}, 1)
	db.Set("b", &keyspace.StringValue{Data: []byte("2")}, 0)
	fc.Set(100)

	s := New(ks, time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return len(expired) == 1 && expired[0] == "a"
	}, time.Second, time.Millisecond)
}
