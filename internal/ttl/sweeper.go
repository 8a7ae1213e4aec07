// Package ttl runs the active expiration sweep: a ticker-driven loop that
// samples a handful of keys with a TTL from every database each tick and
// deletes the ones that have actually expired, on top of the lazy
// expiration every keyspace access already performs.
package ttl

import (
	"context"
	"log"
	"time"

	"github.com/AutoCookies/kvstore/internal/keyspace"
)

// Sweeper periodically samples keys-with-TTL across every database and
// deletes the ones past their expiration, so idle keys that are never
// accessed again still get reclaimed.
type Sweeper struct {
	ks         *keyspace.Keyspace
	interval   time.Duration
	sampleSize int
}

func New(ks *keyspace.Keyspace, interval time.Duration, sampleSize int) *Sweeper {
	if sampleSize <= 0 {
		sampleSize = 20
	}
	return &Sweeper{ks: ks, interval: interval, sampleSize: sampleSize}
}

// Run drives the sweep loop until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[TTL] active expiration sweep started: interval=%v sampleSize=%d", s.interval, s.sampleSize)

	for {
		select {
		case <-ctx.Done():
			log.Println("[TTL] active expiration sweep stopping")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one sampling pass over every database. Each pass samples up
// to sampleSize candidate keys per database and expires the ones that are
// due; a database whose last pass found a high expired fraction gets
// resampled immediately within the same tick, the same "keep working
// while it's worth it" policy the sampled active-expire cycle uses.
func (s *Sweeper) tick() {
	for i := 0; i < s.ks.Count(); i++ {
		db := s.ks.DB(i)
		for {
			expiredFraction := s.sweepOnce(db)
			if expiredFraction < 0.25 {
				break
			}
		}
	}
}

func (s *Sweeper) sweepOnce(db *keyspace.Database) float64 {
	candidates := db.SampleForExpiry(s.sampleSize)
	if len(candidates) == 0 {
		return 0
	}
	expired := 0
	// Deletions run under the keyspace serializer so the synthetic DEL
	// frames the expire hook emits cannot reorder against concurrent
	// writes to the same keys.
	s.ks.WithSerializer(func() {
		for _, k := range candidates {
			if db.ExpireIfDue(k) {
				expired++
			}
		}
	})
	return float64(expired) / float64(len(candidates))
}
