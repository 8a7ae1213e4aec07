package keyspace

import "math/rand"

// RandomKey returns a uniformly-ish random live key, or "" if the
// database is empty. Like RANDOMKEY itself this is best effort: it picks
// a random shard and walks forward until it finds a non-empty one.
func (d *Database) RandomKey() string {
	now := d.clock.NowMillis()
	start := rand.Intn(shardCount)
	for i := 0; i < shardCount; i++ {
		s := d.shards[(start+i)&shardMask]
		s.mu.RLock()
		for k, e := range s.items {
			if !e.expired(now) {
				s.mu.RUnlock()
				return k
			}
		}
		s.mu.RUnlock()
	}
	return ""
}

// ForEach visits every live entry under the shard read locks. fn must not
// call back into the database. Used by the snapshot writer and the append
// log rewriter, both of which run under the keyspace serializer so the
// entries they see form a consistent image.
func (d *Database) ForEach(fn func(key string, e *KeyEntry)) {
	now := d.clock.NowMillis()
	for _, s := range d.shards {
		s.mu.RLock()
		for k, e := range s.items {
			if !e.expired(now) {
				fn(k, e)
			}
		}
		s.mu.RUnlock()
	}
}

// Restore installs an entry loaded from a snapshot or log replay without
// bumping the write counter. An already-expired deadline is dropped on
// the floor, matching the loader's "skip what's already dead" behavior.
func (d *Database) Restore(key string, value Value, expiresAt int64) {
	if expiresAt != 0 && expiresAt <= d.clock.NowMillis() {
		return
	}
	d.Set(key, value, expiresAt)
}
