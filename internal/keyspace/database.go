package keyspace

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/AutoCookies/kvstore/internal/clock"
)

const (
	shardCount = 256
	shardMask  = shardCount - 1
)

// KeyEntry is what a Database maps every key to: the typed value, an
// optional absolute expiration time in unix milliseconds (0 means no
// expiry), and a monotonically increasing version bumped on every
// mutation -- the field WATCH compares to detect a stale transaction.
type KeyEntry struct {
	Value     Value
	ExpiresAt int64
	Version   uint64
}

func (e *KeyEntry) expired(nowMs int64) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= nowMs
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*KeyEntry
}

// ExpireHook is invoked whenever a key is removed because it was found
// expired, either lazily on access or by the active sweep. The server
// wires this to propagate a synthetic DEL so followers and the append
// log converge with the leader's view of the keyspace.
type ExpireHook func(dbIndex int, key string)

// Database is one of the keyspace's numbered logical databases: a
// sharded concurrent map from key to KeyEntry. Each shard has its own
// lock (the "bucket lock" the concurrency model is built around);
// multi-key atomic operations additionally hold the owning Keyspace's
// global serializer lock.
type Database struct {
	index    int
	shards   [shardCount]*shard
	clock    clock.Clock
	onExpire ExpireHook
}

func newDatabase(index int, c clock.Clock, hook ExpireHook) *Database {
	d := &Database{index: index, clock: c, onExpire: hook}
	for i := range d.shards {
		d.shards[i] = &shard{items: make(map[string]*KeyEntry)}
	}
	return d
}

func (d *Database) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return d.shards[h&shardMask]
}

// Get returns the live entry for key, transparently deleting and
// reporting it as absent if it has expired.
func (d *Database) Get(key string) (*KeyEntry, bool) {
	s := d.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(d.clock.NowMillis()) {
		d.lazyExpire(key)
		return nil, false
	}
	return e, true
}

func (d *Database) lazyExpire(key string) {
	s := d.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	if ok && e.expired(d.clock.NowMillis()) {
		delete(s.items, key)
	}
	s.mu.Unlock()
	if ok {
		d.fireExpire(key)
	}
}

func (d *Database) fireExpire(key string) {
	if d.onExpire != nil {
		d.onExpire(d.index, key)
	}
}

// Set stores value under key with expiresAt as its absolute expiration
// (0 for none), replacing any existing TTL, and bumps the key's version.
func (d *Database) Set(key string, value Value, expiresAt int64) {
	s := d.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	if !ok {
		e = &KeyEntry{}
		s.items[key] = e
	}
	e.Value = value
	e.ExpiresAt = expiresAt
	e.Version++
	s.mu.Unlock()
}

// Mutate runs fn against the entry for key while holding the shard lock,
// creating a fresh entry via makeDefault if the key is absent or expired.
// It is the building block every write command uses so the version bump
// and lock scope stay in one place. fn returns whether the entry should
// be deleted afterward (e.g. the value became empty). A non-nil error
// from fn means the command did not mutate the value: the version is
// left alone (WATCH must not fire on a refused command) and an entry
// created for this call is removed again.
func (d *Database) Mutate(key string, makeDefault func() Value, fn func(e *KeyEntry) (deleteAfter bool, err error)) error {
	s := d.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	expiredNow := ok && e.expired(d.clock.NowMillis())
	created := false
	if !ok || expiredNow {
		if expiredNow {
			delete(s.items, key)
		}
		e = &KeyEntry{Value: makeDefault()}
		s.items[key] = e
		created = true
	}
	del, err := fn(e)
	if err == nil {
		e.Version++
		if del {
			delete(s.items, key)
		}
	} else if created {
		delete(s.items, key)
	}
	s.mu.Unlock()
	if expiredNow {
		d.fireExpire(key)
	}
	return err
}

// View runs fn against the entry for key under a read lock without
// creating it, reporting absence (including expiry) to fn via ok=false.
func (d *Database) View(key string, fn func(e *KeyEntry, ok bool) error) error {
	s := d.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	if ok && e.expired(d.clock.NowMillis()) {
		ok = false
	}
	err := fn(e, ok)
	s.mu.RUnlock()
	if !ok && e != nil {
		d.lazyExpire(key)
	}
	return err
}

// Delete removes key unconditionally, returning whether it existed
// (ignoring expiry -- callers wanting expiry-aware deletion should check
// Get/View first, as DEL does).
func (d *Database) Delete(key string) bool {
	s := d.shardFor(key)
	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	return ok
}

// Exists reports whether key is present and not expired.
func (d *Database) Exists(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Expire sets or clears key's absolute expiration. Returns false if the
// key does not exist.
func (d *Database) Expire(key string, expiresAt int64) bool {
	s := d.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	if ok && e.expired(d.clock.NowMillis()) {
		delete(s.items, key)
		ok = false
	}
	if ok {
		e.ExpiresAt = expiresAt
		e.Version++
	}
	s.mu.Unlock()
	return ok
}

// TTLMillis returns the remaining time to live in ms, -1 if the key has
// no TTL, -2 if it does not exist.
func (d *Database) TTLMillis(key string) int64 {
	e, ok := d.Get(key)
	if !ok {
		return -2
	}
	if e.ExpiresAt == 0 {
		return -1
	}
	ttl := e.ExpiresAt - d.clock.NowMillis()
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Keys returns every live key in the database; used by KEYS. Callers on
// a large keyspace should prefer Scan for incremental iteration.
func (d *Database) Keys() []string {
	var out []string
	now := d.clock.NowMillis()
	for _, s := range d.shards {
		s.mu.RLock()
		for k, e := range s.items {
			if !e.expired(now) {
				out = append(out, k)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Size returns the number of live keys, expiry not yet swept included as
// live until either lazy or active expiration removes them (matches
// DBSIZE's own "best effort" semantics).
func (d *Database) Size() int {
	n := 0
	for _, s := range d.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Flush removes every key from the database.
func (d *Database) Flush() {
	for _, s := range d.shards {
		s.mu.Lock()
		s.items = make(map[string]*KeyEntry)
		s.mu.Unlock()
	}
}

// SampleForExpiry returns up to n keys with a TTL set, for the active
// expiration sweep -- it does not filter by whether they're actually
// expired yet, the sweeper itself checks that.
func (d *Database) SampleForExpiry(n int) []string {
	var out []string
	for _, s := range d.shards {
		if len(out) >= n {
			break
		}
		s.mu.RLock()
		for k, e := range s.items {
			if e.ExpiresAt != 0 {
				out = append(out, k)
				if len(out) >= n {
					break
				}
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ExpireIfDue removes key if it is currently expired, firing the expire
// hook exactly like lazy expiration. Used by the active sweeper.
func (d *Database) ExpireIfDue(key string) bool {
	s := d.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	due := ok && e.expired(d.clock.NowMillis())
	if due {
		delete(s.items, key)
	}
	s.mu.Unlock()
	if due {
		d.fireExpire(key)
	}
	return due
}
