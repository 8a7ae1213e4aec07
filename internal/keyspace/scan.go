package keyspace

import "sort"

// Scan returns keys starting at cursor (0 begins a new scan) and the
// cursor to resume from; a returned cursor of 0 means the scan is
// complete. match, if non-nil, is a predicate live keys must satisfy to
// be included.
//
// The cursor is a shard index, and a shard's keys are always emitted in
// full within a single call, under that shard's read lock. Redis gets
// its at-least-once guarantee from the reverse-binary bucket cursor;
// ours comes from shard atomicity instead: keys never move between the
// fixed 256 shards, each unfinished shard is visited exactly once per
// cycle, and at the moment of its visit every key that existed for the
// whole scan is live in it -- so deletions or insertions elsewhere (or
// earlier in the same shard's sort order) cannot shift anything out
// from under a saved cursor. count is the usual hint: the scan stops
// adding shards once at least count keys have been collected, never
// mid-shard.
func (d *Database) Scan(cur uint64, count int, match func(string) bool) ([]string, uint64) {
	if count <= 0 {
		count = 10
	}
	shard := int(cur)
	if shard >= shardCount {
		return nil, 0
	}

	var out []string
	now := d.clock.NowMillis()

	for shard < shardCount && len(out) < count {
		s := d.shards[shard]
		s.mu.RLock()
		keys := make([]string, 0, len(s.items))
		for k, e := range s.items {
			if !e.expired(now) {
				keys = append(keys, k)
			}
		}
		s.mu.RUnlock()
		shard++

		sort.Strings(keys)
		for _, k := range keys {
			if match == nil || match(k) {
				out = append(out, k)
			}
		}
	}

	if shard >= shardCount {
		return out, 0
	}
	return out, uint64(shard)
}
