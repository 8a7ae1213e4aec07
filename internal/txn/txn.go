// Package txn tracks the per-connection transaction state MULTI/EXEC/
// DISCARD/WATCH/UNWATCH need: a queued command buffer, a poison flag that
// turns EXEC into EXECABORT, and the set of watched key versions EXEC
// checks before applying anything.
package txn

import "github.com/AutoCookies/kvstore/internal/keyspace"

// QueuedCommand is one command buffered between MULTI and EXEC/DISCARD.
type QueuedCommand struct {
	Name string
	Args []string
}

type watchKey struct {
	db  int
	key string
}

// State is the transaction state of a single connection.
type State struct {
	InMulti bool
	Queue   []QueuedCommand
	Poisoned bool

	watches map[watchKey]uint64
}

func NewState() *State {
	return &State{}
}

// BeginMulti switches the connection into queueing mode. Nested MULTI is
// not an error at this layer -- callers reply with the protocol error but
// state stays as-is.
func (s *State) BeginMulti() {
	s.InMulti = true
	s.Queue = nil
	s.Poisoned = false
}

// Enqueue buffers a command while InMulti is true.
func (s *State) Enqueue(name string, args []string) {
	s.Queue = append(s.Queue, QueuedCommand{Name: name, Args: args})
}

// Poison marks the transaction as unable to EXEC, e.g. because a queued
// command failed arity or was unknown.
func (s *State) Poison() {
	s.Poisoned = true
}

// Reset clears all transaction state, used after EXEC/DISCARD complete
// and after an error that aborts the transaction outright.
func (s *State) Reset() {
	s.InMulti = false
	s.Queue = nil
	s.Poisoned = false
}

// Watch records key's current version in db so EXEC can later detect
// whether it changed.
func (s *State) Watch(db int, key string, version uint64) {
	if s.watches == nil {
		s.watches = make(map[watchKey]uint64)
	}
	s.watches[watchKey{db, key}] = version
}

// Unwatch clears every watched key, independent of MULTI state.
func (s *State) Unwatch() {
	s.watches = nil
}

// CheckWatches reports whether every watched key still has the version it
// had when WATCH was issued. A watched key that was deleted and no longer
// exists counts as changed (version 0 never matches a live key's first
// version, which starts at 1 after its first mutation).
func (s *State) CheckWatches(ks *keyspace.Keyspace) bool {
	for wk, version := range s.watches {
		e, ok := ks.DB(wk.db).Get(wk.key)
		if !ok {
			if version != 0 {
				return false
			}
			continue
		}
		if e.Version != version {
			return false
		}
	}
	return true
}

// HasWatches reports whether any key is currently watched.
func (s *State) HasWatches() bool {
	return len(s.watches) > 0
}
