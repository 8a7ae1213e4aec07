package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/resp"
)

// Fsync policies for the append log.
const (
	FsyncAlways   = "always"
	FsyncEverySec = "everysec"
	FsyncNo       = "no"
)

// AOF is the append-only log writer: every effective write's canonical
// frame lands here, and a background rewrite compacts the file to the
// minimum command sequence reconstructing the keyspace. Frames arriving
// while a rewrite is in flight are buffered into a side log and appended
// to the new file before the rename.
type AOF struct {
	path   string
	policy string
	ks     *keyspace.Keyspace

	mu        sync.Mutex
	file      *os.File
	size      int64
	baseSize  int64 // size after the last rewrite, for the auto trigger
	rewriting bool
	sideLog   []byte
	lastDB    int

	needSync atomic.Bool
	sf       singleflight.Group
}

// OpenAOF opens (creating if needed) the log for appending.
func OpenAOF(path, policy string, ks *keyspace.Keyspace) (*AOF, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("aof dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("aof open: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a := &AOF{
		path:     path,
		policy:   policy,
		ks:       ks,
		file:     f,
		size:     st.Size(),
		baseSize: st.Size(),
		lastDB:   -1,
	}
	return a, nil
}

func (a *AOF) Path() string { return a.path }

func (a *AOF) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Append writes one command frame for dbIndex, prefixing a SELECT frame
// whenever the target database changes. With the always policy the write
// is fsynced before returning.
func (a *AOF) Append(dbIndex int, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var payload []byte
	if dbIndex != a.lastDB {
		payload = resp.AppendCommand(nil, "SELECT", strconv.Itoa(dbIndex))
		a.lastDB = dbIndex
	}
	payload = append(payload, frame...)

	n, err := a.file.Write(payload)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("aof write: %w", err)
	}
	if a.rewriting {
		a.sideLog = append(a.sideLog, payload...)
	}

	switch a.policy {
	case FsyncAlways:
		if err := a.file.Sync(); err != nil {
			return fmt.Errorf("aof fsync: %w", err)
		}
	case FsyncEverySec:
		a.needSync.Store(true)
	}
	return nil
}

// RunFsyncLoop drives the everysec policy: a once-a-second fsync on a
// dedicated goroutine, so no command waits on the disk.
func (a *AOF) RunFsyncLoop(ctx context.Context) {
	if a.policy != FsyncEverySec {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.syncNow()
			return
		case <-ticker.C:
			if a.needSync.Swap(false) {
				a.syncNow()
			}
		}
	}
}

func (a *AOF) syncNow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Sync(); err != nil {
		log.Printf("[AOF] fsync error: %v", err)
	}
}

// ShouldAutoRewrite reports whether the log has outgrown the configured
// ratio relative to its size after the last rewrite.
func (a *AOF) ShouldAutoRewrite(percentage int, minSize int64) bool {
	if percentage <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rewriting || a.size < minSize {
		return false
	}
	base := a.baseSize
	if base == 0 {
		base = 1
	}
	growth := (a.size - base) * 100 / base
	return growth >= int64(percentage)
}

// Rewrite compacts the log in the background. The consistency point is
// the in-memory encode under the keyspace serializer; concurrent writes
// keep appending to the old file and into the side log, which is flushed
// onto the new file right before the atomic rename. Concurrent rewrite
// requests coalesce onto the running one.
func (a *AOF) Rewrite(onDone func(err error)) {
	go func() {
		_, err, _ := a.sf.Do("rewrite", func() (interface{}, error) {
			return nil, a.rewriteOnce()
		})
		if onDone != nil {
			onDone(err)
		}
	}()
}

func (a *AOF) rewriteOnce() error {
	finish := func(err error) error {
		a.mu.Lock()
		a.rewriting = false
		a.sideLog = nil
		a.mu.Unlock()
		return err
	}

	// The side-log capture starts under the serializer, so every write
	// lands in exactly one of the two: the encoded body (committed
	// before the cut) or the side log (committed after).
	var body []byte
	a.ks.WithSerializer(func() {
		a.mu.Lock()
		a.rewriting = true
		a.sideLog = nil
		// Force the next append to emit an explicit SELECT, so the side
		// log is self-describing regardless of which database the
		// rewritten body ends in.
		a.lastDB = -1
		a.mu.Unlock()
		body = encodeMinimalCommands(a.ks)
	})

	tmp := a.path + ".rewrite"
	f, err := os.Create(tmp)
	if err != nil {
		return finish(fmt.Errorf("aof rewrite create: %w", err))
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return finish(fmt.Errorf("aof rewrite write: %w", err))
	}

	// Swap point: drain the side log into the new file, then rename it
	// over the live one and carry on appending there.
	a.mu.Lock()
	if len(a.sideLog) > 0 {
		if _, err := f.Write(a.sideLog); err != nil {
			a.mu.Unlock()
			f.Close()
			os.Remove(tmp)
			return finish(fmt.Errorf("aof rewrite side log: %w", err))
		}
	}
	if err := f.Sync(); err != nil {
		a.mu.Unlock()
		f.Close()
		os.Remove(tmp)
		return finish(fmt.Errorf("aof rewrite sync: %w", err))
	}
	newSize, _ := f.Seek(0, io.SeekEnd)
	if err := os.Rename(tmp, a.path); err != nil {
		a.mu.Unlock()
		f.Close()
		os.Remove(tmp)
		return finish(fmt.Errorf("aof rewrite rename: %w", err))
	}
	old := a.file
	a.file = f
	a.size = newSize
	a.baseSize = newSize
	a.rewriting = false
	a.sideLog = nil
	a.lastDB = -1
	a.mu.Unlock()
	old.Close()

	log.Printf("[AOF] rewrite complete: %d bytes", newSize)
	return nil
}

// Close flushes and closes the log file.
func (a *AOF) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Sync(); err != nil {
		return err
	}
	return a.file.Close()
}

// encodeMinimalCommands emits the shortest command sequence that
// reconstructs ks: one container-building command per key plus a
// PEXPIREAT for keys carrying a deadline.
func encodeMinimalCommands(ks *keyspace.Keyspace) []byte {
	var out []byte
	for i := 0; i < ks.Count(); i++ {
		db := ks.DB(i)
		if db.Size() == 0 {
			continue
		}
		out = resp.AppendCommand(out, "SELECT", strconv.Itoa(i))
		db.ForEach(func(key string, e *keyspace.KeyEntry) {
			out = appendRebuildCommand(out, key, e)
			if e.ExpiresAt != 0 {
				out = resp.AppendCommand(out, "PEXPIREAT", key, strconv.FormatInt(e.ExpiresAt, 10))
			}
		})
	}
	return out
}

func appendRebuildCommand(out []byte, key string, e *keyspace.KeyEntry) []byte {
	switch v := e.Value.(type) {
	case *keyspace.StringValue:
		return resp.AppendCommandBytes(out, [][]byte{[]byte("SET"), []byte(key), v.Data})
	case *keyspace.ListValue:
		args := [][]byte{[]byte("RPUSH"), []byte(key)}
		args = append(args, v.All()...)
		return resp.AppendCommandBytes(out, args)
	case *keyspace.HashValue:
		args := [][]byte{[]byte("HSET"), []byte(key)}
		for f, val := range v.Fields {
			args = append(args, []byte(f), val)
		}
		return resp.AppendCommandBytes(out, args)
	case *keyspace.SetValue:
		args := [][]byte{[]byte("SADD"), []byte(key)}
		for m := range v.Members {
			args = append(args, []byte(m))
		}
		return resp.AppendCommandBytes(out, args)
	case *keyspace.ZSetValue:
		args := [][]byte{[]byte("ZADD"), []byte(key)}
		for _, el := range v.All() {
			score := strconv.FormatFloat(el.Score, 'f', -1, 64)
			if math.IsInf(el.Score, 1) {
				score = "+inf"
			} else if math.IsInf(el.Score, -1) {
				score = "-inf"
			}
			args = append(args, []byte(score), []byte(el.Member))
		}
		return resp.AppendCommandBytes(out, args)
	}
	return out
}

// Replay feeds every complete frame in the log through apply, tracking
// SELECT frames to route commands at the right database. A truncated
// final frame is tolerated: the file is rewound to the last complete
// frame with a warning, matching the crash-recovery contract.
func Replay(path string, apply func(dbIndex int, args []string) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	consumed := 0
	dbIndex := 0
	frames := 0
	for consumed < len(data) {
		frame, n, perr := resp.ParseFrame(data[consumed:])
		if errors.Is(perr, resp.ErrNeedMore) {
			break
		}
		if perr != nil {
			return fmt.Errorf("aof replay at byte %d: %w", consumed, perr)
		}
		args := frame.StringArgs()
		if len(args) == 2 && (args[0] == "SELECT" || args[0] == "select") {
			idx, aerr := strconv.Atoi(args[1])
			if aerr != nil {
				return fmt.Errorf("aof replay: bad SELECT %q", args[1])
			}
			dbIndex = idx
		} else if len(args) > 0 {
			if aerr := apply(dbIndex, args); aerr != nil {
				return fmt.Errorf("aof replay: %w", aerr)
			}
		}
		consumed += n
		frames++
	}

	if consumed < len(data) {
		log.Printf("[AOF] truncated final frame at byte %d of %d, rewinding", consumed, len(data))
		if err := os.Truncate(path, int64(consumed)); err != nil {
			return fmt.Errorf("aof truncate: %w", err)
		}
	}
	log.Printf("[AOF] replayed %d frames", frames)
	return nil
}
