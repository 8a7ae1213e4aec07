// Package server owns the accept loop, the per-connection protocol
// loop, and the glue between the command surface and the persistence
// and replication subsystems. It is the concrete implementation behind
// the command package's Admin interface.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/command"
	"github.com/AutoCookies/kvstore/internal/config"
	"github.com/AutoCookies/kvstore/internal/keyspace"
	"github.com/AutoCookies/kvstore/internal/metrics"
	"github.com/AutoCookies/kvstore/internal/persistence"
	"github.com/AutoCookies/kvstore/internal/protoerr"
	"github.com/AutoCookies/kvstore/internal/replication"
	"github.com/AutoCookies/kvstore/internal/resp"
	"github.com/AutoCookies/kvstore/internal/ttl"
	"github.com/AutoCookies/kvstore/internal/txn"
)

// Server ties the subsystems together: keyspace, registry, snapshot,
// append log, replication leader state, and (when configured) the
// replica client. One Server per process.
type Server struct {
	cfg     *config.Config
	clk     clock.Clock
	ks      *keyspace.Keyspace
	reg     *command.Registry
	metrics *metrics.ServerMetrics
	snap    *persistence.SnapshotManager
	leader  *replication.Leader

	aofMu sync.Mutex
	aof   *persistence.AOF // nil when appendonly is off

	replicaMu sync.Mutex
	replica   *replication.Replica // nil in leader role

	// propMu orders the SELECT-tracking of the outbound stream; the
	// keyspace serializer already orders callers, this protects the
	// expiry hook path that runs outside it.
	propMu       sync.Mutex
	lastStreamDB int

	clientsMu sync.Mutex
	clients   map[uint64]*client
	nextID    atomic.Uint64
	sem       *semaphore.Weighted

	loading atomic.Bool
	memOK   atomic.Bool

	lastSaveCheckOffset atomic.Uint64
	lastSaveCheckTime   atomic.Int64

	listenerMu sync.Mutex
	listener   net.Listener
}

func New(cfg *config.Config, clk clock.Clock) *Server {
	s := &Server{
		cfg:          cfg,
		clk:          clk,
		reg:          command.NewRegistry(),
		metrics:      metrics.New(),
		clients:      make(map[uint64]*client),
		sem:          semaphore.NewWeighted(int64(cfg.MaxClients)),
		leader:       replication.NewLeader(cfg.ReplBacklogSize),
		lastStreamDB: -1,
	}
	s.memOK.Store(true)
	s.ks = keyspace.New(cfg.Databases, clk, s.onExpired)
	s.snap = persistence.NewSnapshotManager(cfg.SnapshotPath(), s.ks)
	resp.MaxBulkLen = cfg.ProtoMaxBulkLen
	return s
}

// onExpired propagates a synthetic DEL for a key removed by lazy or
// active expiration, so followers and the append log converge. In
// follower role the leader's own DEL is authoritative and nothing is
// emitted.
func (s *Server) onExpired(dbIndex int, key string) {
	s.metrics.ExpiredKeys.Add(1)
	if s.IsReadOnlyReplica() {
		return
	}
	s.Propagate(dbIndex, []string{"DEL", key})
}

// Boot loads persisted state before any connection is accepted. When
// the append log is enabled and present it is authoritative; otherwise
// the snapshot (if any) is loaded. Errors here are fatal to startup.
func (s *Server) Boot() error {
	s.loading.Store(true)
	defer s.loading.Store(false)

	replayed := false
	if s.cfg.AOFEnabled {
		if _, err := os.Stat(s.cfg.AOFPath()); err == nil {
			if err := persistence.Replay(s.cfg.AOFPath(), s.applyLocal); err != nil {
				return fmt.Errorf("append log replay: %w", err)
			}
			replayed = true
		}
	}
	if !replayed {
		offset, ok, err := s.snap.Load()
		if err != nil {
			return fmt.Errorf("snapshot load: %w", err)
		}
		if ok {
			log.Printf("[SNAPSHOT] loaded %s at offset %d", s.cfg.SnapshotPath(), offset)
		}
	}

	if s.cfg.AOFEnabled {
		aof, err := persistence.OpenAOF(s.cfg.AOFPath(), s.cfg.AOFFsync, s.ks)
		if err != nil {
			return err
		}
		s.aof = aof
	}

	s.lastSaveCheckOffset.Store(s.ks.Offset())
	s.lastSaveCheckTime.Store(s.clk.NowMillis())
	return nil
}

// applyLocal applies one replayed log frame without any propagation:
// the Admin is nil, so Dispatch-level side effects are off. Used only
// during startup replay.
func (s *Server) applyLocal(dbIndex int, args []string) error {
	spec, ok := s.reg.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown command %q in log", args[0])
	}
	ctx := &command.Context{
		Keyspace: s.ks,
		Clock:    s.clk,
		Conn:     &command.Conn{DBIndex: dbIndex, Txn: txn.NewState()},
		Registry: s.reg,
		InExec:   true, // skip per-command serializer; startup is single-threaded
	}
	out := spec.Handler(ctx, args, nil)
	if len(out) > 0 && out[0] == '-' {
		log.Printf("[AOF] replay: command %v replied %q", args, strings.TrimSpace(string(out)))
	}
	return nil
}

// applyReplicated applies one frame from the replication stream and
// propagates it onward (to the local append log and to this server's
// own followers, if any). The read-only check is deliberately bypassed:
// the stream is the one legitimate writer on a replica.
func (s *Server) applyReplicated(dbIndex int, args []string) {
	spec, ok := s.reg.Lookup(args[0])
	if !ok {
		log.Printf("[REPLICATION] unknown command %q in stream", args[0])
		return
	}
	ctx := &command.Context{
		Keyspace: s.ks,
		Clock:    s.clk,
		Conn:     &command.Conn{DBIndex: dbIndex, Txn: txn.NewState()},
		Registry: s.reg,
		InExec:   true, // serializer held below
	}
	s.ks.WithSerializer(func() {
		before := s.ks.Offset()
		out := spec.Handler(ctx, args, nil)
		if len(out) > 0 && out[0] == '-' {
			log.Printf("[REPLICATION] stream command %v replied %q", args, strings.TrimSpace(string(out)))
		}
		if spec.IsWrite && s.ks.Offset() != before {
			propagated := args
			if ctx.Rewrite != nil {
				propagated = ctx.Rewrite
			}
			s.Propagate(dbIndex, propagated)
		}
	})
}

// loadImage installs a full-sync snapshot image received from the
// leader.
func (s *Server) loadImage(image []byte) error {
	_, err := persistence.DecodeSnapshot(image, s.ks)
	return err
}

// Run starts listening and serves until ctx is cancelled. It owns the
// periodic tasks: active expiration, snapshot rule evaluation, append
// log fsync and auto-rewrite, follower heartbeats, metric sampling.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	log.Printf("[TCP] listening on %s", ln.Addr())

	s.metrics.Serve(s.cfg.MetricsAddr)

	go ttl.New(s.ks, s.cfg.TTLSampleInterval, s.cfg.TTLSampleSize).Run(ctx)
	if s.aof != nil {
		go s.aof.RunFsyncLoop(ctx)
	}
	go s.runPeriodicTasks(ctx)

	if s.cfg.ReplicaOf != "" {
		parts := strings.Fields(s.cfg.ReplicaOf)
		if len(parts) != 2 {
			ln.Close()
			return fmt.Errorf("invalid replicaof %q", s.cfg.ReplicaOf)
		}
		if err := s.ReplicaOf(parts[0], parts[1]); err != nil {
			ln.Close()
			return err
		}
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[TCP] accept error: %v", err)
			continue
		}
		if !s.sem.TryAcquire(1) {
			// maxclients reached; shed the connection.
			conn.Close()
			continue
		}
		s.metrics.TotalConnections.Add(1)
		s.metrics.ActiveConnections.Add(1)
		go func() {
			defer func() {
				s.sem.Release(1)
				s.metrics.ActiveConnections.Add(-1)
			}()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) runPeriodicTasks(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++

		s.evaluateSaveRules()

		if s.aof != nil && s.aof.ShouldAutoRewrite(s.cfg.AutoAOFRewritePercentage, s.cfg.AutoAOFRewriteMinSize) {
			log.Printf("[AOF] auto rewrite triggered at %d bytes", s.aof.Size())
			s.aof.Rewrite(func(err error) {
				if err != nil {
					log.Printf("[AOF] auto rewrite failed: %v", err)
				}
			})
		}

		if tick%10 == 0 && !s.IsReadOnlyReplica() && s.leader.PeerCount() > 0 {
			// Heartbeat keeps idle follower links alive and their
			// offsets advancing.
			s.feedStream(resp.AppendCommand(nil, "PING"))
		}

		s.checkMemory()
		s.sampleMetrics()
	}
}

func (s *Server) evaluateSaveRules() {
	if len(s.cfg.SaveRules) == 0 || s.snap.InProgress() {
		return
	}
	dirty := s.ks.Offset() - s.lastSaveCheckOffset.Load()
	elapsed := (s.clk.NowMillis() - s.lastSaveCheckTime.Load()) / 1000
	for _, rule := range s.cfg.SaveRules {
		if elapsed >= rule.Seconds && dirty >= rule.Changes {
			log.Printf("[SNAPSHOT] save rule hit (%ds, %d changes): %d dirty writes in %ds", rule.Seconds, rule.Changes, dirty, elapsed)
			s.lastSaveCheckOffset.Store(s.ks.Offset())
			s.lastSaveCheckTime.Store(s.clk.NowMillis())
			s.snap.BGSave(s.clk.NowMillis()/1000, func(err error) {
				if err != nil {
					log.Printf("[SNAPSHOT] background save failed: %v", err)
				}
			})
			return
		}
	}
}

// checkMemory enforces the noeviction maxmemory policy: when the heap
// outgrows the bound, writes are refused with OOM until it shrinks.
func (s *Server) checkMemory() {
	if s.cfg.MaxMemoryBytes <= 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.memOK.Store(int64(ms.HeapAlloc) <= s.cfg.MaxMemoryBytes)
}

func (s *Server) sampleMetrics() {
	keys := int64(0)
	for i := 0; i < s.ks.Count(); i++ {
		keys += int64(s.ks.DB(i).Size())
	}
	aofSize := int64(0)
	if s.aof != nil {
		aofSize = s.aof.Size()
	}
	offset := s.leader.Offset()
	if r := s.currentReplica(); r != nil {
		offset = r.Offset()
	}
	s.metrics.SetSampled(offset, int64(s.leader.PeerCount()), aofSize, keys)
}

func (s *Server) currentReplica() *replication.Replica {
	s.replicaMu.Lock()
	defer s.replicaMu.Unlock()
	return s.replica
}

// feedStream pushes a frame to the replication stream only (heartbeats
// and other non-durable traffic).
func (s *Server) feedStream(frame []byte) {
	s.propMu.Lock()
	defer s.propMu.Unlock()
	s.leader.Feed(frame)
}

// --- command.Admin implementation ---

// Propagate serializes args as a canonical frame and hands it to the
// append log and the replication stream, inserting a SELECT frame when
// the target database changes. Callers on the write path already hold
// the keyspace serializer, so stream order equals commit order.
func (s *Server) Propagate(dbIndex int, args []string) {
	canonical := make([]string, len(args))
	copy(canonical, args)
	canonical[0] = strings.ToUpper(canonical[0])
	frame := resp.AppendCommand(nil, canonical...)

	s.propMu.Lock()
	if dbIndex != s.lastStreamDB {
		s.leader.Feed(resp.AppendCommand(nil, "SELECT", strconv.Itoa(dbIndex)))
		s.lastStreamDB = dbIndex
	}
	s.leader.Feed(frame)
	aof := s.aof
	s.propMu.Unlock()

	if aof != nil {
		if err := aof.Append(dbIndex, frame); err != nil {
			log.Printf("[AOF] append failed: %v", err)
		}
	}
}

func (s *Server) Save() error {
	if s.snap.InProgress() {
		return protoerr.Busy("Background save in progress")
	}
	s.lastSaveCheckOffset.Store(s.ks.Offset())
	s.lastSaveCheckTime.Store(s.clk.NowMillis())
	return s.snap.Save(s.clk.NowMillis() / 1000)
}

func (s *Server) BGSave() error {
	s.lastSaveCheckOffset.Store(s.ks.Offset())
	s.lastSaveCheckTime.Store(s.clk.NowMillis())
	s.snap.BGSave(s.clk.NowMillis()/1000, func(err error) {
		if err != nil {
			log.Printf("[SNAPSHOT] background save failed: %v", err)
		}
	})
	return nil
}

func (s *Server) BGRewriteAOF() error {
	if s.aof == nil {
		return protoerr.New(protoerr.KindErr, "append only file is not enabled")
	}
	s.aof.Rewrite(func(err error) {
		if err != nil {
			log.Printf("[AOF] rewrite failed: %v", err)
		}
	})
	return nil
}

func (s *Server) LastSaveUnix() int64 { return s.snap.LastSaveUnix() }

func (s *Server) Replication() command.ReplicationStatus {
	if r := s.currentReplica(); r != nil {
		return command.ReplicationStatus{
			Role:       "slave",
			ReplID:     s.leader.ReplID(),
			Offset:     r.Offset(),
			LeaderHost: r.LeaderHost(),
			LeaderPort: r.LeaderPort(),
			LinkStatus: r.Status(),
		}
	}
	peers := s.leader.Peers()
	followers := make([]command.FollowerInfo, len(peers))
	for i, p := range peers {
		followers[i] = command.FollowerInfo{Addr: p.Addr, AckOffset: p.AckOffset}
	}
	return command.ReplicationStatus{
		Role:      "master",
		ReplID:    s.leader.ReplID(),
		Offset:    s.leader.Offset(),
		Followers: followers,
	}
}

// ReplicaOf switches roles. "NO ONE" promotes to leader with a fresh
// replication id, keeping data; anything else demotes to follower of
// the given leader, discarding local state before the handshake.
func (s *Server) ReplicaOf(host, port string) error {
	if strings.EqualFold(host, "no") && strings.EqualFold(port, "one") {
		s.replicaMu.Lock()
		r := s.replica
		s.replica = nil
		s.replicaMu.Unlock()
		if r != nil {
			r.Stop()
			s.leader.ResetAsNewEpoch()
			log.Printf("[REPLICATION] promoted to leader")
		}
		return nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return protoerr.New(protoerr.KindErr, "Invalid master port")
	}

	s.replicaMu.Lock()
	old := s.replica
	s.replica = nil
	s.replicaMu.Unlock()
	if old != nil {
		old.Stop()
	}

	s.ks.WithSerializer(func() {
		s.ks.FlushAll()
	})

	r := replication.NewReplica(host, port, strconv.Itoa(s.cfg.Port), s.applyReplicated, s.loadImage)
	s.replicaMu.Lock()
	s.replica = r
	s.replicaMu.Unlock()
	r.Start()
	log.Printf("[REPLICATION] now replicating from %s:%s", host, port)
	return nil
}

func (s *Server) WaitForAcks(numReplicas int, timeoutMillis int64, done <-chan struct{}) int {
	target := s.leader.Offset()
	return s.leader.WaitForAcks(numReplicas, target, time.Duration(timeoutMillis)*time.Millisecond, done)
}

func (s *Server) IsReadOnlyReplica() bool {
	return s.currentReplica() != nil
}

func (s *Server) ClientList() []string {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	out := make([]string, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, fmt.Sprintf("id=%d addr=%s name=%s db=%d",
			c.id, c.conn.RemoteAddr(), c.cc.Name, c.cc.DBIndex))
	}
	sort.Strings(out)
	return out
}

func (s *Server) ConfigGet(param string) (string, bool) {
	switch param {
	case "maxmemory":
		return strconv.FormatInt(s.cfg.MaxMemoryBytes, 10), true
	case "maxmemory-policy":
		return s.cfg.MaxMemoryPolicy, true
	case "maxclients":
		return strconv.Itoa(s.cfg.MaxClients), true
	case "databases":
		return strconv.Itoa(s.cfg.Databases), true
	case "dir":
		return s.cfg.Dir, true
	case "dbfilename":
		return s.cfg.DBFilename, true
	case "appendfilename":
		return s.cfg.AppendFilename, true
	case "appendonly":
		if s.cfg.AOFEnabled {
			return "yes", true
		}
		return "no", true
	case "appendfsync":
		return s.cfg.AOFFsync, true
	case "save":
		parts := make([]string, 0, len(s.cfg.SaveRules)*2)
		for _, r := range s.cfg.SaveRules {
			parts = append(parts, strconv.FormatInt(r.Seconds, 10), strconv.FormatUint(r.Changes, 10))
		}
		return strings.Join(parts, " "), true
	case "repl-backlog-size":
		return strconv.Itoa(s.cfg.ReplBacklogSize), true
	case "proto-max-bulk-len":
		return strconv.Itoa(s.cfg.ProtoMaxBulkLen), true
	case "bind":
		return s.cfg.Bind, true
	case "port":
		return strconv.Itoa(s.cfg.Port), true
	default:
		return "", false
	}
}

func (s *Server) ConfigSet(param, value string) error {
	switch param {
	case "maxmemory":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return protoerr.New(protoerr.KindErr, "argument couldn't be parsed into an integer")
		}
		s.cfg.MaxMemoryBytes = n
		if n == 0 {
			s.memOK.Store(true)
		}
		return nil
	case "requirepass":
		s.cfg.RequirePass = value
		return nil
	default:
		return protoerr.New(protoerr.KindErr, "Unsupported CONFIG parameter: %s", param)
	}
}

func (s *Server) MemoryOK() bool { return s.memOK.Load() }

// Shutdown performs a final save when requested and exits the process.
func (s *Server) Shutdown(save bool) {
	log.Printf("[TCP] shutdown requested (save=%v)", save)
	if save && !s.IsReadOnlyReplica() {
		if err := s.snap.Save(s.clk.NowMillis() / 1000); err != nil {
			log.Printf("[SNAPSHOT] final save failed: %v", err)
		}
	}
	if s.aof != nil {
		if err := s.aof.Close(); err != nil {
			log.Printf("[AOF] close failed: %v", err)
		}
	}
	os.Exit(0)
}

// IsLoading is consulted by the connection loop so commands arriving
// during a (re)load get a LOADING error instead of a partial view.
func (s *Server) IsLoading() bool { return s.loading.Load() }

// ListenAddr returns the bound listen address, or nil before Run has
// opened the socket. Useful when the configured port is 0.
func (s *Server) ListenAddr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) registerClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
}

func (s *Server) unregisterClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
}
