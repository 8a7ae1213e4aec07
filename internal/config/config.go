// Package config loads server parameters from flags, environment variables,
// and an optional .env file, in that order of precedence. An optional
// positional argument overrides the port.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SaveRule is one snapshot trigger: save after Seconds have elapsed if
// at least Changes effective writes happened since the last save.
type SaveRule struct {
	Seconds int64
	Changes uint64
}

// Config is the resolved view of every parameter the server needs at boot.
type Config struct {
	Bind string
	Port int

	Databases  int
	MaxClients int

	RequirePass string

	MaxMemoryBytes  int64
	MaxMemoryPolicy string

	Dir            string
	DBFilename     string
	AppendFilename string

	SaveRules  []SaveRule
	AOFEnabled bool
	AOFFsync   string // always | everysec | no

	AutoAOFRewritePercentage int
	AutoAOFRewriteMinSize    int64

	ReplicaOf       string // "host port", empty if not a replica
	ReplBacklogSize int

	ProtoMaxBulkLen int

	TTLSampleInterval time.Duration
	TTLSampleSize     int

	MetricsAddr string

	GracefulShutdown time.Duration
}

// Addr returns the RESP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// SnapshotPath and AOFPath join the configured dir with the filenames.
func (c *Config) SnapshotPath() string { return filepath.Join(c.Dir, c.DBFilename) }
func (c *Config) AOFPath() string      { return filepath.Join(c.Dir, c.AppendFilename) }

// Load resolves Config from CLI flags layered over environment variables
// layered over a .env file, mirroring the three-layer precedence the
// original cache server used. args is os.Args[1:].
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[CONFIG] no .env file found, relying on process environment")
	} else {
		log.Println("[CONFIG] loaded environment variables from .env")
	}

	var (
		bindEnv     = getEnv("BIND", "0.0.0.0")
		portEnv     = getEnv("PORT", "6379")
		dbsEnv      = getEnv("DATABASES", "16")
		clientsEnv  = getEnv("MAXCLIENTS", "10000")
		passEnv     = getEnv("REQUIREPASS", "")
		maxMemEnv   = getEnv("MAXMEMORY", "0")
		dirEnv      = getEnv("DIR", "./data")
		dbfileEnv   = getEnv("DBFILENAME", "dump.rdb")
		aoffileEnv  = getEnv("APPENDFILENAME", "appendonly.aof")
		saveEnv     = getEnv("SAVE", "900 1 300 10 60 10000")
		aofEnv      = getEnv("APPENDONLY", "no")
		fsyncEnv    = getEnv("APPENDFSYNC", "everysec")
		rewritePct  = getEnv("AUTO_AOF_REWRITE_PERCENTAGE", "100")
		rewriteMin  = getEnv("AUTO_AOF_REWRITE_MIN_SIZE", "67108864")
		replicaEnv  = getEnv("REPLICAOF", "")
		backlogEnv  = getEnv("REPL_BACKLOG_SIZE", "1048576")
		bulkEnv     = getEnv("PROTO_MAX_BULK_LEN", "536870912")
		ttlIntEnv   = getEnv("TTL_SAMPLE_INTERVAL_MS", "100")
		ttlSizeEnv  = getEnv("TTL_SAMPLE_SIZE", "20")
		metricsEnv  = getEnv("METRICS_ADDR", ":9121")
		gracefulEnv = getEnv("GRACEFUL_SHUTDOWN_SEC", "10")
	)

	fs := flag.NewFlagSet("kvstore-server", flag.ContinueOnError)
	var (
		bindFlag       = fs.String("bind", bindEnv, "listen address")
		portFlag       = fs.Int("port", atoiDefault(portEnv, 6379), "listen port")
		dbsFlag        = fs.Int("databases", atoiDefault(dbsEnv, 16), "number of logical databases")
		clientsFlag    = fs.Int("maxclients", atoiDefault(clientsEnv, 10000), "max simultaneous clients")
		passFlag       = fs.String("requirepass", passEnv, "required AUTH password, empty disables AUTH")
		maxMemFlag     = fs.Int64("maxmemory", atoi64Default(maxMemEnv, 0), "max memory in bytes, 0 means unlimited")
		maxMemPolFlag  = fs.String("maxmemory-policy", getEnv("MAXMEMORY_POLICY", "noeviction"), "eviction policy")
		dirFlag        = fs.String("dir", dirEnv, "working directory for persisted files")
		dbfileFlag     = fs.String("dbfilename", dbfileEnv, "snapshot filename")
		aoffileFlag    = fs.String("appendfilename", aoffileEnv, "append-only log filename")
		saveFlag       = fs.String("save", saveEnv, "snapshot rules: \"sec changes [sec changes ...]\", empty disables")
		aofFlag        = fs.String("appendonly", aofEnv, "enable the append-only log: yes|no")
		fsyncFlag      = fs.String("appendfsync", fsyncEnv, "append fsync policy: always|everysec|no")
		rewritePctFlag = fs.Int("auto-aof-rewrite-percentage", atoiDefault(rewritePct, 100), "log growth percentage triggering rewrite, 0 disables")
		rewriteMinFlag = fs.Int64("auto-aof-rewrite-min-size", atoi64Default(rewriteMin, 64<<20), "minimum log size before auto rewrite")
		replicaFlag    = fs.String("replicaof", replicaEnv, "\"host port\" of a leader to replicate from")
		backlogFlag    = fs.Int("repl-backlog-size", atoiDefault(backlogEnv, 1<<20), "replication backlog ring size in bytes")
		bulkFlag       = fs.Int("proto-max-bulk-len", atoiDefault(bulkEnv, 512<<20), "max bulk string length in bytes")
		ttlIntFlag     = fs.Int("ttl-sample-interval-ms", atoiDefault(ttlIntEnv, 100), "active expiration sweep tick in ms")
		ttlSizeFlag    = fs.Int("ttl-sample-size", atoiDefault(ttlSizeEnv, 20), "keys sampled per db per sweep tick")
		metricsFlag    = fs.String("metrics-addr", metricsEnv, "debug/metrics HTTP listen address, empty disables")
		gracefulFlag   = fs.Int("graceful", atoiDefault(gracefulEnv, 10), "graceful shutdown timeout in seconds")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	port := *portFlag
	if rest := fs.Args(); len(rest) > 0 {
		p, err := strconv.Atoi(rest[0])
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port argument %q", rest[0])
		}
		port = p
	}

	switch *fsyncFlag {
	case "always", "everysec", "no":
	default:
		return nil, fmt.Errorf("invalid appendfsync policy %q", *fsyncFlag)
	}

	switch *aofFlag {
	case "yes", "no":
	default:
		return nil, fmt.Errorf("invalid appendonly value %q (want yes|no)", *aofFlag)
	}

	if *maxMemPolFlag != "noeviction" {
		return nil, fmt.Errorf("unsupported maxmemory-policy %q", *maxMemPolFlag)
	}

	rules, err := parseSaveRules(*saveFlag)
	if err != nil {
		return nil, err
	}

	if *dbsFlag <= 0 || *dbsFlag > 255 {
		return nil, fmt.Errorf("databases must be in 1..255, got %d", *dbsFlag)
	}

	return &Config{
		Bind:                     *bindFlag,
		Port:                     port,
		Databases:                *dbsFlag,
		MaxClients:               *clientsFlag,
		RequirePass:              *passFlag,
		MaxMemoryBytes:           *maxMemFlag,
		MaxMemoryPolicy:          *maxMemPolFlag,
		Dir:                      *dirFlag,
		DBFilename:               *dbfileFlag,
		AppendFilename:           *aoffileFlag,
		SaveRules:                rules,
		AOFEnabled:               *aofFlag == "yes",
		AOFFsync:                 *fsyncFlag,
		AutoAOFRewritePercentage: *rewritePctFlag,
		AutoAOFRewriteMinSize:    *rewriteMinFlag,
		ReplicaOf:                *replicaFlag,
		ReplBacklogSize:          *backlogFlag,
		ProtoMaxBulkLen:          *bulkFlag,
		TTLSampleInterval:        time.Duration(*ttlIntFlag) * time.Millisecond,
		TTLSampleSize:            *ttlSizeFlag,
		MetricsAddr:              *metricsFlag,
		GracefulShutdown:         time.Duration(*gracefulFlag) * time.Second,
	}, nil
}

// parseSaveRules parses "sec changes [sec changes ...]"; the empty string
// (or the literal "") disables snapshot rules.
func parseSaveRules(s string) ([]SaveRule, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == `""` {
		return nil, nil
	}
	fields := strings.Fields(s)
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("save rules need pairs of \"seconds changes\", got %q", s)
	}
	rules := make([]SaveRule, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		secs, err1 := strconv.ParseInt(fields[i], 10, 64)
		changes, err2 := strconv.ParseUint(fields[i+1], 10, 64)
		if err1 != nil || err2 != nil || secs <= 0 {
			return nil, fmt.Errorf("bad save rule %q %q", fields[i], fields[i+1])
		}
		rules = append(rules, SaveRule{Seconds: secs, Changes: changes})
	}
	return rules, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func atoiDefault(s string, defaultValue int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return defaultValue
}

func atoi64Default(s string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	return defaultValue
}
