// Package storage holds the rule store the DNS handler reads from and the
// control-plane keyspace the management CLI writes to. Redis is the primary
// backend; SQLite and bbolt are embedded alternatives with the same semantics.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is the read side used on the request path.
// Implementations must be safe for concurrent use.
type Store interface {
	// Exists reports whether domain is a member of matchclass for the
	// address family of the client (IPv4 when ipv4 is true, IPv6 otherwise).
	Exists(ctx context.Context, matchclass, domain string, ipv4 bool) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend is a Store that also carries the per-daemon configuration,
// statistics and matchclass management operations.
type Backend interface {
	Store

	// Daemon configuration
	DaemonConfig(ctx context.Context, daemonID string) (*DaemonConfig, error)
	AppendParam(ctx context.Context, daemonID string, param Param, values []string) error
	ReplaceParam(ctx context.Context, daemonID string, param Param, values []string) error
	ClearParam(ctx context.Context, daemonID string, param Param) error

	// Statistics
	IncrStats(ctx context.Context, daemonID string, deltas map[string]int64) error
	Stats(ctx context.Context, daemonID, pattern string) (map[string]int64, error)
	ClearStats(ctx context.Context, daemonID, pattern string) (int, error)

	// Matchclasses and rules
	MatchclassInfo(ctx context.Context, matchclass string) (*MatchclassInfo, error)
	DropMatchclasses(ctx context.Context, pattern string) ([]string, error)
	Feed(ctx context.Context, matchclass string, domains []string, family Family) (int, error)
	SetRule(ctx context.Context, matchclass, qtype, ip string) error
	DeleteRule(ctx context.Context, matchclass, qtype string) (bool, error)
}

// Param names one list of the per-daemon configuration.
type Param string

const (
	ParamBinds        Param = "binds"
	ParamForwarders   Param = "forwarders"
	ParamBlackholeIPs Param = "blackhole_ips"
	ParamBlockedIPs   Param = "blocked_ips"
)

// Params lists every daemon parameter in display order.
var Params = []Param{ParamBinds, ParamForwarders, ParamBlackholeIPs, ParamBlockedIPs}

// ParseParam accepts both the underscore and the dash spelling.
func ParseParam(s string) (Param, error) {
	p := Param(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Params {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownParam, s)
}

// DaemonConfig is the control-plane view of one daemon.
type DaemonConfig struct {
	DaemonID     string   `json:"daemon_id" yaml:"daemon_id"`
	Binds        []string `json:"binds" yaml:"binds"`
	Forwarders   []string `json:"forwarders" yaml:"forwarders"`
	BlackholeIPs []string `json:"blackhole_ips" yaml:"blackhole_ips"`
	BlockedIPs   []string `json:"blocked_ips" yaml:"blocked_ips"`
}

// Values returns the list stored under param.
func (d *DaemonConfig) Values(param Param) []string {
	switch param {
	case ParamBinds:
		return d.Binds
	case ParamForwarders:
		return d.Forwarders
	case ParamBlackholeIPs:
		return d.BlackholeIPs
	case ParamBlockedIPs:
		return d.BlockedIPs
	}
	return nil
}

func (d *DaemonConfig) set(param Param, values []string) {
	switch param {
	case ParamBinds:
		d.Binds = values
	case ParamForwarders:
		d.Forwarders = values
	case ParamBlackholeIPs:
		d.BlackholeIPs = values
	case ParamBlockedIPs:
		d.BlockedIPs = values
	}
}

// MatchclassInfo summarizes one matchclass.
type MatchclassInfo struct {
	Name        string            `json:"name"`
	IPv4Domains int64             `json:"ipv4_domains"`
	IPv6Domains int64             `json:"ipv6_domains"`
	Rules       map[string]string `json:"rules,omitempty"`
}

// Empty reports whether the matchclass has no members and no rules.
func (m *MatchclassInfo) Empty() bool {
	return m.IPv4Domains == 0 && m.IPv6Domains == 0 && len(m.Rules) == 0
}

// BackendType represents the type of storage backend
type BackendType string

const (
	BackendRedis  BackendType = "redis"
	BackendSQLite BackendType = "sqlite"
	BackendBolt   BackendType = "bolt"
)

// Config represents storage configuration
type Config struct {
	Backend BackendType  `yaml:"backend" validate:"oneof=redis sqlite bolt"`
	Redis   RedisConfig  `yaml:"redis"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Bolt    BoltConfig   `yaml:"bolt"`
	Cache   CacheConfig  `yaml:"cache"`
}

// RedisConfig represents Redis connection settings
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path        string `yaml:"path"`         // Database file path
	BusyTimeout int    `yaml:"busy_timeout"` // Busy timeout in milliseconds
	WALMode     bool   `yaml:"wal_mode"`     // Enable WAL mode
}

// BoltConfig represents bbolt settings
type BoltConfig struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// CacheConfig controls the existence-result cache in front of the store.
// Cached results hide control-plane edits for up to TTL.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size" validate:"gte=0"`
	TTL     time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a default storage configuration
func DefaultConfig() Config {
	return Config{
		Backend: BackendRedis,
		Redis: RedisConfig{
			Address:      "127.0.0.1:6379",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path:        "./sinkhole.db",
			BusyTimeout: 5000,
			WALMode:     true,
		},
		Bolt: BoltConfig{
			Path:        "./sinkhole.bolt",
			OpenTimeout: time.Second,
		},
		Cache: CacheConfig{
			Size: 10000,
			TTL:  30 * time.Second,
		},
	}
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.Redis.Address == "" {
		c.Redis.Address = def.Redis.Address
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = def.Redis.PoolSize
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = def.Redis.DialTimeout
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = def.Redis.ReadTimeout
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = def.Redis.WriteTimeout
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = def.SQLite.Path
	}
	if c.SQLite.BusyTimeout == 0 {
		c.SQLite.BusyTimeout = def.SQLite.BusyTimeout
	}
	if c.Bolt.Path == "" {
		c.Bolt.Path = def.Bolt.Path
	}
	if c.Bolt.OpenTimeout == 0 {
		c.Bolt.OpenTimeout = def.Bolt.OpenTimeout
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = def.Cache.Size
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = def.Cache.TTL
	}
}

// Validate validates the storage configuration
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("%w: redis.address is required", ErrInvalidConfig)
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("%w: sqlite.path is required", ErrInvalidConfig)
		}
	case BackendBolt:
		if c.Bolt.Path == "" {
			return fmt.Errorf("%w: bolt.path is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Backend)
	}
	return nil
}

// Address returns a human-readable location of the configured backend.
func (c *Config) Address() string {
	switch c.Backend {
	case BackendRedis:
		return "redis://" + c.Redis.Address
	case BackendSQLite:
		return "sqlite://" + c.SQLite.Path
	case BackendBolt:
		return "bolt://" + c.Bolt.Path
	}
	return string(c.Backend)
}
