package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMembershipV4 = []byte("membership_v4")
	bucketMembershipV6 = []byte("membership_v6")
	bucketRules        = []byte("rules")
	bucketDaemons      = []byte("daemons")
	bucketParams       = []byte("params")
	bucketStats        = []byte("stats")

	memberMark = []byte{1}
)

// BoltBackend implements Backend on a single bbolt file.
//
// Layout:
//
//	membership_v4, membership_v6   {matchclass}:{domain} -> 1
//	rules                          {matchclass}:{qtype} -> ip
//	daemons/{id}/params            param -> JSON list
//	daemons/{id}/stats             counter -> big-endian int64
//
// Pattern arguments are glob patterns.
type BoltBackend struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltBackend opens the database file and creates the top-level buckets.
func NewBoltBackend(cfg *BoltConfig, logger *slog.Logger) (*BoltBackend, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMembershipV4, bucketMembershipV6, bucketRules, bucketDaemons} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltBackend{db: db, logger: logger}, nil
}

func membershipBucket(f Family) []byte {
	if f == FamilyIPv4 {
		return bucketMembershipV4
	}
	return bucketMembershipV6
}

func compilePattern(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return g, nil
}

func (b *BoltBackend) view(op string, fn func(tx *bolt.Tx) error) error {
	if err := b.db.View(fn); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (b *BoltBackend) update(op string, fn func(tx *bolt.Tx) error) error {
	if err := b.db.Update(fn); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// Exists implements Store.
func (b *BoltBackend) Exists(_ context.Context, matchclass, domain string, ipv4 bool) (bool, error) {
	var found bool
	err := b.view("exists", func(tx *bolt.Tx) error {
		found = tx.Bucket(membershipBucket(FamilyFor(ipv4))).Get([]byte(MembershipKey(matchclass, domain))) != nil
		return nil
	})
	return found, err
}

// Ping implements Store.
func (b *BoltBackend) Ping(_ context.Context) error {
	return b.view("ping", func(*bolt.Tx) error { return nil })
}

// Close implements Store.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// daemonBucket returns the nested bucket for daemonID, creating it when
// the transaction is writable. It returns nil on a read-only miss.
func daemonBucket(tx *bolt.Tx, daemonID string, name []byte) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketDaemons)
	if !tx.Writable() {
		d := root.Bucket([]byte(daemonID))
		if d == nil {
			return nil, nil
		}
		return d.Bucket(name), nil
	}
	d, err := root.CreateBucketIfNotExists([]byte(daemonID))
	if err != nil {
		return nil, err
	}
	return d.CreateBucketIfNotExists(name)
}

func readParam(bkt *bolt.Bucket, param Param) ([]string, error) {
	if bkt == nil {
		return nil, nil
	}
	raw := bkt.Get([]byte(param))
	if raw == nil {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", param, err)
	}
	return values, nil
}

func writeParam(bkt *bolt.Bucket, param Param, values []string) error {
	if len(values) == 0 {
		return bkt.Delete([]byte(param))
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(param), raw)
}

// DaemonConfig implements Backend.
func (b *BoltBackend) DaemonConfig(_ context.Context, daemonID string) (*DaemonConfig, error) {
	cfg := &DaemonConfig{DaemonID: daemonID}
	err := b.view("daemon config", func(tx *bolt.Tx) error {
		bkt, err := daemonBucket(tx, daemonID, bucketParams)
		if err != nil {
			return err
		}
		for _, p := range Params {
			values, err := readParam(bkt, p)
			if err != nil {
				return err
			}
			cfg.set(p, values)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// AppendParam implements Backend.
func (b *BoltBackend) AppendParam(_ context.Context, daemonID string, param Param, values []string) error {
	if len(values) == 0 {
		return nil
	}
	return b.update("append param", func(tx *bolt.Tx) error {
		bkt, err := daemonBucket(tx, daemonID, bucketParams)
		if err != nil {
			return err
		}
		current, err := readParam(bkt, param)
		if err != nil {
			return err
		}
		return writeParam(bkt, param, append(current, values...))
	})
}

// ReplaceParam implements Backend.
func (b *BoltBackend) ReplaceParam(_ context.Context, daemonID string, param Param, values []string) error {
	return b.update("replace param", func(tx *bolt.Tx) error {
		bkt, err := daemonBucket(tx, daemonID, bucketParams)
		if err != nil {
			return err
		}
		return writeParam(bkt, param, values)
	})
}

// ClearParam implements Backend.
func (b *BoltBackend) ClearParam(_ context.Context, daemonID string, param Param) error {
	return b.update("clear param", func(tx *bolt.Tx) error {
		bkt, err := daemonBucket(tx, daemonID, bucketParams)
		if err != nil {
			return err
		}
		return bkt.Delete([]byte(param))
	})
}

func encodeCounter(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeCounter(raw []byte) int64 {
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

// IncrStats implements Backend.
func (b *BoltBackend) IncrStats(_ context.Context, daemonID string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	return b.update("incr stats", func(tx *bolt.Tx) error {
		bkt, err := daemonBucket(tx, daemonID, bucketStats)
		if err != nil {
			return err
		}
		for name, delta := range deltas {
			key := []byte(name)
			if err := bkt.Put(key, encodeCounter(decodeCounter(bkt.Get(key))+delta)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats implements Backend.
func (b *BoltBackend) Stats(_ context.Context, daemonID, pattern string) (map[string]int64, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	err = b.view("stats", func(tx *bolt.Tx) error {
		bkt, err := daemonBucket(tx, daemonID, bucketStats)
		if err != nil || bkt == nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			if g.Match(string(k)) {
				out[string(k)] = decodeCounter(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearStats implements Backend.
func (b *BoltBackend) ClearStats(_ context.Context, daemonID, pattern string) (int, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = b.update("clear stats", func(tx *bolt.Tx) error {
		bkt, err := daemonBucket(tx, daemonID, bucketStats)
		if err != nil {
			return err
		}
		var doomed [][]byte
		if err := bkt.ForEach(func(k, _ []byte) error {
			if g.Match(string(k)) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range doomed {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

// MatchclassInfo implements Backend.
func (b *BoltBackend) MatchclassInfo(_ context.Context, matchclass string) (*MatchclassInfo, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return nil, err
	}
	info := &MatchclassInfo{Name: matchclass}
	prefix := []byte(matchclass + ":")

	countPrefix := func(bkt *bolt.Bucket) int64 {
		var n int64
		c := bkt.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return n
	}

	err := b.view("matchclass info", func(tx *bolt.Tx) error {
		info.IPv4Domains = countPrefix(tx.Bucket(bucketMembershipV4))
		info.IPv6Domains = countPrefix(tx.Bucket(bucketMembershipV6))

		c := tx.Bucket(bucketRules).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if info.Rules == nil {
				info.Rules = make(map[string]string)
			}
			info.Rules[string(k[len(prefix):])] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// DropMatchclasses implements Backend.
func (b *BoltBackend) DropMatchclasses(_ context.Context, pattern string) ([]string, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	dropped := make(map[string]struct{})

	err = b.update("drop matchclasses", func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMembershipV4, bucketMembershipV6, bucketRules} {
			bkt := tx.Bucket(name)
			var doomed [][]byte
			if err := bkt.ForEach(func(k, _ []byte) error {
				matchclass, _, ok := bytes.Cut(k, []byte{':'})
				if ok && g.Match(string(matchclass)) {
					dropped[string(matchclass)] = struct{}{}
					doomed = append(doomed, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range doomed {
				if err := bkt.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortedKeys(dropped), nil
}

// Feed implements Backend.
func (b *BoltBackend) Feed(_ context.Context, matchclass string, domains []string, family Family) (int, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return 0, err
	}
	families := family.families()
	if len(families) == 0 {
		return 0, fmt.Errorf("no address family selected")
	}

	err := b.update("feed", func(tx *bolt.Tx) error {
		for _, f := range families {
			bkt := tx.Bucket(membershipBucket(f))
			for _, domain := range domains {
				if err := bkt.Put([]byte(MembershipKey(matchclass, domain)), memberMark); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(domains), nil
}

// SetRule implements Backend.
func (b *BoltBackend) SetRule(_ context.Context, matchclass, qtype, ip string) error {
	if err := ValidateMatchclass(matchclass); err != nil {
		return err
	}
	return b.update("set rule", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Put([]byte(matchclass+":"+NormalizeQtype(qtype)), []byte(ip))
	})
}

// DeleteRule implements Backend.
func (b *BoltBackend) DeleteRule(_ context.Context, matchclass, qtype string) (bool, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return false, err
	}
	var existed bool
	err := b.update("delete rule", func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRules)
		key := []byte(matchclass + ":" + NormalizeQtype(qtype))
		existed = bkt.Get(key) != nil
		return bkt.Delete(key)
	})
	return existed, err
}
