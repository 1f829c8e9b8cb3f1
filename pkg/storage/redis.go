package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-redis/redis/v8"
)

const (
	redisScanCount = 500
	redisBatchSize = 1000
)

// RedisBackend implements Backend on a Redis server.
//
// Keyspace:
//
//	{matchclass}:{domain}        hash, fields "A" and/or "AAAA"
//	rules:{matchclass}           hash, qtype -> ip
//	daemon:{id}:{param}          list
//	daemon:{id}:stats            hash, counter -> value
type RedisBackend struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisBackend connects to Redis and verifies the server answers.
func NewRedisBackend(ctx context.Context, cfg *RedisConfig, logger *slog.Logger) (*RedisBackend, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, ErrInvalidConfig
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   -1,
	})

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return newRedisBackend(client, logger), nil
}

func newRedisBackend(client redis.UniversalClient, logger *slog.Logger) *RedisBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackend{client: client, logger: logger}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

// Exists implements Store.
func (r *RedisBackend) Exists(ctx context.Context, matchclass, domain string, ipv4 bool) (bool, error) {
	ok, err := r.client.HExists(ctx, MembershipKey(matchclass, domain), FamilyFor(ipv4).Field()).Result()
	if err != nil {
		return false, storeErr("hexists", err)
	}
	return ok, nil
}

// Ping implements Store.
func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close implements Store.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// DaemonConfig implements Backend.
func (r *RedisBackend) DaemonConfig(ctx context.Context, daemonID string) (*DaemonConfig, error) {
	cfg := &DaemonConfig{DaemonID: daemonID}
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range Params {
			pipe.LRange(ctx, daemonKey(daemonID, string(p)), 0, -1)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("lrange", err)
	}
	for i, p := range Params {
		values, err := cmds[i].(*redis.StringSliceCmd).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, storeErr("lrange", err)
		}
		cfg.set(p, values)
	}
	return cfg, nil
}

// AppendParam implements Backend.
func (r *RedisBackend) AppendParam(ctx context.Context, daemonID string, param Param, values []string) error {
	if len(values) == 0 {
		return nil
	}
	if err := r.client.RPush(ctx, daemonKey(daemonID, string(param)), toInterfaces(values)...).Err(); err != nil {
		return storeErr("rpush", err)
	}
	return nil
}

// ReplaceParam implements Backend.
func (r *RedisBackend) ReplaceParam(ctx context.Context, daemonID string, param Param, values []string) error {
	key := daemonKey(daemonID, string(param))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, toInterfaces(values)...)
		}
		return nil
	})
	if err != nil {
		return storeErr("replace", err)
	}
	return nil
}

// ClearParam implements Backend.
func (r *RedisBackend) ClearParam(ctx context.Context, daemonID string, param Param) error {
	if err := r.client.Del(ctx, daemonKey(daemonID, string(param))).Err(); err != nil {
		return storeErr("del", err)
	}
	return nil
}

// IncrStats implements Backend.
func (r *RedisBackend) IncrStats(ctx context.Context, daemonID string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	key := daemonKey(daemonID, "stats")
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, delta := range deltas {
			pipe.HIncrBy(ctx, key, name, delta)
		}
		return nil
	})
	if err != nil {
		return storeErr("hincrby", err)
	}
	return nil
}

// Stats implements Backend.
func (r *RedisBackend) Stats(ctx context.Context, daemonID, pattern string) (map[string]int64, error) {
	key := daemonKey(daemonID, "stats")
	out := make(map[string]int64)
	iter := r.client.HScan(ctx, key, 0, pattern, redisScanCount).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		value, err := strconv.ParseInt(iter.Val(), 10, 64)
		if err != nil {
			r.logger.Warn("Ignoring non-numeric statistics counter", "counter", field, "value", iter.Val())
			continue
		}
		out[field] = value
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("hscan", err)
	}
	return out, nil
}

// ClearStats implements Backend.
func (r *RedisBackend) ClearStats(ctx context.Context, daemonID, pattern string) (int, error) {
	stats, err := r.Stats(ctx, daemonID, pattern)
	if err != nil {
		return 0, err
	}
	if len(stats) == 0 {
		return 0, nil
	}
	fields := make([]string, 0, len(stats))
	for name := range stats {
		fields = append(fields, name)
	}
	removed, err := r.client.HDel(ctx, daemonKey(daemonID, "stats"), fields...).Result()
	if err != nil {
		return 0, storeErr("hdel", err)
	}
	return int(removed), nil
}

// MatchclassInfo implements Backend.
func (r *RedisBackend) MatchclassInfo(ctx context.Context, matchclass string) (*MatchclassInfo, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return nil, err
	}
	info := &MatchclassInfo{Name: matchclass}

	var keys []string
	iter := r.client.Scan(ctx, 0, MembershipKey(matchclass, "*"), redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan", err)
	}

	for start := 0; start < len(keys); start += redisBatchSize {
		end := min(start+redisBatchSize, len(keys))
		cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range keys[start:end] {
				pipe.HMGet(ctx, key, FamilyIPv4.Field(), FamilyIPv6.Field())
			}
			return nil
		})
		if err != nil {
			return nil, storeErr("hmget", err)
		}
		for _, cmd := range cmds {
			vals, err := cmd.(*redis.SliceCmd).Result()
			if err != nil {
				return nil, storeErr("hmget", err)
			}
			if vals[0] != nil {
				info.IPv4Domains++
			}
			if vals[1] != nil {
				info.IPv6Domains++
			}
		}
	}

	rules, err := r.client.HGetAll(ctx, rulesKey(matchclass)).Result()
	if err != nil {
		return nil, storeErr("hgetall", err)
	}
	if len(rules) > 0 {
		info.Rules = rules
	}
	return info, nil
}

// DropMatchclasses implements Backend.
func (r *RedisBackend) DropMatchclasses(ctx context.Context, pattern string) ([]string, error) {
	dropped := make(map[string]struct{})
	var batch []string

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.client.Unlink(ctx, batch...).Err(); err != nil {
			return storeErr("unlink", err)
		}
		batch = batch[:0]
		return nil
	}

	iter := r.client.Scan(ctx, 0, pattern+":*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		matchclass, _, ok := splitMembershipKey(key)
		if !ok {
			continue
		}
		dropped[matchclass] = struct{}{}
		batch = append(batch, key)
		if len(batch) >= redisBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan", err)
	}

	rulesIter := r.client.Scan(ctx, 0, rulesKey(pattern), redisScanCount).Iterator()
	for rulesIter.Next(ctx) {
		key := rulesIter.Val()
		dropped[key[len(rulesPrefix)+1:]] = struct{}{}
		batch = append(batch, key)
	}
	if err := rulesIter.Err(); err != nil {
		return nil, storeErr("scan", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return sortedKeys(dropped), nil
}

// Feed implements Backend.
func (r *RedisBackend) Feed(ctx context.Context, matchclass string, domains []string, family Family) (int, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return 0, err
	}
	fields := make([]interface{}, 0, 4)
	for _, f := range family.families() {
		fields = append(fields, f.Field(), "1")
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("no address family selected")
	}

	fed := 0
	for start := 0; start < len(domains); start += redisBatchSize {
		end := min(start+redisBatchSize, len(domains))
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, domain := range domains[start:end] {
				pipe.HSet(ctx, MembershipKey(matchclass, domain), fields...)
			}
			return nil
		})
		if err != nil {
			return fed, storeErr("hset", err)
		}
		fed += end - start
	}
	return fed, nil
}

// SetRule implements Backend.
func (r *RedisBackend) SetRule(ctx context.Context, matchclass, qtype, ip string) error {
	if err := ValidateMatchclass(matchclass); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, rulesKey(matchclass), NormalizeQtype(qtype), ip).Err(); err != nil {
		return storeErr("hset", err)
	}
	return nil
}

// DeleteRule implements Backend.
func (r *RedisBackend) DeleteRule(ctx context.Context, matchclass, qtype string) (bool, error) {
	if err := ValidateMatchclass(matchclass); err != nil {
		return false, err
	}
	n, err := r.client.HDel(ctx, rulesKey(matchclass), NormalizeQtype(qtype)).Result()
	if err != nil {
		return false, storeErr("hdel", err)
	}
	return n > 0, nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
