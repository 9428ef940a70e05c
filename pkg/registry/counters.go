package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/sokovan-io/sokovan/pkg/types"
)

const (
	concurrencyKeyPrefix     = "keypair.concurrency_used."
	sftpConcurrencyKeyPrefix = "keypair.sftp_concurrency_used."
)

// CounterPair is one keypair's (regular, private) concurrency counts.
type CounterPair struct {
	Regular int
	Private int
}

// RedisConcurrency keeps per-keypair concurrency in Redis so admission
// checks never hit the relational store on the hot path. The sessions
// table stays the source of truth; RescanConcurrency re-derives the
// counters from it when drift is detected.
type RedisConcurrency struct {
	client redis.UniversalClient
}

// NewRedisConcurrency wraps an existing Redis client.
func NewRedisConcurrency(client redis.UniversalClient) *RedisConcurrency {
	return &RedisConcurrency{client: client}
}

func concurrencyKey(accessKey string, isPrivate bool) string {
	if isPrivate {
		return sftpConcurrencyKeyPrefix + accessKey
	}
	return concurrencyKeyPrefix + accessKey
}

func (r *RedisConcurrency) Get(ctx context.Context, accessKey string, isPrivate bool) (int, error) {
	n, err := r.client.Get(ctx, concurrencyKey(accessKey, isPrivate)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read concurrency counter: %w", err)
	}
	return n, nil
}

func (r *RedisConcurrency) Incr(ctx context.Context, accessKey string, isPrivate bool) error {
	if err := r.client.Incr(ctx, concurrencyKey(accessKey, isPrivate)).Err(); err != nil {
		return fmt.Errorf("failed to increment concurrency counter: %w", err)
	}
	return nil
}

// decrClampScript refuses to push a counter below zero; it returns -1 when
// the decrement had no matching increment, which signals drift.
var decrClampScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
  redis.call('SET', KEYS[1], '0')
  return -1
end
return redis.call('DECR', KEYS[1])
`)

func (r *RedisConcurrency) Decr(ctx context.Context, accessKey string, isPrivate bool) error {
	v, err := decrClampScript.Run(ctx, r.client, []string{concurrencyKey(accessKey, isPrivate)}).Int64()
	if err != nil {
		return fmt.Errorf("failed to decrement concurrency counter: %w", err)
	}
	if v < 0 {
		return &types.ConsistencyError{
			Detail: fmt.Sprintf("concurrency counter for %s already zero on decrement", accessKey),
		}
	}
	return nil
}

// Snapshot enumerates every stored counter pair, keyed by access key.
// Keys holding only one bucket report zero for the other.
func (r *RedisConcurrency) Snapshot(ctx context.Context) (map[string]CounterPair, error) {
	out := make(map[string]CounterPair)
	scan := func(prefix string, assign func(pair *CounterPair, n int)) error {
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 64).Result()
			if err != nil {
				return fmt.Errorf("failed to scan concurrency counters: %w", err)
			}
			for _, key := range keys {
				raw, err := r.client.Get(ctx, key).Result()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to read concurrency counter: %w", err)
				}
				n, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("counter %s holds non-integer %q", key, raw)
				}
				accessKey := strings.TrimPrefix(key, prefix)
				pair := out[accessKey]
				assign(&pair, n)
				out[accessKey] = pair
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}
	if err := scan(concurrencyKeyPrefix, func(p *CounterPair, n int) { p.Regular = n }); err != nil {
		return nil, err
	}
	if err := scan(sftpConcurrencyKeyPrefix, func(p *CounterPair, n int) { p.Private = n }); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisConcurrency) Set(ctx context.Context, accessKey string, regular, private int) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, concurrencyKey(accessKey, false), regular, 0)
	pipe.Set(ctx, concurrencyKey(accessKey, true), private, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set concurrency counters: %w", err)
	}
	return nil
}

// CheckKeypairConcurrency returns the policy limit and current counter for
// the keypair's (regular | private) bucket.
func (p *PG) CheckKeypairConcurrency(ctx context.Context, accessKey string, isPrivate bool) (int, int, error) {
	column := "max_concurrent_sessions"
	if isPrivate {
		column = "max_concurrent_sftp_sessions"
	}
	var limit int
	err := p.withReadRetry(ctx, func() error {
		return sqlx.GetContext(ctx, p.db, &limit, `
			SELECT p.`+column+`
			FROM keypairs k JOIN keypair_resource_policies p ON p.name = k.resource_policy
			WHERE k.access_key = $1`, accessKey)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load concurrency limit: %w", err)
	}
	used, err := p.counters.Get(ctx, accessKey, isPrivate)
	if err != nil {
		return 0, 0, err
	}
	return limit, used, nil
}

// IncrConcurrency charges one session against the keypair's bucket.
func (p *PG) IncrConcurrency(ctx context.Context, accessKey string, isPrivate bool) error {
	return p.counters.Incr(ctx, accessKey, isPrivate)
}

// DecrConcurrency refunds one session from the keypair's bucket.
func (p *PG) DecrConcurrency(ctx context.Context, accessKey string, isPrivate bool) error {
	return p.counters.Decr(ctx, accessKey, isPrivate)
}

// RescanConcurrency recomputes both buckets from the sessions table and
// overwrites the fast counters. This is the drift repair path, and also
// the initializer for keypairs whose counters were flushed.
func (p *PG) RescanConcurrency(ctx context.Context, accessKey string) error {
	type bucketRow struct {
		IsPrivate bool `db:"is_private"`
		N         int  `db:"n"`
	}
	query, args, err := sqlx.In(`
		SELECT is_private, count(*) AS n
		FROM sessions
		WHERE access_key = ? AND status IN (?)
		GROUP BY is_private`,
		accessKey, types.OccupyingStatuses)
	if err != nil {
		return err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	var rows []bucketRow
	if err := sqlx.SelectContext(ctx, p.db, &rows, query, args...); err != nil {
		return fmt.Errorf("failed to rescan concurrency: %w", err)
	}
	regular, private := 0, 0
	for _, row := range rows {
		if row.IsPrivate {
			private = row.N
		} else {
			regular = row.N
		}
	}
	p.logger.Debug().
		Str("access_key", accessKey).
		Int("regular", regular).
		Int("private", private).
		Msg("rescanned concurrency counters")
	return p.counters.Set(ctx, accessKey, regular, private)
}

// DetectConcurrencyDrift compares every stored counter pair against the
// occupying-session counts in the sessions table and returns the access
// keys whose counters disagree. This catches inflation left behind by a
// rolled-back finalize, which the decrement clamp alone never sees.
func (p *PG) DetectConcurrencyDrift(ctx context.Context) ([]string, error) {
	counted, err := p.counters.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	type bucketRow struct {
		AccessKey string `db:"access_key"`
		IsPrivate bool   `db:"is_private"`
		N         int    `db:"n"`
	}
	query, args, err := sqlx.In(`
		SELECT access_key, is_private, count(*) AS n
		FROM sessions
		WHERE status IN (?)
		GROUP BY access_key, is_private`,
		types.OccupyingStatuses)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	var rows []bucketRow
	if err := sqlx.SelectContext(ctx, p.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count occupying sessions: %w", err)
	}
	truth := make(map[string]CounterPair, len(rows))
	for _, row := range rows {
		pair := truth[row.AccessKey]
		if row.IsPrivate {
			pair.Private = row.N
		} else {
			pair.Regular = row.N
		}
		truth[row.AccessKey] = pair
	}

	drifted := make([]string, 0)
	for accessKey, pair := range counted {
		if truth[accessKey] != pair {
			drifted = append(drifted, accessKey)
		}
	}
	for accessKey := range truth {
		if _, ok := counted[accessKey]; !ok {
			drifted = append(drifted, accessKey)
		}
	}
	sort.Strings(drifted)
	return drifted, nil
}
