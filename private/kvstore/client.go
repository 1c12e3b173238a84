// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package kvstore

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the entrypoint into redis. It exposes exactly the commands
// the core subsystems use; callers choose their own retry policy.
type Client struct {
	db *redis.Client
}

// Open returns a configured Client instance, verifying a successful
// connection to redis.
func Open(ctx context.Context, address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	// ping here to verify we are able to connect to redis with the initialized client.
	if err := client.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}

	return client, nil
}

// OpenFrom returns a configured Client instance from a redis:// address,
// verifying a successful connection to redis.
func OpenFrom(ctx context.Context, address string) (*Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if dbs := q.Get("db"); dbs != "" {
		db, err = strconv.Atoi(dbs)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return Open(ctx, redisurl.Host, q.Get("password"), db)
}

// Close closes the underlying redis client.
func (client *Client) Close() error {
	return client.db.Close()
}

// Get looks up the provided key, returning ErrKeyNotFound when absent.
func (client *Client) Get(ctx context.Context, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return nil, ErrEmptyKey.New("")
	}
	value, err := client.db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Set stores value under key without expiration.
func (client *Client) Set(ctx context.Context, key string, value []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return ErrEmptyKey.New("")
	}
	return Error.Wrap(client.db.Set(ctx, key, value, 0).Err())
}

// SetEx stores value under key with a ttl.
func (client *Client) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key == "" {
		return ErrEmptyKey.New("")
	}
	return Error.Wrap(client.db.SetEx(ctx, key, value, ttl).Err())
}

// Delete removes the given keys.
func (client *Client) Delete(ctx context.Context, keys ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.Del(ctx, keys...).Err())
}

// Exists reports whether key exists.
func (client *Client) Exists(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.Exists(ctx, key).Result()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n > 0, nil
}

// Expire sets a ttl on an existing key.
func (client *Client) Expire(ctx context.Context, key string, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.Expire(ctx, key, ttl).Err())
}

// MGet fetches multiple keys at once; missing keys yield nil entries.
func (client *Client) MGet(ctx context.Context, keys ...string) (_ [][]byte, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := client.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, Error.New("mget error: %v", err)
	}
	values := make([][]byte, len(raw))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			values[i] = []byte(s)
		}
	}
	return values, nil
}

// SAdd adds members to a set.
func (client *Client) SAdd(ctx context.Context, key string, members ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.SAdd(ctx, key, toAny(members)...).Err())
}

// SRem removes members from a set.
func (client *Client) SRem(ctx context.Context, key string, members ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.SRem(ctx, key, toAny(members)...).Err())
}

// SMembers returns all members of a set.
func (client *Client) SMembers(ctx context.Context, key string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	members, err := client.db.SMembers(ctx, key).Result()
	return members, Error.Wrap(err)
}

// SIsMember reports whether member belongs to the set at key.
func (client *Client) SIsMember(ctx context.Context, key, member string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	ok, err := client.db.SIsMember(ctx, key, member).Result()
	return ok, Error.Wrap(err)
}

// SInter intersects the sets at the given keys.
func (client *Client) SInter(ctx context.Context, keys ...string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	members, err := client.db.SInter(ctx, keys...).Result()
	return members, Error.Wrap(err)
}

// SUnionStore stores the union of the source sets under dst.
func (client *Client) SUnionStore(ctx context.Context, dst string, keys ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.SUnionStore(ctx, dst, keys...).Err())
}

// ZAdd adds a scored member to a sorted set.
func (client *Client) ZAdd(ctx context.Context, key string, score float64, member string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRem removes members from a sorted set, returning how many were removed.
func (client *Client) ZRem(ctx context.Context, key string, members ...string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.ZRem(ctx, key, toAny(members)...).Result()
	return n, Error.Wrap(err)
}

// ZRange returns members of a sorted set by index range.
func (client *Client) ZRange(ctx context.Context, key string, start, stop int64) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	members, err := client.db.ZRange(ctx, key, start, stop).Result()
	return members, Error.Wrap(err)
}

// ZRangeByScore returns members of a sorted set with scores in [min, max].
func (client *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	members, err := client.db.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	return members, Error.Wrap(err)
}

// ZScore returns the score of member; ErrKeyNotFound when absent.
func (client *Client) ZScore(ctx context.Context, key, member string) (_ float64, err error) {
	defer mon.Task()(&ctx)(&err)
	score, err := client.db.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrKeyNotFound.New("%q %q", key, member)
	}
	return score, Error.Wrap(err)
}

// ZMScore returns the scores of members; absent members yield nil entries.
func (client *Client) ZMScore(ctx context.Context, key string, members ...string) (_ []*float64, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(members) == 0 {
		return nil, nil
	}
	// batched as individual ZSCOREs in one round trip: the ZMSCORE reply
	// in go-redis collapses missing members to 0, which is ambiguous.
	cmds := make([]*redis.FloatCmd, len(members))
	_, err = client.db.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, member := range members {
			cmds[i] = p.ZScore(ctx, key, member)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, Error.New("zmscore error: %v", err)
	}
	scores := make([]*float64, len(members))
	for i, cmd := range cmds {
		score, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		scores[i] = &score
	}
	return scores, nil
}

// ZCard returns the cardinality of a sorted set.
func (client *Client) ZCard(ctx context.Context, key string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.ZCard(ctx, key).Result()
	return n, Error.Wrap(err)
}

// RPush appends values to a list.
func (client *Client) RPush(ctx context.Context, key string, values ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.RPush(ctx, key, toAny(values)...).Err())
}

// LPush prepends values to a list.
func (client *Client) LPush(ctx context.Context, key string, values ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.LPush(ctx, key, toAny(values)...).Err())
}

// LRange returns a slice of the list at key.
func (client *Client) LRange(ctx context.Context, key string, start, stop int64) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	values, err := client.db.LRange(ctx, key, start, stop).Result()
	return values, Error.Wrap(err)
}

// LLen returns the length of the list at key.
func (client *Client) LLen(ctx context.Context, key string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.LLen(ctx, key).Result()
	return n, Error.Wrap(err)
}

// LRem removes count occurrences of value from the list at key.
func (client *Client) LRem(ctx context.Context, key string, count int64, value string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.LRem(ctx, key, count, value).Err())
}

// LMove atomically moves an element between lists, returning
// ErrKeyNotFound when the source list is empty.
func (client *Client) LMove(ctx context.Context, src, dst, srcPos, dstPos string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	value, err := client.db.LMove(ctx, src, dst, srcPos, dstPos).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound.New("%q", src)
	}
	return value, Error.Wrap(err)
}

// FlushDB deletes all keys in the currently selected DB. Test helper.
func (client *Client) FlushDB(ctx context.Context) error {
	return Error.Wrap(client.db.FlushDB(ctx).Err())
}

// Pipe is the write surface available inside Pipelined and Watch blocks.
type Pipe struct {
	p redis.Pipeliner
}

// Set stores value under key without expiration.
func (pipe Pipe) Set(ctx context.Context, key string, value []byte) {
	pipe.p.Set(ctx, key, value, 0)
}

// SetEx stores value under key with a ttl.
func (pipe Pipe) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) {
	pipe.p.SetEx(ctx, key, value, ttl)
}

// Delete removes the given keys.
func (pipe Pipe) Delete(ctx context.Context, keys ...string) {
	pipe.p.Del(ctx, keys...)
}

// Expire sets a ttl on an existing key.
func (pipe Pipe) Expire(ctx context.Context, key string, ttl time.Duration) {
	pipe.p.Expire(ctx, key, ttl)
}

// SAdd adds members to a set.
func (pipe Pipe) SAdd(ctx context.Context, key string, members ...string) {
	pipe.p.SAdd(ctx, key, toAny(members)...)
}

// SRem removes members from a set.
func (pipe Pipe) SRem(ctx context.Context, key string, members ...string) {
	pipe.p.SRem(ctx, key, toAny(members)...)
}

// ZAdd adds a scored member to a sorted set.
func (pipe Pipe) ZAdd(ctx context.Context, key string, score float64, member string) {
	pipe.p.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
}

// ZRem removes members from a sorted set.
func (pipe Pipe) ZRem(ctx context.Context, key string, members ...string) {
	pipe.p.ZRem(ctx, key, toAny(members)...)
}

// LRem removes count occurrences of value from the list at key.
func (pipe Pipe) LRem(ctx context.Context, key string, count int64, value string) {
	pipe.p.LRem(ctx, key, count, value)
}

// RPush appends values to a list.
func (pipe Pipe) RPush(ctx context.Context, key string, values ...string) {
	pipe.p.RPush(ctx, key, toAny(values)...)
}

// Pipelined executes all commands queued by fn atomically on the server.
func (client *Client) Pipelined(ctx context.Context, fn func(pipe Pipe) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = client.db.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(Pipe{p: p})
	})
	return Error.Wrap(err)
}

// Tx is an optimistic transaction handle. Reads go through the watched
// connection; writes queued via Pipelined run only if no watched key
// changed.
type Tx struct {
	tx *redis.Tx
}

// Get looks up key inside the transaction, returning ErrKeyNotFound
// when absent.
func (tx *Tx) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := tx.tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Pipelined queues writes that execute only if the watched keys are
// unchanged.
func (tx *Tx) Pipelined(ctx context.Context, fn func(pipe Pipe) error) error {
	_, err := tx.tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(Pipe{p: p})
	})
	return err
}

// Watch runs fn under WATCH of the given keys. It returns ErrTxAborted
// when a watched key changed before EXEC; callers choose retry policy.
func (client *Client) Watch(ctx context.Context, fn func(tx *Tx) error, keys ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.db.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&Tx{tx: tx})
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrTxAborted.New("%v", keys)
	}
	return Error.Wrap(err)
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
