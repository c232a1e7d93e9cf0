package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

const (
	redisDocPrefix = "ordersync:doc:"
	redisSeqKey    = "ordersync:seq"
)

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore implements Store on Redis strings. Single-document atomicity comes from
// WATCH on the document key; the sequence comes from INCR.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func redisKey(path string) string { return redisDocPrefix + path }

// redisGetter is satisfied by both *redis.Client and *redis.Tx.
type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func redisRecord(ctx context.Context, c redisGetter, path string) (Record, bool, error) {
	v, err := c.Get(ctx, redisKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, true, nil
}

// watch runs fn under WATCH of the document key, retrying when another client wins.
func (r *RedisStore) watch(ctx context.Context, path string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = r.client.Watch(ctx, fn, redisKey(path))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *RedisStore) Get(path string) (model.Document, bool, error) {
	rec, ok, err := redisRecord(context.Background(), r.client, path)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Doc, true, nil
}

func (r *RedisStore) MergeWrite(path string, fields model.Document) (changelog.Change, error) {
	ctx := context.Background()
	var out changelog.Change
	err := r.watch(ctx, path, func(tx *redis.Tx) error {
		cur, ok, err := redisRecord(ctx, tx, path)
		if err != nil {
			return err
		}
		var before model.Document
		if ok {
			before = cur.Doc
		}
		after := mergeFields(before, fields, Now())
		// A sequence burnt by a failed WATCH leaves a gap, which readers tolerate.
		seq, err := r.client.Incr(ctx, redisSeqKey).Result()
		if err != nil {
			return err
		}
		bytes, err := encodeRecord(Record{Doc: after, Seq: seq})
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey(path), bytes, 0)
			return nil
		}); err != nil {
			return err
		}
		out = changelog.NewChange(seq, path, before, after.Clone())
		return nil
	})
	if err != nil {
		return changelog.Change{}, fmt.Errorf("redis write %s: %w", path, err)
	}
	return out, nil
}

func (r *RedisStore) ApplyChange(c changelog.Change) (bool, error) {
	ctx := context.Background()
	var applied bool
	err := r.watch(ctx, c.Path, func(tx *redis.Tx) error {
		applied = false
		cur, ok, err := redisRecord(ctx, tx, c.Path)
		if err != nil {
			return err
		}
		if ok && c.Seq <= cur.Seq {
			return nil
		}
		var bytes []byte
		if c.After != nil {
			if bytes, err = encodeRecord(Record{Doc: c.After, Seq: c.Seq}); err != nil {
				return err
			}
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if c.After == nil {
				pipe.Del(ctx, redisKey(c.Path))
			} else {
				pipe.Set(ctx, redisKey(c.Path), bytes, 0)
			}
			return nil
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		if err := r.raiseSeq(ctx, c.Seq); err != nil {
			return true, err
		}
	}
	return applied, nil
}

// raiseSeq lifts the sequence counter to at least seq.
func (r *RedisStore) raiseSeq(ctx context.Context, seq int64) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, redisSeqKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur >= seq {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisSeqKey, seq, 0)
			return nil
		})
		return err
	}, redisSeqKey)
	if errors.Is(err, redis.TxFailedErr) {
		// someone else moved the counter; INCR only ever raises it
		return nil
	}
	return err
}

func (r *RedisStore) scanKeys(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisDocPrefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisStore) Range(fn func(path string, rec Record) error) error {
	ctx := context.Background()
	return r.scanKeys(ctx, func(keys []string) error {
		for _, k := range keys {
			path := strings.TrimPrefix(k, redisDocPrefix)
			rec, ok, err := redisRecord(ctx, r.client, path)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := fn(path, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces every document with the snapshot contents.
func (r *RedisStore) LoadAll(all map[string]Record) error {
	ctx := context.Background()
	if err := r.scanKeys(ctx, func(keys []string) error {
		return r.client.Del(ctx, keys...).Err()
	}); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	var maxSeq int64
	pipe := r.client.Pipeline()
	for path, rec := range all {
		bytes, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		pipe.Set(ctx, redisKey(path), bytes, 0)
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	pipe.Set(ctx, redisSeqKey, maxSeq, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis load: %w", err)
	}
	return nil
}
