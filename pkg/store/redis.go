package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is the document-store driver: each record lives as JSON under
// <prefix>:rec:<uri>, with a sorted-set index <prefix>:idx scored by the
// record timestamp for listing.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps a connected client. An empty key prefix defaults to
// "alcove".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "alcove"
	}
	return &Redis{client: client, prefix: prefix}
}

// OpenRedis dials a Redis URL (redis://[:pass@]host:port/db).
func OpenRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), prefix), nil
}

func (r *Redis) recKey(uri string) string { return r.prefix + ":rec:" + uri }
func (r *Redis) idxKey() string           { return r.prefix + ":idx" }

func (r *Redis) Upsert(ctx context.Context, uri string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recKey(uri), data, 0)
	pipe.ZAdd(ctx, r.idxKey(), redis.Z{Score: float64(rec.TS), Member: uri})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert %s: %w", uri, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, uri string) (*Record, error) {
	data, err := r.client.Get(ctx, r.recKey(uri)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (r *Redis) GetMulti(ctx context.Context, uris []string) (map[string]*Record, error) {
	if len(uris) == 0 {
		return map[string]*Record{}, nil
	}
	keys := make([]string, len(uris))
	for i, u := range uris {
		keys[i] = r.recKey(u)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Record)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", uris[i], err)
		}
		out[uris[i]] = &rec
	}
	return out, nil
}

func (r *Redis) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	zs, err := r.client.ZRangeWithScores(ctx, r.idxKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{URI: member, TS: int64(z.Score)})
	}
	return entries, nil
}

func (r *Redis) Remove(ctx context.Context, uri string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.recKey(uri))
	pipe.ZRem(ctx, r.idxKey(), uri)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close(context.Context) error {
	return r.client.Close()
}
