// Package redis stores bucket objects in Redis. SETNX gives the push path a
// native conditional write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"crate/internal/bucket"
)

const scanBatch = 256

// Bucket implements bucket.Bucket on a Redis keyspace under prefix.
type Bucket struct {
	client *goredis.Client
	prefix string
}

// New connects to redisURL and verifies the server is reachable.
func New(ctx context.Context, redisURL, prefix string) (*Bucket, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, bucket.Transport("redis", "connect", redisURL, err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Bucket {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Bucket{client: client, prefix: prefix}
}

func (b *Bucket) key(key string) string {
	return b.prefix + key
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, bucket.NotFound("redis", key)
	}
	if err != nil {
		return nil, bucket.Transport("redis", "get", key, err)
	}
	return data, nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	if err := b.client.Set(ctx, b.key(key), data, 0).Err(); err != nil {
		return bucket.Transport("redis", "put", key, err)
	}
	return nil
}

func (b *Bucket) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	stored, err := b.client.SetNX(ctx, b.key(key), data, 0).Result()
	if err != nil {
		return false, bucket.Transport("redis", "put", key, err)
	}
	return stored, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return bucket.Transport("redis", "delete", key, err)
	}
	return nil
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(b.key(prefix)) + "*"
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, bucket.Transport("redis", "list", prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, b.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// SCAN may return a key more than once.
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Close closes the Redis connection.
func (b *Bucket) Close() error {
	return b.client.Close()
}

func escapeGlob(value string) string {
	var sb strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
