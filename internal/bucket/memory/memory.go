// Package memory is an in-process Bucket used by tests and ephemeral setups.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"crate/internal/bucket"
)

// Bucket stores objects in a map guarded by a RWMutex.
type Bucket struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New returns an empty bucket.
func New() *Bucket {
	return &Bucket{objects: make(map[string][]byte)}
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, bucket.Transport("memory", "get", key, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, bucket.NotFound("memory", key)
	}
	return append([]byte(nil), data...), nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return bucket.Transport("memory", "put", key, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *Bucket) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, bucket.Transport("memory", "put", key, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.objects[key]; exists {
		return false, nil
	}
	b.objects[key] = append([]byte(nil), data...)
	return true, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return bucket.Transport("memory", "delete", key, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, bucket.Transport("memory", "list", prefix, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0)
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports how many objects are stored.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
