// Package leveldb stores bucket objects in a local goleveldb database, which
// lets a directory on a shared or synced filesystem act as the library bucket.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"crate/internal/bucket"
)

// Bucket is a goleveldb-backed bucket.
type Bucket struct {
	path string
	db   *leveldb.DB

	// serializes PutIfAbsent against other writes from this process
	mx sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Bucket, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb bucket %s: %w", path, err)
	}
	return &Bucket{path: path, db: db}, nil
}

// Close releases the database.
func (b *Bucket) Close() error {
	return b.db.Close()
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, bucket.Transport("leveldb", "get", key, err)
	}
	data, err := b.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, bucket.NotFound("leveldb", key)
		}
		return nil, bucket.Transport("leveldb", "get", key, err)
	}
	return data, nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return bucket.Transport("leveldb", "put", key, err)
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.db.Put([]byte(key), data, &opt.WriteOptions{Sync: true}); err != nil {
		return bucket.Transport("leveldb", "put", key, err)
	}
	return nil
}

func (b *Bucket) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, bucket.Transport("leveldb", "put", key, err)
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	exists, err := b.db.Has([]byte(key), nil)
	if err != nil {
		return false, bucket.Transport("leveldb", "put", key, err)
	}
	if exists {
		return false, nil
	}
	if err := b.db.Put([]byte(key), data, &opt.WriteOptions{Sync: true}); err != nil {
		return false, bucket.Transport("leveldb", "put", key, err)
	}
	return true, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return bucket.Transport("leveldb", "delete", key, err)
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.db.Delete([]byte(key), &opt.WriteOptions{Sync: true}); err != nil {
		return bucket.Transport("leveldb", "delete", key, err)
	}
	return nil
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, bucket.Transport("leveldb", "list", prefix, err)
		}
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, bucket.Transport("leveldb", "list", prefix, err)
	}
	return keys, nil
}
