// Package s3 stores bucket objects in an S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"crate/internal/bucket"
)

// Options configures the S3 client.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Bucket maps logical keys to objects under an optional prefix.
type Bucket struct {
	client *minio.Client
	name   string
	prefix string
}

// New builds a client. It does not contact the endpoint.
func New(opts Options) (*Bucket, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(opts.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Bucket{client: client, name: opts.Bucket, prefix: normalizePrefix(opts.Prefix)}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (b *Bucket) objectKey(key string) string {
	return b.prefix + key
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.name, b.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("get", key, err)
	}
	return data, nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.name, b.objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return classify("put", key, err)
	}
	return nil
}

// PutIfAbsent uses an If-None-Match: * precondition.
func (b *Bucket) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	opts.SetMatchETagExcept("*")
	_, err := b.client.PutObject(ctx, b.name, b.objectKey(key), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if preconditionFailed(err) {
			return false, nil
		}
		return false, classify("put", key, err)
	}
	return true, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.name, b.objectKey(key), minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify("delete", key, err)
	}
	return nil
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.name, minio.ListObjectsOptions{
		Prefix:    b.objectKey(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify("list", prefix, obj.Err)
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, b.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

func classify(operation, key string, err error) error {
	if isNotFound(err) {
		return bucket.NotFound("s3", key)
	}
	return bucket.Transport("s3", operation, key, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func preconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed
}
