package membership

import (
	"context"
	"encoding/json"
	"fmt"

	"crate/internal/bucket"
	"crate/internal/syncerr"
)

const maxPublishAttempts = 5

// LoadEntries reads every membership entry from b without validating the chain.
func LoadEntries(ctx context.Context, b bucket.Bucket) ([]Entry, error) {
	keys, err := b.List(ctx, bucket.MembershipPrefix)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		if _, _, err := bucket.SplitSeqKey(bucket.MembershipPrefix, key); err != nil {
			return nil, syncerr.Wrap(syncerr.ErrProtocol, "membership", "load entries", "malformed key", err)
		}
		data, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, syncerr.Wrap(syncerr.ErrProtocol, "membership", "load entries",
				fmt.Sprintf("decode %s", key), err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// LoadChain loads and validates the chain. An empty bucket yields an empty chain.
func LoadChain(ctx context.Context, b bucket.Bucket) (*Chain, error) {
	entries, err := LoadEntries(ctx, b)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return NewChain(), nil
	}
	return FromEntries(entries)
}

// NextSeq returns 1 + the highest sequence published by authorHex.
func NextSeq(ctx context.Context, b bucket.Bucket, authorHex string) (uint64, error) {
	keys, err := b.List(ctx, bucket.AuthorMembershipPrefix(authorHex))
	if err != nil {
		return 0, err
	}
	var highest uint64
	for _, key := range keys {
		_, seq, err := bucket.SplitSeqKey(bucket.MembershipPrefix, key)
		if err != nil {
			return 0, syncerr.Wrap(syncerr.ErrProtocol, "membership", "next seq", "malformed key", err)
		}
		if seq > highest {
			highest = seq
		}
	}
	return highest + 1, nil
}

// Publish uploads e at its author's next sequence number and returns it.
// Concurrent publishers from the same author retry on the following seq.
func Publish(ctx context.Context, b bucket.Bucket, e Entry) (uint64, error) {
	if err := e.Verify(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode membership entry: %w", err)
	}
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		seq, err := NextSeq(ctx, b, e.AuthorPubKey)
		if err != nil {
			return 0, err
		}
		stored, err := bucket.PutIfAbsent(ctx, b, bucket.MembershipKey(e.AuthorPubKey, seq), data)
		if err != nil {
			return 0, err
		}
		if stored {
			return seq, nil
		}
	}
	return 0, syncerr.Wrap(syncerr.ErrSeqCollision, "membership", "publish",
		"could not reserve a sequence number", nil)
}
