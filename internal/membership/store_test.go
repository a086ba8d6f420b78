package membership_test

import (
	"context"
	"errors"
	"testing"

	"crate/internal/bucket"
	"crate/internal/bucket/memory"
	"crate/internal/membership"
	"crate/internal/syncerr"
)

func TestPublishUsesPerAuthorSequences(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	c := newCast(t)
	entries := history(t, c)

	for _, e := range entries {
		if _, err := membership.Publish(ctx, b, e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ownerKeys, _ := b.List(ctx, bucket.AuthorMembershipPrefix(c.owner.PublicHex()))
	aliceKeys, _ := b.List(ctx, bucket.AuthorMembershipPrefix(c.alice.PublicHex()))
	if len(ownerKeys) != 3 || len(aliceKeys) != 2 {
		t.Fatalf("unexpected per-author logs: owner=%v alice=%v", ownerKeys, aliceKeys)
	}
	if aliceKeys[0] != bucket.MembershipKey(c.alice.PublicHex(), 1) {
		t.Fatalf("alice's sub-log should start at 1: %v", aliceKeys)
	}

	next, err := membership.NextSeq(ctx, b, c.owner.PublicHex())
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if next != 4 {
		t.Fatalf("expected next owner seq 4, got %d", next)
	}

	chain, err := membership.LoadChain(ctx, b)
	if err != nil {
		t.Fatalf("LoadChain: %v", err)
	}
	if len(chain.CurrentMembers()) != 3 {
		t.Fatalf("unexpected members %v", chain.CurrentMembers())
	}

	state, err := membership.LoadState(ctx, b)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.Kind() != membership.StateValid {
		t.Fatalf("expected valid state, got %v", state.Kind())
	}
}

func TestNextSeqSkipsGapsUsingMax(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	_ = b.Put(ctx, bucket.MembershipKey("aa", 1), []byte("{}"))
	_ = b.Put(ctx, bucket.MembershipKey("aa", 7), []byte("{}"))
	_ = b.Put(ctx, bucket.MembershipKey("bb", 20), []byte("{}"))
	next, err := membership.NextSeq(ctx, b, "aa")
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if next != 8 {
		t.Fatalf("expected 8, got %d", next)
	}
	if next, _ := membership.NextSeq(ctx, b, "cc"); next != 1 {
		t.Fatalf("expected 1 for new author, got %d", next)
	}
}

func TestLoadStateStates(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	state, err := membership.LoadState(ctx, b)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.Kind() != membership.StateNone {
		t.Fatalf("empty bucket should be none, got %v", state.Kind())
	}

	c := newCast(t)
	entries := history(t, c)
	entries[3].Signature = entries[2].Signature
	for i, e := range entries {
		if err := b.Put(ctx, bucket.MembershipKey(e.AuthorPubKey, uint64(i+1)), mustJSON(t, e)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	state, err = membership.LoadState(ctx, b)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.Kind() != membership.StateInvalid {
		t.Fatalf("expected invalid state, got %v", state.Kind())
	}
	if state.Err() == nil {
		t.Fatal("invalid state should carry its cause")
	}

	_ = b.Put(ctx, bucket.MembershipKey("ff", 1), []byte("not json"))
	state, err = membership.LoadState(ctx, b)
	if err != nil || state.Kind() != membership.StateInvalid {
		t.Fatalf("garbage entry should yield invalid state, got %v %v", state.Kind(), err)
	}
}

func TestPublishRejectsUnsignedEntry(t *testing.T) {
	c := newCast(t)
	e, _ := membership.Founding(c.owner, at(0))
	e.Signature = ""
	if _, err := membership.Publish(context.Background(), memory.New(), e); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("expected crypto error, got %v", err)
	}
}
