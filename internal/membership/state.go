package membership

import (
	"context"
	"errors"
	"fmt"

	"crate/internal/bucket"
	"crate/internal/syncerr"
)

// StateKind classifies the chain a write gate was built from.
type StateKind int

const (
	// StateNone means no entries exist yet; any validly signed write passes.
	StateNone StateKind = iota
	// StateValid means writes are limited to current members.
	StateValid
	// StateInvalid means the stored chain failed validation; every write is refused.
	StateInvalid
)

func (k StateKind) String() string {
	switch k {
	case StateNone:
		return "none"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ChainState is an immutable snapshot of the chain used to authorize writes.
type ChainState struct {
	kind  StateKind
	chain *Chain
	err   error
}

// NoneState returns the bootstrap state.
func NoneState() ChainState { return ChainState{kind: StateNone} }

// ValidState wraps a validated chain.
func ValidState(chain *Chain) ChainState {
	if chain == nil || chain.Len() == 0 {
		return NoneState()
	}
	return ChainState{kind: StateValid, chain: chain}
}

// InvalidState records why the chain was rejected.
func InvalidState(err error) ChainState {
	return ChainState{kind: StateInvalid, err: err}
}

// LoadState reads the chain from b. Transport failures are returned as errors
// so callers can retry; validation failures yield StateInvalid.
func LoadState(ctx context.Context, b bucket.Bucket) (ChainState, error) {
	entries, err := LoadEntries(ctx, b)
	if err != nil {
		if errors.Is(err, syncerr.ErrProtocol) {
			return InvalidState(err), nil
		}
		return ChainState{}, err
	}
	if len(entries) == 0 {
		return NoneState(), nil
	}
	chain, err := FromEntries(entries)
	if err != nil {
		return InvalidState(err), nil
	}
	return ValidState(chain), nil
}

func (s ChainState) Kind() StateKind { return s.kind }

// Chain returns the validated chain, or nil outside StateValid.
func (s ChainState) Chain() *Chain { return s.chain }

// Err returns the validation failure for StateInvalid.
func (s ChainState) Err() error { return s.err }

// AuthorizeWrite decides whether a write signed by authorHex may proceed.
// The signature itself is checked by the caller.
func (s ChainState) AuthorizeWrite(authorHex string) error {
	switch s.kind {
	case StateNone:
		return nil
	case StateValid:
		if _, ok := s.chain.RoleOf(authorHex); ok {
			return nil
		}
		return syncerr.Wrap(syncerr.ErrMembership, "membership", "authorize write",
			"author "+shortKey(authorHex)+" is not a member", nil)
	default:
		return syncerr.Wrap(syncerr.ErrChainInvalid, "membership", "authorize write",
			"membership chain is invalid; writes disabled", s.err)
	}
}

// AuthorizeAt decides whether authorHex was a member at ts (Unix
// milliseconds). Pull uses it so history written before a removal stays
// applicable.
func (s ChainState) AuthorizeAt(authorHex string, ts int64) error {
	switch s.kind {
	case StateNone:
		return nil
	case StateValid:
		if _, ok := s.chain.RoleAt(authorHex, ts); ok {
			return nil
		}
		return syncerr.Wrap(syncerr.ErrMembership, "membership", "authorize",
			fmt.Sprintf("author %s was not a member at %d", shortKey(authorHex), ts), nil)
	default:
		return syncerr.Wrap(syncerr.ErrChainInvalid, "membership", "authorize",
			"membership chain is invalid", s.err)
	}
}
