package membership

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"crate/internal/syncerr"
)

// Member is one row of the current access-control list.
type Member struct {
	PubKey string `json:"pubkey"`
	Role   Role   `json:"role"`
}

// Chain is an ordered, validated entry log plus the member set it folds to.
// A Chain value is always valid; operations that would break the invariant
// return an error and leave the chain untouched.
type Chain struct {
	entries []Entry
	members map[string]Role
}

// NewChain returns an empty chain awaiting its founding entry.
func NewChain() *Chain {
	return &Chain{members: make(map[string]Role)}
}

// FromEntries rebuilds a chain from entries in any order. Validation is
// all-or-nothing: any bad signature or unauthorized author fails the call.
func FromEntries(entries []Entry) (*Chain, error) {
	ordered, members, err := fold(entries)
	if err != nil {
		return nil, err
	}
	return &Chain{entries: ordered, members: members}, nil
}

// AddEntry appends a locally minted entry. The author must be an Owner of
// the present chain, or the entry must found an empty chain.
func (c *Chain) AddEntry(e Entry) error {
	if err := e.Verify(); err != nil {
		return err
	}
	if n := len(c.entries); n > 0 && e.Timestamp < c.entries[n-1].Timestamp {
		return syncerr.Wrap(syncerr.ErrProtocol, "membership", "add entry",
			"entry is older than the chain tail", nil)
	}
	if err := authorize(e, c.members, len(c.entries) == 0); err != nil {
		return err
	}
	c.entries = append(c.entries, e)
	apply(c.members, e)
	return nil
}

// CurrentMembers lists members sorted by public key.
func (c *Chain) CurrentMembers() []Member {
	out := make([]Member, 0, len(c.members))
	for key, role := range c.members {
		out = append(out, Member{PubKey: key, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PubKey < out[j].PubKey })
	return out
}

// RoleOf returns the current role for a hex public key.
func (c *Chain) RoleOf(pubHex string) (Role, bool) {
	role, ok := c.members[strings.ToLower(pubHex)]
	return role, ok
}

// RoleAt returns the role pubHex held at ts (Unix milliseconds), folding
// only entries with Timestamp <= ts.
func (c *Chain) RoleAt(pubHex string, ts int64) (Role, bool) {
	key := strings.ToLower(pubHex)
	var (
		role Role
		ok   bool
	)
	for _, e := range c.entries {
		if e.Timestamp > ts {
			break
		}
		if e.UserPubKey != key {
			continue
		}
		switch e.Action {
		case ActionAdd:
			role, ok = e.Role, true
		case ActionRemove:
			role, ok = "", false
		}
	}
	return role, ok
}

// IsOwner reports whether pubHex is currently an Owner.
func (c *Chain) IsOwner(pubHex string) bool {
	role, ok := c.RoleOf(pubHex)
	return ok && role == RoleOwner
}

// OwnerCount returns the number of current Owners.
func (c *Chain) OwnerCount() int {
	n := 0
	for _, role := range c.members {
		if role == RoleOwner {
			n++
		}
	}
	return n
}

// Entries returns a copy of the entries in fold order.
func (c *Chain) Entries() []Entry {
	return slices.Clone(c.entries)
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	return len(c.entries)
}

// Validate re-runs the fold over the held entries in their held order.
func (c *Chain) Validate() error {
	members := make(map[string]Role)
	for i, e := range c.entries {
		if err := e.Verify(); err != nil {
			return chainInvalid(i, err)
		}
		if i > 0 && e.Timestamp < c.entries[i-1].Timestamp {
			return chainInvalid(i, syncerr.Wrap(syncerr.ErrProtocol, "membership", "validate", "entries out of order", nil))
		}
		if err := authorize(e, members, i == 0); err != nil {
			return chainInvalid(i, err)
		}
		apply(members, e)
	}
	if len(members) != len(c.members) {
		return chainInvalid(len(c.entries), fmt.Errorf("member set drifted from entries"))
	}
	for key, role := range members {
		if c.members[key] != role {
			return chainInvalid(len(c.entries), fmt.Errorf("member set drifted from entries"))
		}
	}
	return nil
}

// fold orders entries by timestamp (ties by signature so the result does not
// depend on listing order) and applies them. Within a group of equal
// timestamps an entry whose author is not yet an Owner is retried after its
// siblings; whatever remains unauthorized invalidates the chain.
func fold(entries []Entry) ([]Entry, map[string]Role, error) {
	sorted := slices.Clone(entries)
	for i, e := range sorted {
		if err := e.Verify(); err != nil {
			return nil, nil, chainInvalid(i, err)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp < sorted[j].Timestamp
		}
		return sorted[i].Signature < sorted[j].Signature
	})

	members := make(map[string]Role)
	ordered := make([]Entry, 0, len(sorted))
	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].Timestamp == sorted[start].Timestamp {
			end++
		}
		pending := sorted[start:end]
		for len(pending) > 0 {
			var (
				next     []Entry
				progress bool
				lastErr  error
			)
			for _, e := range pending {
				if err := authorize(e, members, len(ordered) == 0); err != nil {
					next = append(next, e)
					lastErr = err
					continue
				}
				apply(members, e)
				ordered = append(ordered, e)
				progress = true
			}
			if !progress {
				return nil, nil, chainInvalid(len(ordered), lastErr)
			}
			pending = next
		}
		start = end
	}
	return ordered, members, nil
}

func authorize(e Entry, members map[string]Role, first bool) error {
	if first {
		if e.Action != ActionAdd || e.Role != RoleOwner || !e.selfAuthored() {
			return syncerr.Wrap(syncerr.ErrMembership, "membership", "authorize",
				"first entry must be a self-authored owner add", nil)
		}
		return nil
	}
	if members[e.AuthorPubKey] != RoleOwner {
		return syncerr.Wrap(syncerr.ErrMembership, "membership", "authorize",
			fmt.Sprintf("author %s is not an owner", shortKey(e.AuthorPubKey)), nil)
	}
	return nil
}

func apply(members map[string]Role, e Entry) {
	switch e.Action {
	case ActionAdd:
		members[e.UserPubKey] = e.Role
	case ActionRemove:
		delete(members, e.UserPubKey)
	}
}

func chainInvalid(index int, cause error) error {
	return fmt.Errorf("%w: membership chain invalid at entry %d: %w", syncerr.ErrChainInvalid, index, cause)
}

func shortKey(hexKey string) string {
	if len(hexKey) > 16 {
		return hexKey[:16]
	}
	return hexKey
}
