package bucket

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known prefixes and keys.
const (
	ChangesPrefix    = "changes/"
	HeadsPrefix      = "heads/"
	MembershipPrefix = "membership/"
	KeysPrefix       = "keys/"
	MinSchemaKey     = "meta/min_schema_version"
	SnapshotKey      = "snapshot/latest"
)

// ChangeKey addresses one pushed changeset.
func ChangeKey(deviceID string, seq uint64) string {
	return ChangesPrefix + deviceID + "/" + strconv.FormatUint(seq, 10)
}

// DeviceChangesPrefix lists every changeset pushed by deviceID.
func DeviceChangesPrefix(deviceID string) string {
	return ChangesPrefix + deviceID + "/"
}

// HeadKey addresses a device head pointer.
func HeadKey(deviceID string) string {
	return HeadsPrefix + deviceID
}

// MembershipKey addresses one membership entry in its author's sub-log.
func MembershipKey(authorHex string, seq uint64) string {
	return MembershipPrefix + authorHex + "/" + strconv.FormatUint(seq, 10)
}

// AuthorMembershipPrefix lists every entry published by authorHex.
func AuthorMembershipPrefix(authorHex string) string {
	return MembershipPrefix + authorHex + "/"
}

// WrappedKeyKey addresses the sealed library key for a member.
func WrappedKeyKey(userHex string) string {
	return KeysPrefix + userHex
}

// SplitSeqKey parses keys shaped like "<prefix><owner>/<seq>".
func SplitSeqKey(prefix, key string) (owner string, seq uint64, err error) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", 0, fmt.Errorf("key %q lacks prefix %q", key, prefix)
	}
	owner, seqText, ok := strings.Cut(rest, "/")
	if !ok || owner == "" || seqText == "" {
		return "", 0, fmt.Errorf("key %q is not <owner>/<seq>", key)
	}
	seq, err = strconv.ParseUint(seqText, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("key %q has invalid sequence: %w", key, err)
	}
	return owner, seq, nil
}

// ValidSegment reports whether value can be used as a single key segment.
func ValidSegment(value string) bool {
	if value == "" || value == "." || value == ".." {
		return false
	}
	return !strings.ContainsAny(value, "/\\\x00")
}
