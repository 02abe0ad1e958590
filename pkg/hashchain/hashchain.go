// Package hashchain computes the tamper-evident content hashes that link an
// organization's audit entries into a chain. It holds no state: callers
// supply every field, including the previous entry's hash.
package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the fixed previous-hash of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashVersion is baked into the canonical payload so a future layout change
// cannot silently collide with old hashes.
const hashVersion = "1"

// EntryFields are the hashed fields of an audit entry, everything except the
// hash itself. UserID is empty for system-originated entries.
type EntryFields struct {
	OrgID      string
	UserID     string
	Action     string
	Resource   string
	ResourceID string
	Details    json.RawMessage
	Timestamp  time.Time
}

// ComputeHash returns the hex SHA-256 over the canonical serialization of
// fields plus previousHash. Deterministic: identical inputs always produce
// identical output, and any single-field change produces a different hash.
func ComputeHash(fields EntryFields, previousHash string) (string, error) {
	if fields.OrgID == "" {
		return "", errors.New("hashchain: org id required")
	}
	if fields.Action == "" || fields.Resource == "" {
		return "", errors.New("hashchain: action and resource required")
	}
	if len(previousHash) != 64 {
		return "", fmt.Errorf("hashchain: previous hash must be 64 hex chars, got %d", len(previousHash))
	}
	if fields.Timestamp.IsZero() {
		return "", errors.New("hashchain: timestamp required")
	}

	details := fields.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	canonicalDetails, err := Canonicalize(details)
	if err != nil {
		return "", fmt.Errorf("hashchain: details: %w", err)
	}

	// Timestamps are truncated to microseconds before hashing so the hash
	// survives a round trip through the store.
	ts := fields.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)

	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeField(buf, "action", fields.Action, false)
	writeRawField(buf, "details", canonicalDetails, false)
	writeField(buf, "org_id", fields.OrgID, false)
	writeField(buf, "previous_hash", previousHash, false)
	writeField(buf, "resource", fields.Resource, false)
	writeField(buf, "resource_id", fields.ResourceID, false)
	writeField(buf, "timestamp", ts, false)
	writeField(buf, "user_id", fields.UserID, false)
	writeField(buf, "v", hashVersion, true)
	buf.WriteByte('}')

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Truncate shortens a hash for display. Full values are retained internally;
// dashboards only need a spot-checkable prefix.
func Truncate(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "…"
}

func writeField(buf *bytes.Buffer, key, value string, last bool) {
	writeString(buf, key)
	buf.WriteByte(':')
	writeString(buf, value)
	if !last {
		buf.WriteByte(',')
	}
}

func writeRawField(buf *bytes.Buffer, key string, raw []byte, last bool) {
	writeString(buf, key)
	buf.WriteByte(':')
	buf.Write(raw)
	if !last {
		buf.WriteByte(',')
	}
}
