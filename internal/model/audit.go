package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry is a single link in an organization's hash chain. Entries are
// immutable once written; corrections are recorded as new entries that
// reference the corrected one via Details.
type AuditLogEntry struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Seq          int64           `json:"-" db:"seq"`
	OrgID        uuid.UUID       `json:"org_id" db:"org_id"`
	UserID       *uuid.UUID      `json:"user_id,omitempty" db:"user_id"`
	Action       string          `json:"action" db:"action"`
	Resource     string          `json:"resource" db:"resource"`
	ResourceID   string          `json:"resource_id" db:"resource_id"`
	ResourceName string          `json:"resource_name,omitempty" db:"resource_name"`
	Details      json.RawMessage `json:"details,omitempty" db:"details"`
	IPAddress    string          `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string          `json:"user_agent,omitempty" db:"user_agent"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	PreviousHash string          `json:"previous_hash" db:"previous_hash"`
	Hash         string          `json:"hash" db:"hash"`
}

// AuditEntryInput carries the caller-supplied fields of an entry. ID,
// timestamp, previous hash and hash are assigned by the audit logger.
type AuditEntryInput struct {
	OrgID        uuid.UUID       `json:"org_id" binding:"required"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	Action       string          `json:"action" binding:"required"`
	Resource     string          `json:"resource" binding:"required"`
	ResourceID   string          `json:"resource_id"`
	ResourceName string          `json:"resource_name,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
}

const (
	// Action types
	AuditActionCreate   = "create"
	AuditActionUpdate   = "update"
	AuditActionDelete   = "delete"
	AuditActionView     = "view"
	AuditActionExport   = "export"
	AuditActionPublish  = "publish"
	AuditActionUpload   = "upload"
	AuditActionDownload = "download"
	AuditActionLogin    = "login"
	AuditActionLogout   = "logout"
	AuditActionSecurity = "security"

	// Resource types
	AuditResourceClient   = "client"
	AuditResourceForm     = "form"
	AuditResourceProgram  = "program"
	AuditResourceCall     = "call"
	AuditResourceNote     = "note"
	AuditResourceGrant    = "grant"
	AuditResourceAuth     = "auth"
	AuditResourceSecurity = "security"

	// MaxDetailsBytes bounds the serialized details map. Details carry
	// identifiers and flags only, never PHI content.
	MaxDetailsBytes = 8 * 1024
)

// ValidActions is the closed action enumeration accepted by the logger.
var ValidActions = map[string]bool{
	AuditActionCreate:   true,
	AuditActionUpdate:   true,
	AuditActionDelete:   true,
	AuditActionView:     true,
	AuditActionExport:   true,
	AuditActionPublish:  true,
	AuditActionUpload:   true,
	AuditActionDownload: true,
	AuditActionLogin:    true,
	AuditActionLogout:   true,
	AuditActionSecurity: true,
}

// AuditLogEntryView is the display form exposed to dashboards: hashes are
// truncated for spot-checking, full values stay internal.
type AuditLogEntryView struct {
	ID           uuid.UUID       `json:"id"`
	OrgID        uuid.UUID       `json:"org_id"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	Action       string          `json:"action"`
	Resource     string          `json:"resource"`
	ResourceID   string          `json:"resource_id"`
	ResourceName string          `json:"resource_name,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// MarshalDetails encodes a details map, enforcing the size bound.
func MarshalDetails(details map[string]interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encoding details: %w", err)
	}
	if len(b) > MaxDetailsBytes {
		return nil, fmt.Errorf("details exceed %d bytes", MaxDetailsBytes)
	}
	return b, nil
}

// View renders the entry for dashboards with hashes truncated by the
// caller's truncate function.
func (e *AuditLogEntry) View(truncate func(string) string) *AuditLogEntryView {
	return &AuditLogEntryView{
		ID:           e.ID,
		OrgID:        e.OrgID,
		UserID:       e.UserID,
		Action:       e.Action,
		Resource:     e.Resource,
		ResourceID:   e.ResourceID,
		ResourceName: e.ResourceName,
		Details:      e.Details,
		IPAddress:    e.IPAddress,
		Timestamp:    e.Timestamp,
		PreviousHash: truncate(e.PreviousHash),
		Hash:         truncate(e.Hash),
	}
}

// AuditListFilter narrows a paginated audit query. All queries are scoped to
// a single organization.
type AuditListFilter struct {
	OrgID    uuid.UUID
	UserID   *uuid.UUID
	Action   string
	Resource string
	Start    *time.Time
	End      *time.Time
	Limit    int
	Cursor   *Cursor
}

// Cursor marks a position in an org's chain for keyset pagination. Seq is
// the storage insertion order, never exposed raw.
type Cursor struct {
	Seq int64 `json:"seq"`
}

func (c *Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeCursor(s string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &c, nil
}

// VerificationResult reports a chain walk. A false Valid with an entry ID is
// an integrity failure; infrastructure errors are surfaced separately so
// "compromised" and "unable to verify" are never conflated.
type VerificationResult struct {
	OrgID           uuid.UUID  `json:"org_id"`
	Valid           bool       `json:"valid"`
	BrokenAtEntryID *uuid.UUID `json:"broken_at_entry_id,omitempty"`
	EntriesChecked  int64      `json:"entries_checked"`
	VerifiedAt      time.Time  `json:"verified_at"`
}
