package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies an access event for windowed counting.
type EventKind string

const (
	KindExport      EventKind = "export"
	KindView        EventKind = "view"
	KindWrite       EventKind = "write"
	KindFailedLogin EventKind = "failed_login"
	KindLogin       EventKind = "login"
)

// KindForAction maps audit actions onto counter kinds. Unlisted actions
// (login, logout, security) are tracked by their own flows.
func KindForAction(action string) (EventKind, bool) {
	switch action {
	case AuditActionExport, AuditActionDownload:
		return KindExport, true
	case AuditActionView:
		return KindView, true
	case AuditActionCreate, AuditActionUpdate, AuditActionDelete, AuditActionUpload, AuditActionPublish:
		return KindWrite, true
	default:
		return "", false
	}
}

// Window is a named trailing interval over which events are counted.
type Window struct {
	Name     string
	Duration time.Duration
}

var (
	WindowQuarterHour = Window{Name: "15m", Duration: 15 * time.Minute}
	WindowHour        = Window{Name: "1h", Duration: time.Hour}
	WindowDay         = Window{Name: "24h", Duration: 24 * time.Hour}
)

// UserAccessPattern is the rolling behavioral snapshot for one actor in one
// org. It is derived state, rebuilt from counters, never persisted as
// authoritative history.
type UserAccessPattern struct {
	UserID      uuid.UUID                      `json:"user_id"`
	OrgID       uuid.UUID                      `json:"org_id"`
	Counts      map[EventKind]map[string]int64 `json:"counts"` // kind -> window name -> count
	DistinctIPs int64                          `json:"distinct_ips_24h"`
	ObservedAt  time.Time                      `json:"observed_at"`
}
