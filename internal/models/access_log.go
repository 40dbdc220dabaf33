package models

import (
	"time"
)

type AccessAction string

const (
	ActionGenerated     AccessAction = "generated"
	ActionDownloaded    AccessAction = "downloaded"
	ActionDeleted       AccessAction = "deleted"
	ActionStatusChanged AccessAction = "status_changed"
)

type AccessLogEntry struct {
	ID         uint         `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID string       `gorm:"type:varchar(36);not null;index" json:"-"`
	Action     AccessAction `gorm:"type:varchar(32);not null" json:"action"`
	ActorID    string       `gorm:"type:varchar(128);not null" json:"actorId"`
	ActorKind  string       `gorm:"type:varchar(32);not null" json:"actorKind"`
	Detail     string       `gorm:"type:text" json:"detail,omitempty"`
	Timestamp  time.Time    `gorm:"index;not null" json:"timestamp"`
}

func (AccessLogEntry) TableName() string {
	return "document_access_logs"
}

// AccessLog is an append-only ordered sequence of access entries. There is
// no way to edit or remove an entry once appended.
type AccessLog struct {
	entries []AccessLogEntry
}

func NewAccessLog(entries ...AccessLogEntry) AccessLog {
	return AccessLog{entries: append([]AccessLogEntry(nil), entries...)}
}

func (l *AccessLog) Append(e AccessLogEntry) {
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log in insertion order.
func (l AccessLog) Entries() []AccessLogEntry {
	return append([]AccessLogEntry(nil), l.entries...)
}

func (l AccessLog) Len() int {
	return len(l.entries)
}

func (l AccessLog) Last() (AccessLogEntry, bool) {
	if len(l.entries) == 0 {
		return AccessLogEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}
