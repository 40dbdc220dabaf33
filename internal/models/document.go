package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DocumentType string

const (
	TypePayslip        DocumentType = "payslip"
	TypeSettlementNote DocumentType = "settlement-note"
	TypeContract       DocumentType = "contract"
	TypeInvoice        DocumentType = "invoice"
)

// Status of a generated document. Transitions only move forward.
type Status string

const (
	StatusGenerated  Status = "generated"
	StatusSent       Status = "sent"
	StatusDownloaded Status = "downloaded"
	StatusArchived   Status = "archived"
)

var statusRank = map[Status]int{
	StatusGenerated:  0,
	StatusSent:       1,
	StatusDownloaded: 2,
	StatusArchived:   3,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s comes strictly earlier than other in the
// generated -> sent -> downloaded -> archived progression.
func (s Status) Before(other Status) bool {
	return statusRank[s] < statusRank[other]
}

// Document is the metadata record of one generated artifact. The encrypted
// bytes live in the blob store under BlobRef.
type Document struct {
	ID           string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BlobRef      string            `gorm:"type:varchar(512);not null;uniqueIndex" json:"blobRef"`
	Type         DocumentType      `gorm:"type:varchar(32);not null;index:idx_documents_owner_type,priority:2" json:"type"`
	OwnerID      string            `gorm:"type:varchar(128);not null;index:idx_documents_owner_type,priority:1" json:"ownerId"`
	OwnerKind    string            `gorm:"type:varchar(32);not null" json:"ownerKind"`
	Version      int               `gorm:"not null;default:1" json:"version"`
	TypeMetadata datatypes.JSONMap `json:"typeMetadata,omitempty"`
	IV           []byte            `gorm:"not null" json:"-"`
	SizeBytes    int64             `gorm:"not null;default:0" json:"sizeBytes"`
	Status       Status            `gorm:"type:varchar(16);not null;default:generated" json:"status"`
	CreatedAt    time.Time         `gorm:"index;not null" json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	DeletedAt    gorm.DeletedAt    `gorm:"index" json:"deletedAt,omitempty"`

	AccessLog AccessLog `gorm:"-" json:"-"`
}

func (Document) TableName() string {
	return "documents"
}

func (d *Document) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

func (d *Document) Deleted() bool {
	return d.DeletedAt.Valid
}

// Principal identifies the caller of an operation.
type Principal struct {
	ID   string
	Kind string
}

const KindAdmin = "admin"

func (p Principal) Privileged() bool {
	return p.Kind == KindAdmin
}

// CanAccess reports whether p may read or delete doc.
func (p Principal) CanAccess(doc *Document) bool {
	return p.Privileged() || p.ID == doc.OwnerID
}
