// Package metadata persists document metadata records and their access logs.
// Blob bytes never pass through here.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
)

type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewStore(logger *logrus.Logger, db *gorm.DB) *Store {
	return &Store{
		db:  db,
		log: logger.WithField("component", "metadata_store"),
	}
}

// Create inserts doc together with the first entry of its access log.
func (s *Store) Create(ctx context.Context, doc *models.Document, first models.AccessLogEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		first.ID = 0
		first.DocumentID = doc.ID
		if first.Timestamp.IsZero() {
			first.Timestamp = doc.CreatedAt
		}
		if err := tx.Create(&first).Error; err != nil {
			return err
		}
		doc.AccessLog = models.NewAccessLog(first)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create document metadata: %w", err)
	}
	return nil
}

// Get returns a live (not soft-deleted) document with its access log.
func (s *Store) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.get(ctx, s.db.WithContext(ctx), id)
}

// GetIncludingDeleted also returns soft-deleted documents.
func (s *Store) GetIncludingDeleted(ctx context.Context, id string) (*models.Document, error) {
	return s.get(ctx, s.db.WithContext(ctx).Unscoped(), id)
}

func (s *Store) get(ctx context.Context, q *gorm.DB, id string) (*models.Document, error) {
	var doc models.Document
	if err := q.Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", errs.ErrMetadataNotFound, id)
		}
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	log, err := s.AccessLog(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.AccessLog = log
	return &doc, nil
}

// List returns the owner's live documents, newest first. An empty docType
// matches every type. Access logs are not loaded.
func (s *Store) List(ctx context.Context, ownerID string, docType models.DocumentType) ([]models.Document, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if docType != "" {
		q = q.Where("type = ?", docType)
	}
	var docs []models.Document
	if err := q.Order("created_at DESC").Order("id DESC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", ownerID, err)
	}
	return docs, nil
}

func (s *Store) AccessLog(ctx context.Context, id string) (models.AccessLog, error) {
	var entries []models.AccessLogEntry
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", id).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return models.AccessLog{}, fmt.Errorf("load access log of %s: %w", id, err)
	}
	return models.NewAccessLog(entries...), nil
}

// AppendAccess adds entry to the end of the document's access log. Soft
// deleted documents still accept entries.
func (s *Store) AppendAccess(ctx context.Context, id string, entry models.AccessLogEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := exists(tx.Unscoped(), id); err != nil {
			return err
		}
		return appendEntry(tx, id, entry)
	})
}

// SoftDelete marks a live document deleted and records entry. Deleting an
// already deleted document reports ErrMetadataNotFound.
func (s *Store) SoftDelete(ctx context.Context, id string, entry models.AccessLogEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&models.Document{})
		if res.Error != nil {
			return fmt.Errorf("soft delete %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", errs.ErrMetadataNotFound, id)
		}
		return appendEntry(tx, id, entry)
	})
}

// HardDelete removes the record and its access log permanently.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Unscoped().Where("id = ?", id).Delete(&models.Document{})
		if res.Error != nil {
			return fmt.Errorf("hard delete %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", errs.ErrMetadataNotFound, id)
		}
		if err := tx.Where("document_id = ?", id).Delete(&models.AccessLogEntry{}).Error; err != nil {
			return fmt.Errorf("delete access log of %s: %w", id, err)
		}
		return nil
	})
}

// AdvanceStatus moves a live document forward to status and records entry.
// Setting the current status again is a no-op; moving backwards fails.
func (s *Store) AdvanceStatus(ctx context.Context, id string, status models.Status, entry models.AccessLogEntry) (*models.Document, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", errs.ErrInvalidRequest, status)
	}

	var doc models.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&doc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", errs.ErrMetadataNotFound, id)
			}
			return err
		}
		if doc.Status == status {
			return appendEntry(tx, id, entry)
		}
		if !doc.Status.Before(status) {
			return fmt.Errorf("%w: status cannot move from %s to %s", errs.ErrInvalidRequest, doc.Status, status)
		}
		if err := tx.Model(&doc).Update("status", status).Error; err != nil {
			return err
		}
		doc.Status = status
		return appendEntry(tx, id, entry)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"document": id, "status": doc.Status}).Debug("Advanced document status")
	return &doc, nil
}

// ListSoftDeletedBefore returns up to limit documents soft-deleted before cutoff.
func (s *Store) ListSoftDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Document, error) {
	var docs []models.Document
	if err := s.db.WithContext(ctx).Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff.UTC()).
		Order("deleted_at ASC").
		Limit(limit).
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list expired documents: %w", err)
	}
	return docs, nil
}

func exists(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&models.Document{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", errs.ErrMetadataNotFound, id)
	}
	return nil
}

func appendEntry(tx *gorm.DB, id string, entry models.AccessLogEntry) error {
	entry.ID = 0
	entry.DocumentID = id
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append access log of %s: %w", id, err)
	}
	return nil
}
