// Package documents composes template resolution, rendering, encryption and
// storage into the generate/retrieve/list/delete operations on documents.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sdko-org/docvault/internal/cache"
	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
	"github.com/sdko-org/docvault/internal/storage"
	"github.com/sdko-org/docvault/internal/templates"
)

const ContentType = "application/octet-stream"

var generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docvault_generations_total",
	Help: "Generate calls by outcome.",
}, []string{"type", "outcome"})

type TemplateResolver interface {
	Compile(name string) (*templates.Template, error)
	Invalidate(name string) bool
}

type Renderer interface {
	Render(ctx context.Context, markup []byte) ([]byte, error)
}

type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, []byte, error)
	Decrypt(ciphertext, iv []byte) ([]byte, error)
}

type MetadataStore interface {
	Create(ctx context.Context, doc *models.Document, first models.AccessLogEntry) error
	Get(ctx context.Context, id string) (*models.Document, error)
	GetIncludingDeleted(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context, ownerID string, docType models.DocumentType) ([]models.Document, error)
	AppendAccess(ctx context.Context, id string, entry models.AccessLogEntry) error
	SoftDelete(ctx context.Context, id string, entry models.AccessLogEntry) error
	HardDelete(ctx context.Context, id string) error
	AdvanceStatus(ctx context.Context, id string, status models.Status, entry models.AccessLogEntry) (*models.Document, error)
	ListSoftDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Document, error)
}

type Deps struct {
	Templates TemplateResolver
	Renderer  Renderer
	Cipher    Cipher
	Blobs     storage.Store
	Metadata  MetadataStore
	Cache     *cache.ResultCache
	// GenerateTimeout bounds one shared generation; it defaults to
	// DefaultGenerateTimeout.
	GenerateTimeout time.Duration
}

const DefaultGenerateTimeout = 2 * time.Minute

type Service struct {
	templates TemplateResolver
	renderer  Renderer
	cipher    Cipher
	blobs     storage.Store
	meta      MetadataStore
	cache     *cache.ResultCache
	inflight  singleflight.Group
	log       *logrus.Entry

	flightTimeout time.Duration
	now           func() time.Time
}

func NewService(logger *logrus.Logger, deps Deps) *Service {
	if deps.GenerateTimeout <= 0 {
		deps.GenerateTimeout = DefaultGenerateTimeout
	}
	return &Service{
		templates: deps.Templates,
		renderer:  deps.Renderer,
		cipher:    deps.Cipher,
		blobs:     deps.Blobs,
		meta:      deps.Metadata,
		cache:     deps.Cache,
		log:       logger.WithField("component", "document_service"),
		now:       func() time.Time { return time.Now().UTC() },

		flightTimeout: deps.GenerateTimeout,
	}
}

type GenerateRequest struct {
	Type      models.DocumentType
	Data      map[string]any
	OwnerID   string
	OwnerKind string
	// Version defaults to 1.
	Version int
	// TypeMetadata overrides the attributes derived from Data.
	TypeMetadata map[string]any
	// Actor is recorded in the access log; it defaults to the owner.
	Actor models.Principal
}

type GenerateResult struct {
	DocumentID string `json:"pdfId"`
	BlobRef    string `json:"blobRef"`
	Cached     bool   `json:"cached"`
}

type Document struct {
	ID          string
	Filename    string
	ContentType string
	Content     []byte
	Metadata    *models.Document
}

func cacheKey(docType models.DocumentType, ownerID string, version int) cache.Key {
	return cache.Key{Type: docType, OwnerID: ownerID, Version: version}
}

// Generate renders, encrypts and stores a document, or returns the stored
// reference of an earlier generation with the same type, owner and version.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if req.Version == 0 {
		req.Version = 1
	}
	if err := validateGenerate(req); err != nil {
		return GenerateResult{}, err
	}
	if req.Actor.ID == "" {
		req.Actor = models.Principal{ID: req.OwnerID, Kind: req.OwnerKind}
	}

	key := cacheKey(req.Type, req.OwnerID, req.Version)
	if entry, ok := s.cache.Get(key); ok {
		generationsTotal.WithLabelValues(string(req.Type), "cached").Inc()
		return GenerateResult{DocumentID: entry.MetadataID, BlobRef: entry.BlobRef, Cached: true}, nil
	}

	// Concurrent callers for one key share a single render. The flight runs
	// detached from any single caller; each caller stops waiting when its
	// own context ends.
	flight := s.inflight.DoChan(key.String(), func() (any, error) {
		if entry, ok := s.cache.Peek(key); ok {
			return GenerateResult{DocumentID: entry.MetadataID, BlobRef: entry.BlobRef, Cached: true}, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flightTimeout)
		defer cancel()
		return s.generate(fctx, req, key)
	})

	var v any
	select {
	case r := <-flight:
		if r.Err != nil {
			generationsTotal.WithLabelValues(string(req.Type), "failed").Inc()
			return GenerateResult{}, r.Err
		}
		v = r.Val
	case <-ctx.Done():
		generationsTotal.WithLabelValues(string(req.Type), "abandoned").Inc()
		return GenerateResult{}, ctx.Err()
	}
	res := v.(GenerateResult)
	outcome := "rendered"
	if res.Cached {
		outcome = "cached"
	}
	generationsTotal.WithLabelValues(string(req.Type), outcome).Inc()
	return res, nil
}

func (s *Service) generate(ctx context.Context, req GenerateRequest, key cache.Key) (GenerateResult, error) {
	start := time.Now()
	log := s.log.WithFields(logrus.Fields{
		"type":    req.Type,
		"owner":   req.OwnerID,
		"version": req.Version,
	})

	tmpl, err := s.templates.Compile(string(req.Type))
	if err != nil {
		log.WithError(err).Warn("Template resolution failed")
		return GenerateResult{}, err
	}
	markup, err := tmpl.Execute(req.Data)
	if err != nil {
		log.WithError(err).Warn("Template execution failed")
		return GenerateResult{}, err
	}

	pdf, err := s.renderer.Render(ctx, markup)
	if err != nil {
		log.WithError(err).Warn("Render failed")
		return GenerateResult{}, err
	}

	sealed, iv, err := s.cipher.Encrypt(pdf)
	if err != nil {
		log.WithError(err).Error("Encryption failed")
		return GenerateResult{}, fmt.Errorf("encrypt document: %w", err)
	}

	now := s.now()
	ref, err := s.blobs.Save(ctx, bytes.NewReader(sealed), storage.Attributes{
		Type:      req.Type,
		OwnerID:   req.OwnerID,
		IV:        iv,
		Version:   req.Version,
		CreatedAt: now,
	})
	if err != nil {
		log.WithError(err).Error("Blob persist failed")
		return GenerateResult{}, fmt.Errorf("persist blob: %w", err)
	}

	// Metadata goes last: a failure here leaves an orphaned blob, never a
	// record pointing at nothing.
	doc := &models.Document{
		BlobRef:      ref,
		Type:         req.Type,
		OwnerID:      req.OwnerID,
		OwnerKind:    req.OwnerKind,
		Version:      req.Version,
		TypeMetadata: typeMetadata(req),
		IV:           iv,
		SizeBytes:    int64(len(sealed)),
		Status:       models.StatusGenerated,
		CreatedAt:    now,
	}
	first := models.AccessLogEntry{
		Action:    models.ActionGenerated,
		ActorID:   req.Actor.ID,
		ActorKind: req.Actor.Kind,
		Timestamp: now,
	}
	if err := s.meta.Create(ctx, doc, first); err != nil {
		log.WithError(err).WithField("ref", ref).Error("Metadata persist failed")
		s.discardBlob(ref)
		return GenerateResult{}, err
	}

	s.cache.Set(key, cache.Entry{BlobRef: ref, MetadataID: doc.ID, CachedAt: now})

	log.WithFields(logrus.Fields{
		"document": doc.ID,
		"ref":      ref,
		"bytes":    len(sealed),
		"duration": time.Since(start),
	}).Info("Generated document")
	return GenerateResult{DocumentID: doc.ID, BlobRef: ref}, nil
}

// discardBlob removes a blob whose metadata write failed. A failure here only
// leaves an orphan behind.
func (s *Service) discardBlob(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, ref); err != nil {
		s.log.WithError(err).WithField("ref", ref).Warn("Left orphaned blob")
	}
}

// Retrieve decrypts and returns a live document the requester may access.
func (s *Service) Retrieve(ctx context.Context, id string, requester models.Principal) (*Document, error) {
	doc, err := s.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !requester.CanAccess(doc) {
		return nil, fmt.Errorf("%w: %s may not read %s", errs.ErrPermissionDenied, requester.ID, id)
	}

	sealed, attrs, err := s.blobs.Load(ctx, doc.BlobRef)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"document": id, "ref": doc.BlobRef}).Error("Blob load failed")
		return nil, err
	}
	iv := attrs.IV
	if len(iv) == 0 {
		iv = doc.IV
	}
	content, err := s.cipher.Decrypt(sealed, iv)
	if err != nil {
		s.log.WithError(err).WithField("document", id).Error("Decryption failed")
		return nil, err
	}

	entry := models.AccessLogEntry{
		Action:    models.ActionDownloaded,
		ActorID:   requester.ID,
		ActorKind: requester.Kind,
		Timestamp: s.now(),
	}
	if doc.Status.Before(models.StatusDownloaded) {
		if doc, err = s.meta.AdvanceStatus(ctx, id, models.StatusDownloaded, entry); err != nil {
			return nil, err
		}
	} else if err := s.meta.AppendAccess(ctx, id, entry); err != nil {
		return nil, err
	}

	return &Document{
		ID:          id,
		Filename:    Filename(id),
		ContentType: ContentType,
		Content:     content,
		Metadata:    doc,
	}, nil
}

// Filename is the suggested download name for a document.
func Filename(id string) string {
	return "document-" + id + ".pdf"
}

// List returns the owner's live documents, newest first.
func (s *Service) List(ctx context.Context, ownerID string, docType models.DocumentType) ([]models.Document, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", errs.ErrInvalidRequest)
	}
	return s.meta.List(ctx, ownerID, docType)
}

// SoftDelete hides a document from listings and retrieval. Its blob stays
// until HardDelete.
func (s *Service) SoftDelete(ctx context.Context, id string, requester models.Principal) error {
	doc, err := s.meta.Get(ctx, id)
	if err != nil {
		return err
	}
	if !requester.CanAccess(doc) {
		return fmt.Errorf("%w: %s may not delete %s", errs.ErrPermissionDenied, requester.ID, id)
	}

	if err := s.meta.SoftDelete(ctx, id, models.AccessLogEntry{
		Action:    models.ActionDeleted,
		ActorID:   requester.ID,
		ActorKind: requester.Kind,
		Timestamp: s.now(),
	}); err != nil {
		return err
	}
	s.cache.InvalidateDocument(cacheKey(doc.Type, doc.OwnerID, doc.Version), doc.ID)

	s.log.WithFields(logrus.Fields{"document": id, "actor": requester.ID}).Info("Soft deleted document")
	return nil
}

// HardDelete removes the blob and the metadata record for good. Callers
// must already be authorised as privileged.
func (s *Service) HardDelete(ctx context.Context, id string) error {
	doc, err := s.meta.GetIncludingDeleted(ctx, id)
	if err != nil {
		return err
	}

	if err := s.blobs.Delete(ctx, doc.BlobRef); err != nil {
		if !errors.Is(err, errs.ErrBlobNotFound) {
			return err
		}
		s.log.WithField("ref", doc.BlobRef).Warn("Blob already gone during hard delete")
	}
	if err := s.meta.HardDelete(ctx, id); err != nil {
		return err
	}
	s.cache.InvalidateDocument(cacheKey(doc.Type, doc.OwnerID, doc.Version), doc.ID)

	s.log.WithFields(logrus.Fields{"document": id, "ref": doc.BlobRef}).Info("Hard deleted document")
	return nil
}

// AdvanceStatus moves a document forward, e.g. to sent or archived.
func (s *Service) AdvanceStatus(ctx context.Context, id string, status models.Status, requester models.Principal) (*models.Document, error) {
	doc, err := s.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !requester.CanAccess(doc) {
		return nil, fmt.Errorf("%w: %s may not update %s", errs.ErrPermissionDenied, requester.ID, id)
	}
	return s.meta.AdvanceStatus(ctx, id, status, models.AccessLogEntry{
		Action:    models.ActionStatusChanged,
		ActorID:   requester.ID,
		ActorKind: requester.Kind,
		Detail:    string(status),
		Timestamp: s.now(),
	})
}

// History returns the access log. Privileged callers also see soft-deleted
// documents.
func (s *Service) History(ctx context.Context, id string, requester models.Principal) (models.AccessLog, error) {
	get := s.meta.Get
	if requester.Privileged() {
		get = s.meta.GetIncludingDeleted
	}
	doc, err := get(ctx, id)
	if err != nil {
		return models.AccessLog{}, err
	}
	if !requester.CanAccess(doc) {
		return models.AccessLog{}, fmt.Errorf("%w: %s may not read %s", errs.ErrPermissionDenied, requester.ID, id)
	}
	return doc.AccessLog, nil
}

// InvalidateTemplate forces the next generation of name to recompile it.
// Documents already generated are unaffected.
func (s *Service) InvalidateTemplate(name string) bool {
	return s.templates.Invalidate(name)
}
