package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/docvault/internal/documents"
	"github.com/sdko-org/docvault/internal/models"
)

const (
	headerCallerID   = "X-Caller-Id"
	headerCallerKind = "X-Caller-Kind"

	maxRequestBody = 1 << 20
)

var (
	validIDRegex     = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
	validOwnerRegex  = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)
	validKindRegex   = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
	validTemplateRef = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// DocumentService is the document pipeline as seen by the HTTP layer.
type DocumentService interface {
	Generate(ctx context.Context, req documents.GenerateRequest) (documents.GenerateResult, error)
	Retrieve(ctx context.Context, id string, requester models.Principal) (*documents.Document, error)
	List(ctx context.Context, ownerID string, docType models.DocumentType) ([]models.Document, error)
	History(ctx context.Context, id string, requester models.Principal) (models.AccessLog, error)
	AdvanceStatus(ctx context.Context, id string, status models.Status, requester models.Principal) (*models.Document, error)
	SoftDelete(ctx context.Context, id string, requester models.Principal) error
	HardDelete(ctx context.Context, id string) error
	InvalidateTemplate(name string) bool
}

type DocumentHandler struct {
	svc DocumentService
	log *logrus.Entry
}

func NewDocumentHandler(logger *logrus.Logger, svc DocumentService) *DocumentHandler {
	return &DocumentHandler{
		svc: svc,
		log: logger.WithField("component", "document_handler"),
	}
}

func validOwner(id string) bool {
	return validOwnerRegex.MatchString(id) && documents.ValidOwnerID(id)
}

type callerKey struct{}

// callerFrom returns the principal resolved by RequireCaller.
func callerFrom(ctx context.Context) models.Principal {
	p, _ := ctx.Value(callerKey{}).(models.Principal)
	return p
}

// principalFromHeaders reads the caller identity set by the gateway in
// front of the service.
func principalFromHeaders(r *http.Request) (models.Principal, bool) {
	id := strings.TrimSpace(r.Header.Get(headerCallerID))
	kind := strings.ToLower(strings.TrimSpace(r.Header.Get(headerCallerKind)))
	if !validOwner(id) || !validKindRegex.MatchString(kind) {
		return models.Principal{}, false
	}
	return models.Principal{ID: id, Kind: kind}, true
}
