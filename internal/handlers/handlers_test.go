package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdko-org/docvault/internal/documents"
	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
)

type fakeService struct {
	docs        map[string]*models.Document
	content     map[string][]byte
	generated   []documents.GenerateRequest
	generateErr error
	hardDeleted []string
	invalidated []string
}

func newFakeService() *fakeService {
	return &fakeService{
		docs: map[string]*models.Document{
			"d1": {ID: "d1", OwnerID: "P1", Type: models.TypePayslip, Version: 1, Status: models.StatusGenerated},
		},
		content: map[string][]byte{"d1": []byte("%PDF-1.7 payslip")},
	}
}

func (f *fakeService) lookup(id string, p models.Principal) (*models.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrMetadataNotFound, id)
	}
	if !p.CanAccess(doc) {
		return nil, errs.ErrPermissionDenied
	}
	return doc, nil
}

func (f *fakeService) Generate(_ context.Context, req documents.GenerateRequest) (documents.GenerateResult, error) {
	if f.generateErr != nil {
		return documents.GenerateResult{}, f.generateErr
	}
	f.generated = append(f.generated, req)
	return documents.GenerateResult{DocumentID: "d2", BlobRef: "documents/x/payslip/d2", Cached: len(f.generated) > 1}, nil
}

func (f *fakeService) Retrieve(_ context.Context, id string, p models.Principal) (*documents.Document, error) {
	doc, err := f.lookup(id, p)
	if err != nil {
		return nil, err
	}
	return &documents.Document{
		ID:          id,
		Filename:    documents.Filename(id),
		ContentType: documents.ContentType,
		Content:     f.content[id],
		Metadata:    doc,
	}, nil
}

func (f *fakeService) List(_ context.Context, ownerID string, docType models.DocumentType) ([]models.Document, error) {
	var out []models.Document
	for _, d := range f.docs {
		if d.OwnerID == ownerID && (docType == "" || d.Type == docType) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeService) History(_ context.Context, id string, p models.Principal) (models.AccessLog, error) {
	if _, err := f.lookup(id, p); err != nil {
		return models.AccessLog{}, err
	}
	return models.NewAccessLog(
		models.AccessLogEntry{Action: models.ActionGenerated, ActorID: "P1", ActorKind: "professor"},
		models.AccessLogEntry{Action: models.ActionDownloaded, ActorID: "P1", ActorKind: "professor"},
	), nil
}

func (f *fakeService) AdvanceStatus(_ context.Context, id string, status models.Status, p models.Principal) (*models.Document, error) {
	doc, err := f.lookup(id, p)
	if err != nil {
		return nil, err
	}
	if !status.Valid() || !doc.Status.Before(status) {
		return nil, fmt.Errorf("%w: bad transition", errs.ErrInvalidRequest)
	}
	doc.Status = status
	return doc, nil
}

func (f *fakeService) SoftDelete(_ context.Context, id string, p models.Principal) error {
	if _, err := f.lookup(id, p); err != nil {
		return err
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeService) HardDelete(_ context.Context, id string) error {
	f.hardDeleted = append(f.hardDeleted, id)
	return nil
}

func (f *fakeService) InvalidateTemplate(name string) bool {
	f.invalidated = append(f.invalidated, name)
	return name == "payslip"
}

func newRouter(t *testing.T, svc DocumentService) http.Handler {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r := mux.NewRouter()
	r.Use(LoggingMiddleware(logger))
	RegisterRoutes(r, NewDocumentHandler(logger, svc))
	return r
}

func do(t *testing.T, h http.Handler, method, path, callerID, callerKind string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if callerID != "" {
		req.Header.Set(headerCallerID, callerID)
		req.Header.Set(headerCallerKind, callerKind)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGenerate(t *testing.T) {
	svc := newFakeService()
	h := newRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/documents", "P1", "professor", map[string]any{
		"type": "payslip",
		"data": map[string]any{"period": "2026-09"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res documents.GenerateResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "d2", res.DocumentID)
	assert.False(t, res.Cached)

	require.Len(t, svc.generated, 1)
	got := svc.generated[0]
	assert.Equal(t, "P1", got.OwnerID)
	assert.Equal(t, "professor", got.OwnerKind)
	assert.Equal(t, models.Principal{ID: "P1", Kind: "professor"}, got.Actor)

	rec = do(t, h, http.MethodPost, "/documents", "P1", "professor", map[string]any{"type": "payslip"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cached":true`)
}

func TestGenerate_OnBehalfOfOthers(t *testing.T) {
	svc := newFakeService()
	h := newRouter(t, svc)
	body := map[string]any{"type": "payslip", "ownerId": "P9", "ownerKind": "professor"}

	rec := do(t, h, http.MethodPost, "/documents", "P1", "professor", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.generated)

	rec = do(t, h, http.MethodPost, "/documents", "payroll", "admin", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.generated, 1)
	assert.Equal(t, "P9", svc.generated[0].OwnerID)
	assert.Equal(t, "payroll", svc.generated[0].Actor.ID)
}

func TestGenerate_OwnerKindFollowsCaller(t *testing.T) {
	svc := newFakeService()
	h := newRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/documents", "P1", "professor", map[string]any{
		"type": "payslip", "ownerKind": "admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/documents", "P1", "professor", map[string]any{
		"type": "payslip", "ownerId": "P1", "ownerKind": "admin",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, svc.generated, 2)
	for _, got := range svc.generated {
		assert.Equal(t, "professor", got.OwnerKind)
	}

	rec = do(t, h, http.MethodPost, "/documents", "payroll", "admin", map[string]any{
		"type": "payslip", "ownerId": "S4", "ownerKind": "student",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "student", svc.generated[2].OwnerKind)
}

func TestGenerate_RejectsDotOwners(t *testing.T) {
	svc := newFakeService()
	h := newRouter(t, svc)

	for _, id := range []string{".", ".."} {
		rec := do(t, h, http.MethodPost, "/documents", "payroll", "admin", map[string]any{
			"type": "payslip", "ownerId": id, "ownerKind": "professor",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)

		rec = do(t, h, http.MethodGet, "/owners/"+id+"/documents", "payroll", "admin", nil)
		assert.NotEqual(t, http.StatusOK, rec.Code, id)

		rec = do(t, h, http.MethodPost, "/documents", id, "professor", map[string]any{"type": "payslip"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, id)
	}
	assert.Empty(t, svc.generated)
}

func TestGenerate_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: payslip", errs.ErrTemplateNotFound), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: pool closed", errs.ErrEngineUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: crashed", errs.ErrRenderFailed), http.StatusInternalServerError},
		{fmt.Errorf("%w: bad version", errs.ErrInvalidRequest), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			svc := newFakeService()
			svc.generateErr = tc.err
			rec := do(t, newRouter(t, svc), http.MethodPost, "/documents", "P1", "professor", map[string]any{"type": "payslip"})
			assert.Equal(t, tc.code, rec.Code)
			if tc.code >= 500 {
				assert.NotContains(t, rec.Body.String(), "crashed")
			}
		})
	}
}

func TestGenerate_RejectsMalformedBody(t *testing.T) {
	h := newRouter(t, newFakeService())
	req := httptest.NewRequest(http.MethodPost, "/documents", bytes.NewBufferString(`{"type": "payslip", "bogus": 1}`))
	req.Header.Set(headerCallerID, "P1")
	req.Header.Set(headerCallerKind, "professor")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequiresCallerHeaders(t *testing.T) {
	h := newRouter(t, newFakeService())
	rec := do(t, h, http.MethodGet, "/documents/d1", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/documents/d1", "P1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRetrieve(t *testing.T) {
	h := newRouter(t, newFakeService())

	rec := do(t, h, http.MethodGet, "/documents/d1", "P1", "professor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="document-d1.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "16", rec.Header().Get("Content-Length"))
	assert.Equal(t, "%PDF-1.7 payslip", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/documents/d1", "P2", "professor", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/documents/d1", "ops", "admin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/documents/nope", "P1", "professor", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/documents/bad%20id", "P1", "professor", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList(t *testing.T) {
	h := newRouter(t, newFakeService())

	rec := do(t, h, http.MethodGet, "/owners/P1/documents?type=payslip", "P1", "professor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res listResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "d1", res.Documents[0].ID)
	assert.NotContains(t, rec.Body.String(), "accessLog")

	rec = do(t, h, http.MethodGet, "/owners/P1/documents?type=invoice", "P1", "professor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"documents":[]`)

	rec = do(t, h, http.MethodGet, "/owners/P1/documents", "P2", "professor", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHistoryAndStatus(t *testing.T) {
	h := newRouter(t, newFakeService())

	rec := do(t, h, http.MethodGet, "/documents/d1/history", "P1", "professor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist historyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	require.Len(t, hist.Entries, 2)
	assert.Equal(t, models.ActionDownloaded, hist.Entries[1].Action)

	rec = do(t, h, http.MethodPost, "/documents/d1/status", "P1", "professor", statusRequest{Status: models.StatusSent})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"sent"`)

	rec = do(t, h, http.MethodPost, "/documents/d1/status", "P1", "professor", statusRequest{Status: models.StatusGenerated})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletes(t *testing.T) {
	svc := newFakeService()
	h := newRouter(t, svc)

	rec := do(t, h, http.MethodDelete, "/documents/d1", "P2", "professor", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodDelete, "/documents/d1", "P1", "professor", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/documents/d1", "P1", "professor", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/admin/documents/d1", "P1", "professor", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.hardDeleted)

	rec = do(t, h, http.MethodDelete, "/admin/documents/d1", "ops", "admin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"d1"}, svc.hardDeleted)
}

func TestInvalidateTemplate(t *testing.T) {
	svc := newFakeService()
	h := newRouter(t, svc)

	rec := do(t, h, http.MethodPost, "/admin/templates/payslip/invalidate", "P1", "professor", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/admin/templates/payslip/invalidate", "ops", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"invalidated":true`)
	assert.Equal(t, []string{"payslip"}, svc.invalidated)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newRouter(t, newFakeService())

	rec := do(t, h, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docvault_http_requests_total")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("192.0.2.1"))
	assert.Equal(t, http.StatusOK, call("192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("192.0.2.1"))
	assert.Equal(t, http.StatusOK, call("192.0.2.2"))

	assert.Equal(t, 0, rl.evictIdle(time.Now()))
	assert.Equal(t, 2, rl.evictIdle(time.Now().Add(4*time.Hour)))
}
