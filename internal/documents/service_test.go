package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdko-org/docvault/internal/cache"
	"github.com/sdko-org/docvault/internal/database"
	"github.com/sdko-org/docvault/internal/encryption"
	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/metadata"
	"github.com/sdko-org/docvault/internal/models"
	"github.com/sdko-org/docvault/internal/render"
	"github.com/sdko-org/docvault/internal/storage"
	"github.com/sdko-org/docvault/internal/templates"
)

var testTemplates = fstest.MapFS{
	"payslip.html":  {Data: []byte(`<h1>Payslip {{ .period }}</h1><p>{{ .amount | printf "%.2f" }}</p>`)},
	"invoice.html":  {Data: []byte(`<h1>Invoice {{ .invoiceNumber }}</h1>`)},
	"contract.html": {Data: []byte(`<h1>{{ .missing.field }}</h1>`)},
}

type stubEngine struct {
	env *testEnv
}

func (e stubEngine) Render(ctx context.Context, markup []byte, _ render.PageFormat) ([]byte, error) {
	e.env.renders.Add(1)
	if d := e.env.renderDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.env.renderErr != nil {
		return nil, e.env.renderErr
	}
	return append([]byte("%PDF-1.7\n"), markup...), nil
}

func (stubEngine) Close() error { return nil }

// failingMeta fails Create to simulate a metadata outage after the blob
// has been written.
type failingMeta struct {
	*metadata.Store
}

func (failingMeta) Create(context.Context, *models.Document, models.AccessLogEntry) error {
	return errors.New("connection reset")
}

type testEnv struct {
	svc         *Service
	blobs       *storage.FileStore
	meta        *metadata.Store
	cache       *cache.ResultCache
	renders     atomic.Int64
	renderDelay time.Duration
	renderErr   error
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dir := t.TempDir()

	db, err := database.NewSQLiteDB(logger, filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	blobs, err := storage.NewFileStore(logger, filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	key := bytes.Repeat([]byte{7}, encryption.KeySize)
	cipher, err := encryption.New(key)
	require.NoError(t, err)

	rc, err := cache.NewResultCache(logger, cache.DefaultSize)
	require.NoError(t, err)

	env := &testEnv{blobs: blobs, meta: metadata.NewStore(logger, db), cache: rc}
	pool := render.NewPool(logger, render.PoolConfig{Size: 2, RenderTimeout: 5 * time.Second},
		func(context.Context) (render.Engine, error) { return stubEngine{env: env}, nil })
	t.Cleanup(pool.Shutdown)

	deps := Deps{
		Templates: templates.NewResolver(logger, testTemplates),
		Renderer:  pool,
		Cipher:    cipher,
		Blobs:     blobs,
		Metadata:  env.meta,
		Cache:     rc,
	}
	for _, o := range opts {
		o(&deps)
	}
	env.svc = NewService(logger, deps)
	return env
}

func payslipRequest(ownerID string, version int) GenerateRequest {
	return GenerateRequest{
		Type:      models.TypePayslip,
		Data:      map[string]any{"period": "2026-09", "amount": 2150.0},
		OwnerID:   ownerID,
		OwnerKind: "professor",
		Version:   version,
	}
}

var (
	owner    = models.Principal{ID: "P1", Kind: "professor"}
	stranger = models.Principal{ID: "P2", Kind: "professor"}
	admin    = models.Principal{ID: "ops", Kind: models.KindAdmin}
)

func TestService_GenerateScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.NotEmpty(t, first.DocumentID)
	assert.NotEmpty(t, first.BlobRef)

	again, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, first.DocumentID, again.DocumentID)
	assert.Equal(t, first.BlobRef, again.BlobRef)
	assert.EqualValues(t, 1, env.renders.Load())

	time.Sleep(5 * time.Millisecond)
	second, err := env.svc.Generate(ctx, payslipRequest("P1", 2))
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.NotEqual(t, first.DocumentID, second.DocumentID)
	assert.NotEqual(t, first.BlobRef, second.BlobRef)

	docs, err := env.svc.List(ctx, "P1", models.TypePayslip)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, second.DocumentID, docs[0].ID)
	assert.Equal(t, first.DocumentID, docs[1].ID)

	require.NoError(t, env.svc.SoftDelete(ctx, first.DocumentID, owner))
	docs, err = env.svc.List(ctx, "P1", models.TypePayslip)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, second.DocumentID, docs[0].ID)

	// The blob outlives a soft delete.
	_, _, err = env.blobs.Load(ctx, first.BlobRef)
	require.NoError(t, err)

	// A new request regenerates rather than returning the deleted document.
	regen, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)
	assert.False(t, regen.Cached)
	assert.NotEqual(t, first.DocumentID, regen.DocumentID)
}

func TestService_GenerateStoresEncryptedBlobAndMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)

	sealed, attrs, err := env.blobs.Load(ctx, res.BlobRef)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "Payslip")
	assert.Len(t, attrs.IV, encryption.IVSize)
	assert.Equal(t, "P1", attrs.OwnerID)
	assert.Equal(t, 1, attrs.Version)

	doc, err := env.meta.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, res.BlobRef, doc.BlobRef)
	assert.Equal(t, attrs.IV, doc.IV)
	assert.Equal(t, int64(len(sealed)), doc.SizeBytes)
	assert.Equal(t, "2026-09", doc.TypeMetadata["period"])
	assert.Equal(t, models.StatusGenerated, doc.Status)

	last, ok := doc.AccessLog.Last()
	require.True(t, ok)
	assert.Equal(t, models.ActionGenerated, last.Action)
	assert.Equal(t, "P1", last.ActorID)
}

func TestService_Retrieve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)

	doc, err := env.svc.Retrieve(ctx, res.DocumentID, owner)
	require.NoError(t, err)
	assert.Equal(t, "document-"+res.DocumentID+".pdf", doc.Filename)
	assert.Equal(t, "application/octet-stream", doc.ContentType)
	assert.True(t, bytes.HasPrefix(doc.Content, []byte("%PDF-1.7")))
	assert.Contains(t, string(doc.Content), "<h1>Payslip 2026-09</h1><p>2150.00</p>")
	assert.Equal(t, models.StatusDownloaded, doc.Metadata.Status)

	_, err = env.svc.Retrieve(ctx, res.DocumentID, admin)
	require.NoError(t, err)

	log, err := env.svc.History(ctx, res.DocumentID, owner)
	require.NoError(t, err)
	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, models.ActionGenerated, entries[0].Action)
	assert.Equal(t, models.ActionDownloaded, entries[1].Action)
	assert.Equal(t, "P1", entries[1].ActorID)
	assert.Equal(t, models.ActionDownloaded, entries[2].Action)
	assert.Equal(t, "ops", entries[2].ActorID)
}

func TestService_RetrieveDeniesOtherOwners(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)

	_, err = env.svc.Retrieve(ctx, res.DocumentID, stranger)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	err = env.svc.SoftDelete(ctx, res.DocumentID, stranger)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	_, err = env.svc.History(ctx, res.DocumentID, stranger)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	doc, err := env.meta.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.AccessLog.Len())
}

func TestService_RetrieveSoftDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)
	require.NoError(t, env.svc.SoftDelete(ctx, res.DocumentID, owner))

	_, err = env.svc.Retrieve(ctx, res.DocumentID, owner)
	assert.ErrorIs(t, err, errs.ErrMetadataNotFound)
	_, err = env.svc.Retrieve(ctx, res.DocumentID, admin)
	assert.ErrorIs(t, err, errs.ErrMetadataNotFound)

	_, ok := env.cache.Peek(cacheKey(models.TypePayslip, "P1", 1))
	assert.False(t, ok)

	log, err := env.svc.History(ctx, res.DocumentID, admin)
	require.NoError(t, err)
	last, _ := log.Last()
	assert.Equal(t, models.ActionDeleted, last.Action)
}

func TestService_RetrieveMissing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Retrieve(context.Background(), "nope", admin)
	assert.ErrorIs(t, err, errs.ErrMetadataNotFound)
}

func TestService_HardDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)

	require.NoError(t, env.svc.HardDelete(ctx, res.DocumentID))

	_, _, err = env.blobs.Load(ctx, res.BlobRef)
	assert.ErrorIs(t, err, errs.ErrBlobNotFound)
	_, err = env.meta.GetIncludingDeleted(ctx, res.DocumentID)
	assert.ErrorIs(t, err, errs.ErrMetadataNotFound)
	assert.Equal(t, 0, env.cache.Len())

	err = env.svc.HardDelete(ctx, res.DocumentID)
	assert.ErrorIs(t, err, errs.ErrMetadataNotFound)
}

func TestService_HardDeleteToleratesMissingBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)
	require.NoError(t, env.blobs.Delete(ctx, res.BlobRef))

	require.NoError(t, env.svc.HardDelete(ctx, res.DocumentID))
	_, err = env.meta.GetIncludingDeleted(ctx, res.DocumentID)
	assert.ErrorIs(t, err, errs.ErrMetadataNotFound)
}

func TestService_GenerateFailuresLeaveNoTrace(t *testing.T) {
	ctx := context.Background()

	t.Run("missing template", func(t *testing.T) {
		env := newTestEnv(t)
		req := payslipRequest("P1", 1)
		req.Type = models.TypeSettlementNote
		_, err := env.svc.Generate(ctx, req)
		assert.ErrorIs(t, err, errs.ErrTemplateNotFound)
		assert.Equal(t, 0, env.cache.Len())
		assert.EqualValues(t, 0, env.renders.Load())
	})

	t.Run("template execution", func(t *testing.T) {
		env := newTestEnv(t)
		req := payslipRequest("P1", 1)
		req.Type = models.TypeContract
		req.Data = map[string]any{"missing": 5}
		_, err := env.svc.Generate(ctx, req)
		assert.ErrorIs(t, err, errs.ErrRenderFailed)
		assert.Equal(t, 0, env.cache.Len())
	})

	t.Run("render", func(t *testing.T) {
		env := newTestEnv(t)
		env.renderErr = errors.New("target crashed")
		_, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
		assert.ErrorIs(t, err, errs.ErrRenderFailed)
		assert.Equal(t, 0, env.cache.Len())

		docs, err := env.svc.List(ctx, "P1", "")
		require.NoError(t, err)
		assert.Empty(t, docs)
		blobs, err := env.blobs.ListByOwner(ctx, "P1", "")
		require.NoError(t, err)
		assert.Empty(t, blobs)
	})

	t.Run("metadata", func(t *testing.T) {
		env := newTestEnv(t, func(d *Deps) {
			d.Metadata = failingMeta{Store: d.Metadata.(*metadata.Store)}
		})
		_, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
		require.Error(t, err)
		assert.Equal(t, 0, env.cache.Len())

		blobs, err := env.blobs.ListByOwner(ctx, "P1", "")
		require.NoError(t, err)
		assert.Empty(t, blobs)
	})
}

func TestService_GenerateValidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := payslipRequest("", 1)
	_, err := env.svc.Generate(ctx, req)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	for _, id := range []string{".", "..", "..."} {
		_, err = env.svc.Generate(ctx, payslipRequest(id, 1))
		assert.ErrorIs(t, err, errs.ErrInvalidRequest, "owner %q", id)
	}

	req = payslipRequest("P1", -1)
	_, err = env.svc.Generate(ctx, req)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	req = payslipRequest("P1", 1)
	req.Type = "../etc"
	_, err = env.svc.Generate(ctx, req)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	req = payslipRequest("P1", 0)
	res, err := env.svc.Generate(ctx, req)
	require.NoError(t, err)
	doc, err := env.meta.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
}

func TestService_ConcurrentGenerateRendersOnce(t *testing.T) {
	env := newTestEnv(t)
	env.renderDelay = 50 * time.Millisecond
	ctx := context.Background()

	const callers = 10
	results := make([]GenerateResult, callers)
	errsOut := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = env.svc.Generate(ctx, payslipRequest("P1", 1))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errsOut[i])
		assert.Equal(t, results[0].DocumentID, results[i].DocumentID)
	}
	assert.EqualValues(t, 1, env.renders.Load())

	docs, err := env.svc.List(ctx, "P1", models.TypePayslip)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestService_CancelledCallerDoesNotAbortSharedGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.renderDelay = 200 * time.Millisecond

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	first := make(chan error, 1)
	go func() {
		_, err := env.svc.Generate(ctx1, payslipRequest("P1", 1))
		first <- err
	}()
	require.Eventually(t, func() bool { return env.renders.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := make(chan GenerateResult, 1)
	secondErr := make(chan error, 1)
	go func() {
		res, err := env.svc.Generate(context.Background(), payslipRequest("P1", 1))
		second <- res
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel1()

	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	res := <-second
	require.NoError(t, <-secondErr)
	assert.NotEmpty(t, res.DocumentID)
	assert.EqualValues(t, 1, env.renders.Load())

	docs, err := env.svc.List(context.Background(), "P1", models.TypePayslip)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestService_AdvanceStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Generate(ctx, payslipRequest("P1", 1))
	require.NoError(t, err)

	doc, err := env.svc.AdvanceStatus(ctx, res.DocumentID, models.StatusSent, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, doc.Status)

	_, err = env.svc.AdvanceStatus(ctx, res.DocumentID, models.StatusGenerated, owner)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	_, err = env.svc.AdvanceStatus(ctx, res.DocumentID, models.StatusArchived, stranger)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	doc, err = env.svc.AdvanceStatus(ctx, res.DocumentID, models.StatusArchived, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, doc.Status)

	// Downloading an archived document does not move it backwards.
	got, err := env.svc.Retrieve(ctx, res.DocumentID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, got.Metadata.Status)
}

func TestService_InvalidateTemplate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Generate(context.Background(), payslipRequest("P1", 1))
	require.NoError(t, err)

	assert.True(t, env.svc.InvalidateTemplate("payslip"))
	assert.False(t, env.svc.InvalidateTemplate("payslip"))
}
