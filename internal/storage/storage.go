// Package storage keeps encrypted document payloads as opaque blobs. Each
// blob carries enough attributes to be decrypted and audited on its own.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
)

// ChunkSize is the buffer size used when streaming blobs.
const ChunkSize = 64 * 1024

const refPrefix = "documents"

var (
	plainSegment   = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)
	unsafeRefChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

type Attributes struct {
	Type      models.DocumentType `json:"type"`
	OwnerID   string              `json:"ownerId"`
	IV        []byte              `json:"iv"`
	Version   int                 `json:"version"`
	CreatedAt time.Time           `json:"createdAt"`
	Size      int64               `json:"size"`
}

type BlobSummary struct {
	Ref string
	Attributes
}

// Store saves and loads blobs by an opaque reference. Save and Load are
// atomic over the whole payload even though they stream in chunks.
type Store interface {
	Save(ctx context.Context, content io.Reader, attrs Attributes) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, Attributes, error)
	Load(ctx context.Context, ref string) ([]byte, Attributes, error)
	Delete(ctx context.Context, ref string) error
	// ListByOwner lists blobs of ownerID; an empty docType matches all types.
	ListByOwner(ctx context.Context, ownerID string, docType models.DocumentType) ([]BlobSummary, error)
}

// safeSegment maps s to a single path segment, one-to-one. Plain values are
// used as is; anything else gets a readable prefix and a hash suffix after
// "~", which plain values can never contain.
func safeSegment(s string) string {
	if plainSegment.MatchString(s) && !strings.Contains(s, "..") && strings.Trim(s, ".") != "" {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	prefix := unsafeRefChars.ReplaceAllString(s, "_")
	if len(prefix) > 48 {
		prefix = prefix[:48]
	}
	return prefix + "~" + hex.EncodeToString(sum[:12])
}

// matchesOwner guards listings against blobs whose attributes disagree with
// the prefix they were found under.
func matchesOwner(attrs Attributes, ownerID string, docType models.DocumentType) bool {
	return attrs.OwnerID == ownerID && (docType == "" || attrs.Type == docType)
}

func ownerPrefix(ownerID string, docType models.DocumentType) string {
	p := path.Join(refPrefix, safeSegment(ownerID))
	if docType != "" {
		p = path.Join(p, safeSegment(string(docType)))
	}
	return p + "/"
}

func newRef(attrs Attributes) string {
	return ownerPrefix(attrs.OwnerID, attrs.Type) + uuid.NewString()
}

func validateRef(ref string) error {
	if ref == "" || path.Clean(ref) != ref || !strings.HasPrefix(ref, refPrefix+"/") || strings.Contains(ref, "..") {
		return fmt.Errorf("%w: malformed reference %q", errs.ErrBlobNotFound, ref)
	}
	return nil
}

func validateAttributes(attrs Attributes) error {
	if attrs.OwnerID == "" || attrs.Type == "" {
		return fmt.Errorf("%w: blob attributes need owner and type", errs.ErrInvalidRequest)
	}
	return nil
}

func readAll(rc io.ReadCloser, sizeHint int64) ([]byte, error) {
	defer rc.Close()
	var buf bytes.Buffer
	if sizeHint > 0 {
		buf.Grow(int(sizeHint))
	}
	if _, err := io.CopyBuffer(&buf, rc, make([]byte, ChunkSize)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
