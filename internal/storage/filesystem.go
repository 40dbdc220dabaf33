package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
)

const attrSuffix = ".attr.json"

// FileStore keeps blobs on a local disk. Every blob has an attribute
// sidecar; both are written temp -> fsync -> rename.
type FileStore struct {
	root string
	log  *logrus.Entry
}

func NewFileStore(logger *logrus.Logger, root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", root, err)
	}
	return &FileStore{
		root: root,
		log:  logger.WithFields(logrus.Fields{"component": "file_blob_store", "root": root}),
	}, nil
}

func (s *FileStore) path(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

func (s *FileStore) Save(ctx context.Context, content io.Reader, attrs Attributes) (string, error) {
	if err := validateAttributes(attrs); err != nil {
		return "", err
	}
	if attrs.CreatedAt.IsZero() {
		attrs.CreatedAt = time.Now().UTC()
	}
	ref := newRef(attrs)
	full := s.path(ref)

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	size, err := writeAtomic(full, func(w io.Writer) (int64, error) {
		return io.CopyBuffer(w, &ctxReader{ctx: ctx, r: content}, make([]byte, ChunkSize))
	})
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	attrs.Size = size

	data, err := json.Marshal(attrs)
	if err != nil {
		os.Remove(full)
		return "", fmt.Errorf("encode blob attributes: %w", err)
	}
	if _, err := writeAtomic(full+attrSuffix, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	}); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("write blob attributes: %w", err)
	}

	s.log.WithFields(logrus.Fields{"ref": ref, "size": size}).Debug("Stored blob")
	return ref, nil
}

func (s *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, Attributes, error) {
	if err := validateRef(ref); err != nil {
		return nil, Attributes{}, err
	}
	full := s.path(ref)

	attrs, err := readAttributes(full + attrSuffix)
	if err != nil {
		return nil, Attributes{}, s.mapError(ref, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, Attributes{}, s.mapError(ref, err)
	}
	return f, attrs, nil
}

func (s *FileStore) Load(ctx context.Context, ref string) ([]byte, Attributes, error) {
	rc, attrs, err := s.Open(ctx, ref)
	if err != nil {
		return nil, Attributes{}, err
	}
	content, err := readAll(rc, attrs.Size)
	if err != nil {
		return nil, Attributes{}, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return content, attrs, nil
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	full := s.path(ref)
	if err := os.Remove(full); err != nil {
		return s.mapError(ref, err)
	}
	if err := os.Remove(full + attrSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob attributes %s: %w", ref, err)
	}
	s.log.WithField("ref", ref).Info("Deleted blob")
	return nil
}

func (s *FileStore) ListByOwner(ctx context.Context, ownerID string, docType models.DocumentType) ([]BlobSummary, error) {
	prefix := ownerPrefix(ownerID, docType)
	dir := s.path(strings.TrimSuffix(prefix, "/"))

	var summaries []BlobSummary
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, attrSuffix) {
			return nil
		}
		attrs, err := readAttributes(p)
		if err != nil {
			s.log.WithError(err).WithField("path", p).Warn("Skipping blob with unreadable attributes")
			return nil
		}
		if !matchesOwner(attrs, ownerID, docType) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(p, attrSuffix))
		if err != nil {
			return err
		}
		summaries = append(summaries, BlobSummary{Ref: filepath.ToSlash(rel), Attributes: attrs})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs of %s: %w", ownerID, err)
	}
	return summaries, nil
}

func (s *FileStore) mapError(ref string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", errs.ErrBlobNotFound, ref)
	}
	return fmt.Errorf("blob %s: %w", ref, err)
}

func readAttributes(path string) (Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attributes{}, err
	}
	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Attributes{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return attrs, nil
}

// writeAtomic writes through a temp file that is synced and renamed into
// place, so readers never observe a partial file.
func writeAtomic(path string, write func(io.Writer) (int64, error)) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}

	n, err := write(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
