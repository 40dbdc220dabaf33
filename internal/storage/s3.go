package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
)

const (
	metaType      = "Doc-Type"
	metaOwner     = "Owner-Id"
	metaIV        = "Iv"
	metaVersion   = "Version"
	metaCreatedAt = "Created-At"
)

type S3Config struct {
	Bucket      string
	Region      string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	PartSize    int64
	Concurrency int
}

type S3Store struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	log      *logrus.Entry
}

func NewS3Store(logger *logrus.Logger, cfg S3Config) (*S3Store, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}

	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		if cfg.PartSize >= s3manager.MinUploadPartSize {
			u.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})

	return &S3Store{
		client:   s3.New(sess),
		uploader: uploader,
		bucket:   cfg.Bucket,
		log:      logger.WithFields(logrus.Fields{"component": "s3_blob_store", "bucket": cfg.Bucket}),
	}, nil
}

// Save streams content to S3 as a multipart upload once it exceeds one part.
func (s *S3Store) Save(ctx context.Context, content io.Reader, attrs Attributes) (string, error) {
	if err := validateAttributes(attrs); err != nil {
		return "", err
	}
	if attrs.CreatedAt.IsZero() {
		attrs.CreatedAt = time.Now().UTC()
	}
	ref := newRef(attrs)

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(ref),
		Body:        content,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    encodeMetadata(attrs),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"ref":   ref,
		"owner": attrs.OwnerID,
		"type":  attrs.Type,
	}).Debug("Stored blob")
	return ref, nil
}

func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, Attributes, error) {
	if err := validateRef(ref); err != nil {
		return nil, Attributes{}, err
	}
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, Attributes{}, s.mapError(ref, err)
	}

	attrs, err := decodeMetadata(resp.Metadata)
	if err != nil {
		resp.Body.Close()
		return nil, Attributes{}, fmt.Errorf("blob %s: %w", ref, err)
	}
	attrs.Size = aws.Int64Value(resp.ContentLength)
	return resp.Body, attrs, nil
}

func (s *S3Store) Load(ctx context.Context, ref string) ([]byte, Attributes, error) {
	body, attrs, err := s.Open(ctx, ref)
	if err != nil {
		return nil, Attributes{}, err
	}
	content, err := readAll(body, attrs.Size)
	if err != nil {
		return nil, Attributes{}, fmt.Errorf("s3 read %s: %w", ref, err)
	}
	return content, attrs, nil
}

// Delete removes the object immediately. S3 deletes are idempotent, so
// existence is checked first to report missing blobs.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if _, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}); err != nil {
		return s.mapError(ref, err)
	}

	if _, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", ref, err)
	}

	s.log.WithField("ref", ref).Info("Deleted blob")
	return nil
}

func (s *S3Store) ListByOwner(ctx context.Context, ownerID string, docType models.DocumentType) ([]BlobSummary, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(ownerPrefix(ownerID, docType)),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list %s: %w", ownerID, err)
	}

	summaries := make([]BlobSummary, 0, len(keys))
	for _, key := range keys {
		head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if errors.Is(s.mapError(key, err), errs.ErrBlobNotFound) {
				continue
			}
			return nil, fmt.Errorf("s3 head %s: %w", key, err)
		}
		attrs, err := decodeMetadata(head.Metadata)
		if err != nil {
			s.log.WithError(err).WithField("ref", key).Warn("Skipping blob with unreadable attributes")
			continue
		}
		if !matchesOwner(attrs, ownerID, docType) {
			continue
		}
		attrs.Size = aws.Int64Value(head.ContentLength)
		summaries = append(summaries, BlobSummary{Ref: key, Attributes: attrs})
	}
	return summaries, nil
}

func (s *S3Store) mapError(ref string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", errs.ErrBlobNotFound, ref)
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
		return fmt.Errorf("%w: %s", errs.ErrBlobNotFound, ref)
	}
	return fmt.Errorf("s3 %s: %w", ref, err)
}

func encodeMetadata(attrs Attributes) map[string]*string {
	return map[string]*string{
		metaType:      aws.String(string(attrs.Type)),
		metaOwner:     aws.String(attrs.OwnerID),
		metaIV:        aws.String(base64.StdEncoding.EncodeToString(attrs.IV)),
		metaVersion:   aws.String(strconv.Itoa(attrs.Version)),
		metaCreatedAt: aws.String(attrs.CreatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func decodeMetadata(meta map[string]*string) (Attributes, error) {
	get := func(name string) string {
		for k, v := range meta {
			if strings.EqualFold(k, name) {
				return aws.StringValue(v)
			}
		}
		return ""
	}

	var attrs Attributes
	attrs.Type = models.DocumentType(get(metaType))
	attrs.OwnerID = get(metaOwner)

	iv, err := base64.StdEncoding.DecodeString(get(metaIV))
	if err != nil {
		return Attributes{}, fmt.Errorf("decode iv attribute: %w", err)
	}
	attrs.IV = iv

	if v := get(metaVersion); v != "" {
		if attrs.Version, err = strconv.Atoi(v); err != nil {
			return Attributes{}, fmt.Errorf("decode version attribute: %w", err)
		}
	}
	if v := get(metaCreatedAt); v != "" {
		if attrs.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return Attributes{}, fmt.Errorf("decode created-at attribute: %w", err)
		}
	}
	return attrs, nil
}
