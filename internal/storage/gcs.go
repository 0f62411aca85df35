package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/jo-hoe/shotfolio/internal/common"
)

// GCSConfig addresses a bucket. Endpoint overrides the API host (emulators).
type GCSConfig struct {
	Bucket        string
	Prefix        string
	PublicBaseURL string
	Endpoint      string
}

// GCSStore keeps artifacts as objects <prefix>/<key>.jpg in one bucket.
type GCSStore struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	cfg    GCSConfig
}

var _ ArtifactStore = (*GCSStore)(nil)

// NewGCSStore opens a client using application default credentials unless
// cfg.Endpoint is set, in which case requests are unauthenticated.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://storage.googleapis.com/" + cfg.Bucket
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &GCSStore{client: client, bucket: client.Bucket(cfg.Bucket), cfg: cfg}, nil
}

func (s *GCSStore) objectName(key string) string {
	name := key + common.ArtifactExt
	if s.cfg.Prefix == "" {
		return name
	}
	return s.cfg.Prefix + "/" + name
}

// Save uploads the object in one request; the previous object stays visible until the upload commits.
func (s *GCSStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	w := s.bucket.Object(s.objectName(key)).NewWriter(ctx)
	w.ContentType = common.MimeImageJPEG
	w.CacheControl = "no-cache"
	w.ChunkSize = 0
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs commit %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	return b, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := s.bucket.Object(s.objectName(key)).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs %s: %w", key, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := s.bucket.Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) URLFor(key string) string {
	return s.cfg.PublicBaseURL + "/" + s.objectName(key)
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
