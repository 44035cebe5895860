package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yungbote/claimspipe/internal/logger"
)

type gcsBlobStore struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
}

// NewGCSBlobStore is the cloud backend, selected with BLOB_BACKEND=gcs.
// Credentials come from GOOGLE_APPLICATION_CREDENTIALS_JSON or ambient ADC.
func NewGCSBlobStore(log *logger.Logger) (BlobStore, error) {
	serviceLog := log.With("service", "GCSBlobStore")
	bucket := os.Getenv("GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var GCS_BUCKET_NAME")
	}
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	if saPath == "" {
		serviceLog.Warn("GOOGLE_APPLICATION_CREDENTIALS_JSON not set, relying on ambient ADC")
	}
	ctx := context.Background()
	var (
		stClient *storage.Client
		err      error
	)
	if saPath != "" {
		stClient, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadWrite))
	} else {
		stClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &gcsBlobStore{log: serviceLog, storageClient: stClient, bucketName: bucket}, nil
}

func (s *gcsBlobStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	obj := s.storageClient.Bucket(s.bucketName).Object(key)
	// Content-addressed keys never change, so only the first writer creates.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("%w: write gcs object: %v", ErrIOFailure, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("%w: close gcs writer: %v", ErrIOFailure, err)
	}
	return nil
}

func (s *gcsBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	r, err := s.storageClient.Bucket(s.bucketName).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open gcs reader: %v", ErrIOFailure, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read gcs object: %v", ErrIOFailure, err)
	}
	return data, nil
}

func (s *gcsBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.storageClient.Bucket(s.bucketName).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: gcs attrs: %v", ErrIOFailure, err)
	}
	return true, nil
}

func (s *gcsBlobStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.storageClient.Bucket(s.bucketName).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: delete gcs object %q: %v", ErrIOFailure, key, err)
	}
	return nil
}

// googleapi surfaces HTTP 412 when a DoesNotExist condition loses the race.
func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return false
}
