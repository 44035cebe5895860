package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/types"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrEmpty     = errors.New("document has no content")
	ErrIOFailure = errors.New("storage io failure")
)

type Metadata struct {
	OriginalName string
	MimeType     string
}

// Store is the content-addressed document store. A document's ID is the hex
// SHA-256 of its bytes; Put with identical bytes returns the existing ID and
// writes nothing new. Bytes are durable in the blob backend before the
// metadata row exists, and the row exists before Put returns: callers may
// hand the ID to the extraction stage the moment they have it.
type Store struct {
	db      *gorm.DB
	log     *logger.Logger
	blobs   BlobStore
	docRepo repos.DocumentRepo
	cache   *gocache.Cache
}

func NewStore(db *gorm.DB, baseLog *logger.Logger, blobs BlobStore, docRepo repos.DocumentRepo) *Store {
	return &Store{
		db:      db,
		log:     baseLog.With("service", "DocumentStore"),
		blobs:   blobs,
		docRepo: docRepo,
		cache:   gocache.New(10*time.Minute, 30*time.Minute),
	}
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) Put(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	id := HashBytes(data)
	log := s.log.With("document_id", id)

	existing, err := s.docRepo.GetByID(ctx, nil, id)
	if err != nil {
		return "", fmt.Errorf("%w: lookup document: %v", ErrIOFailure, err)
	}
	if existing != nil {
		log.Debug("Duplicate upload, returning existing document")
		return id, nil
	}

	if err := s.blobs.Put(ctx, id, data); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}

	now := time.Now()
	doc := &types.Document{
		ID:           id,
		OriginalName: meta.OriginalName,
		MimeType:     meta.MimeType,
		SizeBytes:    int64(len(data)),
		StorageKey:   id,
		UploadedAt:   now,
	}
	if _, err := s.docRepo.Create(ctx, nil, []*types.Document{doc}); err != nil {
		// A concurrent duplicate upload may have created the row first; both
		// writers produced the same id, so that race is harmless.
		if again, lookupErr := s.docRepo.GetByID(ctx, nil, id); lookupErr == nil && again != nil {
			return id, nil
		}
		return "", fmt.Errorf("%w: create document row: %v", ErrIOFailure, err)
	}

	log.Info("Stored document", "size_bytes", doc.SizeBytes, "original_name", doc.OriginalName)
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, *types.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: lookup document: %v", ErrIOFailure, err)
	}
	if doc == nil {
		return nil, nil, ErrNotFound
	}

	if cached, ok := s.cache.Get(id); ok {
		return cached.([]byte), doc, nil
	}

	data, err := s.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	if HashBytes(data) != id {
		return nil, nil, fmt.Errorf("%w: blob %s content does not match its hash", ErrIOFailure, id)
	}
	s.cache.Set(id, data, gocache.DefaultExpiration)
	return data, doc, nil
}

func (s *Store) GetMetadata(ctx context.Context, id string) (*types.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup document: %v", ErrIOFailure, err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}
