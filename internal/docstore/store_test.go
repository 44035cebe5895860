package docstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/db"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/repos"
)

func testStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)

	dbService, err := db.NewMemory(t.Name(), log)
	require.NoError(t, err)
	require.NoError(t, dbService.AutoMigrateAll())

	blobs, err := NewDiskBlobStore(t.TempDir(), log)
	require.NoError(t, err)

	docRepo := repos.NewDocumentRepo(dbService.DB(), log)
	return NewStore(dbService.DB(), log, blobs, docRepo), dbService.DB()
}

func TestStore_PutAssignsContentHashID(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	data := []byte("%PDF-1.7 pretend claim form")
	id, err := store.Put(ctx, data, Metadata{OriginalName: "claim.pdf", MimeType: "application/pdf"})
	require.NoError(t, err)
	require.Equal(t, HashBytes(data), id)
	require.Len(t, id, 64)
}

func TestStore_PutIsIdempotentForIdenticalBytes(t *testing.T) {
	store, gdb := testStore(t)
	ctx := context.Background()

	data := []byte("%PDF-1.7 the same bytes twice")
	first, err := store.Put(ctx, data, Metadata{OriginalName: "a.pdf"})
	require.NoError(t, err)
	second, err := store.Put(ctx, data, Metadata{OriginalName: "renamed.pdf"})
	require.NoError(t, err)
	require.Equal(t, first, second)

	var count int64
	require.NoError(t, gdb.Table("document").Count(&count).Error)
	require.EqualValues(t, 1, count)

	// The first upload's metadata wins.
	meta, err := store.GetMetadata(ctx, first)
	require.NoError(t, err)
	require.Equal(t, "a.pdf", meta.OriginalName)
}

func TestStore_DifferentBytesGetDifferentIDs(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	a, err := store.Put(ctx, []byte("document one"), Metadata{OriginalName: "one.docx"})
	require.NoError(t, err)
	b, err := store.Put(ctx, []byte("document two"), Metadata{OriginalName: "two.docx"})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestStore_GetRoundTripsBytes(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	data := []byte("round trip payload")
	id, err := store.Put(ctx, data, Metadata{OriginalName: "claim.docx"})
	require.NoError(t, err)

	got, doc, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
	require.Equal(t, "claim.docx", doc.OriginalName)

	// Second read comes through the cache with identical bytes.
	again, _, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, again))
}

func TestStore_GetUnknownIDReturnsNotFound(t *testing.T) {
	store, _ := testStore(t)
	_, _, err := store.Get(context.Background(), HashBytes([]byte("never stored")))
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestStore_PutRejectsEmptyPayload(t *testing.T) {
	store, _ := testStore(t)
	_, err := store.Put(context.Background(), nil, Metadata{OriginalName: "empty.pdf"})
	require.True(t, errors.Is(err, ErrEmpty), "got %v", err)
}

func TestDiskBlobStore_GetMissingIsNotFound(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)
	blobs, err := NewDiskBlobStore(t.TempDir(), log)
	require.NoError(t, err)

	_, err = blobs.Get(context.Background(), HashBytes([]byte("missing")))
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}
