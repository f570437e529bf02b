package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dharsanguruparan/facescan/internal/database"
	"github.com/dharsanguruparan/facescan/internal/matcher"
	"github.com/dharsanguruparan/facescan/internal/model"
)

func engineResult() *matcher.Result {
	return &matcher.Result{
		Matches: []matcher.Match{
			{FileID: "fileBBBBBBBBBB", FileName: "b.jpg", Similarity: 80},
			{FileID: "fileAAAAAAAAAA", FileName: "a.jpg", Similarity: 95.5, ViewLink: "https://example.test/a"},
			{FileID: "fileCCCCCCCCCC", FileName: "c.jpg", Similarity: 80},
			{FileID: "", FileName: "ghost.jpg", Similarity: 99},
		},
		TotalListed:           4,
		TotalScanned:          3,
		DownloadErrors:        1,
		ThresholdUsed:         48.5,
		AdaptiveThresholdUsed: true,
		Warnings:              []string{"1 file could not be downloaded", "1 file could not be downloaded"},
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store ResultStore) {
	t.Helper()
	ctx := context.Background()

	saved, err := Persist(ctx, store, "owner-a", "folder123456", engineResult())
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("expected an id")
	}

	got, err := store.Get(ctx, "owner-a", saved.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Matches) != 3 {
		t.Fatalf("matches = %+v", got.Matches)
	}
	order := []string{got.Matches[0].FileName, got.Matches[1].FileName, got.Matches[2].FileName}
	if order[0] != "a.jpg" || order[1] != "b.jpg" || order[2] != "c.jpg" {
		t.Fatalf("unexpected order %v", order)
	}
	if got.Matches[0].ViewLink != "https://example.test/a" {
		t.Fatalf("engine link overwritten: %q", got.Matches[0].ViewLink)
	}
	if got.Matches[1].ViewLink == "" || got.Matches[1].DownloadLink == "" {
		t.Fatalf("missing links not filled: %+v", got.Matches[1])
	}
	if got.TotalListed != 4 || got.TotalScanned != 3 || got.DownloadErrorCount != 1 {
		t.Fatalf("counts = %+v", got)
	}
	if got.ThresholdUsed != 48.5 || !got.AdaptiveThresholdUsed {
		t.Fatalf("threshold = %v adaptive = %v", got.ThresholdUsed, got.AdaptiveThresholdUsed)
	}
	if len(got.Warnings) != 1 {
		t.Fatalf("warnings = %v", got.Warnings)
	}
	if got.FolderRef != "folder123456" || got.CreatedAt.IsZero() {
		t.Fatalf("metadata = %+v", got)
	}

	if _, err := store.Get(ctx, "owner-b", saved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other owner should get not found, got %v", err)
	}
	if _, err := store.Get(ctx, "owner-a", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id should get not found, got %v", err)
	}

	empty, err := Persist(ctx, store, "owner-a", "folder123456", &matcher.Result{TotalListed: 2, TotalScanned: 2})
	if err != nil {
		t.Fatalf("persist empty: %v", err)
	}
	got, err = store.Get(ctx, "owner-a", empty.ID)
	if err != nil {
		t.Fatalf("get empty: %v", err)
	}
	if got.Matches == nil || len(got.Matches) != 0 || got.Warnings == nil {
		t.Fatalf("empty lists must round-trip as empty, got %+v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	r := &model.MatchResult{ID: "r1", OwnerID: "o", Matches: []model.Match{{FileID: "x", FileName: "x.jpg"}}, CreatedAt: time.Now()}
	if err := store.Save(context.Background(), r); err != nil {
		t.Fatalf("save: %v", err)
	}
	r.Matches[0].FileName = "changed.jpg"
	got, _ := store.Get(context.Background(), "o", "r1")
	if got.Matches[0].FileName != "x.jpg" {
		t.Fatalf("store aliased caller memory")
	}
	if err := store.Save(context.Background(), &model.MatchResult{}); err == nil {
		t.Fatalf("expected error for result without id")
	}
}

func TestSQLiteStore(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "nested", "results.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	exerciseStore(t, NewSQLiteStore(db))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FACESCAN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FACESCAN_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	exerciseStore(t, NewPostgresStore(pool))
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("FACESCAN_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("FACESCAN_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := database.ConnectMongo(ctx, uri)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	db := client.Database("facescan_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	exerciseStore(t, NewMongoStore(db))
}

func TestPersistClampsScores(t *testing.T) {
	store := NewMemoryStore()
	res := &matcher.Result{Matches: []matcher.Match{
		{FileID: "fileAAAAAAAAAA", FileName: "a.jpg", Similarity: 140},
		{FileID: "fileBBBBBBBBBB", FileName: "b.jpg", Similarity: -3},
	}, TotalListed: 2, TotalScanned: 2}
	saved, err := Persist(context.Background(), store, "o", "folder123456", res)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if saved.Matches[0].SimilarityScore != 100 || saved.Matches[1].SimilarityScore != 0 {
		t.Fatalf("scores = %+v", saved.Matches)
	}
	if _, err := Persist(context.Background(), store, "o", "f", nil); err == nil {
		t.Fatalf("expected error for nil result")
	}
}
