package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/facescan/internal/model"
)

// SQLiteStore stores results in a local SQLite file opened with
// database.OpenSQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore constructs a repository on db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save inserts a result row.
func (s *SQLiteStore) Save(ctx context.Context, r *model.MatchResult) error {
	warnings, matches, err := encodeLists(r)
	if err != nil {
		return err
	}
	adaptive := 0
	if r.AdaptiveThresholdUsed {
		adaptive = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO match_results (id, owner_id, folder_ref, total_listed, total_scanned, download_error_count,
			threshold_used, adaptive_threshold_used, warnings, matches, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, r.ID, r.OwnerID, r.FolderRef, r.TotalListed, r.TotalScanned, r.DownloadErrorCount,
		r.ThresholdUsed, adaptive, warnings, matches, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Get returns a result by id, scoped to ownerID.
func (s *SQLiteStore) Get(ctx context.Context, ownerID, id string) (*model.MatchResult, error) {
	var (
		r         model.MatchResult
		adaptive  int
		warnings  string
		matches   string
		createdAt string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, folder_ref, total_listed, total_scanned, download_error_count,
			threshold_used, adaptive_threshold_used, warnings, matches, created_at
		FROM match_results WHERE id=? AND owner_id=?
	`, id, ownerID)
	err := row.Scan(&r.ID, &r.OwnerID, &r.FolderRef, &r.TotalListed, &r.TotalScanned, &r.DownloadErrorCount,
		&r.ThresholdUsed, &adaptive, &warnings, &matches, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select result: %w", err)
	}
	r.AdaptiveThresholdUsed = adaptive != 0
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if err := decodeLists(&r, []byte(warnings), []byte(matches)); err != nil {
		return nil, err
	}
	return &r, nil
}
