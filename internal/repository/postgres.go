package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/facescan/internal/model"
)

// PostgresStore wraps the SQL used against the match_results table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a repository. The schema comes from
// database.EnsureSchema.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save inserts a result row.
func (s *PostgresStore) Save(ctx context.Context, r *model.MatchResult) error {
	warnings, matches, err := encodeLists(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO match_results (id, owner_id, folder_ref, total_listed, total_scanned, download_error_count,
			threshold_used, adaptive_threshold_used, warnings, matches, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10::jsonb,$11)
	`, r.ID, r.OwnerID, r.FolderRef, r.TotalListed, r.TotalScanned, r.DownloadErrorCount,
		r.ThresholdUsed, r.AdaptiveThresholdUsed, warnings, matches, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Get returns a result by id, scoped to ownerID.
func (s *PostgresStore) Get(ctx context.Context, ownerID, id string) (*model.MatchResult, error) {
	var (
		r        model.MatchResult
		warnings []byte
		matches  []byte
	)
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, folder_ref, total_listed, total_scanned, download_error_count,
			threshold_used, adaptive_threshold_used, warnings::text, matches::text, created_at
		FROM match_results WHERE id=$1 AND owner_id=$2
	`, id, ownerID)
	err := row.Scan(&r.ID, &r.OwnerID, &r.FolderRef, &r.TotalListed, &r.TotalScanned, &r.DownloadErrorCount,
		&r.ThresholdUsed, &r.AdaptiveThresholdUsed, &warnings, &matches, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select result: %w", err)
	}
	if err := decodeLists(&r, warnings, matches); err != nil {
		return nil, err
	}
	return &r, nil
}
