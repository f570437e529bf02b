// Package repository persists completed scan results. Every backend enforces
// ownership on read: a result owned by someone else is indistinguishable from
// a missing one.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/facescan/internal/folder"
	"github.com/dharsanguruparan/facescan/internal/matcher"
	"github.com/dharsanguruparan/facescan/internal/model"
)

// ErrNotFound is returned for missing or foreign results.
var ErrNotFound = errors.New("result not found")

// ResultStore is implemented by every result backend.
type ResultStore interface {
	Save(ctx context.Context, result *model.MatchResult) error
	Get(ctx context.Context, ownerID, id string) (*model.MatchResult, error)
}

// Persist turns an engine result into a MatchResult, stores it and returns
// the new result id.
func Persist(ctx context.Context, store ResultStore, ownerID, folderRef string, res *matcher.Result) (*model.MatchResult, error) {
	if res == nil {
		return nil, errors.New("persist: nil engine result")
	}
	out := &model.MatchResult{
		ID:                    uuid.NewString(),
		OwnerID:               ownerID,
		FolderRef:             folderRef,
		TotalListed:           res.TotalListed,
		TotalScanned:          res.TotalScanned,
		DownloadErrorCount:    res.DownloadErrors,
		ThresholdUsed:         res.ThresholdUsed,
		AdaptiveThresholdUsed: res.AdaptiveThresholdUsed,
		Warnings:              []string{},
		Matches:               make([]model.Match, 0, len(res.Matches)),
		CreatedAt:             time.Now().UTC(),
	}
	for _, w := range res.Warnings {
		out.Warnings = model.AppendWarning(out.Warnings, strings.TrimSpace(w))
	}
	for _, m := range res.Matches {
		if strings.TrimSpace(m.FileID) == "" {
			continue
		}
		match := model.Match{
			FileID:          m.FileID,
			FileName:        m.FileName,
			SimilarityScore: clampScore(m.Similarity),
			MimeType:        m.MimeType,
			ViewLink:        m.ViewLink,
			DownloadLink:    m.DownloadLink,
		}
		if match.ViewLink == "" {
			match.ViewLink = folder.ViewLink(m.FileID)
		}
		if match.DownloadLink == "" {
			match.DownloadLink = folder.DownloadLink(m.FileID)
		}
		out.Matches = append(out.Matches, match)
	}
	model.SortMatches(out.Matches)

	if err := store.Save(ctx, out); err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}
	return out, nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// encodeLists and decodeLists carry the list columns of the SQL backends.
func encodeLists(r *model.MatchResult) (warnings, matches string, err error) {
	w := r.Warnings
	if w == nil {
		w = []string{}
	}
	m := r.Matches
	if m == nil {
		m = []model.Match{}
	}
	wb, err := json.Marshal(w)
	if err != nil {
		return "", "", fmt.Errorf("encode warnings: %w", err)
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("encode matches: %w", err)
	}
	return string(wb), string(mb), nil
}

func decodeLists(r *model.MatchResult, warnings, matches []byte) error {
	if err := json.Unmarshal(warnings, &r.Warnings); err != nil {
		return fmt.Errorf("decode warnings: %w", err)
	}
	if err := json.Unmarshal(matches, &r.Matches); err != nil {
		return fmt.Errorf("decode matches: %w", err)
	}
	normalize(r)
	return nil
}

// normalize restores the read-side guarantees every backend shares.
func normalize(r *model.MatchResult) {
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if r.Matches == nil {
		r.Matches = []model.Match{}
	}
	model.SortMatches(r.Matches)
}

func clone(r *model.MatchResult) *model.MatchResult {
	out := *r
	out.Warnings = append([]string(nil), r.Warnings...)
	out.Matches = append([]model.Match(nil), r.Matches...)
	return &out
}
