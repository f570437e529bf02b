package model

import (
	"sort"
	"time"
)

// Match is one photo from the folder that contains the guest's face.
type Match struct {
	FileID          string  `json:"fileId" bson:"file_id"`
	FileName        string  `json:"fileName" bson:"file_name"`
	SimilarityScore float64 `json:"similarityScore" bson:"similarity_score"`
	MimeType        string  `json:"mimeType" bson:"mime_type"`
	ViewLink        string  `json:"viewLink" bson:"view_link"`
	DownloadLink    string  `json:"downloadLink" bson:"download_link"`
}

// MatchResult is the durable outcome of a completed scan.
type MatchResult struct {
	ID                    string    `json:"id" bson:"_id"`
	OwnerID               string    `json:"-" bson:"owner_id"`
	FolderRef             string    `json:"folderRef" bson:"folder_ref"`
	TotalListed           int       `json:"totalListed" bson:"total_listed"`
	TotalScanned          int       `json:"totalScanned" bson:"total_scanned"`
	DownloadErrorCount    int       `json:"downloadErrorCount" bson:"download_error_count"`
	ThresholdUsed         float64   `json:"thresholdUsed" bson:"threshold_used"`
	AdaptiveThresholdUsed bool      `json:"adaptiveThresholdUsed" bson:"adaptive_threshold_used"`
	Warnings              []string  `json:"warnings" bson:"warnings"`
	Matches               []Match   `json:"matches" bson:"matches"`
	CreatedAt             time.Time `json:"createdAt" bson:"created_at"`
}

// SortMatches orders matches by descending similarity. Ties keep a stable,
// name-based order so repeated reads render identically.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].SimilarityScore != matches[j].SimilarityScore {
			return matches[i].SimilarityScore > matches[j].SimilarityScore
		}
		return matches[i].FileName < matches[j].FileName
	})
}
