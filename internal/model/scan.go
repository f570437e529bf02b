// Package model contains the struct definitions shared across packages.
package model

import (
	"time"
	"unicode/utf8"
)

// JobStatus describes the scan lifecycle: queued → running → completed|failed.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage labels shown while a job has no engine-reported phase.
const (
	StageQueued    = "Queued"
	StageStarting  = "Starting scan"
	StageCompleted = "Completed"
	StageFailed    = "Failed"
)

// ScanJob is the live tracking record of one scan. It is owned by the job
// store; handlers only ever see copies.
type ScanJob struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"-"`
	FolderRef        string    `json:"folderRef"`
	Status           JobStatus `json:"status"`
	Stage            string    `json:"stage"`
	ProgressPercent  float64   `json:"progressPercent"`
	TotalFilesListed int       `json:"totalFilesListed"`
	CompletedItems   int       `json:"completedItems"`
	ProcessedItems   int       `json:"processedItems"`
	MatchedCount     int       `json:"matchedCount"`
	Warnings         []string  `json:"warnings"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	ResultRef        string    `json:"resultRef,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ScanInput is the sensitive payload of a submission: the selfie bytes and
// the folder it is matched against. It must not outlive the run.
type ScanInput struct {
	FolderID  string
	Image     []byte
	ImageName string
}

// Wipe zeroes the image bytes in place and drops every reference.
func (in *ScanInput) Wipe() {
	if in == nil {
		return
	}
	for i := range in.Image {
		in.Image[i] = 0
	}
	in.Image = nil
	in.ImageName = ""
	in.FolderID = ""
}

// Limits applied to engine warnings before they reach a job or a result.
const (
	MaxWarnings      = 20
	MaxWarningLength = 200
)

// AppendWarning adds w to list unless the list is full, truncating long
// entries. Blank and duplicate warnings are skipped.
func AppendWarning(list []string, w string) []string {
	if w == "" || len(list) >= MaxWarnings {
		return list
	}
	if len(w) > MaxWarningLength {
		cut := MaxWarningLength
		for cut > 0 && !utf8.RuneStart(w[cut]) {
			cut--
		}
		w = w[:cut]
	}
	for _, existing := range list {
		if existing == w {
			return list
		}
	}
	return append(list, w)
}
