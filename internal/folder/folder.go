// Package folder normalizes the folder references guests paste into the scan
// form and builds per-file links for matched photos.
package folder

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidReference is returned when a folder reference cannot be parsed.
var ErrInvalidReference = errors.New("invalid folder reference")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,200}$`)

var allowedHosts = map[string]bool{
	"drive.google.com": true,
	"docs.google.com":  true,
}

// Parse accepts a bare folder id or a share URL such as
// https://drive.google.com/drive/folders/<id>?usp=sharing and returns the id.
func Parse(raw string) (string, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return "", ErrInvalidReference
	}
	if ValidID(ref) {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", ErrInvalidReference
	}
	if !allowedHosts[strings.ToLower(u.Hostname())] {
		return "", ErrInvalidReference
	}
	if id := u.Query().Get("id"); ValidID(id) {
		return id, nil
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if seg == "folders" && i+1 < len(segments) && ValidID(segments[i+1]) {
			return segments[i+1], nil
		}
	}
	return "", ErrInvalidReference
}

// ValidID reports whether id looks like a remote file or folder id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ViewLink returns the browser link for a file.
func ViewLink(fileID string) string {
	return "https://drive.google.com/file/d/" + url.PathEscape(fileID) + "/view"
}

// DownloadLink returns the direct download link for a file.
func DownloadLink(fileID string) string {
	return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(fileID)
}
