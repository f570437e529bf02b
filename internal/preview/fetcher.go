// Package preview fetches a displayable image for a file in a shared folder.
// The hosting service answers many public URLs with an HTML interstitial and
// a 200 status, so every candidate response is checked for real image bytes
// before it is accepted.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dharsanguruparan/facescan/internal/folder"
	"github.com/dharsanguruparan/facescan/internal/logging"
)

var (
	// ErrUnavailable means no candidate produced an image.
	ErrUnavailable = errors.New("preview unavailable")
	// ErrInvalidFileID rejects ids before any request is made.
	ErrInvalidFileID = errors.New("invalid file id")
)

const (
	DefaultTimeout  = 10 * time.Second
	MaxBytes        = 15 << 20
	sniffWindow     = 512
	thumbnailWidth  = "w1600"
	defaultDriveURL = "https://drive.google.com"
	defaultLH3URL   = "https://lh3.googleusercontent.com"
	defaultAPIURL   = "https://www.googleapis.com"
)

// Image is an accepted preview.
type Image struct {
	Data        []byte
	ContentType string
}

// Cache stores accepted previews. A miss is (nil, nil).
type Cache interface {
	Get(ctx context.Context, fileID string) (*Image, error)
	Put(ctx context.Context, fileID string, img *Image) error
}

// Fetcher tries the candidate URLs in order until one yields an image.
type Fetcher struct {
	Client  *http.Client
	Timeout time.Duration
	APIKey  string
	Cache   Cache
	Logger  *slog.Logger

	// Base URLs; empty means the public endpoints.
	DriveBase string
	LH3Base   string
	APIBase   string
}

// Candidates returns the URLs tried for fileID, in order.
func (f *Fetcher) Candidates(fileID string) []string {
	drive := strings.TrimRight(orDefault(f.DriveBase, defaultDriveURL), "/")
	lh3 := strings.TrimRight(orDefault(f.LH3Base, defaultLH3URL), "/")
	id := url.QueryEscape(fileID)

	out := []string{
		fmt.Sprintf("%s/thumbnail?id=%s&sz=%s", drive, id, thumbnailWidth),
		fmt.Sprintf("%s/d/%s=%s", lh3, id, thumbnailWidth),
		fmt.Sprintf("%s/uc?export=view&id=%s", drive, id),
	}
	if f.APIKey != "" {
		api := strings.TrimRight(orDefault(f.APIBase, defaultAPIURL), "/")
		out = append(out, fmt.Sprintf("%s/drive/v3/files/%s?alt=media&key=%s", api, id, url.QueryEscape(f.APIKey)))
	}
	return out
}

// Fetch returns the first candidate response that is a real image.
func (f *Fetcher) Fetch(ctx context.Context, fileID string) (*Image, error) {
	if !folder.ValidID(fileID) {
		return nil, ErrInvalidFileID
	}
	logger := f.logger()

	if f.Cache != nil {
		img, err := f.Cache.Get(ctx, fileID)
		if err != nil {
			logger.Warn("preview cache read failed", "file_id", fileID, logging.Error(err))
		} else if img != nil {
			return img, nil
		}
	}

	for i, candidate := range f.Candidates(fileID) {
		img, err := f.try(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("preview candidate rejected", "file_id", fileID, "candidate", i, logging.Error(err))
			continue
		}
		if f.Cache != nil {
			if err := f.Cache.Put(ctx, fileID, img); err != nil {
				logger.Warn("preview cache write failed", "file_id", fileID, logging.Error(err))
			}
		}
		return img, nil
	}
	return nil, ErrUnavailable
}

func (f *Fetcher) try(ctx context.Context, target string) (*Image, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBytes {
		return nil, errors.New("body exceeds size limit")
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if contentType == "text/html" || looksLikeHTML(body) {
		return nil, errors.New("html response")
	}
	if strings.HasPrefix(contentType, "image/") {
		return &Image{Data: body, ContentType: contentType}, nil
	}
	if sniffed := Sniff(body); sniffed != "" {
		return &Image{Data: body, ContentType: sniffed}, nil
	}
	return nil, fmt.Errorf("not an image (%q)", contentType)
}

// Sniff identifies JPEG, PNG, WEBP, GIF and BMP by their magic bytes.
func Sniff(b []byte) string {
	switch {
	case len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF:
		return "image/jpeg"
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP")):
		return "image/webp"
	case bytes.HasPrefix(b, []byte("GIF87a")), bytes.HasPrefix(b, []byte("GIF89a")):
		return "image/gif"
	case bytes.HasPrefix(b, []byte("BM")) && len(b) >= 14:
		return "image/bmp"
	default:
		return ""
	}
}

var htmlMarkers = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<head"),
	[]byte("<body"),
}

func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > sniffWindow {
		head = head[:sniffWindow]
	}
	head = bytes.ToLower(bytes.TrimSpace(head))
	for _, marker := range htmlMarkers {
		if bytes.Contains(head, marker) {
			return true
		}
	}
	return false
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0]))
	}
	return strings.ToLower(mt)
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return logging.NewNop()
	}
	return f.Logger
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
