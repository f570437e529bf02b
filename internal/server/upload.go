package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	selfieField   = "selfie"
	folderField   = "folder"
	maxFieldBytes = 4 << 10
	formOverhead  = 64 << 10
	sniffLen      = 512
)

type submission struct {
	image     []byte
	imageName string
	folderRef string
}

func (s *submission) wipe() {
	for i := range s.image {
		s.image[i] = 0
	}
	s.image = nil
}

// readSubmission streams the multipart form, keeping the selfie in memory
// only. Oversized bodies yield a 413.
func (s *Server) readSubmission(c echo.Context) (*submission, error) {
	req := c.Request()
	limit := s.cfg.MaxSelfieBytes
	req.Body = http.MaxBytesReader(c.Response(), req.Body, limit+formOverhead)
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, errors.New("expecting multipart form")
	}

	sub := &submission{}
	fail := func(err error) (*submission, error) {
		sub.wipe()
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return fail(echo.NewHTTPError(http.StatusRequestEntityTooLarge, "selfie exceeds size limit"))
			}
			return fail(errors.New("failed to read upload"))
		}
		switch part.FormName() {
		case selfieField:
			if sub.image != nil {
				part.Close()
				continue
			}
			data, err := io.ReadAll(io.LimitReader(part, limit+1))
			part.Close()
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					return fail(echo.NewHTTPError(http.StatusRequestEntityTooLarge, "selfie exceeds size limit"))
				}
				return fail(errors.New("failed to read selfie"))
			}
			sub.image = data
			sub.imageName = filepath.Base(part.FileName())
			if int64(len(data)) > limit {
				return fail(echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("selfie exceeds %d bytes", limit)))
			}
		case folderField:
			data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			part.Close()
			if err != nil {
				return fail(errors.New("failed to read folder"))
			}
			sub.folderRef = strings.TrimSpace(string(data))
		default:
			part.Close()
		}
	}

	if len(sub.image) == 0 {
		return fail(errors.New("missing selfie"))
	}
	if sub.folderRef == "" {
		return fail(errors.New("missing folder link"))
	}
	head := sub.image
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if !s.allowedType(http.DetectContentType(head)) {
		return fail(errors.New("selfie must be a JPEG, PNG or WEBP image"))
	}
	return sub, nil
}

func (s *Server) allowedType(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}
