// Package matcher runs the external face-matching engine as a subprocess.
//
// The engine contract is fixed by the engine, not by this package:
//
//	<command> <args...> --folder-id <id> --selfie <path> [--threshold <t>]
//
// stdout carries one JSON document; the last stdout line that parses as a
// JSON object is the result and everything else on stdout is incidental
// logging. stderr mixes free-text logs with tagged progress lines (see package
// progress). A non-zero exit status means failure.
package matcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/facescan/internal/logging"
	"github.com/dharsanguruparan/facescan/internal/progress"
)

var (
	ErrEmptyImage    = errors.New("reference image is empty")
	ErrTimeout       = errors.New("matching engine timed out")
	ErrCanceled      = errors.New("scan canceled")
	ErrInvalidOutput = errors.New("matching engine returned invalid output")
)

// ExitError reports an engine failure together with its diagnostic text.
type ExitError struct {
	Code   int
	Detail string
}

func (e *ExitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("matching engine exited with code %d", e.Code)
	}
	return fmt.Sprintf("matching engine exited with code %d: %s", e.Code, e.Detail)
}

const (
	defaultTimeout = 15 * time.Minute
	maxDiagnostic  = 8192
	maxLineBytes   = 1024 * 1024
	waitDelay      = 2 * time.Second
)

// Request is one matching run.
type Request struct {
	FolderID  string
	Image     []byte
	ImageName string
}

// Match is one engine-reported hit, in engine field names.
type Match struct {
	FileID       string  `json:"file_id"`
	FileName     string  `json:"file_name"`
	Similarity   float64 `json:"similarity"`
	MimeType     string  `json:"mime_type"`
	ViewLink     string  `json:"view_link"`
	DownloadLink string  `json:"download_link"`
}

// Result is the engine's final JSON document.
type Result struct {
	Matches               []Match  `json:"matches"`
	TotalListed           int      `json:"total_listed"`
	TotalScanned          int      `json:"total_scanned"`
	DownloadErrors        int      `json:"download_errors"`
	ThresholdUsed         float64  `json:"threshold_used"`
	AdaptiveThresholdUsed bool     `json:"adaptive_threshold_used"`
	Warnings              []string `json:"warnings"`
	Error                 string   `json:"error"`
}

// Runner invokes the engine. The zero value is not usable; Command is
// required.
type Runner struct {
	Command    string
	Args       []string
	Timeout    time.Duration
	ScratchDir string
	Threshold  float64
	Logger     *slog.Logger
}

// Check verifies the engine command can be resolved.
func (r *Runner) Check() error {
	if strings.TrimSpace(r.Command) == "" {
		return errors.New("matching engine command is not configured")
	}
	if _, err := exec.LookPath(r.Command); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH: %w", r.Command, err)
	}
	return nil
}

// Run materializes the selfie in a private scratch directory, runs the engine
// and returns its parsed result. onEvent, when set, receives progress events
// in stream order from a single goroutine. The scratch directory is removed
// before Run returns, on every path.
func (r *Runner) Run(ctx context.Context, req Request, onEvent func(progress.Event)) (*Result, error) {
	if len(req.Image) == 0 {
		return nil, ErrEmptyImage
	}
	logger := r.logger()

	root := r.ScratchDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "scan-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("scratch cleanup failed", "dir", dir, logging.Error(err))
		}
	}()

	selfiePath := filepath.Join(dir, "reference"+imageExt(req.ImageName))
	if err := os.WriteFile(selfiePath, req.Image, 0o600); err != nil {
		return nil, fmt.Errorf("write reference image: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Command, r.buildArgs(req.FolderID, selfiePath)...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	configureKill(cmd)

	// Wait owns the copy; WaitDelay bounds children still holding the streams.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	closeWriters := func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}

	var (
		lastJSON string
		diag     strings.Builder
		wg       sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(stdoutR, func(line string) {
			if looksLikeJSONObject(line) {
				lastJSON = line
				return
			}
			logger.Debug("engine stdout", "line", line)
		})
	}()
	go func() {
		defer wg.Done()
		readLines(stderrR, func(line string) {
			if ev, ok := progress.Parse(line); ok {
				if !ev.Valid {
					logger.Debug("dropped malformed progress line", "line", line)
					return
				}
				if onEvent != nil {
					onEvent(ev)
				}
				return
			}
			appendLimited(&diag, line)
			logger.Debug("engine stderr", "line", line)
		})
	}()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		closeWriters()
		wg.Wait()
		return nil, fmt.Errorf("start matching engine: %w", err)
	}
	logger.Debug("matching engine started", "pid", cmd.Process.Pid, "folder_id", req.FolderID)

	waitErr := cmd.Wait()
	closeWriters()
	wg.Wait()
	elapsed := time.Since(started)

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// Exit status was zero; only a lingering child held the streams.
		logger.Debug("engine child kept output open after exit", "pid", cmd.Process.Pid)
		killGroup(cmd)
		waitErr = nil
	}

	if waitErr != nil && runCtx.Err() != nil {
		if ctx.Err() != nil {
			logger.Info("matching engine canceled", "elapsed", elapsed)
			return nil, ErrCanceled
		}
		logger.Warn("matching engine timed out", "timeout", timeout)
		return nil, ErrTimeout
	}

	var res Result
	parsed := lastJSON != "" && json.Unmarshal([]byte(lastJSON), &res) == nil

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		detail := strings.TrimSpace(diag.String())
		if parsed && strings.TrimSpace(res.Error) != "" {
			detail = strings.TrimSpace(res.Error)
		}
		return nil, &ExitError{Code: code, Detail: detail}
	}
	if !parsed {
		return nil, ErrInvalidOutput
	}
	if strings.TrimSpace(res.Error) != "" {
		return nil, &ExitError{Code: 0, Detail: strings.TrimSpace(res.Error)}
	}
	logger.Info("matching engine finished",
		"elapsed", elapsed,
		"listed", res.TotalListed,
		"scanned", res.TotalScanned,
		"matches", len(res.Matches),
	)
	return &res, nil
}

func (r *Runner) buildArgs(folderID, selfiePath string) []string {
	args := make([]string, 0, len(r.Args)+6)
	args = append(args, r.Args...)
	args = append(args, "--folder-id", folderID, "--selfie", selfiePath)
	if r.Threshold > 0 {
		args = append(args, "--threshold", strconv.FormatFloat(r.Threshold, 'f', -1, 64))
	}
	return args
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.NewNop()
	}
	return r.Logger
}

// readLines calls fn for every non-empty line. Oversized lines stop the
// scanner; the rest of the stream is drained so the engine never blocks on a
// full pipe.
func readLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	_, _ = io.Copy(io.Discard, r)
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	if b.Len() >= maxDiagnostic {
		return
	}
	toWrite := line + "\n"
	if remain := maxDiagnostic - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func looksLikeJSONObject(line string) bool {
	return strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") && json.Valid([]byte(line))
}

func imageExt(name string) string {
	switch ext := strings.ToLower(filepath.Ext(filepath.Base(name))); ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return ext
	default:
		return ".jpg"
	}
}
