package matcher

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/facescan/internal/progress"
)

// fakeEngine returns a Runner that executes script with /bin/sh. The engine
// flags land in $1..$4: --folder-id <id> --selfie <path>.
func fakeEngine(t *testing.T, script string) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine needs a POSIX shell")
	}
	return &Runner{
		Command:    "/bin/sh",
		Args:       []string{"-c", script, "engine"},
		Timeout:    5 * time.Second,
		ScratchDir: t.TempDir(),
	}
}

func assertScratchEmpty(t *testing.T, r *Runner) {
	t.Helper()
	entries, err := os.ReadDir(r.ScratchDir)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned up: %d entries left", len(entries))
	}
}

var jpeg = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestRunSuccess(t *testing.T) {
	script := `
test -f "$4" || { echo "selfie missing" >&2; exit 3; }
[ "$2" = "folder123456" ] || { echo "bad folder $2" >&2; exit 4; }
echo 'SCAN_PROGRESS {"phase":"listing","listed":3}' >&2
echo 'loading model weights' >&2
echo 'SCAN_PROGRESS {"phase":"processing","completed":1}' >&2
echo 'SCAN_PROGRESS {broken' >&2
echo 'SCAN_PROGRESS {"phase":"processing","completed":2}' >&2
echo 'engine v2 starting'
echo '{"matches":[{"file_id":"f1","file_name":"IMG_1.jpg","similarity":91.2,"mime_type":"image/jpeg"}],"total_listed":3,"total_scanned":3,"download_errors":0,"threshold_used":48.5,"adaptive_threshold_used":true,"warnings":["low light in 1 photo"]}'
`
	r := fakeEngine(t, script)
	var (
		mu     sync.Mutex
		events []progress.Event
	)
	res, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg, ImageName: "me.JPG"}, func(ev progress.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].FileID != "f1" || res.Matches[0].Similarity != 91.2 {
		t.Fatalf("matches = %+v", res.Matches)
	}
	if res.TotalListed != 3 || res.TotalScanned != 3 || res.ThresholdUsed != 48.5 || !res.AdaptiveThresholdUsed {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 valid progress events, got %d", len(events))
	}
	if events[0].Listed == nil || *events[0].Listed != 3 || *events[2].Completed != 2 {
		t.Fatalf("events out of order: %+v", events)
	}
	assertScratchEmpty(t, r)
}

func TestRunLastJSONLineWins(t *testing.T) {
	script := `
echo '{"total_listed":99}'
echo 'not json'
echo '{"total_listed":2,"total_scanned":2,"matches":[]}'
echo 'trailing log line'
`
	r := fakeEngine(t, script)
	res, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.TotalListed != 2 {
		t.Fatalf("expected last JSON line, got total_listed=%d", res.TotalListed)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	script := `
echo 'SCAN_PROGRESS {"phase":"listing","listed":3}' >&2
echo 'No clear face found in reference image' >&2
exit 2
`
	r := fakeEngine(t, script)
	_, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 2 {
		t.Fatalf("code = %d", exitErr.Code)
	}
	if exitErr.Detail != "No clear face found in reference image" {
		t.Fatalf("detail = %q (progress lines must not leak into it)", exitErr.Detail)
	}
	assertScratchEmpty(t, r)
}

func TestRunJSONErrorField(t *testing.T) {
	r := fakeEngine(t, `echo '{"error":"HttpError 403: insufficient permissions"}'; exit 1`)
	_, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !strings.Contains(exitErr.Detail, "403") {
		t.Fatalf("expected detail from JSON error field, got %v", err)
	}

	r = fakeEngine(t, `echo '{"error":"folder not found"}'`)
	_, err = r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	if !errors.As(err, &exitErr) || exitErr.Code != 0 {
		t.Fatalf("expected ExitError for zero exit with error field, got %v", err)
	}
}

func TestRunInvalidOutput(t *testing.T) {
	r := fakeEngine(t, `echo 'done, no json here'`)
	_, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
	assertScratchEmpty(t, r)
}

func TestRunTimeout(t *testing.T) {
	r := fakeEngine(t, `echo '{"total_listed":1}'; sleep 5`)
	r.Timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("timeout not enforced promptly: %s", elapsed)
	}
	assertScratchEmpty(t, r)
}

func TestRunBackgroundChildDoesNotBlockSuccess(t *testing.T) {
	r := fakeEngine(t, `sleep 30 &
echo '{"matches":[],"total_listed":1,"total_scanned":1,"threshold_used":50}'
exit 0`)
	r.Timeout = 10 * time.Second
	start := time.Now()
	res, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.TotalListed != 1 || res.TotalScanned != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if elapsed := time.Since(start); elapsed > waitDelay+3*time.Second {
		t.Fatalf("run held by background child: %s", elapsed)
	}
	assertScratchEmpty(t, r)
}

func TestRunCanceled(t *testing.T) {
	r := fakeEngine(t, `sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := r.Run(ctx, Request{FolderID: "folder123456", Image: jpeg}, nil)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	assertScratchEmpty(t, r)
}

func TestRunEmptyImage(t *testing.T) {
	r := fakeEngine(t, `exit 0`)
	if _, err := r.Run(context.Background(), Request{FolderID: "folder123456"}, nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	assertScratchEmpty(t, r)
}

func TestRunStartFailureCleansUp(t *testing.T) {
	r := &Runner{Command: "/nonexistent/face-engine", ScratchDir: t.TempDir(), Timeout: time.Second}
	_, err := r.Run(context.Background(), Request{FolderID: "folder123456", Image: jpeg}, nil)
	if err == nil || !strings.Contains(err.Error(), "start matching engine") {
		t.Fatalf("expected start error, got %v", err)
	}
	assertScratchEmpty(t, r)
}

func TestBuildArgs(t *testing.T) {
	r := &Runner{Command: "python3", Args: []string{"face_scan.py"}, Threshold: 52.5}
	got := strings.Join(r.buildArgs("folder123456", "/tmp/s/reference.jpg"), " ")
	want := "face_scan.py --folder-id folder123456 --selfie /tmp/s/reference.jpg --threshold 52.5"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestImageExt(t *testing.T) {
	cases := map[string]string{
		"me.PNG":          ".png",
		"selfie.jpeg":     ".jpeg",
		"../../evil.sh":   ".jpg",
		"":                ".jpg",
		"photo.webp":      ".webp",
		"noext":           ".jpg",
		"dir/nested.heic": ".jpg",
	}
	for name, want := range cases {
		if got := imageExt(name); got != want {
			t.Fatalf("imageExt(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestCheck(t *testing.T) {
	if err := (&Runner{}).Check(); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if err := (&Runner{Command: "definitely-not-a-real-engine-binary"}).Check(); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}
