// Package classify rewrites raw scan failures into short messages that are
// safe to show to guests. Raw engine output never reaches a caller unless no
// rule matches, and even then only its last line, truncated.
package classify

import (
	"regexp"
	"strings"
)

// User-facing messages for engine-reported failures.
const (
	NoFace        = "We couldn't find a clear face in your selfie. Please upload a well-lit, front-facing photo."
	Blurry        = "Your selfie is too blurry. Please retake it in good light and hold the camera steady."
	Undecodable   = "We couldn't read that image. Please upload a JPEG or PNG photo."
	Permission    = "The photo folder isn't shared publicly. Ask the photographer to enable link sharing."
	RateLimited   = "The photo service is busy right now. Please try again in a few minutes."
	NotFound      = "We couldn't find that photo folder. Please check the link and try again."
	EngineSetup   = "The face matching engine isn't set up correctly. Please contact support."
	Generic       = "Scan failed. Please try again."
	Timeout       = "The scan took too long and was stopped. Please try again later or use a smaller folder."
	InvalidOutput = "The face matching engine returned an unreadable result. Please try again."
	Canceled      = "The scan was canceled."
	PersistFailed = "We couldn't save your results. Please try again."
	NoImages      = "No images were found in that folder."
)

// MaxLength bounds the passthrough text returned for unmatched failures.
const MaxLength = 240

const ellipsis = "..."

type rule struct {
	pattern *regexp.Regexp
	message string
}

// Order matters: the first matching rule wins.
var rules = []rule{
	{regexp.MustCompile(`(?i)no (clear )?face|face not (found|detected)|could not detect (a )?face|no faces? detected`), NoFace},
	{regexp.MustCompile(`(?i)too blurry|blurry|blur score`), Blurry},
	{regexp.MustCompile(`(?i)cannot identify image|could not (decode|read) image|unsupported image|undecodable`), Undecodable},
	{regexp.MustCompile(`(?i)\b403\b|permission denied|insufficient permission|access denied|forbidden`), Permission},
	{regexp.MustCompile(`(?i)\b429\b|rate limit|quota exceeded|too many requests`), RateLimited},
	{regexp.MustCompile(`(?i)\b404\b|requested entity was not found|\b(file|folder) (was )?not found`), NotFound},
	{regexp.MustCompile(`(?i)failed to load model|model file|onnx|insightface|no module named|modulenotfounderror`), EngineSetup},
}

// Message maps raw failure text to a user-facing sentence.
func Message(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Generic
	}
	for _, r := range rules {
		if r.pattern.MatchString(trimmed) {
			return r.message
		}
	}
	return Truncate(lastLine(trimmed), MaxLength)
}

// Truncate shortens s to at most max bytes, ending with "..." when cut. The
// cut never splits a multi-byte rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return ellipsis[:max]
	}
	cut := max - len(ellipsis)
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " ") + ellipsis
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// lastLine keeps the final non-empty line. Engine tracebacks end with the
// exception line, which is the only part worth showing.
func lastLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return s
}
