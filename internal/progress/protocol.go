// Package progress parses the tagged progress lines the matching engine
// writes to its diagnostic stream and folds them into live job counters.
//
// A progress line looks like:
//
//	SCAN_PROGRESS {"phase":"processing","listed":120,"completed":37}
//
// Everything after the prefix must be a JSON object. Fields are optional;
// malformed payloads are dropped without failing the run.
package progress

import (
	"encoding/json"
	"math"
	"strings"
)

// Prefix marks a diagnostic line as a progress event.
const Prefix = "SCAN_PROGRESS "

// Stage labels derived from engine phases.
const (
	StageListing    = "Listing photos in folder"
	StageMatching   = "Matching faces"
	StageFinalizing = "Finalizing results"
	StageInProgress = "In progress"
)

// Event is one parsed progress line. Nil pointers mean the engine did not
// report that field.
type Event struct {
	Phase     string
	Listed    *int
	Completed *int
	Processed *int
	Matched   *int
	Percent   *float64
	Warning   string
	// Valid is false when the line carried the prefix but its payload could
	// not be decoded.
	Valid bool
}

type wireEvent struct {
	Phase     string   `json:"phase"`
	Listed    *float64 `json:"listed"`
	Completed *float64 `json:"completed"`
	Processed *float64 `json:"processed"`
	Matched   *float64 `json:"matched"`
	Percent   *float64 `json:"percent"`
	Warning   string   `json:"warning"`
}

// Parse inspects one diagnostic line. ok reports whether the line was a
// progress line at all; callers should not treat it as log text when ok is
// true, even if the event is not Valid.
func Parse(line string) (ev Event, ok bool) {
	trimmed := strings.TrimSpace(line)
	tag := strings.TrimSpace(Prefix)
	if trimmed != tag && !strings.HasPrefix(trimmed, Prefix) {
		return Event{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, tag))
	var w wireEvent
	if !strings.HasPrefix(payload, "{") {
		return Event{}, true
	}
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Event{}, true
	}
	ev = Event{
		Phase:     strings.ToLower(strings.TrimSpace(w.Phase)),
		Listed:    count(w.Listed),
		Completed: count(w.Completed),
		Processed: count(w.Processed),
		Matched:   count(w.Matched),
		Warning:   strings.TrimSpace(w.Warning),
		Valid:     true,
	}
	if w.Percent != nil && !math.IsNaN(*w.Percent) {
		p := *w.Percent
		ev.Percent = &p
	}
	return ev, true
}

func count(v *float64) *int {
	if v == nil || math.IsNaN(*v) || *v < 0 {
		return nil
	}
	n := int(*v)
	return &n
}

// StageLabel maps an engine phase to the label shown to guests. Unknown
// phases fall back to a generic label.
func StageLabel(phase string) string {
	switch strings.ToLower(strings.TrimSpace(phase)) {
	case "listing", "list":
		return StageListing
	case "downloading", "processing", "matching", "scanning":
		return StageMatching
	case "completed", "complete", "done", "finalizing":
		return StageFinalizing
	default:
		return StageInProgress
	}
}

// Counters are the live numbers of a running scan.
type Counters struct {
	Listed    int
	Completed int
	Processed int
	Matched   int
	Percent   float64
	Stage     string
}

// Apply folds ev into c. Counters only move forward and the percentage never
// decreases; a reported percent wins over the derived completed/listed ratio.
func (c Counters) Apply(ev Event) Counters {
	if !ev.Valid {
		return c
	}
	c.Listed = forward(c.Listed, ev.Listed)
	c.Completed = forward(c.Completed, ev.Completed)
	c.Processed = forward(c.Processed, ev.Processed)
	c.Matched = forward(c.Matched, ev.Matched)

	switch {
	case ev.Percent != nil:
		c.Percent = math.Max(c.Percent, Clamp(*ev.Percent))
	case c.Listed > 0:
		c.Percent = math.Max(c.Percent, Clamp(float64(c.Completed)/float64(c.Listed)*100))
	}
	if ev.Phase != "" {
		c.Stage = StageLabel(ev.Phase)
	}
	return c
}

func forward(cur int, next *int) int {
	if next != nil && *next > cur {
		return *next
	}
	return cur
}

// Clamp bounds p to [0,100] and rounds it to two decimals.
func Clamp(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return math.Round(p*100) / 100
}
