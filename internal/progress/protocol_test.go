package progress

import (
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		tagged bool
		valid  bool
	}{
		{"plain log", "INFO loading model", false, false},
		{"empty", "", false, false},
		{"well formed", `SCAN_PROGRESS {"phase":"listing","listed":3}`, true, true},
		{"leading whitespace", `   SCAN_PROGRESS {"completed":1}`, true, true},
		{"malformed json", `SCAN_PROGRESS {"listed":`, true, false},
		{"not an object", `SCAN_PROGRESS 42`, true, false},
		{"prefix only", `SCAN_PROGRESS`, true, false},
		{"longer word", `SCAN_PROGRESSION started`, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := Parse(tc.line)
			if ok != tc.tagged {
				t.Fatalf("tagged = %v, want %v", ok, tc.tagged)
			}
			if ev.Valid != tc.valid {
				t.Fatalf("valid = %v, want %v", ev.Valid, tc.valid)
			}
		})
	}
}

func TestParseFields(t *testing.T) {
	ev, ok := Parse(`SCAN_PROGRESS {"phase":"Processing","listed":10,"completed":4.0,"processed":5,"percent":41.257,"warning":" slow download "}`)
	if !ok || !ev.Valid {
		t.Fatalf("expected valid event")
	}
	if ev.Phase != "processing" {
		t.Fatalf("phase = %q", ev.Phase)
	}
	if ev.Listed == nil || *ev.Listed != 10 || ev.Completed == nil || *ev.Completed != 4 || ev.Processed == nil || *ev.Processed != 5 {
		t.Fatalf("counts = %+v", ev)
	}
	if ev.Matched != nil {
		t.Fatalf("matched should be absent")
	}
	if ev.Percent == nil || *ev.Percent != 41.257 {
		t.Fatalf("percent = %v", ev.Percent)
	}
	if ev.Warning != "slow download" {
		t.Fatalf("warning = %q", ev.Warning)
	}
}

func TestStageLabel(t *testing.T) {
	cases := map[string]string{
		"listing":    StageListing,
		"processing": StageMatching,
		"matching":   StageMatching,
		"completed":  StageFinalizing,
		"warming-up": StageInProgress,
		"":           StageInProgress,
	}
	for phase, want := range cases {
		if got := StageLabel(phase); got != want {
			t.Fatalf("StageLabel(%q) = %q, want %q", phase, got, want)
		}
	}
}

func TestCountersDerivePercent(t *testing.T) {
	var c Counters
	for _, line := range []string{
		`SCAN_PROGRESS {"phase":"listing","listed":3}`,
		`SCAN_PROGRESS {"phase":"processing","completed":1}`,
		`SCAN_PROGRESS {"phase":"processing","completed":2}`,
	} {
		ev, _ := Parse(line)
		c = c.Apply(ev)
	}
	if c.Listed != 3 || c.Completed != 2 {
		t.Fatalf("counters = %+v", c)
	}
	if c.Percent != 66.67 {
		t.Fatalf("percent = %v, want 66.67", c.Percent)
	}
	if c.Stage != StageMatching {
		t.Fatalf("stage = %q", c.Stage)
	}
}

func TestCountersMonotonic(t *testing.T) {
	c := Counters{Listed: 10, Completed: 6, Percent: 60}
	backwards := 2
	c = c.Apply(Event{Valid: true, Completed: &backwards})
	if c.Completed != 6 || c.Percent != 60 {
		t.Fatalf("counters went backwards: %+v", c)
	}
	low := 12.0
	c = c.Apply(Event{Valid: true, Percent: &low})
	if c.Percent != 60 {
		t.Fatalf("percent decreased to %v", c.Percent)
	}
	high := 250.0
	c = c.Apply(Event{Valid: true, Percent: &high})
	if c.Percent != 100 {
		t.Fatalf("percent not clamped: %v", c.Percent)
	}
}

func TestCountersIgnoreInvalid(t *testing.T) {
	c := Counters{Listed: 5, Stage: "Matching faces"}
	if got := c.Apply(Event{Phase: "listing"}); got != c {
		t.Fatalf("invalid event changed counters: %+v", got)
	}
}

func TestClamp(t *testing.T) {
	cases := map[float64]float64{-3: 0, 0: 0, 33.333: 33.33, 99.999: 100, 140: 100}
	for in, want := range cases {
		if got := Clamp(in); got != want {
			t.Fatalf("Clamp(%v) = %v, want %v", in, got, want)
		}
	}
}
