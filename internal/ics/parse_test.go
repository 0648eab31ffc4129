package ics

import (
	"strings"
	"testing"
	"time"
)

func icsBody(lines ...string) []byte {
	all := append([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//knxcal test//EN",
	}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

func TestParseSingleEvent(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:one@test",
		"SUMMARY:Vacation",
		"DTSTART:20260901T120000Z",
		"DTEND:20260901T140000Z",
		"END:VEVENT",
	)

	events, err := Parse("https://example.com/cal.ics", body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.Summary != "Vacation" {
		t.Errorf("summary: %q", ev.Summary)
	}
	wantStart := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	if !ev.Start.Equal(wantStart) {
		t.Errorf("start: got %v, want %v", ev.Start, wantStart)
	}
	if got := ev.End.Sub(ev.Start); got != 2*time.Hour {
		t.Errorf("duration: got %v, want 2h", got)
	}
	if ev.AllDay {
		t.Error("timed event misdetected as all-day")
	}
}

func TestParseSkipsEventWithoutUID(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"SUMMARY:No identity",
		"DTSTART:20260901T120000Z",
		"DTEND:20260901T130000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ok@test",
		"SUMMARY:Fine",
		"DTSTART:20260901T150000Z",
		"DTEND:20260901T160000Z",
		"END:VEVENT",
	)

	events, err := Parse("https://example.com/cal.ics", body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 1 || events[0].Summary != "Fine" {
		t.Errorf("expected only the valid event, got %+v", events)
	}
}

func TestParseEmptyBody(t *testing.T) {
	if _, err := Parse("https://example.com/cal.ics", nil); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestExpandRecurringWeekly(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:weekly@test",
		"SUMMARY:Vacation",
		"DTSTART:20260901T080000Z",
		"DTEND:20260901T100000Z",
		"RRULE:FREQ=WEEKLY;COUNT=10",
		"END:VEVENT",
	)

	parsed, err := Parse("https://example.com/cal.ics", body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rangeStart := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC)
	events := Expand(parsed, rangeStart, rangeEnd)

	if len(events) != 3 {
		t.Fatalf("expected 3 occurrences in a 3-week window, got %d", len(events))
	}
	for i, ev := range events {
		if got := ev.End.Sub(ev.Start); got != 2*time.Hour {
			t.Errorf("occurrence %d: duration %v, want 2h", i, got)
		}
	}
}

func TestExpandExcludesExDates(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:weekly@test",
		"SUMMARY:Vacation",
		"DTSTART:20260901T080000Z",
		"DTEND:20260901T090000Z",
		"RRULE:FREQ=WEEKLY;COUNT=10",
		"EXDATE:20260908T080000Z",
		"END:VEVENT",
	)

	parsed, err := Parse("https://example.com/cal.ics", body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rangeStart := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC)
	events := Expand(parsed, rangeStart, rangeEnd)

	if len(events) != 2 {
		t.Fatalf("expected 2 occurrences after EXDATE removal, got %d", len(events))
	}
	excluded := time.Date(2026, 9, 8, 8, 0, 0, 0, time.UTC)
	for _, ev := range events {
		if ev.Start.Equal(excluded) {
			t.Errorf("excluded date %v still present", excluded)
		}
	}
}

func TestExpandSingleOutsideRange(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:far@test",
		"SUMMARY:Vacation",
		"DTSTART:20270101T080000Z",
		"DTEND:20270101T090000Z",
		"END:VEVENT",
	)

	parsed, err := Parse("https://example.com/cal.ics", body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rangeStart := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	rangeEnd := time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC)
	if events := Expand(parsed, rangeStart, rangeEnd); len(events) != 0 {
		t.Errorf("event outside the range must not appear, got %+v", events)
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://example.com/path/private.ics?token=abcd")
	if strings.Contains(got, "token") || strings.Contains(got, "private") {
		t.Errorf("redaction leaked secrets: %q", got)
	}
	if !strings.HasPrefix(got, "https://example.com") {
		t.Errorf("redaction should keep the host: %q", got)
	}
}
