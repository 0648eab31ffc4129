package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/ixs/knxcal/internal/log"
	"github.com/ixs/knxcal/internal/model"
)

// maxOccurrencesPerEvent caps recurrence expansion so a pathological RRULE
// cannot blow up a cycle.
const maxOccurrencesPerEvent = 5000

// Expand turns parsed VEVENTs into concrete events within [rangeStart,
// rangeEnd], applying RRULE expansion, EXDATE removal and RECURRENCE-ID
// overrides. Events keep their own timezone.
func Expand(events []ParsedEvent, rangeStart, rangeEnd time.Time) []model.Event {
	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]model.Event, 0)
	for uid, baseEvents := range baseByUID {
		ov := overridesByUID[uid]
		for _, ev := range baseEvents {
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, ov, rangeStart, rangeEnd)...)
			} else {
				out = append(out, expandRecurring(ev, ov, rangeStart, rangeEnd)...)
			}
		}
	}
	return out
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, rangeStart, rangeEnd time.Time) []model.Event {
	if !rangesOverlap(ev.Start, ev.End, rangeStart, rangeEnd) {
		return nil
	}

	start, end := ev.Start, ev.End
	if o, ok := findOverrideForStart(overrides, start); ok {
		ev = o
		start, end = o.Start, o.End
	}
	return []model.Event{makeEvent(ev, start, end)}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, rangeStart, rangeEnd time.Time) []model.Event {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		log.Warn("skipping event with unparseable RRULE", "uid", ev.UID, "rrule", ev.RawRRule, "err", err.Error())
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	occTimes := set.Between(rangeStart.In(ev.Start.Location()), rangeEnd.In(ev.Start.Location()), true)
	if len(occTimes) > maxOccurrencesPerEvent {
		occTimes = occTimes[:maxOccurrencesPerEvent]
		log.Warn("recurrence expansion truncated", "uid", ev.UID, "cap", maxOccurrencesPerEvent)
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]model.Event, 0, len(occTimes))

	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			// All-day: [date 00:00, next day 00:00) in the event's timezone.
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = date
			occEnd = date.Add(24 * time.Hour)
		} else {
			occEnd = occStart.Add(dur)
		}

		instance := ev
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			instance = o
			occStart, occEnd = o.Start, o.End
		}

		out = append(out, makeEvent(instance, occStart, occEnd))
	}
	return out
}

// findOverrideForStart finds an override whose RECURRENCE-ID equals the
// given instance start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.In(start.Location()).Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeEvent(ev ParsedEvent, start, end time.Time) model.Event {
	return model.Event{
		UID:     ev.UID,
		Summary: ev.Summary,
		Start:   start,
		End:     end,
	}
}

func rangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
