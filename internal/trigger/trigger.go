// Package trigger evaluates configured offset rules against calendar events.
package trigger

import (
	"fmt"
	"time"

	"github.com/ixs/knxcal/internal/log"
	"github.com/ixs/knxcal/internal/model"
)

// Find returns the rule that should fire for ev at now, or nil if no rule
// matches.
//
// A rule matches when the distance from now to its base timestamp (event
// start or end) is strictly less than its offset. The comparison uses full
// clock resolution rather than whole hours, so an event does not flap around
// the boundary. When several rules match, the one with the smallest offset
// wins: every matched threshold has been crossed, and the tightest one is
// the trigger closest to the event. Ties on equal offsets are broken by rule
// name to keep selection deterministic.
//
// A rule whose base is neither "begin" nor "end" is a configuration error
// and aborts evaluation immediately, whether or not it would have matched.
func Find(ev model.Event, rules []model.TriggerRule, now time.Time) (*model.TriggerRule, error) {
	var best *model.TriggerRule

	for i := range rules {
		r := &rules[i]

		var ref time.Time
		switch r.Base {
		case model.BaseBegin:
			ref = ev.Start
		case model.BaseEnd:
			ref = ev.End
		default:
			return nil, fmt.Errorf("trigger %q: base must be %q or %q, got %q",
				r.Name, model.BaseBegin, model.BaseEnd, r.Base)
		}

		delta := ref.Sub(now)
		threshold := time.Duration(r.OffsetHours) * time.Hour

		log.Debug("evaluating trigger",
			"trigger", r.Name,
			"event", ev.Summary,
			"base", string(r.Base),
			"offset_hours", r.OffsetHours,
			"delta", delta.String(),
		)

		if delta >= threshold {
			continue
		}

		if best == nil ||
			r.OffsetHours < best.OffsetHours ||
			(r.OffsetHours == best.OffsetHours && r.Name < best.Name) {
			best = r
		}
	}

	if best == nil {
		log.Debug("no trigger matched", "event", ev.Summary)
		return nil, nil
	}

	log.Debug("trigger matched", "trigger", best.Name, "event", ev.Summary)
	return best, nil
}
