// Package gateway runs one full gateway cycle: heartbeat, fetch, filter,
// trigger evaluation and deduplicated delivery to the bus.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ixs/knxcal/internal/config"
	"github.com/ixs/knxcal/internal/ledger"
	"github.com/ixs/knxcal/internal/log"
	"github.com/ixs/knxcal/internal/model"
	"github.com/ixs/knxcal/internal/trigger"
)

// fetchLookback is how far into the past the calendar window starts, so
// in-progress and just-started events are still seen.
const fetchLookback = 2 * 24 * time.Hour

// CalendarSource yields events from windowStart onward.
type CalendarSource interface {
	Events(ctx context.Context, windowStart time.Time) ([]model.Event, error)
}

// BusSink delivers a typed value to a bus address.
type BusSink interface {
	Send(address, valueType, value string) error
}

// Gateway wires the collaborators of one cycle together. All state lives in
// the ledger; a Gateway itself is reusable across cycles.
type Gateway struct {
	cfg     *config.Config
	matcher *config.Matcher
	source  CalendarSource
	sink    BusSink
	ledger  *ledger.Ledger
	now     func() time.Time
}

// New creates a Gateway. cfg must already be validated. nowFn defaults to
// time.Now and exists so tests can inject a fixed clock.
func New(cfg *config.Config, source CalendarSource, sink BusSink, led *ledger.Ledger, nowFn func() time.Time) (*Gateway, error) {
	matcher, err := config.NewMatcher(cfg.Match)
	if err != nil {
		return nil, err
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Gateway{
		cfg:     cfg,
		matcher: matcher,
		source:  source,
		sink:    sink,
		ledger:  led,
		now:     nowFn,
	}, nil
}

// Run performs one full cycle. It returns an error on calendar fetch
// failure, invalid trigger configuration or a failed bus send; a failed send
// leaves no ledger entry, so the trigger stays eligible next cycle.
//
// At most one event notification is sent per cycle. Once a send succeeds,
// the remaining events are deliberately deferred to future cycles so a
// backlog of calendar data cannot burst onto the bus.
func (g *Gateway) Run(ctx context.Context) error {
	now := g.now().UTC()

	g.heartbeatIfNeeded(now)

	events, err := g.source.Events(ctx, now.Add(-fetchLookback))
	if err != nil {
		return fmt.Errorf("calendar fetch: %w", err)
	}
	if len(events) == 0 {
		log.Warn("no events found within the fetch window")
	}

	matched := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if g.matcher.Matches(ev.Summary) {
			matched = append(matched, ev)
		} else {
			log.Debug("event does not match pattern, skipping", "summary", ev.Summary)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Less(matched[j]) })

	state := g.ledger.Load(now)

	for _, ev := range matched {
		rule, err := trigger.Find(ev, g.cfg.Triggers, now)
		if err != nil {
			return err
		}
		if rule == nil {
			continue
		}

		key := ledger.Key(ev, *rule)
		if !ledger.IsNew(state, key) {
			log.Info("already notified, skipping",
				"event", ev.Summary, "start", ev.Start, "trigger", rule.Name)
			continue
		}

		// Re-validate against the same snapshot right before acting; both
		// checks must pass. This guards the gap between the novelty check
		// and the send without a second disk read.
		state = ledger.Expire(state, g.now().UTC())
		if !ledger.IsNew(state, key) {
			log.Info("no longer new on re-check, skipping", "event", ev.Summary, "trigger", rule.Name)
			continue
		}

		log.Info("notifying for event",
			"event", ev.Summary, "start", ev.Start, "trigger", rule.Name,
			"address", rule.Address, "value", rule.Value)

		if err := g.sink.Send(rule.Address, rule.ValueType, rule.Value); err != nil {
			return fmt.Errorf("bus send for trigger %q: %w", rule.Name, err)
		}

		evCopy := ev
		ruleCopy := *rule
		state[key] = ledger.Entry{
			NotifiedAt: g.now().UTC(),
			Trigger:    &ruleCopy,
			Event:      &evCopy,
		}
		if err := g.ledger.Save(state); err != nil {
			log.Error("state save failed, duplicate sends possible next cycle", err)
		}

		log.Info("notification sent, deferring remaining events to future cycles")
		break
	}

	return nil
}

// heartbeatIfNeeded sends the periodic liveness signal when one is
// configured and the configured interval has elapsed since the last send.
// Heartbeat failures never abort the cycle.
func (g *Gateway) heartbeatIfNeeded(now time.Time) {
	hb := g.cfg.Heartbeat
	if hb == nil {
		return
	}

	state := g.ledger.Load(now)
	if last, ok := state[ledger.HeartbeatKey]; ok {
		elapsed := now.Sub(last.NotifiedAt)
		if elapsed <= time.Duration(hb.FrequencyMinutes)*time.Minute {
			log.Debug("heartbeat not due", "elapsed", elapsed.String())
			return
		}
	}

	val, err := config.ParseBoolValue(hb.Value)
	if err != nil {
		// Validate catches this at startup; a config edited mid-flight
		// should not kill the event path.
		log.Error("heartbeat value is not a boolean, skipping heartbeat", err)
		return
	}

	log.Info("sending heartbeat", "address", hb.Address, "value", val)
	if err := g.sink.Send(hb.Address, hb.ValueType, strconv.FormatBool(val)); err != nil {
		log.Error("heartbeat send failed", err, "address", hb.Address)
		return
	}

	state[ledger.HeartbeatKey] = ledger.Entry{NotifiedAt: now}
	if err := g.ledger.Save(state); err != nil {
		log.Error("state save failed after heartbeat", err)
	}
}
