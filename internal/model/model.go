package model

import "time"

// Event represents a single concrete calendar event instance as yielded by
// the calendar source, after recurrence expansion. Start and End carry the
// timezone the calendar declared for them.
type Event struct {
	UID     string    `json:"uid,omitempty"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Less orders events by start time, breaking ties on end time and then
// summary, so that a cycle always processes events in a deterministic order.
func (e Event) Less(o Event) bool {
	if !e.Start.Equal(o.Start) {
		return e.Start.Before(o.Start)
	}
	if !e.End.Equal(o.End) {
		return e.End.Before(o.End)
	}
	return e.Summary < o.Summary
}

// Base selects whether a trigger offset is measured from the start or the
// end of an event.
type Base string

const (
	BaseBegin Base = "begin"
	BaseEnd   Base = "end"
)

// TriggerRule describes when to notify relative to an event and what to put
// on the bus when it fires. Rules come from configuration and are read-only
// to the rest of the program.
type TriggerRule struct {
	// Name identifies the rule in configuration and logs.
	Name string `yaml:"name" json:"name"`

	// OffsetHours is the distance from the base timestamp at which the rule
	// starts matching. May be negative to fire after the base timestamp.
	OffsetHours int `yaml:"offset_hours" json:"offset_hours"`

	// Base must be "begin" or "end"; anything else is a configuration error.
	Base Base `yaml:"base" json:"base"`

	// Address is the KNX group address the value is written to.
	Address string `yaml:"address" json:"address"`

	// ValueType is the KNX datapoint type tag, e.g. "1.001".
	ValueType string `yaml:"value_type" json:"value_type"`

	// Value is the payload; its format depends on ValueType.
	Value string `yaml:"value" json:"value"`
}
