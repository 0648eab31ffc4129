package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ixs/knxcal/internal/model"
)

var now = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func testRule() model.TriggerRule {
	return model.TriggerRule{
		Name:        "prewarm",
		OffsetHours: 24,
		Base:        model.BaseBegin,
		Address:     "1/2/3",
		ValueType:   "1.001",
		Value:       "true",
	}
}

func testEvent(end time.Time) model.Event {
	return model.Event{
		Summary: "Vacation",
		Start:   end.Add(-time.Hour),
		End:     end,
	}
}

func TestLoadMissingFile(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "state.db"), false)
	defer l.Close()

	entries := l.Load(now)
	if len(entries) != 0 {
		t.Errorf("expected empty state, got %d entries", len(entries))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	l := Open(path, false)
	defer l.Close()

	loc := time.FixedZone("CEST", 2*60*60)
	ev := model.Event{
		Summary: "Vacation",
		Start:   time.Date(2026, 9, 1, 14, 0, 0, 0, loc),
		End:     time.Date(2026, 9, 1, 16, 0, 0, 0, loc),
	}
	rule := testRule()
	key := Key(ev, rule)

	if err := l.Save(map[string]Entry{
		key: {NotifiedAt: now, Trigger: &rule, Event: &ev},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries := l.Load(now)
	got, ok := entries[key]
	if !ok {
		t.Fatalf("entry %q missing after reload", key)
	}
	if !got.NotifiedAt.Equal(now) {
		t.Errorf("notified_at: got %v, want %v", got.NotifiedAt, now)
	}
	if got.Trigger == nil || got.Trigger.Name != "prewarm" || got.Trigger.OffsetHours != 24 {
		t.Errorf("trigger snapshot not preserved: %+v", got.Trigger)
	}
	if got.Event == nil {
		t.Fatal("event snapshot missing")
	}
	if !got.Event.End.Equal(ev.End) {
		t.Errorf("event end: got %v, want %v", got.Event.End, ev.End)
	}
	// Timezone fidelity: the stored end keeps its +02:00 offset.
	if _, off := got.Event.End.Zone(); off != 2*60*60 {
		t.Errorf("event end lost its UTC offset: got %d", off)
	}
}

func TestLoadAppliesExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	l := Open(path, false)
	defer l.Close()

	rule := testRule()
	stale := testEvent(now.Add(-169 * time.Hour))
	fresh := testEvent(now.Add(-167 * time.Hour))

	if err := l.Save(map[string]Entry{
		Key(stale, rule): {NotifiedAt: now.Add(-200 * time.Hour), Trigger: &rule, Event: &stale},
		Key(fresh, rule): {NotifiedAt: now.Add(-200 * time.Hour), Trigger: &rule, Event: &fresh},
		HeartbeatKey:     {NotifiedAt: now.Add(-1000 * time.Hour)},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries := l.Load(now)
	if _, ok := entries[Key(stale, rule)]; ok {
		t.Error("entry 169h past its event end should be expired")
	}
	if _, ok := entries[Key(fresh, rule)]; !ok {
		t.Error("entry 167h past its event end should be retained")
	}
	if _, ok := entries[HeartbeatKey]; !ok {
		t.Error("heartbeat entry must never be expired by the event rule")
	}

	// The expired row is also gone from disk.
	entries = l.Load(now)
	if len(entries) != 2 {
		t.Errorf("expected 2 surviving entries on second load, got %d", len(entries))
	}
}

func TestDisabledStateKeeping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	l := Open(path, true)
	defer l.Close()

	rule := testRule()
	ev := testEvent(now.Add(time.Hour))
	key := Key(ev, rule)

	if err := l.Save(map[string]Entry{
		key: {NotifiedAt: now, Trigger: &rule, Event: &ev},
	}); err != nil {
		t.Fatalf("Save with disabled state should be a no-op, got %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("disabled state keeping must not write a file")
	}

	entries := l.Load(now)
	if !IsNew(entries, key) {
		t.Error("IsNew must be true for every key with state keeping disabled")
	}
}

func TestKeyIdentity(t *testing.T) {
	rule := testRule()
	ev := testEvent(now.Add(time.Hour))

	if Key(ev, rule) != Key(ev, rule) {
		t.Error("same event and trigger must collapse to the same key")
	}

	other := rule
	other.Value = "false"
	if Key(ev, rule) == Key(ev, other) {
		t.Error("triggers with different payloads must produce distinct keys")
	}

	renamed := rule
	renamed.Name = "different-name"
	if Key(ev, rule) != Key(ev, renamed) {
		t.Error("the rule name is not part of the notification identity")
	}
}

func TestCorruptDatabaseDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	l := Open(path, false)
	defer l.Close()

	entries := l.Load(now)
	if len(entries) != 0 {
		t.Errorf("corrupt state must degrade to empty, got %d entries", len(entries))
	}

	// The recreated database is usable again.
	rule := testRule()
	ev := testEvent(now.Add(time.Hour))
	if err := l.Save(map[string]Entry{Key(ev, rule): {NotifiedAt: now, Trigger: &rule, Event: &ev}}); err != nil {
		t.Fatalf("Save after recreation: %v", err)
	}
	if len(l.Load(now)) != 1 {
		t.Error("expected the recreated database to persist entries")
	}
}
