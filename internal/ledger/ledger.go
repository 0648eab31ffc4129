// Package ledger persists which (event, trigger) pairs have already produced
// a bus notification, so restarts and repeated cycles do not send twice.
//
// The backing store is a single-table SQLite database. Timestamps are stored
// as RFC3339Nano strings, which round-trip the UTC offset the calendar
// declared for an event.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ixs/knxcal/internal/log"
	"github.com/ixs/knxcal/internal/model"
)

// HeartbeatKey is the reserved key holding the last heartbeat send time.
// It carries no event and is therefore never expired by the event rule.
const HeartbeatKey = "heartbeat"

// retention is how long entries are kept past their event's end.
const retention = 7 * 24 * time.Hour

// Entry records one delivered notification. Trigger and Event are nil for
// the heartbeat entry.
type Entry struct {
	NotifiedAt time.Time
	Trigger    *model.TriggerRule
	Event      *model.Event
}

// Ledger owns the notification state database. A disabled Ledger ignores
// all persistence: Load always yields an empty mapping and Save is a no-op.
type Ledger struct {
	path     string
	disabled bool
	db       *sql.DB
}

// Open opens (or creates) the state database at path. It never fails the
// caller: an unusable database is recreated once, and if that also fails the
// ledger runs without persistence. Losing dedup history only risks a
// duplicate send, which is less harmful than refusing to run.
func Open(path string, disabled bool) *Ledger {
	l := &Ledger{path: path, disabled: disabled}
	if disabled {
		return l
	}

	db, err := openDB(path)
	if err != nil {
		log.Warn("state database unusable, recreating", "path", path, "err", err.Error())
		_ = os.Remove(path)
		db, err = openDB(path)
	}
	if err != nil {
		log.Error("state database unavailable, running without persistence", err, "path", path)
		return l
	}

	l.db = db
	return l
}

func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS notifications (
		key           TEXT PRIMARY KEY,
		notified_at   TEXT NOT NULL,
		trigger_json  TEXT,
		event_summary TEXT,
		event_start   TEXT,
		event_end     TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database if one is open.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Key builds the composite identity of a notification: two triggers with
// different payloads for the same event are distinct, while re-evaluating
// the same trigger for the same event collapses to the same key.
func Key(ev model.Event, r model.TriggerRule) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		ev.Summary,
		ev.Start.Format(time.RFC3339Nano),
		ev.End.Format(time.RFC3339Nano),
		r.Address,
		r.Value,
	)
}

// IsNew reports whether key is absent from a freshly-loaded mapping.
func IsNew(entries map[string]Entry, key string) bool {
	_, ok := entries[key]
	return !ok
}

// Expire removes every entry whose event ended more than the retention
// window before now. Entries without an event (the heartbeat) are kept.
// The mapping is mutated and returned.
func Expire(entries map[string]Entry, now time.Time) map[string]Entry {
	for key, e := range entries {
		if e.Event == nil {
			continue
		}
		if now.Sub(e.Event.End) > retention {
			log.Debug("expiring ledger entry", "key", key)
			delete(entries, key)
		}
	}
	return entries
}

// Load reads the persisted state and applies expiry before returning it.
// Any failure degrades to an empty mapping; it never fails the caller.
// Expired rows are also removed from the database, best-effort.
func (l *Ledger) Load(now time.Time) map[string]Entry {
	entries := make(map[string]Entry)

	if l.disabled {
		log.Warn("state keeping disabled, not loading state")
		return entries
	}
	if l.db == nil {
		return entries
	}

	rows, err := l.db.Query(
		`SELECT key, notified_at, trigger_json, event_summary, event_start, event_end
		 FROM notifications`,
	)
	if err != nil {
		log.Warn("state load failed, continuing with empty state", "err", err.Error())
		return entries
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key, notifiedStr                 string
			triggerJSON, summary, start, end sql.NullString
		)
		if err := rows.Scan(&key, &notifiedStr, &triggerJSON, &summary, &start, &end); err != nil {
			log.Warn("skipping unreadable ledger row", "err", err.Error())
			continue
		}

		e, err := decodeEntry(notifiedStr, triggerJSON, summary, start, end)
		if err != nil {
			log.Warn("skipping corrupt ledger row", "key", key, "err", err.Error())
			continue
		}
		entries[key] = e
	}
	if err := rows.Err(); err != nil {
		log.Warn("state load incomplete, continuing with what was read", "err", err.Error())
	}

	before := len(entries)
	entries = Expire(entries, now)
	if len(entries) != before {
		l.deleteExpired(entries)
	}

	return entries
}

func decodeEntry(notifiedStr string, triggerJSON, summary, start, end sql.NullString) (Entry, error) {
	var e Entry

	notified, err := time.Parse(time.RFC3339Nano, notifiedStr)
	if err != nil {
		return e, fmt.Errorf("parse notified_at: %w", err)
	}
	e.NotifiedAt = notified

	if triggerJSON.Valid && triggerJSON.String != "" {
		var t model.TriggerRule
		if err := json.Unmarshal([]byte(triggerJSON.String), &t); err != nil {
			return e, fmt.Errorf("parse trigger: %w", err)
		}
		e.Trigger = &t
	}

	// An entry carries an event exactly when event_end is present; the
	// heartbeat row stores only notified_at.
	if end.Valid && end.String != "" {
		ev := model.Event{Summary: summary.String}
		if ev.Start, err = time.Parse(time.RFC3339Nano, start.String); err != nil {
			return e, fmt.Errorf("parse event_start: %w", err)
		}
		if ev.End, err = time.Parse(time.RFC3339Nano, end.String); err != nil {
			return e, fmt.Errorf("parse event_end: %w", err)
		}
		e.Event = &ev
	}

	return e, nil
}

// deleteExpired rewrites the notifications table to match the surviving
// entries. Failures are logged only; the in-memory view is authoritative
// for the rest of the cycle.
func (l *Ledger) deleteExpired(surviving map[string]Entry) {
	if err := l.writeAll(surviving); err != nil {
		log.Warn("pruning expired ledger entries failed", "err", err.Error())
	}
}

// Save persists the full mapping, replacing prior content in a single
// transaction so a concurrent reader never observes a mix of old and new
// entries. With state keeping disabled it is a no-op.
func (l *Ledger) Save(entries map[string]Entry) error {
	if l.disabled {
		log.Warn("state keeping disabled, not saving state")
		return nil
	}
	if l.db == nil {
		return fmt.Errorf("state database unavailable")
	}
	return l.writeAll(entries)
}

func (l *Ledger) writeAll(entries map[string]Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(`DELETE FROM notifications`); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}

	for key, e := range entries {
		var triggerJSON, summary, start, end sql.NullString

		if e.Trigger != nil {
			data, err := json.Marshal(e.Trigger)
			if err != nil {
				return fmt.Errorf("encode trigger for %s: %w", key, err)
			}
			triggerJSON = sql.NullString{String: string(data), Valid: true}
		}
		if e.Event != nil {
			summary = sql.NullString{String: e.Event.Summary, Valid: true}
			start = sql.NullString{String: e.Event.Start.Format(time.RFC3339Nano), Valid: true}
			end = sql.NullString{String: e.Event.End.Format(time.RFC3339Nano), Valid: true}
		}

		if _, err := tx.Exec(
			`INSERT INTO notifications (key, notified_at, trigger_json, event_summary, event_start, event_end)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			key, e.NotifiedAt.Format(time.RFC3339Nano), triggerJSON, summary, start, end,
		); err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
