// Package ledger keeps an append-only history of what the flow nodes did to devices.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventSnapshotCaptured EventType = "snapshot_captured"
	EventSnapshotReleased EventType = "snapshot_released"
	EventCommandSent      EventType = "command_sent"
	EventCommandFailed    EventType = "command_failed"
	EventRestoreInvalid   EventType = "restore_invalid"
	EventPredicateFlipped EventType = "predicate_flipped"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"node_id"`
	DeviceID  string         `json:"device_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Recorder is the write side of the ledger.
type Recorder interface {
	Record(eventType EventType, nodeID, deviceID string, payload map[string]any)
}

// Nop discards every entry. Used when the ledger is disabled.
type Nop struct{}

func (Nop) Record(EventType, string, string, map[string]any) {}

// Ledger provides append-only event logging
type Ledger struct {
	db *sql.DB
}

var _ Recorder = (*Ledger)(nil)

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a new entry to the ledger
func (l *Ledger) Append(eventType EventType, nodeID, deviceID string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err := l.db.Exec(`
		INSERT INTO event_ledger (event_type, timestamp, node_id, device_id, payload)
		VALUES (?, ?, ?, ?, ?)
	`, string(eventType), time.Now().UTC().Unix(), nodeID, deviceID, string(payloadJSON))
	return err
}

// Record appends an entry and logs instead of returning a failure.
// History is best-effort and never blocks a device operation.
func (l *Ledger) Record(eventType EventType, nodeID, deviceID string, payload map[string]any) {
	if err := l.Append(eventType, nodeID, deviceID, payload); err != nil {
		log.Warn().Err(err).
			Str("event_type", string(eventType)).
			Str("node", nodeID).
			Str("device", deviceID).
			Msg("Failed to append ledger entry")
	}
}

// GetByType returns entries filtered by event type, newest first
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, node_id, device_id, payload
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetByDevice returns the history of one device, newest first
func (l *Ledger) GetByDevice(deviceID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, node_id, device_id, payload
		FROM event_ledger
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var nodeID, deviceID, payload sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &nodeID, &deviceID, &payload); err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		entry.NodeID = nodeID.String
		entry.DeviceID = deviceID.String

		if payload.Valid && payload.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payload.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
