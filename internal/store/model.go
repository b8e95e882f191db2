package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when an update targets a COMPLETED or FAILED
	// entry, or would lower its retry count.
	ErrTerminal = errors.New("queue entry is terminal")
)

// Record is one row of a named table: raw JSON keyed by id.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSyncing   Status = "SYNCING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// QueueEntry is one durable, not yet confirmed remote write.
// Only Status, ScheduledAt and RetryCount change after creation.
type QueueEntry struct {
	ID          int64           `json:"id"`
	Table       string          `json:"table"`
	RowID       string          `json:"rowId"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	ScheduledAt int64           `json:"scheduledAt"` // epoch ms; creation time and earliest next attempt
	RetryCount  int             `json:"retryCount"`
	// Merge replays the payload as a field merge instead of a full replace.
	Merge bool `json:"merge,omitempty"`
}

// NewEntry is what callers hand to Enqueue; the store fills in the rest.
type NewEntry struct {
	Table     string
	RowID     string
	Operation Operation
	Payload   json.RawMessage
	Merge     bool
}

func (e NewEntry) validate() error {
	if e.Table == "" || e.RowID == "" {
		return fmt.Errorf("table and row id are required")
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", e.Operation)
	}
	return nil
}
