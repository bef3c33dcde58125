// Package audit records one entry per tool invocation. Records describe what
// happened (verb, outcome, sizes) and never carry the raw command text or output.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one tool invocation. Append-only.
type Record struct {
	ID          uuid.UUID
	Tool        string
	Caller      string // "http", "agent", "mcp", "ws", "cli"
	Verb        string // Empty when the command was rejected before tokenising.
	ArgCount    int
	Status      string // rejected | completed | timed_out | failed
	Kind        string // Rejection or failure kind; empty on success.
	ExitCode    *int
	TimedOut    bool
	Truncated   bool
	OutputBytes int
	Duration    time.Duration
	CreatedAt   time.Time
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Recent returns up to limit records, newest first. limit <= 0 means 100.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Prune deletes records created before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultRecentLimit is used when Recent is called with limit <= 0.
const DefaultRecentLimit = 100

// NopStore discards every record. Used when storage is disabled.
type NopStore struct{}

func (NopStore) Append(context.Context, Record) error            { return nil }
func (NopStore) Recent(context.Context, int) ([]Record, error)   { return nil, nil }
func (NopStore) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

var _ Store = NopStore{}
