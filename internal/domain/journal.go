package domain

import (
	"context"
	"time"
)

// JournalStore records connection lifecycle events. It never stores
// message content.
type JournalStore interface {
	Record(ctx context.Context, entry JournalEntry) error
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

type JournalEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // state | capability | command
	State     string    `json:"state,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
