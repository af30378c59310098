// Package memory persists conversation transcripts.
package memory

import (
	"context"
	"time"
)

// Entry is one persisted utterance. Text has already been redacted.
type Entry struct {
	ID          string    `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	Room        string    `json:"room" db:"room"`
	Identity    string    `json:"identity" db:"identity"`
	Speaker     string    `json:"speaker" db:"speaker"`
	Text        string    `json:"text" db:"text"`
	Interrupted bool      `json:"interrupted" db:"interrupted"`
	PIIRedacted bool      `json:"pii_redacted" db:"pii_redacted"`
	StartMS     int64     `json:"start_ms" db:"start_ms"`
	EndMS       int64     `json:"end_ms" db:"end_ms"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Store persists and retrieves transcripts.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// Recent returns the last limit entries for identity across sessions, in
	// chronological order.
	Recent(ctx context.Context, identity string, limit int) ([]Entry, error)
	// Session returns every entry of one session in chronological order.
	Session(ctx context.Context, sessionID string) ([]Entry, error)
	Close() error
}
