package usage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreUnavailable = errors.New("usage store unavailable")
	ErrInvalidEntry     = errors.New("invalid usage entry")
	ErrInvalidRange     = errors.New("invalid time range")
)

// Entry is one immutable ledger row per successful provider call. Cost is
// fixed at write time and never recomputed.
type Entry struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	OrgID            string         `json:"org_id,omitempty"`
	Endpoint         string         `json:"endpoint"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Cost             float64        `json:"cost"`
	CreatedAt        time.Time      `json:"created_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Totals aggregates ledger rows over a range.
type Totals struct {
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             float64
}

// DailyTotal is one calendar day (UTC) of usage. Stores return only days
// that have rows.
type DailyTotal struct {
	Day time.Time
	Totals
}

// Query selects ledger rows for the table projection.
type Query struct {
	UserID   string
	From     time.Time
	To       time.Time
	Endpoint string
	Model    string
	Limit    int
	Offset   int
}

// Store is the append-only ledger. All reads are scoped to one user and the
// half-open range [from, to).
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Totals(ctx context.Context, userID string, from, to time.Time) (Totals, error)
	DailyTotals(ctx context.Context, userID string, from, to time.Time) ([]DailyTotal, error)
	List(ctx context.Context, q Query) ([]*Entry, int64, error)
}
