package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vnmchuo/ai-metering/internal/clock"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500

	secondsPerDay = 24 * 60 * 60
)

// Summary is the headline projection for a reporting range.
type Summary struct {
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
	Calls            int64     `json:"calls"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalCost        float64   `json:"total_cost"`
	CallsPerDay      float64   `json:"calls_per_day"`
}

// Point is one day of the series projection.
type Point struct {
	Day         time.Time `json:"day"`
	Calls       int64     `json:"calls"`
	TotalTokens int64     `json:"total_tokens"`
	Cost        float64   `json:"cost"`
}

// Page is the table projection.
type Page struct {
	Entries []*Entry `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Filters narrows the table projection.
type Filters struct {
	Endpoint string
	Model    string
}

// Pagination for the table projection. A zero Limit selects DefaultPageSize.
type Pagination struct {
	Limit  int
	Offset int
}

type Recorder struct {
	store Store
	clock clock.Clock
}

func NewRecorder(store Store, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Recorder{store: store, clock: clk}
}

// Record appends e to the ledger. TotalTokens and CreatedAt are derived here.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e == nil || e.UserID == "" || e.Model == "" || e.Endpoint == "" {
		return fmt.Errorf("%w: user, endpoint and model are required", ErrInvalidEntry)
	}
	if e.PromptTokens < 0 || e.CompletionTokens < 0 || e.Cost < 0 {
		return fmt.Errorf("%w: negative tokens or cost", ErrInvalidEntry)
	}
	e.TotalTokens = e.PromptTokens + e.CompletionTokens
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return r.store.Insert(ctx, e)
}

// PeriodUsage sums tokens and cost over [from, to).
func (r *Recorder) PeriodUsage(ctx context.Context, userID string, from, to time.Time) (int64, float64, error) {
	t, err := r.store.Totals(ctx, userID, from.UTC(), to.UTC())
	if err != nil {
		return 0, 0, err
	}
	return t.TotalTokens, t.Cost, nil
}

// Summary aggregates [from, to). CallsPerDay divides by the number of
// calendar days the range touches.
func (r *Recorder) Summary(ctx context.Context, userID string, from, to time.Time) (*Summary, error) {
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	t, err := r.store.Totals(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	days := daysBetween(dayStart(from), dayStart(to.Add(-time.Nanosecond))) + 1
	return &Summary{
		From:             from,
		To:               to,
		Calls:            t.Calls,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		TotalTokens:      t.TotalTokens,
		TotalCost:        t.Cost,
		CallsPerDay:      math.Round(float64(t.Calls)/float64(days)*100) / 100,
	}, nil
}

// Series returns one point per UTC calendar day from day(from) through
// day(to) inclusive, so exactly daysBetween(from, to)+1 points. Like every
// other read it only counts rows in [from, to): the first and last points
// cover the partial days inside the range, and the points sum to Summary.
// Days without rows are zero-filled.
func (r *Recorder) Series(ctx context.Context, userID string, from, to time.Time) ([]Point, error) {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	first, last := dayStart(from), dayStart(to)

	rows, err := r.store.DailyTotals(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	byDay := make(map[int64]Totals, len(rows))
	for _, row := range rows {
		k := dayStart(row.Day).Unix()
		agg := byDay[k]
		agg.Calls += row.Calls
		agg.TotalTokens += row.TotalTokens
		agg.Cost += row.Cost
		byDay[k] = agg
	}

	n := daysBetween(first, last) + 1
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		d := first.AddDate(0, 0, i)
		t := byDay[d.Unix()]
		points = append(points, Point{Day: d, Calls: t.Calls, TotalTokens: t.TotalTokens, Cost: t.Cost})
	}
	return points, nil
}

// Table returns raw rows, newest first, with the unpaginated total.
func (r *Recorder) Table(ctx context.Context, userID string, from, to time.Time, f Filters, p Pagination) (*Page, error) {
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := max(p.Offset, 0)

	entries, total, err := r.store.List(ctx, Query{
		UserID:   userID,
		From:     from,
		To:       to,
		Endpoint: f.Endpoint,
		Model:    f.Model,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return &Page{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole calendar days between two UTC midnights. It works
// on Unix seconds because time.Duration saturates at about 292 years.
func daysBetween(a, b time.Time) int {
	return int((b.Unix() - a.Unix()) / secondsPerDay)
}
