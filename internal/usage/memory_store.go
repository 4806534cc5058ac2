package usage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process ledger for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	seq     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	e.ID = strconv.Itoa(m.seq)
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	m.entries = append(m.entries, cp)
	return nil
}

func (m *MemoryStore) Totals(_ context.Context, userID string, from, to time.Time) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var t Totals
	for _, e := range m.entries {
		if matches(e, userID, from, to) {
			add(&t, e)
		}
	}
	return t, nil
}

func (m *MemoryStore) DailyTotals(_ context.Context, userID string, from, to time.Time) ([]DailyTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byDay := map[time.Time]*DailyTotal{}
	for _, e := range m.entries {
		if !matches(e, userID, from, to) {
			continue
		}
		d := dayStart(e.CreatedAt)
		dt, ok := byDay[d]
		if !ok {
			dt = &DailyTotal{Day: d}
			byDay[d] = dt
		}
		add(&dt.Totals, e)
	}

	out := make([]DailyTotal, 0, len(byDay))
	for _, dt := range byDay {
		out = append(out, *dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]*Entry, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if !matches(e, q.UserID, q.From, q.To) {
			continue
		}
		if q.Endpoint != "" && e.Endpoint != q.Endpoint {
			continue
		}
		if q.Model != "" && e.Model != q.Model {
			continue
		}
		cp := e
		hits = append(hits, &cp)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].CreatedAt.After(hits[j].CreatedAt) })

	total := int64(len(hits))
	if q.Offset >= len(hits) {
		return nil, total, nil
	}
	hits = hits[q.Offset:]
	if q.Limit > 0 && q.Limit < len(hits) {
		hits = hits[:q.Limit]
	}
	return hits, total, nil
}

// Len reports the number of ledger rows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func matches(e Entry, userID string, from, to time.Time) bool {
	return e.UserID == userID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to)
}

func add(t *Totals, e Entry) {
	t.Calls++
	t.PromptTokens += int64(e.PromptTokens)
	t.CompletionTokens += int64(e.CompletionTokens)
	t.TotalTokens += int64(e.TotalTokens)
	t.Cost += e.Cost
}
