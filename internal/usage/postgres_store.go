package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode usage metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}

	query := `
		INSERT INTO usage_logs (user_id, org_id, endpoint, model, prompt_tokens, completion_tokens, total_tokens, cost, created_at, metadata)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err = s.db.QueryRow(ctx, query,
		e.UserID, e.OrgID, e.Endpoint, e.Model,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.Cost, e.CreatedAt, meta,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to log usage: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Totals(ctx context.Context, userID string, from, to time.Time) (Totals, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(prompt_tokens), 0)::bigint,
			COALESCE(SUM(completion_tokens), 0)::bigint,
			COALESCE(SUM(total_tokens), 0)::bigint,
			COALESCE(SUM(cost), 0)::float8
		FROM usage_logs
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
	`
	var t Totals
	err := s.db.QueryRow(ctx, query, userID, from, to).
		Scan(&t.Calls, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost)
	if err != nil {
		return Totals{}, fmt.Errorf("%w: failed to sum usage: %v", ErrStoreUnavailable, err)
	}
	return t, nil
}

func (s *PostgresStore) DailyTotals(ctx context.Context, userID string, from, to time.Time) ([]DailyTotal, error) {
	query := `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			COUNT(*),
			COALESCE(SUM(prompt_tokens), 0)::bigint,
			COALESCE(SUM(completion_tokens), 0)::bigint,
			COALESCE(SUM(total_tokens), 0)::bigint,
			COALESCE(SUM(cost), 0)::float8
		FROM usage_logs
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY 1
		ORDER BY 1
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query daily usage: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Day, &d.Calls, &d.PromptTokens, &d.CompletionTokens, &d.TotalTokens, &d.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		d.Day = d.Day.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Entry, int64, error) {
	var qb queryBuilder
	qb.add("user_id = $?", q.UserID)
	qb.add("created_at >= $?", q.From)
	qb.add("created_at < $?", q.To)
	if q.Endpoint != "" {
		qb.add("endpoint = $?", q.Endpoint)
	}
	if q.Model != "" {
		qb.add("model = $?", q.Model)
	}

	var total int64
	countQuery := "SELECT COUNT(*) FROM usage_logs WHERE " + qb.where()
	if err := s.db.QueryRow(ctx, countQuery, qb.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to count usage logs: %v", ErrStoreUnavailable, err)
	}

	listQuery := `SELECT id, user_id, COALESCE(org_id, ''), endpoint, model, prompt_tokens, completion_tokens, total_tokens, cost::float8, created_at, metadata
		FROM usage_logs WHERE ` + qb.where() + ` ORDER BY created_at DESC, id DESC`
	listQuery = qb.paginate(listQuery, q.Limit, q.Offset)

	rows, err := s.db.Query(ctx, listQuery, qb.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to query usage logs: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var meta []byte
		err := rows.Scan(
			&e.ID, &e.UserID, &e.OrgID, &e.Endpoint, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.Cost, &e.CreatedAt, &meta,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan usage log: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("failed to decode usage metadata: %w", err)
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating usage logs: %w", err)
	}
	return entries, total, nil
}

// queryBuilder numbers "$?" placeholders as clauses are added.
type queryBuilder struct {
	clauses []string
	args    []any
}

func (qb *queryBuilder) add(clause string, arg any) {
	qb.args = append(qb.args, arg)
	qb.clauses = append(qb.clauses, strings.ReplaceAll(clause, "$?", "$"+strconv.Itoa(len(qb.args))))
}

func (qb *queryBuilder) where() string {
	return strings.Join(qb.clauses, " AND ")
}

// paginate appends LIMIT/OFFSET. It copies args so the count query built
// from the same builder keeps its own argument list.
func (qb *queryBuilder) paginate(query string, limit, offset int) string {
	qb.args = append([]any(nil), qb.args...)
	if limit > 0 {
		qb.args = append(qb.args, limit)
		query += " LIMIT $" + strconv.Itoa(len(qb.args))
	}
	if offset > 0 {
		qb.args = append(qb.args, offset)
		query += " OFFSET $" + strconv.Itoa(len(qb.args))
	}
	return query
}
