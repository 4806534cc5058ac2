package tier

import (
	"context"
	"errors"
	"fmt"
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

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*UserSubscription, error) {
	query := `
		SELECT user_id, tier_id, renewal_anchor
		FROM user_subscriptions
		WHERE user_id = $1 AND active = true
	`
	var sub UserSubscription
	err := s.db.QueryRow(ctx, query, userID).Scan(&sub.UserID, &sub.TierID, &sub.RenewalAnchor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("%w: failed to get subscription: %v", ErrStoreUnavailable, err)
	}
	sub.RenewalAnchor = sub.RenewalAnchor.UTC()
	return &sub, nil
}

// ListTiers loads the tier reference table.
func (s *PostgresStore) ListTiers(ctx context.Context) ([]SubscriptionTier, error) {
	query := `
		SELECT id, name, monthly_token_allowance, monthly_cost_cap, overage_policy
		FROM subscription_tiers
		ORDER BY id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query tiers: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var tiers []SubscriptionTier
	for rows.Next() {
		var t SubscriptionTier
		var policy string
		if err := rows.Scan(&t.ID, &t.Name, &t.MonthlyTokenAllowance, &t.MonthlyCostCap, &policy); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		t.OveragePolicy = Policy(policy)
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tiers: %w", err)
	}
	return tiers, nil
}

// UpsertTier is used by seeding and catalog sync, never by the request path.
func (s *PostgresStore) UpsertTier(ctx context.Context, t SubscriptionTier) error {
	if err := t.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO subscription_tiers (id, name, monthly_token_allowance, monthly_cost_cap, overage_policy)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			monthly_token_allowance = EXCLUDED.monthly_token_allowance,
			monthly_cost_cap = EXCLUDED.monthly_cost_cap,
			overage_policy = EXCLUDED.overage_policy
	`
	if _, err := s.db.Exec(ctx, query, t.ID, t.Name, t.MonthlyTokenAllowance, t.MonthlyCostCap, string(t.OveragePolicy)); err != nil {
		return fmt.Errorf("failed to upsert tier: %w", err)
	}
	return nil
}

// UpsertSubscription sets the user's single active subscription.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub UserSubscription) error {
	if sub.UserID == "" || sub.TierID == "" {
		return fmt.Errorf("user_id and tier_id are required")
	}
	anchor := sub.RenewalAnchor
	if anchor.IsZero() {
		anchor = MonthStart(time.Now())
	}
	query := `
		INSERT INTO user_subscriptions (user_id, tier_id, renewal_anchor, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (user_id) DO UPDATE SET
			tier_id = EXCLUDED.tier_id,
			renewal_anchor = EXCLUDED.renewal_anchor,
			active = true
	`
	if _, err := s.db.Exec(ctx, query, sub.UserID, sub.TierID, anchor.UTC()); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}
