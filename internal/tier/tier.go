package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/clock"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrStoreUnavailable     = errors.New("subscription store unavailable")
)

// Policy decides what happens once a user is over allowance.
type Policy string

const (
	PolicyBlock Policy = "block"
	PolicyWarn  Policy = "warn"
)

func (p Policy) Valid() bool {
	return p == PolicyBlock || p == PolicyWarn
}

// SubscriptionTier is administrator-managed reference data. A zero
// MonthlyTokenAllowance means unlimited tokens; a zero MonthlyCostCap means
// uncapped spend.
type SubscriptionTier struct {
	ID                    string  `yaml:"id" json:"id"`
	Name                  string  `yaml:"name" json:"name"`
	MonthlyTokenAllowance int64   `yaml:"monthly_token_allowance" json:"monthly_token_allowance"`
	MonthlyCostCap        float64 `yaml:"monthly_cost_cap" json:"monthly_cost_cap"`
	OveragePolicy         Policy  `yaml:"overage_policy" json:"overage_policy"`
}

func (t SubscriptionTier) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tier id is required")
	}
	if t.MonthlyTokenAllowance < 0 {
		return fmt.Errorf("tier %s: negative token allowance", t.ID)
	}
	if t.MonthlyCostCap < 0 {
		return fmt.Errorf("tier %s: negative cost cap", t.ID)
	}
	if !t.OveragePolicy.Valid() {
		return fmt.Errorf("tier %s: invalid overage policy %q", t.ID, t.OveragePolicy)
	}
	return nil
}

// DefaultTier applies to users without a subscription and to subscriptions
// pointing at an unknown tier.
var DefaultTier = SubscriptionTier{
	ID:                    "free",
	Name:                  "Free",
	MonthlyTokenAllowance: 10_000,
	OveragePolicy:         PolicyBlock,
}

// Merge overlays stored tier rows on a base set. Rows replace base tiers
// with the same id and otherwise append in row order.
func Merge(base, rows []SubscriptionTier) []SubscriptionTier {
	out := make([]SubscriptionTier, len(base), len(base)+len(rows))
	copy(out, base)
	pos := make(map[string]int, len(out))
	for i, t := range out {
		pos[t.ID] = i
	}
	for _, t := range rows {
		if i, ok := pos[t.ID]; ok {
			out[i] = t
			continue
		}
		pos[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

type UserSubscription struct {
	UserID        string
	TierID        string
	RenewalAnchor time.Time
}

// SubscriptionStore is read-only from the metering side.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*UserSubscription, error)
}

// Resolution is the tier and billing period in force for a user at a point in time.
type Resolution struct {
	Tier   SubscriptionTier
	Period Period
	// Subscribed is false when the default tier was applied because no
	// subscription row exists.
	Subscribed bool
}

type Resolver struct {
	store       SubscriptionStore
	tiers       map[string]SubscriptionTier
	defaultTier SubscriptionTier
	clock       clock.Clock
	log         *zap.Logger
}

// NewResolver indexes tiers by id. defaultTier is used for unprovisioned
// users and dangling tier ids.
func NewResolver(store SubscriptionStore, tiers []SubscriptionTier, defaultTier SubscriptionTier, clk clock.Clock, log *zap.Logger) (*Resolver, error) {
	if err := defaultTier.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default tier: %w", err)
	}
	idx := make(map[string]SubscriptionTier, len(tiers))
	for _, t := range tiers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := idx[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tier id %q", t.ID)
		}
		idx[t.ID] = t
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:       store,
		tiers:       idx,
		defaultTier: defaultTier,
		clock:       clk,
		log:         log.Named("tier.resolver"),
	}, nil
}

// ResolveTier returns the user's active tier.
func (r *Resolver) ResolveTier(ctx context.Context, userID string) (SubscriptionTier, error) {
	res, err := r.Resolve(ctx, userID, r.clock.Now())
	if err != nil {
		return SubscriptionTier{}, err
	}
	return res.Tier, nil
}

// ResolvePeriod returns the billing period containing now.
func (r *Resolver) ResolvePeriod(ctx context.Context, userID string, now time.Time) (Period, error) {
	res, err := r.Resolve(ctx, userID, now)
	if err != nil {
		return Period{}, err
	}
	return res.Period, nil
}

// Resolve performs a single subscription read and derives both the tier and
// the period. Store failures are returned; a missing row or tier is not an error.
func (r *Resolver) Resolve(ctx context.Context, userID string, now time.Time) (*Resolution, error) {
	now = now.UTC()
	sub, err := r.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return &Resolution{
				Tier:   r.defaultTier,
				Period: PeriodFor(MonthStart(now), now),
			}, nil
		}
		return nil, err
	}

	t, ok := r.tiers[sub.TierID]
	if !ok {
		r.log.Warn("subscription references unknown tier, applying default",
			zap.String("user_id", userID),
			zap.String("tier_id", sub.TierID),
			zap.String("default_tier", r.defaultTier.ID),
		)
		t = r.defaultTier
	}

	anchor := sub.RenewalAnchor
	if anchor.IsZero() {
		anchor = MonthStart(now)
	}

	return &Resolution{
		Tier:       t,
		Period:     PeriodFor(anchor, now),
		Subscribed: true,
	}, nil
}

// Tiers returns the reference set known to the resolver.
func (r *Resolver) Tiers() map[string]SubscriptionTier {
	out := make(map[string]SubscriptionTier, len(r.tiers))
	for k, v := range r.tiers {
		out[k] = v
	}
	return out
}
