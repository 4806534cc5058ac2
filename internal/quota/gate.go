// Package quota decides whether a user may attempt another provider call
// in the current billing period.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/clock"
	"github.com/vnmchuo/ai-metering/internal/events"
	"github.com/vnmchuo/ai-metering/internal/metrics"
	"github.com/vnmchuo/ai-metering/internal/tier"
)

var ErrQuotaExceeded = errors.New("limit reached")

// ExceededError is returned for hard-blocked calls. It unwraps to ErrQuotaExceeded.
type ExceededError struct {
	Result *Result
	Reason string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("limit reached: %s", e.Reason)
}

func (e *ExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// Result is computed per call and never stored.
type Result struct {
	UserID          string      `json:"user_id"`
	TierID          string      `json:"tier_id"`
	Policy          tier.Policy `json:"policy"`
	Allowance       int64       `json:"allowance"`
	CostCap         float64     `json:"cost_cap"`
	TokensUsed      int64       `json:"tokens_used"`
	CostUsed        float64     `json:"cost_used"`
	WithinAllowance bool        `json:"within_allowance"`
	// RemainingTokens is -1 when the allowance is unlimited or unknown.
	RemainingTokens int64     `json:"remaining_tokens"`
	UsagePercentage float64   `json:"usage_percentage"`
	HardBlocked     bool      `json:"hard_blocked"`
	Unlimited       bool      `json:"unlimited"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	// Degraded is set when a store failed and the check failed open.
	Degraded bool `json:"degraded"`
}

// Reason describes why the result is over allowance.
func (r *Result) Reason() string {
	if !r.Unlimited && r.TokensUsed >= r.Allowance {
		return fmt.Sprintf("monthly token allowance of %d exhausted (%.2f%% used)", r.Allowance, r.UsagePercentage)
	}
	if r.CostCap > 0 && r.CostUsed >= r.CostCap {
		return fmt.Sprintf("monthly cost cap of %.2f reached", r.CostCap)
	}
	return "within allowance"
}

type TierResolver interface {
	Resolve(ctx context.Context, userID string, now time.Time) (*tier.Resolution, error)
}

type UsageSummer interface {
	PeriodUsage(ctx context.Context, userID string, from, to time.Time) (int64, float64, error)
}

type Gate struct {
	resolver TierResolver
	usage    UsageSummer
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	events   events.Publisher
}

type Option func(*Gate)

func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.log = l.Named("quota.gate") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithEvents(p events.Publisher) Option {
	return func(g *Gate) { g.events = p }
}

func NewGate(resolver TierResolver, usage UsageSummer, opts ...Option) *Gate {
	g := &Gate{
		resolver: resolver,
		usage:    usage,
		clock:    clock.SystemClock{},
		log:      zap.NewNop(),
		events:   events.Discard{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckQuota is a pre-flight, advisory check. Store failures fail open with
// Degraded set; the only error returned is the caller's context error.
func (g *Gate) CheckQuota(ctx context.Context, userID string) (*Result, error) {
	now := g.clock.Now().UTC()

	res, err := g.resolver.Resolve(ctx, userID, now)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return g.degraded(userID, nil, "subscription_store", err), nil
	}

	used, cost, err := g.usage.PeriodUsage(ctx, userID, res.Period.Start, res.Period.End)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return g.degraded(userID, res, "usage_store", err), nil
	}

	r := Evaluate(res.Tier, used, cost)
	r.UserID = userID
	r.PeriodStart = res.Period.Start
	r.PeriodEnd = res.Period.End

	outcome := metrics.OutcomeAllowed
	switch {
	case r.HardBlocked:
		outcome = metrics.OutcomeBlocked
	case !r.WithinAllowance:
		outcome = metrics.OutcomeWarned
	}
	g.metrics.QuotaCheck(r.TierID, outcome)
	return r, nil
}

// Evaluate applies a tier to period totals. An allowance of 0 means unlimited
// tokens; the cost cap, when set, is enforced independently.
func Evaluate(t tier.SubscriptionTier, tokensUsed int64, costUsed float64) *Result {
	r := &Result{
		TierID:     t.ID,
		Policy:     t.OveragePolicy,
		Allowance:  t.MonthlyTokenAllowance,
		CostCap:    t.MonthlyCostCap,
		TokensUsed: tokensUsed,
		CostUsed:   costUsed,
		Unlimited:  t.MonthlyTokenAllowance == 0,
	}

	tokensOK := r.Unlimited || tokensUsed < r.Allowance
	costOK := r.CostCap == 0 || costUsed < r.CostCap
	r.WithinAllowance = tokensOK && costOK

	if r.Unlimited {
		r.RemainingTokens = -1
	} else {
		r.RemainingTokens = max(0, r.Allowance-tokensUsed)
		r.UsagePercentage = math.Round(float64(tokensUsed)/float64(r.Allowance)*100*100) / 100
	}

	r.HardBlocked = !r.WithinAllowance && r.Policy == tier.PolicyBlock
	return r
}

func (g *Gate) degraded(userID string, res *tier.Resolution, reason string, err error) *Result {
	r := &Result{
		UserID:          userID,
		WithinAllowance: true,
		RemainingTokens: -1,
		Degraded:        true,
	}
	if res != nil {
		r.TierID = res.Tier.ID
		r.Policy = res.Tier.OveragePolicy
		r.Allowance = res.Tier.MonthlyTokenAllowance
		r.CostCap = res.Tier.MonthlyCostCap
		r.Unlimited = res.Tier.MonthlyTokenAllowance == 0
		r.PeriodStart = res.Period.Start
		r.PeriodEnd = res.Period.End
	}

	g.log.Warn("quota check failed open",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	g.metrics.Degraded(reason)
	g.metrics.QuotaCheck(r.TierID, metrics.OutcomeDegraded)
	g.events.Emit(events.Event{
		Kind:   events.QuotaDegraded,
		At:     g.clock.Now(),
		UserID: userID,
		Fields: map[string]any{"reason": reason, "error": err.Error()},
	})
	return r
}
