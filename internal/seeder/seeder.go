package seeder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/auth"
	"github.com/vnmchuo/ai-metering/internal/tier"
)

const (
	TestAPIKey = "test-api-key-12345"
	TestUserID = "00000000-0000-0000-0000-000000000001"
	TestOrgID  = "00000000-0000-0000-0000-0000000000aa"
)

// TierWriter is satisfied by tier.PostgresStore.
type TierWriter interface {
	UpsertTier(ctx context.Context, t tier.SubscriptionTier) error
	UpsertSubscription(ctx context.Context, sub tier.UserSubscription) error
}

type Seeder struct {
	keys  auth.Store
	tiers TierWriter
	log   *zap.Logger
}

func New(keys auth.Store, tiers TierWriter, log *zap.Logger) *Seeder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Seeder{keys: keys, tiers: tiers, log: log.Named("seeder")}
}

// SeedTiers writes the tier reference set. Existing rows are overwritten.
func (s *Seeder) SeedTiers(ctx context.Context, tiers []tier.SubscriptionTier) error {
	for _, t := range tiers {
		if err := s.tiers.UpsertTier(ctx, t); err != nil {
			return fmt.Errorf("seed tier %s: %w", t.ID, err)
		}
	}
	s.log.Info("tiers seeded", zap.Int("count", len(tiers)))
	return nil
}

// SeedTestUser subscribes the test user to tierID, anchored at the start of
// the current month, and creates its API key. An existing key is skipped.
func (s *Seeder) SeedTestUser(ctx context.Context, tierID string, now time.Time) error {
	err := s.tiers.UpsertSubscription(ctx, tier.UserSubscription{
		UserID:        TestUserID,
		TierID:        tierID,
		RenewalAnchor: tier.MonthStart(now),
	})
	if err != nil {
		return fmt.Errorf("seed subscription: %w", err)
	}

	key := &auth.APIKey{
		UserID:    TestUserID,
		OrgID:     TestOrgID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		s.log.Info("api key may already exist, skipping", zap.Error(err))
		return nil
	}
	s.log.Info("test api key created",
		zap.String("key", TestAPIKey),
		zap.String("user_id", TestUserID),
		zap.String("tier", tierID),
	)
	return nil
}
