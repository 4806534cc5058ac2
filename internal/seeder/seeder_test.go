package seeder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/ai-metering/internal/auth"
	"github.com/vnmchuo/ai-metering/internal/tier"
)

type fakeKeys struct {
	created []*auth.APIKey
	err     error
}

func (f *fakeKeys) GetByKey(context.Context, string) (*auth.APIKey, error) {
	return nil, auth.ErrKeyNotFound
}

func (f *fakeKeys) Create(_ context.Context, k *auth.APIKey) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, k)
	return nil
}

func (f *fakeKeys) Revoke(context.Context, string) error { return nil }

type fakeTiers struct {
	tiers []tier.SubscriptionTier
	subs  []tier.UserSubscription
	err   error
}

func (f *fakeTiers) UpsertTier(_ context.Context, t tier.SubscriptionTier) error {
	if f.err != nil {
		return f.err
	}
	f.tiers = append(f.tiers, t)
	return nil
}

func (f *fakeTiers) UpsertSubscription(_ context.Context, s tier.UserSubscription) error {
	if f.err != nil {
		return f.err
	}
	f.subs = append(f.subs, s)
	return nil
}

func TestSeedTiers(t *testing.T) {
	tiers := &fakeTiers{}
	s := New(&fakeKeys{}, tiers, nil)

	in := []tier.SubscriptionTier{tier.DefaultTier, {ID: "pro", OveragePolicy: tier.PolicyWarn}}
	require.NoError(t, s.SeedTiers(context.Background(), in))
	assert.Equal(t, in, tiers.tiers)

	tiers.err = errors.New("db down")
	assert.Error(t, s.SeedTiers(context.Background(), in))
}

func TestSeedTestUser(t *testing.T) {
	keys, tiers := &fakeKeys{}, &fakeTiers{}
	s := New(keys, tiers, nil)
	now := time.Date(2026, 3, 17, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.SeedTestUser(context.Background(), "pro", now))

	require.Len(t, tiers.subs, 1)
	assert.Equal(t, TestUserID, tiers.subs[0].UserID)
	assert.Equal(t, "pro", tiers.subs[0].TierID)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), tiers.subs[0].RenewalAnchor)

	require.Len(t, keys.created, 1)
	assert.Equal(t, auth.HashKey(TestAPIKey), keys.created[0].KeyHash)
	assert.Equal(t, TestOrgID, keys.created[0].OrgID)
	assert.True(t, keys.created[0].Active)
}

func TestSeedTestUser_ExistingKeyIsSkipped(t *testing.T) {
	s := New(&fakeKeys{err: errors.New("api key already exists")}, &fakeTiers{}, nil)
	assert.NoError(t, s.SeedTestUser(context.Background(), "free", time.Now()))
}

func TestSeedTestUser_SubscriptionFailure(t *testing.T) {
	keys := &fakeKeys{}
	s := New(keys, &fakeTiers{err: errors.New("db down")}, nil)

	assert.Error(t, s.SeedTestUser(context.Background(), "free", time.Now()))
	assert.Empty(t, keys.created)
}
