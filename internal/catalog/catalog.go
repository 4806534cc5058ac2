// Package catalog loads the pricing table and subscription tier reference set
// from an optional YAML file, falling back to built-in defaults.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/ai-metering/internal/pricing"
	"github.com/vnmchuo/ai-metering/internal/tier"
)

// DefaultTiers is the reference set used without a catalog file.
var DefaultTiers = []tier.SubscriptionTier{
	tier.DefaultTier,
	{ID: "pro", Name: "Pro", MonthlyTokenAllowance: 1_000_000, MonthlyCostCap: 50, OveragePolicy: tier.PolicyBlock},
	{ID: "team", Name: "Team", MonthlyTokenAllowance: 5_000_000, OveragePolicy: tier.PolicyWarn},
	{ID: "enterprise", Name: "Enterprise", OveragePolicy: tier.PolicyWarn},
}

type Catalog struct {
	DefaultModel string                   `yaml:"default_model"`
	Models       map[string]pricing.Rates `yaml:"models"`
	DefaultTier  string                   `yaml:"default_tier"`
	Tiers        []tier.SubscriptionTier  `yaml:"tiers"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	models := make(map[string]pricing.Rates, len(pricing.DefaultRates))
	for k, v := range pricing.DefaultRates {
		models[k] = v
	}
	return &Catalog{
		DefaultModel: pricing.DefaultModel,
		Models:       models,
		DefaultTier:  tier.DefaultTier.ID,
		Tiers:        append([]tier.SubscriptionTier(nil), DefaultTiers...),
	}
}

// Load reads path, or returns Default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog document. Model rates are merged over the built-in
// table; a tiers list, when present, replaces the built-in tiers.
func Parse(data []byte) (*Catalog, error) {
	var file Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := Default()
	for model, rates := range file.Models {
		c.Models[model] = rates
	}
	if file.DefaultModel != "" {
		c.DefaultModel = file.DefaultModel
	}
	if len(file.Tiers) > 0 {
		c.Tiers = file.Tiers
	}
	if file.DefaultTier != "" {
		c.DefaultTier = file.DefaultTier
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Validate() error {
	if _, err := c.PricingTable(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tier id %q", t.ID)
		}
		seen[t.ID] = true
	}
	if !seen[c.DefaultTier] {
		return fmt.Errorf("default tier %q is not defined", c.DefaultTier)
	}
	return nil
}

func (c *Catalog) PricingTable() (*pricing.Table, error) {
	return pricing.NewTable(c.Models, c.DefaultModel)
}

// Default returns the tier applied to users without a subscription.
func (c *Catalog) Default() tier.SubscriptionTier {
	for _, t := range c.Tiers {
		if t.ID == c.DefaultTier {
			return t
		}
	}
	return tier.DefaultTier
}
