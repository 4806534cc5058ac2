package pricing

import (
	"fmt"
	"sort"
	"strings"
)

// Rates are USD per one million tokens.
type Rates struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// DefaultModel is the model whose rates price unknown model ids.
const DefaultModel = "gpt-4o-mini"

// DefaultRates is the built-in table used when no catalog file is configured.
var DefaultRates = map[string]Rates{
	// OpenAI
	"gpt-4o":        {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":   {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4-turbo":   {InputPerMillion: 10.00, OutputPerMillion: 30.00},
	"gpt-4":         {InputPerMillion: 30.00, OutputPerMillion: 60.00},
	"gpt-3.5-turbo": {InputPerMillion: 0.50, OutputPerMillion: 1.50},
	"o1":            {InputPerMillion: 15.00, OutputPerMillion: 60.00},
	"o1-mini":       {InputPerMillion: 3.00, OutputPerMillion: 12.00},
	"o3-mini":       {InputPerMillion: 1.10, OutputPerMillion: 4.40},
	// Anthropic
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-3-opus":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-3-haiku":    {InputPerMillion: 0.25, OutputPerMillion: 1.25},
	"claude-sonnet-4":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-opus-4":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	// Google
	"gemini-1.5-pro":   {InputPerMillion: 1.25, OutputPerMillion: 5.00},
	"gemini-1.5-flash": {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"gemini-2.0-flash": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// Table maps model ids to rates. It is immutable after construction and safe
// for concurrent use.
type Table struct {
	rates        map[string]Rates
	prefixes     []string // registered ids, longest first
	defaultModel string
}

// NewTable copies rates and designates defaultModel as the fallback for
// unknown ids. defaultModel must be present in rates.
func NewTable(rates map[string]Rates, defaultModel string) (*Table, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("pricing table is empty")
	}
	t := &Table{
		rates:        make(map[string]Rates, len(rates)),
		defaultModel: strings.ToLower(defaultModel),
	}
	for model, r := range rates {
		if r.InputPerMillion < 0 || r.OutputPerMillion < 0 {
			return nil, fmt.Errorf("negative rate for model %q", model)
		}
		key := strings.ToLower(strings.TrimSpace(model))
		t.rates[key] = r
		t.prefixes = append(t.prefixes, key)
	}
	if _, ok := t.rates[t.defaultModel]; !ok {
		return nil, fmt.Errorf("default model %q has no rates", defaultModel)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t, nil
}

// MustDefaultTable returns the built-in table.
func MustDefaultTable() *Table {
	t, err := NewTable(DefaultRates, DefaultModel)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the rates for model. Dated variants such as
// "gpt-4o-mini-2024-07-18" match their longest registered prefix. When
// nothing matches, the default model's rates are returned with found=false.
func (t *Table) Lookup(model string) (Rates, bool) {
	key := strings.ToLower(strings.TrimSpace(model))
	if r, ok := t.rates[key]; ok {
		return r, true
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(key, p+"-") {
			return t.rates[p], true
		}
	}
	return t.rates[t.defaultModel], false
}

// DefaultModel reports the fallback model id.
func (t *Table) DefaultModel() string {
	return t.defaultModel
}

// Models lists the priced model ids in sorted order.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.rates))
	for m := range t.rates {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
