package pricing

// Calculator prices token usage against a Table.
type Calculator struct {
	table *Table
}

func NewCalculator(table *Table) *Calculator {
	return &Calculator{table: table}
}

// Cost returns the USD cost of a call. Unknown models are priced at the
// default model's rates; negative counts are treated as zero.
func (c *Calculator) Cost(model string, promptTokens, completionTokens int) float64 {
	rates, _ := c.table.Lookup(model)
	return float64(max(promptTokens, 0))/1_000_000*rates.InputPerMillion +
		float64(max(completionTokens, 0))/1_000_000*rates.OutputPerMillion
}
