package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/pulse-ai/internal/keys"
)

func TestCostKnownModel(t *testing.T) {
	cost := DefaultPriceTable().Cost(keys.OpenAI, "gpt-4o", 1000, 500)
	assert.True(t, cost.InputCost.Equal(decimal.RequireFromString("0.0025")), cost.InputCost.String())
	assert.True(t, cost.OutputCost.Equal(decimal.RequireFromString("0.005")), cost.OutputCost.String())
	assert.True(t, cost.TotalCost.Equal(decimal.RequireFromString("0.0075")), cost.TotalCost.String())
	assert.Equal(t, "USD", cost.Currency)
}

func TestCostIsMonotone(t *testing.T) {
	table := DefaultPriceTable()
	counts := []int64{0, 1, 7, 999, 1000, 1001, 50000, 1234567}
	for _, model := range append(table.Models(), "unknown-model-xyz") {
		for _, provider := range keys.Providers {
			for i := 1; i < len(counts); i++ {
				lo := table.Cost(provider, model, counts[i-1], 100)
				hi := table.Cost(provider, model, counts[i], 100)
				assert.False(t, hi.TotalCost.LessThan(lo.TotalCost), "%s input %d", model, counts[i])

				lo = table.Cost(provider, model, 100, counts[i-1])
				hi = table.Cost(provider, model, 100, counts[i])
				assert.False(t, hi.TotalCost.LessThan(lo.TotalCost), "%s output %d", model, counts[i])
			}
		}
	}
}

func TestUnknownModelUsesFallbacks(t *testing.T) {
	table := DefaultPriceTable()

	_, rule := table.Lookup("", "unknown-model-xyz")
	assert.Equal(t, "default", rule)
	cost := table.Cost("", "unknown-model-xyz", 1200, 300)
	assert.True(t, cost.TotalCost.GreaterThan(decimal.Zero))

	_, rule = table.Lookup(keys.Anthropic, "unknown-model-xyz")
	assert.Equal(t, "provider", rule)

	_, rule = table.Lookup(keys.OpenAI, "gpt-4o-2024-08-06")
	assert.Equal(t, "prefix", rule)

	_, rule = table.Lookup(keys.Anthropic, "claude-sonnet-4-20250514")
	assert.Equal(t, "prefix", rule)

	zero := table.Cost(keys.OpenAI, "gpt-4o", -10, -5)
	assert.True(t, zero.TotalCost.IsZero())
}

func writePrices(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	writePrices(t, path, `
default: {input: 0.05, output: 0.1}
providers:
  claude: {input: 0.004, output: 0.02}
models:
  gpt-4o: {input: 1, output: 2}
`)
	table := DefaultPriceTable()
	require.NoError(t, table.Load(path))

	assert.True(t, table.Cost(keys.OpenAI, "gpt-4o", 1000, 1000).TotalCost.Equal(decimal.NewFromInt(3)))
	p, rule := table.Lookup(keys.Anthropic, "mystery")
	assert.Equal(t, "provider", rule)
	assert.True(t, p.Input.Equal(decimal.RequireFromString("0.004")))
	p, _ = table.Lookup("", "mystery")
	assert.True(t, p.Output.Equal(decimal.RequireFromString("0.1")))

	writePrices(t, path, "models: {gpt-4o: {input: -1, output: 0}}")
	assert.Error(t, table.Load(path))
	assert.True(t, table.Cost(keys.OpenAI, "gpt-4o", 1000, 0).TotalCost.Equal(decimal.NewFromInt(1)), "failed load must keep prices")
}

func TestWatchPricesReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	writePrices(t, path, "models: {gpt-4o: {input: 1, output: 1}}")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table := DefaultPriceTable()
	w, err := WatchPrices(ctx, table, path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	assert.True(t, table.Cost(keys.OpenAI, "gpt-4o", 1000, 0).TotalCost.Equal(decimal.NewFromInt(1)))

	writePrices(t, path, "models: {gpt-4o: {input: 5, output: 1}}")
	require.Eventually(t, func() bool {
		return table.Cost(keys.OpenAI, "gpt-4o", 1000, 0).TotalCost.Equal(decimal.NewFromInt(5))
	}, 5*time.Second, 20*time.Millisecond)
}
