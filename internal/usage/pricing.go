package usage

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/runtime/executor"
)

// Currency of every price in the table.
const Currency = "USD"

const costPlaces = 6

var thousand = decimal.NewFromInt(1000)

// Price holds USD rates per 1,000 tokens.
type Price struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// Cost is the priced result of one call.
type Cost struct {
	InputCost  decimal.Decimal `json:"input_cost"`
	OutputCost decimal.Decimal `json:"output_cost"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	Currency   string          `json:"currency"`
}

func price(input, output string) Price {
	return Price{Input: decimal.RequireFromString(input), Output: decimal.RequireFromString(output)}
}

var defaultModelPrices = map[string]Price{
	"gpt-5":             price("0.00125", "0.01"),
	"gpt-5-mini":        price("0.00025", "0.002"),
	"gpt-5-nano":        price("0.00005", "0.0004"),
	"gpt-4.1":           price("0.002", "0.008"),
	"gpt-4.1-mini":      price("0.0004", "0.0016"),
	"gpt-4o":            price("0.0025", "0.01"),
	"gpt-4o-mini":       price("0.00015", "0.0006"),
	"o3":                price("0.002", "0.008"),
	"o4-mini":           price("0.0011", "0.0044"),
	"claude-opus-4-1":   price("0.015", "0.075"),
	"claude-opus-4":     price("0.015", "0.075"),
	"claude-sonnet-4":   price("0.003", "0.015"),
	"claude-3-7-sonnet": price("0.003", "0.015"),
	"claude-3-5-sonnet": price("0.003", "0.015"),
	"claude-3-5-haiku":  price("0.0008", "0.004"),
}

var defaultProviderPrices = map[keys.Provider]Price{
	keys.OpenAI:    price("0.0025", "0.01"),
	keys.Anthropic: price("0.003", "0.015"),
}

// conservativePrice is charged when nothing else matches. It is the most
// expensive entry of the built-in table so gaps never under-report.
var conservativePrice = price("0.015", "0.075")

// PriceTable maps models to prices. It is safe for concurrent use and can be
// replaced at runtime by Load.
type PriceTable struct {
	mu        sync.RWMutex
	models    map[string]Price
	providers map[keys.Provider]Price
	fallback  Price
}

// DefaultPriceTable returns the built-in prices.
func DefaultPriceTable() *PriceTable {
	t := &PriceTable{}
	t.reset()
	return t
}

func (t *PriceTable) reset() {
	t.models = make(map[string]Price, len(defaultModelPrices))
	for k, v := range defaultModelPrices {
		t.models[k] = v
	}
	t.providers = make(map[keys.Provider]Price, len(defaultProviderPrices))
	for k, v := range defaultProviderPrices {
		t.providers[k] = v
	}
	t.fallback = conservativePrice
}

// Lookup resolves the price of model. The second value names the rule that
// matched: model, vendor, prefix, provider or default.
func (t *PriceTable) Lookup(provider keys.Provider, model string) (Price, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id := strings.ToLower(strings.TrimSpace(model))
	if p, ok := t.models[id]; ok {
		return p, "model"
	}
	if vendor := strings.ToLower(executor.VendorModel(id)); vendor != id {
		if p, ok := t.models[vendor]; ok {
			return p, "vendor"
		}
	}
	if p, ok := t.longestPrefix(id); ok {
		return p, "prefix"
	}
	if p, ok := t.providers[provider]; ok {
		return p, "provider"
	}
	return t.fallback, "default"
}

func (t *PriceTable) longestPrefix(id string) (Price, bool) {
	var (
		best  string
		found Price
	)
	for name, p := range t.models {
		if len(name) > len(best) && strings.HasPrefix(id, name) {
			best, found = name, p
		}
	}
	return found, best != ""
}

// Cost prices a call. Negative counts are treated as zero.
func (t *PriceTable) Cost(provider keys.Provider, model string, inputTokens, outputTokens int64) Cost {
	p, _ := t.Lookup(provider, model)
	in := perThousand(inputTokens, p.Input)
	out := perThousand(outputTokens, p.Output)
	return Cost{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  in.Add(out).Round(costPlaces),
		Currency:   Currency,
	}
}

func perThousand(tokens int64, rate decimal.Decimal) decimal.Decimal {
	if tokens <= 0 || rate.IsNegative() {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(rate).Div(thousand).Round(costPlaces)
}

type priceEntry struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

func (e priceEntry) price() Price {
	return Price{Input: decimal.NewFromFloat(e.Input), Output: decimal.NewFromFloat(e.Output)}
}

type priceFile struct {
	Default   *priceEntry           `yaml:"default"`
	Providers map[string]priceEntry `yaml:"providers"`
	Models    map[string]priceEntry `yaml:"models"`
}

// Load applies the overrides of a YAML price file on top of the built-in
// table. A failed load leaves the current table untouched.
func (t *PriceTable) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read price file: %w", err)
	}
	var file priceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse price file: %w", err)
	}

	next := DefaultPriceTable()
	for name, entry := range file.Models {
		if entry.Input < 0 || entry.Output < 0 {
			return fmt.Errorf("price file: negative rate for model %q", name)
		}
		next.models[strings.ToLower(strings.TrimSpace(name))] = entry.price()
	}
	for name, entry := range file.Providers {
		provider, err := keys.ParseProvider(name)
		if err != nil {
			return fmt.Errorf("price file: %w", err)
		}
		next.providers[provider] = entry.price()
	}
	if file.Default != nil {
		next.fallback = file.Default.price()
	}

	t.mu.Lock()
	t.models, t.providers, t.fallback = next.models, next.providers, next.fallback
	t.mu.Unlock()

	log.WithField("models", len(file.Models)).Infof("price table loaded from %s", path)
	return nil
}

// Models lists the ids that have an explicit price.
func (t *PriceTable) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.models))
	for name := range t.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
