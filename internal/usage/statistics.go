package usage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// maxDetailsPerModel bounds the request details kept per tenant and model.
const maxDetailsPerModel = 1000

// StatisticsPlugin aggregates usage records in memory.
type StatisticsPlugin struct {
	stats   *RequestStatistics
	enabled atomic.Bool
}

// NewStatisticsPlugin wires a plugin to stats.
func NewStatisticsPlugin(stats *RequestStatistics) *StatisticsPlugin {
	p := &StatisticsPlugin{stats: stats}
	p.enabled.Store(true)
	return p
}

func (p *StatisticsPlugin) Name() string { return "statistics" }

// SetEnabled toggles aggregation.
func (p *StatisticsPlugin) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Enabled reports the current recording state.
func (p *StatisticsPlugin) Enabled() bool { return p.enabled.Load() }

func (p *StatisticsPlugin) HandleUsage(ctx context.Context, record Record) error {
	if p == nil || p.stats == nil || !p.enabled.Load() {
		return nil
	}
	p.stats.Record(ctx, record)
	return nil
}

// RequestStatistics maintains aggregated request metrics in memory.
type RequestStatistics struct {
	mu sync.RWMutex

	totalRequests int64
	successCount  int64
	failureCount  int64
	totalTokens   int64
	totalCost     decimal.Decimal

	tenants map[string]*tenantStats

	requestsByDay  map[string]int64
	requestsByHour map[int]int64
	tokensByDay    map[string]int64
	tokensByHour   map[int]int64
}

type tenantStats struct {
	TotalRequests int64
	TotalTokens   int64
	TotalCost     decimal.Decimal
	Models        map[string]*modelStats
}

type modelStats struct {
	TotalRequests int64
	TotalTokens   int64
	TotalCost     decimal.Decimal
	Details       []RequestDetail
}

// RequestDetail stores one request of a tenant and model.
type RequestDetail struct {
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"user_id,omitempty"`
	KeyIndex  int             `json:"key_index"`
	Tokens    TokenStats      `json:"tokens"`
	Cost      decimal.Decimal `json:"cost"`
	Failed    bool            `json:"failed"`
}

// TokenStats captures the token usage breakdown for a request.
type TokenStats struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

// StatisticsSnapshot is an immutable view of the aggregated metrics.
type StatisticsSnapshot struct {
	TotalRequests int64           `json:"total_requests"`
	SuccessCount  int64           `json:"success_count"`
	FailureCount  int64           `json:"failure_count"`
	TotalTokens   int64           `json:"total_tokens"`
	TotalCost     decimal.Decimal `json:"total_cost"`

	Tenants map[string]TenantSnapshot `json:"tenants"`

	RequestsByDay  map[string]int64 `json:"requests_by_day"`
	RequestsByHour map[string]int64 `json:"requests_by_hour"`
	TokensByDay    map[string]int64 `json:"tokens_by_day"`
	TokensByHour   map[string]int64 `json:"tokens_by_hour"`
}

// TenantSnapshot summarises one tenant. Models are keyed "provider/model".
type TenantSnapshot struct {
	TotalRequests int64                    `json:"total_requests"`
	TotalTokens   int64                    `json:"total_tokens"`
	TotalCost     decimal.Decimal          `json:"total_cost"`
	Models        map[string]ModelSnapshot `json:"models"`
}

// ModelSnapshot summarises one model of a tenant.
type ModelSnapshot struct {
	TotalRequests int64           `json:"total_requests"`
	TotalTokens   int64           `json:"total_tokens"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Details       []RequestDetail `json:"details"`
}

// MergeResult counts the details added and skipped by MergeSnapshot.
type MergeResult struct {
	Added   int64 `json:"added"`
	Skipped int64 `json:"skipped"`
}

// NewRequestStatistics constructs an empty statistics store.
func NewRequestStatistics() *RequestStatistics {
	return &RequestStatistics{
		tenants:        make(map[string]*tenantStats),
		requestsByDay:  make(map[string]int64),
		requestsByHour: make(map[int]int64),
		tokensByDay:    make(map[string]int64),
		tokensByHour:   make(map[int]int64),
	}
}

// ModelKey is the model key used in snapshots.
func ModelKey(provider, model string) string {
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	if provider == "" {
		return model
	}
	return provider + "/" + model
}

func tenantKey(tenantID string) string {
	if tenantID = strings.TrimSpace(tenantID); tenantID == "" {
		return "unknown"
	}
	return tenantID
}

// Record ingests a usage record and updates the aggregates.
func (s *RequestStatistics) Record(_ context.Context, record Record) {
	if s == nil {
		return
	}
	record = record.normalise()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(tenantKey(record.TenantID), ModelKey(record.Provider, record.Model), RequestDetail{
		Timestamp: record.Timestamp,
		UserID:    record.UserID,
		KeyIndex:  record.KeyIndex,
		Tokens:    record.Tokens,
		Cost:      record.Cost,
		Failed:    record.Failed(),
	})
}

func (s *RequestStatistics) add(tenant, model string, detail RequestDetail) {
	totalTokens := detail.Tokens.TotalTokens

	s.totalRequests++
	if detail.Failed {
		s.failureCount++
	} else {
		s.successCount++
	}
	s.totalTokens += totalTokens
	s.totalCost = s.totalCost.Add(detail.Cost)

	stats, ok := s.tenants[tenant]
	if !ok {
		stats = &tenantStats{Models: make(map[string]*modelStats)}
		s.tenants[tenant] = stats
	}
	stats.TotalRequests++
	stats.TotalTokens += totalTokens
	stats.TotalCost = stats.TotalCost.Add(detail.Cost)

	ms, ok := stats.Models[model]
	if !ok {
		ms = &modelStats{}
		stats.Models[model] = ms
	}
	ms.TotalRequests++
	ms.TotalTokens += totalTokens
	ms.TotalCost = ms.TotalCost.Add(detail.Cost)
	ms.Details = append(ms.Details, detail)
	if over := len(ms.Details) - maxDetailsPerModel; over > 0 {
		ms.Details = append(ms.Details[:0:0], ms.Details[over:]...)
	}

	dayKey := detail.Timestamp.Format("2006-01-02")
	hourKey := detail.Timestamp.Hour()
	s.requestsByDay[dayKey]++
	s.requestsByHour[hourKey]++
	s.tokensByDay[dayKey] += totalTokens
	s.tokensByHour[hourKey] += totalTokens
}

// Snapshot returns a copy of the in-memory aggregates.
func (s *RequestStatistics) Snapshot() StatisticsSnapshot {
	result := StatisticsSnapshot{
		Tenants:        map[string]TenantSnapshot{},
		RequestsByDay:  map[string]int64{},
		RequestsByHour: map[string]int64{},
		TokensByDay:    map[string]int64{},
		TokensByHour:   map[string]int64{},
	}
	if s == nil {
		return result
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result.TotalRequests = s.totalRequests
	result.SuccessCount = s.successCount
	result.FailureCount = s.failureCount
	result.TotalTokens = s.totalTokens
	result.TotalCost = s.totalCost

	for name, stats := range s.tenants {
		ts := TenantSnapshot{
			TotalRequests: stats.TotalRequests,
			TotalTokens:   stats.TotalTokens,
			TotalCost:     stats.TotalCost,
			Models:        make(map[string]ModelSnapshot, len(stats.Models)),
		}
		for model, ms := range stats.Models {
			details := make([]RequestDetail, len(ms.Details))
			copy(details, ms.Details)
			ts.Models[model] = ModelSnapshot{
				TotalRequests: ms.TotalRequests,
				TotalTokens:   ms.TotalTokens,
				TotalCost:     ms.TotalCost,
				Details:       details,
			}
		}
		result.Tenants[name] = ts
	}

	result.RequestsByDay = copyMap(s.requestsByDay)
	result.RequestsByHour = formatHourMap(s.requestsByHour)
	result.TokensByDay = copyMap(s.tokensByDay)
	result.TokensByHour = formatHourMap(s.tokensByHour)
	return result
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func formatHourMap(m map[int]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[formatHour(k)] = v
	}
	return out
}

// MergeSnapshot merges an exported snapshot into the store. Existing data is
// preserved and duplicate request details are skipped.
func (s *RequestStatistics) MergeSnapshot(snapshot StatisticsSnapshot) MergeResult {
	result := MergeResult{}
	if s == nil {
		return result
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for tenant, stats := range s.tenants {
		for model, ms := range stats.Models {
			for _, detail := range ms.Details {
				seen[dedupKey(tenant, model, detail)] = struct{}{}
			}
		}
	}

	for tenant, ts := range snapshot.Tenants {
		tenant = strings.TrimSpace(tenant)
		if tenant == "" {
			continue
		}
		for model, ms := range ts.Models {
			model = strings.TrimSpace(model)
			if model == "" {
				model = "unknown"
			}
			for _, detail := range ms.Details {
				detail.Tokens = normaliseTokenStats(clampTokens(detail.Tokens))
				if detail.Timestamp.IsZero() {
					detail.Timestamp = time.Now()
				}
				if detail.Cost.IsNegative() {
					detail.Cost = decimal.Zero
				}
				key := dedupKey(tenant, model, detail)
				if _, exists := seen[key]; exists {
					result.Skipped++
					continue
				}
				seen[key] = struct{}{}
				s.add(tenant, model, detail)
				result.Added++
			}
		}
	}
	return result
}

func dedupKey(tenant, model string, detail RequestDetail) string {
	tokens := normaliseTokenStats(detail.Tokens)
	return fmt.Sprintf(
		"%s|%s|%s|%s|%d|%t|%d|%d|%d|%d|%d",
		tenant,
		model,
		detail.Timestamp.UTC().Format(time.RFC3339Nano),
		detail.UserID,
		detail.KeyIndex,
		detail.Failed,
		tokens.InputTokens,
		tokens.OutputTokens,
		tokens.ReasoningTokens,
		tokens.CachedTokens,
		tokens.TotalTokens,
	)
}

func normaliseTokenStats(tokens TokenStats) TokenStats {
	if tokens.TotalTokens == 0 {
		tokens.TotalTokens = tokens.InputTokens + tokens.OutputTokens + tokens.ReasoningTokens
	}
	if tokens.TotalTokens == 0 {
		tokens.TotalTokens = tokens.InputTokens + tokens.OutputTokens + tokens.ReasoningTokens + tokens.CachedTokens
	}
	return tokens
}

func formatHour(hour int) string {
	if hour < 0 {
		hour = 0
	}
	return fmt.Sprintf("%02d", hour%24)
}
