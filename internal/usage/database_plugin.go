package usage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/teampulse/pulse-ai/internal/database"
)

// DatabasePlugin appends every record to the usage_records table.
type DatabasePlugin struct {
	db      *gorm.DB
	enabled atomic.Bool
}

func NewDatabasePlugin(db *gorm.DB) *DatabasePlugin {
	p := &DatabasePlugin{db: db}
	p.enabled.Store(true)
	return p
}

func (p *DatabasePlugin) Name() string { return "database" }

// SetEnabled toggles whether records are persisted.
func (p *DatabasePlugin) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

func (p *DatabasePlugin) HandleUsage(ctx context.Context, record Record) error {
	if p == nil || p.db == nil || !p.enabled.Load() {
		return nil
	}
	row := ToModel(record)
	return p.db.WithContext(ctx).Create(&row).Error
}

// ToModel converts a record into its database row.
func ToModel(record Record) database.UsageRecord {
	record = record.normalise()
	return database.UsageRecord{
		ID:             record.ID,
		Timestamp:      record.Timestamp,
		TenantID:       record.TenantID,
		UserID:         record.UserID,
		ChannelID:      record.ChannelID,
		Provider:       record.Provider,
		Model:          record.Model,
		KeyIndex:       record.KeyIndex,
		InputTokens:    record.Tokens.InputTokens,
		OutputTokens:   record.Tokens.OutputTokens,
		TotalTokens:    record.Tokens.TotalTokens,
		ResponseTimeMs: record.ResponseTime.Milliseconds(),
		Status:         record.Status,
		Cost:           record.Cost,
		Estimated:      record.Estimated,
		ErrorKind:      record.ErrorKind,
	}
}

// trendWindow bounds the rows scanned for the day and hour series.
const trendWindow = 30 * 24 * time.Hour

// SnapshotFromDB aggregates persisted usage records into a snapshot.
// Request details are left empty.
func SnapshotFromDB(ctx context.Context, db *gorm.DB) (StatisticsSnapshot, error) {
	result := StatisticsSnapshot{
		Tenants:        map[string]TenantSnapshot{},
		RequestsByDay:  map[string]int64{},
		RequestsByHour: map[string]int64{},
		TokensByDay:    map[string]int64{},
		TokensByHour:   map[string]int64{},
	}
	db = db.WithContext(ctx)

	var totals struct {
		Requests     int64
		FailureCount int64
		TotalTokens  int64
		TotalCost    decimal.Decimal
	}
	err := db.Model(&database.UsageRecord{}).
		Select("COUNT(*) AS requests, " +
			"COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failure_count, " +
			"COALESCE(SUM(total_tokens), 0) AS total_tokens, " +
			"COALESCE(SUM(cost), 0) AS total_cost").
		Scan(&totals).Error
	if err != nil {
		return result, err
	}
	result.TotalRequests = totals.Requests
	result.FailureCount = totals.FailureCount
	result.SuccessCount = totals.Requests - totals.FailureCount
	result.TotalTokens = totals.TotalTokens
	result.TotalCost = totals.TotalCost

	var groups []struct {
		TenantID    string
		Provider    string
		Model       string
		Requests    int64
		TotalTokens int64
		TotalCost   decimal.Decimal
	}
	err = db.Model(&database.UsageRecord{}).
		Select("tenant_id, provider, model, COUNT(*) AS requests, " +
			"COALESCE(SUM(total_tokens), 0) AS total_tokens, COALESCE(SUM(cost), 0) AS total_cost").
		Group("tenant_id, provider, model").
		Scan(&groups).Error
	if err != nil {
		return result, err
	}
	for _, g := range groups {
		name := tenantKey(g.TenantID)
		ts, ok := result.Tenants[name]
		if !ok {
			ts = TenantSnapshot{Models: map[string]ModelSnapshot{}}
		}
		ts.TotalRequests += g.Requests
		ts.TotalTokens += g.TotalTokens
		ts.TotalCost = ts.TotalCost.Add(g.TotalCost)
		ts.Models[ModelKey(g.Provider, g.Model)] = ModelSnapshot{
			TotalRequests: g.Requests,
			TotalTokens:   g.TotalTokens,
			TotalCost:     g.TotalCost,
			Details:       []RequestDetail{},
		}
		result.Tenants[name] = ts
	}

	// Bucketed in Go: date functions differ between SQLite and MySQL.
	rows, err := db.Model(&database.UsageRecord{}).
		Select("timestamp, total_tokens").
		Where("timestamp >= ?", time.Now().Add(-trendWindow)).
		Rows()
	if err != nil {
		return result, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ts     time.Time
			tokens int64
		)
		if err := rows.Scan(&ts, &tokens); err != nil {
			return result, err
		}
		day := ts.Format("2006-01-02")
		hour := formatHour(ts.Hour())
		result.RequestsByDay[day]++
		result.RequestsByHour[hour]++
		result.TokensByDay[day] += tokens
		result.TokensByHour[hour] += tokens
	}
	return result, rows.Err()
}
