package management

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/teampulse/pulse-ai/internal/database"
	"github.com/teampulse/pulse-ai/internal/usage"
)

type usageExportPayload struct {
	Version    int                      `json:"version"`
	ExportedAt time.Time                `json:"exported_at"`
	Usage      usage.StatisticsSnapshot `json:"usage"`
}

type usageImportPayload struct {
	Version int                      `json:"version"`
	Usage   usage.StatisticsSnapshot `json:"usage"`
}

func (h *Handler) snapshot(ctx context.Context) usage.StatisticsSnapshot {
	if h.db != nil {
		snap, err := usage.SnapshotFromDB(ctx, h.db)
		if err == nil {
			return snap
		}
		log.WithError(err).Warn("usage snapshot from database failed, using in-memory statistics")
	}
	return h.usageStats.Snapshot()
}

// GetUsageStatistics returns the request statistics snapshot.
func (h *Handler) GetUsageStatistics(c *gin.Context) {
	snapshot := h.snapshot(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"usage":           snapshot,
		"failed_requests": snapshot.FailureCount,
	})
}

// ExportUsageStatistics returns a complete usage snapshot for backup/migration.
func (h *Handler) ExportUsageStatistics(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", "attachment; filename=usage_export_"+time.Now().Format("20060102_150405")+".json")
	c.Status(http.StatusOK)

	if h.db != nil {
		exportUsageStreamFromDB(c.Request.Context(), h.db, c.Writer)
		return
	}

	_ = json.NewEncoder(c.Writer).Encode(usageExportPayload{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Usage:      h.usageStats.Snapshot(),
	})
}

// ImportUsageStatistics merges a previously exported snapshot.
func (h *Handler) ImportUsageStatistics(c *gin.Context) {
	if h.db == nil && h.usageStats == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "usage statistics unavailable"})
		return
	}

	var payload usageImportPayload
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil || payload.Version != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json or unsupported version"})
		return
	}

	if h.db != nil {
		added, err := importUsageSnapshotToDB(c.Request.Context(), h.db, payload.Usage)
		if err != nil {
			log.WithError(err).Error("usage import failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to import usage"})
			return
		}
		snapshot := h.snapshot(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"added":           added,
			"skipped":         int64(0),
			"total_requests":  snapshot.TotalRequests,
			"failed_requests": snapshot.FailureCount,
		})
		return
	}

	result := h.usageStats.MergeSnapshot(payload.Usage)
	snapshot := h.usageStats.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"added":           result.Added,
		"skipped":         result.Skipped,
		"total_requests":  snapshot.TotalRequests,
		"failed_requests": snapshot.FailureCount,
	})
}

// exportUsageStreamFromDB streams every usage record as an export payload
// without loading the table into memory. Rows are grouped by tenant then by
// provider/model.
func exportUsageStreamFromDB(ctx context.Context, db *gorm.DB, w io.Writer) {
	enc := json.NewEncoder(w)
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

	write := func(s string) { _, _ = io.WriteString(w, s) }
	write(`{"version":1,"exported_at":`)
	_ = enc.Encode(time.Now().UTC())
	if err != nil {
		write(`,"usage":{"total_requests":0,"success_count":0,"failure_count":0,"total_tokens":0,"tenants":{}}}`)
		return
	}

	write(`,"usage":{"total_requests":`)
	_ = enc.Encode(totals.Requests)
	write(`,"success_count":`)
	_ = enc.Encode(totals.Requests - totals.FailureCount)
	write(`,"failure_count":`)
	_ = enc.Encode(totals.FailureCount)
	write(`,"total_tokens":`)
	_ = enc.Encode(totals.TotalTokens)
	write(`,"total_cost":`)
	_ = enc.Encode(totals.TotalCost)
	write(`,"tenants":{`)

	rows, err := db.Model(&database.UsageRecord{}).
		Order("tenant_id ASC, provider ASC, model ASC, timestamp ASC").
		Rows()
	if err != nil {
		write(`}}}`)
		return
	}
	defer rows.Close()

	var (
		currentTenant = "\x00"
		currentModel  string
		firstTenant   = true
		firstModel    = true
		firstDetail   = true
		tenantReq     int64
		tenantTok     int64
		tenantCost    decimal.Decimal
		modelReq      int64
		modelTok      int64
		modelCost     decimal.Decimal
	)

	closeModel := func() {
		if firstModel {
			return
		}
		write(`],"total_requests":`)
		_ = enc.Encode(modelReq)
		write(`,"total_tokens":`)
		_ = enc.Encode(modelTok)
		write(`,"total_cost":`)
		_ = enc.Encode(modelCost)
		write(`}`)
	}
	closeTenant := func() {
		closeModel()
		if firstTenant {
			return
		}
		write(`},"total_requests":`)
		_ = enc.Encode(tenantReq)
		write(`,"total_tokens":`)
		_ = enc.Encode(tenantTok)
		write(`,"total_cost":`)
		_ = enc.Encode(tenantCost)
		write(`}`)
	}

	for rows.Next() {
		var r database.UsageRecord
		if err := db.ScanRows(rows, &r); err != nil {
			continue
		}
		tenant := r.TenantID
		if tenant == "" {
			tenant = "unknown"
		}
		model := usage.ModelKey(r.Provider, r.Model)

		if tenant != currentTenant {
			closeTenant()
			if !firstTenant {
				write(`,`)
			}
			firstTenant = false
			currentTenant = tenant
			currentModel = ""
			tenantReq, tenantTok, tenantCost = 0, 0, decimal.Zero
			firstModel = true
			_ = enc.Encode(tenant)
			write(`:{"models":{`)
		}
		if model != currentModel {
			closeModel()
			if !firstModel {
				write(`,`)
			}
			firstModel = false
			currentModel = model
			modelReq, modelTok, modelCost = 0, 0, decimal.Zero
			firstDetail = true
			_ = enc.Encode(model)
			write(`:{"details":[`)
		}
		if !firstDetail {
			write(`,`)
		}
		firstDetail = false

		if err := enc.Encode(usage.RequestDetail{
			Timestamp: r.Timestamp,
			UserID:    r.UserID,
			KeyIndex:  r.KeyIndex,
			Tokens: usage.TokenStats{
				InputTokens:  r.InputTokens,
				OutputTokens: r.OutputTokens,
				TotalTokens:  r.TotalTokens,
			},
			Cost:   r.Cost,
			Failed: r.Status == usage.StatusFailed,
		}); err != nil {
			break
		}

		modelReq++
		modelTok += r.TotalTokens
		modelCost = modelCost.Add(r.Cost)
		tenantReq++
		tenantTok += r.TotalTokens
		tenantCost = tenantCost.Add(r.Cost)
	}

	closeTenant()
	write(`}}}`)
}

func importUsageSnapshotToDB(ctx context.Context, db *gorm.DB, snapshot usage.StatisticsSnapshot) (int64, error) {
	var rows []database.UsageRecord
	for tenant, ts := range snapshot.Tenants {
		for modelKey, ms := range ts.Models {
			provider, model, ok := strings.Cut(modelKey, "/")
			if !ok {
				provider, model = "", modelKey
			}
			for _, detail := range ms.Details {
				status := usage.StatusSuccess
				if detail.Failed {
					status = usage.StatusFailed
				}
				rows = append(rows, usage.ToModel(usage.Record{
					TenantID:  tenant,
					UserID:    detail.UserID,
					Provider:  provider,
					Model:     model,
					KeyIndex:  detail.KeyIndex,
					Tokens:    detail.Tokens,
					Status:    status,
					Cost:      detail.Cost,
					Timestamp: detail.Timestamp,
				}))
			}
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// GetTrafficLogs returns paginated usage records from the database.
func (h *Handler) GetTrafficLogs(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusOK, gin.H{
			"logs":  []database.UsageRecord{},
			"total": 0,
			"page":  1,
			"size":  20,
			"error": "database not initialized",
		})
		return
	}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	size := 20
	if s, err := strconv.Atoi(c.Query("size")); err == nil && s > 0 && s <= 100 {
		size = s
	}

	query := h.db.WithContext(c.Request.Context()).Model(&database.UsageRecord{})
	for param, column := range map[string]string{
		"model":    "model",
		"status":   "status",
		"tenant":   "tenant_id",
		"provider": "provider",
	} {
		if v := strings.TrimSpace(c.Query(param)); v != "" {
			query = query.Where(column+" = ?", v)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count logs"})
		return
	}

	var logs []database.UsageRecord
	offset := (page - 1) * size
	if err := query.Order("timestamp DESC, id DESC").Limit(size).Offset(offset).Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"total": total,
		"page":  page,
		"size":  size,
	})
}
