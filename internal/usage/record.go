// Package usage accounts for every AI call: it prices token counts, and fans
// usage records out to best-effort plugins such as the database log, the
// in-memory statistics and Prometheus.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Record is one AI call attempt.
type Record struct {
	ID           string
	TenantID     string
	UserID       string
	ChannelID    string
	Provider     string
	Model        string
	KeyIndex     int
	Tokens       TokenStats
	Estimated    bool
	ResponseTime time.Duration
	Status       string
	Cost         decimal.Decimal
	ErrorKind    string
	Timestamp    time.Time
}

// Failed reports whether the record describes a failed call.
func (r Record) Failed() bool { return r.Status == StatusFailed }

// normalise fills the id, timestamp and status, and clamps negative counts.
func (r Record) normalise() Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Status != StatusFailed {
		r.Status = StatusSuccess
	}
	if r.Model == "" {
		r.Model = "unknown"
	}
	r.Tokens = normaliseTokenStats(clampTokens(r.Tokens))
	if r.Cost.IsNegative() {
		r.Cost = decimal.Zero
	}
	return r
}

// Plugin receives usage records from a Sink worker. Errors are logged and
// otherwise ignored.
type Plugin interface {
	Name() string
	HandleUsage(ctx context.Context, record Record) error
}

// Sink accepts usage records without blocking the caller.
type Sink interface {
	Publish(record Record)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Publish(Record) {}

func clampTokens(t TokenStats) TokenStats {
	clamp := func(v int64) int64 {
		if v < 0 {
			return 0
		}
		return v
	}
	return TokenStats{
		InputTokens:     clamp(t.InputTokens),
		OutputTokens:    clamp(t.OutputTokens),
		ReasoningTokens: clamp(t.ReasoningTokens),
		CachedTokens:    clamp(t.CachedTokens),
		TotalTokens:     clamp(t.TotalTokens),
	}
}
