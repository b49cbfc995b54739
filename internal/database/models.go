package database

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/teampulse/pulse-ai/internal/attachments"
)

// UsageRecord is one AI call attempt. Rows are append-only.
type UsageRecord struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	Timestamp      time.Time       `gorm:"index" json:"timestamp"`
	TenantID       string          `gorm:"size:64;index" json:"tenant_id"`
	UserID         string          `gorm:"size:64" json:"user_id"`
	ChannelID      string          `gorm:"size:64" json:"channel_id"`
	Provider       string          `gorm:"size:32;index" json:"provider"`
	Model          string          `gorm:"size:100;index" json:"model"`
	KeyIndex       int             `json:"key_index"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	TotalTokens    int64           `json:"total_tokens"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	Status         string          `gorm:"size:16;index" json:"status"`
	Cost           decimal.Decimal `gorm:"type:decimal(18,6)" json:"cost"`
	Estimated      bool            `json:"estimated"`
	ErrorKind      string          `gorm:"size:32" json:"error_kind,omitempty"`
}

// ChatMessage is the message table used when no PostgreSQL store is
// configured.
type ChatMessage struct {
	ID          uint                     `gorm:"primaryKey" json:"id"`
	TenantID    string                   `gorm:"size:64;index:idx_chat_channel,priority:1" json:"tenant_id"`
	ChannelID   string                   `gorm:"size:64;index:idx_chat_channel,priority:2" json:"channel_id"`
	Role        string                   `gorm:"size:16" json:"role"`
	Kind        string                   `gorm:"size:16" json:"kind,omitempty"`
	Content     string                   `gorm:"type:text" json:"content"`
	Attachments []attachments.Attachment `gorm:"serializer:json" json:"attachments,omitempty"`
	CreatedAt   time.Time                `gorm:"index:idx_chat_channel,priority:3" json:"created_at"`
}
