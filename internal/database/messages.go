package database

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/teampulse/pulse-ai/internal/memory"
)

// MessageStore keeps channel messages in the gorm database.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// ListRecent returns up to limit messages of a channel, newest first.
func (s *MessageStore) ListRecent(ctx context.Context, tenantID, channelID string, limit int) ([]memory.StoredMessage, error) {
	var rows []ChatMessage
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND channel_id = ?", tenantID, channelID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]memory.StoredMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, memory.StoredMessage{
			Role:        r.Role,
			Content:     r.Content,
			Kind:        r.Kind,
			Attachments: r.Attachments,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

// AppendMessage stores one message.
func (s *MessageStore) AppendMessage(ctx context.Context, tenantID, channelID string, msg memory.StoredMessage) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&ChatMessage{
		TenantID:    tenantID,
		ChannelID:   channelID,
		Role:        msg.Role,
		Kind:        msg.Kind,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		CreatedAt:   created,
	}).Error
}
