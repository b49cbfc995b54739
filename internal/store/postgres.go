// Package store holds the PostgreSQL channel message store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teampulse/pulse-ai/internal/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   TEXT        NOT NULL,
	channel_id  TEXT        NOT NULL,
	role        TEXT        NOT NULL,
	kind        TEXT        NOT NULL DEFAULT '',
	content     TEXT        NOT NULL,
	attachments JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS chat_messages_channel_idx
	ON chat_messages (tenant_id, channel_id, created_at DESC);
`

// Postgres reads and writes channel messages.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate chat_messages: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// ListRecent returns up to limit messages of a channel, newest first.
func (p *Postgres) ListRecent(ctx context.Context, tenantID, channelID string, limit int) ([]memory.StoredMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT role, kind, content, attachments, created_at
		FROM chat_messages
		WHERE tenant_id = $1 AND channel_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, tenantID, channelID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.StoredMessage, error) {
		var (
			msg memory.StoredMessage
			raw []byte
		)
		if err := row.Scan(&msg.Role, &msg.Kind, &msg.Content, &raw, &msg.CreatedAt); err != nil {
			return msg, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &msg.Attachments); err != nil {
				return msg, fmt.Errorf("decode attachments: %w", err)
			}
		}
		return msg, nil
	})
}

// AppendMessage stores one message.
func (p *Postgres) AppendMessage(ctx context.Context, tenantID, channelID string, msg memory.StoredMessage) error {
	var raw []byte
	if len(msg.Attachments) > 0 {
		var err error
		if raw, err = json.Marshal(msg.Attachments); err != nil {
			return err
		}
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_messages (tenant_id, channel_id, role, kind, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tenantID, channelID, msg.Role, msg.Kind, msg.Content, raw, created)
	return err
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
