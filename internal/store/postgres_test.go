package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/pulse-ai/internal/attachments"
	"github.com/teampulse/pulse-ai/internal/memory"
)

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("PULSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PULSE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pg, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(pg.Close)
	return pg
}

func TestPostgresRoundTrip(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()
	channel := fmt.Sprintf("test-%d", time.Now().UnixNano())
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, pg.AppendMessage(ctx, "t1", channel, memory.StoredMessage{
		Role: memory.RoleUser, Content: "first", CreatedAt: base,
	}))
	require.NoError(t, pg.AppendMessage(ctx, "t1", channel, memory.StoredMessage{
		Role:        memory.RoleAssistant,
		Content:     "second",
		Attachments: []attachments.Attachment{{Name: "a.png", ObjectKey: "k/a.png"}},
		CreatedAt:   base.Add(time.Second),
	}))

	msgs, err := pg.ListRecent(ctx, "t1", channel, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "k/a.png", msgs[0].Attachments[0].ObjectKey)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Empty(t, msgs[1].Attachments)
}
