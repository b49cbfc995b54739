package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/teampulse/pulse-ai/internal/config"
	"github.com/teampulse/pulse-ai/internal/memory"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func TestOpenSQLiteInLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", LogDir: dir})
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&UsageRecord{}))
	assert.FileExists(t, filepath.Join(dir, defaultSQLiteFile))

	_, err = Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestMessageStoreNewestFirst(t *testing.T) {
	store := NewMessageStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	for i, content := range []string{"one", "two", "three"} {
		require.NoError(t, store.AppendMessage(ctx, "t1", "c1", memory.StoredMessage{
			Role:      memory.RoleUser,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.AppendMessage(ctx, "t1", "other", memory.StoredMessage{Role: memory.RoleUser, Content: "elsewhere"}))

	msgs, err := store.ListRecent(ctx, "t1", "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
}

func TestMessageStoreFeedsMemory(t *testing.T) {
	store := NewMessageStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		msg := memory.StoredMessage{Role: memory.RoleUser, Content: "m", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if i%2 == 1 {
			msg.Role = memory.RoleAssistant
		}
		if i == 29 {
			msg.Kind = "error"
		}
		require.NoError(t, store.AppendMessage(ctx, "t1", "c1", msg))
	}

	turns, err := memory.New(store).GetContext(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, turns, memory.MaxContextMessages)
	assert.True(t, turns[len(turns)-1].Timestamp.Equal(base.Add(28*time.Second)))
}
