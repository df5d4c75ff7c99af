package agents

import (
	"context"
	"testing"

	"aun-builder/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func textParts(text string) []models.MessagePart {
	return []models.MessagePart{{Type: models.PartText, Text: text}}
}

func TestCreateThreadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(openTestDB(t))

	_, err := mem.CreateThread(ctx, "app-1", "app-1", "first")
	require.NoError(t, err)
	_, err = mem.CreateThread(ctx, "app-1", "app-1", "second")
	require.NoError(t, err)

	thread, err := mem.GetThread(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "first", thread.Title)
	assert.Equal(t, "app-1", thread.ResourceID)

	_, err = mem.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestAppendMessageRequiresThread(t *testing.T) {
	mem := NewMemory(openTestDB(t))
	_, err := mem.AppendMessage(context.Background(), "missing", "", models.RoleUser, textParts("hi"))
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestHistoryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(openTestDB(t))
	_, err := mem.CreateThread(ctx, "app-1", "app-1", "")
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three", "four"} {
		_, err := mem.AppendMessage(ctx, "app-1", "id-"+text, models.RoleUser, textParts(text))
		require.NoError(t, err)
	}

	all, err := mem.History(ctx, "app-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "id-one", all[0].ID)
	assert.Equal(t, "four", all[3].Parts[0].Text)

	last, err := mem.History(ctx, "app-1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "three", last[0].Parts[0].Text)
	assert.Equal(t, "four", last[1].Parts[0].Text)
}

func TestDeleteThread(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mem := NewMemory(db)
	_, err := mem.CreateThread(ctx, "app-1", "app-1", "")
	require.NoError(t, err)
	_, err = mem.AppendMessage(ctx, "app-1", "", models.RoleUser, textParts("hi"))
	require.NoError(t, err)

	require.NoError(t, mem.DeleteThread(ctx, "app-1"))

	var count int64
	require.NoError(t, db.Model(&models.ChatMessage{}).Count(&count).Error)
	assert.Zero(t, count)
	_, err = mem.GetThread(ctx, "app-1")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}
