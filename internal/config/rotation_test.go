package config

import (
	"encoding/base64"
	"testing"

	"aun-builder/internal/secrets"
	"aun-builder/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func rotationKey(seed byte) string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed * byte(i+3)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.App{}, &models.AppUser{}))
	return db
}

func TestRotateTokenKey(t *testing.T) {
	db := openTestDB(t)

	oldKey, newKey := rotationKey(3), rotationKey(5)
	oldManager, err := secrets.NewManager(oldKey)
	require.NoError(t, err)

	for _, userID := range []string{"u1", "u2"} {
		sealed, err := oldManager.Encrypt(userID, "token-"+userID)
		require.NoError(t, err)
		require.NoError(t, db.Create(&models.App{ID: "app-" + userID, Name: "app", GitRepo: "repo"}).Error)
		require.NoError(t, db.Create(&models.AppUser{
			AppID:                  "app-" + userID,
			UserID:                 userID,
			Permissions:            models.PermissionAdmin,
			FreestyleAccessToken:   sealed,
			FreestyleAccessTokenID: "tok-" + userID,
			FreestyleIdentity:      "ident-" + userID,
		}).Error)
	}

	result, err := RotateTokenKey(db, oldKey, newKey)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Migrated)
	assert.Zero(t, result.Failed)

	newManager, err := secrets.NewManager(newKey)
	require.NoError(t, err)

	var member models.AppUser
	require.NoError(t, db.First(&member, "user_id = ?", "u2").Error)
	plain, err := newManager.Decrypt("u2", member.FreestyleAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "token-u2", plain)
}

func TestRotateTokenKeyRollsBackOnFailures(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&models.App{ID: "app-1", Name: "app", GitRepo: "repo"}).Error)

	require.NoError(t, db.Create(&models.AppUser{
		AppID:                  "app-1",
		UserID:                 "u1",
		Permissions:            models.PermissionAdmin,
		FreestyleAccessToken:   "not-sealed",
		FreestyleAccessTokenID: "tok",
		FreestyleIdentity:      "ident",
	}).Error)

	result, err := RotateTokenKey(db, rotationKey(3), rotationKey(5))
	require.Error(t, err)
	assert.Equal(t, 1, result.Failed)
}
