package config

import (
	"fmt"
	"time"

	"aun-builder/internal/logging"
	"aun-builder/internal/secrets"
	"aun-builder/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RotationResult tracks the outcome of a key rotation
type RotationResult struct {
	Total           int       `json:"total"`
	Migrated        int       `json:"migrated"`
	Failed          int       `json:"failed"`
	Errors          []string  `json:"errors,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// RotateTokenKey re-encrypts every stored Freestyle access token from oldKey
// to newKey. It runs in one transaction and rolls back when more than 10% of
// the rows fail.
func RotateTokenKey(db *gorm.DB, oldKeyBase64, newKeyBase64 string) (*RotationResult, error) {
	log := logging.L()
	result := &RotationResult{StartedAt: time.Now()}

	oldManager, err := secrets.NewManager(oldKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to init old key manager: %w", err)
	}
	newManager, err := secrets.NewManager(newKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to init new key manager: %w", err)
	}

	var members []models.AppUser
	if err := db.Find(&members).Error; err != nil {
		return nil, fmt.Errorf("failed to query app users: %w", err)
	}
	result.Total = len(members)
	log.Info("token key rotation started", zap.Int("total", result.Total))

	txErr := db.Transaction(func(tx *gorm.DB) error {
		for _, m := range members {
			plaintext, err := oldManager.Decrypt(m.UserID, m.FreestyleAccessToken)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("app %s user %s: decrypt failed: %v", m.AppID, m.UserID, err))
				result.Failed++
				continue
			}

			sealed, err := newManager.Encrypt(m.UserID, plaintext)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("app %s user %s: re-encrypt failed: %v", m.AppID, m.UserID, err))
				result.Failed++
				continue
			}

			if err := tx.Model(&models.AppUser{}).
				Where("app_id = ? AND user_id = ?", m.AppID, m.UserID).
				Update("freestyle_access_token", sealed).Error; err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("app %s user %s: update failed: %v", m.AppID, m.UserID, err))
				result.Failed++
				continue
			}
			result.Migrated++
		}

		if result.Total > 0 && float64(result.Failed)/float64(result.Total) > 0.1 {
			return fmt.Errorf("too many failures (%d/%d)", result.Failed, result.Total)
		}
		return nil
	})

	result.CompletedAt = time.Now()
	result.DurationSeconds = result.CompletedAt.Sub(result.StartedAt).Seconds()

	if txErr != nil {
		return result, fmt.Errorf("key rotation failed (transaction rolled back): %w", txErr)
	}

	log.Info("token key rotation complete",
		zap.Int("migrated", result.Migrated),
		zap.Int("failed", result.Failed),
		zap.Float64("seconds", result.DurationSeconds))
	return result, nil
}
