package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"aun-builder/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrThreadNotFound is returned for unknown thread ids
var ErrThreadNotFound = errors.New("thread not found")

// DefaultHistoryLimit bounds how many stored turns are replayed to the model
const DefaultHistoryLimit = 100

// Memory stores agent threads and their messages
type Memory struct {
	db *gorm.DB

	mu   sync.Mutex
	last time.Time
}

func NewMemory(db *gorm.DB) *Memory {
	return &Memory{db: db}
}

// CreateThread creates the thread for an app. Creating an existing thread is a no-op.
func (m *Memory) CreateThread(ctx context.Context, id, resourceID, title string) (*models.ChatThread, error) {
	now := time.Now().UTC()
	thread := &models.ChatThread{
		ID:         id,
		ResourceID: resourceID,
		Title:      title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(thread).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread loads a thread
func (m *Memory) GetThread(ctx context.Context, id string) (*models.ChatThread, error) {
	var thread models.ChatThread
	err := m.db.WithContext(ctx).First(&thread, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return &thread, nil
}

// AppendMessage stores one turn and bumps the thread's updated_at
func (m *Memory) AppendMessage(ctx context.Context, threadID, messageID, role string, parts []models.MessagePart) (*models.ChatMessage, error) {
	if messageID == "" {
		messageID = uuid.New().String()
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message parts: %w", err)
	}

	now := m.nextTimestamp()
	msg := &models.ChatMessage{
		ID:        messageID,
		ThreadID:  threadID,
		Role:      role,
		Parts:     string(data),
		CreatedAt: now,
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ChatThread{}).Where("id = ?", threadID).Update("updated_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrThreadNotFound
		}
		return tx.Create(msg).Error
	})
	if errors.Is(err, ErrThreadNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// nextTimestamp returns strictly increasing microsecond timestamps so
// turns stored in quick succession keep their order
func (m *Memory) nextTimestamp() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

// History returns the last limit messages of a thread, oldest first
func (m *Memory) History(ctx context.Context, threadID string, limit int) ([]models.UIMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var rows []models.ChatMessage
	err := m.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	out := make([]models.UIMessage, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var parts []models.MessagePart
		if err := json.Unmarshal([]byte(rows[i].Parts), &parts); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", rows[i].ID, err)
		}
		out = append(out, models.UIMessage{ID: rows[i].ID, Role: rows[i].Role, Parts: parts})
	}
	return out, nil
}

// DeleteThread removes a thread and its messages
func (m *Memory) DeleteThread(ctx context.Context, id string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", id).Delete(&models.ChatMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.ChatThread{}).Error
	})
}
