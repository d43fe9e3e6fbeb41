package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"aichat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(message *model.Message) error {
	if err := r.db.Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// ListBySessionID returns the session's messages in insertion order.
// A non-zero beforeID bounds the listing to messages inserted strictly
// before that message, which is how regeneration truncates history.
func (r *MessageRepository) ListBySessionID(sessionID, beforeID uint) ([]model.Message, error) {
	query := r.db.Where("session_id = ?", sessionID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}

	var messages []model.Message
	if err := query.Order("id ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetByID(id uint) (*model.Message, error) {
	var message model.Message
	if err := r.db.First(&message, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &message, nil
}

// UpdateContent replaces a message's content and reasoning in place and
// refreshes its timestamp. Identity and position are preserved.
func (r *MessageRepository) UpdateContent(id uint, content, reasoning string) error {
	updates := map[string]interface{}{
		"content":    content,
		"reasoning":  reasoning,
		"created_at": time.Now(),
	}
	if err := r.db.Model(&model.Message{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) SetLiked(id uint, liked bool) error {
	if err := r.db.Model(&model.Message{}).Where("id = ?", id).Update("liked", liked).Error; err != nil {
		return fmt.Errorf("update message liked failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) DeleteBySessionID(sessionID uint) error {
	if err := r.db.Where("session_id = ?", sessionID).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages failed: %w", err)
	}
	return nil
}
