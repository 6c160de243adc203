package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"snapsummary/internal/model"
)

type ChatSessionRepository struct {
	db *gorm.DB
}

func NewChatSessionRepository(db *gorm.DB) *ChatSessionRepository {
	return &ChatSessionRepository{db: db}
}

func (r *ChatSessionRepository) Create(ctx context.Context, session *model.ChatSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create chat session failed: %w", err)
	}
	return nil
}

func (r *ChatSessionRepository) ListByUserID(ctx context.Context, userID uint) ([]model.ChatSession, error) {
	var sessions []model.ChatSession
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list chat sessions failed: %w", err)
	}
	return sessions, nil
}

func (r *ChatSessionRepository) GetByIDAndUserID(ctx context.Context, sessionID, userID uint) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat session failed: %w", err)
	}
	return &session, nil
}

// DeleteWithMessages removes a session and its messages in one transaction.
func (r *ChatSessionRepository) DeleteWithMessages(ctx context.Context, sessionID, userID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.ChatMessage{}).Error; err != nil {
			return fmt.Errorf("delete chat messages failed: %w", err)
		}
		if err := tx.Where("id = ? AND user_id = ?", sessionID, userID).Delete(&model.ChatSession{}).Error; err != nil {
			return fmt.Errorf("delete chat session failed: %w", err)
		}
		return nil
	})
}

type ChatMessageRepository struct {
	db *gorm.DB
}

func NewChatMessageRepository(db *gorm.DB) *ChatMessageRepository {
	return &ChatMessageRepository{db: db}
}

func (r *ChatMessageRepository) Create(ctx context.Context, message *model.ChatMessage) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("create chat message failed: %w", err)
	}
	return nil
}

func (r *ChatMessageRepository) ListBySessionID(ctx context.Context, sessionID uint, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var messages []model.ChatMessage
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list chat messages failed: %w", err)
	}
	return messages, nil
}

// ListRecentBySessionID returns the last limit messages in chronological order.
func (r *ChatMessageRepository) ListRecentBySessionID(ctx context.Context, sessionID uint, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	var messages []model.ChatMessage
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent chat messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
