package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
	"github.com/yungbote/chatrelay-backend/internal/types"
)

// ConversationRepo stores conversation threads and their messages.
type ConversationRepo interface {
	// CreateConversation deactivates any active conversation for the user and
	// opens a new one, returning its id.
	CreateConversation(ctx context.Context, userID string, guildID *string, channelID string) (int64, error)
	AddMessage(ctx context.Context, conversationID int64, role, content string, discordMessageID *string, hasImages bool) error
	// GetActiveConversation returns the most recently updated active
	// conversation id for the user, or 0 when none exists.
	GetActiveConversation(ctx context.Context, userID string) (int64, error)
	// GetConversationMessages returns up to limit messages, oldest first.
	GetConversationMessages(ctx context.Context, conversationID int64, limit int) ([]types.ChatMessage, error)
	// ResetUserHistory marks all of the user's conversations inactive.
	ResetUserHistory(ctx context.Context, userID string) error
	GetUserStats(ctx context.Context, userID string) (types.UserStats, error)
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, baseLog *logger.Logger) ConversationRepo {
	return &conversationRepo{db: db, log: baseLog.With("repo", "ConversationRepo")}
}

func (r *conversationRepo) CreateConversation(ctx context.Context, userID string, guildID *string, channelID string) (int64, error) {
	now := time.Now()
	conv := types.Conversation{
		UserID:    userID,
		GuildID:   guildID,
		ChannelID: channelID,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.Conversation{}).
			Where("user_id = ? AND is_active = ?", userID, true).
			Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Create(&conv).Error
	})
	if err != nil {
		r.log.Error("Failed to create conversation", "user_id", userID, "error", err)
		return 0, err
	}
	return conv.ID, nil
}

func (r *conversationRepo) AddMessage(ctx context.Context, conversationID int64, role, content string, discordMessageID *string, hasImages bool) error {
	now := time.Now()
	msg := types.ChatMessage{
		ConversationID:   conversationID,
		DiscordMessageID: discordMessageID,
		Role:             role,
		Content:          content,
		Timestamp:        now,
		HasImages:        hasImages,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&types.Conversation{}).
			Where("conversation_id = ?", conversationID).
			Update("updated_at", now).Error
	})
	if err != nil {
		r.log.Error("Failed to add message", "conversation_id", conversationID, "error", err)
	}
	return err
}

func (r *conversationRepo) GetActiveConversation(ctx context.Context, userID string) (int64, error) {
	var conv types.Conversation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("updated_at DESC").
		First(&conv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		r.log.Error("Failed to get active conversation", "user_id", userID, "error", err)
		return 0, err
	}
	return conv.ID, nil
}

func (r *conversationRepo) GetConversationMessages(ctx context.Context, conversationID int64, limit int) ([]types.ChatMessage, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []types.ChatMessage
	if err := q.Find(&msgs).Error; err != nil {
		r.log.Error("Failed to get conversation messages", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	return msgs, nil
}

func (r *conversationRepo) ResetUserHistory(ctx context.Context, userID string) error {
	err := r.db.WithContext(ctx).Model(&types.Conversation{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now()}).Error
	if err != nil {
		r.log.Error("Failed to reset user history", "user_id", userID, "error", err)
	}
	return err
}

func (r *conversationRepo) GetUserStats(ctx context.Context, userID string) (types.UserStats, error) {
	var stats types.UserStats

	err := r.db.WithContext(ctx).Model(&types.ChatMessage{}).
		Joins("JOIN conversations c ON messages.conversation_id = c.conversation_id").
		Where("c.user_id = ?", userID).
		Count(&stats.TotalMessages).Error
	if err != nil {
		return stats, err
	}

	if err := r.db.WithContext(ctx).Model(&types.Conversation{}).
		Where("user_id = ?", userID).
		Count(&stats.TotalConversations).Error; err != nil {
		return stats, err
	}

	var first types.Conversation
	err = r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		First(&first).Error
	if err == nil {
		t := first.CreatedAt
		stats.FirstConversation = &t
	} else if err != gorm.ErrRecordNotFound {
		return stats, err
	}

	return stats, nil
}
