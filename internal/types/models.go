package types

import "time"

// Conversation is one logical thread of exchanges with a user. At most one
// conversation per user is active at a time; creating a new one deactivates
// the previous.
type Conversation struct {
	ID        int64     `gorm:"column:conversation_id;primaryKey;autoIncrement" json:"conversation_id"`
	UserID    string    `gorm:"column:user_id;index;not null" json:"user_id"`
	GuildID   *string   `gorm:"column:guild_id" json:"guild_id,omitempty"`
	ChannelID string    `gorm:"column:channel_id;not null" json:"channel_id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
	IsActive  bool      `gorm:"column:is_active;index" json:"is_active"`
}

func (Conversation) TableName() string { return "conversations" }

// ChatMessage is one stored exchange entry inside a conversation.
type ChatMessage struct {
	ID               int64     `gorm:"column:message_id;primaryKey;autoIncrement" json:"message_id"`
	ConversationID   int64     `gorm:"column:conversation_id;index;not null" json:"conversation_id"`
	DiscordMessageID *string   `gorm:"column:discord_message_id" json:"discord_message_id,omitempty"`
	Role             string    `gorm:"column:role;not null" json:"role"`
	Content          string    `gorm:"column:content;not null" json:"content"`
	Timestamp        time.Time `gorm:"column:timestamp;index" json:"timestamp"`
	HasImages        bool      `gorm:"column:has_images" json:"has_images"`
}

func (ChatMessage) TableName() string { return "messages" }

// UserStats summarizes a user's stored usage.
type UserStats struct {
	TotalMessages      int64      `json:"total_messages"`
	TotalConversations int64      `json:"total_conversations"`
	FirstConversation  *time.Time `json:"first_conversation,omitempty"`
}
