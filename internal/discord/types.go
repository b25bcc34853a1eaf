package discord

import "strings"

// Channel types, per the platform API.
const (
	ChannelTypeGuildText    = 0
	ChannelTypeDM           = 1
	ChannelTypePublicThread = 11
)

// Message types. Only default and reply messages participate in implicit
// conversation chains.
const (
	MessageTypeDefault = 0
	MessageTypeReply   = 19
)

// Message flags used when sending.
const (
	FlagSuppressEmbeds        = 1 << 2
	FlagSuppressNotifications = 1 << 12
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// Member carries the guild-scoped fields delivered alongside a message.
type Member struct {
	Roles []string `json:"roles"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Embed struct {
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// Reference points at the message this message replies to. Referenced is the
// resolved message when the platform delivered it inline; nil otherwise.
type Reference struct {
	MessageID  string   `json:"message_id,omitempty"`
	ChannelID  string   `json:"channel_id,omitempty"`
	GuildID    string   `json:"guild_id,omitempty"`
	Referenced *Message `json:"-"`
}

type Channel struct {
	ID       string `json:"id"`
	Type     int    `json:"type"`
	GuildID  string `json:"guild_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	// OwnerID is set for threads; the thread id doubles as the starter
	// message id in the parent channel.
	OwnerID string `json:"owner_id,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	Author      User         `json:"author"`
	Member      *Member      `json:"member,omitempty"`
	Content     string       `json:"content"`
	Type        int          `json:"type"`
	Attachments []Attachment `json:"attachments"`
	Embeds      []Embed      `json:"embeds"`
	Mentions    []User       `json:"mentions"`
	Reference   *Reference   `json:"message_reference,omitempty"`

	// Referenced mirrors the API's resolved reply payload.
	Referenced *Message `json:"referenced_message,omitempty"`
}

// MentionsUser reports whether the message content or mention list targets
// the given user id.
func (m *Message) MentionsUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u.ID == userID {
			return true
		}
	}
	return containsMentionTag(m.Content, userID)
}

func containsMentionTag(content, userID string) bool {
	return strings.Contains(content, "<@"+userID+">") ||
		strings.Contains(content, "<@!"+userID+">")
}
