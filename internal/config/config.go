package config

import "time"

// Fixed service constants. These mirror platform limits and provider
// capability tags rather than anything an operator should tune.
const (
	// StreamingIndicator is appended to in-progress response embeds.
	StreamingIndicator = " ⚪"

	// EmbedColorComplete / EmbedColorIncomplete color finished vs streaming
	// response embeds.
	EmbedColorComplete   = 0x006400
	EmbedColorIncomplete = 0xFFA500

	// EditDelay is the minimum spacing between edits to one in-flight
	// response message.
	EditDelay = 1 * time.Second

	// MaxNodes bounds the in-memory message node cache.
	MaxNodes = 100

	// PlainMaxMessageLength / EmbedMaxMessageLength are the platform's hard
	// content-length limits for plain messages and embed descriptions.
	PlainMaxMessageLength = 2000
	EmbedMaxMessageLength = 4096
)

// AllowedFileTypes is the attachment content-type allow-list. Anything else
// marks the message as carrying unsupported attachments.
var AllowedFileTypes = []string{"image", "text"}

// VisionModelTags mark models that accept image inputs, matched as lowercase
// substrings of the model id.
var VisionModelTags = []string{
	"gpt-4", "claude-3", "gemini", "gemma", "pixtral",
	"mistral-small", "llava", "vision", "vl",
}

// UsernameProviderTags mark providers that accept a per-message name field.
var UsernameProviderTags = []string{"openai", "x-ai"}

type Config struct {
	Env string `yaml:"env"`

	BotToken      string `yaml:"bot_token"`
	ClientID      string `yaml:"client_id"`
	StatusMessage string `yaml:"status_message"`

	MaxText     int `yaml:"max_text"`
	MaxImages   int `yaml:"max_images"`
	MaxMessages int `yaml:"max_messages"`

	UsePlainResponses bool `yaml:"use_plain_responses"`
	AllowDMs          bool `yaml:"allow_dms"`

	SystemPrompt string `yaml:"system_prompt"`

	// Model is "provider/model", e.g. "openai/gpt-4o".
	Model              string                    `yaml:"model"`
	Providers          map[string]ProviderConfig `yaml:"providers"`
	ExtraAPIParameters map[string]any            `yaml:"extra_api_parameters"`

	Permissions Permissions `yaml:"permissions"`

	DBPath   string `yaml:"db_path"`
	HTTPAddr string `yaml:"http_addr"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type Permissions struct {
	Users    IDList `yaml:"users"`
	Roles    IDList `yaml:"roles"`
	Channels IDList `yaml:"channels"`
}

type IDList struct {
	AllowedIDs []string `yaml:"allowed_ids"`
	BlockedIDs []string `yaml:"blocked_ids"`
}
