package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/discord"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
	"github.com/yungbote/chatrelay-backend/internal/store"
)

// maxAttachmentBytes bounds what the extractor will pull over the network.
// Larger attachments count as unsupported.
const maxAttachmentBytes = 24 << 20

// Result is the extracted conversational content of one message.
type Result struct {
	Text              string
	Images            []store.ImageRef
	HasBadAttachments bool
}

// Extractor pulls text and image content out of platform messages:
// message body (bot mention stripped), embed descriptions, text-attachment
// bodies, and base64 data URLs for image attachments.
type Extractor struct {
	httpClient *http.Client
	log        *logger.Logger
}

func New(log *logger.Logger) *Extractor {
	return &Extractor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With("component", "Extractor"),
	}
}

// NewWithHTTPClient is intended for tests.
func NewWithHTTPClient(httpClient *http.Client, log *logger.Logger) *Extractor {
	e := New(log)
	if httpClient != nil {
		e.httpClient = httpClient
	}
	return e
}

// Extract builds the message's content. Attachment fetch failures degrade
// silently (the attachment is omitted, not flagged); unsupported types and
// oversized attachments set HasBadAttachments.
func (e *Extractor) Extract(ctx context.Context, msg *discord.Message, botUserID string) Result {
	var res Result

	textParts := []string{}
	if cleaned := stripBotMention(msg, botUserID); cleaned != "" {
		textParts = append(textParts, cleaned)
	}
	for _, embed := range msg.Embeds {
		if embed.Description != "" {
			textParts = append(textParts, embed.Description)
		}
	}

	goodCount := 0
	for _, att := range msg.Attachments {
		kind := attachmentKind(att)
		if kind == "" || att.Size > maxAttachmentBytes {
			continue
		}
		goodCount++

		switch kind {
		case "text":
			body, err := e.fetch(ctx, att.URL)
			if err != nil {
				e.log.Warn("Failed to fetch text attachment", "filename", att.Filename, "error", err)
				continue
			}
			textParts = append(textParts, string(body))
		case "image":
			body, err := e.fetch(ctx, att.URL)
			if err != nil {
				e.log.Warn("Failed to fetch image attachment", "filename", att.Filename, "error", err)
				continue
			}
			dataURL := fmt.Sprintf("data:%s;base64,%s", att.ContentType, base64.StdEncoding.EncodeToString(body))
			res.Images = append(res.Images, store.ImageRef{MIME: att.ContentType, DataURL: dataURL})
		}
	}

	res.Text = strings.Join(textParts, "\n")
	res.HasBadAttachments = len(msg.Attachments) > goodCount
	return res
}

// attachmentKind maps a content type onto the allow-list, or "" when the
// attachment is unsupported.
func attachmentKind(att discord.Attachment) string {
	ct := strings.ToLower(att.ContentType)
	if ct == "" {
		return ""
	}
	for _, kind := range config.AllowedFileTypes {
		if strings.Contains(ct, kind) {
			return kind
		}
	}
	return ""
}

func stripBotMention(msg *discord.Message, botUserID string) string {
	content := msg.Content
	if botUserID != "" {
		content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	}
	return strings.TrimSpace(content)
}

func (e *Extractor) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment fetch status=%d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
}
