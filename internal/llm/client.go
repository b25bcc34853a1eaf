package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
)

// Message is one role-tagged prompt entry. Images carry data URLs for vision
// models; Name carries the platform user id for providers that accept it.
type Message struct {
	Role    string
	Content string
	Images  []string
	Name    string
}

// Delta is one element of the streamed response. FinishReason is "" until
// the final element, which carries "stop", a provider-specific stop code, or
// "error".
type Delta struct {
	Content      string
	FinishReason string
}

// Client streams chat completions from the configured OpenAI-compatible
// provider.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: tr},
		log:        log.With("component", "LLMClient"),
	}
}

// NewClientWithHTTPClient is intended for tests.
func NewClientWithHTTPClient(cfg *config.Config, httpClient *http.Client, log *logger.Logger) *Client {
	c := NewClient(cfg, log)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

// ModelSupportsImages reports whether the model id carries a vision tag.
func ModelSupportsImages(model string) bool {
	m := strings.ToLower(model)
	for _, tag := range config.VisionModelTags {
		if strings.Contains(m, tag) {
			return true
		}
	}
	return false
}

// ProviderSupportsUsernames reports whether the provider accepts per-message
// name fields.
func ProviderSupportsUsernames(provider string) bool {
	p := strings.ToLower(provider)
	for _, tag := range config.UsernameProviderTags {
		if strings.Contains(p, tag) {
			return true
		}
	}
	return false
}

// SystemMessage assembles the configured system prompt with date and
// username-format extras, or nil when no prompt is configured.
func (c *Client) SystemMessage(provider string) *Message {
	if strings.TrimSpace(c.cfg.SystemPrompt) == "" {
		return nil
	}
	parts := []string{
		c.cfg.SystemPrompt,
		fmt.Sprintf("Today's date: %s.", time.Now().Format("January 2 2006")),
	}
	if ProviderSupportsUsernames(provider) {
		parts = append(parts, "User's names are their IDs and should be typed as '<@ID>'.")
	}
	return &Message{Role: "system", Content: strings.Join(parts, "\n")}
}

type chatContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *chatImagePart `json:"image_url,omitempty"`
}

type chatImagePart struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
	Name    string `json:"name,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error any `json:"error,omitempty"`
}

// Generate requests a streamed completion and returns a lazy, finite,
// non-restartable delta sequence. All failures surface as a single terminal
// element ("Error generating response: <msg>", "error"); no error crosses
// this boundary any other way.
func (c *Client) Generate(ctx context.Context, messages []Message) <-chan Delta {
	out := make(chan Delta)
	go func() {
		defer close(out)
		if err := c.stream(ctx, messages, out); err != nil {
			c.log.Error("Error generating response", "error", err)
			select {
			case out <- Delta{Content: fmt.Sprintf("Error generating response: %v", err), FinishReason: "error"}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func (c *Client) stream(ctx context.Context, messages []Message, out chan<- Delta) error {
	provider, model, err := c.cfg.SplitModel()
	if err != nil {
		return err
	}
	pc, ok := c.cfg.Providers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}

	if sys := c.SystemMessage(provider); sys != nil {
		messages = append([]Message{*sys}, messages...)
	}

	body := map[string]any{
		"model":    model,
		"messages": toChatMessages(messages),
		"stream":   true,
	}
	for k, v := range c.cfg.ExtraAPIParameters {
		body[k] = v
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	url := strings.TrimRight(pc.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	apiKey := pc.APIKey
	if apiKey == "" {
		apiKey = "sk-no-key-required"
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("provider status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	done := false
	err = streamSSE(resp.Body, func(data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" || done {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.Error != nil {
			b, _ := json.Marshal(chunk.Error)
			return fmt.Errorf("provider stream error: %s", string(b))
		}
		if len(chunk.Choices) == 0 {
			return nil
		}

		choice := chunk.Choices[0]
		finish := ""
		if choice.FinishReason != nil {
			finish = *choice.FinishReason
		}
		select {
		case out <- Delta{Content: choice.Delta.Content, FinishReason: finish}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if finish != "" {
			done = true
		}
		return nil
	})
	return err
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		cm := chatMessage{Role: m.Role, Name: m.Name}
		if len(m.Images) == 0 {
			cm.Content = m.Content
		} else {
			parts := []chatContentPart{}
			if m.Content != "" {
				parts = append(parts, chatContentPart{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImagePart{URL: img}})
			}
			cm.Content = parts
		}
		out = append(out, cm)
	}
	return out
}
