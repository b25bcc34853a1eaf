package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultAPIBase = "https://discord.com/api/v10"

// RESTClient implements API against the platform's HTTP API.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewRESTClient(token string) *RESTClient {
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
	return &RESTClient{
		baseURL:    defaultAPIBase,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Transport: tr},
	}
}

// NewRESTClientWithHTTPClient is intended for tests; it avoids network access
// by using a custom RoundTripper.
func NewRESTClientWithHTTPClient(token, baseURL string, httpClient *http.Client) *RESTClient {
	c := NewRESTClient(token)
	if strings.TrimSpace(baseURL) != "" {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

func (c *RESTClient) FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	var msg Message
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) FetchChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.doJSON(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *RESTClient) ChannelHistory(ctx context.Context, channelID, beforeID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 1
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	var msgs []*Message
	path := fmt.Sprintf("/channels/%s/messages?%s", channelID, q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type createMessagePayload struct {
	Content   string            `json:"content,omitempty"`
	Embeds    []Embed           `json:"embeds,omitempty"`
	Flags     int               `json:"flags,omitempty"`
	Reference *messageReference `json:"message_reference,omitempty"`
}

type messageReference struct {
	MessageID string `json:"message_id"`
	// Replying to a deleted message must not fail the send.
	FailIfNotExists bool `json:"fail_if_not_exists"`
}

func (c *RESTClient) Reply(ctx context.Context, to *Message, content string, opts SendOptions) (*Message, error) {
	payload := buildPayload(content, opts)
	payload.Reference = &messageReference{MessageID: to.ID}

	var msg Message
	path := fmt.Sprintf("/channels/%s/messages", to.ChannelID)
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) Edit(ctx context.Context, channelID, messageID, content string, opts SendOptions) (*Message, error) {
	payload := buildPayload(content, opts)

	var msg Message
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	if err := c.doJSON(ctx, http.MethodPatch, path, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func buildPayload(content string, opts SendOptions) *createMessagePayload {
	p := &createMessagePayload{}
	if opts.Embed != nil {
		p.Embeds = []Embed{*opts.Embed}
	} else {
		p.Content = content
	}
	if opts.Silent {
		p.Flags |= FlagSuppressNotifications
	}
	if opts.SuppressEmbeds {
		p.Flags |= FlagSuppressEmbeds
	}
	return p
}

func (c *RESTClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
