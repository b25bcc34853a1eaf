package llm

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
)

func nopLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func testConfig() *config.Config {
	return &config.Config{
		Model: "openai/gpt-4o",
		Providers: map[string]config.ProviderConfig{
			"openai": {BaseURL: "http://provider.test/v1", APIKey: "test-key"},
		},
	}
}

func sseResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func collect(ch <-chan Delta) []Delta {
	var out []Delta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestGenerateStreamsDeltas(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	var gotReq *http.Request
	client := NewClientWithHTTPClient(testConfig(), &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			gotReq = r
			return sseResponse(body), nil
		}),
	}, nopLogger())

	deltas := collect(client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}))

	if gotReq.URL.Path != "/v1/chat/completions" {
		t.Errorf("request path = %q", gotReq.URL.Path)
	}
	if got := gotReq.Header.Get("Authorization"); got != "Bearer test-key" {
		t.Errorf("authorization = %q", got)
	}

	if len(deltas) != 3 {
		t.Fatalf("got %d deltas, want 3", len(deltas))
	}
	text := ""
	for _, d := range deltas {
		text += d.Content
	}
	if text != "Hello" {
		t.Errorf("concatenated text = %q", text)
	}
	last := deltas[len(deltas)-1]
	if last.FinishReason != "stop" {
		t.Errorf("terminal finish reason = %q", last.FinishReason)
	}
	for _, d := range deltas[:len(deltas)-1] {
		if d.FinishReason != "" {
			t.Errorf("non-terminal delta carries finish reason %q", d.FinishReason)
		}
	}
}

func TestGenerateHTTPErrorBecomesTerminalDelta(t *testing.T) {
	client := NewClientWithHTTPClient(testConfig(), &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader(`{"error":"overloaded"}`)),
			}, nil
		}),
	}, nopLogger())

	deltas := collect(client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}))

	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	if deltas[0].FinishReason != "error" {
		t.Errorf("finish reason = %q, want error", deltas[0].FinishReason)
	}
	if !strings.HasPrefix(deltas[0].Content, "Error generating response:") {
		t.Errorf("content = %q", deltas[0].Content)
	}
}

func TestGenerateMidStreamErrorBecomesTerminalDelta(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
		``,
		`data: {"error":{"message":"rate limited"}}`,
		``,
	}, "\n")

	client := NewClientWithHTTPClient(testConfig(), &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return sseResponse(body), nil
		}),
	}, nopLogger())

	deltas := collect(client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}))

	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
	if deltas[0].Content != "partial" || deltas[0].FinishReason != "" {
		t.Errorf("first delta = %+v", deltas[0])
	}
	if deltas[1].FinishReason != "error" || !strings.Contains(deltas[1].Content, "rate limited") {
		t.Errorf("terminal delta = %+v", deltas[1])
	}
}

func TestModelSupportsImages(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"claude-3-5-sonnet", true},
		{"qwen2-vl-7b", true},
		{"llama-3-8b", false},
		{"mixtral-8x7b", false},
	}
	for _, tc := range cases {
		if got := ModelSupportsImages(tc.model); got != tc.want {
			t.Errorf("ModelSupportsImages(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestProviderSupportsUsernames(t *testing.T) {
	if !ProviderSupportsUsernames("openai") {
		t.Error("openai should accept usernames")
	}
	if ProviderSupportsUsernames("ollama") {
		t.Error("ollama should not accept usernames")
	}
}

func TestSystemMessage(t *testing.T) {
	cfg := testConfig()
	client := NewClientWithHTTPClient(cfg, nil, nopLogger())
	if client.SystemMessage("openai") != nil {
		t.Fatal("expected nil system message without a configured prompt")
	}

	cfg.SystemPrompt = "You are helpful."
	sys := client.SystemMessage("openai")
	if sys == nil || sys.Role != "system" {
		t.Fatalf("system message = %+v", sys)
	}
	if !strings.Contains(sys.Content, "You are helpful.") {
		t.Errorf("content missing prompt: %q", sys.Content)
	}
	if !strings.Contains(sys.Content, "Today's date:") {
		t.Errorf("content missing date: %q", sys.Content)
	}
	if !strings.Contains(sys.Content, "<@ID>") {
		t.Errorf("content missing username format hint: %q", sys.Content)
	}

	sysLocal := client.SystemMessage("ollama")
	if strings.Contains(sysLocal.Content, "<@ID>") {
		t.Error("username hint should be provider gated")
	}
}

func TestStreamSSEAccumulatesDataLines(t *testing.T) {
	body := "data: first\ndata: second\n\ndata: third\n"
	var events []string
	err := streamSSE(strings.NewReader(body), func(data string) error {
		events = append(events, data)
		return nil
	})
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0] != "first\nsecond" {
		t.Errorf("first event = %q", events[0])
	}
	if events[1] != "third" {
		t.Errorf("second event = %q", events[1])
	}
}
