package chain

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/discord"
	"github.com/yungbote/chatrelay-backend/internal/extract"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
	"github.com/yungbote/chatrelay-backend/internal/store"
	"github.com/yungbote/chatrelay-backend/internal/types"
)

const botID = "bot1"

func nopLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

type fakeAPI struct {
	fetchMessage   func(channelID, messageID string) (*discord.Message, error)
	fetchChannel   func(channelID string) (*discord.Channel, error)
	channelHistory func(channelID, beforeID string, limit int) ([]*discord.Message, error)
}

func (f *fakeAPI) FetchMessage(_ context.Context, channelID, messageID string) (*discord.Message, error) {
	if f.fetchMessage == nil {
		return nil, errors.New("unexpected FetchMessage")
	}
	return f.fetchMessage(channelID, messageID)
}

func (f *fakeAPI) FetchChannel(_ context.Context, channelID string) (*discord.Channel, error) {
	if f.fetchChannel == nil {
		return nil, errors.New("unexpected FetchChannel")
	}
	return f.fetchChannel(channelID)
}

func (f *fakeAPI) ChannelHistory(_ context.Context, channelID, beforeID string, limit int) ([]*discord.Message, error) {
	if f.channelHistory == nil {
		return nil, nil
	}
	return f.channelHistory(channelID, beforeID, limit)
}

func (f *fakeAPI) Reply(_ context.Context, _ *discord.Message, _ string, _ discord.SendOptions) (*discord.Message, error) {
	return nil, errors.New("unexpected Reply")
}

func (f *fakeAPI) Edit(_ context.Context, _, _, _ string, _ discord.SendOptions) (*discord.Message, error) {
	return nil, errors.New("unexpected Edit")
}

type fakeRepo struct {
	activeID int64
	stored   []types.ChatMessage

	created  int
	addedIDs []int64
}

func (f *fakeRepo) CreateConversation(_ context.Context, _ string, _ *string, _ string) (int64, error) {
	f.created++
	return 99, nil
}

func (f *fakeRepo) AddMessage(_ context.Context, conversationID int64, _, _ string, _ *string, _ bool) error {
	f.addedIDs = append(f.addedIDs, conversationID)
	return nil
}

func (f *fakeRepo) GetActiveConversation(_ context.Context, _ string) (int64, error) {
	return f.activeID, nil
}

func (f *fakeRepo) GetConversationMessages(_ context.Context, _ int64, limit int) ([]types.ChatMessage, error) {
	if limit < len(f.stored) {
		return f.stored[:limit], nil
	}
	return f.stored, nil
}

func (f *fakeRepo) ResetUserHistory(_ context.Context, _ string) error { return nil }

func (f *fakeRepo) GetUserStats(_ context.Context, _ string) (types.UserStats, error) {
	return types.UserStats{}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Model:       "openai/gpt-4o",
		MaxText:     100_000,
		MaxImages:   5,
		MaxMessages: 25,
		Providers:   map[string]config.ProviderConfig{"openai": {BaseURL: "http://localhost"}},
	}
}

func newTestWalker(api discord.API, repo *fakeRepo, cfg *config.Config) (*Walker, *store.NodeCache) {
	log := nopLogger()
	cache := store.NewNodeCache(100, log)
	return NewWalker(api, cache, extract.New(log), repo, cfg, log), cache
}

// guildText answers every channel fetch with a plain guild text channel.
func guildText(channelID string) (*discord.Channel, error) {
	return &discord.Channel{ID: channelID, Type: discord.ChannelTypeGuildText, GuildID: "g1"}, nil
}

func userMsg(id, content string) *discord.Message {
	return &discord.Message{
		ID:        id,
		ChannelID: "c1",
		GuildID:   "g1",
		Author:    discord.User{ID: "u1", Username: "alice"},
		Content:   content,
		Type:      discord.MessageTypeDefault,
	}
}

func botMsg(id, content string) *discord.Message {
	return &discord.Message{
		ID:        id,
		ChannelID: "c1",
		GuildID:   "g1",
		Author:    discord.User{ID: botID, Bot: true},
		Content:   content,
		Type:      discord.MessageTypeReply,
	}
}

func replyTo(msg, parent *discord.Message) *discord.Message {
	msg.Reference = &discord.Reference{MessageID: parent.ID, ChannelID: parent.ChannelID}
	msg.Referenced = parent
	msg.Type = discord.MessageTypeReply
	return msg
}

func TestBuildReplyChainOldestFirst(t *testing.T) {
	root := userMsg("q", "<@"+botID+"> What is Go?")
	answer := replyTo(botMsg("p", "A language."), root)
	leaf := replyTo(userMsg("l", "<@"+botID+"> and then?"), answer)

	api := &fakeAPI{fetchChannel: guildText}
	repo := &fakeRepo{}
	walker, _ := newTestWalker(api, repo, testConfig())

	messages, warnings, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !warnings.Empty() {
		t.Fatalf("unexpected warnings: %v", warnings.Sorted())
	}

	wantRoles := []string{"user", "assistant", "user"}
	wantContents := []string{"What is Go?", "A language.", "and then?"}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for i, m := range messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
		if m.Content != wantContents[i] {
			t.Errorf("message %d content = %q, want %q", i, m.Content, wantContents[i])
		}
	}
	if messages[0].Name != "u1" {
		t.Errorf("user message name = %q, want author id", messages[0].Name)
	}
	if messages[1].Name != "" {
		t.Errorf("assistant message carries name %q", messages[1].Name)
	}

	// Only the newest message is appended to the store; the rest of the chain
	// was persisted by earlier cycles.
	if len(repo.addedIDs) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(repo.addedIDs))
	}
}

func TestBuildStopsAtMaxMessages(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessages = 2

	root := userMsg("m0", "zero")
	prev := root
	var leaf *discord.Message
	for i := 1; i <= 3; i++ {
		leaf = replyTo(userMsg(fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i)), prev)
		prev = leaf
	}

	api := &fakeAPI{fetchChannel: guildText}
	walker, _ := newTestWalker(api, &fakeRepo{activeID: 1}, cfg)

	messages, warnings, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Content != "msg 2" || messages[1].Content != "msg 3" {
		t.Fatalf("kept wrong tail: %q, %q", messages[0].Content, messages[1].Content)
	}
	want := []string{"⚠️ Only using last 2 messages"}
	if got := warnings.Sorted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("warnings = %v, want %v", got, want)
	}
}

func TestBuildParentFetchFailure(t *testing.T) {
	// Deleted-message and transient platform errors both break the chain.
	for _, status := range []int{404, 500} {
		leaf := userMsg("l", "hello")
		leaf.Reference = &discord.Reference{MessageID: "gone"}

		api := &fakeAPI{
			fetchChannel: guildText,
			fetchMessage: func(_, _ string) (*discord.Message, error) {
				return nil, &discord.HTTPError{StatusCode: status, Body: "nope"}
			},
		}
		walker, _ := newTestWalker(api, &fakeRepo{activeID: 1}, testConfig())

		messages, warnings, err := walker.Build(context.Background(), leaf, botID)
		if err != nil {
			t.Fatalf("status %d: Build: %v", status, err)
		}
		if len(messages) != 1 {
			t.Fatalf("status %d: got %d messages, want 1", status, len(messages))
		}
		want := []string{"⚠️ Only using last 1 message"}
		if got := warnings.Sorted(); !reflect.DeepEqual(got, want) {
			t.Fatalf("status %d: warnings = %v, want %v", status, got, want)
		}
	}
}

func TestBuildRefetchesEvictedParent(t *testing.T) {
	parent := userMsg("old", "evicted content")
	leaf := userMsg("l", "current")

	fetched := 0
	api := &fakeAPI{
		fetchChannel: guildText,
		fetchMessage: func(channelID, messageID string) (*discord.Message, error) {
			if channelID != "c1" || messageID != "old" {
				return nil, &discord.HTTPError{StatusCode: 404}
			}
			fetched++
			return parent, nil
		},
	}
	walker, cache := newTestWalker(api, &fakeRepo{activeID: 1}, testConfig())

	// A prior walk populated the leaf and recorded only its parent's location;
	// the parent node itself has since been evicted.
	leafNode := cache.Get("l")
	leafNode.SetText("current")
	leafNode.Role = store.RoleUser
	leafNode.AuthorID = "u1"
	leafNode.Parent = &store.ParentRef{ChannelID: "c1", MessageID: "old"}

	messages, _, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if fetched == 0 {
		t.Fatal("parent was never fetched")
	}
	if len(messages) != 2 || messages[0].Content != "evicted content" {
		t.Fatalf("unexpected prompt: %+v", messages)
	}
}

func TestBuildThreadStarterParent(t *testing.T) {
	// The thread id doubles as the starter message id in the parent channel.
	starter := userMsg("t1", "thread topic")
	starter.ChannelID = "chan0"
	leaf := userMsg("m1", "inside thread")
	leaf.ChannelID = "t1"

	api := &fakeAPI{
		fetchChannel: func(channelID string) (*discord.Channel, error) {
			if channelID == "t1" {
				return &discord.Channel{ID: "t1", Type: discord.ChannelTypePublicThread, GuildID: "g1", ParentID: "chan0"}, nil
			}
			return guildText(channelID)
		},
		fetchMessage: func(channelID, messageID string) (*discord.Message, error) {
			if channelID == "chan0" && messageID == "t1" {
				return starter, nil
			}
			return nil, &discord.HTTPError{StatusCode: 404}
		},
	}
	walker, _ := newTestWalker(api, &fakeRepo{activeID: 1}, testConfig())

	messages, warnings, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !warnings.Empty() {
		t.Fatalf("unexpected warnings: %v", warnings.Sorted())
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Content != "thread topic" || messages[1].Content != "inside thread" {
		t.Fatalf("prompt out of order: %q, %q", messages[0].Content, messages[1].Content)
	}
}

func TestBuildThreadStarterFetchFailureBreaksChain(t *testing.T) {
	leaf := userMsg("m1", "inside thread")
	leaf.ChannelID = "t1"

	api := &fakeAPI{
		fetchChannel: func(channelID string) (*discord.Channel, error) {
			return &discord.Channel{ID: "t1", Type: discord.ChannelTypePublicThread, GuildID: "g1", ParentID: "chan0"}, nil
		},
		fetchMessage: func(_, _ string) (*discord.Message, error) {
			return nil, &discord.HTTPError{StatusCode: 404, Body: "unknown message"}
		},
	}
	walker, _ := newTestWalker(api, &fakeRepo{activeID: 1}, testConfig())

	messages, warnings, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	want := []string{"⚠️ Only using last 1 message"}
	if got := warnings.Sorted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("warnings = %v, want %v", got, want)
	}
}

func TestBuildImplicitContinuationInDM(t *testing.T) {
	prev := botMsg("b1", "earlier answer")
	prev.ChannelID = "dm1"
	leaf := userMsg("l", "follow up")
	leaf.ChannelID = "dm1"
	leaf.GuildID = ""

	api := &fakeAPI{
		fetchChannel: func(channelID string) (*discord.Channel, error) {
			return &discord.Channel{ID: channelID, Type: discord.ChannelTypeDM}, nil
		},
		channelHistory: func(_, beforeID string, limit int) ([]*discord.Message, error) {
			if limit != 1 {
				return nil, fmt.Errorf("unexpected history limit %d", limit)
			}
			if beforeID == "l" {
				return []*discord.Message{prev}, nil
			}
			return nil, nil
		},
	}
	walker, _ := newTestWalker(api, &fakeRepo{activeID: 1}, testConfig())

	messages, _, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != "assistant" || messages[0].Content != "earlier answer" {
		t.Fatalf("implicit parent not included: %+v", messages[0])
	}
}

func TestBuildTruncatesLongText(t *testing.T) {
	cfg := testConfig()
	cfg.MaxText = 10

	leaf := userMsg("l", strings.Repeat("x", 25))
	api := &fakeAPI{fetchChannel: guildText}
	walker, _ := newTestWalker(api, &fakeRepo{activeID: 1}, cfg)

	messages, warnings, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := messages[len(messages)-1].Content; got != strings.Repeat("x", 10) {
		t.Fatalf("content = %q, want 10 runes", got)
	}
	found := false
	for _, w := range warnings.Sorted() {
		if w == "⚠️ Max 10 characters per message" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing truncation warning, got %v", warnings.Sorted())
	}
}

func TestBuildMentionWithoutReplyStartsFreshConversation(t *testing.T) {
	leaf := userMsg("l", "<@"+botID+"> new topic")

	repo := &fakeRepo{
		activeID: 7,
		stored:   []types.ChatMessage{{Role: "user", Content: "old line"}},
	}
	api := &fakeAPI{fetchChannel: guildText}
	walker, _ := newTestWalker(api, repo, testConfig())

	messages, warnings, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if repo.created != 1 {
		t.Fatalf("CreateConversation called %d times, want 1", repo.created)
	}
	for _, m := range messages {
		if m.Role == "system" {
			t.Fatal("fresh conversation must not include stored history")
		}
	}
	if !warnings.Empty() {
		t.Fatalf("unexpected warnings: %v", warnings.Sorted())
	}
	for _, id := range repo.addedIDs {
		if id != 99 {
			t.Fatalf("message persisted to conversation %d, want the fresh one", id)
		}
	}
}

func TestBuildBlendsStoredHistory(t *testing.T) {
	parent := botMsg("p", "stored answer")
	leaf := replyTo(userMsg("l", "continuing"), parent)

	repo := &fakeRepo{
		activeID: 7,
		stored: []types.ChatMessage{
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "first answer"},
		},
	}
	api := &fakeAPI{fetchChannel: guildText}
	walker, _ := newTestWalker(api, repo, testConfig())

	messages, warnings, err := walker.Build(context.Background(), leaf, botID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if repo.created != 0 {
		t.Fatalf("CreateConversation called %d times, want 0", repo.created)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 2 system + 2 chain", len(messages))
	}
	if messages[0].Role != "system" || messages[1].Role != "system" {
		t.Fatalf("history block missing: roles %q, %q", messages[0].Role, messages[1].Role)
	}
	if !strings.Contains(messages[0].Content, "User: first question") ||
		!strings.Contains(messages[0].Content, "You: first answer") {
		t.Fatalf("history summary = %q", messages[0].Content)
	}
	if messages[2].Content != "stored answer" || messages[3].Content != "continuing" {
		t.Fatalf("chain messages out of order: %q, %q", messages[2].Content, messages[3].Content)
	}

	want := "⚠️ Including 2 message(s) from previous conversation"
	if got := warnings.Sorted(); len(got) != 1 || got[0] != want {
		t.Fatalf("warnings = %v, want [%s]", got, want)
	}
}

func TestSummarizeHistoryGroupsConsecutiveRoles(t *testing.T) {
	stored := []types.ChatMessage{
		{Role: "user", Content: "one"},
		{Role: "user", Content: "two"},
		{Role: "assistant", Content: "three"},
		{Role: "user", Content: "four"},
	}
	want := "User: one\ntwo\n\nYou: three\n\nUser: four"
	if got := summarizeHistory(stored); got != want {
		t.Fatalf("summarizeHistory = %q, want %q", got, want)
	}
}
