package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/discord"
	"github.com/yungbote/chatrelay-backend/internal/extract"
	"github.com/yungbote/chatrelay-backend/internal/llm"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
	"github.com/yungbote/chatrelay-backend/internal/repos"
	"github.com/yungbote/chatrelay-backend/internal/store"
	"github.com/yungbote/chatrelay-backend/internal/types"
)

// Walker reconstructs conversation context by walking backward from a leaf
// message through resolved parents, populating cache nodes at most once each.
type Walker struct {
	api       discord.API
	cache     *store.NodeCache
	extractor *extract.Extractor
	repo      repos.ConversationRepo
	cfg       *config.Config
	log       *logger.Logger
}

func NewWalker(
	api discord.API,
	cache *store.NodeCache,
	extractor *extract.Extractor,
	repo repos.ConversationRepo,
	cfg *config.Config,
	log *logger.Logger,
) *Walker {
	return &Walker{
		api:       api,
		cache:     cache,
		extractor: extractor,
		repo:      repo,
		cfg:       cfg,
		log:       log.With("component", "ChainWalker"),
	}
}

// cursor is the walk position: the raw message when we already hold it, or
// just its location when it must be (re)fetched.
type cursor struct {
	msg *discord.Message
	ref store.ParentRef
}

// Build walks the parent chain of leaf and returns the prompt, oldest first,
// together with the warning set for this cycle.
func (w *Walker) Build(ctx context.Context, leaf *discord.Message, botUserID string) ([]llm.Message, *Warnings, error) {
	warnings := NewWarnings()

	provider, model, err := w.cfg.SplitModel()
	if err != nil {
		return nil, warnings, err
	}
	acceptUsernames := llm.ProviderSupportsUsernames(provider)
	maxImages := 0
	if llm.ModelSupportsImages(model) {
		maxImages = w.cfg.MaxImages
	}
	maxMessages := w.cfg.MaxMessages

	// A direct mention with no reply reference deliberately starts a fresh
	// conversation segment.
	includeHistory := !(leaf.MentionsUser(botUserID) && leaf.Reference == nil)

	// Walk newest to oldest.
	var immediate []llm.Message
	totalImages := 0

	curr := &cursor{msg: leaf, ref: store.ParentRef{ChannelID: leaf.ChannelID, MessageID: leaf.ID}}
	for curr != nil && len(immediate) < maxMessages {
		node := w.cache.Get(curr.ref.MessageID)

		node.Lock()
		if !node.Populated() {
			if curr.msg == nil {
				// The node was evicted since a prior walk stored only its
				// location; re-fetch from the platform.
				m, ferr := w.api.FetchMessage(ctx, curr.ref.ChannelID, curr.ref.MessageID)
				if ferr != nil {
					node.Unlock()
					w.log.Warn("Failed to re-fetch chain message", "message_id", curr.ref.MessageID, "error", ferr)
					warnings.Add(onlyLastWarning(len(immediate)))
					curr = nil
					break
				}
				curr.msg = m
			}
			w.populate(ctx, curr.msg, node, botUserID)
		}

		entry, entryImages := w.promptEntry(node, maxImages-totalImages, acceptUsernames)
		totalImages += entryImages

		text := node.TextValue()
		if len([]rune(text)) > w.cfg.MaxText {
			warnings.Add(fmt.Sprintf("⚠️ Max %d characters per message", w.cfg.MaxText))
		}
		if len(node.Images) > 0 && len(node.Images) > entryImages {
			if maxImages > 0 {
				warnings.Add(fmt.Sprintf("⚠️ Max %d image%s", maxImages, plural(maxImages)))
			} else {
				warnings.Add("⚠️ Can't see images")
			}
		}
		if node.HasBadAttachments {
			warnings.Add("⚠️ Unsupported attachments")
		}

		parent := node.Parent
		fetchFailed := node.FetchParentFailed
		var parentMsg *discord.Message
		if curr.msg != nil {
			parentMsg = curr.msg.Referenced
		}
		node.Unlock()

		if entry != nil {
			immediate = append(immediate, *entry)
		}

		if fetchFailed {
			warnings.Add(onlyLastWarning(len(immediate)))
			curr = nil
			break
		}
		if parent == nil {
			curr = nil
			break
		}
		next := &cursor{ref: *parent}
		if parentMsg != nil && parentMsg.ID == parent.MessageID {
			next.msg = parentMsg
		}
		curr = next
	}

	// Hops exhausted while ancestors remain.
	if curr != nil && len(immediate) >= maxMessages {
		warnings.Add(onlyLastWarning(len(immediate)))
	}

	// Reverse to oldest-first.
	for i, j := 0, len(immediate)-1; i < j; i, j = i+1, j-1 {
		immediate[i], immediate[j] = immediate[j], immediate[i]
	}

	messages, err := w.blendHistory(ctx, leaf, immediate, includeHistory, maxMessages, warnings)
	if err != nil {
		// Persistence problems degrade the prompt, never abort the walk.
		w.log.Warn("Conversation history unavailable", "user_id", leaf.Author.ID, "error", err)
		messages = immediate
	}

	return messages, warnings, nil
}

// populate extracts content and resolves the parent for a node, exactly once.
// Callers must hold the node lock.
func (w *Walker) populate(ctx context.Context, msg *discord.Message, node *store.MsgNode, botUserID string) {
	res := w.extractor.Extract(ctx, msg, botUserID)
	node.SetText(res.Text)
	node.Images = res.Images
	node.HasBadAttachments = res.HasBadAttachments
	if msg.Author.ID == botUserID {
		node.Role = store.RoleAssistant
	} else {
		node.Role = store.RoleUser
		node.AuthorID = msg.Author.ID
	}

	parentMsg, parentRef, failed := w.resolveParent(ctx, msg, botUserID)
	node.Parent = parentRef
	node.FetchParentFailed = failed
	// Stash the resolved message on the inbound copy so the walk can reuse it
	// for the next hop without a second fetch.
	if parentMsg != nil {
		msg.Referenced = parentMsg
	}
}

// resolveParent applies the parent-resolution priority: explicit reply,
// thread starter, implicit continuation, none. Each strategy is attempted
// only once per node.
func (w *Walker) resolveParent(ctx context.Context, msg *discord.Message, botUserID string) (*discord.Message, *store.ParentRef, bool) {
	// 1. Explicit reply reference.
	if msg.Reference != nil && msg.Reference.MessageID != "" {
		if msg.Referenced != nil {
			ref := &store.ParentRef{ChannelID: msg.Referenced.ChannelID, MessageID: msg.Referenced.ID}
			return msg.Referenced, ref, false
		}
		channelID := msg.Reference.ChannelID
		if channelID == "" {
			channelID = msg.ChannelID
		}
		parent, err := w.api.FetchMessage(ctx, channelID, msg.Reference.MessageID)
		if err != nil {
			// Deleted or inaccessible parents are expected chain breaks;
			// anything else is worth a louder log.
			if discord.IsNotFound(err) {
				w.log.Debug("Parent message gone or inaccessible", "message_id", msg.Reference.MessageID, "error", err)
			} else {
				w.log.Warn("Failed to fetch parent message", "message_id", msg.Reference.MessageID, "error", err)
			}
			return nil, nil, true
		}
		return parent, &store.ParentRef{ChannelID: parent.ChannelID, MessageID: parent.ID}, false
	}

	ch, err := w.api.FetchChannel(ctx, msg.ChannelID)
	if err != nil {
		w.log.Warn("Failed to fetch channel", "channel_id", msg.ChannelID, "error", err)
		return nil, nil, true
	}

	// 2. Thread starter: the thread id doubles as the starter message id in
	// the parent channel.
	if ch.Type == discord.ChannelTypePublicThread && ch.ParentID != "" {
		starter, err := w.api.FetchMessage(ctx, ch.ParentID, ch.ID)
		if err != nil {
			w.log.Warn("Failed to fetch thread starter", "thread_id", ch.ID, "error", err)
			return nil, nil, true
		}
		return starter, &store.ParentRef{ChannelID: starter.ChannelID, MessageID: starter.ID}, false
	}

	// 3. Implicit continuation: the immediately preceding channel message,
	// when the current message does not mention the bot. In DMs the previous
	// message must be the bot's; elsewhere it must share the author.
	isDM := ch.Type == discord.ChannelTypeDM
	if !isDM && msg.MentionsUser(botUserID) {
		return nil, nil, false
	}
	history, err := w.api.ChannelHistory(ctx, msg.ChannelID, msg.ID, 1)
	if err != nil {
		w.log.Warn("Failed to fetch channel history", "channel_id", msg.ChannelID, "error", err)
		return nil, nil, true
	}
	if len(history) == 0 {
		return nil, nil, false
	}
	prev := history[0]
	if prev.Type != discord.MessageTypeDefault && prev.Type != discord.MessageTypeReply {
		return nil, nil, false
	}
	match := false
	if isDM {
		match = prev.Author.Bot && !msg.Author.Bot
	} else {
		match = prev.Author.ID == msg.Author.ID
	}
	if !match {
		return nil, nil, false
	}
	return prev, &store.ParentRef{ChannelID: prev.ChannelID, MessageID: prev.ID}, false
}

// promptEntry converts a populated node into a prompt message, applying the
// per-message text cap and the remaining image budget. Returns nil when the
// node carries no usable content. Callers must hold the node lock.
func (w *Walker) promptEntry(node *store.MsgNode, imageBudget int, acceptUsernames bool) (*llm.Message, int) {
	text := node.TextValue()
	if runes := []rune(text); len(runes) > w.cfg.MaxText {
		text = string(runes[:w.cfg.MaxText])
	}

	if imageBudget < 0 {
		imageBudget = 0
	}
	take := len(node.Images)
	if take > imageBudget {
		take = imageBudget
	}
	images := make([]string, 0, take)
	for _, img := range node.Images[:take] {
		images = append(images, img.DataURL)
	}

	if text == "" && len(images) == 0 {
		return nil, 0
	}

	entry := llm.Message{Role: node.Role, Content: text, Images: images}
	if acceptUsernames && node.Role == store.RoleUser && node.AuthorID != "" {
		entry.Name = node.AuthorID
	}
	return &entry, take
}

// blendHistory persists the current exchange and, for continuing
// conversations, prepends the stored history as a system block.
func (w *Walker) blendHistory(
	ctx context.Context,
	leaf *discord.Message,
	immediate []llm.Message,
	includeHistory bool,
	maxMessages int,
	warnings *Warnings,
) ([]llm.Message, error) {
	userID := leaf.Author.ID
	var guildID *string
	if leaf.GuildID != "" {
		g := leaf.GuildID
		guildID = &g
	}

	if !includeHistory {
		conversationID, err := w.repo.CreateConversation(ctx, userID, guildID, leaf.ChannelID)
		if err != nil {
			return immediate, err
		}
		w.persistLeaf(ctx, conversationID, leaf.ID, immediate)
		return immediate, nil
	}

	conversationID, err := w.repo.GetActiveConversation(ctx, userID)
	if err != nil {
		return immediate, err
	}
	if conversationID == 0 {
		conversationID, err = w.repo.CreateConversation(ctx, userID, guildID, leaf.ChannelID)
		if err != nil {
			return immediate, err
		}
	}

	var history []llm.Message
	if remaining := maxMessages - len(immediate); remaining > 0 {
		stored, err := w.repo.GetConversationMessages(ctx, conversationID, remaining)
		if err != nil {
			return immediate, err
		}
		if len(stored) > 0 {
			summary := summarizeHistory(stored)
			history = []llm.Message{
				{Role: "system", Content: "Previous conversation history with this user:\n\n" + summary},
				{Role: "system", Content: "The conversation is now continuing. Please respond appropriately based on this history and the user's current message."},
			}
			warnings.Add(fmt.Sprintf("⚠️ Including %d message(s) from previous conversation", len(stored)))
		}
	}

	w.persistLeaf(ctx, conversationID, leaf.ID, immediate)

	if len(history) == 0 {
		return immediate, nil
	}
	return append(history, immediate...), nil
}

// persistLeaf appends only the newest entry to the conversation store; older
// chain messages were stored by the cycles that produced them, and the
// assistant's reply is stored after delivery.
func (w *Walker) persistLeaf(ctx context.Context, conversationID int64, leafID string, messages []llm.Message) {
	if len(messages) == 0 {
		return
	}
	m := messages[len(messages)-1]
	if err := w.repo.AddMessage(ctx, conversationID, m.Role, m.Content, &leafID, len(m.Images) > 0); err != nil {
		w.log.Warn("Failed to persist chain message", "conversation_id", conversationID, "error", err)
	}
}

// summarizeHistory groups consecutive same-role stored messages into a
// readable transcript.
func summarizeHistory(stored []types.ChatMessage) string {
	var groups []string
	currentRole := ""
	var current []string

	flush := func() {
		if currentRole == "" || len(current) == 0 {
			return
		}
		speaker := "User"
		if currentRole == store.RoleAssistant {
			speaker = "You"
		}
		groups = append(groups, speaker+": "+strings.Join(current, "\n"))
	}

	for _, m := range stored {
		if m.Role != currentRole {
			flush()
			currentRole = m.Role
			current = []string{m.Content}
		} else {
			current = append(current, m.Content)
		}
	}
	flush()

	return strings.Join(groups, "\n\n")
}

func onlyLastWarning(n int) string {
	return fmt.Sprintf("⚠️ Only using last %d message%s", n, plural(n))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
