package respond

import (
	"context"
	"strings"
	"time"

	"github.com/yungbote/chatrelay-backend/internal/chain"
	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/discord"
	"github.com/yungbote/chatrelay-backend/internal/llm"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
	"github.com/yungbote/chatrelay-backend/internal/repos"
	"github.com/yungbote/chatrelay-backend/internal/store"
)

// Generator produces the lazy delta sequence for one response.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) <-chan llm.Delta
}

// Response states. STREAMING may emit any number of outgoing edits;
// COMPLETED and FAILED are terminal.
const (
	stateStarted   = "started"
	stateStreaming = "streaming"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// Assembler drives one generation call: it accumulates streamed deltas into
// chunks split exactly at the message-length bound, delivers them as
// throttled message edits, seeds cache nodes for the assistant's own
// messages, and persists the final text.
type Assembler struct {
	api   discord.API
	cache *store.NodeCache
	repo  repos.ConversationRepo
	gen   Generator
	cfg   *config.Config
	log   *logger.Logger
}

func NewAssembler(
	api discord.API,
	cache *store.NodeCache,
	repo repos.ConversationRepo,
	gen Generator,
	cfg *config.Config,
	log *logger.Logger,
) *Assembler {
	return &Assembler{
		api:   api,
		cache: cache,
		repo:  repo,
		gen:   gen,
		cfg:   cfg,
		log:   log.With("component", "StreamAssembler"),
	}
}

// Respond streams one reply to original. Every chunk except the last holds
// exactly the length bound in runes, so concatenating the sent chunks
// reproduces the full streamed text. Respond never returns a generation
// error; provider failures arrive as the terminal error delta and end the
// response in the failed state.
func (a *Assembler) Respond(ctx context.Context, original *discord.Message, prompt []llm.Message, warnings *chain.Warnings) {
	maxLen := a.cfg.MaxMessageLength()
	usePlain := a.cfg.UsePlainResponses

	state := stateStarted
	currContent := ""
	finishReason := ""
	sendFailed := false

	var contents []string
	finalized := 0
	var responseMsgs []*discord.Message
	var lockedNodes []*store.MsgNode

	var editDone chan struct{}
	var lastEditTime time.Time

	warningFields := warningEmbedFields(warnings)

	appendChunked := func(s string) {
		rs := []rune(s)
		for len(rs) > 0 {
			if len(contents) == 0 || len([]rune(contents[len(contents)-1])) >= maxLen {
				contents = append(contents, "")
			}
			last := []rune(contents[len(contents)-1])
			take := maxLen - len(last)
			if take > len(rs) {
				take = len(rs)
			}
			contents[len(contents)-1] = string(last) + string(rs[:take])
			rs = rs[take:]
		}
	}

	awaitEdit := func() {
		if editDone != nil {
			<-editDone
			editDone = nil
		}
	}

	embedFor := func(idx int, final, goodFinish bool) *discord.Embed {
		e := &discord.Embed{Fields: warningFields, Description: contents[idx]}
		if !final {
			e.Description += config.StreamingIndicator
		}
		if idx < len(contents)-1 || goodFinish {
			e.Color = config.EmbedColorComplete
		} else {
			e.Color = config.EmbedColorIncomplete
		}
		return e
	}

	// send delivers chunk idx: a chained reply for a chunk with no message
	// yet, an edit otherwise. Final deliveries always flush; streaming edits
	// are throttled to one in flight per edit-delay window.
	send := func(idx int, final, goodFinish bool) bool {
		embed := embedFor(idx, final, goodFinish)
		if idx >= len(responseMsgs) {
			awaitEdit()
			replyTo := original
			if len(responseMsgs) > 0 {
				replyTo = responseMsgs[len(responseMsgs)-1]
			}
			respMsg, err := a.api.Reply(ctx, replyTo, "", discord.SendOptions{Embed: embed, Silent: true})
			if err != nil {
				a.log.Error("Failed to send response message", "error", err)
				return false
			}
			responseMsgs = append(responseMsgs, respMsg)
			lockedNodes = append(lockedNodes, a.seedNode(respMsg, original))
			lastEditTime = time.Now()
			return true
		}

		target := responseMsgs[idx]
		if final {
			awaitEdit()
			if _, err := a.api.Edit(ctx, target.ChannelID, target.ID, "", discord.SendOptions{Embed: embed}); err != nil {
				a.log.Warn("Failed to edit response message", "message_id", target.ID, "error", err)
			}
			lastEditTime = time.Now()
			return true
		}

		if !editFinished(editDone) || time.Since(lastEditTime) < config.EditDelay {
			return true
		}
		done := make(chan struct{})
		editDone = done
		go func(channelID, messageID string, e discord.Embed) {
			defer close(done)
			if _, err := a.api.Edit(ctx, channelID, messageID, "", discord.SendOptions{Embed: &e}); err != nil {
				a.log.Warn("Failed to edit response message", "message_id", messageID, "error", err)
			}
		}(target.ChannelID, target.ID, *embed)
		lastEditTime = time.Now()
		return true
	}

	deltas := a.gen.Generate(ctx, prompt)
	state = stateStreaming

	for delta := range deltas {
		if finishReason != "" {
			break
		}
		finishReason = delta.FinishReason

		// The loop runs one delta behind: each pass flushes the previous
		// delta, and the terminal pass folds the final delta in with it.
		prevContent := currContent
		currContent = delta.Content
		newContent := prevContent
		if finishReason != "" {
			newContent += currContent
		}
		appendChunked(newContent)

		if len(contents) == 0 || usePlain {
			continue
		}

		isFinal := finishReason != ""
		goodFinish := isFinal &&
			(strings.EqualFold(finishReason, "stop") || strings.EqualFold(finishReason, "end_turn"))

		// Chunks before the last are full; deliver them in final form.
		for finalized < len(contents)-1 {
			if !send(finalized, true, goodFinish) {
				sendFailed = true
				break
			}
			finalized++
		}
		if sendFailed {
			break
		}

		last := len(contents) - 1
		if !send(last, isFinal, goodFinish) {
			sendFailed = true
			break
		}
		if isFinal {
			finalized++
		}
	}

	awaitEdit()

	if usePlain && finishReason != "" && !sendFailed {
		for _, content := range contents {
			if content == "" {
				continue
			}
			replyTo := original
			if len(responseMsgs) > 0 {
				replyTo = responseMsgs[len(responseMsgs)-1]
			}
			respMsg, err := a.api.Reply(ctx, replyTo, content, discord.SendOptions{SuppressEmbeds: true})
			if err != nil {
				a.log.Error("Failed to send response message", "error", err)
				sendFailed = true
				break
			}
			responseMsgs = append(responseMsgs, respMsg)
			lockedNodes = append(lockedNodes, a.seedNode(respMsg, original))
		}
	}

	fullText := strings.Join(contents, "")

	// Fill the assistant nodes so later walks see the reply without
	// re-fetching it.
	for _, node := range lockedNodes {
		node.SetText(fullText)
		node.Unlock()
	}

	failed := sendFailed || finishReason == "" || strings.EqualFold(finishReason, "error")
	if failed {
		state = stateFailed
		a.log.Warn("Response failed", "state", state, "finish_reason", finishReason, "send_failed", sendFailed)
		if sendFailed || finishReason == "" {
			a.sendErrorReply(ctx, original)
		}
		return
	}
	state = stateCompleted

	// Append the completed exchange to the user's conversation history.
	if fullText != "" {
		conversationID, err := a.repo.GetActiveConversation(ctx, original.Author.ID)
		if err == nil && conversationID != 0 {
			var respID *string
			if len(responseMsgs) > 0 {
				id := responseMsgs[len(responseMsgs)-1].ID
				respID = &id
			}
			if err := a.repo.AddMessage(ctx, conversationID, store.RoleAssistant, fullText, respID, false); err != nil {
				a.log.Warn("Failed to persist assistant response", "conversation_id", conversationID, "error", err)
			}
		}
	}

	a.log.Debug("Response finished", "state", state, "chunks", len(contents), "finish_reason", finishReason)
}

// seedNode registers the freshly sent assistant message in the cache, locked
// until its text is known, parented to the inbound message.
func (a *Assembler) seedNode(respMsg, original *discord.Message) *store.MsgNode {
	node := &store.MsgNode{
		Role:   store.RoleAssistant,
		Parent: &store.ParentRef{ChannelID: original.ChannelID, MessageID: original.ID},
	}
	node.Lock()
	a.cache.Set(respMsg.ID, node)
	return node
}

func (a *Assembler) sendErrorReply(ctx context.Context, original *discord.Message) {
	_, err := a.api.Reply(ctx, original, "Sorry, I encountered an error while generating a response.", discord.SendOptions{})
	if err != nil {
		a.log.Warn("Failed to send error reply", "error", err)
	}
}

func editFinished(done chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func warningEmbedFields(warnings *chain.Warnings) []discord.EmbedField {
	if warnings == nil || warnings.Empty() {
		return nil
	}
	var fields []discord.EmbedField
	for _, warning := range warnings.Sorted() {
		fields = append(fields, discord.EmbedField{Name: warning, Value: ""})
	}
	return fields
}
