package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/chatrelay-backend/internal/discord"
	"github.com/yungbote/chatrelay-backend/internal/permission"
	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
)

// HandleMessage processes one inbound message end to end: gates, commands,
// chain walk, generation, streamed delivery, cache cleanup. Each call runs
// in its own goroutine; errors never escape to the gateway.
func (a *App) HandleMessage(ctx context.Context, msg *discord.Message) {
	if msg.Author.Bot {
		return
	}

	botUser := a.identity.BotUser()
	if botUser.ID == "" {
		return
	}

	log := a.Log.With("request_id", uuid.NewString(), "user_id", msg.Author.ID, "message_id", msg.ID)

	ch, err := a.api.FetchChannel(ctx, msg.ChannelID)
	if err != nil {
		log.Warn("Failed to fetch channel for inbound message", "channel_id", msg.ChannelID, "error", err)
		return
	}

	isDM := ch.Type == discord.ChannelTypeDM
	isMentioned := msg.MentionsUser(botUser.ID)
	if !isDM && !isMentioned {
		return
	}

	if !permission.Check(msg, ch, a.Config) {
		return
	}

	if isMentioned && strings.Contains(msg.Content, "reset") {
		a.handleReset(ctx, msg, log)
		return
	}
	if isMentioned && strings.Contains(msg.Content, "stats") {
		a.handleStats(ctx, msg, log)
		return
	}

	log.Info("Message received", "attachments", len(msg.Attachments), "content_length", len(msg.Content))

	prompt, warnings, err := a.walker.Build(ctx, msg, botUser.ID)
	if err != nil {
		log.Error("Error processing message chain", "error", err)
		if _, rerr := a.api.Reply(ctx, msg, fmt.Sprintf("An error occurred: %v", err), discord.SendOptions{}); rerr != nil {
			log.Warn("Failed to send error reply", "error", rerr)
		}
		return
	}
	if len(prompt) == 0 {
		return
	}

	a.assembler.Respond(ctx, msg, prompt, warnings)
	a.cache.Cleanup()
}

func (a *App) handleReset(ctx context.Context, msg *discord.Message, log *logger.Logger) {
	reply := "Your conversation history has been reset. Starting fresh!"
	if err := a.repo.ResetUserHistory(ctx, msg.Author.ID); err != nil {
		reply = "There was an error resetting your conversation history."
	}
	if _, err := a.api.Reply(ctx, msg, reply, discord.SendOptions{}); err != nil {
		log.Warn("Failed to send reset reply", "error", err)
	}
}

func (a *App) handleStats(ctx context.Context, msg *discord.Message, log *logger.Logger) {
	stats, err := a.repo.GetUserStats(ctx, msg.Author.ID)
	reply := ""
	if err != nil {
		reply = "There was an error looking up your stats."
	} else {
		reply = fmt.Sprintf("You've sent %d message(s) across %d conversation(s).", stats.TotalMessages, stats.TotalConversations)
		if stats.FirstConversation != nil {
			reply += fmt.Sprintf(" First conversation: %s.", stats.FirstConversation.Format("January 2 2006"))
		}
	}
	if _, err := a.api.Reply(ctx, msg, reply, discord.SendOptions{}); err != nil {
		log.Warn("Failed to send stats reply", "error", err)
	}
}
