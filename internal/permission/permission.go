package permission

import (
	"github.com/yungbote/chatrelay-backend/internal/config"
	"github.com/yungbote/chatrelay-backend/internal/discord"
)

// Check decides whether the bot should respond to msg under the configured
// allow/block lists. It is evaluated once per inbound message, before any
// chain walk begins.
//
// Empty allow-lists mean "everyone"/"everywhere"; block-lists always win.
// In guilds a user passes if either their id or one of their roles is
// allowed; in DMs only user ids apply.
func Check(msg *discord.Message, ch *discord.Channel, cfg *config.Config) bool {
	isDM := ch != nil && ch.Type == discord.ChannelTypeDM

	if isDM && !cfg.AllowDMs {
		return false
	}

	userID := msg.Author.ID
	var roleIDs []string
	if msg.Member != nil {
		roleIDs = msg.Member.Roles
	}
	channelIDs := make([]string, 0, 2)
	if ch != nil {
		if ch.ID != "" {
			channelIDs = append(channelIDs, ch.ID)
		}
		if ch.ParentID != "" {
			channelIDs = append(channelIDs, ch.ParentID)
		}
	} else if msg.ChannelID != "" {
		channelIDs = append(channelIDs, msg.ChannelID)
	}

	perms := cfg.Permissions

	allowAllUsers := len(perms.Users.AllowedIDs) == 0
	if !isDM {
		allowAllUsers = allowAllUsers && len(perms.Roles.AllowedIDs) == 0
	}
	isGoodUser := allowAllUsers ||
		containsID(perms.Users.AllowedIDs, userID) ||
		anyID(perms.Roles.AllowedIDs, roleIDs)
	isBadUser := !isGoodUser ||
		containsID(perms.Users.BlockedIDs, userID) ||
		anyID(perms.Roles.BlockedIDs, roleIDs)

	var isGoodChannel bool
	if isDM {
		isGoodChannel = cfg.AllowDMs
	} else {
		isGoodChannel = len(perms.Channels.AllowedIDs) == 0 ||
			anyID(perms.Channels.AllowedIDs, channelIDs)
	}
	isBadChannel := !isGoodChannel || anyID(perms.Channels.BlockedIDs, channelIDs)

	return !isBadUser && !isBadChannel
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func anyID(ids, candidates []string) bool {
	for _, c := range candidates {
		if containsID(ids, c) {
			return true
		}
	}
	return false
}
