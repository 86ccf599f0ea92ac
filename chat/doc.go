// Package chat connects the bot to Twitch IRC.
//
// Client joins the configured channels, converts every PRIVMSG into a
// bot.Message with the caller's badges mapped to permission flags, and hands
// each one to the registered listener on its own goroutine. Outgoing lines are
// paced by a token bucket that stays under the Twitch chat limit.
//
// Moderation actions are sent as chat commands (/timeout, /ban, /unban).
//
// Credentials: the IRC client requires a bot login and an OAuth token with
// chat:read and chat:edit scopes (TWITCH_BOT_NICK, TWITCH_OAUTH_TOKEN).
package chat
