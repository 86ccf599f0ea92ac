package bot

import (
	"context"
	"strings"
	"time"

	"github.com/onnwee/streambot/permission"
)

// Message is one chat line as delivered by the chat client.
type Message struct {
	ID      string
	Channel string
	Text    string
	Caller  permission.Caller
	// Echo is set for lines the bot itself sent.
	Echo bool
	At   time.Time
}

// Listener observes every chat message, commands included.
type Listener interface {
	OnMessage(ctx context.Context, msg Message)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, msg Message)

func (f ListenerFunc) OnMessage(ctx context.Context, msg Message) { f(ctx, msg) }

// Sender performs chat side effects on behalf of handlers.
type Sender interface {
	Say(ctx context.Context, channel, text string) error
	Timeout(ctx context.Context, channel, user string, d time.Duration, reason string) error
	Ban(ctx context.Context, channel, user, reason string) error
	Unban(ctx context.Context, channel, user string) error
}

// NormChannel lowercases a channel name and strips the leading '#'.
func NormChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

// NormLogin lowercases a login and strips a leading '@'.
func NormLogin(login string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
}
