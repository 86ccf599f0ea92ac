package testutil

import (
	"context"
	"sync"
	"time"
)

// ModAction is a timeout, ban or unban issued through FakeChat.
type ModAction struct {
	Kind     string
	Channel  string
	User     string
	Duration time.Duration
	Reason   string
}

// FakeChat records what a handler sent to chat.
type FakeChat struct {
	mu      sync.Mutex
	sent    []string
	actions []ModAction

	// SayErr, when set, is returned from every Say.
	SayErr error
}

func (f *FakeChat) Say(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SayErr != nil {
		return f.SayErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *FakeChat) Timeout(_ context.Context, channel, user string, d time.Duration, reason string) error {
	f.record(ModAction{Kind: "timeout", Channel: channel, User: user, Duration: d, Reason: reason})
	return nil
}

func (f *FakeChat) Ban(_ context.Context, channel, user, reason string) error {
	f.record(ModAction{Kind: "ban", Channel: channel, User: user, Reason: reason})
	return nil
}

func (f *FakeChat) Unban(_ context.Context, channel, user string) error {
	f.record(ModAction{Kind: "unban", Channel: channel, User: user})
	return nil
}

func (f *FakeChat) record(a ModAction) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
}

// Messages returns everything said so far.
func (f *FakeChat) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Last returns the most recent message or "".
func (f *FakeChat) Last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *FakeChat) Actions() []ModAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ModAction(nil), f.actions...)
}
