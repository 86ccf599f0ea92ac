package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
)

// HandlerFunc runs a command. Returning nil records the cooldown.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Command describes one chat command and its gates.
type Command struct {
	Name    string
	Aliases []string
	// Usage lists the arguments, e.g. "<user> <amount>".
	Usage    string
	Help     string
	Level    permission.Level
	Cooldown time.Duration
	Bucket   cooldown.Bucket
	Handler  HandlerFunc
}

// Invocation is a parsed command call.
type Invocation struct {
	Message
	Command *Command
	// Alias is the token the caller actually typed, lowercased.
	Alias  string
	Args   []string
	Raw    string
	Prefix string

	sender Sender
}

// User returns the caller's display login.
func (inv *Invocation) User() string { return inv.Caller.Name }

// Arg returns the i-th argument or "".
func (inv *Invocation) Arg(i int) string {
	if i < 0 || i >= len(inv.Args) {
		return ""
	}
	return inv.Args[i]
}

// Rest joins the arguments from i on.
func (inv *Invocation) Rest(i int) string {
	if i >= len(inv.Args) {
		return ""
	}
	return strings.Join(inv.Args[i:], " ")
}

// Say posts text to the invocation's channel.
func (inv *Invocation) Say(ctx context.Context, text string) error {
	return inv.sender.Say(ctx, inv.Channel, text)
}

// Reply posts "@caller text".
func (inv *Invocation) Reply(ctx context.Context, format string, args ...any) error {
	return inv.Say(ctx, "@"+inv.User()+" "+fmt.Sprintf(format, args...))
}

// Sender exposes the moderation side of the chat client.
func (inv *Invocation) Sender() Sender { return inv.sender }

// Registry maps names and aliases to commands.
type Registry struct {
	byName map[string]*Command
	list   []*Command
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Command)}
}

// Register adds commands. Any name or alias clash is an error and nothing
// from the clashing command is registered.
func (r *Registry) Register(cmds ...*Command) error {
	for _, c := range cmds {
		if c.Handler == nil {
			return fmt.Errorf("command %q has no handler", c.Name)
		}
		names := append([]string{c.Name}, c.Aliases...)
		for _, n := range names {
			if _, dup := r.byName[strings.ToLower(n)]; dup {
				return fmt.Errorf("command name %q already registered", n)
			}
		}
		for _, n := range names {
			r.byName[strings.ToLower(n)] = c
		}
		r.list = append(r.list, c)
	}
	return nil
}

// Lookup resolves a name or alias.
func (r *Registry) Lookup(name string) (*Command, bool) {
	c, ok := r.byName[strings.ToLower(name)]
	return c, ok
}

// Commands returns the registered commands sorted by name.
func (r *Registry) Commands() []*Command {
	out := make([]*Command, len(r.list))
	copy(out, r.list)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MaxCooldown returns the longest cooldown of any registered command.
func (r *Registry) MaxCooldown() time.Duration {
	var longest time.Duration
	for _, c := range r.list {
		longest = max(longest, c.Cooldown)
	}
	return longest
}

// Parse splits a chat line into command token and arguments. ok is false when
// the line does not start with prefix or names no command.
func Parse(prefix, text string) (name string, args []string, raw string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, "", false
	}
	rest := text[len(prefix):]
	if r, _ := utf8.DecodeRuneInString(rest); rest == "" || unicode.IsSpace(r) {
		return "", nil, "", false
	}
	fields := strings.Fields(rest)
	name = strings.ToLower(fields[0])
	raw = strings.TrimSpace(rest[len(fields[0]):])
	return name, fields[1:], raw, true
}
