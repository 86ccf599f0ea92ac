// Package permission classifies chat callers into privilege levels and decides
// whether a caller may run a command that declares a required level.
package permission

import (
	"fmt"
	"strings"
)

// Level is an ordered privilege level. Higher levels include lower ones.
type Level int

const (
	Everyone Level = iota
	Subscriber
	Moderator
	Owner
)

func (l Level) String() string {
	switch l {
	case Everyone:
		return "everyone"
	case Subscriber:
		return "subscriber"
	case Moderator:
		return "moderator"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Caller holds the role flags of the chatter invoking a command.
type Caller struct {
	ID          string
	Name        string
	Moderator   bool
	Broadcaster bool
	Subscriber  bool
	VIP         bool
}

// Evaluator checks callers against required levels. The owner is matched
// case-insensitively by login.
type Evaluator struct {
	owner string
}

func NewEvaluator(owner string) *Evaluator {
	return &Evaluator{owner: strings.ToLower(strings.TrimSpace(owner))}
}

// IsOwner reports whether c is the configured bot owner. An unset owner matches nobody.
func (e *Evaluator) IsOwner(c Caller) bool {
	return e.owner != "" && strings.ToLower(c.Name) == e.owner
}

// Allows reports whether c satisfies required.
func (e *Evaluator) Allows(c Caller, required Level) bool {
	switch required {
	case Everyone:
		return true
	case Subscriber:
		return c.Subscriber || c.VIP || c.Moderator || c.Broadcaster || e.IsOwner(c)
	case Moderator:
		return c.Moderator || c.Broadcaster || e.IsOwner(c)
	case Owner:
		return e.IsOwner(c)
	default:
		return false
	}
}

// Effective returns the highest level c holds.
func (e *Evaluator) Effective(c Caller) Level {
	for _, l := range []Level{Owner, Moderator, Subscriber} {
		if e.Allows(c, l) {
			return l
		}
	}
	return Everyone
}

// DenialMessage is the reply sent to a caller that failed the check for required.
func DenialMessage(user string, required Level) string {
	switch required {
	case Owner:
		return fmt.Sprintf("@%s This command is owner-only.", user)
	case Moderator:
		return fmt.Sprintf("@%s This command is for moderators only.", user)
	case Subscriber:
		return fmt.Sprintf("@%s This command is for subscribers only.", user)
	default:
		return ""
	}
}
