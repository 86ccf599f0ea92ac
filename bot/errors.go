package bot

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingArgument makes the dispatcher answer with the usage hint.
	ErrMissingArgument = errors.New("missing required argument")

	ErrNotCommand       = errors.New("not a command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrPermissionDenied = errors.New("permission denied")
	ErrOnCooldown       = errors.New("command on cooldown")
)

// UserError is a validation failure whose message is shown to the caller.
// It does not consume the cooldown.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

// Reply returns a UserError with a formatted message.
func Reply(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}
