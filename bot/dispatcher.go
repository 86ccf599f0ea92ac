// Package bot dispatches chat commands: prefix parsing, permission and
// cooldown gates, bounded concurrent handler execution and error replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streambot/cooldown"
	"github.com/onnwee/streambot/permission"
	"github.com/onnwee/streambot/telemetry"
)

const (
	DefaultPrefix        = "!"
	DefaultTimeout       = 10 * time.Second
	DefaultMaxConcurrent = 32
)

// Options tune the dispatcher. Zero values take the defaults.
type Options struct {
	Prefix        string
	Timeout       time.Duration
	MaxConcurrent int
	Clock         clockwork.Clock
}

// Dispatcher runs commands for incoming chat messages.
type Dispatcher struct {
	registry  *Registry
	perms     *permission.Evaluator
	cooldowns *cooldown.Ledger
	sender    Sender
	listeners []Listener

	prefix  string
	timeout time.Duration
	clock   clockwork.Clock
	slots   chan struct{}
}

func NewDispatcher(reg *Registry, perms *permission.Evaluator, cds *cooldown.Ledger, sender Sender, opts Options) *Dispatcher {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	slog.Info("command concurrency limit initialized", slog.Int("max_concurrent", opts.MaxConcurrent))
	return &Dispatcher{
		registry:  reg,
		perms:     perms,
		cooldowns: cds,
		sender:    sender,
		prefix:    opts.Prefix,
		timeout:   opts.Timeout,
		clock:     opts.Clock,
		slots:     make(chan struct{}, opts.MaxConcurrent),
	}
}

// AddListener registers l to see every non-echo message before dispatch.
func (d *Dispatcher) AddListener(l Listener) { d.listeners = append(d.listeners, l) }

// Registry returns the command table the dispatcher routes into.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// acquireSlot blocks until a handler slot is free or ctx is done.
func (d *Dispatcher) acquireSlot(ctx context.Context) bool {
	select {
	case d.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) releaseSlot() {
	select {
	case <-d.slots:
	default:
		slog.Warn("handler slot release called without corresponding acquire")
	}
}

// ActiveHandlers returns the number of handler bodies currently running.
func (d *Dispatcher) ActiveHandlers() int { return len(d.slots) }

// OnMessage feeds listeners and dispatches. It implements Listener so the chat
// client can deliver straight to it.
func (d *Dispatcher) OnMessage(ctx context.Context, msg Message) {
	if msg.Echo {
		return
	}
	for _, l := range d.listeners {
		l.OnMessage(ctx, msg)
	}
	_ = d.Dispatch(ctx, msg)
}

// Dispatch runs the command in msg, if any. The returned error reports why
// nothing ran (ErrNotCommand, ErrUnknownCommand, ErrPermissionDenied,
// ErrOnCooldown) or what the handler returned. Replies have already been sent.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	if msg.Echo {
		return ErrNotCommand
	}
	name, args, raw, ok := Parse(d.prefix, msg.Text)
	if !ok {
		return ErrNotCommand
	}
	cmd, ok := d.registry.Lookup(name)
	if !ok {
		return ErrUnknownCommand
	}

	start := d.clock.Now()
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "command."+cmd.Name, telemetry.CommandAttrs(cmd.Name, msg.Channel, msg.Caller.Name)...)
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "dispatcher"),
		slog.String("command", cmd.Name),
		slog.String("channel", msg.Channel),
		slog.String("user", msg.Caller.Name),
	)

	inv := &Invocation{Message: msg, Command: cmd, Alias: name, Args: args, Raw: raw, Prefix: d.prefix, sender: d.sender}

	if !d.perms.Allows(msg.Caller, cmd.Level) {
		telemetry.ObservePermissionDenial(cmd.Level.String())
		telemetry.ObserveCommand(cmd.Name, telemetry.OutcomeDenied, d.clock.Since(start))
		log.Warn("permission denied", slog.String("required", cmd.Level.String()))
		d.reply(ctx, log, inv, permission.DenialMessage(inv.User(), cmd.Level))
		return ErrPermissionDenied
	}

	scope := cooldown.Scope{Channel: msg.Channel, User: callerKey(msg.Caller)}
	onCooldown, remaining, err := d.cooldowns.Check(ctx, cmd.Name, scope, cmd.Cooldown, cmd.Bucket)
	if err != nil {
		log.Warn("cooldown check failed; allowing", slog.Any("err", err))
	} else if onCooldown {
		telemetry.ObserveCooldownHit(cmd.Name)
		telemetry.ObserveCommand(cmd.Name, telemetry.OutcomeCooldown, d.clock.Since(start))
		log.Debug("command on cooldown", slog.Duration("remaining", remaining))
		return ErrOnCooldown
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if !d.acquireSlot(hctx) {
		telemetry.ObserveCommand(cmd.Name, telemetry.OutcomeTimeout, d.clock.Since(start))
		log.Warn("no handler slot before deadline")
		return hctx.Err()
	}
	defer d.releaseSlot()
	done := telemetry.TrackInflight()
	defer done()

	herr := run(hctx, cmd, inv)
	outcome := d.finish(ctx, log, inv, scope, herr)
	telemetry.ObserveCommand(cmd.Name, outcome, d.clock.Since(start))
	if outcome == telemetry.OutcomeOK {
		telemetry.SetSpanSuccess(span)
	} else {
		telemetry.RecordError(span, herr)
	}
	return herr
}

// run calls the handler, turning a panic into an error.
func run(ctx context.Context, cmd *Command, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command handler panic", slog.String("command", cmd.Name), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", cmd.Name, r)
		}
	}()
	return cmd.Handler(ctx, inv)
}

// finish records the cooldown on success, answers failures and returns the outcome label.
func (d *Dispatcher) finish(ctx context.Context, log *slog.Logger, inv *Invocation, scope cooldown.Scope, err error) string {
	cmd := inv.Command
	var ue *UserError
	switch {
	case err == nil:
		if uerr := d.cooldowns.Update(ctx, cmd.Name, scope, cmd.Bucket); uerr != nil {
			log.Warn("cooldown update failed", slog.Any("err", uerr))
		}
		return telemetry.OutcomeOK
	case errors.Is(err, ErrMissingArgument):
		d.reply(ctx, log, inv, fmt.Sprintf("@%s Missing required argument. Use %shelp %s for usage.", inv.User(), d.prefix, cmd.Name))
		return telemetry.OutcomeUsage
	case errors.As(err, &ue):
		d.reply(ctx, log, inv, "@"+inv.User()+" "+ue.Msg)
		return telemetry.OutcomeValidation
	}

	if rerr := d.cooldowns.Reset(ctx, cmd.Name, scope, cmd.Bucket); rerr != nil {
		log.Warn("cooldown reset failed", slog.Any("err", rerr))
	}
	outcome := telemetry.OutcomeError
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = telemetry.OutcomeTimeout
	}
	log.Error("command failed", slog.Any("err", err))
	d.reply(ctx, log, inv, fmt.Sprintf("@%s An error occurred while processing your command.", inv.User()))
	return outcome
}

func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger, inv *Invocation, text string) {
	if err := d.sender.Say(ctx, inv.Channel, text); err != nil {
		log.Error("reply failed", slog.Any("err", err))
	}
}

func callerKey(c permission.Caller) string {
	if c.ID != "" {
		return c.ID
	}
	return NormLogin(c.Name)
}
