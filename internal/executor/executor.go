// Package executor applies modifiers to published mailings.
//
// Every kind is an independent handler. Gateway failures and missing
// mailings are logged and reported in the Outcome; Run never returns an
// error and never panics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"deferbot/internal/clock"
	"deferbot/internal/eventbus"
	"deferbot/internal/gateway"
	"deferbot/internal/modifier"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	logx "deferbot/pkg/logx"
)

var (
	// ErrMissingMailing is reported when the mailing row is gone.
	ErrMissingMailing = errors.New("mailing not found")
	// ErrPrecondition marks a handler that had nothing to act on.
	ErrPrecondition = errors.New("precondition not met")
)

const defaultTimeout = 30 * time.Second

// Mailings is the part of the store the executor touches.
type Mailings interface {
	GetMailing(ctx context.Context, id int64) (storage.Mailing, error)
	SetLiveMessage(ctx context.Context, id, msgID int64) error
}

// Runner accepts jobs for concurrent execution. *engine.Service implements it.
type Runner interface {
	Submit(ctx context.Context, j engine.Job) error
}

type Config struct {
	// Timeout bounds one modifier run including store access.
	Timeout time.Duration
}

type Executor struct {
	cfg    Config
	gw     gateway.Gateway
	store  Mailings
	runner Runner
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
}

func New(cfg Config, gw gateway.Gateway, store Mailings, runner Runner, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, gw: gw, store: store, runner: runner, clk: clk, log: log, bus: bus}
}

// Run loads the mailing and applies kind to it.
func (e *Executor) Run(ctx context.Context, mailingID int64, kind modifier.Kind) (out Outcome) {
	start := e.clk.Now()
	out = Outcome{RunID: uuid.NewString(), MailingID: mailingID, Kind: kind}
	log := e.log.With(logx.String("run_id", out.RunID), logx.Int64("mailing_id", mailingID), logx.String("kind", kind.String()))

	defer func() {
		if r := recover(); r != nil {
			out.Result = ResultFailed
			out.Err = fmt.Sprintf("panic: %v", r)
			log.Error("modifier panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		out.Duration = e.clk.Now().Sub(start)
		e.publish(out)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	m, err := e.store.GetMailing(ctx, mailingID)
	if errors.Is(err, storage.ErrNotFound) {
		out.Result = ResultSkipped
		out.Err = ErrMissingMailing.Error()
		log.Info("modifier skipped", logx.Err(ErrMissingMailing))
		return out
	}
	if err != nil {
		out.Result = ResultFailed
		out.Err = err.Error()
		log.Warn("modifier failed: load mailing", logx.Err(err))
		return out
	}

	step, err := e.apply(ctx, m, kind)
	out.Step = step
	switch {
	case err == nil:
		out.Result = ResultApplied
		log.Info("modifier applied", logx.String("step", step))
	case errors.Is(err, ErrPrecondition):
		out.Result = ResultSkipped
		out.Err = err.Error()
		log.Info("modifier skipped", logx.Err(err))
	default:
		out.Result = ResultFailed
		out.Err = err.Error()
		out.Class = gateway.ClassName(err)
		log.Warn("modifier failed", logx.String("class", out.Class), logx.Err(err))
	}
	return out
}

// apply dispatches to the handler for kind.
func (e *Executor) apply(ctx context.Context, m storage.Mailing, kind modifier.Kind) (string, error) {
	switch kind {
	case modifier.Pin:
		return e.pin(ctx, m)
	case modifier.Unpin:
		return e.unpin(ctx, m)
	case modifier.Delete:
		return e.delete(ctx, m)
	case modifier.Edit:
		return e.edit(ctx, m)
	case modifier.Resend:
		return e.resend(ctx, m)
	case modifier.UpdateButtons:
		return e.updateButtons(ctx, m)
	case modifier.ReplaceText:
		return e.replaceText(ctx, m)
	case modifier.ForwardTo:
		return e.forwardTo(ctx, m)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", modifier.ErrInvalidPayload, kind)
	}
}

// ForceAll runs every requested modifier of m now, each as its own job.
// Pending timers for the same kinds are left armed.
func (e *Executor) ForceAll(ctx context.Context, m storage.Mailing) (int, error) {
	kinds := m.Modifiers.Kinds()
	var errs []error
	n := 0
	for _, k := range kinds {
		kind := k
		mailingID := m.ID
		err := e.submit(ctx, engine.Job{
			Name:    "force." + kind.String(),
			Timeout: e.cfg.Timeout,
			Run: func(ctx context.Context) error {
				e.Run(ctx, mailingID, kind)
				return nil
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		n++
	}
	e.log.Info("force run submitted", logx.Int64("mailing_id", m.ID), logx.Int("jobs", n), logx.Int("requested", len(kinds)))
	return n, errors.Join(errs...)
}

func (e *Executor) submit(ctx context.Context, j engine.Job) error {
	if e.runner == nil {
		go j.Run(context.WithoutCancel(ctx))
		return nil
	}
	return e.runner.Submit(ctx, j)
}

func (e *Executor) publish(out Outcome) {
	typ := eventbus.ModifierApplied
	switch out.Result {
	case ResultFailed:
		typ = eventbus.ModifierFailed
	case ResultSkipped:
		typ = eventbus.ModifierSkipped
	}
	eventbus.Publish(e.bus, typ, out)
}
