// Package commands is the operator surface: a handful of slash commands
// served over the bot's long polling, gated by an owner allowlist.
package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"deferbot/internal/clock"
	"deferbot/internal/publish"
	"deferbot/internal/retention"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	"deferbot/internal/task/scheduler"
	logx "deferbot/pkg/logx"
)

var ErrForbidden = errors.New("not allowed")

type Publisher interface {
	Publish(ctx context.Context, d publish.Draft) (publish.Result, error)
	ForceRun(ctx context.Context, mailingID int64) (int, error)
	Delete(ctx context.Context, mailingID int64) error
}

type Store interface {
	TouchAccount(ctx context.Context, userID int64, at time.Time) error
	Stats(ctx context.Context) (storage.Stats, error)
	ListMailings(ctx context.Context, limit int) ([]storage.Mailing, error)
	UpsertChannel(ctx context.Context, c storage.Channel) error
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context) ([]storage.Channel, error)
}

type SchedulerView interface {
	Snapshot() scheduler.Snapshot
}

type EngineView interface {
	Snapshot() engine.Snapshot
}

type SweepView interface {
	Last() retention.Report
}

// Deps are the services commands talk to. Engine and Retention may be nil.
type Deps struct {
	Publisher Publisher
	Store     Store
	Scheduler SchedulerView
	Engine    EngineView
	Retention SweepView
	Clock     clock.Clock
}

// Request is one parsed command message.
type Request struct {
	FromID  int64
	ChatID  int64
	Command string
	// Payload is everything after the command word, untrimmed of inner newlines.
	Payload string
	Log     logx.Logger
}

// HandlerFunc returns the reply text.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string
	Description string
	Usage       string
	Handle      HandlerFunc
}

type Config struct {
	Owners []int64
	// Timeout bounds one command. Default 60s.
	Timeout time.Duration
}

type Router struct {
	deps Deps
	log  logx.Logger

	timeout time.Duration

	mu     sync.RWMutex
	owners map[int64]bool

	cmds map[string]Command
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	r := &Router{deps: deps, log: log, timeout: cfg.Timeout, cmds: map[string]Command{}}
	r.SetOwners(cfg.Owners)
	for _, c := range r.builtins() {
		r.cmds[c.Name] = c
	}
	return r
}

// SetOwners replaces the allowlist. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	m := make(map[int64]bool, len(owners))
	for _, id := range owners {
		m[id] = true
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id]
}

// Commands lists registered commands by name.
func (r *Router) Commands() []Command {
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one command and always produces a reply.
// Unknown commands and non-owners get an empty reply.
func (r *Router) Dispatch(ctx context.Context, req *Request) string {
	c, ok := r.cmds[strings.ToLower(req.Command)]
	if !ok {
		return ""
	}
	if req.Log.IsZero() {
		req.Log = r.log.With(logx.String("cmd", c.Name), logx.Int64("from_id", req.FromID))
	}
	h := Chain(c.Handle,
		r.mwRequestLog(),
		r.mwPanicRecover(),
		r.mwOwnerOnly(),
		r.mwTouchAccount(),
		mwTimeout(r.timeout),
	)
	reply, err := h(ctx, req)
	switch {
	case errors.Is(err, ErrForbidden):
		return ""
	case err != nil:
		if reply != "" {
			return reply + "\n\nerror: " + err.Error()
		}
		return "error: " + err.Error()
	}
	return reply
}

func mwTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func (r *Router) mwOwnerOnly() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if !r.IsOwner(req.FromID) {
				return "", ErrForbidden
			}
			return next(ctx, req)
		}
	}
}

// mwTouchAccount records the caller's last activity; failures are logged only.
func (r *Router) mwTouchAccount() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if r.deps.Store != nil && req.FromID != 0 {
				if err := r.deps.Store.TouchAccount(ctx, req.FromID, r.deps.Clock.Now()); err != nil {
					req.Log.Warn("touch account failed", logx.Err(err))
				}
			}
			return next(ctx, req)
		}
	}
}

func (r *Router) mwPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply string, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					req.Log.Error("panic recovered", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
					reply, err = "", fmt.Errorf("panic: %v", rec)
				}
			}()
			return next(ctx, req)
		}
	}
}

func (r *Router) mwRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{logx.Int64("chat_id", req.ChatID), logx.Duration("dur", d)}
			switch {
			case errors.Is(err, ErrForbidden):
				req.Log.Debug("request denied", fields...)
			case err != nil:
				req.Log.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				req.Log.Info("request ok", fields...)
			default:
				req.Log.Debug("request ok", fields...)
			}
			return reply, err
		}
	}
}
