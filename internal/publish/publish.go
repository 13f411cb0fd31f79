// Package publish posts a mailing and books its modifiers.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deferbot/internal/clock"
	"deferbot/internal/executor"
	"deferbot/internal/gateway"
	"deferbot/internal/modifier"
	"deferbot/internal/storage"
	logx "deferbot/pkg/logx"
)

var (
	ErrMissingMailing = executor.ErrMissingMailing
	ErrNoModifiers    = errors.New("mailing has no modifiers")
	ErrEmptyDraft     = errors.New("destination and text are required")
)

const counterKey = "mailing_count"

type Store interface {
	CreateMailing(ctx context.Context, m storage.Mailing) (storage.Mailing, error)
	GetMailing(ctx context.Context, id int64) (storage.Mailing, error)
	DeleteMailing(ctx context.Context, id int64) error
	IncrementCounter(ctx context.Context, key string) (int64, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, mailingID int64, kind modifier.Kind, dueAt time.Time) (int64, error)
}

type Executor interface {
	Run(ctx context.Context, mailingID int64, kind modifier.Kind) executor.Outcome
	ForceAll(ctx context.Context, m storage.Mailing) (int, error)
}

// Watermark appends Text to every Every-th published mailing.
type Watermark struct {
	Text  string
	Every int
}

type Config struct {
	Watermark Watermark
}

// Draft is an unpublished mailing.
type Draft struct {
	Destination string            `json:"destination"`
	Text        string            `json:"text"`
	Buttons     []modifier.Button `json:"buttons,omitempty"`
	Modifiers   modifier.Set      `json:"modifiers,omitempty"`
}

// Booked is one task created by Publish.
type Booked struct {
	TaskID int64
	Kind   modifier.Kind
	DueAt  time.Time
}

type Result struct {
	MailingID   int64
	MessageID   gateway.MessageID
	SendStep    string
	Watermarked bool
	Dropped     []modifier.Button
	Pin         *executor.Outcome
	Tasks       []Booked
}

type Service struct {
	cfg   Config
	store Store
	gw    gateway.Gateway
	sched Scheduler
	exec  Executor
	clk   clock.Clock
	log   logx.Logger
}

func New(cfg Config, store Store, gw gateway.Gateway, sched Scheduler, exec Executor, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, gw: gw, sched: sched, exec: exec, clk: clk, log: log}
}

// Publish sends the draft, stores the mailing, pins immediately when asked
// and schedules every other modifier. Invalid modifiers are rejected before
// anything is sent. A scheduling failure is returned with the partial Result.
func (s *Service) Publish(ctx context.Context, d Draft) (Result, error) {
	d.Destination = strings.TrimSpace(d.Destination)
	if d.Destination == "" || strings.TrimSpace(d.Text) == "" {
		return Result{}, ErrEmptyDraft
	}
	if err := d.Modifiers.Validate(); err != nil {
		return Result{}, err
	}

	var res Result
	buttons, dropped := modifier.FilterButtons(d.Buttons)
	res.Dropped = dropped

	text := d.Text
	if wm := s.cfg.Watermark; wm.Every > 0 && wm.Text != "" {
		n, err := s.store.IncrementCounter(ctx, counterKey)
		if err != nil {
			return Result{}, fmt.Errorf("publish: %w", err)
		}
		if n%int64(wm.Every) == 0 {
			text += "\n\n" + wm.Text
			res.Watermarked = true
		}
	}

	step, msgID, err := executor.Send(ctx, s.gw, d.Destination, text, buttons)
	if err != nil {
		return Result{}, fmt.Errorf("publish: %w", err)
	}
	res.SendStep = step
	res.MessageID = msgID

	now := s.clk.Now()
	m, err := s.store.CreateMailing(ctx, storage.Mailing{
		Destination:   d.Destination,
		Text:          text,
		Buttons:       buttons,
		Modifiers:     d.Modifiers,
		LiveMessageID: msgID,
		CreatedAt:     now,
	})
	if err != nil {
		s.log.Error("published message not recorded", logx.String("destination", d.Destination), logx.Int64("message_id", msgID), logx.Err(err))
		return res, fmt.Errorf("publish: %w", err)
	}
	res.MailingID = m.ID

	var errs []error
	for _, kind := range d.Modifiers.Kinds() {
		p := d.Modifiers[kind]
		if kind == modifier.Pin {
			out := s.exec.Run(ctx, m.ID, modifier.Pin)
			res.Pin = &out
			// An explicit unpin is booked on its own turn.
			if _, explicit := d.Modifiers[modifier.Unpin]; explicit || p.Delay == 0 {
				continue
			}
			kind = modifier.Unpin
		}
		due := now.Add(p.After())
		id, err := s.sched.Schedule(ctx, m.ID, kind, due)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Tasks = append(res.Tasks, Booked{TaskID: id, Kind: kind, DueAt: due})
	}

	s.log.Info("mailing published",
		logx.Int64("mailing_id", m.ID),
		logx.String("destination", d.Destination),
		logx.Int64("message_id", msgID),
		logx.Int("tasks", len(res.Tasks)),
		logx.Int("dropped_buttons", len(dropped)),
	)
	return res, errors.Join(errs...)
}

// ForceRun executes every requested modifier of the mailing now.
func (s *Service) ForceRun(ctx context.Context, mailingID int64) (int, error) {
	m, err := s.load(ctx, mailingID)
	if err != nil {
		return 0, err
	}
	if len(m.Modifiers) == 0 {
		return 0, ErrNoModifiers
	}
	return s.exec.ForceAll(ctx, m)
}

// Delete removes the live message when there is one, then the mailing and
// its tasks. Timers already armed stay armed and find no mailing.
func (s *Service) Delete(ctx context.Context, mailingID int64) error {
	m, err := s.load(ctx, mailingID)
	if err != nil {
		return err
	}
	if m.HasLiveMessage() && m.Destination != "" {
		if err := s.gw.Delete(ctx, m.Destination, m.LiveMessageID); err != nil {
			s.log.Warn("live message not deleted", logx.Int64("mailing_id", m.ID), logx.String("class", gateway.ClassName(err)), logx.Err(err))
		}
	}
	if err := s.store.DeleteMailing(ctx, m.ID); err != nil {
		return fmt.Errorf("delete mailing %d: %w", m.ID, err)
	}
	s.log.Info("mailing deleted", logx.Int64("mailing_id", m.ID))
	return nil
}

func (s *Service) load(ctx context.Context, id int64) (storage.Mailing, error) {
	m, err := s.store.GetMailing(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Mailing{}, fmt.Errorf("mailing %d: %w", id, ErrMissingMailing)
	}
	return m, err
}
