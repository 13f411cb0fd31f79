package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deferbot/internal/gateway"
	"deferbot/internal/modifier"
	"deferbot/internal/storage"
	logx "deferbot/pkg/logx"
)

// step is one entry of a fallback chain.
type step struct {
	name string
	do   func(ctx context.Context) error
}

// firstOK runs steps in order and stops at the first success. It returns the
// name of that step, or every failure joined.
func firstOK(ctx context.Context, steps ...step) (string, error) {
	var errs []error
	for _, s := range steps {
		err := s.do(ctx)
		if err == nil {
			return s.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}

func needLive(m storage.Mailing) error {
	if !m.HasLiveMessage() {
		return fmt.Errorf("%w: no live message", ErrPrecondition)
	}
	return nil
}

func (e *Executor) pin(ctx context.Context, m storage.Mailing) (string, error) {
	if err := needLive(m); err != nil {
		return "", err
	}
	return "pin", e.gw.Pin(ctx, m.Destination, m.LiveMessageID)
}

func (e *Executor) unpin(ctx context.Context, m storage.Mailing) (string, error) {
	return firstOK(ctx, e.unpinChain(m)...)
}

// unpinChain targets the live message when there is one, else the most
// recent pin. Unpinning everything is the last resort.
func (e *Executor) unpinChain(m storage.Mailing) []step {
	first := step{"unpin", func(ctx context.Context) error {
		return e.gw.Unpin(ctx, m.Destination, m.LiveMessageID)
	}}
	if !m.HasLiveMessage() {
		first = step{"unpin_latest", func(ctx context.Context) error {
			return e.gw.Unpin(ctx, m.Destination, 0)
		}}
	}
	return []step{first, {"unpin_all", func(ctx context.Context) error {
		return e.gw.UnpinAll(ctx, m.Destination)
	}}}
}

// delete clears the live message id whatever the gateway says; a message
// that could not be deleted is no longer tracked.
func (e *Executor) delete(ctx context.Context, m storage.Mailing) (string, error) {
	if err := needLive(m); err != nil {
		return "", err
	}
	gwErr := e.gw.Delete(ctx, m.Destination, m.LiveMessageID)
	if err := e.store.SetLiveMessage(ctx, m.ID, 0); err != nil {
		return "", errors.Join(gwErr, err)
	}
	return "delete", gwErr
}

// EditMarker renders the suffix appended by the edit modifier.
func EditMarker(at time.Time) string {
	return "\n\n✏️ " + at.UTC().Format(time.RFC3339)
}

func (e *Executor) edit(ctx context.Context, m storage.Mailing) (string, error) {
	if err := needLive(m); err != nil {
		return "", err
	}
	return "edit", e.gw.Edit(ctx, m.Destination, m.LiveMessageID, m.Text+EditMarker(e.clk.Now()))
}

func (e *Executor) resend(ctx context.Context, m storage.Mailing) (string, error) {
	deleted := false
	if m.HasLiveMessage() {
		if err := e.gw.Delete(ctx, m.Destination, m.LiveMessageID); err != nil {
			e.log.Debug("resend: old message not deleted", logx.Int64("mailing_id", m.ID), logx.Err(err))
		} else {
			deleted = true
		}
	}

	buttons, _ := modifier.FilterButtons(m.Buttons)
	step, id, err := Send(ctx, e.gw, m.Destination, m.Text, buttons)
	if err != nil {
		if deleted {
			if serr := e.store.SetLiveMessage(ctx, m.ID, 0); serr != nil {
				err = errors.Join(err, serr)
			}
		}
		return "", err
	}
	if err := e.store.SetLiveMessage(ctx, m.ID, id); err != nil {
		return step, err
	}
	return step, nil
}

func (e *Executor) updateButtons(ctx context.Context, m storage.Mailing) (string, error) {
	if err := needLive(m); err != nil {
		return "", err
	}
	valid, dropped := modifier.FilterButtons(m.Buttons)
	if len(dropped) > 0 {
		e.log.Debug("update_buttons: dropped invalid buttons", logx.Int64("mailing_id", m.ID), logx.Int("dropped", len(dropped)))
	}
	return "edit_buttons", e.gw.EditButtons(ctx, m.Destination, m.LiveMessageID, valid)
}

func (e *Executor) replaceText(ctx context.Context, m storage.Mailing) (string, error) {
	if err := needLive(m); err != nil {
		return "", err
	}
	p := m.Modifiers[modifier.ReplaceText]
	if p.Text == "" {
		return "", fmt.Errorf("%w: no replacement text", ErrPrecondition)
	}
	return "edit", e.gw.Edit(ctx, m.Destination, m.LiveMessageID, p.Text)
}

func (e *Executor) forwardTo(ctx context.Context, m storage.Mailing) (string, error) {
	target := m.Modifiers[modifier.ForwardTo].Target
	if target == "" {
		return "", fmt.Errorf("%w: no forward target", ErrPrecondition)
	}
	if m.HasLiveMessage() {
		_, err := e.gw.Forward(ctx, m.Destination, target, m.LiveMessageID)
		return "forward", err
	}
	_, err := e.gw.Send(ctx, target, m.Text, nil)
	return "send", err
}

// Send posts text with buttons and retries without the keyboard when the
// gateway rejects the message for an unclassified reason.
func Send(ctx context.Context, gw gateway.Gateway, dest, text string, buttons []modifier.Button) (string, gateway.MessageID, error) {
	var id gateway.MessageID
	steps := []step{{"send", func(ctx context.Context) (err error) {
		id, err = gw.Send(ctx, dest, text, buttons)
		return err
	}}}
	if len(buttons) > 0 {
		steps = append(steps, step{"send_plain", func(ctx context.Context) (err error) {
			id, err = gw.Send(ctx, dest, text, nil)
			return err
		}})
	}

	var errs []error
	for _, s := range steps {
		err := s.do(ctx)
		if err == nil {
			return s.name, id, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if !errors.Is(err, gateway.ErrUnknown) {
			break
		}
	}
	return "", 0, errors.Join(errs...)
}
