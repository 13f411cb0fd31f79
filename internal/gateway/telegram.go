package gateway

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"deferbot/internal/modifier"
	rtsup "deferbot/internal/runtime/supervisor"
	logx "deferbot/pkg/logx"
)

type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec bounds outbound API calls. 0 means 25/s.
	RatePerSec int
}

// Telegram is the Bot API backed Gateway. It also owns long polling for
// the operator commands registered on Bot().
type Telegram struct {
	cfg     TelegramConfig
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	chatMu sync.Mutex
	chats  map[string]*tele.Chat

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		chats:   map[string]*tele.Chat{},
	}, nil
}

// Bot exposes the client for command registration.
func (t *Telegram) Bot() *tele.Bot { return t.bot }

// Start runs long polling under a restart loop until Stop or ctx cancel.
func (t *Telegram) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.sup != nil {
		return
	}
	t.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(t.log))
	sup := t.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		t.log.Info("polling started", logx.String("bot", t.bot.Me.Username))
		t.bot.Start()
		t.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (t *Telegram) Stop(ctx context.Context) error {
	t.runMu.Lock()
	sup := t.sup
	t.sup = nil
	t.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	// Long poll may still be waiting on getUpdates; do not stall shutdown on it.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// wait takes a limiter token. A done ctx is the caller giving up, not the
// platform throttling us.
func (t *Telegram) wait(ctx context.Context, op string) error {
	err := t.limiter.Wait(ctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return &Error{Op: op, Class: ErrUnknown, Err: ctx.Err()}
	default:
		return &Error{Op: op, Class: ErrRateLimited, Err: err}
	}
}

// chat resolves a numeric id or @username. Usernames are resolved once.
func (t *Telegram) chat(op, dest string) (*tele.Chat, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return nil, &Error{Op: op, Class: ErrNotFound, Err: errors.New("empty destination")}
	}
	if id, err := strconv.ParseInt(dest, 10, 64); err == nil {
		return &tele.Chat{ID: id}, nil
	}
	if !strings.HasPrefix(dest, "@") {
		dest = "@" + dest
	}

	t.chatMu.Lock()
	c, ok := t.chats[dest]
	t.chatMu.Unlock()
	if ok {
		return c, nil
	}
	c, err := t.bot.ChatByUsername(dest)
	if err != nil {
		return nil, classify(op, err)
	}
	t.chatMu.Lock()
	t.chats[dest] = c
	t.chatMu.Unlock()
	return c, nil
}

func stored(c *tele.Chat, id MessageID) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.FormatInt(id, 10), ChatID: c.ID}
}

func keyboard(buttons []modifier.Button) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	if len(buttons) == 0 {
		return rm
	}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, rm.Row(rm.URL(b.Text, b.URL)))
	}
	rm.Inline(rows...)
	return rm
}

func (t *Telegram) Send(ctx context.Context, dest, text string, buttons []modifier.Button) (MessageID, error) {
	const op = "send"
	if err := t.wait(ctx, op); err != nil {
		return 0, err
	}
	c, err := t.chat(op, dest)
	if err != nil {
		return 0, err
	}
	opts := &tele.SendOptions{}
	if len(buttons) > 0 {
		opts.ReplyMarkup = keyboard(buttons)
	}
	msg, err := t.bot.Send(c, text, opts)
	if err != nil {
		return 0, classify(op, err)
	}
	return MessageID(msg.ID), nil
}

func (t *Telegram) Edit(ctx context.Context, dest string, id MessageID, text string) error {
	const op = "edit"
	if err := t.wait(ctx, op); err != nil {
		return err
	}
	c, err := t.chat(op, dest)
	if err != nil {
		return err
	}
	if _, err := t.bot.Edit(stored(c, id), text); err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *Telegram) EditButtons(ctx context.Context, dest string, id MessageID, buttons []modifier.Button) error {
	const op = "edit_buttons"
	if err := t.wait(ctx, op); err != nil {
		return err
	}
	c, err := t.chat(op, dest)
	if err != nil {
		return err
	}
	if _, err := t.bot.EditReplyMarkup(stored(c, id), keyboard(buttons)); err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *Telegram) Delete(ctx context.Context, dest string, id MessageID) error {
	const op = "delete"
	if err := t.wait(ctx, op); err != nil {
		return err
	}
	c, err := t.chat(op, dest)
	if err != nil {
		return err
	}
	if err := t.bot.Delete(stored(c, id)); err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *Telegram) Pin(ctx context.Context, dest string, id MessageID) error {
	const op = "pin"
	if err := t.wait(ctx, op); err != nil {
		return err
	}
	c, err := t.chat(op, dest)
	if err != nil {
		return err
	}
	if err := t.bot.Pin(stored(c, id)); err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *Telegram) Unpin(ctx context.Context, dest string, id MessageID) error {
	const op = "unpin"
	if err := t.wait(ctx, op); err != nil {
		return err
	}
	c, err := t.chat(op, dest)
	if err != nil {
		return err
	}
	var ids []int
	if id != 0 {
		ids = append(ids, int(id))
	}
	if err := t.bot.Unpin(c, ids...); err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *Telegram) UnpinAll(ctx context.Context, dest string) error {
	const op = "unpin_all"
	if err := t.wait(ctx, op); err != nil {
		return err
	}
	c, err := t.chat(op, dest)
	if err != nil {
		return err
	}
	if err := t.bot.UnpinAll(c); err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *Telegram) Forward(ctx context.Context, from, to string, id MessageID) (MessageID, error) {
	const op = "forward"
	if err := t.wait(ctx, op); err != nil {
		return 0, err
	}
	src, err := t.chat(op, from)
	if err != nil {
		return 0, err
	}
	dst, err := t.chat(op, to)
	if err != nil {
		return 0, err
	}
	msg, err := t.bot.Forward(dst, stored(src, id))
	if err != nil {
		return 0, classify(op, err)
	}
	return MessageID(msg.ID), nil
}

// SendLog implements logx.Sender.
func (t *Telegram) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := t.wait(ctx, "send_log"); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true})
	if err != nil {
		return classify("send_log", err)
	}
	return nil
}

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// classify maps Bot API failures onto the gateway taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	}
	msg := strings.ToLower(err.Error())
	if code == 0 {
		code = trailingCode(msg)
	}

	e := &Error{Op: op, Err: err}
	switch {
	case code == 429 || strings.Contains(msg, "too many requests") || retryAfterRe.MatchString(msg):
		e.Class = ErrRateLimited
		if m := retryAfterRe.FindStringSubmatch(msg); len(m) == 2 {
			if n, perr := strconv.Atoi(m[1]); perr == nil {
				e.RetryAfter = time.Duration(n) * time.Second
			}
		}
	case code == 403 || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "not enough rights") || strings.Contains(msg, "have no rights") ||
		strings.Contains(msg, "can't be deleted"):
		e.Class = ErrForbidden
	case strings.Contains(msg, "not found") || strings.Contains(msg, "message_id_invalid") ||
		strings.Contains(msg, "message to edit not found") || strings.Contains(msg, "message to delete not found"):
		e.Class = ErrNotFound
	default:
		e.Class = ErrUnknown
	}
	return e
}

var codeRe = regexp.MustCompile(`\((\d{3})\)\s*$`)

// trailingCode reads the "(403)" suffix telebot puts on unmapped API errors.
func trailingCode(msg string) int {
	m := codeRe.FindStringSubmatch(strings.TrimSpace(msg))
	if len(m) != 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
