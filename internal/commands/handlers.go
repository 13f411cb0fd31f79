package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"deferbot/internal/executor"
	"deferbot/internal/modifier"
	"deferbot/internal/publish"
	"deferbot/internal/retention"
	"deferbot/internal/storage"
)

const (
	maxTaskLines    = 20
	defaultMailings = 10
	maxMailings     = 50
	previewRunes    = 40
)

func (r *Router) builtins() []Command {
	return []Command{
		{Name: "publish", Description: "publish a mailing", Usage: `/publish {"destination":"@chan","text":"hi","modifiers":{"pin":10,"delete":60}}` + "\n  or /publish @chan, then an optional modifiers line, the text, and button lines after ---", Handle: r.handlePublish},
		{Name: "force", Description: "run every modifier of a mailing now", Usage: "/force <mailing id>", Handle: r.handleForce},
		{Name: "delete", Description: "delete a mailing and its tasks", Usage: "/delete <mailing id>", Handle: r.handleDelete},
		{Name: "mailings", Description: "list recent mailings", Usage: "/mailings [count]", Handle: r.handleMailings},
		{Name: "channels", Description: "list known destinations", Usage: "/channels", Handle: r.handleChannels},
		{Name: "channel_add", Description: "register a destination", Usage: "/channel_add <@name or id> [title]", Handle: r.handleChannelAdd},
		{Name: "channel_remove", Description: "forget a destination; its mailings go at the next sweep", Usage: "/channel_remove <@name or id>", Handle: r.handleChannelRemove},
		{Name: "tasks", Description: "list armed tasks", Usage: "/tasks", Handle: r.handleTasks},
		{Name: "stats", Description: "storage and worker counters", Usage: "/stats", Handle: r.handleStats},
		{Name: "help", Description: "list commands", Usage: "/help", Handle: r.handleHelp},
	}
}

// ParseDraft reads a draft either as strict JSON or in the line form:
//
//	@chan
//	{"pin":10,"delete":60}
//	post text
//	---
//	Label | https://link
//
// The modifiers line and the button block are optional.
func ParseDraft(payload string) (publish.Draft, error) {
	var d publish.Draft
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return d, errors.New("usage: /publish <json draft> or /publish <destination> followed by the text")
	}
	if !strings.HasPrefix(payload, "{") {
		return parseLineDraft(payload)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return d, fmt.Errorf("bad draft: %w", err)
	}
	if dec.More() {
		return d, errors.New("bad draft: trailing data")
	}
	return d, nil
}

func parseLineDraft(payload string) (publish.Draft, error) {
	var d publish.Draft
	lines := strings.Split(payload, "\n")
	d.Destination = strings.TrimSpace(lines[0])
	if strings.ContainsAny(d.Destination, " \t") {
		return d, fmt.Errorf("bad draft: destination %q has spaces", d.Destination)
	}
	rest := lines[1:]
	if len(rest) > 0 && strings.HasPrefix(strings.TrimSpace(rest[0]), "{") {
		set, err := modifier.ParseSet([]byte(rest[0]))
		if err != nil {
			return d, fmt.Errorf("bad draft: modifiers: %w", err)
		}
		d.Modifiers = set
		rest = rest[1:]
	}
	for i, line := range rest {
		if strings.TrimSpace(line) == "---" {
			d.Buttons = modifier.ParseButtonLines(strings.Join(rest[i+1:], "\n"))
			rest = rest[:i]
			break
		}
	}
	d.Text = strings.TrimSpace(strings.Join(rest, "\n"))
	if d.Text == "" {
		return d, errors.New("bad draft: empty text")
	}
	return d, nil
}

// ParseID accepts "42" or "#42".
func ParseID(payload string) (int64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(payload), "#")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("expected a mailing id, got %q", strings.TrimSpace(payload))
	}
	return id, nil
}

func (r *Router) handlePublish(ctx context.Context, req *Request) (string, error) {
	d, err := ParseDraft(req.Payload)
	if err != nil {
		return "", err
	}
	res, err := r.deps.Publisher.Publish(ctx, d)
	if res.MailingID == 0 && err != nil {
		return "", err
	}
	return FormatResult(res), err
}

func (r *Router) handleForce(ctx context.Context, req *Request) (string, error) {
	id, err := ParseID(req.Payload)
	if err != nil {
		return "", err
	}
	n, err := r.deps.Publisher.ForceRun(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("mailing #%d: %d modifier(s) started", id, n), nil
}

func (r *Router) handleDelete(ctx context.Context, req *Request) (string, error) {
	id, err := ParseID(req.Payload)
	if err != nil {
		return "", err
	}
	if err := r.deps.Publisher.Delete(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("mailing #%d deleted", id), nil
}

func (r *Router) handleMailings(ctx context.Context, req *Request) (string, error) {
	limit := defaultMailings
	if p := strings.TrimSpace(req.Payload); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("expected a count, got %q", p)
		}
		limit = min(n, maxMailings)
	}
	ms, err := r.deps.Store.ListMailings(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(ms) == 0 {
		return "no mailings", nil
	}
	var b strings.Builder
	for i, m := range ms {
		if i > 0 {
			b.WriteByte('\n')
		}
		dest := m.Destination
		if dest == "" {
			dest = "(removed)"
		}
		fmt.Fprintf(&b, "#%d %s", m.ID, dest)
		if m.HasLiveMessage() {
			fmt.Fprintf(&b, " msg %d", m.LiveMessageID)
		}
		fmt.Fprintf(&b, " %s %q", m.CreatedAt.UTC().Format("2006-01-02 15:04"), preview(m.Text))
	}
	return b.String(), nil
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes]) + "…"
}

func (r *Router) handleChannels(ctx context.Context, req *Request) (string, error) {
	cs, err := r.deps.Store.ListChannels(ctx)
	if err != nil {
		return "", err
	}
	if len(cs) == 0 {
		return "no channels", nil
	}
	var b strings.Builder
	for i, c := range cs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.ID)
		if c.Title != "" {
			fmt.Fprintf(&b, " %q", c.Title)
		}
		fmt.Fprintf(&b, " since %s", c.AddedAt.UTC().Format("2006-01-02"))
	}
	return b.String(), nil
}

func parseChannel(payload string) (id, title string, err error) {
	id, title, _ = strings.Cut(strings.TrimSpace(payload), " ")
	if id == "" {
		return "", "", errors.New("expected a channel, e.g. @news or -100123")
	}
	return id, strings.TrimSpace(title), nil
}

func (r *Router) handleChannelAdd(ctx context.Context, req *Request) (string, error) {
	id, title, err := parseChannel(req.Payload)
	if err != nil {
		return "", err
	}
	c := storage.Channel{ID: id, Title: title, OwnerID: req.FromID, AddedAt: r.deps.Clock.Now()}
	if err := r.deps.Store.UpsertChannel(ctx, c); err != nil {
		return "", err
	}
	return "channel " + id + " saved", nil
}

func (r *Router) handleChannelRemove(ctx context.Context, req *Request) (string, error) {
	id, _, err := parseChannel(req.Payload)
	if err != nil {
		return "", err
	}
	if err := r.deps.Store.DeleteChannel(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("unknown channel %s", id)
		}
		return "", err
	}
	return "channel " + id + " removed; its mailings are purged at the next retention sweep", nil
}

func (r *Router) handleTasks(ctx context.Context, req *Request) (string, error) {
	snap := r.deps.Scheduler.Snapshot()
	now := r.deps.Clock.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "armed: %d, running: %d", len(snap.Armed), snap.InFlight)
	for i, a := range snap.Armed {
		if i == maxTaskLines {
			fmt.Fprintf(&b, "\n... %d more", len(snap.Armed)-maxTaskLines)
			break
		}
		fmt.Fprintf(&b, "\n#%d mailing #%d %s in %s", a.TaskID, a.MailingID, a.Kind, formatIn(a.DueAt.Sub(now)))
	}
	return b.String(), nil
}

func (r *Router) handleStats(ctx context.Context, req *Request) (string, error) {
	st, err := r.deps.Store.Stats(ctx)
	if err != nil {
		return "", err
	}
	snap := r.deps.Scheduler.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "mailings: %d\nchannels: %d\naccounts: %d\n", st.Mailings, st.Channels, st.Accounts)
	fmt.Fprintf(&b, "tasks: %d pending, %d executed, %d armed", st.PendingTasks, st.ExecutedTasks, len(snap.Armed))
	if r.deps.Engine != nil {
		es := r.deps.Engine.Snapshot()
		fmt.Fprintf(&b, "\nworkers: %d, queue %d/%d, done %d, failed %d, refused %d",
			es.Workers, es.QueueLen, es.QueueCap, es.Completed, es.Failed, es.Refused)
	}
	if r.deps.Retention != nil {
		b.WriteString("\n" + formatSweep(r.deps.Retention.Last()))
	}
	return b.String(), nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) (string, error) {
	var b strings.Builder
	for _, c := range r.Commands() {
		fmt.Fprintf(&b, "/%s - %s\n  %s\n", c.Name, c.Description, c.Usage)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// FormatResult renders a publish result, partial failures included.
func FormatResult(res publish.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mailing #%d published (message %d", res.MailingID, res.MessageID)
	if res.SendStep != "" && res.SendStep != "send" {
		fmt.Fprintf(&b, ", via %s", res.SendStep)
	}
	b.WriteString(")")
	if res.Watermarked {
		b.WriteString("\nwatermark added")
	}
	for _, btn := range res.Dropped {
		fmt.Fprintf(&b, "\ndropped button %q: invalid url %q", btn.Text, btn.URL)
	}
	if res.Pin != nil {
		b.WriteString("\npin: " + formatOutcome(*res.Pin))
	}
	for _, t := range res.Tasks {
		fmt.Fprintf(&b, "\n%s at %s (task #%d)", t.Kind, t.DueAt.UTC().Format(time.RFC3339), t.TaskID)
	}
	return b.String()
}

func formatOutcome(o executor.Outcome) string {
	switch o.Result {
	case executor.ResultFailed:
		return fmt.Sprintf("failed (%s): %s", o.Class, o.Err)
	case executor.ResultSkipped:
		if o.Err != "" {
			return "skipped: " + o.Err
		}
	}
	return o.Result
}

func formatSweep(rep retention.Report) string {
	if rep.At.IsZero() {
		return "last sweep: never"
	}
	line := fmt.Sprintf("last sweep: %s, removed %d tasks, %d mailings, %d accounts",
		rep.At.UTC().Format(time.RFC3339), rep.Tasks, rep.Mailings, rep.Accounts)
	if len(rep.Failed) > 0 {
		line += ", failed: " + strings.Join(rep.Failed, ",")
	}
	return line
}

func formatIn(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	return d.Truncate(time.Second).String()
}
