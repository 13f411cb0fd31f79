package commands

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	logx "deferbot/pkg/logx"
)

// maxReply keeps replies under the Bot API message limit.
const maxReply = 4000

// Register binds every command to the bot and publishes the /menu list.
// ctx bounds handler work after shutdown starts.
func (r *Router) Register(ctx context.Context, b *tele.Bot) {
	menu := make([]tele.Command, 0, len(r.cmds))
	for _, c := range r.Commands() {
		name := c.Name
		b.Handle("/"+name, func(tc tele.Context) error {
			reply := r.Dispatch(ctx, fromTele(name, tc))
			if reply == "" {
				return nil
			}
			return tc.Send(clip(reply), &tele.SendOptions{DisableWebPagePreview: true})
		})
		menu = append(menu, tele.Command{Text: name, Description: c.Description})
	}
	if err := b.SetCommands(menu); err != nil {
		r.log.Warn("set bot commands failed", logx.Err(err))
	}
}

func fromTele(name string, tc tele.Context) *Request {
	req := &Request{Command: name}
	if u := tc.Sender(); u != nil {
		req.FromID = u.ID
	}
	if c := tc.Chat(); c != nil {
		req.ChatID = c.ID
	}
	if m := tc.Message(); m != nil {
		req.Payload = payloadOf(m.Text)
	}
	return req
}

// payloadOf returns the text after the command word. Message.Payload stops
// at the first line break, which would cut multi-line drafts.
func payloadOf(text string) string {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i:])
}

func clip(s string) string {
	if len(s) <= maxReply {
		return s
	}
	cut := maxReply
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	s = s[:cut]
	if i := strings.LastIndexByte(s, '\n'); i > maxReply/2 {
		s = s[:i]
	}
	return s + "\n…"
}
