package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"deferbot/internal/clock"
	"deferbot/internal/eventbus"
	"deferbot/internal/gateway"
	"deferbot/internal/gateway/gatewaytest"
	"deferbot/internal/modifier"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	logx "deferbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	exec  *Executor
	gw    *gatewaytest.Fake
	store *storage.Memory
	clk   *clock.Fake
}

// inlineRunner runs submitted jobs on the caller's goroutine.
type inlineRunner struct {
	mu   sync.Mutex
	jobs []string
}

func (r *inlineRunner) Submit(ctx context.Context, j engine.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, j.Name)
	r.mu.Unlock()
	return j.Run(ctx)
}

func newFixture(t *testing.T, runner Runner) fixture {
	t.Helper()
	f := fixture{gw: gatewaytest.New(), store: storage.NewMemory(), clk: clock.NewFake(t0)}
	f.exec = New(Config{}, f.gw, f.store, runner, f.clk, logx.Nop(), nil)
	return f
}

func (f fixture) mailing(t *testing.T, m storage.Mailing) storage.Mailing {
	t.Helper()
	if m.Destination == "" {
		m.Destination = "@news"
	}
	if m.Text == "" {
		m.Text = "hello"
	}
	created, err := f.store.CreateMailing(context.Background(), m)
	if err != nil {
		t.Fatalf("CreateMailing: %v", err)
	}
	return created
}

func (f fixture) live(t *testing.T, id int64) int64 {
	t.Helper()
	m, err := f.store.GetMailing(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMailing: %v", err)
	}
	return m.LiveMessageID
}

func TestRunMissingMailingIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	out := f.exec.Run(context.Background(), 42, modifier.Delete)
	if out.Result != ResultSkipped || out.Err != ErrMissingMailing.Error() {
		t.Fatalf("outcome = %+v, want skipped missing mailing", out)
	}
	if len(f.gw.Calls()) != 0 {
		t.Fatalf("gateway called: %v", f.gw.Ops())
	}
}

func TestRunStoreUnavailableIsAbsorbed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 7})
	f.store.SetFailure(errors.New("db down"))
	out := f.exec.Run(context.Background(), m.ID, modifier.Pin)
	if out.Result != ResultFailed {
		t.Fatalf("Result = %q, want failed", out.Result)
	}
}

func TestDeleteWithoutLiveMessageIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	m := f.mailing(t, storage.Mailing{})
	out := f.exec.Run(context.Background(), m.ID, modifier.Delete)
	if out.Result != ResultSkipped {
		t.Fatalf("Result = %q, want skipped", out.Result)
	}
	if f.gw.Count("delete") != 0 {
		t.Fatalf("delete called without live message")
	}
	if got := f.live(t, m.ID); got != 0 {
		t.Fatalf("LiveMessageID = %d, want 0", got)
	}
}

func TestDeleteClearsLiveMessageEvenOnFailure(t *testing.T) {
	t.Parallel()

	for _, fail := range []bool{false, true} {
		f := newFixture(t, nil)
		if fail {
			f.gw.Fail("delete", gateway.ErrForbidden)
		}
		m := f.mailing(t, storage.Mailing{LiveMessageID: 9})
		out := f.exec.Run(context.Background(), m.ID, modifier.Delete)
		if got := f.live(t, m.ID); got != 0 {
			t.Fatalf("fail=%v: LiveMessageID = %d, want 0", fail, got)
		}
		want := ResultApplied
		if fail {
			want = ResultFailed
		}
		if out.Result != want {
			t.Fatalf("fail=%v: Result = %q, want %q", fail, out.Result, want)
		}
		if fail && out.Class != "forbidden" {
			t.Fatalf("Class = %q, want forbidden", out.Class)
		}
	}
}

func TestUnpinFallsBackToUnpinAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.gw.Fail("unpin", gateway.ErrNotFound)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 5})
	out := f.exec.Run(context.Background(), m.ID, modifier.Unpin)
	if out.Result != ResultApplied || out.Step != "unpin_all" {
		t.Fatalf("outcome = %+v, want applied via unpin_all", out)
	}
	if ops := strings.Join(f.gw.Ops(), ","); ops != "unpin,unpin_all" {
		t.Fatalf("ops = %s", ops)
	}
}

func TestUnpinChainExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.gw.Fail("unpin", gateway.ErrNotFound)
	f.gw.Fail("unpin_all", gateway.ErrForbidden)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 5})
	out := f.exec.Run(context.Background(), m.ID, modifier.Unpin)
	if out.Result != ResultFailed {
		t.Fatalf("Result = %q, want failed", out.Result)
	}
	if !strings.Contains(out.Err, "unpin_all") {
		t.Fatalf("Err = %q, want both steps reported", out.Err)
	}
}

// A deleted post's unpin only touches the most recent pin.
func TestUnpinAfterDeleteUnpinsLatest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 7})
	if out := f.exec.Run(context.Background(), m.ID, modifier.Delete); out.Result != ResultApplied {
		t.Fatalf("delete outcome = %+v", out)
	}
	out := f.exec.Run(context.Background(), m.ID, modifier.Unpin)
	if out.Result != ResultApplied || out.Step != "unpin_latest" {
		t.Fatalf("outcome = %+v, want applied via unpin_latest", out)
	}
	if ops := strings.Join(f.gw.Ops(), ","); ops != "delete,unpin" {
		t.Fatalf("ops = %s, want no unpin_all", ops)
	}
	if c, _ := f.gw.Last("unpin"); c.ID != 0 {
		t.Fatalf("unpin id = %d, want 0 for the latest pin", c.ID)
	}

	f.gw.Fail("unpin", gateway.ErrNotFound)
	if out := f.exec.Run(context.Background(), m.ID, modifier.Unpin); out.Step != "unpin_all" {
		t.Fatalf("outcome = %+v, want unpin_all fallback", out)
	}
}

func TestEditAppendsMarkerKeepsStoredText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	m := f.mailing(t, storage.Mailing{Text: "body", LiveMessageID: 3})
	f.exec.Run(context.Background(), m.ID, modifier.Edit)

	c, ok := f.gw.Last("edit")
	if !ok {
		t.Fatal("edit not called")
	}
	if want := "body\n\n✏️ 2026-03-01T12:00:00Z"; c.Text != want {
		t.Fatalf("edit text = %q, want %q", c.Text, want)
	}
	stored, _ := f.store.GetMailing(context.Background(), m.ID)
	if stored.Text != "body" {
		t.Fatalf("stored text = %q", stored.Text)
	}
}

func TestResendSetsNewLiveMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 3, Buttons: []modifier.Button{
		{Text: "ok", URL: "https://x"}, {Text: "bad", URL: "ftp://x"},
	}})
	out := f.exec.Run(context.Background(), m.ID, modifier.Resend)
	if out.Result != ResultApplied {
		t.Fatalf("Result = %q, err %s", out.Result, out.Err)
	}
	got := f.live(t, m.ID)
	if got == 0 || got == 3 {
		t.Fatalf("LiveMessageID = %d, want new non-zero id", got)
	}
	if !f.gw.Deleted("@news", 3) {
		t.Fatal("old message not deleted")
	}
	send, _ := f.gw.Last("send")
	if len(send.Buttons) != 1 || send.Buttons[0].Text != "ok" {
		t.Fatalf("send buttons = %+v", send.Buttons)
	}

	// A second resend moves to yet another id.
	f.exec.Run(context.Background(), m.ID, modifier.Resend)
	if again := f.live(t, m.ID); again == got || again == 0 {
		t.Fatalf("second resend id = %d, previous %d", again, got)
	}
}

func TestResendIgnoresDeleteFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.gw.Fail("delete", gateway.ErrNotFound)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 3})
	out := f.exec.Run(context.Background(), m.ID, modifier.Resend)
	if out.Result != ResultApplied {
		t.Fatalf("Result = %q", out.Result)
	}
	if got := f.live(t, m.ID); got == 0 || got == 3 {
		t.Fatalf("LiveMessageID = %d", got)
	}
}

func TestResendSendFailureAfterDeleteClearsID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.gw.Fail("send", gateway.ErrForbidden)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 3})
	out := f.exec.Run(context.Background(), m.ID, modifier.Resend)
	if out.Result != ResultFailed {
		t.Fatalf("Result = %q", out.Result)
	}
	if got := f.live(t, m.ID); got != 0 {
		t.Fatalf("LiveMessageID = %d, want 0 after deleted original", got)
	}
	// Forbidden is not retried without the keyboard.
	if n := f.gw.Count("send"); n != 1 {
		t.Fatalf("send calls = %d, want 1", n)
	}
}

func TestUpdateButtonsFiltersInvalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 4, Buttons: []modifier.Button{
		{Text: "ok", URL: "https://x"}, {Text: "bad", URL: "ftp://x"},
	}})
	out := f.exec.Run(context.Background(), m.ID, modifier.UpdateButtons)
	if out.Result != ResultApplied {
		t.Fatalf("Result = %q", out.Result)
	}
	c, _ := f.gw.Last("edit_buttons")
	if len(c.Buttons) != 1 || c.Buttons[0].URL != "https://x" {
		t.Fatalf("buttons = %+v, want only the https one", c.Buttons)
	}
}

func TestReplaceTextAndForward(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		m      storage.Mailing
		kind   modifier.Kind
		result string
		op     string
	}{
		{"replace", storage.Mailing{LiveMessageID: 2, Modifiers: modifier.Set{modifier.ReplaceText: {Text: "new"}}}, modifier.ReplaceText, ResultApplied, "edit"},
		{"replace without text", storage.Mailing{LiveMessageID: 2, Modifiers: modifier.Set{}}, modifier.ReplaceText, ResultSkipped, ""},
		{"replace without live", storage.Mailing{Modifiers: modifier.Set{modifier.ReplaceText: {Text: "new"}}}, modifier.ReplaceText, ResultSkipped, ""},
		{"forward live", storage.Mailing{LiveMessageID: 2, Modifiers: modifier.Set{modifier.ForwardTo: {Target: "@mirror"}}}, modifier.ForwardTo, ResultApplied, "forward"},
		{"forward fresh", storage.Mailing{Modifiers: modifier.Set{modifier.ForwardTo: {Target: "@mirror"}}}, modifier.ForwardTo, ResultApplied, "send"},
		{"forward no target", storage.Mailing{LiveMessageID: 2}, modifier.ForwardTo, ResultSkipped, ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			m := f.mailing(t, tc.m)
			out := f.exec.Run(context.Background(), m.ID, tc.kind)
			if out.Result != tc.result {
				t.Fatalf("Result = %q, want %q (%s)", out.Result, tc.result, out.Err)
			}
			ops := f.gw.Ops()
			if tc.op == "" {
				if len(ops) != 0 {
					t.Fatalf("ops = %v, want none", ops)
				}
				return
			}
			if len(ops) != 1 || ops[0] != tc.op {
				t.Fatalf("ops = %v, want [%s]", ops, tc.op)
			}
		})
	}
}

func TestForwardFreshSendsToTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	m := f.mailing(t, storage.Mailing{Text: "copy me", Modifiers: modifier.Set{modifier.ForwardTo: {Target: "@mirror"}}})
	f.exec.Run(context.Background(), m.ID, modifier.ForwardTo)
	c, _ := f.gw.Last("send")
	if c.Dest != "@mirror" || c.Text != "copy me" {
		t.Fatalf("send = %+v", c)
	}
}

func TestSendFallsBackToPlain(t *testing.T) {
	t.Parallel()

	gw := &keyboardRejecter{Fake: gatewaytest.New()}
	step, id, err := Send(context.Background(), gw, "@news", "x", []modifier.Button{{Text: "a", URL: "https://a"}})
	if err != nil || step != "send_plain" || id == 0 {
		t.Fatalf("Send = (%q, %d, %v), want send_plain", step, id, err)
	}
}

// keyboardRejecter fails sends that carry buttons.
type keyboardRejecter struct {
	*gatewaytest.Fake
}

func (k *keyboardRejecter) Send(ctx context.Context, dest, text string, buttons []modifier.Button) (gateway.MessageID, error) {
	if len(buttons) > 0 {
		return 0, &gateway.Error{Op: "send", Class: gateway.ErrUnknown, Err: errors.New("BUTTON_URL_INVALID")}
	}
	return k.Fake.Send(ctx, dest, text, nil)
}

func TestForceAllRunsEveryRequestedKind(t *testing.T) {
	t.Parallel()

	r := &inlineRunner{}
	f := newFixture(t, r)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 8, Modifiers: modifier.Set{
		modifier.Edit:          {Delay: 5},
		modifier.UpdateButtons: {Delay: 1},
	}})
	n, err := f.exec.ForceAll(context.Background(), m)
	if err != nil || n != 2 {
		t.Fatalf("ForceAll = (%d, %v), want 2 jobs", n, err)
	}
	if f.gw.Count("edit") != 1 || f.gw.Count("edit_buttons") != 1 {
		t.Fatalf("ops = %v", f.gw.Ops())
	}
	if len(r.jobs) != 2 {
		t.Fatalf("jobs = %v", r.jobs)
	}
}

func TestFailureInOneKindDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &inlineRunner{})
	f.gw.Fail("edit", gateway.ErrRateLimited)
	m := f.mailing(t, storage.Mailing{LiveMessageID: 8, Modifiers: modifier.Set{
		modifier.Edit:   {Delay: 5},
		modifier.Delete: {Delay: 5},
	}})
	if _, err := f.exec.ForceAll(context.Background(), m); err != nil {
		t.Fatalf("ForceAll: %v", err)
	}
	if !f.gw.Deleted("@news", 8) {
		t.Fatal("delete did not run after edit failed")
	}
}

func TestOutcomePublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	gw := gatewaytest.New()
	store := storage.NewMemory()
	exec := New(Config{}, gw, store, nil, clock.NewFake(t0), logx.Nop(), bus)
	exec.Run(context.Background(), 1, modifier.Pin)

	select {
	case ev := <-ch:
		if ev.Type != eventbus.ModifierSkipped {
			t.Fatalf("event = %s, want %s", ev.Type, eventbus.ModifierSkipped)
		}
		if out := ev.Data.(Outcome); out.Kind != modifier.Pin || out.RunID == "" {
			t.Fatalf("outcome = %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

type panicGateway struct{ gateway.Gateway }

func (panicGateway) Pin(context.Context, string, gateway.MessageID) error { panic("boom") }

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	m, _ := store.CreateMailing(context.Background(), storage.Mailing{Destination: "@x", LiveMessageID: 1})
	exec := New(Config{}, panicGateway{gatewaytest.New()}, store, nil, clock.NewFake(t0), logx.Nop(), nil)
	out := exec.Run(context.Background(), m.ID, modifier.Pin)
	if out.Result != ResultFailed || !strings.Contains(out.Err, "panic") {
		t.Fatalf("outcome = %+v, want recovered panic", out)
	}
}
