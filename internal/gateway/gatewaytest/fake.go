// Package gatewaytest provides a recording in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"deferbot/internal/gateway"
	"deferbot/internal/modifier"
)

// Call is one recorded gateway invocation.
type Call struct {
	Op      string
	Dest    string
	To      string
	ID      gateway.MessageID
	Text    string
	Buttons []modifier.Button
}

// Fake records calls and assigns increasing message ids starting at 100.
// Fail makes the next calls of an op return the given class.
type Fake struct {
	mu     sync.Mutex
	nextID gateway.MessageID
	calls  []Call
	fail   map[string]error
	// Deleted tracks ids removed per destination.
	deleted map[string]map[gateway.MessageID]bool
}

func New() *Fake {
	return &Fake{nextID: 100, fail: map[string]error{}, deleted: map[string]map[gateway.MessageID]bool{}}
}

// Fail makes every subsequent call of op fail with class until Heal.
func (f *Fake) Fail(op string, class error) {
	f.mu.Lock()
	f.fail[op] = class
	f.mu.Unlock()
}

func (f *Fake) Heal(op string) {
	f.mu.Lock()
	delete(f.fail, op)
	f.mu.Unlock()
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Ops returns the op names in call order.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Op
	}
	return out
}

// Count returns how many times op was called (failed calls included).
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Last returns the most recent call of op.
func (f *Fake) Last(op string) (Call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Op == op {
			return f.calls[i], true
		}
	}
	return Call{}, false
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if class, ok := f.fail[c.Op]; ok {
		return &gateway.Error{Op: c.Op, Class: class, Err: fmt.Errorf("fake %s failure", c.Op)}
	}
	return nil
}

func (f *Fake) newID() gateway.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *Fake) Send(ctx context.Context, dest, text string, buttons []modifier.Button) (gateway.MessageID, error) {
	if err := f.record(Call{Op: "send", Dest: dest, Text: text, Buttons: append([]modifier.Button(nil), buttons...)}); err != nil {
		return 0, err
	}
	return f.newID(), nil
}

func (f *Fake) Edit(ctx context.Context, dest string, id gateway.MessageID, text string) error {
	return f.record(Call{Op: "edit", Dest: dest, ID: id, Text: text})
}

func (f *Fake) EditButtons(ctx context.Context, dest string, id gateway.MessageID, buttons []modifier.Button) error {
	return f.record(Call{Op: "edit_buttons", Dest: dest, ID: id, Buttons: append([]modifier.Button(nil), buttons...)})
}

func (f *Fake) Delete(ctx context.Context, dest string, id gateway.MessageID) error {
	if err := f.record(Call{Op: "delete", Dest: dest, ID: id}); err != nil {
		return err
	}
	f.mu.Lock()
	if f.deleted[dest] == nil {
		f.deleted[dest] = map[gateway.MessageID]bool{}
	}
	f.deleted[dest][id] = true
	f.mu.Unlock()
	return nil
}

// Deleted reports whether id was deleted from dest.
func (f *Fake) Deleted(dest string, id gateway.MessageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[dest][id]
}

func (f *Fake) Pin(ctx context.Context, dest string, id gateway.MessageID) error {
	return f.record(Call{Op: "pin", Dest: dest, ID: id})
}

func (f *Fake) Unpin(ctx context.Context, dest string, id gateway.MessageID) error {
	return f.record(Call{Op: "unpin", Dest: dest, ID: id})
}

func (f *Fake) UnpinAll(ctx context.Context, dest string) error {
	return f.record(Call{Op: "unpin_all", Dest: dest})
}

func (f *Fake) Forward(ctx context.Context, from, to string, id gateway.MessageID) (gateway.MessageID, error) {
	if err := f.record(Call{Op: "forward", Dest: from, To: to, ID: id}); err != nil {
		return 0, err
	}
	return f.newID(), nil
}

var _ gateway.Gateway = (*Fake)(nil)
