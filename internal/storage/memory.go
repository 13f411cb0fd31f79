package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"deferbot/internal/modifier"
)

// Memory is an in-process Store with the same semantics as the SQL drivers.
type Memory struct {
	mu sync.Mutex

	mailingSeq int64
	taskSeq    int64

	mailings map[int64]Mailing
	tasks    map[int64]Task
	channels map[string]Channel
	accounts map[int64]time.Time
	counters map[string]int64

	// failWith, when set, makes every call fail as unavailable.
	failWith error
}

func NewMemory() *Memory {
	return &Memory{
		mailings: map[int64]Mailing{},
		tasks:    map[int64]Task{},
		channels: map[string]Channel{},
		accounts: map[int64]time.Time{},
		counters: map[string]int64{},
	}
}

// SetFailure makes subsequent calls fail with err wrapped as unavailable.
// A nil err restores normal operation.
func (s *Memory) SetFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func (s *Memory) check(op string) error {
	if s.failWith != nil {
		return unavailable(op, s.failWith)
	}
	return nil
}

func (s *Memory) Close() error { return nil }

func copyMailing(m Mailing) Mailing {
	if m.Buttons != nil {
		m.Buttons = append([]modifier.Button(nil), m.Buttons...)
	}
	mods := make(modifier.Set, len(m.Modifiers))
	for k, v := range m.Modifiers {
		mods[k] = v
	}
	m.Modifiers = mods
	return m
}

func (s *Memory) CreateMailing(ctx context.Context, m Mailing) (Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create mailing"); err != nil {
		return Mailing{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Destination != "" {
		if _, ok := s.channels[m.Destination]; !ok {
			s.channels[m.Destination] = Channel{ID: m.Destination, AddedAt: m.CreatedAt}
		}
	}
	s.mailingSeq++
	m.ID = s.mailingSeq
	m = copyMailing(m)
	s.mailings[m.ID] = m
	return copyMailing(m), nil
}

func (s *Memory) GetMailing(ctx context.Context, id int64) (Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get mailing"); err != nil {
		return Mailing{}, err
	}
	m, ok := s.mailings[id]
	if !ok {
		return Mailing{}, ErrNotFound
	}
	return copyMailing(m), nil
}

func (s *Memory) ListMailings(ctx context.Context, limit int) ([]Mailing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list mailings"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	out := make([]Mailing, 0, len(s.mailings))
	for _, m := range s.mailings {
		out = append(out, copyMailing(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) SetLiveMessage(ctx context.Context, id, msgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set live message"); err != nil {
		return err
	}
	m, ok := s.mailings[id]
	if !ok {
		return ErrNotFound
	}
	m.LiveMessageID = msgID
	s.mailings[id] = m
	return nil
}

func (s *Memory) DeleteMailing(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete mailing"); err != nil {
		return err
	}
	if _, ok := s.mailings[id]; !ok {
		return ErrNotFound
	}
	delete(s.mailings, id)
	for tid, t := range s.tasks {
		if t.MailingID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *Memory) CreateTask(ctx context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create task"); err != nil {
		return Task{}, err
	}
	s.taskSeq++
	t.ID = s.taskSeq
	t.Executed = false
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Memory) GetTask(ctx context.Context, id int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get task"); err != nil {
		return Task{}, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (s *Memory) PendingTasks(ctx context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("pending tasks"); err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range s.tasks {
		if !t.Executed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) MarkExecuted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("mark executed"); err != nil {
		return err
	}
	if t, ok := s.tasks[id]; ok {
		t.Executed = true
		s.tasks[id] = t
	}
	return nil
}

func (s *Memory) UpsertChannel(ctx context.Context, c Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert channel"); err != nil {
		return err
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now()
	}
	if prev, ok := s.channels[c.ID]; ok {
		if c.Title != "" {
			prev.Title = c.Title
		}
		if c.OwnerID != 0 {
			prev.OwnerID = c.OwnerID
		}
		s.channels[c.ID] = prev
		return nil
	}
	s.channels[c.ID] = c
	return nil
}

func (s *Memory) DeleteChannel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete channel"); err != nil {
		return err
	}
	if _, ok := s.channels[id]; !ok {
		return ErrNotFound
	}
	delete(s.channels, id)
	for mid, m := range s.mailings {
		if m.Destination == id {
			m.Destination = ""
			s.mailings[mid] = m
		}
	}
	return nil
}

func (s *Memory) ListChannels(ctx context.Context) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list channels"); err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) TouchAccount(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("touch account"); err != nil {
		return err
	}
	s.accounts[userID] = at
	return nil
}

func (s *Memory) IncrementCounter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("increment counter"); err != nil {
		return 0, err
	}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Memory) PurgeExecutedTasks(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("purge tasks"); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range s.tasks {
		if t.Executed && t.DueAt.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) PurgeMailings(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("purge mailings"); err != nil {
		return 0, err
	}
	var n int64
	for id, m := range s.mailings {
		if m.Destination == "" || m.CreatedAt.Before(before) {
			delete(s.mailings, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) PurgeAccounts(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("purge accounts"); err != nil {
		return 0, err
	}
	var n int64
	for id, seen := range s.accounts {
		if seen.Before(before) {
			delete(s.accounts, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("stats"); err != nil {
		return Stats{}, err
	}
	st := Stats{
		Mailings: int64(len(s.mailings)),
		Channels: int64(len(s.channels)),
		Accounts: int64(len(s.accounts)),
	}
	for _, t := range s.tasks {
		if t.Executed {
			st.ExecutedTasks++
		} else {
			st.PendingTasks++
		}
	}
	return st, nil
}
