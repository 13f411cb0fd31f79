package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"deferbot/internal/modifier"
	logx "deferbot/pkg/logx"
)

// dialect carries the few differences between the SQL drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// describe adds driver specific fields to failure logs.
	describe func(err error) []logx.Field
}

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect
}

func (s *sqlStore) fail(op string, err error) error {
	fields := []logx.Field{logx.String("op", op), logx.String("driver", s.d.name), logx.Err(err)}
	if s.d.describe != nil {
		fields = append(fields, s.d.describe(err)...)
	}
	s.log.Debug("store operation failed", fields...)
	return unavailable(op, err)
}

func (s *sqlStore) exec(ctx context.Context, op, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return 0, s.fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.fail(op, err)
	}
	return n, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- mailings ----

const mailingCols = `id, channel_id, message_text, buttons, modifiers, message_id, created_at`

func (s *sqlStore) CreateMailing(ctx context.Context, m Mailing) (Mailing, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	buttons, err := json.Marshal(nonNilButtons(m.Buttons))
	if err != nil {
		return Mailing{}, err
	}
	mods := m.Modifiers
	if mods == nil {
		mods = modifier.Set{}
	}
	modsJSON, err := json.Marshal(mods)
	if err != nil {
		return Mailing{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mailing{}, s.fail("create mailing", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.Destination != "" {
		if _, err := tx.ExecContext(ctx, s.d.rebind(
			`INSERT INTO channels(id, title, owner_id, added_at) VALUES(?, '', 0, ?)
			 ON CONFLICT(id) DO NOTHING`),
			m.Destination, m.CreatedAt.UnixMilli(),
		); err != nil {
			return Mailing{}, s.fail("create mailing", err)
		}
	}
	err = tx.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO mailings(channel_id, message_text, buttons, modifiers, message_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?) RETURNING id`),
		nullStr(m.Destination), m.Text, string(buttons), string(modsJSON), nullID(m.LiveMessageID), m.CreatedAt.UnixMilli(),
	).Scan(&m.ID)
	if err != nil {
		return Mailing{}, s.fail("create mailing", err)
	}
	if err := tx.Commit(); err != nil {
		return Mailing{}, s.fail("create mailing", err)
	}
	m.CreatedAt = time.UnixMilli(m.CreatedAt.UnixMilli())
	return m, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanMailing(r rowScanner) (Mailing, error) {
	var (
		m         Mailing
		channel   sql.NullString
		buttons   string
		mods      string
		messageID sql.NullInt64
		created   int64
	)
	if err := r.Scan(&m.ID, &channel, &m.Text, &buttons, &mods, &messageID, &created); err != nil {
		return Mailing{}, err
	}
	m.Destination = channel.String
	m.LiveMessageID = messageID.Int64
	m.CreatedAt = time.UnixMilli(created)
	if buttons != "" {
		if err := json.Unmarshal([]byte(buttons), &m.Buttons); err != nil {
			return Mailing{}, err
		}
	}
	m.Modifiers = modifier.Set{}
	if mods != "" {
		if err := json.Unmarshal([]byte(mods), &m.Modifiers); err != nil {
			return Mailing{}, err
		}
	}
	return m, nil
}

func (s *sqlStore) GetMailing(ctx context.Context, id int64) (Mailing, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+mailingCols+` FROM mailings WHERE id = ?`), id)
	m, err := scanMailing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mailing{}, ErrNotFound
	}
	if err != nil {
		return Mailing{}, s.fail("get mailing", err)
	}
	return m, nil
}

func (s *sqlStore) ListMailings(ctx context.Context, limit int) ([]Mailing, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+mailingCols+` FROM mailings ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, s.fail("list mailings", err)
	}
	defer rows.Close()

	var out []Mailing
	for rows.Next() {
		m, err := scanMailing(rows)
		if err != nil {
			return nil, s.fail("list mailings", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list mailings", err)
	}
	return out, nil
}

func (s *sqlStore) SetLiveMessage(ctx context.Context, id, msgID int64) error {
	n, err := s.exec(ctx, "set live message", `UPDATE mailings SET message_id = ? WHERE id = ?`, nullID(msgID), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteMailing(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("delete mailing", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM scheduled_tasks WHERE mailing_id = ?`), id); err != nil {
		return s.fail("delete mailing", err)
	}
	res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM mailings WHERE id = ?`), id)
	if err != nil {
		return s.fail("delete mailing", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return s.fail("delete mailing", err)
	} else if n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return s.fail("delete mailing", err)
	}
	return nil
}

// ---- tasks ----

const taskCols = `id, mailing_id, modifier_type, execute_at, executed`

func (s *sqlStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	t.Executed = false
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO scheduled_tasks(mailing_id, modifier_type, execute_at, executed)
		 VALUES(?, ?, ?, ?) RETURNING id`),
		t.MailingID, string(t.Kind), t.DueAt.UnixMilli(), false,
	).Scan(&t.ID)
	if err != nil {
		return Task{}, s.fail("create task", err)
	}
	t.DueAt = time.UnixMilli(t.DueAt.UnixMilli())
	return t, nil
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t    Task
		kind string
		due  int64
	)
	if err := r.Scan(&t.ID, &t.MailingID, &kind, &due, &t.Executed); err != nil {
		return Task{}, err
	}
	t.Kind = modifier.Kind(kind)
	t.DueAt = time.UnixMilli(due)
	return t, nil
}

func (s *sqlStore) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+taskCols+` FROM scheduled_tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, s.fail("get task", err)
	}
	return t, nil
}

func (s *sqlStore) PendingTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+taskCols+` FROM scheduled_tasks WHERE executed = ? ORDER BY execute_at, id`), false)
	if err != nil {
		return nil, s.fail("pending tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.fail("pending tasks", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("pending tasks", err)
	}
	return out, nil
}

func (s *sqlStore) MarkExecuted(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, "mark executed", `UPDATE scheduled_tasks SET executed = ? WHERE id = ?`, true, id)
	return err
}

// ---- channels / accounts / counters ----

func (s *sqlStore) UpsertChannel(ctx context.Context, c Channel) error {
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now()
	}
	_, err := s.exec(ctx, "upsert channel",
		`INSERT INTO channels(id, title, owner_id, added_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE channels.title END,
		   owner_id = CASE WHEN excluded.owner_id <> 0 THEN excluded.owner_id ELSE channels.owner_id END`,
		c.ID, c.Title, c.OwnerID, c.AddedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) DeleteChannel(ctx context.Context, id string) error {
	n, err := s.exec(ctx, "delete channel", `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, owner_id, added_at FROM channels ORDER BY added_at, id`)
	if err != nil {
		return nil, s.fail("list channels", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var (
			c     Channel
			added int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &c.OwnerID, &added); err != nil {
			return nil, s.fail("list channels", err)
		}
		c.AddedAt = time.UnixMilli(added)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list channels", err)
	}
	return out, nil
}

func (s *sqlStore) TouchAccount(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.exec(ctx, "touch account",
		`INSERT INTO accounts(user_id, last_seen) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`,
		userID, at.UnixMilli(),
	)
	return err
}

func (s *sqlStore) IncrementCounter(ctx context.Context, key string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.fail("increment counter", err)
	}
	defer func() { _ = tx.Rollback() }()

	var v int64
	err = tx.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO settings(key, value) VALUES(?, 1)
		 ON CONFLICT(key) DO UPDATE SET value = settings.value + 1
		 RETURNING value`), key,
	).Scan(&v)
	if err != nil {
		return 0, s.fail("increment counter", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.fail("increment counter", err)
	}
	return v, nil
}

// ---- retention ----

func (s *sqlStore) PurgeExecutedTasks(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, "purge tasks",
		`DELETE FROM scheduled_tasks WHERE executed = ? AND execute_at < ?`, true, before.UnixMilli())
}

func (s *sqlStore) PurgeMailings(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, "purge mailings",
		`DELETE FROM mailings WHERE channel_id IS NULL OR created_at < ?`, before.UnixMilli())
}

func (s *sqlStore) PurgeAccounts(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, "purge accounts", `DELETE FROM accounts WHERE last_seen < ?`, before.UnixMilli())
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT
		(SELECT COUNT(*) FROM mailings),
		(SELECT COUNT(*) FROM scheduled_tasks WHERE executed = ?),
		(SELECT COUNT(*) FROM scheduled_tasks WHERE executed = ?),
		(SELECT COUNT(*) FROM channels),
		(SELECT COUNT(*) FROM accounts)`), false, true,
	).Scan(&st.Mailings, &st.PendingTasks, &st.ExecutedTasks, &st.Channels, &st.Accounts)
	if err != nil {
		return Stats{}, s.fail("stats", err)
	}
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nonNilButtons(b []modifier.Button) []modifier.Button {
	if b == nil {
		return []modifier.Button{}
	}
	return b
}
