package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chzzk-deck/internal/core"
)

// Writer accepts published messages for persistence.
type Writer interface {
	Write(core.ChatMessage) error
}

const schema = `CREATE TABLE IF NOT EXISTS recent_messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  kind TEXT NOT NULL DEFAULT 'chat',
  ts TEXT NOT NULL,
  author TEXT NOT NULL,
  text TEXT NOT NULL,
  badges_json TEXT NOT NULL DEFAULT '[]',
  emotes_json TEXT NOT NULL DEFAULT '[]',
  role TEXT NOT NULL DEFAULT '',
  verified INTEGER NOT NULL DEFAULT 0,
  avatar_url TEXT NOT NULL DEFAULT '',
  pay_amount INTEGER NOT NULL DEFAULT 0
);`

// RecentStore persists the bounded recent-message window so an overlay
// reconnecting after a process restart still gets context. The table is
// pruned to capacity on every insert; it never grows past the window.
type RecentStore struct {
	db *sql.DB

	mu       sync.Mutex
	capacity int
}

func OpenRecentStore(path string, capacity int) (*RecentStore, error) {
	if capacity <= 0 {
		capacity = 1
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	return &RecentStore{db: db, capacity: capacity}, nil
}

func (s *RecentStore) Close() error { return s.db.Close() }

// SetCapacity applies a new window size (live settings change). The next
// Write prunes to it.
func (s *RecentStore) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	s.mu.Lock()
	s.capacity = capacity
	s.mu.Unlock()
}

func (s *RecentStore) cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *RecentStore) Write(msg core.ChatMessage) error {
	badges, _ := json.Marshal(msg.Badges)
	emotes, _ := json.Marshal(msg.Emotes)
	verified := 0
	if msg.Verified {
		verified = 1
	}

	const q = `INSERT INTO recent_messages (id, kind, ts, author, text, badges_json, emotes_json, role, verified, avatar_url, pay_amount)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`
	if _, err := s.db.Exec(q, msg.ID, msg.Kind, msg.Ts.UTC().Format(time.RFC3339Nano), msg.Author, msg.Text,
		nz(string(badges), "[]"), nz(string(emotes), "[]"), msg.Role, verified, msg.AvatarURL, msg.PayAmount); err != nil {
		return errors.Wrap(err, "insert message")
	}

	const prune = `DELETE FROM recent_messages WHERE seq NOT IN (
  SELECT seq FROM recent_messages ORDER BY seq DESC LIMIT ?);`
	if _, err := s.db.Exec(prune, s.cap()); err != nil {
		return errors.Wrap(err, "prune window")
	}
	return nil
}

// LoadRecent returns up to limit stored messages, oldest first, ready to
// preload the ring. limit <= 0 means the whole window.
func (s *RecentStore) LoadRecent(ctx context.Context, limit int) ([]core.ChatMessage, error) {
	if limit <= 0 {
		limit = s.cap()
	}
	const q = `SELECT id, kind, ts, author, text, badges_json, emotes_json, role, verified, avatar_url, pay_amount
FROM (SELECT * FROM recent_messages ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC;`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query recent")
	}
	defer rows.Close()

	var out []core.ChatMessage
	for rows.Next() {
		var (
			msg        core.ChatMessage
			ts         string
			badgesJSON string
			emotesJSON string
			verified   int
		)
		if err := rows.Scan(&msg.ID, &msg.Kind, &ts, &msg.Author, &msg.Text, &badgesJSON, &emotesJSON, &msg.Role, &verified, &msg.AvatarURL, &msg.PayAmount); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Ts = t
		}
		_ = json.Unmarshal([]byte(badgesJSON), &msg.Badges)
		_ = json.Unmarshal([]byte(emotesJSON), &msg.Emotes)
		msg.Verified = verified != 0
		msg.Streamer = msg.Role == "streamer"
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "iterate recent")
}

func (s *RecentStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recent_messages;`).Scan(&n)
	return n, errors.Wrap(err, "count")
}

func (s *RecentStore) Ping() error { return s.db.Ping() }

func nz(s, def string) string {
	if s == "" || s == "null" {
		return def
	}
	return s
}
